package super

import "errors"

// Sentinel errors for the super composer and partition adapter.
var (
	ErrNoBlockDevice    = errors.New("super: metadata has no block devices")
	ErrUnknownPartition = errors.New("super: partition not found in metadata")
	ErrInvalidArgument  = errors.New("super: invalid argument")
)
