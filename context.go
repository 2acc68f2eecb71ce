// Package lpsparse is the root package of the sparse-image and
// logical-partition metadata toolkit; see the sparse, lpmeta, super, and
// fsprobe subpackages for the format codecs themselves. This file and
// atexit.go hold the small process-lifecycle helpers shared by the CLI
// front ends.
package lpsparse

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context which is canceled when the program is
// interrupted (i.e. receiving SIGINT or SIGTERM).
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// Subsequent signals will result in immediate termination, which is
		// useful in case cleanup hangs:
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}
