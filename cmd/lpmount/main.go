// Command lpmount FUSE-mounts a single partition from a flat super image
// read-only, exposing it as one regular file at the mount root so ordinary
// tools (file, mount -o loop, dd) can operate on it without first
// extracting it with lpimgctl partition-open.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/lpimgtools/lpsparse"
	"github.com/lpimgtools/lpsparse/internal/oninterrupt"
	"github.com/lpimgtools/lpsparse/lpmeta"
	"github.com/lpimgtools/lpsparse/super"
)

const help = `lpmount -image=<path> -partition=<name> <mountpoint>

Mount one partition of a flat super image read-only at <mountpoint>, as a
single file named after the partition. Unmount with fusermount -u
<mountpoint> or Ctrl-C.
`

// partitionInode is the sole regular file's inode; 1 is reserved for the
// mount root by FUSE convention.
const partitionInode fuseops.InodeID = 2

type partitionFS struct {
	fuseutil.NotImplementedFileSystem

	name      string
	size      uint64
	partition io.ReaderAt
}

func (fs *partitionFS) rootAttributes() fuseops.InodeAttributes {
	return fuseops.InodeAttributes{Nlink: 1, Mode: os.ModeDir | 0555}
}

func (fs *partitionFS) fileAttributes() fuseops.InodeAttributes {
	return fuseops.InodeAttributes{Nlink: 1, Size: fs.size, Mode: 0444}
}

func (fs *partitionFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return nil
}

func (fs *partitionFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	if op.Parent != fuseops.RootInodeID || op.Name != fs.name {
		return fuse.ENOENT
	}
	op.Entry.Child = partitionInode
	op.Entry.Attributes = fs.fileAttributes()
	return nil
}

func (fs *partitionFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	switch op.Inode {
	case fuseops.RootInodeID:
		op.Attributes = fs.rootAttributes()
	case partitionInode:
		op.Attributes = fs.fileAttributes()
	default:
		return fuse.ENOENT
	}
	return nil
}

func (fs *partitionFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	if op.Inode != fuseops.RootInodeID {
		return fuse.ENOENT
	}
	return nil
}

func (fs *partitionFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	if op.Inode != fuseops.RootInodeID {
		return fuse.ENOENT
	}
	if op.Offset > 0 {
		return nil
	}
	n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
		Offset: 1,
		Inode:  partitionInode,
		Name:   fs.name,
		Type:   fuseutil.DT_File,
	})
	op.BytesRead += n
	return nil
}

func (fs *partitionFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	if op.Inode != partitionInode {
		return fuse.ENOENT
	}
	// Instruct the kernel to not send OpenFile requests for performance:
	// https://github.com/torvalds/linux/commit/7678ac50615d9c7a491d9861e020e4f5f71b594c
	return fuse.ENOSYS
}

func (fs *partitionFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	if op.Inode != partitionInode {
		return fuse.ENOENT
	}
	var err error
	op.BytesRead, err = fs.partition.ReadAt(op.Dst, op.Offset)
	if err == io.EOF {
		err = nil // FUSE does not want io.EOF
	}
	return err
}

func run() error {
	image := flag.String("image", "", "path to a flat super image")
	partitionName := flag.String("partition", "", "partition name to expose")
	slot := flag.Uint("slot", 0, "metadata slot to read")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, help)
		flag.PrintDefaults()
	}
	flag.Parse()

	mountpoint := flag.Arg(0)
	if *image == "" || *partitionName == "" || mountpoint == "" {
		return xerrors.Errorf("syntax: lpmount -image=<path> -partition=<name> <mountpoint>")
	}

	f, err := os.Open(*image)
	if err != nil {
		return err
	}

	meta, err := lpmeta.ReadMetadata(f, uint32(*slot))
	if err != nil {
		return xerrors.Errorf("reading metadata: %w", err)
	}

	stream, err := super.OpenPartition(f, meta, *partitionName)
	if err != nil {
		return xerrors.Errorf("opening partition %q: %w", *partitionName, err)
	}
	length, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	reader, ok := stream.(io.ReaderAt)
	if !ok {
		return xerrors.Errorf("partition stream does not support random access")
	}

	fs := &partitionFS{name: *partitionName, size: uint64(length), partition: reader}
	server := fuseutil.NewFileSystemServer(fs)

	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:                 "lpmount",
		ReadOnly:               true,
		EnableSymlinkCaching:   true,
		EnableNoOpenSupport:    true,
		EnableNoOpendirSupport: true,
	})
	if err != nil {
		return xerrors.Errorf("fuse.Mount: %w", err)
	}

	oninterrupt.Register(func() {
		if err := fuse.Unmount(mountpoint); err != nil {
			log.Printf("fuse.Unmount: %v", err)
		}
	})

	ctx, canc := lpsparse.InterruptibleContext()
	defer canc()
	defer func() {
		if err := fuse.Unmount(mountpoint); err != nil {
			log.Printf("fuse.Unmount: %v", err)
		}
	}()
	if err := mfs.Join(ctx); err != nil {
		return xerrors.Errorf("Join: %w", err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
