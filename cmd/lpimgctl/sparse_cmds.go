package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/lpimgtools/lpsparse/sparse"
)

const peekHelp = `lpimgctl peek -image=<path>

Print a sparse image's 28-byte header without reading its chunks.
`

func peek(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("peek", flag.ExitOnError)
	image := fset.String("image", "", "path to a sparse image")
	fset.Usage = usage(fset, peekHelp)
	fset.Parse(args)
	if *image == "" {
		return xerrors.Errorf("syntax: lpimgctl peek -image=<path>")
	}
	hdr, err := sparse.PeekHeader(*image)
	if err != nil {
		return err
	}
	fmt.Printf("block_size=%d total_blocks=%d total_chunks=%d\n", hdr.BlockSize, hdr.TotalBlocks, hdr.TotalChunks)
	return nil
}

const sparseBuildHelp = `lpimgctl sparse-build -in=<path> -out=<path> [-raw] [-block-size=4096] [-sparsify=hole|normal]

Build a sparse image from an input file. Without -raw, the input is
auto-detected as either an already-sparse image (re-serialized as-is) or a
raw image (sparsified). With -raw, the input is always treated as raw.
-block-size and -sparsify apply only with -raw; a raw input found by
auto-detection is sparsified with 4096-byte blocks and Skip chunks for
zero runs.
`

func sparseBuild(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("sparse-build", flag.ExitOnError)
	var (
		in        = fset.String("in", "", "input file")
		out       = fset.String("out", "", "output sparse image path")
		raw       = fset.Bool("raw", false, "treat -in as a raw (non-sparse) image")
		blockSize = fset.Uint("block-size", 4096, "block size in bytes, with -raw")
		sparsify  = fset.String("sparsify", "hole", "zero-run representation with -raw: hole or normal")
		gzip      = fset.Bool("gzip", false, "gzip-wrap the sparse output")
	)
	fset.Usage = usage(fset, sparseBuildHelp)
	fset.Parse(args)
	if *in == "" || *out == "" {
		return xerrors.Errorf("syntax: lpimgctl sparse-build -in=<path> -out=<path>")
	}

	var mode sparse.SparsifyMode
	switch *sparsify {
	case "hole":
		mode = sparse.SparsifyHole
	case "normal":
		mode = sparse.SparsifyNormal
	default:
		return xerrors.Errorf("unknown -sparsify value %q", *sparsify)
	}

	var (
		s   *sparse.Sparse
		err error
	)
	if *raw {
		s, err = sparse.FromRawFile(*in, uint32(*blockSize), mode)
	} else {
		s, err = sparse.ImportAuto(*in)
	}
	if err != nil {
		return xerrors.Errorf("reading %s: %w", *in, err)
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.Write(f, *gzip, true)
}

const sparseWriteHelp = `lpimgctl sparse-write -in=<path> -out=<path> [-flat] [-gzip] [-sparse-holes]

Re-serialize a parsed sparse image. With -flat, writes the full logical
image (seeking past Skip runs instead of writing zeros when -sparse-holes
is set on a seekable destination); otherwise writes the sparse container
format.
`

func sparseWrite(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("sparse-write", flag.ExitOnError)
	var (
		in          = fset.String("in", "", "input sparse image")
		out         = fset.String("out", "", "output path")
		flat        = fset.Bool("flat", false, "write the flattened logical image instead of the sparse container")
		gzip        = fset.Bool("gzip", false, "gzip-wrap the sparse container (ignored with -flat)")
		sparseHoles = fset.Bool("sparse-holes", false, "when -flat, seek past Skip runs instead of writing zeros")
		validateCRC = fset.Bool("validate-crc", false, "require the input's trailing CRC32 chunk, if any, to match")
	)
	fset.Usage = usage(fset, sparseWriteHelp)
	fset.Parse(args)
	if *in == "" || *out == "" {
		return xerrors.Errorf("syntax: lpimgctl sparse-write -in=<path> -out=<path>")
	}

	s, err := sparse.FromImageFile(*in, *validateCRC)
	if err != nil {
		return xerrors.Errorf("reading %s: %w", *in, err)
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()

	if *flat {
		return s.WriteFlat(f, *sparseHoles)
	}
	return s.Write(f, *gzip, true)
}

const resparseHelp = `lpimgctl resparse -in=<path> -out-prefix=<path> -max-size=<bytes>

Split a sparse image into pieces each no larger than -max-size bytes,
written as <out-prefix>.0, <out-prefix>.1, ...
`

const exportStreamHelp = `lpimgctl export-stream -in=<path> -out=<path> [-start-block=0] [-end-block=0] [-full-range] [-crc]

Export a standalone sparse-container image covering blocks
[-start-block, -end-block) of -in's virtual flat image, read via a
seekable, random-access SparseImageStream rather than a forward-only
copy. -end-block=0 means through the end of the image. With
-full-range, the slice keeps -in's original total_blocks and is
surrounded by Skip chunks instead of being rebased to block 0. With
-crc, a trailing CRC32 chunk covering the slice's flat bytes is appended.
`

func exportStream(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("export-stream", flag.ExitOnError)
	var (
		in         = fset.String("in", "", "input sparse image")
		out        = fset.String("out", "", "output path")
		startBlock = fset.Uint("start-block", 0, "first block (inclusive) of the slice")
		endBlock   = fset.Uint("end-block", 0, "last block (exclusive) of the slice; 0 means through the end")
		fullRange  = fset.Bool("full-range", false, "keep the original total_blocks, surrounding the slice with Skip chunks")
		crc        = fset.Bool("crc", false, "append a trailing CRC32 chunk over the slice's flat bytes")
	)
	fset.Usage = usage(fset, exportStreamHelp)
	fset.Parse(args)
	if *in == "" || *out == "" {
		return xerrors.Errorf("syntax: lpimgctl export-stream -in=<path> -out=<path>")
	}

	s, err := sparse.FromImageFile(*in, false)
	if err != nil {
		return xerrors.Errorf("reading %s: %w", *in, err)
	}

	end := uint32(*endBlock)
	if end == 0 {
		end = s.TotalBlocks
	}
	stream, err := s.ImageStream(uint32(*startBlock), end, *fullRange, *crc)
	if err != nil {
		return xerrors.Errorf("export-stream: %w", err)
	}
	defer stream.Close()

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, stream)
	return err
}

func resparse(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("resparse", flag.ExitOnError)
	var (
		in        = fset.String("in", "", "input sparse image")
		outPrefix = fset.String("out-prefix", "", "output path prefix")
		maxSize   = fset.Uint64("max-size", 0, "maximum piece size in bytes")
	)
	fset.Usage = usage(fset, resparseHelp)
	fset.Parse(args)
	if *in == "" || *outPrefix == "" || *maxSize == 0 {
		return xerrors.Errorf("syntax: lpimgctl resparse -in=<path> -out-prefix=<path> -max-size=<bytes>")
	}

	s, err := sparse.FromImageFile(*in, false)
	if err != nil {
		return xerrors.Errorf("reading %s: %w", *in, err)
	}
	pieces, err := s.Resparse(*maxSize)
	if err != nil {
		return xerrors.Errorf("resparse: %w", err)
	}

	progress := progressEnabled()
	var eg errgroup.Group
	for i, piece := range pieces {
		i, piece := i, piece
		eg.Go(func() error {
			path := fmt.Sprintf("%s.%d", *outPrefix, i)
			if progress {
				fmt.Fprintf(os.Stderr, "writing %s (%d/%d)\n", path, i+1, len(pieces))
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()
			return piece.Write(f, false, true)
		})
	}
	return eg.Wait()
}
