package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/xerrors"

	"github.com/lpimgtools/lpsparse/fsprobe"
)

const probeHelp = `lpimgctl probe -image=<path> [-offset=0]

Identify the filesystem superblock at -offset in -image, printing its type
and declared size in bytes.
`

func probeCmd(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("probe", flag.ExitOnError)
	var (
		image  = fset.String("image", "", "path to an image or extracted partition")
		offset = fset.Int64("offset", 0, "byte offset to probe at")
	)
	fset.Usage = usage(fset, probeHelp)
	fset.Parse(args)
	if *image == "" {
		return xerrors.Errorf("syntax: lpimgctl probe -image=<path>")
	}

	f, err := os.Open(*image)
	if err != nil {
		return err
	}
	defer f.Close()

	result, err := fsprobe.Probe(f, *offset)
	if err != nil {
		return err
	}
	fmt.Printf("type=%s size_bytes=%d\n", result.Type, result.SizeBytes)
	return nil
}
