package main

import (
	"context"
	"flag"
	"io"
	"os"
	"strings"

	"golang.org/x/xerrors"

	"github.com/lpimgtools/lpsparse/lpmeta"
	"github.com/lpimgtools/lpsparse/provider"
	"github.com/lpimgtools/lpsparse/super"
)

const superBuildHelp = `lpimgctl super-build -metadata=<path> -out=<path> [-slot=0] [-partitions=name:path[,...]] [-sparse]

Compose a flashable super image: metadata region plus every partition's
data, laid out according to the metadata's extent tables. Partitions named
in the metadata but not given a -partitions entry are zero-filled.
`

func parsePartitionFiles(spec string) (map[string]provider.Provider, error) {
	providers := map[string]provider.Provider{}
	if spec == "" {
		return providers, nil
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		nameSize := strings.SplitN(part, ":", 2)
		if len(nameSize) != 2 {
			return nil, xerrors.Errorf("partition entry %q: want name:path", part)
		}
		name, path := nameSize[0], nameSize[1]
		st, err := os.Stat(path)
		if err != nil {
			return nil, xerrors.Errorf("stat %s: %w", path, err)
		}
		providers[name] = provider.NewFileRegion(path, 0, uint64(st.Size()))
	}
	return providers, nil
}

func superBuild(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("super-build", flag.ExitOnError)
	var (
		metadataPath = fset.String("metadata", "", "path to a metadata image (or a super image, read at -slot)")
		out          = fset.String("out", "", "output super image path")
		slot         = fset.Uint("slot", 0, "metadata slot to read")
		partitions   = fset.String("partitions", "", "comma-separated name:path list of partition data files")
		sparseOut    = fset.Bool("sparse", false, "write the sparse container format instead of a flat image")
	)
	fset.Usage = usage(fset, superBuildHelp)
	fset.Parse(args)
	if *metadataPath == "" || *out == "" {
		return xerrors.Errorf("syntax: lpimgctl super-build -metadata=<path> -out=<path>")
	}

	m, err := lpmeta.ReadFromImage(*metadataPath, uint32(*slot))
	if err != nil {
		return xerrors.Errorf("reading metadata: %w", err)
	}
	providers, err := parsePartitionFiles(*partitions)
	if err != nil {
		return err
	}

	s, err := super.BuildSuper(m, providers)
	if err != nil {
		return xerrors.Errorf("composing super image: %w", err)
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()
	if *sparseOut {
		return s.Write(f, false, true)
	}
	return s.WriteFlat(f, false)
}

const partitionOpenHelp = `lpimgctl partition-open -image=<path> -partition=<name> [-slot=0] [-out=<path>]

Extract one partition's logical contents from a flat super image, writing
to -out (default: stdout).
`

func partitionOpen(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("partition-open", flag.ExitOnError)
	var (
		image         = fset.String("image", "", "path to a flat super image")
		partitionName = fset.String("partition", "", "partition name to extract")
		slot          = fset.Uint("slot", 0, "metadata slot to read")
		out           = fset.String("out", "", "output path (default: stdout)")
	)
	fset.Usage = usage(fset, partitionOpenHelp)
	fset.Parse(args)
	if *image == "" || *partitionName == "" {
		return xerrors.Errorf("syntax: lpimgctl partition-open -image=<path> -partition=<name>")
	}

	f, err := os.Open(*image)
	if err != nil {
		return err
	}
	defer f.Close()

	m, err := lpmeta.ReadMetadata(f, uint32(*slot))
	if err != nil {
		return xerrors.Errorf("reading metadata: %w", err)
	}
	ps, err := super.OpenPartition(f, m, *partitionName)
	if err != nil {
		return xerrors.Errorf("opening partition %q: %w", *partitionName, err)
	}

	dst := os.Stdout
	if *out != "" {
		dst, err = os.Create(*out)
		if err != nil {
			return err
		}
		defer dst.Close()
	}
	_, err = io.Copy(dst, ps)
	return err
}
