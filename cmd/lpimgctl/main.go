// Command lpimgctl is the command-line front door to the sparse image and
// logical-partition metadata library: one subcommand per library entry
// point, dispatched through a verb table.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/lpimgtools/lpsparse"
)

var debug = flag.Bool("debug", false, "format error messages with additional detail")

func usage(fset *flag.FlagSet, helpText string) func() {
	return func() {
		fmt.Fprintln(os.Stderr, helpText)
		fmt.Fprintf(os.Stderr, "Flags for lpimgctl %s:\n", fset.Name())
		fset.PrintDefaults()
	}
}

type cmd struct {
	fn   func(ctx context.Context, args []string) error
	help string
}

func funcmain() error {
	flag.Parse()

	verbs := map[string]cmd{
		"peek":           {peek, "print a sparse image's header without reading its chunks"},
		"sparse-build":   {sparseBuild, "build a sparse image from a raw or already-sparse input file"},
		"sparse-write":   {sparseWrite, "re-serialize a sparse image, optionally flattening or gzip-wrapping it"},
		"resparse":       {resparse, "split a sparse image into pieces no larger than -max-size"},
		"export-stream":  {exportStream, "export a seekable sparse-container slice of an image's blocks"},
		"lp-read":        {lpRead, "print one metadata slot of an LP super image"},
		"lp-build":       {lpBuild, "build a new LP super image's metadata from a partition size list"},
		"super-build":    {superBuild, "compose a flashable super image from metadata and partition data files"},
		"partition-open": {partitionOpen, "extract one partition's logical contents from a super image"},
		"probe":          {probeCmd, "identify the filesystem inside a partition or image"},
	}

	args := flag.Args()
	if len(args) == 0 {
		printTopHelp(verbs)
		os.Exit(2)
	}
	verb, rest := args[0], args[1:]
	if verb == "help" {
		if len(rest) != 1 {
			printTopHelp(verbs)
			os.Exit(2)
		}
		verb, rest = rest[0], []string{"-help"}
	}

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: lpimgctl <command> [options]\n")
		os.Exit(2)
	}

	ctx, canc := lpsparse.InterruptibleContext()
	defer canc()
	if err := v.fn(ctx, rest); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}
	return lpsparse.RunAtExit()
}

func printTopHelp(verbs map[string]cmd) {
	fmt.Fprintf(os.Stderr, "lpimgctl [-flags] <command> [-flags] <args>\n\n")
	fmt.Fprintf(os.Stderr, "To get help on any command, use lpimgctl <command> -help or lpimgctl help <command>.\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	for _, name := range []string{"peek", "sparse-build", "sparse-write", "resparse", "export-stream", "lp-read", "lp-build", "super-build", "partition-open", "probe"} {
		fmt.Fprintf(os.Stderr, "\t%-15s %s\n", name, verbs[name].help)
	}
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
