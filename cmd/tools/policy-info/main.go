// policy-info inspects policy artifacts without a deployment file: it loads
// each model by extension, prints the declared tensor tables and optionally
// runs the zero-input probe.
//
// Usage: policy-info [-probe] [-lib path] model...
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/stride-robotics/gaitd/internal/backend"
	"github.com/stride-robotics/gaitd/internal/backend/mlp"
	"github.com/stride-robotics/gaitd/internal/backend/onnx"
)

var (
	probe = flag.Bool("probe", false, "Run each model once with zero inputs and print the outputs")
	lib   = flag.String("lib", "", "Path to libonnxruntime (default: system loader)")
)

func engineFor(path string) (backend.Backend, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".onnx":
		return onnx.New(onnx.Config{LibraryPath: *lib}), nil
	case ".json":
		return mlp.New(), nil
	default:
		return nil, fmt.Errorf("%s: want a .onnx graph or a .json weights file", path)
	}
}

func inspect(path string) error {
	eng, err := engineFor(path)
	if err != nil {
		return err
	}
	if err := eng.Load(path); err != nil {
		return err
	}
	defer eng.Close()

	fmt.Print(eng.Handle())
	if !*probe {
		return nil
	}
	outs, err := eng.Probe()
	if err != nil {
		return fmt.Errorf("%s: probe: %w", path, err)
	}
	for _, t := range outs {
		fmt.Printf("  probe %s\n", t)
	}
	return nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: policy-info [-probe] [-lib path] model...\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	failed := false
	for _, path := range flag.Args() {
		if err := inspect(path); err != nil {
			log.Printf("%v", err)
			failed = true
		}
	}
	if err := onnx.Shutdown(); err != nil {
		log.Printf("onnx shutdown: %v", err)
	}
	if failed {
		os.Exit(1)
	}
}
