// Command watc is the CLI wrapper spec §6 places out of scope except for
// its interface: a thin flag-based front end over package pipeline, the
// container writers, and the assembly-text debug dump. Grounded on the
// teacher's cmd/wazero/wazero.go, which separates a testable doMain from
// main's os.Exit — kept here for the same reason: so a test can assert on
// exit codes and stderr without forking a process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tetratelabs/watnative/asmtext"
	"github.com/tetratelabs/watnative/container"
	"github.com/tetratelabs/watnative/pipeline"
	"github.com/tetratelabs/watnative/target"
	"github.com/tetratelabs/watnative/wat"
)

func main() {
	os.Exit(doMain(os.Args[1:], os.Stdout, os.Stderr))
}

// doMain is separated out for the purpose of unit testing.
func doMain(args []string, stdOut, stdErr io.Writer) int {
	flags := flag.NewFlagSet("watc", flag.ContinueOnError)
	flags.SetOutput(stdErr)

	targetName := flags.String("target", "", "target architecture: x86_64, x86_32, x86_16, arm64, or arm32")
	containerName := flags.String("container", "native", "output container: native (flat binary) or pe")
	dumpAsm := flags.Bool("dump-asm", false, "print each function's formatted assembly text to stderr after compiling")
	out := flags.String("o", "", "output file path (defaults to stdout)")

	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(stdErr, "usage: watc -target=<arch> [-container=native|pe] [-dump-asm] [-o out] <module.json>")
		return 2
	}

	spec, ok := target.Lookup(*targetName)
	if !ok {
		fmt.Fprintf(stdErr, "watc: unknown -target %q (want one of %v)\n", *targetName, target.All())
		return 1
	}

	modBytes, err := os.ReadFile(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(stdErr, "watc: %v\n", err)
		return 1
	}
	var mod wat.Module
	if err := json.Unmarshal(modBytes, &mod); err != nil {
		fmt.Fprintf(stdErr, "watc: parsing %s: %v\n", flags.Arg(0), err)
		return 1
	}

	results, err := pipeline.Compile(context.Background(), &mod, spec.Name, pipeline.NewCache())
	if err != nil {
		fmt.Fprintf(stdErr, "watc: %v\n", err)
		return 1
	}

	var code []byte
	for _, r := range results {
		if *dumpAsm {
			formatted, ferr := asmtext.Format(r.Assembly)
			if ferr != nil {
				formatted = r.Assembly
			}
			fmt.Fprintf(stdErr, "; --- %s ---\n%s", r.Function, formatted)
		}
		code = append(code, r.Code...)
	}

	var output []byte
	switch *containerName {
	case "native":
		output = container.Flat(code)
	case "pe":
		output, err = container.PE(code)
		if err != nil {
			fmt.Fprintf(stdErr, "watc: %v\n", err)
			return 1
		}
	default:
		fmt.Fprintf(stdErr, "watc: unknown -container %q (want native or pe)\n", *containerName)
		return 2
	}

	w := stdOut
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(stdErr, "watc: %v\n", err)
			return 1
		}
		defer f.Close()
		w = f
	}
	if _, err := w.Write(output); err != nil {
		fmt.Fprintf(stdErr, "watc: %v\n", err)
		return 1
	}
	return 0
}
