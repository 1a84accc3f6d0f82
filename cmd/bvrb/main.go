// bvrb inspects compiled verb binaries: header, declared capabilities,
// entry points, and a per-chunk disassembly.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/chazu/burrow/pkg/bytecode"
)

func main() {
	code := flag.Bool("code", false, "Disassemble chunk code sections")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bvrb [options] <file.bvrb>...\n\n")
		fmt.Fprintf(os.Stderr, "Prints verb module headers and, with -code, disassembly.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	exit := 0
	for _, path := range flag.Args() {
		if err := dump(path, *code); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			exit = 1
		}
	}
	os.Exit(exit)
}

func dump(path string, code bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m, err := bytecode.DeserializeModule(raw)
	if err != nil {
		return err
	}

	fmt.Printf("%s: version %d, %d chunks, %d bytes\n", path, m.Version, len(m.Chunks), len(raw))
	if len(m.Header.Capabilities) > 0 {
		fmt.Printf("  capabilities:")
		for _, c := range m.Header.Capabilities {
			fmt.Printf(" %s", c)
		}
		fmt.Println()
	}

	names := make([]string, 0, len(m.Header.Entries))
	for name := range m.Header.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  entry %-12s -> chunk %d\n", name, m.Header.Entries[name])
	}

	if code {
		for i, c := range m.Chunks {
			fmt.Printf("\nchunk %d (params=%d locals=%d consts=%d data=%dB):\n",
				i, c.ParamCount, c.LocalCount, len(c.Consts), len(c.Data))
			fmt.Print(bytecode.Disassemble(c))
		}
	}
	return nil
}
