// Command packer parses a Windows PE file, resolves its non-system
// import closure from disk, and writes out a stub image carrying the
// serialized primary and its imports — the on-disk counterpart of
// PackerMain::process/loadImport in original_source/Packer/PackerMain.cpp.
// The core parse/load logic this wraps is platform-independent; only the
// in-process execution of a packed program (out of scope per spec.md §1's
// "two-stage bootstrap stub" non-goal) would need a real Windows host.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/darkit/winpacker/datasource"
	"github.com/darkit/winpacker/loader"
	"github.com/darkit/winpacker/loglevel"
	"github.com/darkit/winpacker/pe"
	"github.com/darkit/winpacker/stub"
)

func main() {
	var (
		output  = flag.String("o", "", "output stub path (default: <input>.packed)")
		verbose = flag.Bool("v", false, "enable verbose tracing")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: packer [-o output] [-v] <input-pe>")
		os.Exit(2)
	}
	input := flag.Arg(0)

	log := loglevel.New(loglevel.Silent, "packer")
	if *verbose {
		log = loglevel.New(loglevel.Verbose, "packer")
	}

	out := *output
	if out == "" {
		out = input + ".packed"
	}

	if err := run(input, out, log); err != nil {
		fmt.Fprintf(os.Stderr, "packer: %v\n", err)
		os.Exit(1)
	}
}

func run(input, output string, log *loglevel.Logger) error {
	primary, err := parseFile(input)
	if err != nil {
		return fmt.Errorf("parse %s: %w", input, err)
	}
	log.Verbosef("parsed primary %s (%s)", primary.FileName, primary.Info.Architecture)

	closure, err := loadImportClosure(primary)
	if err != nil {
		return err
	}
	for _, imp := range closure {
		log.Verbosef("bundling import %s", imp.FileName)
	}

	packed, err := stub.Pack(primary, closure)
	if err != nil {
		return fmt.Errorf("pack: %w", err)
	}

	raw, err := pe.Serialize(packed.Image)
	if err != nil {
		return fmt.Errorf("serialize stub: %w", err)
	}
	if err := packed.PatchContentTag(raw); err != nil {
		return fmt.Errorf("patch content tag: %w", err)
	}

	if err := os.WriteFile(output, raw, 0o755); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	log.Verbosef("wrote %s (%d bytes, %d imports)", output, len(raw), len(closure))
	return nil
}

func parseFile(path string) (*pe.Image, error) {
	src, err := datasource.FromFile(path)
	if err != nil {
		return nil, err
	}
	img, err := pe.Parse(src, false)
	if err != nil {
		return nil, err
	}
	img.FileName = filepath.Base(path)
	img.FilePath = filepath.Dir(path)
	return img, nil
}

// loadImportClosure walks primary's import table recursively, collecting
// every non-system library it (transitively) depends on, exactly as
// PackerMain::loadImport does in original_source/Packer/PackerMain.cpp:
// skip anything already collected, skip system libraries entirely (the
// loader proxies those at run time instead of mapping them), and recurse
// into each newly collected import's own imports.
func loadImportClosure(primary *pe.Image) ([]*pe.Image, error) {
	loaded := map[string]bool{strings.ToLower(primary.FileName): true}
	var result []*pe.Image

	var walk func(img *pe.Image) error
	walk = func(img *pe.Image) error {
		for _, imp := range img.Imports {
			key := strings.ToLower(imp.LibraryName)
			if loaded[key] {
				continue
			}
			if loader.IsSystemLibrary(imp.LibraryName) {
				continue
			}
			path := findOnDisk(imp.LibraryName, img.FilePath)
			if path == "" {
				continue // ImportNotFound at pack time: left for runtime resolution.
			}
			dep, err := parseFile(path)
			if err != nil {
				return fmt.Errorf("parse import %s: %w", imp.LibraryName, err)
			}
			loaded[key] = true
			result = append(result, dep)
			if err := walk(dep); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(primary); err != nil {
		return nil, err
	}
	return result, nil
}

// findOnDisk follows the search order loader/resolve.Resolver.find uses
// at run time (filename as-is, then alongside the importing image, then
// PATH), kept separate here since cmd/packer runs before any host.Services
// exists to own a Resolver. Unlike Resolver.find, it does not retry a
// candidate with ".dll" appended.
func findOnDisk(filename, hint string) string {
	candidates := []string{filename}
	if hint != "" {
		candidates = append(candidates, filepath.Join(hint, filename))
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if dir != "" {
			candidates = append(candidates, filepath.Join(dir, filename))
		}
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}
