// Package resolve locates an imported module's file on disk and parses
// it, the loadImport contract of spec.md §4.3. Grounded on
// tun/wintun/memmod_windows.go's buildImportTable, which hands the
// import descriptor's bare name straight to
// windows.LoadLibraryEx(..., LOAD_LIBRARY_SEARCH_SYSTEM32) — this
// package re-implements that search instead of delegating to the OS, so
// it can walk a caller-supplied hint directory and PATH the same way the
// in-process loader needs to.
package resolve

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/darkit/winpacker/datasource"
	"github.com/darkit/winpacker/pe"
)

// Resolver locates and parses imported modules from disk.
type Resolver struct {
	environ []string
}

// New returns a Resolver that searches the given process environment
// ("KEY=VALUE" strings, as host.Services.Environ returns) for PATH.
func New(environ []string) *Resolver {
	return &Resolver{environ: environ}
}

// Load implements loadImport(filename, hint) from spec.md §4.3: try
// filename as-is, then hint joined with filename, then each PATH
// element joined with filename; for each candidate missing a ".dll"
// suffix, also retry with one appended. Returns nil, nil if no
// candidate exists (ImportNotFound, per spec.md §7 — not an error, a
// deferred-fault signal the caller turns into a null IAT entry).
func (r *Resolver) Load(filename, hint string) (*pe.Image, error) {
	path := r.find(filename, hint)
	if path == "" {
		return nil, nil
	}

	src, err := datasource.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("resolve: open %s: %w", path, err)
	}

	img, err := pe.Parse(src, false)
	if err != nil {
		return nil, fmt.Errorf("resolve: parse %s: %w", path, err)
	}
	img.FileName = filepath.Base(path)
	img.FilePath = filepath.Dir(path)
	return img, nil
}

// find returns the first existing candidate path, or "" if none exist.
func (r *Resolver) find(filename, hint string) string {
	candidates := make([]string, 0, 4)
	candidates = append(candidates, filename)
	if hint != "" {
		candidates = append(candidates, filepath.Join(hint, filename))
	}
	for _, dir := range r.searchPath() {
		if dir == "" {
			continue
		}
		candidates = append(candidates, filepath.Join(dir, filename))
	}

	for _, c := range candidates {
		if exists(c) {
			return c
		}
		if !strings.HasSuffix(strings.ToLower(c), ".dll") {
			withExt := c + ".dll"
			if exists(withExt) {
				return withExt
			}
		}
	}
	return ""
}

// searchPath returns the process PATH elements, split the same way
// FormatBase::loadImport does in original_source/Packer/PEFormat.cpp
// (walk the environment block for the PATH entry, split on the list
// separator).
func (r *Resolver) searchPath() []string {
	var pathVar string
	for _, kv := range r.environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if strings.ToUpper(k) == "PATH" {
			pathVar = v
		}
	}
	if pathVar == "" {
		return nil
	}
	return filepath.SplitList(pathVar)
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
