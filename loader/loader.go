// Package loader is the in-process dynamic loader (component C6): it
// maps Image values into virtual memory, applies relocations, binds
// imports (including API-set redirection), adjusts page protection, and
// drives DLL entry points in dependency order before finally running the
// primary image's entry point. Grounded throughout on
// tun/wintun/memmod_windows.go, whose Module/LoadLibrary pairing this
// package generalizes from "load one DLL already resident in memory"
// to "load an Image value and its whole import closure from scratch".
package loader

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/darkit/winpacker/datasource"
	"github.com/darkit/winpacker/host"
	"github.com/darkit/winpacker/loader/apiset"
	"github.com/darkit/winpacker/loader/resolve"
	"github.com/darkit/winpacker/loglevel"
	"github.com/darkit/winpacker/pe"
)

// hostProbeWindow is how much of a host-mapped module's header this loader
// reads before it knows the module's real SizeOfImage; generous enough to
// cover header+data-directory layouts in practice.
const hostProbeWindow = 4096

// securityCookieBumpValue is added to the security cookie by
// executeEntryPoint, just before a module's entry point runs, per spec.md §9: "the intent is 'not the well-known
// default'", retained as a literal but surfaced as a named constant
// rather than an inline magic number.
const securityCookieBumpValue = 10

// systemModules are the library names whose well-known function names
// are shortcut to this loader's own proxies instead of resolved through
// a loaded Image's export table (spec.md §4.5.4/§4.5.5).
var systemModules = map[string]bool{
	"kernel32.dll":   true,
	"kernelbase.dll": true,
	"ntdll.dll":      true,
}

// IsSystemLibrary reports whether name (case-insensitive, with or without
// a path) names one of the modules the loader proxies instead of mapping,
// mirroring PackerMain::loadImport's own isSystemLibrary check in
// original_source/Packer/PackerMain.cpp: cmd/packer's import-closure walk
// uses this to stop descending into modules the loader will never map.
func IsSystemLibrary(name string) bool {
	return systemModules[strings.ToLower(winBaseName(name))]
}

// moduleQueryProxyNames are the kernel32.dll/kernelbase.dll module-query
// import names plus ntdll.dll's LdrAddRefDll; getFunctionAddress
// substitutes a loader proxy for any of them when the library is one of
// systemModules, whichever of the three it is (spec.md §4.5.4).
var moduleQueryProxyNames = map[string]bool{
	"LoadLibraryA":       true,
	"LoadLibraryW":       true,
	"LoadLibraryExA":     true,
	"LoadLibraryExW":     true,
	"GetModuleHandleA":   true,
	"GetModuleHandleW":   true,
	"GetModuleHandleExA": true,
	"GetModuleHandleExW": true,
	"GetProcAddress":     true,
	"LdrAddRefDll":       true,
}

// Loader holds everything an in-flight or completed load needs: the
// module registries spec.md §4.5 names, plus the entry-point queue.
type Loader struct {
	host     host.Services
	resolver *resolve.Resolver

	// loadedImages maps a mapped base address to the Image occupying it.
	loadedImages map[uintptr]*pe.Image
	// loadedLibraries maps a case-folded file name to its base address.
	loadedLibraries map[string]uintptr
	// imports owns every Image acquired during the load, by pointer —
	// appending to this slice never invalidates a previously returned
	// *pe.Image, since Go pointers stay valid across slice growth
	// (spec.md §9's "cyclic image references" design note doesn't need
	// an indexed arena in a language with real pointers).
	imports []*pe.Image

	// entryPointQueue is a FIFO of bases awaiting their DllMain-style
	// invocation; entryHead is a pop-front index rather than a reslice,
	// mirroring original_source/Packer/Win32Loader.cpp's
	// std::vector::erase(begin()) without its O(n) shift cost
	// (SPEC_FULL.md §6.5).
	entryPointQueue []uintptr
	entryHead       int

	primary *pe.Image

	proxyCache map[string]uintptr // proxy kind -> installed callback address

	log *loglevel.Logger
}

// New returns a Loader bound to host, which must expose a working
// Environ() for the import resolver's PATH search. Logging is silent
// until SetLogger installs a Logger.
func New(h host.Services) *Loader {
	return &Loader{
		host:            h,
		resolver:        resolve.New(h.Environ()),
		loadedImages:    make(map[uintptr]*pe.Image),
		loadedLibraries: make(map[string]uintptr),
		proxyCache:      make(map[string]uintptr),
		log:             loglevel.New(loglevel.Silent, ""),
	}
}

// SetLogger replaces the Loader's logger, e.g. to turn on Verbose
// tracing.
func (l *Loader) SetLogger(lg *loglevel.Logger) {
	l.log = lg
}

func addressWidth(arch pe.Architecture) int {
	if arch == Win32AMD64 {
		return 8
	}
	return 4
}

// Win32AMD64 re-exports pe.Win32AMD64 for readability inside this
// package without an import-qualified reference at every use site.
const Win32AMD64 = pe.Win32AMD64

// mapImage implements spec.md §4.5.1: allocate image.Info.Size bytes,
// copy the header and every section into place, apply relocations, and
// register the image under both registries.
func (l *Loader) mapImage(img *pe.Image) (uintptr, error) {
	base, err := l.host.AllocateVirtual(0, uintptr(img.Info.Size), host.MemCommit|host.MemReserve, host.PageReadWrite)
	if err != nil {
		return 0, fmt.Errorf("loader: allocate %d bytes for %s: %w", img.Info.Size, img.FileName, err)
	}

	headerBytes, err := img.Header.Bytes()
	if err != nil {
		return 0, fmt.Errorf("loader: read header of %s: %w", img.FileName, err)
	}
	if err := l.writeAt(base, headerBytes); err != nil {
		return 0, err
	}

	for i := range img.Sections {
		sec := &img.Sections[i]
		data, err := sec.Data.Bytes()
		if err != nil {
			return 0, fmt.Errorf("loader: read section %q of %s: %w", sec.Name, img.FileName, err)
		}
		if err := l.writeAt(base+uintptr(sec.BaseAddress), data); err != nil {
			return 0, fmt.Errorf("loader: map section %q of %s: %w", sec.Name, img.FileName, err)
		}
	}

	delta := int64(base) - int64(img.Info.BaseAddress)
	if delta != 0 {
		width := addressWidth(img.Info.Architecture)
		for _, rva := range img.Relocations {
			if err := l.applyRelocation(base, rva, delta, width); err != nil {
				return 0, fmt.Errorf("loader: relocate %s: %w", img.FileName, err)
			}
		}
	}

	key := strings.ToLower(img.FileName)
	l.loadedLibraries[key] = base
	l.loadedImages[base] = img
	l.log.Verbosef("mapped %s at %#x", img.FileName, base)
	return base, nil
}

func (l *Loader) applyRelocation(base uintptr, rva uint64, delta int64, width int) error {
	mem, err := l.host.MemoryAt(base+uintptr(rva), uintptr(width))
	if err != nil {
		return err
	}
	switch width {
	case 4:
		v := binary.LittleEndian.Uint32(mem)
		binary.LittleEndian.PutUint32(mem, uint32(int64(v)+delta))
	case 8:
		v := binary.LittleEndian.Uint64(mem)
		binary.LittleEndian.PutUint64(mem, uint64(int64(v)+delta))
	}
	return nil
}

func (l *Loader) writeAt(addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	mem, err := l.host.MemoryAt(addr, uintptr(len(data)))
	if err != nil {
		return err
	}
	copy(mem, data)
	return nil
}

// processImports implements spec.md §4.5.2: resolve every imported
// library, then patch each function's IAT slot with the resolved
// address (or 0 — ImportNotFound/ExportNotFound are deferred faults per
// spec.md §7, not load-time errors).
func (l *Loader) processImports(base uintptr, img *pe.Image) error {
	width := addressWidth(img.Info.Architecture)
	for _, imp := range img.Imports {
		libBase, err := l.loadLibrary(imp.LibraryName)
		if err != nil {
			return fmt.Errorf("loader: load %s (imported by %s): %w", imp.LibraryName, img.FileName, err)
		}
		for _, fn := range imp.Functions {
			ordinal := int32(-1)
			if fn.Name == "" {
				ordinal = int32(fn.Ordinal)
			}
			addr := l.getFunctionAddress(libBase, fn.Name, ordinal)
			if addr == 0 {
				l.log.Errorf("unresolved import %s!%s", imp.LibraryName, fn.Name)
			} else {
				l.log.Verbosef("resolved import %s!%s -> %#x", imp.LibraryName, fn.Name, addr)
			}
			mem, err := l.host.MemoryAt(base+uintptr(fn.IATRVA), uintptr(width))
			if err != nil {
				return fmt.Errorf("loader: write IAT for %s!%s: %w", imp.LibraryName, fn.Name, err)
			}
			switch width {
			case 4:
				binary.LittleEndian.PutUint32(mem, uint32(addr))
			case 8:
				binary.LittleEndian.PutUint64(mem, uint64(addr))
			}
		}
	}
	return nil
}

// loadLibrary implements the five-step resolution precedence of
// spec.md §4.5.3.
func (l *Loader) loadLibrary(filename string) (uintptr, error) {
	key := strings.ToLower(filename)

	// 1. Already loaded by us.
	if base, ok := l.loadedLibraries[key]; ok {
		return base, nil
	}

	// 2. Already loaded by the host: parse its in-memory image in place
	// (fromMemory=true) and register it, without re-mapping or copying it.
	if hostImages, err := l.host.LoadedImages(); err == nil {
		for _, hi := range hostImages {
			if strings.EqualFold(winBaseName(hi.FileName), filename) {
				img, err := l.wrapHostImage(hi)
				if err != nil {
					return 0, fmt.Errorf("loader: wrap host-loaded %s: %w", hi.FileName, err)
				}
				l.imports = append(l.imports, img)
				l.loadedLibraries[key] = hi.BaseAddress
				l.loadedImages[hi.BaseAddress] = img
				return hi.BaseAddress, nil
			}
		}
	}

	// 3. API-set redirection.
	if apiset.IsVirtualName(filename) {
		hostName, matched, err := apiset.Redirect(filename, l.host)
		if err != nil {
			return 0, err
		}
		if matched {
			base, err := l.loadLibrary(hostName)
			if err != nil {
				return 0, err
			}
			l.loadedLibraries[key] = base
			return base, nil
		}
	}

	// 4. Already acquired via the import resolver, but not yet mapped.
	for _, img := range l.imports {
		if strings.EqualFold(img.FileName, filename) {
			return l.loadImage(img)
		}
	}

	// 5. Resolve from disk.
	hint := ""
	if l.primary != nil {
		hint = l.primary.FilePath
	}
	img, err := l.resolver.Load(filename, hint)
	if err != nil {
		return 0, err
	}
	if img == nil {
		return 0, nil // ImportNotFound: deferred fault, spec.md §7.
	}
	l.imports = append(l.imports, img)
	return l.loadImage(img)
}

// loadImage is mapImage + processImports + adjustPageProtection +
// enqueue, per spec.md §4.5.3's closing paragraph.
func (l *Loader) loadImage(img *pe.Image) (uintptr, error) {
	base, err := l.mapImage(img)
	if err != nil {
		return 0, err
	}
	if err := l.processImports(base, img); err != nil {
		return 0, err
	}
	if err := l.adjustPageProtection(base, img); err != nil {
		return 0, err
	}
	l.entryPointQueue = append(l.entryPointQueue, base)
	return base, nil
}

// wrapHostImage parses a module the host loader already mapped for this
// process, in place: it reads a header-sized window to learn SizeOfImage
// (pe.ProbeImageSize), then re-reads that whole region and hands it to
// pe.Parse with fromMemory=true — the same "module is already resident,
// only its layout needs to be understood" case memmod_windows.go never
// has to handle (it always maps fresh), but which this loader needs so
// that kernel32.dll/kernelbase.dll/ntdll.dll have a real export table to
// resolve getFunctionAddress lookups against (spec.md §4.5.3 step 2).
func (l *Loader) wrapHostImage(hi host.LoadedImage) (*pe.Image, error) {
	probe, err := l.host.MemoryAt(hi.BaseAddress, hostProbeWindow)
	if err != nil {
		return nil, err
	}
	sizeOfImage, _, err := pe.ProbeImageSize(probe)
	if err != nil {
		return nil, err
	}
	full, err := l.host.MemoryAt(hi.BaseAddress, uintptr(sizeOfImage))
	if err != nil {
		return nil, err
	}
	img, err := pe.Parse(datasource.FromBytes(full), true)
	if err != nil {
		return nil, err
	}
	img.FileName = winBaseName(hi.FileName)
	img.FilePath = winDirName(hi.FileName)
	return img, nil
}

// winBaseName and winDirName split a Windows-style path on the last '/' or
// '\', independent of the host OS this loader is built for — the module
// names host.LoadedImages reports are always Windows paths (backslash-
// separated) regardless of whether this code is compiled for Windows or
// exercised off it via host/hosttest, so path/filepath's native-separator
// behavior isn't the right tool here.
func winBaseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

func winDirName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[:i]
	}
	return ""
}

// getFunctionAddress implements spec.md §4.5.5.
func (l *Loader) getFunctionAddress(library uintptr, name string, ordinal int32) uintptr {
	img, ok := l.loadedImages[library]
	if !ok {
		return 0
	}

	if systemModules[strings.ToLower(img.FileName)] {
		if addr, ok := l.proxyAddressFor(name); ok {
			return addr
		}
	}

	item, ok := findExport(img, name, ordinal)
	if !ok {
		return 0
	}

	if item.Forward != "" {
		dllName, fnName, fwdOrdinal := splitForwarder(item.Forward)
		fwdLib, err := l.loadLibrary(dllName)
		if err != nil || fwdLib == 0 {
			return 0
		}
		return l.getFunctionAddress(fwdLib, fnName, fwdOrdinal)
	}
	return library + uintptr(item.Address)
}

// findExport performs step 1-3 of spec.md §4.5.5: a binary search over
// the named exports, falling back to a linear ordinal scan.
func findExport(img *pe.Image, name string, ordinal int32) (pe.ExportFunction, bool) {
	named := img.Exports[:img.NameExportLen]
	if name != "" {
		lo, hi := 0, len(named)
		for lo < hi {
			mid := (lo + hi) / 2
			switch {
			case named[mid].Name == name:
				return named[mid], true
			case named[mid].Name < name:
				lo = mid + 1
			default:
				hi = mid
			}
		}
	}
	if ordinal != -1 {
		for _, e := range img.Exports {
			if int32(e.Ordinal) == ordinal {
				return e, true
			}
		}
	}
	return pe.ExportFunction{}, false
}

// splitForwarder splits a forward string at the **last** '.' before the
// function-name token, not the first — spec.md §9 flags first-dot
// splitting as wrong for forwarders whose module half itself contains
// dots ("a.b.Foo" splits into module "a.b" and fn "Foo", not module "a").
// The returned dllName is the module half with ".dll" appended
// ("a.b.dll"); a "#n" function token yields ordinal n and an empty fnName.
// This is the REDESIGN decision SPEC_FULL.md §6.5 and P9 record.
func splitForwarder(forward string) (dllName, fnName string, ordinal int32) {
	idx := strings.LastIndex(forward, ".")
	if idx < 0 {
		return forward, "", -1
	}
	dllName = forward[:idx] + ".dll"
	rest := forward[idx+1:]
	if strings.HasPrefix(rest, "#") {
		var n int
		fmt.Sscanf(rest[1:], "%d", &n)
		return dllName, "", int32(n)
	}
	return dllName, rest, -1
}

// adjustPageProtection implements spec.md §4.5.6's protection table,
// with Execute overriding Read and Write overriding Read, combining
// when both Execute and Write are set.
func (l *Loader) adjustPageProtection(base uintptr, img *pe.Image) error {
	for _, sec := range img.Sections {
		protect := protectionFor(sec.Flags)
		if _, err := l.host.ProtectVirtual(base+uintptr(sec.BaseAddress), uintptr(sec.VirtualSize), protect); err != nil {
			return fmt.Errorf("loader: protect section %q of %s: %w", sec.Name, img.FileName, err)
		}
	}
	return nil
}

func protectionFor(flags pe.SectionFlags) uint32 {
	protect := uint32(host.PageNoAccess)
	if flags&pe.SectionRead != 0 {
		protect = host.PageReadOnly
	}
	if flags&pe.SectionWrite != 0 {
		protect = host.PageReadWrite
	}
	switch {
	case flags&pe.SectionExecute != 0 && flags&pe.SectionWrite != 0:
		protect = host.PageExecuteReadWrite
	case flags&pe.SectionExecute != 0:
		protect = host.PageExecuteRead
	}
	return protect
}

// executeEntryPoint implements spec.md §4.5.6's non-queue half: the
// security-cookie bump and the actual DllMain/program-entry invocation.
func (l *Loader) executeEntryPoint(base uintptr, img *pe.Image) error {
	if img.Info.SecurityCookieRVA != 0 {
		width := addressWidth(img.Info.Architecture)
		mem, err := l.host.MemoryAt(base+uintptr(img.Info.SecurityCookieRVA), uintptr(width))
		if err != nil {
			return err
		}
		switch width {
		case 4:
			binary.LittleEndian.PutUint32(mem, binary.LittleEndian.Uint32(mem)+securityCookieBumpValue)
		case 8:
			binary.LittleEndian.PutUint64(mem, binary.LittleEndian.Uint64(mem)+securityCookieBumpValue)
		}
	}

	if img.Info.EntryPoint == 0 {
		return nil
	}
	entry := base + uintptr(img.Info.EntryPoint)
	if img.Info.Flags&pe.IsLibrary != 0 {
		_, err := l.host.CallEntry(entry, base, dllProcessAttach, 1)
		return err
	}
	_, err := l.host.CallEntry(entry, 0, 0, 0)
	return err
}

const (
	dllProcessAttach = 1
	// dllProcessDetach is unused: this loader has no unload path and
	// never frees a mapped image once Execute starts.
	dllProcessDetach = 0
)

// executeEntryPointQueue drains entryPointQueue in FIFO order, removing
// each entry before invoking it so a re-entrant load triggered from
// inside an entry point can't re-invoke one still pending in the outer
// drain (spec.md §4.5.6, scenario 6).
func (l *Loader) executeEntryPointQueue() error {
	for l.entryHead < len(l.entryPointQueue) {
		base := l.entryPointQueue[l.entryHead]
		l.entryHead++
		img, ok := l.loadedImages[base]
		if !ok {
			continue
		}
		if err := l.executeEntryPoint(base, img); err != nil {
			return err
		}
	}
	l.entryPointQueue = l.entryPointQueue[:0]
	l.entryHead = 0
	l.log.Verbosef("entry point queue drained")
	return nil
}

// saveQueue and restoreQueue support the LoadLibrary-proxy re-entrancy
// rule (spec.md §4.5.4): the outer drain's remaining entries are parked
// while a nested load runs its own dependencies to completion.
func (l *Loader) saveQueue() []uintptr {
	saved := l.entryPointQueue[l.entryHead:]
	out := make([]uintptr, len(saved))
	copy(out, saved)
	l.entryPointQueue = l.entryPointQueue[:0]
	l.entryHead = 0
	return out
}

func (l *Loader) restoreQueue(saved []uintptr) {
	l.entryPointQueue = saved
	l.entryHead = 0
}

// Execute implements spec.md §4.5.6's execute(): map the primary image,
// publish its base via SetImageBase, bind its imports, protect its
// pages, drain every DLL entry point enqueued along the way, then run
// the primary's own entry point last.
func (l *Loader) Execute(primary *pe.Image) error {
	l.primary = primary
	base, err := l.mapImage(primary)
	if err != nil {
		return err
	}
	if err := l.host.SetImageBase(base); err != nil {
		return err
	}
	if err := l.processImports(base, primary); err != nil {
		return err
	}
	if err := l.adjustPageProtection(base, primary); err != nil {
		return err
	}
	if err := l.executeEntryPointQueue(); err != nil {
		return err
	}
	return l.executeEntryPoint(base, primary)
}
