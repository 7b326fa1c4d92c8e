// Package host defines the boundary between the loader and the operating
// system: virtual memory, the PEB, the host loader's module list, the
// API-set schema, and the environment. spec.md (§6, C7) keeps this
// abstract so the loader's core logic is testable off Windows; the real
// implementation lives in host/winhost, a test fake in host/hosttest.
package host

import "errors"

// Memory protection constants, matching the Win32 PAGE_* / MEM_* values.
// Duplicated here (rather than imported from golang.org/x/sys/windows)
// so that host.Services implementations that aren't backed by real
// Windows APIs — hosttest's fake included — can use the same numbers
// without pulling in a Windows-only package.
const (
	MemCommit  = 0x00001000
	MemReserve = 0x00002000

	PageNoAccess         = 0x01
	PageReadOnly         = 0x02
	PageReadWrite        = 0x04
	PageExecute          = 0x10
	PageExecuteRead      = 0x20
	PageExecuteReadWrite = 0x40
)

// ErrSyscallFailure wraps any failure a Services implementation reports
// from the underlying OS call; per spec.md §7 it is fatal and never
// retried.
var ErrSyscallFailure = errors.New("host: syscall failure")

// LoadedImage describes one entry of the host loader's current module
// list, as returned by LoadedImages.
type LoadedImage struct {
	FileName    string
	BaseAddress uintptr
}

// ApiSetHost is one entry of an ApiSetEntry's host list, walked from the
// last element backwards per spec.md §4.4.
type ApiSetHost struct {
	Name string
}

// ApiSetEntry is one row of the API-set schema: a virtual name (including
// the "api-" prefix, without the ".dll" suffix) mapped to an ordered list
// of real host module candidates.
type ApiSetEntry struct {
	Name  string
	Hosts []ApiSetHost
}

// ApiSetHeader is the API-set schema as defined by the OS: entries
// sorted by Name in byte order so the redirector can binary-search them.
type ApiSetHeader struct {
	Entries []ApiSetEntry
}

// Services is everything the loader consumes from outside its own core:
// virtual memory management, PEB access, the host's loaded-module list,
// the API-set schema, and the process environment. Exactly one
// implementation is in play per process (winhost, on Windows; hosttest's
// fake in unit tests) — the loader holds a single Services value for its
// whole lifetime, mirroring the single process-wide loaderInstance_ the
// original design names in spec.md §9.
type Services interface {
	// AllocateVirtual reserves and commits size bytes, preferring addr as
	// the base when non-zero; returns the actual base.
	AllocateVirtual(addr, size uintptr, allocType, protect uint32) (uintptr, error)

	// MemoryAt returns a byte slice windowing size bytes at addr, which
	// must lie within a prior AllocateVirtual's range. This is the
	// read/write path mapImage and processImports use to copy image
	// bytes and patch IAT entries — on winhost it is a direct
	// unsafe-pointer window onto the real mapping (the same technique
	// memmod_windows.go's a2p/unsafe.Slice helpers use), on hosttest a
	// window onto the fake's in-process arena.
	MemoryAt(addr, size uintptr) ([]byte, error)

	// ProtectVirtual changes the protection of a previously committed
	// range and returns the protection it replaced.
	ProtectVirtual(addr, size uintptr, protect uint32) (old uint32, err error)

	// PEB returns the current process's main image base, as recorded by
	// the host loader (PEB.ImageBaseAddress).
	PEB() (imageBase uintptr, err error)

	// SetImageBase updates PEB.ImageBaseAddress once the primary image
	// has been mapped, so that GetModuleHandleEx(nil) proxies resolve to
	// it (spec.md §4.5.4, §4.5.6).
	SetImageBase(uintptr) error

	// LoadedImages returns the host loader's current module list, used
	// by loadLibrary step 2 (spec.md §4.5.3) to detect modules the host
	// has already mapped for us.
	LoadedImages() ([]LoadedImage, error)

	// APISet returns the API-set schema, as defined by the OS.
	APISet() (*ApiSetHeader, error)

	// Environ returns the process environment as "KEY=VALUE" strings,
	// used by the import resolver to walk PATH (spec.md §4.3).
	Environ() []string

	// Terminate ends the process with the given exit code; the loader
	// itself never calls this directly (see SPEC_FULL.md §7) but it is
	// part of the capability boundary HostServices exposes.
	Terminate(code int)

	// CallEntry transfers control to the code at addr with the three-
	// argument DllMain/entry-point calling convention spec.md §4.5.6
	// describes (hinstDLL/reason/lpvReserved for a library, all zero for
	// a program entry point), returning whatever the callee leaves in
	// the return-value register. Grounded on memmod_windows.go's
	// syscall.Syscall(module.entry, 3, module.codeBase, reason, 0).
	CallEntry(addr, arg1, arg2, arg3 uintptr) (uintptr, error)

	// MakeCallback produces a real callable address for fn, the same
	// signature as golang.org/x/sys/windows.NewCallback(fn interface{})
	// uintptr — used to install the module-query proxies (spec.md
	// §4.5.4) as addresses patched directly into a loaded image's IAT.
	MakeCallback(fn interface{}) uintptr
}
