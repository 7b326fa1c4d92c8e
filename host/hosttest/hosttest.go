// Package hosttest is a fake host.Services backed by a plain Go byte
// slice instead of real virtual memory, so loader/apiset/resolve logic
// can be exercised without a Windows runtime. It mirrors the shape of
// tun/wintun/memmod's Module (a single owned backing allocation) but
// swaps VirtualAlloc/VirtualProtect for slice growth and a protection
// map, since this module never runs its own payload code — it only
// needs to observe what bytes and protections the loader asked for.
package hosttest

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/darkit/winpacker/host"
)

// Host is a host.Services fake. All addresses it hands out are offsets
// from origin into Memory, so tests can pick a realistic-looking
// ImageBase (e.g. 0x10000000) without the fake allocating real memory up
// to that address.
type Host struct {
	origin uintptr
	next   uintptr
	Memory []byte

	protectMu sync.Mutex
	regions   []protectRegion

	imageBase  uintptr
	loaded     []host.LoadedImage
	apiSet     *host.ApiSetHeader
	environ    []string
	terminated bool
	exitCode   int
	entryCalls []entryCall
	callbacks  []interface{}
}

type protectRegion struct {
	addr, size uintptr
	protect    uint32
}

// New returns an empty Host whose first AllocateVirtual call hands out
// base.
func New(base uintptr) *Host {
	return &Host{origin: base, next: base}
}

// WithAPISet seeds the fake API-set schema a test wants APISet() to
// return.
func (h *Host) WithAPISet(entries ...host.ApiSetEntry) *Host {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	h.apiSet = &host.ApiSetHeader{Entries: entries}
	return h
}

// WithLoadedImages seeds the fake host-loader module list consulted by
// loadLibrary step 2 (spec.md §4.5.3).
func (h *Host) WithLoadedImages(images ...host.LoadedImage) *Host {
	h.loaded = images
	return h
}

// WithEnviron seeds Environ(), e.g. to exercise PATH search order.
func (h *Host) WithEnviron(kv ...string) *Host {
	h.environ = kv
	return h
}

// AllocateVirtual is a bump allocator over Memory: a zero addr hands out
// the next free address past the arena's high-water mark; a non-zero
// addr is honored as given. Either way Memory grows to cover the
// request, indexed relative to origin.
func (h *Host) AllocateVirtual(addr, size uintptr, allocType, protect uint32) (uintptr, error) {
	base := addr
	if base == 0 {
		base = h.next
	}
	need := int(base-h.origin) + int(size)
	if need > len(h.Memory) {
		grown := make([]byte, need)
		copy(grown, h.Memory)
		h.Memory = grown
	}
	if base+size > h.next {
		h.next = base + size
	}
	return base, nil
}

// MemoryAt returns a mutable window into Memory at addr, the fake
// counterpart of winhost's unsafe-pointer slice over the real mapping.
func (h *Host) MemoryAt(addr, size uintptr) ([]byte, error) {
	off := int(addr - h.origin)
	if off < 0 || off+int(size) > len(h.Memory) {
		return nil, fmt.Errorf("hosttest: MemoryAt [%#x,%#x) past end of memory (%d bytes)", addr, addr+size, len(h.Memory))
	}
	return h.Memory[off : off+int(size)], nil
}

// entryCall records one CallEntry invocation for test assertions.
type entryCall struct {
	Addr, Arg1, Arg2, Arg3 uintptr
}

// CallEntry records the call instead of executing anything — hosttest
// never holds real executable code, only the bytes the loader copied in.
func (h *Host) CallEntry(addr, arg1, arg2, arg3 uintptr) (uintptr, error) {
	h.entryCalls = append(h.entryCalls, entryCall{addr, arg1, arg2, arg3})
	return 1, nil // mimics a successful DLL_PROCESS_ATTACH (non-zero BOOL)
}

// EntryCalls returns the addresses CallEntry was invoked with, in order,
// for tests asserting on entry-point ordering (P6).
func (h *Host) EntryCalls() []uintptr {
	addrs := make([]uintptr, len(h.entryCalls))
	for i, c := range h.entryCalls {
		addrs[i] = c.Addr
	}
	return addrs
}

// callbackBase is a high, clearly-out-of-image-range base for the synthetic
// addresses MakeCallback hands out, since this fake has no real native
// trampoline mechanism to back them with.
const callbackBase = 0x7FFF00000000

// MakeCallback records fn and returns a synthetic, stable address for
// it; it never installs a real callable trampoline (there is no code
// executing against hosttest's fake memory), but the address is unique
// and deterministic per call so loader tests can assert on IAT patches.
func (h *Host) MakeCallback(fn interface{}) uintptr {
	addr := callbackBase + uintptr(len(h.callbacks))*8
	h.callbacks = append(h.callbacks, fn)
	return addr
}

// Callbacks returns every fn passed to MakeCallback, in call order.
func (h *Host) Callbacks() []interface{} {
	return h.callbacks
}

func (h *Host) ProtectVirtual(addr, size uintptr, protect uint32) (uint32, error) {
	h.protectMu.Lock()
	defer h.protectMu.Unlock()
	old := uint32(host.PageReadWrite)
	for i, r := range h.regions {
		if r.addr == addr {
			old = r.protect
			h.regions[i].protect = protect
			return old, nil
		}
	}
	h.regions = append(h.regions, protectRegion{addr: addr, size: size, protect: protect})
	return old, nil
}

// ProtectionOf reports the last protection set for the region starting
// at addr, for test assertions.
func (h *Host) ProtectionOf(addr uintptr) (uint32, bool) {
	h.protectMu.Lock()
	defer h.protectMu.Unlock()
	for _, r := range h.regions {
		if r.addr == addr {
			return r.protect, true
		}
	}
	return 0, false
}

func (h *Host) PEB() (uintptr, error) {
	return h.imageBase, nil
}

func (h *Host) SetImageBase(base uintptr) error {
	h.imageBase = base
	return nil
}

func (h *Host) LoadedImages() ([]host.LoadedImage, error) {
	return h.loaded, nil
}

func (h *Host) APISet() (*host.ApiSetHeader, error) {
	if h.apiSet == nil {
		return &host.ApiSetHeader{}, nil
	}
	return h.apiSet, nil
}

func (h *Host) Environ() []string {
	return h.environ
}

func (h *Host) Terminate(code int) {
	h.terminated = true
	h.exitCode = code
}

// Terminated reports whether Terminate was called and with what code,
// for tests asserting on SyscallFailure propagation.
func (h *Host) Terminated() (bool, int) {
	return h.terminated, h.exitCode
}

// ReadAt is a test convenience wrapping Memory with a bounds check that
// reports a descriptive error rather than panicking.
func (h *Host) ReadAt(addr uintptr, n int) ([]byte, error) {
	off := int(addr - h.origin)
	if off < 0 || off+n > len(h.Memory) {
		return nil, fmt.Errorf("hosttest: read [%#x,%#x) past end of memory (%d bytes)", addr, addr+uintptr(n), len(h.Memory))
	}
	return h.Memory[off : off+n], nil
}

// WriteAt is the write counterpart of ReadAt, used by tests to seed
// bytes a loader call is expected to find already mapped.
func (h *Host) WriteAt(addr uintptr, data []byte) error {
	off := int(addr - h.origin)
	if off < 0 || off+len(data) > len(h.Memory) {
		return fmt.Errorf("hosttest: write [%#x,%#x) past end of memory (%d bytes)", addr, int(addr)+len(data), len(h.Memory))
	}
	copy(h.Memory[off:], data)
	return nil
}

// EqualFold reports whether two module filenames match per the
// case-insensitive key comparison spec.md §4.5 requires throughout.
func EqualFold(a, b string) bool {
	return strings.EqualFold(a, b)
}
