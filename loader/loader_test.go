package loader

import (
	"encoding/binary"
	"testing"

	"github.com/darkit/winpacker/datasource"
	"github.com/darkit/winpacker/host"
	"github.com/darkit/winpacker/host/hosttest"
	"github.com/darkit/winpacker/pe"
)

func view(b []byte) *datasource.DataView {
	v, err := datasource.FromBytes(b).View(0, int64(len(b)))
	if err != nil {
		panic(err)
	}
	return v
}

// minimalHostModuleBytes hand-assembles just enough of a PE32 header for
// pe.ProbeImageSize/pe.Parse(fromMemory=true) to succeed: no sections, no
// imports, no exports — only large enough for wrapHostImage's "this is a
// module the host already mapped" path to produce a parseable Image.
func minimalHostModuleBytes(sizeOfImage uint32) []byte {
	const lfanew = 0x40
	const optionalHeaderLen = 96 + 16*8
	out := make([]byte, lfanew+4+20+optionalHeaderLen)
	out[0], out[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(out[0x3C:], lfanew)
	out[lfanew], out[lfanew+1], out[lfanew+2], out[lfanew+3] = 'P', 'E', 0, 0
	binary.LittleEndian.PutUint16(out[lfanew+4:], 0x14C)
	binary.LittleEndian.PutUint16(out[lfanew+4+16:], uint16(optionalHeaderLen))
	optOff := lfanew + 4 + 20
	binary.LittleEndian.PutUint16(out[optOff:], 0x10B) // PE32
	binary.LittleEndian.PutUint32(out[optOff+56:], sizeOfImage)
	binary.LittleEndian.PutUint32(out[optOff+60:], uint32(len(out)))
	return out
}

// TestExecuteRunsPrimaryEntryPoint covers the simplest Execute path: no
// imports, just mapping the primary image and invoking its entry point.
func TestExecuteRunsPrimaryEntryPoint(t *testing.T) {
	h := hosttest.New(0x400000)
	l := New(h)

	img := &pe.Image{
		Info:     pe.ImageInfo{Architecture: Win32AMD64, Size: 0x1000, EntryPoint: 0x10},
		FileName: "main.exe",
		Header:   view(make([]byte, 0x40)),
	}

	if err := l.Execute(img); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	calls := h.EntryCalls()
	if len(calls) != 1 || calls[0] != 0x400010 {
		t.Fatalf("EntryCalls = %#v, want [0x400010]", calls)
	}
}

// TestExecuteOrdersDependencyEntryPointsBeforePrimary is P6: every
// dependency's entry point must run before the primary's own.
func TestExecuteOrdersDependencyEntryPointsBeforePrimary(t *testing.T) {
	h := hosttest.New(0x10000000)
	l := New(h)

	dep := &pe.Image{
		Info:     pe.ImageInfo{Architecture: Win32AMD64, Size: 0x1000, EntryPoint: 0x20, Flags: pe.IsLibrary},
		FileName: "dep.dll",
		Header:   view(make([]byte, 0x40)),
	}
	l.imports = append(l.imports, dep)

	primary := &pe.Image{
		Info:     pe.ImageInfo{Architecture: Win32AMD64, Size: 0x1000, EntryPoint: 0x10},
		FileName: "main.exe",
		Header:   view(make([]byte, 0x40)),
		Imports:  []pe.Import{{LibraryName: "dep.dll"}},
	}

	if err := l.Execute(primary); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	calls := h.EntryCalls()
	if len(calls) != 2 {
		t.Fatalf("EntryCalls = %#v, want 2 entries", calls)
	}
	depBase := l.loadedLibraries["dep.dll"]
	primaryBase := l.loadedLibraries["main.exe"]
	if calls[0] != depBase+0x20 {
		t.Fatalf("first entry call = %#x, want dep entry %#x", calls[0], depBase+0x20)
	}
	if calls[1] != primaryBase+0x10 {
		t.Fatalf("second entry call = %#x, want primary entry %#x", calls[1], primaryBase+0x10)
	}
}

// TestApplyRelocationAddsBaseDelta is scenario 3: a relocated dword must be
// bumped by (actual base - preferred base), not overwritten outright.
func TestApplyRelocationAddsBaseDelta(t *testing.T) {
	secData := make([]byte, 0x20)
	binary.LittleEndian.PutUint32(secData[0x10:], 0x400010) // preferred-base absolute pointer
	img := &pe.Image{
		Info:     pe.ImageInfo{Architecture: pe.Win32, BaseAddress: 0x400000, Size: 0x2000},
		FileName: "reloc.dll",
		Header:   view(make([]byte, 0x40)),
		Sections: []pe.Section{{
			Name: ".text", BaseAddress: 0x1000, VirtualSize: 0x20,
			Data: view(secData), Flags: pe.SectionRead | pe.SectionExecute,
		}},
		Relocations: []uint64{0x1010},
	}

	h := hosttest.New(0x500000)
	l := New(h)
	base, err := l.mapImage(img)
	if err != nil {
		t.Fatalf("mapImage: %v", err)
	}

	mem, err := h.ReadAt(base+0x1010, 4)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	got := binary.LittleEndian.Uint32(mem)
	want := uint32(0x400010 + int64(base) - 0x400000)
	if got != want {
		t.Fatalf("relocated dword = %#x, want %#x", got, want)
	}
}

// TestGetFunctionAddressFollowsForwarderChain is scenario 4: an export
// marked Forward resolves through loadLibrary/getFunctionAddress again
// against the forwarded-to module.
func TestGetFunctionAddressFollowsForwarderChain(t *testing.T) {
	h := hosttest.New(0x10000)
	l := New(h)

	realImg := &pe.Image{
		FileName:      "real.dll",
		Exports:       []pe.ExportFunction{{Name: "RealFunc", Address: 0x50, Ordinal: 1}},
		NameExportLen: 1,
	}
	fwdImg := &pe.Image{
		FileName:      "fwd.dll",
		Exports:       []pe.ExportFunction{{Name: "FwdFunc", Forward: "real.RealFunc", Ordinal: 1}},
		NameExportLen: 1,
	}
	realBase, fwdBase := uintptr(0x100000), uintptr(0x200000)
	l.loadedImages[realBase] = realImg
	l.loadedImages[fwdBase] = fwdImg
	l.loadedLibraries["real.dll"] = realBase
	l.loadedLibraries["fwd.dll"] = fwdBase

	got := l.getFunctionAddress(fwdBase, "FwdFunc", -1)
	want := realBase + 0x50
	if got != want {
		t.Fatalf("getFunctionAddress = %#x, want %#x", got, want)
	}
}

// TestAPISetRedirectsThroughToHostModule is scenario 5 and P7: a virtual
// api-*.dll import resolves to the real host module's base, with the
// host-loaded module wrapped into a parseable Image along the way.
func TestAPISetRedirectsThroughToHostModule(t *testing.T) {
	h := hosttest.New(0x10000)
	kernelBase := uintptr(0x20000)
	if _, err := h.AllocateVirtual(kernelBase, 4096, host.MemCommit, host.PageReadWrite); err != nil {
		t.Fatalf("AllocateVirtual: %v", err)
	}
	if err := h.WriteAt(kernelBase, minimalHostModuleBytes(4096)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	h.WithLoadedImages(host.LoadedImage{FileName: `C:\Windows\System32\kernel32.dll`, BaseAddress: kernelBase})
	h.WithAPISet(host.ApiSetEntry{
		Name:  "api-ms-win-core-heap-l1-1-0",
		Hosts: []host.ApiSetHost{{Name: "kernel32.dll"}},
	})

	l := New(h)
	base, err := l.loadLibrary("api-ms-win-core-heap-l1-1-0.dll")
	if err != nil {
		t.Fatalf("loadLibrary: %v", err)
	}
	if base != kernelBase {
		t.Fatalf("loadLibrary = %#x, want host module base %#x", base, kernelBase)
	}
}

// TestLoadLibraryCaseInsensitiveDedup is P8: the same host module, imported
// under two different casings, is wrapped exactly once.
func TestLoadLibraryCaseInsensitiveDedup(t *testing.T) {
	h := hosttest.New(0x10000)
	kernelBase := uintptr(0x20000)
	if _, err := h.AllocateVirtual(kernelBase, 4096, host.MemCommit, host.PageReadWrite); err != nil {
		t.Fatalf("AllocateVirtual: %v", err)
	}
	if err := h.WriteAt(kernelBase, minimalHostModuleBytes(4096)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	h.WithLoadedImages(host.LoadedImage{FileName: "kernel32.dll", BaseAddress: kernelBase})

	l := New(h)
	b1, err := l.loadLibrary("KERNEL32.DLL")
	if err != nil {
		t.Fatalf("loadLibrary #1: %v", err)
	}
	b2, err := l.loadLibrary("kernel32.dll")
	if err != nil {
		t.Fatalf("loadLibrary #2: %v", err)
	}
	if b1 != b2 {
		t.Fatalf("loadLibrary returned different bases for the same module: %#x vs %#x", b1, b2)
	}
	if len(l.imports) != 1 {
		t.Fatalf("len(imports) = %d, want 1 (host module wrapped twice)", len(l.imports))
	}
}

// TestSplitForwarderUsesLastDot is the P9 regression: a forward string
// whose module half itself contains dots must split at the function-name
// boundary, not the first dot.
func TestSplitForwarderUsesLastDot(t *testing.T) {
	dll, fn, ord := splitForwarder("Contoso.Runtime.HeapAlloc")
	if dll != "Contoso.Runtime.dll" || fn != "HeapAlloc" || ord != -1 {
		t.Fatalf("splitForwarder = (%q, %q, %d)", dll, fn, ord)
	}
}

func TestSplitForwarderOrdinalForm(t *testing.T) {
	dll, fn, ord := splitForwarder("NTDLL.#1234")
	if dll != "NTDLL.dll" || fn != "" || ord != 1234 {
		t.Fatalf("splitForwarder = (%q, %q, %d)", dll, fn, ord)
	}
}

// TestLoadLibraryWideExtendedRestoresOuterQueue is scenario 6: a load
// triggered mid-drain runs its own dependency's entry point to completion,
// then restores — without running — whatever was still pending outer.
func TestLoadLibraryWideExtendedRestoresOuterQueue(t *testing.T) {
	h := hosttest.New(0x10000)
	l := New(h)

	pending := &pe.Image{FileName: "a.dll"} // never actually executed in this test
	pendingBase := uintptr(0x10)
	l.loadedImages[pendingBase] = pending
	l.entryPointQueue = []uintptr{pendingBase}

	dep := &pe.Image{
		Info:     pe.ImageInfo{Architecture: Win32AMD64, Size: 0x1000, EntryPoint: 0x5, Flags: pe.IsLibrary},
		FileName: "b.dll",
		Header:   view(make([]byte, 0x40)),
	}
	l.imports = append(l.imports, dep)

	base := l.loadLibraryWideExtended("b.dll")
	if base == 0 {
		t.Fatalf("loadLibraryWideExtended returned 0")
	}
	calls := h.EntryCalls()
	if len(calls) != 1 || calls[0] != base+0x5 {
		t.Fatalf("EntryCalls = %#v, want [%#x] (only the nested dependency)", calls, base+0x5)
	}
	if len(l.entryPointQueue) != 1 || l.entryPointQueue[0] != pendingBase || l.entryHead != 0 {
		t.Fatalf("outer queue not restored: %#v head=%d", l.entryPointQueue, l.entryHead)
	}
}

// TestResolveModuleHandleMatchesTrimmedName covers GetModuleHandleEx's
// third match rule: the requested name with no extension still matches a
// loaded image's FileName.
func TestResolveModuleHandleMatchesTrimmedName(t *testing.T) {
	h := hosttest.New(0x10000)
	l := New(h)
	img := &pe.Image{FileName: "user32.dll", FilePath: `C:\Windows\System32`}
	base := uintptr(0x30000)
	l.loadedImages[base] = img

	nameAddr := uintptr(0x10000)
	if _, err := h.AllocateVirtual(nameAddr, 64, host.MemCommit, host.PageReadWrite); err != nil {
		t.Fatalf("AllocateVirtual: %v", err)
	}
	writeWideString(t, h, nameAddr, "user32")

	if got := l.resolveModuleHandle(nameAddr); got != base {
		t.Fatalf("resolveModuleHandle = %#x, want %#x", got, base)
	}
}

func writeWideString(t *testing.T, h *hosttest.Host, addr uintptr, s string) {
	t.Helper()
	buf := make([]byte, 0, len(s)*2+2)
	for _, r := range s {
		var u [2]byte
		binary.LittleEndian.PutUint16(u[:], uint16(r))
		buf = append(buf, u[:]...)
	}
	buf = append(buf, 0, 0)
	if err := h.WriteAt(addr, buf); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
}

func TestProtectionForCombinesExecuteAndWrite(t *testing.T) {
	cases := []struct {
		flags pe.SectionFlags
		want  uint32
	}{
		{pe.SectionRead, host.PageReadOnly},
		{pe.SectionRead | pe.SectionWrite, host.PageReadWrite},
		{pe.SectionRead | pe.SectionExecute, host.PageExecuteRead},
		{pe.SectionRead | pe.SectionWrite | pe.SectionExecute, host.PageExecuteReadWrite},
		{0, host.PageNoAccess},
	}
	for _, c := range cases {
		if got := protectionFor(c.flags); got != c.want {
			t.Fatalf("protectionFor(%v) = %#x, want %#x", c.flags, got, c.want)
		}
	}
}
