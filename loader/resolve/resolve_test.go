package resolve

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDLL(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	// A zero-section, no-import PE32, built the same way pe's own tests
	// hand-assemble fixtures — only existence/parseability matters here.
	raw := minimalPE()
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadFindsFilenameAsIs(t *testing.T) {
	dir := t.TempDir()
	path := writeDLL(t, dir, "foo.dll")

	r := New(nil)
	img, err := r.Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img == nil {
		t.Fatal("expected a resolved image")
	}
}

func TestLoadFindsViaHint(t *testing.T) {
	dir := t.TempDir()
	writeDLL(t, dir, "bar.dll")

	r := New(nil)
	img, err := r.Load("bar.dll", dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img == nil {
		t.Fatal("expected a resolved image via hint directory")
	}
	if img.FileName != "bar.dll" {
		t.Fatalf("FileName = %q, want bar.dll", img.FileName)
	}
}

func TestLoadFindsViaPATH(t *testing.T) {
	dir := t.TempDir()
	writeDLL(t, dir, "baz.dll")

	r := New([]string{"PATH=" + dir})
	img, err := r.Load("baz.dll", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img == nil {
		t.Fatal("expected a resolved image via PATH")
	}
}

func TestLoadAppendsDllExtension(t *testing.T) {
	dir := t.TempDir()
	writeDLL(t, dir, "qux.dll")

	r := New([]string{"PATH=" + dir})
	img, err := r.Load("qux", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img == nil {
		t.Fatal("expected the .dll suffix to be retried")
	}
}

func TestLoadReturnsNilForMissingFile(t *testing.T) {
	r := New(nil)
	img, err := r.Load("does-not-exist.dll", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img != nil {
		t.Fatal("expected nil image for a nonexistent import (ImportNotFound is deferred, not an error)")
	}
}

// minimalPE hand-assembles just enough of a PE32 to parse without error:
// DOS header, NT signature, a zero-section file header, and a minimal
// 32-bit optional header. No sections/imports are needed for these tests
// since they only exercise path search, not parsing semantics.
func minimalPE() []byte {
	const (
		lfanew            = 0x40
		optionalHeaderLen = 96 + 16*8
	)
	out := make([]byte, lfanew+4+20+optionalHeaderLen)
	out[0], out[1] = 'M', 'Z'
	putUint32(out[0x3C:], lfanew)
	out[lfanew], out[lfanew+1], out[lfanew+2], out[lfanew+3] = 'P', 'E', 0, 0
	putUint16(out[lfanew+4:], 0x14C)                  // Machine
	putUint16(out[lfanew+4+16:], uint16(optionalHeaderLen)) // SizeOfOptionalHeader
	optOff := lfanew + 4 + 20
	putUint16(out[optOff:], 0x10B) // Magic = PE32
	return out
}

func putUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func putUint16(b []byte, v uint16) {
	b[0], b[1] = byte(v), byte(v>>8)
}
