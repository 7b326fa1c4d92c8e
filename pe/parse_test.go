package pe

import (
	"testing"

	"github.com/darkit/winpacker/datasource"
)

func TestParseTrivialEXE(t *testing.T) {
	sectionData := make([]byte, 16)
	for i := range sectionData {
		sectionData[i] = byte(i)
	}
	raw := buildMinimalPE32(sectionData, "", "")

	img, err := Parse(datasource.FromBytes(raw), false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if img.Info.Architecture != Win32 {
		t.Fatalf("architecture = %v, want Win32", img.Info.Architecture)
	}
	if img.Info.EntryPoint != 0x1000 {
		t.Fatalf("entry point = %#x, want 0x1000", img.Info.EntryPoint)
	}
	if len(img.Sections) != 1 {
		t.Fatalf("sections = %d, want 1", len(img.Sections))
	}
	sec := img.Sections[0]
	if sec.BaseAddress != 0x1000 {
		t.Fatalf("section base = %#x, want 0x1000", sec.BaseAddress)
	}
	want := SectionCode | SectionRead | SectionExecute
	if sec.Flags != want {
		t.Fatalf("section flags = %v, want %v", sec.Flags, want)
	}
	if len(img.Imports) != 0 {
		t.Fatalf("imports = %d, want 0", len(img.Imports))
	}
	if len(img.Exports) != 0 {
		t.Fatalf("exports = %d, want 0", len(img.Exports))
	}
	if len(img.Relocations) != 0 {
		t.Fatalf("relocations = %d, want 0", len(img.Relocations))
	}
}

func TestParseSingleImport(t *testing.T) {
	raw := buildMinimalPE32(make([]byte, 16), "MSVCRT.DLL", "printf")

	img, err := Parse(datasource.FromBytes(raw), false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(img.Imports) != 1 {
		t.Fatalf("imports = %d, want 1", len(img.Imports))
	}
	imp := img.Imports[0]
	if imp.LibraryName != "MSVCRT.DLL" {
		t.Fatalf("library = %q, want MSVCRT.DLL", imp.LibraryName)
	}
	if len(imp.Functions) != 1 {
		t.Fatalf("functions = %d, want 1", len(imp.Functions))
	}
	fn := imp.Functions[0]
	if fn.Name != "printf" {
		t.Fatalf("function name = %q, want printf", fn.Name)
	}
	if fn.Ordinal != 0 {
		t.Fatalf("ordinal = %d, want 0 (name-bound)", fn.Ordinal)
	}
}

func TestParseNotPE(t *testing.T) {
	_, err := Parse(datasource.FromBytes([]byte("not a pe file at all, too short")), false)
	if err != ErrNotPE {
		t.Fatalf("got %v, want ErrNotPE", err)
	}
}

func TestParseUnsupportedMagic(t *testing.T) {
	raw := buildMinimalPE32(make([]byte, 16), "", "")
	optOff := 0x40 + 4 + imageFileHeaderSize
	raw[optOff] = 0xAD
	raw[optOff+1] = 0xDE

	_, err := Parse(datasource.FromBytes(raw), false)
	if err != ErrUnsupportedMagic {
		t.Fatalf("got %v, want ErrUnsupportedMagic", err)
	}
}
