// Package pe implements the PE parser and serializer (components C2/C3):
// reading raw PE bytes into an architecture-neutral Image value, and writing
// an Image back out as a well-formed PE. Field and constant naming follows
// the conventions of the reference PE parsers this package was modeled on.
package pe

import "github.com/darkit/winpacker/datasource"

// Architecture identifies the target machine an Image was built for. Only
// the two architectures the loader supports are represented.
type Architecture int

const (
	// Win32 is the 32-bit x86 architecture (PE32, optional header magic 0x10B).
	Win32 Architecture = iota
	// Win32AMD64 is the 64-bit x86-64 architecture (PE32+, optional header magic 0x20B).
	Win32AMD64
)

func (a Architecture) String() string {
	switch a {
	case Win32:
		return "Win32"
	case Win32AMD64:
		return "Win32AMD64"
	default:
		return "Unknown"
	}
}

// ImageFlags is a bitset of Image-level flags.
type ImageFlags uint32

// IsLibrary marks an Image as a DLL (IMAGE_FILE_DLL was set in the file header).
const IsLibrary ImageFlags = 1 << 0

// ImageInfo carries the architecture-neutral image metadata spec.md §3
// requires.
type ImageInfo struct {
	Architecture      Architecture
	BaseAddress       uint64
	EntryPoint        uint64 // RVA
	Size              uint64
	Flags             ImageFlags
	SecurityCookieRVA uint64
	TLSDirectoryRVA   uint64
}

// SectionFlags is a bitset of the normalized section characteristics.
type SectionFlags uint32

const (
	SectionCode SectionFlags = 1 << iota
	SectionInitData
	SectionUninitData
	SectionRead
	SectionWrite
	SectionExecute
)

// Section is one mapped range of an Image, normalized from
// IMAGE_SECTION_HEADER plus its backing bytes.
type Section struct {
	Name        string // ≤8 bytes
	BaseAddress uint64 // RVA
	VirtualSize uint64
	Data        *datasource.DataView // raw bytes; may be shorter than VirtualSize
	Flags       SectionFlags
}

// ImportFunction is one entry of an import thunk array. Exactly one of Name
// or Ordinal is the binding key — Ordinal is 0 when Name is the key.
type ImportFunction struct {
	Ordinal uint16
	Name    string
	IATRVA  uint64
}

// Import is one imported library and its ordered list of bound functions.
// Order matches PE thunk order so IAT patching stays positional.
type Import struct {
	LibraryName string
	Functions   []ImportFunction
}

// ExportFunction is one entry of an export directory, after the
// named/nameless split and sort described in spec.md §3.
type ExportFunction struct {
	Ordinal uint16 // biased by the export directory's Base
	Name    string // empty for nameless exports
	Address uint64 // RVA, or an RVA inside the export directory when Forward is set
	Forward string // "module.function" or "module.#ordinal"; empty unless forwarded
}

// Image is the architecture-neutral, fully parsed representation of a PE
// file: header snapshot, sections, imports, exports, and relocations.
type Image struct {
	Info     ImageInfo
	FileName string
	FilePath string

	Header *datasource.DataView // copy of DOS+NT+optional+section headers

	Sections []Section
	Imports  []Import

	Exports       []ExportFunction
	NameExportLen int // exports[:NameExportLen] are named, sorted by name

	Relocations []uint64 // RVAs
}

// RVAToOffset returns the section and in-section byte offset containing rva,
// or ok=false if no section contains it. This is the parser's RVA resolver
// (spec.md §4.1): a linear scan over sections.
func (img *Image) RVAToOffset(rva uint64) (sec *Section, offset uint64, ok bool) {
	for i := range img.Sections {
		s := &img.Sections[i]
		if rva >= s.BaseAddress && rva < s.BaseAddress+s.VirtualSize {
			return s, rva - s.BaseAddress, true
		}
	}
	return nil, 0, false
}

// RVAToPtr resolves rva to a byte slice beginning at that address, sized to
// the amount of real (file-backed) data remaining in the containing
// section. Bytes beyond a section's Data.Size() but within VirtualSize are
// implicitly zero per spec.md §3 and are not returned by this call — callers
// working with the full virtual range must check VirtualSize separately.
func (img *Image) RVAToPtr(rva uint64) ([]byte, error) {
	sec, off, ok := img.RVAToOffset(rva)
	if !ok {
		return nil, nil
	}
	data, err := sec.Data.Bytes()
	if err != nil {
		return nil, err
	}
	if off >= uint64(len(data)) {
		return nil, nil
	}
	return data[off:], nil
}

// FindSection returns the section whose VA range contains rva, if any.
func (img *Image) FindSection(rva uint64) (*Section, bool) {
	sec, _, ok := img.RVAToOffset(rva)
	return sec, ok
}
