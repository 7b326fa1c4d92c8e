// Package stub packages a parsed primary Image and its resolved import
// closure into the packer's on-disk stub format: a host PE whose `.main`
// section carries the serialized primary image and whose `.imp` section
// carries the concatenated serialized import images, per spec.md §6's
// "Constants (persisted in the packer's stub format, treated as
// external)". The loader itself never imports this package — it consumes
// already-parsed Image values (spec.md §1's Non-goals exclude the
// bootstrap launcher that would read a stub back out) — so everything
// here is packaging, exercised only by cmd/packer.
package stub

import (
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/darkit/winpacker/datasource"
	"github.com/darkit/winpacker/pe"
)

// Win32StubBaseAddress is the preferred load address the packer's stub
// template was built at, spec.md §6's WIN32_STUB_BASE_ADDRESS.
const Win32StubBaseAddress = 0x00400000

// Section names the stub format defines, spec.md §6.
const (
	SectionMain = ".main"
	SectionImp  = ".imp"
)

// indices of SectionMain/SectionImp within the assembled Image's Sections
// slice, fixed by Pack's construction order.
const (
	mainSectionIndex = 0
	impSectionIndex  = 1
)

// Output is the assembled stub: an Image ready for pe.Serialize, plus the
// content tag Pack computed for the `.main` payload.
type Output struct {
	Image      *pe.Image
	ContentTag uint32
}

// Pack serializes primary and every image in imports, lays them out as the
// `.main`/`.imp` sections of a fresh Image at Win32StubBaseAddress, and
// returns the result. Serialize the returned Image (pe.Serialize) to get
// the final on-disk stub bytes, then call PatchContentTag on those bytes
// to stamp in the digest.
func Pack(primary *pe.Image, imports []*pe.Image) (*Output, error) {
	mainBytes, err := pe.Serialize(primary)
	if err != nil {
		return nil, fmt.Errorf("stub: serialize primary %s: %w", primary.FileName, err)
	}

	var impBytes []byte
	for _, imp := range imports {
		b, err := pe.Serialize(imp)
		if err != nil {
			return nil, fmt.Errorf("stub: serialize import %s: %w", imp.FileName, err)
		}
		impBytes = append(impBytes, b...)
	}

	sum := blake2b.Sum256(mainBytes)
	tag := uint32(sum[0]) | uint32(sum[1])<<8 | uint32(sum[2])<<16 | uint32(sum[3])<<24

	img := &pe.Image{
		Info: pe.ImageInfo{
			Architecture: primary.Info.Architecture,
			BaseAddress:  Win32StubBaseAddress,
		},
		FileName: primary.FileName,
		Header:   primary.Header,
		Sections: []pe.Section{
			section(SectionMain, 0x1000, mainBytes, pe.SectionRead|pe.SectionWrite),
			section(SectionImp, alignSectionRVA(0x1000, len(mainBytes)), impBytes, pe.SectionRead|pe.SectionWrite),
		},
	}
	return &Output{Image: img, ContentTag: tag}, nil
}

// PatchContentTag stamps out.ContentTag into the PointerToLinenumbers field
// of the serialized `.main` section header within raw (the bytes
// pe.Serialize(out.Image) produced), per spec.md §6's persisted stub
// constants. Must be called on the Serialize output, not before.
func (out *Output) PatchContentTag(raw []byte) error {
	return pe.PatchSectionContentTag(raw, out.Image, mainSectionIndex, out.ContentTag)
}

func section(name string, rva uint64, data []byte, flags pe.SectionFlags) pe.Section {
	return pe.Section{
		Name:        name,
		BaseAddress: rva,
		VirtualSize: uint64(len(data)),
		Data:        viewBytes(data),
		Flags:       flags,
	}
}

// viewBytes wraps data as a whole-range DataView, the form pe.Section.Data
// expects. The view is backed by an in-memory arena (datasource.FromBytes),
// so the error View can return for an out-of-range request never happens
// here — data and its own length always agree.
func viewBytes(data []byte) *datasource.DataView {
	v, err := datasource.FromBytes(data).View(0, int64(len(data)))
	if err != nil {
		panic("stub: view of just-built byte slice failed: " + err.Error())
	}
	return v
}

// alignSectionRVA places the next section's RVA a 0x1000 page past the
// previous one's end, matching the SectionAlignment the serializer emits.
func alignSectionRVA(prevRVA uint64, prevLen int) uint64 {
	const pageSize = 0x1000
	end := prevRVA + uint64(prevLen)
	return (end + pageSize - 1) &^ (pageSize - 1)
}
