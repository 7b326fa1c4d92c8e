package pe

import (
	"fmt"

	"github.com/darkit/winpacker/datasource"
)

const (
	fileAlignment    = 0x200
	sectionAlignment = 0x1000
	headerReserve    = 0x400
)

// Serialize writes img back out as a well-formed PE and returns the bytes,
// per spec.md §4.2. Data directory entries (import/export/reloc/etc.) are
// preserved verbatim from the original optional header — this is a
// deliberate simplification carried from the original packer: the
// serializer never rebuilds those directories, it only re-lays-out sections
// and headers.
//
// (spec.md phrases this as "serialize(image, target: DataSource)"; this
// port returns the produced bytes directly rather than requiring the caller
// to pre-size a DataSource of exactly the right length — SerializeToSource
// below recovers the original DataSource-target shape for callers that want
// it, e.g. to hand the result straight back into Parse for a round trip.)
func Serialize(img *Image) ([]byte, error) {
	headerBytes, err := img.Header.Bytes()
	if err != nil {
		return nil, fmt.Errorf("pe: read header snapshot: %w", err)
	}
	dos, ok := readDOSHeader(headerBytes)
	if !ok {
		return nil, ErrNotPE
	}
	ntOff := int(dos.lfanew)
	fh := readFileHeader(headerBytes[ntOff+4:])
	optOff := ntOff + 4 + imageFileHeaderSize

	switch img.Info.Architecture {
	case Win32, Win32AMD64:
	default:
		return nil, ErrUnsupportedMagic
	}

	type laidOutSection struct {
		header   imageSectionHeader
		data     []byte
		fileOff  int
		rawSize  int
	}

	dataOffset := headerReserve
	var laidOut []laidOutSection
	var imageSize uint64

	for _, sec := range img.Sections {
		data, err := sec.Data.Bytes()
		if err != nil {
			return nil, fmt.Errorf("pe: read section %q: %w", sec.Name, err)
		}
		rawSize := alignUp(len(data), fileAlignment)
		sh := imageSectionHeader{
			name:            sectionNameBytes(sec.Name),
			virtualAddress:  uint32(sec.BaseAddress),
			virtualSize:     uint32(sec.VirtualSize),
			sizeOfRawData:   uint32(rawSize),
			characteristics: reverseSectionFlags(sec.Flags),
		}
		fileOff := 0
		if rawSize > 0 {
			fileOff = dataOffset
			sh.pointerToRawData = uint32(fileOff)
		}
		laidOut = append(laidOut, laidOutSection{header: sh, data: data, fileOff: fileOff, rawSize: rawSize})
		dataOffset += alignUp(rawSize, fileAlignment)

		end := sec.BaseAddress + sec.VirtualSize
		if end > imageSize {
			imageSize = end
		}
	}

	headersAligned := alignUp(len(headerBytes), fileAlignment)
	if headersAligned < headerReserve {
		headersAligned = headerReserve
	}
	sectionTableEnd := optOff + int(fh.sizeOfOptionalHeader) + len(laidOut)*imageSectionHeaderSize
	if sectionTableEnd > headersAligned {
		headersAligned = alignUp(sectionTableEnd, fileAlignment)
	}

	totalFileSize := dataOffset
	if len(laidOut) == 0 {
		totalFileSize = headersAligned
	} else {
		last := laidOut[len(laidOut)-1]
		totalFileSize = last.fileOff + alignUp(last.rawSize, fileAlignment)
		if totalFileSize < headersAligned {
			totalFileSize = headersAligned
		}
	}

	out := make([]byte, totalFileSize)

	// Header region: DOS stub + NT signature + file header + optional
	// header, copied verbatim from the snapshot up through the directory
	// table, then the fields the serializer owns are overwritten in place.
	copy(out[:len(headerBytes)], headerBytes)

	fh.numberOfSections = uint16(len(laidOut))
	putFileHeader(out[ntOff+4:], fh)

	sizeOfImage := alignUp(int(imageSize), sectionAlignment)
	patchOptionalHeader(out[optOff:], img.Info.Architecture, uint32(sizeOfImage), fileAlignment, sectionAlignment, uint32(headersAligned))

	sectionTableOff := optOff + int(fh.sizeOfOptionalHeader)
	for i, ls := range laidOut {
		off := sectionTableOff + i*imageSectionHeaderSize
		if off+imageSectionHeaderSize > len(out) {
			return nil, fmt.Errorf("pe: section table overflows header reservation")
		}
		putSectionHeader(out[off:], ls.header)
	}

	for _, ls := range laidOut {
		if ls.rawSize == 0 {
			continue
		}
		copy(out[ls.fileOff:ls.fileOff+len(ls.data)], ls.data)
	}

	return out, nil
}

// SerializeToSource is Serialize followed by wrapping the result as a
// DataSource, the shape spec.md's "serialize(image, target: DataSource)"
// contract describes; the returned source can be fed straight back into
// Parse to exercise the round-trip properties in spec.md §8.
func SerializeToSource(img *Image) (*datasource.DataSource, error) {
	out, err := Serialize(img)
	if err != nil {
		return nil, err
	}
	return datasource.FromBytes(out), nil
}

// PatchSectionContentTag overwrites the PointerToLinenumbers field (offset
// 32 of a 40-byte IMAGE_SECTION_HEADER) of the sectionIndex'th section in
// raw, a Serialize output for img. That field is never written by Serialize
// itself — loaders ignore it, linkers haven't populated it in a shipped
// binary in decades — which is exactly why stub repurposes it to carry a
// caller-supplied content tag (see stub.Pack) without disturbing anything
// spec.md's load path reads.
func PatchSectionContentTag(raw []byte, img *Image, sectionIndex int, tag uint32) error {
	headerBytes, err := img.Header.Bytes()
	if err != nil {
		return fmt.Errorf("pe: read header snapshot: %w", err)
	}
	dos, ok := readDOSHeader(headerBytes)
	if !ok {
		return ErrNotPE
	}
	ntOff := int(dos.lfanew)
	fh := readFileHeader(headerBytes[ntOff+4:])
	optOff := ntOff + 4 + imageFileHeaderSize
	sectionTableOff := optOff + int(fh.sizeOfOptionalHeader)
	off := sectionTableOff + sectionIndex*imageSectionHeaderSize + 32
	if off+4 > len(raw) {
		return fmt.Errorf("pe: section %d's PointerToLinenumbers offset out of range", sectionIndex)
	}
	leWrite32(raw[off:], tag)
	return nil
}

// patchOptionalHeader overwrites only the fields spec.md §4.2 names as
// serializer-owned; everything else (subsystem, characteristics, data
// directories, …) is left exactly as copied from the header snapshot.
func patchOptionalHeader(b []byte, arch Architecture, sizeOfImage, fileAlign, sectionAlign, sizeOfHeaders uint32) {
	switch arch {
	case Win32:
		leWrite32(b[36:], fileAlign)
		leWrite32(b[32:], sectionAlign)
		leWrite32(b[56:], sizeOfImage)
		leWrite32(b[60:], sizeOfHeaders)
	case Win32AMD64:
		leWrite32(b[36:], fileAlign)
		leWrite32(b[32:], sectionAlign)
		leWrite32(b[56:], sizeOfImage)
		leWrite32(b[60:], sizeOfHeaders)
	}
}

func leWrite32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func alignUp(v, align int) int {
	if align <= 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
