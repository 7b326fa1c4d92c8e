package pe

import "encoding/binary"

// buildMinimalPE32 hand-assembles a minimal well-formed PE32 image, in the
// same spirit as the hand-built byte fixtures saferwall/pe's test files use
// (no real executable on disk, just enough structure to exercise the
// parser). sectionData is the .text section's raw bytes; if importLib is
// non-empty, a single-function import descriptor is emitted for it.
func buildMinimalPE32(sectionData []byte, importLib, importFunc string) []byte {
	const (
		lfanew            = 0x40
		optionalHeaderLen = 96 + 16*8 // PE32 optional header + 16 data directories
		sectionTableOff   = lfanew + 4 + imageFileHeaderSize + optionalHeaderLen
	)
	numSections := 1
	if importLib != "" {
		numSections = 2
	}
	sectionHeaderEnd := sectionTableOff + numSections*imageSectionHeaderSize
	headersAligned := alignUp(sectionHeaderEnd, fileAlignment)

	textRVA := 0x1000
	textFileOff := headersAligned
	textRawSize := alignUp(len(sectionData), fileAlignment)

	idataRVA := textRVA + alignUp(len(sectionData), sectionAlignment)
	var idata []byte
	var idataFileOff int
	if importLib != "" {
		idata = buildImportBlock(importLib, importFunc, idataRVA)
		idataFileOff = textFileOff + textRawSize
	}
	idataRawSize := alignUp(len(idata), fileAlignment)

	totalSize := textFileOff + textRawSize + idataRawSize
	out := make([]byte, totalSize)

	// DOS header.
	out[0], out[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(out[0x3C:], lfanew)

	// NT signature.
	out[lfanew], out[lfanew+1], out[lfanew+2], out[lfanew+3] = 'P', 'E', 0, 0

	fh := imageFileHeader{
		machine:              0x14C,
		numberOfSections:     uint16(numSections),
		sizeOfOptionalHeader: uint16(optionalHeaderLen),
	}
	putFileHeader(out[lfanew+4:], fh)

	optOff := lfanew + 4 + imageFileHeaderSize
	binary.LittleEndian.PutUint16(out[optOff:], magicPE32)
	binary.LittleEndian.PutUint32(out[optOff+16:], uint32(textRVA)) // AddressOfEntryPoint
	binary.LittleEndian.PutUint32(out[optOff+28:], 0x400000)        // ImageBase
	binary.LittleEndian.PutUint32(out[optOff+32:], sectionAlignment)
	binary.LittleEndian.PutUint32(out[optOff+36:], fileAlignment)
	imageSize := idataRVA
	if importLib == "" {
		imageSize = textRVA + alignUp(len(sectionData), sectionAlignment)
	} else {
		imageSize += alignUp(len(idata), sectionAlignment)
	}
	binary.LittleEndian.PutUint32(out[optOff+56:], uint32(alignUp(imageSize, sectionAlignment)))
	binary.LittleEndian.PutUint32(out[optOff+60:], uint32(headersAligned))
	binary.LittleEndian.PutUint32(out[optOff+92:], numDataDirs)

	if importLib != "" {
		dd := optOff + 96 + dirImport*dataDirEntrySz
		binary.LittleEndian.PutUint32(out[dd:], uint32(idataRVA))
		binary.LittleEndian.PutUint32(out[dd+4:], uint32(len(idata)))
	}

	// Section header: .text
	sh := imageSectionHeader{
		name:             sectionNameBytes(".text"),
		virtualAddress:   uint32(textRVA),
		virtualSize:      uint32(len(sectionData)),
		sizeOfRawData:    uint32(textRawSize),
		pointerToRawData: uint32(textFileOff),
		characteristics:  scnCntCode | scnMemRead | scnMemExecute,
	}
	putSectionHeader(out[sectionTableOff:], sh)

	if importLib != "" {
		// Section header: .idata, covering the import block's RVA range so
		// RVAToPtr can resolve the descriptor/thunk/hint-name bytes.
		ish := imageSectionHeader{
			name:             sectionNameBytes(".idata"),
			virtualAddress:   uint32(idataRVA),
			virtualSize:      uint32(len(idata)),
			sizeOfRawData:    uint32(idataRawSize),
			pointerToRawData: uint32(idataFileOff),
			characteristics:  scnCntInitializedData | scnMemRead | scnMemWrite,
		}
		putSectionHeader(out[sectionTableOff+imageSectionHeaderSize:], ish)
	}

	copy(out[textFileOff:], sectionData)
	if importLib != "" {
		copy(out[idataFileOff:], idata)
	}

	return out
}

// buildImportBlock lays out one IMAGE_IMPORT_DESCRIPTOR plus its thunk
// array, hint/name table, and DLL name string, all within one "RVA block"
// whose file bytes are identical to its virtual bytes (so it can be parsed
// either fromMemory or from-file without adjustment), rooted at idataRVA.
func buildImportBlock(lib, fn string, idataRVA int) []byte {
	descSize := imageImportDescriptorSize * 2 // one real entry + null terminator
	thunkSize := 4 * 2                        // one thunk + null terminator
	iatOff := descSize + thunkSize
	iatSize := thunkSize
	hintNameOff := iatOff + iatSize
	hintName := append([]byte{0, 0}, append([]byte(fn), 0)...)
	if len(hintName)%2 != 0 {
		hintName = append(hintName, 0)
	}
	nameOff := hintNameOff + len(hintName)
	nameBytes := append([]byte(lib), 0)

	total := nameOff + len(nameBytes)
	buf := make([]byte, total)

	desc := imageImportDescriptor{
		originalFirstThunk: uint32(idataRVA + descSize),
		name:               uint32(idataRVA + nameOff),
		firstThunk:         uint32(idataRVA + iatOff),
	}
	putImportDescriptor(buf, desc)

	binary.LittleEndian.PutUint32(buf[descSize:], uint32(idataRVA+hintNameOff))
	binary.LittleEndian.PutUint32(buf[iatOff:], uint32(idataRVA+hintNameOff))

	copy(buf[hintNameOff:], hintName)
	copy(buf[nameOff:], nameBytes)

	return buf
}

func putImportDescriptor(b []byte, d imageImportDescriptor) {
	binary.LittleEndian.PutUint32(b[0:], d.originalFirstThunk)
	binary.LittleEndian.PutUint32(b[4:], d.timeDateStamp)
	binary.LittleEndian.PutUint32(b[8:], d.forwarderChain)
	binary.LittleEndian.PutUint32(b[12:], d.name)
	binary.LittleEndian.PutUint32(b[16:], d.firstThunk)
}
