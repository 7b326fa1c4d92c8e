package pe

import "encoding/binary"

// This file defines explicit little-endian field readers over raw byte
// slices for each PE structure the parser and serializer touch. Rather than
// reinterpret-casting bytes onto a Go struct (the approach the original
// packer takes natively in C++), every structure is read field-by-field
// through encoding/binary — the memory-safe equivalent spec.md §9 calls for.

const (
	imageDOSSignature = 0x5A4D // "MZ"
	imageNTSignature  = 0x00004550

	imageFileDLL = 0x2000 // IMAGE_FILE_HEADER.Characteristics bit: file is a DLL

	magicPE32     = 0x10B
	magicPE32Plus = 0x20B

	imageOrdinalFlag32 = uint32(0x80000000)
	imageOrdinalFlag64 = uint64(0x8000000000000000)

	// Section characteristics bits this package cares about.
	scnCntCode             = 0x00000020
	scnCntInitializedData  = 0x00000040
	scnCntUninitializedData = 0x00000080
	scnMemExecute          = 0x20000000
	scnMemRead             = 0x40000000
	scnMemWrite            = 0x80000000

	// Data directory indices.
	dirExport       = 0
	dirImport       = 1
	dirResource     = 2
	dirException    = 3
	dirSecurity     = 4
	dirBaseReloc    = 5
	dirTLS          = 9
	dirLoadConfig   = 10
	dirIAT          = 12
	numDataDirs     = 16
	dataDirEntrySz  = 8

	relTypeAbsolute = 0
	relTypeHighLow  = 3
	relTypeDir64    = 10
)

// imageDOSHeader reports only the two fields the parser needs.
type imageDOSHeader struct {
	magic  uint16
	lfanew uint32
}

func readDOSHeader(b []byte) (imageDOSHeader, bool) {
	if len(b) < 0x40 {
		return imageDOSHeader{}, false
	}
	h := imageDOSHeader{
		magic:  binary.LittleEndian.Uint16(b[0x00:]),
		lfanew: binary.LittleEndian.Uint32(b[0x3C:]),
	}
	return h, true
}

// imageFileHeader is IMAGE_FILE_HEADER (20 bytes after the 4-byte signature).
type imageFileHeader struct {
	machine              uint16
	numberOfSections     uint16
	timeDateStamp        uint32
	pointerToSymbolTable uint32
	numberOfSymbols      uint32
	sizeOfOptionalHeader uint16
	characteristics      uint16
}

const imageFileHeaderSize = 20

func readFileHeader(b []byte) imageFileHeader {
	return imageFileHeader{
		machine:              binary.LittleEndian.Uint16(b[0:]),
		numberOfSections:     binary.LittleEndian.Uint16(b[2:]),
		timeDateStamp:        binary.LittleEndian.Uint32(b[4:]),
		pointerToSymbolTable: binary.LittleEndian.Uint32(b[8:]),
		numberOfSymbols:      binary.LittleEndian.Uint32(b[12:]),
		sizeOfOptionalHeader: binary.LittleEndian.Uint16(b[16:]),
		characteristics:      binary.LittleEndian.Uint16(b[18:]),
	}
}

func putFileHeader(b []byte, h imageFileHeader) {
	binary.LittleEndian.PutUint16(b[0:], h.machine)
	binary.LittleEndian.PutUint16(b[2:], h.numberOfSections)
	binary.LittleEndian.PutUint32(b[4:], h.timeDateStamp)
	binary.LittleEndian.PutUint32(b[8:], h.pointerToSymbolTable)
	binary.LittleEndian.PutUint32(b[12:], h.numberOfSymbols)
	binary.LittleEndian.PutUint16(b[16:], h.sizeOfOptionalHeader)
	binary.LittleEndian.PutUint16(b[18:], h.characteristics)
}

// dataDirectory is one IMAGE_DATA_DIRECTORY entry.
type dataDirectory struct {
	rva  uint32
	size uint32
}

// optionalHeader holds the fields common to PE32 and PE32+, normalized at
// parse time regardless of which on-disk layout produced them.
type optionalHeader struct {
	magic               uint16
	sizeOfCode          uint32
	sizeOfInitData      uint32
	sizeOfUninitData    uint32
	addressOfEntryPoint uint32
	baseOfCode          uint32
	imageBase           uint64
	sectionAlignment    uint32
	fileAlignment       uint32
	sizeOfImage         uint32
	sizeOfHeaders       uint32
	checkSum            uint32
	subsystem           uint16
	dllCharacteristics  uint16
	numberOfRvaAndSizes uint32
	dataDirs            [numDataDirs]dataDirectory

	// raw is a copy of the exact on-disk bytes of the optional header as
	// parsed. Serialize does not read it: it copies the Image's header
	// snapshot and overwrites FileAlignment/SectionAlignment/SizeOfImage/
	// SizeOfHeaders in place.
	raw []byte
}

// readOptionalHeader32 reads a 32-bit (PE32) optional header. Layout per
// IMAGE_OPTIONAL_HEADER32.
func readOptionalHeader32(b []byte) optionalHeader {
	oh := optionalHeader{
		magic:               binary.LittleEndian.Uint16(b[0:]),
		sizeOfCode:          binary.LittleEndian.Uint32(b[4:]),
		sizeOfInitData:      binary.LittleEndian.Uint32(b[8:]),
		sizeOfUninitData:    binary.LittleEndian.Uint32(b[12:]),
		addressOfEntryPoint: binary.LittleEndian.Uint32(b[16:]),
		baseOfCode:          binary.LittleEndian.Uint32(b[20:]),
		imageBase:           uint64(binary.LittleEndian.Uint32(b[28:])),
		sectionAlignment:    binary.LittleEndian.Uint32(b[32:]),
		fileAlignment:       binary.LittleEndian.Uint32(b[36:]),
		sizeOfImage:         binary.LittleEndian.Uint32(b[56:]),
		sizeOfHeaders:       binary.LittleEndian.Uint32(b[60:]),
		checkSum:            binary.LittleEndian.Uint32(b[64:]),
		subsystem:           binary.LittleEndian.Uint16(b[68:]),
		dllCharacteristics:  binary.LittleEndian.Uint16(b[70:]),
		numberOfRvaAndSizes: binary.LittleEndian.Uint32(b[92:]),
	}
	readDataDirs(&oh, b[96:])
	oh.raw = append([]byte(nil), b[:96+numDataDirs*dataDirEntrySz]...)
	return oh
}

// readOptionalHeader64 reads a 64-bit (PE32+) optional header. Layout per
// IMAGE_OPTIONAL_HEADER64 (no BaseOfData field; ImageBase is 8 bytes).
func readOptionalHeader64(b []byte) optionalHeader {
	oh := optionalHeader{
		magic:               binary.LittleEndian.Uint16(b[0:]),
		sizeOfCode:          binary.LittleEndian.Uint32(b[4:]),
		sizeOfInitData:      binary.LittleEndian.Uint32(b[8:]),
		sizeOfUninitData:    binary.LittleEndian.Uint32(b[12:]),
		addressOfEntryPoint: binary.LittleEndian.Uint32(b[16:]),
		baseOfCode:          binary.LittleEndian.Uint32(b[20:]),
		imageBase:           binary.LittleEndian.Uint64(b[24:]),
		sectionAlignment:    binary.LittleEndian.Uint32(b[32:]),
		fileAlignment:       binary.LittleEndian.Uint32(b[36:]),
		sizeOfImage:         binary.LittleEndian.Uint32(b[56:]),
		sizeOfHeaders:       binary.LittleEndian.Uint32(b[60:]),
		checkSum:            binary.LittleEndian.Uint32(b[64:]),
		subsystem:           binary.LittleEndian.Uint16(b[68:]),
		dllCharacteristics:  binary.LittleEndian.Uint16(b[70:]),
		numberOfRvaAndSizes: binary.LittleEndian.Uint32(b[108:]),
	}
	readDataDirs(&oh, b[112:])
	oh.raw = append([]byte(nil), b[:112+numDataDirs*dataDirEntrySz]...)
	return oh
}

func readDataDirs(oh *optionalHeader, b []byte) {
	for i := 0; i < numDataDirs && (i+1)*dataDirEntrySz <= len(b); i++ {
		off := i * dataDirEntrySz
		oh.dataDirs[i] = dataDirectory{
			rva:  binary.LittleEndian.Uint32(b[off:]),
			size: binary.LittleEndian.Uint32(b[off+4:]),
		}
	}
}

func (oh *optionalHeader) dir(idx int) dataDirectory {
	if idx < 0 || idx >= numDataDirs {
		return dataDirectory{}
	}
	return oh.dataDirs[idx]
}

// imageSectionHeader is IMAGE_SECTION_HEADER (40 bytes).
type imageSectionHeader struct {
	name            [8]byte
	virtualSize     uint32
	virtualAddress  uint32
	sizeOfRawData   uint32
	pointerToRawData uint32
	characteristics uint32
}

const imageSectionHeaderSize = 40

func readSectionHeader(b []byte) imageSectionHeader {
	var h imageSectionHeader
	copy(h.name[:], b[0:8])
	h.virtualSize = binary.LittleEndian.Uint32(b[8:])
	h.virtualAddress = binary.LittleEndian.Uint32(b[12:])
	h.sizeOfRawData = binary.LittleEndian.Uint32(b[16:])
	h.pointerToRawData = binary.LittleEndian.Uint32(b[20:])
	h.characteristics = binary.LittleEndian.Uint32(b[36:])
	return h
}

func putSectionHeader(b []byte, h imageSectionHeader) {
	copy(b[0:8], h.name[:])
	binary.LittleEndian.PutUint32(b[8:], h.virtualSize)
	binary.LittleEndian.PutUint32(b[12:], h.virtualAddress)
	binary.LittleEndian.PutUint32(b[16:], h.sizeOfRawData)
	binary.LittleEndian.PutUint32(b[20:], h.pointerToRawData)
	binary.LittleEndian.PutUint32(b[36:], h.characteristics)
}

func sectionNameString(name [8]byte) string {
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	return string(name[:n])
}

func sectionNameBytes(name string) [8]byte {
	var out [8]byte
	copy(out[:], name)
	return out
}

// imageImportDescriptor is IMAGE_IMPORT_DESCRIPTOR (20 bytes).
type imageImportDescriptor struct {
	originalFirstThunk uint32
	timeDateStamp      uint32
	forwarderChain     uint32
	name               uint32
	firstThunk         uint32
}

const imageImportDescriptorSize = 20

func readImportDescriptor(b []byte) imageImportDescriptor {
	return imageImportDescriptor{
		originalFirstThunk: binary.LittleEndian.Uint32(b[0:]),
		timeDateStamp:      binary.LittleEndian.Uint32(b[4:]),
		forwarderChain:     binary.LittleEndian.Uint32(b[8:]),
		name:               binary.LittleEndian.Uint32(b[12:]),
		firstThunk:         binary.LittleEndian.Uint32(b[16:]),
	}
}

func (d imageImportDescriptor) isNull() bool {
	return d.originalFirstThunk == 0 && d.timeDateStamp == 0 && d.forwarderChain == 0 &&
		d.name == 0 && d.firstThunk == 0
}

// imageExportDirectory is IMAGE_EXPORT_DIRECTORY (40 bytes).
type imageExportDirectory struct {
	characteristics       uint32
	timeDateStamp         uint32
	majorVersion          uint16
	minorVersion          uint16
	name                  uint32
	base                  uint32
	numberOfFunctions     uint32
	numberOfNames         uint32
	addressOfFunctions    uint32
	addressOfNames        uint32
	addressOfNameOrdinals uint32
}

func readExportDirectory(b []byte) imageExportDirectory {
	return imageExportDirectory{
		characteristics:       binary.LittleEndian.Uint32(b[0:]),
		timeDateStamp:         binary.LittleEndian.Uint32(b[4:]),
		majorVersion:          binary.LittleEndian.Uint16(b[8:]),
		minorVersion:          binary.LittleEndian.Uint16(b[10:]),
		name:                  binary.LittleEndian.Uint32(b[12:]),
		base:                  binary.LittleEndian.Uint32(b[16:]),
		numberOfFunctions:     binary.LittleEndian.Uint32(b[20:]),
		numberOfNames:         binary.LittleEndian.Uint32(b[24:]),
		addressOfFunctions:    binary.LittleEndian.Uint32(b[28:]),
		addressOfNames:        binary.LittleEndian.Uint32(b[32:]),
		addressOfNameOrdinals: binary.LittleEndian.Uint32(b[36:]),
	}
}

// imageBaseRelocation is the 8-byte block header IMAGE_BASE_RELOCATION.
type imageBaseRelocation struct {
	virtualAddress uint32
	sizeOfBlock    uint32
}

const imageBaseRelocationSize = 8

func readBaseRelocation(b []byte) imageBaseRelocation {
	return imageBaseRelocation{
		virtualAddress: binary.LittleEndian.Uint32(b[0:]),
		sizeOfBlock:    binary.LittleEndian.Uint32(b[4:]),
	}
}

func readNullTerminatedString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}
