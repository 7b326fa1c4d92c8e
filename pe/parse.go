package pe

import (
	"errors"
	"fmt"
	"sort"

	"github.com/darkit/winpacker/datasource"
)

// ErrNotPE is returned when the DOS header's e_lfanew does not lead to a
// valid "PE\0\0" signature.
var ErrNotPE = errors.New("pe: not a PE image")

// ErrUnsupportedMagic is returned when the optional header's Magic field is
// neither PE32 (0x10B) nor PE32+ (0x20B).
var ErrUnsupportedMagic = errors.New("pe: unsupported optional header magic")

// ProbeImageSize reads just the DOS/file/optional headers from a header-
// sized prefix and reports the declared SizeOfImage and SizeOfHeaders,
// without touching sections, imports, or exports. The loader uses this to
// discover how large a module the host loader already mapped is, before
// re-reading that whole region and handing it to Parse with fromMemory
// true (spec.md §4.5.3 step 2).
func ProbeImageSize(header []byte) (sizeOfImage, sizeOfHeaders uint64, err error) {
	dos, ok := readDOSHeader(header)
	if !ok || dos.magic != imageDOSSignature || dos.lfanew == 0 {
		return 0, 0, ErrNotPE
	}
	if uint64(dos.lfanew)+4+imageFileHeaderSize > uint64(len(header)) {
		return 0, 0, ErrNotPE
	}
	ntOff := int(dos.lfanew)
	if header[ntOff] != 'P' || header[ntOff+1] != 'E' || header[ntOff+2] != 0 || header[ntOff+3] != 0 {
		return 0, 0, ErrNotPE
	}
	optOff := ntOff + 4 + imageFileHeaderSize
	if optOff+24 > len(header) {
		return 0, 0, ErrNotPE
	}
	magic := uint16(header[optOff]) | uint16(header[optOff+1])<<8
	switch magic {
	case magicPE32:
		if optOff+96+numDataDirs*dataDirEntrySz > len(header) {
			return 0, 0, ErrNotPE
		}
		oh := readOptionalHeader32(header[optOff:])
		return uint64(oh.sizeOfImage), uint64(oh.sizeOfHeaders), nil
	case magicPE32Plus:
		if optOff+112+numDataDirs*dataDirEntrySz > len(header) {
			return 0, 0, ErrNotPE
		}
		oh := readOptionalHeader64(header[optOff:])
		return uint64(oh.sizeOfImage), uint64(oh.sizeOfHeaders), nil
	default:
		return 0, 0, ErrUnsupportedMagic
	}
}

// Parse reads source and populates an Image. fromMemory selects how section
// data views are anchored: false means source is an on-disk file layout
// (sections located by PointerToRawData), true means source is an
// already-mapped module image (sections located by VirtualAddress, the
// shape a module already loaded by the host looks like).
func Parse(source *datasource.DataSource, fromMemory bool) (*Image, error) {
	full, err := fullView(source)
	if err != nil {
		return nil, fmt.Errorf("pe: view source: %w", err)
	}
	raw, err := full.Bytes()
	if err != nil {
		return nil, fmt.Errorf("pe: read source: %w", err)
	}

	dos, ok := readDOSHeader(raw)
	if !ok || dos.magic != imageDOSSignature || dos.lfanew == 0 {
		return nil, ErrNotPE
	}
	if uint64(dos.lfanew)+4+imageFileHeaderSize > uint64(len(raw)) {
		return nil, ErrNotPE
	}
	ntOff := int(dos.lfanew)
	if raw[ntOff] != 'P' || raw[ntOff+1] != 'E' || raw[ntOff+2] != 0 || raw[ntOff+3] != 0 {
		return nil, ErrNotPE
	}

	fh := readFileHeader(raw[ntOff+4:])
	optOff := ntOff + 4 + imageFileHeaderSize
	if optOff+24 > len(raw) {
		return nil, ErrNotPE
	}
	magic := uint16(raw[optOff]) | uint16(raw[optOff+1])<<8

	var arch Architecture
	var oh optionalHeader
	switch magic {
	case magicPE32:
		arch = Win32
		if optOff+96+numDataDirs*dataDirEntrySz > len(raw) {
			return nil, ErrNotPE
		}
		oh = readOptionalHeader32(raw[optOff:])
	case magicPE32Plus:
		arch = Win32AMD64
		if optOff+112+numDataDirs*dataDirEntrySz > len(raw) {
			return nil, ErrNotPE
		}
		oh = readOptionalHeader64(raw[optOff:])
	default:
		return nil, ErrUnsupportedMagic
	}

	img := &Image{}
	img.Info = ImageInfo{
		Architecture: arch,
		BaseAddress:  oh.imageBase,
		EntryPoint:   uint64(oh.addressOfEntryPoint),
		Size:         uint64(oh.sizeOfImage),
	}
	if fh.characteristics&imageFileDLL != 0 {
		img.Info.Flags |= IsLibrary
	}

	sectionTableOff := optOff + int(fh.sizeOfOptionalHeader)
	if err := parseSections(img, raw, source, sectionTableOff, int(fh.numberOfSections), fromMemory); err != nil {
		return nil, fmt.Errorf("pe: sections: %w", err)
	}

	if err := parseImports(img, &oh); err != nil {
		return nil, fmt.Errorf("pe: imports: %w", err)
	}
	if err := parseRelocations(img, &oh, arch); err != nil {
		return nil, fmt.Errorf("pe: relocations: %w", err)
	}
	if err := parseExports(img, &oh); err != nil {
		return nil, fmt.Errorf("pe: exports: %w", err)
	}
	parseLoadConfig(img, &oh, arch)

	headerLen := uint64(oh.sizeOfHeaders)
	if headerLen == 0 || headerLen > uint64(len(raw)) {
		headerLen = uint64(sectionTableOff + int(fh.numberOfSections)*imageSectionHeaderSize)
	}
	if headerLen > uint64(len(raw)) {
		headerLen = uint64(len(raw))
	}
	hv, err := source.View(0, int64(headerLen))
	if err != nil {
		return nil, fmt.Errorf("pe: header snapshot: %w", err)
	}
	img.Header = hv

	return img, nil
}

func fullView(source *datasource.DataSource) (*datasource.DataView, error) {
	return source.View(0, source.Size())
}

func parseSections(img *Image, raw []byte, source *datasource.DataSource, tableOff, n int, fromMemory bool) error {
	img.Sections = make([]Section, 0, n)
	for i := 0; i < n; i++ {
		off := tableOff + i*imageSectionHeaderSize
		if off+imageSectionHeaderSize > len(raw) {
			break
		}
		sh := readSectionHeader(raw[off:])

		var dataOff, dataSize uint64
		if fromMemory {
			dataOff = uint64(sh.virtualAddress)
			dataSize = uint64(sh.sizeOfRawData)
		} else {
			dataOff = uint64(sh.pointerToRawData)
			dataSize = uint64(sh.sizeOfRawData)
		}
		if dataOff+dataSize > uint64(len(raw)) {
			if dataOff > uint64(len(raw)) {
				dataOff = uint64(len(raw))
			}
			dataSize = uint64(len(raw)) - dataOff
		}
		view, err := source.View(int64(dataOff), int64(dataSize))
		if err != nil {
			return fmt.Errorf("section %d: %w", i, err)
		}

		sec := Section{
			Name:        sectionNameString(sh.name),
			BaseAddress: uint64(sh.virtualAddress),
			VirtualSize: uint64(sh.virtualSize),
			Data:        view,
			Flags:       translateSectionFlags(sh.characteristics),
		}
		img.Sections = append(img.Sections, sec)
	}
	return nil
}

func translateSectionFlags(c uint32) SectionFlags {
	var f SectionFlags
	if c&scnCntCode != 0 {
		f |= SectionCode
	}
	if c&scnCntInitializedData != 0 {
		f |= SectionInitData
	}
	if c&scnCntUninitializedData != 0 {
		f |= SectionUninitData
	}
	if c&scnMemRead != 0 {
		f |= SectionRead
	}
	if c&scnMemWrite != 0 {
		f |= SectionWrite
	}
	if c&scnMemExecute != 0 {
		f |= SectionExecute
	}
	return f
}

func reverseSectionFlags(f SectionFlags) uint32 {
	var c uint32
	if f&SectionCode != 0 {
		c |= scnCntCode
	}
	if f&SectionInitData != 0 {
		c |= scnCntInitializedData
	}
	if f&SectionUninitData != 0 {
		c |= scnCntUninitializedData
	}
	if f&SectionRead != 0 {
		c |= scnMemRead
	}
	if f&SectionWrite != 0 {
		c |= scnMemWrite
	}
	if f&SectionExecute != 0 {
		c |= scnMemExecute
	}
	return c
}

func parseImports(img *Image, oh *optionalHeader) error {
	dir := oh.dir(dirImport)
	if dir.rva == 0 || dir.size == 0 {
		return nil
	}
	for i := 0; ; i++ {
		descBytes, err := img.RVAToPtr(uint64(dir.rva) + uint64(i*imageImportDescriptorSize))
		if err != nil {
			return err
		}
		if descBytes == nil || len(descBytes) < imageImportDescriptorSize {
			break
		}
		desc := readImportDescriptor(descBytes)
		if desc.isNull() {
			break
		}

		libName := readRVAString(img, uint64(desc.name))

		thunkStep := uint64(4)
		ordinalFlag := uint64(imageOrdinalFlag32)
		if img.Info.Architecture == Win32AMD64 {
			thunkStep = 8
			ordinalFlag = imageOrdinalFlag64
		}

		thunkRVA := uint64(desc.originalFirstThunk)
		if thunkRVA == 0 {
			thunkRVA = uint64(desc.firstThunk)
		}

		var functions []ImportFunction
		iatRVA := uint64(desc.firstThunk)
		for j := 0; ; j++ {
			thunkBytes, err := img.RVAToPtr(thunkRVA + uint64(j)*thunkStep)
			if err != nil {
				return err
			}
			if thunkBytes == nil || uint64(len(thunkBytes)) < thunkStep {
				break
			}
			var thunk uint64
			if thunkStep == 8 {
				thunk = leUint64(thunkBytes)
			} else {
				thunk = uint64(leUint32(thunkBytes))
			}
			if thunk == 0 {
				break
			}

			fn := ImportFunction{IATRVA: iatRVA + uint64(j)*thunkStep}
			if thunk&ordinalFlag != 0 {
				fn.Ordinal = uint16(thunk & 0xFFFF)
			} else {
				nameBytes, err := img.RVAToPtr(thunk + 2) // skip Hint
				if err != nil {
					return err
				}
				if nameBytes != nil {
					fn.Name = readNullTerminatedString(nameBytes)
				}
			}
			functions = append(functions, fn)
		}

		img.Imports = append(img.Imports, Import{LibraryName: libName, Functions: functions})
	}
	return nil
}

func parseRelocations(img *Image, oh *optionalHeader, arch Architecture) error {
	dir := oh.dir(dirBaseReloc)
	if dir.rva == 0 || dir.size == 0 {
		return nil
	}
	var consumed uint64
	for consumed < uint64(dir.size) {
		hdrBytes, err := img.RVAToPtr(uint64(dir.rva) + consumed)
		if err != nil {
			return err
		}
		if hdrBytes == nil || len(hdrBytes) < imageBaseRelocationSize {
			break
		}
		block := readBaseRelocation(hdrBytes)
		if block.sizeOfBlock == 0 {
			break
		}
		entryCount := (block.sizeOfBlock - imageBaseRelocationSize) / 2
		entriesBytes := hdrBytes[imageBaseRelocationSize:]
		for i := uint32(0); i < entryCount; i++ {
			off := i * 2
			if uint64(off)+2 > uint64(len(entriesBytes)) {
				break
			}
			entry := leUint16(entriesBytes[off:])
			typ := entry >> 12
			if typ == relTypeAbsolute {
				continue
			}
			offset := uint64(entry & 0x0FFF)
			img.Relocations = append(img.Relocations, uint64(block.virtualAddress)+offset)
		}
		consumed += uint64(block.sizeOfBlock)
	}
	_ = arch
	return nil
}

func parseExports(img *Image, oh *optionalHeader) error {
	dir := oh.dir(dirExport)
	if dir.rva == 0 || dir.size == 0 {
		return nil
	}
	edBytes, err := img.RVAToPtr(uint64(dir.rva))
	if err != nil {
		return err
	}
	if edBytes == nil || len(edBytes) < 40 {
		return nil
	}
	ed := readExportDirectory(edBytes)

	seen := make([]bool, ed.numberOfFunctions)
	funcsBytes, err := img.RVAToPtr(uint64(ed.addressOfFunctions))
	if err != nil {
		return err
	}
	namesBytes, err := img.RVAToPtr(uint64(ed.addressOfNames))
	if err != nil {
		return err
	}
	ordBytes, err := img.RVAToPtr(uint64(ed.addressOfNameOrdinals))
	if err != nil {
		return err
	}

	exportDirStart := uint64(dir.rva)
	exportDirEnd := uint64(dir.rva) + uint64(dir.size)

	checkForwarder := func(addr uint32) string {
		a := uint64(addr)
		if a < exportDirStart || a >= exportDirEnd {
			return ""
		}
		b, err := img.RVAToPtr(a)
		if err != nil || b == nil {
			return ""
		}
		return readNullTerminatedString(b)
	}

	var named []ExportFunction
	for i := uint32(0); i < ed.numberOfNames; i++ {
		if namesBytes == nil || ordBytes == nil || funcsBytes == nil {
			break
		}
		if uint64(i)*4+4 > uint64(len(namesBytes)) || uint64(i)*2+2 > uint64(len(ordBytes)) {
			break
		}
		nameRVA := leUint32(namesBytes[i*4:])
		ordinal := leUint16(ordBytes[i*2:])
		if uint64(ordinal)*4+4 > uint64(len(funcsBytes)) {
			continue
		}
		addr := leUint32(funcsBytes[uint32(ordinal)*4:])
		nameBytes, err := img.RVAToPtr(uint64(nameRVA))
		if err != nil {
			return err
		}
		name := readNullTerminatedString(nameBytes)

		if int(ordinal) < len(seen) {
			seen[ordinal] = true
		}
		named = append(named, ExportFunction{
			Ordinal: uint16(uint32(ordinal) + ed.base),
			Name:    name,
			Address: uint64(addr),
			Forward: checkForwarder(addr),
		})
	}
	sort.Slice(named, func(i, j int) bool { return named[i].Name < named[j].Name })
	img.Exports = append(img.Exports, named...)
	img.NameExportLen = len(named)

	for i := uint32(0); i < ed.numberOfFunctions; i++ {
		if i < uint32(len(seen)) && seen[i] {
			continue
		}
		if funcsBytes == nil || uint64(i)*4+4 > uint64(len(funcsBytes)) {
			break
		}
		addr := leUint32(funcsBytes[i*4:])
		if addr == 0 {
			continue
		}
		img.Exports = append(img.Exports, ExportFunction{
			Ordinal: uint16(i + ed.base),
			Address: uint64(addr),
			Forward: checkForwarder(addr),
		})
	}
	return nil
}

func parseLoadConfig(img *Image, oh *optionalHeader, arch Architecture) {
	dir := oh.dir(dirLoadConfig)
	if dir.rva == 0 || dir.size == 0 {
		return
	}
	lcBytes, err := img.RVAToPtr(uint64(dir.rva))
	if err != nil || lcBytes == nil {
		return
	}
	// SecurityCookie follows the same run of fields on both the 32- and
	// 64-bit IMAGE_LOAD_CONFIG_DIRECTORY layouts this loader targets:
	// Size/TimeDateStamp/Major/MinorVersion/GlobalFlags{Clear,Set}/
	// CriticalSectionDefaultTimeout/DeCommit{Free,Total}Block{Threshold,Size}/
	// LockPrefixTable/MaximumAllocationSize/VirtualMemoryThreshold/
	// ProcessHeapFlags/ProcessAffinityMask/CSDVersion+Reserved1/EditList.
	// The pointer-sized fields among them put it at 0x3C (32-bit) or
	// 0x58 (64-bit).
	var cookieOff int
	if arch == Win32AMD64 {
		cookieOff = 0x58
	} else {
		cookieOff = 0x3C
	}
	if cookieOff+8 <= len(lcBytes) {
		var cookieVA uint64
		if arch == Win32AMD64 {
			cookieVA = leUint64(lcBytes[cookieOff:])
		} else {
			cookieVA = uint64(leUint32(lcBytes[cookieOff:]))
		}
		// SecurityCookie is a virtual address at the preferred ImageBase;
		// it is stored as an RVA.
		if cookieVA > img.Info.BaseAddress {
			img.Info.SecurityCookieRVA = cookieVA - img.Info.BaseAddress
		}
	}

	tlsDir := oh.dir(dirTLS)
	img.Info.TLSDirectoryRVA = uint64(tlsDir.rva)
}

func readRVAString(img *Image, rva uint64) string {
	b, err := img.RVAToPtr(rva)
	if err != nil || b == nil {
		return ""
	}
	return readNullTerminatedString(b)
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func leUint64(b []byte) uint64 {
	return uint64(leUint32(b)) | uint64(leUint32(b[4:]))<<32
}
