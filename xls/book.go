package xls

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
)

// myEOF is returned by the record cursor when fewer bytes remain than a
// record header needs.
const myEOF = -1

// workbookStreamAliases are the directory names under which the workbook
// stream has been observed, in preference order.
var workbookStreamAliases = []string{"Workbook", "Book"}

// SUPBOOK record kinds.
const (
	supbookUnk = iota
	supbookInternal
	supbookExternal
	supbookAddin
	supbookDDEOLE
)

var builtinNameFromCode = map[byte]string{
	0x00: "Consolidate_Area",
	0x01: "Auto_Open",
	0x02: "Auto_Close",
	0x03: "Extract",
	0x04: "Database",
	0x05: "Criteria",
	0x06: "Print_Area",
	0x07: "Print_Titles",
	0x08: "Recorder",
	0x09: "Data_Form",
	0x0A: "Auto_Activate",
	0x0B: "Auto_Deactivate",
	0x0C: "Sheet_Title",
	0x0D: "_FilterDatabase",
}

// nameScopeKey indexes NameAndScopeMap: the lower-cased defined name plus
// its scope (-1 global, else a sheet index).
type nameScopeKey struct {
	Name  string
	Scope int
}

// Book represents the contents of a workbook.
//
// You should not instantiate this type yourself. Use the Book object
// returned by OpenWorkbook.
type Book struct {
	// NSheets is the number of worksheets present in the workbook file.
	// This information is available even when no sheets have yet been loaded.
	NSheets int

	// Datemode indicates which date system was in force when this file
	// was last saved.
	// 0: 1900 system (the Excel for Windows default).
	// 1: 1904 system (the Excel for Macintosh default).
	// Defaults to 0 in case it's not specified in the file.
	Datemode int

	// BiffVersion is the version of BIFF (Binary Interchange File Format)
	// used to create the file. Latest is 8.0 (represented here as 80),
	// introduced with Excel 97. Earliest supported: 2.0 (represented as 20).
	BiffVersion int

	// NameObjList contains a Name object for each NAME record in the workbook.
	NameObjList []*Name

	// NameAndScopeMap maps (lower-cased name, scope) to a single Name object.
	NameAndScopeMap map[nameScopeKey]*Name

	// NameMap maps a lower-cased name to its Name objects, sorted in scope
	// order. Typically there is one item (of global scope) in the list.
	NameMap map[string][]*Name

	// Codepage is an integer denoting the character set used for strings
	// in this file. For BIFF 8 and later this will be 1200, meaning
	// Unicode (UTF_16_LE); for earlier versions it is used to derive the
	// appropriate encoding.
	Codepage *int

	// Encoding is the encoding name that was derived from the codepage.
	Encoding string

	// Countries holds the telephone country code for
	// [0]: the user-interface setting when the file was created, and
	// [1]: the regional settings.
	Countries [2]int

	// UserName is what (if anything) is recorded as the name of the last
	// user to save the file.
	UserName string

	// AddinFuncNames lists the names of add-in functions referenced by
	// EXTERNNAME records.
	AddinFuncNames []string

	// FontList holds a Font per FONT record.
	FontList []*Font

	// XFList holds an XF per XF record.
	XFList []*XF

	// FormatList holds a Format per FORMAT record, in file order.
	// It does not contain builtin formats.
	FormatList []*Format

	// FormatMap maps XF.FormatKey to a Format object.
	FormatMap map[int]*Format

	// StyleNameMap maps a style name to (builtIn, xfIndex).
	// Extracted only when FormattingInfo is requested.
	StyleNameMap map[string][2]int

	// ColourMap maps a colour index to an RGB triple, nil for "magic"
	// indexes such as 0x7FFF. Extracted only when FormattingInfo is requested.
	ColourMap map[int]*[3]int

	// PaletteRecord holds the RGB values from a PALETTE record, if the
	// user changed any standard colours.
	PaletteRecord [][3]int

	logger           *zap.Logger
	onDemand         bool
	formattingInfo   bool
	raggedRows       bool
	encodingOverride string

	sheetList        []*Sheet
	sheetNames       []string
	sheetAbsPosn     []int
	sheetVisibility  []int
	sheetNumFromName map[string]int

	mem       byteSource
	base      int
	streamLen int
	position  int

	filestr    []byte
	mmapHandle mmap.MMap
	file       *os.File

	codec              *textCodec
	rawUserName        []byte
	sharedStrings      []string
	richTextRunlistMap map[int][]RichTextRun

	allSheetsCount     int
	allSheetsMap       []int // all-sheets index -> calc-sheet index (or -1)
	supbookCount       int
	supbookTypes       []int
	supbookLocalsInx   int
	supbookAddinsInx   int
	externsheetInfo    [][3]int
	externsheetTypeB57 []int
	extnshtNameFromNum map[int]string
	extnshtCount       int

	sheethdrCount int // BIFF 4W only
	sheetsOffset  int

	builtinfmtcount    int
	xfCount            int
	actualFmtCount     int
	xfIndexToXLTypeMap map[int]int
	xfEpilogueDone     bool

	resourcesReleased bool
}

// OpenWorkbookOptions carries the optional parameters of OpenWorkbook.
type OpenWorkbookOptions struct {
	// Logger receives diagnostics. Nil means discard them.
	Logger *zap.Logger

	// UseMmap maps the file instead of reading it into memory.
	UseMmap bool

	// FileContents, when non-nil, is used instead of reading the named
	// file; the filename then appears only in messages.
	FileContents []byte

	// EncodingOverride is used to overcome missing or wrong codepage
	// information in older-version files.
	EncodingOverride string

	// FormattingInfo requests extraction of style, palette and rich-text
	// information. The default of false saves memory.
	FormattingInfo bool

	// OnDemand defers loading each worksheet until it is asked for.
	OnDemand bool

	// RaggedRows skips padding rows out to the sheet's full width with
	// empty cells.
	RaggedRows bool

	// IgnoreWorkbookCorruption tolerates revisited sectors when locating
	// the workbook stream in a damaged container.
	IgnoreWorkbookCorruption bool
}

// OpenWorkbook opens a spreadsheet file for data extraction.
func OpenWorkbook(filename string, options *OpenWorkbookOptions) (*Book, error) {
	if options == nil {
		options = &OpenWorkbookOptions{}
	}
	fileFormat, err := InspectFormat(filename, options.FileContents)
	if err != nil {
		return nil, err
	}
	// Unknown formats pass through: some ancient files parse fine without
	// the expected signature (raw BIFF streams).
	if fileFormat != "" && fileFormat != "xls" {
		return nil, formatErrorf("%s; not supported", FileFormatDescriptions[fileFormat])
	}
	return OpenWorkbookXLS(filename, options)
}

// OpenWorkbookXLS opens an XLS workbook file, bypassing format sniffing.
func OpenWorkbookXLS(filename string, options *OpenWorkbookOptions) (bk *Book, err error) {
	if options == nil {
		options = &OpenWorkbookOptions{}
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bk = &Book{
		logger:             logger,
		onDemand:           options.OnDemand,
		formattingInfo:     options.FormattingInfo,
		raggedRows:         options.RaggedRows,
		encodingOverride:   options.EncodingOverride,
		sheetNumFromName:   make(map[string]int),
		extnshtNameFromNum: make(map[int]string),
		richTextRunlistMap: make(map[int][]RichTextRun),
		supbookLocalsInx:   -1,
		supbookAddinsInx:   -1,
		builtinfmtcount:    -1, // unknown as yet; BIFF 3, 4S, 4W
	}
	defer func() {
		if err != nil {
			bk.ReleaseResources()
			bk = nil
		}
	}()

	if err = bk.loadStream(filename, options); err != nil {
		return nil, err
	}
	bk.position = bk.base

	biffVersion, err := bk.getbof(XL_WORKBOOK_GLOBALS)
	if err != nil {
		return nil, err
	}
	if biffVersion == 0 {
		return nil, versionErrorf("can't determine file's BIFF version")
	}
	supported := false
	for _, v := range SupportedVersions {
		if v == biffVersion {
			supported = true
			break
		}
	}
	if !supported {
		return nil, versionErrorf("BIFF version %s is not supported", BiffTextFromNum(biffVersion))
	}
	bk.BiffVersion = biffVersion

	switch {
	case biffVersion <= 40:
		// no workbook globals, only 1 worksheet
		if bk.onDemand {
			logger.Warn("on-demand loading is not supported for this Excel version; loading eagerly")
			bk.onDemand = false
		}
		if err = bk.fakeGlobalsGetSheet(); err != nil {
			return nil, err
		}
	case biffVersion == 45:
		// worksheet(s) embedded in the globals stream
		if bk.onDemand {
			logger.Warn("on-demand loading is not supported for this Excel version; loading eagerly")
			bk.onDemand = false
		}
		if err = bk.parseGlobals(); err != nil {
			return nil, err
		}
	default:
		if err = bk.parseGlobals(); err != nil {
			return nil, err
		}
		bk.sheetList = make([]*Sheet, len(bk.sheetNames))
		if !bk.onDemand {
			if err = bk.getSheets(); err != nil {
				return nil, err
			}
		}
	}
	bk.NSheets = len(bk.sheetList)
	if biffVersion == 45 && bk.NSheets > 1 {
		logger.Warn("Excel 4.0 workbook (.XLW) file contains multiple worksheets; book-level data will be that of the last worksheet",
			zap.Int("sheets", bk.NSheets))
	}
	if !bk.onDemand {
		bk.ReleaseResources()
	}
	return bk, nil
}

func (b *Book) loadStream(filename string, options *OpenWorkbookOptions) error {
	if options.FileContents != nil {
		b.filestr = options.FileContents
		filename = "" // lazy fragmented serving needs a real path
	} else {
		if options.UseMmap {
			f, err := os.Open(filename)
			if err != nil {
				return err
			}
			m, err := mmap.Map(f, mmap.RDONLY, 0)
			if err != nil {
				f.Close()
				return err
			}
			b.file = f
			b.mmapHandle = m
			b.filestr = m
		} else {
			contents, err := os.ReadFile(filename)
			if err != nil {
				return err
			}
			b.filestr = contents
		}
	}
	if len(b.filestr) == 0 {
		return formatErrorf("file size is 0 bytes")
	}
	b.streamLen = len(b.filestr)
	b.base = 0

	if len(b.filestr) < 8 || !bytes.Equal(b.filestr[:8], oleSignature) {
		// got this one at the antique store: a raw BIFF stream
		b.mem = memSource(b.filestr)
		return nil
	}
	cd, err := NewCompDoc(filename, b.filestr, b.logger, options.IgnoreWorkbookCorruption)
	if err != nil {
		return err
	}
	for _, qname := range workbookStreamAliases {
		src, base, length, err := cd.LocateNamedStream(qname)
		if err != nil {
			var notFound *StreamNotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return err
		}
		b.mem = src
		b.base = base
		b.streamLen = length
		b.logger.Debug("located workbook stream",
			zap.String("name", qname), zap.Int("base", base), zap.Int("len", length))
		return nil
	}
	return formatErrorf("can't find workbook in OLE2 compound document (tried %v)", workbookStreamAliases)
}

// Sheets returns all sheets in the book, loading any not yet loaded.
func (b *Book) Sheets() ([]*Sheet, error) {
	for sheetx := range b.sheetList {
		if b.sheetList[sheetx] == nil {
			if _, err := b.getSheet(sheetx, true); err != nil {
				return nil, err
			}
		}
	}
	out := make([]*Sheet, len(b.sheetList))
	copy(out, b.sheetList)
	return out, nil
}

// SheetByIndex returns the sheet with the given index, loading it if needed.
func (b *Book) SheetByIndex(sheetx int) (*Sheet, error) {
	if sheetx < 0 || sheetx >= len(b.sheetList) {
		return nil, fmt.Errorf("sheet index %d out of range [0, %d)", sheetx, len(b.sheetList))
	}
	if b.sheetList[sheetx] != nil {
		return b.sheetList[sheetx], nil
	}
	return b.getSheet(sheetx, true)
}

// SheetByName returns the sheet with the given name, loading it if needed.
func (b *Book) SheetByName(sheetName string) (*Sheet, error) {
	for i, name := range b.sheetNames {
		if name == sheetName {
			return b.SheetByIndex(i)
		}
	}
	return nil, fmt.Errorf("no sheet named %q", sheetName)
}

// SheetNames returns the names of all worksheets in the workbook file.
// This information is available even when no sheets have yet been loaded.
func (b *Book) SheetNames() []string {
	out := make([]string, len(b.sheetNames))
	copy(out, b.sheetNames)
	return out
}

// SheetLoaded reports whether the sheet with the given index is loaded.
func (b *Book) SheetLoaded(sheetx int) (bool, error) {
	if sheetx < 0 || sheetx >= len(b.sheetList) {
		return false, fmt.Errorf("sheet index %d out of range [0, %d)", sheetx, len(b.sheetList))
	}
	return b.sheetList[sheetx] != nil, nil
}

// UnloadSheet drops the loaded sheet with the given index; a later
// SheetByIndex will re-read it (on-demand mode only).
func (b *Book) UnloadSheet(sheetx int) error {
	if sheetx < 0 || sheetx >= len(b.sheetList) {
		return fmt.Errorf("sheet index %d out of range [0, %d)", sheetx, len(b.sheetList))
	}
	b.sheetList[sheetx] = nil
	return nil
}

// ReleaseResources releases the workbook stream, the backing file and any
// memory mapping. It is called automatically when OpenWorkbook fails and
// after an eager (non-on-demand) load; call it yourself when finished
// loading sheets in on-demand mode. Calling it multiple times is harmless.
func (b *Book) ReleaseResources() {
	b.resourcesReleased = true
	if sc, ok := b.mem.(*scatteredSource); ok {
		if err := sc.Close(); err != nil {
			b.logger.Warn("closing fragmented stream source", zap.Error(err))
		}
	}
	b.mem = nil
	if b.mmapHandle != nil {
		if err := b.mmapHandle.Unmap(); err != nil {
			b.logger.Warn("unmapping workbook file", zap.Error(err))
		}
		b.mmapHandle = nil
	}
	if b.file != nil {
		if err := b.file.Close(); err != nil {
			b.logger.Warn("closing workbook file", zap.Error(err))
		}
		b.file = nil
	}
	b.filestr = nil
	b.sharedStrings = nil
	b.richTextRunlistMap = nil
}

// Close releases all resources held by the book.
func (b *Book) Close() error {
	b.ReleaseResources()
	return nil
}

// === record cursor ===

func (b *Book) get2Bytes() int {
	buf := b.mem.Slice(b.position, b.position+2)
	b.position += len(buf)
	if len(buf) < 2 {
		return myEOF
	}
	return int(binary.LittleEndian.Uint16(buf))
}

// getRecordParts reads the next record header and payload. A code of
// myEOF means fewer than 4 bytes remained.
func (b *Book) getRecordParts() (code, length int, data []byte) {
	header := b.mem.Slice(b.position, b.position+4)
	if len(header) < 4 {
		return myEOF, 0, nil
	}
	code = int(binary.LittleEndian.Uint16(header[0:2]))
	length = int(binary.LittleEndian.Uint16(header[2:4]))
	b.position += 4
	data = b.mem.Slice(b.position, b.position+length)
	b.position += length
	return code, length, data
}

// getRecordPartsConditional consumes the next record only if its code
// matches; otherwise the cursor does not move and code is myEOF.
func (b *Book) getRecordPartsConditional(reqdRecord int) (code, length int, data []byte) {
	header := b.mem.Slice(b.position, b.position+4)
	if len(header) < 4 {
		return myEOF, 0, nil
	}
	code = int(binary.LittleEndian.Uint16(header[0:2]))
	if code != reqdRecord {
		return myEOF, 0, nil
	}
	length = int(binary.LittleEndian.Uint16(header[2:4]))
	b.position += 4
	data = b.mem.Slice(b.position, b.position+length)
	b.position += length
	return code, length, data
}

func (b *Book) read(pos, length int) []byte {
	data := b.mem.Slice(pos, pos+length)
	b.position = pos + len(data)
	return data
}

// === BOF / version detection ===

func (b *Book) getbof(rqdStream int) (int, error) {
	savpos := b.position
	opcode := b.get2Bytes()
	if opcode == myEOF {
		return 0, framingErrorf("expected BOF record; met end of file")
	}
	if !bofcodes[opcode] {
		return 0, formatErrorf("expected BOF record; found % X", b.mem.Slice(savpos, savpos+8))
	}
	length := b.get2Bytes()
	if length == myEOF {
		return 0, framingErrorf("incomplete BOF record; met end of file")
	}
	if length < 4 || length > 20 {
		return 0, framingErrorf("invalid length (%d) for BOF record type 0x%04x", length, opcode)
	}
	data := b.read(b.position, length)
	if len(data) < length {
		return 0, framingErrorf("incomplete BOF record; met end of file")
	}
	if pad := boflen[opcode] - length; pad > 0 {
		data = append(append([]byte{}, data...), make([]byte, pad)...)
	}
	version1 := opcode >> 8
	version2 := int(binary.LittleEndian.Uint16(data[0:2]))
	streamtype := int(binary.LittleEndian.Uint16(data[2:4]))

	version, build, year := 0, 0, 0
	switch version1 {
	case 0x08:
		build = int(binary.LittleEndian.Uint16(data[4:6]))
		year = int(binary.LittleEndian.Uint16(data[6:8]))
		switch {
		case version2 == 0x0600:
			version = 80
		case version2 == 0x0500:
			if year < 1994 || build == 2412 || build == 3218 || build == 3321 {
				version = 50
			} else {
				version = 70
			}
		default:
			// dodgy one, created by a 3rd-party tool
			version = map[int]int{
				0x0000: 21,
				0x0007: 21,
				0x0200: 21,
				0x0300: 30,
				0x0400: 40,
			}[version2]
		}
	case 0x04:
		version = 40
	case 0x02:
		version = 30
	case 0x00:
		version = 21
	}
	if version == 40 && streamtype == XL_WORKBOOK_GLOBALS_4W {
		version = 45 // i.e. 4W
	}
	b.logger.Debug("BOF",
		zap.Int("opcode", opcode), zap.Int("version2", version2), zap.Int("streamtype", streamtype),
		zap.Int("build", build), zap.Int("year", year), zap.Int("biff", version))

	gotGlobals := streamtype == XL_WORKBOOK_GLOBALS ||
		(version == 45 && streamtype == XL_WORKBOOK_GLOBALS_4W)
	if (rqdStream == XL_WORKBOOK_GLOBALS && gotGlobals) || streamtype == rqdStream {
		return version, nil
	}
	if version < 50 && streamtype == XL_WORKSHEET {
		return version, nil
	}
	if version >= 50 && streamtype == 0x0100 {
		return 0, versionErrorf("workspace file -- no spreadsheet data")
	}
	return 0, versionErrorf(
		"BOF not workbook/worksheet: op=0x%04x vers=0x%04x strm=0x%04x build=%d year=%d -> BIFF%d",
		opcode, version2, streamtype, build, year, version)
}

// === globals parsing ===

func (b *Book) parseGlobals() error {
	// no need to position, just start reading (after the BOF)
	initialiseBook(b)
	for {
		rc, length, data := b.getRecordParts()
		if rc == myEOF {
			return framingErrorf("met end of workbook stream with no EOF record")
		}
		var err error
		switch rc {
		case XL_SST:
			err = b.handleSST(data)
		case XL_FONT, XL_FONT_B3B4:
			err = b.handleFont(data)
		case XL_FORMAT: // XL_FORMAT2 is BIFF <= 3.0, can't appear in globals
			err = b.handleFormat(data)
		case XL_XF:
			err = b.handleXF(data)
		case XL_BOUNDSHEET:
			err = b.handleBoundsheet(data)
		case XL_DATEMODE:
			b.handleDatemode(data)
		case XL_CODEPAGE:
			err = b.handleCodepage(data)
		case XL_COUNTRY:
			b.handleCountry(data)
		case XL_EXTERNNAME:
			err = b.handleExternname(data)
		case XL_EXTERNSHEET:
			err = b.handleExternsheet(data)
		case XL_FILEPASS:
			err = b.handleFilepass(data)
		case XL_WRITEACCESS:
			err = b.handleWriteaccess(data)
		case XL_SHEETSOFFSET:
			err = b.handleSheetsoffset(data)
		case XL_SHEETHDR:
			err = b.handleSheethdr(data)
		case XL_SUPBOOK:
			err = b.handleSupbook(data)
		case XL_NAME:
			err = b.handleName(data)
		case XL_PALETTE:
			err = b.handlePalette(data)
		case XL_STYLE:
			err = b.handleStyle(data)
		case XL_BUILTINFMTCOUNT:
			err = b.handleBuiltinFmtCount(data)
		case XL_EOF:
			if err := b.xfEpilogue(); err != nil {
				return err
			}
			if err := b.namesEpilogue(); err != nil {
				return err
			}
			b.paletteEpilogue()
			if b.codec == nil {
				if err := b.deriveEncoding(); err != nil {
					return err
				}
			}
			if b.BiffVersion == 45 {
				b.logger.Debug("globals EOF", zap.Int("position", b.position))
			}
			return nil
		default:
			if rc&0xff == 9 {
				b.logger.Warn("unexpected BOF record inside globals",
					zap.Int("position", b.position-length-4), zap.Int("code", rc), zap.Int("length", length))
			}
		}
		if err != nil {
			return err
		}
	}
}

func (b *Book) handleBoundsheet(data []byte) error {
	bv := b.BiffVersion
	if err := b.deriveEncoding(); err != nil {
		return err
	}
	var sheetName string
	var visibility, sheetType, absPosn int
	var err error
	if bv == 45 { // BIFF4W
		// Undocumented in the OOo spec: the only payload is the sheet name.
		sheetName, err = unpackString(data, 0, b.codec, 1)
		if err != nil {
			return err
		}
		visibility = 0
		sheetType = XL_BOUNDSHEET_WORKSHEET // guess, patched by SHEETHDR
		if len(b.sheetAbsPosn) == 0 {
			// position of the SHEETHDR record; +11 reaches the sheet BOF
			absPosn = b.sheetsOffset + b.base
		} else {
			absPosn = -1 // unknown
		}
	} else {
		if len(data) < 6 {
			return framingErrorf("BOUNDSHEET record too short (%d bytes)", len(data))
		}
		offset := geti32(data, 0)
		visibility = int(data[4])
		sheetType = int(data[5])
		absPosn = offset + b.base // the global BOF is always at position 0 in the stream
		if bv < BIFF_FIRST_UNICODE {
			sheetName, err = unpackString(data, 6, b.codec, 1)
		} else {
			sheetName, err = unpackUnicode(data, 6, 1)
		}
		if err != nil {
			return err
		}
	}
	b.logger.Debug("BOUNDSHEET",
		zap.Int("index", b.allSheetsCount), zap.String("name", sheetName),
		zap.Int("visibility", visibility), zap.Int("absPosn", absPosn), zap.Int("type", sheetType))
	b.allSheetsCount++
	if sheetType != XL_BOUNDSHEET_WORKSHEET {
		b.allSheetsMap = append(b.allSheetsMap, -1)
		descr := map[int]string{
			XL_BOUNDSHEET_MACROSHEET: "macro sheet",
			XL_BOUNDSHEET_CHART:      "chart",
			XL_BOUNDSHEET_VB_MODULE:  "Visual Basic module",
		}[sheetType]
		if descr == "" {
			descr = "unknown"
		}
		b.logger.Debug("ignoring non-worksheet data",
			zap.String("name", sheetName), zap.Int("type", sheetType), zap.String("kind", descr))
		return nil
	}
	snum := len(b.sheetNames)
	b.allSheetsMap = append(b.allSheetsMap, snum)
	b.sheetNames = append(b.sheetNames, sheetName)
	b.sheetAbsPosn = append(b.sheetAbsPosn, absPosn)
	b.sheetVisibility = append(b.sheetVisibility, visibility)
	b.sheetNumFromName[sheetName] = snum
	return nil
}

func (b *Book) handleBuiltinFmtCount(data []byte) error {
	// This count appears to be utterly useless.
	if len(data) < 2 {
		return framingErrorf("BUILTINFMTCOUNT record too short")
	}
	b.builtinfmtcount = int(binary.LittleEndian.Uint16(data[0:2]))
	b.logger.Debug("BUILTINFMTCOUNT", zap.Int("count", b.builtinfmtcount))
	return nil
}

// deriveEncoding resolves the codec for byte strings, preferring the
// override, then the CODEPAGE record, then a version-dependent default.
func (b *Book) deriveEncoding() error {
	switch {
	case b.encodingOverride != "":
		b.Encoding = b.encodingOverride
	case b.Codepage == nil:
		if b.BiffVersion < 80 {
			b.logger.Warn("no CODEPAGE record, no encoding override; will use 'iso-8859-1'")
			b.Encoding = "iso-8859-1"
		} else {
			cp := 1200 // utf_16_le
			b.Codepage = &cp
			b.logger.Warn("no CODEPAGE record; assuming 1200 (utf_16_le)")
			b.Encoding = "utf_16_le"
		}
	default:
		codepage := *b.Codepage
		var encoding string
		switch {
		case encodingFromCodepage[codepage] != "":
			encoding = encodingFromCodepage[codepage]
		case 300 <= codepage && codepage <= 1999:
			encoding = fmt.Sprintf("cp%d", codepage)
		case b.BiffVersion >= 80:
			cp := 1200
			b.Codepage = &cp
			encoding = "utf_16_le"
		default:
			encoding = fmt.Sprintf("unknown_codepage_%d", codepage)
		}
		b.logger.Debug("CODEPAGE", zap.Int("codepage", codepage), zap.String("encoding", encoding))
		b.Encoding = encoding
	}
	codec, err := newTextCodec(b.Encoding)
	if err != nil {
		// An undecodable encoding would silently corrupt every string in
		// the file; let the caller know ASAP.
		b.logger.Error("cannot decode strings in this file", zap.String("encoding", b.Encoding), zap.Error(err))
		return err
	}
	if !codec.utf16() {
		if _, derr := codec.decode([]byte("trial")); derr != nil {
			b.logger.Error("trial decode failed", zap.String("encoding", b.Encoding), zap.Error(derr))
			return derr
		}
	}
	b.codec = codec
	if b.rawUserName != nil {
		strg, err := unpackString(b.rawUserName, 0, b.codec, 1)
		if err != nil {
			return err
		}
		b.UserName = strings.TrimRight(strg, " \x00")
		b.rawUserName = nil
	}
	return nil
}

func (b *Book) handleCodepage(data []byte) error {
	if len(data) < 2 {
		return framingErrorf("CODEPAGE record too short")
	}
	codepage := int(binary.LittleEndian.Uint16(data[0:2]))
	b.Codepage = &codepage
	return b.deriveEncoding()
}

func (b *Book) handleCountry(data []byte) {
	if len(data) < 4 {
		b.logger.Warn("COUNTRY record too short; ignored", zap.Int("length", len(data)))
		return
	}
	countries := [2]int{
		int(binary.LittleEndian.Uint16(data[0:2])),
		int(binary.LittleEndian.Uint16(data[2:4])),
	}
	// In BIFF7 and earlier the COUNTRY record is repeated in each worksheet.
	if b.Countries != [2]int{0, 0} && b.Countries != countries {
		b.logger.Warn("conflicting COUNTRY records",
			zap.Ints("previous", b.Countries[:]), zap.Ints("new", countries[:]))
	}
	b.Countries = countries
}

func (b *Book) handleDatemode(data []byte) {
	if len(data) < 2 {
		b.logger.Warn("DATEMODE record too short; ignored", zap.Int("length", len(data)))
		return
	}
	datemode := int(binary.LittleEndian.Uint16(data[0:2]))
	b.logger.Debug("DATEMODE", zap.Int("datemode", datemode))
	if datemode != 0 && datemode != 1 {
		b.logger.Warn("DATEMODE value out of range; ignored", zap.Int("datemode", datemode))
		return
	}
	b.Datemode = datemode
}

func (b *Book) handleExternname(data []byte) error {
	if b.BiffVersion < 80 {
		return nil
	}
	if len(data) < 6 {
		return framingErrorf("EXTERNNAME record too short (%d bytes)", len(data))
	}
	optionFlags := int(binary.LittleEndian.Uint16(data[0:2]))
	otherInfo := binary.LittleEndian.Uint32(data[2:6])
	name, pos, err := unpackUnicodeUpdatePos(data, 6, 1, -1)
	if err != nil {
		return err
	}
	if n := len(b.supbookTypes); n > 0 && b.supbookTypes[n-1] == supbookAddin {
		b.AddinFuncNames = append(b.AddinFuncNames, name)
	}
	b.logger.Debug("EXTERNNAME",
		zap.Int("optionFlags", optionFlags), zap.Uint32("otherInfo", otherInfo),
		zap.String("name", name), zap.Int("extraBytes", len(data)-pos))
	return nil
}

func (b *Book) handleExternsheet(data []byte) error {
	// in case the CODEPAGE record is missing, out of order or wrong
	if err := b.deriveEncoding(); err != nil {
		return err
	}
	b.extnshtCount++ // for use as a 1-based index
	if b.BiffVersion >= 80 {
		if len(data) < 2 {
			return framingErrorf("EXTERNSHEET record too short")
		}
		numRefs := int(binary.LittleEndian.Uint16(data[0:2]))
		bytesReqd := numRefs*6 + 2
		for len(data) < bytesReqd {
			b.logger.Debug("EXTERNSHEET spans records",
				zap.Int("need", bytesReqd), zap.Int("have", len(data)))
			code2, _, data2 := b.getRecordPartsConditional(XL_CONTINUE)
			if code2 == myEOF {
				return framingErrorf("missing CONTINUE after EXTERNSHEET record")
			}
			data = append(append([]byte{}, data...), data2...)
		}
		pos := 2
		for k := 0; k < numRefs; k++ {
			info := [3]int{
				int(binary.LittleEndian.Uint16(data[pos : pos+2])),
				int(binary.LittleEndian.Uint16(data[pos+2 : pos+4])),
				int(binary.LittleEndian.Uint16(data[pos+4 : pos+6])),
			}
			b.externsheetInfo = append(b.externsheetInfo, info)
			pos += 6
			b.logger.Debug("EXTERNSHEET(b8)",
				zap.Int("k", k), zap.Int("record", info[0]),
				zap.Int("firstSheet", info[1]), zap.Int("lastSheet", info[2]))
		}
		return nil
	}
	if len(data) < 2 {
		return framingErrorf("EXTERNSHEET record too short")
	}
	nc := int(data[0])
	ty := int(data[1])
	if ty == 3 {
		if 2+nc > len(data) {
			return framingErrorf("EXTERNSHEET sheet name runs past end of record")
		}
		sheetName, err := b.codec.decode(data[2 : nc+2])
		if err != nil {
			return err
		}
		b.extnshtNameFromNum[b.extnshtCount] = sheetName
	}
	if ty < 1 || ty > 4 {
		ty = 0
	}
	b.externsheetTypeB57 = append(b.externsheetTypeB57, ty)
	return nil
}

func (b *Book) handleFilepass(data []byte) error {
	if b.BiffVersion >= 80 && len(data) >= 2 {
		kind1 := int(binary.LittleEndian.Uint16(data[0:2]))
		switch {
		case kind1 == 0: // weak XOR encryption
			b.logger.Debug("FILEPASS: weak XOR encryption")
		case kind1 == 1 && len(data) >= 6:
			kind2 := int(binary.LittleEndian.Uint16(data[4:6]))
			caption := map[int]string{1: "BIFF8 standard", 2: "BIFF8 strong"}[kind2]
			if caption == "" {
				caption = "unknown encryption method"
			}
			b.logger.Debug("FILEPASS", zap.String("method", caption))
		}
	}
	return featureErrorf("workbook is encrypted")
}

func (b *Book) handleName(data []byte) error {
	bv := b.BiffVersion
	if bv < 50 {
		return nil
	}
	if err := b.deriveEncoding(); err != nil {
		return err
	}
	if len(data) < 14 {
		return framingErrorf("NAME record too short (%d bytes)", len(data))
	}
	optionFlags := int(binary.LittleEndian.Uint16(data[0:2]))
	nameLen := int(data[3])
	fmlaLen := int(binary.LittleEndian.Uint16(data[4:6]))
	extshtIndex := int(binary.LittleEndian.Uint16(data[6:8]))
	sheetIndex := int(binary.LittleEndian.Uint16(data[8:10]))

	nobj := &Name{book: b}
	nobj.NameIndex = len(b.NameObjList)
	b.NameObjList = append(b.NameObjList, nobj)
	nobj.Hidden = (optionFlags & 1) >> 0
	nobj.Func = (optionFlags & 2) >> 1
	nobj.VBasic = (optionFlags & 4) >> 2
	nobj.Macro = (optionFlags & 8) >> 3
	nobj.Complex = (optionFlags & 0x10) >> 4
	nobj.Builtin = (optionFlags & 0x20) >> 5
	nobj.FuncGroup = (optionFlags & 0xFC0) >> 6
	nobj.Binary = (optionFlags & 0x1000) >> 12

	var internalName string
	var pos int
	var err error
	if bv < 80 {
		internalName, pos, err = unpackStringUpdatePos(data, 14, b.codec, 1, nameLen)
	} else {
		internalName, pos, err = unpackUnicodeUpdatePos(data, 14, 1, nameLen)
	}
	if err != nil {
		return err
	}
	nobj.extnSheetNum = extshtIndex
	nobj.excelSheetIndex = sheetIndex
	nobj.Scope = -1 // patched up in namesEpilogue
	name := internalName
	if nobj.Builtin != 0 && len(internalName) > 0 {
		name = builtinNameFromCode[internalName[0]]
		if name == "" {
			name = "??Unknown??"
		}
	}
	nobj.Name = name
	nobj.RawFormula = append([]byte{}, data[pos:]...)
	nobj.basicFormulaLen = fmlaLen
	b.logger.Debug("NAME",
		zap.Int("index", nobj.NameIndex), zap.String("name", name),
		zap.Int("optionFlags", optionFlags), zap.Int("fmlaLen", fmlaLen),
		zap.Int("extshtIndex", extshtIndex), zap.Int("sheetIndex", sheetIndex))
	return nil
}

// namesEpilogue resolves every Name's scope and evaluates its formula.
// Scope resolution happens here because in BIFF7 and earlier the
// BOUNDSHEET records, which allSheetsMap is derived from, come after the
// NAME records.
func (b *Book) namesEpilogue() error {
	for _, nobj := range b.NameObjList {
		var intlSheetIndex int
		if b.BiffVersion >= 80 {
			sheetIndex := nobj.excelSheetIndex
			switch {
			case sheetIndex == 0:
				intlSheetIndex = -1 // global
			case 1 <= sheetIndex && sheetIndex <= len(b.allSheetsMap):
				intlSheetIndex = b.allSheetsMap[sheetIndex-1]
				if intlSheetIndex == -1 { // maps to a macro or VBA sheet
					intlSheetIndex = -2 // valid sheet reference but not useful
				}
			default:
				intlSheetIndex = -3 // invalid
			}
		} else {
			sheetIndex := nobj.extnSheetNum
			if sheetIndex == 0 {
				intlSheetIndex = -1 // global
			} else {
				sheetName, ok := b.extnshtNameFromNum[sheetIndex]
				if !ok {
					intlSheetIndex = -2
				} else if snum, ok := b.sheetNumFromName[sheetName]; ok {
					intlSheetIndex = snum
				} else {
					intlSheetIndex = -2
				}
			}
		}
		nobj.Scope = intlSheetIndex
	}

	for _, nobj := range b.NameObjList {
		if nobj.Macro != 0 || nobj.Binary != 0 || nobj.evaluated {
			continue
		}
		evaluateNameFormula(b, nobj)
	}

	// Build the lookup maps. A later duplicate (name, scope) wins.
	nameAndScopeMap := make(map[nameScopeKey]*Name)
	nameMap := make(map[string][]*Name)
	for _, nobj := range b.NameObjList {
		key := nameScopeKey{Name: strings.ToLower(nobj.Name), Scope: nobj.Scope}
		if _, dup := nameAndScopeMap[key]; dup {
			b.logger.Debug("duplicate entry in name map",
				zap.String("name", key.Name), zap.Int("scope", key.Scope))
		}
		nameAndScopeMap[key] = nobj
		nameMap[key.Name] = append(nameMap[key.Name], nobj)
	}
	for _, lst := range nameMap {
		sort.SliceStable(lst, func(i, j int) bool { return lst[i].Scope < lst[j].Scope })
	}
	b.NameAndScopeMap = nameAndScopeMap
	b.NameMap = nameMap
	return nil
}

func (b *Book) handleSupbook(data []byte) error {
	// aka EXTERNALBOOK in the OOo docs
	b.supbookTypes = append(b.supbookTypes, supbookUnk)
	if len(data) < 4 {
		return framingErrorf("SUPBOOK record too short (%d bytes)", len(data))
	}
	numSheets := int(binary.LittleEndian.Uint16(data[0:2]))
	sbn := b.supbookCount
	b.supbookCount++
	if bytes.Equal(data[2:4], []byte{0x01, 0x04}) {
		b.supbookTypes[len(b.supbookTypes)-1] = supbookInternal
		b.supbookLocalsInx = b.supbookCount - 1
		b.logger.Debug("SUPBOOK: internal 3D refs", zap.Int("index", sbn), zap.Int("sheets", numSheets))
		return nil
	}
	if bytes.Equal(data[0:4], []byte{0x01, 0x00, 0x01, 0x3A}) {
		b.supbookTypes[len(b.supbookTypes)-1] = supbookAddin
		b.supbookAddinsInx = b.supbookCount - 1
		b.logger.Debug("SUPBOOK: add-in functions", zap.Int("index", sbn))
		return nil
	}
	url, pos, err := unpackUnicodeUpdatePos(data, 2, 2, -1)
	if err != nil {
		return err
	}
	if numSheets == 0 {
		b.supbookTypes[len(b.supbookTypes)-1] = supbookDDEOLE
		b.logger.Debug("SUPBOOK: DDE/OLE document", zap.Int("index", sbn), zap.String("url", url))
		return nil
	}
	b.supbookTypes[len(b.supbookTypes)-1] = supbookExternal
	b.logger.Debug("SUPBOOK: external", zap.Int("index", sbn), zap.String("url", url))
	for x := 0; x < numSheets; x++ {
		shname, newPos, err := unpackUnicodeUpdatePos(data, pos, 2, -1)
		if err != nil {
			// A sheet-name list spilling into CONTINUE records is not handled.
			b.logger.Warn("unpack failure in SUPBOOK sheet names",
				zap.Int("sheet", x), zap.Int("of", numSheets), zap.String("url", url))
			break
		}
		pos = newPos
		b.logger.Debug("SUPBOOK sheet", zap.Int("index", x), zap.String("name", shname))
	}
	return nil
}

// handleSheethdr reads a BIFF 4W special: the SHEETHDR record is followed
// by a (BOF ... EOF) substream containing one worksheet.
func (b *Book) handleSheethdr(data []byte) error {
	if err := b.deriveEncoding(); err != nil {
		return err
	}
	if len(data) < 5 {
		return framingErrorf("SHEETHDR record too short (%d bytes)", len(data))
	}
	sheetLen := geti32(data, 0)
	sheetName, err := unpackString(data, 4, b.codec, 1)
	if err != nil {
		return err
	}
	sheetno := b.sheethdrCount
	if sheetno >= len(b.sheetNames) || sheetName != b.sheetNames[sheetno] {
		return corruptionErrorf("SHEETHDR name %q does not match BOUNDSHEET entry %d", sheetName, sheetno)
	}
	b.sheethdrCount++
	bofPosn := b.position
	b.logger.Debug("SHEETHDR",
		zap.Int("sheet", sheetno), zap.Int("len", sheetLen), zap.String("name", sheetName))
	// each embedded sheet carries its own formatting records
	b.initialiseFormatInfo()
	b.sheetList = append(b.sheetList, nil)
	if _, err := b.getSheet(sheetno, false); err != nil {
		return err
	}
	b.position = bofPosn + sheetLen
	return nil
}

func (b *Book) handleSheetsoffset(data []byte) error {
	if len(data) < 4 {
		return framingErrorf("SHEETSOFFSET record too short")
	}
	b.sheetsOffset = geti32(data, 0)
	b.logger.Debug("SHEETSOFFSET", zap.Int("offset", b.sheetsOffset))
	return nil
}

func (b *Book) handleSST(data []byte) error {
	if len(data) < 8 {
		return framingErrorf("SST record too short (%d bytes)", len(data))
	}
	uniqueStrings := geti32(data, 4)
	b.logger.Debug("SST", zap.Int("uniqueStrings", uniqueStrings))
	fragments := [][]byte{data}
	for {
		code, nb, more := b.getRecordPartsConditional(XL_CONTINUE)
		if code == myEOF {
			break
		}
		b.logger.Debug("SST CONTINUE", zap.Int("bytes", nb))
		fragments = append(fragments, more)
	}
	strings, rtRunlist, err := unpackSSTTable(fragments, uniqueStrings)
	if err != nil {
		return err
	}
	b.sharedStrings = strings
	if b.formattingInfo {
		b.richTextRunlistMap = rtRunlist
	}
	return nil
}

func (b *Book) handleWriteaccess(data []byte) error {
	var txt string
	var err error
	if b.BiffVersion < 80 {
		if b.codec == nil {
			// CODEPAGE has not arrived yet; decode when it does.
			b.rawUserName = append([]byte{}, data...)
			return nil
		}
		txt, err = unpackString(data, 0, b.codec, 1)
	} else {
		txt, err = unpackUnicode(data, 0, 2)
		if err != nil {
			// may have invalid trailing characters
			txt, err = unpackUnicode(bytes.TrimRight(data, "\x00 "), 0, 2)
		}
	}
	if err != nil {
		return err
	}
	b.UserName = strings.TrimRight(txt, " \x00")
	return nil
}

// === sheet loading ===

func (b *Book) getSheet(shNumber int, updatePos bool) (*Sheet, error) {
	if b.resourcesReleased {
		return nil, fmt.Errorf("can't load sheets after releasing resources")
	}
	if updatePos {
		b.position = b.sheetAbsPosn[shNumber]
	}
	// Ignore the sheet BOF's version details: Excel "save as" to an older
	// format can leave a v8 BOF on a sheet in a v7 book.
	if _, err := b.getbof(XL_WORKSHEET); err != nil {
		return nil, err
	}
	sh := newSheet(b, b.position, b.sheetNames[shNumber], shNumber)
	if err := sh.read(b); err != nil {
		return nil, err
	}
	b.sheetList[shNumber] = sh
	return sh, nil
}

func (b *Book) getSheets() error {
	for sheetno := range b.sheetNames {
		if _, err := b.getSheet(sheetno, true); err != nil {
			return err
		}
	}
	return nil
}

// fakeGlobalsGetSheet synthesizes a one-sheet book for BIFF 4.0 and
// earlier, which have no workbook globals section.
func (b *Book) fakeGlobalsGetSheet() error {
	initialiseBook(b)
	b.sheetNames = []string{"Sheet 1"}
	b.sheetAbsPosn = []int{b.base}
	b.sheetVisibility = []int{0} // one sheet, visible
	b.sheetList = append(b.sheetList, nil)
	return b.getSheets()
}

// Colname returns the Excel column name for a 0-based column index:
// Colname(0) is "A", Colname(25) is "Z", Colname(26) is "AA".
func Colname(colx int) string {
	if colx < 0 {
		return ""
	}
	const a2z = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	name := ""
	for {
		quot, rem := colx/26, colx%26
		name = string(a2z[rem]) + name
		if quot == 0 {
			return name
		}
		colx = quot - 1
	}
}
