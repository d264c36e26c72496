package xls

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Font corresponds to one FONT record.
type Font struct {
	// FontIndex is this font's index in Book.FontList. Index 4 is never
	// used by Excel; a dummy entry keeps the list aligned.
	FontIndex int

	// Name is the font name.
	Name string

	// Height is the font height in twips (1/20 of a point).
	Height int

	Bold       bool
	Italic     bool
	Underlined bool
	StruckOut  bool
	Outline    bool
	Shadow     bool

	// UnderlineType: 0 none, 1 single, 2 double, 0x21 single accounting,
	// 0x22 double accounting.
	UnderlineType int

	// Escapement: 0 none, 1 superscript, 2 subscript.
	Escapement int

	ColourIndex  int
	Weight       int
	Family       int
	CharacterSet int
}

// Format corresponds to one FORMAT record.
type Format struct {
	// FormatKey is the key into Book.FormatMap.
	FormatKey int

	// Type is one of FUN, FDT, FNU, FGE, FTX.
	Type int

	// FormatString is the number format string.
	FormatString string
}

// XF is the extract of an extended-format (XF) record that cell decoding
// and date detection need.
type XF struct {
	XFIndex          int
	FontIndex        int
	FormatKey        int
	IsStyle          bool
	ParentStyleIndex int
	Locked           bool
	Hidden           bool
}

// builtinFormatStrings are the format strings Excel implies without
// FORMAT records, keyed by format code.
var builtinFormatStrings = map[int]string{
	0x00: "General",
	0x01: "0",
	0x02: "0.00",
	0x03: "#,##0",
	0x04: "#,##0.00",
	0x05: "$#,##0_);($#,##0)",
	0x06: "$#,##0_);[Red]($#,##0)",
	0x07: "$#,##0.00_);($#,##0.00)",
	0x08: "$#,##0.00_);[Red]($#,##0.00)",
	0x09: "0%",
	0x0a: "0.00%",
	0x0b: "0.00E+00",
	0x0c: "# ?/?",
	0x0d: "# ??/??",
	0x0e: "m/d/yy",
	0x0f: "d-mmm-yy",
	0x10: "d-mmm",
	0x11: "mmm-yy",
	0x12: "h:mm AM/PM",
	0x13: "h:mm:ss AM/PM",
	0x14: "h:mm",
	0x15: "h:mm:ss",
	0x16: "m/d/yy h:mm",
	0x25: "#,##0_);(#,##0)",
	0x26: "#,##0_);[Red](#,##0)",
	0x27: "#,##0.00_);(#,##0.00)",
	0x28: "#,##0.00_);[Red](#,##0.00)",
	0x29: `_(* #,##0_);_(* (#,##0);_(* "-"_);_(@_)`,
	0x2a: `_($* #,##0_);_($* (#,##0);_($* "-"_);_(@_)`,
	0x2b: `_(* #,##0.00_);_(* (#,##0.00);_(* "-"??_);_(@_)`,
	0x2c: `_($* #,##0.00_);_($* (#,##0.00);_($* "-"??_);_(@_)`,
	0x2d: "mm:ss",
	0x2e: "[h]:mm:ss",
	0x2f: "mm:ss.0",
	0x30: "##0.0E+0",
	0x31: "@",
}

// fmtCodeRanges classifies "standard" format codes, both ends inclusive.
// Sources: the openoffice.org docs and OOXML spec part 4 s3.8.30.
var fmtCodeRanges = [][3]int{
	{0, 0, FGE},
	{1, 13, FNU},
	{14, 22, FDT},
	{27, 36, FDT}, // CJK date formats
	{37, 44, FNU},
	{45, 47, FDT},
	{48, 48, FNU},
	{49, 49, FTX},
	{50, 58, FDT}, // CJK date formats
	{59, 62, FNU}, // Thai number formats
	{67, 70, FNU}, // Thai number formats
	{71, 81, FDT}, // Thai date formats
}

var stdFormatCodeTypes = func() map[int]int {
	m := make(map[int]int)
	for _, r := range fmtCodeRanges {
		for k := r[0]; k <= r[1]; k++ {
			m[k] = r[2]
		}
	}
	return m
}()

var celltyFromFmtty = map[int]int{
	FNU: XL_CELL_NUMBER,
	FUN: XL_CELL_NUMBER,
	FGE: XL_CELL_NUMBER,
	FDT: XL_CELL_DATE,
	FTX: XL_CELL_NUMBER, // Yes, a number can be formatted as text.
}

var builtinStyleNames = []string{
	"Normal",
	"RowLevel_",
	"ColLevel_",
	"Comma",
	"Currency",
	"Percent",
	"Comma [0]",
	"Currency [0]",
	"Hyperlink",
	"Followed Hyperlink",
}

// The 8 colours guaranteed in every palette.
var excelStandardPalette = [8][3]int{
	{0, 0, 0}, {255, 255, 255}, {255, 0, 0}, {0, 255, 0},
	{0, 0, 255}, {255, 255, 0}, {255, 0, 255}, {0, 255, 255},
}

// The Excel 97 default palette, colour indexes 8 through 63. Also used
// for BIFF5/7 files, whose default differs in a handful of entries.
var excelDefaultPaletteB8 = [56][3]int{
	{0, 0, 0}, {255, 255, 255}, {255, 0, 0}, {0, 255, 0},
	{0, 0, 255}, {255, 255, 0}, {255, 0, 255}, {0, 255, 255},
	{128, 0, 0}, {0, 128, 0}, {0, 0, 128}, {128, 128, 0},
	{128, 0, 128}, {0, 128, 128}, {192, 192, 192}, {128, 128, 128},
	{153, 153, 255}, {153, 51, 102}, {255, 255, 204}, {204, 255, 255},
	{102, 0, 102}, {255, 128, 128}, {0, 102, 204}, {204, 204, 255},
	{0, 0, 128}, {255, 0, 255}, {255, 255, 0}, {0, 255, 255},
	{128, 0, 128}, {128, 0, 0}, {0, 128, 128}, {0, 0, 255},
	{0, 204, 255}, {204, 255, 255}, {204, 255, 204}, {255, 255, 153},
	{153, 204, 255}, {255, 153, 204}, {204, 153, 255}, {255, 204, 153},
	{51, 102, 255}, {51, 204, 204}, {153, 204, 0}, {255, 204, 0},
	{255, 153, 0}, {255, 102, 0}, {102, 102, 153}, {150, 150, 150},
	{0, 51, 102}, {51, 153, 102}, {0, 51, 0}, {51, 51, 0},
	{153, 51, 0}, {153, 51, 102}, {51, 51, 153}, {51, 51, 51},
}

// The 16-colour default palette of BIFF3/4 files.
var excelDefaultPaletteB2 = [16][3]int{
	{0, 0, 0}, {255, 255, 255}, {255, 0, 0}, {0, 255, 0},
	{0, 0, 255}, {255, 255, 0}, {255, 0, 255}, {0, 255, 255},
	{128, 0, 0}, {0, 128, 0}, {0, 0, 128}, {128, 128, 0},
	{128, 0, 128}, {0, 128, 128}, {192, 192, 192}, {128, 128, 128},
}

// initialiseBook resets per-stream formatting state. For BIFF 4W it runs
// again for each embedded sheet.
func initialiseBook(b *Book) {
	b.initialiseColourMap()
	b.initialiseFormatInfo()
}

func (b *Book) initialiseFormatInfo() {
	b.FormatMap = make(map[int]*Format)
	b.FormatList = nil
	b.xfCount = 0
	b.actualFmtCount = 0
	b.xfIndexToXLTypeMap = map[int]int{0: XL_CELL_NUMBER}
	b.xfEpilogueDone = false
	b.XFList = nil
	b.FontList = nil
	if b.StyleNameMap == nil {
		b.StyleNameMap = make(map[string][2]int)
	}
}

func (b *Book) initialiseColourMap() {
	b.ColourMap = make(map[int]*[3]int)
	if !b.formattingInfo {
		return
	}
	for i := range excelStandardPalette {
		rgb := excelStandardPalette[i]
		b.ColourMap[i] = &rgb
	}
	var ndpal int
	if b.BiffVersion >= 50 {
		ndpal = len(excelDefaultPaletteB8)
		for i := range excelDefaultPaletteB8 {
			rgb := excelDefaultPaletteB8[i]
			b.ColourMap[i+8] = &rgb
		}
	} else if b.BiffVersion >= 30 {
		ndpal = len(excelDefaultPaletteB2)
		for i := range excelDefaultPaletteB2 {
			rgb := excelDefaultPaletteB2[i]
			b.ColourMap[i+8] = &rgb
		}
	}
	// The specials; nil means the RGB value is not known.
	b.ColourMap[ndpal+8] = nil     // system window text colour for borders
	b.ColourMap[ndpal+8+1] = nil   // system window background colour
	b.ColourMap[0x51] = nil        // system tooltip text colour (note objects)
	b.ColourMap[0x7FFF] = nil      // system window text colour for fonts
}

func (b *Book) handleFont(data []byte) error {
	if !b.formattingInfo {
		return nil
	}
	if b.codec == nil {
		if err := b.deriveEncoding(); err != nil {
			return err
		}
	}
	bv := b.BiffVersion
	k := len(b.FontList)
	if k == 4 {
		// font index 4 is never referenced by XF records
		b.FontList = append(b.FontList, &Font{FontIndex: 4, Name: "Dummy Font"})
		k++
	}
	f := &Font{FontIndex: k}
	b.FontList = append(b.FontList, f)
	var err error
	switch {
	case bv >= 50:
		if len(data) < 14 {
			return framingErrorf("FONT record too short (%d bytes)", len(data))
		}
		f.Height = int(binary.LittleEndian.Uint16(data[0:2]))
		optionFlags := int(binary.LittleEndian.Uint16(data[2:4]))
		f.ColourIndex = int(binary.LittleEndian.Uint16(data[4:6]))
		f.Weight = int(binary.LittleEndian.Uint16(data[6:8]))
		f.Escapement = int(binary.LittleEndian.Uint16(data[8:10]))
		f.UnderlineType = int(data[10])
		f.Family = int(data[11])
		f.CharacterSet = int(data[12])
		f.Bold = optionFlags&1 != 0
		f.Italic = optionFlags&2 != 0
		f.Underlined = optionFlags&4 != 0
		f.StruckOut = optionFlags&8 != 0
		f.Outline = optionFlags&16 != 0
		f.Shadow = optionFlags&32 != 0
		if bv >= 80 {
			f.Name, err = unpackUnicode(data, 14, 1)
		} else {
			f.Name, err = unpackString(data, 14, b.codec, 1)
		}
	case bv >= 30:
		if len(data) < 6 {
			return framingErrorf("FONT record too short (%d bytes)", len(data))
		}
		f.Height = int(binary.LittleEndian.Uint16(data[0:2]))
		optionFlags := int(binary.LittleEndian.Uint16(data[2:4]))
		f.ColourIndex = int(binary.LittleEndian.Uint16(data[4:6]))
		f.Bold = optionFlags&1 != 0
		f.Italic = optionFlags&2 != 0
		f.Underlined = optionFlags&4 != 0
		f.StruckOut = optionFlags&8 != 0
		f.Name, err = unpackString(data, 6, b.codec, 1)
		// cook up the remaining attributes
		if f.Bold {
			f.Weight = 700
		} else {
			f.Weight = 400
		}
		if f.Underlined {
			f.UnderlineType = 1
		}
		f.CharacterSet = 1 // ASCII
	default: // BIFF2
		if len(data) < 4 {
			return framingErrorf("FONT record too short (%d bytes)", len(data))
		}
		f.Height = int(binary.LittleEndian.Uint16(data[0:2]))
		optionFlags := int(binary.LittleEndian.Uint16(data[2:4]))
		f.ColourIndex = 0x7FFF // system window text colour
		f.Bold = optionFlags&1 != 0
		f.Italic = optionFlags&2 != 0
		f.Underlined = optionFlags&4 != 0
		f.StruckOut = optionFlags&8 != 0
		f.Name, err = unpackString(data, 4, b.codec, 1)
		if f.Bold {
			f.Weight = 700
		} else {
			f.Weight = 400
		}
		if f.Underlined {
			f.UnderlineType = 1
		}
		f.CharacterSet = 1
	}
	return err
}

func (b *Book) handleFormat(data []byte) error {
	return b.handleFormatRecord(data, XL_FORMAT)
}

func (b *Book) handleFormatRecord(data []byte, rectype int) error {
	bv := b.BiffVersion
	if rectype == XL_FORMAT2 && bv > 30 {
		bv = 30
	}
	if b.codec == nil {
		if err := b.deriveEncoding(); err != nil {
			return err
		}
	}
	strpos := 2
	var fmtkey int
	if bv >= 80 {
		if len(data) < 2 {
			return framingErrorf("FORMAT record too short")
		}
		fmtkey = int(binary.LittleEndian.Uint16(data[0:2]))
	} else {
		fmtkey = b.actualFmtCount
		if bv <= 30 {
			strpos = 0
		}
	}
	b.actualFmtCount++
	var unistrg string
	var err error
	if bv >= BIFF_FIRST_UNICODE {
		unistrg, err = unpackUnicode(data, 2, 2)
	} else {
		unistrg, err = unpackString(data, strpos, b.codec, 1)
	}
	if err != nil {
		return err
	}
	isDateS := IsDateFormatString(b, unistrg)
	ty := FGE
	if isDateS {
		ty = FDT
	}
	if fmtkey <= 163 && bv >= 50 {
		// standard format code; if earlier than BIFF 5 the standard info
		// is useless, and keys above 163 are user-defined
		stdTy, ok := stdFormatCodeTypes[fmtkey]
		if !ok {
			stdTy = FUN
		}
		isDateC := stdTy == FDT
		if 0 < fmtkey && fmtkey < 50 && isDateC != isDateS {
			b.logger.Warn("conflict between standard format key and its format string",
				zap.Int("fmtkey", fmtkey), zap.String("formatString", unistrg))
		}
	}
	fmtobj := &Format{FormatKey: fmtkey, Type: ty, FormatString: unistrg}
	b.FormatMap[fmtkey] = fmtobj
	b.FormatList = append(b.FormatList, fmtobj)
	return nil
}

func (b *Book) handleXF(data []byte) error {
	bv := b.BiffVersion
	xf := &XF{XFIndex: b.xfCount}
	b.xfCount++
	b.XFList = append(b.XFList, xf)
	switch {
	case bv >= 50:
		if len(data) < 6 {
			return framingErrorf("XF record too short (%d bytes)", len(data))
		}
		xf.FontIndex = int(binary.LittleEndian.Uint16(data[0:2]))
		xf.FormatKey = int(binary.LittleEndian.Uint16(data[2:4]))
		typeProt := int(binary.LittleEndian.Uint16(data[4:6]))
		xf.Locked = typeProt&1 != 0
		xf.Hidden = typeProt&2 != 0
		xf.IsStyle = typeProt&4 != 0
		xf.ParentStyleIndex = (typeProt & 0xFFF0) >> 4
	case bv >= 30:
		if len(data) < 4 {
			return framingErrorf("XF record too short (%d bytes)", len(data))
		}
		xf.FontIndex = int(data[0])
		xf.FormatKey = int(data[1])
		typeProt := int(binary.LittleEndian.Uint16(data[2:4]))
		xf.Locked = typeProt&1 != 0
		xf.Hidden = typeProt&2 != 0
		xf.IsStyle = typeProt&4 != 0
	default: // BIFF2: incomplete treatment
		if len(data) < 3 {
			return framingErrorf("XF record too short (%d bytes)", len(data))
		}
		xf.FontIndex = int(data[0])
		xf.FormatKey = int(data[2]) & 0x3F
	}
	return nil
}

// xfEpilogue derives the cell type implied by each XF's format, so cell
// decoding can promote numbers to dates.
func (b *Book) xfEpilogue() error {
	b.xfEpilogueDone = true
	for _, xf := range b.XFList {
		cellty := XL_CELL_NUMBER
		if fmtobj, ok := b.FormatMap[xf.FormatKey]; ok {
			if ty, ok := celltyFromFmtty[fmtobj.Type]; ok {
				cellty = ty
			}
		} else if builtin, ok := stdFormatCodeTypes[xf.FormatKey]; ok {
			if ty, ok := celltyFromFmtty[builtin]; ok {
				cellty = ty
			}
		}
		b.xfIndexToXLTypeMap[xf.XFIndex] = cellty
	}
	return nil
}

func (b *Book) handleStyle(data []byte) error {
	if !b.formattingInfo {
		return nil
	}
	bv := b.BiffVersion
	if len(data) < 4 {
		return framingErrorf("STYLE record too short (%d bytes)", len(data))
	}
	flagAndXfx := int(binary.LittleEndian.Uint16(data[0:2]))
	builtinID := int(data[2])
	level := int(data[3])
	xfIndex := flagAndXfx & 0x0FFF
	_, haveNormal := b.StyleNameMap["Normal"]
	var builtIn int
	var name string
	switch {
	case len(data) == 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 0 && !haveNormal:
		// Erroneous record without the built-in bit set; seen in the wild.
		builtIn = 1
		xfIndex = 0
		name = "Normal"
	case flagAndXfx&0x8000 != 0:
		builtIn = 1
		if builtinID < len(builtinStyleNames) {
			name = builtinStyleNames[builtinID]
		} else {
			name = fmt.Sprintf("BuiltinStyle_%d", builtinID)
		}
		if builtinID == 1 || builtinID == 2 {
			name += fmt.Sprintf("%d", level+1)
		}
	default:
		var err error
		if bv >= 80 {
			name, err = unpackUnicode(data, 2, 2)
		} else {
			name, err = unpackString(data, 2, b.codec, 1)
		}
		if err != nil {
			return err
		}
	}
	b.StyleNameMap[name] = [2]int{builtIn, xfIndex}
	return nil
}

func (b *Book) handlePalette(data []byte) error {
	if !b.formattingInfo {
		return nil
	}
	if len(data) < 2 {
		return framingErrorf("PALETTE record too short")
	}
	nColours := int(binary.LittleEndian.Uint16(data[0:2]))
	expected := 16
	if b.BiffVersion >= 50 {
		expected = 56
	}
	if nColours != expected {
		b.logger.Warn("PALETTE record with unexpected colour count",
			zap.Int("expected", expected), zap.Int("actual", nColours))
	}
	expectedSize := 4*nColours + 2
	const tolerance = 4
	if len(data) < expectedSize || len(data) > expectedSize+tolerance {
		return framingErrorf("PALETTE record: expected size %d, actual size %d", expectedSize, len(data))
	}
	b.PaletteRecord = make([][3]int, 0, nColours)
	for i := 0; i < nColours; i++ {
		off := 2 + 4*i
		rgb := [3]int{int(data[off]), int(data[off+1]), int(data[off+2])}
		b.PaletteRecord = append(b.PaletteRecord, rgb)
		// Excel palette index 8 is colour index 0 in the record.
		c := rgb
		b.ColourMap[8+i] = &c
	}
	return nil
}

// paletteEpilogue cross-checks font colour indexes against the colour
// map once all PALETTE overrides have been applied.
func (b *Book) paletteEpilogue() {
	if !b.formattingInfo {
		return
	}
	for _, font := range b.FontList {
		if font.FontIndex == 0x7FFF { // ignore "system font"
			continue
		}
		if font.ColourIndex == 0x7FFF { // Excel's default
			continue
		}
		if _, known := b.ColourMap[font.ColourIndex]; !known {
			b.logger.Debug("font colour index not in colour map",
				zap.Int("fontIndex", font.FontIndex), zap.Int("colourIndex", font.ColourIndex))
		}
	}
}

var dateChars = map[rune]bool{
	'y': true, 'Y': true, 'm': true, 'M': true, 'd': true, 'D': true,
	'h': true, 'H': true, 's': true, 'S': true,
}

var skipChars = map[rune]bool{
	'$': true, '-': true, '+': true, '/': true, '(': true, ')': true,
	':': true, ' ': true,
}

var numChars = map[rune]bool{
	'0': true, '#': true, '?': true,
}

var nonDateFormats = map[string]bool{
	"0.00E+00": true,
	"##0.0E+0": true,
	"General":  true,
	"GENERAL":  true, // OOo Calc 1.x
	"general":  true, // pyExcelerator
	"@":        true,
}

var bracketedRE = regexp.MustCompile(`\[[^]]*\]`)

// IsDateFormatString decides heuristically whether a number format
// renders dates: quoted text, escapes and [bracketed] sections are
// ignored, then date formats have one or more of ymdhs (caseless) and
// numeric formats have # or 0.
func IsDateFormatString(book *Book, formatStr string) bool {
	state := 0
	var s strings.Builder
	for _, c := range formatStr {
		switch state {
		case 0:
			switch {
			case c == '"':
				state = 1
			case c == '\\' || c == '_' || c == '*':
				state = 2
			case skipChars[c]:
			default:
				s.WriteRune(c)
			}
		case 1:
			if c == '"' {
				state = 0
			}
		case 2:
			// ignore the char after a backslash, underscore or asterisk
			state = 0
		}
	}
	reduced := bracketedRE.ReplaceAllString(s.String(), "")
	if nonDateFormats[reduced] {
		return false
	}
	dateCount, numCount := 0, 0
	for _, c := range reduced {
		switch {
		case dateChars[c]:
			dateCount++
		case numChars[c]:
			numCount++
		}
	}
	if book != nil && dateCount > 0 && numCount > 0 {
		book.logger.Debug("ambiguous number format treated as non-date",
			zap.String("format", formatStr))
	}
	return dateCount > 0 && numCount == 0
}

// NearestColourIndex finds the palette index whose RGB is closest to the
// given colour, by Euclidean distance. So far used only for the
// pre-BIFF8 WINDOW2 record.
func NearestColourIndex(colourMap map[int]*[3]int, rgb [3]int) int {
	bestMetric := 3 * 256 * 256
	bestColourx := 0
	for colourx, cand := range colourMap {
		if cand == nil {
			continue
		}
		metric := 0
		for i := 0; i < 3; i++ {
			diff := rgb[i] - cand[i]
			metric += diff * diff
		}
		if metric < bestMetric {
			bestMetric = metric
			bestColourx = colourx
			if metric == 0 {
				break
			}
		}
	}
	return bestColourx
}
