package xls

import (
	"encoding/binary"
	"math"

	"go.uber.org/zap"
)

// Sheet holds the decoded data of one worksheet.
//
// rowx and colx in the cell access methods count from zero. You don't
// instantiate this type yourself; sheets come from a Book.
type Sheet struct {
	// Name is the sheet name from the BOUNDSHEET record.
	Name string

	// Number is the sheet's index in the book.
	Number int

	// NRows is the number of rows in the sheet.
	NRows int

	// NCols is the nominal number of columns: one more than the maximum
	// column index found.
	NCols int

	// Visibility: 0 visible, 1 hidden, 2 "very hidden".
	Visibility int

	// ColInfoMap maps a column index to its ColInfo.
	// Populated only when FormattingInfo is requested.
	ColInfoMap map[int]*ColInfo

	// RowInfoMap maps a row index to its RowInfo.
	// Populated only when FormattingInfo is requested.
	RowInfoMap map[int]*RowInfo

	// MergedCells lists merged ranges as (rowlo, rowhi, collo, colhi),
	// hi bounds exclusive.
	MergedCells [][4]int

	// RichTextRunlistMap maps (rowx, colx) to the rich-text runs of a
	// text cell. Populated only when FormattingInfo is requested.
	RichTextRunlistMap map[[2]int][]RichTextRun

	book        *Book
	biffVersion int
	position    int
	raggedRows  bool

	cellTypes  [][]byte
	cellValues [][]interface{}
	cellXFs    [][]int
}

// Cell is one decoded cell.
type Cell struct {
	// CType is one of the XL_CELL_* constants.
	CType int

	// Value is nil, string, float64, bool or an int error code,
	// depending on CType.
	Value interface{}

	// XFIndex indexes Book.XFList; 0 when formatting info was not requested.
	XFIndex int
}

// ColInfo describes a COLINFO record.
type ColInfo struct {
	Width   int
	XFIndex int
	Hidden  bool
}

// RowInfo describes a ROW record.
type RowInfo struct {
	Height       int
	XFIndex      int
	Hidden       bool
	HasDefaultXF bool
}

func newSheet(b *Book, position int, name string, number int) *Sheet {
	return &Sheet{
		Name:               name,
		Number:             number,
		Visibility:         b.sheetVisibility[number],
		ColInfoMap:         make(map[int]*ColInfo),
		RowInfoMap:         make(map[int]*RowInfo),
		RichTextRunlistMap: make(map[[2]int][]RichTextRun),
		book:               b,
		biffVersion:        b.BiffVersion,
		position:           position,
		raggedRows:         b.raggedRows,
	}
}

// EmptyCell is what out-of-range cell lookups return.
func EmptyCell() *Cell {
	return &Cell{CType: XL_CELL_EMPTY}
}

// Cell returns the cell at the given row and column.
func (s *Sheet) Cell(rowx, colx int) *Cell {
	if rowx < 0 || rowx >= s.NRows || colx < 0 {
		return EmptyCell()
	}
	if colx >= len(s.cellTypes[rowx]) {
		return EmptyCell()
	}
	return &Cell{
		CType:   int(s.cellTypes[rowx][colx]),
		Value:   s.cellValues[rowx][colx],
		XFIndex: s.cellXFs[rowx][colx],
	}
}

// CellValue returns the value of the cell at the given row and column.
func (s *Sheet) CellValue(rowx, colx int) interface{} {
	return s.Cell(rowx, colx).Value
}

// CellType returns the XL_CELL_* type of the cell at the given row and column.
func (s *Sheet) CellType(rowx, colx int) int {
	return s.Cell(rowx, colx).CType
}

// Row returns all cells of one row.
func (s *Sheet) Row(rowx int) []*Cell {
	if rowx < 0 || rowx >= s.NRows {
		return nil
	}
	out := make([]*Cell, len(s.cellTypes[rowx]))
	for colx := range out {
		out[colx] = s.Cell(rowx, colx)
	}
	return out
}

// RowLen returns the effective number of cells in the given row.
func (s *Sheet) RowLen(rowx int) int {
	if rowx < 0 || rowx >= s.NRows {
		return 0
	}
	return len(s.cellTypes[rowx])
}

func (s *Sheet) putCell(rowx, colx, ctype int, value interface{}, xfIndex int) {
	for rowx >= len(s.cellTypes) {
		s.cellTypes = append(s.cellTypes, nil)
		s.cellValues = append(s.cellValues, nil)
		s.cellXFs = append(s.cellXFs, nil)
	}
	for colx >= len(s.cellTypes[rowx]) {
		s.cellTypes[rowx] = append(s.cellTypes[rowx], XL_CELL_EMPTY)
		s.cellValues[rowx] = append(s.cellValues[rowx], nil)
		s.cellXFs[rowx] = append(s.cellXFs[rowx], 0)
	}
	s.cellTypes[rowx][colx] = byte(ctype)
	s.cellValues[rowx][colx] = value
	s.cellXFs[rowx][colx] = xfIndex
	if rowx+1 > s.NRows {
		s.NRows = rowx + 1
	}
	if colx+1 > s.NCols {
		s.NCols = colx + 1
	}
}

// numberCellType promotes a number to a date when the cell's XF carries
// a date format.
func (s *Sheet) numberCellType(xfIndex int) int {
	if s.book.xfIndexToXLTypeMap[xfIndex] == XL_CELL_DATE {
		return XL_CELL_DATE
	}
	return XL_CELL_NUMBER
}

// unpackRK decodes the packed 4-byte RK number format: either a signed
// 30-bit integer or the top 30 bits of an IEEE 754 double, with an
// optional divide-by-100 flag.
func unpackRK(raw []byte) float64 {
	flags := raw[0]
	if flags&2 != 0 {
		i := int32(binary.LittleEndian.Uint32(raw)) >> 2
		if flags&1 != 0 {
			return float64(i) / 100.0
		}
		return float64(i)
	}
	d := math.Float64frombits(uint64(binary.LittleEndian.Uint32(raw)&0xFFFFFFFC) << 32)
	if flags&1 != 0 {
		return d / 100.0
	}
	return d
}

// biff2CellAttrXF extracts the XF index from a 3-byte BIFF2 cell
// attribute field; 63 means "see the preceding IXFE record".
func (s *Sheet) biff2CellAttrXF(attr byte, ixfe int) int {
	xf := int(attr) & 0x3F
	if xf == 63 {
		return ixfe
	}
	return xf
}

// read decodes the worksheet substream the book cursor is positioned at.
func (s *Sheet) read(bk *Book) error {
	bv := s.biffVersion
	fmtInfo := bk.formattingInfo
	ixfe := 0 // BIFF2 IXFE state
	for {
		rc, length, data := bk.getRecordParts()
		if rc == myEOF {
			return framingErrorf("sheet %q: met end of stream with no EOF record", s.Name)
		}
		switch rc {
		case XL_EOF:
			s.tidyDimensions()
			return nil

		case XL_NUMBER:
			if len(data) < 14 {
				return framingErrorf("sheet %q: NUMBER record too short", s.Name)
			}
			rowx := int(binary.LittleEndian.Uint16(data[0:2]))
			colx := int(binary.LittleEndian.Uint16(data[2:4]))
			xf := int(binary.LittleEndian.Uint16(data[4:6]))
			d := math.Float64frombits(binary.LittleEndian.Uint64(data[6:14]))
			s.putCell(rowx, colx, s.numberCellType(xf), d, xf)

		case XL_RK:
			if len(data) < 10 {
				return framingErrorf("sheet %q: RK record too short", s.Name)
			}
			rowx := int(binary.LittleEndian.Uint16(data[0:2]))
			colx := int(binary.LittleEndian.Uint16(data[2:4]))
			xf := int(binary.LittleEndian.Uint16(data[4:6]))
			s.putCell(rowx, colx, s.numberCellType(xf), unpackRK(data[6:10]), xf)

		case XL_MULRK:
			if len(data) < 6 {
				return framingErrorf("sheet %q: MULRK record too short", s.Name)
			}
			rowx := int(binary.LittleEndian.Uint16(data[0:2]))
			colx := int(binary.LittleEndian.Uint16(data[2:4]))
			pos := 4
			for pos < len(data)-2 {
				if pos+6 > len(data)-2 {
					return framingErrorf("sheet %q: MULRK record malformed", s.Name)
				}
				xf := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
				s.putCell(rowx, colx, s.numberCellType(xf), unpackRK(data[pos+2:pos+6]), xf)
				colx++
				pos += 6
			}

		case XL_LABEL:
			if len(data) < 6 {
				return framingErrorf("sheet %q: LABEL record too short", s.Name)
			}
			rowx := int(binary.LittleEndian.Uint16(data[0:2]))
			colx := int(binary.LittleEndian.Uint16(data[2:4]))
			xf := int(binary.LittleEndian.Uint16(data[4:6]))
			var strg string
			var err error
			if bv < BIFF_FIRST_UNICODE {
				strg, err = unpackString(data, 6, bk.codec, 2)
			} else {
				strg, err = unpackUnicode(data, 6, 2)
			}
			if err != nil {
				return err
			}
			s.putCell(rowx, colx, XL_CELL_TEXT, strg, xf)

		case XL_RSTRING:
			// a LABEL with trailing rich-text runs
			if len(data) < 6 {
				return framingErrorf("sheet %q: RSTRING record too short", s.Name)
			}
			rowx := int(binary.LittleEndian.Uint16(data[0:2]))
			colx := int(binary.LittleEndian.Uint16(data[2:4]))
			xf := int(binary.LittleEndian.Uint16(data[4:6]))
			var strg string
			var pos int
			var err error
			var runs []RichTextRun
			if bv < BIFF_FIRST_UNICODE {
				strg, pos, err = unpackStringUpdatePos(data, 6, bk.codec, 2, -1)
				if err != nil {
					return err
				}
				// runs are (offset, font) byte pairs before BIFF8
				if fmtInfo && pos < len(data) {
					nruns := int(data[pos])
					pos++
					for r := 0; r < nruns && pos+2 <= len(data); r++ {
						runs = append(runs, RichTextRun{CharOffset: int(data[pos]), FontIndex: int(data[pos+1])})
						pos += 2
					}
				}
			} else {
				strg, pos, err = unpackUnicodeUpdatePos(data, 6, 2, -1)
				if err != nil {
					return err
				}
				if fmtInfo && pos+2 <= len(data) {
					nruns := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
					pos += 2
					for r := 0; r < nruns && pos+4 <= len(data); r++ {
						runs = append(runs, RichTextRun{
							CharOffset: int(binary.LittleEndian.Uint16(data[pos : pos+2])),
							FontIndex:  int(binary.LittleEndian.Uint16(data[pos+2 : pos+4])),
						})
						pos += 4
					}
				}
			}
			s.putCell(rowx, colx, XL_CELL_TEXT, strg, xf)
			if len(runs) > 0 {
				s.RichTextRunlistMap[[2]int{rowx, colx}] = runs
			}

		case XL_LABELSST:
			if len(data) < 10 {
				return framingErrorf("sheet %q: LABELSST record too short", s.Name)
			}
			rowx := int(binary.LittleEndian.Uint16(data[0:2]))
			colx := int(binary.LittleEndian.Uint16(data[2:4]))
			xf := int(binary.LittleEndian.Uint16(data[4:6]))
			sstindex := geti32(data, 6)
			if sstindex < 0 || sstindex >= len(bk.sharedStrings) {
				return corruptionErrorf("sheet %q: LABELSST index %d out of range (%d strings)",
					s.Name, sstindex, len(bk.sharedStrings))
			}
			s.putCell(rowx, colx, XL_CELL_TEXT, bk.sharedStrings[sstindex], xf)
			if fmtInfo {
				if runs, ok := bk.richTextRunlistMap[sstindex]; ok {
					s.RichTextRunlistMap[[2]int{rowx, colx}] = runs
				}
			}

		case XL_BOOLERR:
			if len(data) < 8 {
				return framingErrorf("sheet %q: BOOLERR record too short", s.Name)
			}
			rowx := int(binary.LittleEndian.Uint16(data[0:2]))
			colx := int(binary.LittleEndian.Uint16(data[2:4]))
			xf := int(binary.LittleEndian.Uint16(data[4:6]))
			s.putBoolErr(rowx, colx, xf, data[6], data[7])

		case XL_FORMULA, XL_FORMULA3, XL_FORMULA4:
			var rowx, colx, xf int
			var result []byte
			if bv >= 30 {
				if len(data) < 14 {
					return framingErrorf("sheet %q: FORMULA record too short", s.Name)
				}
				rowx = int(binary.LittleEndian.Uint16(data[0:2]))
				colx = int(binary.LittleEndian.Uint16(data[2:4]))
				xf = int(binary.LittleEndian.Uint16(data[4:6]))
				result = data[6:14]
			} else {
				// BIFF2 cell attribute layout
				if len(data) < 15 {
					return framingErrorf("sheet %q: FORMULA record too short", s.Name)
				}
				rowx = int(binary.LittleEndian.Uint16(data[0:2]))
				colx = int(binary.LittleEndian.Uint16(data[2:4]))
				xf = s.biff2CellAttrXF(data[4], ixfe)
				result = data[7:15]
			}
			if err := s.putFormulaResult(bk, rowx, colx, xf, result); err != nil {
				return err
			}

		case XL_BLANK:
			if fmtInfo {
				if len(data) < 6 {
					return framingErrorf("sheet %q: BLANK record too short", s.Name)
				}
				rowx := int(binary.LittleEndian.Uint16(data[0:2]))
				colx := int(binary.LittleEndian.Uint16(data[2:4]))
				xf := int(binary.LittleEndian.Uint16(data[4:6]))
				s.putCell(rowx, colx, XL_CELL_BLANK, nil, xf)
			}

		case XL_MULBLANK:
			if fmtInfo {
				if len(data) < 6 {
					return framingErrorf("sheet %q: MULBLANK record too short", s.Name)
				}
				rowx := int(binary.LittleEndian.Uint16(data[0:2]))
				colx := int(binary.LittleEndian.Uint16(data[2:4]))
				pos := 4
				for pos < len(data)-2 {
					xf := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
					s.putCell(rowx, colx, XL_CELL_BLANK, nil, xf)
					colx++
					pos += 2
				}
			}

		case XL_MERGEDCELLS:
			if len(data) < 2 {
				return framingErrorf("sheet %q: MERGEDCELLS record too short", s.Name)
			}
			count := int(binary.LittleEndian.Uint16(data[0:2]))
			pos := 2
			for k := 0; k < count; k++ {
				if pos+8 > len(data) {
					return framingErrorf("sheet %q: MERGEDCELLS record truncated", s.Name)
				}
				rlo := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
				rhi := int(binary.LittleEndian.Uint16(data[pos+2 : pos+4]))
				clo := int(binary.LittleEndian.Uint16(data[pos+4 : pos+6]))
				chi := int(binary.LittleEndian.Uint16(data[pos+6 : pos+8]))
				s.MergedCells = append(s.MergedCells, [4]int{rlo, rhi + 1, clo, chi + 1})
				pos += 8
			}

		case XL_ROW:
			if fmtInfo && bv >= 30 {
				if len(data) < 16 {
					break
				}
				rowx := int(binary.LittleEndian.Uint16(data[0:2]))
				height := int(binary.LittleEndian.Uint16(data[6:8]))
				flags := int(binary.LittleEndian.Uint32(data[12:16]))
				ri := &RowInfo{
					Height:       height & 0x7FFF,
					Hidden:       flags&0x20 != 0,
					HasDefaultXF: flags&0x80 != 0,
				}
				if ri.HasDefaultXF {
					ri.XFIndex = (flags >> 16) & 0xFFF
				}
				s.RowInfoMap[rowx] = ri
			}

		case XL_COLINFO:
			if fmtInfo {
				if len(data) < 10 {
					break
				}
				first := int(binary.LittleEndian.Uint16(data[0:2]))
				last := int(binary.LittleEndian.Uint16(data[2:4]))
				width := int(binary.LittleEndian.Uint16(data[4:6]))
				xf := int(binary.LittleEndian.Uint16(data[6:8]))
				flags := int(binary.LittleEndian.Uint16(data[8:10]))
				// Excel writes 255 for "to end of sheet"; 256 columns is
				// the BIFF8 maximum anyway.
				for colx := first; colx <= last && colx <= 0xFF; colx++ {
					s.ColInfoMap[colx] = &ColInfo{
						Width:   width,
						XFIndex: xf,
						Hidden:  flags&1 != 0,
					}
				}
			}

		case XL_DIMENSION, XL_DIMENSION2:
			// The DIMENSION record is a hint, not a commitment; actual
			// cell records define the used range.
			if length >= 8 {
				bk.logger.Debug("DIMENSION", zap.String("sheet", s.Name), zap.Int("bytes", length))
			}

		case XL_INTEGER: // BIFF2 only
			if len(data) < 9 {
				return framingErrorf("sheet %q: INTEGER record too short", s.Name)
			}
			rowx := int(binary.LittleEndian.Uint16(data[0:2]))
			colx := int(binary.LittleEndian.Uint16(data[2:4]))
			xf := s.biff2CellAttrXF(data[4], ixfe)
			value := float64(binary.LittleEndian.Uint16(data[7:9]))
			s.putCell(rowx, colx, s.numberCellType(xf), value, xf)

		case XL_NUMBER_B2:
			if len(data) < 15 {
				return framingErrorf("sheet %q: NUMBER record too short", s.Name)
			}
			rowx := int(binary.LittleEndian.Uint16(data[0:2]))
			colx := int(binary.LittleEndian.Uint16(data[2:4]))
			xf := s.biff2CellAttrXF(data[4], ixfe)
			d := math.Float64frombits(binary.LittleEndian.Uint64(data[7:15]))
			s.putCell(rowx, colx, s.numberCellType(xf), d, xf)

		case XL_LABEL_B2:
			if len(data) < 8 {
				return framingErrorf("sheet %q: LABEL record too short", s.Name)
			}
			rowx := int(binary.LittleEndian.Uint16(data[0:2]))
			colx := int(binary.LittleEndian.Uint16(data[2:4]))
			xf := s.biff2CellAttrXF(data[4], ixfe)
			strg, err := unpackString(data, 7, bk.codec, 1)
			if err != nil {
				return err
			}
			s.putCell(rowx, colx, XL_CELL_TEXT, strg, xf)

		case XL_BOOLERR_B2:
			if len(data) < 9 {
				return framingErrorf("sheet %q: BOOLERR record too short", s.Name)
			}
			rowx := int(binary.LittleEndian.Uint16(data[0:2]))
			colx := int(binary.LittleEndian.Uint16(data[2:4]))
			xf := s.biff2CellAttrXF(data[4], ixfe)
			s.putBoolErr(rowx, colx, xf, data[7], data[8])

		case XL_IXFE: // BIFF2 only
			if len(data) >= 2 {
				ixfe = int(binary.LittleEndian.Uint16(data[0:2]))
			}

		case XL_BLANK_B2:
			if fmtInfo && len(data) >= 7 {
				rowx := int(binary.LittleEndian.Uint16(data[0:2]))
				colx := int(binary.LittleEndian.Uint16(data[2:4]))
				xf := s.biff2CellAttrXF(data[4], ixfe)
				s.putCell(rowx, colx, XL_CELL_BLANK, nil, xf)
			}

		case XL_EFONT:
			// BIFF2 colour extension of the preceding FONT; unused here.

		case XL_WINDOW2, XL_WINDOW2_B2:
			bk.logger.Debug("WINDOW2", zap.String("sheet", s.Name))

		case XL_COUNTRY:
			// BIFF7 and earlier repeat the COUNTRY record per worksheet
			bk.handleCountry(data)

		case XL_FORMAT, XL_FORMAT2:
			// BIFF <= 4 carries format records in the sheet substream
			if bv < 50 {
				if err := bk.handleFormatRecord(data, rc); err != nil {
					return err
				}
			}

		case XL_FONT, XL_FONT_B3B4:
			if bv < 50 {
				if err := bk.handleFont(data); err != nil {
					return err
				}
			}

		case XL_XF, XL_XF2, XL_XF3, XL_XF4:
			if bv < 50 {
				if err := bk.handleXF(data); err != nil {
					return err
				}
			}

		case XL_BUILTINFMTCOUNT:
			if bv < 50 {
				if err := bk.handleBuiltinFmtCount(data); err != nil {
					return err
				}
			}

		default:
			if bofcodes[rc] {
				// An embedded substream (chart etc); eat it through the
				// matching EOF.
				if err := s.skipSubstream(bk); err != nil {
					return err
				}
			}
		}
	}
}

// putBoolErr stores the payload of a BOOLERR record: a boolean or an
// error code, per the isErr discriminator.
func (s *Sheet) putBoolErr(rowx, colx, xf int, value, isErr byte) {
	if isErr != 0 {
		s.putCell(rowx, colx, XL_CELL_ERROR, int(value), xf)
	} else {
		s.putCell(rowx, colx, XL_CELL_BOOLEAN, value != 0, xf)
	}
}

// putFormulaResult decodes the 8-byte cached result of a FORMULA record.
// String results arrive in a following STRING record.
func (s *Sheet) putFormulaResult(bk *Book, rowx, colx, xf int, result []byte) error {
	if result[6] == 0xFF && result[7] == 0xFF {
		switch result[0] {
		case 0: // string result, in a following STRING record
			strCode := XL_STRING
			if s.biffVersion < 30 {
				strCode = XL_STRING_B2
			}
			// SHRFMLA and ARRAY records may intervene
			for _, skip := range []int{XL_SHRFMLA, XL_ARRAY, XL_ARRAY2} {
				for {
					rc2, _, _ := bk.getRecordPartsConditional(skip)
					if rc2 == myEOF {
						break
					}
				}
			}
			rc2, _, data2 := bk.getRecordPartsConditional(strCode)
			if rc2 == myEOF {
				return framingErrorf("sheet %q: expected STRING record after formula at (%d,%d)",
					s.Name, rowx, colx)
			}
			var strg string
			var err error
			if s.biffVersion < BIFF_FIRST_UNICODE {
				lenlen := 2
				if s.biffVersion < 30 {
					lenlen = 1
				}
				strg, err = unpackString(data2, 0, bk.codec, lenlen)
			} else {
				strg, err = unpackUnicode(data2, 0, 2)
			}
			if err != nil {
				return err
			}
			s.putCell(rowx, colx, XL_CELL_TEXT, strg, xf)
		case 1: // boolean
			s.putCell(rowx, colx, XL_CELL_BOOLEAN, result[2] != 0, xf)
		case 2: // error
			s.putCell(rowx, colx, XL_CELL_ERROR, int(result[2]), xf)
		case 3: // empty string
			s.putCell(rowx, colx, XL_CELL_TEXT, "", xf)
		default:
			return corruptionErrorf("sheet %q: unknown formula result tag %d at (%d,%d)",
				s.Name, result[0], rowx, colx)
		}
		return nil
	}
	d := math.Float64frombits(binary.LittleEndian.Uint64(result))
	s.putCell(rowx, colx, s.numberCellType(xf), d, xf)
	return nil
}

// skipSubstream eats an embedded (BOF ... EOF) substream, nesting included.
func (s *Sheet) skipSubstream(bk *Book) error {
	depth := 1
	for depth > 0 {
		rc, _, _ := bk.getRecordParts()
		switch {
		case rc == myEOF:
			return framingErrorf("sheet %q: unterminated embedded substream", s.Name)
		case bofcodes[rc]:
			depth++
		case rc == XL_EOF:
			depth--
		}
	}
	return nil
}

// tidyDimensions pads short rows out to NCols unless ragged rows were
// requested.
func (s *Sheet) tidyDimensions() {
	if s.raggedRows {
		return
	}
	for rowx := 0; rowx < s.NRows; rowx++ {
		for len(s.cellTypes[rowx]) < s.NCols {
			s.cellTypes[rowx] = append(s.cellTypes[rowx], XL_CELL_EMPTY)
			s.cellValues[rowx] = append(s.cellValues[rowx], nil)
			s.cellXFs[rowx] = append(s.cellXFs[rowx], 0)
		}
	}
}
