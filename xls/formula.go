package xls

import (
	"encoding/binary"
	"math"

	"go.uber.org/zap"
)

// Operand kinds.
const (
	oBOOL = 3
	oERR  = 4
	oNUM  = 2
	oREF  = -1
	oREL  = -2
	oSTRG = 1
	oUNK  = 0
)

// Operand is the result of evaluating a defined name's formula.
type Operand struct {
	// Kind is one of the o* constants.
	Kind int

	// Value depends on Kind: []Ref3D for oREF, string for oSTRG,
	// float64 for oNUM, bool for oBOOL, an error code for oERR.
	Value interface{}
}

// Ref3D is an absolute reference to a 3-dimensional cell range. The hi
// bounds are exclusive, so a single cell on one sheet has
// Shtxhi == Shtxlo+1, Rowxhi == Rowxlo+1 and Colxhi == Colxlo+1.
type Ref3D struct {
	Shtxlo, Shtxhi int
	Rowxlo, Rowxhi int
	Colxlo, Colxhi int
}

// Name holds one NAME record: a named reference, formula or macro.
// Name information is not extracted from files older than Excel 5.0
// (Book.BiffVersion < 50).
type Name struct {
	// NameIndex is this object's index in Book.NameObjList.
	NameIndex int

	// Name is the defined name; for builtins, decoded to the usual
	// spelling (Print_Area etc).
	Name string

	// Hidden: 0 = visible, 1 = hidden.
	Hidden int

	// Func: 0 = command macro, 1 = function macro. Relevant only if Macro == 1.
	Func int

	// VBasic: 0 = sheet macro, 1 = VisualBasic macro. Relevant only if Macro == 1.
	VBasic int

	// Macro: 0 = standard name, 1 = macro name.
	Macro int

	// Complex: 0 = simple formula, 1 = complex (array or user-defined).
	Complex int

	// Builtin: 0 = user-defined name, 1 = built-in name.
	Builtin int

	// FuncGroup is the function group; relevant only if Macro == 1.
	FuncGroup int

	// Binary: 0 = formula definition, 1 = binary data.
	Binary int

	// Scope: -1 global, -2 a macro/VBA sheet, -3 invalid, otherwise the
	// index of the sheet the name is local to.
	Scope int

	// Result of evaluating the formula. Nil when there is no formula, or
	// when evaluation met something this reader does not interpret.
	Result *Operand

	// RawFormula is the undecoded formula bytes.
	RawFormula []byte

	book            *Book
	basicFormulaLen int
	extnSheetNum    int
	excelSheetIndex int
	evaluated       bool
}

// Cell resolves a name that refers to a single cell.
func (n *Name) Cell() (*Cell, error) {
	if res := n.Result; res != nil && res.Kind == oREF {
		if refs, ok := res.Value.([]Ref3D); ok && len(refs) == 1 {
			r := refs[0]
			if r.Shtxlo >= 0 && r.Shtxlo == r.Shtxhi-1 &&
				r.Rowxlo == r.Rowxhi-1 && r.Colxlo == r.Colxhi-1 {
				sh, err := n.book.SheetByIndex(r.Shtxlo)
				if err != nil {
					return nil, err
				}
				return sh.Cell(r.Rowxlo, r.Colxlo), nil
			}
		}
	}
	return nil, formatErrorf("name %q is not a constant absolute reference to a single cell", n.Name)
}

// Area2D resolves a name that refers to one rectangular area in one
// worksheet. With clipped true the rectangle is clipped to the sheet's
// used range, so the row and column spans may be empty but never invalid.
func (n *Name) Area2D(clipped bool) (sheet *Sheet, rowxlo, rowxhi, colxlo, colxhi int, err error) {
	if res := n.Result; res != nil && res.Kind == oREF {
		if refs, ok := res.Value.([]Ref3D); ok && len(refs) == 1 {
			r := refs[0]
			if r.Shtxlo >= 0 && r.Shtxlo == r.Shtxhi-1 { // only 1 usable sheet
				sh, err := n.book.SheetByIndex(r.Shtxlo)
				if err != nil {
					return nil, 0, 0, 0, 0, err
				}
				if !clipped {
					return sh, r.Rowxlo, r.Rowxhi, r.Colxlo, r.Colxhi, nil
				}
				rowxlo = min2(r.Rowxlo, sh.NRows)
				rowxhi = max2(rowxlo, min2(r.Rowxhi, sh.NRows))
				colxlo = min2(r.Colxlo, sh.NCols)
				colxhi = max2(colxlo, min2(r.Colxhi, sh.NCols))
				return sh, rowxlo, rowxhi, colxlo, colxhi, nil
			}
		}
	}
	return nil, 0, 0, 0, 0, formatErrorf("name %q is not a constant absolute reference to a single area in a single sheet", n.Name)
}

// getExternsheetLocalRange maps an EXTERNSHEET reference index to a
// half-open range of local sheet indexes. Negative pairs flag special
// cases: (-1,-1) relative to the active sheet, (-4,-4) external
// workbook, (-5,-5) add-in, (-101,-101) out of range, (-102,-102) a
// deleted sheet.
func getExternsheetLocalRange(b *Book, refx int) (int, int) {
	if refx < 0 || refx >= len(b.externsheetInfo) {
		return -101, -101
	}
	info := b.externsheetInfo[refx]
	recordx, firstSheetx, lastSheetx := info[0], info[1], info[2]
	if recordx == b.supbookLocalsInx {
		if firstSheetx == 0xFFFE && lastSheetx == 0xFFFE {
			return -1, -1
		}
		if firstSheetx == 0xFFFF && lastSheetx == 0xFFFF {
			return -102, -102
		}
		sheetx1, sheetx2 := -101, -101
		if firstSheetx < len(b.allSheetsMap) {
			sheetx1 = b.allSheetsMap[firstSheetx]
		}
		if lastSheetx < len(b.allSheetsMap) {
			sheetx2 = b.allSheetsMap[lastSheetx]
		}
		return sheetx1, sheetx2
	}
	if recordx == b.supbookAddinsInx {
		return -5, -5
	}
	return -4, -4
}

// BIFF8 parsed-token (ptg) codes handled by the name evaluator. The
// 0x20/0x40 class bits do not change the payload layout.
const (
	tStr    = 0x17
	tErr    = 0x1C
	tBool   = 0x1D
	tInt    = 0x1E
	tNum    = 0x1F
	tRef3d  = 0x3A
	tArea3d = 0x3B
)

// evaluateNameFormula decodes the small class of name formulas this
// reader interprets: a single constant or a single 3-D reference, in
// BIFF8 token format. Anything else leaves Result nil, which is how
// callers detect "no usable result".
func evaluateNameFormula(b *Book, nobj *Name) {
	nobj.evaluated = true
	if b.BiffVersion < 80 {
		// pre-BIFF8 ptg layouts are not decoded
		return
	}
	data := nobj.RawFormula
	fmlalen := nobj.basicFormulaLen
	if fmlalen > len(data) {
		b.logger.Debug("NAME formula length exceeds record",
			zap.String("name", nobj.Name), zap.Int("fmlaLen", fmlalen), zap.Int("have", len(data)))
		return
	}
	data = data[:fmlalen]
	if len(data) == 0 {
		return
	}
	ptg := int(data[0]) & 0x1F // strip the 0x20/0x40 class bits
	switch ptg {
	case tRef3d:
		if len(data) < 7 {
			return
		}
		refx := int(binary.LittleEndian.Uint16(data[1:3]))
		rowx := int(binary.LittleEndian.Uint16(data[3:5]))
		colx := int(binary.LittleEndian.Uint16(data[5:7])) & 0x3FFF
		sh1, sh2 := getExternsheetLocalRange(b, refx)
		nobj.Result = &Operand{Kind: oREF, Value: []Ref3D{{
			Shtxlo: sh1, Shtxhi: sh2 + 1,
			Rowxlo: rowx, Rowxhi: rowx + 1,
			Colxlo: colx, Colxhi: colx + 1,
		}}}
	case tArea3d:
		if len(data) < 11 {
			return
		}
		refx := int(binary.LittleEndian.Uint16(data[1:3]))
		rowxlo := int(binary.LittleEndian.Uint16(data[3:5]))
		rowxhi := int(binary.LittleEndian.Uint16(data[5:7]))
		colxlo := int(binary.LittleEndian.Uint16(data[7:9])) & 0x3FFF
		colxhi := int(binary.LittleEndian.Uint16(data[9:11])) & 0x3FFF
		sh1, sh2 := getExternsheetLocalRange(b, refx)
		nobj.Result = &Operand{Kind: oREF, Value: []Ref3D{{
			Shtxlo: sh1, Shtxhi: sh2 + 1,
			Rowxlo: rowxlo, Rowxhi: rowxhi + 1,
			Colxlo: colxlo, Colxhi: colxhi + 1,
		}}}
	case tStr:
		s, _, err := unpackUnicodeUpdatePos(data, 1, 1, -1)
		if err != nil {
			return
		}
		nobj.Result = &Operand{Kind: oSTRG, Value: s}
	case tInt:
		if len(data) < 3 {
			return
		}
		nobj.Result = &Operand{Kind: oNUM, Value: float64(binary.LittleEndian.Uint16(data[1:3]))}
	case tNum:
		if len(data) < 9 {
			return
		}
		nobj.Result = &Operand{Kind: oNUM, Value: math.Float64frombits(binary.LittleEndian.Uint64(data[1:9]))}
	case tBool:
		if len(data) < 2 {
			return
		}
		nobj.Result = &Operand{Kind: oBOOL, Value: data[1] != 0}
	case tErr:
		if len(data) < 2 {
			return
		}
		nobj.Result = &Operand{Kind: oERR, Value: int(data[1])}
	default:
		b.logger.Debug("NAME formula token not interpreted",
			zap.String("name", nobj.Name), zap.Int("ptg", ptg))
	}
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max2(a, b int) int {
	if a > b {
		return a
	}
	return b
}
