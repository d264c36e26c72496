package xls

import (
	"encoding/binary"
	"unicode/utf16"
)

// RichTextRun marks the character offset at which a font takes over
// within a shared string.
type RichTextRun struct {
	CharOffset int
	FontIndex  int
}

// unpackSSTTable decodes the shared string table from an SST record and
// its CONTINUE fragments. Fragments are NOT concatenated first: a string
// may break off anywhere, and each fragment that resumes one re-declares
// its own option byte, so the encoding can switch between compressed and
// UTF-16 mid-string. Rich-text run arrays and phonetic blocks span
// fragment boundaries too, without the option byte.
func unpackSSTTable(fragments [][]byte, nStrings int) ([]string, map[int][]RichTextRun, error) {
	if len(fragments) == 0 {
		return nil, nil, framingErrorf("SST record has no data")
	}
	strList := make([]string, 0, nStrings)
	richTextRuns := make(map[int][]RichTextRun)

	fragx := 0
	data := fragments[0]
	pos := 8 // skip total and unique counts
	for i := 0; i < nStrings; i++ {
		if pos+3 > len(data) {
			return nil, nil, framingErrorf("SST string %d: header runs past end of fragment (pos=%d len=%d)", i, pos, len(data))
		}
		nchars := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
		pos += 2
		options := data[pos]
		pos++
		rtCount := 0
		phoSize := 0
		if options&0x08 != 0 {
			if pos+2 > len(data) {
				return nil, nil, framingErrorf("SST string %d: rich-text count runs past end of fragment", i)
			}
			rtCount = int(binary.LittleEndian.Uint16(data[pos : pos+2]))
			pos += 2
		}
		if options&0x04 != 0 {
			if pos+4 > len(data) {
				return nil, nil, framingErrorf("SST string %d: phonetic size runs past end of fragment", i)
			}
			phoSize = int(int32(binary.LittleEndian.Uint32(data[pos : pos+4])))
			pos += 4
		}

		// Accumulate UTF-16 code units so a surrogate pair split across a
		// fragment boundary still decodes as one rune.
		units := make([]uint16, 0, nchars)
		for len(units) < nchars {
			need := nchars - len(units)
			if options&0x01 != 0 {
				avail := (len(data) - pos) / 2
				if avail > need {
					avail = need
				}
				for k := 0; k < avail; k++ {
					units = append(units, binary.LittleEndian.Uint16(data[pos:pos+2]))
					pos += 2
				}
			} else {
				// compressed: each byte is the low half of a code unit
				avail := len(data) - pos
				if avail > need {
					avail = need
				}
				for _, b := range data[pos : pos+avail] {
					units = append(units, uint16(b))
				}
				pos += avail
			}
			if len(units) == nchars {
				break
			}
			fragx++
			if fragx >= len(fragments) {
				return nil, nil, framingErrorf("SST string %d: expected a CONTINUE record (have %d of %d chars)", i, len(units), nchars)
			}
			data = fragments[fragx]
			if len(data) == 0 {
				return nil, nil, framingErrorf("SST string %d: empty CONTINUE record", i)
			}
			options = data[0]
			pos = 1
		}

		if rtCount > 0 {
			runs := make([]RichTextRun, 0, rtCount)
			for r := 0; r < rtCount; r++ {
				if pos == len(data) {
					fragx++
					if fragx >= len(fragments) {
						return nil, nil, framingErrorf("SST string %d: rich-text runs expected a CONTINUE record", i)
					}
					data = fragments[fragx]
					pos = 0
				}
				if pos+4 > len(data) {
					return nil, nil, framingErrorf("SST string %d: rich-text run %d runs past end of fragment", i, r)
				}
				runs = append(runs, RichTextRun{
					CharOffset: int(binary.LittleEndian.Uint16(data[pos : pos+2])),
					FontIndex:  int(binary.LittleEndian.Uint16(data[pos+2 : pos+4])),
				})
				pos += 4
			}
			richTextRuns[len(strList)] = runs
		}
		pos += phoSize
		if pos >= len(data) {
			// phonetic data may run into the next fragment
			pos -= len(data)
			fragx++
			if fragx < len(fragments) {
				data = fragments[fragx]
			} else if i != nStrings-1 {
				return nil, nil, framingErrorf("SST: ran out of data after string %d of %d", i+1, nStrings)
			}
		}
		strList = append(strList, string(utf16.Decode(units)))
	}
	return strList, richTextRuns, nil
}
