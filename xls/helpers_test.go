package xls

import (
	"encoding/binary"
	"math"
	"testing"
	"unicode/utf16"
)

// Little-endian byte builders for synthetic records and containers.

func u16(v int) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(v))
	return b
}

func u32(v int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	return b
}

func f64le(v float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}

func cat(chunks ...[]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// rec frames a BIFF record: code, length, payload.
func rec(code int, chunks ...[]byte) []byte {
	data := cat(chunks...)
	return cat(u16(code), u16(len(data)), data)
}

// uniShort is a BIFF8 unicode string with a 1-byte length and compressed
// (Latin-1) payload, as in BOUNDSHEET and FONT records.
func uniShort(s string) []byte {
	return cat([]byte{byte(len(s)), 0}, []byte(s))
}

// uniLong is the 2-byte-length flavour, as in SST, FORMAT and STRING records.
func uniLong(s string) []byte {
	return cat(u16(len(s)), []byte{0}, []byte(s))
}

func bof8(streamtype int) []byte {
	return rec(XL_BOF, u16(0x0600), u16(streamtype), u16(3515), u16(1996), u32(0), u32(0))
}

type testSheet struct {
	name string
	body []byte
}

func sheetBody(records ...[]byte) []byte {
	out := bof8(XL_WORKSHEET)
	for _, r := range records {
		out = append(out, r...)
	}
	return append(out, rec(XL_EOF)...)
}

// globalsStream assembles a BIFF8 workbook stream: globals (BOF, CODEPAGE,
// DATEMODE, any extra records, one BOUNDSHEET per sheet, EOF) followed by
// the sheet substreams. BOUNDSHEET offsets are stream-relative.
func globalsStream(sheets []testSheet, extra ...[]byte) []byte {
	head := bof8(XL_WORKBOOK_GLOBALS)
	head = append(head, rec(XL_CODEPAGE, u16(1200))...)
	head = append(head, rec(XL_DATEMODE, u16(0))...)
	for _, x := range extra {
		head = append(head, x...)
	}
	bsSize := 0
	for _, sh := range sheets {
		bsSize += 12 + len(sh.name)
	}
	pos := len(head) + bsSize + 4 // past the globals EOF
	out := head
	for _, sh := range sheets {
		out = append(out, rec(XL_BOUNDSHEET, u32(pos), []byte{0, 0}, uniShort(sh.name))...)
		pos += len(sh.body)
	}
	out = append(out, rec(XL_EOF)...)
	for _, sh := range sheets {
		out = append(out, sh.body...)
	}
	return out
}

// sstRecord builds an SST record holding the given compressed strings.
func sstRecord(strs ...string) []byte {
	chunks := [][]byte{u32(len(strs)), u32(len(strs))}
	for _, s := range strs {
		chunks = append(chunks, uniLong(s))
	}
	return rec(XL_SST, chunks...)
}

// rkFromInt packs a signed integer into RK form.
func rkFromInt(v int) []byte {
	return u32(v<<2 | 2)
}

// rkFromFloat packs the top 30 bits of a double into RK form; only exact
// for values whose low 34 mantissa bits are zero.
func rkFromFloat(v float64) []byte {
	return u32(int(int32(uint32(math.Float64bits(v)>>32) &^ 3)))
}

// === OLE2 compound document builder ===

func dirent(name string, etype, left, right, root, firstSID, totSize int) []byte {
	d := make([]byte, 128)
	units := utf16.Encode([]rune(name))
	for i, u := range units {
		binary.LittleEndian.PutUint16(d[2*i:2*i+2], u)
	}
	binary.LittleEndian.PutUint16(d[64:66], uint16((len(units)+1)*2))
	d[66] = byte(etype)
	copy(d[68:72], u32(left))
	copy(d[72:76], u32(right))
	copy(d[76:80], u32(root))
	copy(d[116:120], u32(firstSID))
	copy(d[120:124], u32(totSize))
	return d
}

type oleLayout struct {
	fragmented  bool // store the stream chain out of physical order
	msatExt     bool // route the MSAT through an extension sector
	shortStream bool // store the stream in the short-sector container
	streamName  string
}

// buildContainer wraps a workbook stream in a minimal OLE2 compound
// document: one SAT sector, one directory sector, and the stream either in
// standard sectors or (shortStream) in the short-sector container.
func buildContainer(t *testing.T, wb []byte, layout oleLayout) []byte {
	t.Helper()
	name := layout.streamName
	if name == "" {
		name = "Workbook"
	}
	const secSize = 512
	satEntries := make([]int, secSize/4)
	for i := range satEntries {
		satEntries[i] = freeSID
	}
	satEntries[0] = satSID
	satEntries[1] = eocSID // directory
	sectors := make(map[int][]byte)

	pad := func(b []byte) []byte {
		out := make([]byte, secSize)
		copy(out, b)
		return out
	}
	minSize := 0
	ssatFirst, ssatTot := eocSID, 0
	msatxFirst, msatxTot := eocSID, 0
	var rootEnt, streamEnt []byte
	nextSID := 2

	if layout.msatExt {
		ext := make([]byte, secSize)
		for off := 0; off < secSize-4; off += 4 {
			copy(ext[off:off+4], u32(freeSID))
		}
		copy(ext[secSize-4:], u32(eocSID))
		sectors[nextSID] = ext
		msatxFirst, msatxTot = nextSID, 1
		nextSID++
	}

	if layout.shortStream {
		minSize = 4096
		if len(wb) >= minSize {
			t.Fatalf("short-stream layout needs a stream under %d bytes, got %d", minSize, len(wb))
		}
		nShort := (len(wb) + 63) / 64
		padded := make([]byte, nShort*64)
		copy(padded, wb)

		ssat := make([]byte, secSize)
		for i := 0; i < secSize/4; i++ {
			v := freeSID
			if i < nShort-1 {
				v = i + 1
			} else if i == nShort-1 {
				v = eocSID
			}
			copy(ssat[4*i:4*i+4], u32(v))
		}
		sectors[nextSID] = ssat
		ssatFirst, ssatTot = nextSID, 1
		satEntries[nextSID] = eocSID
		nextSID++

		sscsFirst := nextSID
		for off := 0; off < len(padded); off += secSize {
			end := off + secSize
			if end > len(padded) {
				end = len(padded)
			}
			sectors[nextSID] = pad(padded[off:end])
			if off+secSize < len(padded) {
				satEntries[nextSID] = nextSID + 1
			} else {
				satEntries[nextSID] = eocSID
			}
			nextSID++
		}
		rootEnt = dirent("Root Entry", 5, -1, -1, 1, sscsFirst, len(padded))
		streamEnt = dirent(name, 2, -1, -1, -1, 0, len(wb))
	} else {
		n := (len(wb) + secSize - 1) / secSize
		ids := make([]int, n)
		for i := range ids {
			ids[i] = nextSID + i
		}
		if layout.fragmented {
			if n < 3 {
				t.Fatalf("fragmented layout needs a stream of at least 3 sectors, got %d", n)
			}
			ids[1], ids[2] = ids[2], ids[1]
		}
		for i := 0; i < n; i++ {
			end := (i + 1) * secSize
			if end > len(wb) {
				end = len(wb)
			}
			sectors[ids[i]] = pad(wb[i*secSize : end])
			if i < n-1 {
				satEntries[ids[i]] = ids[i+1]
			} else {
				satEntries[ids[i]] = eocSID
			}
		}
		nextSID += n
		rootEnt = dirent("Root Entry", 5, -1, -1, 1, eocSID, 0)
		streamEnt = dirent(name, 2, -1, -1, -1, ids[0], len(wb))
	}

	sat := make([]byte, secSize)
	for i, v := range satEntries {
		copy(sat[4*i:4*i+4], u32(v))
	}
	sectors[0] = sat
	sectors[1] = pad(cat(rootEnt, streamEnt))

	header := make([]byte, secSize)
	copy(header, oleSignature)
	header[28], header[29] = 0xFE, 0xFF
	copy(header[30:32], u16(9)) // sector size 512
	copy(header[32:34], u16(6)) // short sector size 64
	copy(header[44:48], u32(1)) // 1 SAT sector
	copy(header[48:52], u32(1)) // directory starts at sector 1
	copy(header[56:60], u32(minSize))
	copy(header[60:64], u32(ssatFirst))
	copy(header[64:68], u32(ssatTot))
	copy(header[68:72], u32(msatxFirst))
	copy(header[72:76], u32(msatxTot))
	copy(header[76:80], u32(0)) // MSAT[0]: the SAT sector
	for off := 80; off < secSize; off += 4 {
		copy(header[off:off+4], u32(freeSID))
	}

	out := header
	for sid := 0; sid < nextSID; sid++ {
		sec, ok := sectors[sid]
		if !ok {
			sec = make([]byte, secSize)
		}
		out = append(out, sec...)
	}
	return out
}

// openTestBook builds a container around the given workbook stream and
// opens it from memory.
func openTestBook(t *testing.T, wb []byte, options *OpenWorkbookOptions) *Book {
	t.Helper()
	if options == nil {
		options = &OpenWorkbookOptions{}
	}
	options.FileContents = buildContainer(t, wb, oleLayout{})
	book, err := OpenWorkbook("", options)
	if err != nil {
		t.Fatalf("OpenWorkbook: %v", err)
	}
	return book
}
