package xls

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patternBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i * 7)
	}
	return out
}

func TestCompDocContiguousStream(t *testing.T) {
	wb := patternBytes(1500)
	mem := buildContainer(t, wb, oleLayout{})
	cd, err := NewCompDoc("", mem, nil, false)
	require.NoError(t, err)

	got, err := cd.GetNamedStream("Workbook")
	require.NoError(t, err)
	assert.Equal(t, wb, got)
}

func TestCompDocLocateContiguous(t *testing.T) {
	wb := patternBytes(1500)
	mem := buildContainer(t, wb, oleLayout{})
	cd, err := NewCompDoc("", mem, nil, false)
	require.NoError(t, err)

	src, base, size, err := cd.LocateNamedStream("Workbook")
	require.NoError(t, err)
	assert.Equal(t, len(wb), size)
	// a contiguous stream is served as a window into the container bytes
	assert.True(t, base > 0)
	assert.Equal(t, wb, src.Slice(base, base+size))
}

func TestCompDocFragmentedStream(t *testing.T) {
	wb := patternBytes(1500) // 3 sectors, middle two swapped
	mem := buildContainer(t, wb, oleLayout{fragmented: true})
	cd, err := NewCompDoc("", mem, nil, false)
	require.NoError(t, err)

	src, base, size, err := cd.LocateNamedStream("Workbook")
	require.NoError(t, err)
	assert.Equal(t, 0, base)
	assert.Equal(t, len(wb), size)
	assert.Equal(t, wb, src.Slice(0, size))
}

func TestCompDocShortStream(t *testing.T) {
	wb := patternBytes(200) // below minSizeStdStream: lives in the SSCS
	mem := buildContainer(t, wb, oleLayout{shortStream: true})
	cd, err := NewCompDoc("", mem, nil, false)
	require.NoError(t, err)

	got, err := cd.GetNamedStream("Workbook")
	require.NoError(t, err)
	assert.Equal(t, wb, got)

	src, base, size, err := cd.LocateNamedStream("Workbook")
	require.NoError(t, err)
	assert.Equal(t, 0, base)
	assert.Equal(t, wb, src.Slice(0, size))
}

func TestCompDocMSATExtension(t *testing.T) {
	wb := patternBytes(1500)
	mem := buildContainer(t, wb, oleLayout{msatExt: true})
	cd, err := NewCompDoc("", mem, nil, false)
	require.NoError(t, err)

	got, err := cd.GetNamedStream("Workbook")
	require.NoError(t, err)
	assert.Equal(t, wb, got)
}

func TestCompDocStreamNotFound(t *testing.T) {
	mem := buildContainer(t, patternBytes(600), oleLayout{})
	cd, err := NewCompDoc("", mem, nil, false)
	require.NoError(t, err)

	_, err = cd.GetNamedStream("NoSuchStream")
	var notFound *StreamNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "NoSuchStream", notFound.Name)
}

func TestCompDocCaseInsensitiveLookup(t *testing.T) {
	mem := buildContainer(t, patternBytes(600), oleLayout{streamName: "Book"})
	cd, err := NewCompDoc("", mem, nil, false)
	require.NoError(t, err)

	_, err = cd.GetNamedStream("BOOK")
	require.NoError(t, err)
}

func TestCompDocBadSignature(t *testing.T) {
	mem := bytes.Repeat([]byte{0x42}, 1024)
	_, err := NewCompDoc("", mem, nil, false)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
}

func TestCompDocTooShort(t *testing.T) {
	_, err := NewCompDoc("", oleSignature, nil, false)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
}

// workbookTotSizeOffset locates the TotSize field of the workbook stream's
// directory entry (second entry in the directory sector).
const workbookTotSizeOffset = 512 + 512 + 128 + 120

func TestCompDocDeclaredSizeBeyondFile(t *testing.T) {
	wb := patternBytes(1500)
	mem := buildContainer(t, wb, oleLayout{})
	binary.LittleEndian.PutUint32(mem[workbookTotSizeOffset:], uint32(len(mem)))

	cd, err := NewCompDoc("", mem, nil, false)
	require.NoError(t, err)
	_, _, _, err = cd.LocateNamedStream("Workbook")
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
}

func TestCompDocChainShorterThanDeclared(t *testing.T) {
	wb := patternBytes(1500)
	mem := buildContainer(t, wb, oleLayout{})
	// declare one sector more than the chain actually holds
	binary.LittleEndian.PutUint32(mem[workbookTotSizeOffset:], uint32(len(wb)+512))

	cd, err := NewCompDoc("", mem, nil, false)
	require.NoError(t, err)
	_, _, _, err = cd.LocateNamedStream("Workbook")
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)

	// the lenient mode downgrades the mismatch to a warning
	cd, err = NewCompDoc("", mem, nil, true)
	require.NoError(t, err)
	src, base, _, err := cd.LocateNamedStream("Workbook")
	require.NoError(t, err)
	assert.Equal(t, wb, src.Slice(base, base+len(wb)))
}

func TestCompDocOverlappingStreamChains(t *testing.T) {
	wb := patternBytes(1500)
	mem := buildContainer(t, wb, oleLayout{})
	// add a second stream entry whose chain shares the workbook's sectors,
	// linked in as the workbook entry's right sibling
	dirBase := 512 + 512
	copy(mem[dirBase+256:], dirent("Shadow", 2, -1, -1, -1, 2, len(wb)))
	binary.LittleEndian.PutUint32(mem[dirBase+128+72:], 2)

	cd, err := NewCompDoc("", mem, nil, false)
	require.NoError(t, err)
	_, _, _, err = cd.LocateNamedStream("Workbook")
	require.NoError(t, err)
	_, _, _, err = cd.LocateNamedStream("Shadow")
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)

	// the lenient mode walks the shared chain and serves it in full
	cd, err = NewCompDoc("", mem, nil, true)
	require.NoError(t, err)
	_, _, _, err = cd.LocateNamedStream("Workbook")
	require.NoError(t, err)
	src, base, size, err := cd.LocateNamedStream("Shadow")
	require.NoError(t, err)
	assert.Equal(t, len(wb), size)
	assert.Equal(t, wb, src.Slice(base, base+size))
}

func TestCompDocShortStreamChainCycle(t *testing.T) {
	wb := patternBytes(200) // 4 short sectors
	mem := buildContainer(t, wb, oleLayout{shortStream: true})
	// point the last short-sector entry back at the first
	ssatOffset := 512 + 2*512
	binary.LittleEndian.PutUint32(mem[ssatOffset+12:], 0)

	cd, err := NewCompDoc("", mem, nil, false)
	require.NoError(t, err)
	_, err = cd.GetNamedStream("Workbook")
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)

	// the cycle is a hard failure even in lenient mode
	cd, err = NewCompDoc("", mem, nil, true)
	require.NoError(t, err)
	_, _, _, err = cd.LocateNamedStream("Workbook")
	require.ErrorAs(t, err, &ce)
}

func TestCompDocRootEntryMissing(t *testing.T) {
	mem := buildContainer(t, patternBytes(600), oleLayout{})
	mem[512+512+66] = 2 // root entry's etype
	_, err := NewCompDoc("", mem, nil, false)
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
}

func TestScatteredSourceSliceClamps(t *testing.T) {
	s := &scatteredSource{size: 10}
	assert.Nil(t, s.Slice(10, 20))
}

func TestMemSourceSliceClamps(t *testing.T) {
	m := memSource([]byte("abcdef"))
	assert.Equal(t, []byte("def"), m.Slice(3, 99))
	assert.Nil(t, m.Slice(6, 8))
	assert.Equal(t, 6, m.Len())
}
