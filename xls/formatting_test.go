package xls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDateFormatString(t *testing.T) {
	tests := []struct {
		format string
		want   bool
	}{
		{"General", false},
		{"0.00", false},
		{"#,##0.00", false},
		{"0.00E+00", false},
		{"@", false},
		{"mm/dd/yy", true},
		{"yyyy-mm-dd", true},
		{"h:mm:ss AM/PM", true},
		{"[h]:mm:ss", true},
		{"yyyy-mm-dd;@", true},
		{`"Total" 0.00`, false},
		{`"ymdhs" 0.00`, false},      // quoted date letters do not count
		{`\y0.00`, false},            // escaped date letter
		{"[Red]0.00", false},         // bracketed sections are dropped
		{"mm/dd/yy 0.00", false},     // mixed date and number is not a date
		{"", false},
	}
	for _, tt := range tests {
		if got := IsDateFormatString(nil, tt.format); got != tt.want {
			t.Errorf("IsDateFormatString(%q) = %v, want %v", tt.format, got, tt.want)
		}
	}
}

func font8(height, optionFlags, colour, weight int, name string) []byte {
	return rec(XL_FONT,
		u16(height), u16(optionFlags), u16(colour), u16(weight),
		u16(0),             // escapement
		[]byte{0, 0, 0, 0}, // underline, family, charset, reserved
		uniShort(name))
}

func TestFormattingInfoEndToEnd(t *testing.T) {
	palette := [][]byte{u16(56)}
	for i := 0; i < 56; i++ {
		palette = append(palette, []byte{byte(10 + i), byte(20 + i), byte(30 + i), 0})
	}
	body := sheetBody(rec(XL_NUMBER, u16(0), u16(0), u16(0), f64le(1)))
	wb := globalsStream(
		[]testSheet{{"S", body}},
		font8(200, 0x01, 0x7FFF, 700, "Arial Bold"),
		font8(200, 0x02, 10, 400, "Arial Italic"),
		font8(200, 0, 0x7FFF, 400, "Arial"),
		font8(200, 0, 0x7FFF, 400, "Arial"),
		font8(240, 0, 0x7FFF, 400, "Courier New"),
		rec(XL_FORMAT, u16(164), uniLong("0.0%")),
		rec(XL_XF, u16(0), u16(0), u16(0)),
		rec(XL_STYLE, u16(0x8000), []byte{0, 0xFF}),   // builtin: Normal
		rec(XL_STYLE, u16(0x8001), []byte{1, 2}),      // builtin: RowLevel_3
		rec(XL_STYLE, u16(0x0001), []byte{0, 0}, uniLong("My Style")),
		rec(XL_PALETTE, cat(palette...)),
	)
	book := openTestBook(t, wb, &OpenWorkbookOptions{FormattingInfo: true})
	defer book.Close()

	// font index 4 is never referenced, so a dummy is inserted there
	require.Len(t, book.FontList, 6)
	assert.Equal(t, "Dummy Font", book.FontList[4].Name)
	f0 := book.FontList[0]
	assert.Equal(t, "Arial Bold", f0.Name)
	assert.True(t, f0.Bold)
	assert.Equal(t, 700, f0.Weight)
	assert.Equal(t, 200, f0.Height)
	f1 := book.FontList[1]
	assert.True(t, f1.Italic)
	assert.Equal(t, 10, f1.ColourIndex)
	assert.Equal(t, "Courier New", book.FontList[5].Name)

	assert.Equal(t, "0.0%", book.FormatMap[164].FormatString)
	require.Len(t, book.XFList, 1)
	assert.Equal(t, 0, book.XFList[0].FormatKey)

	assert.Equal(t, [2]int{1, 0}, book.StyleNameMap["Normal"])
	assert.Equal(t, [2]int{1, 1}, book.StyleNameMap["RowLevel_3"])
	assert.Equal(t, [2]int{0, 1}, book.StyleNameMap["My Style"])

	require.Len(t, book.PaletteRecord, 56)
	assert.Equal(t, [3]int{10, 20, 30}, book.PaletteRecord[0])
	// the palette overrides colour indexes from 8 up
	require.NotNil(t, book.ColourMap[8])
	assert.Equal(t, [3]int{10, 20, 30}, *book.ColourMap[8])
	require.NotNil(t, book.ColourMap[63])
	assert.Equal(t, [3]int{65, 75, 85}, *book.ColourMap[63])
}

func TestFormattingInfoNotRequested(t *testing.T) {
	body := sheetBody(rec(XL_NUMBER, u16(0), u16(0), u16(0), f64le(1)))
	wb := globalsStream(
		[]testSheet{{"S", body}},
		font8(200, 0, 0x7FFF, 400, "Arial"),
		rec(XL_STYLE, u16(0x8000), []byte{0, 0xFF}),
	)
	book := openTestBook(t, wb, nil)
	defer book.Close()
	assert.Empty(t, book.FontList)
	assert.Empty(t, book.StyleNameMap)
}

func TestPaletteRecordSizeMismatch(t *testing.T) {
	wb := globalsStream(nil, rec(XL_PALETTE, u16(56), u32(0)))
	content := buildContainer(t, wb, oleLayout{})
	_, err := OpenWorkbook("", &OpenWorkbookOptions{FileContents: content, FormattingInfo: true})
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
}

func TestNearestColourIndex(t *testing.T) {
	colourMap := map[int]*[3]int{
		0: {0, 0, 0},
		1: {255, 255, 255},
		2: {255, 0, 0},
		3: nil, // RGB unknown; never matches
	}
	tests := []struct {
		rgb  [3]int
		want int
	}{
		{[3]int{0, 0, 0}, 0},
		{[3]int{250, 250, 250}, 1},
		{[3]int{200, 30, 30}, 2},
	}
	for _, tt := range tests {
		if got := NearestColourIndex(colourMap, tt.rgb); got != tt.want {
			t.Errorf("NearestColourIndex(%v) = %d, want %d", tt.rgb, got, tt.want)
		}
	}
}
