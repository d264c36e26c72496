package xls

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// textCodec decodes byte strings found in pre-BIFF8 records. A nil decoder
// means the stream is UTF-16LE (codepage 1200) and bypasses x/text.
type textCodec struct {
	name string
	dec  encoding.Encoding
}

func (c *textCodec) utf16() bool { return c.dec == nil }

func (c *textCodec) decode(raw []byte) (string, error) {
	if c.dec == nil {
		return decodeUTF16LE(raw), nil
	}
	out, err := c.dec.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

var codecTable = map[string]encoding.Encoding{
	"iso-8859-1":   charmap.ISO8859_1,
	"latin_1":      charmap.ISO8859_1,
	"cp437":        charmap.CodePage437,
	"cp850":        charmap.CodePage850,
	"cp852":        charmap.CodePage852,
	"cp855":        charmap.CodePage855,
	"cp858":        charmap.CodePage858,
	"cp860":        charmap.CodePage860,
	"cp862":        charmap.CodePage862,
	"cp863":        charmap.CodePage863,
	"cp865":        charmap.CodePage865,
	"cp866":        charmap.CodePage866,
	"cp874":        charmap.Windows874,
	"cp932":        japanese.ShiftJIS,
	"cp936":        simplifiedchinese.GBK,
	"cp949":        korean.EUCKR,
	"cp950":        traditionalchinese.Big5,
	"cp1250":       charmap.Windows1250,
	"cp1251":       charmap.Windows1251,
	"cp1252":       charmap.Windows1252,
	"cp1253":       charmap.Windows1253,
	"cp1254":       charmap.Windows1254,
	"cp1255":       charmap.Windows1255,
	"cp1256":       charmap.Windows1256,
	"cp1257":       charmap.Windows1257,
	"cp1258":       charmap.Windows1258,
	"koi8-r":       charmap.KOI8R,
	"mac_roman":    charmap.Macintosh,
	"mac_cyrillic": charmap.MacintoshCyrillic,
}

// newTextCodec resolves an encoding name (as produced by deriveEncoding or
// supplied via EncodingOverride) to a codec. Unresolvable names return an
// error: an undecodable encoding would silently corrupt every string in
// the file, so the load must fail instead.
func newTextCodec(name string) (*textCodec, error) {
	canon := strings.ToLower(strings.ReplaceAll(name, "-", "_"))
	switch canon {
	case "utf_16_le", "utf16le", "utf_16":
		return &textCodec{name: "utf_16_le"}, nil
	case "latin1", "latin_1":
		canon = "latin_1"
	case "iso_8859_1", "iso8859_1":
		canon = "iso-8859-1"
	case "koi8_r":
		canon = "koi8-r"
	}
	if enc, ok := codecTable[canon]; ok {
		return &textCodec{name: canon, dec: enc}, nil
	}
	return nil, versionErrorf("unknown or unsupported encoding %q", name)
}

func decodeUTF16LE(raw []byte) string {
	words := make([]uint16, len(raw)/2)
	for i := range words {
		words[i] = binary.LittleEndian.Uint16(raw[i*2 : i*2+2])
	}
	return string(utf16.Decode(words))
}

// unpackString unpacks a length-prefixed byte string (BIFF 2..7 flavour).
func unpackString(data []byte, pos int, codec *textCodec, lenlen int) (string, error) {
	s, _, err := unpackStringUpdatePos(data, pos, codec, lenlen, -1)
	return s, err
}

// unpackStringUpdatePos is unpackString plus the position just past the
// string. knownLen >= 0 means the caller already consumed the length field.
func unpackStringUpdatePos(data []byte, pos int, codec *textCodec, lenlen int, knownLen int) (string, int, error) {
	nchars := knownLen
	if nchars < 0 {
		if pos+lenlen > len(data) {
			return "", pos, framingErrorf("string length field runs past end of record (pos=%d len=%d)", pos, len(data))
		}
		if lenlen == 1 {
			nchars = int(data[pos])
		} else {
			nchars = int(binary.LittleEndian.Uint16(data[pos : pos+2]))
		}
		pos += lenlen
	}
	if pos+nchars > len(data) {
		return "", pos, framingErrorf("string payload runs past end of record (pos=%d nchars=%d len=%d)", pos, nchars, len(data))
	}
	raw := data[pos : pos+nchars]
	pos += nchars
	if codec == nil {
		// No codepage derived yet; callers defer decoding in that case.
		return string(raw), pos, nil
	}
	s, err := codec.decode(raw)
	return s, pos, err
}

// unpackUnicode unpacks a BIFF8 unicode string: length, option byte,
// optional rich-text / phonetic headers, then compressed or UTF-16 payload.
func unpackUnicode(data []byte, pos int, lenlen int) (string, error) {
	s, _, err := unpackUnicodeUpdatePos(data, pos, lenlen, -1)
	return s, err
}

func unpackUnicodeUpdatePos(data []byte, pos int, lenlen int, knownLen int) (string, int, error) {
	nchars := knownLen
	if nchars < 0 {
		if pos+lenlen > len(data) {
			return "", pos, framingErrorf("unicode length field runs past end of record (pos=%d len=%d)", pos, len(data))
		}
		if lenlen == 1 {
			nchars = int(data[pos])
		} else {
			nchars = int(binary.LittleEndian.Uint16(data[pos : pos+2]))
		}
		pos += lenlen
	}
	if nchars == 0 && len(data) <= pos {
		// Ambiguous whether an option byte follows an empty string; files
		// with a trailing empty string omit it.
		return "", pos, nil
	}
	if pos >= len(data) {
		return "", pos, framingErrorf("unicode option byte runs past end of record (pos=%d len=%d)", pos, len(data))
	}
	options := data[pos]
	pos++
	rtCount := 0
	phoSize := 0
	if options&0x08 != 0 { // rich text
		if pos+2 > len(data) {
			return "", pos, framingErrorf("rich-text run count runs past end of record (pos=%d)", pos)
		}
		rtCount = int(binary.LittleEndian.Uint16(data[pos : pos+2]))
		pos += 2
	}
	if options&0x04 != 0 { // phonetic
		if pos+4 > len(data) {
			return "", pos, framingErrorf("phonetic size runs past end of record (pos=%d)", pos)
		}
		phoSize = int(int32(binary.LittleEndian.Uint32(data[pos : pos+4])))
		pos += 4
	}
	var s string
	if options&0x01 != 0 {
		if pos+2*nchars > len(data) {
			return "", pos, framingErrorf("UTF-16 payload runs past end of record (pos=%d nchars=%d len=%d)", pos, nchars, len(data))
		}
		s = decodeUTF16LE(data[pos : pos+2*nchars])
		pos += 2 * nchars
	} else {
		// Compressed: high bytes of UTF-16 code units are all zero and
		// omitted, i.e. Latin-1, regardless of the file codepage.
		if pos+nchars > len(data) {
			return "", pos, framingErrorf("compressed payload runs past end of record (pos=%d nchars=%d len=%d)", pos, nchars, len(data))
		}
		out := make([]rune, nchars)
		for i, b := range data[pos : pos+nchars] {
			out[i] = rune(b)
		}
		s = string(out)
		pos += nchars
	}
	pos += 4*rtCount + phoSize
	if pos > len(data) {
		return "", pos, framingErrorf("rich-text/phonetic trailer runs past end of record (pos=%d len=%d)", pos, len(data))
	}
	return s, pos, nil
}
