package main

import (
	"bytes"
	"encoding/binary"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Record and stream builders for a minimal raw BIFF8 workbook; the reader
// accepts unwrapped BIFF streams, so no OLE2 container is needed here.

func u16le(v int) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(v))
	return b
}

func u32le(v int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func f64bits(v float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}

func record(code int, chunks ...[]byte) []byte {
	var data []byte
	for _, c := range chunks {
		data = append(data, c...)
	}
	out := append(u16le(code), u16le(len(data))...)
	return append(out, data...)
}

const (
	recBOF        = 0x0809
	recEOF        = 0x000A
	recCodepage   = 0x0042
	recDatemode   = 0x0022
	recBoundsheet = 0x0085
	recFormat     = 0x041E
	recXF         = 0x00E0
	recLabel      = 0x0204
	recNumber     = 0x0203
	recBoolErr    = 0x0205
)

func bofRecord(streamtype int) []byte {
	return record(recBOF, u16le(0x0600), u16le(streamtype), u16le(3515), u16le(1996), u32le(0), u32le(0))
}

func labelRecord(rowx, colx, xf int, text string) []byte {
	str := append(u16le(len(text)), 0)
	str = append(str, []byte(text)...)
	return record(recLabel, u16le(rowx), u16le(colx), u16le(xf), str)
}

// buildTestWorkbook returns a two-sheet BIFF8 stream. Sheet1 row 0 holds a
// label, a plain number, a date-formatted serial and a boolean.
func buildTestWorkbook() []byte {
	sheet1 := bofRecord(0x0010)
	sheet1 = append(sheet1, labelRecord(0, 0, 0, "Name")...)
	sheet1 = append(sheet1, record(recNumber, u16le(0), u16le(1), u16le(0), f64bits(12.5))...)
	sheet1 = append(sheet1, record(recNumber, u16le(0), u16le(2), u16le(1), f64bits(38406))...)
	sheet1 = append(sheet1, record(recBoolErr, u16le(0), u16le(3), u16le(0), []byte{1, 0})...)
	sheet1 = append(sheet1, record(recEOF)...)

	sheet2 := bofRecord(0x0010)
	sheet2 = append(sheet2, labelRecord(0, 0, 0, "Second")...)
	sheet2 = append(sheet2, record(recEOF)...)

	head := bofRecord(0x0005)
	head = append(head, record(recCodepage, u16le(1200))...)
	head = append(head, record(recDatemode, u16le(0))...)
	fmtStr := append(u16le(10), 0)
	fmtStr = append(fmtStr, []byte("yyyy-mm-dd")...)
	head = append(head, record(recFormat, u16le(164), fmtStr)...)
	head = append(head, record(recXF, u16le(0), u16le(0), u16le(0))...)
	head = append(head, record(recXF, u16le(0), u16le(164), u16le(0))...)

	names := []string{"Data", "Extra"}
	bodies := [][]byte{sheet1, sheet2}
	bsSize := 0
	for _, name := range names {
		bsSize += 12 + len(name)
	}
	pos := len(head) + bsSize + 4
	out := head
	for i, name := range names {
		bs := append(u32le(pos), 0, 0, byte(len(name)), 0)
		bs = append(bs, []byte(name)...)
		out = append(out, record(recBoundsheet, bs)...)
		pos += len(bodies[i])
	}
	out = append(out, record(recEOF)...)
	for _, body := range bodies {
		out = append(out, body...)
	}
	return out
}

func workbookFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.xls")
	if err := os.WriteFile(path, buildTestWorkbook(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(args []string, stdin string) (string, string, int) {
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func firstRecord(t *testing.T, output string, delimiter rune) []string {
	t.Helper()
	reader := csv.NewReader(strings.NewReader(output))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	rec, err := reader.Read()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return rec
}

func TestRunDefault(t *testing.T) {
	out, errOut, code := runCLI([]string{workbookFile(t)}, "")
	if code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, errOut)
	}
	rec := firstRecord(t, out, ',')
	want := []string{"Name", "12.5", "2005-02-23", "TRUE"}
	if len(rec) != len(want) {
		t.Fatalf("got %d fields %v, want %v", len(rec), rec, want)
	}
	for i := range want {
		if rec[i] != want[i] {
			t.Errorf("field[%d] = %q, want %q", i, rec[i], want[i])
		}
	}
}

func TestRunStdin(t *testing.T) {
	out, errOut, code := runCLI([]string{"-"}, string(buildTestWorkbook()))
	if code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, errOut)
	}
	if rec := firstRecord(t, out, ','); rec[0] != "Name" {
		t.Fatalf("field[0] = %q, want %q", rec[0], "Name")
	}
}

func TestRunAllSheets(t *testing.T) {
	out, errOut, code := runCLI([]string{"-a", workbookFile(t)}, "")
	if code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, errOut)
	}
	if !strings.Contains(out, defaultSheetDelimiter) {
		t.Errorf("expected sheet delimiter in output: %q", out)
	}
	if !strings.Contains(out, "Second") {
		t.Errorf("expected second sheet in output: %q", out)
	}
}

func TestRunSheetSelection(t *testing.T) {
	path := workbookFile(t)

	out, _, code := runCLI([]string{"-n", "Extra", path}, "")
	if code != 0 || !strings.Contains(out, "Second") {
		t.Errorf("-n Extra: code %d, output %q", code, out)
	}

	out, _, code = runCLI([]string{"-s", "2", path}, "")
	if code != 0 || !strings.Contains(out, "Second") {
		t.Errorf("-s 2: code %d, output %q", code, out)
	}

	_, errOut, code := runCLI([]string{"-s", "9", path}, "")
	if code == 0 {
		t.Errorf("-s 9: expected failure, stderr %q", errOut)
	}

	out, _, code = runCLI([]string{"-a", "-E", "Extra", path}, "")
	if code != 0 || strings.Contains(out, "Second") {
		t.Errorf("-a -E Extra: code %d, output %q", code, out)
	}
}

func TestRunFloatFormat(t *testing.T) {
	out, errOut, code := runCLI([]string{"--floatformat", "%.2f", workbookFile(t)}, "")
	if code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, errOut)
	}
	if rec := firstRecord(t, out, ','); rec[1] != "12.50" {
		t.Errorf("field[1] = %q, want %q", rec[1], "12.50")
	}
}

func TestRunDateFormat(t *testing.T) {
	out, errOut, code := runCLI([]string{"-f", "%Y/%m/%d", workbookFile(t)}, "")
	if code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, errOut)
	}
	if rec := firstRecord(t, out, ','); rec[2] != "2005/02/23" {
		t.Errorf("field[2] = %q, want %q", rec[2], "2005/02/23")
	}
}

func TestRunDelimiterTab(t *testing.T) {
	out, errOut, code := runCLI([]string{"-d", "tab", workbookFile(t)}, "")
	if code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, errOut)
	}
	if rec := firstRecord(t, out, '\t'); rec[0] != "Name" {
		t.Errorf("unexpected first record: %v", rec)
	}
}

func TestRunQuotingAll(t *testing.T) {
	out, errOut, code := runCLI([]string{"-q", "all", workbookFile(t)}, "")
	if code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, errOut)
	}
	if !strings.HasPrefix(out, `"Name"`) {
		t.Errorf("expected quoted first field: %q", out)
	}
}

func TestRunOutputFile(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "out.csv")
	_, errOut, code := runCLI([]string{workbookFile(t), outPath}, "")
	if code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, errOut)
	}
	content, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if rec := firstRecord(t, string(content), ','); rec[0] != "Name" {
		t.Errorf("unexpected first record: %v", rec)
	}
}

func TestRunOnDemand(t *testing.T) {
	out, errOut, code := runCLI([]string{"-a", "--on-demand", workbookFile(t)}, "")
	if code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, errOut)
	}
	if !strings.Contains(out, "Second") {
		t.Errorf("expected both sheets in output: %q", out)
	}
}

func TestRunUsageErrors(t *testing.T) {
	if _, _, code := runCLI(nil, ""); code != 2 {
		t.Errorf("no arguments: exit code %d, want 2", code)
	}
	if _, _, code := runCLI([]string{"-n", "Data", "-a", "x.xls"}, ""); code != 2 {
		t.Errorf("-n with -a: exit code %d, want 2", code)
	}
}

func TestParseDelimiter(t *testing.T) {
	tests := []struct {
		in   string
		want rune
	}{
		{",", ','}, {";", ';'}, {"tab", '\t'}, {"x09", '\t'}, {"x7c", '|'},
	}
	for _, tt := range tests {
		got, err := parseDelimiter(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("parseDelimiter(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
	if _, err := parseDelimiter(""); err == nil {
		t.Error("parseDelimiter(\"\"): expected an error")
	}
}

func TestParseSheetDelimiter(t *testing.T) {
	if got, err := parseSheetDelimiter(`\f`); err != nil || got != "\f" {
		t.Errorf(`parseSheetDelimiter(\f) = %q, %v`, got, err)
	}
	if got, err := parseSheetDelimiter("x07"); err != nil || got != "\x07" {
		t.Errorf("parseSheetDelimiter(x07) = %q, %v", got, err)
	}
	if got, err := parseSheetDelimiter("=="); err != nil || got != "==" {
		t.Errorf("parseSheetDelimiter(==) = %q, %v", got, err)
	}
}

func TestParseEscapedString(t *testing.T) {
	got, err := parseEscapedString(`\r\n`)
	if err != nil || got != "\r\n" {
		t.Errorf(`parseEscapedString(\r\n) = %q, %v`, got, err)
	}
	if _, err := parseEscapedString(`\x`); err == nil {
		t.Error(`parseEscapedString(\x): expected an error`)
	}
}

func TestStrftime(t *testing.T) {
	ts := time.Date(2005, 2, 23, 12, 56, 7, 0, time.UTC)
	tests := []struct {
		format, want string
	}{
		{"%Y/%m/%d", "2005/02/23"},
		{"%d.%m.%y", "23.02.05"},
		{"%H:%M:%S", "12:56:07"},
		{"%B %d, %Y", "February 23, 2005"},
		{"100%%", "100%"},
	}
	for _, tt := range tests {
		if got := strftime(ts, tt.format); got != tt.want {
			t.Errorf("strftime(%q) = %q, want %q", tt.format, got, tt.want)
		}
	}
}
