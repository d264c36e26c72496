package xls

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"strings"
)

// FileFormatDescriptions gives a human-readable description per format
// string returned by InspectFormat.
var FileFormatDescriptions = map[string]string{
	"xls":  "Excel xls",
	"xlsb": "Excel 2007 xlsb file",
	"xlsx": "Excel xlsx file",
	"ods":  "Openoffice.org ODS file",
	"zip":  "Unknown ZIP file",
	"":     "Unknown file type",
}

var zipSignature = []byte("PK\x03\x04")

const peekSize = 8

// InspectFormat sniffs the content at the supplied path, or the bytes
// provided, and returns the file's type as a string. The empty string
// means the format could not be determined. The return value can always
// be looked up in FileFormatDescriptions.
func InspectFormat(path string, content []byte) (string, error) {
	peek, err := peekBytes(path, content)
	if err != nil {
		return "", err
	}
	if len(peek) < peekSize {
		return "", nil
	}
	if bytes.HasPrefix(peek, oleSignature) {
		return "xls", nil
	}
	if !bytes.HasPrefix(peek, zipSignature) {
		return "", nil
	}
	names, closer, err := zipComponentNames(path, content)
	if err != nil {
		return "", err
	}
	if closer != nil {
		defer closer.Close()
	}
	switch {
	case names["xl/workbook.xml"]:
		return "xlsx", nil
	case names["xl/workbook.bin"]:
		return "xlsb", nil
	case names["content.xml"]:
		return "ods", nil
	}
	return "zip", nil
}

func peekBytes(path string, content []byte) ([]byte, error) {
	if content != nil {
		if len(content) > peekSize {
			content = content[:peekSize]
		}
		return content, nil
	}
	f, err := os.Open(expandHome(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	peek := make([]byte, peekSize)
	n, err := io.ReadFull(f, peek)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return peek[:n], nil
}

// zipComponentNames maps the archive's member names, lower-cased and
// with backslashes normalized: some third-party writers use forward
// slashes and lower case.
func zipComponentNames(path string, content []byte) (map[string]bool, io.Closer, error) {
	var zr *zip.Reader
	var closer io.Closer
	if content != nil {
		r, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
		if err != nil {
			return nil, nil, err
		}
		zr = r
	} else {
		rc, err := zip.OpenReader(expandHome(path))
		if err != nil {
			return nil, nil, err
		}
		zr = &rc.Reader
		closer = rc
	}
	names := make(map[string]bool, len(zr.File))
	for _, f := range zr.File {
		names[strings.ToLower(strings.ReplaceAll(f.Name, "\\", "/"))] = true
	}
	return names, closer, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return strings.Replace(path, "~", home, 1)
		}
	}
	return path
}
