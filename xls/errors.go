package xls

import "fmt"

// The error types below partition load failures by cause, so callers can
// dispatch with errors.As: a FormatError means "this is not an OLE2/BIFF
// file at all", while the others describe a recognised file that cannot
// be read.

// FormatError reports input that does not carry the compound-document
// signature or byte-order marker expected of this container format.
type FormatError struct {
	Msg string
}

func (e *FormatError) Error() string { return e.Msg }

func formatErrorf(format string, args ...interface{}) *FormatError {
	return &FormatError{Msg: fmt.Sprintf(format, args...)}
}

// CorruptionError reports a structurally damaged container or stream:
// a revisited sector, an out-of-range sector reference, a broken chain,
// or a declared size that cannot fit in the file.
type CorruptionError struct {
	Msg string
}

func (e *CorruptionError) Error() string { return e.Msg }

func corruptionErrorf(format string, args ...interface{}) *CorruptionError {
	return &CorruptionError{Msg: fmt.Sprintf(format, args...)}
}

// StreamNotFoundError reports that a named stream is absent from the
// compound document's directory.
type StreamNotFoundError struct {
	Name string
}

func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("stream %q not found in compound document", e.Name)
}

// VersionError reports a BIFF version or stream kind outside the eight
// supported revisions.
type VersionError struct {
	Msg string
}

func (e *VersionError) Error() string { return e.Msg }

func versionErrorf(format string, args ...interface{}) *VersionError {
	return &VersionError{Msg: fmt.Sprintf(format, args...)}
}

// FeatureError reports a recognised but unsupported feature, notably
// workbook encryption (FILEPASS). Such files are rejected, never decrypted.
type FeatureError struct {
	Msg string
}

func (e *FeatureError) Error() string { return e.Msg }

func featureErrorf(format string, args ...interface{}) *FeatureError {
	return &FeatureError{Msg: fmt.Sprintf(format, args...)}
}

// FramingError reports a malformed record stream: a truncated record
// header, a payload running past the end of the stream, or a missing
// expected continuation record.
type FramingError struct {
	Msg string
}

func (e *FramingError) Error() string { return e.Msg }

func framingErrorf(format string, args ...interface{}) *FramingError {
	return &FramingError{Msg: fmt.Sprintf(format, args...)}
}
