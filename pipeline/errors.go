package pipeline

import (
	"context"
	"errors"
)

var (
	ErrDecode           = errors.New("transfer decoding failed")
	ErrFilenameMismatch = errors.New("filename does not match naming convention")
	ErrMissingFilename  = errors.New("no filename given for the data")
	ErrMalformedArchive = errors.New("malformed zip archive")
	ErrFetch            = errors.New("fetch failed")
	ErrTabularParse     = errors.New("malformed tabular data")
	ErrNoReport         = errors.New("no report found in message")
)

// abandons reports whether err ends the whole message rather than just the
// current candidate (part, zip member or URL).
func abandons(err error) bool {
	return errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrFetch) ||
		errors.Is(err, ErrMalformedArchive) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrDecode, "decode"},
	{ErrFetch, "fetch"},
	{ErrMalformedArchive, "malformed_archive"},
	{ErrFilenameMismatch, "filename_mismatch"},
	{ErrMissingFilename, "missing_filename"},
	{ErrTabularParse, "tabular_parse"},
	{ErrNoReport, "no_report"},
}

// ErrorKind names the most specific error kind in err's chain, "other" when
// none matches.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "other"
}
