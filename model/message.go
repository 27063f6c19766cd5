package model

import (
	"time"

	"github.com/emersion/go-message/textproto"
)

// Message represents a single email message handed over by a mailbox source.
type Message struct {
	ID         string
	Hash       string
	UID        uint32
	ReceivedAt time.Time
	Size       int64
	Raw        []byte
}

// Envelope wraps a message alongside an optional error encountered while decoding.
type Envelope struct {
	Message Message
	Err     error
}

// Part is one leaf of a (possibly nested) multipart message. Headers holds
// the header sets from the outermost message header down to the part's own
// header. Body is still transfer-encoded.
type Part struct {
	Headers []textproto.Header
	Body    []byte
}

// Outer returns the outermost header set.
func (p Part) Outer() textproto.Header {
	if len(p.Headers) == 0 {
		return textproto.Header{}
	}
	return p.Headers[0]
}

// Inner returns the header set closest to the body.
func (p Part) Inner() textproto.Header {
	if len(p.Headers) == 0 {
		return textproto.Header{}
	}
	return p.Headers[len(p.Headers)-1]
}

// Outcome is the per-message result reported back to the mailbox source.
type Outcome struct {
	Message Message
	OK      bool
	Records int
	Err     error
}
