// Package parts splits raw RFC 5322 messages into leaf MIME parts without
// touching their transfer encoding.
package parts

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"golang.org/x/text/encoding/charmap"

	"github.com/dhcgn/shadowserver-mail/model"
)

// maxDepth bounds multipart nesting.
const maxDepth = 16

var ErrTooDeep = errors.New("multipart nesting too deep")

func init() {
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
}

// Split parses raw and returns its leaf parts in document order together
// with the top-level header.
func Split(raw []byte) ([]model.Part, textproto.Header, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	header, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, textproto.Header{}, fmt.Errorf("read header: %w", err)
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, header, fmt.Errorf("read body: %w", err)
	}

	var out []model.Part
	if err := walk([]textproto.Header{header}, body, 0, &out); err != nil {
		return nil, header, err
	}
	return out, header, nil
}

func walk(chain []textproto.Header, body []byte, depth int, out *[]model.Part) error {
	if depth > maxDepth {
		return ErrTooDeep
	}

	current := chain[len(chain)-1]
	mh := message.Header{Header: current}
	mediaType, params, err := mh.ContentType()
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		*out = append(*out, model.Part{Headers: chain, Body: body})
		return nil
	}

	mr := textproto.NewMultipartReader(bytes.NewReader(body), params["boundary"])
	for idx := 0; ; idx++ {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("multipart part %d: %w", idx, err)
		}

		data, err := io.ReadAll(p)
		if err != nil {
			return fmt.Errorf("multipart part %d read: %w", idx, err)
		}

		next := make([]textproto.Header, len(chain), len(chain)+1)
		copy(next, chain)
		next = append(next, p.Header)
		if err := walk(next, data, depth+1, out); err != nil {
			return err
		}
	}
}

// ContentType returns the lowercased media type of h, text/plain when absent.
func ContentType(h textproto.Header) string {
	mh := message.Header{Header: h}
	t, _, err := mh.ContentType()
	if err != nil {
		return strings.ToLower(strings.TrimSpace(t))
	}
	return t
}

// Filename returns the Content-Disposition filename, falling back to the
// Content-Type name parameter.
func Filename(h textproto.Header) (string, bool) {
	mh := message.Header{Header: h}
	if _, params, err := mh.ContentDisposition(); err == nil {
		if name := params["filename"]; name != "" {
			return name, true
		}
	}
	if h.Get("Content-Type") != "" {
		if _, params, err := mh.ContentType(); err == nil {
			if name := params["name"]; name != "" {
				return name, true
			}
		}
	}
	return "", false
}

// TransferEncoding returns the lowercased Content-Transfer-Encoding, 7bit
// when absent.
func TransferEncoding(h textproto.Header) string {
	enc := strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding")))
	if enc == "" {
		return "7bit"
	}
	return enc
}

// Subject returns the decoded Subject header, or nil when the header is
// missing. An empty Subject yields a pointer to "".
func Subject(h textproto.Header) *string {
	if !h.Has("Subject") {
		return nil
	}
	mh := mail.Header{Header: message.Header{Header: h}}
	subject, err := mh.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	return &subject
}

// MessageID returns the Message-Id without angle brackets.
func MessageID(h textproto.Header) string {
	mh := mail.Header{Header: message.Header{Header: h}}
	id, err := mh.MessageID()
	if err != nil || id == "" {
		return strings.Trim(strings.TrimSpace(h.Get("Message-Id")), " <>")
	}
	return id
}

// NewMessage builds a model.Message from a raw RFC 5322 message. Messages
// without a Message-Id are identified by their content hash.
func NewMessage(raw []byte) (model.Message, error) {
	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return model.Message{}, fmt.Errorf("read header: %w", err)
	}

	sum := sha256.Sum256(raw)
	hash := base64.StdEncoding.EncodeToString(sum[:])

	id := MessageID(header)
	if id == "" {
		id = "sha256:" + hash[:16]
	}

	var receivedAt time.Time
	mh := mail.Header{Header: message.Header{Header: header}}
	if date, err := mh.Date(); err == nil {
		receivedAt = date
	}

	return model.Message{
		ID:         id,
		Hash:       hash,
		ReceivedAt: receivedAt,
		Size:       int64(len(raw)),
		Raw:        raw,
	}, nil
}
