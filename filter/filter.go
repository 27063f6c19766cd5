// Package filter understands the subset of IMAP SEARCH syntax used to select
// report mails. The same criteria are sent to an IMAP server verbatim in
// structured form, or evaluated locally against messages read from an mbox.
package filter

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
)

const dateLayout = "2-Jan-2006"

type Kind string

const (
	KindAll     Kind = "ALL"
	KindSeen    Kind = "SEEN"
	KindUnseen  Kind = "UNSEEN"
	KindBody    Kind = "BODY"
	KindText    Kind = "TEXT"
	KindSubject Kind = "SUBJECT"
	KindFrom    Kind = "FROM"
	KindTo      Kind = "TO"
	KindHeader  Kind = "HEADER"
	KindSince   Kind = "SINCE"
	KindBefore  Kind = "BEFORE"
)

// Term is a single search key, optionally negated.
type Term struct {
	Kind   Kind
	Negate bool
	Field  string
	Value  string
	Date   time.Time
}

// Criteria is the conjunction of all terms.
type Criteria struct {
	Raw   string
	Terms []Term
}

// Parse turns a search string like `(BODY "dl.shadowserver.org" UNSEEN)`
// into Criteria. An empty string selects everything.
func Parse(raw string) (Criteria, error) {
	tokens, err := tokenize(raw)
	if err != nil {
		return Criteria{}, err
	}

	c := Criteria{Raw: raw}
	for i := 0; i < len(tokens); {
		term, next, err := parseTerm(tokens, i)
		if err != nil {
			return Criteria{}, fmt.Errorf("parse filter %q: %w", raw, err)
		}
		if term.Kind != KindAll || term.Negate {
			c.Terms = append(c.Terms, term)
		}
		i = next
	}
	return c, nil
}

func parseTerm(tokens []string, i int) (Term, int, error) {
	key := strings.ToUpper(tokens[i])
	i++

	arg := func() (string, error) {
		if i >= len(tokens) {
			return "", fmt.Errorf("%s needs an argument", key)
		}
		v := tokens[i]
		i++
		return v, nil
	}

	switch Kind(key) {
	case KindAll, KindSeen, KindUnseen:
		return Term{Kind: Kind(key)}, i, nil
	case KindBody, KindText, KindSubject, KindFrom, KindTo:
		v, err := arg()
		if err != nil {
			return Term{}, i, err
		}
		return Term{Kind: Kind(key), Value: v}, i, nil
	case KindHeader:
		field, err := arg()
		if err != nil {
			return Term{}, i, err
		}
		v, err := arg()
		if err != nil {
			return Term{}, i, err
		}
		return Term{Kind: KindHeader, Field: field, Value: v}, i, nil
	case KindSince, KindBefore:
		v, err := arg()
		if err != nil {
			return Term{}, i, err
		}
		date, err := time.Parse(dateLayout, v)
		if err != nil {
			return Term{}, i, fmt.Errorf("%s date %q: %w", key, v, err)
		}
		return Term{Kind: Kind(key), Date: date}, i, nil
	}

	if key == "NOT" {
		if i >= len(tokens) {
			return Term{}, i, fmt.Errorf("NOT needs a search key")
		}
		term, next, err := parseTerm(tokens, i)
		if err != nil {
			return Term{}, next, err
		}
		term.Negate = !term.Negate
		return term, next, nil
	}

	return Term{}, i, fmt.Errorf("unsupported search key %q", tokens[i-1])
}

// tokenize splits on whitespace, honouring double quotes and dropping the
// grouping parentheses of a top-level conjunction.
func tokenize(raw string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		inQuote bool
		quoted  bool
	)

	flush := func() {
		if current.Len() > 0 || quoted {
			tokens = append(tokens, current.String())
		}
		current.Reset()
		quoted = false
	}

	for idx := 0; idx < len(raw); idx++ {
		ch := raw[idx]
		switch {
		case inQuote && ch == '\\' && idx+1 < len(raw):
			idx++
			current.WriteByte(raw[idx])
		case ch == '"':
			inQuote = !inQuote
			quoted = true
		case inQuote:
			current.WriteByte(ch)
		case ch == '(' || ch == ')':
			flush()
		case ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n':
			flush()
		default:
			current.WriteByte(ch)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in %q", raw)
	}
	flush()
	return tokens, nil
}

// IMAP renders the criteria for a UID SEARCH command.
func (c Criteria) IMAP() *imapv2.SearchCriteria {
	criteria := &imapv2.SearchCriteria{}
	for _, term := range c.Terms {
		target := criteria
		if term.Negate {
			criteria.Not = append(criteria.Not, imapv2.SearchCriteria{})
			target = &criteria.Not[len(criteria.Not)-1]
		}
		switch term.Kind {
		case KindSeen:
			target.Flag = append(target.Flag, imapv2.FlagSeen)
		case KindUnseen:
			target.NotFlag = append(target.NotFlag, imapv2.FlagSeen)
		case KindBody:
			target.Body = append(target.Body, term.Value)
		case KindText:
			target.Text = append(target.Text, term.Value)
		case KindSubject, KindFrom, KindTo:
			target.Header = append(target.Header, imapv2.SearchCriteriaHeaderField{Key: headerName(term.Kind), Value: term.Value})
		case KindHeader:
			target.Header = append(target.Header, imapv2.SearchCriteriaHeaderField{Key: term.Field, Value: term.Value})
		case KindSince:
			target.Since = term.Date
		case KindBefore:
			target.Before = term.Date
		}
	}
	return criteria
}

// Match evaluates the criteria against a message read offline. Flags are
// unknown outside a mailbox, so every message counts as unseen.
func (c Criteria) Match(header, body []byte, received time.Time) bool {
	for _, term := range c.Terms {
		if term.match(header, body, received) == term.Negate {
			return false
		}
	}
	return true
}

// MatchMessage evaluates the criteria against a raw message. BODY and TEXT
// see the decoded text parts, like an IMAP server's search does.
func (c Criteria) MatchMessage(raw []byte, received time.Time) bool {
	header, body := SplitRawMessage(raw)
	if c.searchesBody() {
		body = DecodedText(raw)
	}
	return c.Match(header, body, received)
}

func (c Criteria) searchesBody() bool {
	for _, term := range c.Terms {
		if term.Kind == KindBody || term.Kind == KindText {
			return true
		}
	}
	return false
}

// DecodedText returns the text parts of raw with transfer encoding and
// charset removed. Parts that cannot be decoded contribute their raw body.
func DecodedText(raw []byte) []byte {
	_, body := SplitRawMessage(raw)
	entity, err := message.Read(bytes.NewReader(raw))
	if entity == nil || (err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err)) {
		return body
	}

	var buf bytes.Buffer
	if err := collectText(entity, &buf); err != nil {
		buf.Write(body)
	}
	return buf.Bytes()
}

func collectText(entity *message.Entity, buf *bytes.Buffer) error {
	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if part == nil {
				return err
			}
			if err := collectText(part, buf); err != nil {
				return err
			}
		}
	}

	mediaType, _, _ := entity.Header.ContentType()
	if mediaType != "" && !strings.HasPrefix(mediaType, "text/") {
		return nil
	}
	if _, err := io.Copy(buf, entity.Body); err != nil {
		return err
	}
	buf.WriteByte('\n')
	return nil
}

func (t Term) match(header, body []byte, received time.Time) bool {
	switch t.Kind {
	case KindSeen:
		return false
	case KindUnseen, KindAll:
		return true
	case KindBody:
		return containsFold(body, t.Value)
	case KindText:
		return containsFold(header, t.Value) || containsFold(body, t.Value)
	case KindSubject, KindFrom, KindTo:
		return headerContains(header, headerName(t.Kind), t.Value)
	case KindHeader:
		return headerContains(header, t.Field, t.Value)
	case KindSince:
		return !received.IsZero() && !received.Before(t.Date)
	case KindBefore:
		return !received.IsZero() && received.Before(t.Date)
	}
	return false
}

func headerName(kind Kind) string {
	switch kind {
	case KindSubject:
		return "Subject"
	case KindFrom:
		return "From"
	case KindTo:
		return "To"
	}
	return string(kind)
}

func headerContains(header []byte, field, value string) bool {
	prefix := strings.ToLower(field) + ":"
	lines := bytes.Split(header, []byte("\n"))
	for idx := 0; idx < len(lines); idx++ {
		line := strings.TrimRight(string(lines[idx]), "\r")
		if !strings.HasPrefix(strings.ToLower(line), prefix) {
			continue
		}
		text := line[len(prefix):]
		for idx+1 < len(lines) && len(lines[idx+1]) > 0 && (lines[idx+1][0] == ' ' || lines[idx+1][0] == '\t') {
			idx++
			text += strings.TrimRight(string(lines[idx]), "\r")
		}
		if strings.Contains(strings.ToLower(text), strings.ToLower(value)) {
			return true
		}
	}
	return false
}

func containsFold(haystack []byte, needle string) bool {
	return bytes.Contains(bytes.ToLower(haystack), []byte(strings.ToLower(needle)))
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}
