package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/shadowserver-mail/model"
	"github.com/dhcgn/shadowserver-mail/parts"
)

var utf8BOM = []byte("\xef\xbb\xbf")

// maxFieldSize caps a single CSV cell.
const maxFieldSize = 128 << 10

// MatchFilename checks filename against the naming convention. The pattern
// must match at the start of the name. Only named groups that took part in
// the match are returned.
func MatchFilename(pattern *regexp.Regexp, filename string) (map[string]string, bool) {
	loc := pattern.FindStringSubmatchIndex(filename)
	if loc == nil || loc[0] != 0 {
		return nil, false
	}

	captures := make(map[string]string)
	for idx, name := range pattern.SubexpNames() {
		if idx == 0 || name == "" {
			continue
		}
		start, end := loc[2*idx], loc[2*idx+1]
		if start < 0 {
			continue
		}
		captures[name] = filename[start:end]
	}
	return captures, true
}

// parseReport validates filename, reads body as CSV and streams every row
// through the normalizer to out.
func (p *Pipeline) parseReport(ctx context.Context, headers []textproto.Header, filename string, body []byte, out chan<- *model.Event) error {
	captures, ok := MatchFilename(p.cfg.FilenamePattern, filename)
	if !ok {
		p.log(ctx).Error("filename did not match", "filename", filename)
		return fmt.Errorf("%q: %w", filename, ErrFilenameMismatch)
	}

	var subject *string
	if len(headers) > 0 {
		subject = parts.Subject(headers[0])
	}
	normalizer := NewNormalizer(subject, captures)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	raw := make(chan *model.Event, 16)
	readErr := make(chan error, 1)
	go func() {
		readErr <- ReadRecords(ctx, bytes.NewReader(body), raw)
	}()

	if err := normalizer.Stream(ctx, raw, out); err != nil {
		cancel()
		<-readErr
		return err
	}
	if err := <-readErr; err != nil {
		p.log(ctx).Error("parsing CSV failed", "filename", filename, "err", err)
		return err
	}
	return nil
}

// ReadRecords converts CSV with a header row into raw events and closes out
// when done. Short rows leave the missing columns out; surplus cells are
// ignored.
func ReadRecords(ctx context.Context, r io.Reader, out chan<- *model.Event) error {
	defer close(out)

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	// stray quotes show up in title and user agent columns
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: header: %w", ErrTabularParse, err)
	}
	if err := checkFieldSize(reader, header); err != nil {
		return err
	}
	if len(header) > 0 {
		header[0] = string(bytes.TrimPrefix([]byte(header[0]), utf8BOM))
	}

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTabularParse, err)
		}
		if err := checkFieldSize(reader, row); err != nil {
			return err
		}

		evt := model.NewEvent()
		for idx, name := range header {
			if idx >= len(row) {
				break
			}
			evt.Add(name, row[idx])
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- evt:
		}
	}
}

func checkFieldSize(reader *csv.Reader, row []string) error {
	for idx, field := range row {
		if len(field) > maxFieldSize {
			line, _ := reader.FieldPos(idx)
			return fmt.Errorf("%w: line %d: field larger than %d bytes", ErrTabularParse, line, maxFieldSize)
		}
	}
	return nil
}
