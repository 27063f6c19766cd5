package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/dhcgn/shadowserver-mail/model"
	"github.com/dhcgn/shadowserver-mail/parts"
)

func (p *Pipeline) decodePart(ctx context.Context, part model.Part) ([]byte, error) {
	encoding := parts.TransferEncoding(part.Inner())
	data, err := Decode(encoding, part.Body)
	if err != nil {
		p.log(ctx).Error("decoding failed", "encoding", encoding, "err", err)
		return nil, err
	}
	return data, nil
}

// handleTextPlain parses an inline CSV attachment, or scans the text for
// report URLs and parses the first one that yields a report.
func (p *Pipeline) handleTextPlain(ctx context.Context, part model.Part, out chan<- *model.Event) error {
	data, err := p.decodePart(ctx, part)
	if err != nil {
		return err
	}

	if filename, ok := parts.Filename(part.Inner()); ok {
		p.log(ctx).Info("parsing CSV data from an attachment", "filename", filename)
		return p.parseReport(ctx, part.Headers, filename, data, out)
	}

	urls := p.cfg.URLPattern.FindAllString(string(data), -1)
	if len(urls) == 0 {
		return fmt.Errorf("%w: no report URL in text", ErrNoReport)
	}

	var lastErr error
	for _, url := range urls {
		dl, err := p.fetch(ctx, url)
		if err != nil {
			return err
		}
		if dl.Filename == "" {
			p.log(ctx).Error("no filename given for the data", "url", url)
			lastErr = fmt.Errorf("%s: %w", url, ErrMissingFilename)
			continue
		}

		p.log(ctx).Info("parsing CSV data from the URL", "url", url, "filename", dl.Filename)
		err = p.parseReport(ctx, part.Headers, dl.Filename, dl.Body, out)
		if err == nil {
			return nil
		}
		if abandons(err) {
			return err
		}
		lastErr = fmt.Errorf("%s: %w", url, err)
	}
	return lastErr
}

func (p *Pipeline) handleTextCSV(ctx context.Context, part model.Part, out chan<- *model.Event) error {
	filename, ok := parts.Filename(part.Inner())
	if !ok {
		p.log(ctx).Error("no filename given for the data")
		return ErrMissingFilename
	}

	p.log(ctx).Info("parsing CSV data from an attachment", "filename", filename)
	data, err := p.decodePart(ctx, part)
	if err != nil {
		return err
	}
	return p.parseReport(ctx, part.Headers, filename, data, out)
}

// handleZip feeds every member of the archive to the report parser, using
// the enclosing part's header chain, until one member parses.
func (p *Pipeline) handleZip(ctx context.Context, part model.Part, out chan<- *model.Event) error {
	p.log(ctx).Info("opening a ZIP attachment")
	data, err := p.decodePart(ctx, part)
	if err != nil {
		return err
	}

	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		p.log(ctx).Error("ZIP handling failed", "err", err)
		return fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}

	lastErr := fmt.Errorf("%w: empty archive", ErrNoReport)
	for _, member := range archive.File {
		if member.FileInfo().IsDir() {
			continue
		}

		content, err := readMember(member)
		if err != nil {
			p.log(ctx).Error("reading ZIP member failed", "filename", member.Name, "err", err)
			lastErr = fmt.Errorf("%s: %w", member.Name, err)
			continue
		}

		p.log(ctx).Info("parsing CSV data from the ZIP attachment", "filename", member.Name)
		err = p.parseReport(ctx, part.Headers, member.Name, content, out)
		if err == nil {
			return nil
		}
		if abandons(err) {
			return err
		}
		lastErr = fmt.Errorf("%s: %w", member.Name, err)
	}
	return lastErr
}

func readMember(member *zip.File) ([]byte, error) {
	rc, err := member.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
