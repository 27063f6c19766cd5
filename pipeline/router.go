package pipeline

import (
	"context"
	"strings"

	"github.com/dhcgn/shadowserver-mail/model"
	"github.com/dhcgn/shadowserver-mail/parts"
)

// Kind is the closed set of content types the pipeline dispatches on.
type Kind int

const (
	KindOther Kind = iota
	KindTextPlain
	KindTextCSV
	KindZip
)

func (k Kind) String() string {
	switch k {
	case KindTextPlain:
		return "text_plain"
	case KindTextCSV:
		return "text_csv"
	case KindZip:
		return "application_zip"
	}
	return "other"
}

func Classify(contentType string) Kind {
	switch strings.ToLower(contentType) {
	case "text/plain":
		return KindTextPlain
	case "text/csv":
		return KindTextCSV
	case "application/zip":
		return KindZip
	}
	return KindOther
}

// Order puts attachments (parts with a filename) before inline text/plain
// parts, keeping the relative order inside both groups. Inline parts of any
// other type are dropped.
func Order(in []model.Part) []model.Part {
	var attachments, texts []model.Part
	for _, part := range in {
		inner := part.Inner()
		if _, ok := parts.Filename(inner); ok {
			attachments = append(attachments, part)
			continue
		}
		if parts.ContentType(inner) == "text/plain" {
			texts = append(texts, part)
		}
	}
	return append(attachments, texts...)
}

func (p *Pipeline) dispatch(ctx context.Context, part model.Part, out chan<- *model.Event) error {
	inner := part.Inner()
	switch kind := Classify(parts.ContentType(inner)); kind {
	case KindTextPlain:
		return p.handleTextPlain(ctx, part, out)
	case KindTextCSV:
		return p.handleTextCSV(ctx, part, out)
	case KindZip:
		return p.handleZip(ctx, part, out)
	default:
		filename, ok := parts.Filename(inner)
		if ok && strings.HasSuffix(strings.ToLower(filename), ".csv") {
			return p.handleTextCSV(ctx, part, out)
		}
		return p.handleZip(ctx, part, out)
	}
}
