package pipeline

import (
	"context"

	"github.com/dhcgn/shadowserver-mail/model"
)

// sentinels are placeholder values report sources use for "no data".
var sentinels = []string{"", "-"}

// Normalizer decorates raw records of one report with the message subject
// and the filename captures.
type Normalizer struct {
	subject  *string
	captures map[string]string
}

func NewNormalizer(subject *string, captures map[string]string) *Normalizer {
	return &Normalizer{subject: subject, captures: captures}
}

// Apply modifies evt in place and returns it. Sentinel values are stripped
// last, so no field of the result ever holds one.
func (n *Normalizer) Apply(evt *model.Event) *model.Event {
	if n.subject != nil {
		evt.Add("report_subject", *n.subject)
	}
	for key, value := range n.captures {
		if key == "" {
			continue
		}
		evt.Add(key, value)
	}
	for _, key := range evt.Keys() {
		for _, sentinel := range sentinels {
			evt.Discard(key, sentinel)
		}
	}
	return evt
}

// Stream applies the normalizer to everything read from in until in is
// closed.
func (n *Normalizer) Stream(ctx context.Context, in <-chan *model.Event, out chan<- *model.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-in:
			if !ok {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- n.Apply(evt):
			}
		}
	}
}
