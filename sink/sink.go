// Package sink writes normalized report events as JSON lines.
package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/dhcgn/shadowserver-mail/model"
	"github.com/dhcgn/shadowserver-mail/runner"
)

const stdout = "-"

// Writer serializes events, one JSON object per line. It is safe for
// concurrent use.
type Writer struct {
	mu      sync.Mutex
	w       *bufio.Writer
	closer  io.Closer
	written int
}

// Open returns a Writer appending to path, or writing to standard output
// when path is empty or "-".
func Open(path string) (*Writer, error) {
	if path == "" || path == stdout {
		return New(os.Stdout), nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	w := New(file)
	w.closer = file
	return w, nil
}

func New(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 64*1024)}
}

// Write encodes evt as a single line and flushes it.
func (w *Writer) Write(evt *model.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	w.written++
	return nil
}

// Written returns the number of records written so far.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.w.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
		w.closer = nil
	}
	return err
}

// Attach registers a stage writing every record of r to w. A write failure
// stops the run.
func Attach(w *Writer, r *runner.Runner, logger *slog.Logger) {
	r.AddStage("sink", func(ctx context.Context) error {
		for evt := range r.Records() {
			if err := w.Write(evt); err != nil {
				return err
			}
		}
		if logger != nil {
			logger.Debug("record sink finished", "records", w.Written())
		}
		return nil
	})
}
