package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dhcgn/shadowserver-mail/model"
	"github.com/dhcgn/shadowserver-mail/parts"
)

const boundary = "REPORT-BOUNDARY"

// buildMail assembles a multipart/mixed message. headers holds the top-level
// header lines without the MIME ones.
func buildMail(headers string, sections ...string) []byte {
	var b strings.Builder
	b.WriteString(headers)
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", boundary)
	for _, section := range sections {
		fmt.Fprintf(&b, "--%s\r\n%s\r\n", boundary, section)
	}
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String())
}

func attachment(contentType, filename string, data []byte) string {
	return fmt.Sprintf("Content-Type: %s\r\nContent-Disposition: attachment; filename=%q\r\nContent-Transfer-Encoding: base64\r\n\r\n%s",
		contentType, filename, wrap(base64.StdEncoding.EncodeToString(data)))
}

func inlineText(text string) string {
	return "Content-Type: text/plain; charset=us-ascii\r\n\r\n" + text
}

func wrap(s string) string {
	var b strings.Builder
	for len(s) > 76 {
		b.WriteString(s[:76])
		b.WriteString("\r\n")
		s = s[76:]
	}
	b.WriteString(s)
	return b.String()
}

func buildZip(t *testing.T, members ...[2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		w, err := zw.Create(m[0])
		require.NoError(t, err)
		_, err = w.Write([]byte(m[1]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func splitMail(t *testing.T, raw []byte) []model.Part {
	t.Helper()
	out, _, err := parts.Split(raw)
	require.NoError(t, err)
	return out
}

type fakeResponse struct {
	dl  Download
	err error
}

// fakeFetcher serves canned responses per URL and records every call.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]fakeResponse
	calls     []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (Download, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)

	queue := f.responses[url]
	if len(queue) == 0 {
		return Download{}, fmt.Errorf("%w: no route to %s", ErrFetch, url)
	}
	resp := queue[0]
	if len(queue) > 1 {
		f.responses[url] = queue[1:]
	}
	resp.dl.URL = url
	return resp.dl, resp.err
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestPipeline(t *testing.T, fetcher Fetcher, retries int, sleeper *sleepRecorder) *Pipeline {
	t.Helper()
	if sleeper == nil {
		sleeper = &sleepRecorder{}
	}
	p, err := New(Config{
		URLPattern:      regexp.MustCompile(`http[s]?://dl.example.org/\S+`),
		FilenamePattern: regexp.MustCompile(DefaultFilenamePattern),
		RetryCount:      retries,
		RetryInterval:   10 * time.Second,
	},
		WithFetcher(fetcher),
		WithSleep(sleeper.sleep),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	return p
}

func runPipeline(t *testing.T, p *Pipeline, msgParts []model.Part) ([]*model.Event, error) {
	t.Helper()
	out := make(chan *model.Event, 256)
	err := p.Process(context.Background(), msgParts, out)
	close(out)

	var events []*model.Event
	for evt := range out {
		events = append(events, evt)
	}
	return events, err
}
