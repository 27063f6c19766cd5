package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/shadowserver-mail/parts"
)

// Download is the body of a fetched report URL.
type Download struct {
	URL      string
	Filename string
	Body     []byte
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (Download, error)
}

type HTTPOptions struct {
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
}

// HTTPFetcher downloads reports over HTTP(S). Every failure it returns
// wraps ErrFetch.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "shadowserver-mail"
	}
	return &HTTPFetcher{client: client, userAgent: userAgent}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Download{}, fmt.Errorf("%w: create request: %v", ErrFetch, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Download{}, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Download{}, fmt.Errorf("%w: status %d", ErrFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Download{}, fmt.Errorf("%w: read body: %w", ErrFetch, err)
	}

	var h textproto.Header
	if v := resp.Header.Get("Content-Disposition"); v != "" {
		h.Set("Content-Disposition", v)
	}
	if v := resp.Header.Get("Content-Type"); v != "" {
		h.Set("Content-Type", v)
	}
	filename, _ := parts.Filename(h)

	return Download{URL: url, Filename: filename, Body: body}, nil
}

// retryContext tracks the attempts of a single URL fetch.
type retryContext struct {
	retries  int
	interval time.Duration
	attempt  int
}

// fetch performs up to RetryCount+1 attempts, sleeping RetryInterval between
// consecutive failures but not after the last one.
func (p *Pipeline) fetch(ctx context.Context, url string) (Download, error) {
	rc := retryContext{retries: max(p.cfg.RetryCount, 0), interval: p.cfg.RetryInterval}

	for ; ; rc.attempt++ {
		p.log(ctx).Info("fetching URL", "url", url, "attempt", rc.attempt+1)
		dl, err := p.fetcher.Fetch(ctx, url)
		if err == nil {
			return dl, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Download{}, ctxErr
		}
		if !errors.Is(err, ErrFetch) {
			err = fmt.Errorf("%w: %w", ErrFetch, err)
		}

		switch {
		case rc.retries == 0:
			p.log(ctx).Error("fetching URL failed, giving up", "url", url, "err", err)
			return Download{}, err
		case rc.attempt == rc.retries:
			p.log(ctx).Error("fetching URL failed, giving up", "url", url, "retries", rc.retries, "err", err)
			return Download{}, fmt.Errorf("%s after %d retries: %w", url, rc.retries, err)
		}

		p.log(ctx).Warn("fetching URL failed, retrying", "url", url, "in", rc.interval, "err", err)
		if err := p.sleep(ctx, rc.interval); err != nil {
			return Download{}, err
		}
	}
}
