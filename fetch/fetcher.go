// Package fetch resolves package versions against the registry and streams
// tarballs from upstream with retry and circuit breaking.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenk/backoff"
	"github.com/charmbracelet/log"

	"github.com/git-pkgs/pkgcache/client"
	"github.com/git-pkgs/pkgcache/internal/core"
)

var (
	ErrRateLimited  = errors.New("rate limited by upstream")
	ErrUpstreamDown = errors.New("upstream registry unavailable")
)

// Artifact contains the response from fetching an upstream artifact.
type Artifact struct {
	Body        io.ReadCloser
	Size        int64 // -1 if unknown
	ContentType string
	ETag        string
}

// FetcherInterface defines the interface for artifact fetchers.
type FetcherInterface interface {
	Fetch(ctx context.Context, url string) (*Artifact, error)
}

// Fetcher downloads artifacts from upstream registries.
type Fetcher struct {
	client     *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	logger     *log.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithMaxRetries sets the maximum retry attempts.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) {
		f.maxRetries = n
	}
}

// WithBaseDelay sets the base delay for exponential backoff.
func WithBaseDelay(d time.Duration) Option {
	return func(f *Fetcher) {
		f.baseDelay = d
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFetcher creates a new Fetcher with the given options.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{
			Timeout:   5 * time.Minute, // Artifacts can be large
			Transport: client.NewTransport(nil),
		},
		userAgent:  "pkgcache",
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
		logger:     log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads an artifact from the given URL. Rate limits, upstream
// 5xx responses and transport failures are retried with exponential backoff.
// The caller must close the returned Artifact.Body when done.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Artifact, error) {
	var artifact *Artifact
	attempt := 0

	op := func() error {
		attempt++
		a, err := f.doFetch(ctx, url)
		if err != nil {
			if ctx.Err() != nil || !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		artifact = a
		return nil
	}
	notify := func(err error, next time.Duration) {
		f.logger.Debug("retrying download", "url", url, "attempt", attempt, "in", next, "err", err)
	}

	if err := backoff.RetryNotify(op, f.backOff(ctx), notify); err != nil {
		return nil, err
	}
	return artifact, nil
}

func retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamDown) || errors.Is(err, errTransport)
}

// backOff doubles from baseDelay with 10% jitter and stops after maxRetries
// retries or when ctx ends.
func (f *Fetcher) backOff(ctx context.Context) backoff.BackOff {
	if f.maxRetries <= 0 {
		return &backoff.StopBackOff{}
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = f.baseDelay
	exp.RandomizationFactor = 0.1
	exp.Multiplier = 2
	exp.MaxInterval = 30 * time.Second
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(f.maxRetries)), ctx)
}

var errTransport = errors.New("transport failure")

func (f *Fetcher) doFetch(ctx context.Context, url string) (*Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, core.Wrap(core.KindRegistry, err, "invalid tarball URL %q", url)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, core.Wrap(core.KindNetwork, fmt.Errorf("%w: %w", errTransport, err), "downloading %s", url)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		size := int64(-1)
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				size = n
			}
		}

		return &Artifact{
			Body:        resp.Body,
			Size:        size,
			ContentType: resp.Header.Get("Content-Type"),
			ETag:        resp.Header.Get("ETag"),
		}, nil

	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, core.Wrap(core.KindNotFound, core.ErrNotFound, "tarball %s", url)

	case resp.StatusCode == http.StatusTooManyRequests:
		_ = resp.Body.Close()
		return nil, core.Wrap(core.KindNetwork, ErrRateLimited, "downloading %s", url)

	case resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return nil, core.Wrap(core.KindNetwork, ErrUpstreamDown, "downloading %s: status %d", url, resp.StatusCode)

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, core.New(core.KindRegistry, "downloading %s: unexpected status %d: %s", url, resp.StatusCode, string(body))
	}
}
