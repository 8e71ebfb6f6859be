package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/sony/gobreaker/v2"
)

const acceptEncoding = "gzip, zstd, br"

// HTTPBackend reads symbol files from a public mirror with plain HEAD/GET
// requests against <base_url>/<key>.
type HTTPBackend struct {
	desc    Descriptor
	name    string
	client  *http.Client
	backoff backoff.Config
	breaker *gobreaker.CircuitBreaker[*http.Response]
	timeout time.Duration
	metrics *Metrics
	logger  log.Logger
}

func NewHTTPBackend(desc Descriptor, client *http.Client, cfg HTTPConfig, m *Metrics, logger log.Logger) (*HTTPBackend, error) {
	u, err := url.Parse(desc.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", desc.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend url %q: scheme must be http or https", desc.BaseURL)
	}
	desc.BaseURL = strings.TrimSuffix(desc.BaseURL, "/")
	b := &HTTPBackend{
		desc:    desc,
		name:    u.Host,
		client:  client,
		backoff: cfg.Backoff,
		timeout: cfg.Timeout,
		metrics: m,
		logger:  log.With(logger, "backend", desc.BaseURL),
	}
	if cfg.BreakerFailures > 0 {
		b.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        u.Host,
			MaxRequests: 1,
			Timeout:     cfg.BreakerOpenTimeout,
			// Only failures that retrying could have fixed count.
			IsSuccessful: func(err error) bool {
				return err == nil || !isRetryableError(err)
			},
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				level.Warn(b.logger).Log("msg", "circuit breaker state changed", "from", from.String(), "to", to.String())
			},
		})
	}
	return b, nil
}

func (b *HTTPBackend) Name() string           { return b.name }
func (b *HTTPBackend) Descriptor() Descriptor { return b.desc }

func (b *HTTPBackend) objectURL(key string) string {
	return b.desc.BaseURL + "/" + key
}

func (b *HTTPBackend) Exists(ctx context.Context) (bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	resp, err := b.do(ctx, http.MethodHead, b.desc.BaseURL+"/")
	if err != nil {
		return false, err
	}
	_ = resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 500:
		return false, newStorageError(b.name, "exists", &DownloadError{Backend: b.name, URL: b.desc.BaseURL, StatusCode: resp.StatusCode})
	}
	// Mirrors commonly deny listing the root, which still proves reachability.
	return true, nil
}

func (b *HTTPBackend) ObjectMetadata(ctx context.Context, key string) (md *Metadata, err error) {
	start := time.Now()
	defer func() { b.metrics.observe(b.name, "head", metadataStatus(md, err), time.Since(start).Seconds()) }()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	u := b.objectURL(key)
	resp, err := b.request(ctx, http.MethodHead, u)
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	return metadataFromHeader(resp.Header, resp.ContentLength, u), nil
}

func (b *HTTPBackend) Get(ctx context.Context, key string) (_ io.ReadCloser, _ *Metadata, err error) {
	start := time.Now()
	defer func() { b.metrics.observe(b.name, "get", statusOf(err), time.Since(start).Seconds()) }()

	ctx, cancel := b.withTimeout(ctx)
	u := b.objectURL(key)
	resp, err := b.request(ctx, http.MethodGet, u)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		cancel()
		return nil, nil, ErrNotFound
	}
	md := metadataFromHeader(resp.Header, resp.ContentLength, u)
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, md, nil
}

func (b *HTTPBackend) Upload(ctx context.Context, key string, r io.Reader, md Metadata) (err error) {
	start := time.Now()
	defer func() { b.metrics.observe(b.name, "upload", statusOf(err), time.Since(start).Seconds()) }()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	u := b.objectURL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if md.Size > 0 {
		req.ContentLength = md.Size
	}
	if md.ContentEncoding != "" {
		req.Header.Set("Content-Encoding", md.ContentEncoding)
	}
	for k, v := range userMetadata(md) {
		req.Header.Set(amzMetaPrefix+k, v)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return newStorageError(b.name, "upload", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return &DownloadError{Backend: b.name, URL: u, StatusCode: resp.StatusCode}
	}
	return nil
}

func (b *HTTPBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}

func (b *HTTPBackend) do(ctx context.Context, method, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept-Encoding", acceptEncoding)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, newStorageError(b.name, strings.ToLower(method), err)
	}
	return resp, nil
}

func (b *HTTPBackend) request(ctx context.Context, method, u string) (*http.Response, error) {
	if b.breaker == nil {
		return b.doWithRetries(ctx, method, u)
	}
	resp, err := b.breaker.Execute(func() (*http.Response, error) {
		return b.doWithRetries(ctx, method, u)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, newStorageError(b.name, strings.ToLower(method), err)
	}
	return resp, err
}

// doWithRetries returns responses with status 200 or 404. Anything else is
// retried while transient and finally reported as a DownloadError.
func (b *HTTPBackend) doWithRetries(ctx context.Context, method, u string) (*http.Response, error) {
	backOff := backoff.New(ctx, b.backoff)
	var lastErr error
	for backOff.Ongoing() {
		resp, err := b.do(ctx, method, u)
		if err == nil {
			if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
				return resp, nil
			}
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
			_ = resp.Body.Close()
			err = &DownloadError{Backend: b.name, URL: u, StatusCode: resp.StatusCode}
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
		level.Debug(b.logger).Log("msg", "retrying request", "url", u, "attempt", backOff.NumRetries()+1, "err", err)
		backOff.Wait()
	}
	if lastErr == nil {
		lastErr = newStorageError(b.name, strings.ToLower(method), backOff.Err())
	}
	return nil, lastErr
}

func isRetryableError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var de *DownloadError
	if errors.As(err, &de) {
		return de.StatusCode == http.StatusTooManyRequests || de.StatusCode >= 500
	}
	if os.IsTimeout(err) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Temporary()
	}
	return false
}

func metadataFromHeader(h http.Header, contentLength int64, u string) *Metadata {
	md := &Metadata{
		Size:            contentLength,
		ContentEncoding: h.Get("Content-Encoding"),
		OriginalMD5:     h.Get(amzMetaPrefix + metaOriginalMD5),
		URL:             u,
	}
	if v := h.Get(amzMetaPrefix + metaOriginalSize); v != "" {
		md.OriginalSize, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := h.Get("Last-Modified"); v != "" {
		md.LastModified, _ = http.ParseTime(v)
	}
	return md
}

func userMetadata(md Metadata) map[string]string {
	m := map[string]string{}
	if md.OriginalSize > 0 {
		m[metaOriginalSize] = strconv.FormatInt(md.OriginalSize, 10)
	}
	if md.OriginalMD5 != "" {
		m[metaOriginalMD5] = md.OriginalMD5
	}
	return m
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
