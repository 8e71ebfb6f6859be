package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeObject = "MODULE Linux x86_64 ABC1 a\n"

// fakeS3 answers the subset of the S3 API the minio backend issues.
func fakeS3(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/symbols/v1/a/ABC1/a.sym":
			w.Header().Set("Last-Modified", time.Unix(1700000000, 0).UTC().Format(http.TimeFormat))
			w.Header().Set("Content-Length", "27")
			w.Header().Set("ETag", `"abc"`)
			w.Header().Set("Content-Type", "text/plain")
			w.Header().Set("X-Amz-Meta-Original-Size", "27")
			w.WriteHeader(http.StatusOK)
			if r.Method == http.MethodGet {
				_, _ = io.WriteString(w, fakeObject)
			}
		case "/symbols/v1/denied/ABC1/denied.sym":
			w.WriteHeader(http.StatusForbidden)
		case "/symbols/v1/up/ABC1/up.sym":
			require.Equal(t, http.MethodPut, r.Method)
			assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
			assert.Equal(t, "99", r.Header.Get("X-Amz-Meta-Original-Size"))
			w.Header().Set("ETag", `"def"`)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestMinioBackend(t *testing.T) (*MinioBackend, *Metrics) {
	t.Helper()
	srv := fakeS3(t)
	m := NewMetrics(prometheus.NewRegistry())
	b, err := NewMinioBackend(Descriptor{BaseURL: srv.URL + "/symbols/v1"}, S3Config{
		Region:          "us-east-1",
		AccessKeyID:     "access",
		SecretAccessKey: flagext.SecretWithValue("secret"),
		SignedURLExpiry: 5 * time.Minute,
		Timeout:         5 * time.Second,
	}, m, log.NewNopLogger())
	require.NoError(t, err)
	return b, m
}

func TestMinioBackend_ObjectMetadata(t *testing.T) {
	b, m := newTestMinioBackend(t)
	ctx := context.Background()

	md, err := b.ObjectMetadata(ctx, "a/ABC1/a.sym")
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, int64(27), md.Size)
	assert.Equal(t, int64(27), md.OriginalSize)
	assert.Contains(t, md.URL, "/symbols/v1/a/ABC1/a.sym?")
	assert.Contains(t, md.URL, "X-Amz-Signature=")
	assert.Contains(t, md.URL, "X-Amz-Expires=300")

	md, err = b.ObjectMetadata(ctx, "missing/ABC1/missing.sym")
	require.NoError(t, err)
	assert.Nil(t, md)

	_, err = b.ObjectMetadata(ctx, "denied/ABC1/denied.sym")
	require.True(t, IsDownloadError(err), "unexpected error %v", err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.requests.WithLabelValues(b.Name(), "head", statusSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.requests.WithLabelValues(b.Name(), "head", statusNotFound)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.requests.WithLabelValues(b.Name(), "head", statusErrorUnauthorized)))
}

func TestMinioBackend_Get(t *testing.T) {
	b, _ := newTestMinioBackend(t)
	ctx := context.Background()

	rc, _, err := b.Get(ctx, "a/ABC1/a.sym")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, fakeObject, string(data))

	_, _, err = b.Get(ctx, "missing/ABC1/missing.sym")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMinioBackend_Upload(t *testing.T) {
	b, _ := newTestMinioBackend(t)
	err := b.Upload(context.Background(), "up/ABC1/up.sym", strings.NewReader("gz"), Metadata{
		Size:            2,
		ContentEncoding: "gzip",
		OriginalSize:    99,
	})
	require.NoError(t, err)
}

func TestNewMinioBackend_RequiresBucket(t *testing.T) {
	_, err := NewMinioBackend(Descriptor{BaseURL: "https://s3.example.com"}, S3Config{}, nil, log.NewNopLogger())
	require.Error(t, err)
}
