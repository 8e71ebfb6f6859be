package symbols

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/symbolicator/pkg/kvcache"
	"github.com/grafana/symbolicator/pkg/storage"
)

type fakeObject struct {
	data     []byte
	encoding string
}

type fakeBackend struct {
	desc    storage.Descriptor
	name    string
	err     error
	mu      sync.Mutex
	objects map[string]fakeObject
	heads   int
	gets    int
}

func newFakeBackend(name string, desc storage.Descriptor) *fakeBackend {
	if desc.BaseURL == "" {
		desc.BaseURL = "https://" + name
	}
	return &fakeBackend{name: name, desc: desc, objects: map[string]fakeObject{}}
}

func (f *fakeBackend) put(key string, data []byte, encoding string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = fakeObject{data: data, encoding: encoding}
}

func (f *fakeBackend) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heads, f.gets
}

func (f *fakeBackend) Name() string                          { return f.name }
func (f *fakeBackend) Descriptor() storage.Descriptor        { return f.desc }
func (f *fakeBackend) Exists(context.Context) (bool, error) { return true, nil }

func (f *fakeBackend) ObjectMetadata(_ context.Context, key string) (*storage.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads++
	if f.err != nil {
		return nil, f.err
	}
	o, ok := f.objects[key]
	if !ok {
		return nil, nil
	}
	return &storage.Metadata{Size: int64(len(o.data)), ContentEncoding: o.encoding, URL: f.desc.BaseURL + "/" + key}, nil
}

func (f *fakeBackend) Get(_ context.Context, key string) (io.ReadCloser, *storage.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return nil, nil, f.err
	}
	o, ok := f.objects[key]
	if !ok {
		return nil, nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(o.data)), &storage.Metadata{ContentEncoding: o.encoding, URL: f.desc.BaseURL + "/" + key}, nil
}

func (f *fakeBackend) Upload(_ context.Context, key string, r io.Reader, md storage.Metadata) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.put(key, data, md.ContentEncoding)
	return nil
}

func newTestResolver(t *testing.T, cfg Config, backends ...storage.Backend) (*Resolver, *metrics) {
	t.Helper()
	if cfg.LookupTTL == 0 {
		cfg.LookupTTL = time.Minute
	}
	reg := prometheus.NewRegistry()
	cache := kvcache.NewLRU(kvcache.LRUConfig{MaxEntries: 128, MaxTTL: time.Hour})
	r := NewResolver(cfg, backends, cache, log.NewNopLogger(), reg)
	return r, r.metrics
}

func mustKey(t *testing.T, fn, id string) Key {
	t.Helper()
	k, err := NewKey(fn, id, "")
	require.NoError(t, err)
	return k
}

func TestKey(t *testing.T) {
	k := mustKey(t, "xul.pdb", "abcdef0123")
	assert.Equal(t, "ABCDEF0123", k.DebugID)
	assert.Equal(t, "xul.sym", k.SymFilename)
	assert.Equal(t, "xul.pdb/ABCDEF0123/xul.sym", k.String())

	k = mustKey(t, "libxul.so", "1A")
	assert.Equal(t, "libxul.so.sym", k.SymFilename)

	assert.Equal(t, "v1/try/libxul.so/1A/libxul.so.sym", ObjectKey(storage.Descriptor{Prefix: "v1/", Try: true}, k))
	assert.Equal(t, "libxul.so/1A/libxul.so.sym", ObjectKey(storage.Descriptor{}, k))

	for _, bad := range []string{"..", ".", "a/b", `a\b`} {
		_, err := NewKey(bad, "AB", "x.sym")
		assert.Error(t, err, bad)
	}
}

func TestResolver_OrderAndShortCircuit(t *testing.T) {
	first := newFakeBackend("first", storage.Descriptor{})
	second := newFakeBackend("second", storage.Descriptor{})
	third := newFakeBackend("third", storage.Descriptor{})
	k := mustKey(t, "xul.pdb", "abc")
	second.put(ObjectKey(second.desc, k), []byte("MODULE"), "")
	third.put(ObjectKey(third.desc, k), []byte("MODULE"), "")

	r, _ := newTestResolver(t, Config{}, first, second, third)
	u, err := r.GetSymbolURL(context.Background(), k, Options{})
	require.NoError(t, err)
	assert.Equal(t, "https://second/xul.pdb/ABC/xul.sym", u)

	h1, _ := first.calls()
	h3, _ := third.calls()
	assert.Equal(t, 1, h1)
	assert.Equal(t, 0, h3)
}

func TestResolver_CachesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend("b", storage.Descriptor{})
	r, m := newTestResolver(t, Config{}, b)
	k := mustKey(t, "xul.pdb", "abc")

	ok, err := r.HasSymbol(ctx, k, Options{})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = r.HasSymbol(ctx, k, Options{})
	require.NoError(t, err)
	assert.False(t, ok)
	heads, _ := b.calls()
	assert.Equal(t, 1, heads)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.lookups.WithLabelValues("has_symbol", resultCachedMiss)))

	b.put(ObjectKey(b.desc, k), []byte("MODULE"), "")
	ok, _ = r.HasSymbol(ctx, k, Options{})
	assert.False(t, ok, "negative result is cached until invalidated")

	require.NoError(t, r.Invalidate(ctx, k))
	ok, err = r.HasSymbol(ctx, k, Options{})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = r.HasSymbol(ctx, k, Options{})
	assert.True(t, ok)
	heads, _ = b.calls()
	assert.Equal(t, 2, heads)
}

func TestResolver_TransientErrorIsMissAndNotCached(t *testing.T) {
	ctx := context.Background()
	flaky := newFakeBackend("flaky", storage.Descriptor{})
	flaky.err = &storage.StorageError{Backend: "flaky", Op: "head", Err: errors.New("connection reset")}
	good := newFakeBackend("good", storage.Descriptor{})
	r, m := newTestResolver(t, Config{}, flaky, good)
	k := mustKey(t, "xul.pdb", "abc")

	ok, err := r.HasSymbol(ctx, k, Options{})
	require.NoError(t, err)
	assert.False(t, ok)
	_, _ = r.HasSymbol(ctx, k, Options{})
	heads, _ := good.calls()
	assert.Equal(t, 2, heads)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.backendErrors.WithLabelValues("flaky", reasonUnavailable)))

	good.put(ObjectKey(good.desc, k), []byte("MODULE"), "")
	ok, err = r.HasSymbol(ctx, k, Options{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolver_DownloadErrorAborts(t *testing.T) {
	ctx := context.Background()
	broken := newFakeBackend("broken", storage.Descriptor{})
	broken.err = &storage.DownloadError{Backend: "broken", StatusCode: 403}
	good := newFakeBackend("good", storage.Descriptor{})
	k := mustKey(t, "xul.pdb", "abc")
	good.put(ObjectKey(good.desc, k), []byte("MODULE"), "")
	r, _ := newTestResolver(t, Config{}, broken, good)

	_, err := r.GetSymbolURL(ctx, k, Options{})
	require.True(t, storage.IsDownloadError(err))
	_, err = r.GetSymbolStream(ctx, k, Options{})
	require.True(t, storage.IsDownloadError(err))
	heads, gets := good.calls()
	assert.Zero(t, heads)
	assert.Zero(t, gets)
}

func TestResolver_TryBackends(t *testing.T) {
	ctx := context.Background()
	regular := newFakeBackend("regular", storage.Descriptor{})
	try := newFakeBackend("try", storage.Descriptor{Try: true})
	k := mustKey(t, "xul.pdb", "abc")
	try.put(ObjectKey(try.desc, k), []byte("MODULE"), "")
	assert.Equal(t, "try/xul.pdb/ABC/xul.sym", ObjectKey(try.desc, k))

	r, _ := newTestResolver(t, Config{}, try, regular)
	assert.Equal(t, []storage.Backend{regular}, r.Backends(Options{}))
	assert.Equal(t, []storage.Backend{regular, try}, r.Backends(Options{Try: true}))

	ok, err := r.HasSymbol(ctx, k, Options{})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = r.HasSymbol(ctx, k, Options{Try: true})
	require.NoError(t, err)
	assert.True(t, ok)
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zstded(t *testing.T, s string) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll([]byte(s), nil)
}

func TestResolver_GetSymbolStreamDecodes(t *testing.T) {
	const content = "MODULE Linux x86_64 ABC xul\nFUNC 10 4 0 main\n"
	for _, tc := range []struct {
		encoding string
		data     func(t *testing.T) []byte
	}{
		{encoding: "", data: func(*testing.T) []byte { return []byte(content) }},
		{encoding: "gzip", data: func(t *testing.T) []byte { return gzipped(t, content) }},
		{encoding: "zstd", data: func(t *testing.T) []byte { return zstded(t, content) }},
	} {
		t.Run("encoding="+tc.encoding, func(t *testing.T) {
			b := newFakeBackend("b", storage.Descriptor{})
			k := mustKey(t, "xul.pdb", "abc")
			b.put(ObjectKey(b.desc, k), tc.data(t), tc.encoding)
			r, _ := newTestResolver(t, Config{}, b)

			rc, err := r.GetSymbolStream(context.Background(), k, Options{})
			require.NoError(t, err)
			defer rc.Close()
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, content, string(got))
		})
	}
}

func TestResolver_DecodeFailureFallsThrough(t *testing.T) {
	corrupt := newFakeBackend("corrupt", storage.Descriptor{})
	good := newFakeBackend("good", storage.Descriptor{})
	k := mustKey(t, "xul.pdb", "abc")
	corrupt.put(ObjectKey(corrupt.desc, k), []byte("definitely not gzip"), "gzip")
	good.put(ObjectKey(good.desc, k), gzipped(t, "MODULE ok"), "gzip")
	r, m := newTestResolver(t, Config{}, corrupt, good)

	rc, err := r.GetSymbolStream(context.Background(), k, Options{})
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "MODULE ok", string(got))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.backendErrors.WithLabelValues("corrupt", reasonDecode)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.downloads.WithLabelValues("good")))
}

func TestResolver_GetSymbolStreamNotFound(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend("b", storage.Descriptor{})
	r, _ := newTestResolver(t, Config{}, b)
	k := mustKey(t, "xul.pdb", "abc")

	_, err := r.GetSymbolStream(ctx, k, Options{})
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	_, err = r.GetSymbolStream(ctx, k, Options{})
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	_, gets := b.calls()
	assert.Equal(t, 1, gets)
}

func TestResolver_Upload(t *testing.T) {
	ctx := context.Background()
	public := newFakeBackend("public", storage.Descriptor{Public: true})
	private := newFakeBackend("private", storage.Descriptor{})
	r, _ := newTestResolver(t, Config{}, public, private)
	k := mustKey(t, "xul.pdb", "abc")

	ok, _ := r.HasSymbol(ctx, k, Options{})
	require.False(t, ok)

	require.NoError(t, r.Upload(ctx, k, strings.NewReader("MODULE"), storage.Metadata{}, Options{}))
	ok, err := r.HasSymbol(ctx, k, Options{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, public.objects, 0)

	err = r.Upload(ctx, k, strings.NewReader("MODULE"), storage.Metadata{}, Options{Try: true})
	require.Error(t, err)
}

func TestResolver_OpenLocalDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := newFakeBackend("b", storage.Descriptor{})
	k := mustKey(t, "xul.pdb", "abc")
	b.put(ObjectKey(b.desc, k), gzipped(t, "MODULE local"), "gzip")
	r, m := newTestResolver(t, Config{Dir: dir}, b)

	for i := 0; i < 2; i++ {
		rc, err := r.Open(ctx, k, Options{})
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, "MODULE local", string(got))
	}
	_, gets := b.calls()
	assert.Equal(t, 1, gets)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.localFiles.WithLabelValues(localWritten)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.localFiles.WithLabelValues(localHit)))

	data, err := os.ReadFile(filepath.Join(dir, "xul.pdb", "ABC", "xul.sym"))
	require.NoError(t, err)
	assert.Equal(t, "MODULE local", string(data))

	entries, err := os.ReadDir(filepath.Join(dir, "xul.pdb", "ABC"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func symbolFile(lines int) string {
	var sb strings.Builder
	sb.WriteString("MODULE Linux x86_64 ABC xul\n")
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&sb, "FUNC %x %x 0 func_%d\n", i*16, (i*7)%97+1, i)
	}
	return sb.String()
}

func TestResolver_CorruptStreamFallsThrough(t *testing.T) {
	content := symbolFile(50000)
	full := gzipped(t, content)
	truncated := full[:len(full)/2]
	corrupted := append([]byte(nil), full...)
	for i := len(corrupted) / 2; i < len(corrupted)/2+64; i++ {
		corrupted[i] ^= 0xff
	}
	stream := func(r *Resolver, k Key) (io.ReadCloser, error) {
		return r.GetSymbolStream(context.Background(), k, Options{})
	}
	local := func(r *Resolver, k Key) (io.ReadCloser, error) {
		return r.Open(context.Background(), k, Options{})
	}

	for _, tc := range []struct {
		name string
		bad  []byte
		open func(r *Resolver, k Key) (io.ReadCloser, error)
		dir  bool
	}{
		{name: "truncated/stream", bad: truncated, open: stream},
		{name: "truncated/local", bad: truncated, open: local, dir: true},
		{name: "corrupted/stream", bad: corrupted, open: stream},
		{name: "corrupted/local", bad: corrupted, open: local, dir: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			corrupt := newFakeBackend("corrupt", storage.Descriptor{})
			good := newFakeBackend("good", storage.Descriptor{})
			k := mustKey(t, "xul.pdb", "abc")
			corrupt.put(ObjectKey(corrupt.desc, k), tc.bad, "gzip")
			good.put(ObjectKey(good.desc, k), full, "gzip")
			cfg := Config{}
			if tc.dir {
				cfg.Dir = t.TempDir()
			}
			r, m := newTestResolver(t, cfg, corrupt, good)

			rc, err := tc.open(r, k)
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, content, string(got))
			assert.Equal(t, float64(1), testutil.ToFloat64(m.backendErrors.WithLabelValues("corrupt", reasonDecode)))
			assert.Equal(t, float64(1), testutil.ToFloat64(m.downloads.WithLabelValues("good")))

			if tc.dir {
				entries, err := os.ReadDir(filepath.Join(cfg.Dir, "xul.pdb", "ABC"))
				require.NoError(t, err)
				assert.Len(t, entries, 1, "no temporary files left behind")
			}
		})
	}
}

func TestResolver_TruncatedStreamOnlyCopy(t *testing.T) {
	b := newFakeBackend("b", storage.Descriptor{})
	k := mustKey(t, "xul.pdb", "abc")
	full := gzipped(t, symbolFile(50000))
	b.put(ObjectKey(b.desc, k), full[:len(full)/2], "gzip")
	r, _ := newTestResolver(t, Config{}, b)

	_, err := r.GetSymbolStream(context.Background(), k, Options{})
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	_, err = r.GetSymbolStream(context.Background(), k, Options{})
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	_, gets := b.calls()
	assert.Equal(t, 2, gets, "decode failures are not cached as misses")
}

func TestDecode_ErrorNamesNormalisedEncoding(t *testing.T) {
	_, err := decode(" GZIP ", io.NopCloser(strings.NewReader("not gzip")))
	var de *decodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "gzip", de.encoding)

	full := gzipped(t, symbolFile(1000))
	rc, err := decode("X-Gzip", io.NopCloser(bytes.NewReader(full[:len(full)/2])))
	require.NoError(t, err)
	_, err = io.ReadAll(rc)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "x-gzip", de.encoding)
	assert.Contains(t, err.Error(), "decoding x-gzip content")
}

func TestResolver_GetSymbolStreamRemovesTempFile(t *testing.T) {
	b := newFakeBackend("b", storage.Descriptor{})
	k := mustKey(t, "xul.pdb", "abc")
	b.put(ObjectKey(b.desc, k), []byte("MODULE"), "")
	r, _ := newTestResolver(t, Config{}, b)

	rc, err := r.GetSymbolStream(context.Background(), k, Options{})
	require.NoError(t, err)
	f, ok := rc.(*tempFile)
	require.True(t, ok)
	require.NoError(t, rc.Close())
	_, err = os.Stat(f.Name())
	assert.True(t, os.IsNotExist(err))
}

func TestResolver_UploadReplacesLocalFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := newFakeBackend("b", storage.Descriptor{})
	k := mustKey(t, "xul.pdb", "abc")
	r, _ := newTestResolver(t, Config{Dir: dir}, b)

	read := func() string {
		rc, err := r.Open(ctx, k, Options{})
		require.NoError(t, err)
		defer rc.Close()
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		return string(got)
	}

	require.NoError(t, r.Upload(ctx, k, strings.NewReader("MODULE old"), storage.Metadata{}, Options{}))
	assert.Equal(t, "MODULE old", read())
	require.NoError(t, r.Upload(ctx, k, strings.NewReader("MODULE new"), storage.Metadata{}, Options{}))
	assert.Equal(t, "MODULE new", read())

	_, err := os.Stat(LocalPath(dir, k, Options{}))
	require.NoError(t, err)
	require.NoError(t, r.Invalidate(ctx, k))
	_, err = os.Stat(LocalPath(dir, k, Options{}))
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, r.Invalidate(ctx, k), "missing local files are fine")
}

func TestResolver_OpenKeepsTryFilesApart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	try := newFakeBackend("try", storage.Descriptor{Try: true})
	k := mustKey(t, "xul.pdb", "abc")
	try.put(ObjectKey(try.desc, k), []byte("MODULE try"), "")
	r, _ := newTestResolver(t, Config{Dir: dir}, try)

	rc, err := r.Open(ctx, k, Options{Try: true})
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, filepath.Join(dir, "try", "xul.pdb", "ABC", "xul.sym"), LocalPath(dir, k, Options{Try: true}))
	_, err = os.Stat(LocalPath(dir, k, Options{Try: true}))
	require.NoError(t, err)

	_, err = r.Open(ctx, k, Options{})
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}
