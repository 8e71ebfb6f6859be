package symbols

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/grafana/dskit/multierror"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type decodeError struct {
	encoding string
	err      error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("decoding %s content: %v", e.encoding, e.err)
}

func (e *decodeError) Unwrap() error { return e.err }

// decode wraps rc with a decoder for the given content encoding. Every read
// error from the returned reader is a *decodeError, including errors of the
// underlying body.
func decode(encoding string, rc io.ReadCloser) (io.ReadCloser, error) {
	enc := strings.ToLower(strings.TrimSpace(encoding))
	d := &decodedReader{encoding: enc, underlying: rc}
	switch enc {
	case "", "identity":
		d.encoding = "identity"
		d.r = rc
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(rc)
		if err != nil {
			return nil, &decodeError{encoding: enc, err: err}
		}
		d.r, d.closeFn = gz, func() { _ = gz.Close() }
	case "zstd":
		zd, err := zstd.NewReader(rc)
		if err != nil {
			return nil, &decodeError{encoding: enc, err: err}
		}
		d.r, d.closeFn = zd, zd.Close
	case "br":
		d.r = brotli.NewReader(rc)
	default:
		return nil, &decodeError{encoding: enc, err: fmt.Errorf("unsupported content encoding")}
	}
	return d, nil
}

type decodedReader struct {
	r          io.Reader
	encoding   string
	closeFn    func()
	underlying io.Closer
}

func (d *decodedReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err != nil && err != io.EOF {
		err = &decodeError{encoding: d.encoding, err: err}
	}
	return n, err
}

func (d *decodedReader) Close() error {
	errs := multierror.New()
	if d.closeFn != nil {
		d.closeFn()
	}
	errs.Add(d.underlying.Close())
	return errs.Err()
}

// spool decodes body into a temporary file created in dir. Decoding
// failures are returned as *decodeError; anything else is a local failure.
// The returned file is positioned at its start. body is always closed.
func spool(dir, encoding string, body io.ReadCloser) (_ *os.File, err error) {
	dec, err := decode(encoding, body)
	if err != nil {
		_ = body.Close()
		return nil, err
	}
	defer dec.Close()
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = io.Copy(tmp, dec); err != nil {
		return nil, err
	}
	if _, err = tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return tmp, nil
}

// tempFile removes itself on Close.
type tempFile struct {
	*os.File
}

func (f *tempFile) Close() error {
	errs := multierror.New()
	errs.Add(f.File.Close())
	if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
		errs.Add(err)
	}
	return errs.Err()
}
