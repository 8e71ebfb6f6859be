package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/andybalholm/brotli"
	"github.com/fatih/color"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/grafana/symbolicator/pkg/symbols"
)

type symbolParams struct {
	*symbolicatorClient
	debugFilename string
	debugID       string
	symFilename   string
}

func addSymbolParams(cmd commander) *symbolParams {
	p := &symbolParams{symbolicatorClient: addSymbolicatorClient(cmd)}
	cmd.Arg("debug-filename", "Debug file name of the module, e.g. xul.pdb or libxul.so.").Required().StringVar(&p.debugFilename)
	cmd.Arg("debug-id", "Debug id of the module.").Required().StringVar(&p.debugID)
	cmd.Flag("sym-filename", "Symbol file name. Derived from the debug file name when empty.").Default("").StringVar(&p.symFilename)
	return p
}

func (p *symbolParams) key() (symbols.Key, error) {
	return symbols.NewKey(p.debugFilename, p.debugID, p.symFilename)
}

func (p *symbolParams) symbolEndpoint() (string, error) {
	k, err := p.key()
	if err != nil {
		return "", err
	}
	return p.endpoint("symbols", k.DebugFilename, k.DebugID, k.SymFilename), nil
}

// locate returns the download URL of the symbol file.
func (p *symbolParams) locate(ctx context.Context, method string) (string, error) {
	u, err := p.symbolEndpoint()
	if err != nil {
		return "", err
	}
	resp, err := p.do(ctx, method, u, nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusFound:
		return resp.Header.Get("Location"), nil
	case http.StatusNotFound:
		return "", errNotFound
	default:
		return "", responseError(resp)
	}
}

func exists(ctx context.Context, p *symbolParams) error {
	_, err := p.locate(ctx, http.MethodHead)
	switch {
	case err == nil:
		fmt.Println(color.GreenString("found"))
	case errors.Is(err, errNotFound):
		fmt.Println(color.RedString("missing"))
	}
	return err
}

func symbolURL(ctx context.Context, p *symbolParams) error {
	u, err := p.locate(ctx, http.MethodGet)
	if errors.Is(err, errNotFound) {
		fmt.Fprintln(os.Stderr, color.RedString("missing"))
	}
	if err != nil {
		return err
	}
	fmt.Println(u)
	return nil
}

type fetchParams struct {
	*symbolParams
	output string
}

func addFetchParams(cmd commander) *fetchParams {
	p := &fetchParams{symbolParams: addSymbolParams(cmd)}
	cmd.Flag("output", "Where to write the symbol file. '-' writes to stdout.").Short('o').Default("-").StringVar(&p.output)
	return p
}

func fetch(ctx context.Context, p *fetchParams) (err error) {
	u, err := p.locate(ctx, http.MethodGet)
	if errors.Is(err, errNotFound) {
		fmt.Fprintln(os.Stderr, color.RedString("missing"))
	}
	if err != nil {
		return err
	}
	level.Debug(logger).Log("msg", "downloading symbol file", "url", u)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept-Encoding", "gzip, zstd, br")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	body, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if p.output != "-" {
		f, err := os.Create(p.output)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		out = f
	}
	n, err := io.Copy(out, body)
	if err != nil {
		return err
	}
	level.Debug(logger).Log("msg", "symbol file downloaded", "bytes", n)
	return nil
}

func decodeBody(encoding string, r io.Reader) (io.Reader, error) {
	switch encoding {
	case "", "identity":
		return r, nil
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "zstd":
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case "br":
		return brotli.NewReader(r), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func invalidate(ctx context.Context, p *symbolParams) error {
	k, err := p.key()
	if err != nil {
		return err
	}
	resp, err := p.do(ctx, http.MethodPost, p.endpoint("symbols", k.DebugFilename, k.DebugID, "invalidate"), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return responseError(resp)
	}
	level.Info(logger).Log("msg", "invalidated", "module", k.DebugFilename, "debug_id", k.DebugID)
	return nil
}
