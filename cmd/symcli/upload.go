package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/grafana/symbolicator/pkg/symbolication"
	"github.com/grafana/symbolicator/pkg/symbolicator"
	"github.com/grafana/symbolicator/pkg/symbols"
)

type uploadParams struct {
	*symbolicatorClient
	paths      []string
	noCompress bool
}

func addUploadParams(cmd commander) *uploadParams {
	p := &uploadParams{symbolicatorClient: addSymbolicatorClient(cmd)}
	cmd.Arg("path", "Path(s) to symbol file(s) to upload.").Required().ExistingFilesVar(&p.paths)
	cmd.Flag("no-compress", "Upload the file as is instead of gzip compressed.").Default("false").BoolVar(&p.noCompress)
	return p
}

// moduleHeader reads the debug file name and debug id declared by the
// MODULE record of a symbol file.
func moduleHeader(data []byte) (debugFilename, debugID string, err error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		f := strings.SplitN(line, " ", 5)
		if len(f) != 5 || f[0] != "MODULE" {
			return "", "", errors.New("symbol file does not start with a MODULE record")
		}
		return f[4], f[3], nil
	}
	if err := sc.Err(); err != nil {
		return "", "", err
	}
	return "", "", errors.New("empty symbol file")
}

func upload(ctx context.Context, p *uploadParams) error {
	for _, path := range p.paths {
		if err := uploadFile(ctx, p, path); err != nil {
			return errors.Wrapf(err, "uploading %s", path)
		}
	}
	return nil
}

func uploadFile(ctx context.Context, p *uploadParams, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	debugFilename, debugID, err := moduleHeader(data)
	if err != nil {
		return err
	}
	// Refuse files the symbolicator would not be able to use.
	if _, err := symbolication.ParseSymbolFile(bytes.NewReader(data), debugFilename, debugID); err != nil {
		return err
	}
	k, err := symbols.NewKey(debugFilename, debugID, "")
	if err != nil {
		return err
	}

	sum := md5.Sum(data)
	header := http.Header{}
	header.Set(symbolicator.HeaderOriginalSize, strconv.Itoa(len(data)))
	header.Set(symbolicator.HeaderOriginalMD5, hex.EncodeToString(sum[:]))
	body := data
	if !p.noCompress {
		if body, err = gzipBytes(data); err != nil {
			return err
		}
		header.Set("Content-Encoding", "gzip")
	}

	resp, err := p.do(ctx, http.MethodPut, p.endpoint("symbols", k.DebugFilename, k.DebugID, k.SymFilename), bytes.NewReader(body), header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return responseError(resp)
	}
	level.Info(logger).Log("msg", "uploaded symbol file", "key", k.String(),
		"size", humanize.IBytes(uint64(len(data))), "uploaded", humanize.IBytes(uint64(len(body))))
	fmt.Println(k.String())
	return nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
