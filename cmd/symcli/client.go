package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/symbolicator/pkg/util"
)

const envPrefix = "SYMCLI_"

var (
	json            = jsoniter.ConfigCompatibleWithStandardLibrary
	userAgentHeader = fmt.Sprintf("symcli/%s", version.Version)
)

type commander interface {
	Flag(name, help string) *kingpin.FlagClause
	Arg(name, help string) *kingpin.ArgClause
}

type symbolicatorClient struct {
	URL string
	Try bool

	defaultTransport http.RoundTripper
	client           *http.Client
}

func addSymbolicatorClient(cmd commander) *symbolicatorClient {
	c := &symbolicatorClient{}
	cmd.Flag("url", "URL of the symbolicator.").Default("http://localhost:8000").Envar(envPrefix + "URL").StringVar(&c.URL)
	cmd.Flag("try", "Include try storage.").Default("false").BoolVar(&c.Try)
	return c
}

// httpClient does not follow redirects: the symbol endpoints answer with
// the download location.
func (c *symbolicatorClient) httpClient() *http.Client {
	if c.client == nil {
		if c.defaultTransport == nil {
			c.defaultTransport = http.DefaultTransport
		}
		next := c.defaultTransport
		c.client = &http.Client{
			Transport: util.RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
				req.Header.Set("User-Agent", userAgentHeader)
				return next.RoundTrip(req)
			}),
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	return c.client
}

func (c *symbolicatorClient) endpoint(elem ...string) string {
	parts := make([]string, len(elem))
	for i, e := range elem {
		parts[i] = url.PathEscape(e)
	}
	u := strings.TrimRight(c.URL, "/") + "/" + strings.Join(parts, "/")
	if c.Try {
		u += "?try=1"
	}
	return u
}

func (c *symbolicatorClient) do(ctx context.Context, method, u string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	return c.httpClient().Do(req)
}

// responseError turns an unexpected response into an error, using the
// title of a JSON error body when there is one.
func responseError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Title string `json:"title"`
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &body) == nil {
		if body.Title != "" {
			return fmt.Errorf("%s: %s", resp.Status, body.Title)
		}
		if body.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, body.Error)
		}
	}
	return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
}
