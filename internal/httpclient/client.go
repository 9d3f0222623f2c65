package httpclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// Client is the HTTP transport shared by every API consumer. It keeps
// connections alive across requests and transparently decompresses
// gzip and deflate response bodies.
type Client struct {
	http *http.Client
}

// Options configures the transport
type Options struct {
	// Timeout bounds a full request/response cycle (default 45s)
	Timeout time.Duration
	// PoolSize is the keep-alive connection budget per host; it should
	// cover all concurrent workers plus headroom
	PoolSize int
}

// New creates a transport with the given options
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 16
	}

	transport := &http.Transport{
		MaxIdleConns:        opts.PoolSize * 2,
		MaxIdleConnsPerHost: opts.PoolSize,
		IdleConnTimeout:     90 * time.Second,
		// Compression is negotiated and decoded here so the encoding
		// headers stay visible to callers
		DisableCompression: true,
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
	}
}

// Response is a decoded HTTP response
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// IsJSON reports whether the response declared a JSON content type
func (r *Response) IsJSON() bool {
	return strings.Contains(strings.ToLower(r.Headers.Get("Content-Type")), "json")
}

// Get executes a GET request
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodGet, url, nil, headers)
}

// Post executes a POST request
func (c *Client) Post(ctx context.Context, url string, body []byte, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodPost, url, body, headers)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, headers map[string]string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &StatusError{Method: method, URL: url, cause: err}
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &StatusError{Method: method, URL: url, cause: err}
	}
	defer resp.Body.Close()

	decoded, err := decodeBody(resp)
	if err != nil {
		return nil, &StatusError{Method: method, URL: url, cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			Status:  resp.StatusCode,
			Method:  method,
			URL:     url,
			Headers: resp.Header,
		}
	}

	return &Response{
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    decoded,
	}, nil
}

func decodeBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body

	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fr := flate.NewReader(resp.Body)
		defer fr.Close()
		r = fr
	}

	return io.ReadAll(r)
}
