package httpds

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"

	"datafair/internal/datasource"
)

// Remote is a file behind a URL.
type Remote struct {
	c   *Client
	url string
}

var _ datasource.Source = (*Remote)(nil)

func (c *Client) Source(url string) *Remote { return &Remote{c: c, url: url} }

func (r *Remote) String() string { return r.url }

// Open starts the download. The name comes from Content-Disposition when
// the server sends one, from the URL otherwise.
func (r *Remote) Open(ctx context.Context) (*datasource.Fetched, error) {
	resp, err := r.c.Get(ctx, r.url, nil)
	if err != nil {
		return nil, err
	}
	name := dispositionName(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = FilenameFromURL(r.url)
	}
	mt := resp.Header.Get("Content-Type")
	if mt == "" || mt == "application/octet-stream" {
		mt = datasource.MimeByName(name)
	}
	return &datasource.Fetched{
		Body:     resp.Body,
		Name:     name,
		MimeType: mt,
		Size:     resp.ContentLength,
	}, nil
}

func dispositionName(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return cleanBase(params["filename"])
}

// FetchFirstBytes returns at most n bytes from the start of url. A Range
// header is sent but servers ignoring it are handled too.
func (c *Client) FetchFirstBytes(ctx context.Context, url string, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("httpds: n must be > 0")
	}
	h := http.Header{}
	h.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))
	resp, err := c.Get(ctx, url, h)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(io.LimitReader(resp.Body, int64(n))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
