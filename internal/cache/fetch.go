package cache

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/railhub/pkg/types"
)

// Fetcher performs outbound requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchError reports a transport failure or, for install, a non-2xx status.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
}

func (e *FetchError) Unwrap() error { return e.Err }

// fetch issues one request bounded by the fetch timeout and reads the whole
// body. Any HTTP status is a successful fetch; only transport errors fail.
func (c *Controller) fetch(ctx context.Context, method, url string, hdr http.Header, body io.Reader) (types.CachedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return types.CachedResponse{}, &FetchError{URL: url, Err: err}
	}
	copyHeaders(req.Header, hdr)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.client.Do(req)
	if err != nil {
		return types.CachedResponse{}, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.CachedResponse{}, &FetchError{URL: url, Status: resp.StatusCode, Err: err}
	}

	ent := types.CachedResponse{
		URL:      url,
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
		Hash32:   hash32(b),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func hash32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

func is2xx(resp types.CachedResponse) bool {
	return resp.Status >= 200 && resp.Status < 300
}

// storable reports whether resp may be written to a generation.
func storable(resp types.CachedResponse) bool {
	if !is2xx(resp) {
		return false
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store")
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
