package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sharebroker/sharebroker/pkg/registry"
)

// accessObjectStore performs one operation against the record's HTTP proxy.
// No identity switching: the proxy enforces its own access control and the
// caller's name travels as a header for auditing.
func (b *Broker) accessObjectStore(ctx context.Context, rec *registry.PathRecord, req Request) (*Result, error) {
	if rec.ProxyURL == "" {
		return nil, fmt.Errorf("record %s has no proxy URL: %w", rec.ID, registry.ErrInvalidOperation)
	}

	target, err := joinProxyURL(rec.ProxyURL, req.Relative)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w: %v", rec.ID, registry.ErrInvalidOperation, err)
	}

	switch req.Op {
	case OpStat:
		return b.proxyStat(ctx, target, req)
	case OpList:
		return b.proxyList(ctx, target, req)
	case OpReadRange:
		return b.proxyReadRange(ctx, target, req)
	default:
		return nil, fmt.Errorf("operation %q not supported on object stores: %w",
			req.Op, registry.ErrInvalidOperation)
	}
}

func (b *Broker) proxyStat(ctx context.Context, target string, req Request) (*Result, error) {
	resp, err := b.proxyDo(ctx, http.MethodHead, target, req, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	attrs := &Attributes{
		Name:  baseName(req.Relative),
		IsDir: resp.Header.Get("X-Object-Dir") == "true",
	}
	if v := resp.Header.Get("Content-Length"); v != "" {
		attrs.Size, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := resp.Header.Get("Last-Modified"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			attrs.ModTime = t
		}
	}
	return &Result{Attributes: attrs}, nil
}

func (b *Broker) proxyList(ctx context.Context, target string, req Request) (*Result, error) {
	resp, err := b.proxyDo(ctx, http.MethodGet, target+"?list", req, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var entries []Entry
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&entries); err != nil {
		return nil, fmt.Errorf("malformed listing from proxy: %w: %v", registry.ErrUnavailable, err)
	}
	return &Result{Entries: entries}, nil
}

func (b *Broker) proxyReadRange(ctx context.Context, target string, req Request) (*Result, error) {
	var rangeHeader string
	if req.Offset > 0 || req.Length > 0 {
		if req.Length > 0 {
			rangeHeader = fmt.Sprintf("bytes=%d-%d", req.Offset, req.Offset+req.Length-1)
		} else {
			rangeHeader = fmt.Sprintf("bytes=%d-", req.Offset)
		}
	}

	resp, err := b.proxyDo(ctx, http.MethodGet, target, req, func(r *http.Request) {
		if rangeHeader != "" {
			r.Header.Set("Range", rangeHeader)
		}
	})
	if err != nil {
		return nil, err
	}

	length := int64(-1)
	if v := resp.Header.Get("Content-Length"); v != "" {
		length, _ = strconv.ParseInt(v, 10, 64)
	}
	// Caller owns resp.Body now.
	return &Result{Reader: resp.Body, Length: length}, nil
}

// proxyDo issues one request and maps the response status into the registry
// taxonomy. On success the caller owns the response.
func (b *Broker) proxyDo(ctx context.Context, method, target string, req Request, modify func(*http.Request)) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("proxy request: %w", err)
	}
	if b.cfg.ProxyToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.cfg.ProxyToken)
	}
	httpReq.Header.Set("X-Broker-User", req.Caller)
	if modify != nil {
		modify(httpReq)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("proxy unreachable: %w: %v", registry.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("proxy object missing: %w", registry.ErrNotFound)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return nil, fmt.Errorf("proxy refused access: %w", registry.ErrPermissionDenied)
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, fmt.Errorf("proxy error %d: %w", resp.StatusCode, registry.ErrUnavailable)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("proxy returned unexpected status %d: %w",
			resp.StatusCode, registry.ErrInvalidOperation)
	}
}

// joinProxyURL appends rel to the proxy base URL, escaping each segment.
func joinProxyURL(base, rel string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if rel != "" {
		segments := strings.Split(rel, "/")
		parts := make([]string, 0, len(segments))
		for _, s := range segments {
			if s != "" {
				parts = append(parts, s)
			}
		}
		u = u.JoinPath(parts...)
	}
	return u.String(), nil
}

func baseName(rel string) string {
	if rel == "" {
		return "/"
	}
	parts := splitPath(rel)
	if len(parts) == 0 {
		return "/"
	}
	return parts[len(parts)-1]
}
