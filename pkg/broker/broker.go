// Package broker mediates read access to registered paths.
//
// Local shares are touched under the requesting user's effective OS
// identity; object-store shares are reached through their HTTP proxy. The
// caller sees one uniform operation surface either way.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sharebroker/sharebroker/pkg/metrics"
	"github.com/sharebroker/sharebroker/pkg/registry"
)

// Op is one brokered operation.
type Op string

const (
	OpStat      Op = "stat"
	OpList      Op = "list"
	OpReadRange Op = "read_range"
)

// Valid reports whether op is a known operation.
func (op Op) Valid() bool {
	switch op {
	case OpStat, OpList, OpReadRange:
		return true
	}
	return false
}

// Request is one access call against a registered path.
type Request struct {
	// PathID is the registry id of the target record.
	PathID string

	// Caller is the OS username whose identity local calls assume.
	Caller string

	// Op selects the operation.
	Op Op

	// Relative is the target's path below the share root. Empty means the
	// root itself.
	Relative string

	// Offset and Length bound a ReadRange. Length 0 reads to the end.
	Offset int64
	Length int64
}

// Attributes describes one filesystem object.
type Attributes struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mtime"`
}

// Entry is one directory listing row.
type Entry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mtime"`
}

// Result carries the outcome of one access call. Exactly one of the three
// payload fields is set, matching the request's op. Callers of ReadRange own
// the reader and must close it.
type Result struct {
	Attributes *Attributes
	Entries    []Entry
	Reader     io.ReadCloser
	Length     int64
}

// Config tunes the broker.
type Config struct {
	// CallTimeout bounds one access call end to end, including the wait
	// for the identity slot. Default 30s.
	CallTimeout time.Duration

	// ProxyToken is sent as a bearer credential on object-store calls.
	ProxyToken string
}

func (c *Config) applyDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// Broker resolves path records and dispatches operations to the record's
// backend.
type Broker struct {
	store    registry.Store
	switcher *IdentitySwitcher
	cfg      Config
	client   *http.Client
	metrics  metrics.BrokerMetrics
}

// New creates a broker. A nil metrics sink disables instrumentation.
func New(store registry.Store, switcher *IdentitySwitcher, cfg Config, m metrics.BrokerMetrics) *Broker {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.NewNoopBrokerMetrics()
	}
	return &Broker{
		store:    store,
		switcher: switcher,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.CallTimeout},
		metrics:  m,
	}
}

// Access performs one brokered operation.
//
// Errors are drawn from the registry taxonomy: ErrNotFound for missing
// records or targets, ErrPermissionDenied when the caller's identity is
// refused, ErrUnavailable for unreachable backends, ErrInvalidOperation for
// an op the record's backend does not support.
func (b *Broker) Access(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	rec, res, err := b.access(ctx, req)

	backend := "unknown"
	if rec != nil {
		backend = string(rec.Backend)
	}
	b.metrics.ObserveAccess(backend, string(req.Op), outcomeLabel(err), time.Since(start))
	return res, err
}

func (b *Broker) access(ctx context.Context, req Request) (*registry.PathRecord, *Result, error) {
	if !req.Op.Valid() {
		return nil, nil, fmt.Errorf("unknown operation %q: %w", req.Op, registry.ErrInvalidOperation)
	}
	if req.Caller == "" {
		return nil, nil, fmt.Errorf("caller is required: %w", registry.ErrPermissionDenied)
	}
	if req.Offset < 0 || req.Length < 0 {
		return nil, nil, fmt.Errorf("negative range: %w", registry.ErrInvalidOperation)
	}
	if err := validateRelative(req.Relative); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)

	rec, err := b.store.GetPath(ctx, req.PathID)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	var res *Result
	switch rec.Backend {
	case registry.BackendLocalFS:
		res, err = b.accessLocal(ctx, rec, req)
	case registry.BackendObjectStore:
		res, err = b.accessObjectStore(ctx, rec, req)
	default:
		err = fmt.Errorf("record %s has unknown backend %q: %w",
			rec.ID, rec.Backend, registry.ErrInvalidOperation)
	}

	if err != nil || res == nil || res.Reader == nil {
		cancel()
		return rec, res, err
	}

	// A streaming result outlives this call: a proxy body is bound to the
	// request context, so cancelling here would kill the caller's reads
	// mid-stream. The context stays alive until the reader is closed.
	res.Reader = &cancelOnClose{ReadCloser: res.Reader, cancel: cancel}
	return rec, res, nil
}

// cancelOnClose releases a streaming result's request context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// validateRelative rejects traversal out of the share root.
func validateRelative(rel string) error {
	if rel == "" {
		return nil
	}
	if len(rel) > 0 && rel[0] == '/' {
		return fmt.Errorf("relative path %q is absolute: %w", rel, registry.ErrInvalidOperation)
	}
	for _, part := range splitPath(rel) {
		if part == ".." {
			return fmt.Errorf("relative path %q escapes the share: %w", rel, registry.ErrInvalidOperation)
		}
	}
	return nil
}

func splitPath(p string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				parts = append(parts, p[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, registry.ErrNotFound):
		return "not_found"
	case errors.Is(err, registry.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, registry.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, registry.ErrInvalidOperation):
		return "invalid"
	default:
		return "error"
	}
}
