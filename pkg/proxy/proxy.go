// Package proxy serves object-store shares over HTTP.
//
// Each share maps a URL prefix to an S3 bucket and key prefix. The access
// broker (or any HTTP client holding the token) reads objects through
// GET/HEAD /{share}/{key}, with Range support and a ?list query for
// directory-style listings.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/sharebroker/sharebroker/internal/logger"
)

// S3API is the slice of the S3 client the proxy uses.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Share maps one URL prefix onto a bucket location.
type Share struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string

	// Prefix is prepended to every key under this share. Optional.
	Prefix string
}

// Config configures the proxy server.
type Config struct {
	// Port to listen on. Default: 8081
	Port int

	// Token is the bearer credential clients must present. Empty disables
	// authentication (local development only).
	Token string

	// Shares maps the first URL path segment to a bucket location.
	Shares map[string]Share
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 8081
	}
}

// listEntry is one row of a ?list response. The field names are part of the
// wire contract with the access broker.
type listEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mtime"`
}

// Server is the proxy HTTP server.
type Server struct {
	cfg          Config
	client       S3API
	server       *http.Server
	shutdownOnce sync.Once
}

// NewServer creates a proxy for the configured shares using client for
// object access.
func NewServer(cfg Config, client S3API) (*Server, error) {
	cfg.applyDefaults()
	if client == nil {
		return nil, fmt.Errorf("proxy: S3 client is required")
	}
	for name, share := range cfg.Shares {
		if share.Bucket == "" {
			return nil, fmt.Errorf("proxy: share %q has no bucket", name)
		}
	}

	s := &Server{cfg: cfg, client: client}
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // large object downloads
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the proxy's HTTP handler, for embedding in another server.
func (s *Server) Handler() http.Handler {
	return s.handler()
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveObject)
	return mux
}

func (s *Server) serveObject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	shareName, key := splitShare(r.URL.Path)
	share, ok := s.cfg.Shares[shareName]
	if !ok {
		http.NotFound(w, r)
		return
	}
	fullKey := share.Prefix + key

	switch {
	case r.URL.Query().Has("list"):
		s.list(w, r, share.Bucket, fullKey)
	case r.Method == http.MethodHead:
		s.head(w, r, share.Bucket, fullKey)
	default:
		s.get(w, r, share.Bucket, fullKey)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.Token
}

func (s *Server) head(w http.ResponseWriter, r *http.Request, bucket, key string) {
	out, err := s.client.HeadObject(r.Context(), &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.writeS3Error(w, r, err)
		return
	}

	if out.ContentLength != nil {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", *out.ContentLength))
	}
	if out.LastModified != nil {
		w.Header().Set("Last-Modified", out.LastModified.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request, bucket, key string) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		input.Range = aws.String(rangeHeader)
	}

	out, err := s.client.GetObject(r.Context(), input)
	if err != nil {
		s.writeS3Error(w, r, err)
		return
	}
	defer out.Body.Close()

	if out.ContentLength != nil {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", *out.ContentLength))
	}
	if out.LastModified != nil {
		w.Header().Set("Last-Modified", out.LastModified.UTC().Format(http.TimeFormat))
	}
	if rangeHeader != "" {
		if out.ContentRange != nil {
			w.Header().Set("Content-Range", *out.ContentRange)
		}
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if _, err := io.Copy(w, out.Body); err != nil {
		// Headers already sent; nothing to do but log.
		logger.Debug("Aborted object stream for %s/%s: %v", bucket, key, err)
	}
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, bucket, key string) {
	prefix := key
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var entries []listEntry
	var continuation *string
	for {
		out, err := s.client.ListObjectsV2(r.Context(), &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: continuation,
		})
		if err != nil {
			s.writeS3Error(w, r, err)
			return
		}

		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			entries = append(entries, listEntry{Name: name, IsDir: true})
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue
			}
			entry := listEntry{Name: name, Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				entry.ModTime = *obj.LastModified
			}
			entries = append(entries, entry)
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuation = out.NextContinuationToken
	}

	if entries == nil {
		entries = []listEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		logger.Debug("Failed to encode listing for %s/%s: %v", bucket, key, err)
	}
}

// writeS3Error maps SDK errors onto HTTP statuses.
func (s *Server) writeS3Error(w http.ResponseWriter, r *http.Request, err error) {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		http.NotFound(w, r)
	default:
		logger.Error("Object store error for %s: %v", r.URL.Path, err)
		http.Error(w, "object store error", http.StatusBadGateway)
	}
}

// splitShare separates the share name from the object key.
func splitShare(urlPath string) (share, key string) {
	trimmed := strings.TrimPrefix(urlPath, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i], trimmed[i+1:]
	}
	return trimmed, ""
}

// Start starts the proxy server and blocks until the context is cancelled
// or the server fails.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Object proxy listening on port %d (%d shares)", s.cfg.Port, len(s.cfg.Shares))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("object proxy failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("object proxy shutdown error: %w", err)
		} else {
			logger.Info("Object proxy stopped gracefully")
		}
	})
	return shutdownErr
}
