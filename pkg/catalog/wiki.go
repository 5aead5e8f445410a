package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/sharebroker/sharebroker/internal/logger"
	"github.com/sharebroker/sharebroker/pkg/registry"
)

// WikiSourceConfig configures a Confluence-style catalog source.
type WikiSourceConfig struct {
	// BaseURL is the wiki server root, e.g. "https://wiki.example.org".
	BaseURL string

	// Token is the personal access token sent as a bearer credential.
	Token string

	// Space and Page locate the catalog page.
	Space string
	Page  string

	// Timeout bounds one fetch. Default 30s.
	Timeout time.Duration

	// CacheTTL keeps a fetched page this long before hitting the wiki
	// again. Zero disables caching. Guards against back-to-back passes
	// (manual trigger racing the scheduled one) hammering the wiki.
	CacheTTL time.Duration
}

// WikiSource fetches the catalog page from a Confluence-compatible content
// API. Only the minimal response shape is consumed: the rendered body and
// the last-updated timestamp.
type WikiSource struct {
	cfg    WikiSourceConfig
	client *http.Client
	cache  *gocache.Cache
}

// pageEnvelope is the subset of the Confluence content API response we use.
type pageEnvelope struct {
	Results []struct {
		ID   string `json:"id"`
		Body struct {
			View struct {
				Value string `json:"value"`
			} `json:"view"`
		} `json:"body"`
		History struct {
			LastUpdated struct {
				When time.Time `json:"when"`
			} `json:"lastUpdated"`
		} `json:"history"`
	} `json:"results"`
}

// NewWikiSource creates a source for the configured wiki page.
func NewWikiSource(cfg WikiSourceConfig) (*WikiSource, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("wiki source: base URL is required")
	}
	if cfg.Space == "" || cfg.Page == "" {
		return nil, fmt.Errorf("wiki source: space and page are required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	var pageCache *gocache.Cache
	if cfg.CacheTTL > 0 {
		pageCache = gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}

	return &WikiSource{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  pageCache,
	}, nil
}

// FetchCatalog retrieves the catalog page body.
//
// Network and HTTP-level failures wrap registry.ErrUnavailable; an empty or
// missing page wraps registry.ErrParseFailure since it means the catalog
// location itself is wrong or gone.
func (s *WikiSource) FetchCatalog(ctx context.Context) (*Document, error) {
	cacheKey := s.cfg.Space + "/" + s.cfg.Page
	if s.cache != nil {
		if cached, ok := s.cache.Get(cacheKey); ok {
			logger.Debug("Catalog page %q served from cache", cacheKey)
			return cached.(*Document), nil
		}
	}

	endpoint := fmt.Sprintf("%s/rest/api/content?%s", s.cfg.BaseURL, url.Values{
		"spaceKey": {s.cfg.Space},
		"title":    {s.cfg.Page},
		"expand":   {"body.view,history.lastUpdated"},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("wiki fetch: %w", err)
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wiki fetch: %w: %v", registry.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wiki fetch: unexpected status %d: %w",
			resp.StatusCode, registry.ErrUnavailable)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("wiki fetch: %w: %v", registry.ErrUnavailable, err)
	}

	var envelope pageEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("wiki fetch: malformed response: %w", registry.ErrParseFailure)
	}
	if len(envelope.Results) == 0 {
		return nil, fmt.Errorf("wiki fetch: page %q not found in space %q: %w",
			s.cfg.Page, s.cfg.Space, registry.ErrParseFailure)
	}

	page := envelope.Results[0]
	if page.Body.View.Value == "" {
		return nil, fmt.Errorf("wiki fetch: page %q has no body: %w",
			s.cfg.Page, registry.ErrParseFailure)
	}

	doc := &Document{
		Body:        page.Body.View.Value,
		LastUpdated: page.History.LastUpdated.When,
	}
	if s.cache != nil {
		s.cache.Set(cacheKey, doc, gocache.DefaultExpiration)
	}
	return doc, nil
}
