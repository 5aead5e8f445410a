package tickets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sharebroker/sharebroker/internal/logger"
	"github.com/sharebroker/sharebroker/pkg/registry"
)

// TicketFields is the content of a new external ticket.
type TicketFields struct {
	Project     string
	Summary     string
	Description string
	IssueType   string
}

// TicketAPI is the external ticketing system as the engine sees it.
type TicketAPI interface {
	// CreateTicket opens a ticket and returns its external key.
	CreateTicket(ctx context.Context, fields TicketFields) (string, error)

	// GetStatus returns the ticket's current status name.
	GetStatus(ctx context.Context, externalID string) (string, error)
}

// ClientConfig configures the JIRA-compatible HTTP client.
type ClientConfig struct {
	// BaseURL is the ticketing server root, e.g. "https://issues.example.org".
	BaseURL string

	// Token is the personal access token sent as a bearer credential.
	Token string

	// Timeout bounds one API call. Default 15s.
	Timeout time.Duration

	// MaxRetries bounds attempts for transient failures (5xx, network).
	// Default 3.
	MaxRetries int
}

// Client talks to a JIRA-compatible REST API.
//
// Transient failures (network errors, 5xx) are retried with exponential
// backoff inside the configured budget; everything still failing after that
// surfaces as ErrUnavailable.
type Client struct {
	cfg    ClientConfig
	client *http.Client
}

// NewClient creates a ticketing client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ticket client: base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type createRequest struct {
	Fields struct {
		Project struct {
			Key string `json:"key"`
		} `json:"project"`
		Summary     string `json:"summary"`
		Description string `json:"description"`
		IssueType   struct {
			Name string `json:"name"`
		} `json:"issuetype"`
	} `json:"fields"`
}

type createResponse struct {
	Key string `json:"key"`
}

type statusResponse struct {
	Fields struct {
		Status struct {
			Name string `json:"name"`
		} `json:"status"`
	} `json:"fields"`
}

// CreateTicket opens a ticket and returns its key.
func (c *Client) CreateTicket(ctx context.Context, fields TicketFields) (string, error) {
	var payload createRequest
	payload.Fields.Project.Key = fields.Project
	payload.Fields.Summary = fields.Summary
	payload.Fields.Description = fields.Description
	payload.Fields.IssueType.Name = fields.IssueType

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("ticket create: %w", err)
	}

	var out createResponse
	err = c.do(ctx, http.MethodPost, "/rest/api/2/issue", body, &out)
	if err != nil {
		return "", err
	}
	if out.Key == "" {
		return "", fmt.Errorf("ticket create: response missing key: %w", registry.ErrUnavailable)
	}
	return out.Key, nil
}

// GetStatus returns the ticket's current status name.
func (c *Client) GetStatus(ctx context.Context, externalID string) (string, error) {
	var out statusResponse
	err := c.do(ctx, http.MethodGet, "/rest/api/2/issue/"+externalID+"?fields=status", nil, &out)
	if err != nil {
		return "", err
	}
	if out.Fields.Status.Name == "" {
		return "", fmt.Errorf("ticket %s: response missing status: %w", externalID, registry.ErrUnavailable)
	}
	return out.Fields.Status.Name, nil
}

// do performs one API call with retries for transient failures.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			logger.Debug("Retrying ticket API call %s %s in %v (attempt %d)", method, path, backoff, attempt+1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("ticket api: %w", ctx.Err())
			}
		}

		retryable, err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return lastErr
}

// doOnce performs one attempt. The bool reports whether the failure is worth
// retrying.
func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("ticket api: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("ticket api: %w: %v", registry.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
			return false, fmt.Errorf("ticket api: malformed response: %w", registry.ErrUnavailable)
		}
		return false, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, fmt.Errorf("ticket api: %s: %w", path, registry.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, fmt.Errorf("ticket api: refused (%d): %w", resp.StatusCode, registry.ErrPermissionDenied)
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("ticket api: server error %d: %w", resp.StatusCode, registry.ErrUnavailable)
	default:
		return false, fmt.Errorf("ticket api: unexpected status %d: %w", resp.StatusCode, registry.ErrUnavailable)
	}
}

var _ TicketAPI = (*Client)(nil)
