// Package crm is the best-effort client for upstream lead status updates.
// Failures are logged and swallowed; the core never blocks on the CRM.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Updater is the update surface the ingress consumes.
type Updater interface {
	Update(ctx context.Context, leadID, status, note string)
}

// Config configures the CRM client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client posts lead status updates to the upstream CRM.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a CRM client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type updatePayload struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// Update posts a lead status change. Errors are logged, never returned:
// CRM sync must not gate record progression.
func (c *Client) Update(ctx context.Context, leadID, status, note string) {
	if leadID == "" {
		return
	}
	if err := c.update(ctx, leadID, status, note); err != nil {
		slog.Warn("[CRM] Lead update failed", "lead_id", leadID, "status", status, "error", err)
	}
}

func (c *Client) update(ctx context.Context, leadID, status, note string) error {
	b, err := json.Marshal(updatePayload{Status: status, Note: note})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/leads/"+leadID+"/status", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("crm returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

// Noop is an Updater that does nothing; used when no CRM is configured.
type Noop struct{}

// Update implements Updater.
func (Noop) Update(context.Context, string, string, string) {}
