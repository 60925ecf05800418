// Package voice is the REST client for the voice-AI provider: dial
// initiation and completion-payload parsing. The provider runs the actual
// call; the core only hands it a number and later receives a webhook.
package voice

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

// Dialer is the dial surface the dispatch loop consumes.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (callID string, err error)
}

// DialRequest carries everything the provider needs to place one call.
type DialRequest struct {
	Phone     string
	LeadID    string
	ListID    string
	FirstName string
	LastName  string
	State     string
	RequestID string
	Attempt   int
}

// Config configures the provider client.
type Config struct {
	BaseURL    string
	APIKey     string
	From       string
	PathwayID  string
	WebhookURL string
	Timeout    time.Duration
}

// Client is the HTTP client for the voice provider.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a voice provider client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// dialPayload is the provider's call-initiation body.
type dialPayload struct {
	PhoneNumber string            `json:"phone_number"`
	PathwayID   string            `json:"pathway_id,omitempty"`
	From        string            `json:"from,omitempty"`
	Webhook     string            `json:"webhook,omitempty"`
	Voicemail   *voicemailConfig  `json:"voicemail,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RequestData map[string]string `json:"request_data,omitempty"`
}

type voicemailConfig struct {
	Action string `json:"action"`
}

type dialResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	CallID  string `json:"call_id,omitempty"`
}

// Dial initiates an outbound call and returns the provider call id.
func (c *Client) Dial(ctx context.Context, req DialRequest) (string, error) {
	if req.Phone == "" {
		return "", fmt.Errorf("dial requires a phone")
	}

	payload := dialPayload{
		PhoneNumber: "+1" + req.Phone,
		PathwayID:   c.cfg.PathwayID,
		From:        c.cfg.From,
		Webhook:     c.cfg.WebhookURL,
		Voicemail:   &voicemailConfig{Action: "hangup"},
		Metadata: map[string]string{
			"lead_id":    req.LeadID,
			"list_id":    req.ListID,
			"request_id": req.RequestID,
		},
		RequestData: map[string]string{
			"first_name": req.FirstName,
			"last_name":  req.LastName,
			"state":      req.State,
		},
	}

	var resp dialResponse
	if err := c.post(ctx, "/v1/calls", payload, &resp); err != nil {
		return "", err
	}
	if resp.CallID == "" {
		return "", fmt.Errorf("provider accepted dial without a call id: %s", resp.Message)
	}

	slog.Info("[Voice] Call initiated",
		"call_id", resp.CallID,
		"lead_id", req.LeadID,
		"request_id", req.RequestID,
	)
	return resp.CallID, nil
}

// Stop terminates an in-flight call. Best effort; used by admin tooling.
func (c *Client) Stop(ctx context.Context, callID string) error {
	if callID == "" {
		return fmt.Errorf("stop requires a call id")
	}
	return c.post(ctx, "/v1/calls/"+callID+"/stop", nil, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		buf = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("voice provider %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("voice provider %s returned %d: %s", path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
