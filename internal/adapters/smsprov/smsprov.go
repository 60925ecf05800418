// Package smsprov is the REST client for the SMS provider plus inbound
// payload parsing.
package smsprov

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

// Sender is the send surface the SMS dispatch loop consumes.
type Sender interface {
	Send(ctx context.Context, phone, from, body string) (msgID string, err error)
}

// Config configures the provider client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is the HTTP client for the SMS provider.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates an SMS provider client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type sendPayload struct {
	To   string `json:"to"`
	From string `json:"from"`
	Body string `json:"body"`
}

type sendResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	MsgID   string `json:"message_id,omitempty"`
}

// Send submits one message and returns the provider message id.
func (c *Client) Send(ctx context.Context, phone, from, body string) (string, error) {
	if phone == "" {
		return "", fmt.Errorf("send requires a phone")
	}

	b, err := json.Marshal(sendPayload{To: "+1" + phone, From: from, Body: body})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms provider send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("sms provider returned %d: %s", resp.StatusCode, snippet)
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	if out.MsgID == "" {
		return "", fmt.Errorf("provider accepted send without a message id: %s", out.Message)
	}

	slog.Info("[SMSProvider] Message accepted", "msg_id", out.MsgID)
	return out.MsgID, nil
}

// InboundSMS is a normalized inbound message.
type InboundSMS struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// ParseInbound decodes an inbound webhook body.
func ParseInbound(body []byte) (*InboundSMS, error) {
	var in InboundSMS
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("decode inbound sms: %w", err)
	}
	if in.From == "" {
		return nil, fmt.Errorf("inbound sms has no sender")
	}
	return &in, nil
}
