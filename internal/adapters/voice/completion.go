package voice

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// completionPayload is the provider's completion webhook body. Only the
// fields the core consumes are decoded; the rest of the payload is ignored.
type completionPayload struct {
	CallID        string  `json:"call_id"`
	To            string  `json:"to"`
	From          string  `json:"from"`
	AnsweredBy    string  `json:"answered_by"`
	Disposition   string  `json:"disposition_tag"`
	Completed     bool    `json:"completed"`
	QueueStatus   string  `json:"queue_status"`
	TransferredTo string  `json:"transferred_to"`
	CallLength    float64 `json:"call_length"`
	Summary       string  `json:"summary"`
	ErrorMessage  string  `json:"error_message"`

	Analysis *struct {
		Disposition string `json:"disposition"`
	} `json:"analysis"`

	Variables map[string]string `json:"variables"`
	Metadata  map[string]string `json:"metadata"`
}

// Completion is the normalized completion event handed to the ingress.
type Completion struct {
	CallID         string
	Phone          string
	AnsweredBy     string
	DispositionTag string
	Summary        string
	CallLength     float64
	ErrorMessage   string

	// TransferredMerged is true only when the provider reports the customer
	// and agent legs bridged; the single condition for a transfer success.
	TransferredMerged bool

	LeadID    string
	ListID    string
	RequestID string

	// CallbackAt is the customer-requested callback instant, when present.
	CallbackAt *time.Time
}

// callback instants arrive either as RFC3339 or as a local wall-clock string.
var callbackLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04"}

// ParseCompletion decodes and normalizes a completion webhook body. Wall-clock
// callback times are interpreted in loc.
func ParseCompletion(body []byte, loc *time.Location) (*Completion, error) {
	var p completionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode completion payload: %w", err)
	}
	if p.CallID == "" {
		return nil, fmt.Errorf("completion payload has no call_id")
	}

	disposition := p.Disposition
	if disposition == "" && p.Analysis != nil {
		disposition = p.Analysis.Disposition
	}

	c := &Completion{
		CallID:            p.CallID,
		Phone:             p.To,
		AnsweredBy:        strings.ToLower(p.AnsweredBy),
		DispositionTag:    strings.ToLower(strings.TrimSpace(disposition)),
		Summary:           p.Summary,
		CallLength:        p.CallLength,
		ErrorMessage:      p.ErrorMessage,
		TransferredMerged: p.TransferredTo != "" && p.Completed,
		LeadID:            p.Metadata["lead_id"],
		ListID:            p.Metadata["list_id"],
		RequestID:         p.Metadata["request_id"],
	}

	if raw, ok := p.Variables["callback_time"]; ok && raw != "" {
		for _, layout := range callbackLayouts {
			if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
				c.CallbackAt = &t
				break
			}
		}
	}
	return c, nil
}
