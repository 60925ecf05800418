package suppression

import (
	"log/slog"
	"time"

	"github.com/sebas/outdial/internal/phone"
)

// Purpose identifies which contact path is consulting the gate.
type Purpose string

const (
	PurposeDial Purpose = "dial"
	PurposeSMS  Purpose = "sms"
)

// Block describes a contact attempt stopped by the gate. Emitted to the
// audit sink so blocked attempts leave an operator-visible trail.
type Block struct {
	Phone   string    `json:"phone"`
	LeadID  string    `json:"lead_id,omitempty"`
	Purpose Purpose   `json:"purpose"`
	FlagID  string    `json:"flag_id"`
	Field   Field     `json:"field"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Gate is the single pre-contact check every dispatch and ingress-driven
// contact path must pass. Dial checks cover both phone and lead id; SMS
// checks cover the phone.
type Gate struct {
	store *Store
	audit func(Block)
}

// NewGate wraps a store. The audit callback may be nil.
func NewGate(store *Store, audit func(Block)) *Gate {
	return &Gate{store: store, audit: audit}
}

// Allow reports whether contact may proceed. A false return means the action
// must be aborted without mutating any redial or SMS record.
func (g *Gate) Allow(phoneNum, leadID string, purpose Purpose) (bool, *Flag) {
	if blocked, flag := g.store.Check(FieldPhone, phoneNum); blocked {
		g.blocked(phoneNum, leadID, purpose, flag)
		return false, flag
	}
	if purpose == PurposeDial && leadID != "" {
		if blocked, flag := g.store.Check(FieldLeadID, leadID); blocked {
			g.blocked(phoneNum, leadID, purpose, flag)
			return false, flag
		}
	}
	return true, nil
}

func (g *Gate) blocked(phoneNum, leadID string, purpose Purpose, flag *Flag) {
	slog.Warn("[Suppression] Contact blocked",
		"phone", phone.Mask(phoneNum),
		"lead_id", leadID,
		"purpose", purpose,
		"flag_id", flag.ID,
		"field", flag.Field,
	)
	if g.audit != nil {
		g.audit(Block{
			Phone:   phone.Normalize(phoneNum),
			LeadID:  leadID,
			Purpose: purpose,
			FlagID:  flag.ID,
			Field:   flag.Field,
			Reason:  flag.Reason,
			At:      time.Now(),
		})
	}
}
