package ingress

import (
	"strings"

	"github.com/sebas/outdial/internal/adapters/voice"
	"github.com/sebas/outdial/internal/redial"
)

// dispositionMap maps provider disposition tags to the closed outcome enum.
// Tags not listed here classify as confused and log the raw tag.
var dispositionMap = map[string]redial.Outcome{
	"sale":               redial.OutcomeSale,
	"enrolled":           redial.OutcomeSale,
	"dnc":                redial.OutcomeDNCRequested,
	"dnc_requested":      redial.OutcomeDNCRequested,
	"do_not_call":        redial.OutcomeDNCRequested,
	"not_interested":     redial.OutcomeNotInterested,
	"no_interest":        redial.OutcomeNotInterested,
	"voicemail":          redial.OutcomeVoicemail,
	"left_voicemail":     redial.OutcomeVoicemail,
	"no_answer":          redial.OutcomeNoAnswer,
	"no-answer":          redial.OutcomeNoAnswer,
	"busy":               redial.OutcomeBusy,
	"callback":           redial.OutcomeCallbackRequested,
	"callback_requested": redial.OutcomeCallbackRequested,
	"hangup":             redial.OutcomeHumanHangup,
	"human_hangup":       redial.OutcomeHumanHangup,
	"amd":                redial.OutcomeAMDDetected,
	"amd_detected":       redial.OutcomeAMDDetected,
	"machine":            redial.OutcomeAMDDetected,
	"failed":             redial.OutcomeFailed,
	"error":              redial.OutcomeFailed,
	"confused":           redial.OutcomeConfused,
}

// ClassifyCompletion maps a normalized provider completion onto the outcome
// enum. The merged-transfer marker is the only path to a transfer success; a
// bare "transferred" tag without the marker is ambiguous and retries as
// confused. An answered-by-human call with no usable tag is likewise
// confused, not a success.
func ClassifyCompletion(c *voice.Completion) redial.Outcome {
	if c.TransferredMerged {
		return redial.OutcomeTransferred
	}

	tag := strings.ToLower(strings.TrimSpace(c.DispositionTag))
	if o, ok := dispositionMap[tag]; ok {
		return o
	}
	if tag == "transferred" || tag == "transfer" {
		return redial.OutcomeConfused
	}

	if c.ErrorMessage != "" {
		return redial.OutcomeFailed
	}
	switch c.AnsweredBy {
	case "voicemail":
		return redial.OutcomeVoicemail
	case "no_answer", "no-answer":
		return redial.OutcomeNoAnswer
	}
	return redial.OutcomeConfused
}

// optOutKeywords are the carrier-standard stop words plus the DNC phrasing
// the upstream lists use.
var optOutKeywords = map[string]bool{
	"STOP":        true,
	"STOPALL":     true,
	"STOP ALL":    true,
	"UNSUBSCRIBE": true,
	"CANCEL":      true,
	"END":         true,
	"QUIT":        true,
	"REMOVE":      true,
	"DNC":         true,
}

// IsOptOut reports whether an inbound SMS body is an opt-out request. A
// message is an opt-out when its trimmed body is a stop word or starts with
// one ("STOP calling me").
func IsOptOut(body string) bool {
	b := strings.ToUpper(strings.TrimSpace(body))
	if b == "" {
		return false
	}
	if optOutKeywords[b] {
		return true
	}
	first, _, _ := strings.Cut(b, " ")
	return optOutKeywords[first]
}
