package redial

import "fmt"

// Outcome is the closed set of call results the core understands. Provider
// payloads are mapped onto this enum at the ingress boundary; unknown tags
// classify as OutcomeConfused.
type Outcome string

const (
	// Terminal-success: end of the retry sequence.
	OutcomeTransferred Outcome = "transferred_merged"
	OutcomeSale        Outcome = "sale"

	// Terminal-stop: end of the sequence plus a suppression write.
	OutcomeDNCRequested  Outcome = "dnc_requested"
	OutcomeNotInterested Outcome = "not_interested"

	// Retryable-contact: the customer was reachable but not converted.
	OutcomeVoicemail         Outcome = "voicemail"
	OutcomeNoAnswer          Outcome = "no_answer"
	OutcomeBusy              Outcome = "busy"
	OutcomeCallbackRequested Outcome = "callback_requested"

	// Retryable-failure: the call did not usefully connect.
	OutcomeHumanHangup Outcome = "human_hangup"
	OutcomeAMDDetected Outcome = "amd_detected"
	OutcomeFailed      Outcome = "failed"
	OutcomeConfused    Outcome = "confused"
)

// Class groups outcomes by how the retry state machine reacts to them.
type Class int

const (
	ClassTerminalSuccess Class = iota
	ClassTerminalStop
	ClassRetryableContact
	ClassRetryableFailure
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassTerminalSuccess:
		return "terminal_success"
	case ClassTerminalStop:
		return "terminal_stop"
	case ClassRetryableContact:
		return "retryable_contact"
	case ClassRetryableFailure:
		return "retryable_failure"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Class returns the outcome's behavioral class.
func (o Outcome) Class() Class {
	switch o {
	case OutcomeTransferred, OutcomeSale:
		return ClassTerminalSuccess
	case OutcomeDNCRequested, OutcomeNotInterested:
		return ClassTerminalStop
	case OutcomeVoicemail, OutcomeNoAnswer, OutcomeBusy, OutcomeCallbackRequested:
		return ClassRetryableContact
	default:
		return ClassRetryableFailure
	}
}

// Known reports whether o is a member of the closed enum.
func (o Outcome) Known() bool {
	switch o {
	case OutcomeTransferred, OutcomeSale,
		OutcomeDNCRequested, OutcomeNotInterested,
		OutcomeVoicemail, OutcomeNoAnswer, OutcomeBusy, OutcomeCallbackRequested,
		OutcomeHumanHangup, OutcomeAMDDetected, OutcomeFailed, OutcomeConfused:
		return true
	}
	return false
}

// Terminal reports whether the outcome ends the retry sequence.
func (o Outcome) Terminal() bool {
	c := o.Class()
	return c == ClassTerminalSuccess || c == ClassTerminalStop
}

// WritesSuppression reports whether the outcome must also add the contact to
// the suppression store.
func (o Outcome) WritesSuppression() bool {
	return o.Class() == ClassTerminalStop
}

// TriggersSMS reports whether the outcome enqueues the lead into the SMS
// follow-up sequence.
func (o Outcome) TriggersSMS() bool {
	return o == OutcomeVoicemail || o == OutcomeNoAnswer
}
