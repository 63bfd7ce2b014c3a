// Package claims maps claim outcomes onto escrow actions and guards the claim
// status of a shipment.
package claims

import (
	"strings"

	"shipcover/insurance/fault"
)

// Outcome is the external decision on a shipment's claim.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeRejected  Outcome = "rejected"
	OutcomeNoTrigger Outcome = "no-trigger"
)

// Status is the claim status stored on a shipment.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusNA       Status = "N/A"
)

// Action is the escrow operation an outcome authorises.
type Action string

const (
	ActionFinish Action = "finish"
	ActionCancel Action = "cancel"
)

// Decision pairs the escrow action with the status recorded once it succeeds.
type Decision struct {
	Action Action
	Status Status
}

var decisions = map[Outcome]Decision{
	OutcomeApproved:  {Action: ActionFinish, Status: StatusApproved},
	OutcomeRejected:  {Action: ActionCancel, Status: StatusRejected},
	OutcomeNoTrigger: {Action: ActionCancel, Status: StatusNA},
}

var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusApproved, StatusRejected, StatusNA},
}

// ParseOutcome accepts exactly "approved", "rejected" or "no-trigger".
func ParseOutcome(raw string) (Outcome, error) {
	o := Outcome(strings.TrimSpace(raw))
	if _, ok := decisions[o]; !ok {
		return "", fault.New(fault.KindInvalidRequest, "unknown claim outcome %q", raw)
	}
	return o, nil
}

// ParseStatus accepts the stored status strings. Empty means pending.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.TrimSpace(raw)); s {
	case "", StatusPending:
		return StatusPending, nil
	case StatusApproved, StatusRejected, StatusNA:
		return s, nil
	default:
		return "", fault.New(fault.KindInvalidRequest, "unknown claim status %q", raw)
	}
}

// Decide returns the escrow action and resulting status for an outcome.
func Decide(o Outcome) (Decision, error) {
	d, ok := decisions[o]
	if !ok {
		return Decision{}, fault.New(fault.KindInvalidRequest, "unknown claim outcome %q", o)
	}
	return d, nil
}

// Terminal reports whether the status implies a terminal escrow action.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusNA
}

// Action returns the escrow action that produced a terminal status.
func (s Status) Action() (Action, bool) {
	switch s {
	case StatusApproved:
		return ActionFinish, true
	case StatusRejected, StatusNA:
		return ActionCancel, true
	default:
		return "", false
	}
}

// ValidateTransition ensures the transition follows the claim state machine.
// Re-recording the current status is allowed so retries stay idempotent; any
// other move away from a terminal status is AlreadyTerminal.
func ValidateTransition(current, next Status) error {
	if current == next {
		return nil
	}
	if current.Terminal() {
		return fault.New(fault.KindAlreadyTerminal, "claim already %s, cannot become %s", current, next).
			With("claim_status", string(current))
	}
	for _, state := range allowedTransitions[current] {
		if state == next {
			return nil
		}
	}
	return fault.New(fault.KindInvalidRequest, "transition from %s to %s is not permitted", current, next)
}
