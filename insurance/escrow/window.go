package escrow

import (
	"time"

	"shipcover/insurance/fault"
)

// WindowPolicy places finish_after and cancel_after relative to creation.
type WindowPolicy struct {
	FinishDelay time.Duration `yaml:"finish_delay" toml:"finish_delay"`
	CancelDelay time.Duration `yaml:"cancel_delay" toml:"cancel_delay"`
	// MinimumGap is the shortest acceptable finish window.
	MinimumGap time.Duration `yaml:"minimum_gap" toml:"minimum_gap"`
}

// DefaultWindowPolicy opens the finish window after ten seconds and keeps it
// open for three days.
func DefaultWindowPolicy() WindowPolicy {
	return WindowPolicy{
		FinishDelay: 10 * time.Second,
		CancelDelay: 72 * time.Hour,
		MinimumGap:  time.Hour,
	}
}

// Validate rejects policies that leave no safe window to finish, including the
// equal finish and cancel offsets that make the window empty.
func (w WindowPolicy) Validate() error {
	if w.FinishDelay < 0 {
		return fault.New(fault.KindConfiguration, "finish delay %s is negative", w.FinishDelay)
	}
	if w.MinimumGap <= 0 {
		return fault.New(fault.KindConfiguration, "minimum finish window must be positive, got %s", w.MinimumGap)
	}
	if w.CancelDelay < w.FinishDelay+w.MinimumGap {
		return fault.New(fault.KindConfiguration,
			"cancel delay %s leaves less than %s after finish delay %s", w.CancelDelay, w.MinimumGap, w.FinishDelay).
			With("finish_delay", w.FinishDelay.String()).
			With("cancel_delay", w.CancelDelay.String())
	}
	return nil
}

// Window returns the absolute finish_after and cancel_after for an escrow
// created at now, truncated to the ledger's one second resolution.
func (w WindowPolicy) Window(now time.Time) (finishAfter, cancelAfter time.Time) {
	base := now.Truncate(time.Second)
	return base.Add(w.FinishDelay), base.Add(w.CancelDelay)
}
