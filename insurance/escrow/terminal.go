package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"shipcover/ledger"
)

// Action is a terminal escrow operation.
type Action string

const (
	ActionFinish Action = "finish"
	ActionCancel Action = "cancel"
)

// TerminalState tracks a terminal action through submission.
type TerminalState string

const (
	StateSubmitting TerminalState = "submitting"
	StateConfirmed  TerminalState = "confirmed"
	// StateUnknown means the transaction may or may not have executed.
	StateUnknown TerminalState = "unknown"
)

// TerminalAction is the idempotency record for one escrow.
type TerminalAction struct {
	Owner              string
	Sequence           uint32
	Action             Action
	State              TerminalState
	TxHash             string
	LastLedgerSequence uint32
	Receipt            ledger.Receipt
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

var (
	ErrNoTerminalAction     = errors.New("escrow: no terminal action recorded")
	ErrTerminalActionExists = errors.New("escrow: terminal action already recorded")
)

// TerminalStore persists terminal action records keyed by owner and sequence.
type TerminalStore interface {
	Get(ctx context.Context, owner string, sequence uint32) (TerminalAction, error)
	// Claim inserts a record and fails with ErrTerminalActionExists if one exists.
	Claim(ctx context.Context, action TerminalAction) error
	Update(ctx context.Context, action TerminalAction) error
	Release(ctx context.Context, owner string, sequence uint32) error
	// Unresolved lists records not confirmed and last touched before cutoff.
	Unresolved(ctx context.Context, cutoff time.Time) ([]TerminalAction, error)
}

// MemoryTerminalStore keeps records in process memory.
type MemoryTerminalStore struct {
	mu      sync.Mutex
	records map[string]TerminalAction
}

// NewMemoryTerminalStore returns an empty store.
func NewMemoryTerminalStore() *MemoryTerminalStore {
	return &MemoryTerminalStore{records: map[string]TerminalAction{}}
}

func terminalKey(owner string, sequence uint32) string {
	return fmt.Sprintf("%s/%d", owner, sequence)
}

func (s *MemoryTerminalStore) Get(_ context.Context, owner string, sequence uint32) (TerminalAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[terminalKey(owner, sequence)]
	if !ok {
		return TerminalAction{}, ErrNoTerminalAction
	}
	return rec, nil
}

func (s *MemoryTerminalStore) Claim(_ context.Context, action TerminalAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := terminalKey(action.Owner, action.Sequence)
	if _, ok := s.records[key]; ok {
		return ErrTerminalActionExists
	}
	s.records[key] = action
	return nil
}

func (s *MemoryTerminalStore) Update(_ context.Context, action TerminalAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := terminalKey(action.Owner, action.Sequence)
	if _, ok := s.records[key]; !ok {
		return ErrNoTerminalAction
	}
	s.records[key] = action
	return nil
}

func (s *MemoryTerminalStore) Release(_ context.Context, owner string, sequence uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, terminalKey(owner, sequence))
	return nil
}

func (s *MemoryTerminalStore) Unresolved(_ context.Context, cutoff time.Time) ([]TerminalAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TerminalAction
	for _, rec := range s.records {
		if rec.State != StateConfirmed && rec.UpdatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}
