package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"shipcover/insurance/fault"
	"shipcover/ledger"
	"shipcover/observability"
)

// TerminalResult is the outcome of Finish or Cancel.
type TerminalResult struct {
	Action  Action         `json:"action"`
	Receipt ledger.Receipt `json:"receipt"`
	// Replayed is set when the receipt came from an earlier confirmed action.
	Replayed bool `json:"replayed"`
}

// TerminalGuard allows at most one terminal submission per escrow.
type TerminalGuard struct {
	store  TerminalStore
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*escrowLock
}

// escrowLock serialises terminal actions on one escrow in process. It is
// dropped once no caller holds or waits for it.
type escrowLock struct {
	mu   sync.Mutex
	refs int
}

// NewTerminalGuard wraps store.
func NewTerminalGuard(store TerminalStore, logger *slog.Logger, now func() time.Time) *TerminalGuard {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &TerminalGuard{store: store, logger: logger, now: now, locks: make(map[string]*escrowLock)}
}

// lock acquires the escrow lock and returns its release func.
func (g *TerminalGuard) lock(owner string, sequence uint32) func() {
	key := terminalKey(owner, sequence)
	g.mu.Lock()
	l, ok := g.locks[key]
	if !ok {
		l = &escrowLock{}
		g.locks[key] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, key)
		}
		g.mu.Unlock()
	}
}

type prepareFunc func(ctx context.Context) (ledger.Prepared, error)
type sendFunc func(ctx context.Context, p ledger.Prepared) (ledger.Receipt, error)

// Run records the claim, prepares the transaction, stores its hash and only
// then submits it.
func (g *TerminalGuard) Run(ctx context.Context, owner string, sequence uint32, action Action, prepare prepareFunc, send sendFunc) (TerminalResult, error) {
	unlock := g.lock(owner, sequence)
	defer unlock()

	seqAttr := strconv.FormatUint(uint64(sequence), 10)
	log := g.logger.With(slog.String("owner", owner), slog.Uint64("sequence", uint64(sequence)), slog.String("action", string(action)))

	existing, err := g.store.Get(ctx, owner, sequence)
	switch {
	case err == nil:
		return g.existing(log, existing, action, seqAttr)
	case errors.Is(err, ErrNoTerminalAction):
	default:
		return TerminalResult{}, fmt.Errorf("load terminal action: %w", err)
	}

	now := g.now()
	rec := TerminalAction{Owner: owner, Sequence: sequence, Action: action, State: StateSubmitting, CreatedAt: now, UpdatedAt: now}
	if err := g.store.Claim(ctx, rec); err != nil {
		if errors.Is(err, ErrTerminalActionExists) {
			return TerminalResult{}, fault.New(fault.KindReconciliationRequired, "concurrent terminal action on escrow %d", sequence).
				With("sequence", seqAttr)
		}
		return TerminalResult{}, fmt.Errorf("claim terminal action: %w", err)
	}

	prepared, err := prepare(ctx)
	if err != nil {
		g.release(ctx, log, owner, sequence)
		return TerminalResult{}, err
	}
	rec.TxHash = prepared.Hash
	rec.LastLedgerSequence = prepared.Tx.LastLedgerSequence
	rec.UpdatedAt = g.now()
	if err := g.store.Update(ctx, rec); err != nil {
		g.release(ctx, log, owner, sequence)
		return TerminalResult{}, fmt.Errorf("record terminal hash: %w", err)
	}

	receipt, err := send(ctx, prepared)
	if err != nil {
		if mayHaveExecuted(err) {
			rec.State = StateUnknown
			rec.UpdatedAt = g.now()
			if uerr := g.store.Update(ctx, rec); uerr != nil {
				log.Error("failed to mark terminal action unknown", slog.Any("error", uerr))
			}
			log.Warn("terminal action outcome unknown", slog.String("tx_hash", rec.TxHash), slog.Any("error", err))
		} else {
			g.release(ctx, log, owner, sequence)
		}
		return TerminalResult{}, err
	}

	rec.State = StateConfirmed
	rec.Receipt = receipt
	rec.UpdatedAt = g.now()
	result := TerminalResult{Action: action, Receipt: receipt}
	if err := g.store.Update(ctx, rec); err != nil {
		return result, fault.Wrap(fault.KindReconciliationRequired, err, "escrow %d %s validated but not recorded", sequence, action).
			With("sequence", seqAttr).
			With("tx_hash", receipt.Hash)
	}
	return result, nil
}

func (g *TerminalGuard) existing(log *slog.Logger, rec TerminalAction, action Action, seqAttr string) (TerminalResult, error) {
	if rec.Action != action {
		return TerminalResult{}, fault.New(fault.KindAlreadyTerminal, "escrow %s already has a %s action", seqAttr, rec.Action).
			With("sequence", seqAttr).
			With("recorded_action", string(rec.Action)).
			With("tx_hash", rec.TxHash)
	}
	if rec.State != StateConfirmed {
		return TerminalResult{}, fault.New(fault.KindReconciliationRequired, "escrow %s %s is %s", seqAttr, action, rec.State).
			With("sequence", seqAttr).
			With("state", string(rec.State)).
			With("tx_hash", rec.TxHash)
	}
	log.Warn("terminal action already confirmed, replaying receipt", slog.String("tx_hash", rec.TxHash))
	observability.Escrow().RecordReplay(string(action))
	return TerminalResult{Action: action, Receipt: rec.Receipt, Replayed: true}, nil
}

func (g *TerminalGuard) release(ctx context.Context, log *slog.Logger, owner string, sequence uint32) {
	if err := g.store.Release(ctx, owner, sequence); err != nil {
		log.Error("failed to release terminal claim", slog.Any("error", err))
	}
}

// mayHaveExecuted reports whether a failed submission might still have been applied.
func mayHaveExecuted(err error) bool {
	switch fault.KindOf(err) {
	case fault.KindTimeout, fault.KindNetworkUnavailable, fault.KindInternal:
		return true
	default:
		return false
	}
}
