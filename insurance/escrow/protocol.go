// Package escrow runs the insurance escrow lifecycle: premium payment, the
// conditional payout escrow, and its single terminal finish or cancel.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"shipcover/crypto"
	"shipcover/crypto/condition"
	"shipcover/insurance/fault"
	"shipcover/ledger"
	"shipcover/observability"
	telemetry "shipcover/observability/otel"
)

// Gateway is the ledger surface the protocol needs.
type Gateway interface {
	Prepare(ctx context.Context, tx *ledger.Transaction, signer ledger.Signer) (ledger.Prepared, error)
	SubmitPrepared(ctx context.Context, p ledger.Prepared) (ledger.Receipt, error)
}

// Config carries everything the protocol needs; nothing is read from globals.
type Config struct {
	Custodian  ledger.Signer
	Conditions *condition.Generator
	Window     WindowPolicy
	Gateway    Gateway
	Terminals  TerminalStore
	Logger     *slog.Logger
	Now        func() time.Time
}

// Protocol orchestrates escrow creation and resolution for one custodian.
type Protocol struct {
	custodian  ledger.Signer
	conditions *condition.Generator
	window     WindowPolicy
	gateway    Gateway
	guard      *TerminalGuard
	logger     *slog.Logger
	now        func() time.Time
}

// New validates cfg and builds a Protocol.
func New(cfg Config) (*Protocol, error) {
	if cfg.Custodian == nil {
		return nil, fault.New(fault.KindConfiguration, "custodian wallet is required")
	}
	if cfg.Conditions == nil {
		return nil, fault.New(fault.KindConfiguration, "condition generator is required")
	}
	if cfg.Gateway == nil {
		return nil, fault.New(fault.KindConfiguration, "ledger gateway is required")
	}
	if err := cfg.Window.Validate(); err != nil {
		return nil, err
	}
	if cfg.Terminals == nil {
		cfg.Terminals = NewMemoryTerminalStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger.With(slog.String("component", "escrow"))
	return &Protocol{
		custodian:  cfg.Custodian,
		conditions: cfg.Conditions,
		window:     cfg.Window,
		gateway:    cfg.Gateway,
		guard:      NewTerminalGuard(cfg.Terminals, logger, cfg.Now),
		logger:     logger,
		now:        cfg.Now,
	}, nil
}

// Custodian returns the account that owns every escrow.
func (p *Protocol) Custodian() crypto.Address { return p.custodian.Address() }

// Condition returns the public condition placed on new escrows.
func (p *Protocol) Condition() string { return p.conditions.Condition() }

// CreateRequest describes one insurance agreement.
type CreateRequest struct {
	// Customer signs the premium payment.
	Customer ledger.Signer
	// Custodian is optional; when set it must be the configured custodian.
	Custodian   crypto.Address
	Premium     ledger.Drops
	Payout      ledger.Drops
	Destination crypto.Address
}

// Record describes an escrow created for an agreement.
type Record struct {
	Sequence       uint32         `json:"sequence"`
	Condition      string         `json:"condition"`
	Fulfillment    string         `json:"-"`
	Creator        string         `json:"creator"`
	Destination    string         `json:"destination"`
	Premium        ledger.Drops   `json:"premium_drops"`
	Payout         ledger.Drops   `json:"payout_drops"`
	FinishAfter    time.Time      `json:"finish_after"`
	CancelAfter    time.Time      `json:"cancel_after"`
	PremiumReceipt ledger.Receipt `json:"premium_receipt"`
	EscrowReceipt  ledger.Receipt `json:"escrow_receipt"`
}

// Submission stages named by UnsettledError.
const (
	StagePremium      = "premium"
	StageEscrowCreate = "escrow_create"
)

// Broadcast identifies a signed transaction handed to the network. Its outcome
// can be looked up by Hash; it can no longer validate once LastLedger closes.
type Broadcast struct {
	Hash       string `json:"tx_hash"`
	Sequence   uint32 `json:"sequence"`
	LastLedger uint32 `json:"last_ledger_sequence"`
}

// UnsettledError reports a submission whose outcome is unknown. The
// transaction may still validate, so it must be looked up, never resent.
type UnsettledError struct {
	Stage string
	Tx    Broadcast
	// Escrow holds the terms of an escrow create and is zero for premiums.
	Escrow Record
	Err    error
}

func (e *UnsettledError) Error() string {
	return fmt.Sprintf("%s: %s %s outcome unknown: %v", fault.KindOf(e.Err), e.Stage, e.Tx.Hash, e.Err)
}

func (e *UnsettledError) Unwrap() error { return e.Err }

// FaultKind implements fault.Kinded with the kind of the underlying failure.
func (e *UnsettledError) FaultKind() fault.Kind { return fault.KindOf(e.Err) }

// FaultAttrs implements fault.Attributed.
func (e *UnsettledError) FaultAttrs() map[string]string {
	return map[string]string{
		"stage":                e.Stage,
		"tx_hash":              e.Tx.Hash,
		"last_ledger_sequence": strconv.FormatUint(uint64(e.Tx.LastLedger), 10),
	}
}

// PartialFailureError reports a premium that was collected while the escrow
// was not created. Premium carries what is needed to refund or retry. When the
// escrow create was broadcast with an unknown outcome, EscrowTx and Escrow
// describe it and the escrow may yet exist.
type PartialFailureError struct {
	Premium  ledger.Receipt
	EscrowTx Broadcast
	Escrow   Record
	Err      error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s: premium %s collected but escrow create failed: %v", fault.KindPartialEscrowFailure, e.Premium.Hash, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// FaultKind implements fault.Kinded.
func (e *PartialFailureError) FaultKind() fault.Kind { return fault.KindPartialEscrowFailure }

// FaultAttrs implements fault.Attributed.
func (e *PartialFailureError) FaultAttrs() map[string]string {
	attrs := map[string]string{
		"premium_tx_hash": e.Premium.Hash,
		"escrow_error":    string(fault.KindOf(e.Err)),
	}
	if e.EscrowTx.Hash != "" {
		attrs["escrow_tx_hash"] = e.EscrowTx.Hash
	}
	return attrs
}

// CreateWithPremium pays the premium from the customer to the custodian and,
// only once that payment is validated, creates the conditional payout escrow.
func (p *Protocol) CreateWithPremium(ctx context.Context, req CreateRequest) (Record, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "escrow.create_with_premium")
	defer span.End()

	custodian := p.custodian.Address()
	switch {
	case req.Customer == nil:
		return Record{}, fault.New(fault.KindConfiguration, "customer credentials are required")
	case !req.Custodian.IsZero() && req.Custodian != custodian:
		return Record{}, fault.New(fault.KindConfiguration, "custodian %s is not the configured custodian", req.Custodian)
	case req.Destination.IsZero():
		return Record{}, fault.New(fault.KindConfiguration, "destination address is required")
	case req.Premium == 0 || req.Payout == 0:
		return Record{}, fault.New(fault.KindConfiguration, "premium and payout must be positive")
	}
	log := p.logger.With(
		slog.String("customer", req.Customer.Address().String()),
		slog.String("destination", req.Destination.String()),
	)

	premiumTx := ledger.NewPayment(req.Customer.Address(), custodian, req.Premium)
	premium, err := p.broadcast(ctx, StagePremium, premiumTx, req.Customer, Record{})
	if err != nil {
		observability.Escrow().RecordAction("premium", string(fault.KindOf(err)))
		log.Warn("premium payment failed, escrow not attempted", slog.Any("error", err))
		return Record{}, err
	}
	observability.Escrow().RecordAction("premium", "ok")
	span.SetAttributes(attribute.String("escrow.premium_tx", premium.Hash))

	terms := p.terms(req.Payout, req.Destination)
	terms.Premium = req.Premium
	terms.PremiumReceipt = premium
	createTx := ledger.NewEscrowCreate(custodian, req.Destination, req.Payout, terms.Condition, terms.FinishAfter, terms.CancelAfter)
	created, err := p.broadcast(ctx, StageEscrowCreate, createTx, p.custodian, terms)
	if err != nil {
		observability.Escrow().RecordAction("create", string(fault.KindOf(err)))
		observability.Escrow().RecordPartialFailure()
		partial := &PartialFailureError{Premium: premium, Err: err}
		var unsettled *UnsettledError
		if errors.As(err, &unsettled) {
			partial.EscrowTx = unsettled.Tx
			partial.Escrow = unsettled.Escrow
		}
		log.Error("PARTIAL ESCROW FAILURE: premium collected without escrow",
			slog.String("premium_tx_hash", premium.Hash),
			slog.String("escrow_tx_hash", partial.EscrowTx.Hash),
			slog.String("escrow_error_kind", string(fault.KindOf(err))),
			slog.Any("error", err))
		return Record{}, partial
	}
	observability.Escrow().RecordAction("create", "ok")
	log.Info("escrow created", slog.Uint64("sequence", uint64(created.Sequence)), slog.String("tx_hash", created.Hash))

	terms.Sequence = created.Sequence
	terms.EscrowReceipt = created
	return terms, nil
}

// terms fixes the condition and window of a new payout escrow.
func (p *Protocol) terms(payout ledger.Drops, destination crypto.Address) Record {
	finishAfter, cancelAfter := p.window.Window(p.now())
	pair := p.conditions.Pair()
	return Record{
		Condition:   pair.Condition,
		Fulfillment: pair.Fulfillment,
		Creator:     p.custodian.Address().String(),
		Destination: destination.String(),
		Payout:      payout,
		FinishAfter: finishAfter,
		CancelAfter: cancelAfter,
	}
}

// RetryEscrow creates the payout escrow alone, for compensating a partial
// failure once the earlier create is confirmed not to have executed.
func (p *Protocol) RetryEscrow(ctx context.Context, payout ledger.Drops, destination crypto.Address) (Record, error) {
	if payout == 0 || destination.IsZero() {
		return Record{}, fault.New(fault.KindConfiguration, "payout and destination are required")
	}
	terms := p.terms(payout, destination)
	tx := ledger.NewEscrowCreate(p.custodian.Address(), destination, payout, terms.Condition, terms.FinishAfter, terms.CancelAfter)
	created, err := p.broadcast(ctx, StageEscrowCreate, tx, p.custodian, terms)
	if err != nil {
		observability.Escrow().RecordAction("create", string(fault.KindOf(err)))
		return Record{}, err
	}
	observability.Escrow().RecordAction("create", "ok")
	p.logger.Info("compensating escrow created", slog.Uint64("sequence", uint64(created.Sequence)), slog.String("tx_hash", created.Hash))
	terms.Sequence = created.Sequence
	terms.EscrowReceipt = created
	return terms, nil
}

// Finish releases escrow sequence to its destination with the fulfillment.
func (p *Protocol) Finish(ctx context.Context, sequence uint32) (TerminalResult, error) {
	custodian := p.custodian.Address()
	pair := p.conditions.Pair()
	return p.terminal(ctx, sequence, ActionFinish, ledger.NewEscrowFinish(custodian, custodian, sequence, pair.Condition, pair.Fulfillment))
}

// Cancel returns escrow sequence to the custodian.
func (p *Protocol) Cancel(ctx context.Context, sequence uint32) (TerminalResult, error) {
	custodian := p.custodian.Address()
	return p.terminal(ctx, sequence, ActionCancel, ledger.NewEscrowCancel(custodian, custodian, sequence))
}

func (p *Protocol) terminal(ctx context.Context, sequence uint32, action Action, tx *ledger.Transaction) (TerminalResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "escrow."+string(action))
	defer span.End()
	span.SetAttributes(attribute.Int64("escrow.sequence", int64(sequence)))

	owner := p.custodian.Address().String()
	result, err := p.guard.Run(ctx, owner, sequence, action,
		func(ctx context.Context) (ledger.Prepared, error) {
			return p.gateway.Prepare(ctx, tx, p.custodian)
		},
		func(ctx context.Context, prepared ledger.Prepared) (ledger.Receipt, error) {
			receipt, err := p.gateway.SubmitPrepared(ctx, prepared)
			return receipt, classify(action, sequence, err)
		})
	if err != nil {
		observability.Escrow().RecordAction(string(action), string(fault.KindOf(err)))
		span.RecordError(err)
		return result, err
	}
	observability.Escrow().RecordAction(string(action), "ok")
	return result, nil
}

// broadcast prepares and submits tx. A failure after the transaction left the
// process that may still validate comes back as an UnsettledError.
func (p *Protocol) broadcast(ctx context.Context, stage string, tx *ledger.Transaction, signer ledger.Signer, terms Record) (ledger.Receipt, error) {
	prepared, err := p.gateway.Prepare(ctx, tx, signer)
	if err != nil {
		return ledger.Receipt{}, err
	}
	receipt, err := p.gateway.SubmitPrepared(ctx, prepared)
	if err != nil && mayHaveExecuted(err) {
		sent := Broadcast{Hash: prepared.Hash, Sequence: prepared.Tx.Sequence, LastLedger: prepared.Tx.LastLedgerSequence}
		if stage == StageEscrowCreate {
			terms.Sequence = sent.Sequence
		}
		return ledger.Receipt{}, &UnsettledError{Stage: stage, Tx: sent, Escrow: terms, Err: err}
	}
	return receipt, err
}

// classify maps ledger result codes of finish and cancel onto escrow kinds.
func classify(action Action, sequence uint32, err error) error {
	if err == nil {
		return nil
	}
	var kind fault.Kind
	switch ledger.EngineResult(err) {
	case "tecNO_TARGET", "tecNO_ENTRY", "entryNotFound":
		kind = fault.KindEscrowNotFound
	case "tecCRYPTOCONDITION_ERROR":
		kind = fault.KindConditionMismatch
	case "tecNO_PERMISSION":
		kind = fault.KindWindowClosed
		if action == ActionCancel {
			kind = fault.KindWindowNotOpen
		}
	default:
		return err
	}
	return fault.Wrap(kind, err, "escrow %d %s", sequence, action).
		With("sequence", strconv.FormatUint(uint64(sequence), 10))
}
