package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"shipcover/crypto"
	"shipcover/insurance/fault"
	"shipcover/observability"
	telemetry "shipcover/observability/otel"
)

const (
	ResultSuccess   = "tesSUCCESS"
	ResultMaxLedger = "tefMAX_LEDGER"
)

// GatewayConfig bounds fees and waiting.
type GatewayConfig struct {
	// LedgerOffset is added to the latest validated ledger to form LastLedgerSequence.
	LedgerOffset uint32
	MaxFee       Drops
	PollInterval time.Duration
	// WaitBudget caps the time spent waiting for validation after submission.
	WaitBudget time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.LedgerOffset == 0 {
		c.LedgerOffset = 20
	}
	if c.MaxFee == 0 {
		c.MaxFee = 2 * DropsPerXRP
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.WaitBudget <= 0 {
		c.WaitBudget = 90 * time.Second
	}
	return c
}

// Receipt is a validated, successful transaction.
type Receipt struct {
	Hash        string `json:"tx_hash"`
	Type        TxType `json:"type"`
	Account     string `json:"account"`
	Sequence    uint32 `json:"sequence"`
	LedgerIndex uint32 `json:"ledger_index"`
	Result      string `json:"result"`
	Fee         Drops  `json:"fee_drops"`
}

// Gateway signs, submits and waits for transactions. It never resubmits: a
// transaction is sent at most once per Submit call.
type Gateway struct {
	client *Client
	cfg    GatewayConfig
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGateway wraps client.
func NewGateway(client *Client, cfg GatewayConfig, opts ...Option) *Gateway {
	g := &Gateway{client: client, cfg: cfg.withDefaults(), logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Prepared is a signed transaction that has not been sent yet.
type Prepared struct {
	Tx *Transaction
	Signed
}

// Prepare autofills Sequence, Fee and LastLedgerSequence and signs tx. Nothing
// is broadcast, so callers can record the hash before calling SubmitPrepared.
func (g *Gateway) Prepare(ctx context.Context, tx *Transaction, signer Signer) (Prepared, error) {
	if err := g.autofill(ctx, tx, signer.Address()); err != nil {
		return Prepared{}, err
	}
	signed, err := Sign(tx, signer)
	if err != nil {
		return Prepared{}, fault.Wrap(fault.KindConfiguration, err, "sign %s", tx.TransactionType)
	}
	return Prepared{Tx: tx, Signed: signed}, nil
}

// Submit prepares and submits tx in one step.
func (g *Gateway) Submit(ctx context.Context, tx *Transaction, signer Signer) (Receipt, error) {
	p, err := g.Prepare(ctx, tx, signer)
	if err != nil {
		return Receipt{}, err
	}
	return g.SubmitPrepared(ctx, p)
}

// SubmitPrepared broadcasts p once and blocks until it is validated,
// definitively rejected, or the wait budget runs out.
func (g *Gateway) SubmitPrepared(ctx context.Context, p Prepared) (Receipt, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ledger.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("ledger.tx_type", string(p.Tx.TransactionType)),
		attribute.String("ledger.tx_hash", p.Hash),
	)

	started := g.now()
	receipt, err := g.send(ctx, p)
	outcome := "validated"
	if err != nil {
		outcome = string(fault.KindOf(err))
		if code := EngineResult(err); code != "" {
			outcome = code
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	observability.Ledger().ObserveSubmission(string(p.Tx.TransactionType), outcome, g.now().Sub(started))
	return receipt, err
}

func (g *Gateway) send(ctx context.Context, p Prepared) (Receipt, error) {
	tx, signed := p.Tx, p.Signed
	log := g.logger.With(
		slog.String("tx_type", string(tx.TransactionType)),
		slog.String("tx_hash", signed.Hash),
		slog.String("account", tx.Account.String()),
		slog.Uint64("sequence", uint64(tx.Sequence)),
	)

	res, err := g.client.Submit(ctx, signed.Blob)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		log.Warn("node refused submission", slog.String("rpc_error", rpcErr.Code))
		return Receipt{}, rejected(rpcErr.Code, rpcErr.Message, signed.Hash, rpcErr.Raw)
	}
	if err != nil {
		observability.Ledger().RecordRPCError("submit", string(fault.KindOf(err)))
		log.Warn("ledger submit failed, outcome unknown", slog.Any("error", err))
		return Receipt{}, withHash(err, signed.Hash)
	}
	if notApplied(res.EngineResult) {
		log.Warn("ledger refused transaction", slog.String("engine_result", res.EngineResult))
		return Receipt{}, rejected(res.EngineResult, res.EngineResultMessage, signed.Hash, res.Raw)
	}
	log.Debug("transaction submitted", slog.String("engine_result", res.EngineResult))

	result, err := g.waitValidated(ctx, signed.Hash, tx.LastLedgerSequence)
	if err != nil {
		return Receipt{}, err
	}
	if result.Result != ResultSuccess {
		log.Warn("transaction validated with failure", slog.String("engine_result", result.Result))
		return Receipt{}, rejected(result.Result, "", signed.Hash, result.Raw)
	}
	log.Info("transaction validated", slog.Uint64("ledger_index", uint64(result.LedgerIndex)))
	return Receipt{
		Hash:        signed.Hash,
		Type:        tx.TransactionType,
		Account:     tx.Account.String(),
		Sequence:    tx.Sequence,
		LedgerIndex: result.LedgerIndex,
		Result:      result.Result,
		Fee:         tx.Fee,
	}, nil
}

func (g *Gateway) autofill(ctx context.Context, tx *Transaction, account crypto.Address) error {
	if tx.Account != account {
		return fault.New(fault.KindConfiguration, "%s account %s does not match signer %s", tx.TransactionType, tx.Account, account)
	}
	info, err := g.client.AccountInfo(ctx, account, "current")
	if err != nil {
		if IsRPCError(err, "actNotFound") {
			return fault.Wrap(fault.KindTransactionRejected, err, "account %s is not funded", account).
				With("engine_result", "actNotFound")
		}
		return err
	}
	tx.Sequence = info.Sequence

	fees, err := g.client.Fee(ctx)
	if err != nil {
		return err
	}
	tx.Fee = g.fee(tx, fees)

	validated, err := g.client.ValidatedLedger(ctx)
	if err != nil {
		return err
	}
	tx.LastLedgerSequence = validated + g.cfg.LedgerOffset
	return nil
}

// fee picks the open ledger fee, scaled for fulfillments, capped by MaxFee.
func (g *Gateway) fee(tx *Transaction, fees FeeInfo) Drops {
	net := fees.Open
	if net == 0 {
		net = fees.Base
	}
	fee := net
	if tx.TransactionType == TxEscrowFinish && tx.Fulfillment != "" {
		size := Drops(len(tx.Fulfillment) / 2)
		// base * (33 + size/16), rounded up
		fee = (net*(33*16+size) + 15) / 16
	}
	if fee > g.cfg.MaxFee {
		fee = g.cfg.MaxFee
	}
	return fee
}

func (g *Gateway) waitValidated(ctx context.Context, hash string, lastLedger uint32) (TxResult, error) {
	deadline := g.now().Add(g.cfg.WaitBudget)
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		res, err := g.client.Tx(ctx, hash)
		switch {
		case err == nil && res.Validated:
			return res, nil
		case err == nil:
			lastErr = nil
		case IsRPCError(err, "txnNotFound"):
			validated, verr := g.client.ValidatedLedger(ctx)
			if verr == nil && lastLedger != 0 && validated > lastLedger {
				// The ledger closed past LastLedgerSequence without the tx,
				// so it can never be included.
				return TxResult{}, rejected(ResultMaxLedger, "transaction expired before validation", hash, nil)
			}
			lastErr = verr
		default:
			observability.Ledger().RecordRPCError("tx", string(fault.KindOf(err)))
			lastErr = err
		}

		if g.now().After(deadline) {
			return TxResult{}, timeout(hash, lastErr)
		}
		select {
		case <-ctx.Done():
			return TxResult{}, timeout(hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Balance returns the validated XRP balance of account. Read only.
func (g *Gateway) Balance(ctx context.Context, account crypto.Address) (Drops, error) {
	info, err := g.client.AccountInfo(ctx, account, "validated")
	if err != nil {
		if IsRPCError(err, "actNotFound") {
			return 0, fault.Wrap(fault.KindNotFound, err, "account %s", account)
		}
		return 0, err
	}
	return info.Balance, nil
}

// Escrow returns the live escrow created by owner at sequence.
func (g *Gateway) Escrow(ctx context.Context, owner crypto.Address, sequence uint32) (EscrowEntry, error) {
	return g.client.EscrowEntry(ctx, owner, sequence)
}

// TxStatus describes what the ledger knows about a hash.
type TxStatus struct {
	Found     bool
	Validated bool
	Result    string
	// Expired is set when the transaction can no longer be included.
	Expired bool
}

// Status looks a previously submitted hash up without submitting anything.
func (g *Gateway) Status(ctx context.Context, hash string, lastLedger uint32) (TxStatus, error) {
	res, err := g.client.Tx(ctx, hash)
	if err != nil {
		if !IsRPCError(err, "txnNotFound") {
			return TxStatus{}, err
		}
		st := TxStatus{}
		if lastLedger != 0 {
			validated, verr := g.client.ValidatedLedger(ctx)
			if verr != nil {
				return TxStatus{}, verr
			}
			st.Expired = validated > lastLedger
		}
		return st, nil
	}
	return TxStatus{Found: true, Validated: res.Validated, Result: res.Result}, nil
}

// EngineResult extracts the ledger result code carried by a rejection.
func EngineResult(err error) string {
	return fault.AttrsOf(err)["engine_result"]
}

// TxHashOf extracts the transaction hash attached to a gateway error.
func TxHashOf(err error) string {
	return fault.AttrsOf(err)["tx_hash"]
}

// notApplied reports submit results that guarantee the transaction was not
// and will not be applied.
func notApplied(code string) bool {
	return strings.HasPrefix(code, "tem") || strings.HasPrefix(code, "tef") || strings.HasPrefix(code, "tel")
}

func rejected(code, message, hash string, raw []byte) error {
	detail := code
	if message != "" {
		detail = fmt.Sprintf("%s: %s", code, message)
	}
	err := fault.New(fault.KindTransactionRejected, "%s", detail).
		With("engine_result", code).
		With("tx_hash", hash)
	err.Raw = raw
	return err
}

func timeout(hash string, cause error) error {
	return fault.Wrap(fault.KindTimeout, cause, "no validated outcome for %s", hash).With("tx_hash", hash)
}

func withHash(err error, hash string) error {
	var ferr *fault.Error
	if errors.As(err, &ferr) {
		return ferr.With("tx_hash", hash)
	}
	return fault.Wrap(fault.KindNetworkUnavailable, err, "submit").With("tx_hash", hash)
}
