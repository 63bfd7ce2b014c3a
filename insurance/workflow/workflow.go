// Package workflow binds shipments to their payout escrows: it creates the
// agreement, resolves claims through the escrow protocol and keeps the
// shipment ledger in step with the ledger network.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"shipcover/crypto"
	"shipcover/insurance/claims"
	"shipcover/insurance/escrow"
	"shipcover/insurance/fault"
	"shipcover/ledger"
	"shipcover/observability"
	"shipcover/observability/logging"
)

// Protocol is the escrow surface the workflow drives.
type Protocol interface {
	Custodian() crypto.Address
	CreateWithPremium(ctx context.Context, req escrow.CreateRequest) (escrow.Record, error)
	Finish(ctx context.Context, sequence uint32) (escrow.TerminalResult, error)
	Cancel(ctx context.Context, sequence uint32) (escrow.TerminalResult, error)
	RetryEscrow(ctx context.Context, payout ledger.Drops, destination crypto.Address) (escrow.Record, error)
}

// TxStatusReader looks an earlier submission up without resending it.
type TxStatusReader interface {
	Status(ctx context.Context, hash string, lastLedger uint32) (ledger.TxStatus, error)
}

// Service implements the agreement and claim operations.
type Service struct {
	shipments ShipmentLedger
	protocol  Protocol
	txStatus  TxStatusReader
	logger    *slog.Logger
	now       func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTxStatus enables RetryEscrow, which must check the earlier escrow create.
func WithTxStatus(r TxStatusReader) Option {
	return func(s *Service) {
		s.txStatus = r
	}
}

// NewService wires the workflow to its collaborators.
func NewService(shipments ShipmentLedger, protocol Protocol, opts ...Option) (*Service, error) {
	if shipments == nil {
		return nil, fault.New(fault.KindConfiguration, "shipment ledger is required")
	}
	if protocol == nil {
		return nil, fault.New(fault.KindConfiguration, "escrow protocol is required")
	}
	s := &Service{shipments: shipments, protocol: protocol, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "workflow"))
	return s, nil
}

// AgreementRequest is the create-agreement input. Amounts are decimal XRP.
type AgreementRequest struct {
	CustomerSeed  string
	Destination   string
	Premium       string
	Payout        string
	ReturnAddress string
	TriggerCode   int
	ShipmentName  string
	DeviceID      string
	OwnerID       string
}

// AgreementResult is returned by CreateAgreement.
type AgreementResult struct {
	ShipmentID string        `json:"shipment_id"`
	Escrow     escrow.Record `json:"escrow"`
}

type agreement struct {
	customer    *crypto.Wallet
	destination crypto.Address
	premium     ledger.Drops
	payout      ledger.Drops
}

func (s *Service) validate(req AgreementRequest) (agreement, error) {
	var a agreement
	if strings.TrimSpace(req.OwnerID) == "" {
		return a, fault.New(fault.KindInvalidRequest, "owner id is required")
	}
	if req.TriggerCode < 0 || req.TriggerCode > MaxTriggerCode {
		return a, fault.New(fault.KindInvalidRequest, "condition code %d outside 0-%d", req.TriggerCode, MaxTriggerCode)
	}
	premium, err := ledger.ToDrops(req.Premium)
	if err != nil {
		return a, fmt.Errorf("premium: %w", err)
	}
	payout, err := ledger.ToDrops(req.Payout)
	if err != nil {
		return a, fmt.Errorf("payout: %w", err)
	}
	dest, err := crypto.DecodeAddress(strings.TrimSpace(req.Destination))
	if err != nil {
		return a, fault.Wrap(fault.KindConfiguration, err, "destination address")
	}
	if ret := strings.TrimSpace(req.ReturnAddress); ret != "" {
		addr, err := crypto.DecodeAddress(ret)
		if err != nil {
			return a, fault.Wrap(fault.KindConfiguration, err, "return address")
		}
		if addr != s.protocol.Custodian() {
			return a, fault.New(fault.KindConfiguration, "return address %s must be the custodian %s", addr, s.protocol.Custodian())
		}
	}
	customer, err := crypto.WalletFromSeed(strings.TrimSpace(req.CustomerSeed))
	if err != nil {
		return a, fault.Wrap(fault.KindConfiguration, err, "customer credentials")
	}
	return agreement{customer: customer, destination: dest, premium: premium, payout: payout}, nil
}

// CreateAgreement collects the premium, creates the payout escrow and
// records the shipment. Every input is validated before any ledger call.
func (s *Service) CreateAgreement(ctx context.Context, req AgreementRequest) (AgreementResult, error) {
	a, err := s.validate(req)
	if err != nil {
		return AgreementResult{}, err
	}
	log := s.logger.With(
		slog.String("owner_id", req.OwnerID),
		slog.String("device_id", req.DeviceID),
		logging.MaskField("customer_seed", req.CustomerSeed),
	)

	now := s.now()
	shipment := Shipment{
		OwnerID:       req.OwnerID,
		Name:          req.ShipmentName,
		DeviceID:      req.DeviceID,
		Customer:      a.customer.Address().String(),
		Destination:   a.destination.String(),
		Premium:       a.premium,
		Payout:        a.payout,
		ConditionCode: req.TriggerCode,
		ClaimStatus:   claims.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	rec, err := s.protocol.CreateWithPremium(ctx, escrow.CreateRequest{
		Customer:    a.customer,
		Premium:     a.premium,
		Payout:      a.payout,
		Destination: a.destination,
	})
	if err != nil {
		return s.recordIncomplete(ctx, log, shipment, err)
	}

	shipment.EscrowState = EscrowActive
	shipment.EscrowSequence = rec.Sequence
	shipment.Condition = rec.Condition
	shipment.FinishAfter = rec.FinishAfter
	shipment.CancelAfter = rec.CancelAfter
	shipment.PremiumTxHash = rec.PremiumReceipt.Hash
	shipment.EscrowTxHash = rec.EscrowReceipt.Hash
	id, err := s.shipments.Create(ctx, shipment)
	if err != nil {
		log.Error("escrow created but shipment not recorded",
			slog.Uint64("escrow_sequence", uint64(rec.Sequence)),
			slog.String("escrow_tx_hash", rec.EscrowReceipt.Hash),
			slog.Any("error", err))
		return AgreementResult{Escrow: rec}, fault.Wrap(fault.KindReconciliationRequired, err, "escrow %d created but shipment not recorded", rec.Sequence).
			With("escrow_sequence", strconv.FormatUint(uint64(rec.Sequence), 10)).
			With("escrow_tx_hash", rec.EscrowReceipt.Hash).
			With("premium_tx_hash", rec.PremiumReceipt.Hash)
	}
	observability.Events().RecordShipment(string(EscrowActive))
	log.Info("insurance agreement created", slog.String("shipment_id", id), slog.Uint64("escrow_sequence", uint64(rec.Sequence)))
	return AgreementResult{ShipmentID: id, Escrow: rec}, nil
}

// recordIncomplete persists an agreement whose ledger side stopped half way, so
// that reconciliation can find the premium or escrow create it may have moved.
// Failures that certainly moved nothing are returned unchanged.
func (s *Service) recordIncomplete(ctx context.Context, log *slog.Logger, shipment Shipment, err error) (AgreementResult, error) {
	var (
		partial   *escrow.PartialFailureError
		unsettled *escrow.UnsettledError
	)
	switch {
	case errors.As(err, &partial):
		shipment.EscrowState = EscrowPremiumOnly
		shipment.PremiumTxHash = partial.Premium.Hash
		if partial.EscrowTx.Hash != "" {
			shipment.bindEscrow(termsOf(partial.Escrow, partial.EscrowTx))
		}
	case errors.As(err, &unsettled) && unsettled.Stage == escrow.StagePremium:
		shipment.EscrowState = EscrowPremiumUnknown
		shipment.PremiumTxHash = unsettled.Tx.Hash
		shipment.PremiumLastLedger = unsettled.Tx.LastLedger
	default:
		return AgreementResult{}, err
	}

	id, perr := s.shipments.Create(ctx, shipment)
	if perr != nil {
		log.Error("failed to record incomplete agreement",
			slog.String("escrow_state", string(shipment.EscrowState)),
			slog.String("premium_tx_hash", shipment.PremiumTxHash),
			slog.String("escrow_tx_hash", shipment.EscrowTxHash),
			slog.Any("error", perr))
		return AgreementResult{}, fault.Wrap(fault.KindReconciliationRequired, err, "%s agreement not recorded: %v", shipment.EscrowState, perr).
			With("premium_tx_hash", shipment.PremiumTxHash)
	}
	observability.Events().RecordShipment(string(shipment.EscrowState))
	log.Warn("incomplete agreement recorded",
		slog.String("shipment_id", id),
		slog.String("escrow_state", string(shipment.EscrowState)),
		slog.String("premium_tx_hash", shipment.PremiumTxHash))
	return AgreementResult{ShipmentID: id}, annotate(err, id)
}

// Resolution is returned by ResolveClaim.
type Resolution struct {
	ShipmentID string         `json:"shipment_id"`
	Status     claims.Status  `json:"status"`
	Receipt    ledger.Receipt `json:"receipt"`
	Replayed   bool           `json:"replayed"`
}

// ResolveClaim applies a claim outcome: it finishes or cancels the escrow and
// then records the resulting claim status.
func (s *Service) ResolveClaim(ctx context.Context, ownerID, shipmentID, rawOutcome string) (Resolution, error) {
	outcome, err := claims.ParseOutcome(rawOutcome)
	if err != nil {
		return Resolution{}, err
	}
	decision, err := claims.Decide(outcome)
	if err != nil {
		return Resolution{}, err
	}
	shipment, err := s.load(ctx, ownerID, shipmentID)
	if err != nil {
		return Resolution{}, err
	}
	if !shipment.EscrowState.HasEscrow() {
		return Resolution{}, fault.New(fault.KindEscrowNotFound, "shipment %s has no payout escrow", shipmentID).
			With("shipment_id", shipmentID).
			With("escrow_state", string(shipment.EscrowState))
	}
	current, err := claims.ParseStatus(string(shipment.ClaimStatus))
	if err != nil {
		return Resolution{}, err
	}
	if current.Terminal() && current == decision.Status {
		s.logger.Warn("claim already resolved, replaying", slog.String("shipment_id", shipmentID), slog.String("claim_status", string(current)))
		return Resolution{
			ShipmentID: shipmentID,
			Status:     current,
			Receipt:    ledger.Receipt{Hash: shipment.TerminalTxHash, Result: ledger.ResultSuccess},
			Replayed:   true,
		}, nil
	}
	if err := claims.ValidateTransition(current, decision.Status); err != nil {
		return Resolution{}, annotate(err, shipmentID)
	}
	if shipment.PendingOutcome != "" && shipment.PendingOutcome != outcome {
		return Resolution{}, fault.New(fault.KindAlreadyTerminal, "claim resolution %s already in progress", shipment.PendingOutcome).
			With("shipment_id", shipmentID).
			With("pending_outcome", string(shipment.PendingOutcome))
	}

	if err := s.shipments.Update(ctx, shipmentID, Patch{PendingOutcome: ptr(outcome)}); err != nil {
		return Resolution{}, fmt.Errorf("record pending outcome: %w", err)
	}

	var result escrow.TerminalResult
	switch decision.Action {
	case claims.ActionFinish:
		result, err = s.protocol.Finish(ctx, shipment.EscrowSequence)
	default:
		result, err = s.protocol.Cancel(ctx, shipment.EscrowSequence)
	}
	if err != nil {
		if definitive(err) {
			if cerr := s.shipments.Update(ctx, shipmentID, Patch{PendingOutcome: ptr(claims.Outcome(""))}); cerr != nil {
				s.logger.Error("failed to clear pending outcome", slog.String("shipment_id", shipmentID), slog.Any("error", cerr))
			}
		}
		return Resolution{}, annotate(err, shipmentID)
	}

	if err := s.ApplyOutcome(ctx, shipmentID, outcome, result.Receipt.Hash); err != nil {
		return Resolution{ShipmentID: shipmentID, Receipt: result.Receipt}, fault.Wrap(fault.KindReconciliationRequired, err, "escrow %d %s validated but claim status not recorded", shipment.EscrowSequence, decision.Action).
			With("shipment_id", shipmentID).
			With("tx_hash", result.Receipt.Hash)
	}
	observability.Events().RecordClaimTransition(string(current), string(decision.Status))
	s.logger.Info("claim resolved",
		slog.String("shipment_id", shipmentID),
		slog.String("outcome", string(outcome)),
		slog.String("claim_status", string(decision.Status)),
		slog.String("tx_hash", result.Receipt.Hash))
	return Resolution{ShipmentID: shipmentID, Status: decision.Status, Receipt: result.Receipt, Replayed: result.Replayed}, nil
}

// ApplyOutcome records the status and escrow state implied by a validated
// terminal action. Reconciliation uses it to finish interrupted resolutions.
func (s *Service) ApplyOutcome(ctx context.Context, shipmentID string, outcome claims.Outcome, txHash string) error {
	decision, err := claims.Decide(outcome)
	if err != nil {
		return err
	}
	state := EscrowCanceled
	if decision.Action == claims.ActionFinish {
		state = EscrowFinished
	}
	return s.shipments.Update(ctx, shipmentID, Patch{
		ClaimStatus:    ptr(decision.Status),
		EscrowState:    ptr(state),
		TerminalTxHash: ptr(txHash),
		PendingOutcome: ptr(claims.Outcome("")),
	})
}

// ClearPendingOutcome drops a pending outcome whose terminal action is known
// not to have executed.
func (s *Service) ClearPendingOutcome(ctx context.Context, shipmentID string) error {
	return s.shipments.Update(ctx, shipmentID, Patch{PendingOutcome: ptr(claims.Outcome(""))})
}

// SettlePremium records the ledger verdict on a premium whose outcome was
// unknown: a collected premium leaves the agreement premium-only, a premium
// that never executed voids it.
func (s *Service) SettlePremium(ctx context.Context, shipmentID string, collected bool) error {
	if collected {
		return s.shipments.Update(ctx, shipmentID, Patch{EscrowState: ptr(EscrowPremiumOnly)})
	}
	return s.shipments.Update(ctx, shipmentID, Patch{
		EscrowState: ptr(EscrowVoided),
		ClaimStatus: ptr(claims.StatusNA),
	})
}

// ConfirmEscrow marks a premium-only shipment escrowed once the escrow create
// recorded on it is found validated.
func (s *Service) ConfirmEscrow(ctx context.Context, shipmentID string) error {
	return s.shipments.Update(ctx, shipmentID, Patch{EscrowState: ptr(EscrowActive)})
}

// RetryEscrow compensates a partial failure by creating the payout escrow of a
// premium-only shipment. The escrow create recorded on the shipment, if any, is
// looked up first: a validated one is adopted and nothing is resubmitted, and
// one that may still validate blocks the retry.
func (s *Service) RetryEscrow(ctx context.Context, shipmentID string) (Shipment, error) {
	shipment, err := s.load(ctx, "", shipmentID)
	if err != nil {
		return Shipment{}, err
	}
	if shipment.EscrowState != EscrowPremiumOnly {
		return Shipment{}, fault.New(fault.KindInvalidRequest, "shipment %s is %s, not %s", shipmentID, shipment.EscrowState, EscrowPremiumOnly).
			With("shipment_id", shipmentID)
	}
	log := s.logger.With(slog.String("shipment_id", shipmentID))

	if hash := shipment.EscrowTxHash; hash != "" {
		if s.txStatus == nil {
			return Shipment{}, fault.New(fault.KindConfiguration, "ledger status reader is required to verify escrow create %s", hash)
		}
		st, err := s.txStatus.Status(ctx, hash, shipment.EscrowLastLedger)
		if err != nil {
			return Shipment{}, annotate(err, shipmentID)
		}
		switch {
		case st.Validated && st.Result == ledger.ResultSuccess:
			if err := s.ConfirmEscrow(ctx, shipmentID); err != nil {
				return Shipment{}, fmt.Errorf("confirm escrow: %w", err)
			}
			log.Warn("earlier escrow create validated, adopting it", slog.String("escrow_tx_hash", hash))
			return s.shipments.Get(ctx, shipmentID)
		case st.Validated, !st.Found && st.Expired:
		default:
			return Shipment{}, fault.New(fault.KindReconciliationRequired, "escrow create %s may still validate", hash).
				With("shipment_id", shipmentID).
				With("escrow_tx_hash", hash)
		}
	}

	dest, err := crypto.DecodeAddress(shipment.Destination)
	if err != nil {
		return Shipment{}, fault.Wrap(fault.KindConfiguration, err, "destination address")
	}
	rec, err := s.protocol.RetryEscrow(ctx, shipment.Payout, dest)
	if err != nil {
		var unsettled *escrow.UnsettledError
		if errors.As(err, &unsettled) {
			terms := termsOf(unsettled.Escrow, unsettled.Tx)
			if uerr := s.shipments.Update(ctx, shipmentID, Patch{Escrow: &terms}); uerr != nil {
				log.Error("failed to record escrow create", slog.String("escrow_tx_hash", terms.TxHash), slog.Any("error", uerr))
			}
		}
		return Shipment{}, annotate(err, shipmentID)
	}

	terms := termsOf(rec, escrow.Broadcast{Hash: rec.EscrowReceipt.Hash, Sequence: rec.Sequence})
	if err := s.shipments.Update(ctx, shipmentID, Patch{Escrow: &terms, EscrowState: ptr(EscrowActive)}); err != nil {
		return Shipment{}, fault.Wrap(fault.KindReconciliationRequired, err, "escrow %d created but shipment not updated", rec.Sequence).
			With("shipment_id", shipmentID).
			With("escrow_sequence", strconv.FormatUint(uint64(rec.Sequence), 10)).
			With("escrow_tx_hash", rec.EscrowReceipt.Hash)
	}
	observability.Events().RecordShipment(string(EscrowActive))
	log.Info("compensating escrow recorded", slog.Uint64("escrow_sequence", uint64(rec.Sequence)))
	return s.shipments.Get(ctx, shipmentID)
}

// QueryStatus returns the recorded claim status.
func (s *Service) QueryStatus(ctx context.Context, ownerID, shipmentID string) (claims.Status, error) {
	shipment, err := s.load(ctx, ownerID, shipmentID)
	if err != nil {
		return "", err
	}
	return claims.ParseStatus(string(shipment.ClaimStatus))
}

// GetShipment returns one shipment visible to ownerID.
func (s *Service) GetShipment(ctx context.Context, ownerID, shipmentID string) (Shipment, error) {
	return s.load(ctx, ownerID, shipmentID)
}

// ListShipments returns every shipment of ownerID.
func (s *Service) ListShipments(ctx context.Context, ownerID string) ([]Shipment, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fault.New(fault.KindInvalidRequest, "owner id is required")
	}
	list, err := s.shipments.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list shipments: %w", err)
	}
	return list, nil
}

// TransferOwnership reassigns the shipment to newOwner. The escrow is untouched.
func (s *Service) TransferOwnership(ctx context.Context, ownerID, shipmentID, newOwner string) (Shipment, error) {
	newOwner = strings.TrimSpace(newOwner)
	if newOwner == "" {
		return Shipment{}, fault.New(fault.KindInvalidRequest, "new owner id is required")
	}
	if _, err := s.load(ctx, ownerID, shipmentID); err != nil {
		return Shipment{}, err
	}
	if err := s.shipments.Update(ctx, shipmentID, Patch{OwnerID: &newOwner}); err != nil {
		return Shipment{}, fmt.Errorf("transfer ownership: %w", err)
	}
	s.logger.Info("shipment ownership transferred", slog.String("shipment_id", shipmentID), slog.String("from", ownerID), slog.String("to", newOwner))
	return s.shipments.Get(ctx, shipmentID)
}

// load fetches a shipment and hides it from other owners. An empty ownerID
// skips the check for operator tooling.
func (s *Service) load(ctx context.Context, ownerID, shipmentID string) (Shipment, error) {
	shipment, err := s.shipments.Get(ctx, shipmentID)
	if errors.Is(err, ErrShipmentNotFound) || (err == nil && ownerID != "" && shipment.OwnerID != ownerID) {
		return Shipment{}, fault.New(fault.KindNotFound, "shipment %s not found", shipmentID).With("shipment_id", shipmentID)
	}
	if err != nil {
		return Shipment{}, fmt.Errorf("load shipment %s: %w", shipmentID, err)
	}
	return shipment, nil
}

// definitive reports whether a failed terminal action certainly did not execute.
func definitive(err error) bool {
	switch fault.KindOf(err) {
	case fault.KindTimeout, fault.KindNetworkUnavailable, fault.KindInternal, fault.KindReconciliationRequired, fault.KindAlreadyTerminal:
		return false
	default:
		return true
	}
}

// annotate adds the shipment id without changing the error's kind.
func annotate(err error, shipmentID string) error {
	return fault.Wrap(fault.KindOf(err), err, "shipment %s", shipmentID).With("shipment_id", shipmentID)
}
