package workflow

import (
	"context"
	"errors"
	"time"

	"shipcover/insurance/claims"
	"shipcover/insurance/escrow"
	"shipcover/ledger"
)

// EscrowState tracks the ledger side of a shipment.
type EscrowState string

const (
	// EscrowPremiumUnknown marks a premium payment whose outcome is not known.
	EscrowPremiumUnknown EscrowState = "premium_unknown"
	// EscrowPremiumOnly marks a collected premium without a payout escrow.
	EscrowPremiumOnly EscrowState = "premium_only"
	EscrowActive      EscrowState = "escrowed"
	EscrowFinished    EscrowState = "finished"
	EscrowCanceled    EscrowState = "canceled"
	// EscrowVoided marks an agreement whose premium never executed.
	EscrowVoided EscrowState = "voided"
)

// HasEscrow reports whether the state refers to a created payout escrow.
func (s EscrowState) HasEscrow() bool {
	switch s {
	case EscrowActive, EscrowFinished, EscrowCanceled:
		return true
	default:
		return false
	}
}

// MaxTriggerCode is the highest accepted condition_code.
const MaxTriggerCode = 5

// ErrShipmentNotFound is returned by a ShipmentLedger when no row matches.
var ErrShipmentNotFound = errors.New("workflow: shipment not found")

// Shipment links an owner and a device to one payout escrow.
type Shipment struct {
	ID             string         `json:"shipment_id"`
	OwnerID        string         `json:"owner_id"`
	Name           string         `json:"shipment_name"`
	DeviceID       string         `json:"device_id"`
	Customer       string         `json:"customer_address"`
	Destination    string         `json:"destination_address"`
	Premium        ledger.Drops   `json:"premium_drops"`
	Payout         ledger.Drops   `json:"payout_drops"`
	ConditionCode  int            `json:"condition_code"`
	EscrowSequence uint32         `json:"escrow_sequence"`
	Condition      string         `json:"condition"`
	FinishAfter    time.Time      `json:"finish_after"`
	CancelAfter    time.Time      `json:"cancel_after"`
	EscrowState    EscrowState    `json:"escrow_state"`
	ClaimStatus    claims.Status  `json:"claim_status"`
	PendingOutcome claims.Outcome `json:"pending_outcome,omitempty"`
	PremiumTxHash  string         `json:"premium_tx_hash"`
	// PremiumLastLedger bounds when an unknown premium can still validate.
	PremiumLastLedger uint32    `json:"premium_last_ledger,omitempty"`
	EscrowTxHash      string    `json:"escrow_tx_hash,omitempty"`
	EscrowLastLedger  uint32    `json:"escrow_last_ledger,omitempty"`
	TerminalTxHash    string    `json:"terminal_tx_hash,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// EscrowTerms binds a shipment to the escrow create transaction that made,
// or may have made, its payout escrow.
type EscrowTerms struct {
	Sequence    uint32
	Condition   string
	FinishAfter time.Time
	CancelAfter time.Time
	TxHash      string
	LastLedger  uint32
}

// Patch lists the mutable shipment fields; nil fields are left untouched.
// Amounts are fixed at creation. Escrow terms change only while no escrow is
// confirmed, when a compensating create replaces a failed one.
type Patch struct {
	OwnerID        *string
	ClaimStatus    *claims.Status
	PendingOutcome *claims.Outcome
	EscrowState    *EscrowState
	TerminalTxHash *string
	Escrow         *EscrowTerms
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.OwnerID == nil && p.ClaimStatus == nil && p.PendingOutcome == nil && p.EscrowState == nil &&
		p.TerminalTxHash == nil && p.Escrow == nil
}

func (s *Shipment) bindEscrow(t EscrowTerms) {
	s.EscrowSequence = t.Sequence
	s.Condition = t.Condition
	s.FinishAfter = t.FinishAfter
	s.CancelAfter = t.CancelAfter
	s.EscrowTxHash = t.TxHash
	s.EscrowLastLedger = t.LastLedger
}

func termsOf(rec escrow.Record, tx escrow.Broadcast) EscrowTerms {
	return EscrowTerms{
		Sequence:    tx.Sequence,
		Condition:   rec.Condition,
		FinishAfter: rec.FinishAfter,
		CancelAfter: rec.CancelAfter,
		TxHash:      tx.Hash,
		LastLedger:  tx.LastLedger,
	}
}

// ShipmentLedger persists shipments. Implementations give last-write-wins
// semantics only.
type ShipmentLedger interface {
	Get(ctx context.Context, id string) (Shipment, error)
	Create(ctx context.Context, s Shipment) (string, error)
	Update(ctx context.Context, id string, patch Patch) error
	ListByOwner(ctx context.Context, ownerID string) ([]Shipment, error)
}

func ptr[T any](v T) *T { return &v }
