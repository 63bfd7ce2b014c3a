// Package store persists shipments and terminal escrow actions with gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"shipcover/insurance/claims"
	"shipcover/insurance/workflow"
	"shipcover/ledger"
	"shipcover/services/insurance-gateway/models"
)

// ErrNotFound is returned when no shipment matches.
var ErrNotFound = workflow.ErrShipmentNotFound

type actorKey struct{}

// WithActor tags ctx with the subject recorded on audit events.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}

// Shipments implements workflow.ShipmentLedger on gorm.
type Shipments struct {
	db  *gorm.DB
	now func() time.Time
}

// NewShipments wraps db.
func NewShipments(db *gorm.DB) *Shipments {
	return &Shipments{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Shipments) Get(ctx context.Context, id string) (workflow.Shipment, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return workflow.Shipment{}, ErrNotFound
	}
	var row models.Shipment
	if err := s.db.WithContext(ctx).First(&row, "id = ?", parsed).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return workflow.Shipment{}, ErrNotFound
		}
		return workflow.Shipment{}, fmt.Errorf("store: load shipment: %w", err)
	}
	return fromRow(row), nil
}

func (s *Shipments) Create(ctx context.Context, shipment workflow.Shipment) (string, error) {
	row := toRow(shipment)
	row.ID = uuid.New()
	now := s.now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		details := fmt.Sprintf("escrow_state=%s escrow_sequence=%d premium_tx=%s escrow_tx=%s", row.EscrowState, row.EscrowSequence, row.PremiumTxHash, row.EscrowTxHash)
		return appendEvent(tx, row.ID, actorFrom(ctx), "shipment.created", details, now)
	})
	if err != nil {
		return "", fmt.Errorf("store: create shipment: %w", err)
	}
	return row.ID.String(), nil
}

func (s *Shipments) Update(ctx context.Context, id string, patch workflow.Patch) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	if patch.Empty() {
		return nil
	}
	values := map[string]any{}
	if patch.OwnerID != nil {
		values["owner_id"] = *patch.OwnerID
	}
	if patch.ClaimStatus != nil {
		values["claim_status"] = string(*patch.ClaimStatus)
	}
	if patch.PendingOutcome != nil {
		values["pending_outcome"] = string(*patch.PendingOutcome)
	}
	if patch.EscrowState != nil {
		values["escrow_state"] = string(*patch.EscrowState)
	}
	if patch.TerminalTxHash != nil {
		values["terminal_tx_hash"] = *patch.TerminalTxHash
	}
	if t := patch.Escrow; t != nil {
		values["escrow_sequence"] = t.Sequence
		values["condition"] = t.Condition
		values["finish_after"] = t.FinishAfter.UTC()
		values["cancel_after"] = t.CancelAfter.UTC()
		values["escrow_tx_hash"] = t.TxHash
		values["escrow_last_ledger"] = t.LastLedger
	}
	now := s.now()
	values["updated_at"] = now

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Shipment{}).Where("id = ?", parsed).Updates(values)
		if res.Error != nil {
			return fmt.Errorf("store: update shipment: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return appendEvent(tx, parsed, actorFrom(ctx), "shipment.updated", describe(values), now)
	})
}

func (s *Shipments) ListByOwner(ctx context.Context, ownerID string) ([]workflow.Shipment, error) {
	var rows []models.Shipment
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list shipments: %w", err)
	}
	return fromRows(rows), nil
}

// ListByEscrowState returns shipments in any of the given escrow states.
func (s *Shipments) ListByEscrowState(ctx context.Context, states ...workflow.EscrowState) ([]workflow.Shipment, error) {
	raw := make([]string, len(states))
	for i, st := range states {
		raw[i] = string(st)
	}
	var rows []models.Shipment
	if err := s.db.WithContext(ctx).Where("escrow_state IN ?", raw).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list shipments by state: %w", err)
	}
	return fromRows(rows), nil
}

// ListPendingOutcome returns shipments with a claim resolution in flight.
func (s *Shipments) ListPendingOutcome(ctx context.Context) ([]workflow.Shipment, error) {
	var rows []models.Shipment
	if err := s.db.WithContext(ctx).Where("pending_outcome <> ''").Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list pending shipments: %w", err)
	}
	return fromRows(rows), nil
}

func appendEvent(tx *gorm.DB, shipmentID uuid.UUID, actor, action, details string, at time.Time) error {
	event := models.Event{
		ID:         uuid.New(),
		ShipmentID: &shipmentID,
		Actor:      actor,
		Action:     action,
		Details:    details,
		CreatedAt:  at,
	}
	return tx.Create(&event).Error
}

func describe(values map[string]any) string {
	parts := make([]string, 0, len(values))
	for k, v := range values {
		if k == "updated_at" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func toRow(s workflow.Shipment) models.Shipment {
	return models.Shipment{
		OwnerID:            s.OwnerID,
		Name:               s.Name,
		DeviceID:           s.DeviceID,
		CustomerAddress:    s.Customer,
		DestinationAddress: s.Destination,
		PremiumDrops:       uint64(s.Premium),
		PayoutDrops:        uint64(s.Payout),
		ConditionCode:      s.ConditionCode,
		EscrowSequence:     s.EscrowSequence,
		Condition:          s.Condition,
		FinishAfter:        s.FinishAfter.UTC(),
		CancelAfter:        s.CancelAfter.UTC(),
		EscrowState:        string(s.EscrowState),
		ClaimStatus:        string(s.ClaimStatus),
		PendingOutcome:     string(s.PendingOutcome),
		PremiumTxHash:      s.PremiumTxHash,
		PremiumLastLedger:  s.PremiumLastLedger,
		EscrowTxHash:       s.EscrowTxHash,
		EscrowLastLedger:   s.EscrowLastLedger,
		TerminalTxHash:     s.TerminalTxHash,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func fromRow(r models.Shipment) workflow.Shipment {
	return workflow.Shipment{
		ID:                r.ID.String(),
		OwnerID:           r.OwnerID,
		Name:              r.Name,
		DeviceID:          r.DeviceID,
		Customer:          r.CustomerAddress,
		Destination:       r.DestinationAddress,
		Premium:           ledger.Drops(r.PremiumDrops),
		Payout:            ledger.Drops(r.PayoutDrops),
		ConditionCode:     r.ConditionCode,
		EscrowSequence:    r.EscrowSequence,
		Condition:         r.Condition,
		FinishAfter:       r.FinishAfter,
		CancelAfter:       r.CancelAfter,
		EscrowState:       workflow.EscrowState(r.EscrowState),
		ClaimStatus:       claims.Status(r.ClaimStatus),
		PendingOutcome:    claims.Outcome(r.PendingOutcome),
		PremiumTxHash:     r.PremiumTxHash,
		PremiumLastLedger: r.PremiumLastLedger,
		EscrowTxHash:      r.EscrowTxHash,
		EscrowLastLedger:  r.EscrowLastLedger,
		TerminalTxHash:    r.TerminalTxHash,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func fromRows(rows []models.Shipment) []workflow.Shipment {
	out := make([]workflow.Shipment, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out
}
