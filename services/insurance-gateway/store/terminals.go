package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"shipcover/insurance/escrow"
	"shipcover/ledger"
	"shipcover/services/insurance-gateway/models"
)

// Terminals implements escrow.TerminalStore on gorm.
type Terminals struct {
	db *gorm.DB
}

// NewTerminals wraps db.
func NewTerminals(db *gorm.DB) *Terminals {
	return &Terminals{db: db}
}

func (t *Terminals) Get(ctx context.Context, owner string, sequence uint32) (escrow.TerminalAction, error) {
	var row models.TerminalAction
	err := t.db.WithContext(ctx).First(&row, "owner = ? AND sequence = ?", owner, sequence).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return escrow.TerminalAction{}, escrow.ErrNoTerminalAction
	}
	if err != nil {
		return escrow.TerminalAction{}, fmt.Errorf("store: load terminal action: %w", err)
	}
	return terminalFromRow(row)
}

func (t *Terminals) Claim(ctx context.Context, action escrow.TerminalAction) error {
	row, err := terminalToRow(action)
	if err != nil {
		return err
	}
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.TerminalAction{}).Where("owner = ? AND sequence = ?", row.Owner, row.Sequence).Count(&count).Error; err != nil {
			return fmt.Errorf("store: check terminal action: %w", err)
		}
		if count > 0 {
			return escrow.ErrTerminalActionExists
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("store: claim terminal action: %w", err)
		}
		return nil
	})
}

func (t *Terminals) Update(ctx context.Context, action escrow.TerminalAction) error {
	row, err := terminalToRow(action)
	if err != nil {
		return err
	}
	res := t.db.WithContext(ctx).Model(&models.TerminalAction{}).
		Where("owner = ? AND sequence = ?", row.Owner, row.Sequence).
		Updates(map[string]any{
			"action":               row.Action,
			"state":                row.State,
			"tx_hash":              row.TxHash,
			"last_ledger_sequence": row.LastLedgerSequence,
			"receipt":              row.Receipt,
			"updated_at":           row.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("store: update terminal action: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return escrow.ErrNoTerminalAction
	}
	return nil
}

func (t *Terminals) Release(ctx context.Context, owner string, sequence uint32) error {
	err := t.db.WithContext(ctx).Where("owner = ? AND sequence = ?", owner, sequence).Delete(&models.TerminalAction{}).Error
	if err != nil {
		return fmt.Errorf("store: release terminal action: %w", err)
	}
	return nil
}

func (t *Terminals) Unresolved(ctx context.Context, cutoff time.Time) ([]escrow.TerminalAction, error) {
	var rows []models.TerminalAction
	err := t.db.WithContext(ctx).
		Where("state <> ? AND updated_at < ?", string(escrow.StateConfirmed), cutoff.UTC()).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: list unresolved terminal actions: %w", err)
	}
	out := make([]escrow.TerminalAction, 0, len(rows))
	for _, row := range rows {
		action, err := terminalFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, action)
	}
	return out, nil
}

func terminalToRow(a escrow.TerminalAction) (models.TerminalAction, error) {
	row := models.TerminalAction{
		Owner:              a.Owner,
		Sequence:           a.Sequence,
		Action:             string(a.Action),
		State:              string(a.State),
		TxHash:             a.TxHash,
		LastLedgerSequence: a.LastLedgerSequence,
		CreatedAt:          a.CreatedAt.UTC(),
		UpdatedAt:          a.UpdatedAt.UTC(),
	}
	if a.Receipt.Hash != "" {
		raw, err := json.Marshal(a.Receipt)
		if err != nil {
			return row, fmt.Errorf("store: encode receipt: %w", err)
		}
		row.Receipt = string(raw)
	}
	return row, nil
}

func terminalFromRow(r models.TerminalAction) (escrow.TerminalAction, error) {
	a := escrow.TerminalAction{
		Owner:              r.Owner,
		Sequence:           r.Sequence,
		Action:             escrow.Action(r.Action),
		State:              escrow.TerminalState(r.State),
		TxHash:             r.TxHash,
		LastLedgerSequence: r.LastLedgerSequence,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.Receipt != "" {
		var receipt ledger.Receipt
		if err := json.Unmarshal([]byte(r.Receipt), &receipt); err != nil {
			return a, fmt.Errorf("store: decode receipt: %w", err)
		}
		a.Receipt = receipt
	}
	return a, nil
}
