package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Shipment is the persisted insurance agreement of one shipment.
type Shipment struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerID            string    `gorm:"size:128;index"`
	Name               string    `gorm:"size:255"`
	DeviceID           string    `gorm:"size:128;index"`
	CustomerAddress    string    `gorm:"size:64"`
	DestinationAddress string    `gorm:"size:64"`
	PremiumDrops       uint64    `gorm:"not null"`
	PayoutDrops        uint64    `gorm:"not null"`
	ConditionCode      int
	EscrowSequence     uint32 `gorm:"index"`
	Condition          string `gorm:"size:128"`
	FinishAfter        time.Time
	CancelAfter        time.Time
	EscrowState        string `gorm:"size:32;index"`
	ClaimStatus        string `gorm:"size:16;index"`
	PendingOutcome     string `gorm:"size:16"`
	PremiumTxHash      string `gorm:"size:64"`
	PremiumLastLedger  uint32
	EscrowTxHash       string `gorm:"size:64"`
	EscrowLastLedger   uint32
	TerminalTxHash     string `gorm:"size:64"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TerminalAction is the per-escrow idempotency row guarding finish and cancel.
type TerminalAction struct {
	Owner              string `gorm:"primaryKey;size:64"`
	Sequence           uint32 `gorm:"primaryKey;autoIncrement:false"`
	Action             string `gorm:"size:16"`
	State              string `gorm:"size:16;index"`
	TxHash             string `gorm:"size:64"`
	LastLedgerSequence uint32
	Receipt            string `gorm:"type:text"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Event is the shipment audit trail.
type Event struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ShipmentID *uuid.UUID `gorm:"type:uuid;index"`
	Actor      string     `gorm:"size:128;index"`
	Action     string     `gorm:"size:64"`
	Details    string     `gorm:"type:text"`
	CreatedAt  time.Time
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	Subject   string `gorm:"size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	BodyHash  string `gorm:"size:64"`
	State     string `gorm:"size:16"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Shipment{},
		&TerminalAction{},
		&Event{},
		&IdempotencyKey{},
	)
}
