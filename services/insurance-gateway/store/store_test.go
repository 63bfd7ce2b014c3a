package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"shipcover/insurance/claims"
	"shipcover/insurance/escrow"
	"shipcover/insurance/workflow"
	"shipcover/ledger"
	"shipcover/services/insurance-gateway/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func sampleShipment(owner string) workflow.Shipment {
	return workflow.Shipment{
		OwnerID:        owner,
		Name:           "insulin",
		DeviceID:       "dev-9",
		Customer:       "rfsz99hMQhCDJy5YW2YGk7ngzEqr9KDCNe",
		Destination:    "rMuY2FdTgCFahDGMjQSzZZ3pySCcaBHCvH",
		Premium:        2_000_000,
		Payout:         5_000_000,
		ConditionCode:  2,
		EscrowSequence: 17,
		Condition:      "A0258020",
		FinishAfter:    time.Date(2025, 3, 1, 12, 0, 10, 0, time.UTC),
		CancelAfter:    time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC),
		EscrowState:    workflow.EscrowActive,
		ClaimStatus:    claims.StatusPending,
		PremiumTxHash:  "PREMIUM",
		EscrowTxHash:   "ESCROW",
	}
}

func TestShipmentRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	s := NewShipments(db)
	ctx := WithActor(context.Background(), "owner-1")

	id, err := s.Create(ctx, sampleShipment("owner-1"))
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	require.Equal(t, ledger.Drops(5_000_000), got.Payout)
	require.Equal(t, uint32(17), got.EscrowSequence)
	require.Equal(t, claims.StatusPending, got.ClaimStatus)
	require.True(t, got.CancelAfter.Equal(time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)))

	status := claims.StatusApproved
	state := workflow.EscrowFinished
	hash := "FINISH"
	none := claims.Outcome("")
	require.NoError(t, s.Update(ctx, id, workflow.Patch{ClaimStatus: &status, EscrowState: &state, TerminalTxHash: &hash, PendingOutcome: &none}))

	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, claims.StatusApproved, got.ClaimStatus)
	require.Equal(t, workflow.EscrowFinished, got.EscrowState)
	require.Equal(t, "FINISH", got.TerminalTxHash)
	require.Equal(t, uint32(17), got.EscrowSequence)

	var events []models.Event
	require.NoError(t, db.Order("created_at ASC, action ASC").Find(&events, "shipment_id = ?", uuid.MustParse(id)).Error)
	require.Len(t, events, 2)
	require.Equal(t, "shipment.created", events[0].Action)
	require.Equal(t, "owner-1", events[1].Actor)
	require.Contains(t, events[1].Details, "claim_status=approved")
}

func TestShipmentNotFound(t *testing.T) {
	s := NewShipments(setupTestDB(t))
	ctx := context.Background()

	_, err := s.Get(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "not-a-uuid")
	require.ErrorIs(t, err, ErrNotFound)

	owner := "x"
	require.ErrorIs(t, s.Update(ctx, uuid.NewString(), workflow.Patch{OwnerID: &owner}), ErrNotFound)
}

func TestListQueries(t *testing.T) {
	s := NewShipments(setupTestDB(t))
	ctx := context.Background()

	a, err := s.Create(ctx, sampleShipment("owner-1"))
	require.NoError(t, err)
	_, err = s.Create(ctx, sampleShipment("owner-2"))
	require.NoError(t, err)
	partial := sampleShipment("owner-1")
	partial.EscrowState = workflow.EscrowPremiumOnly
	partial.EscrowSequence = 0
	_, err = s.Create(ctx, partial)
	require.NoError(t, err)

	mine, err := s.ListByOwner(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, mine, 2)

	premiumOnly, err := s.ListByEscrowState(ctx, workflow.EscrowPremiumOnly)
	require.NoError(t, err)
	require.Len(t, premiumOnly, 1)

	outcome := claims.OutcomeApproved
	require.NoError(t, s.Update(ctx, a, workflow.Patch{PendingOutcome: &outcome}))
	pending, err := s.ListPendingOutcome(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, a, pending[0].ID)
}

func TestShipmentEscrowTermsPatch(t *testing.T) {
	db := setupTestDB(t)
	s := NewShipments(db)
	ctx := WithActor(context.Background(), "shipcoverctl")

	unknown := sampleShipment("owner-1")
	unknown.EscrowState = workflow.EscrowPremiumUnknown
	unknown.EscrowSequence = 0
	unknown.Condition = ""
	unknown.EscrowTxHash = ""
	unknown.PremiumLastLedger = 95
	id, err := s.Create(ctx, unknown)
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, workflow.EscrowPremiumUnknown, got.EscrowState)
	require.Equal(t, uint32(95), got.PremiumLastLedger)

	finishAfter := time.Date(2025, 3, 2, 9, 0, 0, 0, time.FixedZone("CET", 3600))
	state := workflow.EscrowActive
	require.NoError(t, s.Update(ctx, id, workflow.Patch{
		EscrowState: &state,
		Escrow: &workflow.EscrowTerms{
			Sequence:    33,
			Condition:   "A0258020",
			FinishAfter: finishAfter,
			CancelAfter: finishAfter.Add(72 * time.Hour),
			TxHash:      "RETRY",
			LastLedger:  120,
		},
	}))

	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, workflow.EscrowActive, got.EscrowState)
	require.Equal(t, uint32(33), got.EscrowSequence)
	require.Equal(t, "A0258020", got.Condition)
	require.Equal(t, "RETRY", got.EscrowTxHash)
	require.Equal(t, uint32(120), got.EscrowLastLedger)
	require.True(t, got.FinishAfter.Equal(finishAfter))
	require.True(t, got.CancelAfter.Equal(finishAfter.Add(72*time.Hour)))

	var events []models.Event
	require.NoError(t, db.Order("created_at ASC, action ASC").Find(&events, "shipment_id = ?", uuid.MustParse(id)).Error)
	require.Len(t, events, 2)
	require.Equal(t, "shipcoverctl", events[1].Actor)
}

func TestTerminalStoreLifecycle(t *testing.T) {
	store := NewTerminals(setupTestDB(t))
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.Get(ctx, "rOwner", 9)
	require.ErrorIs(t, err, escrow.ErrNoTerminalAction)

	rec := escrow.TerminalAction{Owner: "rOwner", Sequence: 9, Action: escrow.ActionFinish, State: escrow.StateSubmitting, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.Claim(ctx, rec))
	require.ErrorIs(t, store.Claim(ctx, rec), escrow.ErrTerminalActionExists)

	rec.State = escrow.StateConfirmed
	rec.TxHash = "ABCD"
	rec.Receipt = ledger.Receipt{Hash: "ABCD", Type: ledger.TxEscrowFinish, Result: ledger.ResultSuccess, LedgerIndex: 88}
	require.NoError(t, store.Update(ctx, rec))

	got, err := store.Get(ctx, "rOwner", 9)
	require.NoError(t, err)
	require.Equal(t, escrow.StateConfirmed, got.State)
	require.Equal(t, uint32(88), got.Receipt.LedgerIndex)

	require.NoError(t, store.Release(ctx, "rOwner", 9))
	_, err = store.Get(ctx, "rOwner", 9)
	require.ErrorIs(t, err, escrow.ErrNoTerminalAction)
	require.ErrorIs(t, store.Update(ctx, rec), escrow.ErrNoTerminalAction)
}

func TestTerminalStoreUnresolved(t *testing.T) {
	store := NewTerminals(setupTestDB(t))
	ctx := context.Background()
	old := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := old.Add(time.Hour)

	for seq, st := range map[uint32]escrow.TerminalState{1: escrow.StateUnknown, 2: escrow.StateConfirmed, 3: escrow.StateSubmitting} {
		require.NoError(t, store.Claim(ctx, escrow.TerminalAction{Owner: "rOwner", Sequence: seq, Action: escrow.ActionCancel, State: st, CreatedAt: old, UpdatedAt: old}))
	}
	require.NoError(t, store.Claim(ctx, escrow.TerminalAction{Owner: "rOwner", Sequence: 4, Action: escrow.ActionCancel, State: escrow.StateUnknown, CreatedAt: fresh, UpdatedAt: fresh}))

	list, err := store.Unresolved(ctx, old.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, uint32(1), list[0].Sequence)
	require.Equal(t, uint32(3), list[1].Sequence)
}

func TestTerminalStoreBacksGuard(t *testing.T) {
	store := NewTerminals(setupTestDB(t))
	guard := escrow.NewTerminalGuard(store, nil, nil)
	ctx := context.Background()
	calls := 0

	prepare := func(context.Context) (ledger.Prepared, error) {
		return ledger.Prepared{Tx: &ledger.Transaction{LastLedgerSequence: 50}, Signed: ledger.Signed{Hash: "HASH"}}, nil
	}
	send := func(context.Context, ledger.Prepared) (ledger.Receipt, error) {
		calls++
		return ledger.Receipt{Hash: "HASH", Result: ledger.ResultSuccess}, nil
	}

	_, err := guard.Run(ctx, "rOwner", 5, escrow.ActionFinish, prepare, send)
	require.NoError(t, err)
	res, err := guard.Run(ctx, "rOwner", 5, escrow.ActionFinish, prepare, send)
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.Equal(t, "HASH", res.Receipt.Hash)
	require.Equal(t, 1, calls)
}
