package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shipcover/crypto"
	"shipcover/crypto/condition"
	"shipcover/insurance/claims"
	"shipcover/insurance/escrow"
	"shipcover/insurance/fault"
	"shipcover/ledger"
)

const (
	custodianAddr = "rLUEXYuLiQptky37CqLcm9USQpPiz5rkpD"
	customerSeed  = "sEdSYn7L8ZbJmDyW3ru2N9r3S2ujvRA"
	customerAddr  = "rfsz99hMQhCDJy5YW2YGk7ngzEqr9KDCNe"
	destAddr      = "rMuY2FdTgCFahDGMjQSzZZ3pySCcaBHCvH"
)

type memoryLedger struct {
	mu        sync.Mutex
	rows      map[string]Shipment
	next      int
	failWrite error
	// failPatch, when set, may refuse individual updates.
	failPatch func(Patch) error
}

func newMemoryLedger() *memoryLedger { return &memoryLedger{rows: map[string]Shipment{}} }

func (m *memoryLedger) Get(_ context.Context, id string) (Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return Shipment{}, ErrShipmentNotFound
	}
	return s, nil
}

func (m *memoryLedger) Create(_ context.Context, s Shipment) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return "", m.failWrite
	}
	m.next++
	s.ID = fmt.Sprintf("shp-%d", m.next)
	m.rows[s.ID] = s
	return s.ID, nil
}

func (m *memoryLedger) Update(_ context.Context, id string, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	if m.failPatch != nil {
		if err := m.failPatch(p); err != nil {
			return err
		}
	}
	s, ok := m.rows[id]
	if !ok {
		return ErrShipmentNotFound
	}
	if p.OwnerID != nil {
		s.OwnerID = *p.OwnerID
	}
	if p.ClaimStatus != nil {
		s.ClaimStatus = *p.ClaimStatus
	}
	if p.PendingOutcome != nil {
		s.PendingOutcome = *p.PendingOutcome
	}
	if p.EscrowState != nil {
		s.EscrowState = *p.EscrowState
	}
	if p.TerminalTxHash != nil {
		s.TerminalTxHash = *p.TerminalTxHash
	}
	if p.Escrow != nil {
		s.bindEscrow(*p.Escrow)
	}
	m.rows[id] = s
	return nil
}

func (m *memoryLedger) ListByOwner(_ context.Context, owner string) ([]Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Shipment
	for _, s := range m.rows {
		if s.OwnerID == owner {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeProtocol struct {
	custodian crypto.Address
	createErr error
	termErr   error
	retryErr  error
	creates   []escrow.CreateRequest
	finishes  []uint32
	cancels   []uint32
	retries   int
}

func (p *fakeProtocol) Custodian() crypto.Address { return p.custodian }

func (p *fakeProtocol) CreateWithPremium(_ context.Context, req escrow.CreateRequest) (escrow.Record, error) {
	p.creates = append(p.creates, req)
	if p.createErr != nil {
		return escrow.Record{}, p.createErr
	}
	return escrow.Record{
		Sequence:       42,
		Condition:      "A025",
		Creator:        p.custodian.String(),
		Destination:    req.Destination.String(),
		Premium:        req.Premium,
		Payout:         req.Payout,
		FinishAfter:    time.Unix(1_700_000_010, 0),
		CancelAfter:    time.Unix(1_700_259_200, 0),
		PremiumReceipt: ledger.Receipt{Hash: "PREMIUM"},
		EscrowReceipt:  ledger.Receipt{Hash: "ESCROW", Sequence: 42},
	}, nil
}

func (p *fakeProtocol) Finish(_ context.Context, seq uint32) (escrow.TerminalResult, error) {
	p.finishes = append(p.finishes, seq)
	if p.termErr != nil {
		return escrow.TerminalResult{}, p.termErr
	}
	return escrow.TerminalResult{Action: escrow.ActionFinish, Receipt: ledger.Receipt{Hash: "FINISH", Type: ledger.TxEscrowFinish}}, nil
}

func (p *fakeProtocol) Cancel(_ context.Context, seq uint32) (escrow.TerminalResult, error) {
	p.cancels = append(p.cancels, seq)
	if p.termErr != nil {
		return escrow.TerminalResult{}, p.termErr
	}
	return escrow.TerminalResult{Action: escrow.ActionCancel, Receipt: ledger.Receipt{Hash: "CANCEL", Type: ledger.TxEscrowCancel}}, nil
}

func (p *fakeProtocol) RetryEscrow(_ context.Context, payout ledger.Drops, dest crypto.Address) (escrow.Record, error) {
	p.retries++
	if p.retryErr != nil {
		return escrow.Record{}, p.retryErr
	}
	return escrow.Record{
		Sequence:      77,
		Condition:     "A025",
		Destination:   dest.String(),
		Payout:        payout,
		FinishAfter:   time.Unix(1_700_100_010, 0),
		CancelAfter:   time.Unix(1_700_359_200, 0),
		EscrowReceipt: ledger.Receipt{Hash: "RETRY", Sequence: 77},
	}, nil
}

type fakeStatus struct {
	statuses map[string]ledger.TxStatus
	lookups  []string
}

func (f *fakeStatus) Status(_ context.Context, hash string, _ uint32) (ledger.TxStatus, error) {
	f.lookups = append(f.lookups, hash)
	return f.statuses[hash], nil
}

func newTestService(t *testing.T) (*Service, *memoryLedger, *fakeProtocol) {
	t.Helper()
	custodian, err := crypto.DecodeAddress(custodianAddr)
	require.NoError(t, err)
	store := newMemoryLedger()
	proto := &fakeProtocol{custodian: custodian}
	svc, err := NewService(store, proto)
	require.NoError(t, err)
	return svc, store, proto
}

func validRequest() AgreementRequest {
	return AgreementRequest{
		CustomerSeed: customerSeed,
		Destination:  destAddr,
		Premium:      "2",
		Payout:       "5",
		TriggerCode:  3,
		ShipmentName: "vaccines",
		DeviceID:     "dev-1",
		OwnerID:      "owner-1",
	}
}

func createShipment(t *testing.T, svc *Service) string {
	t.Helper()
	res, err := svc.CreateAgreement(context.Background(), validRequest())
	require.NoError(t, err)
	return res.ShipmentID
}

func TestCreateAgreementPersistsShipment(t *testing.T) {
	svc, store, proto := newTestService(t)

	req := validRequest()
	req.ReturnAddress = custodianAddr
	res, err := svc.CreateAgreement(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, uint32(42), res.Escrow.Sequence)

	require.Len(t, proto.creates, 1)
	require.Equal(t, ledger.Drops(2_000_000), proto.creates[0].Premium)
	require.Equal(t, ledger.Drops(5_000_000), proto.creates[0].Payout)
	require.Equal(t, customerAddr, proto.creates[0].Customer.Address().String())

	s, err := store.Get(context.Background(), res.ShipmentID)
	require.NoError(t, err)
	require.Equal(t, "owner-1", s.OwnerID)
	require.Equal(t, uint32(42), s.EscrowSequence)
	require.Equal(t, EscrowActive, s.EscrowState)
	require.Equal(t, claims.StatusPending, s.ClaimStatus)
	require.Equal(t, 3, s.ConditionCode)
	require.Equal(t, "PREMIUM", s.PremiumTxHash)
	require.Equal(t, "ESCROW", s.EscrowTxHash)
}

func TestCreateAgreementRejectsBadInputBeforeLedger(t *testing.T) {
	cases := map[string]func(*AgreementRequest){
		"negative premium":   func(r *AgreementRequest) { r.Premium = "-1" },
		"zero payout":        func(r *AgreementRequest) { r.Payout = "0" },
		"sub-drop payout":    func(r *AgreementRequest) { r.Payout = "0.0000001" },
		"bad destination":    func(r *AgreementRequest) { r.Destination = "rNotAnAddress" },
		"foreign return":     func(r *AgreementRequest) { r.ReturnAddress = destAddr },
		"bad seed":           func(r *AgreementRequest) { r.CustomerSeed = "sNope" },
		"trigger code range": func(r *AgreementRequest) { r.TriggerCode = 6 },
		"missing owner":      func(r *AgreementRequest) { r.OwnerID = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			svc, _, proto := newTestService(t)
			req := validRequest()
			mutate(&req)
			_, err := svc.CreateAgreement(context.Background(), req)
			require.Error(t, err)
			kind := fault.KindOf(err)
			require.Contains(t, []fault.Kind{fault.KindConfiguration, fault.KindInvalidRequest}, kind)
			require.Empty(t, proto.creates)
		})
	}
}

func TestCreateAgreementSmallestUnit(t *testing.T) {
	svc, store, _ := newTestService(t)
	req := validRequest()
	req.Premium = "0.000001"
	res, err := svc.CreateAgreement(context.Background(), req)
	require.NoError(t, err)
	s, err := store.Get(context.Background(), res.ShipmentID)
	require.NoError(t, err)
	require.Equal(t, ledger.Drops(1), s.Premium)
}

func TestCreateAgreementPartialFailureRecordsPremium(t *testing.T) {
	svc, store, proto := newTestService(t)
	proto.createErr = &escrow.PartialFailureError{
		Premium: ledger.Receipt{Hash: "PREMIUM", Type: ledger.TxPayment},
		Err:     fault.New(fault.KindTimeout, "no validated outcome"),
	}

	res, err := svc.CreateAgreement(context.Background(), validRequest())
	require.True(t, fault.Is(err, fault.KindPartialEscrowFailure))
	require.NotEmpty(t, res.ShipmentID)
	attrs := fault.AttrsOf(err)
	require.Equal(t, res.ShipmentID, attrs["shipment_id"])
	require.Equal(t, "PREMIUM", attrs["premium_tx_hash"])

	s, err := store.Get(context.Background(), res.ShipmentID)
	require.NoError(t, err)
	require.Equal(t, EscrowPremiumOnly, s.EscrowState)
	require.Equal(t, "PREMIUM", s.PremiumTxHash)

	_, err = svc.ResolveClaim(context.Background(), "owner-1", res.ShipmentID, "approved")
	require.True(t, fault.Is(err, fault.KindEscrowNotFound))
}

func TestCreateAgreementPersistenceFailureNeedsReconciliation(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.failWrite = errors.New("disk full")

	_, err := svc.CreateAgreement(context.Background(), validRequest())
	require.True(t, fault.Is(err, fault.KindReconciliationRequired))
	require.Equal(t, "42", fault.AttrsOf(err)["escrow_sequence"])
	require.Equal(t, "ESCROW", fault.AttrsOf(err)["escrow_tx_hash"])
}

func TestResolveClaimOutcomes(t *testing.T) {
	cases := []struct {
		outcome string
		status  claims.Status
		state   EscrowState
		finish  bool
	}{
		{"approved", claims.StatusApproved, EscrowFinished, true},
		{"rejected", claims.StatusRejected, EscrowCanceled, false},
		{"no-trigger", claims.StatusNA, EscrowCanceled, false},
	}
	for _, tc := range cases {
		t.Run(tc.outcome, func(t *testing.T) {
			svc, store, proto := newTestService(t)
			id := createShipment(t, svc)

			res, err := svc.ResolveClaim(context.Background(), "owner-1", id, tc.outcome)
			require.NoError(t, err)
			require.Equal(t, tc.status, res.Status)
			if tc.finish {
				require.Equal(t, []uint32{42}, proto.finishes)
				require.Empty(t, proto.cancels)
			} else {
				require.Equal(t, []uint32{42}, proto.cancels)
				require.Empty(t, proto.finishes)
			}

			s, err := store.Get(context.Background(), id)
			require.NoError(t, err)
			require.Equal(t, tc.status, s.ClaimStatus)
			require.Equal(t, tc.state, s.EscrowState)
			require.Equal(t, res.Receipt.Hash, s.TerminalTxHash)
			require.Empty(t, s.PendingOutcome)

			status, err := svc.QueryStatus(context.Background(), "owner-1", id)
			require.NoError(t, err)
			require.Equal(t, tc.status, status)
		})
	}
}

func TestResolveClaimRejectsUnknownOutcome(t *testing.T) {
	svc, _, proto := newTestService(t)
	id := createShipment(t, svc)
	for _, raw := range []string{"", "APPROVED", "N/A", "pending", "maybe"} {
		_, err := svc.ResolveClaim(context.Background(), "owner-1", id, raw)
		require.True(t, fault.Is(err, fault.KindInvalidRequest), raw)
	}
	require.Empty(t, proto.finishes)
	require.Empty(t, proto.cancels)
}

func TestResolveClaimIsIdempotent(t *testing.T) {
	svc, _, proto := newTestService(t)
	id := createShipment(t, svc)

	_, err := svc.ResolveClaim(context.Background(), "owner-1", id, "approved")
	require.NoError(t, err)

	again, err := svc.ResolveClaim(context.Background(), "owner-1", id, "approved")
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, "FINISH", again.Receipt.Hash)

	_, err = svc.ResolveClaim(context.Background(), "owner-1", id, "rejected")
	require.True(t, fault.Is(err, fault.KindAlreadyTerminal))
	_, err = svc.ResolveClaim(context.Background(), "owner-1", id, "no-trigger")
	require.True(t, fault.Is(err, fault.KindAlreadyTerminal))

	require.Len(t, proto.finishes, 1)
	require.Empty(t, proto.cancels)
}

func TestResolveClaimDefinitiveFailureClearsPending(t *testing.T) {
	svc, store, proto := newTestService(t)
	id := createShipment(t, svc)
	proto.termErr = fault.New(fault.KindWindowClosed, "tecNO_PERMISSION")

	_, err := svc.ResolveClaim(context.Background(), "owner-1", id, "approved")
	require.True(t, fault.Is(err, fault.KindWindowClosed))
	require.Equal(t, id, fault.AttrsOf(err)["shipment_id"])

	s, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Empty(t, s.PendingOutcome)
	require.Equal(t, claims.StatusPending, s.ClaimStatus)

	proto.termErr = nil
	res, err := svc.ResolveClaim(context.Background(), "owner-1", id, "no-trigger")
	require.NoError(t, err)
	require.Equal(t, claims.StatusNA, res.Status)
}

func TestResolveClaimUnknownOutcomeKeepsPending(t *testing.T) {
	svc, store, proto := newTestService(t)
	id := createShipment(t, svc)
	proto.termErr = fault.New(fault.KindTimeout, "no validated outcome")

	_, err := svc.ResolveClaim(context.Background(), "owner-1", id, "approved")
	require.True(t, fault.Is(err, fault.KindTimeout))

	s, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, claims.OutcomeApproved, s.PendingOutcome)

	_, err = svc.ResolveClaim(context.Background(), "owner-1", id, "rejected")
	require.True(t, fault.Is(err, fault.KindAlreadyTerminal))
	require.Empty(t, proto.cancels)
}

func TestShipmentsAreScopedToOwner(t *testing.T) {
	svc, _, proto := newTestService(t)
	id := createShipment(t, svc)

	_, err := svc.GetShipment(context.Background(), "intruder", id)
	require.True(t, fault.Is(err, fault.KindNotFound))
	_, err = svc.ResolveClaim(context.Background(), "intruder", id, "approved")
	require.True(t, fault.Is(err, fault.KindNotFound))
	require.Empty(t, proto.finishes)

	_, err = svc.QueryStatus(context.Background(), "owner-1", "missing")
	require.True(t, fault.Is(err, fault.KindNotFound))

	list, err := svc.ListShipments(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestTransferOwnershipKeepsEscrow(t *testing.T) {
	svc, _, _ := newTestService(t)
	id := createShipment(t, svc)

	moved, err := svc.TransferOwnership(context.Background(), "owner-1", id, "owner-2")
	require.NoError(t, err)
	require.Equal(t, "owner-2", moved.OwnerID)
	require.Equal(t, uint32(42), moved.EscrowSequence)
	require.Equal(t, EscrowActive, moved.EscrowState)

	_, err = svc.GetShipment(context.Background(), "owner-1", id)
	require.True(t, fault.Is(err, fault.KindNotFound))
	_, err = svc.TransferOwnership(context.Background(), "owner-2", id, "")
	require.True(t, fault.Is(err, fault.KindInvalidRequest))
}

func TestCreateAgreementUnknownPremiumIsRecorded(t *testing.T) {
	svc, store, proto := newTestService(t)
	cause := fault.New(fault.KindTimeout, "no validated outcome").With("tx_hash", "PREMIUMHASH")
	proto.createErr = &escrow.UnsettledError{
		Stage: escrow.StagePremium,
		Tx:    escrow.Broadcast{Hash: "PREMIUMHASH", Sequence: 3, LastLedger: 120},
		Err:   cause,
	}

	res, err := svc.CreateAgreement(context.Background(), validRequest())
	require.True(t, fault.Is(err, fault.KindTimeout))
	require.NotEmpty(t, res.ShipmentID)
	require.Equal(t, res.ShipmentID, fault.AttrsOf(err)["shipment_id"])

	s, err := store.Get(context.Background(), res.ShipmentID)
	require.NoError(t, err)
	require.Equal(t, EscrowPremiumUnknown, s.EscrowState)
	require.Equal(t, "PREMIUMHASH", s.PremiumTxHash)
	require.Equal(t, uint32(120), s.PremiumLastLedger)
	require.Zero(t, s.EscrowSequence)

	_, err = svc.ResolveClaim(context.Background(), "owner-1", res.ShipmentID, "approved")
	require.True(t, fault.Is(err, fault.KindEscrowNotFound))
}

func TestCreateAgreementDefinitivePremiumFailureRecordsNothing(t *testing.T) {
	svc, store, proto := newTestService(t)
	proto.createErr = fault.New(fault.KindTransactionRejected, "tecUNFUNDED_PAYMENT")

	res, err := svc.CreateAgreement(context.Background(), validRequest())
	require.True(t, fault.Is(err, fault.KindTransactionRejected))
	require.Empty(t, res.ShipmentID)
	require.Empty(t, store.rows)
}

func TestCreateAgreementUnknownEscrowCreateKeepsHash(t *testing.T) {
	svc, store, proto := newTestService(t)
	terms := escrow.Record{
		Sequence:    51,
		Condition:   "A025",
		FinishAfter: time.Unix(1_700_000_010, 0),
		CancelAfter: time.Unix(1_700_259_200, 0),
	}
	sent := escrow.Broadcast{Hash: "CREATEHASH", Sequence: 51, LastLedger: 130}
	proto.createErr = &escrow.PartialFailureError{
		Premium:  ledger.Receipt{Hash: "PREMIUM", Type: ledger.TxPayment},
		EscrowTx: sent,
		Escrow:   terms,
		Err:      &escrow.UnsettledError{Stage: escrow.StageEscrowCreate, Tx: sent, Escrow: terms, Err: fault.New(fault.KindTimeout, "no validated outcome")},
	}

	res, err := svc.CreateAgreement(context.Background(), validRequest())
	require.True(t, fault.Is(err, fault.KindPartialEscrowFailure))

	s, err := store.Get(context.Background(), res.ShipmentID)
	require.NoError(t, err)
	require.Equal(t, EscrowPremiumOnly, s.EscrowState)
	require.Equal(t, "PREMIUM", s.PremiumTxHash)
	require.Equal(t, "CREATEHASH", s.EscrowTxHash)
	require.Equal(t, uint32(130), s.EscrowLastLedger)
	require.Equal(t, uint32(51), s.EscrowSequence)
	require.Equal(t, "A025", s.Condition)
}

func TestCreateAgreementIncompleteWriteFailureNeedsReconciliation(t *testing.T) {
	svc, store, proto := newTestService(t)
	store.failWrite = errors.New("disk full")
	proto.createErr = &escrow.UnsettledError{
		Stage: escrow.StagePremium,
		Tx:    escrow.Broadcast{Hash: "PREMIUMHASH", LastLedger: 120},
		Err:   fault.New(fault.KindTimeout, "no validated outcome"),
	}

	_, err := svc.CreateAgreement(context.Background(), validRequest())
	require.True(t, fault.Is(err, fault.KindReconciliationRequired))
	require.Equal(t, "PREMIUMHASH", fault.AttrsOf(err)["premium_tx_hash"])
}

func TestSettlePremium(t *testing.T) {
	svc, store, proto := newTestService(t)
	proto.createErr = &escrow.UnsettledError{
		Stage: escrow.StagePremium,
		Tx:    escrow.Broadcast{Hash: "P1", LastLedger: 120},
		Err:   fault.New(fault.KindTimeout, "no validated outcome"),
	}
	collected, _ := svc.CreateAgreement(context.Background(), validRequest())
	voided, _ := svc.CreateAgreement(context.Background(), validRequest())

	require.NoError(t, svc.SettlePremium(context.Background(), collected.ShipmentID, true))
	require.NoError(t, svc.SettlePremium(context.Background(), voided.ShipmentID, false))

	s, err := store.Get(context.Background(), collected.ShipmentID)
	require.NoError(t, err)
	require.Equal(t, EscrowPremiumOnly, s.EscrowState)
	require.Equal(t, claims.StatusPending, s.ClaimStatus)

	s, err = store.Get(context.Background(), voided.ShipmentID)
	require.NoError(t, err)
	require.Equal(t, EscrowVoided, s.EscrowState)
	require.Equal(t, claims.StatusNA, s.ClaimStatus)
}

// countingGateway accepts every transaction and counts submissions per type.
type countingGateway struct {
	mu   sync.Mutex
	seq  uint32
	sent map[ledger.TxType]int
}

func (g *countingGateway) Prepare(_ context.Context, tx *ledger.Transaction, _ ledger.Signer) (ledger.Prepared, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	tx.Sequence = g.seq
	tx.Fee = 12
	tx.LastLedgerSequence = 50
	return ledger.Prepared{Tx: tx, Signed: ledger.Signed{Blob: "00", Hash: fmt.Sprintf("HASH-%d", g.seq)}}, nil
}

func (g *countingGateway) SubmitPrepared(_ context.Context, p ledger.Prepared) (ledger.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent[p.Tx.TransactionType]++
	return ledger.Receipt{
		Hash:     p.Hash,
		Type:     p.Tx.TransactionType,
		Account:  p.Tx.Account.String(),
		Sequence: p.Tx.Sequence,
		Result:   ledger.ResultSuccess,
	}, nil
}

func (g *countingGateway) count(kind ledger.TxType) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sent[kind]
}

func TestResolveClaimStatusWriteFailureDoesNotResubmit(t *testing.T) {
	custodian, err := crypto.WalletFromSeed("sEdSKaCy2JT7JaM7v95H9SxkhP9wS2r")
	require.NoError(t, err)
	gen, err := condition.NewGenerator([]byte("shipment_damaged_123"))
	require.NoError(t, err)
	gw := &countingGateway{sent: map[ledger.TxType]int{}}
	proto, err := escrow.New(escrow.Config{
		Custodian:  custodian,
		Conditions: gen,
		Window:     escrow.DefaultWindowPolicy(),
		Gateway:    gw,
		Terminals:  escrow.NewMemoryTerminalStore(),
	})
	require.NoError(t, err)
	store := newMemoryLedger()
	svc, err := NewService(store, proto)
	require.NoError(t, err)
	id := createShipment(t, svc)

	store.failPatch = func(p Patch) error {
		if p.ClaimStatus != nil {
			return errors.New("write conflict")
		}
		return nil
	}
	_, err = svc.ResolveClaim(context.Background(), "owner-1", id, "approved")
	require.True(t, fault.Is(err, fault.KindReconciliationRequired))
	require.Equal(t, id, fault.AttrsOf(err)["shipment_id"])
	require.Equal(t, 1, gw.count(ledger.TxEscrowFinish))

	s, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, claims.OutcomeApproved, s.PendingOutcome)
	require.Equal(t, claims.StatusPending, s.ClaimStatus)

	store.failPatch = nil
	res, err := svc.ResolveClaim(context.Background(), "owner-1", id, "approved")
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.Equal(t, claims.StatusApproved, res.Status)
	require.Equal(t, 1, gw.count(ledger.TxEscrowFinish))

	s, err = store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, claims.StatusApproved, s.ClaimStatus)
	require.Equal(t, EscrowFinished, s.EscrowState)
	require.Empty(t, s.PendingOutcome)
}

func premiumOnlyShipment(t *testing.T, svc *Service, proto *fakeProtocol, escrowHash string) string {
	t.Helper()
	partial := &escrow.PartialFailureError{
		Premium: ledger.Receipt{Hash: "PREMIUM", Type: ledger.TxPayment},
		Err:     fault.New(fault.KindTransactionRejected, "tecUNFUNDED"),
	}
	if escrowHash != "" {
		partial.EscrowTx = escrow.Broadcast{Hash: escrowHash, Sequence: 51, LastLedger: 130}
		partial.Escrow = escrow.Record{Sequence: 51, Condition: "A025"}
	}
	proto.createErr = partial
	res, err := svc.CreateAgreement(context.Background(), validRequest())
	require.True(t, fault.Is(err, fault.KindPartialEscrowFailure))
	proto.createErr = nil
	return res.ShipmentID
}

func TestRetryEscrow(t *testing.T) {
	cases := []struct {
		name    string
		hash    string
		status  ledger.TxStatus
		kind    fault.Kind
		retries int
		state   EscrowState
		seq     uint32
	}{
		{name: "never broadcast", retries: 1, state: EscrowActive, seq: 77},
		{name: "earlier create expired", hash: "OLD", status: ledger.TxStatus{Expired: true}, retries: 1, state: EscrowActive, seq: 77},
		{name: "earlier create failed", hash: "OLD", status: ledger.TxStatus{Found: true, Validated: true, Result: "tecUNFUNDED"}, retries: 1, state: EscrowActive, seq: 77},
		{name: "earlier create validated", hash: "OLD", status: ledger.TxStatus{Found: true, Validated: true, Result: ledger.ResultSuccess}, state: EscrowActive, seq: 51},
		{name: "earlier create pending", hash: "OLD", status: ledger.TxStatus{Found: true}, kind: fault.KindReconciliationRequired, state: EscrowPremiumOnly, seq: 51},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store, proto := newTestService(t)
			status := &fakeStatus{statuses: map[string]ledger.TxStatus{"OLD": tc.status}}
			WithTxStatus(status)(svc)
			id := premiumOnlyShipment(t, svc, proto, tc.hash)

			_, err := svc.RetryEscrow(context.Background(), id)
			if tc.kind != "" {
				require.True(t, fault.Is(err, tc.kind), "%v", err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.retries, proto.retries)

			s, err := store.Get(context.Background(), id)
			require.NoError(t, err)
			require.Equal(t, tc.state, s.EscrowState)
			require.Equal(t, tc.seq, s.EscrowSequence)
			if tc.retries == 1 {
				require.Equal(t, "RETRY", s.EscrowTxHash)
				require.Equal(t, ledger.Drops(5_000_000), s.Payout)
			}
			if tc.hash != "" {
				require.Equal(t, []string{"OLD"}, status.lookups)
			}
		})
	}
}

func TestRetryEscrowUnknownOutcomeRecordsNewCreate(t *testing.T) {
	svc, store, proto := newTestService(t)
	id := premiumOnlyShipment(t, svc, proto, "")
	sent := escrow.Broadcast{Hash: "RETRYHASH", Sequence: 88, LastLedger: 140}
	proto.retryErr = &escrow.UnsettledError{
		Stage:  escrow.StageEscrowCreate,
		Tx:     sent,
		Escrow: escrow.Record{Sequence: 88, Condition: "A025"},
		Err:    fault.New(fault.KindTimeout, "no validated outcome"),
	}

	_, err := svc.RetryEscrow(context.Background(), id)
	require.True(t, fault.Is(err, fault.KindTimeout))

	s, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, EscrowPremiumOnly, s.EscrowState)
	require.Equal(t, "RETRYHASH", s.EscrowTxHash)
	require.Equal(t, uint32(140), s.EscrowLastLedger)
	require.Equal(t, uint32(88), s.EscrowSequence)

	// without a status reader the recorded create cannot be checked
	_, err = svc.RetryEscrow(context.Background(), id)
	require.True(t, fault.Is(err, fault.KindConfiguration))
	require.Equal(t, 1, proto.retries)
}

func TestRetryEscrowRequiresPremiumOnly(t *testing.T) {
	svc, _, proto := newTestService(t)
	id := createShipment(t, svc)
	_, err := svc.RetryEscrow(context.Background(), id)
	require.True(t, fault.Is(err, fault.KindInvalidRequest))
	require.Zero(t, proto.retries)
}
