package escrow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shipcover/crypto"
	"shipcover/crypto/condition"
	"shipcover/insurance/fault"
	"shipcover/ledger"
)

const (
	custodianSeed   = "sEdSKaCy2JT7JaM7v95H9SxkhP9wS2r"
	customerSeed    = "sEdSYn7L8ZbJmDyW3ru2N9r3S2ujvRA"
	destinationAddr = "rMuY2FdTgCFahDGMjQSzZZ3pySCcaBHCvH"
	testPreimage    = "shipment_damaged_123"
)

type fakeGateway struct {
	mu        sync.Mutex
	submitted []*ledger.Transaction
	sequences map[crypto.Address]uint32
	fail      map[ledger.TxType]error
	escrows   map[uint32]bool
	delay     time.Duration
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sequences: map[crypto.Address]uint32{},
		fail:      map[ledger.TxType]error{},
		escrows:   map[uint32]bool{},
	}
}

func (g *fakeGateway) Prepare(_ context.Context, tx *ledger.Transaction, signer ledger.Signer) (ledger.Prepared, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if tx.Account != signer.Address() {
		return ledger.Prepared{}, fault.New(fault.KindConfiguration, "signer mismatch")
	}
	seq, ok := g.sequences[tx.Account]
	if !ok {
		seq = 10
	}
	g.sequences[tx.Account] = seq + 1
	tx.Sequence = seq
	tx.Fee = 12
	tx.LastLedgerSequence = 100
	hash := fmt.Sprintf("%s-%s-%d", tx.TransactionType, tx.Account, seq)
	return ledger.Prepared{Tx: tx, Signed: ledger.Signed{Blob: "00", Hash: hash}}, nil
}

func (g *fakeGateway) SubmitPrepared(_ context.Context, p ledger.Prepared) (ledger.Receipt, error) {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	tx := p.Tx
	g.submitted = append(g.submitted, tx)
	if err := g.fail[tx.TransactionType]; err != nil {
		return ledger.Receipt{}, err
	}
	switch tx.TransactionType {
	case ledger.TxEscrowCreate:
		g.escrows[tx.Sequence] = true
	case ledger.TxEscrowFinish, ledger.TxEscrowCancel:
		if !g.escrows[tx.OfferSequence] {
			return ledger.Receipt{}, rejection("tecNO_TARGET")
		}
		delete(g.escrows, tx.OfferSequence)
	}
	return ledger.Receipt{
		Hash:     p.Hash,
		Type:     tx.TransactionType,
		Account:  tx.Account.String(),
		Sequence: tx.Sequence,
		Result:   ledger.ResultSuccess,
		Fee:      tx.Fee,
	}, nil
}

func (g *fakeGateway) countType(kind ledger.TxType) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, tx := range g.submitted {
		if tx.TransactionType == kind {
			n++
		}
	}
	return n
}

func (g *fakeGateway) terminalCount() int {
	return g.countType(ledger.TxEscrowFinish) + g.countType(ledger.TxEscrowCancel)
}

func rejection(code string) error {
	return fault.New(fault.KindTransactionRejected, "%s", code).With("engine_result", code).With("tx_hash", "DEADBEEF")
}

type harness struct {
	protocol  *Protocol
	gateway   *fakeGateway
	store     *MemoryTerminalStore
	custodian *crypto.Wallet
	customer  *crypto.Wallet
	dest      crypto.Address
	pair      condition.Pair
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	custodian, err := crypto.WalletFromSeed(custodianSeed)
	require.NoError(t, err)
	customer, err := crypto.WalletFromSeed(customerSeed)
	require.NoError(t, err)
	dest, err := crypto.DecodeAddress(destinationAddr)
	require.NoError(t, err)
	gen, err := condition.NewGenerator([]byte(testPreimage))
	require.NoError(t, err)

	gw := newFakeGateway()
	store := NewMemoryTerminalStore()
	p, err := New(Config{
		Custodian:  custodian,
		Conditions: gen,
		Window:     DefaultWindowPolicy(),
		Gateway:    gw,
		Terminals:  store,
		Now:        func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return &harness{protocol: p, gateway: gw, store: store, custodian: custodian, customer: customer, dest: dest, pair: gen.Pair()}
}

func (h *harness) create(t *testing.T) Record {
	t.Helper()
	rec, err := h.protocol.CreateWithPremium(context.Background(), CreateRequest{
		Customer:    h.customer,
		Premium:     2_000_000,
		Payout:      5_000_000,
		Destination: h.dest,
	})
	require.NoError(t, err)
	return rec
}
