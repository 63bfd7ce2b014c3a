package ledger

import (
	"time"

	"shipcover/crypto"
)

// TxType names a ledger transaction kind.
type TxType string

const (
	TxPayment      TxType = "Payment"
	TxEscrowCreate TxType = "EscrowCreate"
	TxEscrowFinish TxType = "EscrowFinish"
	TxEscrowCancel TxType = "EscrowCancel"
)

var txTypeCodes = map[TxType]uint16{
	TxPayment:      0,
	TxEscrowCreate: 1,
	TxEscrowFinish: 2,
	TxEscrowCancel: 4,
}

// Transaction is the subset of the ledger transaction format used by the
// escrow lifecycle. Condition and Fulfillment are hex strings as produced by
// the condition package. Zero values are omitted from the encoding.
type Transaction struct {
	TransactionType    TxType
	Account            crypto.Address
	Destination        crypto.Address
	Owner              crypto.Address
	Amount             Drops
	Fee                Drops
	Sequence           uint32
	OfferSequence      uint32
	LastLedgerSequence uint32
	FinishAfter        uint32
	CancelAfter        uint32
	Flags              uint32
	Condition          string
	Fulfillment        string
	SigningPubKey      []byte
	TxnSignature       []byte
}

// NewPayment moves amount from one account to another.
func NewPayment(from, to crypto.Address, amount Drops) *Transaction {
	return &Transaction{TransactionType: TxPayment, Account: from, Destination: to, Amount: amount}
}

// NewEscrowCreate locks amount under condition between finishAfter and cancelAfter.
func NewEscrowCreate(from, to crypto.Address, amount Drops, condition string, finishAfter, cancelAfter time.Time) *Transaction {
	return &Transaction{
		TransactionType: TxEscrowCreate,
		Account:         from,
		Destination:     to,
		Amount:          amount,
		Condition:       condition,
		FinishAfter:     ToRippleTime(finishAfter),
		CancelAfter:     ToRippleTime(cancelAfter),
	}
}

// NewEscrowFinish releases the escrow created by owner at offerSequence.
func NewEscrowFinish(account, owner crypto.Address, offerSequence uint32, condition, fulfillment string) *Transaction {
	return &Transaction{
		TransactionType: TxEscrowFinish,
		Account:         account,
		Owner:           owner,
		OfferSequence:   offerSequence,
		Condition:       condition,
		Fulfillment:     fulfillment,
	}
}

// NewEscrowCancel returns the escrow created by owner at offerSequence.
func NewEscrowCancel(account, owner crypto.Address, offerSequence uint32) *Transaction {
	return &Transaction{
		TransactionType: TxEscrowCancel,
		Account:         account,
		Owner:           owner,
		OfferSequence:   offerSequence,
	}
}
