package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"shipcover/crypto"
)

type fieldType uint8

const (
	typeUInt16    fieldType = 1
	typeUInt32    fieldType = 2
	typeAmount    fieldType = 6
	typeBlob      fieldType = 7
	typeAccountID fieldType = 8
)

type field struct {
	typ   fieldType
	nth   uint8
	value []byte
}

func (f field) header() []byte {
	t, n := byte(f.typ), f.nth
	switch {
	case t < 16 && n < 16:
		return []byte{t<<4 | n}
	case t < 16:
		return []byte{t << 4, n}
	case n < 16:
		return []byte{n, t}
	default:
		return []byte{0, t, n}
	}
}

// encodeVL writes the variable-length prefix for a blob of n bytes.
func encodeVL(n int) ([]byte, error) {
	switch {
	case n <= 192:
		return []byte{byte(n)}, nil
	case n <= 12480:
		n -= 193
		return []byte{byte(193 + n>>8), byte(n)}, nil
	case n <= 918744:
		n -= 12481
		return []byte{byte(241 + n>>16), byte(n >> 8), byte(n)}, nil
	default:
		return nil, fmt.Errorf("ledger: blob of %d bytes too large", n)
	}
}

func u16(v uint16) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, v)
	return out
}

func u32(v uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}

// xrpAmount encodes a native amount: high bit clear, positive bit set.
func xrpAmount(d Drops) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(d)|0x4000000000000000)
	return out
}

func vlBlob(b []byte) ([]byte, error) {
	prefix, err := encodeVL(len(b))
	if err != nil {
		return nil, err
	}
	return append(prefix, b...), nil
}

// encode serializes tx in canonical field order. The signature is left out
// when forSigning is set.
func encode(tx *Transaction, forSigning bool) ([]byte, error) {
	code, ok := txTypeCodes[tx.TransactionType]
	if !ok {
		return nil, fmt.Errorf("ledger: unsupported transaction type %q", tx.TransactionType)
	}
	if err := validate(tx); err != nil {
		return nil, err
	}
	fields := []field{{typeUInt16, 2, u16(code)}}
	add := func(typ fieldType, nth uint8, v []byte) { fields = append(fields, field{typ, nth, v}) }
	addBlob := func(nth uint8, b []byte) error {
		v, err := vlBlob(b)
		if err != nil {
			return err
		}
		add(typeBlob, nth, v)
		return nil
	}
	addHexBlob := func(nth uint8, name, s string) error {
		if s == "" {
			return nil
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("ledger: %s is not hex: %w", name, err)
		}
		return addBlob(nth, b)
	}
	addAccount := func(nth uint8, a crypto.Address) {
		add(typeAccountID, nth, append([]byte{20}, a.Bytes()...))
	}

	if tx.Flags != 0 {
		add(typeUInt32, 2, u32(tx.Flags))
	}
	add(typeUInt32, 4, u32(tx.Sequence))
	if tx.OfferSequence != 0 || tx.TransactionType == TxEscrowFinish || tx.TransactionType == TxEscrowCancel {
		add(typeUInt32, 25, u32(tx.OfferSequence))
	}
	if tx.LastLedgerSequence != 0 {
		add(typeUInt32, 27, u32(tx.LastLedgerSequence))
	}
	if tx.CancelAfter != 0 {
		add(typeUInt32, 36, u32(tx.CancelAfter))
	}
	if tx.FinishAfter != 0 {
		add(typeUInt32, 37, u32(tx.FinishAfter))
	}
	if tx.Amount != 0 {
		add(typeAmount, 1, xrpAmount(tx.Amount))
	}
	add(typeAmount, 8, xrpAmount(tx.Fee))
	if err := addBlob(3, tx.SigningPubKey); err != nil {
		return nil, err
	}
	if !forSigning && len(tx.TxnSignature) > 0 {
		if err := addBlob(4, tx.TxnSignature); err != nil {
			return nil, err
		}
	}
	if err := addHexBlob(16, "Fulfillment", tx.Fulfillment); err != nil {
		return nil, err
	}
	if err := addHexBlob(17, "Condition", tx.Condition); err != nil {
		return nil, err
	}
	addAccount(1, tx.Account)
	if !tx.Owner.IsZero() {
		addAccount(2, tx.Owner)
	}
	if !tx.Destination.IsZero() {
		addAccount(3, tx.Destination)
	}

	sort.SliceStable(fields, func(i, j int) bool {
		if fields[i].typ != fields[j].typ {
			return fields[i].typ < fields[j].typ
		}
		return fields[i].nth < fields[j].nth
	})
	var out []byte
	for _, f := range fields {
		out = append(out, f.header()...)
		out = append(out, f.value...)
	}
	return out, nil
}

func validate(tx *Transaction) error {
	if tx.Account.IsZero() {
		return fmt.Errorf("ledger: %s without Account", tx.TransactionType)
	}
	switch tx.TransactionType {
	case TxPayment:
		if tx.Destination.IsZero() || tx.Amount == 0 {
			return fmt.Errorf("ledger: Payment needs Destination and Amount")
		}
	case TxEscrowCreate:
		if tx.Destination.IsZero() || tx.Amount == 0 {
			return fmt.Errorf("ledger: EscrowCreate needs Destination and Amount")
		}
		if tx.FinishAfter != 0 && tx.CancelAfter != 0 && tx.CancelAfter <= tx.FinishAfter {
			return fmt.Errorf("ledger: EscrowCreate CancelAfter %d not after FinishAfter %d", tx.CancelAfter, tx.FinishAfter)
		}
	case TxEscrowFinish:
		if tx.Owner.IsZero() {
			return fmt.Errorf("ledger: EscrowFinish needs Owner")
		}
		if (tx.Condition == "") != (tx.Fulfillment == "") {
			return fmt.Errorf("ledger: EscrowFinish needs both Condition and Fulfillment or neither")
		}
	case TxEscrowCancel:
		if tx.Owner.IsZero() {
			return fmt.Errorf("ledger: EscrowCancel needs Owner")
		}
	}
	return nil
}
