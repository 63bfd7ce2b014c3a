package ledger

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"shipcover/crypto"
)

var (
	prefixSigning = []byte{0x53, 0x54, 0x58, 0x00} // STX\0
	prefixTxID    = []byte{0x54, 0x58, 0x4E, 0x00} // TXN\0
)

// Signer produces single signatures for an account.
type Signer interface {
	Address() crypto.Address
	PublicKey() []byte
	Sign(msg []byte) []byte
}

// Signed is a transaction ready for submission.
type Signed struct {
	Blob string
	Hash string
}

// Sign fills SigningPubKey and TxnSignature and returns the hex blob and hash.
func Sign(tx *Transaction, s Signer) (Signed, error) {
	if tx.Account != s.Address() {
		return Signed{}, fmt.Errorf("ledger: signer %s cannot sign for %s", s.Address(), tx.Account)
	}
	tx.SigningPubKey = s.PublicKey()
	tx.TxnSignature = nil
	payload, err := encode(tx, true)
	if err != nil {
		return Signed{}, err
	}
	tx.TxnSignature = s.Sign(append(append([]byte(nil), prefixSigning...), payload...))
	blob, err := encode(tx, false)
	if err != nil {
		return Signed{}, err
	}
	return Signed{
		Blob: strings.ToUpper(hex.EncodeToString(blob)),
		Hash: TxHash(blob),
	}, nil
}

// TxHash is the SHA-512Half of the prefixed signed blob.
func TxHash(blob []byte) string {
	sum := sha512.Sum512(append(append([]byte(nil), prefixTxID...), blob...))
	return strings.ToUpper(hex.EncodeToString(sum[:32]))
}
