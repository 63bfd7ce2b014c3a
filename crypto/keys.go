package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // account ids are defined over RIPEMD-160
)

const (
	bitcoinAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	rippleAlphabet  = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"

	accountIDVersion  byte = 0x00
	familySeedVersion byte = 0x21
)

// ed25519 seeds carry a three byte version prefix.
var ed25519SeedVersion = []byte{0x01, 0xE1, 0x4B}

var (
	toRipple  = strings.NewReplacer(pairs(bitcoinAlphabet, rippleAlphabet)...)
	toBitcoin = strings.NewReplacer(pairs(rippleAlphabet, bitcoinAlphabet)...)
)

func pairs(from, to string) []string {
	out := make([]string, 0, 2*len(from))
	for i := 0; i < len(from); i++ {
		out = append(out, from[i:i+1], to[i:i+1])
	}
	return out
}

var (
	ErrInvalidAddress = errors.New("crypto: invalid classic address")
	ErrInvalidSeed    = errors.New("crypto: invalid seed")
)

// encodeCheck renders version||payload with a double-SHA256 checksum in the
// ledger's base58 alphabet.
func encodeCheck(version []byte, payload []byte) string {
	body := append(append([]byte(nil), version[1:]...), payload...)
	return toRipple.Replace(base58.CheckEncode(body, version[0]))
}

func decodeCheck(s string) ([]byte, error) {
	if s == "" || strings.ContainsAny(s, "0OIl") {
		return nil, base58.ErrInvalidFormat
	}
	body, version, err := base58.CheckDecode(toBitcoin.Replace(s))
	if err != nil {
		return nil, err
	}
	return append([]byte{version}, body...), nil
}

// Address is a 20 byte account id rendered as a classic "r..." address.
type Address struct {
	id [20]byte
}

func (a Address) String() string {
	return encodeCheck([]byte{accountIDVersion}, a.id[:])
}

func (a Address) Bytes() []byte {
	return append([]byte(nil), a.id[:]...)
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a.id == [20]byte{} }

// DecodeAddress parses and checksum-validates a classic address.
func DecodeAddress(s string) (Address, error) {
	raw, err := decodeCheck(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != 21 || raw[0] != accountIDVersion {
		return Address{}, ErrInvalidAddress
	}
	var a Address
	copy(a.id[:], raw[1:])
	return a, nil
}

// ValidAddress reports whether s is a well-formed classic address.
func ValidAddress(s string) bool {
	_, err := DecodeAddress(s)
	return err == nil
}

// AccountID hashes a public key into its account id.
func AccountID(pub []byte) Address {
	sum := sha256.Sum256(pub)
	h := ripemd160.New()
	h.Write(sum[:])
	var a Address
	copy(a.id[:], h.Sum(nil))
	return a
}

// --- Key Management ---

// Wallet is an ed25519 signing key together with its ledger identity.
type Wallet struct {
	priv    ed25519.PrivateKey
	pub     []byte
	address Address
}

// DecodeSeed returns the 16 bytes of entropy inside an encoded seed. Both the
// ed25519 ("sEd...") and the legacy family seed ("s...") encodings are accepted.
func DecodeSeed(seed string) ([]byte, error) {
	raw, err := decodeCheck(strings.TrimSpace(seed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	switch {
	case len(raw) == 19 && bytes.Equal(raw[:3], ed25519SeedVersion):
		return raw[3:], nil
	case len(raw) == 17 && raw[0] == familySeedVersion:
		return raw[1:], nil
	default:
		return nil, ErrInvalidSeed
	}
}

// EncodeSeed renders entropy as an ed25519 seed.
func EncodeSeed(entropy []byte) (string, error) {
	if len(entropy) != 16 {
		return "", ErrInvalidSeed
	}
	return encodeCheck(ed25519SeedVersion, entropy), nil
}

// WalletFromSeed derives the ed25519 wallet for an encoded seed. The ed25519
// algorithm is always used, whatever the seed prefix.
func WalletFromSeed(seed string) (*Wallet, error) {
	entropy, err := DecodeSeed(seed)
	if err != nil {
		return nil, err
	}
	return WalletFromEntropy(entropy), nil
}

// WalletFromEntropy derives the ed25519 wallet for raw seed entropy.
func WalletFromEntropy(entropy []byte) *Wallet {
	sum := sha512.Sum512(entropy)
	priv := ed25519.NewKeyFromSeed(sum[:32])
	pub := append([]byte{0xED}, priv.Public().(ed25519.PublicKey)...)
	return &Wallet{priv: priv, pub: pub, address: AccountID(pub)}
}

// Address returns the wallet's classic address.
func (w *Wallet) Address() Address { return w.address }

// PublicKey returns the 33 byte prefixed public key.
func (w *Wallet) PublicKey() []byte { return append([]byte(nil), w.pub...) }

// PublicKeyHex returns the public key as uppercase hex, the SigningPubKey form.
func (w *Wallet) PublicKeyHex() string {
	return strings.ToUpper(hex.EncodeToString(w.pub))
}

// Sign signs msg with the wallet key.
func (w *Wallet) Sign(msg []byte) []byte {
	return ed25519.Sign(w.priv, msg)
}

// VerifySignature checks an ed25519 signature against a prefixed public key.
func VerifySignature(pub, msg, sig []byte) bool {
	if len(pub) != 33 || pub[0] != 0xED {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[1:]), msg, sig)
}
