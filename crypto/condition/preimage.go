// Package condition implements the PREIMAGE-SHA-256 crypto-condition used to
// lock escrowed payouts. Encodings follow the crypto-conditions DER profile so
// the ledger accepts them verbatim.
package condition

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"shipcover/insurance/fault"
)

// MaxPreimageSize bounds the preimage so the fulfillment stays within the
// ledger's Fulfillment field limit.
const MaxPreimageSize = 256

var (
	tagPreimageSHA256 = cbasn1.Tag(0).ContextSpecific().Constructed()
	tagField0         = cbasn1.Tag(0).ContextSpecific()
	tagField1         = cbasn1.Tag(1).ContextSpecific()
)

// ErrMalformed reports a condition or fulfillment that does not parse.
var ErrMalformed = errors.New("condition: malformed encoding")

// Pair is the public condition and the secret fulfillment, both uppercase hex.
type Pair struct {
	Condition   string
	Fulfillment string
}

// Derive computes the condition and fulfillment for preimage. It is total over
// non-empty input; callers validate the preimage once through NewGenerator.
func Derive(preimage []byte) Pair {
	return Pair{
		Condition:   strings.ToUpper(hex.EncodeToString(conditionBytes(preimage))),
		Fulfillment: strings.ToUpper(hex.EncodeToString(fulfillmentBytes(preimage))),
	}
}

func conditionBytes(preimage []byte) []byte {
	digest := sha256.Sum256(preimage)
	var b cryptobyte.Builder
	b.AddASN1(tagPreimageSHA256, func(b *cryptobyte.Builder) {
		b.AddASN1(tagField0, func(b *cryptobyte.Builder) {
			b.AddBytes(digest[:])
		})
		b.AddASN1(tagField1, func(b *cryptobyte.Builder) {
			b.AddBytes(encodeCost(uint64(len(preimage))))
		})
	})
	return b.BytesOrPanic()
}

func fulfillmentBytes(preimage []byte) []byte {
	var b cryptobyte.Builder
	b.AddASN1(tagPreimageSHA256, func(b *cryptobyte.Builder) {
		b.AddASN1(tagField0, func(b *cryptobyte.Builder) {
			b.AddBytes(preimage)
		})
	})
	return b.BytesOrPanic()
}

// encodeCost renders a DER INTEGER body: minimal big-endian, with a leading
// zero when the high bit would otherwise mark it negative.
func encodeCost(v uint64) []byte {
	out := make([]byte, 0, 9)
	started := false
	for shift := 56; shift >= 0; shift -= 8 {
		c := byte(v >> uint(shift))
		if !started && c == 0 && shift > 0 {
			continue
		}
		if !started && c&0x80 != 0 {
			out = append(out, 0)
		}
		started = true
		out = append(out, c)
	}
	return out
}

// ParseFulfillment extracts the preimage from a hex fulfillment.
func ParseFulfillment(fulfillmentHex string) ([]byte, error) {
	raw, err := hex.DecodeString(fulfillmentHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	in := cryptobyte.String(raw)
	var body, preimage cryptobyte.String
	if !in.ReadASN1(&body, tagPreimageSHA256) || !in.Empty() {
		return nil, ErrMalformed
	}
	if !body.ReadASN1(&preimage, tagField0) || !body.Empty() {
		return nil, ErrMalformed
	}
	return append([]byte(nil), preimage...), nil
}

// Verify reports whether fulfillment reveals a preimage whose condition equals
// conditionHex. Malformed input never verifies.
func Verify(conditionHex, fulfillmentHex string) bool {
	want, err := hex.DecodeString(conditionHex)
	if err != nil {
		return false
	}
	preimage, err := ParseFulfillment(fulfillmentHex)
	if err != nil || len(preimage) == 0 {
		return false
	}
	return bytes.Equal(conditionBytes(preimage), want)
}

// Generator holds the deployment's preimage and hands out the derived pair.
type Generator struct {
	pair Pair
}

// NewGenerator validates the preimage. An empty or oversized preimage is a
// configuration error and must stop startup.
func NewGenerator(preimage []byte) (*Generator, error) {
	if len(preimage) == 0 {
		return nil, fault.New(fault.KindConfiguration, "escrow preimage is empty")
	}
	if len(preimage) > MaxPreimageSize {
		return nil, fault.New(fault.KindConfiguration, "escrow preimage exceeds %d bytes", MaxPreimageSize)
	}
	return &Generator{pair: Derive(preimage)}, nil
}

// Condition returns the public commitment.
func (g *Generator) Condition() string { return g.pair.Condition }

// Fulfillment returns the secret proof. Only revealed when finishing.
func (g *Generator) Fulfillment() string { return g.pair.Fulfillment }

// Pair returns both values.
func (g *Generator) Pair() Pair { return g.pair }
