package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	fixtureSeed    = "sEdSKaCy2JT7JaM7v95H9SxkhP9wS2r"
	fixtureFamily  = "sp5fghtJtpUorTwvof1NpDXAzNwf5"
	fixturePubKey  = "ED01FA53FA5A7E77798F882ECE20B1ABC00BB358A9E55A202D0D0676BD0CE37A63"
	fixtureAddress = "rLUEXYuLiQptky37CqLcm9USQpPiz5rkpD"
)

func TestWalletFromSeedFixture(t *testing.T) {
	w, err := WalletFromSeed(fixtureSeed)
	require.NoError(t, err)
	require.Equal(t, fixturePubKey, w.PublicKeyHex())
	require.Equal(t, fixtureAddress, w.Address().String())
}

func TestFamilySeedForcedToEd25519(t *testing.T) {
	w, err := WalletFromSeed(fixtureFamily)
	require.NoError(t, err)
	require.Equal(t, fixtureAddress, w.Address().String())
}

func TestSeedRoundTrip(t *testing.T) {
	entropy, err := DecodeSeed(fixtureSeed)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}, entropy)
	encoded, err := EncodeSeed(entropy)
	require.NoError(t, err)
	require.Equal(t, fixtureSeed, encoded)
}

func TestDecodeSeedRejectsBadChecksum(t *testing.T) {
	_, err := DecodeSeed("sEdSKaCy2JT7JaM7v95H9SxkhP9wS2s")
	require.ErrorIs(t, err, ErrInvalidSeed)
	_, err = DecodeSeed(fixtureAddress)
	require.ErrorIs(t, err, ErrInvalidSeed)
	_, err = DecodeSeed("")
	require.ErrorIs(t, err, ErrInvalidSeed)
}

func TestDecodeAddress(t *testing.T) {
	for _, addr := range []string{fixtureAddress, "rfsz99hMQhCDJy5YW2YGk7ngzEqr9KDCNe", "rMuY2FdTgCFahDGMjQSzZZ3pySCcaBHCvH"} {
		a, err := DecodeAddress(addr)
		require.NoError(t, err)
		require.Equal(t, addr, a.String())
		require.True(t, ValidAddress(addr))
	}
	require.False(t, ValidAddress("rLUEXYuLiQptky37CqLcm9USQpPiz5rkpE"))
	require.False(t, ValidAddress("0xdeadbeef"))
	require.False(t, ValidAddress(fixtureSeed))
	require.False(t, ValidAddress(""))
}

func TestWalletSignVerify(t *testing.T) {
	w, err := WalletFromSeed(fixtureSeed)
	require.NoError(t, err)
	msg := []byte("escrow finish")
	sig := w.Sign(msg)
	require.True(t, VerifySignature(w.PublicKey(), msg, sig))
	require.False(t, VerifySignature(w.PublicKey(), []byte("escrow cancel"), sig))
	require.True(t, bytes.Equal(sig, w.Sign(msg)))
}
