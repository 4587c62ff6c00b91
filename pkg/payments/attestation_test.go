package payments

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signBalance(t *testing.T, balance *big.Int) (*BalanceAttestation, common.Address) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	digest, err := BalanceDigest(balance)
	require.NoError(t, err)

	sig, err := crypto.Sign(MessageHash(digest), key)
	require.NoError(t, err)
	sig[64] += 27

	return &BalanceAttestation{UpdatedBalance: balance, Signature: sig}, crypto.PubkeyToAddress(key.PublicKey)
}

func TestBalanceAttestation_RecoverSigner(t *testing.T) {
	att, addr := signBalance(t, big.NewInt(9_000_000_000_000_000))

	signer, err := att.RecoverSigner()
	require.NoError(t, err)
	assert.Equal(t, addr, signer)
	assert.True(t, att.Verify(signer))

	// recovery id without the 27 offset is accepted too
	raw := append([]byte{}, att.Signature...)
	raw[64] -= 27
	signer2, err := (&BalanceAttestation{UpdatedBalance: att.UpdatedBalance, Signature: raw}).RecoverSigner()
	require.NoError(t, err)
	assert.Equal(t, signer, signer2)
}

func TestBalanceAttestation_WrongSigner(t *testing.T) {
	att, _ := signBalance(t, big.NewInt(1000))
	_, other := signBalance(t, big.NewInt(1000))

	err := att.CheckSigner(other)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// other balance gives other digest, so other signer
	signer, err := att.RecoverSigner()
	require.NoError(t, err)
	tampered := &BalanceAttestation{UpdatedBalance: big.NewInt(1001), Signature: att.Signature}
	assert.False(t, tampered.Verify(signer))
}

func TestBalanceAttestation_Malformed(t *testing.T) {
	att := &BalanceAttestation{UpdatedBalance: big.NewInt(1), Signature: make([]byte, 64)}
	_, err := att.RecoverSigner()
	assert.ErrorIs(t, err, ErrMalformedSignature)

	att.Signature = make([]byte, 65)
	_, err = att.RecoverSigner()
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
