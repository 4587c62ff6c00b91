package payments

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// BalanceAttestation is a payer signed statement of the channel balance.
type BalanceAttestation struct {
	UpdatedBalance *big.Int
	Signature      []byte
}

func (a *BalanceAttestation) Digest() ([]byte, error) {
	return BalanceDigest(a.UpdatedBalance)
}

func (a *BalanceAttestation) SignatureHex() string {
	return FormatSignature(a.Signature)
}

// Split returns r, s, v parts of the signature in the form the contract accepts.
func (a *BalanceAttestation) Split() (Signature, error) {
	return SplitSignature(a.Signature)
}

// RecoverSigner returns address of the key which signed the attestation.
func (a *BalanceAttestation) RecoverSigner() (common.Address, error) {
	if _, err := SplitSignature(a.Signature); err != nil {
		return common.Address{}, err
	}

	digest, err := a.Digest()
	if err != nil {
		return common.Address{}, err
	}

	sig := append([]byte{}, a.Signature...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(MessageHash(digest), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: failed to recover public key: %s", ErrInvalidSignature, err.Error())
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// CheckSigner returns ErrInvalidSignature when attestation is not signed by expected.
func (a *BalanceAttestation) CheckSigner(expected common.Address) error {
	signer, err := a.RecoverSigner()
	if err != nil {
		return err
	}

	if signer != expected {
		return fmt.Errorf("%w: signed by %s, expected %s", ErrInvalidSignature, signer.Hex(), expected.Hex())
	}
	return nil
}

// Verify reports whether attestation is signed by expected.
func (a *BalanceAttestation) Verify(expected common.Address) bool {
	return a.CheckSigner(expected) == nil
}
