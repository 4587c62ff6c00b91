package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/streamer-network/payment-channel/pkg/payments"
	"github.com/streamer-network/payment-channel/paychan"
)

// Approver is asked before each signature, returning an error declines it.
type Approver func(ctx context.Context, digest []byte) error

// Wallet signs balance digests as EIP-191 personal messages with a local key.
type Wallet struct {
	key     *ecdsa.PrivateKey
	addr    common.Address
	approve Approver
}

func NewWallet(key *ecdsa.PrivateKey, approve Approver) *Wallet {
	return &Wallet{
		key:     key,
		addr:    crypto.PubkeyToAddress(key.PublicKey),
		approve: approve,
	}
}

func FromHex(hexKey string, approve Approver) (*Wallet, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("incorrect private key: %w", err)
	}
	return NewWallet(key, approve), nil
}

func (w *Wallet) Address() common.Address {
	return w.addr
}

func (w *Wallet) SignDigest(ctx context.Context, digest []byte) ([]byte, error) {
	if len(digest) != payments.DigestSize {
		return nil, fmt.Errorf("incorrect digest size %d", len(digest))
	}

	if w.approve != nil {
		if err := w.approve(ctx, digest); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %w", paychan.ErrSigningRejected, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(payments.MessageHash(digest), w.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// recovery id 0/1 -> 27/28
	sig[64] += 27
	return sig, nil
}
