package paychan

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/streamer-network/payment-channel/pkg/log"
	"github.com/streamer-network/payment-channel/pkg/payments"
	"github.com/streamer-network/payment-channel/paychan/db"
	"github.com/streamer-network/payment-channel/paychan/metrics"
)

// AuthorizeSpend computes the balance left after spending amount and asks signer to sign it.
// Nothing is stored, an abandoned signing leaves no trace.
func (s *Service) AuthorizeSpend(ctx context.Context, currentBalance, amount *big.Int, signer Signer) (*payments.BalanceAttestation, error) {
	if currentBalance == nil || currentBalance.Sign() < 0 {
		return nil, fmt.Errorf("%w: current balance should be non negative", payments.ErrInvalidBalance)
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount should be non negative", payments.ErrInvalidBalance)
	}

	newBalance := new(big.Int).Sub(currentBalance, amount)
	if newBalance.Sign() < 0 {
		if !s.cfg.ClampOverspend {
			return nil, fmt.Errorf("%w: spend %s, available %s", ErrInsufficientBalance, amount, currentBalance)
		}
		newBalance.SetUint64(0)
	}

	digest, err := payments.BalanceDigest(newBalance)
	if err != nil {
		return nil, err
	}

	sig, err := signer.SignDigest(ctx, digest)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrSigningRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSigningRejected, err)
	}

	if len(sig) != payments.SignatureSize {
		return nil, fmt.Errorf("signer returned %d bytes: %w", len(sig), payments.ErrMalformedSignature)
	}

	return &payments.BalanceAttestation{
		UpdatedBalance: newBalance,
		Signature:      sig,
	}, nil
}

// RecordAttestation stores attestation as the latest for the channel.
// Balance can only decrease or stay the same, defunded channels accept nothing.
func (s *Service) RecordAttestation(ctx context.Context, addr string, att *payments.BalanceAttestation) error {
	err := s.recordAttestation(ctx, addr, att)
	if s.useMetrics {
		metrics.Attestations.WithLabelValues(attestationResult(err)).Inc()
	}
	if err != nil {
		log.Debug().Err(err).Str("address", addr).Msg("attestation rejected")
		return err
	}
	log.Debug().Str("address", addr).Str("balance", att.UpdatedBalance.String()).Msg("attestation recorded")
	return nil
}

func (s *Service) recordAttestation(ctx context.Context, addr string, att *payments.BalanceAttestation) error {
	if att == nil || att.UpdatedBalance == nil || att.UpdatedBalance.Sign() < 0 {
		return payments.ErrInvalidBalance
	}
	if _, err := att.Split(); err != nil {
		return err
	}

	return s.db.Transaction(ctx, func(ctx context.Context) error {
		ch, err := s.db.GetChannel(ctx, addr)
		if err != nil {
			return err
		}

		if err = s.checkBalanceUpdate(ch, att.UpdatedBalance); err != nil {
			return err
		}

		if s.cfg.VerifyOnRecord {
			if err = att.CheckSigner(common.HexToAddress(ch.Address)); err != nil {
				return err
			}
		}

		return s.db.SetBalance(ctx, ch.Address, att.UpdatedBalance, att.Signature)
	})
}

func (s *Service) checkBalanceUpdate(ch *db.ChannelRecord, balance *big.Int) error {
	if ch.IsChannelDefunded {
		return db.ErrChannelDefunded
	}

	current, err := ch.Balance()
	if err != nil {
		return err
	}

	if balance.Cmp(current) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrStaleBalance, balance, current)
	}
	return nil
}

// UpdateBalance stores a new balance, with a signature it is the same as RecordAttestation.
// Unsigned updates are refused when signatures are verified on record, otherwise
// they drop the stored signature, so nothing is left to withdraw until the next signed balance.
func (s *Service) UpdateBalance(ctx context.Context, addr string, balance *big.Int, signature []byte) error {
	if signature != nil {
		return s.RecordAttestation(ctx, addr, &payments.BalanceAttestation{
			UpdatedBalance: balance,
			Signature:      signature,
		})
	}

	if s.cfg.VerifyOnRecord {
		return ErrSignatureRequired
	}

	if balance == nil || balance.Sign() < 0 {
		return payments.ErrInvalidBalance
	}

	return s.db.Transaction(ctx, func(ctx context.Context) error {
		ch, err := s.db.GetChannel(ctx, addr)
		if err != nil {
			return err
		}

		if err = s.checkBalanceUpdate(ch, balance); err != nil {
			return err
		}
		return s.db.SetUnsignedBalance(ctx, ch.Address, balance)
	})
}

// CreateSignatureRecord creates a channel record directly from a signed balance.
func (s *Service) CreateSignatureRecord(ctx context.Context, addr string, att *payments.BalanceAttestation) (*db.ChannelRecord, error) {
	if att == nil || att.UpdatedBalance == nil || att.UpdatedBalance.Sign() < 0 {
		return nil, payments.ErrInvalidBalance
	}
	if _, err := att.Split(); err != nil {
		return nil, err
	}

	addr, err := db.NormalizeAddress(addr)
	if err != nil {
		return nil, err
	}

	if s.cfg.VerifyOnRecord {
		if err = att.CheckSigner(common.HexToAddress(addr)); err != nil {
			return nil, err
		}
	}

	ch := &db.ChannelRecord{
		Address:         addr,
		LatestSignature: att.SignatureHex(),
		UpdatedBalance:  att.UpdatedBalance.String(),
	}
	if err = s.db.CreateChannel(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// CurrentBalance returns the latest stored balance, nil when the channel is not opened.
func (s *Service) CurrentBalance(ctx context.Context, addr string) (*big.Int, error) {
	ch, err := s.getChannel(ctx, addr)
	if err != nil || ch == nil {
		return nil, err
	}
	return ch.Balance()
}

// Verify reports whether attestation is signed by payer.
func (s *Service) Verify(att *payments.BalanceAttestation, payer common.Address) bool {
	return att.Verify(payer)
}

// Spend authorizes spending amount from the stored balance with signer key and records the result.
func (s *Service) Spend(ctx context.Context, addr string, amount *big.Int, signer Signer) (*payments.BalanceAttestation, error) {
	current, err := s.CurrentBalance(ctx, addr)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, db.ErrNotFound
	}

	att, err := s.AuthorizeSpend(ctx, current, amount, signer)
	if err != nil {
		return nil, err
	}

	if err = s.RecordAttestation(ctx, addr, att); err != nil {
		return nil, err
	}
	return att, nil
}

func attestationResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrStaleBalance):
		return "stale"
	case errors.Is(err, db.ErrChannelDefunded):
		return "defunded"
	case errors.Is(err, db.ErrNotFound):
		return "not_found"
	case errors.Is(err, payments.ErrMalformedSignature):
		return "malformed"
	case errors.Is(err, payments.ErrInvalidSignature):
		return "invalid_signature"
	}
	return "error"
}
