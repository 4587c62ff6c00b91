package paychan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/streamer-network/payment-channel/pkg/log"
	"github.com/streamer-network/payment-channel/pkg/payments"
	"github.com/streamer-network/payment-channel/paychan/db"
	"github.com/streamer-network/payment-channel/paychan/metrics"
)

// Fund locks amount on the ledger for payer and creates the channel record once confirmed.
// Deposit becomes the initial balance.
func (s *Service) Fund(ctx context.Context, addr string, amount *big.Int) (*db.ChannelRecord, error) {
	addr, err := db.NormalizeAddress(addr)
	if err != nil {
		return nil, err
	}

	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: fund amount should be positive", payments.ErrInvalidBalance)
	}

	ch, err := s.getChannel(ctx, addr)
	if err != nil {
		return nil, err
	}
	if ch != nil {
		return nil, db.ErrAlreadyExists
	}

	if _, err = s.callLedger(ctx, "fund", addr, func(ctx context.Context) (*Confirmation, error) {
		return s.ledger.LockFunds(ctx, common.HexToAddress(addr), amount)
	}); err != nil {
		return nil, err
	}

	ch = &db.ChannelRecord{
		Address:        addr,
		UpdatedBalance: amount.String(),
	}
	// ledger state is final here, store even if caller went away
	if err = s.db.CreateChannel(context.WithoutCancel(ctx), ch); err != nil {
		return nil, fmt.Errorf("funds locked but failed to store channel, reconcile required: %w", err)
	}

	log.Info().Str("address", addr).Str("amount", amount.String()).Msg("channel funded")
	return ch, nil
}

// Challenge starts the dispute window.
func (s *Service) Challenge(ctx context.Context, addr string) error {
	ch, err := s.db.GetChannel(ctx, addr)
	if err != nil {
		return err
	}

	if stage, _, _ := s.stageOf(ch); stage != StageFunded {
		return fmt.Errorf("%w: channel is %s", ErrInvalidStage, stage)
	}

	if _, err = s.callLedger(ctx, "challenge", ch.Address, func(ctx context.Context) (*Confirmation, error) {
		return s.ledger.StartChallenge(ctx, common.HexToAddress(ch.Address))
	}); err != nil {
		return err
	}

	// taken after confirmation, so the local window never ends before the ledger one
	challenged, at := true, s.now().Unix()
	if err = s.db.SetStatus(context.WithoutCancel(ctx), ch.Address, db.StatusUpdate{
		IsChannelChallenged: &challenged,
		ChallengedAt:        &at,
	}); err != nil {
		return fmt.Errorf("challenge confirmed but failed to store status, reconcile required: %w", err)
	}

	log.Info().Str("address", ch.Address).Int64("challenged_at", at).Msg("channel challenged")
	return nil
}

// Defund finalizes the channel after the challenge window. Repeated calls on a defunded channel succeed.
func (s *Service) Defund(ctx context.Context, addr string) error {
	ch, err := s.db.GetChannel(ctx, addr)
	if err != nil {
		return err
	}

	switch stage, remaining, _ := s.stageOf(ch); stage {
	case StageDefunded:
		log.Debug().Str("address", ch.Address).Msg("channel is already defunded")
		return nil
	case StageReadyToDefund:
	case StageChallenged:
		return fmt.Errorf("%w: challenge window ends in %ds", ErrInvalidStage, remaining)
	default:
		return fmt.Errorf("%w: channel is %s", ErrInvalidStage, stage)
	}

	if _, err = s.callLedger(ctx, "defund", ch.Address, func(ctx context.Context) (*Confirmation, error) {
		return s.ledger.FinalizeDefund(ctx, common.HexToAddress(ch.Address))
	}); err != nil {
		return err
	}

	defunded := true
	if err = s.db.SetStatus(context.WithoutCancel(ctx), ch.Address, db.StatusUpdate{
		IsChannelDefunded: &defunded,
	}); err != nil {
		return fmt.Errorf("defund confirmed but failed to store status, reconcile required: %w", err)
	}

	log.Info().Str("address", ch.Address).Msg("channel defunded")
	return nil
}

// Withdraw redeems the latest stored attestation of the channel to the payee.
// Signature is checked locally before anything is sent to the ledger.
func (s *Service) Withdraw(ctx context.Context, addr string) (*Confirmation, error) {
	ch, err := s.db.GetChannel(ctx, addr)
	if err != nil {
		return nil, err
	}

	if ch.IsChannelDefunded {
		return nil, db.ErrChannelDefunded
	}

	att, err := ch.Attestation()
	if err != nil {
		return nil, fmt.Errorf("failed to load stored attestation: %w", err)
	}
	if att == nil {
		return nil, ErrNoAttestation
	}

	if err = att.CheckSigner(common.HexToAddress(ch.Address)); err != nil {
		return nil, err
	}

	conf, err := s.callLedger(ctx, "withdraw", ch.Address, func(ctx context.Context) (*Confirmation, error) {
		return s.ledger.Withdraw(ctx, s.payee, att)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("address", ch.Address).Str("balance", att.UpdatedBalance.String()).
		Str("tx", conf.TxHash).Msg("earnings withdrawn")
	return conf, nil
}

// callLedger waits for ledger confirmation no longer than the configured timeout.
// Errors are always one of ErrLedgerRejected or ErrLedgerTimeout.
func (s *Service) callLedger(ctx context.Context, op, addr string, f func(ctx context.Context) (*Confirmation, error)) (*Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmationTimeout())
	defer cancel()

	log.Debug().Str("op", op).Str("address", addr).Msg("sending ledger transaction")

	start := time.Now()
	conf, err := f(ctx)
	if err == nil && conf == nil {
		err = fmt.Errorf("%w: no confirmation returned", ErrLedgerRejected)
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrLedgerRejected), errors.Is(err, ErrLedgerTimeout):
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			err = fmt.Errorf("%w: %w", ErrLedgerTimeout, err)
		default:
			err = fmt.Errorf("%w: %w", ErrLedgerRejected, err)
		}

		result := "rejected"
		if errors.Is(err, ErrLedgerTimeout) {
			result = "timeout"
		}
		if s.useMetrics {
			metrics.LedgerCalls.WithLabelValues(op, result).Inc()
		}

		log.Warn().Err(err).Str("op", op).Str("address", addr).Msg("ledger transaction failed")
		return nil, err
	}

	if s.useMetrics {
		metrics.LedgerCalls.WithLabelValues(op, "confirmed").Inc()
		metrics.LedgerConfirmLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}

	log.Debug().Str("op", op).Str("address", addr).Str("tx", conf.TxHash).
		Uint64("block", conf.BlockNumber).Msg("ledger transaction confirmed")
	return conf, nil
}
