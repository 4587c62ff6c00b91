package paychan

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/streamer-network/payment-channel/pkg/log"
	"github.com/streamer-network/payment-channel/paychan/db"
)

// Reconcile brings the stored record of addr in line with the ledger, which is the source of truth.
// Missing records of funded channels are created, confirmed challenges and defunds are marked.
// Balances are owned by attestations and never taken from the ledger for existing records.
// It is a no-op when the ledger cannot report state.
func (s *Service) Reconcile(ctx context.Context, addr string) (changed bool, err error) {
	view, ok := s.ledger.(LedgerView)
	if !ok {
		return false, nil
	}

	addr, err = db.NormalizeAddress(addr)
	if err != nil {
		return false, err
	}

	st, err := view.ChannelState(ctx, common.HexToAddress(addr))
	if err != nil {
		return false, fmt.Errorf("failed to query ledger state: %w", err)
	}

	window := int64(s.cfg.ChallengeWindowSeconds)

	err = s.db.Transaction(ctx, func(ctx context.Context) error {
		changed = false

		ch, err := s.getChannel(ctx, addr)
		if err != nil {
			return err
		}

		if ch == nil {
			if st.Defunded || st.Balance == nil || st.Balance.Sign() == 0 {
				return nil
			}

			if err = s.db.CreateChannel(ctx, &db.ChannelRecord{
				Address:        addr,
				UpdatedBalance: st.Balance.String(),
			}); err != nil {
				return err
			}
			changed = true
			log.Warn().Str("address", addr).Str("balance", st.Balance.String()).Msg("[reconcile] created missing channel record")

			ch, err = s.db.GetChannel(ctx, addr)
			if err != nil {
				return err
			}
		}

		if ch.IsChannelDefunded {
			return nil
		}

		var upd db.StatusUpdate
		if st.CanCloseAt != 0 && !ch.IsChannelChallenged {
			challenged, at := true, st.CanCloseAt-window
			upd.IsChannelChallenged = &challenged
			upd.ChallengedAt = &at
		}

		if st.Defunded {
			defunded := true
			upd.IsChannelDefunded = &defunded
		}

		if upd.IsEmpty() {
			return nil
		}

		if err = s.db.SetStatus(ctx, addr, upd); err != nil {
			return err
		}
		changed = true
		log.Warn().Str("address", addr).Bool("challenged", upd.IsChannelChallenged != nil).
			Bool("defunded", upd.IsChannelDefunded != nil).Msg("[reconcile] status updated from ledger")
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// ReconcileAll reconciles every stored channel which is not defunded yet.
func (s *Service) ReconcileAll(ctx context.Context) error {
	if _, ok := s.ledger.(LedgerView); !ok {
		return nil
	}

	list, err := s.db.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}

	var failed int
	for _, ch := range list {
		if ch.IsChannelDefunded {
			continue
		}

		if _, err = s.Reconcile(ctx, ch.Address); err != nil {
			failed++
			log.Warn().Err(err).Str("address", ch.Address).Msg("failed to reconcile channel")
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d channels failed to reconcile", failed, len(list))
	}
	return nil
}
