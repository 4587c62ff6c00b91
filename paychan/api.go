package paychan

import (
	"context"
	"fmt"

	"github.com/streamer-network/payment-channel/paychan/db"
)

func (s *Service) GetChannel(ctx context.Context, addr string) (*db.ChannelRecord, error) {
	return s.db.GetChannel(ctx, addr)
}

func (s *Service) ListChannels(ctx context.Context) ([]*db.ChannelRecord, error) {
	return s.db.ListChannels(ctx)
}

// UpdateStatus writes status fields as is, without ledger interaction.
// Lifecycle actions should go through Challenge and Defund instead.
func (s *Service) UpdateStatus(ctx context.Context, addr string, upd db.StatusUpdate) error {
	// a challenge without its start time would look like an expired window
	if upd.IsChannelChallenged != nil && *upd.IsChannelChallenged &&
		(upd.ChallengedAt == nil || *upd.ChallengedAt <= 0) {
		return fmt.Errorf("%w: challengedAt is required when marking the channel challenged", ErrInvalidStatus)
	}
	return s.db.SetStatus(ctx, addr, upd)
}

// StageOf derives the stage of the record at the current time.
func (s *Service) StageOf(ch *db.ChannelRecord) (Stage, int64, bool) {
	return s.stageOf(ch)
}
