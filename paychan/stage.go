package paychan

import (
	"context"
	"errors"
	"time"

	"github.com/streamer-network/payment-channel/paychan/db"
)

type Stage int

const (
	StageNoChannel Stage = iota
	StageFunded
	StageChallenged
	StageReadyToDefund
	StageDefunded
)

var Stages = []Stage{StageNoChannel, StageFunded, StageChallenged, StageReadyToDefund, StageDefunded}

func (s Stage) String() string {
	switch s {
	case StageNoChannel:
		return "NoChannel"
	case StageFunded:
		return "Funded"
	case StageChallenged:
		return "Challenged"
	case StageReadyToDefund:
		return "ReadyToDefund"
	case StageDefunded:
		return "Defunded"
	}
	return "Unknown"
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StageOf derives the stage of a record at the given time.
// Remaining seconds are reported only for Challenged and ReadyToDefund.
func StageOf(ch *db.ChannelRecord, now time.Time, window time.Duration) (stage Stage, remaining int64, hasRemaining bool) {
	switch {
	case ch == nil:
		return StageNoChannel, 0, false
	case ch.IsChannelDefunded:
		return StageDefunded, 0, false
	case !ch.IsChannelChallenged:
		return StageFunded, 0, false
	}

	elapsed := now.Unix() - ch.ChallengedAt
	if elapsed < 0 {
		// clock skew, challenge is in the future for us
		elapsed = 0
	}

	remaining = int64(window/time.Second) - elapsed
	if remaining <= 0 {
		return StageReadyToDefund, 0, true
	}
	return StageChallenged, remaining, true
}

func (s *Service) stageOf(ch *db.ChannelRecord) (Stage, int64, bool) {
	return StageOf(ch, s.now(), s.cfg.ChallengeWindow())
}

// Stage returns the current stage, StageNoChannel when no record exists.
func (s *Service) Stage(ctx context.Context, addr string) (Stage, error) {
	ch, err := s.getChannel(ctx, addr)
	if err != nil {
		return 0, err
	}
	stage, _, _ := s.stageOf(ch)
	return stage, nil
}

// RemainingChallengeSeconds returns seconds left until defund is possible,
// ok is false when the channel is not challenged.
func (s *Service) RemainingChallengeSeconds(ctx context.Context, addr string) (remaining int64, ok bool, err error) {
	ch, err := s.getChannel(ctx, addr)
	if err != nil {
		return 0, false, err
	}
	_, remaining, ok = s.stageOf(ch)
	return remaining, ok, nil
}

// getChannel returns nil record without error when channel does not exist.
func (s *Service) getChannel(ctx context.Context, addr string) (*db.ChannelRecord, error) {
	ch, err := s.db.GetChannel(ctx, addr)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ch, nil
}
