package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/streamer-network/payment-channel/pkg/log"
	"github.com/streamer-network/payment-channel/pkg/payments"
)

const channelKeyPrefix = "ch:"

func (d *DB) SetOnChannelUpdated(f func(ctx context.Context, ch *ChannelRecord, statusChanged bool)) {
	d.onChannelStateChange = f
}

func (d *DB) GetOnChannelUpdated() func(ctx context.Context, ch *ChannelRecord, statusChanged bool) {
	return d.onChannelStateChange
}

func channelKey(addr string) ([]byte, string, error) {
	addr, err := NormalizeAddress(addr)
	if err != nil {
		return nil, "", err
	}
	return []byte(channelKeyPrefix + addr), addr, nil
}

// CreateChannel stores a new record, fails with ErrAlreadyExists when the address already has one.
func (d *DB) CreateChannel(ctx context.Context, channel *ChannelRecord) error {
	key, addr, err := channelKey(channel.Address)
	if err != nil {
		return err
	}

	if channel.UpdatedBalance == "" {
		channel.UpdatedBalance = "0"
	}
	if _, err = channel.Balance(); err != nil {
		return err
	}

	return d.Transaction(ctx, func(ctx context.Context) error {
		tx := d.storage.GetExecutor(ctx)

		has, err := tx.Has(key)
		if err != nil {
			return fmt.Errorf("failed to check existance: %w", err)
		}
		if has {
			return ErrAlreadyExists
		}

		now := time.Now()
		channel.Address = addr
		channel.CreatedAt = now
		channel.UpdatedAt = now
		if err = d.putChannel(ctx, key, channel); err != nil {
			return err
		}

		if d.onChannelStateChange != nil {
			d.onChannelStateChange(ctx, channel, true)
		}
		return nil
	})
}

// SetBalance overwrites balance and, when signature is not nil, the latest signature.
// Status fields are never touched.
func (d *DB) SetBalance(ctx context.Context, addr string, balance *big.Int, signature []byte) error {
	return d.setBalance(ctx, addr, balance, signature, false)
}

// SetUnsignedBalance stores balance and drops the latest signature, which no longer matches it.
func (d *DB) SetUnsignedBalance(ctx context.Context, addr string, balance *big.Int) error {
	return d.setBalance(ctx, addr, balance, nil, true)
}

func (d *DB) setBalance(ctx context.Context, addr string, balance *big.Int, signature []byte, dropSignature bool) error {
	if balance == nil || balance.Sign() < 0 {
		return fmt.Errorf("incorrect balance")
	}

	key, _, err := channelKey(addr)
	if err != nil {
		return err
	}

	return d.Transaction(ctx, func(ctx context.Context) error {
		ch, err := d.getChannel(ctx, key)
		if err != nil {
			return err
		}

		if ch.IsChannelDefunded {
			return ErrChannelDefunded
		}

		ch.UpdatedBalance = balance.String()
		switch {
		case signature != nil:
			ch.LatestSignature = payments.FormatSignature(signature)
		case dropSignature:
			ch.LatestSignature = ""
		}
		ch.UpdatedAt = time.Now()

		if err = d.putChannel(ctx, key, ch); err != nil {
			return err
		}

		if d.onChannelStateChange != nil {
			d.onChannelStateChange(ctx, ch, false)
		}
		return nil
	})
}

// SetStatus applies partial status update. Balance and signature are never touched.
// Once defunded, the only accepted update is a repeated defund confirmation, which is a no-op.
func (d *DB) SetStatus(ctx context.Context, addr string, upd StatusUpdate) error {
	key, _, err := channelKey(addr)
	if err != nil {
		return err
	}

	return d.Transaction(ctx, func(ctx context.Context) error {
		ch, err := d.getChannel(ctx, key)
		if err != nil {
			return err
		}

		if ch.IsChannelDefunded {
			if upd.onlyConfirmsDefund() {
				return nil
			}
			return ErrChannelDefunded
		}

		if upd.IsEmpty() {
			return nil
		}

		upd.apply(ch)
		ch.UpdatedAt = time.Now()

		if err = d.putChannel(ctx, key, ch); err != nil {
			return err
		}

		if d.onChannelStateChange != nil {
			d.onChannelStateChange(ctx, ch, true)
		}
		return nil
	})
}

func (d *DB) GetChannel(ctx context.Context, addr string) (*ChannelRecord, error) {
	key, _, err := channelKey(addr)
	if err != nil {
		return nil, err
	}
	return d.getChannel(ctx, key)
}

// ListChannels returns all records, newest first.
func (d *DB) ListChannels(ctx context.Context) ([]*ChannelRecord, error) {
	tx := d.storage.GetExecutor(ctx)

	iter := tx.NewIterator([]byte(channelKeyPrefix), true)
	defer iter.Release()

	var channels []*ChannelRecord
	for iter.Next() {
		var channel *ChannelRecord
		if err := json.Unmarshal(iter.Value(), &channel); err != nil {
			log.Warn().Str("key", string(iter.Key())).Msg("skipping undecodable channel record")
			continue
		}
		channels = append(channels, channel)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	sort.SliceStable(channels, func(i, j int) bool {
		if channels[i].CreatedAt.Equal(channels[j].CreatedAt) {
			return channels[i].Address < channels[j].Address
		}
		return channels[i].CreatedAt.After(channels[j].CreatedAt)
	})

	return channels, nil
}

func (d *DB) getChannel(ctx context.Context, key []byte) (*ChannelRecord, error) {
	tx := d.storage.GetExecutor(ctx)

	data, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get from db: %w", err)
	}

	var channel *ChannelRecord
	if err = json.Unmarshal(data, &channel); err != nil {
		return nil, fmt.Errorf("failed to decode json data: %w", err)
	}
	return channel, nil
}

func (d *DB) putChannel(ctx context.Context, key []byte, channel *ChannelRecord) error {
	channel.DBVersion = time.Now().UnixNano()
	data, err := json.Marshal(channel)
	if err != nil {
		return fmt.Errorf("failed to encode json: %w", err)
	}

	if err = d.storage.GetExecutor(ctx).Put(key, data); err != nil {
		return fmt.Errorf("failed to put: %w", err)
	}
	return nil
}

// deleteChannel is used by migrations only, records are never removed in normal operation.
func (d *DB) deleteChannel(ctx context.Context, key []byte) error {
	return d.storage.GetExecutor(ctx).Delete(key)
}
