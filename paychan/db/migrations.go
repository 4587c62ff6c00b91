package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streamer-network/payment-channel/pkg/log"
)

type Migration func(ctx context.Context, db *DB) error

var Migrations = []Migration{migrationChecksumAddressKeys}

// migrationChecksumAddressKeys re-keys records written with non checksum (e.g. lowercase) addresses.
func migrationChecksumAddressKeys(ctx context.Context, db *DB) error {
	tx := db.storage.GetExecutor(ctx)

	iter := tx.NewIterator([]byte(channelKeyPrefix), true)
	defer iter.Release()

	type rekey struct {
		old []byte
		ch  *ChannelRecord
	}

	var list []rekey
	for iter.Next() {
		addr := string(iter.Key()[len(channelKeyPrefix):])
		norm, err := NormalizeAddress(addr)
		if err != nil {
			log.Warn().Str("address", addr).Msg("[migration] skipping record with invalid address")
			continue
		}
		if norm == addr {
			continue
		}

		var ch *ChannelRecord
		if err = json.Unmarshal(iter.Value(), &ch); err != nil {
			return fmt.Errorf("failed to decode channel %s: %w", addr, err)
		}
		ch.Address = norm
		list = append(list, rekey{old: append([]byte{}, iter.Key()...), ch: ch})
	}
	if err := iter.Error(); err != nil {
		return err
	}

	for _, r := range list {
		key := []byte(channelKeyPrefix + r.ch.Address)
		has, err := tx.Has(key)
		if err != nil {
			return fmt.Errorf("failed to check existance: %w", err)
		}
		if has {
			return fmt.Errorf("channel %s is stored under two keys, manual resolution required", r.ch.Address)
		}

		if err = db.putChannel(ctx, key, r.ch); err != nil {
			return err
		}
		if err = db.deleteChannel(ctx, r.old); err != nil {
			return fmt.Errorf("failed to delete old key: %w", err)
		}
		log.Warn().Msgf("[migration] re-keyed channel %s", r.ch.Address)
	}
	return nil
}

func RunMigrations(db *DB) error {
	version, err := db.GetMigrationVersion(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if version < len(Migrations) {
		log.Info().Msgf("required migrations from %d to %d, backuping database...", version, len(Migrations))
		if err = db.storage.Backup(); err != nil {
			return fmt.Errorf("failed to backup db: %w", err)
		}
		log.Info().Msg("backup completed, starting migrations")
	}

	for i := version; i < len(Migrations); i++ {
		log.Info().Msgf("running migration %d", i+1)
		err := db.Transaction(context.Background(), func(ctx context.Context) error {
			if err := Migrations[i](ctx, db); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", i, err)
			}

			err := db.SetMigrationVersion(ctx, i+1)
			if err != nil {
				return fmt.Errorf("failed to set migration version: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		log.Info().Msgf("migration %d done", i+1)
	}

	return nil
}
