package leveldb

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
)

func TestBackupWithConcurrentReaders(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")

	d, isNew, err := NewDB(path)
	require.NoError(t, err)
	require.True(t, isNew)
	t.Cleanup(d.Close)

	require.NoError(t, d.Transaction(ctx, func(ctx context.Context) error {
		return d.GetExecutor(ctx).Put([]byte("ch:a"), []byte("1"))
	}))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			// may hit the closed handle while files are copied
			_, _ = d.GetExecutor(ctx).Get([]byte("ch:a"))
		}
	}()

	require.NoError(t, d.Backup())
	close(stop)
	wg.Wait()

	val, err := d.GetExecutor(ctx).Get([]byte("ch:a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), val)

	require.NoError(t, d.Transaction(ctx, func(ctx context.Context) error {
		return d.GetExecutor(ctx).Put([]byte("ch:b"), []byte("2"))
	}))

	backups, err := filepath.Glob(path + "_backup_*")
	require.NoError(t, err)
	require.Len(t, backups, 1)

	bdb, err := leveldb.OpenFile(backups[0], nil)
	require.NoError(t, err)
	defer bdb.Close()

	val, err = bdb.Get([]byte("ch:a"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), val)

	_, err = bdb.Get([]byte("ch:b"), nil)
	assert.ErrorIs(t, err, leveldb.ErrNotFound)
}

func TestMemoryBackupIsNoop(t *testing.T) {
	d, err := NewMemoryDB()
	require.NoError(t, err)
	t.Cleanup(d.Close)

	require.NoError(t, d.Backup())
	_, err = d.GetExecutor(context.Background()).Get([]byte("missing"))
	assert.Error(t, err)
}
