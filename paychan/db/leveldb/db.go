package leveldb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamer-network/payment-channel/paychan/db"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type DB struct {
	path string
	// swapped by Backup
	_db atomic.Pointer[leveldb.DB]

	mx sync.Mutex
}

type txKey struct{}

// Tx collects writes into a batch, reads go to the snapshot taken at start
// overlaid with the writes made by the transaction itself.
type Tx struct {
	snap    *leveldb.Snapshot
	batch   *leveldb.Batch
	pending map[string]pendingValue
}

type pendingValue struct {
	value   []byte
	deleted bool
}

func NewDB(path string) (*DB, bool, error) {
	isNew := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		isNew = true
	}

	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, false, err
	}

	d := &DB{path: path}
	d._db.Store(ldb)
	return d, isNew, nil
}

// NewMemoryDB opens leveldb over in-memory storage, nothing is persisted.
func NewMemoryDB() (*DB, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	d := &DB{}
	d._db.Store(ldb)
	return d, nil
}

func (d *DB) Close() {
	_ = d._db.Load().Close()
}

// Transaction - kinda ACID achievement using leveldb
func (d *DB) Transaction(ctx context.Context, f func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*Tx); ok {
		// already inside tx
		return f(ctx)
	}

	// lock gives us consistency
	d.mx.Lock()
	defer d.mx.Unlock()

	// snapshot gives us kinda reads isolation
	snap, err := d._db.Load().GetSnapshot()
	if err != nil {
		return fmt.Errorf("failed to get db snapshot: %w", err)
	}
	defer snap.Release()

	tx := &Tx{
		snap:    snap,
		batch:   new(leveldb.Batch),
		pending: map[string]pendingValue{},
	}

	if err := f(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if tx.batch.Len() == 0 {
		return nil
	}

	// batches are atomic, and durable when sync = true
	if err := d._db.Load().Write(tx.batch, &opt.WriteOptions{
		Sync: true,
	}); err != nil {
		return fmt.Errorf("failed to write batch to db: %w", err)
	}
	return nil
}

func (d *DB) GetExecutor(ctx context.Context) db.Executor {
	if tx, ok := ctx.Value(txKey{}).(*Tx); ok {
		return tx
	}
	return direct{d._db.Load()}
}

// Backup copies database files while the handle is closed. Transactions wait for it,
// direct executors obtained before the call fail with leveldb.ErrClosed, so run it
// before the storage is shared, as migrations do.
func (d *DB) Backup() (err error) {
	if d.path == "" {
		// in-memory
		return nil
	}

	d.mx.Lock()
	defer d.mx.Unlock()

	if err = d._db.Load().Close(); err != nil {
		return fmt.Errorf("failed to close the database before backup: %w", err)
	}

	// reopen whatever happens with the backup
	defer func() {
		reopenedDB, reopenErr := leveldb.OpenFile(d.path, nil)
		if reopenErr != nil {
			err = fmt.Errorf("failed to reopen the database after backup: %w", reopenErr)
			return
		}
		d._db.Store(reopenedDB)
	}()

	backupDir := fmt.Sprintf("%s_backup_%d", d.path, time.Now().UnixMilli())

	if err = os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	err = filepath.WalkDir(d.path, func(path string, dir fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to access file %s: %w", path, err)
		}

		if dir.IsDir() {
			return nil
		}

		relativePath, err := filepath.Rel(d.path, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", path, err)
		}

		return copyFile(path, filepath.Join(backupDir, relativePath))
	})
	if err != nil {
		return fmt.Errorf("failed to complete backup: %w", err)
	}

	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(dst), err)
	}

	input, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer input.Close()

	output, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", dst, err)
	}
	defer output.Close()

	if _, err = io.Copy(output, input); err != nil {
		return fmt.Errorf("failed to copy data from %s to %s: %w", src, dst, err)
	}
	return nil
}

func (t *Tx) Put(key, value []byte) error {
	t.batch.Put(key, value)
	t.pending[string(key)] = pendingValue{value: append([]byte{}, value...)}
	return nil
}

func (t *Tx) Delete(key []byte) error {
	t.batch.Delete(key)
	t.pending[string(key)] = pendingValue{deleted: true}
	return nil
}

func (t *Tx) Get(key []byte) ([]byte, error) {
	if p, ok := t.pending[string(key)]; ok {
		if p.deleted {
			return nil, db.ErrNotFound
		}
		return p.value, nil
	}
	return mapErr(t.snap.Get(key, nil))
}

func (t *Tx) Has(key []byte) (bool, error) {
	if p, ok := t.pending[string(key)]; ok {
		return !p.deleted, nil
	}
	return t.snap.Has(key, nil)
}

// NewIterator iterates over the snapshot, writes of the current transaction are not visible.
func (t *Tx) NewIterator(p []byte, forward bool) db.Iterator {
	return &iter{it: t.snap.NewIterator(util.BytesPrefix(p), nil), forward: forward}
}

type direct struct {
	d *leveldb.DB
}

func (e direct) Put(key, value []byte) error {
	return e.d.Put(key, value, &opt.WriteOptions{Sync: true})
}

func (e direct) Delete(key []byte) error {
	return e.d.Delete(key, &opt.WriteOptions{Sync: true})
}

func (e direct) Get(key []byte) ([]byte, error) {
	return mapErr(e.d.Get(key, nil))
}

func (e direct) Has(key []byte) (bool, error) {
	return e.d.Has(key, nil)
}

func (e direct) NewIterator(p []byte, forward bool) db.Iterator {
	return &iter{it: e.d.NewIterator(util.BytesPrefix(p), nil), forward: forward}
}

type iter struct {
	it      iterator.Iterator
	forward bool
	started bool
}

func (i *iter) Next() bool {
	if i.forward {
		return i.it.Next()
	}
	if !i.started {
		i.started = true
		return i.it.Last()
	}
	return i.it.Prev()
}

func (i *iter) Key() []byte   { return i.it.Key() }
func (i *iter) Value() []byte { return i.it.Value() }
func (i *iter) Release()      { i.it.Release() }
func (i *iter) Error() error  { return i.it.Error() }

func mapErr(v []byte, err error) ([]byte, error) {
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, db.ErrNotFound
	}
	return v, err
}
