// Copyright 2024 The meshanina Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package meshanina is an embedded, single-writer, content-addressed
// key-value store for data whose key is a strong hash of its value.
// Bindings are write-once: a key is never deleted or rebound to a
// different value.  Inserts stage bindings in memory; Flush appends
// them to the database file and commits them with a single new root
// record, so a crash at any point preserves every previously committed
// binding.
package meshanina

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bpowers/meshanina/internal/datafile"
	"github.com/bpowers/meshanina/internal/hamt"
)

var (
	// ErrLocked means another process holds the database open.
	ErrLocked = datafile.ErrLocked
	// ErrBadHeader means the file at the given path is not a meshanina
	// database.
	ErrBadHeader = datafile.ErrBadHeader
	// ErrCorrupt means a record reachable from the live root failed to
	// decode (bad divider, checksum, kind, length, or value).  The handle
	// is not closed or blocked by it: each later call that reaches the
	// same record returns ErrCorrupt again.
	ErrCorrupt = hamt.ErrCorrupt
	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("database closed")
	// ErrValueTooLarge is returned by Insert for values over the
	// per-record size limit.
	ErrValueTooLarge = fmt.Errorf("value longer than %d bytes", datafile.MaxValueLen)
)

// Option configures a database handle at Open time.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	flushInterval time.Duration
}

// WithLogger sets an optional logger for open, flush, and recovery
// progress.  If not provided, no logging output is produced.
func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithFlushInterval starts a background goroutine that flushes pending
// bindings every interval.  Without it, bindings only reach disk on
// explicit Flush and on Close.
func WithFlushInterval(interval time.Duration) Option {
	return func(opts *options) {
		opts.flushInterval = interval
	}
}

// DB is a handle to one database file.  A DB is safe for concurrent
// use: any number of goroutines may Get while one inserts or flushes.
type DB struct {
	log  *zap.Logger
	f    *datafile.File
	tree *hamt.Tree

	// serializes Insert, Flush, and Close
	mu     sync.Mutex
	closed atomic.Bool

	stopFlusher chan struct{}
	flusherDone sync.WaitGroup
}

// Open opens or creates the database at path, recovering the newest
// committed state.
func Open(path string, opts ...Option) (*DB, error) {
	var options options
	options.logger = zap.NewNop()
	for _, opt := range opts {
		opt(&options)
	}

	f, err := datafile.Open(path)
	if err != nil {
		return nil, err
	}
	tree, err := hamt.New(f, options.logger)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	db := &DB{
		log:  options.logger,
		f:    f,
		tree: tree,
	}
	if options.flushInterval > 0 {
		db.stopFlusher = make(chan struct{})
		db.flusherDone.Add(1)
		go db.flushLoop(options.flushInterval)
	}
	return db, nil
}

func (db *DB) flushLoop(interval time.Duration) {
	defer db.flusherDone.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-db.stopFlusher:
			return
		case <-ticker.C:
			if err := db.Flush(); err != nil && !errors.Is(err, ErrClosed) {
				db.log.Error("background flush failed", zap.Error(err))
			}
		}
	}
}

// Get returns the value bound to key.  A missing binding is
// (nil, false, nil), not an error.
func (db *DB) Get(key [32]byte) (value []byte, found bool, err error) {
	if db.closed.Load() {
		return nil, false, ErrClosed
	}
	return db.tree.Lookup(key)
}

// Insert stages the binding key → value in memory; it is visible to
// Get immediately and durable after the next Flush.  Inserting a key
// whose binding is already flushed is a no-op; inserting a key staged
// since the last flush replaces the staged value.  Bindings are
// write-once, and key collisions for distinct values cannot occur when
// keys are content hashes.
func (db *DB) Insert(key [32]byte, value []byte) error {
	if len(value) > datafile.MaxValueLen {
		return ErrValueTooLarge
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed.Load() {
		return ErrClosed
	}
	return db.tree.Insert(key, value)
}

// Flush appends all pending bindings to the file and commits them with
// a new root record.  It returns only once the bytes are durably on
// disk.
func (db *DB) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed.Load() {
		return ErrClosed
	}
	return db.tree.Flush()
}

// Close flushes pending bindings, stops the background flusher, unmaps
// the file, and releases the lock.  Close must not race other calls on
// the same handle.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	if db.stopFlusher != nil {
		close(db.stopFlusher)
		db.flusherDone.Wait()
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	flushErr := db.tree.Flush()
	if err := db.f.Close(); err != nil {
		return err
	}
	return flushErr
}
