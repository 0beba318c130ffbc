// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/tagwatch/internal/logging"
	"github.com/tomtom215/tagwatch/internal/metrics"
	"github.com/tomtom215/tagwatch/internal/models"
)

const journalPrefix = "sample:"

// ErrJournalClosed is returned after Close.
var ErrJournalClosed = errors.New("journal is closed")

// JournalEntry is one sample waiting to be processed.
type JournalEntry struct {
	ID        string        `json:"id"`
	Source    string        `json:"source"`
	Sample    models.Sample `json:"sample"`
	CreatedAt time.Time     `json:"created_at"`
}

// Journal keeps submitted samples in BadgerDB until they are processed so
// a crash between capture and storage loses nothing. Entries expire after
// the configured TTL.
type Journal struct {
	db      *badger.DB
	ttl     time.Duration
	mu      sync.RWMutex
	closed  bool
	pending atomic.Int64
}

// OpenJournal opens (or creates) the journal at path. An empty path opens
// an in-memory journal.
func OpenJournal(path string, ttl time.Duration) (*Journal, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.SyncWrites = true
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{db: db, ttl: ttl}
	n, err := j.count()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	j.pending.Store(n)
	metrics.JournalPending.Set(float64(n))

	logging.Info().Str("path", path).Int64("pending", n).Dur("ttl", ttl).Msg("Ingest journal opened")
	return j, nil
}

// Append persists a sample and returns its entry id.
func (j *Journal) Append(source string, s *models.Sample) (string, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return "", ErrJournalClosed
	}

	entry := JournalEntry{
		ID:        uuid.New().String(),
		Source:    source,
		Sample:    *s,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return "", fmt.Errorf("marshal journal entry: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(journalPrefix+entry.ID), data)
		if j.ttl > 0 {
			e = e.WithTTL(j.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return "", fmt.Errorf("write journal entry: %w", err)
	}

	metrics.JournalPending.Set(float64(j.pending.Add(1)))
	return entry.ID, nil
}

// Ack removes a processed entry. Unknown ids are ignored.
func (j *Journal) Ack(id string) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrJournalClosed
	}

	key := []byte(journalPrefix + id)
	existed := false
	err := j.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existed = true
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("delete journal entry: %w", err)
	}
	if existed {
		metrics.JournalPending.Set(float64(j.pending.Add(-1)))
	}
	return nil
}

// Pending returns every unacknowledged entry, oldest first.
func (j *Journal) Pending(ctx context.Context) ([]JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrJournalClosed
	}

	var entries []JournalEntry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(journalPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var e JournalEntry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				logging.Warn().Err(err).Str("key", string(item.Key())).Msg("Skipping unreadable journal entry")
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}

	// Keys are random, so order by creation time for replay.
	sortEntries(entries)
	return entries, nil
}

// Replay hands every pending entry to fn in creation order and acks the
// ones fn accepts. It returns how many were replayed.
func (j *Journal) Replay(ctx context.Context, fn func(ctx context.Context, e *JournalEntry) error) (int, error) {
	entries, err := j.Pending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range entries {
		if err := fn(ctx, &entries[i]); err != nil {
			return n, fmt.Errorf("replay %s: %w", entries[i].ID, err)
		}
		if err := j.Ack(entries[i].ID); err != nil {
			return n, err
		}
		n++
		metrics.JournalReplayed.Inc()
	}
	if n > 0 {
		logging.Info().Int("replayed", n).Msg("Replayed journalled samples")
	}
	return n, nil
}

// Len is the number of pending entries.
func (j *Journal) Len() int64 {
	return j.pending.Load()
}

// RunGC reclaims value log space.
func (j *Journal) RunGC() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrJournalClosed
	}
	for {
		err := j.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("journal gc: %w", err)
		}
	}
}

// Close closes the journal. It is safe to call twice.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}

func (j *Journal) count() (int64, error) {
	var n int64
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(journalPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count journal: %w", err)
	}
	return n, nil
}

func sortEntries(es []JournalEntry) {
	sort.SliceStable(es, func(a, b int) bool { return es[a].CreatedAt.Before(es[b].CreatedAt) })
}
