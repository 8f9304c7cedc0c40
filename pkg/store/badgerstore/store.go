// Package badgerstore provides a store.Backend on Badger v3 for
// deployments that want a single-directory embedded store without SQL.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/tangowhisky-dev/mls-store/pkg/store"
)

const (
	gcInterval  = 10 * time.Minute
	gcThreshold = 0.5
)

// Store implements store.Backend using Badger. Group state and epoch
// records live under distinct key tags; epoch keys end in a big-endian
// epoch ID so key order equals numeric epoch order.
type Store struct {
	db         *badger.DB
	log        *slog.Logger
	syncWrites bool

	stopCh    chan struct{}
	gcDoneCh  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger; Badger's own chatter is routed through it at
// debug level.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSyncWrites forces an fsync per commit. Slower, but no write is lost
// to a crash.
func WithSyncWrites(sync bool) Option {
	return func(s *Store) { s.syncWrites = sync }
}

// Open opens (or creates) a Badger store in dir and starts the value log
// GC loop.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("badgerstore: dir is required")
	}
	s := &Store{
		log:      slog.Default(),
		stopCh:   make(chan struct{}),
		gcDoneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	bopts := badger.DefaultOptions(dir)
	bopts.Logger = &badgerLogger{log: s.log}
	bopts.SyncWrites = s.syncWrites

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	s.db = db
	go s.gcLoop()

	s.log.Info("badger store opened", "dir", dir, "sync_writes", s.syncWrites)
	return s, nil
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.gcDoneCh
		if err := s.db.Close(); err != nil {
			s.closeErr = fmt.Errorf("close badger: %w", err)
		}
		s.log.Debug("badger store closed")
	})
	return s.closeErr
}

func (s *Store) LoadGroupState(ctx context.Context, groupID []byte) (store.GroupState, bool, error) {
	var (
		rec   store.GroupState
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(groupID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		createdAt, updatedAt, state, err := decodeStateValue(v)
		if err != nil {
			return err
		}
		rec = store.GroupState{
			GroupID:   bytes.Clone(groupID),
			State:     state,
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		}
		found = true
		return nil
	})
	if err != nil {
		return store.GroupState{}, false, fmt.Errorf("load group state: %w", err)
	}
	return rec, found, nil
}

func (s *Store) LoadEpoch(ctx context.Context, groupID []byte, epochID uint64) (store.EpochRecord, bool, error) {
	var (
		rec   store.EpochRecord
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(epochKey(groupID, epochID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		createdAt, data, err := decodeEpochValue(v)
		if err != nil {
			return err
		}
		rec = store.EpochRecord{
			GroupID:   bytes.Clone(groupID),
			EpochID:   epochID,
			Data:      data,
			CreatedAt: createdAt,
		}
		found = true
		return nil
	})
	if err != nil {
		return store.EpochRecord{}, false, fmt.Errorf("load epoch: %w", err)
	}
	return rec, found, nil
}

func (s *Store) ListEpochs(ctx context.Context, groupID []byte) ([]store.EpochRecord, error) {
	prefix := epochPrefix(groupID)
	var out []store.EpochRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != len(prefix)+8 {
				return fmt.Errorf("malformed epoch key: %d bytes", len(key))
			}
			epochID := binary.BigEndian.Uint64(key[len(prefix):])
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			createdAt, data, err := decodeEpochValue(v)
			if err != nil {
				return err
			}
			out = append(out, store.EpochRecord{
				GroupID:   bytes.Clone(groupID),
				EpochID:   epochID,
				Data:      data,
				CreatedAt: createdAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	return out, nil
}

func (s *Store) MaxEpochID(ctx context.Context, groupID []byte) (uint64, bool, error) {
	prefix := epochPrefix(groupID)
	var (
		max   uint64
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Keys sort by big-endian epoch ID, so the last one wins.
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) != len(prefix)+8 {
				return fmt.Errorf("malformed epoch key: %d bytes", len(key))
			}
			max = binary.BigEndian.Uint64(key[len(prefix):])
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("max epoch id: %w", err)
	}
	return max, found, nil
}

// Apply writes the whole batch inside one Badger update transaction.
// Existing rows keep their original CreatedAt.
func (s *Store) Apply(ctx context.Context, batch store.WriteBatch) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		sk := stateKey(batch.GroupID)
		createdAt := batch.StateCreatedAt
		if prev, err := existingCreatedAt(txn, sk); err != nil {
			return err
		} else if !prev.IsZero() {
			createdAt = prev
		}
		if err := txn.Set(sk, encodeStateValue(createdAt, batch.StateUpdatedAt, batch.State)); err != nil {
			return err
		}
		for _, ep := range batch.Epochs {
			ek := epochKey(batch.GroupID, ep.EpochID)
			epCreated := ep.CreatedAt
			if prev, err := existingCreatedAt(txn, ek); err != nil {
				return err
			} else if !prev.IsZero() {
				epCreated = prev
			}
			if err := txn.Set(ek, encodeEpochValue(epCreated, ep.Data)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}
	return nil
}

func (s *Store) PruneEpochs(ctx context.Context, groupID []byte, keepLastN int) (int, error) {
	prefix := epochPrefix(groupID)
	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		// Ascending key order; dropping from the front keeps the
		// keepLastN highest epoch IDs.
		toRemove := len(keys) - keepLastN
		for i := 0; i < toRemove; i++ {
			if err := txn.Delete(keys[i]); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune epochs: %w", err)
	}
	if removed > 0 {
		s.log.Debug("epochs pruned", "removed", removed, "keep", keepLastN)
	}
	return removed, nil
}

func (s *Store) DeleteGroup(ctx context.Context, groupID []byte) error {
	prefix := epochPrefix(groupID)
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(stateKey(groupID)); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

func (s *Store) GroupIDs(ctx context.Context) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{tagGroupState}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			groupID, err := groupIDFromStateKey(it.Item().Key())
			if err != nil {
				return err
			}
			out = append(out, groupID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list group ids: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var st store.Stats
	err := s.db.View(func(txn *badger.Txn) error {
		for _, tag := range []byte{tagGroupState, tagEpoch} {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte{tag}
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)

			var n int64
			for it.Rewind(); it.Valid(); it.Next() {
				n++
			}
			it.Close()

			if tag == tagGroupState {
				st.Groups = n
			} else {
				st.Epochs = n
			}
		}
		return nil
	})
	if err != nil {
		return store.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

func existingCreatedAt(txn *badger.Txn, key []byte) (time.Time, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	var created time.Time
	err = item.Value(func(v []byte) error {
		if len(v) < 8 {
			return fmt.Errorf("short value: %d bytes", len(v))
		}
		created = time.Unix(0, int64(binary.BigEndian.Uint64(v[:8]))).UTC()
		return nil
	})
	return created, err
}

// gcLoop periodically reclaims value log space until Badger reports there
// is nothing left to rewrite.
func (s *Store) gcLoop() {
	defer close(s.gcDoneCh)

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(gcThreshold)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.log.Error("value log gc failed", "error", err)
					}
					break
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface. Badger is
// chatty, so everything lands at debug except real errors.
type badgerLogger struct {
	log *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
