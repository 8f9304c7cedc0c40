// Package memstore provides an in-memory store.Backend for tests and
// ephemeral deployments. Nothing survives process exit.
package memstore

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tangowhisky-dev/mls-store/pkg/store"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("memstore: store closed")

type epochEntry struct {
	data      []byte
	createdAt time.Time
}

type groupEntry struct {
	state     []byte
	createdAt time.Time
	updatedAt time.Time
	epochs    map[uint64]epochEntry
}

// Store is an in-memory Backend implementation. All blobs are copied on the
// way in and on the way out so callers never share memory with the store.
type Store struct {
	mu     sync.RWMutex
	groups map[string]*groupEntry
	closed bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{groups: make(map[string]*groupEntry)}
}

func (s *Store) LoadGroupState(ctx context.Context, groupID []byte) (store.GroupState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.GroupState{}, false, ErrClosed
	}
	g, ok := s.groups[string(groupID)]
	if !ok {
		return store.GroupState{}, false, nil
	}
	rec := store.GroupState{
		GroupID:   bytes.Clone(groupID),
		State:     bytes.Clone(g.state),
		CreatedAt: g.createdAt,
		UpdatedAt: g.updatedAt,
	}
	return rec, true, nil
}

func (s *Store) LoadEpoch(ctx context.Context, groupID []byte, epochID uint64) (store.EpochRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.EpochRecord{}, false, ErrClosed
	}
	g, ok := s.groups[string(groupID)]
	if !ok {
		return store.EpochRecord{}, false, nil
	}
	e, ok := g.epochs[epochID]
	if !ok {
		return store.EpochRecord{}, false, nil
	}
	rec := store.EpochRecord{
		GroupID:   bytes.Clone(groupID),
		EpochID:   epochID,
		Data:      bytes.Clone(e.data),
		CreatedAt: e.createdAt,
	}
	return rec, true, nil
}

func (s *Store) ListEpochs(ctx context.Context, groupID []byte) ([]store.EpochRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	g, ok := s.groups[string(groupID)]
	if !ok {
		return nil, nil
	}
	out := make([]store.EpochRecord, 0, len(g.epochs))
	for id, e := range g.epochs {
		out = append(out, store.EpochRecord{
			GroupID:   bytes.Clone(groupID),
			EpochID:   id,
			Data:      bytes.Clone(e.data),
			CreatedAt: e.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EpochID < out[j].EpochID })
	return out, nil
}

func (s *Store) MaxEpochID(ctx context.Context, groupID []byte) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false, ErrClosed
	}
	g, ok := s.groups[string(groupID)]
	if !ok || len(g.epochs) == 0 {
		return 0, false, nil
	}
	var max uint64
	for id := range g.epochs {
		if id > max {
			max = id
		}
	}
	return max, true, nil
}

// Apply holds the write lock for the whole batch, so the batch is visible
// all-or-nothing to concurrent readers.
func (s *Store) Apply(ctx context.Context, batch store.WriteBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	key := string(batch.GroupID)
	g, ok := s.groups[key]
	if !ok {
		g = &groupEntry{createdAt: batch.StateCreatedAt, epochs: make(map[uint64]epochEntry)}
		s.groups[key] = g
	}
	g.state = bytes.Clone(batch.State)
	g.updatedAt = batch.StateUpdatedAt
	for _, e := range batch.Epochs {
		createdAt := e.CreatedAt
		if cur, exists := g.epochs[e.EpochID]; exists {
			createdAt = cur.createdAt
		}
		g.epochs[e.EpochID] = epochEntry{data: bytes.Clone(e.Data), createdAt: createdAt}
	}
	return nil
}

func (s *Store) PruneEpochs(ctx context.Context, groupID []byte, keepLastN int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	g, ok := s.groups[string(groupID)]
	if !ok || len(g.epochs) <= keepLastN {
		return 0, nil
	}
	ids := make([]uint64, 0, len(g.epochs))
	for id := range g.epochs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	removed := 0
	for _, id := range ids[keepLastN:] {
		delete(g.epochs, id)
		removed++
	}
	return removed, nil
}

func (s *Store) DeleteGroup(ctx context.Context, groupID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.groups, string(groupID))
	return nil
}

func (s *Store) GroupIDs(ctx context.Context) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([][]byte, 0, len(s.groups))
	for key := range s.groups {
		out = append(out, []byte(key))
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Stats{}, ErrClosed
	}
	st := store.Stats{Groups: int64(len(s.groups))}
	for _, g := range s.groups {
		st.Epochs += int64(len(g.epochs))
	}
	return st, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.groups = nil
	return nil
}
