// Package store persists the durable state of a secure group-messaging
// client: one opaque state blob per group plus per-epoch keying material.
// Implementations must provide identical semantics across backends so a
// store can move between SQLite, PostgreSQL and Badger without behavior
// differences.
package store

import (
	"context"
	"time"
)

// GroupState is the persisted representation of a group's current state.
// State is opaque to the store and fully replaced on every write.
type GroupState struct {
	GroupID   []byte
	State     []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EpochRecord holds the keying material for one epoch of a group.
// (GroupID, EpochID) is the unique key; epoch IDs are caller-assigned and
// need not be contiguous.
type EpochRecord struct {
	GroupID   []byte
	EpochID   uint64
	Data      []byte
	CreatedAt time.Time
}

// Stats reports store-wide totals.
type Stats struct {
	Groups int64
	Epochs int64
}

// WriteBatch is one atomic write: the group's replacement state plus zero or
// more epoch upserts, applied in list order. Timestamps are filled by the
// engine; on upsert of an existing row the original CreatedAt is kept and,
// for the state row, UpdatedAt advances.
type WriteBatch struct {
	GroupID        []byte
	State          []byte
	StateCreatedAt time.Time
	StateUpdatedAt time.Time
	Epochs         []EpochRecord
}

// Backend is the swappable persistence layer beneath the engine.
//
// Absence is not an error: lookups report it through the ok result, never
// through err. Apply must be all-or-nothing; a failed batch leaves nothing
// visible. Implementations must copy blob arguments on write and return
// fresh slices on read, never aliases of caller or internal memory.
type Backend interface {
	// LoadGroupState returns the stored state record for the group.
	LoadGroupState(ctx context.Context, groupID []byte) (GroupState, bool, error)
	// LoadEpoch returns the record for one epoch of the group.
	LoadEpoch(ctx context.Context, groupID []byte, epochID uint64) (EpochRecord, bool, error)
	// ListEpochs returns every epoch of the group in ascending epoch ID order.
	ListEpochs(ctx context.Context, groupID []byte) ([]EpochRecord, error)
	// MaxEpochID returns the highest stored epoch ID for the group.
	MaxEpochID(ctx context.Context, groupID []byte) (uint64, bool, error)
	// Apply atomically upserts the group state and every epoch in the batch.
	Apply(ctx context.Context, batch WriteBatch) error
	// PruneEpochs keeps the keepLastN highest epoch IDs and deletes the
	// rest, returning the number removed. The state row is untouched.
	PruneEpochs(ctx context.Context, groupID []byte, keepLastN int) (int, error)
	// DeleteGroup removes the group's state and all its epochs. Deleting an
	// unknown group is not an error.
	DeleteGroup(ctx context.Context, groupID []byte) error
	// GroupIDs enumerates every group with stored state.
	GroupIDs(ctx context.Context) ([][]byte, error)
	// Stats counts groups and epoch records across the whole store.
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
