package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tangowhisky-dev/mls-store/pkg/errmodel"
)

// ErrClosed is returned by every engine operation after Close.
var ErrClosed = errors.New("store: engine closed")

// Engine is the single entry point the protocol layer talks to. It validates
// write batches, fills engine-maintained timestamps, and serializes every
// operation, reads included, through one mutex so a reader can never observe
// a half-applied write.
type Engine struct {
	mu      sync.Mutex
	backend Backend
	log     *slog.Logger
	now     func() time.Time
	metrics *engineMetrics
	closed  bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger for engine events.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides the timestamp source. Tests use this to pin
// CreatedAt/UpdatedAt values.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine wraps a backend in an engine.
func NewEngine(b Backend, opts ...EngineOption) *Engine {
	e := &Engine{backend: b, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Write replaces the group's state and upserts the given epochs in one
// atomic batch: state first, then inserts, then updates, each in list order.
// Inserts and updates both carry upsert semantics; the split only expresses
// caller intent, and an epoch ID present in both lists is rejected rather
// than silently resolved.
func (e *Engine) Write(ctx context.Context, groupID, state []byte, inserts, updates []EpochRecord) error {
	tr := otel.Tracer("store/engine")
	ctx, span := tr.Start(ctx, "Engine.Write", trace.WithAttributes(
		attribute.String("group.id", groupAttr(groupID)),
		attribute.Int("epochs.inserts", len(inserts)),
		attribute.Int("epochs.updates", len(updates)),
	))
	defer span.End()

	if err := validateWrite(groupID, inserts, updates); err != nil {
		span.RecordError(err)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	now := e.now().UTC()
	batch := WriteBatch{
		GroupID:        bytes.Clone(groupID),
		State:          cloneOrEmpty(state),
		StateCreatedAt: now,
		StateUpdatedAt: now,
		Epochs:         make([]EpochRecord, 0, len(inserts)+len(updates)),
	}
	for _, list := range [2][]EpochRecord{inserts, updates} {
		for _, ep := range list {
			batch.Epochs = append(batch.Epochs, EpochRecord{
				GroupID:   batch.GroupID,
				EpochID:   ep.EpochID,
				Data:      cloneOrEmpty(ep.Data),
				CreatedAt: now,
			})
		}
	}
	if err := e.backend.Apply(ctx, batch); err != nil {
		span.RecordError(err)
		e.metrics.observeWrite(0, err)
		return fmt.Errorf("write group: %w", err)
	}
	e.metrics.observeWrite(len(batch.Epochs), nil)
	return nil
}

// State returns the group's current state blob, or nil when the group is
// unknown. Absence is not an error.
func (e *Engine) State(ctx context.Context, groupID []byte) ([]byte, error) {
	tr := otel.Tracer("store/engine")
	ctx, span := tr.Start(ctx, "Engine.State", trace.WithAttributes(
		attribute.String("group.id", groupAttr(groupID)),
	))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	rec, ok, err := e.backend.LoadGroupState(ctx, groupID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read state: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return rec.State, nil
}

// Epoch returns the keying material stored for one epoch, or nil when
// absent.
func (e *Engine) Epoch(ctx context.Context, groupID []byte, epochID uint64) ([]byte, error) {
	tr := otel.Tracer("store/engine")
	ctx, span := tr.Start(ctx, "Engine.Epoch", trace.WithAttributes(
		attribute.String("group.id", groupAttr(groupID)),
		attribute.Int64("epoch.id", int64(epochID)),
	))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	rec, ok, err := e.backend.LoadEpoch(ctx, groupID, epochID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read epoch: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return rec.Data, nil
}

// MaxEpochID returns the highest epoch ID stored for the group. ok is false
// only when the group has no epoch records at all.
func (e *Engine) MaxEpochID(ctx context.Context, groupID []byte) (uint64, bool, error) {
	tr := otel.Tracer("store/engine")
	ctx, span := tr.Start(ctx, "Engine.MaxEpochID", trace.WithAttributes(
		attribute.String("group.id", groupAttr(groupID)),
	))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, false, ErrClosed
	}
	id, ok, err := e.backend.MaxEpochID(ctx, groupID)
	if err != nil {
		span.RecordError(err)
		return 0, false, fmt.Errorf("max epoch id: %w", err)
	}
	return id, ok, nil
}

// Prune keeps the keepLastN highest epoch IDs of the group and removes the
// rest. Ranking is by epoch ID value, not write recency. The group's state
// row is never touched; pruning an unknown group is a no-op, and
// keepLastN=0 removes every epoch.
func (e *Engine) Prune(ctx context.Context, groupID []byte, keepLastN int) error {
	tr := otel.Tracer("store/engine")
	ctx, span := tr.Start(ctx, "Engine.Prune", trace.WithAttributes(
		attribute.String("group.id", groupAttr(groupID)),
		attribute.Int("epochs.keep", keepLastN),
	))
	defer span.End()

	if keepLastN < 0 {
		err := errmodel.Validation("negative_keep", "keepLastN must not be negative",
			map[string]any{"keep_last_n": keepLastN})
		span.RecordError(err)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	removed, err := e.backend.PruneEpochs(ctx, groupID, keepLastN)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("prune epochs: %w", err)
	}
	span.SetAttributes(attribute.Int("epochs.removed", removed))
	if removed > 0 {
		e.log.Info("epochs pruned", "group", groupAttr(groupID), "removed", removed, "keep", keepLastN)
	}
	e.metrics.observePrune(removed)
	return nil
}

// DeleteGroup removes the group's state and every epoch record. Deleting an
// unknown group is a no-op.
func (e *Engine) DeleteGroup(ctx context.Context, groupID []byte) error {
	tr := otel.Tracer("store/engine")
	ctx, span := tr.Start(ctx, "Engine.DeleteGroup", trace.WithAttributes(
		attribute.String("group.id", groupAttr(groupID)),
	))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err := e.backend.DeleteGroup(ctx, groupID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete group: %w", err)
	}
	e.log.Info("group deleted", "group", groupAttr(groupID))
	e.metrics.observeDelete()
	return nil
}

// ListGroups enumerates every group ID with stored state.
func (e *Engine) ListGroups(ctx context.Context) ([][]byte, error) {
	tr := otel.Tracer("store/engine")
	ctx, span := tr.Start(ctx, "Engine.ListGroups")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	ids, err := e.backend.GroupIDs(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return ids, nil
}

// Stats reports store-wide totals.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	tr := otel.Tracer("store/engine")
	ctx, span := tr.Start(ctx, "Engine.Stats")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Stats{}, ErrClosed
	}
	st, err := e.backend.Stats(ctx)
	if err != nil {
		span.RecordError(err)
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	e.metrics.observeTotals(st)
	return st, nil
}

// Close closes the engine and its backend. Further operations return
// ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.backend.Close()
	e.log.Debug("engine closed")
	return err
}

func validateWrite(groupID []byte, inserts, updates []EpochRecord) error {
	if len(groupID) == 0 {
		return errmodel.Validation("empty_group_id", "group id must not be empty", nil)
	}
	if len(inserts) == 0 || len(updates) == 0 {
		return nil
	}
	seen := make(map[uint64]struct{}, len(inserts))
	for _, ep := range inserts {
		seen[ep.EpochID] = struct{}{}
	}
	for _, ep := range updates {
		if _, dup := seen[ep.EpochID]; dup {
			return errmodel.Validation("epoch_conflict",
				fmt.Sprintf("epoch %d appears in both inserts and updates", ep.EpochID),
				map[string]any{"epoch_id": ep.EpochID})
		}
	}
	return nil
}

// cloneOrEmpty copies b, mapping nil to an empty slice so backends with
// NOT NULL blob columns store the same value everywhere.
func cloneOrEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return bytes.Clone(b)
}

func groupAttr(groupID []byte) string {
	return base64.RawStdEncoding.EncodeToString(groupID)
}
