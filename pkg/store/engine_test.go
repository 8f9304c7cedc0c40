package store_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tangowhisky-dev/mls-store/pkg/errmodel"
	"github.com/tangowhisky-dev/mls-store/pkg/store"
	"github.com/tangowhisky-dev/mls-store/pkg/store/memstore"
)

func newEngine(t *testing.T, opts ...store.EngineOption) *store.Engine {
	t.Helper()
	e := store.NewEngine(memstore.New(), opts...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func epoch(id uint64, data string) store.EpochRecord {
	return store.EpochRecord{EpochID: id, Data: []byte(data)}
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := t.Context()
	e := newEngine(t)

	gid := []byte("g1")
	if err := e.Write(ctx, gid, []byte("s1"), []store.EpochRecord{epoch(1, "e1")}, nil); err != nil {
		t.Fatal(err)
	}
	got, err := e.State(ctx, gid)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("s1")) {
		t.Fatalf("state=%q want %q", got, "s1")
	}
	ep, err := e.Epoch(ctx, gid, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ep, []byte("e1")) {
		t.Fatalf("epoch=%q want %q", ep, "e1")
	}
}

func TestReadUnknownGroupIsNil(t *testing.T) {
	ctx := t.Context()
	e := newEngine(t)

	got, err := e.State(ctx, []byte("nobody"))
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("state=%q want nil", got)
	}
	ep, err := e.Epoch(ctx, []byte("nobody"), 7)
	if err != nil {
		t.Fatal(err)
	}
	if ep != nil {
		t.Fatalf("epoch=%q want nil", ep)
	}
	if _, ok, err := e.MaxEpochID(ctx, []byte("nobody")); err != nil || ok {
		t.Fatalf("max: ok=%v err=%v, want absent", ok, err)
	}
}

func TestMaxEpochIDOutOfOrderInserts(t *testing.T) {
	ctx := t.Context()
	e := newEngine(t)

	gid := []byte("g1")
	err := e.Write(ctx, gid, []byte("s"), []store.EpochRecord{
		epoch(1, "e1"), epoch(3, "e3"), epoch(2, "e2"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	id, ok, err := e.MaxEpochID(ctx, gid)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || id != 3 {
		t.Fatalf("max=%d ok=%v want 3 true", id, ok)
	}
}

func TestMaxEpochIDStateWithoutEpochs(t *testing.T) {
	ctx := t.Context()
	e := newEngine(t)

	if err := e.Write(ctx, []byte("g1"), []byte("s"), nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := e.MaxEpochID(ctx, []byte("g1")); err != nil || ok {
		t.Fatalf("ok=%v err=%v, want absent for zero epochs", ok, err)
	}
}

func TestUpdateOverwritesEpochData(t *testing.T) {
	ctx := t.Context()
	e := newEngine(t)

	gid := []byte("g1")
	if err := e.Write(ctx, gid, []byte("s1"), []store.EpochRecord{epoch(1, "old")}, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.Write(ctx, gid, []byte("s2"), nil, []store.EpochRecord{epoch(1, "new")}); err != nil {
		t.Fatal(err)
	}
	got, err := e.Epoch(ctx, gid, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("new")) {
		t.Fatalf("epoch=%q want %q", got, "new")
	}
}

func TestPruneKeepsHighestEpochIDs(t *testing.T) {
	ctx := t.Context()
	e := newEngine(t)

	gid := []byte("g1")
	var inserts []store.EpochRecord
	for i := uint64(1); i <= 20; i++ {
		inserts = append(inserts, epoch(i, fmt.Sprintf("e%d", i)))
	}
	if err := e.Write(ctx, gid, []byte("s"), inserts, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.Prune(ctx, gid, 10); err != nil {
		t.Fatal(err)
	}
	for i := uint64(1); i <= 10; i++ {
		if ep, err := e.Epoch(ctx, gid, i); err != nil || ep != nil {
			t.Fatalf("epoch %d should be pruned, got %q err=%v", i, ep, err)
		}
	}
	for i := uint64(11); i <= 20; i++ {
		ep, err := e.Epoch(ctx, gid, i)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(ep, []byte(fmt.Sprintf("e%d", i))) {
			t.Fatalf("epoch %d=%q", i, ep)
		}
	}
	// State row is untouched, and pruning again is a no-op.
	if st, err := e.State(ctx, gid); err != nil || st == nil {
		t.Fatalf("state gone after prune: %q err=%v", st, err)
	}
	if err := e.Prune(ctx, gid, 10); err != nil {
		t.Fatal(err)
	}
	if id, ok, _ := e.MaxEpochID(ctx, gid); !ok || id != 20 {
		t.Fatalf("max=%d ok=%v want 20 true", id, ok)
	}
}

func TestPruneKeepZeroRemovesAllEpochs(t *testing.T) {
	ctx := t.Context()
	e := newEngine(t)

	gid := []byte("g1")
	if err := e.Write(ctx, gid, []byte("s"), []store.EpochRecord{epoch(1, "a"), epoch(2, "b")}, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.Prune(ctx, gid, 0); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := e.MaxEpochID(ctx, gid); ok {
		t.Fatal("epochs remain after keep=0 prune")
	}
	if st, _ := e.State(ctx, gid); st == nil {
		t.Fatal("state removed by prune")
	}
}

func TestPruneNegativeKeepRejected(t *testing.T) {
	e := newEngine(t)
	err := e.Prune(t.Context(), []byte("g1"), -1)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errmodel.IsCategory(err, errmodel.CategoryValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestDeleteGroupLeavesOthersAlone(t *testing.T) {
	ctx := t.Context()
	e := newEngine(t)

	for _, g := range []string{"g1", "g2"} {
		if err := e.Write(ctx, []byte(g), []byte("s-"+g), []store.EpochRecord{epoch(1, "e-"+g)}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.DeleteGroup(ctx, []byte("g1")); err != nil {
		t.Fatal(err)
	}
	if st, _ := e.State(ctx, []byte("g1")); st != nil {
		t.Fatalf("g1 state survived delete: %q", st)
	}
	if ep, _ := e.Epoch(ctx, []byte("g1"), 1); ep != nil {
		t.Fatalf("g1 epoch survived delete: %q", ep)
	}
	if _, ok, _ := e.MaxEpochID(ctx, []byte("g1")); ok {
		t.Fatal("g1 max survived delete")
	}
	st, err := e.State(ctx, []byte("g2"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(st, []byte("s-g2")) {
		t.Fatalf("g2 state=%q", st)
	}
	// Idempotent.
	if err := e.DeleteGroup(ctx, []byte("g1")); err != nil {
		t.Fatal(err)
	}
}

func TestWriteScenarioTwoSteps(t *testing.T) {
	ctx := t.Context()
	e := newEngine(t)

	gid := []byte("g1")
	if err := e.Write(ctx, gid, []byte("s1"), []store.EpochRecord{epoch(1, "e1"), epoch(2, "e2")}, nil); err != nil {
		t.Fatal(err)
	}
	if id, ok, _ := e.MaxEpochID(ctx, gid); !ok || id != 2 {
		t.Fatalf("max=%d ok=%v want 2 true", id, ok)
	}
	if ep, _ := e.Epoch(ctx, gid, 1); !bytes.Equal(ep, []byte("e1")) {
		t.Fatalf("epoch1=%q", ep)
	}

	err := e.Write(ctx, gid, []byte("s2"),
		[]store.EpochRecord{epoch(3, "e3")},
		[]store.EpochRecord{epoch(1, "e1-updated")})
	if err != nil {
		t.Fatal(err)
	}
	if st, _ := e.State(ctx, gid); !bytes.Equal(st, []byte("s2")) {
		t.Fatalf("state=%q want s2", st)
	}
	if ep, _ := e.Epoch(ctx, gid, 1); !bytes.Equal(ep, []byte("e1-updated")) {
		t.Fatalf("epoch1=%q want e1-updated", ep)
	}
	if id, ok, _ := e.MaxEpochID(ctx, gid); !ok || id != 3 {
		t.Fatalf("max=%d ok=%v want 3 true", id, ok)
	}
}

func TestListGroupsAndStats(t *testing.T) {
	ctx := t.Context()
	e := newEngine(t)

	for _, g := range []string{"g1", "g2"} {
		if err := e.Write(ctx, []byte(g), []byte("s"), []store.EpochRecord{epoch(1, "e")}, nil); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := e.ListGroups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := [][]byte{[]byte("g1"), []byte("g2")}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("groups mismatch (-want +got):\n%s", diff)
	}
	st, err := e.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Groups != 2 || st.Epochs != 2 {
		t.Fatalf("stats=%+v want 2 groups, 2 epochs", st)
	}
}

func TestWriteRejectsEmptyGroupID(t *testing.T) {
	e := newEngine(t)
	err := e.Write(t.Context(), nil, []byte("s"), nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errmodel.IsCategory(err, errmodel.CategoryValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestWriteRejectsOverlappingBatches(t *testing.T) {
	e := newEngine(t)
	err := e.Write(t.Context(), []byte("g1"), []byte("s"),
		[]store.EpochRecord{epoch(1, "a"), epoch(2, "b")},
		[]store.EpochRecord{epoch(2, "c")})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errmodel.IsCategory(err, errmodel.CategoryValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
	// Nothing applied.
	if st, _ := e.State(t.Context(), []byte("g1")); st != nil {
		t.Fatalf("state visible after rejected write: %q", st)
	}
}

func TestConcurrentWritersOneWinner(t *testing.T) {
	ctx := t.Context()
	e := newEngine(t)

	gid := []byte("g1")
	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			state := []byte(fmt.Sprintf("state-%d", n))
			inserts := []store.EpochRecord{
				{EpochID: uint64(100 + n), Data: []byte(fmt.Sprintf("epoch-%d", n))},
			}
			if err := e.Write(ctx, gid, state, inserts, nil); err != nil {
				t.Errorf("writer %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	// The final state is exactly one of the attempts, and that attempt's
	// epoch was committed with it.
	st, err := e.State(ctx, gid)
	if err != nil {
		t.Fatal(err)
	}
	var n int
	if _, err := fmt.Sscanf(string(st), "state-%d", &n); err != nil {
		t.Fatalf("state %q is not one of the attempted writes", st)
	}
	ep, err := e.Epoch(ctx, gid, uint64(100+n))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ep, []byte(fmt.Sprintf("epoch-%d", n))) {
		t.Fatalf("winner's epoch=%q want epoch-%d", ep, n)
	}
}

func TestWriteClockAndTimestamps(t *testing.T) {
	ctx := t.Context()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	backend := memstore.New()
	e := store.NewEngine(backend, store.WithClock(func() time.Time { return now }))
	t.Cleanup(func() { _ = e.Close() })

	gid := []byte("g1")
	if err := e.Write(ctx, gid, []byte("s1"), []store.EpochRecord{epoch(1, "e1")}, nil); err != nil {
		t.Fatal(err)
	}
	now = t0.Add(time.Hour)
	if err := e.Write(ctx, gid, []byte("s2"), nil, []store.EpochRecord{epoch(1, "e1b")}); err != nil {
		t.Fatal(err)
	}

	gs, ok, err := backend.LoadGroupState(ctx, gid)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if !gs.CreatedAt.Equal(t0) {
		t.Fatalf("CreatedAt=%v want %v (must survive the second write)", gs.CreatedAt, t0)
	}
	if !gs.UpdatedAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("UpdatedAt=%v want %v", gs.UpdatedAt, t0.Add(time.Hour))
	}
	ep, ok, err := backend.LoadEpoch(ctx, gid, 1)
	if err != nil || !ok {
		t.Fatalf("load epoch: ok=%v err=%v", ok, err)
	}
	if !ep.CreatedAt.Equal(t0) {
		t.Fatalf("epoch CreatedAt=%v want %v (upsert keeps original)", ep.CreatedAt, t0)
	}
}

type failingBackend struct {
	store.Backend
}

func (f *failingBackend) Apply(ctx context.Context, batch store.WriteBatch) error {
	return errors.New("disk full")
}

func TestWriteBackendErrorLeavesNothingVisible(t *testing.T) {
	ctx := t.Context()
	inner := memstore.New()
	e := store.NewEngine(inner)
	t.Cleanup(func() { _ = e.Close() })

	gid := []byte("g1")
	if err := e.Write(ctx, gid, []byte("good"), nil, nil); err != nil {
		t.Fatal(err)
	}

	broken := store.NewEngine(&failingBackend{Backend: inner})
	err := broken.Write(ctx, gid, []byte("bad"), []store.EpochRecord{epoch(9, "x")}, nil)
	if err == nil {
		t.Fatal("expected backend error")
	}
	st, err := e.State(ctx, gid)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(st, []byte("good")) {
		t.Fatalf("state=%q, failed write leaked", st)
	}
	if ep, _ := e.Epoch(ctx, gid, 9); ep != nil {
		t.Fatalf("epoch from failed write visible: %q", ep)
	}
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	e := store.NewEngine(memstore.New())
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Write(t.Context(), []byte("g"), []byte("s"), nil, nil); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
	if _, err := e.State(t.Context(), []byte("g")); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
	// Close is idempotent.
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterMetricsCounts(t *testing.T) {
	ctx := t.Context()
	e := newEngine(t)
	reg := prometheus.NewRegistry()
	if err := e.RegisterMetrics(reg); err != nil {
		t.Fatal(err)
	}

	if err := e.Write(ctx, []byte("g1"), []byte("s"), []store.EpochRecord{epoch(1, "a"), epoch(2, "b")}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Stats(ctx); err != nil {
		t.Fatal(err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				got[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				got[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	if got["mls_store_writes_total"] != 1 {
		t.Fatalf("writes_total=%v want 1", got["mls_store_writes_total"])
	}
	if got["mls_store_epoch_upserts_total"] != 2 {
		t.Fatalf("epoch_upserts_total=%v want 2", got["mls_store_epoch_upserts_total"])
	}
	if got["mls_store_groups"] != 1 {
		t.Fatalf("groups gauge=%v want 1", got["mls_store_groups"])
	}
}
