package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/syncd/internal/events"
	"github.com/SirClappington/syncd/internal/mapping"
	"github.com/SirClappington/syncd/internal/registry"
	"github.com/SirClappington/syncd/internal/retention"
	"github.com/SirClappington/syncd/internal/source"
	"github.com/SirClappington/syncd/internal/store"
)

var testMappings = mapping.Set{
	"companies": {
		Resource: "companies",
		Path:     "objects/companies",
		Table:    "hubspot.company",
		IDColumn: "id",
		Fields: []mapping.Field{
			{Property: "name", Column: "property_name", Type: mapping.TypeString},
		},
	},
	"contacts": {
		Resource: "contacts",
		Path:     "objects/contacts",
		Table:    "hubspot.contact",
		IDColumn: "id",
		Fields: []mapping.Field{
			{Property: "email", Column: "property_email", Type: mapping.TypeString},
		},
	},
}

// fakeFetcher serves a fixed page sequence and records each request.
type fakeFetcher struct {
	mu       sync.Mutex
	pages    []*source.Page
	requests []int // pageSize of each call
	err      error
	block    chan struct{} // when set, Fetch waits before returning
	call     int
}

func (f *fakeFetcher) Fetch(_ context.Context, _, _ string, pageSize int, _ []string) (*source.Page, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, pageSize)
	if f.err != nil {
		return nil, f.err
	}
	if f.call >= len(f.pages) {
		return &source.Page{}, nil
	}
	p := f.pages[f.call]
	f.call++
	if len(p.Records) > pageSize {
		return &source.Page{Records: p.Records[:pageSize], Next: p.Next}, nil
	}
	return p, nil
}

// fakeDB mirrors the transactional fake in the store tests so the
// engine runs against the real Writer.
type fakeDB struct {
	rows   map[string][]any
	failOn map[string]bool
}

func newFakeDB(failOn ...string) *fakeDB {
	f := &fakeDB{rows: map[string][]any{}, failOn: map[string]bool{}}
	for _, id := range failOn {
		f.failOn[id] = true
	}
	return f
}

func (f *fakeDB) Begin(context.Context) (store.Tx, error) {
	return &fakeTx{db: f, staged: map[string][]any{}}, nil
}

type fakeTx struct {
	db     *fakeDB
	staged map[string][]any
}

func (t *fakeTx) Exec(_ context.Context, _ string, args ...any) error {
	id := args[0].(string)
	if t.db.failOn[id] {
		return errors.New("duplicate key value violates unique constraint")
	}
	t.staged[id] = args
	return nil
}

func (t *fakeTx) Commit(context.Context) error {
	for id, args := range t.staged {
		t.db.rows[id] = args
	}
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.staged = map[string][]any{}
	return nil
}

func pageOf(next string, from, to int) *source.Page {
	p := &source.Page{Next: next}
	for i := from; i <= to; i++ {
		p.Records = append(p.Records, source.Record{
			ID:         fmt.Sprintf("%d", i),
			Properties: map[string]any{"name": fmt.Sprintf("company-%d", i)},
		})
	}
	return p
}

type fixture struct {
	engine *Engine
	reg    *registry.Registry
	bus    *events.Bus
	db     *fakeDB
	fetch  *fakeFetcher
}

func newFixture(t *testing.T, fetch *fakeFetcher, db *fakeDB, opts Options) *fixture {
	t.Helper()
	log := zap.NewNop()
	reg := registry.New(log)
	bus := events.New(reg, events.Options{}, log)
	w := store.NewWriter(db, log)
	return &fixture{
		engine: New(testMappings, fetch, w, reg, bus, retention.Noop{}, opts, log),
		reg:    reg,
		bus:    bus,
		db:     db,
		fetch:  fetch,
	}
}

// Scenario from the sync contract: 30 records across pages of 25 and
// 5, batch size 25, record 12 violates a unique constraint. Batch 1
// rolls back entirely, batch 2 commits, and the job still completes.
func TestSyncPartialBatchFailure(t *testing.T) {
	fetch := &fakeFetcher{pages: []*source.Page{
		pageOf("cursor-2", 1, 25),
		pageOf("", 26, 30),
	}}
	db := newFakeDB("12")
	fx := newFixture(t, fetch, db, Options{PageSize: 25, BatchSize: 25})

	require.NoError(t, fx.engine.StartSync("companies", 0))
	fx.engine.Wait()

	st, ok := fx.reg.Status("companies")
	require.True(t, ok)
	assert.Equal(t, registry.StateCompleted, st.State, "batch failure is not fatal to the job")
	assert.Equal(t, 5, st.Processed)
	assert.Equal(t, 25, st.Failed)

	assert.Len(t, db.rows, 5, "only the committed batch is persisted")
	for i := 26; i <= 30; i++ {
		assert.Contains(t, db.rows, fmt.Sprintf("%d", i))
	}

	m := fx.bus.MetricsSnapshot()
	assert.Equal(t, 1, m.CompletedToday)
	assert.Equal(t, 5, m.TotalRecordsSynced)
}

func TestSyncAllBatchesCommit(t *testing.T) {
	fetch := &fakeFetcher{pages: []*source.Page{
		pageOf("cursor-2", 1, 25),
		pageOf("", 26, 30),
	}}
	db := newFakeDB()
	fx := newFixture(t, fetch, db, Options{PageSize: 25, BatchSize: 25})

	require.NoError(t, fx.engine.StartSync("companies", 0))
	fx.engine.Wait()

	st, _ := fx.reg.Status("companies")
	assert.Equal(t, registry.StateCompleted, st.State)
	assert.Equal(t, 30, st.Processed)
	assert.Equal(t, 0, st.Failed)
	assert.Len(t, db.rows, 30)
}

func TestSyncDuplicateInvocationRejected(t *testing.T) {
	block := make(chan struct{})
	fetch := &fakeFetcher{pages: []*source.Page{pageOf("", 1, 3)}, block: block}
	fx := newFixture(t, fetch, newFakeDB(), Options{})

	require.NoError(t, fx.engine.StartSync("companies", 0))

	err := fx.engine.StartSync("companies", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrAlreadyRunning))

	// a different resource proceeds concurrently
	assert.NoError(t, fx.engine.StartSync("contacts", 0))

	close(block)
	fx.engine.Wait()

	// both slots are free again
	assert.NoError(t, fx.engine.StartSync("companies", 0))
	fx.engine.Wait()
}

func TestSyncUnknownResource(t *testing.T) {
	fx := newFixture(t, &fakeFetcher{}, newFakeDB(), Options{})
	err := fx.engine.StartSync("widgets", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownResource))
}

func TestSyncFetchFailureIsFatal(t *testing.T) {
	fetch := &fakeFetcher{err: errors.New("status 401: unauthorized")}
	fx := newFixture(t, fetch, newFakeDB(), Options{})

	id, _, ch := fx.bus.Subscribe()
	defer fx.bus.Unsubscribe(id)

	require.NoError(t, fx.engine.StartSync("companies", 0))
	fx.engine.Wait()

	st, _ := fx.reg.Status("companies")
	assert.Equal(t, registry.StateFailed, st.State)
	assert.Equal(t, 0, st.Processed)

	// exactly one error log names the resource and cause, and the
	// terminal status event is not missed
	var sawError, sawTerminal bool
	timeout := time.After(time.Second)
	for !(sawError && sawTerminal) {
		select {
		case ev := <-ch:
			switch ev.Kind {
			case events.KindLog:
				lp := ev.Payload.(events.LogPayload)
				if lp.Level == "ERROR" {
					assert.False(t, sawError, "a fatal fetch produces a single error event")
					assert.Contains(t, lp.Message, "companies")
					assert.Contains(t, lp.Message, "401")
					sawError = true
				}
			case events.KindStatus:
				if ev.Payload.(registry.JobStatus).State == registry.StateFailed {
					sawTerminal = true
				}
			}
		case <-timeout:
			t.Fatalf("missing events: error=%v terminal=%v", sawError, sawTerminal)
		}
	}

	// the slot is acquirable again after the fatal path
	assert.NoError(t, fx.engine.StartSync("companies", 0))
	fx.engine.Wait()
}

func TestSyncLimitTruncatesAtPageBoundary(t *testing.T) {
	fetch := &fakeFetcher{pages: []*source.Page{
		pageOf("cursor-2", 1, 25),
		pageOf("cursor-3", 26, 50),
		pageOf("", 51, 75),
	}}
	db := newFakeDB()
	fx := newFixture(t, fetch, db, Options{PageSize: 25, BatchSize: 25})

	require.NoError(t, fx.engine.StartSync("companies", 30))
	fx.engine.Wait()

	st, _ := fx.reg.Status("companies")
	assert.Equal(t, registry.StateCompleted, st.State)
	assert.Equal(t, 30, st.Processed)
	assert.Len(t, db.rows, 30)

	// the second request asks only for the remainder, and no third
	// page is requested at all
	assert.Equal(t, []int{25, 5}, fetch.requests)
}

// A restart racing the terminal path must not swallow the finished
// job's terminal status: the second run acquires the slot the moment
// it frees, and each run's terminal event still carries its own
// counters and end time.
func TestSyncTerminalEventSurvivesImmediateRestart(t *testing.T) {
	fetch := &fakeFetcher{pages: []*source.Page{pageOf("", 1, 5)}}
	fx := newFixture(t, fetch, newFakeDB(), Options{PageSize: 25, BatchSize: 25})

	id, _, ch := fx.bus.Subscribe()
	defer fx.bus.Unsubscribe(id)

	require.NoError(t, fx.engine.StartSync("companies", 0))

	// re-acquire as soon as the slot frees
	for {
		err := fx.engine.StartSync("companies", 0)
		if err == nil {
			break
		}
		require.True(t, errors.Is(err, registry.ErrAlreadyRunning))
		time.Sleep(time.Millisecond)
	}
	fx.engine.Wait()

	var terminal []registry.JobStatus
	timeout := time.After(2 * time.Second)
	for len(terminal) < 2 {
		select {
		case ev := <-ch:
			if ev.Kind != events.KindStatus {
				continue
			}
			st := ev.Payload.(registry.JobStatus)
			if st.State == registry.StateCompleted || st.State == registry.StateFailed {
				terminal = append(terminal, st)
			}
		case <-timeout:
			t.Fatalf("saw %d terminal events, want 2", len(terminal))
		}
	}

	// first run synced 5 records, the restart found an empty stream;
	// publish order across the two goroutines is not fixed
	processed := []int{terminal[0].Processed, terminal[1].Processed}
	assert.ElementsMatch(t, []int{5, 0}, processed)
	for _, st := range terminal {
		assert.Equal(t, registry.StateCompleted, st.State)
		require.NotNil(t, st.EndedAt)
	}
	assert.NotEqual(t, terminal[0].ID, terminal[1].ID)
}

func TestSyncBatchesWrittenInFetchOrder(t *testing.T) {
	fetch := &fakeFetcher{pages: []*source.Page{
		pageOf("c2", 1, 10),
		pageOf("", 11, 20),
	}}
	db := newFakeDB()

	log := zap.NewNop()
	reg := registry.New(log)
	bus := events.New(reg, events.Options{}, log)

	var order []int
	w := writerFunc(func(ctx context.Context, idx int, batch []source.Record, sc *mapping.Schema) store.UpsertResult {
		order = append(order, idx)
		return store.NewWriter(db, log).WriteBatch(ctx, idx, batch, sc)
	})
	e := New(testMappings, fetch, w, reg, bus, nil, Options{PageSize: 10, BatchSize: 5}, log)

	require.NoError(t, e.StartSync("companies", 0))
	e.Wait()

	assert.Equal(t, []int{0, 1, 2, 3}, order)
	assert.Len(t, db.rows, 20)
}

type writerFunc func(ctx context.Context, idx int, batch []source.Record, sc *mapping.Schema) store.UpsertResult

func (f writerFunc) WriteBatch(ctx context.Context, idx int, batch []source.Record, sc *mapping.Schema) store.UpsertResult {
	return f(ctx, idx, batch, sc)
}

// sink captures retained failure reports for inspection.
type sink struct {
	retention.Noop
	failures []retention.FailureReport
	history  []retention.HistoryRecord
}

func (s *sink) RetainFailure(_ context.Context, fr retention.FailureReport) error {
	s.failures = append(s.failures, fr)
	return nil
}

func (s *sink) RecordHistory(_ context.Context, hr retention.HistoryRecord) error {
	s.history = append(s.history, hr)
	return nil
}

func TestSyncRetainsFailureReports(t *testing.T) {
	fetch := &fakeFetcher{pages: []*source.Page{pageOf("", 1, 10)}}
	db := newFakeDB("7")

	log := zap.NewNop()
	reg := registry.New(log)
	bus := events.New(reg, events.Options{}, log)
	s := &sink{}
	e := New(testMappings, fetch, store.NewWriter(db, log), reg, bus, s, Options{PageSize: 10, BatchSize: 5}, log)

	require.NoError(t, e.StartSync("companies", 0))
	e.Wait()

	require.Len(t, s.failures, 1)
	fr := s.failures[0]
	assert.Equal(t, "companies", fr.Resource)
	assert.Equal(t, 1, fr.BatchIndex)
	assert.Equal(t, []string{"6", "7", "8", "9", "10"}, fr.RecordIDs)
	assert.Contains(t, fr.Error, "duplicate key")

	require.Len(t, s.history, 1)
	assert.Equal(t, "completed", s.history[0].Status)
	assert.Equal(t, 5, s.history[0].Processed)
	assert.Equal(t, 5, s.history[0].Failed)
}
