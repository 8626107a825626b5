// Package engine composes fetcher, coercion, batch writer, registry
// and broadcaster into the per-resource sync orchestrator.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/syncd/internal/events"
	"github.com/SirClappington/syncd/internal/mapping"
	"github.com/SirClappington/syncd/internal/registry"
	"github.com/SirClappington/syncd/internal/retention"
	"github.com/SirClappington/syncd/internal/source"
	"github.com/SirClappington/syncd/internal/store"
)

// ErrUnknownResource is returned by StartSync for a resource type
// with no configured mapping.
var ErrUnknownResource = errors.New("unknown resource type")

// Fetcher yields one page of records per call. *source.Client is the
// production implementation.
type Fetcher interface {
	Fetch(ctx context.Context, path, cursor string, pageSize int, properties []string) (*source.Page, error)
}

// BatchWriter commits one batch atomically. *store.Writer is the
// production implementation.
type BatchWriter interface {
	WriteBatch(ctx context.Context, batchIndex int, batch []source.Record, sc *mapping.Schema) store.UpsertResult
}

type Options struct {
	PageSize  int
	BatchSize int
}

type Engine struct {
	mappings  mapping.Set
	fetcher   Fetcher
	writer    BatchWriter
	reg       *registry.Registry
	bus       *events.Bus
	ret       retention.Store
	pageSize  int
	batchSize int
	log       *zap.Logger

	wg sync.WaitGroup
}

func New(mappings mapping.Set, fetcher Fetcher, writer BatchWriter, reg *registry.Registry,
	bus *events.Bus, ret retention.Store, opts Options, log *zap.Logger) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if ret == nil {
		ret = retention.Noop{}
	}
	return &Engine{
		mappings:  mappings,
		fetcher:   fetcher,
		writer:    writer,
		reg:       reg,
		bus:       bus,
		ret:       ret,
		pageSize:  opts.PageSize,
		batchSize: opts.BatchSize,
		log:       log,
	}
}

// StartSync launches a sync job for the resource type. A duplicate
// invocation while one is still running is rejected with
// registry.ErrAlreadyRunning; jobs for different resource types run
// in parallel. limit > 0 truncates the run after that many records.
func (e *Engine) StartSync(resource string, limit int) error {
	sc := e.mappings.Get(resource)
	if sc == nil {
		return errors.Wrap(ErrUnknownResource, resource)
	}

	job, err := e.reg.TryAcquire(resource, limit)
	if err != nil {
		return err
	}

	e.bus.Log("INFO", fmt.Sprintf("starting %s sync", resource), resource, 0)
	if st, ok := e.reg.Status(resource); ok {
		e.bus.Status(st)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(context.Background(), job, sc)
	}()
	return nil
}

// Status reports every known job, running or recently finished.
func (e *Engine) Status() map[string]registry.JobStatus {
	return e.reg.Snapshot()
}

// Wait blocks until all running jobs have finished.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) run(ctx context.Context, job *registry.SyncJob, sc *mapping.Schema) {
	outcome := registry.StateCompleted
	if err := e.stream(ctx, job, sc); err != nil {
		e.log.Error("sync failed", zap.String("resource", sc.Resource), zap.Error(err))
		e.bus.Log("ERROR", fmt.Sprintf("%s sync failed: %v", sc.Resource, err), sc.Resource, 0)
		outcome = registry.StateFailed
	}

	st := e.reg.Release(job, outcome)

	e.bus.Status(st)
	e.bus.PublishMetrics()
	if outcome == registry.StateCompleted {
		e.bus.Log("SUCCESS",
			fmt.Sprintf("%s sync completed: %d processed, %d failed, %d skipped",
				sc.Resource, st.Processed, st.Failed, st.Skipped),
			sc.Resource, st.Processed)
	}

	if err := e.ret.RecordHistory(ctx, retention.HistoryRecord{
		Resource:  st.Resource,
		JobID:     st.ID,
		Started:   st.StartedAt,
		Completed: *st.EndedAt,
		Status:    string(st.State),
		Processed: st.Processed,
		Failed:    st.Failed,
		Skipped:   st.Skipped,
	}); err != nil {
		e.log.Warn("record history", zap.Error(err))
	}
}

// stream pulls pages, slices them into fixed-size batches in fetch
// order, and writes each batch. Batch failures are absorbed (the job
// continues); only fetch failure is returned, and it is fatal.
func (e *Engine) stream(ctx context.Context, job *registry.SyncJob, sc *mapping.Schema) error {
	var (
		cursor   string
		fetched  int
		batchIdx int
		pending  []source.Record
	)

	for {
		pageSize := source.PageLimit(e.pageSize, job.Limit, fetched)
		if pageSize == 0 {
			break
		}

		page, err := e.fetcher.Fetch(ctx, sc.Path, cursor, pageSize, sc.Properties())
		if err != nil {
			return errors.Wrapf(err, "fetch %s", sc.Resource)
		}

		recs := page.Records
		if job.Limit > 0 && fetched+len(recs) > job.Limit {
			recs = recs[:job.Limit-fetched]
		}
		fetched += len(recs)
		pending = append(pending, recs...)

		for len(pending) >= e.batchSize {
			e.flush(ctx, job, sc, pending[:e.batchSize], batchIdx)
			pending = pending[e.batchSize:]
			batchIdx++
		}

		if page.Next == "" || (job.Limit > 0 && fetched >= job.Limit) {
			break
		}
		cursor = page.Next
	}

	if len(pending) > 0 {
		e.flush(ctx, job, sc, pending, batchIdx)
	}
	return nil
}

func (e *Engine) flush(ctx context.Context, job *registry.SyncJob, sc *mapping.Schema, batch []source.Record, batchIdx int) {
	res := e.writer.WriteBatch(ctx, batchIdx, batch, sc)

	switch res.Outcome {
	case store.Committed:
		e.reg.AddProgress(job, res.Processed, 0, res.Skipped)
		e.bus.RecordSynced(res.Processed)
		e.bus.Log("INFO",
			fmt.Sprintf("%s batch %d committed: %d processed, %d skipped",
				sc.Resource, batchIdx, res.Processed, res.Skipped),
			sc.Resource, res.Processed)
	case store.RolledBack:
		e.reg.AddProgress(job, 0, len(res.FailedIDs), res.Skipped)
		e.bus.Log("ERROR",
			fmt.Sprintf("%s batch %d rolled back (%d records): %s",
				sc.Resource, batchIdx, len(res.FailedIDs), res.Err),
			sc.Resource, 0)
		if err := e.ret.RetainFailure(ctx, retention.FailureReport{
			Resource:   sc.Resource,
			JobID:      job.ID,
			BatchIndex: batchIdx,
			RecordIDs:  res.FailedIDs,
			Error:      res.Err,
			Timestamp:  time.Now().UTC(),
		}); err != nil {
			e.log.Warn("retain failure report", zap.Error(err))
		}
	}

	if st, ok := e.reg.Status(sc.Resource); ok {
		e.bus.Status(st)
	}
}
