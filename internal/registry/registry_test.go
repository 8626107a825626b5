package registry

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTryAcquireRejectsDuplicate(t *testing.T) {
	r := New(zap.NewNop())

	job, err := r.TryAcquire("companies", 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StateRunning, job.State)

	_, err = r.TryAcquire("companies", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	// a different resource is unaffected
	other, err := r.TryAcquire("contacts", 0)
	require.NoError(t, err)
	assert.Equal(t, "contacts", other.Resource)
}

func TestReleaseMakesResourceAcquirableAgain(t *testing.T) {
	r := New(zap.NewNop())

	for _, outcome := range []State{StateCompleted, StateFailed} {
		job, err := r.TryAcquire("companies", 0)
		require.NoError(t, err)
		r.Release(job, outcome)

		st, ok := r.Status("companies")
		require.True(t, ok)
		assert.Equal(t, outcome, st.State)
		require.NotNil(t, st.EndedAt)
	}

	// slot is free after both terminal paths
	_, err := r.TryAcquire("companies", 0)
	assert.NoError(t, err)
}

// Release must hand back the finished job's own snapshot: once the
// slot is vacated another caller can acquire it immediately, and a
// re-read by resource would observe the new Running job instead.
func TestReleaseSnapshotSurvivesImmediateReacquire(t *testing.T) {
	r := New(zap.NewNop())

	job, err := r.TryAcquire("companies", 0)
	require.NoError(t, err)
	r.AddProgress(job, 5, 25, 0)

	st := r.Release(job, StateCompleted)

	// the slot is free the instant Release returns
	_, err = r.TryAcquire("companies", 0)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, st.State)
	require.NotNil(t, st.EndedAt)
	assert.Equal(t, 5, st.Processed)
	assert.Equal(t, 25, st.Failed)
	assert.Equal(t, job.ID, st.ID)

	// a by-resource read now sees the successor, not the finished job
	cur, ok := r.Status("companies")
	require.True(t, ok)
	assert.Equal(t, StateRunning, cur.State)
	assert.NotEqual(t, job.ID, cur.ID)
}

func TestTryAcquireAtomicUnderContention(t *testing.T) {
	r := New(zap.NewNop())

	const callers = 32
	var wg sync.WaitGroup
	wins := make(chan *SyncJob, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if job, err := r.TryAcquire("companies", 0); err == nil {
				wins <- job
			}
		}()
	}
	wg.Wait()
	close(wins)

	var won []*SyncJob
	for j := range wins {
		won = append(won, j)
	}
	require.Len(t, won, 1, "exactly one caller may win the slot")
	assert.Equal(t, 1, r.ActiveCount())
}

func TestProgressAndSnapshot(t *testing.T) {
	r := New(zap.NewNop())

	job, err := r.TryAcquire("companies", 500)
	require.NoError(t, err)
	r.AddProgress(job, 25, 0, 1)
	r.AddProgress(job, 0, 25, 0)

	snap := r.Snapshot()
	require.Contains(t, snap, "companies")
	st := snap["companies"]
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 25, st.Processed)
	assert.Equal(t, 25, st.Failed)
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, 500, st.Limit)

	r.Release(job, StateCompleted)
	snap = r.Snapshot()
	assert.Equal(t, StateCompleted, snap["companies"].State)
	assert.Equal(t, 0, r.ActiveCount())
}
