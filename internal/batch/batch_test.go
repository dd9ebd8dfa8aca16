package batch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"phaseline/internal/apperr"
	"phaseline/internal/batch"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
	"phaseline/internal/provider"
)

type testEnv struct {
	Ctx     context.Context
	Core    engine.Engine
	Version domain.Version
}

func newTestEnv(t *testing.T, items int) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	core := engine.New(conn, config.Default())
	core.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	_, err = core.CreateReport(ctx, "r1", "Annual review", "owner")
	require.NoError(t, err)
	in := make([]engine.CatalogItemInput, items)
	for i := range in {
		id := fmt.Sprintf("item-%03d", i+1)
		in[i] = engine.CatalogItemInput{ID: id, Name: "Control " + id}
	}
	_, err = core.AddCatalogItems(ctx, "r1", in, "owner")
	require.NoError(t, err)
	pi, err := core.StartPhase(ctx, "r1", "planning", "lead")
	require.NoError(t, err)
	versions, err := core.ListVersions(ctx, pi.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	return testEnv{Ctx: ctx, Core: core, Version: versions[0]}
}

func (env testEnv) newBatch(p provider.Provider) *batch.Engine {
	return batch.New(env.Core, p, config.Batch{Workers: 2, SyncThreshold: 10, QueueSize: 16})
}

// start runs the worker pool until the test ends.
func start(t *testing.T, b *batch.Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func waitState(t *testing.T, b *batch.Engine, jobID string, want domain.JobState) domain.JobStatus {
	t.Helper()
	var st domain.JobStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = b.GetStatus(context.Background(), jobID)
		return err == nil && st.State == want
	}, 10*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, want)
	return st
}

func accept(item domain.ItemDescriptor) []provider.Result {
	return []provider.Result{{ItemID: item.ItemID, SuggestedAction: domain.ActionAccept, Confidence: 0.8, Rationale: "looks fine"}}
}

func TestPauseAndResumeFromCheckpoint(t *testing.T) {
	env := newTestEnv(t, 100)
	var b *batch.Engine
	var paused atomic.Bool
	var mu sync.Mutex
	calls := map[string]int{}
	b = env.newBatch(provider.Func(func(ctx context.Context, bc provider.BatchContext, items []domain.ItemDescriptor) ([]provider.Result, error) {
		item := items[0]
		mu.Lock()
		calls[item.ItemID]++
		mu.Unlock()
		switch item.ItemID {
		case "item-005", "item-020":
			return nil, errors.New("provider timeout")
		case "item-037":
			if paused.CompareAndSwap(false, true) {
				_, err := b.Pause(ctx, bc.JobID, "lead")
				assert.NoError(t, err)
			}
		}
		return accept(item), nil
	}))
	start(t, b)

	items, err := b.DescribeRecords(env.Ctx, env.Version.ID)
	require.NoError(t, err)
	require.Len(t, items, 100)
	job, err := b.Submit(env.Ctx, env.Version.ID, items, "lead")
	require.NoError(t, err)
	assert.Equal(t, job.ID, job.RootJobID)

	st := waitState(t, b, job.ID, domain.JobPaused)
	assert.Equal(t, domain.JobStatus{JobID: job.ID, State: domain.JobPaused, Cursor: 37, Total: 100, Succeeded: 35, Failed: 2}, st)

	next, err := b.Resume(env.Ctx, job.ID, "lead")
	require.NoError(t, err)
	require.NotNil(t, next.ResumedFrom)
	assert.Equal(t, job.ID, *next.ResumedFrom)
	assert.Equal(t, job.ID, next.RootJobID)
	assert.Equal(t, 37, next.Cursor)

	st = waitState(t, b, next.ID, domain.JobCompleted)
	assert.Equal(t, 100, st.Cursor)
	assert.Equal(t, 98, st.Succeeded)
	assert.Equal(t, 2, st.Failed)

	// Items behind the checkpoint are not sent to the provider again.
	mu.Lock()
	require.Len(t, calls, 100)
	for id, n := range calls {
		assert.Equal(t, 1, n, "provider calls for %s", id)
	}
	mu.Unlock()

	_, err = b.Resume(env.Ctx, job.ID, "lead")
	assert.True(t, errors.Is(err, apperr.ErrConflict), "second resume: %v", err)
	_, err = b.Resume(env.Ctx, next.ID, "lead")
	assert.True(t, errors.Is(err, apperr.ErrInvalidState), "completed jobs do not resume")

	recs, err := env.Core.ListRecords(env.Ctx, env.Version.ID, false)
	require.NoError(t, err)
	suggested := 0
	for _, r := range recs {
		if r.Suggestion != nil {
			suggested++
			assert.Equal(t, "func", r.Suggestion.Provider)
		}
	}
	assert.Equal(t, 98, suggested)

	jobs, err := b.ListJobs(env.Ctx, env.Version.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		if j.ID == job.ID {
			require.NotNil(t, j.ResumedBy)
			assert.Equal(t, next.ID, *j.ResumedBy)
		}
	}
}

func TestJobFailsWhenVersionLeavesDraft(t *testing.T) {
	env := newTestEnv(t, 6)
	obs, logs := observer.New(zapcore.InfoLevel)
	env.Core.Logger = zap.New(obs)
	b := env.newBatch(provider.Func(func(ctx context.Context, bc provider.BatchContext, items []domain.ItemDescriptor) ([]provider.Result, error) {
		if items[0].ItemID == "item-003" {
			if _, err := env.Core.DiscardVersion(ctx, bc.VersionID, "lead"); err != nil {
				return nil, err
			}
		}
		return accept(items[0]), nil
	}))
	start(t, b)

	items, err := b.DescribeRecords(env.Ctx, env.Version.ID)
	require.NoError(t, err)
	job, err := b.Submit(env.Ctx, env.Version.ID, items, "lead")
	require.NoError(t, err)

	st := waitState(t, b, job.ID, domain.JobFailed)
	assert.Equal(t, 2, st.Cursor)
	assert.Equal(t, 2, st.Succeeded)
	assert.Contains(t, st.Reason, "superseded")

	stopped := logs.FilterMessage("job stopped").All()
	require.Len(t, stopped, 1)
	assert.Equal(t, zapcore.WarnLevel, stopped[0].Level)
	assert.Equal(t, "failed", stopped[0].ContextMap()["state"])

	_, err = b.Submit(env.Ctx, env.Version.ID, items, "lead")
	assert.True(t, errors.Is(err, apperr.ErrInvalidState))
}

func TestMissingResultsCountAsFailures(t *testing.T) {
	env := newTestEnv(t, 6)
	var calls atomic.Int32
	b := env.newBatch(provider.Func(func(ctx context.Context, bc provider.BatchContext, items []domain.ItemDescriptor) ([]provider.Result, error) {
		if calls.Add(1)%2 == 0 {
			return nil, nil
		}
		return accept(items[0]), nil
	}))
	start(t, b)

	items, err := b.DescribeRecords(env.Ctx, env.Version.ID)
	require.NoError(t, err)
	// An item without a record is a per-item failure too.
	items = append(items, domain.ItemDescriptor{ItemID: "ghost"})
	job, err := b.Submit(env.Ctx, env.Version.ID, items, "lead")
	require.NoError(t, err)

	st := waitState(t, b, job.ID, domain.JobCompleted)
	assert.Equal(t, 7, st.Cursor)
	assert.Equal(t, 3, st.Succeeded)
	assert.Equal(t, 4, st.Failed)
}

func TestRecoverPicksUpRunningJobs(t *testing.T) {
	env := newTestEnv(t, 12)
	idle := env.newBatch(provider.Static{Action: domain.ActionDecline, Confidence: 0.5})
	items, err := idle.DescribeRecords(env.Ctx, env.Version.ID)
	require.NoError(t, err)
	job, err := idle.Submit(env.Ctx, env.Version.ID, items, "lead")
	require.NoError(t, err)

	b := env.newBatch(provider.Static{Action: domain.ActionDecline, Confidence: 0.5})
	start(t, b)
	st := waitState(t, b, job.ID, domain.JobCompleted)
	assert.Equal(t, 12, st.Succeeded)

	rec, err := env.Core.GetRecord(env.Ctx, env.Version.ID, "item-001")
	require.NoError(t, err)
	require.NotNil(t, rec.Suggestion)
	assert.Equal(t, domain.ActionDecline, rec.Suggestion.Action)
	assert.Equal(t, "static", rec.Suggestion.Provider)
}

func TestSubscribeSeesEveryItem(t *testing.T) {
	env := newTestEnv(t, 5)
	b := env.newBatch(provider.Static{Action: domain.ActionAccept, Confidence: 1})
	items, err := b.DescribeRecords(env.Ctx, env.Version.ID)
	require.NoError(t, err)
	job, err := b.Submit(env.Ctx, env.Version.ID, items, "lead")
	require.NoError(t, err)
	updates, cancel := b.Subscribe(job.ID)
	defer cancel()
	start(t, b)

	var seen []domain.JobStatus
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case st, ok := <-updates:
			if !ok {
				done = true
				break
			}
			seen = append(seen, st)
		case <-timeout:
			t.Fatal("no final status")
		}
	}
	require.Len(t, seen, 6)
	for i := 0; i < 5; i++ {
		assert.Equal(t, i+1, seen[i].Cursor)
	}
	assert.Equal(t, domain.JobCompleted, seen[5].State)
}

func TestPopulateInlineUnderThreshold(t *testing.T) {
	env := newTestEnv(t, 4)
	b := env.newBatch(provider.Static{Action: domain.ActionAccept, Confidence: 0.9})
	items, err := b.DescribeRecords(env.Ctx, env.Version.ID)
	require.NoError(t, err)

	res, err := b.Populate(env.Ctx, env.Version.ID, items, "lead")
	require.NoError(t, err)
	assert.True(t, res.Inline)
	assert.Nil(t, res.Job)
	assert.Equal(t, 4, res.Succeeded)

	jobs, err := b.ListJobs(env.Ctx, env.Version.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = b.Populate(env.Ctx, "missing", items, "lead")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestPopulateSubmitsOverThreshold(t *testing.T) {
	env := newTestEnv(t, 11)
	b := env.newBatch(provider.Static{Action: domain.ActionAccept, Confidence: 0.9})
	start(t, b)
	items, err := b.DescribeRecords(env.Ctx, env.Version.ID)
	require.NoError(t, err)

	res, err := b.Populate(env.Ctx, env.Version.ID, items, "lead")
	require.NoError(t, err)
	assert.False(t, res.Inline)
	require.NotNil(t, res.Job)
	st := waitState(t, b, res.Job.ID, domain.JobCompleted)
	assert.Equal(t, 11, st.Succeeded)
}

func TestPauseRequiresRunningJob(t *testing.T) {
	env := newTestEnv(t, 2)
	b := env.newBatch(provider.Static{Action: domain.ActionAccept, Confidence: 1})
	start(t, b)
	items, err := b.DescribeRecords(env.Ctx, env.Version.ID)
	require.NoError(t, err)
	job, err := b.Submit(env.Ctx, env.Version.ID, items, "lead")
	require.NoError(t, err)
	waitState(t, b, job.ID, domain.JobCompleted)

	_, err = b.Pause(env.Ctx, job.ID, "lead")
	assert.True(t, errors.Is(err, apperr.ErrInvalidState))
	_, err = b.Pause(env.Ctx, "nope", "lead")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = b.Submit(env.Ctx, env.Version.ID, nil, "lead")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}
