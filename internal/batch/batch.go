// Package batch runs resumable jobs that populate automated suggestions on a
// draft version's decision records.
//
// Jobs process their item list strictly in order, one provider call per item.
// The only cancellation primitive is a cooperative pause observed at item
// boundaries. Each applied suggestion commits together with the job's
// checkpoint, so the checkpoint never runs ahead of the last applied item.
package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"phaseline/internal/apperr"
	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/events"
	"phaseline/internal/metrics"
	"phaseline/internal/provider"
	"phaseline/internal/repo"
)

// Engine owns batch jobs and the worker pool that executes them.
type Engine struct {
	Core     engine.Engine
	Provider provider.Provider
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time

	workers       int
	syncThreshold int
	queue         chan string

	mu     sync.Mutex
	active map[string]bool
	subs   map[string][]chan domain.JobStatus
}

// New builds a batch engine around the decision-record engine core.
func New(core engine.Engine, p provider.Provider, cfg config.Batch) *Engine {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	size := cfg.QueueSize
	if size < 1 {
		size = 64
	}
	return &Engine{
		Core:          core,
		Provider:      p,
		Logger:        core.Logger,
		Metrics:       core.Metrics,
		Now:           core.Now,
		workers:       workers,
		syncThreshold: cfg.SyncThreshold,
		queue:         make(chan string, size),
		active:        map[string]bool{},
		subs:          map[string][]chan domain.JobStatus{},
	}
}

func (e *Engine) stamp() string {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (e *Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) events() events.Writer {
	w := e.Core.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

func (e *Engine) db() *sql.DB    { return e.Core.DB }
func (e *Engine) repo() repo.Repo { return e.Core.Repo }

// scope is what a job needs to know about its target version.
type scope struct {
	version domain.Version
	phase   domain.PhaseInstance
}

func (e *Engine) loadScope(ctx context.Context, q repo.Querier, versionID string) (scope, error) {
	v, err := e.repo().GetVersion(ctx, q, versionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return scope{}, apperr.NotFound("version %s not found", versionID)
		}
		return scope{}, err
	}
	pi, err := e.repo().GetPhaseInstance(ctx, q, v.PhaseInstanceID)
	if err != nil {
		return scope{}, err
	}
	return scope{version: v, phase: pi}, nil
}

// Submit persists a job over items and queues it. The item list is frozen at
// submission so resumption is deterministic.
func (e *Engine) Submit(ctx context.Context, versionID string, items []domain.ItemDescriptor, actorID string) (domain.BatchJob, error) {
	if actorID == "" {
		return domain.BatchJob{}, apperr.Validation("actor id is required")
	}
	if len(items) == 0 {
		return domain.BatchJob{}, apperr.Validation("job has no items")
	}
	for i, it := range items {
		if it.ItemID == "" {
			return domain.BatchJob{}, apperr.Validation("item %d has no item_id", i)
		}
	}
	tx, err := e.db().BeginTx(ctx, nil)
	if err != nil {
		return domain.BatchJob{}, err
	}
	defer tx.Rollback()
	sc, err := e.loadScope(ctx, tx, versionID)
	if err != nil {
		return domain.BatchJob{}, err
	}
	if sc.version.Status != domain.VersionDraft {
		return domain.BatchJob{}, apperr.InvalidState("cannot submit job: version %s is %s, not draft", versionID, sc.version.Status).
			With("status", string(sc.version.Status))
	}
	now := e.stamp()
	id := uuid.NewString()
	job := domain.BatchJob{
		ID:        id,
		VersionID: versionID,
		RootJobID: id,
		State:     domain.JobRunning,
		Total:     len(items),
		CreatedBy: actorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.repo().InsertJob(ctx, tx, job); err != nil {
		return domain.BatchJob{}, fmt.Errorf("insert job: %w", err)
	}
	if err := e.repo().InsertJobItems(ctx, tx, id, items); err != nil {
		return domain.BatchJob{}, fmt.Errorf("insert job items: %w", err)
	}
	if err := e.repo().UpsertCheckpoint(ctx, tx, domain.Checkpoint{JobID: id, UpdatedAt: now}); err != nil {
		return domain.BatchJob{}, err
	}
	if err := e.events().Append(ctx, tx, events.JobSubmitted, sc.phase.ReportID, "batch_job", id, actorID, events.EventPayload{
		"version_id": versionID, "total": len(items),
	}); err != nil {
		return domain.BatchJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BatchJob{}, err
	}
	e.log().Info("job submitted", zap.String("job_id", id), zap.String("version_id", versionID), zap.Int("total", len(items)))
	e.enqueue(ctx, id)
	return job, nil
}

func (e *Engine) enqueue(ctx context.Context, jobID string) {
	select {
	case e.queue <- jobID:
	case <-ctx.Done():
		e.log().Warn("job not queued; it will be recovered on next start", zap.String("job_id", jobID), zap.Error(ctx.Err()))
	}
}

// Pause raises the pause flag of a running job. The worker stops at the next
// item boundary; an in-flight provider call is allowed to finish.
func (e *Engine) Pause(ctx context.Context, jobID, actorID string) (domain.BatchJob, error) {
	if actorID == "" {
		return domain.BatchJob{}, apperr.Validation("actor id is required")
	}
	job, err := e.GetJob(ctx, jobID)
	if err != nil {
		return job, err
	}
	if job.State != domain.JobRunning {
		return job, apperr.InvalidState("job %s is %s, not running", jobID, job.State).With("state", string(job.State))
	}
	ok, err := e.repo().RequestPause(ctx, e.db(), jobID, e.stamp())
	if err != nil {
		return job, err
	}
	if !ok {
		return job, apperr.InvalidState("job %s stopped before the pause was recorded", jobID)
	}
	e.log().Info("job pause requested", zap.String("job_id", jobID), zap.String("actor_id", actorID))
	return e.GetJob(ctx, jobID)
}

// Resume starts a successor job at the paused job's checkpoint over the
// original item list. A job can be resumed once.
func (e *Engine) Resume(ctx context.Context, jobID, actorID string) (domain.BatchJob, error) {
	if actorID == "" {
		return domain.BatchJob{}, apperr.Validation("actor id is required")
	}
	tx, err := e.db().BeginTx(ctx, nil)
	if err != nil {
		return domain.BatchJob{}, err
	}
	defer tx.Rollback()
	prev, err := e.repo().GetJob(ctx, tx, jobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.BatchJob{}, apperr.NotFound("job %s not found", jobID)
		}
		return domain.BatchJob{}, err
	}
	if prev.ResumedBy != nil {
		return domain.BatchJob{}, apperr.Conflict("job %s was already resumed by %s", jobID, *prev.ResumedBy).
			With("resumed_by", *prev.ResumedBy)
	}
	if prev.State != domain.JobPaused {
		return domain.BatchJob{}, apperr.InvalidState("job %s is %s, not paused", jobID, prev.State).With("state", string(prev.State))
	}
	sc, err := e.loadScope(ctx, tx, prev.VersionID)
	if err != nil {
		return domain.BatchJob{}, err
	}
	if sc.version.Status != domain.VersionDraft {
		return domain.BatchJob{}, apperr.Conflict("version %s is %s; job %s cannot resume", prev.VersionID, sc.version.Status, jobID).
			With("status", string(sc.version.Status))
	}
	cp, err := e.repo().GetCheckpoint(ctx, tx, jobID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		cp = domain.Checkpoint{JobID: jobID, Cursor: prev.Cursor, Succeeded: prev.Succeeded, Failed: prev.Failed}
	case err != nil:
		return domain.BatchJob{}, err
	}
	now := e.stamp()
	next := domain.BatchJob{
		ID:          uuid.NewString(),
		VersionID:   prev.VersionID,
		RootJobID:   prev.RootJobID,
		ResumedFrom: &prev.ID,
		State:       domain.JobRunning,
		Total:       prev.Total,
		Cursor:      cp.Cursor,
		Succeeded:   cp.Succeeded,
		Failed:      cp.Failed,
		CreatedBy:   actorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.repo().InsertJob(ctx, tx, next); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.BatchJob{}, apperr.Wrap(apperr.KindConflict, err, "job %s was already resumed", jobID)
		}
		return domain.BatchJob{}, err
	}
	ok, err := e.repo().MarkResumed(ctx, tx, prev.ID, next.ID, now)
	if err != nil {
		return domain.BatchJob{}, err
	}
	if !ok {
		return domain.BatchJob{}, apperr.Conflict("job %s was already resumed", jobID)
	}
	if err := e.repo().UpsertCheckpoint(ctx, tx, domain.Checkpoint{JobID: next.ID, Cursor: cp.Cursor, Succeeded: cp.Succeeded, Failed: cp.Failed, UpdatedAt: now}); err != nil {
		return domain.BatchJob{}, err
	}
	if err := e.events().Append(ctx, tx, events.JobResumed, sc.phase.ReportID, "batch_job", next.ID, actorID, events.EventPayload{
		"resumed_from": prev.ID, "cursor": cp.Cursor,
	}); err != nil {
		return domain.BatchJob{}, err
	}
	if err := tx.Commit(); err != nil {
		if repo.IsBusy(err) {
			return domain.BatchJob{}, apperr.Wrap(apperr.KindConflict, err, "concurrent resume of job %s", jobID)
		}
		return domain.BatchJob{}, err
	}
	e.log().Info("job resumed", zap.String("job_id", next.ID), zap.String("resumed_from", prev.ID), zap.Int("cursor", cp.Cursor))
	e.enqueue(ctx, next.ID)
	return next, nil
}

func (e *Engine) GetJob(ctx context.Context, jobID string) (domain.BatchJob, error) {
	job, err := e.repo().GetJob(ctx, e.db(), jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return job, apperr.NotFound("job %s not found", jobID)
	}
	return job, err
}

// ListJobs returns the jobs of a version in submission order.
func (e *Engine) ListJobs(ctx context.Context, versionID string) ([]domain.BatchJob, error) {
	return e.repo().ListJobs(ctx, e.db(), repo.JobFilters{VersionID: versionID})
}

// GetStatus reports a job's progress. Running jobs report their checkpoint.
func (e *Engine) GetStatus(ctx context.Context, jobID string) (domain.JobStatus, error) {
	job, err := e.GetJob(ctx, jobID)
	if err != nil {
		return domain.JobStatus{}, err
	}
	st := statusOf(job)
	if job.State == domain.JobRunning {
		cp, err := e.repo().GetCheckpoint(ctx, e.db(), jobID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.JobStatus{}, err
		}
		if err == nil {
			st.Cursor, st.Succeeded, st.Failed = cp.Cursor, cp.Succeeded, cp.Failed
		}
	}
	return st, nil
}

func statusOf(job domain.BatchJob) domain.JobStatus {
	return domain.JobStatus{
		JobID:     job.ID,
		State:     job.State,
		Cursor:    job.Cursor,
		Total:     job.Total,
		Succeeded: job.Succeeded,
		Failed:    job.Failed,
		Reason:    job.FailReason,
	}
}

// Run recovers jobs left running and serves the queue until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Recover(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id := <-e.queue:
					if err := e.process(gctx, id); err != nil && gctx.Err() == nil {
						e.log().Error("job processing failed", zap.Int("worker", worker), zap.String("job_id", id), zap.Error(err))
					}
				}
			}
		})
	}
	return g.Wait()
}

// Recover queues every job persisted as running, for example after a crash.
// They continue from their last checkpoint.
func (e *Engine) Recover(ctx context.Context) error {
	jobs, err := e.repo().ListJobs(ctx, e.db(), repo.JobFilters{State: domain.JobRunning})
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	for _, j := range jobs {
		e.log().Info("recovering job", zap.String("job_id", j.ID), zap.Int("cursor", j.Cursor))
		go e.enqueue(ctx, j.ID)
	}
	return nil
}

// Subscribe returns a channel of progress snapshots for a job, closed when the
// job stops. Slow subscribers miss intermediate snapshots.
func (e *Engine) Subscribe(jobID string) (<-chan domain.JobStatus, func()) {
	ch := make(chan domain.JobStatus, 16)
	e.mu.Lock()
	e.subs[jobID] = append(e.subs[jobID], ch)
	e.mu.Unlock()
	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.subs[jobID]
		for i, c := range list {
			if c == ch {
				e.subs[jobID] = append(list[:i], list[i+1:]...)
				close(ch)
				break
			}
		}
		if len(e.subs[jobID]) == 0 {
			delete(e.subs, jobID)
		}
	}
	return ch, cancel
}

func (e *Engine) publish(st domain.JobStatus, final bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs[st.JobID] {
		select {
		case ch <- st:
		default:
		}
		if final {
			close(ch)
		}
	}
	if final {
		delete(e.subs, st.JobID)
	}
}

func (e *Engine) claim(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[jobID] {
		return false
	}
	e.active[jobID] = true
	return true
}

func (e *Engine) release(jobID string) {
	e.mu.Lock()
	delete(e.active, jobID)
	e.mu.Unlock()
}
