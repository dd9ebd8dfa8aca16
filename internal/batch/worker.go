package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/apperr"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/provider"
	"phaseline/internal/repo"
)

const systemActor = "batch"

// progress is the in-memory mirror of a job's checkpoint.
type progress struct {
	cursor, succeeded, failed int
}

// process drives one job from its checkpoint to a stop: completed, paused or
// failed. It returns early, leaving the job running, when ctx is cancelled.
func (e *Engine) process(ctx context.Context, jobID string) error {
	if !e.claim(jobID) {
		return nil
	}
	defer e.release(jobID)

	job, err := e.repo().GetJob(ctx, e.db(), jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.State != domain.JobRunning {
		return nil
	}
	items, err := e.repo().ListJobItems(ctx, e.db(), job.RootJobID)
	if err != nil {
		return fmt.Errorf("load items of job %s: %w", jobID, err)
	}
	p := progress{cursor: job.Cursor, succeeded: job.Succeeded, failed: job.Failed}
	cp, err := e.repo().GetCheckpoint(ctx, e.db(), jobID)
	switch {
	case err == nil:
		p = progress{cursor: cp.Cursor, succeeded: cp.Succeeded, failed: cp.Failed}
	case !errors.Is(err, repo.ErrNotFound):
		return err
	}
	sc, err := e.loadScope(ctx, e.db(), job.VersionID)
	if err != nil {
		return err
	}
	bc := provider.BatchContext{ReportID: sc.phase.ReportID, Phase: sc.phase.Phase, VersionID: job.VersionID, JobID: jobID}
	log := e.log().With(zap.String("job_id", jobID), zap.String("version_id", job.VersionID))

	e.Metrics.JobStarted()
	log.Info("job started", zap.Int("cursor", p.cursor), zap.Int("total", job.Total))

	for p.cursor < len(items) {
		if err := ctx.Err(); err != nil {
			e.Metrics.JobStopped("interrupted")
			log.Info("job interrupted; it stays running until recovered", zap.Int("cursor", p.cursor))
			return nil
		}
		paused, err := e.repo().PauseRequested(ctx, e.db(), jobID)
		if err != nil {
			return e.abandon(ctx, job, sc, p, fmt.Sprintf("read pause flag: %v", err))
		}
		if paused {
			return e.finish(ctx, job, sc, p, domain.JobPaused, "")
		}
		v, err := e.repo().GetVersion(ctx, e.db(), job.VersionID)
		if err != nil {
			return e.abandon(ctx, job, sc, p, fmt.Sprintf("load version: %v", err))
		}
		if v.Status != domain.VersionDraft {
			return e.finish(ctx, job, sc, p, domain.JobFailed, fmt.Sprintf("version %s is %s", v.ID, v.Status))
		}

		item := items[p.cursor]
		res, ok := e.generate(ctx, log, bc, item)
		if ok {
			stop, err := e.applyItem(ctx, jobID, job.VersionID, item, res, &p)
			if err != nil {
				return e.abandon(ctx, job, sc, p, err.Error())
			}
			if stop != "" {
				return e.finish(ctx, job, sc, p, domain.JobFailed, stop)
			}
		} else {
			if err := e.skipItem(ctx, jobID, &p); err != nil {
				return e.abandon(ctx, job, sc, p, err.Error())
			}
		}
		e.publish(domain.JobStatus{JobID: jobID, State: domain.JobRunning, Cursor: p.cursor, Total: job.Total, Succeeded: p.succeeded, Failed: p.failed}, false)
	}
	return e.finish(ctx, job, sc, p, domain.JobCompleted, "")
}

// generate calls the provider for one item. Errors and missing results are
// logged and reported as not ok.
func (e *Engine) generate(ctx context.Context, log *zap.Logger, bc provider.BatchContext, item domain.ItemDescriptor) (provider.Result, bool) {
	start := time.Now()
	results, err := e.Provider.Generate(ctx, bc, []domain.ItemDescriptor{item})
	if err != nil {
		e.Metrics.ProviderCall("error", time.Since(start))
		log.Warn("provider failed", zap.String("item_id", item.ItemID), zap.Error(err))
		return provider.Result{}, false
	}
	e.Metrics.ProviderCall("ok", time.Since(start))
	for _, r := range results {
		if r.ItemID == item.ItemID {
			return r, true
		}
	}
	log.Warn("provider returned no result", zap.String("item_id", item.ItemID))
	return provider.Result{}, false
}

// applyItem writes the suggestion and advances the checkpoint in one
// transaction. A non-empty stop reason means the version left draft.
func (e *Engine) applyItem(ctx context.Context, jobID, versionID string, item domain.ItemDescriptor, res provider.Result, p *progress) (string, error) {
	tx, err := e.db().BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	s := res.Suggestion(e.Provider.Name(), e.stamp())
	_, err = e.Core.ApplySuggestionTx(ctx, tx, versionID, item.ItemID, s, systemActor)
	switch {
	case err == nil:
		next := progress{cursor: p.cursor + 1, succeeded: p.succeeded + 1, failed: p.failed}
		if err := e.checkpoint(ctx, tx, jobID, next); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		*p = next
		e.Metrics.BatchItem("succeeded")
		return "", nil
	case apperr.Is(err, apperr.KindInvalidState):
		return err.Error(), nil
	case apperr.Is(err, apperr.KindNotFound), apperr.Is(err, apperr.KindValidation):
		_ = tx.Rollback()
		e.log().Warn("suggestion rejected", zap.String("job_id", jobID), zap.String("item_id", item.ItemID), zap.Error(err))
		return "", e.skipItem(ctx, jobID, p)
	default:
		return "", err
	}
}

// skipItem counts the item at the cursor as failed.
func (e *Engine) skipItem(ctx context.Context, jobID string, p *progress) error {
	next := progress{cursor: p.cursor + 1, succeeded: p.succeeded, failed: p.failed + 1}
	if err := e.checkpoint(ctx, e.db(), jobID, next); err != nil {
		return err
	}
	*p = next
	e.Metrics.BatchItem("failed")
	return nil
}

func (e *Engine) checkpoint(ctx context.Context, q repo.Querier, jobID string, p progress) error {
	return e.repo().UpsertCheckpoint(ctx, q, domain.Checkpoint{
		JobID: jobID, Cursor: p.cursor, Succeeded: p.succeeded, Failed: p.failed, UpdatedAt: e.stamp(),
	})
}

var stopEvents = map[domain.JobState]string{
	domain.JobPaused:    events.JobPaused,
	domain.JobCompleted: events.JobCompleted,
	domain.JobFailed:    events.JobFailed,
}

// finish records the job's final counters. The checkpoint is discarded only
// on completion; a paused job keeps it for Resume.
func (e *Engine) finish(ctx context.Context, job domain.BatchJob, sc scope, p progress, state domain.JobState, reason string) error {
	tx, err := e.db().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.repo().FinishJob(ctx, tx, repo.JobFinish{
		JobID: job.ID, State: state, Cursor: p.cursor, Succeeded: p.succeeded, Failed: p.failed, Reason: reason, At: e.stamp(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s is no longer running", job.ID)
	}
	if state == domain.JobCompleted {
		if err := e.repo().DeleteCheckpoint(ctx, tx, job.ID); err != nil {
			return err
		}
	}
	payload := events.EventPayload{"cursor": p.cursor, "total": job.Total, "succeeded": p.succeeded, "failed": p.failed}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := e.events().Append(ctx, tx, stopEvents[state], sc.phase.ReportID, "batch_job", job.ID, systemActor, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Metrics.JobStopped(string(state))
	fields := []zap.Field{
		zap.String("job_id", job.ID), zap.String("state", string(state)),
		zap.Int("cursor", p.cursor), zap.Int("total", job.Total),
		zap.Int("succeeded", p.succeeded), zap.Int("failed", p.failed),
	}
	if reason != "" {
		e.log().Warn("job stopped", append(fields, zap.String("reason", reason))...)
	} else {
		e.log().Info("job stopped", fields...)
	}
	e.publish(domain.JobStatus{JobID: job.ID, State: state, Cursor: p.cursor, Total: job.Total, Succeeded: p.succeeded, Failed: p.failed, Reason: reason}, true)
	return nil
}

// abandon fails a job after a storage error. If ctx is already done the job
// is left running for Recover instead.
func (e *Engine) abandon(ctx context.Context, job domain.BatchJob, sc scope, p progress, reason string) error {
	if ctx.Err() != nil {
		e.Metrics.JobStopped("interrupted")
		return nil
	}
	if err := e.finish(ctx, job, sc, p, domain.JobFailed, reason); err != nil {
		return fmt.Errorf("%s; mark failed: %w", reason, err)
	}
	return nil
}
