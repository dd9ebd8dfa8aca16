package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"phaseline/internal/apperr"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/notify"
	"phaseline/internal/repo"
)

// CreateVersionOptions are parameters for opening a new draft.
type CreateVersionOptions struct {
	PhaseInstanceID string
	// ParentVersionID, when set, carries the parent's suggestions forward.
	ParentVersionID string
	ActorID         string
}

func versionRef(id string) string { return "version:" + id }

// CreateVersion opens a draft for a phase instance. Without a parent the
// draft is seeded from the phase's sources.
func (e Engine) CreateVersion(ctx context.Context, opts CreateVersionOptions) (domain.Version, error) {
	if err := requireActor(opts.ActorID); err != nil {
		return domain.Version{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()
	pi, err := e.Repo.GetPhaseInstance(ctx, tx, opts.PhaseInstanceID)
	if err != nil {
		return domain.Version{}, storeErr(err, "phase instance %s not found", opts.PhaseInstanceID)
	}
	var parent *domain.Version
	if opts.ParentVersionID != "" {
		p, err := e.Repo.GetVersion(ctx, tx, opts.ParentVersionID)
		if err != nil {
			return domain.Version{}, storeErr(err, "parent version %s not found", opts.ParentVersionID)
		}
		if p.PhaseInstanceID != pi.ID {
			return domain.Version{}, apperr.Validation("parent version %s belongs to phase instance %s", p.ID, p.PhaseInstanceID)
		}
		parent = &p
	}
	v, err := e.createVersionTx(ctx, tx, pi, parent, CarryAll, opts.ActorID)
	if err != nil {
		return domain.Version{}, err
	}
	if err := commit(tx); err != nil {
		return domain.Version{}, err
	}
	e.logTransition(v, "", domain.VersionDraft, opts.ActorID)
	e.send(notify.RoleTester, versionRef(v.ID), fmt.Sprintf("version %d of %s is ready for decisions", v.Number, pi.Phase))
	return v, nil
}

func (e Engine) createVersionTx(ctx context.Context, tx *sql.Tx, pi domain.PhaseInstance, parent *domain.Version, mode CarryMode, actorID string) (domain.Version, error) {
	if pi.Status == domain.PhaseComplete {
		return domain.Version{}, apperr.InvalidState("phase %s is complete", pi.Phase)
	}
	open, err := e.Repo.OpenVersion(ctx, tx, pi.ID)
	switch {
	case err == nil:
		return domain.Version{}, apperr.Conflict("phase instance %s already has open version %s (%s)", pi.ID, open.ID, open.Status).
			With("version_id", open.ID)
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Version{}, err
	}
	number, err := e.Repo.NextVersionNumber(ctx, tx, pi.ID)
	if err != nil {
		return domain.Version{}, err
	}
	now := e.stamp()
	v := domain.Version{
		ID:              uuid.NewString(),
		PhaseInstanceID: pi.ID,
		Number:          number,
		Status:          domain.VersionDraft,
		CreatedBy:       actorID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if parent != nil {
		v.ParentID = &parent.ID
	}
	if err := e.Repo.InsertVersion(ctx, tx, v); err != nil {
		return domain.Version{}, storeErr(err, "phase instance %s already has an open version", pi.ID)
	}
	recs, err := e.initialRecords(ctx, tx, pi, parent, mode, v.ID)
	if err != nil {
		return domain.Version{}, err
	}
	payload := events.EventPayload{"number": v.Number}
	if parent != nil {
		payload["parent_id"] = parent.ID
		payload["carry"] = mode.String()
	}
	if err := e.events().Append(ctx, tx, events.VersionCreated, pi.ReportID, "version", v.ID, actorID, payload); err != nil {
		return domain.Version{}, err
	}
	if _, err := e.seedTx(ctx, tx, versionScope{Version: v, Phase: pi}, recs, actorID); err != nil {
		return domain.Version{}, err
	}
	return e.Repo.GetVersion(ctx, tx, v.ID)
}

// SubmitForApproval moves a fully decided draft to pending_approval.
func (e Engine) SubmitForApproval(ctx context.Context, versionID, actorID string) (domain.Version, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Version{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()
	sc, err := e.loadScope(ctx, tx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	if err := requireStatus(sc.Version, domain.VersionDraft, "submit"); err != nil {
		return domain.Version{}, err
	}
	c, err := e.Repo.ComputeCounters(ctx, tx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	if c.Decided < c.Total {
		return domain.Version{}, apperr.Validation("version %s has %d of %d items decided", versionID, c.Decided, c.Total).
			With("total", c.Total).With("decided", c.Decided)
	}
	v, err := e.transitionTx(ctx, tx, sc, domain.VersionDraft, domain.VersionPendingApproval, actorID, "")
	if err != nil {
		return domain.Version{}, err
	}
	if err := commit(tx); err != nil {
		return domain.Version{}, err
	}
	e.logTransition(v, domain.VersionDraft, domain.VersionPendingApproval, actorID)
	e.send(notify.RoleApprover, versionRef(v.ID), fmt.Sprintf("version %d of %s awaits approval", v.Number, sc.Phase.Phase))
	return v, nil
}

var transitionEvents = map[domain.VersionStatus]string{
	domain.VersionPendingApproval: events.VersionSubmitted,
	domain.VersionApproved:        events.VersionApproved,
	domain.VersionRejected:        events.VersionRejected,
	domain.VersionSuperseded:      events.VersionSuperseded,
}

// transitionTx is the compare-and-swap status change every lifecycle
// operation funnels through. Losing the race yields InvalidState.
func (e Engine) transitionTx(ctx context.Context, tx *sql.Tx, sc versionScope, from, to domain.VersionStatus, actorID, note string) (domain.Version, error) {
	return e.transitionAs(ctx, tx, sc, from, to, transitionEvents[to], actorID, note)
}

// transitionAs is transitionTx with an explicit audit event type, for
// actions that share a target status with another transition.
func (e Engine) transitionAs(ctx context.Context, tx *sql.Tx, sc versionScope, from, to domain.VersionStatus, eventType, actorID, note string) (domain.Version, error) {
	now := e.stamp()
	ok, err := e.Repo.TransitionVersion(ctx, tx, repo.Transition{VersionID: sc.Version.ID, From: from, To: to, ActorID: actorID, At: now, Note: note})
	if err != nil {
		return domain.Version{}, storeErr(err, "transition version %s to %s", sc.Version.ID, to)
	}
	if !ok {
		return domain.Version{}, apperr.InvalidState("version %s is no longer %s", sc.Version.ID, from)
	}
	if _, err := e.Repo.RefreshCounters(ctx, tx, sc.Version.ID, now); err != nil {
		return domain.Version{}, err
	}
	payload := events.EventPayload{"from": string(from), "to": string(to), "number": sc.Version.Number}
	if note != "" {
		payload["note"] = note
	}
	if err := e.events().Append(ctx, tx, eventType, sc.Phase.ReportID, "version", sc.Version.ID, actorID, payload); err != nil {
		return domain.Version{}, err
	}
	return e.Repo.GetVersion(ctx, tx, sc.Version.ID)
}

// Approve approves a pending version and supersedes the previously approved one.
// With orchestration.complete_on_approval the owning phase completes in the
// same transaction.
func (e Engine) Approve(ctx context.Context, versionID, actorID, notes string) (domain.Version, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Version{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()
	sc, err := e.loadScope(ctx, tx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	if err := requireStatus(sc.Version, domain.VersionPendingApproval, "approve"); err != nil {
		return domain.Version{}, err
	}
	var superseded *domain.Version
	prev, err := e.Repo.ApprovedVersion(ctx, tx, sc.Phase.ID)
	switch {
	case err == nil:
		if _, err := e.transitionTx(ctx, tx, versionScope{Version: prev, Phase: sc.Phase}, domain.VersionApproved, domain.VersionSuperseded, actorID, "superseded by "+versionID); err != nil {
			return domain.Version{}, err
		}
		superseded = &prev
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Version{}, err
	}
	v, err := e.transitionTx(ctx, tx, sc, domain.VersionPendingApproval, domain.VersionApproved, actorID, notes)
	if err != nil {
		return domain.Version{}, err
	}
	var pending []pendingNote
	if e.Config != nil && e.Config.Orchestration.CompleteOnApproval {
		res, err := e.completePhaseTx(ctx, tx, sc.Phase, actorID)
		if err != nil {
			return domain.Version{}, err
		}
		pending = res.notes
	}
	if err := commit(tx); err != nil {
		return domain.Version{}, err
	}
	if superseded != nil {
		e.logTransition(*superseded, domain.VersionApproved, domain.VersionSuperseded, actorID)
	}
	e.logTransition(v, domain.VersionPendingApproval, domain.VersionApproved, actorID)
	e.sendAll(pending)
	return v, nil
}

// Reject rejects a pending version. A rejected version never changes again.
func (e Engine) Reject(ctx context.Context, versionID, actorID, reason string) (domain.Version, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Version{}, err
	}
	if strings.TrimSpace(reason) == "" {
		return domain.Version{}, apperr.Validation("rejection reason is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()
	sc, err := e.loadScope(ctx, tx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	if err := requireStatus(sc.Version, domain.VersionPendingApproval, "reject"); err != nil {
		return domain.Version{}, err
	}
	v, err := e.transitionTx(ctx, tx, sc, domain.VersionPendingApproval, domain.VersionRejected, actorID, reason)
	if err != nil {
		return domain.Version{}, err
	}
	if err := commit(tx); err != nil {
		return domain.Version{}, err
	}
	e.logTransition(v, domain.VersionPendingApproval, domain.VersionRejected, actorID)
	e.send(notify.RoleTester, versionRef(v.ID), fmt.Sprintf("version %d of %s was rejected: %s", v.Number, sc.Phase.Phase, reason))
	return v, nil
}

// DiscardVersion abandons a draft before submission.
func (e Engine) DiscardVersion(ctx context.Context, versionID, actorID string) (domain.Version, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Version{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()
	sc, err := e.loadScope(ctx, tx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	if err := requireStatus(sc.Version, domain.VersionDraft, "discard"); err != nil {
		return domain.Version{}, err
	}
	v, err := e.transitionAs(ctx, tx, sc, domain.VersionDraft, domain.VersionSuperseded, events.VersionDiscarded, actorID, "")
	if err != nil {
		return domain.Version{}, err
	}
	if err := commit(tx); err != nil {
		return domain.Version{}, err
	}
	e.logTransition(v, domain.VersionDraft, domain.VersionSuperseded, actorID)
	return v, nil
}

// CurrentApproved returns the approved version of a phase instance, or nil.
func (e Engine) CurrentApproved(ctx context.Context, phaseInstanceID string) (*domain.Version, error) {
	if _, err := e.Repo.GetPhaseInstance(ctx, e.DB, phaseInstanceID); err != nil {
		return nil, storeErr(err, "phase instance %s not found", phaseInstanceID)
	}
	v, err := e.Repo.ApprovedVersion(ctx, e.DB, phaseInstanceID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ResubmitFromFeedback opens a draft from the most recent version whose
// records carry reject or revise feedback. Only the flagged records are
// carried forward, with their suggestions and without decisions.
func (e Engine) ResubmitFromFeedback(ctx context.Context, phaseInstanceID, actorID string) (domain.Version, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Version{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()
	pi, err := e.Repo.GetPhaseInstance(ctx, tx, phaseInstanceID)
	if err != nil {
		return domain.Version{}, storeErr(err, "phase instance %s not found", phaseInstanceID)
	}
	baseline, err := e.Repo.LatestVersionWithFeedback(ctx, tx, pi.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Version{}, apperr.BusinessLogic("no version of phase instance %s carries reject or revise feedback", pi.ID)
	}
	if err != nil {
		return domain.Version{}, err
	}
	if err := e.warnNewerUndecided(ctx, tx, baseline); err != nil {
		return domain.Version{}, err
	}
	v, err := e.createVersionTx(ctx, tx, pi, &baseline, CarryFlagged, actorID)
	if err != nil {
		return domain.Version{}, err
	}
	if err := e.events().Append(ctx, tx, events.VersionResubmitted, pi.ReportID, "version", v.ID, actorID, events.EventPayload{"baseline_id": baseline.ID}); err != nil {
		return domain.Version{}, err
	}
	if err := commit(tx); err != nil {
		return domain.Version{}, err
	}
	e.logTransition(v, "", domain.VersionDraft, actorID)
	e.send(notify.RoleTester, versionRef(v.ID), fmt.Sprintf("version %d of %s reopened from feedback on version %d", v.Number, pi.Phase, baseline.Number))
	return v, nil
}

// warnNewerUndecided logs when the baseline choice skips a newer version
// that has no approver decisions yet.
func (e Engine) warnNewerUndecided(ctx context.Context, q repo.Querier, baseline domain.Version) error {
	versions, err := e.Repo.ListVersions(ctx, q, repo.VersionFilters{PhaseInstanceID: baseline.PhaseInstanceID})
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v.Number <= baseline.Number {
			continue
		}
		recs, err := e.Repo.ListRecords(ctx, q, repo.RecordFilters{VersionID: v.ID})
		if err != nil {
			return err
		}
		decided := false
		for _, r := range recs {
			if r.Approver != nil {
				decided = true
				break
			}
		}
		if !decided {
			e.log().Warn("resubmission baseline skips newer version without approver decisions",
				zap.String("baseline_id", baseline.ID),
				zap.Int("baseline_number", baseline.Number),
				zap.String("newer_id", v.ID),
				zap.Int("newer_number", v.Number),
				zap.String("newer_status", string(v.Status)))
		}
	}
	return nil
}

func (e Engine) GetVersion(ctx context.Context, versionID string) (domain.Version, error) {
	v, err := e.Repo.GetVersion(ctx, e.DB, versionID)
	if err != nil {
		return v, storeErr(err, "version %s not found", versionID)
	}
	return v, nil
}

// ListVersions returns a phase instance's versions by number.
func (e Engine) ListVersions(ctx context.Context, phaseInstanceID string) ([]domain.Version, error) {
	if _, err := e.Repo.GetPhaseInstance(ctx, e.DB, phaseInstanceID); err != nil {
		return nil, storeErr(err, "phase instance %s not found", phaseInstanceID)
	}
	return e.Repo.ListVersions(ctx, e.DB, repo.VersionFilters{PhaseInstanceID: phaseInstanceID})
}
