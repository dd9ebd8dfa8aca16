package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"phaseline/internal/apperr"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/notify"
	"phaseline/internal/repo"
)

// CompleteResult is the completed phase plus the dependents started with it.
type CompleteResult struct {
	Phase   domain.PhaseInstance   `json:"phase"`
	Started []domain.PhaseInstance `json:"started"`
}

// PhaseView is one declared phase of a report with its live state.
type PhaseView struct {
	Name     string                `json:"name"`
	Title    string                `json:"title,omitempty"`
	Requires []string              `json:"requires"`
	Status   domain.PhaseStatus    `json:"status"`
	Instance *domain.PhaseInstance `json:"instance,omitempty"`
	Current  *domain.Version       `json:"current_version,omitempty"`
	Approved *domain.Version       `json:"approved_version,omitempty"`
}

type completeOutcome struct {
	result CompleteResult
	notes  []pendingNote
}

// StartPhase begins a phase for a report and opens its first draft.
func (e Engine) StartPhase(ctx context.Context, reportID, phase, actorID string) (domain.PhaseInstance, error) {
	if err := requireActor(actorID); err != nil {
		return domain.PhaseInstance{}, err
	}
	g, err := newPhaseGraph(e.Config)
	if err != nil {
		return domain.PhaseInstance{}, err
	}
	if !g.has(phase) {
		return domain.PhaseInstance{}, apperr.Validation("unknown phase %s", phase)
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.PhaseInstance{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetReport(ctx, tx, reportID); err != nil {
		return domain.PhaseInstance{}, storeErr(err, "report %s not found", reportID)
	}
	existing, err := e.Repo.GetPhaseByName(ctx, tx, reportID, phase)
	switch {
	case err == nil:
		return domain.PhaseInstance{}, apperr.Conflict("phase %s of report %s is already %s", phase, reportID, existing.Status).
			With("status", string(existing.Status))
	case !errors.Is(err, repo.ErrNotFound):
		return domain.PhaseInstance{}, err
	}
	var missing []string
	for _, req := range g.requires[phase] {
		p, err := e.Repo.GetPhaseByName(ctx, tx, reportID, req)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.PhaseInstance{}, err
		}
		if err != nil || p.Status != domain.PhaseComplete {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return domain.PhaseInstance{}, apperr.Validation("phase %s requires %v to be complete", phase, missing).
			With("missing", missing)
	}
	pi, v, err := e.startPhaseTx(ctx, tx, reportID, phase, actorID)
	if err != nil {
		return domain.PhaseInstance{}, err
	}
	if err := commit(tx); err != nil {
		return domain.PhaseInstance{}, err
	}
	e.log().Info("phase started", zap.String("report_id", reportID), zap.String("phase", phase), zap.String("actor_id", actorID))
	e.logTransition(v, "", domain.VersionDraft, actorID)
	e.send(notify.RoleTester, versionRef(v.ID), fmt.Sprintf("phase %s started; version %d is ready for decisions", phase, v.Number))
	return pi, nil
}

func (e Engine) startPhaseTx(ctx context.Context, tx *sql.Tx, reportID, phase, actorID string) (domain.PhaseInstance, domain.Version, error) {
	pi := domain.PhaseInstance{
		ID:        uuid.NewString(),
		ReportID:  reportID,
		Phase:     phase,
		Status:    domain.PhaseInProgress,
		StartedBy: actorID,
		StartedAt: e.stamp(),
	}
	if err := e.Repo.InsertPhaseInstance(ctx, tx, pi); err != nil {
		return pi, domain.Version{}, storeErr(err, "phase %s of report %s already started", phase, reportID)
	}
	if err := e.events().Append(ctx, tx, events.PhaseStarted, reportID, "phase_instance", pi.ID, actorID, events.EventPayload{"phase": phase}); err != nil {
		return pi, domain.Version{}, err
	}
	v, err := e.createVersionTx(ctx, tx, pi, nil, CarryAll, actorID)
	if err != nil {
		return pi, domain.Version{}, err
	}
	return pi, v, nil
}

// CompletePhase marks a phase complete once its latest version is approved
// and starts the dependents that became eligible.
func (e Engine) CompletePhase(ctx context.Context, reportID, phase, actorID string) (CompleteResult, error) {
	if err := requireActor(actorID); err != nil {
		return CompleteResult{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return CompleteResult{}, err
	}
	defer tx.Rollback()
	pi, err := e.Repo.GetPhaseByName(ctx, tx, reportID, phase)
	if err != nil {
		return CompleteResult{}, storeErr(err, "phase %s of report %s not started", phase, reportID)
	}
	out, err := e.completePhaseTx(ctx, tx, pi, actorID)
	if err != nil {
		return CompleteResult{}, err
	}
	if err := commit(tx); err != nil {
		return CompleteResult{}, err
	}
	e.sendAll(out.notes)
	return out.result, nil
}

func (e Engine) completePhaseTx(ctx context.Context, tx *sql.Tx, pi domain.PhaseInstance, actorID string) (completeOutcome, error) {
	if pi.Status == domain.PhaseComplete {
		return completeOutcome{}, apperr.InvalidState("phase %s is already complete", pi.Phase)
	}
	versions, err := e.Repo.ListVersions(ctx, tx, repo.VersionFilters{PhaseInstanceID: pi.ID})
	if err != nil {
		return completeOutcome{}, err
	}
	// The governing version is the newest one not superseded or discarded.
	var governing *domain.Version
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Status != domain.VersionSuperseded {
			governing = &versions[i]
			break
		}
	}
	if governing == nil {
		return completeOutcome{}, apperr.InvalidState("phase %s has no version to complete with", pi.Phase)
	}
	if governing.Status != domain.VersionApproved {
		return completeOutcome{}, apperr.InvalidState("phase %s cannot complete: version %d is %s", pi.Phase, governing.Number, governing.Status).
			With("version_id", governing.ID).With("status", string(governing.Status))
	}
	now := e.stamp()
	ok, err := e.Repo.CompletePhaseInstance(ctx, tx, pi.ID, actorID, now)
	if err != nil {
		return completeOutcome{}, err
	}
	if !ok {
		return completeOutcome{}, apperr.InvalidState("phase %s is no longer in progress", pi.Phase)
	}
	if err := e.events().Append(ctx, tx, events.PhaseCompleted, pi.ReportID, "phase_instance", pi.ID, actorID, events.EventPayload{
		"phase": pi.Phase, "version_id": governing.ID,
	}); err != nil {
		return completeOutcome{}, err
	}
	done, err := e.Repo.GetPhaseInstance(ctx, tx, pi.ID)
	if err != nil {
		return completeOutcome{}, err
	}
	out := completeOutcome{result: CompleteResult{Phase: done, Started: []domain.PhaseInstance{}}}
	out.notes = append(out.notes, pendingNote{notify.RoleReportOwner, "phase:" + pi.ID, fmt.Sprintf("phase %s of report %s is complete", pi.Phase, pi.ReportID)})
	e.log().Info("phase completed", zap.String("report_id", pi.ReportID), zap.String("phase", pi.Phase), zap.String("actor_id", actorID))

	if e.Config == nil || !e.Config.Orchestration.AutoStartDependents {
		return out, nil
	}
	g, err := newPhaseGraph(e.Config)
	if err != nil {
		return completeOutcome{}, err
	}
	instances, err := e.Repo.ListPhaseInstances(ctx, tx, pi.ReportID)
	if err != nil {
		return completeOutcome{}, err
	}
	complete := make(map[string]bool, len(instances))
	started := make(map[string]bool, len(instances))
	for _, inst := range instances {
		started[inst.Phase] = true
		if inst.Status == domain.PhaseComplete {
			complete[inst.Phase] = true
		}
	}
	for _, next := range g.eligible(pi.Phase, complete, started) {
		npi, v, err := e.startPhaseTx(ctx, tx, pi.ReportID, next, actorID)
		if err != nil {
			return completeOutcome{}, fmt.Errorf("auto-start %s: %w", next, err)
		}
		out.result.Started = append(out.result.Started, npi)
		out.notes = append(out.notes, pendingNote{notify.RoleTester, versionRef(v.ID), fmt.Sprintf("phase %s started; version %d is ready for decisions", next, v.Number)})
		e.log().Info("phase auto-started", zap.String("report_id", pi.ReportID), zap.String("phase", next), zap.String("after", pi.Phase))
	}
	return out, nil
}

// ListPhases reports every declared phase for a report in graph order.
// Phases never started are listed as not_started.
func (e Engine) ListPhases(ctx context.Context, reportID string) ([]PhaseView, error) {
	g, err := newPhaseGraph(e.Config)
	if err != nil {
		return nil, err
	}
	if _, err := e.Repo.GetReport(ctx, e.DB, reportID); err != nil {
		return nil, storeErr(err, "report %s not found", reportID)
	}
	instances, err := e.Repo.ListPhaseInstances(ctx, e.DB, reportID)
	if err != nil {
		return nil, err
	}
	byPhase := make(map[string]domain.PhaseInstance, len(instances))
	for _, inst := range instances {
		byPhase[inst.Phase] = inst
	}
	out := make([]PhaseView, 0, len(g.order))
	for _, name := range g.order {
		view := PhaseView{Name: name, Title: g.titles[name], Requires: g.requires[name], Status: domain.PhaseNotStarted}
		if view.Requires == nil {
			view.Requires = []string{}
		}
		if inst, ok := byPhase[name]; ok {
			inst := inst
			view.Instance = &inst
			view.Status = inst.Status
			versions, err := e.Repo.ListVersions(ctx, e.DB, repo.VersionFilters{PhaseInstanceID: inst.ID})
			if err != nil {
				return nil, err
			}
			if len(versions) > 0 {
				cur := versions[len(versions)-1]
				view.Current = &cur
			}
			for i := range versions {
				if versions[i].Status == domain.VersionApproved {
					approved := versions[i]
					view.Approved = &approved
				}
			}
		}
		out = append(out, view)
	}
	return out, nil
}

// GetPhase returns the instance of a named phase for a report.
func (e Engine) GetPhase(ctx context.Context, reportID, phase string) (domain.PhaseInstance, error) {
	pi, err := e.Repo.GetPhaseByName(ctx, e.DB, reportID, phase)
	if err != nil {
		return pi, storeErr(err, "phase %s of report %s not started", phase, reportID)
	}
	return pi, nil
}
