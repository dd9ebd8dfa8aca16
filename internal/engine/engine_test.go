package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/apperr"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/events"
	"phaseline/internal/migrate"
	"phaseline/internal/notify"
	"phaseline/internal/repo"
)

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Notified *notify.Recorder
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.Default())
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	rec := &notify.Recorder{}
	eng.Notifier = rec
	return testEnv{Engine: eng, Ctx: ctx, Notified: rec}
}

func mustConfig(t *testing.T, yml string) *config.Config {
	t.Helper()
	cfg, err := config.FromYAML([]byte(yml))
	require.NoError(t, err)
	return cfg
}

func itemIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("item-%03d", i+1)
	}
	return out
}

// seedReport creates report r1 with n catalog items.
func (env testEnv) seedReport(t *testing.T, n int) {
	t.Helper()
	_, err := env.Engine.CreateReport(env.Ctx, "r1", "Quarterly controls", "owner")
	require.NoError(t, err)
	items := make([]engine.CatalogItemInput, 0, n)
	for _, id := range itemIDs(n) {
		items = append(items, engine.CatalogItemInput{ID: id, Name: "Control " + id})
	}
	added, err := env.Engine.AddCatalogItems(env.Ctx, "r1", items, "owner")
	require.NoError(t, err)
	require.Equal(t, n, added)
}

// draft returns the open version of a started phase.
func (env testEnv) draft(t *testing.T, phase string) domain.Version {
	t.Helper()
	views, err := env.Engine.ListPhases(env.Ctx, "r1")
	require.NoError(t, err)
	for _, v := range views {
		if v.Name == phase {
			require.NotNil(t, v.Current, "phase %s has no version", phase)
			return *v.Current
		}
	}
	t.Fatalf("phase %s not declared", phase)
	return domain.Version{}
}

func (env testEnv) recordItems(t *testing.T, versionID string) []string {
	t.Helper()
	recs, err := env.Engine.ListRecords(env.Ctx, versionID, false)
	require.NoError(t, err)
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ItemID)
	}
	return out
}

// approveWith decides every record in a draft (declining the given items),
// submits it and approves it.
func (env testEnv) approveWith(t *testing.T, versionID string, decline ...string) domain.Version {
	t.Helper()
	declined := make(map[string]bool, len(decline))
	for _, id := range decline {
		declined[id] = true
	}
	var accept []string
	for _, id := range env.recordItems(t, versionID) {
		if !declined[id] {
			accept = append(accept, id)
		}
	}
	_, err := env.Engine.BulkApply(env.Ctx, domain.DecisionTester, versionID, accept, engine.DecisionInput{Action: domain.ActionAccept}, "tester")
	require.NoError(t, err)
	if len(decline) > 0 {
		_, err = env.Engine.BulkApply(env.Ctx, domain.DecisionTester, versionID, decline, engine.DecisionInput{Action: domain.ActionDecline}, "tester")
		require.NoError(t, err)
	}
	_, err = env.Engine.SubmitForApproval(env.Ctx, versionID, "tester")
	require.NoError(t, err)
	v, err := env.Engine.Approve(env.Ctx, versionID, "approver", "ok")
	require.NoError(t, err)
	return v
}

func TestSubmitRequiresEveryRecordDecided(t *testing.T) {
	env := newTestEnv(t)
	env.seedReport(t, 10)
	_, err := env.Engine.StartPhase(env.Ctx, "r1", "planning", "lead")
	require.NoError(t, err)
	v := env.draft(t, "planning")
	assert.Equal(t, 1, v.Number)
	assert.Equal(t, 10, v.Counters.Total)

	ids := itemIDs(10)
	for _, id := range ids[:6] {
		_, err := env.Engine.ApplyTesterDecision(env.Ctx, v.ID, id, engine.DecisionInput{Action: domain.ActionAccept}, "tester")
		require.NoError(t, err)
	}
	c, err := env.Engine.DecisionCompleteness(env.Ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.Completeness{Total: 10, Decided: 6}, c)
	assert.False(t, c.Complete())

	_, err = env.Engine.SubmitForApproval(env.Ctx, v.ID, "tester")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, 10, ae.Details["total"])
	assert.Equal(t, 6, ae.Details["decided"])

	for _, id := range ids[6:] {
		_, err := env.Engine.ApplyTesterDecision(env.Ctx, v.ID, id, engine.DecisionInput{Action: domain.ActionDecline, Comment: "not in scope"}, "tester")
		require.NoError(t, err)
	}
	submitted, err := env.Engine.SubmitForApproval(env.Ctx, v.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.VersionPendingApproval, submitted.Status)
	assert.Equal(t, 10, submitted.Counters.Decided)
	assert.Equal(t, 6, submitted.Counters.Accepted)
	assert.Equal(t, 4, submitted.Counters.Declined)

	// Tester decisions are frozen once submitted.
	_, err = env.Engine.ApplyTesterDecision(env.Ctx, v.ID, ids[0], engine.DecisionInput{Action: domain.ActionDecline}, "tester")
	assert.True(t, errors.Is(err, apperr.ErrInvalidState))
}

func TestOverrideTracksSuggestionAndTester(t *testing.T) {
	env := newTestEnv(t)
	env.seedReport(t, 2)
	_, err := env.Engine.StartPhase(env.Ctx, "r1", "planning", "lead")
	require.NoError(t, err)
	v := env.draft(t, "planning")

	rec, err := env.Engine.ApplyTesterDecision(env.Ctx, v.ID, "item-001", engine.DecisionInput{Action: domain.ActionDecline}, "tester")
	require.NoError(t, err)
	assert.False(t, rec.Override, "no suggestion yet")

	rec, err = env.Engine.ApplyAutomatedSuggestion(env.Ctx, v.ID, "item-001", domain.Suggestion{Action: domain.ActionAccept, Confidence: 0.9, Provider: "static"}, "batch")
	require.NoError(t, err)
	assert.True(t, rec.Override)
	assert.Equal(t, "tester chose decline over suggested accept", rec.OverrideReason)

	rec, err = env.Engine.ApplyTesterDecision(env.Ctx, v.ID, "item-001", engine.DecisionInput{Action: domain.ActionAccept}, "tester")
	require.NoError(t, err)
	assert.False(t, rec.Override)
	assert.Empty(t, rec.OverrideReason)

	rec, err = env.Engine.ApplyAutomatedSuggestion(env.Ctx, v.ID, "item-002", domain.Suggestion{Action: domain.ActionAccept, Confidence: 0.4}, "batch")
	require.NoError(t, err)
	rec, err = env.Engine.ApplyTesterDecision(env.Ctx, v.ID, "item-002", engine.DecisionInput{Action: domain.ActionDecline, Comment: "evidence missing"}, "tester")
	require.NoError(t, err)
	assert.True(t, rec.Override)
	assert.Equal(t, "evidence missing", rec.OverrideReason)

	check, err := env.Engine.VerifyCounters(env.Ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, check.Consistent)
	assert.Equal(t, 1, check.Live.Overridden)

	_, err = env.Engine.ApplyAutomatedSuggestion(env.Ctx, v.ID, "item-002", domain.Suggestion{Action: "maybe"}, "batch")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = env.Engine.ApplyAutomatedSuggestion(env.Ctx, v.ID, "item-002", domain.Suggestion{Action: domain.ActionAccept, Confidence: 1.5}, "batch")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = env.Engine.ApplyAutomatedSuggestion(env.Ctx, v.ID, "item-999", domain.Suggestion{Action: domain.ActionAccept}, "batch")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestSingleOpenAndApprovedVersion(t *testing.T) {
	env := newTestEnv(t)
	env.seedReport(t, 3)
	pi, err := env.Engine.StartPhase(env.Ctx, "r1", "planning", "lead")
	require.NoError(t, err)
	v1 := env.draft(t, "planning")

	_, err = env.Engine.CreateVersion(env.Ctx, engine.CreateVersionOptions{PhaseInstanceID: pi.ID, ActorID: "lead"})
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	env.approveWith(t, v1.ID)
	current, err := env.Engine.CurrentApproved(env.Ctx, pi.ID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, v1.ID, current.ID)

	v2, err := env.Engine.CreateVersion(env.Ctx, engine.CreateVersionOptions{PhaseInstanceID: pi.ID, ParentVersionID: v1.ID, ActorID: "lead"})
	require.NoError(t, err)
	require.NotNil(t, v2.ParentID)
	assert.Equal(t, v1.ID, *v2.ParentID)
	assert.Equal(t, 2, v2.Number)
	env.approveWith(t, v2.ID)

	versions, err := env.Engine.ListVersions(env.Ctx, pi.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, domain.VersionSuperseded, versions[0].Status)
	assert.Equal(t, domain.VersionApproved, versions[1].Status)

	// Approving twice is an invalid transition.
	_, err = env.Engine.Approve(env.Ctx, v2.ID, "approver", "")
	assert.True(t, errors.Is(err, apperr.ErrInvalidState))
}

func TestConcurrentApproveOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	env.seedReport(t, 4)
	_, err := env.Engine.StartPhase(env.Ctx, "r1", "planning", "lead")
	require.NoError(t, err)
	v := env.draft(t, "planning")
	_, err = env.Engine.BulkApply(env.Ctx, domain.DecisionTester, v.ID, itemIDs(4), engine.DecisionInput{Action: domain.ActionAccept}, "tester")
	require.NoError(t, err)
	_, err = env.Engine.SubmitForApproval(env.Ctx, v.ID, "tester")
	require.NoError(t, err)

	const racers = 4
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Approve(env.Ctx, v.ID, fmt.Sprintf("approver-%d", i), "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, apperr.ErrInvalidState) || errors.Is(err, apperr.ErrConflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)

	approved, err := env.Engine.Repo.ListVersions(env.Ctx, env.Engine.DB, repo.VersionFilters{Statuses: []domain.VersionStatus{domain.VersionApproved}})
	require.NoError(t, err)
	assert.Len(t, approved, 1)
}

func TestCopyForwardKeepsSuggestionsAndClearsDecisions(t *testing.T) {
	env := newTestEnv(t)
	env.seedReport(t, 5)
	pi, err := env.Engine.StartPhase(env.Ctx, "r1", "planning", "lead")
	require.NoError(t, err)
	v1 := env.draft(t, "planning")
	for i, id := range itemIDs(5) {
		_, err := env.Engine.ApplyAutomatedSuggestion(env.Ctx, v1.ID, id, domain.Suggestion{
			Action:      domain.ActionAccept,
			Confidence:  float64(i+1) / 10,
			Rationale:   "matches policy",
			Metadata:    map[string]string{"rule": id},
			Provider:    "static",
			RawRequest:  `{"item":"` + id + `"}`,
			RawResponse: `{"ok":true}`,
		}, "batch")
		require.NoError(t, err)
	}
	env.approveWith(t, v1.ID, "item-005")

	v2, err := env.Engine.CreateVersion(env.Ctx, engine.CreateVersionOptions{PhaseInstanceID: pi.ID, ParentVersionID: v1.ID, ActorID: "lead"})
	require.NoError(t, err)
	assert.Equal(t, 5, v2.Counters.Total)
	assert.Equal(t, 0, v2.Counters.Decided)

	parent, err := env.Engine.ListRecords(env.Ctx, v1.ID, false)
	require.NoError(t, err)
	child, err := env.Engine.ListRecords(env.Ctx, v2.ID, false)
	require.NoError(t, err)
	require.Len(t, child, len(parent))
	for i := range parent {
		assert.Equal(t, parent[i].ItemID, child[i].ItemID)
		assert.NotEqual(t, parent[i].ID, child[i].ID)
		assert.Equal(t, parent[i].Suggestion, child[i].Suggestion)
		assert.Nil(t, child[i].Tester)
		assert.Nil(t, child[i].Approver)
		assert.False(t, child[i].Override)
	}

	other, err := env.Engine.CreateVersion(env.Ctx, engine.CreateVersionOptions{PhaseInstanceID: pi.ID, ParentVersionID: "missing", ActorID: "lead"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v %v", other, err)
}

func TestResubmitReopensFlaggedRecords(t *testing.T) {
	env := newTestEnv(t)
	env.seedReport(t, 10)
	pi, err := env.Engine.StartPhase(env.Ctx, "r1", "planning", "lead")
	require.NoError(t, err)

	_, err = env.Engine.ResubmitFromFeedback(env.Ctx, pi.ID, "tester")
	assert.True(t, errors.Is(err, apperr.ErrBusinessLogic))

	v1 := env.draft(t, "planning")
	_, err = env.Engine.BulkApply(env.Ctx, domain.DecisionTester, v1.ID, itemIDs(10), engine.DecisionInput{Action: domain.ActionAccept}, "tester")
	require.NoError(t, err)
	_, err = env.Engine.SubmitForApproval(env.Ctx, v1.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.ApplyApproverDecision(env.Ctx, v1.ID, "item-003", engine.DecisionInput{Action: domain.ActionReject, Comment: "wrong control"}, "approver")
	require.NoError(t, err)
	_, err = env.Engine.ApplyApproverDecision(env.Ctx, v1.ID, "item-007", engine.DecisionInput{Action: domain.ActionRevise}, "approver")
	require.NoError(t, err)

	_, err = env.Engine.Reject(env.Ctx, v1.ID, "approver", "")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	rejected, err := env.Engine.Reject(env.Ctx, v1.ID, "approver", "two items need rework")
	require.NoError(t, err)
	assert.Equal(t, domain.VersionRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "two items need rework", *rejected.RejectionReason)

	_, err = env.Engine.ApplyApproverDecision(env.Ctx, v1.ID, "item-001", engine.DecisionInput{Action: domain.ActionApprove}, "approver")
	assert.True(t, errors.Is(err, apperr.ErrInvalidState), "rejected versions are immutable")

	v2, err := env.Engine.ResubmitFromFeedback(env.Ctx, pi.ID, "tester")
	require.NoError(t, err)
	require.NotNil(t, v2.ParentID)
	assert.Equal(t, v1.ID, *v2.ParentID)
	assert.Equal(t, 2, v2.Counters.Total)
	assert.Equal(t, 0, v2.Counters.Decided)

	all, err := env.Engine.ListRecords(env.Ctx, v2.ID, false)
	require.NoError(t, err)
	var reopened []string
	for _, r := range all {
		reopened = append(reopened, r.ItemID)
		assert.Nil(t, r.Tester)
		assert.Nil(t, r.Approver)
	}
	assert.Equal(t, []string{"item-003", "item-007"}, reopened)

	diff, err := env.Engine.DiffVersions(env.Ctx, v1.ID, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, diff.Unchanged)
	require.Len(t, diff.Changes, 10)
	assert.Equal(t, "item-003", diff.Changes[0].ItemID)
	assert.Equal(t, "changed", diff.Changes[0].Change)
	assert.Equal(t, "item-007", diff.Changes[1].ItemID)
	assert.Equal(t, "removed", diff.Changes[2].Change)
	assert.Contains(t, diff.Patch, "item-007")

	// A second resubmission collides with the open draft.
	_, err = env.Engine.ResubmitFromFeedback(env.Ctx, pi.ID, "tester")
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestPhaseGatingAndSeedingFromAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.seedReport(t, 6)

	_, err := env.Engine.StartPhase(env.Ctx, "r1", "scoping", "lead")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, []string{"planning"}, ae.Details["missing"])

	_, err = env.Engine.StartPhase(env.Ctx, "r1", "nonsense", "lead")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = env.Engine.StartPhase(env.Ctx, "r2", "planning", "lead")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = env.Engine.StartPhase(env.Ctx, "r1", "planning", "lead")
	require.NoError(t, err)
	_, err = env.Engine.StartPhase(env.Ctx, "r1", "planning", "lead")
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	_, err = env.Engine.CompletePhase(env.Ctx, "r1", "planning", "lead")
	assert.True(t, errors.Is(err, apperr.ErrInvalidState), "draft version blocks completion")

	env.approveWith(t, env.draft(t, "planning").ID, "item-002", "item-005")
	res, err := env.Engine.CompletePhase(env.Ctx, "r1", "planning", "lead")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseComplete, res.Phase.Status)
	require.Len(t, res.Started, 1)
	assert.Equal(t, "scoping", res.Started[0].Phase)

	_, err = env.Engine.CompletePhase(env.Ctx, "r1", "planning", "lead")
	assert.True(t, errors.Is(err, apperr.ErrInvalidState))

	scoping := env.draft(t, "scoping")
	assert.Equal(t, []string{"item-001", "item-003", "item-004", "item-006"}, env.recordItems(t, scoping.ID))

	views, err := env.Engine.ListPhases(env.Ctx, "r1")
	require.NoError(t, err)
	require.Len(t, views, 8)
	assert.Equal(t, domain.PhaseComplete, views[0].Status)
	assert.Equal(t, domain.PhaseInProgress, views[1].Status)
	assert.Equal(t, domain.PhaseNotStarted, views[2].Status)
	assert.Nil(t, views[2].Instance)
}

const diamond = `phases:
  - name: a
  - name: b
    requires: [a]
  - name: c
    requires: [a]
  - name: d
    requires: [b, c]
`

func TestFanInStartsOnlyAfterAllPrerequisites(t *testing.T) {
	env := newTestEnvWithConfig(t, mustConfig(t, diamond))
	env.seedReport(t, 5)
	_, err := env.Engine.StartPhase(env.Ctx, "r1", "a", "lead")
	require.NoError(t, err)
	env.approveWith(t, env.draft(t, "a").ID)
	res, err := env.Engine.CompletePhase(env.Ctx, "r1", "a", "lead")
	require.NoError(t, err)
	require.Len(t, res.Started, 2)
	assert.Equal(t, "b", res.Started[0].Phase)
	assert.Equal(t, "c", res.Started[1].Phase)

	env.approveWith(t, env.draft(t, "b").ID, "item-001", "item-002")
	res, err = env.Engine.CompletePhase(env.Ctx, "r1", "b", "lead")
	require.NoError(t, err)
	assert.Empty(t, res.Started, "d still waits for c")

	env.approveWith(t, env.draft(t, "c").ID, "item-002", "item-004")
	res, err = env.Engine.CompletePhase(env.Ctx, "r1", "c", "lead")
	require.NoError(t, err)
	require.Len(t, res.Started, 1)
	assert.Equal(t, "d", res.Started[0].Phase)

	// Union of accepted items across b and c, in catalog order.
	assert.Equal(t, []string{"item-001", "item-003", "item-004", "item-005"}, env.recordItems(t, env.draft(t, "d").ID))
}

func TestCompleteOnApproval(t *testing.T) {
	cfg := mustConfig(t, diamond+"orchestration:\n  complete_on_approval: true\n  auto_start_dependents: true\n")
	env := newTestEnvWithConfig(t, cfg)
	env.seedReport(t, 2)
	_, err := env.Engine.StartPhase(env.Ctx, "r1", "a", "lead")
	require.NoError(t, err)
	env.approveWith(t, env.draft(t, "a").ID)

	pi, err := env.Engine.GetPhase(env.Ctx, "r1", "a")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseComplete, pi.Status)
	require.NotNil(t, pi.CompletedBy)
	assert.Equal(t, "approver", *pi.CompletedBy)

	views, err := env.Engine.ListPhases(env.Ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseInProgress, views[1].Status)
	assert.Equal(t, domain.PhaseInProgress, views[2].Status)
	assert.Equal(t, domain.PhaseNotStarted, views[3].Status)

	owner := env.Notified.ForRole(notify.RoleReportOwner)
	require.Len(t, owner, 1)
	assert.Contains(t, owner[0].Message, "phase a")
}

func TestNotificationsFollowLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedReport(t, 2)
	_, err := env.Engine.StartPhase(env.Ctx, "r1", "planning", "lead")
	require.NoError(t, err)
	v := env.draft(t, "planning")
	require.Len(t, env.Notified.ForRole(notify.RoleTester), 1)

	_, err = env.Engine.BulkApply(env.Ctx, domain.DecisionTester, v.ID, itemIDs(2), engine.DecisionInput{Action: domain.ActionAccept}, "tester")
	require.NoError(t, err)
	_, err = env.Engine.SubmitForApproval(env.Ctx, v.ID, "tester")
	require.NoError(t, err)
	approver := env.Notified.ForRole(notify.RoleApprover)
	require.Len(t, approver, 1)
	assert.Equal(t, "version:"+v.ID, approver[0].ContextRef)

	_, err = env.Engine.Reject(env.Ctx, v.ID, "approver", "missing evidence")
	require.NoError(t, err)
	tester := env.Notified.ForRole(notify.RoleTester)
	require.Len(t, tester, 2)
	assert.Contains(t, tester[1].Message, "missing evidence")
}

func TestBulkApplySkipsUnknownItems(t *testing.T) {
	env := newTestEnv(t)
	env.seedReport(t, 3)
	_, err := env.Engine.StartPhase(env.Ctx, "r1", "planning", "lead")
	require.NoError(t, err)
	v := env.draft(t, "planning")

	res, err := env.Engine.BulkApply(env.Ctx, domain.DecisionTester, v.ID,
		[]string{"item-001", "ghost", "item-002", "item-001"},
		engine.DecisionInput{Action: domain.ActionAccept}, "tester")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, []engine.SkipReason{{ItemID: "ghost", Reason: "not_found"}, {ItemID: "item-001", Reason: "duplicate"}}, res.Skipped)

	_, err = env.Engine.BulkApply(env.Ctx, domain.DecisionApprover, v.ID, []string{"item-001"}, engine.DecisionInput{Action: domain.ActionApprove}, "approver")
	assert.True(t, errors.Is(err, apperr.ErrInvalidState), "approver decisions need pending_approval")
	_, err = env.Engine.BulkApply(env.Ctx, domain.DecisionTester, v.ID, []string{"item-001"}, engine.DecisionInput{Action: domain.ActionApprove}, "tester")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	check, err := env.Engine.VerifyCounters(env.Ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, check.Consistent)
	assert.Equal(t, 2, check.Stored.Decided)
}

func TestSeedRecordsIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seedReport(t, 3)
	_, err := env.Engine.StartPhase(env.Ctx, "r1", "planning", "lead")
	require.NoError(t, err)
	v := env.draft(t, "planning")

	n, err := env.Engine.SeedRecords(env.Ctx, v.ID, []string{"item-001", "item-002"}, "lead")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = env.Engine.AddCatalogItems(env.Ctx, "r1", []engine.CatalogItemInput{{ID: "item-004", Name: "late", IsCritical: true}}, "owner")
	require.NoError(t, err)
	n, err = env.Engine.SeedRecords(env.Ctx, v.ID, []string{"item-004"}, "lead")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rec, err := env.Engine.GetRecord(env.Ctx, v.ID, "item-004")
	require.NoError(t, err)
	assert.True(t, rec.IsCritical)

	_, err = env.Engine.SeedRecords(env.Ctx, v.ID, []string{"ghost"}, "lead")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestDiscardThenCompleteUsesApproved(t *testing.T) {
	env := newTestEnv(t)
	env.seedReport(t, 2)
	pi, err := env.Engine.StartPhase(env.Ctx, "r1", "planning", "lead")
	require.NoError(t, err)
	v1 := env.draft(t, "planning")
	env.approveWith(t, v1.ID)

	v2, err := env.Engine.CreateVersion(env.Ctx, engine.CreateVersionOptions{PhaseInstanceID: pi.ID, ParentVersionID: v1.ID, ActorID: "lead"})
	require.NoError(t, err)
	_, err = env.Engine.CompletePhase(env.Ctx, "r1", "planning", "lead")
	assert.True(t, errors.Is(err, apperr.ErrInvalidState), "open draft governs")

	discarded, err := env.Engine.DiscardVersion(env.Ctx, v2.ID, "lead")
	require.NoError(t, err)
	assert.Equal(t, domain.VersionSuperseded, discarded.Status)

	evts, err := env.Engine.Repo.ListEvents(env.Ctx, env.Engine.DB, repo.EventFilters{EntityKind: "version", EntityID: v2.ID})
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, events.VersionDiscarded)
	assert.NotContains(t, types, events.VersionSuperseded)

	_, err = env.Engine.CompletePhase(env.Ctx, "r1", "planning", "lead")
	require.NoError(t, err)

	_, err = env.Engine.CreateVersion(env.Ctx, engine.CreateVersionOptions{PhaseInstanceID: pi.ID, ActorID: "lead"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidState), "complete phases take no new versions")
}

func TestEventsRecordLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedReport(t, 1)
	_, err := env.Engine.StartPhase(env.Ctx, "r1", "planning", "lead")
	require.NoError(t, err)
	env.approveWith(t, env.draft(t, "planning").ID)

	evts, err := env.Engine.Repo.ListEvents(env.Ctx, env.Engine.DB, repo.EventFilters{ReportID: "r1"})
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, e := range evts {
		seen[e.Type] = true
	}
	for _, typ := range []string{"report.created", "catalog.items_added", "phase.started", "version.created", "records.seeded", "version.submitted", "version.approved"} {
		assert.True(t, seen[typ], "missing %s event", typ)
	}
}
