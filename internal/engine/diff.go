package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"phaseline/internal/apperr"
	"phaseline/internal/domain"
	"phaseline/internal/repo"
)

// ItemChange describes how one item's record differs between two versions.
type ItemChange struct {
	ItemID string `json:"item_id"`
	// Change is added, removed or changed.
	Change string `json:"change"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

// VersionDiff compares the decision records of two versions of one phase.
type VersionDiff struct {
	FromID    string       `json:"from_id"`
	ToID      string       `json:"to_id"`
	Changes   []ItemChange `json:"changes"`
	Unchanged int          `json:"unchanged"`
	Patch     string       `json:"patch"`
}

// DiffVersions reports per-item differences between two versions of the
// same phase instance, plus a text patch over their one-line renderings.
func (e Engine) DiffVersions(ctx context.Context, fromID, toID string) (VersionDiff, error) {
	from, err := e.Repo.GetVersion(ctx, e.DB, fromID)
	if err != nil {
		return VersionDiff{}, storeErr(err, "version %s not found", fromID)
	}
	to, err := e.Repo.GetVersion(ctx, e.DB, toID)
	if err != nil {
		return VersionDiff{}, storeErr(err, "version %s not found", toID)
	}
	if from.PhaseInstanceID != to.PhaseInstanceID {
		return VersionDiff{}, apperr.Validation("versions %s and %s belong to different phase instances", fromID, toID)
	}
	before, err := e.Repo.ListRecords(ctx, e.DB, repo.RecordFilters{VersionID: fromID})
	if err != nil {
		return VersionDiff{}, err
	}
	after, err := e.Repo.ListRecords(ctx, e.DB, repo.RecordFilters{VersionID: toID})
	if err != nil {
		return VersionDiff{}, err
	}
	return diffRecords(fromID, toID, before, after), nil
}

func diffRecords(fromID, toID string, before, after []domain.DecisionRecord) VersionDiff {
	out := VersionDiff{FromID: fromID, ToID: toID, Changes: []ItemChange{}}
	old := make(map[string]string, len(before))
	for _, r := range before {
		old[r.ItemID] = renderRecord(r)
	}
	seen := make(map[string]bool, len(after))
	for _, r := range after {
		seen[r.ItemID] = true
		line := renderRecord(r)
		prev, ok := old[r.ItemID]
		switch {
		case !ok:
			out.Changes = append(out.Changes, ItemChange{ItemID: r.ItemID, Change: "added", To: line})
		case prev != line:
			out.Changes = append(out.Changes, ItemChange{ItemID: r.ItemID, Change: "changed", From: prev, To: line})
		default:
			out.Unchanged++
		}
	}
	for _, r := range before {
		if !seen[r.ItemID] {
			out.Changes = append(out.Changes, ItemChange{ItemID: r.ItemID, Change: "removed", From: old[r.ItemID]})
		}
	}

	a, b := renderAll(before), renderAll(after)
	if a == b {
		return out
	}
	dmp := diffmatchpatch.New()
	chars1, chars2, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(chars1, chars2, false), lines)
	out.Patch = dmp.PatchToText(dmp.PatchMake(a, diffs))
	return out
}

func renderAll(recs []domain.DecisionRecord) string {
	var sb strings.Builder
	for _, r := range recs {
		sb.WriteString(renderRecord(r))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func renderRecord(r domain.DecisionRecord) string {
	suggested, tester, approver := "-", "-", "-"
	if r.Suggestion != nil {
		suggested = r.Suggestion.Action
	}
	if r.Tester != nil {
		tester = r.Tester.Action
	}
	if r.Approver != nil {
		approver = r.Approver.Action
	}
	return fmt.Sprintf("%s suggested=%s tester=%s approver=%s override=%t", r.ItemID, suggested, tester, approver, r.Override)
}
