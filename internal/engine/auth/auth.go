// Package auth maps principal roles to permissions and resolves which
// decision slot a human write targets.
package auth

import (
	"fmt"
	"sort"

	"phaseline/internal/apperr"
	"phaseline/internal/domain"
)

// Roles carried by principals.
const (
	RoleTester      = "tester"
	RoleApprover    = "approver"
	RoleReportOwner = "report_owner"
	RoleAdmin       = "admin"
)

// Permissions checked by the API.
const (
	PermRead            = "read"
	PermReportWrite     = "report.write"
	PermPhaseStart      = "phase.start"
	PermPhaseComplete   = "phase.complete"
	PermVersionCreate   = "version.create"
	PermVersionSubmit   = "version.submit"
	PermVersionDecide   = "version.decide"
	PermVersionDiscard  = "version.discard"
	PermSuggestionWrite = "suggestion.write"
	PermDecideTester    = "decision.tester"
	PermDecideApprover  = "decision.approver"
	PermJobRun          = "job.run"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

var rolePermissions = map[string][]string{
	RoleTester: {
		PermRead, PermVersionCreate, PermVersionSubmit, PermVersionDiscard,
		PermSuggestionWrite, PermDecideTester, PermJobRun,
	},
	RoleApprover: {
		PermRead, PermVersionDecide, PermDecideApprover,
	},
	RoleReportOwner: {
		PermRead, PermReportWrite, PermPhaseStart, PermPhaseComplete, PermVersionCreate,
	},
}

// Permissions returns the sorted union of permissions granted by roles.
// Admin holds every permission.
func Permissions(roles []string) []string {
	set := map[string]bool{}
	for _, r := range roles {
		if r == RoleAdmin {
			for _, perms := range rolePermissions {
				for _, p := range perms {
					set[p] = true
				}
			}
			continue
		}
		for _, p := range rolePermissions[r] {
			set[p] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Can reports whether roles or explicit grants include perm.
func Can(roles, grants []string, perm string) bool {
	for _, g := range grants {
		if g == perm {
			return true
		}
	}
	for _, p := range Permissions(roles) {
		if p == perm {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless perm is held.
func Require(roles, grants []string, perm string) error {
	if Can(roles, grants, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// ResolveDecisionKind picks the decision slot for a principal. A principal
// allowed to write both slots must name one explicitly; requested is ignored
// only when empty.
func ResolveDecisionKind(roles, grants []string, requested string) (domain.DecisionKind, error) {
	tester := Can(roles, grants, PermDecideTester)
	approver := Can(roles, grants, PermDecideApprover)
	switch domain.DecisionKind(requested) {
	case domain.DecisionTester:
		if !tester {
			return "", ForbiddenError{Permission: PermDecideTester}
		}
		return domain.DecisionTester, nil
	case domain.DecisionApprover:
		if !approver {
			return "", ForbiddenError{Permission: PermDecideApprover}
		}
		return domain.DecisionApprover, nil
	case "":
	default:
		return "", apperr.Validation("unknown decision kind %q", requested)
	}
	switch {
	case tester && approver:
		return "", apperr.Validation("principal holds tester and approver roles; kind must be given")
	case tester:
		return domain.DecisionTester, nil
	case approver:
		return domain.DecisionApprover, nil
	default:
		return "", ForbiddenError{Permission: PermDecideTester}
	}
}
