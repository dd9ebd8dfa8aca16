package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/apperr"
	"phaseline/internal/domain"
)

func TestPermissionsUnion(t *testing.T) {
	perms := Permissions([]string{RoleTester, RoleApprover})
	assert.Contains(t, perms, PermDecideTester)
	assert.Contains(t, perms, PermDecideApprover)
	assert.NotContains(t, perms, PermPhaseStart)
	assert.Empty(t, Permissions([]string{"stranger"}))
	assert.Contains(t, Permissions([]string{RoleAdmin}), PermPhaseComplete)
}

func TestRequire(t *testing.T) {
	require.NoError(t, Require([]string{RoleReportOwner}, nil, PermPhaseStart))
	require.NoError(t, Require(nil, []string{PermPhaseStart}, PermPhaseStart))
	err := Require([]string{RoleTester}, nil, PermVersionDecide)
	var fe ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, PermVersionDecide, fe.Permission)
}

func TestResolveDecisionKind(t *testing.T) {
	cases := []struct {
		name      string
		roles     []string
		requested string
		want      domain.DecisionKind
		forbidden bool
		invalid   bool
	}{
		{name: "tester implicit", roles: []string{RoleTester}, want: domain.DecisionTester},
		{name: "approver implicit", roles: []string{RoleApprover}, want: domain.DecisionApprover},
		{name: "both needs kind", roles: []string{RoleTester, RoleApprover}, invalid: true},
		{name: "both explicit", roles: []string{RoleTester, RoleApprover}, requested: "approver", want: domain.DecisionApprover},
		{name: "admin explicit", roles: []string{RoleAdmin}, requested: "tester", want: domain.DecisionTester},
		{name: "tester asks approver", roles: []string{RoleTester}, requested: "approver", forbidden: true},
		{name: "no role", roles: []string{RoleReportOwner}, forbidden: true},
		{name: "bad kind", roles: []string{RoleTester}, requested: "owner", invalid: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveDecisionKind(tc.roles, nil, tc.requested)
			switch {
			case tc.forbidden:
				var fe ForbiddenError
				assert.True(t, errors.As(err, &fe), "got %v", err)
			case tc.invalid:
				assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			}
		})
	}
}
