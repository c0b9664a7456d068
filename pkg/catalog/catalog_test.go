package catalog

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	plan, ok := c.Plan("professional")
	require.True(t, ok)
	assert.Contains(t, plan.Features, "basic_donations")

	feature, ok := c.Feature("basic_donations")
	require.True(t, ok)
	assert.Equal(t, []string{"finance:create"}, feature.Permissions)

	_, ok = c.Plan("platinum")
	assert.False(t, ok)

	for _, r := range c.SystemRoles {
		switch r.Name {
		case SystemAdminRole:
			assert.NotContains(t, r.Permissions, "admin:entitlements")
			assert.NotContains(t, r.Permissions, "platform:tenants")
		case PlatformOperatorRole:
			assert.ElementsMatch(t, []string{"platform:tenants", "admin:entitlements"}, r.Permissions)
		}
	}
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		problem string
	}{
		{
			name: "unknown permission on role",
			doc: `
permissions: [{name: "a:b", category: a}]
system_roles: [{name: "tenant:admin", permissions: ["a:c"]}]
`,
			problem: `unknown permission "a:c"`,
		},
		{
			name: "missing admin role",
			doc: `
permissions: [{name: "a:b", category: a}]
`,
			problem: `system role "tenant:admin" is required`,
		},
		{
			name: "plan references unknown feature",
			doc: `
permissions: [{name: "a:b", category: a}]
system_roles: [{name: "tenant:admin", permissions: ["a:b"]}]
plans: [{name: starter, features: [nope]}]
`,
			problem: `unknown feature "nope"`,
		},
		{
			name: "tenant role holds a platform permission",
			doc: `
permissions: [{name: "a:b", category: a}, {name: "admin:entitlements", category: admin}]
system_roles:
  - {name: "tenant:admin", permissions: ["a:b", "admin:entitlements"]}
  - {name: "platform:operator", permissions: ["admin:entitlements"]}
`,
			problem: `role "tenant:admin" holds platform permission "admin:entitlements"`,
		},
		{
			name: "malformed permission name",
			doc: `
permissions: [{name: "ab", category: a}]
system_roles: [{name: "tenant:admin"}]
`,
			problem: "category:action",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCatalog))
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader("bogus: true\n"))
	assert.Error(t, err)
}

func TestConflictingPair(t *testing.T) {
	pairs := [][2]string{{"finance:create", "finance:approve"}}

	_, conflict := ConflictingPair(pairs, []string{"finance:create", "finance:view"})
	assert.False(t, conflict)

	pair, conflict := ConflictingPair(pairs, []string{"finance:approve", "finance:create"})
	assert.True(t, conflict)
	assert.Equal(t, [2]string{"finance:create", "finance:approve"}, pair)
}
