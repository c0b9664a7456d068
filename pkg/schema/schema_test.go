package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponents(t *testing.T) {
	components := Components()

	names := make([]string, len(components))
	for i, c := range components {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"epoch", "rbac", "delegation", "entitlements", "audit"}, names)

	for _, c := range components {
		require.NotEmpty(t, c.Migrations, c.Name)
		for i, m := range c.Migrations {
			assert.Equal(t, i+1, m.Version, "%s migrations must be numbered from 1 without gaps", c.Name)
			assert.NotEmpty(t, m.SQL, "%s migration %d", c.Name, m.Version)
		}
	}
}
