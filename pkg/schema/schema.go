// Package schema applies every component's migrations in dependency order.
package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/delegation"
	"github.com/platinummonkey/gatekeeper/pkg/entitlements"
	"github.com/platinummonkey/gatekeeper/pkg/epoch"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// Component is a named migration set
type Component struct {
	Name       string
	Migrations []storage.Migration
}

// Components lists the migration sets. Role tables reference permissions, and
// delegations and entitlements reference roles and features, so order matters.
func Components() []Component {
	return []Component{
		{"epoch", epoch.Migrations()},
		{"rbac", rbac.Migrations()},
		{"delegation", delegation.Migrations()},
		{"entitlements", entitlements.Migrations()},
		{"audit", audit.Migrations()},
	}
}

// Migrate applies every component's pending migrations
func Migrate(ctx context.Context, db *sql.DB, logger logrus.FieldLogger) error {
	for _, c := range Components() {
		if err := storage.RunMigrations(ctx, db, c.Name, c.Migrations, logger); err != nil {
			return fmt.Errorf("migrate %s: %w", c.Name, err)
		}
	}
	return nil
}
