package rbac

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/catalog"
)

var roleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_\-]{1,62}$`)

// Authorizer checks that an actor holds a permission within a tenant. The
// decision service implements it; errors wrap ErrPermissionDenied on deny.
type Authorizer interface {
	Require(ctx context.Context, actorID, tenantID int64, permission string) error
}

// Invalidator evicts cached access projections after a mutation commits
type Invalidator interface {
	InvalidateUser(ctx context.Context, tenantID, userID int64)
	InvalidateTenant(ctx context.Context, tenantID int64)
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateUser(context.Context, int64, int64) {}
func (noopInvalidator) InvalidateTenant(context.Context, int64)      {}

// Service applies administrative role mutations
type Service struct {
	store       Store
	authz       Authorizer
	auditLogger audit.Logger
	invalidator Invalidator
	catalog     *catalog.Catalog
	logger      logrus.FieldLogger
}

// NewService creates a role service. invalidator and logger may be nil.
func NewService(store Store, authz Authorizer, auditLogger audit.Logger, invalidator Invalidator, cat *catalog.Catalog, logger logrus.FieldLogger) *Service {
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger{}
	}
	if invalidator == nil {
		invalidator = noopInvalidator{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		store:       store,
		authz:       authz,
		auditLogger: auditLogger,
		invalidator: invalidator,
		catalog:     cat,
		logger:      logger,
	}
}

func (s *Service) checkSensitivePairs(perms []string) error {
	if s.catalog == nil {
		return nil
	}
	if pair, conflict := catalog.ConflictingPair(s.catalog.SensitivePairs, perms); conflict {
		return fmt.Errorf("%w: %s and %s", ErrMakerCheckerConflict, pair[0], pair[1])
	}
	return nil
}

func (s *Service) audit(ctx context.Context, rec *audit.Record) {
	if err := s.auditLogger.Log(ctx, rec); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id":    rec.TenantID,
			"audit_action": rec.Action,
		}).Error("failed to write audit record")
	}
}

// loadMutableRole fetches a tenant role, rejecting system roles and other tenants' roles
func (s *Service) loadMutableRole(ctx context.Context, tenantID, roleID int64) (*Role, error) {
	role, err := s.store.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystem || role.TenantID == nil {
		return nil, ErrRoleImmutable
	}
	return role, nil
}

// CreateRole creates a tenant-owned role with an initial permission set
func (s *Service) CreateRole(ctx context.Context, actorID, tenantID int64, req CreateRoleRequest) (*Role, error) {
	if err := s.authz.Require(ctx, actorID, tenantID, PermAdminRoles); err != nil {
		return nil, err
	}
	if !roleNamePattern.MatchString(req.Name) {
		return nil, fmt.Errorf("%w: name must match %s", ErrInvalidRole, roleNamePattern.String())
	}
	if err := s.checkSensitivePairs(req.Permissions); err != nil {
		return nil, err
	}

	tenant := tenantID
	actor := actorID
	role := &Role{
		Scope:         ScopeTenant,
		TenantID:      &tenant,
		Name:          req.Name,
		DisplayName:   req.DisplayName,
		Description:   req.Description,
		IsDelegatable: req.IsDelegatable,
		Permissions:   dedupe(req.Permissions),
		CreatedBy:     &actor,
	}
	if role.DisplayName == "" {
		role.DisplayName = role.Name
	}

	if err := s.store.CreateRole(ctx, role); err != nil {
		return nil, err
	}

	rec := audit.NewRecord(ctx, tenantID, audit.Actor(actorID), audit.ActionRoleCreate, audit.OutcomeSuccess)
	rec.TargetType = audit.TargetRole
	rec.TargetID = strconv.FormatInt(role.ID, 10)
	rec.Changes = &audit.ChangeDetails{After: map[string]interface{}{
		"name":           role.Name,
		"is_delegatable": role.IsDelegatable,
		"permissions":    role.Permissions,
	}}
	s.audit(ctx, rec)

	return role, nil
}

// UpdateRolePermissions replaces the full permission set of a tenant role
func (s *Service) UpdateRolePermissions(ctx context.Context, actorID, tenantID, roleID int64, permissionNames []string) error {
	if err := s.authz.Require(ctx, actorID, tenantID, PermAdminRoles); err != nil {
		return err
	}

	role, err := s.loadMutableRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}

	perms := dedupe(permissionNames)
	if err := s.checkSensitivePairs(perms); err != nil {
		return err
	}

	if err := s.store.ReplaceRolePermissions(ctx, tenantID, roleID, perms); err != nil {
		return err
	}
	s.invalidator.InvalidateTenant(ctx, tenantID)

	rec := audit.NewRecord(ctx, tenantID, audit.Actor(actorID), audit.ActionRolePermissionsUpdate, audit.OutcomeSuccess)
	rec.TargetType = audit.TargetRole
	rec.TargetID = strconv.FormatInt(roleID, 10)
	rec.Changes = &audit.ChangeDetails{
		Before: map[string]interface{}{"permissions": role.Permissions},
		After:  map[string]interface{}{"permissions": perms},
	}
	s.audit(ctx, rec)

	return nil
}

// UpdateRole changes display metadata and the delegatable flag of a tenant role
func (s *Service) UpdateRole(ctx context.Context, actorID, tenantID, roleID int64, patch RolePatch) (*Role, error) {
	if err := s.authz.Require(ctx, actorID, tenantID, PermAdminRoles); err != nil {
		return nil, err
	}

	role, err := s.loadMutableRole(ctx, tenantID, roleID)
	if err != nil {
		return nil, err
	}

	before := map[string]interface{}{
		"display_name":   role.DisplayName,
		"description":    role.Description,
		"is_delegatable": role.IsDelegatable,
	}
	if patch.DisplayName != nil {
		role.DisplayName = *patch.DisplayName
	}
	if patch.Description != nil {
		role.Description = *patch.Description
	}
	if patch.IsDelegatable != nil {
		role.IsDelegatable = *patch.IsDelegatable
	}

	if err := s.store.UpdateRole(ctx, role); err != nil {
		return nil, err
	}
	s.invalidator.InvalidateTenant(ctx, tenantID)

	rec := audit.NewRecord(ctx, tenantID, audit.Actor(actorID), audit.ActionRoleUpdate, audit.OutcomeSuccess)
	rec.TargetType = audit.TargetRole
	rec.TargetID = strconv.FormatInt(roleID, 10)
	rec.Changes = &audit.ChangeDetails{
		Before: before,
		After: map[string]interface{}{
			"display_name":   role.DisplayName,
			"description":    role.Description,
			"is_delegatable": role.IsDelegatable,
		},
	}
	s.audit(ctx, rec)

	return role, nil
}

// DeleteRole deletes a tenant role together with its assignments
func (s *Service) DeleteRole(ctx context.Context, actorID, tenantID, roleID int64) error {
	if err := s.authz.Require(ctx, actorID, tenantID, PermAdminRoles); err != nil {
		return err
	}

	role, err := s.loadMutableRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}

	if err := s.store.DeleteRole(ctx, tenantID, roleID); err != nil {
		return err
	}
	s.invalidator.InvalidateTenant(ctx, tenantID)

	rec := audit.NewRecord(ctx, tenantID, audit.Actor(actorID), audit.ActionRoleDelete, audit.OutcomeSuccess)
	rec.TargetType = audit.TargetRole
	rec.TargetID = strconv.FormatInt(roleID, 10)
	rec.Changes = &audit.ChangeDetails{Before: map[string]interface{}{
		"name":        role.Name,
		"permissions": role.Permissions,
	}}
	s.audit(ctx, rec)

	return nil
}

// AssignRole grants a system role or one of the tenant's roles to a user
func (s *Service) AssignRole(ctx context.Context, actorID, tenantID, userID, roleID int64) (*UserRoleAssignment, error) {
	if err := s.authz.Require(ctx, actorID, tenantID, PermAdminRoles); err != nil {
		return nil, err
	}
	return s.assign(ctx, &actorID, tenantID, userID, roleID)
}

// BootstrapOperator makes userID a platform operator. It is called by the
// process at startup and is not exposed over HTTP. Calling it again is a no-op.
func (s *Service) BootstrapOperator(ctx context.Context, userID int64) error {
	role, err := s.store.GetRoleByName(ctx, PlatformTenant, catalog.PlatformOperatorRole)
	if err != nil {
		return fmt.Errorf("catalog not seeded: %w", err)
	}
	if _, err := s.assign(ctx, nil, PlatformTenant, userID, role.ID); err != nil && !errors.Is(err, ErrDuplicateAssignment) {
		return err
	}
	return nil
}

func (s *Service) assign(ctx context.Context, actorID *int64, tenantID, userID, roleID int64) (*UserRoleAssignment, error) {
	role, err := s.store.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	if (role.Name == catalog.PlatformOperatorRole) != (tenantID == PlatformTenant) {
		return nil, fmt.Errorf("%w: %s in tenant %d", ErrPlatformScope, role.Name, tenantID)
	}

	assignment := &UserRoleAssignment{
		UserID:        userID,
		RoleID:        roleID,
		TenantID:      tenantID,
		RoleName:      role.Name,
		IsDelegatable: role.IsDelegatable,
		GrantedBy:     actorID,
	}
	if err := s.store.AssignRole(ctx, assignment); err != nil {
		return nil, err
	}
	s.invalidator.InvalidateUser(ctx, tenantID, userID)

	rec := audit.NewRecord(ctx, tenantID, actorID, audit.ActionRoleAssign, audit.OutcomeSuccess)
	rec.TargetType = audit.TargetUser
	rec.TargetID = strconv.FormatInt(userID, 10)
	rec.Metadata = map[string]interface{}{"role_id": roleID, "role": role.Name}
	s.audit(ctx, rec)

	return assignment, nil
}

// RevokeRole removes a user's direct assignment
func (s *Service) RevokeRole(ctx context.Context, actorID, tenantID, userID, roleID int64) error {
	if err := s.authz.Require(ctx, actorID, tenantID, PermAdminRoles); err != nil {
		return err
	}

	if err := s.store.RevokeRole(ctx, tenantID, userID, roleID); err != nil {
		return err
	}
	// Delegations issued by this user stop contributing, so the whole tenant is stale.
	s.invalidator.InvalidateTenant(ctx, tenantID)

	rec := audit.NewRecord(ctx, tenantID, audit.Actor(actorID), audit.ActionRoleRevoke, audit.OutcomeSuccess)
	rec.TargetType = audit.TargetUser
	rec.TargetID = strconv.FormatInt(userID, 10)
	rec.Metadata = map[string]interface{}{"role_id": roleID}
	s.audit(ctx, rec)

	return nil
}

// ListEffectiveRolesForUser returns the user's direct assignments in the tenant
func (s *Service) ListEffectiveRolesForUser(ctx context.Context, tenantID, userID int64) ([]UserRoleAssignment, error) {
	return s.store.ListUserRoles(ctx, tenantID, userID)
}

// ListRoles lists system roles and the tenant's roles
func (s *Service) ListRoles(ctx context.Context, tenantID int64) ([]Role, error) {
	return s.store.ListRoles(ctx, tenantID)
}

// GetRole returns a role visible to the tenant
func (s *Service) GetRole(ctx context.Context, tenantID, roleID int64) (*Role, error) {
	return s.store.GetRole(ctx, tenantID, roleID)
}

// ListPermissions returns the permission catalog
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// ProvisionResult reports what ProvisionDefaultRoles created
type ProvisionResult struct {
	CreatedRoles []string `json:"created_roles"`
	OwnerRole    string   `json:"owner_role"`
	OwnerAdded   bool     `json:"owner_added"`
}

// ProvisionDefaultRoles creates the catalog template roles for a tenant and makes
// ownerID a tenant administrator. Only platform operators may call it. Calling
// it again only fills in what is missing.
func (s *Service) ProvisionDefaultRoles(ctx context.Context, actorID, tenantID, ownerID int64) (*ProvisionResult, error) {
	if err := s.authz.Require(ctx, actorID, PlatformTenant, PermPlatformTenants); err != nil {
		return nil, err
	}
	if tenantID == PlatformTenant {
		return nil, fmt.Errorf("%w: cannot provision tenant %d", ErrPlatformScope, tenantID)
	}
	if s.catalog == nil {
		return nil, fmt.Errorf("no catalog configured")
	}

	adminRole, err := s.store.GetRoleByName(ctx, tenantID, catalog.SystemAdminRole)
	if err != nil {
		return nil, fmt.Errorf("catalog not seeded: %w", err)
	}

	result := &ProvisionResult{OwnerRole: adminRole.Name}
	tenant := tenantID
	actor := actorID

	for _, tmpl := range s.catalog.Templates {
		_, err := s.store.GetRoleByName(ctx, tenantID, tmpl.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrRoleNotFound) {
			return nil, err
		}

		role := &Role{
			Scope:         ScopeTenant,
			TenantID:      &tenant,
			Name:          tmpl.Name,
			DisplayName:   tmpl.DisplayName,
			Description:   tmpl.Description,
			IsDelegatable: tmpl.Delegatable,
			Permissions:   tmpl.Permissions,
			CreatedBy:     &actor,
		}
		if err := s.store.CreateRole(ctx, role); err != nil && !errors.Is(err, ErrDuplicateRole) {
			return nil, err
		}
		result.CreatedRoles = append(result.CreatedRoles, tmpl.Name)
	}

	if _, err := s.assign(ctx, &actor, tenantID, ownerID, adminRole.ID); err != nil {
		if !errors.Is(err, ErrDuplicateAssignment) {
			return nil, err
		}
	} else {
		result.OwnerAdded = true
	}

	rec := audit.NewRecord(ctx, tenantID, audit.Actor(actorID), audit.ActionTenantProvision, audit.OutcomeSuccess)
	rec.TargetType = audit.TargetTenant
	rec.TargetID = strconv.FormatInt(tenantID, 10)
	rec.Metadata = map[string]interface{}{
		"created_roles": result.CreatedRoles,
		"owner_id":      ownerID,
	}
	s.audit(ctx, rec)

	s.logger.WithFields(logrus.Fields{
		"tenant_id":     tenantID,
		"owner_id":      ownerID,
		"created_roles": len(result.CreatedRoles),
	}).Info("provisioned default roles")

	return result, nil
}
