// Package rbac provides the role and permission store for the gatekeeper
// authorization engine.
//
// # Overview
//
// Permissions are named "category:action" (for example "finance:create") and come
// from the shared catalog. Roles are either system roles, seeded from the catalog
// and immutable, or tenant roles created by tenant administrators. Roles map
// directly to permissions; there is no inheritance or grouping layer.
//
// Users hold roles within a tenant through assignments, unique per
// (user, role, tenant). A tenant may only assign system roles or roles it owns.
//
// # Mutations
//
// Every mutation goes through Service, which checks that the actor holds the
// matching administrative permission (admin:roles) through an injected
// Authorizer before touching the Store. Store implementations bump the epoch
// counters in the same transaction as the mutation:
//
//	ReplaceRolePermissions, UpdateRole, DeleteRole  tenant counter
//	RevokeRole                                      tenant counter
//	AssignRole                                      user counter
//	SeedCatalog                                     global counter
//
// RevokeRole bumps the tenant counter instead of the user counter because
// delegations issued by the revoked holder stop contributing to other users.
//
// # Bootstrap
//
// ProvisionDefaultRoles creates a tenant's template roles and makes the owner a
// tenant administrator. Only a platform operator may call it: the caller needs
// PermPlatformTenants in PlatformTenant. Operators are seeded at startup with
// BootstrapOperator, which has no HTTP route. The platform:operator role lives
// only in PlatformTenant and tenant roles are never assigned there.
package rbac
