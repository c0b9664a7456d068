package rbac

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/httputil"
)

// ErrorStatuses maps role store errors, and the authorizer errors every
// mutation service shares, onto HTTP statuses
var ErrorStatuses = []httputil.ErrorStatus{
	{Err: ErrPermissionDenied, Status: http.StatusForbidden},
	{Err: ErrPlatformScope, Status: http.StatusForbidden},
	{Err: ErrAuthorizerUnavailable, Status: http.StatusServiceUnavailable},
	{Err: ErrTenantMismatch, Status: http.StatusNotFound},
	{Err: ErrRoleNotFound, Status: http.StatusNotFound},
	{Err: ErrAssignmentNotFound, Status: http.StatusNotFound},
	{Err: ErrPermissionNotFound, Status: http.StatusUnprocessableEntity},
	{Err: ErrInvalidRole, Status: http.StatusUnprocessableEntity},
	{Err: ErrMakerCheckerConflict, Status: http.StatusUnprocessableEntity},
	{Err: ErrRoleImmutable, Status: http.StatusConflict},
	{Err: ErrDuplicateRole, Status: http.StatusConflict},
	{Err: ErrDuplicateAssignment, Status: http.StatusConflict},
}

// Handlers exposes the role service over HTTP
type Handlers struct {
	service *Service
	logger  logrus.FieldLogger
}

// NewHandlers creates role handlers
func NewHandlers(service *Service, logger logrus.FieldLogger) *Handlers {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers role routes under /v1
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/permissions", h.listPermissions).Methods("GET")
	router.HandleFunc("/v1/tenants/{tenant}/roles", h.listRoles).Methods("GET")
	router.HandleFunc("/v1/tenants/{tenant}/roles", h.createRole).Methods("POST")
	router.HandleFunc("/v1/tenants/{tenant}/roles/{id}", h.getRole).Methods("GET")
	router.HandleFunc("/v1/tenants/{tenant}/roles/{id}", h.updateRole).Methods("PUT")
	router.HandleFunc("/v1/tenants/{tenant}/roles/{id}", h.deleteRole).Methods("DELETE")
	router.HandleFunc("/v1/tenants/{tenant}/roles/{id}/permissions", h.updateRolePermissions).Methods("PUT")
	router.HandleFunc("/v1/tenants/{tenant}/users/{user}/roles", h.listUserRoles).Methods("GET")
	router.HandleFunc("/v1/tenants/{tenant}/users/{user}/roles", h.assignRole).Methods("POST")
	router.HandleFunc("/v1/tenants/{tenant}/users/{user}/roles/{role}", h.revokeRole).Methods("DELETE")
	router.HandleFunc("/v1/tenants/{tenant}/provision", h.provision).Methods("POST")
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteMappedError(w, r, h.logger, err, ErrorStatuses)
}

// actorAndTenant reads the caller and the tenant path parameter
func actorAndTenant(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	actorID, ok := httputil.RequireActor(w, r)
	if !ok {
		return 0, 0, false
	}
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return 0, 0, false
	}
	return actorID, tenantID, true
}

// authorizeRead checks admin:roles for read endpoints
func (h *Handlers) authorizeRead(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actorID, tenantID, ok := actorAndTenant(w, r)
	if !ok {
		return 0, false
	}
	if err := h.service.authz.Require(r.Context(), actorID, tenantID, PermAdminRoles); err != nil {
		h.fail(w, r, err)
		return 0, false
	}
	return tenantID, true
}

// listPermissions handles GET /v1/permissions
func (h *Handlers) listPermissions(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireActor(w, r); !ok {
		return
	}
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"permissions": perms})
}

// listRoles handles GET /v1/tenants/{tenant}/roles
func (h *Handlers) listRoles(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorizeRead(w, r)
	if !ok {
		return
	}
	roles, err := h.service.ListRoles(r.Context(), tenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"roles": roles, "count": len(roles)})
}

// createRole handles POST /v1/tenants/{tenant}/roles
func (h *Handlers) createRole(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, ok := actorAndTenant(w, r)
	if !ok {
		return
	}
	var req CreateRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role, err := h.service.CreateRole(r.Context(), actorID, tenantID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// getRole handles GET /v1/tenants/{tenant}/roles/{id}
func (h *Handlers) getRole(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorizeRead(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	role, err := h.service.GetRole(r.Context(), tenantID, roleID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// updateRole handles PUT /v1/tenants/{tenant}/roles/{id}
func (h *Handlers) updateRole(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, ok := actorAndTenant(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var patch RolePatch
	if !httputil.ParseJSONOrError(w, r, &patch) {
		return
	}

	role, err := h.service.UpdateRole(r.Context(), actorID, tenantID, roleID, patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// deleteRole handles DELETE /v1/tenants/{tenant}/roles/{id}
func (h *Handlers) deleteRole(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, ok := actorAndTenant(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.DeleteRole(r.Context(), actorID, tenantID, roleID); err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type permissionsRequest struct {
	Permissions []string `json:"permissions"`
}

// updateRolePermissions handles PUT /v1/tenants/{tenant}/roles/{id}/permissions
func (h *Handlers) updateRolePermissions(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, ok := actorAndTenant(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req permissionsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.service.UpdateRolePermissions(r.Context(), actorID, tenantID, roleID, req.Permissions); err != nil {
		h.fail(w, r, err)
		return
	}
	role, err := h.service.GetRole(r.Context(), tenantID, roleID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// listUserRoles handles GET /v1/tenants/{tenant}/users/{user}/roles
func (h *Handlers) listUserRoles(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorizeRead(w, r)
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user")
	if !ok {
		return
	}

	assignments, err := h.service.ListEffectiveRolesForUser(r.Context(), tenantID, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"assignments": assignments})
}

type assignRequest struct {
	RoleID int64 `json:"role_id"`
}

// assignRole handles POST /v1/tenants/{tenant}/users/{user}/roles
func (h *Handlers) assignRole(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, ok := actorAndTenant(w, r)
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user")
	if !ok {
		return
	}
	var req assignRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.RoleID <= 0 {
		httputil.WriteBadRequest(w, "role_id is required")
		return
	}

	assignment, err := h.service.AssignRole(r.Context(), actorID, tenantID, userID, req.RoleID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteCreated(w, assignment)
}

// revokeRole handles DELETE /v1/tenants/{tenant}/users/{user}/roles/{role}
func (h *Handlers) revokeRole(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, ok := actorAndTenant(w, r)
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role")
	if !ok {
		return
	}

	if err := h.service.RevokeRole(r.Context(), actorID, tenantID, userID, roleID); err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type provisionRequest struct {
	OwnerID int64 `json:"owner_id"`
}

// provision handles POST /v1/tenants/{tenant}/provision
func (h *Handlers) provision(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, ok := actorAndTenant(w, r)
	if !ok {
		return
	}
	var req provisionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.OwnerID <= 0 {
		httputil.WriteBadRequest(w, "owner_id is required")
		return
	}

	result, err := h.service.ProvisionDefaultRoles(r.Context(), actorID, tenantID, req.OwnerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}
