package delegation

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// ErrorStatuses maps delegation errors onto HTTP statuses
var ErrorStatuses = append([]httputil.ErrorStatus{
	{Err: ErrDelegationNotFound, Status: http.StatusNotFound},
	{Err: ErrRoleNotDelegatable, Status: http.StatusUnprocessableEntity},
	{Err: ErrDelegatorLacksRole, Status: http.StatusUnprocessableEntity},
	{Err: ErrInvalidWindow, Status: http.StatusUnprocessableEntity},
	{Err: ErrInvalidScope, Status: http.StatusUnprocessableEntity},
	{Err: ErrSelfDelegation, Status: http.StatusUnprocessableEntity},
	{Err: ErrInvalidStatus, Status: http.StatusBadRequest},
	{Err: ErrDelegationExpiredOrRevoked, Status: http.StatusConflict},
}, rbac.ErrorStatuses...)

// Handlers exposes the delegation manager over HTTP
type Handlers struct {
	manager *Manager
	logger  logrus.FieldLogger
}

// NewHandlers creates delegation handlers
func NewHandlers(manager *Manager, logger logrus.FieldLogger) *Handlers {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handlers{manager: manager, logger: logger}
}

// RegisterRoutes registers delegation routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/tenants/{tenant}/delegations", h.list).Methods("GET")
	router.HandleFunc("/v1/tenants/{tenant}/delegations", h.create).Methods("POST")
	router.HandleFunc("/v1/tenants/{tenant}/delegations/{id}", h.get).Methods("GET")
	router.HandleFunc("/v1/tenants/{tenant}/delegations/{id}", h.revoke).Methods("DELETE")
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteMappedError(w, r, h.logger, err, ErrorStatuses)
}

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

// create handles POST /v1/tenants/{tenant}/delegations
func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, ok := actorAndTenant(w, r)
	if !ok {
		return
	}
	var req CreateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.DelegatorID == 0 {
		req.DelegatorID = actorID
	}

	d, err := h.manager.DelegateRole(r.Context(), actorID, tenantID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteCreated(w, d)
}

// list handles GET /v1/tenants/{tenant}/delegations?status=
func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, ok := actorAndTenant(w, r)
	if !ok {
		return
	}
	if err := h.manager.authz.Require(r.Context(), actorID, tenantID, rbac.PermAdminRoles); err != nil {
		h.fail(w, r, err)
		return
	}

	delegations, err := h.manager.ListForTenant(r.Context(), tenantID, Status(r.URL.Query().Get("status")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"delegations": delegations, "count": len(delegations)})
}

// get handles GET /v1/tenants/{tenant}/delegations/{id}
func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, ok := actorAndTenant(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	d, err := h.manager.Get(r.Context(), tenantID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// both parties may read their own delegation
	if actorID != d.DelegateeID {
		if err := h.manager.authorizeFor(r.Context(), actorID, tenantID, d.DelegatorID); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	httputil.WriteSuccess(w, d)
}

// revoke handles DELETE /v1/tenants/{tenant}/delegations/{id}
func (h *Handlers) revoke(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, ok := actorAndTenant(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	d, err := h.manager.RevokeDelegation(r.Context(), actorID, tenantID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, d)
}
