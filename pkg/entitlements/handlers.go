package entitlements

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// ErrorStatuses maps entitlement errors onto HTTP statuses
var ErrorStatuses = append([]httputil.ErrorStatus{
	{Err: ErrFeatureNotFound, Status: http.StatusNotFound},
	{Err: ErrPlanNotFound, Status: http.StatusNotFound},
	{Err: ErrGrantNotFound, Status: http.StatusNotFound},
	{Err: ErrFeatureNotLicensed, Status: http.StatusPaymentRequired},
	{Err: ErrInvalidGrantSource, Status: http.StatusBadRequest},
}, rbac.ErrorStatuses...)

// Handlers exposes the entitlement service over HTTP
type Handlers struct {
	service *Service
	logger  logrus.FieldLogger
}

// NewHandlers creates entitlement handlers
func NewHandlers(service *Service, logger logrus.FieldLogger) *Handlers {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers entitlement routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/features", h.listFeatures).Methods("GET")
	router.HandleFunc("/v1/plans/{plan}/features", h.planFeatures).Methods("GET")
	router.HandleFunc("/v1/tenants/{tenant}/features", h.listGrants).Methods("GET")
	router.HandleFunc("/v1/tenants/{tenant}/features", h.grantFeature).Methods("POST")
	router.HandleFunc("/v1/tenants/{tenant}/features/{feature}", h.revokeFeature).Methods("DELETE")
	router.HandleFunc("/v1/tenants/{tenant}/plan", h.provisionPlan).Methods("POST")
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

// listFeatures handles GET /v1/features
func (h *Handlers) listFeatures(w http.ResponseWriter, r *http.Request) {
	features, err := h.service.ListFeatures(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"features": features})
}

// planFeatures handles GET /v1/plans/{plan}/features
func (h *Handlers) planFeatures(w http.ResponseWriter, r *http.Request) {
	plan, ok := httputil.ParsePathStringOrError(w, r, "plan")
	if !ok {
		return
	}
	features, err := h.service.GetPlanFeatures(r.Context(), plan)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"plan": plan, "features": features})
}

// listGrants handles GET /v1/tenants/{tenant}/features
func (h *Handlers) listGrants(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, ok := actorAndTenant(w, r)
	if !ok {
		return
	}
	if err := h.service.AuthorizeRead(r.Context(), actorID, tenantID); err != nil {
		h.fail(w, r, err)
		return
	}

	grants, err := h.service.ListGrants(r.Context(), tenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	now := h.service.now()
	effective := make([]string, 0, len(grants))
	for _, g := range grants {
		if g.EffectiveAt(now) {
			effective = append(effective, g.Feature)
		}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"grants": grants, "effective": effective})
}

type grantRequest struct {
	Feature   string     `json:"feature"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// grantFeature handles POST /v1/tenants/{tenant}/features
func (h *Handlers) grantFeature(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, ok := actorAndTenant(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Feature == "" {
		httputil.WriteBadRequest(w, "feature is required")
		return
	}

	if err := h.service.GrantFeature(r.Context(), actorID, tenantID, req.Feature, req.ExpiresAt); err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteCreated(w, map[string]interface{}{"tenant_id": tenantID, "feature": req.Feature, "expires_at": req.ExpiresAt})
}

// revokeFeature handles DELETE /v1/tenants/{tenant}/features/{feature}
func (h *Handlers) revokeFeature(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, ok := actorAndTenant(w, r)
	if !ok {
		return
	}
	feature, ok := httputil.ParsePathStringOrError(w, r, "feature")
	if !ok {
		return
	}

	if err := h.service.RevokeFeature(r.Context(), actorID, tenantID, feature); err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type planRequest struct {
	Plan string `json:"plan"`
}

// provisionPlan handles POST /v1/tenants/{tenant}/plan
func (h *Handlers) provisionPlan(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, ok := actorAndTenant(w, r)
	if !ok {
		return
	}
	var req planRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Plan == "" {
		httputil.WriteBadRequest(w, "plan is required")
		return
	}

	changes, err := h.service.ProvisionPlan(r.Context(), actorID, tenantID, req.Plan)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, changes)
}
