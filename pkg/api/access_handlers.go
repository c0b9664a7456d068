package api

import (
	"net/http"

	"github.com/platinummonkey/gatekeeper/pkg/decision"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/projection"
)

// CheckRequest is the body of POST /v1/access/check
type CheckRequest struct {
	decision.Request
	// Consistency is "strong" or "bounded"; empty uses the server default
	Consistency string `json:"consistency,omitempty"`
}

// checkAccess handles POST /v1/access/check. Denials are ordinary 200
// responses carrying the reason code.
func (s *Server) checkAccess(w http.ResponseWriter, r *http.Request) {
	var body CheckRequest
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}

	if body.UserID <= 0 || body.TenantID <= 0 {
		httputil.WriteBadRequest(w, "user_id and tenant_id must be positive")
		return
	}
	if body.Permission == "" {
		httputil.WriteBadRequest(w, "permission is required")
		return
	}

	req := body.Request
	req.Consistency = s.opts.DefaultConsistency
	if body.Consistency != "" {
		c, err := projection.ParseConsistency(body.Consistency)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		req.Consistency = c
	}

	httputil.WriteSuccess(w, s.deps.Decisions.CheckAccess(r.Context(), req))
}
