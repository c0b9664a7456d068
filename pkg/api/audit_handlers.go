package api

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AuditPage is the JSON response of the audit listing
type AuditPage struct {
	Records []*audit.Record `json:"records"`
	Count   int             `json:"count"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// listAudit handles GET /v1/tenants/{tenant}/audit. format=csv or ndjson
// streams an export of the same page instead of the JSON envelope.
func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	actorID, ok := httputil.RequireActor(w, r)
	if !ok {
		return
	}
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant")
	if !ok {
		return
	}
	if err := s.deps.Decisions.Require(r.Context(), actorID, tenantID, rbac.PermAdminAudit); err != nil {
		httputil.WriteMappedError(w, r, s.logger, err, rbac.ErrorStatuses)
		return
	}

	filter, err := parseAuditFilter(r, tenantID)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	format := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if format != audit.ExportFormatJSON {
		data, err := s.deps.Audit.Export(r.Context(), filter, format)
		if err != nil {
			httputil.WriteMappedError(w, r, s.logger, err, nil)
			return
		}
		w.Header().Set("Content-Type", audit.ContentType(format))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	records, err := s.deps.Audit.Query(r.Context(), filter)
	if err != nil {
		httputil.WriteMappedError(w, r, s.logger, err, nil)
		return
	}
	if records == nil {
		records = []*audit.Record{}
	}
	httputil.WriteSuccess(w, AuditPage{
		Records: records,
		Count:   len(records),
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	})
}

func parseAuditFilter(r *http.Request, tenantID int64) (audit.Filter, error) {
	filter := audit.Filter{TenantID: tenantID}
	q := r.URL.Query()

	var err error
	if filter.ActorID, err = httputil.ParseQueryInt64Ptr(r, "actor"); err != nil {
		return filter, err
	}
	if filter.StartTime, err = httputil.ParseQueryTime(r, "from"); err != nil {
		return filter, err
	}
	if filter.EndTime, err = httputil.ParseQueryTime(r, "to"); err != nil {
		return filter, err
	}
	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", defaultAuditLimit); err != nil {
		return filter, err
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		return filter, err
	}
	if filter.Limit <= 0 || filter.Limit > maxAuditLimit {
		filter.Limit = defaultAuditLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	// action may repeat or be comma separated
	for _, v := range q["action"] {
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				filter.Actions = append(filter.Actions, audit.Action(a))
			}
		}
	}
	if o := q.Get("outcome"); o != "" {
		outcome := audit.Outcome(o)
		filter.Outcome = &outcome
	}
	return filter, nil
}
