package lifecycle

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/entitlements"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
)

var errorStatuses = []httputil.ErrorStatus{
	{Err: ErrInvalidEvent, Status: http.StatusBadRequest},
	{Err: ErrUnknownEventType, Status: http.StatusBadRequest},
	{Err: entitlements.ErrPlanNotFound, Status: http.StatusUnprocessableEntity},
	{Err: entitlements.ErrInvalidGrantSource, Status: http.StatusUnprocessableEntity},
}

// Handlers receives lifecycle events from the billing integration
type Handlers struct {
	controller *Controller
	logger     logrus.FieldLogger
}

// NewHandlers creates lifecycle handlers
func NewHandlers(controller *Controller, logger logrus.FieldLogger) *Handlers {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handlers{controller: controller, logger: logger}
}

// RegisterRoutes registers the lifecycle webhook
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/lifecycle/events", h.receive).Methods("POST")
}

// receive handles POST /v1/lifecycle/events. Redelivered events are
// acknowledged with 200 so the sender stops retrying.
func (h *Handlers) receive(w http.ResponseWriter, r *http.Request) {
	var ev Event
	if !httputil.ParseJSONOrError(w, r, &ev) {
		return
	}

	result, err := h.controller.Handle(r.Context(), ev)
	if errors.Is(err, entitlements.ErrDuplicateLifecycleEvent) {
		httputil.WriteSuccess(w, result)
		return
	}
	if err != nil {
		httputil.WriteMappedError(w, r, h.logger, err, errorStatuses)
		return
	}
	httputil.WriteSuccess(w, result)
}
