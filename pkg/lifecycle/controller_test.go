package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/catalog"
	"github.com/platinummonkey/gatekeeper/pkg/entitlements"
	"github.com/platinummonkey/gatekeeper/pkg/epoch"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

const tenantID int64 = 10

type tenantInvalidations []int64

func (t *tenantInvalidations) InvalidateUser(context.Context, int64, int64) {}
func (t *tenantInvalidations) InvalidateTenant(_ context.Context, tenantID int64) {
	*t = append(*t, tenantID)
}

type fixture struct {
	store      *entitlements.MemoryStore
	epochs     *epoch.MemoryCounter
	audit      *audit.MemoryLogger
	inval      *tenantInvalidations
	metrics    *observability.Metrics
	controller *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)

	f := &fixture{
		epochs: epoch.NewMemoryCounter(),
		audit:  audit.NewMemoryLogger(),
		inval:  &tenantInvalidations{},
	}
	f.store = entitlements.NewMemoryStore(f.epochs)
	require.NoError(t, f.store.SeedCatalog(context.Background(), cat))
	f.metrics = observability.NewMetrics(prometheus.NewRegistry())
	f.controller = NewController(f.store, f.inval, f.audit, f.metrics, nil)
	return f
}

func (f *fixture) effective(t *testing.T) []string {
	t.Helper()
	grants, err := f.store.ListGrants(context.Background(), tenantID)
	require.NoError(t, err)
	var out []string
	for _, g := range grants {
		if g.EffectiveAt(time.Now()) {
			out = append(out, g.Feature)
		}
	}
	return out
}

func event(id string, typ EventType, plan string) Event {
	return Event{EventID: id, TenantID: tenantID, EventType: typ, PlanName: plan, EffectiveAt: time.Now()}
}

func TestOpFor(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      entitlements.GrantOp
	}{
		{EventActivated, entitlements.GrantOp{GrantPlan: "starter", GrantedBy: entitlements.GrantedBySystem}},
		{EventUpgraded, entitlements.GrantOp{GrantPlan: "starter", GrantedBy: entitlements.GrantedByUpgrade}},
		{EventDowngraded, entitlements.GrantOp{RevokePlanGrants: true, GrantPlan: "starter", GrantedBy: entitlements.GrantedBySystem}},
		{EventExpired, entitlements.GrantOp{RevokePlanGrants: true}},
		{EventCancelled, entitlements.GrantOp{RevokePlanGrants: true}},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			op, err := OpFor(tt.eventType, "starter")
			require.NoError(t, err)
			assert.Equal(t, tt.want, op)
		})
	}

	_, err := OpFor("licensePaused", "")
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestEventValidate(t *testing.T) {
	assert.NoError(t, event("e1", EventActivated, "starter").Validate())
	assert.NoError(t, event("e2", EventExpired, "").Validate())
	assert.ErrorIs(t, event("", EventActivated, "starter").Validate(), ErrInvalidEvent)
	assert.ErrorIs(t, event("e3", EventActivated, "").Validate(), ErrInvalidEvent)
	assert.ErrorIs(t, Event{EventID: "e4", EventType: EventExpired}.Validate(), ErrInvalidEvent)
	assert.ErrorIs(t, event("e5", "licensePaused", "").Validate(), ErrUnknownEventType)
}

func TestController_SubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.controller.Handle(ctx, event("evt-1", EventActivated, "starter"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, []string{"basic_donations"}, res.Granted)
	assert.Equal(t, []string{"basic_donations"}, f.effective(t))

	// a manual grant survives every plan transition
	require.NoError(t, f.store.GrantFeature(ctx, tenantID, "advanced_reports", entitlements.GrantedByAdmin, nil))

	_, err = f.controller.Handle(ctx, event("evt-2", EventUpgraded, "professional"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"advanced_reports", "approvals", "basic_donations", "event_management", "financial_export"}, f.effective(t))

	res, err = f.controller.Handle(ctx, event("evt-3", EventDowngraded, "starter"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"advanced_reports", "basic_donations"}, f.effective(t))
	assert.Contains(t, res.Revoked, "approvals")

	_, err = f.controller.Handle(ctx, event("evt-4", EventCancelled, ""))
	require.NoError(t, err)
	assert.Equal(t, []string{"advanced_reports"}, f.effective(t))

	assert.Equal(t, tenantInvalidations{tenantID, tenantID, tenantID, tenantID}, *f.inval)
	recs := f.audit.Records()
	require.Len(t, recs, 4)
	for _, r := range recs {
		assert.Equal(t, audit.ActionLifecycleEvent, r.Action)
		assert.Nil(t, r.ActorID)
	}
	assert.Equal(t, "evt-3", recs[2].TargetID)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.LifecycleEvents.WithLabelValues(string(EventDowngraded), "applied")))
}

func TestController_DuplicateEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.controller.Handle(ctx, event("evt-1", EventActivated, "professional"))
	require.NoError(t, err)
	before, err := f.epochs.Current(ctx, tenantID, 0)
	require.NoError(t, err)
	features := f.effective(t)

	// redelivery with a different payload is still the same event
	res, err := f.controller.Handle(ctx, event("evt-1", EventCancelled, ""))
	assert.ErrorIs(t, err, entitlements.ErrDuplicateLifecycleEvent)
	require.NotNil(t, res)
	assert.True(t, res.Duplicate)

	after, err := f.epochs.Current(ctx, tenantID, 0)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, features, f.effective(t))
	assert.Len(t, f.audit.Records(), 1)
	assert.Len(t, *f.inval, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.LifecycleEvents.WithLabelValues(string(EventCancelled), "duplicate")))
}

func TestController_UnknownPlanChangesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.controller.Handle(ctx, event("evt-1", EventActivated, "starter"))
	require.NoError(t, err)

	_, err = f.controller.Handle(ctx, event("evt-2", EventDowngraded, "platinum"))
	assert.ErrorIs(t, err, entitlements.ErrPlanNotFound)
	assert.Equal(t, []string{"basic_donations"}, f.effective(t))
	assert.Len(t, f.audit.Records(), 1)

	// the failed event was not recorded, so a corrected redelivery applies
	_, err = f.controller.Handle(ctx, event("evt-2", EventDowngraded, "starter"))
	assert.NoError(t, err)
}

func TestHandlers_Receive(t *testing.T) {
	f := newFixture(t)
	router := mux.NewRouter()
	NewHandlers(f.controller, nil).RegisterRoutes(router)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/lifecycle/events", bytes.NewBufferString(body))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	payload := `{"eventId":"evt-100","tenantId":10,"eventType":"licenseActivated","planName":"professional","effectiveAt":"2026-05-01T00:00:00Z"}`

	w := post(payload)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.False(t, res.Duplicate)
	assert.Contains(t, res.Granted, "approvals")

	w = post(payload)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Duplicate)
	assert.Empty(t, res.Granted)

	assert.Equal(t, http.StatusBadRequest, post(`{"eventId":"x","tenantId":10,"eventType":"licensePaused"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`not json`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, post(`{"eventId":"y","tenantId":10,"eventType":"licenseUpgraded","planName":"platinum"}`).Code)
}

type failingStore struct {
	*entitlements.MemoryStore
}

func (failingStore) ApplyLifecycleEvent(context.Context, entitlements.LifecycleEvent, entitlements.GrantOp) (*entitlements.ChangeSet, error) {
	return nil, errors.New("connection reset")
}

func TestHandlers_StoreFailure(t *testing.T) {
	f := newFixture(t)
	controller := NewController(failingStore{f.store}, f.inval, f.audit, f.metrics, nil)
	router := mux.NewRouter()
	NewHandlers(controller, nil).RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/v1/lifecycle/events",
		bytes.NewBufferString(`{"eventId":"evt-1","tenantId":10,"eventType":"licenseExpired"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
	assert.Empty(t, *f.inval)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.LifecycleEvents.WithLabelValues(string(EventExpired), "error")))
}
