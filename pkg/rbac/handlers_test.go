package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/catalog"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
)

func newTestRouter(f *serviceFixture) *mux.Router {
	router := mux.NewRouter()
	router.Use(httputil.ActorMiddleware)
	NewHandlers(f.service, nil).RegisterRoutes(router)
	return router
}

func do(t *testing.T, router http.Handler, method, path string, actor int64, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor > 0 {
		req.Header.Set(httputil.ActorHeader, fmt.Sprint(actor))
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandlers_RoleLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	router := newTestRouter(f)

	w := do(t, router, http.MethodPost, "/v1/tenants/10/roles", owner, CreateRoleRequest{
		Name:        "clerk",
		DisplayName: "Clerk",
		Permissions: []string{"finance:view"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var role Role
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &role))
	assert.Equal(t, "clerk", role.Name)

	path := fmt.Sprintf("/v1/tenants/10/roles/%d", role.ID)

	w = do(t, router, http.MethodPut, path+"/permissions", owner, map[string][]string{"permissions": {"finance:view", "reports:view"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &role))
	assert.Equal(t, []string{"finance:view", "reports:view"}, role.Permissions)

	w = do(t, router, http.MethodPost, "/v1/tenants/10/users/5/roles", owner, map[string]int64{"role_id": role.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/v1/tenants/10/users/5/roles", owner, map[string]int64{"role_id": role.ID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodGet, "/v1/tenants/10/users/5/roles", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role_name":"clerk"`)

	w = do(t, router, http.MethodDelete, fmt.Sprintf("/v1/tenants/10/users/5/roles/%d", role.ID), owner, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, router, http.MethodDelete, path, owner, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, router, http.MethodGet, path, owner, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_Errors(t *testing.T) {
	f := newServiceFixture(t)
	router := newTestRouter(f)

	tests := []struct {
		name   string
		method string
		path   string
		actor  int64
		body   interface{}
		status int
	}{
		{"missing actor", http.MethodGet, "/v1/tenants/10/roles", 0, nil, http.StatusUnauthorized},
		{"bad tenant", http.MethodGet, "/v1/tenants/abc/roles", owner, nil, http.StatusBadRequest},
		{"non-admin read", http.MethodGet, "/v1/tenants/10/roles", 99, nil, http.StatusForbidden},
		{"other tenant admin", http.MethodGet, "/v1/tenants/20/roles", owner, nil, http.StatusForbidden},
		{"unknown permission", http.MethodPost, "/v1/tenants/10/roles", owner,
			CreateRoleRequest{Name: "bad", Permissions: []string{"nope:nope"}}, http.StatusUnprocessableEntity},
		{"sensitive pair", http.MethodPost, "/v1/tenants/10/roles", owner,
			CreateRoleRequest{Name: "both", Permissions: []string{"finance:create", "finance:approve"}}, http.StatusUnprocessableEntity},
		{"unknown body field", http.MethodPost, "/v1/tenants/10/roles", owner,
			map[string]interface{}{"name": "x", "is_system": true}, http.StatusBadRequest},
		{"missing role id", http.MethodPost, "/v1/tenants/10/users/5/roles", owner, map[string]int64{}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, tt.actor, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestHandlers_SystemRoleImmutable(t *testing.T) {
	f := newServiceFixture(t)
	router := newTestRouter(f)

	admin, err := f.store.GetRoleByName(context.Background(), tenantA, catalog.SystemAdminRole)
	require.NoError(t, err)

	w := do(t, router, http.MethodPut, fmt.Sprintf("/v1/tenants/10/roles/%d/permissions", admin.ID), owner,
		map[string][]string{"permissions": {"finance:view"}})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandlers_Provision(t *testing.T) {
	f := newServiceFixture(t)
	router := newTestRouter(f)

	w := do(t, router, http.MethodPost, "/v1/tenants/30/provision", 7, map[string]int64{"owner_id": 7})
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/v1/tenants/30/provision", operator, map[string]int64{})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/v1/tenants/30/provision", operator, map[string]int64{"owner_id": 7})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res ProvisionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.OwnerAdded)
	assert.NotEmpty(t, res.CreatedRoles)

	w = do(t, router, http.MethodGet, "/v1/tenants/30/roles", 7, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
