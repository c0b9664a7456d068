package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteJSON(w, http.StatusOK, map[string]bool{"granted": true})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"granted":true}`, w.Body.String())
}

func TestWriteErrorMessage_IncludesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set(RequestIDHeader, "req-1")

	WriteErrorMessage(w, http.StatusNotFound, "role not found")

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "role not found", body.Error)
	assert.Equal(t, "req-1", body.RequestID)
}

func TestWriteNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

var (
	errMissing  = errors.New("missing")
	errConflict = errors.New("conflict")
)

var table = []ErrorStatus{
	{errMissing, http.StatusNotFound},
	{errConflict, http.StatusConflict},
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusFor(fmt.Errorf("role 7: %w", errMissing), table))
	assert.Equal(t, http.StatusConflict, StatusFor(errConflict, table))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("boom"), table))
}

func TestWriteMappedError(t *testing.T) {
	logger, hook := test.NewNullLogger()

	t.Run("mapped error keeps its message", func(t *testing.T) {
		hook.Reset()
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/tenants/1/roles/7", nil)

		WriteMappedError(w, r, logger, fmt.Errorf("role 7: %w", errMissing), table)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "role 7: missing")
		assert.Empty(t, hook.AllEntries())
	})

	t.Run("internal error hides detail", func(t *testing.T) {
		hook.Reset()
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/tenants/1/roles", nil)

		WriteMappedError(w, r, logger, errors.New("pq: password authentication failed"), table)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "password")
		require.Len(t, hook.AllEntries(), 1)
		assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	})
}
