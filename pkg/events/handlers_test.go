package events

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlers_Filters(t *testing.T) {
	filters := NewFilterSet()
	router := mux.NewRouter()
	NewHandlers(filters).RegisterRoutes(router)

	body, err := json.Marshal(map[string]interface{}{
		"name":        "ignore drafts",
		"event_types": []string{"document.uploaded"},
		"conditions": []map[string]interface{}{
			{"field": "status", "operator": "equals", "value": "draft"},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/filters", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created Filter
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Active, "filters are active unless disabled")

	req = httptest.NewRequest("GET", "/filters", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var list []Filter
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	req = httptest.NewRequest("GET", "/filters/"+created.ID, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("DELETE", "/filters/"+created.ID, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	req = httptest.NewRequest("DELETE", "/filters/"+created.ID, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_InvalidFilter(t *testing.T) {
	router := mux.NewRouter()
	NewHandlers(NewFilterSet()).RegisterRoutes(router)

	req := httptest.NewRequest("POST", "/filters", bytes.NewReader([]byte(`{"name":"no types"}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest("GET", "/filters/missing", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
