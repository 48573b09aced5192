package events

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/courier/pkg/httputil"
	"github.com/platinummonkey/courier/pkg/observability"
)

// Handlers provides HTTP handlers for exclusion filters
type Handlers struct {
	filters *FilterSet
}

// NewHandlers creates new filter handlers
func NewHandlers(filters *FilterSet) *Handlers {
	return &Handlers{filters: filters}
}

// RegisterRoutes registers filter routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/filters", h.listFilters).Methods("GET")
	router.HandleFunc("/filters", h.createFilter).Methods("POST")
	router.HandleFunc("/filters/{id}", h.getFilter).Methods("GET")
	router.HandleFunc("/filters/{id}", h.deleteFilter).Methods("DELETE")
}

type filterRequest struct {
	Name       string      `json:"name"`
	EventTypes []string    `json:"event_types"`
	Conditions []Condition `json:"conditions"`
	Active     *bool       `json:"active,omitempty"`
}

// listFilters handles GET /filters
func (h *Handlers) listFilters(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.filters.List())
}

// createFilter handles POST /filters
func (h *Handlers) createFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	f, err := h.filters.Add(Filter{
		Name:       req.Name,
		EventTypes: req.EventTypes,
		Conditions: req.Conditions,
		Active:     req.Active == nil || *req.Active,
	})
	if err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	httputil.WriteCreated(w, f)
}

// getFilter handles GET /filters/{id}
func (h *Handlers) getFilter(w http.ResponseWriter, r *http.Request) {
	f, err := h.filters.Get(mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	httputil.WriteSuccess(w, f)
}

// deleteFilter handles DELETE /filters/{id}
func (h *Handlers) deleteFilter(w http.ResponseWriter, r *http.Request) {
	if err := h.filters.Remove(mux.Vars(r)["id"]); err != nil {
		if errors.Is(err, ErrFilterNotFound) {
			httputil.WriteNotFoundError(w, err.Error())
			return
		}
		observability.FromContext(r.Context()).WithError(err).Error("Failed to remove filter")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteNoContent(w)
}
