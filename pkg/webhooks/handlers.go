package webhooks

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/courier/pkg/httputil"
	"github.com/platinummonkey/courier/pkg/observability"
)

// Submitter accepts events on behalf of the HTTP surface. The Manager
// publishes directly; a buffering front-end may filter or defer.
type Submitter interface {
	Submit(ctx context.Context, in EventInput) (SubmitResult, error)
}

// Handlers provides HTTP handlers for webhook administration
type Handlers struct {
	manager   *Manager
	submitter Submitter
}

// NewHandlers creates new webhook handlers
func NewHandlers(manager *Manager) *Handlers {
	return &Handlers{
		manager:   manager,
		submitter: manager,
	}
}

// WithSubmitter routes POST /events through s instead of the manager
func (h *Handlers) WithSubmitter(s Submitter) *Handlers {
	if s != nil {
		h.submitter = s
	}
	return h
}

// RegisterRoutes registers webhook routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/endpoints", h.createEndpoint).Methods("POST")
	router.HandleFunc("/endpoints", h.listEndpoints).Methods("GET")
	router.HandleFunc("/endpoints/{id}", h.getEndpoint).Methods("GET")
	router.HandleFunc("/endpoints/{id}", h.updateEndpoint).Methods("PUT")
	router.HandleFunc("/endpoints/{id}", h.deleteEndpoint).Methods("DELETE")
	router.HandleFunc("/endpoints/{id}/activate", h.activateEndpoint).Methods("POST")
	router.HandleFunc("/endpoints/{id}/deactivate", h.deactivateEndpoint).Methods("POST")
	router.HandleFunc("/endpoints/{id}/test", h.testEndpoint).Methods("POST")
	router.HandleFunc("/endpoints/{id}/stats", h.endpointStats).Methods("GET")
	router.HandleFunc("/endpoints/{id}/deliveries", h.endpointDeliveries).Methods("GET")

	router.HandleFunc("/events", h.publishEvent).Methods("POST")
	router.HandleFunc("/events/{id}", h.getEvent).Methods("GET")
	router.HandleFunc("/events/{id}/deliveries", h.eventDeliveries).Methods("GET")

	router.HandleFunc("/deliveries", h.listDeliveries).Methods("GET")
	router.HandleFunc("/deliveries/{id}", h.getDelivery).Methods("GET")

	router.HandleFunc("/stats", h.stats).Methods("GET")
	router.HandleFunc("/signatures/verify", h.verifySignature).Methods("POST")
}

// writeManagerError maps manager errors to status codes
func writeManagerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, ErrInvalidEndpoint), errors.Is(err, ErrInvalidEvent):
		httputil.WriteValidationError(w, err)
	default:
		observability.FromContext(r.Context()).WithError(err).Error("Request failed")
		httputil.WriteInternalError(w)
	}
}

// createEndpoint handles POST /endpoints
func (h *Handlers) createEndpoint(w http.ResponseWriter, r *http.Request) {
	var in EndpointInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}

	ep, err := h.manager.CreateEndpoint(r.Context(), in)
	if err != nil {
		writeManagerError(w, r, err)
		return
	}

	httputil.WriteCreated(w, ep)
}

// listEndpoints handles GET /endpoints
func (h *Handlers) listEndpoints(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.manager.ListEndpoints(r.Context()))
}

// getEndpoint handles GET /endpoints/{id}
func (h *Handlers) getEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ep, err := h.manager.GetEndpoint(r.Context(), id)
	if err != nil {
		writeManagerError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, ep)
}

// updateEndpoint handles PUT /endpoints/{id}
func (h *Handlers) updateEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var upd EndpointUpdate
	if !httputil.ParseJSONOrError(w, r, &upd) {
		return
	}

	ep, err := h.manager.UpdateEndpoint(r.Context(), id, upd)
	if err != nil {
		writeManagerError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, ep)
}

// deleteEndpoint handles DELETE /endpoints/{id}
func (h *Handlers) deleteEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.manager.DeleteEndpoint(r.Context(), id); err != nil {
		writeManagerError(w, r, err)
		return
	}

	httputil.WriteNoContent(w)
}

// activateEndpoint handles POST /endpoints/{id}/activate
func (h *Handlers) activateEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := h.manager.ActivateEndpoint(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeManagerError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ep)
}

// deactivateEndpoint handles POST /endpoints/{id}/deactivate
func (h *Handlers) deactivateEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := h.manager.DeactivateEndpoint(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeManagerError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ep)
}

// testEndpoint handles POST /endpoints/{id}/test
func (h *Handlers) testEndpoint(w http.ResponseWriter, r *http.Request) {
	result, err := h.manager.TestEndpoint(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeManagerError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// endpointStats handles GET /endpoints/{id}/stats
func (h *Handlers) endpointStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.EndpointStats(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeManagerError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

// endpointDeliveries handles GET /endpoints/{id}/deliveries
func (h *Handlers) endpointDeliveries(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseDeliveryFilter(w, r)
	if !ok {
		return
	}
	filter.EndpointID = mux.Vars(r)["id"]
	httputil.WriteSuccess(w, h.manager.ListDeliveries(r.Context(), filter))
}

// publishEvent handles POST /events
func (h *Handlers) publishEvent(w http.ResponseWriter, r *http.Request) {
	var in EventInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		in.IdempotencyKey = key
	}

	result, err := h.submitter.Submit(r.Context(), in)
	if err != nil {
		writeManagerError(w, r, err)
		return
	}

	switch result.Outcome {
	case SubmitPublished, SubmitBuffered:
		httputil.WriteJSON(w, http.StatusAccepted, result)
	default:
		httputil.WriteSuccess(w, result)
	}
}

// getEvent handles GET /events/{id}
func (h *Handlers) getEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.manager.GetEvent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeManagerError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, event)
}

// eventDeliveries handles GET /events/{id}/deliveries
func (h *Handlers) eventDeliveries(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseDeliveryFilter(w, r)
	if !ok {
		return
	}
	filter.EventID = mux.Vars(r)["id"]
	httputil.WriteSuccess(w, h.manager.ListDeliveries(r.Context(), filter))
}

// listDeliveries handles GET /deliveries
func (h *Handlers) listDeliveries(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseDeliveryFilter(w, r)
	if !ok {
		return
	}
	filter.EndpointID = httputil.ParseQueryString(r, "endpoint_id", "")
	filter.EventID = httputil.ParseQueryString(r, "event_id", "")
	httputil.WriteSuccess(w, h.manager.ListDeliveries(r.Context(), filter))
}

func parseDeliveryFilter(w http.ResponseWriter, r *http.Request) (DeliveryFilter, bool) {
	var filter DeliveryFilter

	limit, err := httputil.ParseQueryInt(r, "limit", 100)
	if err != nil || limit < 0 {
		httputil.WriteBadRequest(w, "limit must be a non-negative integer")
		return filter, false
	}
	pending, err := httputil.ParseQueryBool(r, "pending", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return filter, false
	}
	status := DeliveryStatus(httputil.ParseQueryString(r, "status", ""))
	if status != "" && !status.Valid() {
		httputil.WriteBadRequest(w, "unknown delivery status: "+string(status))
		return filter, false
	}

	filter.Limit = limit
	filter.PendingOnly = pending
	filter.Status = status
	return filter, true
}

// getDelivery handles GET /deliveries/{id}
func (h *Handlers) getDelivery(w http.ResponseWriter, r *http.Request) {
	delivery, err := h.manager.GetDelivery(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeManagerError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, delivery)
}

// stats handles GET /stats
func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.manager.Stats(r.Context()))
}

type verifyRequest struct {
	Payload   string             `json:"payload"`
	Signature string             `json:"signature"`
	Secret    string             `json:"secret"`
	Algorithm SignatureAlgorithm `json:"algorithm"`
}

// verifySignature handles POST /signatures/verify
func (h *Handlers) verifySignature(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Algorithm == "" {
		req.Algorithm = DefaultAlgorithm
	}

	httputil.WriteSuccess(w, map[string]bool{
		"valid": Verify([]byte(req.Payload), req.Signature, req.Secret, req.Algorithm),
	})
}
