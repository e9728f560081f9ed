package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"officeq/dispatch-service/internal/dispatch"
	"officeq/dispatch-service/internal/models"
	"officeq/dispatch-service/internal/roles"
	"officeq/dispatch-service/internal/store"
)

// Dispatcher is what the claim-next endpoint needs from the dispatch core.
type Dispatcher interface {
	NextForCounter(ctx context.Context, counterID int64) (models.Ticket, bool, error)
}

type Handler struct {
	catalog    store.Catalog
	tickets    store.TicketStore
	dispatcher Dispatcher
}

func NewHandler(catalog store.Catalog, tickets store.TicketStore, dispatcher Dispatcher) *Handler {
	return &Handler{
		catalog:    catalog,
		tickets:    tickets,
		dispatcher: dispatcher,
	}
}

type issueTicketRequest struct {
	ServiceID int64 `json:"service_id"`
}

type finishTicketRequest struct {
	CounterID int64 `json:"counter_id"`
}

type queueLengthResponse struct {
	ServiceID   int64  `json:"service_id"`
	Day         string `json:"day"`
	QueueLength int    `json:"queue_length"`
}

type servedTicketResponse struct {
	ServedTicket models.Ticket `json:"served_ticket"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleIssueTicket)
	mux.HandleFunc("/api/tickets/", h.handleTicketByID)
	mux.HandleFunc("/api/queues/length", h.handleQueueLength)
	mux.HandleFunc("/api/counters", h.handleCounters)
	mux.HandleFunc("/api/counters/", h.handleCounterSubpaths)
	mux.HandleFunc("/api/services", h.handleServices)
	mux.HandleFunc("/api/events", h.handleEvents)
	mux.HandleFunc("/api/roles", h.handleRoles)
	mux.HandleFunc("/api/users/", h.handleUserRole)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req issueTicketRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.ServiceID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "service_id is required and must be positive")
		return
	}

	ticket, err := h.tickets.IssueTicket(r.Context(), store.IssueTicketInput{
		ServiceID: req.ServiceID,
		IssuedAt:  time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusCreated, ticket)
}

// handleTicketByID routes GET /api/tickets/{id} and
// POST /api/tickets/{id}/finish.
func (h *Handler) handleTicketByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	ticketID, ok := parseID(parts[0])
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "ticket id must be a positive integer")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGetTicket(w, r, ticketID)
	case len(parts) == 2 && parts[1] == "finish" && r.Method == http.MethodPost:
		h.handleFinishTicket(w, r, ticketID)
	case len(parts) == 1 || (len(parts) == 2 && parts[1] == "finish"):
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID int64) {
	ticket, found, err := h.tickets.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "ticket_not_found", "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleFinishTicket(w http.ResponseWriter, r *http.Request, ticketID int64) {
	var req finishTicketRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.CounterID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id is required and must be positive")
		return
	}

	ok, err := h.tickets.FinishTicket(r.Context(), ticketID, req.CounterID, time.Now().UTC())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if !ok {
		_, found, err := h.tickets.GetTicket(r.Context(), ticketID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "ticket_not_found", "ticket not found")
			return
		}
		writeError(w, http.StatusConflict, "invalid_state", "ticket is not being served at this counter or is already finished")
		return
	}

	ticket, _, err := h.tickets.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleQueueLength(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	serviceID, ok := parseID(r.URL.Query().Get("service_id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "service_id is required and must be a positive integer")
		return
	}

	day := models.QueueDay(time.Now().UTC())
	if raw := strings.TrimSpace(r.URL.Query().Get("day")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "day must be formatted YYYY-MM-DD")
			return
		}
		day = parsed
	}

	if _, err := h.catalog.GetService(r.Context(), serviceID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	count, err := h.tickets.WaitingCount(r.Context(), serviceID, day)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, queueLengthResponse{
		ServiceID:   serviceID,
		Day:         day.Format("2006-01-02"),
		QueueLength: count,
	})
}

// handleCounterSubpaths routes POST /api/counters/{id}/next-ticket and
// GET /api/counters/{id}/services.
func (h *Handler) handleCounterSubpaths(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/counters/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	counterID, ok := parseID(parts[0])
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter id must be a positive integer")
		return
	}

	switch parts[1] {
	case "next-ticket":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleNextTicket(w, r, counterID)
	case "services":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleCounterServices(w, r, counterID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleNextTicket(w http.ResponseWriter, r *http.Request, counterID int64) {
	ticket, found, err := h.dispatcher.NextForCounter(r.Context(), counterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if !found {
		// An empty queue is a normal outcome, distinguishable from any
		// failure by its code.
		writeError(w, http.StatusNotFound, "queue_empty", "no tickets to serve for this counter")
		return
	}

	writeJSON(w, http.StatusOK, servedTicketResponse{ServedTicket: ticket})
}

func (h *Handler) handleCounterServices(w http.ResponseWriter, r *http.Request, counterID int64) {
	services, err := h.catalog.CounterCapabilities(r.Context(), counterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	counters, err := h.catalog.ListCounters(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, counters)
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	services, err := h.catalog.ListServices(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var after time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be an RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.tickets.ListEvents(r.Context(), after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, roles.All())
}

// handleUserRole serves GET /api/users/{id}/role from the static table.
func (h *Handler) handleUserRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/users/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "role" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	userID, ok := parseID(parts[0])
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "user id must be a positive integer")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"role":    roles.ForUser(userID),
	})
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrConstraintViolation):
		return http.StatusUnprocessableEntity, "constraint_violation", "referenced record does not exist"
	case errors.Is(err, dispatch.ErrConflict):
		return http.StatusConflict, "dispatch_conflict", "could not claim a ticket, try again"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "store_unavailable", "store did not respond in time"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
