// Package callback serves the crypto provider's token callback and the
// operation inspection endpoints.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/guided-traffic/agency-interchange/internal/operation"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 64 << 10

// Orchestrator is the part of the orchestrator the endpoints drive.
type Orchestrator interface {
	OnTokenReceived(ctx context.Context, id, token string) bool
	Operation(ctx context.Context, id string) (*operation.Operation, error)
	Cancel(id string) bool
	IsPending(id string) bool
}

// Handler handles callback and operation endpoints.
type Handler struct {
	orchestrator Orchestrator
	logger       *logrus.Entry
}

// NewHandler creates a new callback handler
func NewHandler(orchestrator Orchestrator, logger *logrus.Entry) *Handler {
	return &Handler{orchestrator: orchestrator, logger: logger}
}

// Request is the callback body. operationId is accepted as an alias of
// requestId.
type Request struct {
	RequestID   string `json:"requestId"`
	OperationID string `json:"operationId"`
	Token       string `json:"token"`
}

// ID returns whichever identifier was sent.
func (r Request) ID() string {
	if id := strings.TrimSpace(r.RequestID); id != "" {
		return id
	}
	return strings.TrimSpace(r.OperationID)
}

type response struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("Failed to write response")
	}
}

// Callback handles POST /api/v1/crypto/callback.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, response{Error: "invalid JSON body"})
		return
	}

	id, token := req.ID(), strings.TrimSpace(req.Token)
	if id == "" || token == "" {
		h.writeJSON(w, http.StatusBadRequest, response{Error: "requestId and token are required"})
		return
	}

	if !h.orchestrator.OnTokenReceived(r.Context(), id, token) {
		h.writeJSON(w, http.StatusNotFound, response{Accepted: false})
		return
	}
	h.writeJSON(w, http.StatusAccepted, response{Accepted: true})
}

type operationView struct {
	*operation.Operation
	HasToken bool `json:"hasToken"`
	Pending  bool `json:"pending"`
}

// GetOperation handles GET /api/v1/operations/{id}. The token is never
// returned.
func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	op, err := h.orchestrator.Operation(r.Context(), id)
	if err != nil {
		if errors.Is(err, operation.ErrNotFound) {
			h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "operation not found"})
			return
		}
		h.logger.WithError(err).WithField("operation_id", id).Error("Failed to load operation")
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load operation"})
		return
	}
	h.writeJSON(w, http.StatusOK, operationView{
		Operation: op,
		HasToken:  op.HasToken(),
		Pending:   h.orchestrator.IsPending(id),
	})
}

// CancelOperation handles DELETE /api/v1/operations/{id}.
func (h *Handler) CancelOperation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.orchestrator.Cancel(id) {
		h.writeJSON(w, http.StatusNotFound, map[string]bool{"cancelled": false})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}
