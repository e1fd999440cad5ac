// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overpg

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mobiletoly/go-overreplica/internal/auth"
	"github.com/mobiletoly/go-overreplica/overreplica"
)

// AdminStore is the part of ReplicaService the HTTP API drives
type AdminStore interface {
	ApplyBatch(ctx context.Context, batch overreplica.Batch, records []overreplica.ChangeRecord) (*overreplica.LoadResult, error)
	ListIncomingErrors(ctx context.Context, filter IncomingErrorFilter) ([]IncomingError, error)
	ResolveIncomingError(ctx context.Context, req ResolveIncomingErrorRequest) error
	ReloadConflictSettings(ctx context.Context) (*ReloadSettingsResponse, error)
}

// DefaultMaxBodyBytes caps request bodies unless HTTPAdminHandlers.MaxBodyBytes is set
const DefaultMaxBodyBytes int64 = 64 << 20

// HTTPAdminHandlers provides HTTP handlers for batch intake and operator maintenance
type HTTPAdminHandlers struct {
	store  AdminStore
	logger *slog.Logger

	// MaxBodyBytes limits a request body; larger bodies get 413
	MaxBodyBytes int64
}

// NewHTTPAdminHandlers creates a new instance of admin handlers
func NewHTTPAdminHandlers(store AdminStore, logger *slog.Logger) *HTTPAdminHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPAdminHandlers{store: store, logger: logger, MaxBodyBytes: DefaultMaxBodyBytes}
}

// Routes returns a mux with every endpoint; all but /health require a bearer token
func (h *HTTPAdminHandlers) Routes(authn *JWTAuth) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.HandleHealth)
	mux.Handle("/replica/batches", authn.Middleware(http.HandlerFunc(h.HandleApplyBatch)))
	mux.Handle("/admin/incoming-errors", authn.Middleware(http.HandlerFunc(h.HandleListIncomingErrors)))
	mux.Handle("/admin/incoming-errors/resolve", authn.Middleware(http.HandlerFunc(h.HandleResolveIncomingError)))
	mux.Handle("/admin/conflict-settings/reload", authn.Middleware(http.HandlerFunc(h.HandleReloadSettings)))
	return mux
}

// HandleApplyBatch applies one batch pushed by a source node
func (h *HTTPAdminHandlers) HandleApplyBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	if !auth.HasRole(r.Context(), auth.RoleNode, auth.RoleAdmin) {
		h.writeError(w, http.StatusForbidden, "forbidden", "node or admin role required")
		return
	}

	var req ApplyBatchRequest
	if !h.decodeBody(w, r, &req, "Failed to parse batch") {
		return
	}
	// a node may only push its own batches
	if auth.HasRole(r.Context(), auth.RoleNode) {
		nodeID, _ := auth.GetOperatorID(r.Context())
		if req.Batch.SourceNodeID == "" {
			req.Batch.SourceNodeID = nodeID
		}
		if req.Batch.SourceNodeID != nodeID {
			h.writeError(w, http.StatusForbidden, "forbidden", "source_node_id does not match token subject")
			return
		}
	}
	if req.Batch.SourceNodeID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "source_node_id is required")
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := h.store.ApplyBatch(r.Context(), req.Batch, req.Records)
	resp := ApplyBatchResponse{Status: "OK", Result: res}
	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, overreplica.ErrAbortBatch):
		resp.Status, resp.Error = "AB", err.Error()
		status = http.StatusConflict
	case overreplica.IsRowConflict(err):
		resp.Status, resp.Error = "ER", err.Error()
		status = http.StatusConflict
	default:
		h.logger.Error("Failed to apply batch", "error", err, "batch_id", req.Batch.ID, "source_node_id", req.Batch.SourceNodeID)
		h.writeError(w, http.StatusInternalServerError, "apply_failed", "Failed to apply batch")
		return
	}
	h.writeJSON(w, status, resp)
}

// HandleListIncomingErrors lists rows that stopped a batch
func (h *HTTPAdminHandlers) HandleListIncomingErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	if !auth.HasRole(r.Context(), auth.RoleAdmin, auth.RoleViewer) {
		h.writeError(w, http.StatusForbidden, "forbidden", "admin or viewer role required")
		return
	}

	q := r.URL.Query()
	filter := IncomingErrorFilter{
		SourceNodeID: q.Get("source_node_id"),
		Table:        q.Get("table"),
		Unresolved:   q.Get("unresolved") == "true",
		Limit:        100,
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
		if limit < 1 || limit > 1000 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		filter.Limit = limit
	}

	items, err := h.store.ListIncomingErrors(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list incoming errors", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list incoming errors")
		return
	}
	if items == nil {
		items = []IncomingError{}
	}
	h.writeJSON(w, http.StatusOK, ListIncomingErrorsResponse{Errors: items})
}

// HandleResolveIncomingError attaches an override to a failed row
func (h *HTTPAdminHandlers) HandleResolveIncomingError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	if !auth.HasRole(r.Context(), auth.RoleAdmin) {
		h.writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}

	var req ResolveIncomingErrorRequest
	if !h.decodeBody(w, r, &req, "Failed to parse resolve request") {
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := h.store.ResolveIncomingError(r.Context(), req); err != nil {
		if errors.Is(err, ErrIncomingErrorNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		h.logger.Error("Failed to resolve incoming error", "error", err, "batch_id", req.BatchID, "row", req.RowNumber)
		h.writeError(w, http.StatusInternalServerError, "resolve_failed", "Failed to resolve incoming error")
		return
	}
	operator, _ := auth.GetOperatorID(r.Context())
	h.logger.Info("Override recorded", "operator", operator, "batch_id", req.BatchID, "row", req.RowNumber)
	h.writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// HandleReloadSettings re-reads the conflict settings table
func (h *HTTPAdminHandlers) HandleReloadSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	if !auth.HasRole(r.Context(), auth.RoleAdmin) {
		h.writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}

	resp, err := h.store.ReloadConflictSettings(r.Context())
	if err != nil {
		h.logger.Error("Failed to reload conflict settings", "error", err)
		h.writeError(w, http.StatusInternalServerError, "reload_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleHealth provides a health check endpoint
func (h *HTTPAdminHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{Status: "healthy"})
}

// decodeBody reads a JSON body within MaxBodyBytes and writes the error response itself
func (h *HTTPAdminHandlers) decodeBody(w http.ResponseWriter, r *http.Request, v any, parseMessage string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request_too_large",
				"Request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return false
		}
		h.writeError(w, http.StatusBadRequest, "invalid_request", parseMessage)
		return false
	}
	return true
}

func (h *HTTPAdminHandlers) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *HTTPAdminHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
