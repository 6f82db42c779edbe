// Package handlers implements the HTTP handlers for the ToolBridge
// adapter. Each handler is a thin shim over one core operation: decode,
// require a scope where the operation touches remote state, call the
// engine, encode the tagged result.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/internal/api/middleware"
	"github.com/toolbridge/toolbridge/internal/connections"
	"github.com/toolbridge/toolbridge/internal/executor"
	"github.com/toolbridge/toolbridge/pkg/contracts"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Executor    *executor.Engine
	Connections *connections.Engine
}

// New creates a Handlers instance.
func New(exec *executor.Engine, conns *connections.Engine) *Handlers {
	return &Handlers{Executor: exec, Connections: conns}
}

// ── Tool operations ──────────────────────────────────────────

// SearchToolsRequest is the payload for POST /api/v1/tools/search.
type SearchToolsRequest struct {
	Query    string   `json:"query"`
	Toolkits []string `json:"toolkits,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	UserID   string   `json:"user_id,omitempty"`
}

func (h *Handlers) SearchTools(w http.ResponseWriter, r *http.Request) {
	var req SearchToolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	scope := requestScope(r, req.UserID)
	result := h.Executor.Search(r.Context(), req.Query, executor.SearchOptions{
		Toolkits: req.Toolkits,
		Limit:    req.Limit,
		Scope:    scope,
	})
	respondResult(w, result)
}

// ExecuteToolRequest is the payload for POST /api/v1/tools/execute.
type ExecuteToolRequest struct {
	ToolSlug  string         `json:"tool_slug"`
	Arguments map[string]any `json:"arguments,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	AccountID string         `json:"connected_account_id,omitempty"`
}

func (h *Handlers) ExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req ExecuteToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	scope := requestScope(r, req.UserID)
	result := h.Executor.Execute(r.Context(), req.ToolSlug, req.Arguments, scope, req.AccountID)

	if !result.Successful {
		log.Warn().Str("tool", req.ToolSlug).Str("scope", scope).Str("error", result.Error).Msg("tool execution failed")
	}
	respondResult(w, result)
}

// ── Connection operations ────────────────────────────────────

func (h *Handlers) ConnectionStatus(w http.ResponseWriter, r *http.Request) {
	scope := middleware.GetScope(r.Context())
	if scope == "" {
		respondError(w, http.StatusBadRequest, "user scope is required (X-User-Scope header or user_id query parameter)")
		return
	}

	toolkits := queryList(r, "toolkits")
	statuses, err := h.Connections.Status(r.Context(), toolkits, scope)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if statuses == nil {
		statuses = []models.ConnectionStatus{}
	}
	respondJSON(w, http.StatusOK, statuses)
}

// CreateConnectionRequest is the payload for POST /api/v1/connections.
type CreateConnectionRequest struct {
	Toolkit string `json:"toolkit"`
	UserID  string `json:"user_id,omitempty"`
}

func (h *Handlers) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var req CreateConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Toolkit == "" {
		respondError(w, http.StatusBadRequest, "toolkit is required")
		return
	}

	scope := requestScope(r, req.UserID)
	if scope == "" {
		respondError(w, http.StatusBadRequest, "user scope is required (X-User-Scope header or user_id field)")
		return
	}

	authURL, err := h.Connections.Connect(r.Context(), req.Toolkit, scope)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "redirect_url": authURL})
}

func (h *Handlers) DisconnectToolkit(w http.ResponseWriter, r *http.Request) {
	toolkit := chi.URLParam(r, "toolkit")
	scope := middleware.GetScope(r.Context())
	if scope == "" {
		respondError(w, http.StatusBadRequest, "user scope is required (X-User-Scope header or user_id query parameter)")
		return
	}

	if err := h.Connections.Disconnect(r.Context(), toolkit, scope); err != nil {
		respondJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	filter := contracts.AccountFilter{
		Scope:    middleware.GetScope(r.Context()),
		Toolkits: queryList(r, "toolkits"),
	}
	for _, s := range queryList(r, "statuses") {
		filter.Statuses = append(filter.Statuses, models.AccountStatus(strings.ToUpper(s)))
	}

	accounts, err := h.Connections.ListAccounts(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if accounts == nil {
		accounts = []models.ConnectedAccount{}
	}
	respondJSON(w, http.StatusOK, accounts)
}

func (h *Handlers) ActiveScopes(w http.ResponseWriter, r *http.Request) {
	toolkit := chi.URLParam(r, "toolkit")

	scopes, err := h.Connections.ActiveScopes(r.Context(), toolkit)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if scopes == nil {
		scopes = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"toolkit": models.NormalizeToolkitSlug(toolkit), "scopes": scopes})
}

// ── Helpers ──────────────────────────────────────────────────

// requestScope prefers the request body's user id, then the extracted
// header/query scope. Empty stays empty and the core rejects it.
func requestScope(r *http.Request, bodyScope string) string {
	if bodyScope != "" {
		return bodyScope
	}
	return middleware.GetScope(r.Context())
}

func queryList(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, item := range strings.Split(raw, ",") {
			item = strings.TrimSpace(item)
			if item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func respondResult(w http.ResponseWriter, result *models.ExecutionResult) {
	respondJSON(w, http.StatusOK, result)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
