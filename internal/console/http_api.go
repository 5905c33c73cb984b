package console

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bidwatch/bidwatch/internal/storage"
	"github.com/bidwatch/bidwatch/internal/worker"
)

// HTTPAPI is the presentation-facing surface: session CRUD, start/stop
// commands, status reads, aggregates, and filtered record lists. The UI
// layer consumes it as plain query operations and never touches internal
// timers.
type HTTPAPI struct {
	sessions   *SessionStore
	statuses   *StatusCache
	poller     *StatusPoller
	dispatcher *CommandDispatcher
	aggregator *AggregationEngine
	filters    *ListFilterEngine
	records    *storage.RecordStore
	hub        *Hub
	health     *HealthChecker

	authToken string
	logger    *zap.Logger
}

func NewHTTPAPI(
	sessions *SessionStore,
	statuses *StatusCache,
	poller *StatusPoller,
	dispatcher *CommandDispatcher,
	aggregator *AggregationEngine,
	records *storage.RecordStore,
	authToken string,
	logger *zap.Logger,
) *HTTPAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPAPI{
		sessions:   sessions,
		statuses:   statuses,
		poller:     poller,
		dispatcher: dispatcher,
		aggregator: aggregator,
		filters:    NewListFilterEngine(sessions),
		records:    records,
		authToken:  authToken,
		logger:     logger,
	}
}

func (a *HTTPAPI) SetHub(hub *Hub) {
	a.hub = hub
}

func (a *HTTPAPI) SetHealthChecker(hc *HealthChecker) {
	a.health = hc
}

func (a *HTTPAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleLiveness)
	mux.HandleFunc("GET /readyz", a.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /api/v1/sessions", a.requireAuth(http.HandlerFunc(a.handleListSessions)))
	mux.Handle("POST /api/v1/sessions", a.requireAuth(http.HandlerFunc(a.handleCreateSession)))
	mux.Handle("GET /api/v1/sessions/{id}", a.requireAuth(http.HandlerFunc(a.handleGetSession)))
	mux.Handle("PUT /api/v1/sessions/{id}", a.requireAuth(http.HandlerFunc(a.handleUpdateSession)))
	mux.Handle("DELETE /api/v1/sessions/{id}", a.requireAuth(http.HandlerFunc(a.handleDeleteSession)))
	mux.Handle("POST /api/v1/sessions/{id}/start", a.requireAuth(http.HandlerFunc(a.handleStartSession)))
	mux.Handle("POST /api/v1/sessions/{id}/stop", a.requireAuth(http.HandlerFunc(a.handleStopSession)))
	mux.Handle("POST /api/v1/sessions/{id}/refresh", a.requireAuth(http.HandlerFunc(a.handleRefreshSession)))
	mux.Handle("GET /api/v1/sessions/{id}/status", a.requireAuth(http.HandlerFunc(a.handleSessionStatus)))
	mux.Handle("DELETE /api/v1/sessions/{id}/watch", a.requireAuth(http.HandlerFunc(a.handleUnwatchSession)))
	mux.Handle("GET /api/v1/sessions/{id}/stats", a.requireAuth(http.HandlerFunc(a.handleSessionStats)))
	mux.Handle("GET /api/v1/status", a.requireAuth(http.HandlerFunc(a.handleAllStatuses)))
	mux.Handle("GET /api/v1/dashboard", a.requireAuth(http.HandlerFunc(a.handleDashboard)))
	mux.Handle("GET /api/v1/analytics", a.requireAuth(http.HandlerFunc(a.handleAnalytics)))
	mux.Handle("GET /api/v1/bids", a.requireAuth(http.HandlerFunc(a.handleListBids)))
	mux.Handle("GET /api/v1/projects", a.requireAuth(http.HandlerFunc(a.handleListProjects)))
	mux.Handle("GET /api/v1/logs", a.requireAuth(http.HandlerFunc(a.handleListLogs)))
	if a.hub != nil {
		mux.HandleFunc("GET /ws/console", a.hub.ServeWS)
	}

	return mux
}

type apiResponse struct {
	Data interface{} `json:"data"`
	Meta *apiMeta    `json:"meta,omitempty"`
}

type apiMeta struct {
	Total int `json:"total"`
	Limit int `json:"limit,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (a *HTTPAPI) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if token == "" || token != a.authToken {
			writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_REQUIRED")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAPI) handleLiveness(w http.ResponseWriter, r *http.Request) {
	result := HealthCheckResult{Status: HealthHealthy}
	if a.health != nil {
		result = a.health.CheckLiveness(r.Context())
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *HTTPAPI) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if a.health == nil {
		writeError(w, http.StatusServiceUnavailable, "health checker not configured", "NOT_READY")
		return
	}

	result := a.health.CheckReadiness(r.Context())
	code := http.StatusOK
	if result.Status == HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, result)
}

func (a *HTTPAPI) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.sessions.List()
	writeJSON(w, http.StatusOK, apiResponse{
		Data: sessions,
		Meta: &apiMeta{Total: len(sessions)},
	})
}

func (a *HTTPAPI) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var cfg SessionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}

	session, err := a.sessions.Create(cfg)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, apiResponse{Data: session})
}

func (a *HTTPAPI) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.sessions.Get(r.PathValue("id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: session})
}

func (a *HTTPAPI) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var cfg SessionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}

	session, err := a.sessions.Update(r.PathValue("id"), cfg)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: session})
}

func (a *HTTPAPI) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Delete(r.PathValue("id")); err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: map[string]string{"status": "deleted"}})
}

func (a *HTTPAPI) handleStartSession(w http.ResponseWriter, r *http.Request) {
	status, err := a.dispatcher.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: status})
}

func (a *HTTPAPI) handleStopSession(w http.ResponseWriter, r *http.Request) {
	status, err := a.dispatcher.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: status})
}

func (a *HTTPAPI) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	status, err := a.dispatcher.Refresh(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: status})
}

// handleSessionStatus returns the cached runtime status and subscribes the
// session to polling. The first read of an unpolled session does one
// immediate fetch so the detail view is never blank.
func (a *HTTPAPI) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.sessions.Get(id); err != nil {
		a.writeDomainError(w, err)
		return
	}

	status, ok := a.statuses.Get(id)
	if !ok {
		refreshed, err := a.dispatcher.Refresh(r.Context(), id)
		if err != nil && !worker.IsTransient(err) {
			a.writeDomainError(w, err)
			return
		}
		status = refreshed
	}
	a.poller.Watch(id)

	writeJSON(w, http.StatusOK, apiResponse{Data: status})
}

// handleUnwatchSession cancels the poll timer when a detail view navigates
// away. The cached status stays.
func (a *HTTPAPI) handleUnwatchSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.sessions.Get(id); err != nil {
		a.writeDomainError(w, err)
		return
	}

	a.poller.Unwatch(id)
	writeJSON(w, http.StatusOK, apiResponse{Data: map[string]string{"status": "unwatched"}})
}

func (a *HTTPAPI) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.sessions.Get(id); err != nil {
		a.writeDomainError(w, err)
		return
	}

	totalBids, err := a.records.SessionBidCount(r.Context(), id)
	if err != nil {
		a.writeInternalError(w, "session stats failed", err)
		return
	}

	status, _ := a.statuses.Get(id)
	writeJSON(w, http.StatusOK, apiResponse{Data: map[string]interface{}{
		"session_id":        id,
		"status":            status,
		"total_bids_placed": totalBids,
	}})
}

func (a *HTTPAPI) handleAllStatuses(w http.ResponseWriter, r *http.Request) {
	statuses := a.statuses.Snapshot()
	writeJSON(w, http.StatusOK, apiResponse{
		Data: statuses,
		Meta: &apiMeta{Total: len(statuses)},
	})
}

func (a *HTTPAPI) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snapshot, err := a.aggregator.Snapshot(r.Context())
	if err != nil {
		a.writeInternalError(w, "dashboard snapshot failed", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: snapshot})
}

func (a *HTTPAPI) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	overview, err := a.aggregator.Overview(r.Context())
	if err != nil {
		a.writeInternalError(w, "analytics overview failed", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: overview})
}

func (a *HTTPAPI) handleListBids(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	bids, err := a.records.ListBids(r.Context(), limit)
	if err != nil {
		a.writeInternalError(w, "list bids failed", err)
		return
	}

	filtered := a.filters.FilterBids(bids, BidFilter{
		Search:    r.URL.Query().Get("search"),
		Status:    r.URL.Query().Get("status"),
		SessionID: r.URL.Query().Get("session_id"),
	})
	writeJSON(w, http.StatusOK, apiResponse{
		Data: filtered,
		Meta: &apiMeta{Total: len(filtered), Limit: limit},
	})
}

func (a *HTTPAPI) handleListProjects(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)
	projects, err := a.records.ListProjects(r.Context(), limit)
	if err != nil {
		a.writeInternalError(w, "list projects failed", err)
		return
	}

	filtered := a.filters.FilterProjects(projects, ProjectFilter{
		Search:      r.URL.Query().Get("search"),
		Status:      r.URL.Query().Get("status"),
		ProjectType: r.URL.Query().Get("type"),
	})
	writeJSON(w, http.StatusOK, apiResponse{
		Data: filtered,
		Meta: &apiMeta{Total: len(filtered), Limit: limit},
	})
}

func (a *HTTPAPI) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 200)
	sessionID := r.URL.Query().Get("session_id")

	// The session filter is pushed down to the query; text and level
	// filters apply in memory.
	querySession := sessionID
	if querySession == FilterAll {
		querySession = ""
	}

	logs, err := a.records.ListLogs(r.Context(), querySession, limit)
	if err != nil {
		a.writeInternalError(w, "list logs failed", err)
		return
	}

	filtered := a.filters.FilterLogs(logs, LogFilter{
		Search: r.URL.Query().Get("search"),
		Level:  r.URL.Query().Get("level"),
	})
	writeJSON(w, http.StatusOK, apiResponse{
		Data: filtered,
		Meta: &apiMeta{Total: len(filtered), Limit: limit},
	})
}

func (a *HTTPAPI) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION")
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, err.Error(), "CONFLICT")
	case worker.IsTransient(err):
		writeError(w, http.StatusBadGateway, err.Error(), "WORKER_UNAVAILABLE")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
	}
}

func (a *HTTPAPI) writeInternalError(w http.ResponseWriter, msg string, err error) {
	a.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg, "INTERNAL")
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message, errorCode string) {
	writeJSON(w, code, apiError{Error: message, Code: errorCode})
}
