package console

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bidwatch/bidwatch/internal/storage"
	"github.com/bidwatch/bidwatch/internal/worker"
)

const testAuthToken = "test-console-token"

func setupHTTPAPI(t *testing.T, client *fakeWorkerClient) (*HTTPAPI, *SessionStore, *StatusCache) {
	t.Helper()

	if client == nil {
		client = &fakeWorkerClient{}
	}

	db := setupConsoleTestDB(t)
	logger := zap.NewNop()
	statuses := NewStatusCache()
	sessions := NewSessionStore(db, statuses, logger)
	records := storage.NewRecordStore(db, logger)

	poller := NewStatusPoller(client, statuses, records, time.Hour, time.Minute, logger)
	t.Cleanup(poller.Close)
	sessions.SetPoller(poller)

	dispatcher := NewCommandDispatcher(sessions, statuses, poller, client, records, 5*time.Second, logger)
	engine := NewAggregationEngine(statuses, records, logger)

	api := NewHTTPAPI(sessions, statuses, poller, dispatcher, engine, records, testAuthToken, logger)
	return api, sessions, statuses
}

func authRequest(method, path, body string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testAuthToken)
	return req
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var apiErr apiError
	if err := json.NewDecoder(rec.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return apiErr.Code
}

func TestAPIRequiresAuth(t *testing.T) {
	api, _, _ := setupHTTPAPI(t, nil)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", rec.Code)
	}
}

func TestAPIHealthEndpointsSkipAuth(t *testing.T) {
	api, _, _ := setupHTTPAPI(t, nil)
	handler := api.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", rec.Code)
	}
}

func TestAPICreateSessionHidesCredentials(t *testing.T) {
	api, _, _ := setupHTTPAPI(t, nil)
	handler := api.Handler()

	body := `{"name":"upwork-main","oauth_token":"secret-oauth","ai_api_key":"secret-ai"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authRequest(http.MethodPost, "/api/v1/sessions", body))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "secret-oauth") || strings.Contains(rec.Body.String(), "secret-ai") {
		t.Error("credentials must not appear in API responses")
	}

	var resp struct {
		Data Session `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Data.ID == "" || resp.Data.Name != "upwork-main" {
		t.Fatalf("unexpected session payload: %+v", resp.Data)
	}
	if resp.Data.BidLimit != DefaultBidLimit {
		t.Errorf("expected defaults applied, got bid limit %d", resp.Data.BidLimit)
	}
}

func TestAPICreateSessionValidationError(t *testing.T) {
	api, _, _ := setupHTTPAPI(t, nil)
	handler := api.Handler()

	body := `{"name":"","oauth_token":"x","ai_api_key":"y"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authRequest(http.MethodPost, "/api/v1/sessions", body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "VALIDATION" {
		t.Errorf("expected VALIDATION code, got %q", code)
	}
}

func TestAPIGetSessionNotFound(t *testing.T) {
	api, _, _ := setupHTTPAPI(t, nil)
	handler := api.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authRequest(http.MethodGet, "/api/v1/sessions/missing", ""))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND code, got %q", code)
	}
}

func TestAPIDeleteRunningSessionConflict(t *testing.T) {
	api, sessions, statuses := setupHTTPAPI(t, nil)
	handler := api.Handler()

	session, err := sessions.Create(validConfig())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	statuses.ApplyStatus(session.ID, workerStatus(session.ID, true, 0, 0))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authRequest(http.MethodDelete, "/api/v1/sessions/"+session.ID, ""))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "CONFLICT" {
		t.Errorf("expected CONFLICT code, got %q", code)
	}
}

func TestAPIStartSessionWorkerUnavailable(t *testing.T) {
	client := &fakeWorkerClient{
		startFn: func(ctx context.Context, sessionID string, bidLimit int) (worker.Status, error) {
			return worker.Status{}, &worker.TransientError{Op: "start", Err: fmt.Errorf("connection refused")}
		},
	}
	api, sessions, _ := setupHTTPAPI(t, client)
	handler := api.Handler()

	session, err := sessions.Create(validConfig())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authRequest(http.MethodPost, "/api/v1/sessions/"+session.ID+"/start", ""))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "WORKER_UNAVAILABLE" {
		t.Errorf("expected WORKER_UNAVAILABLE code, got %q", code)
	}
}

func TestAPIStartThenStopSession(t *testing.T) {
	api, sessions, statuses := setupHTTPAPI(t, nil)
	handler := api.Handler()

	session, err := sessions.Create(validConfig())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authRequest(http.MethodPost, "/api/v1/sessions/"+session.ID+"/start", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !statuses.IsRunning(session.ID) {
		t.Fatal("expected running after start")
	}

	// Second start conflicts.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authRequest(http.MethodPost, "/api/v1/sessions/"+session.ID+"/start", ""))
	if rec.Code != http.StatusConflict {
		t.Fatalf("double start: expected 409, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authRequest(http.MethodPost, "/api/v1/sessions/"+session.ID+"/stop", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", rec.Code)
	}
	if statuses.IsRunning(session.ID) {
		t.Fatal("expected stopped after stop")
	}
}

func TestAPISessionStatusPrimesAndWatches(t *testing.T) {
	client := &fakeWorkerClient{
		statusFn: func(ctx context.Context, sessionID string) (worker.Status, error) {
			return workerStatus(sessionID, true, 6, 18), nil
		},
	}
	api, sessions, _ := setupHTTPAPI(t, client)
	handler := api.Handler()

	session, err := sessions.Create(validConfig())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authRequest(http.MethodGet, "/api/v1/sessions/"+session.ID+"/status", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Data RuntimeStatus `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Data.BidCounter != 6 {
		t.Errorf("expected primed status, got %+v", resp.Data)
	}
	if !api.poller.Watching(session.ID) {
		t.Error("expected the status read to attach polling")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authRequest(http.MethodDelete, "/api/v1/sessions/"+session.ID+"/watch", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("unwatch: expected 200, got %d", rec.Code)
	}
	if api.poller.Watching(session.ID) {
		t.Error("expected polling detached after unwatch")
	}
}

func TestAPIListBidsWithFilters(t *testing.T) {
	api, sessions, _ := setupHTTPAPI(t, nil)
	handler := api.Handler()

	session, err := sessions.Create(validConfig())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	db := api.sessions.db
	seedTestBid(t, db, "p-logo", storage.BidStatusPlaced, session.ID)
	seedTestBid(t, db, "p-api", storage.BidStatusWon, session.ID)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authRequest(http.MethodGet, "/api/v1/bids?search=logo&status=all", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Data []BidView `json:"data"`
		Meta apiMeta   `json:"meta"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ProjectID != "p-logo" {
		t.Fatalf("unexpected filtered bids: %+v", resp.Data)
	}
	if resp.Data[0].SessionName != "upwork-main" {
		t.Errorf("expected resolved session name, got %q", resp.Data[0].SessionName)
	}
	if resp.Meta.Total != 1 {
		t.Errorf("expected meta total 1, got %d", resp.Meta.Total)
	}
}

func TestAPIDashboard(t *testing.T) {
	api, _, statuses := setupHTTPAPI(t, nil)
	handler := api.Handler()

	db := api.sessions.db
	seedTestBid(t, db, "p-1", storage.BidStatusWon, "sess-1")
	seedTestBid(t, db, "p-2", storage.BidStatusLost, "sess-1")
	statuses.ApplyStatus("sess-1", workerStatus("sess-1", true, 2, 2))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authRequest(http.MethodGet, "/api/v1/dashboard", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Data AggregateSnapshot `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Data.TotalBids != 2 || resp.Data.SuccessRate != 0.5 || resp.Data.ActiveSessions != 1 {
		t.Fatalf("unexpected snapshot: %+v", resp.Data)
	}
}

func TestAPIUpdateSession(t *testing.T) {
	api, sessions, _ := setupHTTPAPI(t, nil)
	handler := api.Handler()

	session, err := sessions.Create(validConfig())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	body := `{"name":"renamed","bid_limit":200}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authRequest(http.MethodPut, "/api/v1/sessions/"+session.ID, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	updated, err := sessions.Get(session.ID)
	if err != nil {
		t.Fatalf("get updated session: %v", err)
	}
	if updated.Name != "renamed" || updated.BidLimit != 200 {
		t.Errorf("unexpected updated session: %+v", updated)
	}
	if updated.OAuthToken != "oauth-abc" {
		t.Error("expected credentials retained on update")
	}
}
