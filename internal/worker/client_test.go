package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPClientGetStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/sessions/sess-1/status") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer worker-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		json.NewEncoder(w).Encode(Status{
			SessionID:         "sess-1",
			IsRunning:         true,
			BidCounter:        12,
			ProcessedProjects: 40,
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "worker-token", 5*time.Second)
	status, err := client.GetStatus(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if !status.IsRunning || status.BidCounter != 12 || status.ProcessedProjects != 40 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestHTTPClientStartSendsBidLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var payload map[string]int
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload["bid_limit"] != 75 {
			t.Errorf("expected bid_limit 75, got %d", payload["bid_limit"])
		}
		json.NewEncoder(w).Encode(Status{SessionID: "sess-1", IsRunning: true})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", 5*time.Second)
	status, err := client.Start(context.Background(), "sess-1", 75)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !status.IsRunning {
		t.Fatal("expected running status after start")
	}
}

func TestHTTPClientRejectedIsNotTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "already running"})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", 5*time.Second)
	_, err := client.Start(context.Background(), "sess-1", 75)
	if err == nil {
		t.Fatal("expected error for 409 response")
	}
	if IsTransient(err) {
		t.Errorf("4xx rejection should not be transient: %v", err)
	}
	if !strings.Contains(err.Error(), "already running") {
		t.Errorf("expected worker error message, got %v", err)
	}
}

func TestHTTPClientServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", 5*time.Second)
	_, err := client.GetStatus(context.Background(), "sess-1")
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if !IsTransient(err) {
		t.Errorf("5xx should be transient: %v", err)
	}
}

func TestHTTPClientNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewHTTPClient(server.URL, "", time.Second)
	_, err := client.GetStatus(context.Background(), "sess-1")
	if err == nil {
		t.Fatal("expected error for unreachable worker")
	}
	if !IsTransient(err) {
		t.Errorf("connection failure should be transient: %v", err)
	}
}

func TestHTTPClientVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/version") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"version": "1.4.2"})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", 5*time.Second)
	version, err := client.Version(context.Background())
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if version != "1.4.2" {
		t.Fatalf("expected version 1.4.2, got %q", version)
	}
}
