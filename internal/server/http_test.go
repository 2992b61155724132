package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/asr-stream-service/internal/pipeline"
	"github.com/skypro1111/asr-stream-service/internal/recognizer"
	"github.com/skypro1111/asr-stream-service/internal/storage"
)

func getJSON(t *testing.T, url string, wantStatus int) map[string]interface{} {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s status = %d, want %d (%s)", url, resp.StatusCode, wantStatus, body)
	}
	if wantStatus != http.StatusOK {
		return nil
	}

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return out
}

func seedSegments(t *testing.T, store *storage.MemoryStore, sessionID string, contents ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.GetOrCreate(ctx, sessionID, "user-1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	for i, c := range contents {
		if _, err := store.InsertIfAbsent(ctx, storage.NewSegment(sessionID, int64(i), c)); err != nil {
			t.Fatalf("InsertIfAbsent: %v", err)
		}
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &recognizer.ScriptedFactory{}, pipeline.PolicyEvict)

	health := getJSON(t, s.ts.URL+"/health", http.StatusOK)
	if health["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", health["status"])
	}

	service, _ := health["service"].(map[string]interface{})
	if service["version"] != "9.9.9-test" {
		t.Errorf("service version = %v, want the injected version", service["version"])
	}

	components, ok := health["components"].(map[string]interface{})
	if !ok {
		t.Fatalf("components missing: %v", health)
	}
	for _, name := range []string{"transport", "session_manager", "recognizer", "cold_store", "hot_cache"} {
		if _, ok := components[name]; !ok {
			t.Errorf("component %s missing", name)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, &recognizer.ScriptedFactory{}, pipeline.PolicyEvict)

	for _, path := range []string{"/health", "/sessions", "/config", "/stats"} {
		resp, err := http.Post(s.ts.URL+path, "application/json", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("POST %s status = %d, want 405", path, resp.StatusCode)
		}
	}
}

func TestSessionsListsAttachedPipelines(t *testing.T) {
	s := newTestServer(t, &recognizer.ScriptedFactory{}, pipeline.PolicyEvict)

	s.dial(t, "call-1", "")
	waitFor(t, "attach", func() bool { return s.mgr.GetActiveSessionCount() == 1 })

	body := getJSON(t, s.ts.URL+"/sessions", http.StatusOK)
	if body["total_sessions"] != float64(1) {
		t.Errorf("total_sessions = %v, want 1", body["total_sessions"])
	}
	sessions := body["sessions"].([]interface{})
	first := sessions[0].(map[string]interface{})
	if first["session_id"] != "call-1" || first["state"] != "active" {
		t.Errorf("session = %v", first)
	}
}

func TestSessionDetail(t *testing.T) {
	s := newTestServer(t, &recognizer.ScriptedFactory{}, pipeline.PolicyEvict)
	seedSegments(t, s.store, "call-1", "hello", "world")
	s.cache.Set(context.Background(), "call-1", storage.Interim{Content: "and th", Seq: 2, UpdatedAt: time.Now()})

	body := getJSON(t, s.ts.URL+"/sessions/call-1", http.StatusOK)
	if body["attached"] != false {
		t.Errorf("attached = %v, want false", body["attached"])
	}
	if body["last_seq"] != float64(1) {
		t.Errorf("last_seq = %v, want 1", body["last_seq"])
	}
	if segments, _ := body["segments"].([]interface{}); len(segments) != 2 {
		t.Errorf("segments = %v, want 2", body["segments"])
	}
	interim, ok := body["interim"].(map[string]interface{})
	if !ok || interim["content"] != "and th" {
		t.Errorf("interim = %v", body["interim"])
	}

	getJSON(t, s.ts.URL+"/sessions/unknown", http.StatusNotFound)
	getJSON(t, s.ts.URL+"/sessions/call-1/other", http.StatusNotFound)
}

func TestSessionSegments(t *testing.T) {
	s := newTestServer(t, &recognizer.ScriptedFactory{}, pipeline.PolicyEvict)
	seedSegments(t, s.store, "call-1", "zero", "one", "two", "three")

	tests := []struct {
		name     string
		query    string
		status   int
		expected []string
	}{
		{"all", "", http.StatusOK, []string{"zero", "one", "two", "three"}},
		{"from", "?from=2", http.StatusOK, []string{"two", "three"}},
		{"limit", "?from=1&limit=2", http.StatusOK, []string{"one", "two"}},
		{"past end", "?from=10", http.StatusOK, []string{}},
		{"bad from", "?from=-1", http.StatusBadRequest, nil},
		{"bad limit", "?limit=0", http.StatusBadRequest, nil},
		{"limit too large", "?limit=5000", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := getJSON(t, s.ts.URL+"/sessions/call-1/segments"+tt.query, tt.status)
			if tt.status != http.StatusOK {
				return
			}

			segments := body["segments"].([]interface{})
			if len(segments) != len(tt.expected) {
				t.Fatalf("got %d segments, want %d", len(segments), len(tt.expected))
			}
			for i, raw := range segments {
				seg := raw.(map[string]interface{})
				if seg["content"] != tt.expected[i] {
					t.Errorf("segment %d content = %v, want %s", i, seg["content"], tt.expected[i])
				}
			}
		})
	}
}

func TestConfigRedactsCredentials(t *testing.T) {
	s := newTestServer(t, &recognizer.ScriptedFactory{}, pipeline.PolicyEvict)

	resp, err := http.Get(s.ts.URL + "/config")
	if err != nil {
		t.Fatalf("GET /config: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)

	for _, secret := range []string{"secret", "hunter2", "sk-test-key"} {
		if strings.Contains(body, secret) {
			t.Errorf("/config leaks %q: %s", secret, body)
		}
	}
	if !strings.Contains(body, "asr:****@tcp(db:3306)/asr") {
		t.Errorf("/config missing redacted dsn: %s", body)
	}
}

func TestStatsAndMetrics(t *testing.T) {
	s := newTestServer(t, &recognizer.ScriptedFactory{}, pipeline.PolicyEvict)

	stats := getJSON(t, s.ts.URL+"/stats", http.StatusOK)
	for _, key := range []string{"transport", "recognizer", "workers", "sessions"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("stats missing %s", key)
		}
	}

	rec := getJSON(t, s.ts.URL+"/stats/recognizer", http.StatusOK)
	if rec["driver"] != "scripted" {
		t.Errorf("driver = %v, want scripted", rec["driver"])
	}

	resp, err := http.Get(s.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "asr_http_requests_total") {
		t.Error("/metrics does not expose asr_http_requests_total")
	}
}

func TestRoot(t *testing.T) {
	s := newTestServer(t, &recognizer.ScriptedFactory{}, pipeline.PolicyEvict)

	doc := getJSON(t, s.ts.URL+"/", http.StatusOK)
	if doc["version"] != "9.9.9-test" {
		t.Errorf("version = %v, want the injected version", doc["version"])
	}
	if _, ok := doc["endpoints"]; !ok {
		t.Error("API doc missing endpoints")
	}
	getJSON(t, s.ts.URL+"/nope", http.StatusNotFound)
}
