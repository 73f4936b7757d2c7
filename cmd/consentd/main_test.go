package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/consentd/internal/config"
	"github.com/ehr/consentd/internal/platform/db"
)

func testServer(t *testing.T) *server {
	t.Helper()
	return testServerWith(t, nil)
}

func testServerWith(t *testing.T, mutate func(*config.Config)) *server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := &config.Config{
		Env:            "development",
		Store:          config.StoreMemory,
		DefaultTenant:  "default",
		MetricsEnabled: true,
		BreakGlassRate: 2,
	}
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := newServer(ctx, cfg, zerolog.Nop(), false)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	t.Cleanup(srv.close)
	return srv
}

func do(t *testing.T, srv *server, actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor", actor)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func expect(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, status, rec.Body.String())
	}
}

func TestServer_ConsentFlow(t *testing.T) {
	srv := testServer(t)

	expect(t, do(t, srv, "alice", http.MethodPost, "/api/v1/patients", map[string]any{
		"name": "Alice", "date_of_birth": "1990-04-01",
	}), http.StatusCreated)

	expect(t, do(t, srv, "alice", http.MethodPost, "/api/v1/patients/alice/records", map[string]any{
		"record_id": "lab-1", "record_type": "lab_result", "data_hash": "abc123",
	}), http.StatusCreated)

	// no grant yet
	rec := do(t, srv, "drbob", http.MethodGet, "/api/v1/patients/alice/records/lab-1", nil)
	expect(t, rec, http.StatusForbidden)
	if !strings.Contains(rec.Body.String(), "AccessDenied") {
		t.Errorf("expected AccessDenied code, got %s", rec.Body.String())
	}

	expect(t, do(t, srv, "drbob", http.MethodPost, "/api/v1/patients/alice/access-requests", map[string]any{
		"role": "doctor", "reason": "annual checkup",
	}), http.StatusCreated)

	rec = do(t, srv, "alice", http.MethodGet, "/api/v1/patients/me/access-requests", nil)
	expect(t, rec, http.StatusOK)
	var page struct {
		Total int `json:"total"`
		Data  []struct {
			Requester string `json:"requester"`
			Status    string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 || page.Data[0].Requester != "drbob" || page.Data[0].Status != "pending" {
		t.Fatalf("unexpected requests page %+v", page)
	}

	expect(t, do(t, srv, "alice", http.MethodPost, "/api/v1/patients/me/access-requests/drbob/approve", map[string]any{
		"allowed_record_types": []string{"lab_result"}, "can_view": true,
	}), http.StatusCreated)

	expect(t, do(t, srv, "drbob", http.MethodGet, "/api/v1/patients/alice/records/lab-1", nil), http.StatusOK)

	rec = do(t, srv, "drbob", http.MethodGet, "/api/v1/grants/incoming", nil)
	expect(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"role":"doctor"`) {
		t.Errorf("incoming grants: %s", rec.Body.String())
	}

	expect(t, do(t, srv, "alice", http.MethodDelete, "/api/v1/patients/me/grants/drbob", nil), http.StatusOK)
	expect(t, do(t, srv, "drbob", http.MethodGet, "/api/v1/patients/alice/records/lab-1", nil), http.StatusForbidden)

	rec = do(t, srv, "alice", http.MethodGet, "/api/v1/patients/me/audit/summary?action=view", nil)
	expect(t, rec, http.StatusOK)
	var sum struct {
		Total      int `json:"total"`
		Successful int `json:"successful"`
		Failed     int `json:"failed"`
	}
	json.Unmarshal(rec.Body.Bytes(), &sum)
	if sum.Total != 3 || sum.Successful != 1 || sum.Failed != 2 {
		t.Errorf("view summary = %+v, want 3 total, 1 ok, 2 failed", sum)
	}

	rec = do(t, srv, "alice", http.MethodGet, "/api/v1/patients/me/audit/export/csv", nil)
	expect(t, rec, http.StatusOK)
	if !strings.HasPrefix(rec.Body.String(), "timestamp,seq,accessor") {
		t.Errorf("csv export: %s", rec.Body.String())
	}
	expect(t, do(t, srv, "alice", http.MethodGet, "/api/v1/patients/me/audit/compliance", nil), http.StatusOK)
}

func TestServer_CancelAndBatchApprove(t *testing.T) {
	srv := testServer(t)

	expect(t, do(t, srv, "alice", http.MethodPost, "/api/v1/patients", map[string]any{
		"name": "Alice", "date_of_birth": "1990-04-01",
	}), http.StatusCreated)
	for _, doc := range []string{"drbob", "drcarol"} {
		expect(t, do(t, srv, doc, http.MethodPost, "/api/v1/patients/alice/access-requests", map[string]any{
			"role": "doctor",
		}), http.StatusCreated)
	}

	expect(t, do(t, srv, "drcarol", http.MethodDelete, "/api/v1/access-requests/outgoing/alice", nil), http.StatusOK)

	rec := do(t, srv, "alice", http.MethodPost, "/api/v1/patients/me/access-requests/batch-approve", map[string]any{
		"requesters": []string{"drbob", "drcarol"}, "allowed_record_types": []string{"general"}, "can_view": true,
	})
	expect(t, rec, http.StatusOK)
	var res struct {
		Approved []struct {
			Provider string `json:"provider"`
		} `json:"approved"`
		Failed []struct {
			Requester string `json:"requester"`
			Code      string `json:"code"`
		} `json:"failed"`
	}
	json.Unmarshal(rec.Body.Bytes(), &res)
	if len(res.Approved) != 1 || res.Approved[0].Provider != "drbob" {
		t.Errorf("approved = %+v", res.Approved)
	}
	if len(res.Failed) != 1 || res.Failed[0].Requester != "drcarol" || res.Failed[0].Code != "RequestAlreadyResponded" {
		t.Errorf("failed = %+v", res.Failed)
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	srv := testServer(t)

	expect(t, do(t, srv, "carol", http.MethodGet, "/api/v1/patients/me", nil), http.StatusNotFound)
	expect(t, do(t, srv, "carol", http.MethodPost, "/api/v1/patients", map[string]any{"name": ""}), http.StatusBadRequest)
	expect(t, do(t, srv, "carol", http.MethodPost, "/api/v1/patients", map[string]any{
		"name": "Carol", "date_of_birth": "1980-01-01",
	}), http.StatusCreated)
	expect(t, do(t, srv, "carol", http.MethodPost, "/api/v1/patients", map[string]any{
		"name": "Carol", "date_of_birth": "1980-01-01",
	}), http.StatusConflict)
	expect(t, do(t, srv, "carol", http.MethodPost, "/api/v1/patients/me/grants", map[string]any{
		"provider": "carol", "role": "doctor", "allowed_record_types": []string{"general"},
	}), http.StatusBadRequest)
	expect(t, do(t, srv, "carol", http.MethodPost, "/api/v1/patients", map[string]any{
		"name": "Carol", "date_of_birth": "not-a-date",
	}), http.StatusBadRequest)
}

func TestServer_EmergencyRateLimited(t *testing.T) {
	srv := testServer(t)

	expect(t, do(t, srv, "dave", http.MethodPost, "/api/v1/patients", map[string]any{
		"name": "Dave", "date_of_birth": "1970-06-15",
	}), http.StatusCreated)
	expect(t, do(t, srv, "dave", http.MethodPost, "/api/v1/patients/dave/records", map[string]any{
		"record_id": "er-1", "record_type": "emergency", "data_hash": "h",
	}), http.StatusCreated)

	path := "/api/v1/patients/dave/records/er-1/emergency-access"
	body := map[string]any{"justification": "cardiac arrest"}
	for i := 0; i < 2; i++ {
		expect(t, do(t, srv, "medic", http.MethodPost, path, body), http.StatusOK)
	}
	expect(t, do(t, srv, "medic", http.MethodPost, path, body), http.StatusTooManyRequests)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	srv := testServer(t)

	rec := do(t, srv, "", http.MethodGet, "/health", nil)
	expect(t, rec, http.StatusOK)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("request id header missing")
	}

	expect(t, do(t, srv, "", http.MethodGet, "/health/db", nil), http.StatusOK)

	do(t, srv, "erin", http.MethodGet, "/api/v1/patients/me", nil)
	rec = do(t, srv, "", http.MethodGet, "/metrics", nil)
	expect(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "consentd_http_requests_total") {
		t.Error("metrics output missing request counter")
	}
}

func TestServer_InvalidTenant(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/me", nil)
	req.Header.Set("X-Actor", "alice")
	req.Header.Set("X-Tenant-ID", "bad tenant!")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	expect(t, rec, http.StatusBadRequest)
}

func TestServer_TenantsAreIsolated(t *testing.T) {
	srv := testServer(t)
	create := func(tenant string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/patients", strings.NewReader(`{"name":"Zed","date_of_birth":"2000-01-01"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Actor", "zed")
		req.Header.Set("X-Tenant-ID", tenant)
		rec := httptest.NewRecorder()
		srv.echo.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := create("clinic_a"); code != http.StatusCreated {
		t.Fatalf("clinic_a: %d", code)
	}
	if code := create("clinic_b"); code != http.StatusCreated {
		t.Fatalf("the same owner must be free in another tenant, got %d", code)
	}
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, "tenant_default", []db.MigrationStatus{
		{Version: 1, Name: "access_control", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "next"},
	})
	out := buf.String()
	if !strings.Contains(out, "2026-03-01 10:00:00") || !strings.Contains(out, "pending") {
		t.Errorf("unexpected status output:\n%s", out)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("production", &buf)
	logger.Info().Msg("hello")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("production logs should be JSON: %v", err)
	}
	if line["message"] != "hello" {
		t.Errorf("line = %v", line)
	}
}

func TestServer_RateLimitAndBodyLimit(t *testing.T) {
	srv := testServerWith(t, func(cfg *config.Config) {
		cfg.RateLimitRPS = 0.001
		cfg.RateLimitBurst = 2
		cfg.BodyLimit = "1K"
	})

	rec := do(t, srv, "alice", http.MethodPost, "/api/v1/patients", map[string]any{
		"name": strings.Repeat("a", 2000), "date_of_birth": "1990-04-01",
	})
	expect(t, rec, http.StatusRequestEntityTooLarge)

	// the rejected body never reached the limiter
	expect(t, do(t, srv, "alice", http.MethodGet, "/api/v1/grants/incoming", nil), http.StatusOK)
	expect(t, do(t, srv, "alice", http.MethodGet, "/api/v1/grants/incoming", nil), http.StatusOK)
	expect(t, do(t, srv, "alice", http.MethodGet, "/api/v1/grants/incoming", nil), http.StatusTooManyRequests)
	expect(t, do(t, srv, "drbob", http.MethodGet, "/api/v1/grants/incoming", nil), http.StatusOK)

	// health checks sit outside the API group
	expect(t, do(t, srv, "alice", http.MethodGet, "/health", nil), http.StatusOK)
}
