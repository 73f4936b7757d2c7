package access

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consentd/internal/platform/auth"
)

func newHandlerContext(actor, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if actor != "" {
		req = req.WithContext(auth.WithActor(req.Context(), actor, ""))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func statusOf(t *testing.T, err error) (int, map[string]string) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	body, _ := he.Message.(map[string]string)
	return he.Code, body
}

func TestHTTPError_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errPatientNotFound, http.StatusNotFound},
		{errPatientExists, http.StatusConflict},
		{errRequestResponded, http.StatusConflict},
		{errUnauthorized, http.StatusForbidden},
		{accessDenied("No access grant found"), http.StatusForbidden},
		{errGrantExpired, http.StatusForbidden},
		{validationErr("NameRequired", "name is required"), http.StatusBadRequest},
		{errTooManyProviders, http.StatusBadRequest},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, body := statusOf(t, httpError(tt.err))
		if code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, code, tt.want)
		}
		if tt.want != http.StatusInternalServerError && body["code"] != Code(tt.err) {
			t.Errorf("%v: body code = %q", tt.err, body["code"])
		}
	}
}

func TestHTTPError_HidesInternalCause(t *testing.T) {
	var he *echo.HTTPError
	errors.As(httpError(errors.New("pq: relation does not exist")), &he)
	if he.Message != "internal server error" {
		t.Errorf("message = %v", he.Message)
	}
	if he.Internal == nil {
		t.Error("internal cause dropped")
	}
}

func TestPatientParam_Me(t *testing.T) {
	c, _ := newHandlerContext("alice", http.MethodGet, "/", "")
	c.SetParamNames("patient")
	c.SetParamValues("me")
	if got := patientParam(c); got != "alice" {
		t.Errorf("me resolved to %q", got)
	}
	c.SetParamValues("bob")
	if got := patientParam(c); got != "bob" {
		t.Errorf("explicit patient resolved to %q", got)
	}
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{"1990-04-12", "1990-04-12T08:30:00Z"} {
		if _, err := parseTime(s); err != nil {
			t.Errorf("%s: %v", s, err)
		}
	}
	if _, err := parseTime("12/04/1990"); err == nil {
		t.Error("expected error for non-ISO date")
	}
}

func TestHandler_InitializeAndView(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)

	c, rec := newHandlerContext("alice", http.MethodPost, "/patients", `{"name":"Alice","date_of_birth":"1985-07-01"}`)
	if err := h.InitializePatient(c); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	var p Patient
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.Owner != "alice" || !p.Active {
		t.Errorf("patient = %+v", p)
	}

	c, _ = newHandlerContext("alice", http.MethodPost, "/patients", `{"name":"Alice","date_of_birth":"yesterday"}`)
	if code, _ := statusOf(t, h.InitializePatient(c)); code != http.StatusBadRequest {
		t.Errorf("bad date status = %d", code)
	}

	c, rec = newHandlerContext("alice", http.MethodPost, "/patients/me/records", `{"record_id":"v1","record_type":"visit_summary","data_hash":"h"}`)
	c.SetParamNames("patient")
	c.SetParamValues("me")
	if err := h.CreateRecord(c); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	c, _ = newHandlerContext("eve", http.MethodGet, "/patients/alice/records/v1?client_info=kiosk", "")
	c.SetParamNames("patient", "record_id")
	c.SetParamValues("alice", "v1")
	code, body := statusOf(t, h.ViewRecord(c))
	if code != http.StatusForbidden || body["code"] != "AccessDenied" {
		t.Errorf("denied view = %d %v", code, body)
	}

	entries := f.audit(t, "alice", AuditFilter{Accessor: "eve"})
	if len(entries) != 1 || entries[0].ClientInfo == nil || *entries[0].ClientInfo != "kiosk" {
		t.Fatalf("client info not audited: %+v", entries)
	}
}

func TestHandler_DeleteReasonFromQuery(t *testing.T) {
	f := newFixture(t)
	f.patient(t, "alice")
	f.record(t, "alice", "r1", RecordGeneral)
	h := NewHandler(f.svc)

	c, rec := newHandlerContext("alice", http.MethodDelete, "/patients/me/records/r1?reason=duplicate", "")
	c.SetParamNames("patient", "record_id")
	c.SetParamValues("me", "r1")
	if err := h.DeleteRecord(c); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var out MedicalRecord
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Active {
		t.Error("record still active")
	}
}

func TestHandler_RequestApproveFlow(t *testing.T) {
	f := newFixture(t)
	f.patient(t, "alice")
	h := NewHandler(f.svc)

	c, rec := newHandlerContext("drbob", http.MethodPost, "/patients/alice/access-requests", `{"role":"doctor","reason":"referral"}`)
	c.SetParamNames("patient")
	c.SetParamValues("alice")
	if err := h.RequestAccess(c); err != nil {
		t.Fatalf("request: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("request status = %d", rec.Code)
	}

	c, rec = newHandlerContext("alice", http.MethodPost, "/patients/me/access-requests/drbob/approve",
		`{"allowed_record_types":["general","lab_result"],"can_view":true}`)
	c.SetParamNames("requester")
	c.SetParamValues("drbob")
	if err := h.ApproveRequest(c); err != nil {
		t.Fatalf("approve: %v", err)
	}
	var g AccessGrant
	json.Unmarshal(rec.Body.Bytes(), &g)
	if g.Provider != "drbob" || g.Role != RoleDoctor || !g.CanView || len(g.AllowedTypes) != 2 {
		t.Errorf("grant = %+v", g)
	}

	c, _ = newHandlerContext("alice", http.MethodPost, "/patients/me/access-requests/drbob/deny", `{}`)
	c.SetParamNames("requester")
	c.SetParamValues("drbob")
	if code, body := statusOf(t, h.DenyRequest(c)); code != http.StatusConflict || body["code"] != "RequestAlreadyResponded" {
		t.Errorf("deny after approve = %d %v", code, body)
	}

	c, rec = newHandlerContext("drbob", http.MethodGet, "/grants/incoming", "")
	if err := h.ListGrantsForProvider(c); err != nil {
		t.Fatal(err)
	}
	var page struct {
		Data  []AccessGrant `json:"data"`
		Total int           `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 || page.Data[0].Patient != "alice" {
		t.Errorf("incoming = %+v", page)
	}
}

func TestHandler_AuditFilter(t *testing.T) {
	c, _ := newHandlerContext("alice", http.MethodGet,
		"/patients/me/audit?action=view&success=false&since=2025-01-01&until=2025-02-01T00:00:00Z&limit=5&offset=10", "")
	f, err := auditFilterFrom(c)
	if err != nil {
		t.Fatal(err)
	}
	if f.Action != ActionView || f.Success == nil || *f.Success || f.Limit != 5 || f.Offset != 10 {
		t.Errorf("filter = %+v", f)
	}
	if !f.Since.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) || f.Until == nil {
		t.Errorf("range = %v..%v", f.Since, f.Until)
	}

	c, _ = newHandlerContext("alice", http.MethodGet, "/patients/me/audit?emergency=maybe", "")
	if _, err := auditFilterFrom(c); err == nil {
		t.Error("expected error for non-boolean emergency")
	}
}

func TestHandler_SearchAuditReportsClampedPage(t *testing.T) {
	f := newFixture(t)
	f.patient(t, "alice")
	f.record(t, "alice", "r1", RecordGeneral)
	h := NewHandler(f.svc)

	c, rec := newHandlerContext("alice", http.MethodGet, "/patients/me/audit?limit=5000", "")
	if err := h.SearchAudit(c); err != nil {
		t.Fatal(err)
	}
	var page struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Limit != maxAuditLimit || page.Total != 1 {
		t.Errorf("page = %+v", page)
	}

	c, _ = newHandlerContext("", http.MethodGet, "/patients/me/audit", "")
	if code, _ := statusOf(t, h.SearchAudit(c)); code != http.StatusForbidden {
		t.Errorf("anonymous audit search = %d", code)
	}
}

func TestHandler_CancelAndBatchApprove(t *testing.T) {
	f := newFixture(t)
	f.patient(t, "alice")
	f.request(t, "drbob", "alice")
	f.request(t, "drcarol", "alice")
	f.request(t, "drdan", "alice")
	h := NewHandler(f.svc)

	c, rec := newHandlerContext("drdan", http.MethodDelete, "/access-requests/outgoing/alice", "")
	c.SetParamNames("patient")
	c.SetParamValues("alice")
	if err := h.CancelRequest(c); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var req AccessRequest
	json.Unmarshal(rec.Body.Bytes(), &req)
	if req.Status != RequestCancelled || req.Requester != "drdan" {
		t.Errorf("cancelled = %+v", req)
	}

	c, rec = newHandlerContext("alice", http.MethodPost, "/patients/me/access-requests/batch-approve",
		`{"requesters":["drbob","drcarol","drdan"],"allowed_record_types":["general"],"can_view":true}`)
	if err := h.BatchApproveRequests(c); err != nil {
		t.Fatalf("batch approve: %v", err)
	}
	var res BatchApproveResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if len(res.Approved) != 2 || len(res.Failed) != 1 || res.Failed[0].Code != "RequestAlreadyResponded" {
		t.Errorf("result = %+v", res)
	}

	c, _ = newHandlerContext("alice", http.MethodPost, "/patients/me/access-requests/batch-approve", `{"requesters":[]}`)
	if code, body := statusOf(t, h.BatchApproveRequests(c)); code != http.StatusBadRequest || body["code"] != "NoRequestsSpecified" {
		t.Errorf("empty batch = %d %v", code, body)
	}
}

func TestHandler_AuditReports(t *testing.T) {
	f := auditHistory(t)
	h := NewHandler(f.svc)

	c, rec := newHandlerContext("alice", http.MethodGet, "/patients/me/audit/export/csv?success=false", "")
	if err := h.ExportAuditCSV(c); err != nil {
		t.Fatal(err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type = %q", ct)
	}
	wantFile := fmt.Sprintf(`attachment; filename="audit-log-%d.csv"`, f.clock.t.Unix())
	if cd := rec.Header().Get(echo.HeaderContentDisposition); cd != wantFile {
		t.Errorf("content disposition = %q", cd)
	}
	if lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n"); len(lines) != 3 {
		t.Errorf("csv lines = %d, want header + 2", len(lines))
	}

	c, rec = newHandlerContext("alice", http.MethodGet, "/patients/me/audit/export/json", "")
	if err := h.ExportAuditJSON(c); err != nil {
		t.Fatal(err)
	}
	var doc struct {
		TotalRecords int               `json:"total_records"`
		Entries      []json.RawMessage `json:"entries"`
	}
	json.Unmarshal(rec.Body.Bytes(), &doc)
	if doc.TotalRecords != 8 || len(doc.Entries) != 8 {
		t.Errorf("json export = %d/%d", doc.TotalRecords, len(doc.Entries))
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); !strings.HasSuffix(cd, `.json"`) {
		t.Errorf("content disposition = %q", cd)
	}

	c, rec = newHandlerContext("alice", http.MethodGet, "/patients/me/audit/timeline?group_by=month", "")
	if err := h.AuditTimeline(c); err != nil {
		t.Fatal(err)
	}
	var buckets []TimelineBucket
	json.Unmarshal(rec.Body.Bytes(), &buckets)
	if len(buckets) != 2 {
		t.Errorf("buckets = %+v", buckets)
	}

	c, _ = newHandlerContext("alice", http.MethodGet, "/patients/me/audit/timeline?group_by=week", "")
	if code, body := statusOf(t, h.AuditTimeline(c)); code != http.StatusBadRequest || body["code"] != "InvalidGroupBy" {
		t.Errorf("bad group_by = %d %v", code, body)
	}

	c, rec = newHandlerContext("alice", http.MethodGet, "/patients/me/audit/compliance?since=2025-07-01", "")
	if err := h.ComplianceReport(c); err != nil {
		t.Fatal(err)
	}
	var rep ComplianceReport
	json.Unmarshal(rec.Body.Bytes(), &rep)
	if rep.TotalEvents != 3 || rep.Revocations != 1 || rep.PeriodStart == nil {
		t.Errorf("report = %+v", rep)
	}
}
