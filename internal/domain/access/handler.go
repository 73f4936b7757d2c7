package access

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consentd/internal/platform/auth"
	"github.com/ehr/consentd/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the API. "me" in a :patient segment is the caller.
// emergency wraps the break-glass route only.
func (h *Handler) RegisterRoutes(api *echo.Group, emergency ...echo.MiddlewareFunc) {
	api.POST("/patients", h.InitializePatient)
	api.GET("/patients/me", h.GetPatient)
	api.PATCH("/patients/me", h.UpdatePatient)
	api.POST("/patients/me/deactivate", h.DeactivatePatient)
	api.POST("/patients/me/reactivate", h.ReactivatePatient)

	api.POST("/patients/:patient/records", h.CreateRecord)
	api.GET("/patients/:patient/records", h.ListRecords)
	api.GET("/patients/:patient/records/:record_id", h.ViewRecord)
	api.PUT("/patients/:patient/records/:record_id", h.UpdateRecord)
	api.DELETE("/patients/:patient/records/:record_id", h.DeleteRecord)
	api.POST("/patients/:patient/records/:record_id/emergency-access", h.EmergencyAccess, emergency...)

	api.POST("/patients/:patient/access-requests", h.RequestAccess)
	api.GET("/patients/:patient/access-requests/:requester", h.GetRequest)
	api.GET("/patients/me/access-requests", h.ListRequestsForPatient)
	api.GET("/patients/me/access-requests/:requester", h.GetRequest)
	api.POST("/patients/me/access-requests/:requester/approve", h.ApproveRequest)
	api.POST("/patients/me/access-requests/:requester/deny", h.DenyRequest)
	api.POST("/patients/me/access-requests/batch-approve", h.BatchApproveRequests)
	api.GET("/access-requests/outgoing", h.ListRequestsByRequester)
	api.DELETE("/access-requests/outgoing/:patient", h.CancelRequest)

	api.POST("/patients/me/grants", h.GrantAccess)
	api.POST("/patients/me/grants/batch", h.BatchGrantAccess)
	api.GET("/patients/me/grants", h.ListGrantsForPatient)
	api.GET("/patients/me/grants/:provider", h.GetGrant)
	api.DELETE("/patients/me/grants/:provider", h.RevokeAccess)
	api.GET("/patients/:patient/grants/:provider", h.GetGrant)
	api.GET("/grants/incoming", h.ListGrantsForProvider)

	api.GET("/patients/me/audit", h.SearchAudit)
	api.GET("/patients/me/audit/summary", h.AuditSummary)
	api.GET("/patients/me/audit/timeline", h.AuditTimeline)
	api.GET("/patients/me/audit/export/csv", h.ExportAuditCSV)
	api.GET("/patients/me/audit/export/json", h.ExportAuditJSON)
	api.GET("/patients/me/audit/compliance", h.ComplianceReport)
}

// httpError maps a service error onto a response. Domain errors carry their
// code; anything else is a 500 with the cause kept internal.
func httpError(err error) error {
	var ae *Error
	if !errors.As(err, &ae) {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrStateConflict), errors.Is(err, ErrAlreadyResolved):
		status = http.StatusConflict
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrAccessDenied), errors.Is(err, ErrExpired):
		status = http.StatusForbidden
	case errors.Is(err, ErrValidation), errors.Is(err, ErrResourceExhausted):
		status = http.StatusBadRequest
	}
	return echo.NewHTTPError(status, map[string]string{"code": ae.Code, "message": ae.Msg})
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, map[string]string{"code": "BadRequest", "message": msg})
}

func actorOf(c echo.Context) string {
	return auth.ActorFromContext(c.Request().Context())
}

func patientParam(c echo.Context) string {
	if p := c.Param("patient"); p != "me" {
		return p
	}
	return actorOf(c)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// -- Patient Handlers --

type initPatientBody struct {
	Name             string  `json:"name"`
	DateOfBirth      string  `json:"date_of_birth"`
	EmergencyContact *string `json:"emergency_contact,omitempty"`
}

func (h *Handler) InitializePatient(c echo.Context) error {
	var body initPatientBody
	if err := c.Bind(&body); err != nil {
		return badRequest(err.Error())
	}
	var dob time.Time
	if body.DateOfBirth != "" {
		var err error
		if dob, err = parseTime(body.DateOfBirth); err != nil {
			return badRequest("invalid date_of_birth")
		}
	}
	p, err := h.svc.InitializePatient(c.Request().Context(), actorOf(c), body.Name, dob, body.EmergencyContact)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	actor := actorOf(c)
	p, err := h.svc.GetPatient(c.Request().Context(), actor, actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	var body struct {
		EmergencyContact *string `json:"emergency_contact"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(err.Error())
	}
	p, err := h.svc.UpdatePatient(c.Request().Context(), actorOf(c), body.EmergencyContact)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeactivatePatient(c echo.Context) error {
	p, err := h.svc.DeactivatePatient(c.Request().Context(), actorOf(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ReactivatePatient(c echo.Context) error {
	p, err := h.svc.ReactivatePatient(c.Request().Context(), actorOf(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// -- Record Handlers --

func (h *Handler) CreateRecord(c echo.Context) error {
	var in CreateRecordInput
	if err := c.Bind(&in); err != nil {
		return badRequest(err.Error())
	}
	rec, err := h.svc.CreateRecord(c.Request().Context(), actorOf(c), patientParam(c), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) ListRecords(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRecords(c.Request().Context(), actorOf(c), patientParam(c), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return pagination.JSON(c, items, total, pg)
}

func (h *Handler) ViewRecord(c echo.Context) error {
	rec, err := h.svc.ViewRecord(c.Request().Context(), actorOf(c), patientParam(c), c.Param("record_id"), optional(c.QueryParam("client_info")))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) UpdateRecord(c echo.Context) error {
	var in UpdateRecordInput
	if err := c.Bind(&in); err != nil {
		return badRequest(err.Error())
	}
	rec, err := h.svc.UpdateRecord(c.Request().Context(), actorOf(c), patientParam(c), c.Param("record_id"), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeleteRecord(c echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(err.Error())
	}
	if body.Reason == "" {
		body.Reason = c.QueryParam("reason")
	}
	rec, err := h.svc.DeleteRecord(c.Request().Context(), actorOf(c), patientParam(c), c.Param("record_id"), body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) EmergencyAccess(c echo.Context) error {
	var body struct {
		Justification string  `json:"justification"`
		ClientInfo    *string `json:"client_info,omitempty"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(err.Error())
	}
	rec, err := h.svc.EmergencyAccess(c.Request().Context(), actorOf(c), patientParam(c), c.Param("record_id"), body.Justification, body.ClientInfo)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// -- Access Request Handlers --

func (h *Handler) RequestAccess(c echo.Context) error {
	var in RequestAccessInput
	if err := c.Bind(&in); err != nil {
		return badRequest(err.Error())
	}
	in.Patient = patientParam(c)
	req, err := h.svc.RequestAccess(c.Request().Context(), actorOf(c), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, req)
}

func (h *Handler) GetRequest(c echo.Context) error {
	key := RequestKey{Patient: patientParam(c), Requester: c.Param("requester")}
	req, err := h.svc.GetRequest(c.Request().Context(), actorOf(c), key)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) ListRequestsForPatient(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRequestsForPatient(c.Request().Context(), actorOf(c), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return pagination.JSON(c, items, total, pg)
}

func (h *Handler) ListRequestsByRequester(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRequestsByRequester(c.Request().Context(), actorOf(c), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return pagination.JSON(c, items, total, pg)
}

func (h *Handler) ApproveRequest(c echo.Context) error {
	var in ApproveInput
	if err := c.Bind(&in); err != nil {
		return badRequest(err.Error())
	}
	actor := actorOf(c)
	g, err := h.svc.ApproveRequest(c.Request().Context(), actor, RequestKey{Patient: actor, Requester: c.Param("requester")}, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) DenyRequest(c echo.Context) error {
	var body struct {
		Reason *string `json:"reason,omitempty"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(err.Error())
	}
	actor := actorOf(c)
	req, err := h.svc.DenyRequest(c.Request().Context(), actor, RequestKey{Patient: actor, Requester: c.Param("requester")}, body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) BatchApproveRequests(c echo.Context) error {
	var body struct {
		Requesters []string `json:"requesters"`
		ApproveInput
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(err.Error())
	}
	res, err := h.svc.BatchApproveRequests(c.Request().Context(), actorOf(c), body.Requesters, body.ApproveInput)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// CancelRequest withdraws the caller's request to :patient.
func (h *Handler) CancelRequest(c echo.Context) error {
	actor := actorOf(c)
	req, err := h.svc.CancelRequest(c.Request().Context(), actor, RequestKey{Patient: c.Param("patient"), Requester: actor})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

// -- Grant Handlers --

func (h *Handler) GrantAccess(c echo.Context) error {
	var in GrantInput
	if err := c.Bind(&in); err != nil {
		return badRequest(err.Error())
	}
	g, err := h.svc.GrantAccess(c.Request().Context(), actorOf(c), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) BatchGrantAccess(c echo.Context) error {
	var in BatchGrantInput
	if err := c.Bind(&in); err != nil {
		return badRequest(err.Error())
	}
	grants, err := h.svc.BatchGrantAccess(c.Request().Context(), actorOf(c), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, grants)
}

func (h *Handler) RevokeAccess(c echo.Context) error {
	actor := actorOf(c)
	g, err := h.svc.RevokeAccess(c.Request().Context(), actor, GrantKey{Patient: actor, Provider: c.Param("provider")})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) GetGrant(c echo.Context) error {
	key := GrantKey{Patient: patientParam(c), Provider: c.Param("provider")}
	g, err := h.svc.GetGrant(c.Request().Context(), actorOf(c), key)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) ListGrantsForPatient(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListGrantsForPatient(c.Request().Context(), actorOf(c), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return pagination.JSON(c, items, total, pg)
}

func (h *Handler) ListGrantsForProvider(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListGrantsForProvider(c.Request().Context(), actorOf(c), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return pagination.JSON(c, items, total, pg)
}

// -- Audit Handlers --

func auditFilterFrom(c echo.Context) (AuditFilter, error) {
	f := AuditFilter{
		Accessor:  c.QueryParam("accessor"),
		Action:    AccessAction(c.QueryParam("action")),
		RecordKey: c.QueryParam("record"),
	}
	for name, dst := range map[string]**bool{"success": &f.Success, "emergency": &f.Emergency} {
		if v := c.QueryParam(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return f, badRequest("invalid " + name)
			}
			*dst = &b
		}
	}
	for name, dst := range map[string]**time.Time{"since": &f.Since, "until": &f.Until} {
		if v := c.QueryParam(name); v != "" {
			t, err := parseTime(v)
			if err != nil {
				return f, badRequest("invalid " + name)
			}
			*dst = &t
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := c.QueryParam("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	return f, nil
}

func (h *Handler) SearchAudit(c echo.Context) error {
	f, err := auditFilterFrom(c)
	if err != nil {
		return err
	}
	entries, total, err := h.svc.SearchAudit(c.Request().Context(), actorOf(c), f)
	if err != nil {
		return httpError(err)
	}
	// the service clamps the page; report what was applied
	scoped, _ := auditScope(actorOf(c), f)
	return pagination.JSON(c, entries, total, pagination.Params{Limit: scoped.Limit, Offset: scoped.Offset})
}

func (h *Handler) AuditSummary(c echo.Context) error {
	f, err := auditFilterFrom(c)
	if err != nil {
		return err
	}
	sum, err := h.svc.AuditSummary(c.Request().Context(), actorOf(c), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) AuditTimeline(c echo.Context) error {
	f, err := auditFilterFrom(c)
	if err != nil {
		return err
	}
	buckets, err := h.svc.AuditTimeline(c.Request().Context(), actorOf(c), f, TimelineGranularity(c.QueryParam("group_by")))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, buckets)
}

func (h *Handler) exportAudit(c echo.Context) (*AuditExport, error) {
	f, err := auditFilterFrom(c)
	if err != nil {
		return nil, err
	}
	out, err := h.svc.ExportAudit(c.Request().Context(), actorOf(c), f)
	if err != nil {
		return nil, httpError(err)
	}
	return out, nil
}

func attachment(c echo.Context, at time.Time, ext string) {
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="audit-log-%d.%s"`, at.Unix(), ext))
}

func (h *Handler) ExportAuditCSV(c echo.Context) error {
	out, err := h.exportAudit(c)
	if err != nil {
		return err
	}
	attachment(c, out.ExportedAt, "csv")
	c.Response().Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	c.Response().WriteHeader(http.StatusOK)
	return WriteAuditCSV(c.Response(), out.Entries)
}

func (h *Handler) ExportAuditJSON(c echo.Context) error {
	out, err := h.exportAudit(c)
	if err != nil {
		return err
	}
	attachment(c, out.ExportedAt, "json")
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ComplianceReport(c echo.Context) error {
	f, err := auditFilterFrom(c)
	if err != nil {
		return err
	}
	rep, err := h.svc.ComplianceReport(c.Request().Context(), actorOf(c), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rep)
}
