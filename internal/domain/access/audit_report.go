package access

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// maxExportEntries bounds how many entries a timeline or export reads.
var maxExportEntries = 10000

// TimelineGranularity is the width of one timeline bucket.
type TimelineGranularity string

const (
	GroupByHour  TimelineGranularity = "hour"
	GroupByDay   TimelineGranularity = "day"
	GroupByMonth TimelineGranularity = "month"
)

func (g TimelineGranularity) floor(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case GroupByHour:
		return t.Truncate(time.Hour)
	case GroupByMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// TimelineBucket counts the entries whose timestamp falls in one period.
type TimelineBucket struct {
	Period     time.Time            `json:"period"`
	Total      int                  `json:"total"`
	Successful int                  `json:"successful"`
	Failed     int                  `json:"failed"`
	ByAction   map[AccessAction]int `json:"by_action"`
}

// AuditExport is the JSON export document.
type AuditExport struct {
	ExportedAt   time.Time          `json:"exported_at"`
	Patient      string             `json:"patient"`
	Filters      AuditExportFilters `json:"filters"`
	TotalRecords int                `json:"total_records"`
	Entries      []*AuditLogEntry   `json:"entries"`
}

type AuditExportFilters struct {
	Accessor  string       `json:"accessor,omitempty"`
	Action    AccessAction `json:"action,omitempty"`
	RecordKey string       `json:"record_key,omitempty"`
	Success   *bool        `json:"success,omitempty"`
	Emergency *bool        `json:"emergency,omitempty"`
	Since     *time.Time   `json:"since,omitempty"`
	Until     *time.Time   `json:"until,omitempty"`
}

// ComplianceReport counts the events an auditor asks about for a period.
// A nil bound means the period is open on that side.
type ComplianceReport struct {
	Patient              string     `json:"patient"`
	GeneratedAt          time.Time  `json:"generated_at"`
	PeriodStart          *time.Time `json:"period_start,omitempty"`
	PeriodEnd            *time.Time `json:"period_end,omitempty"`
	TotalEvents          int        `json:"total_events"`
	RecordViews          int        `json:"record_views"`
	EmergencyAccesses    int        `json:"emergency_accesses"`
	UnauthorizedAttempts int        `json:"unauthorized_attempts"`
	DataModifications    int        `json:"data_modifications"`
	GrantsIssued         int        `json:"grants_issued"`
	Revocations          int        `json:"revocations"`
	UniqueAccessors      int        `json:"unique_accessors"`
}

// collectAudit reads every entry matching f, oldest first.
func (s *Service) collectAudit(ctx context.Context, f AuditFilter) ([]*AuditLogEntry, error) {
	f.Offset = 0
	f.Limit = maxAuditLimit
	var out []*AuditLogEntry
	for {
		page, total, err := s.store.Audit().Search(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("search audit log: %w", err)
		}
		if total > maxExportEntries {
			return nil, errExportTooLarge
		}
		out = append(out, page...)
		if len(page) < f.Limit || len(out) >= total {
			break
		}
		f.Offset += len(page)
	}
	// Search pages newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// AuditTimeline buckets the actor's audit trail by hour, day or month,
// oldest bucket first. Empty periods are omitted.
func (s *Service) AuditTimeline(ctx context.Context, actor string, f AuditFilter, by TimelineGranularity) ([]*TimelineBucket, error) {
	switch by {
	case "":
		by = GroupByDay
	case GroupByHour, GroupByDay, GroupByMonth:
	default:
		return nil, validationErr("InvalidGroupBy", "group_by must be hour, day or month")
	}
	f, err := auditScope(actor, f)
	if err != nil {
		return nil, err
	}
	entries, err := s.collectAudit(ctx, f)
	if err != nil {
		return nil, err
	}

	var out []*TimelineBucket
	var cur *TimelineBucket
	for _, e := range entries {
		period := by.floor(e.Timestamp)
		if cur == nil || !cur.Period.Equal(period) {
			cur = &TimelineBucket{Period: period, ByAction: make(map[AccessAction]int)}
			out = append(out, cur)
		}
		cur.Total++
		if e.Success {
			cur.Successful++
		} else {
			cur.Failed++
		}
		cur.ByAction[e.Action]++
	}
	if out == nil {
		out = []*TimelineBucket{}
	}
	return out, nil
}

// ExportAudit returns the actor's whole matching audit trail, oldest first.
// Paging in f is ignored.
func (s *Service) ExportAudit(ctx context.Context, actor string, f AuditFilter) (*AuditExport, error) {
	f, err := auditScope(actor, f)
	if err != nil {
		return nil, err
	}
	entries, err := s.collectAudit(ctx, f)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*AuditLogEntry{}
	}
	s.logger.Info().Str("patient", actor).Int("entries", len(entries)).Msg("audit log exported")
	return &AuditExport{
		ExportedAt: s.now().UTC(),
		Patient:    actor,
		Filters: AuditExportFilters{
			Accessor:  f.Accessor,
			Action:    f.Action,
			RecordKey: f.RecordKey,
			Success:   f.Success,
			Emergency: f.Emergency,
			Since:     f.Since,
			Until:     f.Until,
		},
		TotalRecords: len(entries),
		Entries:      entries,
	}, nil
}

var auditCSVHeader = []string{
	"timestamp", "seq", "accessor", "accessor_role", "action", "record_key", "record_type",
	"success", "failure_reason", "is_emergency", "emergency_justification", "client_info", "metadata",
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// WriteAuditCSV writes entries as CSV with a header row.
func WriteAuditCSV(w io.Writer, entries []*AuditLogEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(auditCSVHeader); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(e.Seq, 10),
			e.Accessor,
			string(e.AccessorRole),
			string(e.Action),
			e.RecordKey,
			string(e.RecordType),
			strconv.FormatBool(e.Success),
			deref(e.FailureReason),
			strconv.FormatBool(e.IsEmergency),
			deref(e.EmergencyJustification),
			deref(e.ClientInfo),
			deref(e.Metadata),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ComplianceReport summarises the actor's audit trail over [f.Since, f.Until].
// Only the time range of f applies.
func (s *Service) ComplianceReport(ctx context.Context, actor string, f AuditFilter) (*ComplianceReport, error) {
	f, err := auditScope(actor, AuditFilter{Since: f.Since, Until: f.Until})
	if err != nil {
		return nil, err
	}
	sum, err := s.store.Audit().Summarize(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("summarize audit log: %w", err)
	}
	by := sum.ByAction
	return &ComplianceReport{
		Patient:              actor,
		GeneratedAt:          s.now().UTC(),
		PeriodStart:          f.Since,
		PeriodEnd:            f.Until,
		TotalEvents:          sum.Total,
		RecordViews:          by[ActionView],
		EmergencyAccesses:    by[ActionEmergencyAccess],
		UnauthorizedAttempts: sum.Failed,
		DataModifications:    by[ActionCreate] + by[ActionModify] + by[ActionDelete],
		GrantsIssued:         by[ActionGrantAccess],
		Revocations:          by[ActionRevokeAccess],
		UniqueAccessors:      sum.UniqueAccessors,
	}, nil
}
