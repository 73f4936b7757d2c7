package access

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

func tooLong(s string, n int) bool {
	return utf8.RuneCountInString(s) > n
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if !tooLong(s, n) {
		return s
	}
	return string([]rune(s)[:n])
}

func strPtr(s string) *string { return &s }

func newAuditEntry(now time.Time, patient, accessor string, role Role, action AccessAction) *AuditLogEntry {
	return &AuditLogEntry{
		Patient:      patient,
		Accessor:     accessor,
		AccessorRole: role,
		Action:       action,
		Timestamp:    now,
		Success:      true,
	}
}

func (e *AuditLogEntry) onRecord(rec *MedicalRecord) *AuditLogEntry {
	e.RecordKey = rec.Key().String()
	e.RecordType = rec.Type
	return e
}

func (e *AuditLogEntry) failed(reason string) *AuditLogEntry {
	e.Success = false
	e.FailureReason = strPtr(truncate(reason, MaxFailureReasonLen))
	return e
}

func (e *AuditLogEntry) withMetadata(meta string) *AuditLogEntry {
	e.Metadata = strPtr(truncate(meta, MaxAuditMetadataLen))
	return e
}

func (e *AuditLogEntry) withClient(info *string) *AuditLogEntry {
	if info != nil && *info != "" {
		e.ClientInfo = strPtr(*info)
	}
	return e
}

// Matches reports whether e passes every non-zero criterion of f.
func (f AuditFilter) Matches(e *AuditLogEntry) bool {
	if f.Patient != "" && e.Patient != f.Patient {
		return false
	}
	if f.Accessor != "" && e.Accessor != f.Accessor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.RecordKey != "" && e.RecordKey != f.RecordKey {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if f.Emergency != nil && e.IsEmergency != *f.Emergency {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

func summarize(entries []*AuditLogEntry) *AuditSummary {
	sum := &AuditSummary{ByAction: make(map[AccessAction]int)}
	accessors := make(map[string]struct{})
	for _, e := range entries {
		sum.Total++
		if e.Success {
			sum.Successful++
		} else {
			sum.Failed++
		}
		if e.IsEmergency {
			sum.Emergency++
		}
		sum.ByAction[e.Action]++
		accessors[e.Accessor] = struct{}{}
	}
	sum.UniqueAccessors = len(accessors)
	return sum
}

// auditScope pins the filter to the actor's own trail and normalises paging.
func auditScope(actor string, f AuditFilter) (AuditFilter, error) {
	if actor == "" {
		return f, errUnauthorized
	}
	if f.Patient != "" && f.Patient != actor {
		return f, errUnauthorized
	}
	f.Patient = actor
	if f.Action != "" && !f.Action.Valid() {
		return f, validationErr("InvalidAction", "unknown audit action %q", f.Action)
	}
	if f.Since != nil && f.Until != nil && f.Until.Before(*f.Since) {
		return f, validationErr("InvalidTimestamp", "end of range precedes its start")
	}
	if f.Limit <= 0 {
		f.Limit = defaultAuditLimit
	}
	if f.Limit > maxAuditLimit {
		f.Limit = maxAuditLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f, nil
}

// SearchAudit returns the actor's own audit trail, newest first.
func (s *Service) SearchAudit(ctx context.Context, actor string, f AuditFilter) ([]*AuditLogEntry, int, error) {
	f, err := auditScope(actor, f)
	if err != nil {
		return nil, 0, err
	}
	entries, total, err := s.store.Audit().Search(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("search audit log: %w", err)
	}
	return entries, total, nil
}

// AuditSummary aggregates the actor's own audit trail. Paging is ignored.
func (s *Service) AuditSummary(ctx context.Context, actor string, f AuditFilter) (*AuditSummary, error) {
	f, err := auditScope(actor, f)
	if err != nil {
		return nil, err
	}
	sum, err := s.store.Audit().Summarize(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("summarize audit log: %w", err)
	}
	return sum, nil
}
