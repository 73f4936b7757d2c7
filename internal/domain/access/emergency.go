package access

import (
	"context"
	"strings"

	"github.com/ehr/consentd/internal/platform/events"
)

const metaEmergency = "EMERGENCY ACCESS - Break-glass protocol activated"

// EmergencyAccess is the break-glass read. Grants are not consulted and the
// caller's responder role is taken at its word; the justification is the
// only gate besides the active states. Every decision is audited.
func (s *Service) EmergencyAccess(ctx context.Context, actor, patient, recordID, justification string, clientInfo *string) (*MedicalRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(justification) == "" {
		return nil, validationErr("EmergencyJustificationRequired", "emergency access requires justification")
	}
	if tooLong(justification, MaxJustificationLen) {
		return nil, validationErr("JustificationTooLong", "justification exceeds %d characters", MaxJustificationLen)
	}
	if clientInfo != nil && tooLong(*clientInfo, MaxClientInfoLen) {
		return nil, validationErr("ClientInfoTooLong", "client info exceeds %d characters", MaxClientInfoLen)
	}

	o := s.begin()
	var (
		out    *MedicalRecord
		denied *Error
	)
	err := s.run(ctx, o, func(ctx context.Context) error {
		p, err := s.loadPatient(ctx, patient)
		if err != nil {
			return err
		}
		rec, err := s.lockRecord(ctx, RecordKey{Patient: patient, RecordID: recordID})
		if err != nil {
			return err
		}

		d := AuthorizeEmergency(p, rec)
		s.metrics.ObserveDecision(string(ActionEmergencyAccess), string(d.Role), d.Authorized)

		entry := newAuditEntry(o.now, patient, actor, RoleEmergencyResponder, ActionEmergencyAccess).
			onRecord(rec).
			withClient(clientInfo).
			withMetadata(metaEmergency)
		entry.IsEmergency = true
		entry.EmergencyJustification = strPtr(justification)

		if d.Authorized {
			if rec.AccessCount, err = increment(rec.AccessCount); err != nil {
				return err
			}
			rec.LastAccessed = o.now
			if err := s.store.Records().Update(ctx, rec); err != nil {
				return storeErr(err, nil, "record access")
			}
			o.emit(ctx, events.EmergencyAccessed, patient, rec.Key().String(), actor, map[string]any{
				"justification": justification,
				"record_type":   string(rec.Type),
			})
			out = rec
		} else {
			entry.failed(d.Message)
			denied = d.asError()
		}
		return s.audit(ctx, o, entry)
	})
	if err != nil {
		return nil, err
	}
	if denied != nil {
		return nil, denied
	}

	s.metrics.ObserveEmergency()
	s.logger.Warn().
		Str("patient", patient).
		Str("actor", actor).
		Str("record_id", recordID).
		Str("reason", justification).
		Msg("break-glass access granted")
	return out, nil
}
