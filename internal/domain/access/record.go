package access

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehr/consentd/internal/platform/events"
)

const (
	metaRecordCreated = "Record created"
	metaViewAttempt   = "Record access attempt by %s"
)

type CreateRecordInput struct {
	RecordID       string     `json:"record_id"`
	Type           RecordType `json:"record_type"`
	DataHash       string     `json:"data_hash"`
	StorageLocator *string    `json:"storage_locator,omitempty"`
	Metadata       *string    `json:"metadata,omitempty"`
}

func (in CreateRecordInput) validate() error {
	switch {
	case in.RecordID == "":
		return validationErr("RecordIdRequired", "record id is required")
	case tooLong(in.RecordID, MaxRecordIDLen):
		return validationErr("RecordIdTooLong", "record id exceeds %d characters", MaxRecordIDLen)
	case !in.Type.Valid():
		return validationErr("InvalidRecordType", "invalid record type %q", in.Type)
	case in.DataHash == "":
		return validationErr("DataHashRequired", "data hash is required")
	case tooLong(in.DataHash, MaxDataHashLen):
		return validationErr("DataHashTooLong", "data hash exceeds %d characters", MaxDataHashLen)
	case in.StorageLocator != nil && tooLong(*in.StorageLocator, MaxStorageLocatorLen):
		return validationErr("StorageLocatorTooLong", "storage locator exceeds %d characters", MaxStorageLocatorLen)
	case in.Metadata != nil && tooLong(*in.Metadata, MaxRecordMetadataLen):
		return validationErr("MetadataTooLong", "metadata exceeds %d characters", MaxRecordMetadataLen)
	}
	return nil
}

// UpdateRecordInput replaces the hash and metadata when set. Note is mandatory.
type UpdateRecordInput struct {
	DataHash *string `json:"data_hash,omitempty"`
	Metadata *string `json:"metadata,omitempty"`
	Note     string  `json:"note"`
}

func (in UpdateRecordInput) validate() error {
	switch {
	case strings.TrimSpace(in.Note) == "":
		return validationErr("UpdateNoteRequired", "update note is required")
	case tooLong(in.Note, MaxUpdateNoteLen):
		return validationErr("UpdateNoteTooLong", "update note exceeds %d characters", MaxUpdateNoteLen)
	case in.DataHash != nil && *in.DataHash == "":
		return validationErr("DataHashRequired", "data hash cannot be empty")
	case in.DataHash != nil && tooLong(*in.DataHash, MaxDataHashLen):
		return validationErr("DataHashTooLong", "data hash exceeds %d characters", MaxDataHashLen)
	case in.Metadata != nil && tooLong(*in.Metadata, MaxRecordMetadataLen):
		return validationErr("MetadataTooLong", "metadata exceeds %d characters", MaxRecordMetadataLen)
	}
	return nil
}

// CreateRecord registers record metadata under the patient. The actor is the
// patient or a grantee with the create bit for the record type.
func (s *Service) CreateRecord(ctx context.Context, actor, patient string, in CreateRecordInput) (*MedicalRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	o := s.begin()
	var out *MedicalRecord
	err := s.run(ctx, o, func(ctx context.Context) error {
		p, err := s.loadPatient(ctx, patient)
		if err != nil {
			return err
		}
		d, err := s.authorize(ctx, o, actor, p, nil, in.Type, CapCreate, ActionCreate)
		if err != nil {
			return err
		}
		if !d.Authorized {
			return d.asError()
		}

		if p.RecordCount, err = increment(p.RecordCount); err != nil {
			return err
		}
		rec := &MedicalRecord{
			Patient:        patient,
			RecordID:       in.RecordID,
			CreatedBy:      actor,
			CreatorRole:    d.Role,
			Type:           in.Type,
			DataHash:       in.DataHash,
			StorageLocator: nonEmpty(in.StorageLocator),
			Metadata:       nonEmpty(in.Metadata),
			Active:         true,
			CreatedAt:      o.now,
			ModifiedAt:     o.now,
			LastAccessed:   o.now,
		}
		if err := s.store.Records().Create(ctx, rec); err != nil {
			return storeErr(err, errRecordExists, "create record")
		}
		p.UpdatedAt = o.now
		if err := s.store.Patients().Update(ctx, p); err != nil {
			return storeErr(err, nil, "update patient")
		}

		entry := newAuditEntry(o.now, patient, actor, d.Role, ActionCreate).onRecord(rec).withMetadata(metaRecordCreated)
		if err := s.audit(ctx, o, entry); err != nil {
			return err
		}
		o.emit(ctx, events.RecordCreated, patient, rec.Key().String(), actor, map[string]any{
			"record_type": string(rec.Type),
		})
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateRecord changes the hash and metadata of an active record. The actor
// is the patient, the record's creator, or a grantee with the modify bit.
func (s *Service) UpdateRecord(ctx context.Context, actor, patient, recordID string, in UpdateRecordInput) (*MedicalRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	o := s.begin()
	var out *MedicalRecord
	err := s.run(ctx, o, func(ctx context.Context) error {
		p, err := s.loadPatient(ctx, patient)
		if err != nil {
			return err
		}
		rec, err := s.lockRecord(ctx, RecordKey{Patient: patient, RecordID: recordID})
		if err != nil {
			return err
		}

		var role Role
		switch {
		case !p.Active:
			return errPatientInactive
		case !rec.Active:
			return errRecordInactive
		case actor == patient:
			role = RolePatient
		case actor == rec.CreatedBy:
			role = rec.CreatorRole
		default:
			d, err := s.authorize(ctx, o, actor, p, rec, rec.Type, CapModify, ActionModify)
			if err != nil {
				return err
			}
			if !d.Authorized {
				return d.asError()
			}
			role = d.Role
		}

		if in.DataHash != nil {
			rec.DataHash = *in.DataHash
		}
		if in.Metadata != nil {
			rec.Metadata = nonEmpty(in.Metadata)
		}
		rec.ModifiedAt = o.now
		if err := s.store.Records().Update(ctx, rec); err != nil {
			return storeErr(err, nil, "update record")
		}

		entry := newAuditEntry(o.now, patient, actor, role, ActionModify).onRecord(rec).withMetadata("Update: " + in.Note)
		if err := s.audit(ctx, o, entry); err != nil {
			return err
		}
		o.emit(ctx, events.RecordUpdated, patient, rec.Key().String(), actor, map[string]any{
			"note": in.Note,
		})
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteRecord archives a record. Only the patient or the record's creator
// may do so; the modify bit of a grant is not enough.
func (s *Service) DeleteRecord(ctx context.Context, actor, patient, recordID, reason string) (*MedicalRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, validationErr("DeletionReasonRequired", "deletion reason is required")
	}
	if tooLong(reason, MaxDeletionReasonLen) {
		return nil, validationErr("DeletionReasonTooLong", "deletion reason exceeds %d characters", MaxDeletionReasonLen)
	}

	o := s.begin()
	var out *MedicalRecord
	err := s.run(ctx, o, func(ctx context.Context) error {
		p, err := s.loadPatient(ctx, patient)
		if err != nil {
			return err
		}
		rec, err := s.lockRecord(ctx, RecordKey{Patient: patient, RecordID: recordID})
		if err != nil {
			return err
		}

		var role Role
		switch {
		case !p.Active:
			return errPatientInactive
		case !rec.Active:
			return errRecordInactive
		case actor == patient:
			role = RolePatient
		case actor == rec.CreatedBy:
			role = rec.CreatorRole
		default:
			return errUnauthorized
		}

		rec.Active = false
		rec.ModifiedAt = o.now
		if err := s.store.Records().Update(ctx, rec); err != nil {
			return storeErr(err, nil, "delete record")
		}

		entry := newAuditEntry(o.now, patient, actor, role, ActionDelete).onRecord(rec).withMetadata("Deleted: " + reason)
		if err := s.audit(ctx, o, entry); err != nil {
			return err
		}
		o.emit(ctx, events.RecordDeleted, patient, rec.Key().String(), actor, map[string]any{
			"reason": reason,
		})
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient", patient).Str("actor", actor).Str("record_id", recordID).Msg("record archived")
	return out, nil
}

// ViewRecord authorizes a read of the record and always leaves one View
// entry in the audit trail. A denial is committed before it is returned.
func (s *Service) ViewRecord(ctx context.Context, actor, patient, recordID string, clientInfo *string) (*MedicalRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
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
		d, err := s.authorize(ctx, o, actor, p, rec, rec.Type, CapView, ActionView)
		if err != nil {
			return err
		}

		entry := newAuditEntry(o.now, patient, actor, d.Role, ActionView).
			onRecord(rec).
			withClient(clientInfo).
			withMetadata(fmt.Sprintf(metaViewAttempt, d.Role))
		if d.Authorized {
			if rec.AccessCount, err = increment(rec.AccessCount); err != nil {
				return err
			}
			rec.LastAccessed = o.now
			if err := s.store.Records().Update(ctx, rec); err != nil {
				return storeErr(err, nil, "record access")
			}
			out = rec
		} else {
			entry.failed(d.Message)
			denied = accessDenied(d.Message)
		}
		return s.audit(ctx, o, entry)
	})
	if err != nil {
		return nil, err
	}
	if denied != nil {
		s.logger.Info().Str("patient", patient).Str("actor", actor).Str("record_id", recordID).
			Str("reason", denied.Msg).Msg("record access denied")
		return nil, denied
	}
	return out, nil
}

// ListRecords lists the patient's records, archived ones included. Only the
// patient may list.
func (s *Service) ListRecords(ctx context.Context, actor, patient string, limit, offset int) ([]*MedicalRecord, int, error) {
	if err := requireActor(actor); err != nil {
		return nil, 0, err
	}
	if actor != patient {
		return nil, 0, errUnauthorized
	}
	items, total, err := s.store.Records().ListByPatient(ctx, patient, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	return items, total, nil
}
