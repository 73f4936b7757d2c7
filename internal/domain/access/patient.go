package access

import (
	"context"
	"strings"
	"time"

	"github.com/ehr/consentd/internal/platform/events"
)

// InitializePatient registers the actor as a patient.
func (s *Service) InitializePatient(ctx context.Context, actor, name string, dob time.Time, emergencyContact *string) (*Patient, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, validationErr("NameRequired", "name is required")
	}
	if tooLong(name, MaxNameLen) {
		return nil, validationErr("NameTooLong", "name exceeds %d characters", MaxNameLen)
	}

	o := s.begin()
	if dob.IsZero() || dob.After(o.now) {
		return nil, validationErr("InvalidTimestamp", "date of birth must be in the past")
	}

	p := &Patient{
		Owner:            actor,
		Name:             name,
		DateOfBirth:      dob.UTC(),
		Active:           true,
		EmergencyContact: nonEmpty(emergencyContact),
		CreatedAt:        o.now,
		UpdatedAt:        o.now,
	}
	err := s.run(ctx, o, func(ctx context.Context) error {
		if err := s.store.Patients().Create(ctx, p); err != nil {
			return storeErr(err, errPatientExists, "create patient")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient", actor).Msg("patient initialized")
	return p, nil
}

// UpdatePatient replaces the emergency contact. nil clears it.
func (s *Service) UpdatePatient(ctx context.Context, actor string, emergencyContact *string) (*Patient, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	o := s.begin()
	var out *Patient
	err := s.run(ctx, o, func(ctx context.Context) error {
		p, err := s.loadPatient(ctx, actor)
		if err != nil {
			return err
		}
		if !p.Active {
			return errPatientInactive
		}
		p.EmergencyContact = nonEmpty(emergencyContact)
		p.UpdatedAt = o.now
		if err := s.store.Patients().Update(ctx, p); err != nil {
			return storeErr(err, nil, "update patient")
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) DeactivatePatient(ctx context.Context, actor string) (*Patient, error) {
	return s.setPatientActive(ctx, actor, false)
}

func (s *Service) ReactivatePatient(ctx context.Context, actor string) (*Patient, error) {
	return s.setPatientActive(ctx, actor, true)
}

func (s *Service) setPatientActive(ctx context.Context, actor string, active bool) (*Patient, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	o := s.begin()
	var out *Patient
	err := s.run(ctx, o, func(ctx context.Context) error {
		p, err := s.loadPatient(ctx, actor)
		if err != nil {
			return err
		}
		if active && p.Active {
			return errPatientAlreadyActive
		}
		if !active && !p.Active {
			return errPatientInactive
		}
		p.Active = active
		p.UpdatedAt = o.now
		if err := s.store.Patients().Update(ctx, p); err != nil {
			return storeErr(err, nil, "update patient")
		}

		typ := events.PatientDeactivated
		if active {
			typ = events.PatientReactivated
		}
		o.emit(ctx, typ, actor, actor, actor, nil)
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient", actor).Bool("active", active).Msg("patient status changed")
	return out, nil
}

// GetPatient reads a patient profile. Only the patient may read it.
func (s *Service) GetPatient(ctx context.Context, actor, owner string) (*Patient, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if actor != owner {
		return nil, errUnauthorized
	}
	return s.loadPatient(ctx, owner)
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := *s
	return &v
}
