package access

import (
	"context"
	"fmt"
	"time"

	"github.com/ehr/consentd/internal/platform/events"
)

// Permissions is the capability set and scope of a grant.
type Permissions struct {
	AllowedTypes []RecordType `json:"allowed_record_types"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
	CanCreate    bool         `json:"can_create"`
	CanModify    bool         `json:"can_modify"`
	CanView      bool         `json:"can_view"`
}

func (p Permissions) validate(now time.Time) error {
	if err := validateRecordTypes(p.AllowedTypes); err != nil {
		return err
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return validationErr("InvalidExpirationTime", "expiration must be in the future")
	}
	return nil
}

func validateRecordTypes(types []RecordType) error {
	if len(types) == 0 {
		return validationErr("NoRecordTypesSpecified", "at least one record type is required")
	}
	if len(types) > MaxRecordTypesPerGrant {
		return errTooManyRecordTypes
	}
	seen := make(map[RecordType]struct{}, len(types))
	for _, t := range types {
		if !t.Valid() {
			return validationErr("InvalidRecordType", "invalid record type %q", t)
		}
		if _, dup := seen[t]; dup {
			return validationErr("DuplicateRecordType", "record type %q listed twice", t)
		}
		seen[t] = struct{}{}
	}
	return nil
}

// validateProviderRole rejects unknown roles and the patient role, which is
// never granted.
func validateProviderRole(r Role) error {
	if !r.Valid() || r == RolePatient {
		return validationErr("InvalidRole", "invalid provider role %q", r)
	}
	return nil
}

type GrantInput struct {
	Provider string  `json:"provider"`
	Role     Role    `json:"role"`
	Reason   *string `json:"reason,omitempty"`
	Permissions
}

type BatchGrantInput struct {
	Providers []string `json:"providers"`
	Roles     []Role   `json:"roles"`
	Reason    *string  `json:"reason,omitempty"`
	Permissions
}

func validateGrantReason(reason *string) error {
	if reason != nil && tooLong(*reason, MaxGrantReasonLen) {
		return validationErr("ReasonTooLong", "reason exceeds %d characters", MaxGrantReasonLen)
	}
	return nil
}

// createGrant stores a new grant for the patient, bumps the patient's grant
// counter in memory and audits it. The caller persists the patient.
func (s *Service) createGrant(ctx context.Context, o *op, p *Patient, provider string, role Role, perm Permissions, reason *string) (*AccessGrant, error) {
	count, err := increment(p.GrantCount)
	if err != nil {
		return nil, err
	}
	g := &AccessGrant{
		Patient:      p.Owner,
		Provider:     provider,
		Role:         role,
		AllowedTypes: append([]RecordType(nil), perm.AllowedTypes...),
		GrantedAt:    o.now,
		ExpiresAt:    perm.ExpiresAt,
		Active:       true,
		CanCreate:    perm.CanCreate,
		CanModify:    perm.CanModify,
		CanView:      perm.CanView,
		Reason:       nonEmpty(reason),
	}
	if g.ExpiresAt != nil {
		t := g.ExpiresAt.UTC()
		g.ExpiresAt = &t
	}
	if err := s.store.Grants().Create(ctx, g); err != nil {
		return nil, storeErr(err, errGrantExists, "create grant")
	}
	p.GrantCount = count
	p.UpdatedAt = o.now

	entry := newAuditEntry(o.now, p.Owner, p.Owner, RolePatient, ActionGrantAccess).
		withMetadata(fmt.Sprintf("Granted %s access to %s", role, provider))
	if err := s.audit(ctx, o, entry); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Service) activePatient(ctx context.Context, owner string) (*Patient, error) {
	p, err := s.loadPatient(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, errPatientInactive
	}
	return p, nil
}

// GrantAccess issues a grant from the actor (as patient) to a provider.
func (s *Service) GrantAccess(ctx context.Context, actor string, in GrantInput) (*AccessGrant, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	o := s.begin()
	switch {
	case in.Provider == "":
		return nil, validationErr("ProviderRequired", "provider is required")
	case in.Provider == actor:
		return nil, validationErr("CannotGrantAccessToSelf", "cannot grant access to yourself")
	}
	if err := validateProviderRole(in.Role); err != nil {
		return nil, err
	}
	if err := in.Permissions.validate(o.now); err != nil {
		return nil, err
	}
	if err := validateGrantReason(in.Reason); err != nil {
		return nil, err
	}

	var out *AccessGrant
	err := s.run(ctx, o, func(ctx context.Context) error {
		p, err := s.activePatient(ctx, actor)
		if err != nil {
			return err
		}
		g, err := s.createGrant(ctx, o, p, in.Provider, in.Role, in.Permissions, in.Reason)
		if err != nil {
			return err
		}
		if err := s.store.Patients().Update(ctx, p); err != nil {
			return storeErr(err, nil, "update patient")
		}
		o.emit(ctx, events.GrantCreated, actor, g.Key().String(), actor, map[string]any{
			"provider": g.Provider,
			"role":     string(g.Role),
		})
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient", actor).Str("provider", in.Provider).Str("role", string(in.Role)).Msg("access granted")
	return out, nil
}

// RevokeAccess permanently deactivates a grant. The slot stays occupied.
func (s *Service) RevokeAccess(ctx context.Context, actor string, key GrantKey) (*AccessGrant, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if key.Patient != actor {
		return nil, errCannotRevoke
	}

	o := s.begin()
	var out *AccessGrant
	err := s.run(ctx, o, func(ctx context.Context) error {
		g, err := s.loadGrant(ctx, key)
		if err != nil {
			return err
		}
		if !g.Active {
			return errGrantRevoked
		}
		g.Active = false
		g.RevokedBy = strPtr(actor)
		now := o.now
		g.RevokedAt = &now
		if err := s.store.Grants().Update(ctx, g); err != nil {
			return storeErr(err, nil, "revoke grant")
		}

		entry := newAuditEntry(o.now, actor, actor, RolePatient, ActionRevokeAccess).
			withMetadata(fmt.Sprintf("Revoked %s access for %s", g.Role, g.Provider))
		if err := s.audit(ctx, o, entry); err != nil {
			return err
		}
		o.emit(ctx, events.GrantRevoked, actor, key.String(), actor, map[string]any{
			"provider": g.Provider,
		})
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient", actor).Str("provider", key.Provider).Msg("access revoked")
	return out, nil
}

// BatchGrantAccess grants the same permissions to several providers at
// once. Either every grant is created or none is.
func (s *Service) BatchGrantAccess(ctx context.Context, actor string, in BatchGrantInput) ([]*AccessGrant, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	o := s.begin()
	switch {
	case len(in.Providers) == 0:
		return nil, validationErr("NoProvidersSpecified", "at least one provider is required")
	case len(in.Providers) > MaxProvidersPerBatch:
		return nil, errTooManyProviders
	case len(in.Providers) != len(in.Roles):
		return nil, validationErr("ProviderRoleMismatch", "providers and roles must have the same length")
	}
	seen := make(map[string]struct{}, len(in.Providers))
	for i, provider := range in.Providers {
		switch {
		case provider == "":
			return nil, validationErr("ProviderRequired", "provider %d is empty", i)
		case provider == actor:
			return nil, validationErr("CannotGrantAccessToSelf", "cannot grant access to yourself")
		}
		if _, dup := seen[provider]; dup {
			return nil, validationErr("DuplicateProvider", "provider %q listed twice", provider)
		}
		seen[provider] = struct{}{}
		if err := validateProviderRole(in.Roles[i]); err != nil {
			return nil, err
		}
	}
	if err := in.Permissions.validate(o.now); err != nil {
		return nil, err
	}
	if err := validateGrantReason(in.Reason); err != nil {
		return nil, err
	}

	var out []*AccessGrant
	err := s.run(ctx, o, func(ctx context.Context) error {
		p, err := s.activePatient(ctx, actor)
		if err != nil {
			return err
		}
		grants := make([]*AccessGrant, 0, len(in.Providers))
		for i, provider := range in.Providers {
			g, err := s.createGrant(ctx, o, p, provider, in.Roles[i], in.Permissions, in.Reason)
			if err != nil {
				return err
			}
			grants = append(grants, g)
		}
		if err := s.store.Patients().Update(ctx, p); err != nil {
			return storeErr(err, nil, "update patient")
		}

		roles := make([]string, len(in.Roles))
		for i, r := range in.Roles {
			roles[i] = string(r)
		}
		o.emit(ctx, events.GrantBatchCreated, actor, actor, actor, map[string]any{
			"providers": in.Providers,
			"roles":     roles,
		})
		out = grants
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient", actor).Int("providers", len(out)).Msg("batch access granted")
	return out, nil
}

// GetGrant reads a grant. The patient and the provider may read it.
func (s *Service) GetGrant(ctx context.Context, actor string, key GrantKey) (*AccessGrant, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if actor != key.Patient && actor != key.Provider {
		return nil, errUnauthorized
	}
	return s.loadGrant(ctx, key)
}

func (s *Service) ListGrantsForPatient(ctx context.Context, actor string, limit, offset int) ([]*AccessGrant, int, error) {
	if err := requireActor(actor); err != nil {
		return nil, 0, err
	}
	items, total, err := s.store.Grants().ListByPatient(ctx, actor, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list grants: %w", err)
	}
	return items, total, nil
}

func (s *Service) ListGrantsForProvider(ctx context.Context, actor string, limit, offset int) ([]*AccessGrant, int, error) {
	if err := requireActor(actor); err != nil {
		return nil, 0, err
	}
	items, total, err := s.store.Grants().ListByProvider(ctx, actor, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list grants: %w", err)
	}
	return items, total, nil
}

// CanFollow reports whether actor may receive events about patient: the
// patient themselves or a provider holding an active, unexpired grant with
// the view bit.
func (s *Service) CanFollow(ctx context.Context, actor, patient string) bool {
	if actor == "" || patient == "" {
		return false
	}
	if actor == patient {
		return true
	}
	var g *AccessGrant
	err := s.store.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		g, err = s.lookupGrant(ctx, GrantKey{Patient: patient, Provider: actor})
		return err
	})
	if err != nil || g == nil {
		return false
	}
	return g.Active && g.CanView && !g.ExpiredAt(s.now().UTC())
}
