package access

import (
	"testing"
	"time"
)

func TestAuthorize(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	patient := &Patient{Owner: "alice", Active: true}
	inactive := &Patient{Owner: "alice", Active: false}
	lab := &MedicalRecord{Patient: "alice", RecordID: "r1", Type: RecordLabResult, Active: true}
	archived := &MedicalRecord{Patient: "alice", RecordID: "r2", Type: RecordLabResult, Active: false}
	imaging := &MedicalRecord{Patient: "alice", RecordID: "r3", Type: RecordImaging, Active: true}

	grant := func(mut func(g *AccessGrant)) *AccessGrant {
		g := &AccessGrant{
			Patient:      "alice",
			Provider:     "drbob",
			Role:         RoleHospital,
			AllowedTypes: []RecordType{RecordLabResult},
			Active:       true,
			CanView:      true,
		}
		if mut != nil {
			mut(g)
		}
		return g
	}

	tests := []struct {
		name       string
		in         AuthzInput
		authorized bool
		role       Role
		reason     DenyReason
	}{
		{
			name:       "owner may view",
			in:         AuthzInput{Actor: "alice", Patient: patient, Record: lab, Capability: CapView},
			authorized: true,
			role:       RolePatient,
		},
		{
			name:   "owner blocked when account inactive",
			in:     AuthzInput{Actor: "alice", Patient: inactive, Record: lab, Capability: CapView},
			role:   RolePatient,
			reason: DenyPatientInactive,
		},
		{
			name:   "missing patient",
			in:     AuthzInput{Actor: "drbob", Capability: CapView},
			role:   RoleUnknown,
			reason: DenyPatientInactive,
		},
		{
			name:   "archived record",
			in:     AuthzInput{Actor: "alice", Patient: patient, Record: archived, Capability: CapView},
			role:   RolePatient,
			reason: DenyRecordInactive,
		},
		{
			name:   "stranger has no grant",
			in:     AuthzInput{Actor: "drbob", Patient: patient, Record: lab, Capability: CapView},
			role:   RoleUnknown,
			reason: DenyNoGrant,
		},
		{
			name:   "grant for another provider",
			in:     AuthzInput{Actor: "mallory", Patient: patient, Record: lab, Capability: CapView, Grant: grant(nil)},
			role:   RoleUnknown,
			reason: DenyNoGrant,
		},
		{
			name:       "grantee may view allowed type",
			in:         AuthzInput{Actor: "drbob", Patient: patient, Record: lab, Capability: CapView, Grant: grant(nil), Now: now},
			authorized: true,
			role:       RoleHospital,
		},
		{
			name: "revoked grant",
			in: AuthzInput{Actor: "drbob", Patient: patient, Record: lab, Capability: CapView, Now: now,
				Grant: grant(func(g *AccessGrant) { g.Active = false })},
			role:   RoleHospital,
			reason: DenyGrantInactive,
		},
		{
			name: "expired grant",
			in: AuthzInput{Actor: "drbob", Patient: patient, Record: lab, Capability: CapView, Now: now,
				Grant: grant(func(g *AccessGrant) { g.ExpiresAt = &past })},
			role:   RoleHospital,
			reason: DenyGrantExpired,
		},
		{
			name: "grant still inside its window",
			in: AuthzInput{Actor: "drbob", Patient: patient, Record: lab, Capability: CapView, Now: now,
				Grant: grant(func(g *AccessGrant) { g.ExpiresAt = &future })},
			authorized: true,
			role:       RoleHospital,
		},
		{
			name:   "missing capability bit",
			in:     AuthzInput{Actor: "drbob", Patient: patient, Record: lab, Capability: CapModify, Grant: grant(nil), Now: now},
			role:   RoleHospital,
			reason: DenyNoPermission,
		},
		{
			name:   "type outside the grant",
			in:     AuthzInput{Actor: "drbob", Patient: patient, Record: imaging, Capability: CapView, Grant: grant(nil), Now: now},
			role:   RoleHospital,
			reason: DenyTypeNotAllowed,
		},
		{
			name: "creation checks the requested type",
			in: AuthzInput{Actor: "drbob", Patient: patient, RecordType: RecordLabResult, Capability: CapCreate, Now: now,
				Grant: grant(func(g *AccessGrant) { g.CanCreate = true })},
			authorized: true,
			role:       RoleHospital,
		},
		{
			name: "creation of a type outside the grant",
			in: AuthzInput{Actor: "drbob", Patient: patient, RecordType: RecordPrescription, Capability: CapCreate, Now: now,
				Grant: grant(func(g *AccessGrant) { g.CanCreate = true })},
			role:   RoleHospital,
			reason: DenyTypeNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Authorize(tt.in)
			if d.Authorized != tt.authorized {
				t.Fatalf("authorized = %v, want %v (reason %q)", d.Authorized, tt.authorized, d.Reason)
			}
			if d.Role != tt.role {
				t.Errorf("role = %q, want %q", d.Role, tt.role)
			}
			if d.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", d.Reason, tt.reason)
			}
			if !d.Authorized && d.Message == "" {
				t.Error("denial without a message")
			}
		})
	}
}

func TestAuthorize_PermissionMessages(t *testing.T) {
	p := &Patient{Owner: "alice", Active: true}
	g := &AccessGrant{Patient: "alice", Provider: "drbob", Role: RoleDoctor, Active: true, AllowedTypes: AllRecordTypes}

	for c, want := range map[Capability]string{
		CapCreate: "No create permission",
		CapModify: "No modify permission",
		CapView:   "No view permission",
	} {
		d := Authorize(AuthzInput{Actor: "drbob", Patient: p, RecordType: RecordGeneral, Capability: c, Grant: g})
		if d.Message != want {
			t.Errorf("%s: message = %q, want %q", c, d.Message, want)
		}
	}
}

func TestAuthorizeEmergency(t *testing.T) {
	active := &Patient{Owner: "dave", Active: true}
	rec := &MedicalRecord{Patient: "dave", RecordID: "er-1", Active: true}

	if d := AuthorizeEmergency(active, rec); !d.Authorized || d.Role != RoleEmergencyResponder {
		t.Errorf("expected emergency access, got %+v", d)
	}
	if d := AuthorizeEmergency(&Patient{Owner: "dave"}, rec); d.Reason != DenyPatientInactive {
		t.Errorf("reason = %q, want patient_inactive", d.Reason)
	}
	if d := AuthorizeEmergency(active, &MedicalRecord{Patient: "dave"}); d.Reason != DenyRecordInactive {
		t.Errorf("reason = %q, want record_inactive", d.Reason)
	}
	if d := AuthorizeEmergency(active, nil); d.Authorized {
		t.Error("nil record must be refused")
	}
}

func TestDecision_AsError(t *testing.T) {
	tests := []struct {
		reason DenyReason
		code   string
	}{
		{DenyPatientInactive, "PatientInactive"},
		{DenyRecordInactive, "RecordInactive"},
		{DenyGrantInactive, "AccessGrantRevoked"},
		{DenyGrantExpired, "AccessGrantExpired"},
		{DenyNoGrant, "AccessDenied"},
		{DenyTypeNotAllowed, "AccessDenied"},
	}
	for _, tt := range tests {
		d := Decision{Reason: tt.reason, Message: "x"}
		if got := d.asError().Code; got != tt.code {
			t.Errorf("%s: code = %q, want %q", tt.reason, got, tt.code)
		}
	}
}
