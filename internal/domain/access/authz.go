package access

import "time"

// DenyReason classifies a negative authorization decision.
type DenyReason string

const (
	DenyNone            DenyReason = ""
	DenyPatientInactive DenyReason = "patient_inactive"
	DenyRecordInactive  DenyReason = "record_inactive"
	DenyNoGrant         DenyReason = "no_grant"
	DenyGrantInactive   DenyReason = "grant_inactive"
	DenyGrantExpired    DenyReason = "grant_expired"
	DenyNoPermission    DenyReason = "no_permission"
	DenyTypeNotAllowed  DenyReason = "type_not_allowed"
)

// Audit failure reasons, stored verbatim on failed entries.
const (
	msgPatientInactive = "Patient account is inactive"
	msgRecordInactive  = "Record is inactive"
	msgNoGrant         = "No access grant found"
	msgGrantInactive   = "Access grant is not active"
	msgGrantExpired    = "Access grant has expired"
	msgTypeNotAllowed  = "Record type not allowed"
)

var capabilityMsg = map[Capability]string{
	CapCreate: "No create permission",
	CapModify: "No modify permission",
	CapView:   "No view permission",
}

// AuthzInput is everything a decision depends on. Record is nil for
// creations; RecordType is then the type being created.
type AuthzInput struct {
	Actor      string
	Patient    *Patient
	Record     *MedicalRecord
	RecordType RecordType
	Capability Capability
	Grant      *AccessGrant
	Now        time.Time
}

// Decision is the outcome of Authorize. Message is the human readable
// failure reason written to the audit trail.
type Decision struct {
	Authorized bool
	Role       Role
	Reason     DenyReason
	Message    string
}

func deny(role Role, reason DenyReason, msg string) Decision {
	return Decision{Role: role, Reason: reason, Message: msg}
}

// Authorize decides whether in.Actor may exercise in.Capability on the
// patient's data. It reads nothing and changes nothing.
func Authorize(in AuthzInput) Decision {
	role := RoleUnknown
	if in.Grant != nil && in.Grant.Provider == in.Actor {
		role = in.Grant.Role
	}
	if in.Patient != nil && in.Actor == in.Patient.Owner {
		role = RolePatient
	}

	if in.Patient == nil || !in.Patient.Active {
		return deny(role, DenyPatientInactive, msgPatientInactive)
	}
	if in.Record != nil && !in.Record.Active {
		return deny(role, DenyRecordInactive, msgRecordInactive)
	}
	if in.Actor == in.Patient.Owner {
		return Decision{Authorized: true, Role: RolePatient}
	}

	g := in.Grant
	if g == nil || g.Patient != in.Patient.Owner || g.Provider != in.Actor {
		return deny(role, DenyNoGrant, msgNoGrant)
	}
	if !g.Active {
		return deny(role, DenyGrantInactive, msgGrantInactive)
	}
	if g.ExpiredAt(in.Now) {
		return deny(role, DenyGrantExpired, msgGrantExpired)
	}
	if !g.Permits(in.Capability) {
		return deny(role, DenyNoPermission, capabilityMsg[in.Capability])
	}

	rt := in.RecordType
	if in.Record != nil {
		rt = in.Record.Type
	}
	if !g.Allows(rt) {
		return deny(role, DenyTypeNotAllowed, msgTypeNotAllowed)
	}
	return Decision{Authorized: true, Role: g.Role}
}

// AuthorizeEmergency is the break-glass decision. Only the active states of
// patient and record are checked; grants are ignored.
func AuthorizeEmergency(p *Patient, rec *MedicalRecord) Decision {
	if p == nil || !p.Active {
		return deny(RoleEmergencyResponder, DenyPatientInactive, msgPatientInactive)
	}
	if rec == nil || !rec.Active {
		return deny(RoleEmergencyResponder, DenyRecordInactive, msgRecordInactive)
	}
	return Decision{Authorized: true, Role: RoleEmergencyResponder}
}

// asError maps a denial to the error returned by mutating paths.
func (d Decision) asError() *Error {
	switch d.Reason {
	case DenyPatientInactive:
		return errPatientInactive
	case DenyRecordInactive:
		return errRecordInactive
	case DenyGrantInactive:
		return errGrantRevoked
	case DenyGrantExpired:
		return errGrantExpired
	}
	return accessDenied(d.Message)
}
