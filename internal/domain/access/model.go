package access

import (
	"time"

	"github.com/google/uuid"
)

// Role is the effective role of an actor on a patient's data.
type Role string

const (
	RolePatient            Role = "patient"
	RoleDoctor             Role = "doctor"
	RoleHospital           Role = "hospital"
	RoleInsurer            Role = "insurer"
	RoleEmergencyResponder Role = "emergency_responder"

	// RoleUnknown is recorded for an actor who is neither the patient nor a
	// grantee. It is never a valid role to claim.
	RoleUnknown Role = "unknown"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleHospital, RoleInsurer, RoleEmergencyResponder:
		return true
	}
	return false
}

// RecordType is one of the fixed medical record categories.
type RecordType string

const (
	RecordGeneral      RecordType = "general"
	RecordPrescription RecordType = "prescription"
	RecordLabResult    RecordType = "lab_result"
	RecordVisitSummary RecordType = "visit_summary"
	RecordImmunization RecordType = "immunization"
	RecordImaging      RecordType = "imaging"
	RecordEmergency    RecordType = "emergency"
)

// AllRecordTypes lists every category in declaration order.
var AllRecordTypes = []RecordType{
	RecordGeneral, RecordPrescription, RecordLabResult, RecordVisitSummary,
	RecordImmunization, RecordImaging, RecordEmergency,
}

func (t RecordType) Valid() bool {
	for _, rt := range AllRecordTypes {
		if rt == t {
			return true
		}
	}
	return false
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestDenied    RequestStatus = "denied"
	RequestExpired   RequestStatus = "expired"
	RequestCancelled RequestStatus = "cancelled"
)

type AccessAction string

const (
	ActionView            AccessAction = "view"
	ActionCreate          AccessAction = "create"
	ActionModify          AccessAction = "modify"
	ActionDelete          AccessAction = "delete"
	ActionGrantAccess     AccessAction = "grant_access"
	ActionRevokeAccess    AccessAction = "revoke_access"
	ActionEmergencyAccess AccessAction = "emergency_access"
	ActionCancelRequest   AccessAction = "cancel_request"
)

func (a AccessAction) Valid() bool {
	switch a {
	case ActionView, ActionCreate, ActionModify, ActionDelete,
		ActionGrantAccess, ActionRevokeAccess, ActionEmergencyAccess, ActionCancelRequest:
		return true
	}
	return false
}

// Capability selects one of the three permission bits on a grant.
type Capability string

const (
	CapCreate Capability = "create"
	CapModify Capability = "modify"
	CapView   Capability = "view"
)

// Field limits, counted in characters.
const (
	MaxNameLen             = 50
	MaxRecordIDLen         = 64
	MaxDataHashLen         = 64
	MaxStorageLocatorLen   = 100
	MaxRecordMetadataLen   = 200
	MaxGrantReasonLen      = 100
	MaxRequestReasonLen    = 200
	MaxDenialReasonLen     = 200
	MaxUpdateNoteLen       = 500
	MaxDeletionReasonLen   = 300
	MaxFailureReasonLen    = 100
	MaxJustificationLen    = 200
	MaxClientInfoLen       = 50
	MaxAuditMetadataLen    = 100
	MaxRecordTypesPerGrant = 7
	MaxProvidersPerBatch   = 10
	DefaultRequestLifetime = 2 * 24 * time.Hour
	MaxRequestLifetime     = 7 * 24 * time.Hour
)

// Patient maps to the patient table. Owner is the patient's identity and key.
type Patient struct {
	Owner            string    `db:"owner" json:"owner"`
	Name             string    `db:"name" json:"name"`
	DateOfBirth      time.Time `db:"date_of_birth" json:"date_of_birth"`
	Active           bool      `db:"active" json:"active"`
	EmergencyContact *string   `db:"emergency_contact" json:"emergency_contact,omitempty"`
	RecordCount      uint64    `db:"record_count" json:"record_count"`
	GrantCount       uint64    `db:"grant_count" json:"grant_count"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
	Version          int64     `db:"version" json:"-"`
}

// MedicalRecord maps to the medical_record table. The payload itself lives
// off-system; DataHash and StorageLocator link to it.
type MedicalRecord struct {
	Patient        string     `db:"patient" json:"patient"`
	RecordID       string     `db:"record_id" json:"record_id"`
	CreatedBy      string     `db:"created_by" json:"created_by"`
	CreatorRole    Role       `db:"creator_role" json:"creator_role"`
	Type           RecordType `db:"record_type" json:"record_type"`
	DataHash       string     `db:"data_hash" json:"data_hash"`
	StorageLocator *string    `db:"storage_locator" json:"storage_locator,omitempty"`
	Metadata       *string    `db:"metadata" json:"metadata,omitempty"`
	Active         bool       `db:"active" json:"active"`
	AccessCount    uint64     `db:"access_count" json:"access_count"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	ModifiedAt     time.Time  `db:"modified_at" json:"modified_at"`
	LastAccessed   time.Time  `db:"last_accessed" json:"last_accessed"`
	Version        int64      `db:"version" json:"-"`
}

// Key returns the record's composite key.
func (r *MedicalRecord) Key() RecordKey {
	return RecordKey{Patient: r.Patient, RecordID: r.RecordID}
}

// AccessGrant maps to the access_grant table. At most one exists per
// (patient, provider) pair.
type AccessGrant struct {
	Patient      string       `db:"patient" json:"patient"`
	Provider     string       `db:"provider" json:"provider"`
	Role         Role         `db:"role" json:"role"`
	AllowedTypes []RecordType `db:"allowed_record_types" json:"allowed_record_types"`
	GrantedAt    time.Time    `db:"granted_at" json:"granted_at"`
	ExpiresAt    *time.Time   `db:"expires_at" json:"expires_at,omitempty"`
	Active       bool         `db:"active" json:"active"`
	CanCreate    bool         `db:"can_create" json:"can_create"`
	CanModify    bool         `db:"can_modify" json:"can_modify"`
	CanView      bool         `db:"can_view" json:"can_view"`
	Reason       *string      `db:"reason" json:"reason,omitempty"`
	RevokedBy    *string      `db:"revoked_by" json:"revoked_by,omitempty"`
	RevokedAt    *time.Time   `db:"revoked_at" json:"revoked_at,omitempty"`
	Version      int64        `db:"version" json:"-"`
}

func (g *AccessGrant) Key() GrantKey {
	return GrantKey{Patient: g.Patient, Provider: g.Provider}
}

// Allows reports whether the grant's type set contains t.
func (g *AccessGrant) Allows(t RecordType) bool {
	for _, at := range g.AllowedTypes {
		if at == t {
			return true
		}
	}
	return false
}

// Permits reports whether the capability bit is set.
func (g *AccessGrant) Permits(c Capability) bool {
	switch c {
	case CapCreate:
		return g.CanCreate
	case CapModify:
		return g.CanModify
	case CapView:
		return g.CanView
	}
	return false
}

// ExpiredAt reports whether the grant window has elapsed at now.
func (g *AccessGrant) ExpiredAt(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// AccessRequest maps to the access_request table. At most one exists per
// (patient, requester) pair.
type AccessRequest struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	Patient       string        `db:"patient" json:"patient"`
	Requester     string        `db:"requester" json:"requester"`
	RequesterRole Role          `db:"requester_role" json:"requester_role"`
	Reason        *string       `db:"reason" json:"reason,omitempty"`
	RequestedAt   time.Time     `db:"requested_at" json:"requested_at"`
	ExpiresAt     time.Time     `db:"expires_at" json:"expires_at"`
	Status        RequestStatus `db:"status" json:"status"`
	RespondedBy   *string       `db:"responded_by" json:"responded_by,omitempty"`
	RespondedAt   *time.Time    `db:"responded_at" json:"responded_at,omitempty"`
	DenialReason  *string       `db:"denial_reason" json:"denial_reason,omitempty"`
	Version       int64         `db:"version" json:"-"`
}

func (r *AccessRequest) Key() RequestKey {
	return RequestKey{Patient: r.Patient, Requester: r.Requester}
}

// EffectiveStatus reports Expired for a pending request whose window has
// elapsed. The stored status is never rewritten by a read.
func (r *AccessRequest) EffectiveStatus(now time.Time) RequestStatus {
	if r.Status == RequestPending && now.After(r.ExpiresAt) {
		return RequestExpired
	}
	return r.Status
}

// AuditLogEntry maps to the audit_log table. Entries are append-only.
type AuditLogEntry struct {
	ID                     uuid.UUID    `db:"id" json:"id"`
	Seq                    int64        `db:"seq" json:"seq"`
	Patient                string       `db:"patient" json:"patient"`
	RecordKey              string       `db:"record_key" json:"record_key,omitempty"`
	Accessor               string       `db:"accessor" json:"accessor"`
	AccessorRole           Role         `db:"accessor_role" json:"accessor_role"`
	Action                 AccessAction `db:"action" json:"action"`
	RecordType             RecordType   `db:"record_type" json:"record_type,omitempty"`
	Timestamp              time.Time    `db:"timestamp" json:"timestamp"`
	Success                bool         `db:"success" json:"success"`
	FailureReason          *string      `db:"failure_reason" json:"failure_reason,omitempty"`
	IsEmergency            bool         `db:"is_emergency" json:"is_emergency"`
	EmergencyJustification *string      `db:"emergency_justification" json:"emergency_justification,omitempty"`
	ClientInfo             *string      `db:"client_info" json:"client_info,omitempty"`
	Metadata               *string      `db:"metadata" json:"metadata,omitempty"`
}

// AuditFilter narrows an audit search. Zero values are ignored.
type AuditFilter struct {
	Patient   string
	Accessor  string
	Action    AccessAction
	RecordKey string
	Success   *bool
	Emergency *bool
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// AuditSummary aggregates audit entries matching a filter.
type AuditSummary struct {
	Total           int                  `json:"total"`
	Successful      int                  `json:"successful"`
	Failed          int                  `json:"failed"`
	Emergency       int                  `json:"emergency"`
	UniqueAccessors int                  `json:"unique_accessors"`
	ByAction        map[AccessAction]int `json:"by_action"`
}
