package access

import "context"

// Every repository reads by key, creates if absent (ErrAlreadyExists on
// collision) and updates by compare-and-swap on Version (ErrVersionConflict
// when the stored version moved). A missing key reads as ErrNoRows.

type PatientRepository interface {
	Get(ctx context.Context, owner string) (*Patient, error)
	Create(ctx context.Context, p *Patient) error
	Update(ctx context.Context, p *Patient) error
}

type RecordRepository interface {
	Get(ctx context.Context, key RecordKey) (*MedicalRecord, error)
	// GetForUpdate reads the record and holds it against concurrent writers
	// until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, key RecordKey) (*MedicalRecord, error)
	Create(ctx context.Context, r *MedicalRecord) error
	Update(ctx context.Context, r *MedicalRecord) error
	ListByPatient(ctx context.Context, patient string, limit, offset int) ([]*MedicalRecord, int, error)
}

type GrantRepository interface {
	Get(ctx context.Context, key GrantKey) (*AccessGrant, error)
	Create(ctx context.Context, g *AccessGrant) error
	Update(ctx context.Context, g *AccessGrant) error
	ListByPatient(ctx context.Context, patient string, limit, offset int) ([]*AccessGrant, int, error)
	ListByProvider(ctx context.Context, provider string, limit, offset int) ([]*AccessGrant, int, error)
}

type RequestRepository interface {
	Get(ctx context.Context, key RequestKey) (*AccessRequest, error)
	Create(ctx context.Context, r *AccessRequest) error
	Update(ctx context.Context, r *AccessRequest) error
	ListByPatient(ctx context.Context, patient string, limit, offset int) ([]*AccessRequest, int, error)
	ListByRequester(ctx context.Context, requester string, limit, offset int) ([]*AccessRequest, int, error)
}

// AuditRepository is append-only. Append assigns ID and Seq.
type AuditRepository interface {
	Append(ctx context.Context, e *AuditLogEntry) error
	Search(ctx context.Context, f AuditFilter) ([]*AuditLogEntry, int, error)
	Summarize(ctx context.Context, f AuditFilter) (*AuditSummary, error)
}

// Store groups the repositories behind a single transaction boundary.
// Writes made through ctx inside fn are committed together when fn returns
// nil and discarded otherwise.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	Patients() PatientRepository
	Records() RecordRepository
	Grants() GrantRepository
	Requests() RequestRepository
	Audit() AuditRepository
}
