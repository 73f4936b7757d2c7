package access

import (
	"context"

	"github.com/ehr/consentd/internal/platform/db"
)

// DefaultNamespace is used when no tenant was resolved for the request.
const DefaultNamespace = "default"

// RecordKey identifies a medical record under its patient.
type RecordKey struct {
	Patient  string `json:"patient"`
	RecordID string `json:"record_id"`
}

func (k RecordKey) String() string { return k.Patient + "/" + k.RecordID }

// GrantKey identifies the single grant slot of a (patient, provider) pair.
type GrantKey struct {
	Patient  string `json:"patient"`
	Provider string `json:"provider"`
}

func (k GrantKey) String() string { return k.Patient + "/" + k.Provider }

// RequestKey identifies the single request slot of a (patient, requester) pair.
type RequestKey struct {
	Patient   string `json:"patient"`
	Requester string `json:"requester"`
}

func (k RequestKey) String() string { return k.Patient + "/" + k.Requester }

// auditSeqKey scopes the audit sequence counter.
type auditSeqKey struct {
	Patient   string
	RecordKey string
	Accessor  string
	Action    AccessAction
}

// namespace returns the tenant the context is scoped to.
func namespace(ctx context.Context) string {
	if ns := db.TenantFromContext(ctx); ns != "" {
		return ns
	}
	return DefaultNamespace
}
