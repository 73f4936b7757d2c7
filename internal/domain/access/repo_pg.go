package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/consentd/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const pgUniqueViolation = "23505"

// PGStore keeps the access tables in the tenant's PostgreSQL schema.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, s.pool, fn)
}

func (s *PGStore) Patients() PatientRepository { return &patientRepoPG{s.pool} }
func (s *PGStore) Records() RecordRepository   { return &recordRepoPG{s.pool} }
func (s *PGStore) Grants() GrantRepository     { return &grantRepoPG{s.pool} }
func (s *PGStore) Requests() RequestRepository { return &requestRepoPG{s.pool} }
func (s *PGStore) Audit() AuditRepository      { return &auditRepoPG{s.pool} }

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func noRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

func inserted(tag pgconn.CommandTag, err error) error {
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrAlreadyExists
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func swapped(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func pageArgs(limit, offset int) (any, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return nil, offset
	}
	return limit, offset
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

const patientCols = `owner, name, date_of_birth, active, emergency_contact, record_count,
	grant_count, created_at, updated_at, version`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var records, grants int64
	err := row.Scan(&p.Owner, &p.Name, &p.DateOfBirth, &p.Active, &p.EmergencyContact,
		&records, &grants, &p.CreatedAt, &p.UpdatedAt, &p.Version)
	if err != nil {
		return nil, noRows(err)
	}
	p.RecordCount, p.GrantCount = uint64(records), uint64(grants)
	return &p, nil
}

func (r *patientRepoPG) Get(ctx context.Context, owner string) (*Patient, error) {
	return scanPatient(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE owner = $1`, owner))
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	err := inserted(conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO patient (owner, name, date_of_birth, active, emergency_contact,
			record_count, grant_count, created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1)
		ON CONFLICT (owner) DO NOTHING`,
		p.Owner, p.Name, p.DateOfBirth, p.Active, p.EmergencyContact,
		int64(p.RecordCount), int64(p.GrantCount), p.CreatedAt, p.UpdatedAt))
	if err == nil {
		p.Version = 1
	}
	return err
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	err := swapped(conn(ctx, r.pool).Exec(ctx, `
		UPDATE patient SET name=$2, date_of_birth=$3, active=$4, emergency_contact=$5,
			record_count=$6, grant_count=$7, updated_at=$8, version = version + 1
		WHERE owner = $1 AND version = $9`,
		p.Owner, p.Name, p.DateOfBirth, p.Active, p.EmergencyContact,
		int64(p.RecordCount), int64(p.GrantCount), p.UpdatedAt, p.Version))
	if err == nil {
		p.Version++
	}
	return err
}

// =========== Record Repository ===========

type recordRepoPG struct{ pool *pgxpool.Pool }

const recordCols = `patient, record_id, created_by, creator_role, record_type, data_hash,
	storage_locator, metadata, active, access_count, created_at, modified_at, last_accessed, version`

func scanRecord(row pgx.Row) (*MedicalRecord, error) {
	var rec MedicalRecord
	var role, typ string
	var count int64
	err := row.Scan(&rec.Patient, &rec.RecordID, &rec.CreatedBy, &role, &typ, &rec.DataHash,
		&rec.StorageLocator, &rec.Metadata, &rec.Active, &count,
		&rec.CreatedAt, &rec.ModifiedAt, &rec.LastAccessed, &rec.Version)
	if err != nil {
		return nil, noRows(err)
	}
	rec.CreatorRole, rec.Type, rec.AccessCount = Role(role), RecordType(typ), uint64(count)
	return &rec, nil
}

func (r *recordRepoPG) Get(ctx context.Context, key RecordKey) (*MedicalRecord, error) {
	return scanRecord(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+recordCols+` FROM medical_record WHERE patient = $1 AND record_id = $2`,
		key.Patient, key.RecordID))
}

func (r *recordRepoPG) GetForUpdate(ctx context.Context, key RecordKey) (*MedicalRecord, error) {
	return scanRecord(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+recordCols+` FROM medical_record WHERE patient = $1 AND record_id = $2 FOR UPDATE`,
		key.Patient, key.RecordID))
}

func (r *recordRepoPG) Create(ctx context.Context, rec *MedicalRecord) error {
	err := inserted(conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO medical_record (patient, record_id, created_by, creator_role, record_type,
			data_hash, storage_locator, metadata, active, access_count,
			created_at, modified_at, last_accessed, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1)
		ON CONFLICT (patient, record_id) DO NOTHING`,
		rec.Patient, rec.RecordID, rec.CreatedBy, string(rec.CreatorRole), string(rec.Type),
		rec.DataHash, rec.StorageLocator, rec.Metadata, rec.Active, int64(rec.AccessCount),
		rec.CreatedAt, rec.ModifiedAt, rec.LastAccessed))
	if err == nil {
		rec.Version = 1
	}
	return err
}

func (r *recordRepoPG) Update(ctx context.Context, rec *MedicalRecord) error {
	err := swapped(conn(ctx, r.pool).Exec(ctx, `
		UPDATE medical_record SET data_hash=$3, storage_locator=$4, metadata=$5, active=$6,
			access_count=$7, modified_at=$8, last_accessed=$9, version = version + 1
		WHERE patient = $1 AND record_id = $2 AND version = $10`,
		rec.Patient, rec.RecordID, rec.DataHash, rec.StorageLocator, rec.Metadata, rec.Active,
		int64(rec.AccessCount), rec.ModifiedAt, rec.LastAccessed, rec.Version))
	if err == nil {
		rec.Version++
	}
	return err
}

func (r *recordRepoPG) ListByPatient(ctx context.Context, patient string, limit, offset int) ([]*MedicalRecord, int, error) {
	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM medical_record WHERE patient = $1`, patient).Scan(&total); err != nil {
		return nil, 0, err
	}
	lim, off := pageArgs(limit, offset)
	rows, err := q.Query(ctx, `SELECT `+recordCols+` FROM medical_record WHERE patient = $1
		ORDER BY created_at, record_id LIMIT $2 OFFSET $3`, patient, lim, off)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*MedicalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

// =========== Grant Repository ===========

type grantRepoPG struct{ pool *pgxpool.Pool }

const grantCols = `patient, provider, role, allowed_record_types, granted_at, expires_at, active,
	can_create, can_modify, can_view, reason, revoked_by, revoked_at, version`

func scanGrant(row pgx.Row) (*AccessGrant, error) {
	var g AccessGrant
	var role string
	var types []string
	err := row.Scan(&g.Patient, &g.Provider, &role, &types, &g.GrantedAt, &g.ExpiresAt, &g.Active,
		&g.CanCreate, &g.CanModify, &g.CanView, &g.Reason, &g.RevokedBy, &g.RevokedAt, &g.Version)
	if err != nil {
		return nil, noRows(err)
	}
	g.Role = Role(role)
	g.AllowedTypes = make([]RecordType, len(types))
	for i, t := range types {
		g.AllowedTypes[i] = RecordType(t)
	}
	return &g, nil
}

func typeStrings(types []RecordType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func (r *grantRepoPG) Get(ctx context.Context, key GrantKey) (*AccessGrant, error) {
	return scanGrant(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+grantCols+` FROM access_grant WHERE patient = $1 AND provider = $2`,
		key.Patient, key.Provider))
}

func (r *grantRepoPG) Create(ctx context.Context, g *AccessGrant) error {
	err := inserted(conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO access_grant (patient, provider, role, allowed_record_types, granted_at,
			expires_at, active, can_create, can_modify, can_view, reason, revoked_by, revoked_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1)
		ON CONFLICT (patient, provider) DO NOTHING`,
		g.Patient, g.Provider, string(g.Role), typeStrings(g.AllowedTypes), g.GrantedAt,
		g.ExpiresAt, g.Active, g.CanCreate, g.CanModify, g.CanView, g.Reason, g.RevokedBy, g.RevokedAt))
	if err == nil {
		g.Version = 1
	}
	return err
}

func (r *grantRepoPG) Update(ctx context.Context, g *AccessGrant) error {
	err := swapped(conn(ctx, r.pool).Exec(ctx, `
		UPDATE access_grant SET active=$3, revoked_by=$4, revoked_at=$5, version = version + 1
		WHERE patient = $1 AND provider = $2 AND version = $6`,
		g.Patient, g.Provider, g.Active, g.RevokedBy, g.RevokedAt, g.Version))
	if err == nil {
		g.Version++
	}
	return err
}

func (r *grantRepoPG) ListByPatient(ctx context.Context, patient string, limit, offset int) ([]*AccessGrant, int, error) {
	return r.list(ctx, "patient", patient, limit, offset)
}

func (r *grantRepoPG) ListByProvider(ctx context.Context, provider string, limit, offset int) ([]*AccessGrant, int, error) {
	return r.list(ctx, "provider", provider, limit, offset)
}

// list filters on col, which is always one of the fixed key columns.
func (r *grantRepoPG) list(ctx context.Context, col, value string, limit, offset int) ([]*AccessGrant, int, error) {
	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM access_grant WHERE `+col+` = $1`, value).Scan(&total); err != nil {
		return nil, 0, err
	}
	lim, off := pageArgs(limit, offset)
	rows, err := q.Query(ctx, `SELECT `+grantCols+` FROM access_grant WHERE `+col+` = $1
		ORDER BY granted_at, patient, provider LIMIT $2 OFFSET $3`, value, lim, off)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, g)
	}
	return items, total, rows.Err()
}

// =========== Request Repository ===========

type requestRepoPG struct{ pool *pgxpool.Pool }

const requestCols = `id, patient, requester, requester_role, reason, requested_at, expires_at,
	status, responded_by, responded_at, denial_reason, version`

func scanRequest(row pgx.Row) (*AccessRequest, error) {
	var req AccessRequest
	var role, status string
	err := row.Scan(&req.ID, &req.Patient, &req.Requester, &role, &req.Reason, &req.RequestedAt,
		&req.ExpiresAt, &status, &req.RespondedBy, &req.RespondedAt, &req.DenialReason, &req.Version)
	if err != nil {
		return nil, noRows(err)
	}
	req.RequesterRole, req.Status = Role(role), RequestStatus(status)
	return &req, nil
}

func (r *requestRepoPG) Get(ctx context.Context, key RequestKey) (*AccessRequest, error) {
	return scanRequest(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+requestCols+` FROM access_request WHERE patient = $1 AND requester = $2`,
		key.Patient, key.Requester))
}

func (r *requestRepoPG) Create(ctx context.Context, req *AccessRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	err := inserted(conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO access_request (id, patient, requester, requester_role, reason, requested_at,
			expires_at, status, responded_by, responded_at, denial_reason, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1)
		ON CONFLICT (patient, requester) DO NOTHING`,
		req.ID, req.Patient, req.Requester, string(req.RequesterRole), req.Reason, req.RequestedAt,
		req.ExpiresAt, string(req.Status), req.RespondedBy, req.RespondedAt, req.DenialReason))
	if err == nil {
		req.Version = 1
	}
	return err
}

func (r *requestRepoPG) Update(ctx context.Context, req *AccessRequest) error {
	err := swapped(conn(ctx, r.pool).Exec(ctx, `
		UPDATE access_request SET status=$3, responded_by=$4, responded_at=$5, denial_reason=$6,
			version = version + 1
		WHERE patient = $1 AND requester = $2 AND version = $7`,
		req.Patient, req.Requester, string(req.Status), req.RespondedBy, req.RespondedAt,
		req.DenialReason, req.Version))
	if err == nil {
		req.Version++
	}
	return err
}

func (r *requestRepoPG) ListByPatient(ctx context.Context, patient string, limit, offset int) ([]*AccessRequest, int, error) {
	return r.list(ctx, "patient", patient, limit, offset)
}

func (r *requestRepoPG) ListByRequester(ctx context.Context, requester string, limit, offset int) ([]*AccessRequest, int, error) {
	return r.list(ctx, "requester", requester, limit, offset)
}

func (r *requestRepoPG) list(ctx context.Context, col, value string, limit, offset int) ([]*AccessRequest, int, error) {
	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM access_request WHERE `+col+` = $1`, value).Scan(&total); err != nil {
		return nil, 0, err
	}
	lim, off := pageArgs(limit, offset)
	rows, err := q.Query(ctx, `SELECT `+requestCols+` FROM access_request WHERE `+col+` = $1
		ORDER BY requested_at, patient, requester LIMIT $2 OFFSET $3`, value, lim, off)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AccessRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, req)
	}
	return items, total, rows.Err()
}

// =========== Audit Repository ===========

type auditRepoPG struct{ pool *pgxpool.Pool }

const auditCols = `id, seq, patient, record_key, accessor, accessor_role, action, record_type,
	timestamp, success, failure_reason, is_emergency, emergency_justification, client_info, metadata`

func scanAudit(row pgx.Row) (*AuditLogEntry, error) {
	var e AuditLogEntry
	var role, action, typ string
	err := row.Scan(&e.ID, &e.Seq, &e.Patient, &e.RecordKey, &e.Accessor, &role, &action, &typ,
		&e.Timestamp, &e.Success, &e.FailureReason, &e.IsEmergency, &e.EmergencyJustification,
		&e.ClientInfo, &e.Metadata)
	if err != nil {
		return nil, noRows(err)
	}
	e.AccessorRole, e.Action, e.RecordType = Role(role), AccessAction(action), RecordType(typ)
	return &e, nil
}

// Append takes the next sequence number for the entry's key from the
// audit_seq counter. The upsert locks the counter row, so concurrent writers
// for one key queue up and each gets its own number.
func (r *auditRepoPG) Append(ctx context.Context, e *AuditLogEntry) error {
	q := conn(ctx, r.pool)
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := q.QueryRow(ctx, `
		INSERT INTO audit_seq (patient, record_key, accessor, action, seq)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (patient, record_key, accessor, action)
		DO UPDATE SET seq = audit_seq.seq + 1
		RETURNING seq`,
		e.Patient, e.RecordKey, e.Accessor, string(e.Action)).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("next audit seq: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO audit_log (`+auditCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		e.ID, e.Seq, e.Patient, e.RecordKey, e.Accessor, string(e.AccessorRole), string(e.Action),
		string(e.RecordType), e.Timestamp, e.Success, e.FailureReason, e.IsEmergency,
		e.EmergencyJustification, e.ClientInfo, e.Metadata)
	return err
}

// where renders the filter as a WHERE clause with positional arguments.
func (f AuditFilter) where() (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Patient != "" {
		add("patient = $%d", f.Patient)
	}
	if f.Accessor != "" {
		add("accessor = $%d", f.Accessor)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.RecordKey != "" {
		add("record_key = $%d", f.RecordKey)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if f.Emergency != nil {
		add("is_emergency = $%d", *f.Emergency)
	}
	if f.Since != nil {
		add("timestamp >= $%d", f.Since.UTC())
	}
	if f.Until != nil {
		add("timestamp <= $%d", f.Until.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *auditRepoPG) Search(ctx context.Context, f AuditFilter) ([]*AuditLogEntry, int, error) {
	q := conn(ctx, r.pool)
	where, args := f.where()

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	lim, off := pageArgs(f.Limit, f.Offset)
	n := len(args)
	args = append(args, lim, off)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT `+auditCols+` FROM audit_log%s
		ORDER BY timestamp DESC, id LIMIT $%d OFFSET $%d`, where, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AuditLogEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (r *auditRepoPG) Summarize(ctx context.Context, f AuditFilter) (*AuditSummary, error) {
	q := conn(ctx, r.pool)
	where, args := f.where()

	sum := &AuditSummary{ByAction: make(map[AccessAction]int)}
	err := q.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success),
			COUNT(*) FILTER (WHERE is_emergency),
			COUNT(DISTINCT accessor)
		FROM audit_log`+where, args...).
		Scan(&sum.Total, &sum.Successful, &sum.Failed, &sum.Emergency, &sum.UniqueAccessors)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT action, COUNT(*) FROM audit_log`+where+` GROUP BY action`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		sum.ByAction[AccessAction(action)] = n
	}
	return sum, rows.Err()
}
