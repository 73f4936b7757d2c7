package access

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type scoped struct {
	ns, a, b string
}

type memAudit struct {
	ns    string
	entry AuditLogEntry
}

type memState struct {
	patients map[scoped]*Patient
	records  map[scoped]*MedicalRecord
	grants   map[scoped]*AccessGrant
	requests map[scoped]*AccessRequest
	audit    []memAudit
	seq      map[string]map[auditSeqKey]int64
}

func newMemState() *memState {
	return &memState{
		patients: make(map[scoped]*Patient),
		records:  make(map[scoped]*MedicalRecord),
		grants:   make(map[scoped]*AccessGrant),
		requests: make(map[scoped]*AccessRequest),
		seq:      make(map[string]map[auditSeqKey]int64),
	}
}

// clone copies the maps. Stored entities are never mutated in place, so the
// pointers can be shared between the committed state and a transaction.
func (s *memState) clone() *memState {
	c := &memState{
		patients: make(map[scoped]*Patient, len(s.patients)),
		records:  make(map[scoped]*MedicalRecord, len(s.records)),
		grants:   make(map[scoped]*AccessGrant, len(s.grants)),
		requests: make(map[scoped]*AccessRequest, len(s.requests)),
		audit:    s.audit[:len(s.audit):len(s.audit)],
		seq:      make(map[string]map[auditSeqKey]int64, len(s.seq)),
	}
	for k, v := range s.patients {
		c.patients[k] = v
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	for k, v := range s.grants {
		c.grants[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for ns, m := range s.seq {
		cm := make(map[auditSeqKey]int64, len(m))
		for k, v := range m {
			cm[k] = v
		}
		c.seq[ns] = cm
	}
	return c
}

type memTxKey struct{ store *MemoryStore }

// MemoryStore keeps everything in process memory. Transactions are
// serialised by a single mutex and work on a private copy of the state that
// replaces the committed state on success.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{m}).(*memState); ok {
		return fn(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(context.WithValue(ctx, memTxKey{m}, work)); err != nil {
		return err
	}
	m.state = work
	return nil
}

// do runs fn against the transaction state in ctx, or against the committed
// state under the lock when ctx carries no transaction.
func (m *MemoryStore) do(ctx context.Context, fn func(s *memState) error) error {
	if s, ok := ctx.Value(memTxKey{m}).(*memState); ok {
		return fn(s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

func (m *MemoryStore) Patients() PatientRepository { return memPatients{m} }
func (m *MemoryStore) Records() RecordRepository   { return memRecords{m} }
func (m *MemoryStore) Grants() GrantRepository     { return memGrants{m} }
func (m *MemoryStore) Requests() RequestRepository { return memRequests{m} }
func (m *MemoryStore) Audit() AuditRepository      { return memAuditLog{m} }

func page[T any](items []*T, limit, offset int) ([]*T, int) {
	total := len(items)
	if offset >= total {
		return []*T{}, total
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, total
}

type memPatients struct{ m *MemoryStore }

func (r memPatients) Get(ctx context.Context, owner string) (*Patient, error) {
	var out *Patient
	err := r.m.do(ctx, func(s *memState) error {
		p, ok := s.patients[scoped{namespace(ctx), owner, ""}]
		if !ok {
			return ErrNoRows
		}
		cp := *p
		out = &cp
		return nil
	})
	return out, err
}

func (r memPatients) Create(ctx context.Context, p *Patient) error {
	return r.m.do(ctx, func(s *memState) error {
		k := scoped{namespace(ctx), p.Owner, ""}
		if _, ok := s.patients[k]; ok {
			return ErrAlreadyExists
		}
		p.Version = 1
		cp := *p
		s.patients[k] = &cp
		return nil
	})
}

func (r memPatients) Update(ctx context.Context, p *Patient) error {
	return r.m.do(ctx, func(s *memState) error {
		k := scoped{namespace(ctx), p.Owner, ""}
		cur, ok := s.patients[k]
		if !ok {
			return ErrNoRows
		}
		if cur.Version != p.Version {
			return ErrVersionConflict
		}
		p.Version++
		cp := *p
		s.patients[k] = &cp
		return nil
	})
}

type memRecords struct{ m *MemoryStore }

func (r memRecords) Get(ctx context.Context, key RecordKey) (*MedicalRecord, error) {
	var out *MedicalRecord
	err := r.m.do(ctx, func(s *memState) error {
		rec, ok := s.records[scoped{namespace(ctx), key.Patient, key.RecordID}]
		if !ok {
			return ErrNoRows
		}
		cp := *rec
		out = &cp
		return nil
	})
	return out, err
}

// GetForUpdate is Get: memory transactions already run one at a time.
func (r memRecords) GetForUpdate(ctx context.Context, key RecordKey) (*MedicalRecord, error) {
	return r.Get(ctx, key)
}

func (r memRecords) Create(ctx context.Context, rec *MedicalRecord) error {
	return r.m.do(ctx, func(s *memState) error {
		k := scoped{namespace(ctx), rec.Patient, rec.RecordID}
		if _, ok := s.records[k]; ok {
			return ErrAlreadyExists
		}
		rec.Version = 1
		cp := *rec
		s.records[k] = &cp
		return nil
	})
}

func (r memRecords) Update(ctx context.Context, rec *MedicalRecord) error {
	return r.m.do(ctx, func(s *memState) error {
		k := scoped{namespace(ctx), rec.Patient, rec.RecordID}
		cur, ok := s.records[k]
		if !ok {
			return ErrNoRows
		}
		if cur.Version != rec.Version {
			return ErrVersionConflict
		}
		rec.Version++
		cp := *rec
		s.records[k] = &cp
		return nil
	})
}

func (r memRecords) ListByPatient(ctx context.Context, patient string, limit, offset int) ([]*MedicalRecord, int, error) {
	var out []*MedicalRecord
	var total int
	err := r.m.do(ctx, func(s *memState) error {
		ns := namespace(ctx)
		var all []*MedicalRecord
		for k, rec := range s.records {
			if k.ns == ns && k.a == patient {
				cp := *rec
				all = append(all, &cp)
			}
		}
		sort.Slice(all, func(i, j int) bool {
			if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
				return all[i].CreatedAt.Before(all[j].CreatedAt)
			}
			return all[i].RecordID < all[j].RecordID
		})
		out, total = page(all, limit, offset)
		return nil
	})
	return out, total, err
}

type memGrants struct{ m *MemoryStore }

func (r memGrants) Get(ctx context.Context, key GrantKey) (*AccessGrant, error) {
	var out *AccessGrant
	err := r.m.do(ctx, func(s *memState) error {
		g, ok := s.grants[scoped{namespace(ctx), key.Patient, key.Provider}]
		if !ok {
			return ErrNoRows
		}
		out = copyGrant(g)
		return nil
	})
	return out, err
}

func (r memGrants) Create(ctx context.Context, g *AccessGrant) error {
	return r.m.do(ctx, func(s *memState) error {
		k := scoped{namespace(ctx), g.Patient, g.Provider}
		if _, ok := s.grants[k]; ok {
			return ErrAlreadyExists
		}
		g.Version = 1
		s.grants[k] = copyGrant(g)
		return nil
	})
}

func (r memGrants) Update(ctx context.Context, g *AccessGrant) error {
	return r.m.do(ctx, func(s *memState) error {
		k := scoped{namespace(ctx), g.Patient, g.Provider}
		cur, ok := s.grants[k]
		if !ok {
			return ErrNoRows
		}
		if cur.Version != g.Version {
			return ErrVersionConflict
		}
		g.Version++
		s.grants[k] = copyGrant(g)
		return nil
	})
}

func (r memGrants) ListByPatient(ctx context.Context, patient string, limit, offset int) ([]*AccessGrant, int, error) {
	return r.list(ctx, func(k scoped) bool { return k.a == patient }, limit, offset)
}

func (r memGrants) ListByProvider(ctx context.Context, provider string, limit, offset int) ([]*AccessGrant, int, error) {
	return r.list(ctx, func(k scoped) bool { return k.b == provider }, limit, offset)
}

func (r memGrants) list(ctx context.Context, match func(scoped) bool, limit, offset int) ([]*AccessGrant, int, error) {
	var out []*AccessGrant
	var total int
	err := r.m.do(ctx, func(s *memState) error {
		ns := namespace(ctx)
		var all []*AccessGrant
		for k, g := range s.grants {
			if k.ns == ns && match(k) {
				all = append(all, copyGrant(g))
			}
		}
		sort.Slice(all, func(i, j int) bool {
			if !all[i].GrantedAt.Equal(all[j].GrantedAt) {
				return all[i].GrantedAt.Before(all[j].GrantedAt)
			}
			return all[i].Key().String() < all[j].Key().String()
		})
		out, total = page(all, limit, offset)
		return nil
	})
	return out, total, err
}

func copyGrant(g *AccessGrant) *AccessGrant {
	cp := *g
	cp.AllowedTypes = append([]RecordType(nil), g.AllowedTypes...)
	return &cp
}

type memRequests struct{ m *MemoryStore }

func (r memRequests) Get(ctx context.Context, key RequestKey) (*AccessRequest, error) {
	var out *AccessRequest
	err := r.m.do(ctx, func(s *memState) error {
		req, ok := s.requests[scoped{namespace(ctx), key.Patient, key.Requester}]
		if !ok {
			return ErrNoRows
		}
		cp := *req
		out = &cp
		return nil
	})
	return out, err
}

func (r memRequests) Create(ctx context.Context, req *AccessRequest) error {
	return r.m.do(ctx, func(s *memState) error {
		k := scoped{namespace(ctx), req.Patient, req.Requester}
		if _, ok := s.requests[k]; ok {
			return ErrAlreadyExists
		}
		if req.ID == uuid.Nil {
			req.ID = uuid.New()
		}
		req.Version = 1
		cp := *req
		s.requests[k] = &cp
		return nil
	})
}

func (r memRequests) Update(ctx context.Context, req *AccessRequest) error {
	return r.m.do(ctx, func(s *memState) error {
		k := scoped{namespace(ctx), req.Patient, req.Requester}
		cur, ok := s.requests[k]
		if !ok {
			return ErrNoRows
		}
		if cur.Version != req.Version {
			return ErrVersionConflict
		}
		req.Version++
		cp := *req
		s.requests[k] = &cp
		return nil
	})
}

func (r memRequests) ListByPatient(ctx context.Context, patient string, limit, offset int) ([]*AccessRequest, int, error) {
	return r.list(ctx, func(k scoped) bool { return k.a == patient }, limit, offset)
}

func (r memRequests) ListByRequester(ctx context.Context, requester string, limit, offset int) ([]*AccessRequest, int, error) {
	return r.list(ctx, func(k scoped) bool { return k.b == requester }, limit, offset)
}

func (r memRequests) list(ctx context.Context, match func(scoped) bool, limit, offset int) ([]*AccessRequest, int, error) {
	var out []*AccessRequest
	var total int
	err := r.m.do(ctx, func(s *memState) error {
		ns := namespace(ctx)
		var all []*AccessRequest
		for k, req := range s.requests {
			if k.ns == ns && match(k) {
				cp := *req
				all = append(all, &cp)
			}
		}
		sort.Slice(all, func(i, j int) bool {
			if !all[i].RequestedAt.Equal(all[j].RequestedAt) {
				return all[i].RequestedAt.Before(all[j].RequestedAt)
			}
			return all[i].Key().String() < all[j].Key().String()
		})
		out, total = page(all, limit, offset)
		return nil
	})
	return out, total, err
}

type memAuditLog struct{ m *MemoryStore }

func (r memAuditLog) Append(ctx context.Context, e *AuditLogEntry) error {
	return r.m.do(ctx, func(s *memState) error {
		ns := namespace(ctx)
		counters, ok := s.seq[ns]
		if !ok {
			counters = make(map[auditSeqKey]int64)
			s.seq[ns] = counters
		}
		k := auditSeqKey{Patient: e.Patient, RecordKey: e.RecordKey, Accessor: e.Accessor, Action: e.Action}
		counters[k]++
		e.Seq = counters[k]
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		s.audit = append(s.audit, memAudit{ns: ns, entry: *e})
		return nil
	})
}

func (r memAuditLog) matching(ctx context.Context, f AuditFilter) ([]*AuditLogEntry, error) {
	var out []*AuditLogEntry
	err := r.m.do(ctx, func(s *memState) error {
		ns := namespace(ctx)
		for i := range s.audit {
			if s.audit[i].ns != ns || !f.Matches(&s.audit[i].entry) {
				continue
			}
			cp := s.audit[i].entry
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}

func (r memAuditLog) Search(ctx context.Context, f AuditFilter) ([]*AuditLogEntry, int, error) {
	all, err := r.matching(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	// Newest first, matching the SQL ordering.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	items, total := page(all, f.Limit, f.Offset)
	return items, total, nil
}

func (r memAuditLog) Summarize(ctx context.Context, f AuditFilter) (*AuditSummary, error) {
	all, err := r.matching(ctx, f)
	if err != nil {
		return nil, err
	}
	return summarize(all), nil
}
