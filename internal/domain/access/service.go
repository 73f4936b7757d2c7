package access

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ehr/consentd/internal/platform/events"
	"github.com/ehr/consentd/internal/platform/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	store   Store
	pub     events.Publisher
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		pub:    events.Nop{},
		logger: logger.With().Str("component", "access").Logger(),
		now:    time.Now,
	}
}

// SetPublisher attaches the event publisher notified after each commit.
func (s *Service) SetPublisher(p events.Publisher) {
	if p == nil {
		p = events.Nop{}
	}
	s.pub = p
}

// SetMetrics attaches optional Prometheus collectors.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetClock replaces the wall clock. Every operation reads it exactly once.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// op is the state of one public operation: the instant it is evaluated at
// and the side effects to release once its transaction has committed.
type op struct {
	now    time.Time
	events []events.Event
	audits []*AuditLogEntry
}

func (s *Service) begin() *op {
	return &op{now: s.now().UTC()}
}

// run executes fn in one store transaction and, on commit, publishes the
// queued events. Publishing failures are logged only.
func (s *Service) run(ctx context.Context, o *op, fn func(ctx context.Context) error) error {
	if err := s.store.WithinTx(ctx, fn); err != nil {
		return err
	}
	for _, e := range o.audits {
		s.metrics.ObserveAudit(string(e.Action), e.Success)
	}
	for _, ev := range o.events {
		if err := s.pub.Publish(ctx, ev); err != nil {
			s.logger.Error().Err(err).Str("event", ev.Type).Str("patient", ev.Patient).Msg("publish event failed")
		}
	}
	return nil
}

func (s *Service) audit(ctx context.Context, o *op, e *AuditLogEntry) error {
	if err := s.store.Audit().Append(ctx, e); err != nil {
		return storeErr(err, nil, "append audit entry")
	}
	o.audits = append(o.audits, e)
	return nil
}

func (o *op) emit(ctx context.Context, typ, patient, subject, actor string, data map[string]any) {
	o.events = append(o.events, events.Event{
		ID:        uuid.New(),
		Type:      typ,
		Namespace: namespace(ctx),
		Patient:   patient,
		Subject:   subject,
		Actor:     actor,
		Timestamp: o.now,
		Data:      data,
	})
}

// storeErr maps repository write failures onto domain errors.
func storeErr(err error, exists *Error, what string) error {
	switch {
	case errors.Is(err, ErrAlreadyExists) && exists != nil:
		return exists
	case errors.Is(err, ErrVersionConflict):
		return errConcurrentUpdate
	}
	return fmt.Errorf("%s: %w", what, err)
}

// MaxCounter is the largest value a stored counter can hold; the columns
// are signed 64-bit.
const MaxCounter = math.MaxInt64

func increment(n uint64) (uint64, error) {
	if n >= MaxCounter {
		return 0, errCounterOverflow
	}
	return n + 1, nil
}

func requireActor(actor string) error {
	if actor == "" {
		return errUnauthorized
	}
	return nil
}

// -- Loaders --

func (s *Service) loadPatient(ctx context.Context, owner string) (*Patient, error) {
	p, err := s.store.Patients().Get(ctx, owner)
	if errors.Is(err, ErrNoRows) {
		return nil, errPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

// lockRecord loads a record for a path that writes it back. It holds
// the row until the transaction ends, so concurrent viewers queue instead of
// failing the version check.
func (s *Service) lockRecord(ctx context.Context, key RecordKey) (*MedicalRecord, error) {
	rec, err := s.store.Records().GetForUpdate(ctx, key)
	if errors.Is(err, ErrNoRows) {
		return nil, errRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

func (s *Service) loadGrant(ctx context.Context, key GrantKey) (*AccessGrant, error) {
	g, err := s.store.Grants().Get(ctx, key)
	if errors.Is(err, ErrNoRows) {
		return nil, errGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	return g, nil
}

// lookupGrant is loadGrant for authorization: a missing grant is nil.
func (s *Service) lookupGrant(ctx context.Context, key GrantKey) (*AccessGrant, error) {
	g, err := s.loadGrant(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return g, err
}

func (s *Service) loadRequest(ctx context.Context, key RequestKey) (*AccessRequest, error) {
	r, err := s.store.Requests().Get(ctx, key)
	if errors.Is(err, ErrNoRows) {
		return nil, errRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get access request: %w", err)
	}
	return r, nil
}

// authorize evaluates Authorize for actor against the patient's data,
// fetching the actor's grant when the actor is not the patient.
func (s *Service) authorize(ctx context.Context, o *op, actor string, p *Patient, rec *MedicalRecord, rt RecordType, c Capability, action AccessAction) (Decision, error) {
	var g *AccessGrant
	if actor != p.Owner {
		var err error
		g, err = s.lookupGrant(ctx, GrantKey{Patient: p.Owner, Provider: actor})
		if err != nil {
			return Decision{}, err
		}
	}
	d := Authorize(AuthzInput{
		Actor:      actor,
		Patient:    p,
		Record:     rec,
		RecordType: rt,
		Capability: c,
		Grant:      g,
		Now:        o.now,
	})
	s.metrics.ObserveDecision(string(action), string(d.Role), d.Authorized)
	return d, nil
}
