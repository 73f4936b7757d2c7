package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/consentd/internal/platform/events"
)

type RequestAccessInput struct {
	Patient   string     `json:"patient"`
	Role      Role       `json:"role"`
	Reason    *string    `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RequestAccess files a provider's request for access to a patient's data.
func (s *Service) RequestAccess(ctx context.Context, actor string, in RequestAccessInput) (*AccessRequest, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	o := s.begin()
	switch {
	case in.Patient == "":
		return nil, validationErr("PatientRequired", "patient is required")
	case in.Patient == actor:
		return nil, validationErr("CannotRequestAccessToSelf", "cannot request access to your own records")
	case in.Reason != nil && tooLong(*in.Reason, MaxRequestReasonLen):
		return nil, validationErr("ReasonTooLong", "reason exceeds %d characters", MaxRequestReasonLen)
	}
	if err := validateProviderRole(in.Role); err != nil {
		return nil, err
	}

	expires := o.now.Add(DefaultRequestLifetime)
	if in.ExpiresAt != nil {
		switch {
		case !in.ExpiresAt.After(o.now):
			return nil, validationErr("InvalidExpirationTime", "expiration must be in the future")
		case in.ExpiresAt.After(o.now.Add(MaxRequestLifetime)):
			return nil, validationErr("ExpirationTooLong", "expiration cannot exceed 7 days")
		}
		expires = in.ExpiresAt.UTC()
	}

	req := &AccessRequest{
		Patient:       in.Patient,
		Requester:     actor,
		RequesterRole: in.Role,
		Reason:        nonEmpty(in.Reason),
		RequestedAt:   o.now,
		ExpiresAt:     expires,
		Status:        RequestPending,
	}
	err := s.run(ctx, o, func(ctx context.Context) error {
		if _, err := s.activePatient(ctx, in.Patient); err != nil {
			return err
		}
		if err := s.store.Requests().Create(ctx, req); err != nil {
			return storeErr(err, errRequestExists, "create access request")
		}
		o.emit(ctx, events.RequestCreated, in.Patient, req.Key().String(), actor, map[string]any{
			"role":       string(req.RequesterRole),
			"expires_at": req.ExpiresAt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

type ApproveInput struct {
	Permissions
}

// pendingRequest loads the request a patient is responding to and checks it
// can still be answered at o.now.
func (s *Service) pendingRequest(ctx context.Context, o *op, key RequestKey) (*Patient, *AccessRequest, error) {
	p, err := s.activePatient(ctx, key.Patient)
	if err != nil {
		return nil, nil, err
	}
	req, err := s.loadRequest(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if req.Status != RequestPending {
		return nil, nil, errRequestResponded
	}
	if o.now.After(req.ExpiresAt) {
		return nil, nil, errRequestExpired
	}
	return p, req, nil
}

// ApproveRequest answers a pending request with a grant to the requester,
// carrying the requested role and the request's reason.
func (s *Service) ApproveRequest(ctx context.Context, actor string, key RequestKey, in ApproveInput) (*AccessGrant, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if key.Patient != actor {
		return nil, errUnauthorized
	}
	o := s.begin()
	if err := in.Permissions.validate(o.now); err != nil {
		return nil, err
	}

	var out *AccessGrant
	err := s.run(ctx, o, func(ctx context.Context) error {
		p, req, err := s.pendingRequest(ctx, o, key)
		if err != nil {
			return err
		}

		req.Status = RequestApproved
		req.RespondedBy = strPtr(actor)
		now := o.now
		req.RespondedAt = &now
		if err := s.store.Requests().Update(ctx, req); err != nil {
			return storeErr(err, nil, "approve access request")
		}

		var reason *string
		if req.Reason != nil {
			reason = strPtr(truncate(*req.Reason, MaxGrantReasonLen))
		}
		g, err := s.createGrant(ctx, o, p, req.Requester, req.RequesterRole, in.Permissions, reason)
		if err != nil {
			return err
		}
		if err := s.store.Patients().Update(ctx, p); err != nil {
			return storeErr(err, nil, "update patient")
		}
		o.emit(ctx, events.RequestApproved, actor, key.String(), actor, map[string]any{
			"requester": req.Requester,
			"role":      string(g.Role),
		})
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient", actor).Str("provider", key.Requester).Msg("access request approved")
	return out, nil
}

// DenyRequest answers a pending request without granting anything.
func (s *Service) DenyRequest(ctx context.Context, actor string, key RequestKey, reason *string) (*AccessRequest, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if key.Patient != actor {
		return nil, errUnauthorized
	}
	if reason != nil && tooLong(*reason, MaxDenialReasonLen) {
		return nil, validationErr("ReasonTooLong", "reason exceeds %d characters", MaxDenialReasonLen)
	}

	o := s.begin()
	var out *AccessRequest
	err := s.run(ctx, o, func(ctx context.Context) error {
		_, req, err := s.pendingRequest(ctx, o, key)
		if err != nil {
			return err
		}
		req.Status = RequestDenied
		req.RespondedBy = strPtr(actor)
		now := o.now
		req.RespondedAt = &now
		req.DenialReason = nonEmpty(reason)
		if err := s.store.Requests().Update(ctx, req); err != nil {
			return storeErr(err, nil, "deny access request")
		}
		data := map[string]any{"requester": req.Requester}
		if req.DenialReason != nil {
			data["reason"] = *req.DenialReason
		}
		o.emit(ctx, events.RequestDenied, actor, key.String(), actor, data)
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelRequest withdraws the actor's own pending request. The patient's
// account state does not matter; the slot stays taken.
func (s *Service) CancelRequest(ctx context.Context, actor string, key RequestKey) (*AccessRequest, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if key.Requester != actor {
		return nil, errUnauthorized
	}

	o := s.begin()
	var out *AccessRequest
	err := s.run(ctx, o, func(ctx context.Context) error {
		req, err := s.loadRequest(ctx, key)
		if err != nil {
			return err
		}
		if req.Status != RequestPending {
			return errRequestResponded
		}
		if o.now.After(req.ExpiresAt) {
			return errRequestExpired
		}
		req.Status = RequestCancelled
		req.RespondedBy = strPtr(actor)
		now := o.now
		req.RespondedAt = &now
		if err := s.store.Requests().Update(ctx, req); err != nil {
			return storeErr(err, nil, "cancel access request")
		}
		entry := newAuditEntry(o.now, key.Patient, actor, req.RequesterRole, ActionCancelRequest).
			withMetadata(fmt.Sprintf("Access request cancelled by requester %s", actor))
		if err := s.audit(ctx, o, entry); err != nil {
			return err
		}
		o.emit(ctx, events.RequestCancelled, key.Patient, key.String(), actor, map[string]any{
			"requester": actor,
		})
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BatchApproveFailure reports one request a batch approval could not answer.
type BatchApproveFailure struct {
	Requester string `json:"requester"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type BatchApproveResult struct {
	Approved []*AccessGrant        `json:"approved"`
	Failed   []BatchApproveFailure `json:"failed"`
}

// BatchApproveRequests approves several pending requests with the same
// permissions. Each approval commits on its own; a domain failure on one
// request is reported and the rest still go through.
func (s *Service) BatchApproveRequests(ctx context.Context, actor string, requesters []string, in ApproveInput) (*BatchApproveResult, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	switch {
	case len(requesters) == 0:
		return nil, validationErr("NoRequestsSpecified", "at least one requester is required")
	case len(requesters) > MaxProvidersPerBatch:
		return nil, errTooManyProviders
	}
	seen := make(map[string]struct{}, len(requesters))
	for i, r := range requesters {
		if r == "" {
			return nil, validationErr("RequesterRequired", "requester %d is empty", i)
		}
		if _, dup := seen[r]; dup {
			return nil, validationErr("DuplicateRequester", "requester %q listed twice", r)
		}
		seen[r] = struct{}{}
	}
	if err := in.Permissions.validate(s.now().UTC()); err != nil {
		return nil, err
	}

	res := &BatchApproveResult{
		Approved: make([]*AccessGrant, 0, len(requesters)),
		Failed:   []BatchApproveFailure{},
	}
	for _, r := range requesters {
		g, err := s.ApproveRequest(ctx, actor, RequestKey{Patient: actor, Requester: r}, in)
		if err != nil {
			var de *Error
			if !errors.As(err, &de) {
				return nil, err
			}
			res.Failed = append(res.Failed, BatchApproveFailure{Requester: r, Code: de.Code, Message: de.Msg})
			continue
		}
		res.Approved = append(res.Approved, g)
	}
	s.logger.Info().Str("patient", actor).Int("approved", len(res.Approved)).Int("failed", len(res.Failed)).Msg("batch approval finished")
	return res, nil
}

// GetRequest reads a request. Reads report a lapsed pending request as
// expired; the stored status is left alone.
func (s *Service) GetRequest(ctx context.Context, actor string, key RequestKey) (*AccessRequest, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if actor != key.Patient && actor != key.Requester {
		return nil, errUnauthorized
	}
	req, err := s.loadRequest(ctx, key)
	if err != nil {
		return nil, err
	}
	req.Status = req.EffectiveStatus(s.now().UTC())
	return req, nil
}

func (s *Service) ListRequestsForPatient(ctx context.Context, actor string, limit, offset int) ([]*AccessRequest, int, error) {
	if err := requireActor(actor); err != nil {
		return nil, 0, err
	}
	items, total, err := s.store.Requests().ListByPatient(ctx, actor, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list access requests: %w", err)
	}
	s.withEffectiveStatus(items)
	return items, total, nil
}

func (s *Service) ListRequestsByRequester(ctx context.Context, actor string, limit, offset int) ([]*AccessRequest, int, error) {
	if err := requireActor(actor); err != nil {
		return nil, 0, err
	}
	items, total, err := s.store.Requests().ListByRequester(ctx, actor, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list access requests: %w", err)
	}
	s.withEffectiveStatus(items)
	return items, total, nil
}

func (s *Service) withEffectiveStatus(items []*AccessRequest) {
	now := s.now().UTC()
	for _, r := range items {
		r.Status = r.EffectiveStatus(now)
	}
}
