// Package events carries domain notifications out of the access engine.
// Publishers are invoked only after the originating transaction committed.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Event types emitted by the access engine.
const (
	PatientDeactivated = "patient.deactivated"
	PatientReactivated = "patient.reactivated"
	RecordCreated      = "record.created"
	RecordUpdated      = "record.updated"
	RecordDeleted      = "record.deleted"
	RequestCreated     = "access_request.created"
	RequestApproved    = "access_request.approved"
	RequestDenied      = "access_request.denied"
	RequestCancelled   = "access_request.cancelled"
	GrantCreated       = "grant.created"
	GrantRevoked       = "grant.revoked"
	GrantBatchCreated  = "grant.batch_created"
	EmergencyAccessed  = "emergency.access"
)

// Event is a structured notification about a committed state change.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Type      string         `json:"type"`
	Namespace string         `json:"namespace"`
	Patient   string         `json:"patient"`
	Subject   string         `json:"subject,omitempty"`
	Actor     string         `json:"actor"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Topic is the subscription topic for the event's patient.
func (e Event) Topic() string {
	return "patient/" + e.Patient
}

// Publisher delivers events to an external consumer.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes each event as a structured log line.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	lvl := zerolog.InfoLevel
	if e.Type == EmergencyAccessed {
		lvl = zerolog.WarnLevel
	}
	p.logger.WithLevel(lvl).
		Str("event_id", e.ID.String()).
		Str("type", e.Type).
		Str("namespace", e.Namespace).
		Str("patient", e.Patient).
		Str("subject", e.Subject).
		Str("actor", e.Actor).
		Fields(e.Data).
		Msg("domain event")
	return nil
}

// RedisPublisher PUBLISHes JSON encoded events on a single channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects to the Redis instance at url and verifies it
// answers PING.
func NewRedisPublisher(ctx context.Context, url, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", e.Type, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
