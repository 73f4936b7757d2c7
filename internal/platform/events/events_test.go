package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type recordingPublisher struct {
	got []Event
	err error
}

func (r *recordingPublisher) Publish(_ context.Context, e Event) error {
	r.got = append(r.got, e)
	return r.err
}

func TestEvent_Topic(t *testing.T) {
	e := Event{Patient: "alice"}
	if got := e.Topic(); got != "patient/alice" {
		t.Errorf("expected topic patient/alice, got %q", got)
	}
}

func TestMulti_PublishesToAll(t *testing.T) {
	a := &recordingPublisher{}
	b := &recordingPublisher{}
	m := Multi{a, b}

	if err := m.Publish(context.Background(), Event{Type: RecordCreated}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("expected each publisher to receive 1 event, got %d and %d", len(a.got), len(b.got))
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ok := &recordingPublisher{}
	bad := &recordingPublisher{err: boom}
	m := Multi{bad, ok}

	err := m.Publish(context.Background(), Event{Type: GrantRevoked})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error to contain boom, got %v", err)
	}
	if len(ok.got) != 1 {
		t.Error("expected later publishers to still receive the event")
	}
}

func TestLogPublisher_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(zerolog.New(&buf))

	e := Event{
		ID:        uuid.New(),
		Type:      EmergencyAccessed,
		Namespace: "default",
		Patient:   "alice",
		Subject:   "alice/rx-1",
		Actor:     "medic",
		Timestamp: time.Now(),
		Data:      map[string]any{"justification": "cardiac arrest"},
	}
	if err := p.Publish(context.Background(), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["level"] != "warn" {
		t.Errorf("expected emergency events at warn level, got %v", line["level"])
	}
	if line["type"] != EmergencyAccessed {
		t.Errorf("expected type %q, got %v", EmergencyAccessed, line["type"])
	}
	if line["justification"] != "cardiac arrest" {
		t.Errorf("expected data fields to be flattened, got %v", line["justification"])
	}
}

func TestNewRedisPublisher_InvalidURL(t *testing.T) {
	_, err := NewRedisPublisher(context.Background(), "not-a-url", "consentd.events")
	if err == nil {
		t.Fatal("expected error for invalid redis url")
	}
	if !strings.Contains(err.Error(), "parse redis url") {
		t.Errorf("unexpected error: %v", err)
	}
}
