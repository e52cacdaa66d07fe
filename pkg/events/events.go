// Package events publishes pipeline audit events. Sinks never fail the
// pipeline: delivery errors are logged and dropped.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

type Type string

const (
	UploadAccepted    Type = "upload_accepted"
	DuplicateDetected Type = "duplicate_detected"
	StageTransition   Type = "stage_transition"
	TerminalState     Type = "terminal_state"
)

type Event struct {
	ID                   string            `json:"id"`
	Type                 Type              `json:"type"`
	TenantID             string            `json:"tenantId"`
	DocumentID           string            `json:"documentId"`
	ProcessingDocumentID string            `json:"processingDocumentId,omitempty"`
	Summary              string            `json:"summary"`
	At                   time.Time         `json:"at"`
	Attributes           map[string]string `json:"attributes,omitempty"`
}

type Sink interface {
	Emit(ctx context.Context, e Event)
}

// New stamps id and time on an event.
func New(t Type, tenantID, documentID, pdID, summary string) Event {
	return Event{
		ID:                   uuid.NewString(),
		Type:                 t,
		TenantID:             tenantID,
		DocumentID:           documentID,
		ProcessingDocumentID: pdID,
		Summary:              summary,
		At:                   time.Now().UTC(),
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger logger.Logger
}

func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{logger: log.Named("events")}
}

func (s *LogSink) Emit(ctx context.Context, e Event) {
	fields := []logger.Field{
		logger.String("event", string(e.Type)),
		logger.String("tenant_id", e.TenantID),
		logger.String("document_id", e.DocumentID),
		logger.String("summary", e.Summary),
	}
	if e.ProcessingDocumentID != "" {
		fields = append(fields, logger.String("processing_document_id", e.ProcessingDocumentID))
	}
	for k, v := range e.Attributes {
		fields = append(fields, logger.String(k, v))
	}
	s.logger.Info("Pipeline event", fields...)
}

// RedisSink publishes events as JSON on a pub/sub channel.
type RedisSink struct {
	rdb     redis.UniversalClient
	channel string
	logger  logger.Logger
}

func NewRedisSink(rdb redis.UniversalClient, channel string, log logger.Logger) *RedisSink {
	return &RedisSink{rdb: rdb, channel: channel, logger: log.Named("events.redis")}
}

func (s *RedisSink) Emit(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("Failed to marshal event", logger.Error(err))
		return
	}
	if err := s.rdb.Publish(ctx, s.channel, data).Err(); err != nil {
		s.logger.Warn("Failed to publish event",
			logger.String("channel", s.channel),
			logger.String("event", string(e.Type)),
			logger.Error(err),
		)
	}
}

// CloudEventsSink posts events to an HTTP endpoint in CloudEvents binary mode.
type CloudEventsSink struct {
	client cloudevents.Client
	target string
	source string
	logger logger.Logger
}

func NewCloudEventsSink(target, source string, log logger.Logger) (*CloudEventsSink, error) {
	c, err := cloudevents.NewClientHTTP()
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudevents client: %w", err)
	}
	return &CloudEventsSink{client: c, target: target, source: source, logger: log.Named("events.cloudevents")}, nil
}

// ToCloudEvent maps e onto a CloudEvent. Tenant and document ids travel as
// extensions so receivers can route without decoding the body.
func ToCloudEvent(e Event, source string) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(e.ID)
	ce.SetType("com.ingest.pipeline." + string(e.Type))
	ce.SetSource(source)
	ce.SetTime(e.At)
	ce.SetSubject(e.DocumentID)
	ce.SetExtension("tenantid", e.TenantID)
	if e.ProcessingDocumentID != "" {
		ce.SetExtension("processingdocumentid", e.ProcessingDocumentID)
	}
	if err := ce.SetData(cloudevents.ApplicationJSON, e); err != nil {
		return ce, fmt.Errorf("failed to encode event data: %w", err)
	}
	return ce, nil
}

func (s *CloudEventsSink) Emit(ctx context.Context, e Event) {
	ce, err := ToCloudEvent(e, s.source)
	if err != nil {
		s.logger.Error("Failed to build cloud event", logger.Error(err))
		return
	}
	result := s.client.Send(cloudevents.ContextWithTarget(ctx, s.target), ce)
	if !cloudevents.IsACK(result) {
		s.logger.Warn("Cloud event not acknowledged",
			logger.String("target", s.target),
			logger.String("event", string(e.Type)),
			logger.Error(result),
		)
	}
}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, Event) {}

// Recorder keeps events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(ctx context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
