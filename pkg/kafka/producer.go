package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

const (
	EventJobStarted   = "sync.job.started"
	EventJobCompleted = "sync.job.completed"
	EventJobCancelled = "sync.job.cancelled"
	EventJobFailed    = "sync.job.failed"
)

type Config struct {
	Brokers []string
	Topic   string
}

// ParseConfig splits a comma-separated broker list.
func ParseConfig(brokers string, topic string) Config {
	list := strings.Split(brokers, ",")
	for i := range list {
		list[i] = strings.TrimSpace(list[i])
	}
	return Config{Brokers: list, Topic: topic}
}

// JobEvent is a sync job lifecycle notification for downstream consumers.
type JobEvent struct {
	Type            string    `json:"type"`
	TenantID        string    `json:"tenant_id"`
	JobID           string    `json:"job_id"`
	Status          string    `json:"status"`
	Trigger         string    `json:"trigger,omitempty"`
	DateFrom        string    `json:"date_from"`
	DateTo          string    `json:"date_to"`
	CompletedChunks int       `json:"completed_chunks"`
	TotalChunks     int       `json:"total_chunks"`
	CompletedGuids  int       `json:"completed_guids"`
	TotalGuids      int       `json:"total_guids"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	TraceID         string    `json:"trace_id,omitempty"`
}

// Publisher emits job events. Implementations must not block the job on
// broker outages for longer than the caller's context allows.
type Publisher interface {
	PublishJobEvent(ctx context.Context, evt *JobEvent) error
}

type Producer struct {
	writer *kafka.Writer
	logger ectologger.Logger
	topic  string
}

func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			BatchSize:              100,
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
		topic:  cfg.Topic,
	}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// PublishJobEvent keys messages by tenant so one tenant's events stay ordered.
func (p *Producer) PublishJobEvent(ctx context.Context, evt *JobEvent) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishJobEvent")
	defer span.End()

	if evt == nil {
		return fmt.Errorf("job event is nil")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.TraceID = tracing.GetTraceID(ctx)

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("tenant_id", evt.TenantID),
		attribute.String("job_id", evt.JobID),
	)

	data, err := json.Marshal(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal event")
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	headers := []kafka.Header{
		{Key: "tenant_id", Value: []byte(evt.TenantID)},
		{Key: "job_id", Value: []byte(evt.JobID)},
		{Key: "type", Value: []byte(evt.Type)},
	}
	for key, value := range tracing.Carrier(ctx) {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(evt.TenantID),
		Value:   data,
		Headers: headers,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish event")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish job event to Kafka topic %s", p.topic)
		return err
	}

	p.logger.WithContext(ctx).Debugf("Published %s for job %s", evt.Type, evt.JobID)
	return nil
}

// Discard drops every event; used when Kafka is disabled.
type Discard struct{}

func (Discard) PublishJobEvent(context.Context, *JobEvent) error { return nil }
