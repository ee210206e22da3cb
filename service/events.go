package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Real-time event names
const (
	EventDocumentUpdated   = "documentUpdated"
	EventDocumentReleased  = "documentReleased"
	EventDocumentCompleted = "documentCompleted"
	EventDocumentRestored  = "documentRestored"
	EventDocumentShared    = "documentShared"
)

// EventSink broadcasts document events to real-time subscribers
type EventSink interface {
	Emit(ctx context.Context, event string, payload any) error
}

// EventEnvelope is the wire shape published for every event
type EventEnvelope struct {
	Event     string    `json:"event"`
	Payload   any       `json:"payload"`
	EmittedAt time.Time `json:"emitted_at"`
}

// RedisEventSink publishes events on a redis pub/sub channel
type RedisEventSink struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.Logger
}

func NewRedisEventSink(client redis.UniversalClient, channel string, logger *zap.Logger) *RedisEventSink {
	return &RedisEventSink{
		client:  client,
		channel: channel,
		logger:  logger.With(zap.String("service", "events")),
	}
}

// Channel is the pub/sub channel events are published on
func (s *RedisEventSink) Channel() string {
	return s.channel + ":events"
}

func (s *RedisEventSink) Emit(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(EventEnvelope{Event: event, Payload: payload, EmittedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	receivers, err := s.client.Publish(ctx, s.Channel(), data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event, err)
	}
	s.logger.Debug("event published", zap.String("event", event), zap.Int64("receivers", receivers))
	return nil
}

// LogEventSink writes events to the log only
type LogEventSink struct {
	logger *zap.Logger
}

func NewLogEventSink(logger *zap.Logger) *LogEventSink {
	return &LogEventSink{logger: logger.With(zap.String("service", "events"))}
}

func (s *LogEventSink) Emit(ctx context.Context, event string, payload any) error {
	s.logger.Info("event", zap.String("event", event), zap.Any("payload", payload))
	return nil
}

// NopEventSink drops every event
type NopEventSink struct{}

func (NopEventSink) Emit(context.Context, string, any) error { return nil }
