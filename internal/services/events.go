package services

import (
	"context"
	"sync"

	"fincore/internal/amqp"
	"fincore/internal/log"
)

// EventSink receives best-effort notifications. A failing sink never
// aborts or rolls back the operation that produced the event.
type EventSink interface {
	PublishEvent(ctx context.Context, e *amqp.Event) error
}

var _ EventSink = (*amqp.Client)(nil)

// NopSink drops every event.
type NopSink struct{}

func (NopSink) PublishEvent(context.Context, *amqp.Event) error { return nil }

// RecordingSink keeps published events in memory.
type RecordingSink struct {
	mu     sync.Mutex
	events []amqp.Event
}

func (s *RecordingSink) PublishEvent(_ context.Context, e *amqp.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

// Events returns a copy of what was published so far.
func (s *RecordingSink) Events() []amqp.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]amqp.Event(nil), s.events...)
}

// OfType filters Events by type.
func (s *RecordingSink) OfType(t amqp.EventType) []amqp.Event {
	var out []amqp.Event
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func publish(ctx context.Context, sink EventSink, logger *log.Logger, e *amqp.Event) {
	if sink == nil {
		return
	}
	if err := sink.PublishEvent(ctx, e); err != nil {
		logger.WarnContext(ctx, "Failed to publish event",
			"event_type", e.Type,
			log.FieldOperation, log.OpPublish,
			log.FieldError, err)
	}
}
