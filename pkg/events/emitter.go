// Package events publishes identity, upload and consolidation events to Kafka.
package events

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Okossum/utilization-sub004/pkg/consolidation"
	appctx "github.com/Okossum/utilization-sub004/pkg/context"
	"github.com/Okossum/utilization-sub004/pkg/kafka"
	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
	"github.com/Okossum/utilization-sub004/pkg/versioning"
)

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	PublishEvent(ctx context.Context, event kafka.OutgoingEvent) error
}

// Emitter implements the notifier interfaces of the propagation, versioning and
// consolidation packages.
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
	now       func() time.Time
}

func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (e *Emitter) EmitIdentityAssigned(ctx context.Context, feed models.Feed, recordID, person, personID string) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitIdentityAssigned")
	defer span.End()

	event := IdentityAssignedEvent{
		BaseEvent: newBaseEvent(EventTypeIdentityAssigned, appctx.GetRequestID(ctx), e.now()),
		Feed:      feed,
		RecordID:  recordID,
		Person:    person,
		PersonID:  personID,
	}
	return e.publish(ctx, recordID, event.EventType, event)
}

func (e *Emitter) EmitIdentityConflict(ctx context.Context, feed models.Feed, recordID, person string, conflict models.IdentityConflict) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitIdentityConflict")
	defer span.End()

	event := IdentityConflictEvent{
		BaseEvent: newBaseEvent(EventTypeIdentityConflict, appctx.GetRequestID(ctx), e.now()),
		Feed:      feed,
		RecordID:  recordID,
		Person:    person,
		Conflict:  conflict,
	}
	return e.publish(ctx, recordID, event.EventType, event)
}

func (e *Emitter) EmitUploadApplied(ctx context.Context, result versioning.Result) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitUploadApplied")
	defer span.End()

	event := UploadAppliedEvent{
		BaseEvent: newBaseEvent(EventTypeUploadApplied, appctx.GetRequestID(ctx), e.now()),
		Result:    result,
	}
	return e.publish(ctx, string(result.Feed), event.EventType, event)
}

func (e *Emitter) EmitConsolidationCompleted(ctx context.Context, result consolidation.Result) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitConsolidationCompleted")
	defer span.End()

	event := ConsolidationCompletedEvent{
		BaseEvent: newBaseEvent(EventTypeConsolidationCompleted, appctx.GetRequestID(ctx), e.now()),
		Result:    result,
	}
	return e.publish(ctx, result.RunID, event.EventType, event)
}

func (e *Emitter) publish(ctx context.Context, key string, eventType EventType, payload any) error {
	err := e.publisher.PublishEvent(ctx, kafka.OutgoingEvent{
		Key:       key,
		EventType: string(eventType),
		Payload:   payload,
	})
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("event_type", eventType).Errorf("Failed to emit %s event", eventType)
		return err
	}
	return nil
}
