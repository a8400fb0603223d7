// Package processor turns feed table CDC events into identity propagation.
//
// One Processor handles the topic of one feed table. Every create, update or snapshot read
// is handed to the propagator and the resulting effects are written through the dispatcher.
// The writes produce new CDC events, which run through the same path until the "no-op if
// already correct" rules stop the cascade.
package processor

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Okossum/utilization-sub004/internal/repositories/feedrecord"
	appctx "github.com/Okossum/utilization-sub004/pkg/context"
	"github.com/Okossum/utilization-sub004/pkg/kafka"
	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/propagation"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
)

// EffectSource computes identity effects for a record write. *propagation.Propagator implements it.
type EffectSource interface {
	OnRecordWritten(ctx context.Context, feed models.Feed, before, after *models.FeedRecord) ([]propagation.Effect, error)
}

// EffectSink applies identity effects. *propagation.Dispatcher implements it.
type EffectSink interface {
	Apply(ctx context.Context, effects []propagation.Effect) (int, error)
}

type Processor struct {
	feed       models.Feed
	propagator EffectSource
	dispatcher EffectSink
	logger     ectologger.Logger
}

func NewProcessor(feed models.Feed, propagator EffectSource, dispatcher EffectSink, logger ectologger.Logger) *Processor {
	return &Processor{
		feed:       feed,
		propagator: propagator,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (p *Processor) Feed() models.Feed {
	return p.feed
}

// ProcessMessage handles one Debezium event. Malformed events are logged and skipped; store
// failures are returned so the message is not committed and gets retried.
func (p *Processor) ProcessMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.ProcessMessage")
	defer span.End()

	if msg.IsTombstone() {
		return nil
	}

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":  msg.Topic,
		"offset": msg.Offset,
	})

	envelope, err := kafka.ParseDebeziumMessage(msg.Value)
	if err != nil {
		log.WithError(err).Error("Failed to parse Debezium message, skipping")
		return nil
	}
	payload := &envelope.Payload

	if payload.IsDelete() {
		log.WithField("table", payload.Source.Table).Debug("Skipping delete event")
		return nil
	}

	feed := p.feed
	if table := payload.Source.Table; table != "" {
		tableFeed, ok := feedrecord.FeedForTable(table)
		if !ok {
			log.WithField("table", table).Warn("CDC event for unknown table, skipping")
			return nil
		}
		if tableFeed != feed {
			log.WithFields(map[string]any{
				"table":         table,
				"expected_feed": feed,
			}).Warn("CDC event table does not match the consumer feed, using the table's feed")
			feed = tableFeed
		}
	}
	ctx = appctx.SetFeed(ctx, string(feed))

	before, after, err := payload.ParseFeedRecords(feed)
	if err != nil {
		log.WithError(err).Error("Failed to decode feed record images, skipping")
		return nil
	}

	effects, err := p.propagator.OnRecordWritten(ctx, feed, before, after)
	if err != nil {
		log.WithError(err).Error("Identity propagation failed")
		return err
	}

	applied, err := p.dispatcher.Apply(ctx, effects)
	if err != nil {
		log.WithError(err).WithField("applied", applied).Error("Failed to apply identity effects")
		return err
	}

	if applied > 0 {
		log.WithFields(map[string]any{
			"feed":    feed,
			"op":      payload.Op,
			"applied": applied,
		}).Info("Applied identity effects from CDC event")
	}
	return nil
}
