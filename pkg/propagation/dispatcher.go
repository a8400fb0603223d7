package propagation

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Okossum/utilization-sub004/pkg/metrics"
	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/store"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
)

// Notifier publishes identity changes after they are stored.
type Notifier interface {
	EmitIdentityAssigned(ctx context.Context, feed models.Feed, recordID, person, personID string) error
	EmitIdentityConflict(ctx context.Context, feed models.Feed, recordID, person string, conflict models.IdentityConflict) error
}

// Projector mirrors canonical id assignments into the identity graph.
type Projector interface {
	ProjectIdentity(ctx context.Context, personID string, feed models.Feed, recordID, person string) error
}

// Dispatcher applies effects through the batcher, grouped per feed.
type Dispatcher struct {
	batcher   *store.Batcher
	notifier  Notifier
	projector Projector
	logger    ectologger.Logger
}

func NewDispatcher(batcher *store.Batcher, logger ectologger.Logger) *Dispatcher {
	return &Dispatcher{
		batcher: batcher,
		logger:  logger,
	}
}

func (d *Dispatcher) WithNotifier(n Notifier) *Dispatcher {
	d.notifier = n
	return d
}

func (d *Dispatcher) WithProjector(p Projector) *Dispatcher {
	d.projector = p
	return d
}

// Apply writes the effects and returns how many were stored. Notifications and graph
// projections follow the writes and only log their failures; the stored ids are the source
// of truth.
func (d *Dispatcher) Apply(ctx context.Context, effects []Effect) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "propagation.Dispatcher.Apply")
	defer span.End()

	if len(effects) == 0 {
		return 0, nil
	}

	var feeds []models.Feed
	byFeed := make(map[models.Feed][]Effect)
	for _, e := range effects {
		if _, ok := byFeed[e.Feed]; !ok {
			feeds = append(feeds, e.Feed)
		}
		byFeed[e.Feed] = append(byFeed[e.Feed], e)
	}

	applied := 0
	for _, feed := range feeds {
		group := byFeed[feed]
		writes := make([]store.Write, 0, len(group))
		for _, e := range group {
			writes = append(writes, e.Write())
		}

		if _, err := d.batcher.Write(ctx, feed, writes); err != nil {
			return applied, err
		}
		applied += len(group)

		for _, e := range group {
			metrics.RecordIdentityWrite(string(feed), string(e.Kind))
			d.publish(ctx, e)
		}
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"effects": applied,
		"feeds":   len(feeds),
	}).Debug("Applied identity effects")

	return applied, nil
}

func (d *Dispatcher) publish(ctx context.Context, e Effect) {
	log := d.logger.WithContext(ctx).WithFields(map[string]any{
		"feed":      e.Feed,
		"record_id": e.RecordID,
		"kind":      e.Kind,
	})

	switch e.Kind {
	case EffectAssign:
		if d.notifier != nil {
			if err := d.notifier.EmitIdentityAssigned(ctx, e.Feed, e.RecordID, e.Person, e.PersonID); err != nil {
				log.WithError(err).Warn("Failed to emit identity.assigned event")
			}
		}
		if d.projector != nil {
			if err := d.projector.ProjectIdentity(ctx, e.PersonID, e.Feed, e.RecordID, e.Person); err != nil {
				log.WithError(err).Warn("Failed to project identity into graph")
			}
		}
	case EffectConflict:
		if d.notifier != nil && e.Conflict != nil {
			if err := d.notifier.EmitIdentityConflict(ctx, e.Feed, e.RecordID, e.Person, *e.Conflict); err != nil {
				log.WithError(err).Warn("Failed to emit identity.conflict event")
			}
		}
	}
}
