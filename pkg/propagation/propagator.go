// Package propagation spreads canonical person ids from the authoritative feed to the
// dependent feeds.
//
// The propagator reacts to one written record at a time. For a dependent record it looks the
// person up in the authoritative feed (inbound); for an authoritative record it pushes the id to
// the matching dependent records (outbound). It only describes writes as Effects. Writes that
// would not change anything are never produced, which is what stops the write-triggered event
// chain: an id that is already set, or a conflict that is already attached, yields no effect.
package propagation

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Okossum/utilization-sub004/pkg/matching"
	"github.com/Okossum/utilization-sub004/pkg/metrics"
	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/normalizers"
	"github.com/Okossum/utilization-sub004/pkg/store"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
)

type Config struct {
	// MintIDs gives latest authoritative records without a canonical id one, reusing the id
	// already settled for the same competence center and person.
	MintIDs bool
}

func DefaultConfig() Config {
	return Config{MintIDs: true}
}

// Resolver looks a person up in the authoritative feed.
type Resolver interface {
	Resolve(ctx context.Context, competenceCenter, person string) (matching.Resolution, error)
}

type Propagator struct {
	resolver Resolver
	store    store.RecordStore
	logger   ectologger.Logger
	cfg      Config
	now      func() time.Time
	newID    func() string
}

func NewPropagator(resolver Resolver, recordStore store.RecordStore, logger ectologger.Logger, cfg Config) *Propagator {
	return &Propagator{
		resolver: resolver,
		store:    recordStore,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// WithClock replaces the time source, for tests.
func (p *Propagator) WithClock(now func() time.Time) *Propagator {
	p.now = now
	return p
}

// WithIDGenerator replaces the canonical id generator, for tests.
func (p *Propagator) WithIDGenerator(newID func() string) *Propagator {
	p.newID = newID
	return p
}

// OnRecordWritten returns the effects a written record causes. before is nil for inserts and
// after is nil for deletes, which cause nothing. A read failure aborts the event and is returned
// so the caller can retry it.
func (p *Propagator) OnRecordWritten(ctx context.Context, feed models.Feed, before, after *models.FeedRecord) ([]Effect, error) {
	ctx, span := tracing.StartSpan(ctx, "propagation.Propagator.OnRecordWritten")
	defer span.End()

	if after == nil {
		metrics.RecordPropagation(string(feed), "ignored_delete")
		return nil, nil
	}

	if feed.IsAuthoritative() {
		return p.outbound(ctx, after)
	}
	effect, err := p.inbound(ctx, feed, after)
	if err != nil || effect == nil {
		return nil, err
	}
	return []Effect{*effect}, nil
}

func (p *Propagator) inbound(ctx context.Context, feed models.Feed, record *models.FeedRecord) (*Effect, error) {
	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"feed":              feed,
		"record_id":         record.ID,
		"person":            record.Person,
		"competence_center": record.CompetenceCenter,
	})

	if normalizers.PersonKey(record.Person) == "" {
		metrics.RecordPropagation(string(feed), "no_person")
		return nil, nil
	}

	resolution, err := p.resolver.Resolve(ctx, record.CompetenceCenter, record.Person)
	if err != nil {
		metrics.RecordPropagation(string(feed), "error")
		return nil, fmt.Errorf("inbound propagation for %s record %s: %w", feed, record.ID, err)
	}
	metrics.RecordResolution(string(resolution.Status))

	switch resolution.Status {
	case matching.StatusNotFound:
		log.Info("No canonical id found for person")
		metrics.RecordPropagation(string(feed), "not_found")
		return nil, nil
	case matching.StatusAmbiguous:
		log.Warn("Person matches several authoritative records; canonical id not assigned")
		metrics.RecordPropagation(string(feed), "ambiguous")
		return nil, nil
	}

	incoming := resolution.PersonID
	current := record.CanonicalID()

	switch {
	case record.CanonicalPersonID == nil:
		metrics.RecordPropagation(string(feed), "assigned")
		return &Effect{
			Kind:     EffectAssign,
			Feed:     feed,
			RecordID: record.ID,
			Person:   record.Person,
			PersonID: incoming,
			SetAt:    p.now(),
		}, nil
	case current == incoming:
		metrics.RecordPropagation(string(feed), "unchanged")
		return nil, nil
	case record.HasConflict(current, incoming):
		metrics.RecordPropagation(string(feed), "conflict_known")
		return nil, nil
	default:
		log.WithFields(map[string]any{
			"previous_id": current,
			"incoming_id": incoming,
		}).Warn("Canonical id conflict; keeping existing id")
		metrics.RecordPropagation(string(feed), "conflict")
		return p.conflict(feed, record, incoming, models.ConflictSourceInbound), nil
	}
}

func (p *Propagator) outbound(ctx context.Context, record *models.FeedRecord) ([]Effect, error) {
	feed := models.AuthoritativeFeed

	// superseded rows are being retired; their id must not reach the dependent feeds
	if !record.IsLatest {
		metrics.RecordPropagation(string(feed), "superseded")
		return nil, nil
	}

	if record.CanonicalPersonID == nil {
		if !p.cfg.MintIDs || normalizers.PersonKey(record.Person) == "" {
			metrics.RecordPropagation(string(feed), "no_id")
			return nil, nil
		}
		effect, err := p.mint(ctx, record)
		if err != nil {
			metrics.RecordPropagation(string(feed), "error")
			return nil, err
		}
		metrics.RecordPropagation(string(feed), "minted")
		return []Effect{effect}, nil
	}

	personKey := normalizers.PersonKey(record.Person)
	if personKey == "" {
		metrics.RecordPropagation(string(feed), "no_person")
		return nil, nil
	}
	incoming := record.CanonicalID()

	var effects []Effect
	for _, dependent := range models.DependentFeeds {
		targets, err := p.store.Query(ctx, dependent, store.Filter{
			PersonKey:        personKey,
			CompetenceCenter: record.CompetenceCenter,
			LatestOnly:       true,
		})
		if err != nil {
			metrics.RecordPropagation(string(feed), "error")
			return nil, fmt.Errorf("outbound propagation to %s for record %s: %w", dependent, record.ID, err)
		}

		for _, target := range targets {
			current := target.CanonicalID()
			switch {
			case target.CanonicalPersonID == nil:
				effects = append(effects, Effect{
					Kind:     EffectAssign,
					Feed:     dependent,
					RecordID: target.ID,
					Person:   target.Person,
					PersonID: incoming,
					SetAt:    p.now(),
				})
			case current == incoming, target.HasConflict(current, incoming):
				// already correct or already flagged
			default:
				p.logger.WithContext(ctx).WithFields(map[string]any{
					"feed":        dependent,
					"record_id":   target.ID,
					"previous_id": current,
					"incoming_id": incoming,
				}).Warn("Canonical id conflict on dependent record; keeping existing id")
				effects = append(effects, *p.conflict(dependent, target, incoming, models.ConflictSourceOutbound))
			}
		}
	}

	outcome := "unchanged"
	if len(effects) > 0 {
		outcome = "outbound"
	}
	metrics.RecordPropagation(string(feed), outcome)
	return effects, nil
}

// mint reuses the id already settled for the same competence center and person, or
// generates a new one.
func (p *Propagator) mint(ctx context.Context, record *models.FeedRecord) (Effect, error) {
	settled, err := p.store.Query(ctx, models.AuthoritativeFeed, store.Filter{
		PersonKey:      normalizers.PersonKey(record.Person),
		HasCanonicalID: true,
	})
	if err != nil {
		return Effect{}, fmt.Errorf("look up settled id for record %s: %w", record.ID, err)
	}

	personID := ""
	for _, s := range settled {
		if s.ID != record.ID && normalizers.CompetenceCenter(s.CompetenceCenter) == normalizers.CompetenceCenter(record.CompetenceCenter) {
			personID = s.CanonicalID()
			break
		}
	}
	if personID == "" {
		personID = p.newID()
		p.logger.WithContext(ctx).WithFields(map[string]any{
			"record_id":           record.ID,
			"person":              record.Person,
			"canonical_person_id": personID,
		}).Info("Minted canonical person id")
	}

	return Effect{
		Kind:     EffectAssign,
		Feed:     models.AuthoritativeFeed,
		RecordID: record.ID,
		Person:   record.Person,
		PersonID: personID,
		SetAt:    p.now(),
	}, nil
}

func (p *Propagator) conflict(feed models.Feed, record *models.FeedRecord, incoming string, source models.ConflictSource) *Effect {
	return &Effect{
		Kind:     EffectConflict,
		Feed:     feed,
		RecordID: record.ID,
		Person:   record.Person,
		PersonID: incoming,
		Conflict: &models.IdentityConflict{
			PreviousID: record.CanonicalID(),
			IncomingID: incoming,
			DetectedAt: p.now(),
			Source:     source,
		},
	}
}
