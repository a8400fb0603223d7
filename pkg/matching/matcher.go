// Package matching resolves a (competence center, person) pair to the canonical person id
// held by the authoritative feed.
package matching

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/normalizers"
	"github.com/Okossum/utilization-sub004/pkg/store"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
)

type Status string

const (
	StatusResolved  Status = "resolved"
	StatusNotFound  Status = "not_found"
	StatusAmbiguous Status = "ambiguous"
)

// Resolution is the outcome of a lookup. PersonID is set only when Status is StatusResolved.
type Resolution struct {
	Status   Status
	PersonID string
}

func (r Resolution) Resolved() bool {
	return r.Status == StatusResolved
}

// Matcher looks up canonical ids in the authoritative feed.
type Matcher struct {
	store  store.RecordStore
	logger ectologger.Logger
}

func NewMatcher(recordStore store.RecordStore, logger ectologger.Logger) *Matcher {
	return &Matcher{
		store:  recordStore,
		logger: logger,
	}
}

// Resolve finds the canonical id for a person.
//
// With a competence center, the latest authoritative record with the same center and person
// that carries an id wins. Without one, or when that finds nothing, the person alone must
// identify exactly one latest authoritative record; two or more is ambiguous and a single
// record without an id is not found. Read failures are returned unchanged.
func (m *Matcher) Resolve(ctx context.Context, competenceCenter, person string) (Resolution, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Matcher.Resolve")
	defer span.End()

	personKey := normalizers.PersonKey(person)
	if personKey == "" {
		return Resolution{Status: StatusNotFound}, nil
	}
	competenceCenter = normalizers.CompetenceCenter(competenceCenter)

	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"person_key":        personKey,
		"competence_center": competenceCenter,
	})

	if competenceCenter != "" {
		records, err := m.store.Query(ctx, models.AuthoritativeFeed, store.Filter{
			PersonKey:        personKey,
			CompetenceCenter: competenceCenter,
			HasCanonicalID:   true,
			LatestOnly:       true,
			Limit:            1,
		})
		if err != nil {
			log.WithError(err).Error("Failed to query authoritative records by competence center")
			return Resolution{}, fmt.Errorf("resolve %q in %q: %w", personKey, competenceCenter, err)
		}
		if len(records) > 0 {
			return Resolution{Status: StatusResolved, PersonID: records[0].CanonicalID()}, nil
		}
	}

	records, err := m.store.Query(ctx, models.AuthoritativeFeed, store.Filter{
		PersonKey:  personKey,
		LatestOnly: true,
		Limit:      2,
	})
	if err != nil {
		log.WithError(err).Error("Failed to query authoritative records by person")
		return Resolution{}, fmt.Errorf("resolve %q: %w", personKey, err)
	}

	switch {
	case len(records) == 0:
		return Resolution{Status: StatusNotFound}, nil
	case len(records) > 1:
		log.Debug("Person matches more than one authoritative record")
		return Resolution{Status: StatusAmbiguous}, nil
	case records[0].CanonicalPersonID == nil:
		return Resolution{Status: StatusNotFound}, nil
	default:
		return Resolution{Status: StatusResolved, PersonID: records[0].CanonicalID()}, nil
	}
}
