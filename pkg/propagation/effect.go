package propagation

import (
	"time"

	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/store"
)

type EffectKind string

const (
	// EffectAssign sets the canonical id and its set-timestamp on a record without one.
	EffectAssign EffectKind = "assign"
	// EffectConflict attaches an identity conflict and leaves the existing id in place.
	EffectConflict EffectKind = "conflict"
)

// Effect is a write the propagator wants applied. Effects are plain values so the
// propagator stays free of write side effects and can be tested on its own.
type Effect struct {
	Kind     EffectKind
	Feed     models.Feed
	RecordID string
	Person   string
	PersonID string
	SetAt    time.Time
	Conflict *models.IdentityConflict
}

// Write converts the effect into a store merge.
func (e Effect) Write() store.Write {
	switch e.Kind {
	case EffectConflict:
		conflict := *e.Conflict
		return store.Merge(e.RecordID, store.RecordPatch{AppendConflict: &conflict})
	default:
		personID := e.PersonID
		setAt := e.SetAt
		return store.Merge(e.RecordID, store.RecordPatch{
			CanonicalPersonID:      &personID,
			CanonicalPersonIDSetAt: &setAt,
		})
	}
}
