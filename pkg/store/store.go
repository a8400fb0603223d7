// Package store defines the persistence contract the identity and consolidation engines run against.
//
// The engines never talk to a database directly. They read feed records through Query, describe
// their writes as Write values and hand them to BatchWrite, which applies one batch atomically.
// The Postgres repositories and the in-memory MemoryStore both implement these interfaces.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Okossum/utilization-sub004/pkg/models"
)

var ErrUnknownFeed = errors.New("unknown feed")

// ErrRecordNotFound is returned when a replace or merge names a record id the store does not hold.
var ErrRecordNotFound = errors.New("record not found")

// Filter selects feed records. Zero values do not filter.
type Filter struct {
	PersonKey string
	// CompetenceCenter is compared after normalizers.CompetenceCenter on both sides.
	CompetenceCenter  string
	CanonicalPersonID string
	// HasCanonicalID keeps only records with a non-null canonical id.
	HasCanonicalID bool
	// HasConflicts keeps only records with at least one identity conflict attached.
	HasConflicts bool
	LatestOnly   bool
	Limit        int
}

type WriteKind string

const (
	// WriteInsert creates Write.Record. An empty id is assigned by the store.
	WriteInsert WriteKind = "insert"
	// WriteReplace overwrites the data fields of RecordID with Write.Record.
	// Identity fields (canonical id, set-timestamp, conflicts) are kept.
	WriteReplace WriteKind = "replace"
	// WriteMerge applies Write.Patch to RecordID.
	WriteMerge WriteKind = "merge"
)

// RecordPatch is a partial update. Nil fields are left untouched.
type RecordPatch struct {
	// CanonicalPersonID and CanonicalPersonIDSetAt are applied only to records without an id.
	CanonicalPersonID      *string
	CanonicalPersonIDSetAt *time.Time
	IsLatest               *bool
	// AppendConflict is added to the record's conflicts unless an identical
	// (previous, incoming) pair is already attached.
	AppendConflict *models.IdentityConflict
}

// Write describes a single record write.
type Write struct {
	Kind     WriteKind
	RecordID string
	Record   *models.FeedRecord
	Patch    *RecordPatch
}

func Insert(record *models.FeedRecord) Write {
	return Write{Kind: WriteInsert, Record: record}
}

func Replace(recordID string, record *models.FeedRecord) Write {
	return Write{Kind: WriteReplace, RecordID: recordID, Record: record}
}

func Merge(recordID string, patch RecordPatch) Write {
	return Write{Kind: WriteMerge, RecordID: recordID, Patch: &patch}
}

// RecordStore reads and writes feed records.
type RecordStore interface {
	// Query returns matching records ordered by person key, then upload version descending.
	Query(ctx context.Context, feed models.Feed, filter Filter) ([]*models.FeedRecord, error)
	// BatchWrite applies all writes atomically. Callers keep batches within the store's write limit.
	BatchWrite(ctx context.Context, feed models.Feed, writes []Write) error
	// NextUploadVersion reserves the next upload version of the feed. A reserved version is
	// never handed out again, even when the upload using it writes nothing.
	NextUploadVersion(ctx context.Context, feed models.Feed) (int, error)
}

// ConsolidatedStore persists consolidated per-person-week rows.
type ConsolidatedStore interface {
	// MarkAllNotLatest flags every currently latest row as not latest and returns how many changed.
	MarkAllNotLatest(ctx context.Context) (int64, error)
	// UpsertBatch inserts or replaces rows keyed by (person key, iso year, iso week).
	UpsertBatch(ctx context.Context, rows []models.ConsolidatedWeekRecord) error
	// List returns rows ordered by person key, iso year, iso week.
	List(ctx context.Context, filter models.ConsolidatedFilter) ([]models.ConsolidatedWeekRecord, error)
}

func validFeed(feed models.Feed) bool {
	for _, f := range models.AllFeeds {
		if f == feed {
			return true
		}
	}
	return false
}

// ValidateFeed returns ErrUnknownFeed for feeds outside models.AllFeeds.
func ValidateFeed(feed models.Feed) error {
	if !validFeed(feed) {
		return ErrUnknownFeed
	}
	return nil
}
