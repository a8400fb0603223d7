package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/normalizers"
	"github.com/Okossum/utilization-sub004/pkg/weekkey"
)

// Change is one record write observed by MemoryStore, shaped like a CDC event.
type Change struct {
	Feed   models.Feed
	Before *models.FeedRecord
	After  *models.FeedRecord
}

type consolidatedKey struct {
	personKey string
	week      weekkey.WeekKey
}

// MemoryStore is an in-process RecordStore and ConsolidatedStore used by tests and dry runs.
// Every successful write is appended to a change log that Drain hands out, which lets callers
// replay writes through the propagator the way CDC would.
type MemoryStore struct {
	mu           sync.Mutex
	records      map[models.Feed]map[string]*models.FeedRecord
	consolidated map[consolidatedKey]models.ConsolidatedWeekRecord
	versions     map[models.Feed]int
	changes      []Change
	now          func() time.Time

	// QueryErr, when set, is returned by every Query call.
	QueryErr error
	// WriteErr, when set, is returned by every BatchWrite call.
	WriteErr error
	// BatchCalls counts successful BatchWrite calls.
	BatchCalls int
	// WriteCount counts individual writes that changed a record.
	WriteCount int
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		records:      make(map[models.Feed]map[string]*models.FeedRecord),
		consolidated: make(map[consolidatedKey]models.ConsolidatedWeekRecord),
		versions:     make(map[models.Feed]int),
		now:          time.Now,
	}
	for _, f := range models.AllFeeds {
		s.records[f] = make(map[string]*models.FeedRecord)
	}
	return s
}

// SetClock replaces the time source used for timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Seed stores records without recording changes.
func (s *MemoryStore) Seed(records ...*models.FeedRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		c := r.Clone()
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		s.records[c.Feed][c.ID] = c
	}
}

// Get returns a copy of one record.
func (s *MemoryStore) Get(feed models.Feed, id string) (*models.FeedRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[feed][id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Drain returns and clears the change log.
func (s *MemoryStore) Drain() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	changes := s.changes
	s.changes = nil
	return changes
}

func (s *MemoryStore) Query(_ context.Context, feed models.Feed, filter Filter) ([]*models.FeedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	records, ok := s.records[feed]
	if !ok {
		return nil, ErrUnknownFeed
	}

	var out []*models.FeedRecord
	for _, r := range records {
		if matches(r, filter) {
			out = append(out, r.Clone())
		}
	}
	sortRecords(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(r *models.FeedRecord, f Filter) bool {
	if f.PersonKey != "" && r.PersonKey != f.PersonKey {
		return false
	}
	if f.CompetenceCenter != "" && normalizers.CompetenceCenter(r.CompetenceCenter) != normalizers.CompetenceCenter(f.CompetenceCenter) {
		return false
	}
	if f.CanonicalPersonID != "" && r.CanonicalID() != f.CanonicalPersonID {
		return false
	}
	if f.HasCanonicalID && r.CanonicalPersonID == nil {
		return false
	}
	if f.HasConflicts && len(r.IdentityConflicts) == 0 {
		return false
	}
	if f.LatestOnly && !r.IsLatest {
		return false
	}
	return true
}

func sortRecords(records []*models.FeedRecord) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.PersonKey != b.PersonKey {
			return a.PersonKey < b.PersonKey
		}
		if a.UploadVersion != b.UploadVersion {
			return a.UploadVersion > b.UploadVersion
		}
		return a.ID < b.ID
	})
}

// BatchWrite validates the whole batch before touching any record so a bad write leaves the
// store unchanged.
func (s *MemoryStore) BatchWrite(_ context.Context, feed models.Feed, writes []Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.WriteErr != nil {
		return s.WriteErr
	}
	records, ok := s.records[feed]
	if !ok {
		return ErrUnknownFeed
	}

	for _, w := range writes {
		switch w.Kind {
		case WriteInsert:
			if w.Record == nil {
				return fmt.Errorf("insert without record")
			}
		case WriteReplace, WriteMerge:
			if _, ok := records[w.RecordID]; !ok {
				return fmt.Errorf("%s %s: %w", w.Kind, w.RecordID, ErrRecordNotFound)
			}
			if w.Kind == WriteReplace && w.Record == nil {
				return fmt.Errorf("replace without record")
			}
			if w.Kind == WriteMerge && w.Patch == nil {
				return fmt.Errorf("merge without patch")
			}
		default:
			return fmt.Errorf("unknown write kind %q", w.Kind)
		}
	}

	now := s.now()
	for _, w := range writes {
		var before, after *models.FeedRecord
		switch w.Kind {
		case WriteInsert:
			after = w.Record.Clone()
			after.Feed = feed
			if after.ID == "" {
				after.ID = uuid.NewString()
			}
			after.CreatedAt = now
			after.UpdatedAt = now
		case WriteReplace:
			before = records[w.RecordID]
			after = before.Clone()
			replaceData(after, w.Record)
			after.UpdatedAt = now
		case WriteMerge:
			before = records[w.RecordID]
			after = before.Clone()
			if !applyPatch(after, w.Patch) {
				continue
			}
			after.UpdatedAt = now
		}
		records[after.ID] = after
		s.WriteCount++
		s.changes = append(s.changes, Change{Feed: feed, Before: before.Clone(), After: after.Clone()})
	}
	s.BatchCalls++
	return nil
}

func replaceData(dst, src *models.FeedRecord) {
	dst.Person = src.Person
	dst.PersonKey = src.PersonKey
	dst.CompetenceCenter = src.CompetenceCenter
	dst.Team = src.Team
	dst.LineOfBusiness = src.LineOfBusiness
	dst.CareerLevel = src.CareerLevel
	dst.FileName = src.FileName
	dst.UploadVersion = src.UploadVersion
	dst.IsLatest = src.IsLatest
	dst.WeeklyValues = src.Clone().WeeklyValues
}

// applyPatch mutates r and reports whether anything changed.
func applyPatch(r *models.FeedRecord, p *RecordPatch) bool {
	changed := false
	// an existing canonical id is never overwritten
	if p.CanonicalPersonID != nil && r.CanonicalPersonID == nil {
		id := *p.CanonicalPersonID
		r.CanonicalPersonID = &id
		if p.CanonicalPersonIDSetAt != nil {
			at := *p.CanonicalPersonIDSetAt
			r.CanonicalPersonIDSetAt = &at
		}
		changed = true
	}
	if p.IsLatest != nil && r.IsLatest != *p.IsLatest {
		r.IsLatest = *p.IsLatest
		changed = true
	}
	if c := p.AppendConflict; c != nil && !r.HasConflict(c.PreviousID, c.IncomingID) {
		r.IdentityConflicts = append(r.IdentityConflicts, *c)
		changed = true
	}
	return changed
}

func (s *MemoryStore) NextUploadVersion(_ context.Context, feed models.Feed) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.records[feed]
	if !ok {
		return 0, ErrUnknownFeed
	}
	highest := s.versions[feed]
	for _, r := range records {
		if r.UploadVersion > highest {
			highest = r.UploadVersion
		}
	}
	s.versions[feed] = highest + 1
	return highest + 1, nil
}

func (s *MemoryStore) MarkAllNotLatest(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.WriteErr != nil {
		return 0, s.WriteErr
	}
	var changed int64
	for k, row := range s.consolidated {
		if row.IsLatest {
			row.IsLatest = false
			s.consolidated[k] = row
			changed++
		}
	}
	return changed, nil
}

func (s *MemoryStore) UpsertBatch(_ context.Context, rows []models.ConsolidatedWeekRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.WriteErr != nil {
		return s.WriteErr
	}
	for _, row := range rows {
		s.consolidated[consolidatedKey{personKey: row.PersonKey, week: row.Week}] = row
	}
	s.BatchCalls++
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter models.ConsolidatedFilter) ([]models.ConsolidatedWeekRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	var out []models.ConsolidatedWeekRecord
	for _, row := range s.consolidated {
		if filter.PersonKey != "" && row.PersonKey != filter.PersonKey {
			continue
		}
		if filter.IsHistorical != nil && row.IsHistorical != *filter.IsHistorical {
			continue
		}
		if filter.LatestOnly && !row.IsLatest {
			continue
		}
		out = append(out, row)
	}
	SortConsolidated(out)
	return out, nil
}

// SortConsolidated orders rows by person key, then week.
func SortConsolidated(rows []models.ConsolidatedWeekRecord) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].PersonKey != rows[j].PersonKey {
			return rows[i].PersonKey < rows[j].PersonKey
		}
		return rows[i].Week.Before(rows[j].Week)
	})
}
