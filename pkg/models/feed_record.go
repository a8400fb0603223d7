package models

import (
	"fmt"
	"strings"
	"time"
)

// Feed names one of the independently uploaded record sets.
type Feed string

const (
	// FeedAuslastung is the capacity-utilization feed and the source of truth for canonical ids.
	FeedAuslastung Feed = "auslastung"
	// FeedEinsatzplan is the staffing-plan feed.
	FeedEinsatzplan Feed = "einsatzplan"
	// FeedMitarbeiter is the employee master feed.
	FeedMitarbeiter Feed = "mitarbeiter"
)

// AuthoritativeFeed is the feed canonical person ids originate from.
const AuthoritativeFeed = FeedAuslastung

// AllFeeds lists every feed in a stable order.
var AllFeeds = []Feed{FeedAuslastung, FeedEinsatzplan, FeedMitarbeiter}

// DependentFeeds lists the feeds that receive canonical ids from the authoritative feed.
var DependentFeeds = []Feed{FeedEinsatzplan, FeedMitarbeiter}

// ParseFeed validates a feed name coming from a URL, topic mapping or config value.
func ParseFeed(s string) (Feed, error) {
	f := Feed(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllFeeds {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown feed %q", s)
}

func (f Feed) IsAuthoritative() bool {
	return f == AuthoritativeFeed
}

// FeedRecord is one uploaded spreadsheet row of one feed.
type FeedRecord struct {
	ID                     string              `json:"id"`
	Feed                   Feed                `json:"feed"`
	Person                 string              `json:"person"`
	PersonKey              string              `json:"person_key"`
	CompetenceCenter       string              `json:"competence_center,omitempty"`
	Team                   string              `json:"team,omitempty"`
	LineOfBusiness         string              `json:"line_of_business,omitempty"`
	CareerLevel            string              `json:"career_level,omitempty"`
	CanonicalPersonID      *string             `json:"canonical_person_id,omitempty"`
	CanonicalPersonIDSetAt *time.Time          `json:"canonical_person_id_set_at,omitempty"`
	IdentityConflicts      []IdentityConflict  `json:"identity_conflicts,omitempty"`
	FileName               string              `json:"file_name,omitempty"`
	UploadVersion          int                 `json:"upload_version"`
	IsLatest               bool                `json:"is_latest"`
	WeeklyValues           map[string]*float64 `json:"weekly_values,omitempty"`
	CreatedAt              time.Time           `json:"created_at"`
	UpdatedAt              time.Time           `json:"updated_at"`
}

// CanonicalID returns the canonical person id or "" when unresolved.
func (r *FeedRecord) CanonicalID() string {
	if r == nil || r.CanonicalPersonID == nil {
		return ""
	}
	return *r.CanonicalPersonID
}

// HasConflict reports whether an identical conflict is already attached to the record.
func (r *FeedRecord) HasConflict(previousID, incomingID string) bool {
	for _, c := range r.IdentityConflicts {
		if c.PreviousID == previousID && c.IncomingID == incomingID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stores never share mutable maps or slices with callers.
func (r *FeedRecord) Clone() *FeedRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.CanonicalPersonID != nil {
		id := *r.CanonicalPersonID
		c.CanonicalPersonID = &id
	}
	if r.CanonicalPersonIDSetAt != nil {
		at := *r.CanonicalPersonIDSetAt
		c.CanonicalPersonIDSetAt = &at
	}
	if r.IdentityConflicts != nil {
		c.IdentityConflicts = append([]IdentityConflict(nil), r.IdentityConflicts...)
	}
	if r.WeeklyValues != nil {
		c.WeeklyValues = make(map[string]*float64, len(r.WeeklyValues))
		for label, v := range r.WeeklyValues {
			if v == nil {
				c.WeeklyValues[label] = nil
				continue
			}
			value := *v
			c.WeeklyValues[label] = &value
		}
	}
	return &c
}

// ConflictSource says which propagation path detected a conflict.
type ConflictSource string

const (
	ConflictSourceInbound  ConflictSource = "inbound"
	ConflictSourceOutbound ConflictSource = "outbound"
)

// IdentityConflict records a canonical id that could not be applied because the record
// already carries a different one. Conflicts are kept for manual review.
type IdentityConflict struct {
	PreviousID string         `json:"previous_id"`
	IncomingID string         `json:"incoming_id"`
	DetectedAt time.Time      `json:"detected_at"`
	Source     ConflictSource `json:"source,omitempty"`
}

// FeedRow is one already-parsed spreadsheet row handed over by the upload layer.
type FeedRow struct {
	Person           string              `json:"person"`
	CompetenceCenter string              `json:"competence_center"`
	Team             string              `json:"team"`
	LineOfBusiness   string              `json:"line_of_business"`
	CareerLevel      string              `json:"career_level"`
	WeeklyValues     map[string]*float64 `json:"weekly_values"`
}
