// Package weekkey normalizes the week labels used by the spreadsheet feeds into ISO year/week pairs.
//
// Upstream spreadsheets have changed their column headers several times, so one ISO week can be
// spelled "KW34-2025", "KW34/25", "KW34(2025)", "2025-KW34" or "2025-W34". All of them parse to
// the same WeekKey. Labels that match none of the dialects are reported as not recognized and
// callers skip them.
package weekkey

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	MinWeek = 1
	MaxWeek = 53
)

// WeekKey is an ISO-8601 (year, week) pair.
type WeekKey struct {
	ISOYear int
	ISOWeek int
}

// New builds a WeekKey and validates the week number.
func New(isoYear, isoWeek int) (WeekKey, bool) {
	if isoWeek < MinWeek || isoWeek > MaxWeek || isoYear <= 0 {
		return WeekKey{}, false
	}
	return WeekKey{ISOYear: isoYear, ISOWeek: isoWeek}, true
}

// Current returns the ISO week containing t.
func Current(t time.Time) WeekKey {
	year, week := t.ISOWeek()
	return WeekKey{ISOYear: year, ISOWeek: week}
}

// Label renders the canonical "{year}-KW{week}" form.
func (k WeekKey) Label() string {
	return fmt.Sprintf("%d-KW%d", k.ISOYear, k.ISOWeek)
}

func (k WeekKey) String() string {
	return k.Label()
}

func (k WeekKey) IsZero() bool {
	return k.ISOYear == 0 && k.ISOWeek == 0
}

// Compare returns -1, 0 or 1 ordering by year, then week.
func (k WeekKey) Compare(other WeekKey) int {
	switch {
	case k.ISOYear < other.ISOYear:
		return -1
	case k.ISOYear > other.ISOYear:
		return 1
	case k.ISOWeek < other.ISOWeek:
		return -1
	case k.ISOWeek > other.ISOWeek:
		return 1
	default:
		return 0
	}
}

func (k WeekKey) Before(other WeekKey) bool {
	return k.Compare(other) < 0
}

// Sort orders keys ascending in place.
func Sort(keys []WeekKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
}

type weekKeyJSON struct {
	ISOYear int    `json:"iso_year"`
	ISOWeek int    `json:"iso_week"`
	Label   string `json:"label"`
}

func (k WeekKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(weekKeyJSON{ISOYear: k.ISOYear, ISOWeek: k.ISOWeek, Label: k.Label()})
}

func (k *WeekKey) UnmarshalJSON(data []byte) error {
	var raw weekKeyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	k.ISOYear = raw.ISOYear
	k.ISOWeek = raw.ISOWeek
	return nil
}

// dialect matches one historical label format. yearGroup/weekGroup index the submatches.
type dialect struct {
	name      string
	re        *regexp.Regexp
	weekGroup int
	yearGroup int
}

var dialects = []dialect{
	{name: "kw-dash-year", re: regexp.MustCompile(`(?i)^KW ?(\d{1,2})\s*-\s*(\d{4})$`), weekGroup: 1, yearGroup: 2},
	{name: "kw-slash-year", re: regexp.MustCompile(`(?i)^KW ?(\d{1,2})\s*/\s*(\d{2}|\d{4})$`), weekGroup: 1, yearGroup: 2},
	{name: "kw-paren-year", re: regexp.MustCompile(`(?i)^KW ?(\d{1,2})\s*\(\s*(\d{4})\s*\)$`), weekGroup: 1, yearGroup: 2},
	{name: "year-dash-kw", re: regexp.MustCompile(`(?i)^(\d{4})\s*-\s*KW ?(\d{1,2})$`), weekGroup: 2, yearGroup: 1},
	{name: "iso-8601", re: regexp.MustCompile(`(?i)^(\d{4})-W(\d{2})$`), weekGroup: 2, yearGroup: 1},
}

// Parse normalizes a raw week label. The boolean is false when the label is not recognized
// or names a week outside 1..53.
func Parse(raw string) (WeekKey, bool) {
	label := strings.TrimSpace(raw)
	if label == "" {
		return WeekKey{}, false
	}

	for _, d := range dialects {
		m := d.re.FindStringSubmatch(label)
		if m == nil {
			continue
		}
		week, err := strconv.Atoi(m[d.weekGroup])
		if err != nil {
			return WeekKey{}, false
		}
		yearDigits := m[d.yearGroup]
		year, err := strconv.Atoi(yearDigits)
		if err != nil {
			return WeekKey{}, false
		}
		if len(yearDigits) == 2 {
			year += 2000
		}
		return New(year, week)
	}

	return WeekKey{}, false
}

// MustParse is Parse for labels known to be valid, such as test fixtures.
func MustParse(raw string) WeekKey {
	k, ok := Parse(raw)
	if !ok {
		panic(fmt.Sprintf("weekkey: unrecognized label %q", raw))
	}
	return k
}
