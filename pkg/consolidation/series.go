package consolidation

import (
	"fmt"
	"sort"
	"time"

	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/weekkey"
)

// Policy decides which value wins when both feeds report a week.
type Policy string

const (
	PreferAuslastung  Policy = "auslastung"
	PreferEinsatzplan Policy = "einsatzplan"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PreferAuslastung, "":
		return PreferAuslastung, nil
	case PreferEinsatzplan:
		return PreferEinsatzplan, nil
	default:
		return "", fmt.Errorf("unknown consolidation policy %q", s)
	}
}

// NormalizeSeries maps a record's raw week labels to week keys. Unrecognized labels are
// dropped. When several raw labels name the same week, the first non-null value in sorted
// label order wins.
func NormalizeSeries(values map[string]*float64) map[weekkey.WeekKey]*float64 {
	labels := make([]string, 0, len(values))
	for label := range values {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	series := make(map[weekkey.WeekKey]*float64, len(values))
	for _, label := range labels {
		key, ok := weekkey.Parse(label)
		if !ok {
			continue
		}
		if existing, seen := series[key]; seen && existing != nil {
			continue
		}
		series[key] = values[label]
	}
	return series
}

// PersonSeries is the latest auslastung and einsatzplan record of one person. Either may be nil.
type PersonSeries struct {
	PersonKey   string
	Auslastung  *models.FeedRecord
	Einsatzplan *models.FeedRecord
}

// Consolidate merges the two series of one person into one row per week. Weeks without a
// value in either feed produce no row. Rows are ordered by week.
func Consolidate(p PersonSeries, policy Policy, current weekkey.WeekKey, now time.Time) []models.ConsolidatedWeekRecord {
	var aus, ein map[weekkey.WeekKey]*float64
	if p.Auslastung != nil {
		aus = NormalizeSeries(p.Auslastung.WeeklyValues)
	}
	if p.Einsatzplan != nil {
		ein = NormalizeSeries(p.Einsatzplan.WeeklyValues)
	}

	weeks := make([]weekkey.WeekKey, 0, len(aus)+len(ein))
	seen := make(map[weekkey.WeekKey]struct{}, len(aus)+len(ein))
	for _, series := range []map[weekkey.WeekKey]*float64{aus, ein} {
		for week := range series {
			if _, ok := seen[week]; ok {
				continue
			}
			seen[week] = struct{}{}
			weeks = append(weeks, week)
		}
	}
	weekkey.Sort(weeks)

	identity := p.Auslastung
	if identity == nil {
		identity = p.Einsatzplan
	}
	personID := identity.CanonicalPersonID
	if personID == nil && p.Einsatzplan != nil {
		personID = p.Einsatzplan.CanonicalPersonID
	}

	rows := make([]models.ConsolidatedWeekRecord, 0, len(weeks))
	for _, week := range weeks {
		a, e := aus[week], ein[week]
		final, source, ok := pick(a, e, policy)
		if !ok {
			continue
		}
		rows = append(rows, models.ConsolidatedWeekRecord{
			Person:            identity.Person,
			PersonKey:         p.PersonKey,
			CanonicalPersonID: copyString(personID),
			CompetenceCenter:  identity.CompetenceCenter,
			Week:              week,
			AuslastungValue:   copyFloat(a),
			EinsatzplanValue:  copyFloat(e),
			FinalValue:        final,
			Source:            source,
			IsHistorical:      week.Before(current),
			IsLatest:          true,
			UpdatedAt:         now,
		})
	}
	return rows
}

func pick(a, e *float64, policy Policy) (float64, models.ValueSource, bool) {
	switch {
	case a != nil && e != nil:
		if policy == PreferEinsatzplan {
			return *e, models.SourceBoth, true
		}
		return *a, models.SourceBoth, true
	case a != nil:
		return *a, models.SourceAuslastung, true
	case e != nil:
		return *e, models.SourceEinsatzplan, true
	default:
		return 0, "", false
	}
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
