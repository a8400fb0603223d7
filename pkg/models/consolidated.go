package models

import (
	"time"

	"github.com/Okossum/utilization-sub004/pkg/weekkey"
)

// ValueSource tags which feed supplied a consolidated value.
type ValueSource string

const (
	SourceAuslastung  ValueSource = "auslastung"
	SourceEinsatzplan ValueSource = "einsatzplan"
	SourceBoth        ValueSource = "both"
)

// ConsolidatedWeekRecord is the canonical utilization value of one person in one ISO week.
type ConsolidatedWeekRecord struct {
	Person            string          `json:"person"`
	PersonKey         string          `json:"person_key"`
	CanonicalPersonID *string         `json:"canonical_person_id,omitempty"`
	CompetenceCenter  string          `json:"competence_center,omitempty"`
	Week              weekkey.WeekKey `json:"week"`
	AuslastungValue   *float64        `json:"auslastung_value"`
	EinsatzplanValue  *float64        `json:"einsatzplan_value"`
	FinalValue        float64         `json:"final_value"`
	Source            ValueSource     `json:"source"`
	IsHistorical      bool            `json:"is_historical"`
	IsLatest          bool            `json:"is_latest"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ConsolidatedFilter selects consolidated rows for the read API.
type ConsolidatedFilter struct {
	PersonKey    string
	IsHistorical *bool
	LatestOnly   bool
}
