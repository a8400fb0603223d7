package kafka

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Okossum/utilization-sub004/pkg/models"
)

// DebeziumEnvelope is the standard Debezium CDC message format
type DebeziumEnvelope struct {
	Schema  json.RawMessage `json:"schema,omitempty"`
	Payload DebeziumPayload `json:"payload"`
}

// DebeziumPayload contains the before/after state of a row
type DebeziumPayload struct {
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
	Source DebeziumSource  `json:"source"`
	Op     string          `json:"op"` // c=create, u=update, d=delete, r=read (snapshot)
	TsMs   int64           `json:"ts_ms"`
}

// DebeziumSource contains metadata about the source of the change
type DebeziumSource struct {
	Version   string `json:"version"`
	Connector string `json:"connector"`
	Name      string `json:"name"`
	TsMs      int64  `json:"ts_ms"`
	Snapshot  string `json:"snapshot,omitempty"`
	Db        string `json:"db"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	TxId      int64  `json:"txId,omitempty"`
	Lsn       int64  `json:"lsn,omitempty"`
}

func (p *DebeziumPayload) IsCreate() bool {
	return p.Op == "c" || p.Op == "r"
}

func (p *DebeziumPayload) IsUpdate() bool {
	return p.Op == "u"
}

func (p *DebeziumPayload) IsDelete() bool {
	return p.Op == "d"
}

// Timestamp returns the event timestamp
func (p *DebeziumPayload) Timestamp() time.Time {
	return time.UnixMilli(p.TsMs)
}

// ParseDebeziumMessage parses a raw Kafka message as a Debezium envelope. Messages produced
// without the schema wrapper (schemas.enable=false) carry the payload at the top level.
func ParseDebeziumMessage(data []byte) (*DebeziumEnvelope, error) {
	var envelope DebeziumEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	if envelope.Payload.Op == "" {
		var payload DebeziumPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
		if payload.Op != "" {
			envelope.Payload = payload
		}
	}
	if envelope.Payload.Op == "" {
		return nil, fmt.Errorf("debezium message without op")
	}
	return &envelope, nil
}

// FeedRecordRow is a feed table row as Debezium serializes it. jsonb columns arrive as JSON
// strings and timestamps as ISO strings or epoch microseconds.
type FeedRecordRow struct {
	ID                     string          `json:"id"`
	Person                 string          `json:"person"`
	PersonKey              string          `json:"person_key"`
	CompetenceCenter       string          `json:"competence_center"`
	Team                   string          `json:"team"`
	LineOfBusiness         string          `json:"line_of_business"`
	CareerLevel            string          `json:"career_level"`
	CanonicalPersonID      *string         `json:"canonical_person_id"`
	CanonicalPersonIDSetAt json.RawMessage `json:"canonical_person_id_set_at"`
	IdentityConflicts      json.RawMessage `json:"identity_conflicts"`
	FileName               string          `json:"file_name"`
	UploadVersion          int             `json:"upload_version"`
	IsLatest               bool            `json:"is_latest"`
	WeeklyValues           json.RawMessage `json:"weekly_values"`
	CreatedAt              json.RawMessage `json:"created_at"`
	UpdatedAt              json.RawMessage `json:"updated_at"`
}

// ToFeedRecord converts the row to a FeedRecord of feed.
func (r *FeedRecordRow) ToFeedRecord(feed models.Feed) (*models.FeedRecord, error) {
	record := &models.FeedRecord{
		ID:                r.ID,
		Feed:              feed,
		Person:            r.Person,
		PersonKey:         r.PersonKey,
		CompetenceCenter:  r.CompetenceCenter,
		Team:              r.Team,
		LineOfBusiness:    r.LineOfBusiness,
		CareerLevel:       r.CareerLevel,
		CanonicalPersonID: r.CanonicalPersonID,
		FileName:          r.FileName,
		UploadVersion:     r.UploadVersion,
		IsLatest:          r.IsLatest,
	}
	if record.CanonicalPersonID != nil && *record.CanonicalPersonID == "" {
		record.CanonicalPersonID = nil
	}

	if err := decodeJSONColumn(r.IdentityConflicts, &record.IdentityConflicts); err != nil {
		return nil, fmt.Errorf("identity_conflicts: %w", err)
	}
	if err := decodeJSONColumn(r.WeeklyValues, &record.WeeklyValues); err != nil {
		return nil, fmt.Errorf("weekly_values: %w", err)
	}

	var err error
	if record.CanonicalPersonIDSetAt, err = parseDebeziumTimestampPtr(r.CanonicalPersonIDSetAt); err != nil {
		return nil, fmt.Errorf("canonical_person_id_set_at: %w", err)
	}
	if at, err := parseDebeziumTimestampPtr(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	} else if at != nil {
		record.CreatedAt = *at
	}
	if at, err := parseDebeziumTimestampPtr(r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	} else if at != nil {
		record.UpdatedAt = *at
	}
	return record, nil
}

// ParseFeedRecords decodes the before and after images. A missing image is returned as nil.
func (p *DebeziumPayload) ParseFeedRecords(feed models.Feed) (before, after *models.FeedRecord, err error) {
	if before, err = parseFeedRecordImage(p.Before, feed); err != nil {
		return nil, nil, fmt.Errorf("before: %w", err)
	}
	if after, err = parseFeedRecordImage(p.After, feed); err != nil {
		return nil, nil, fmt.Errorf("after: %w", err)
	}
	return before, after, nil
}

func parseFeedRecordImage(raw json.RawMessage, feed models.Feed) (*models.FeedRecord, error) {
	if isNullJSON(raw) {
		return nil, nil
	}
	var row FeedRecordRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	return row.ToFeedRecord(feed)
}

func isNullJSON(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || string(raw) == "null"
}

func unwrapJSONStringJSON(raw json.RawMessage) (json.RawMessage, error) {
	raw = json.RawMessage(bytes.TrimSpace(raw))
	if len(raw) == 0 {
		return raw, nil
	}
	if raw[0] != '"' {
		return raw, nil // already object/array/etc.
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return json.RawMessage(s), nil
}

func decodeJSONColumn(raw json.RawMessage, dest any) error {
	unwrapped, err := unwrapJSONStringJSON(raw)
	if err != nil {
		return err
	}
	if isNullJSON(unwrapped) {
		return nil
	}
	return json.Unmarshal(unwrapped, dest)
}

var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// parseDebeziumTimestampPtr accepts ISO strings (ZonedTimestamp) and epoch microseconds
// (MicroTimestamp).
func parseDebeziumTimestampPtr(raw json.RawMessage) (*time.Time, error) {
	if isNullJSON(raw) {
		return nil, nil
	}
	raw = bytes.TrimSpace(raw)

	if raw[0] != '"' {
		micros, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return nil, err
		}
		t := time.UnixMicro(micros).UTC()
		return &t, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized timestamp %q", s)
}
