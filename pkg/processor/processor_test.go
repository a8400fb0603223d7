package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Okossum/utilization-sub004/pkg/kafka"
	"github.com/Okossum/utilization-sub004/pkg/matching"
	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/normalizers"
	"github.com/Okossum/utilization-sub004/pkg/propagation"
	"github.com/Okossum/utilization-sub004/pkg/store"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newProcessor(feed models.Feed, s *store.MemoryStore) *Processor {
	logger := testLogger()
	p := propagation.NewPropagator(matching.NewMatcher(s, logger), s, logger, propagation.DefaultConfig()).
		WithClock(func() time.Time { return time.Date(2025, 8, 20, 9, 0, 0, 0, time.UTC) })
	d := propagation.NewDispatcher(store.NewBatcher(s, 0, logger), logger)
	return NewProcessor(feed, p, d, logger)
}

func cdcMessage(t *testing.T, op, table string, before, after map[string]any) *kafka.IncomingMessage {
	t.Helper()
	payload := map[string]any{
		"op":     op,
		"before": before,
		"after":  after,
		"source": map[string]any{"table": table},
	}
	data, err := json.Marshal(map[string]any{"payload": payload})
	require.NoError(t, err)
	return &kafka.IncomingMessage{Topic: "cdc." + table, Value: data}
}

func row(id, person, cc, personID string) map[string]any {
	r := map[string]any{
		"id":                 id,
		"person":             person,
		"person_key":         normalizers.PersonKey(person),
		"competence_center":  cc,
		"upload_version":     1,
		"is_latest":          true,
		"identity_conflicts": "[]",
		"weekly_values":      "{}",
	}
	if personID != "" {
		r["canonical_person_id"] = personID
	}
	return r
}

func seed(s *store.MemoryStore, id string, feed models.Feed, person, cc string) {
	s.Seed(&models.FeedRecord{
		ID:               id,
		Feed:             feed,
		Person:           person,
		PersonKey:        normalizers.PersonKey(person),
		CompetenceCenter: cc,
		UploadVersion:    1,
		IsLatest:         true,
	})
}

func TestProcessor_AuthoritativeUpdatePushesID(t *testing.T) {
	s := store.NewMemoryStore()
	seed(s, "e1", models.FeedEinsatzplan, "Müller, Jan", "CC1")
	seed(s, "m1", models.FeedMitarbeiter, "Müller,  Jan", "CC1")

	p := newProcessor(models.FeedAuslastung, s)
	msg := cdcMessage(t, "u", "auslastung_records",
		row("a1", "Müller, Jan", "CC1", ""),
		row("a1", "Müller, Jan", "CC1", "P1"),
	)
	require.NoError(t, p.ProcessMessage(context.Background(), msg))

	e1, _ := s.Get(models.FeedEinsatzplan, "e1")
	m1, _ := s.Get(models.FeedMitarbeiter, "m1")
	assert.Equal(t, "P1", e1.CanonicalID())
	assert.Equal(t, "P1", m1.CanonicalID())
}

func TestProcessor_DependentCreateResolvesID(t *testing.T) {
	s := store.NewMemoryStore()
	personID := "P7"
	s.Seed(&models.FeedRecord{
		ID: "a1", Feed: models.FeedAuslastung, Person: "Schmidt, Anna", PersonKey: "schmidt, anna",
		CompetenceCenter: "CC2", CanonicalPersonID: &personID, UploadVersion: 1, IsLatest: true,
	})
	seed(s, "e9", models.FeedEinsatzplan, "Schmidt, Anna", "CC2")

	p := newProcessor(models.FeedEinsatzplan, s)
	require.NoError(t, p.ProcessMessage(context.Background(), cdcMessage(t, "c", "einsatzplan_records", nil, row("e9", "Schmidt, Anna", "CC2", ""))))

	e9, _ := s.Get(models.FeedEinsatzplan, "e9")
	assert.Equal(t, "P7", e9.CanonicalID())
}

func TestProcessor_SkipsDeletesTombstonesAndGarbage(t *testing.T) {
	s := store.NewMemoryStore()
	seed(s, "e1", models.FeedEinsatzplan, "Müller, Jan", "CC1")
	p := newProcessor(models.FeedAuslastung, s)
	ctx := context.Background()

	require.NoError(t, p.ProcessMessage(ctx, cdcMessage(t, "d", "auslastung_records", row("a1", "Müller, Jan", "CC1", "P1"), nil)))
	require.NoError(t, p.ProcessMessage(ctx, &kafka.IncomingMessage{}))
	require.NoError(t, p.ProcessMessage(ctx, &kafka.IncomingMessage{Value: []byte(`{{`)}))
	require.NoError(t, p.ProcessMessage(ctx, cdcMessage(t, "u", "payroll_records", nil, row("x", "Müller, Jan", "CC1", "P1"))))

	assert.Equal(t, 0, s.WriteCount)
}

func TestProcessor_TableDecidesFeed(t *testing.T) {
	s := store.NewMemoryStore()
	seed(s, "e1", models.FeedEinsatzplan, "Müller, Jan", "CC1")

	// consumer configured for einsatzplan receives an auslastung event
	p := newProcessor(models.FeedEinsatzplan, s)
	require.NoError(t, p.ProcessMessage(context.Background(), cdcMessage(t, "u", "auslastung_records", nil, row("a1", "Müller, Jan", "CC1", "P1"))))

	e1, _ := s.Get(models.FeedEinsatzplan, "e1")
	assert.Equal(t, "P1", e1.CanonicalID())
}

func TestProcessor_StoreFailureIsReturned(t *testing.T) {
	s := store.NewMemoryStore()
	s.QueryErr = errors.New("connection refused")
	p := newProcessor(models.FeedEinsatzplan, s)

	err := p.ProcessMessage(context.Background(), cdcMessage(t, "c", "einsatzplan_records", nil, row("e1", "Müller, Jan", "CC1", "")))
	assert.ErrorIs(t, err, s.QueryErr)
}
