package propagation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Okossum/utilization-sub004/pkg/matching"
	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/normalizers"
	"github.com/Okossum/utilization-sub004/pkg/store"
)

var fixedNow = time.Date(2025, 8, 20, 9, 30, 0, 0, time.UTC)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func feedRecord(id string, feed models.Feed, person, cc, personID string) *models.FeedRecord {
	r := &models.FeedRecord{
		ID:               id,
		Feed:             feed,
		Person:           person,
		PersonKey:        normalizers.PersonKey(person),
		CompetenceCenter: cc,
		UploadVersion:    1,
		IsLatest:         true,
	}
	if personID != "" {
		r.CanonicalPersonID = &personID
	}
	return r
}

type harness struct {
	store      *store.MemoryStore
	propagator *Propagator
	dispatcher *Dispatcher
	notifier   *recordingNotifier
	projector  *recordingProjector
}

func newHarness(cfg Config) *harness {
	s := store.NewMemoryStore()
	s.SetClock(func() time.Time { return fixedNow })
	logger := testLogger()

	seq := 0
	p := NewPropagator(matching.NewMatcher(s, logger), s, logger, cfg).
		WithClock(func() time.Time { return fixedNow }).
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("P-new-%d", seq)
		})

	n := &recordingNotifier{}
	pr := &recordingProjector{}
	d := NewDispatcher(store.NewBatcher(s, 2, logger), logger).WithNotifier(n).WithProjector(pr)

	return &harness{store: s, propagator: p, dispatcher: d, notifier: n, projector: pr}
}

// settle replays every stored change through the propagator until no write produces another
// and returns the number of applied effects.
func (h *harness) settle(t *testing.T) int {
	t.Helper()
	ctx := context.Background()

	total := 0
	for round := 0; round < 10; round++ {
		changes := h.store.Drain()
		if len(changes) == 0 {
			return total
		}
		for _, c := range changes {
			effects, err := h.propagator.OnRecordWritten(ctx, c.Feed, c.Before, c.After)
			require.NoError(t, err)
			n, err := h.dispatcher.Apply(ctx, effects)
			require.NoError(t, err)
			total += n
		}
	}
	t.Fatal("propagation did not settle")
	return total
}

// replayAll runs every stored record through the propagator again and returns the effects.
func (h *harness) replayAll(t *testing.T) []Effect {
	t.Helper()
	ctx := context.Background()

	var all []Effect
	for _, feed := range models.AllFeeds {
		records, err := h.store.Query(ctx, feed, store.Filter{})
		require.NoError(t, err)
		for _, r := range records {
			effects, err := h.propagator.OnRecordWritten(ctx, feed, nil, r)
			require.NoError(t, err)
			all = append(all, effects...)
		}
	}
	return all
}

func (h *harness) get(t *testing.T, feed models.Feed, id string) *models.FeedRecord {
	t.Helper()
	r, ok := h.store.Get(feed, id)
	require.True(t, ok, "record %s/%s", feed, id)
	return r
}

type recordingNotifier struct {
	assigned  []string
	conflicts []models.IdentityConflict
}

func (n *recordingNotifier) EmitIdentityAssigned(_ context.Context, feed models.Feed, recordID, _, personID string) error {
	n.assigned = append(n.assigned, fmt.Sprintf("%s/%s=%s", feed, recordID, personID))
	return nil
}

func (n *recordingNotifier) EmitIdentityConflict(_ context.Context, _ models.Feed, _, _ string, conflict models.IdentityConflict) error {
	n.conflicts = append(n.conflicts, conflict)
	return nil
}

type recordingProjector struct {
	projected []string
	err       error
}

func (p *recordingProjector) ProjectIdentity(_ context.Context, personID string, feed models.Feed, recordID, _ string) error {
	p.projected = append(p.projected, fmt.Sprintf("%s->%s/%s", personID, feed, recordID))
	return p.err
}

func TestOnRecordWritten_DeleteIsIgnored(t *testing.T) {
	h := newHarness(DefaultConfig())
	before := feedRecord("e1", models.FeedEinsatzplan, "Müller, Jan", "CC1", "")

	effects, err := h.propagator.OnRecordWritten(context.Background(), models.FeedEinsatzplan, before, nil)
	require.NoError(t, err)
	assert.Empty(t, effects)
}

func TestInbound_AssignsResolvedID(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.store.Seed(feedRecord("a1", models.FeedAuslastung, "Müller, Jan", "CC1", "P1"))
	dependent := feedRecord("e1", models.FeedEinsatzplan, "Müller,Jan", "CC1", "")

	effects, err := h.propagator.OnRecordWritten(context.Background(), models.FeedEinsatzplan, nil, dependent)
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, Effect{
		Kind:     EffectAssign,
		Feed:     models.FeedEinsatzplan,
		RecordID: "e1",
		Person:   "Müller,Jan",
		PersonID: "P1",
		SetAt:    fixedNow,
	}, effects[0])
}

func TestInbound_NoOpWhenAlreadyCorrect(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.store.Seed(feedRecord("a1", models.FeedAuslastung, "Müller, Jan", "CC1", "P1"))

	effects, err := h.propagator.OnRecordWritten(context.Background(), models.FeedEinsatzplan, nil,
		feedRecord("e1", models.FeedEinsatzplan, "Müller, Jan", "CC1", "P1"))
	require.NoError(t, err)
	assert.Empty(t, effects)
}

func TestInbound_NotFoundAndAmbiguous(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.store.Seed(
		feedRecord("a1", models.FeedAuslastung, "Müller, Jan", "CC1", "P1"),
		feedRecord("a2", models.FeedAuslastung, "Müller, Jan", "CC2", "P2"),
	)
	ctx := context.Background()

	effects, err := h.propagator.OnRecordWritten(ctx, models.FeedMitarbeiter, nil,
		feedRecord("m1", models.FeedMitarbeiter, "Müller, Jan", "", ""))
	require.NoError(t, err)
	assert.Empty(t, effects, "two namesakes without a competence center are ambiguous")

	effects, err = h.propagator.OnRecordWritten(ctx, models.FeedMitarbeiter, nil,
		feedRecord("m2", models.FeedMitarbeiter, "Schmidt, Anna", "CC1", ""))
	require.NoError(t, err)
	assert.Empty(t, effects)

	effects, err = h.propagator.OnRecordWritten(ctx, models.FeedMitarbeiter, nil,
		feedRecord("m3", models.FeedMitarbeiter, "  ", "CC1", ""))
	require.NoError(t, err)
	assert.Empty(t, effects)
}

func TestInbound_ConflictKeepsExistingIDAndIsRecordedOnce(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.store.Seed(
		feedRecord("a1", models.FeedAuslastung, "Müller, Jan", "CC1", "P2"),
		feedRecord("e1", models.FeedEinsatzplan, "Müller, Jan", "CC1", "P1"),
	)
	ctx := context.Background()

	effects, err := h.propagator.OnRecordWritten(ctx, models.FeedEinsatzplan, nil, h.get(t, models.FeedEinsatzplan, "e1"))
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, EffectConflict, effects[0].Kind)

	_, err = h.dispatcher.Apply(ctx, effects)
	require.NoError(t, err)
	assert.Zero(t, h.settle(t), "the conflict write must not trigger further writes")

	e1 := h.get(t, models.FeedEinsatzplan, "e1")
	assert.Equal(t, "P1", e1.CanonicalID())
	require.Len(t, e1.IdentityConflicts, 1)
	assert.Equal(t, models.IdentityConflict{
		PreviousID: "P1",
		IncomingID: "P2",
		DetectedAt: fixedNow,
		Source:     models.ConflictSourceInbound,
	}, e1.IdentityConflicts[0])
	assert.Len(t, h.notifier.conflicts, 1)

	assert.Empty(t, h.replayAll(t))
}

func TestOutbound_PushesIDToDependentFeeds(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.store.Seed(
		feedRecord("a1", models.FeedAuslastung, "Müller, Jan", "CC1", "P1"),
		feedRecord("e1", models.FeedEinsatzplan, "Müller, Jan", "CC1", ""),
		feedRecord("e2", models.FeedEinsatzplan, "Müller, Jan", "CC2", ""),
		feedRecord("m1", models.FeedMitarbeiter, "müller,  jan", "CC1", "P1"),
		feedRecord("m2", models.FeedMitarbeiter, "Müller, Jan", "CC1", "P9"),
	)
	superseded := feedRecord("e3", models.FeedEinsatzplan, "Müller, Jan", "CC1", "")
	superseded.IsLatest = false
	h.store.Seed(superseded)

	effects, err := h.propagator.OnRecordWritten(context.Background(), models.FeedAuslastung, nil, h.get(t, models.FeedAuslastung, "a1"))
	require.NoError(t, err)

	got := map[string]EffectKind{}
	for _, e := range effects {
		got[string(e.Feed)+"/"+e.RecordID] = e.Kind
		assert.Equal(t, "P1", e.PersonID)
	}
	assert.Equal(t, map[string]EffectKind{
		"einsatzplan/e1": EffectAssign,
		"mitarbeiter/m2": EffectConflict,
	}, got)

	_, err = h.dispatcher.Apply(context.Background(), effects)
	require.NoError(t, err)

	assert.Equal(t, "P1", h.get(t, models.FeedEinsatzplan, "e1").CanonicalID())
	assert.Equal(t, fixedNow, *h.get(t, models.FeedEinsatzplan, "e1").CanonicalPersonIDSetAt)
	m2 := h.get(t, models.FeedMitarbeiter, "m2")
	assert.Equal(t, "P9", m2.CanonicalID())
	require.Len(t, m2.IdentityConflicts, 1)
	assert.Equal(t, models.ConflictSourceOutbound, m2.IdentityConflicts[0].Source)
	assert.Nil(t, h.get(t, models.FeedEinsatzplan, "e2").CanonicalPersonID)
	assert.Nil(t, h.get(t, models.FeedEinsatzplan, "e3").CanonicalPersonID)

	assert.Zero(t, h.settle(t))
}

func TestOutbound_SupersededRecordIsIgnored(t *testing.T) {
	h := newHarness(DefaultConfig())
	retired := feedRecord("a0", models.FeedAuslastung, "Müller, Jan", "CC1", "P-old")
	retired.IsLatest = false
	h.store.Seed(
		retired,
		feedRecord("a1", models.FeedAuslastung, "Müller, Jan", "CC1", "P-new"),
		feedRecord("e1", models.FeedEinsatzplan, "Müller, Jan", "CC1", "P-new"),
		feedRecord("e2", models.FeedEinsatzplan, "Müller, Jan", "CC1", ""),
	)

	effects, err := h.propagator.OnRecordWritten(context.Background(), models.FeedAuslastung, nil, h.get(t, models.FeedAuslastung, "a0"))
	require.NoError(t, err)
	assert.Empty(t, effects)

	unresolved := feedRecord("a2", models.FeedAuslastung, "Schmidt, Anna", "CC2", "")
	unresolved.IsLatest = false
	effects, err = h.propagator.OnRecordWritten(context.Background(), models.FeedAuslastung, nil, unresolved)
	require.NoError(t, err)
	assert.Empty(t, effects)

	assert.Empty(t, h.get(t, models.FeedEinsatzplan, "e1").IdentityConflicts)
	assert.Nil(t, h.get(t, models.FeedEinsatzplan, "e2").CanonicalPersonID)
}

func TestOutbound_CompetenceCenterIgnoresCase(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.store.Seed(
		feedRecord("a1", models.FeedAuslastung, "Müller, Jan", "CC Digital", "P1"),
		feedRecord("e1", models.FeedEinsatzplan, "Müller, Jan", "cc  digital", ""),
	)

	effects, err := h.propagator.OnRecordWritten(context.Background(), models.FeedAuslastung, nil, h.get(t, models.FeedAuslastung, "a1"))
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, "e1", effects[0].RecordID)
	assert.Equal(t, EffectAssign, effects[0].Kind)
}

func TestOutbound_MintsOrReusesSettledID(t *testing.T) {
	h := newHarness(DefaultConfig())
	prior := feedRecord("a0", models.FeedAuslastung, "Müller, Jan", "CC1", "P1")
	prior.IsLatest = false
	h.store.Seed(prior)
	ctx := context.Background()

	effects, err := h.propagator.OnRecordWritten(ctx, models.FeedAuslastung, nil,
		feedRecord("a1", models.FeedAuslastung, "Müller, Jan", "CC1", ""))
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, "P1", effects[0].PersonID)

	effects, err = h.propagator.OnRecordWritten(ctx, models.FeedAuslastung, nil,
		feedRecord("a2", models.FeedAuslastung, "Müller, Jan", "CC2", ""))
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, "P-new-1", effects[0].PersonID)
}

func TestOutbound_MintingDisabled(t *testing.T) {
	h := newHarness(Config{MintIDs: false})

	effects, err := h.propagator.OnRecordWritten(context.Background(), models.FeedAuslastung, nil,
		feedRecord("a1", models.FeedAuslastung, "Müller, Jan", "CC1", ""))
	require.NoError(t, err)
	assert.Empty(t, effects)
}

func TestPropagation_ConvergesFromUploads(t *testing.T) {
	h := newHarness(DefaultConfig())
	ctx := context.Background()

	require.NoError(t, h.store.BatchWrite(ctx, models.FeedAuslastung, []store.Write{
		store.Insert(feedRecord("a1", models.FeedAuslastung, "Müller, Jan", "CC1", "")),
		store.Insert(feedRecord("a2", models.FeedAuslastung, "Schmidt, Anna", "CC2", "")),
	}))
	require.NoError(t, h.store.BatchWrite(ctx, models.FeedEinsatzplan, []store.Write{
		store.Insert(feedRecord("e1", models.FeedEinsatzplan, "Müller, Jan", "CC1", "")),
		store.Insert(feedRecord("e2", models.FeedEinsatzplan, "Schmidt, Anna", "", "")),
	}))
	require.NoError(t, h.store.BatchWrite(ctx, models.FeedMitarbeiter, []store.Write{
		store.Insert(feedRecord("m1", models.FeedMitarbeiter, "Müller, Jan", "CC1", "")),
	}))

	applied := h.settle(t)
	assert.Equal(t, 5, applied)

	jan := h.get(t, models.FeedAuslastung, "a1").CanonicalID()
	anna := h.get(t, models.FeedAuslastung, "a2").CanonicalID()
	assert.NotEmpty(t, jan)
	assert.NotEqual(t, jan, anna)
	assert.Equal(t, jan, h.get(t, models.FeedEinsatzplan, "e1").CanonicalID())
	assert.Equal(t, jan, h.get(t, models.FeedMitarbeiter, "m1").CanonicalID())
	assert.Equal(t, anna, h.get(t, models.FeedEinsatzplan, "e2").CanonicalID())

	assert.Len(t, h.notifier.assigned, 5)
	assert.Len(t, h.projector.projected, 5)
	assert.Empty(t, h.notifier.conflicts)

	// a second pass over everything writes nothing
	writesBefore := h.store.WriteCount
	effects := h.replayAll(t)
	assert.Empty(t, effects)
	_, err := h.dispatcher.Apply(ctx, effects)
	require.NoError(t, err)
	assert.Equal(t, writesBefore, h.store.WriteCount)
}

func TestPropagation_ReadFailureAbortsEvent(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.store.QueryErr = errors.New("deadline exceeded")

	_, err := h.propagator.OnRecordWritten(context.Background(), models.FeedEinsatzplan, nil,
		feedRecord("e1", models.FeedEinsatzplan, "Müller, Jan", "CC1", ""))
	require.ErrorIs(t, err, h.store.QueryErr)

	_, err = h.propagator.OnRecordWritten(context.Background(), models.FeedAuslastung, nil,
		feedRecord("a1", models.FeedAuslastung, "Müller, Jan", "CC1", "P1"))
	require.ErrorIs(t, err, h.store.QueryErr)
}
