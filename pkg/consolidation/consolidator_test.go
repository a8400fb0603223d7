package consolidation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/normalizers"
	"github.com/Okossum/utilization-sub004/pkg/store"
	"github.com/Okossum/utilization-sub004/pkg/weekkey"
)

// 2025-08-20 is in ISO week 34 of 2025
var runTime = time.Date(2025, 8, 20, 6, 0, 0, 0, time.UTC)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func f(v float64) *float64 {
	return &v
}

func series(id string, feed models.Feed, person string, version int, values map[string]*float64) *models.FeedRecord {
	return &models.FeedRecord{
		ID:            id,
		Feed:          feed,
		Person:        person,
		PersonKey:     normalizers.PersonKey(person),
		UploadVersion: version,
		IsLatest:      true,
		WeeklyValues:  values,
	}
}

func week(y, w int) weekkey.WeekKey {
	return weekkey.WeekKey{ISOYear: y, ISOWeek: w}
}

func TestConsolidate_Precedence(t *testing.T) {
	p := PersonSeries{
		PersonKey: "müller, jan",
		Auslastung: series("a1", models.FeedAuslastung, "Müller, Jan", 1, map[string]*float64{
			"KW34-2025": f(80),
			"KW35-2025": nil,
		}),
		Einsatzplan: series("e1", models.FeedEinsatzplan, "Müller, Jan", 1, map[string]*float64{
			"KW34/25":    f(60),
			"KW35(2025)": f(50),
			"KW36-2025":  nil,
		}),
	}

	rows := Consolidate(p, PreferAuslastung, week(2025, 34), runTime)
	require.Len(t, rows, 2, "a week without any value produces no row")

	assert.Equal(t, week(2025, 34), rows[0].Week)
	assert.Equal(t, 80.0, rows[0].FinalValue)
	assert.Equal(t, models.SourceBoth, rows[0].Source)
	assert.Equal(t, 80.0, *rows[0].AuslastungValue)
	assert.Equal(t, 60.0, *rows[0].EinsatzplanValue)
	assert.False(t, rows[0].IsHistorical, "the current week is not historical")

	assert.Equal(t, week(2025, 35), rows[1].Week)
	assert.Equal(t, 50.0, rows[1].FinalValue)
	assert.Equal(t, models.SourceEinsatzplan, rows[1].Source)
	assert.Nil(t, rows[1].AuslastungValue)

	preferPlan := Consolidate(p, PreferEinsatzplan, week(2025, 34), runTime)
	assert.Equal(t, 60.0, preferPlan[0].FinalValue)
	assert.Equal(t, models.SourceBoth, preferPlan[0].Source)
}

func TestConsolidate_SingleSourcesAndHistory(t *testing.T) {
	p := PersonSeries{
		PersonKey: "schmidt, anna",
		Einsatzplan: series("e1", models.FeedEinsatzplan, "Schmidt, Anna", 1, map[string]*float64{
			"2025-KW33": f(40),
			"garbage":   f(99),
			"KW99-2025": f(99),
		}),
	}

	rows := Consolidate(p, PreferAuslastung, week(2025, 34), runTime)
	require.Len(t, rows, 1)
	assert.Equal(t, "Schmidt, Anna", rows[0].Person)
	assert.Equal(t, 40.0, rows[0].FinalValue)
	assert.Equal(t, models.SourceEinsatzplan, rows[0].Source)
	assert.True(t, rows[0].IsHistorical)
	assert.True(t, rows[0].IsLatest)
}

func TestConsolidate_NoValuesNoRows(t *testing.T) {
	p := PersonSeries{
		PersonKey:   "leer, max",
		Auslastung:  series("a1", models.FeedAuslastung, "Leer, Max", 1, map[string]*float64{"KW34-2025": nil}),
		Einsatzplan: series("e1", models.FeedEinsatzplan, "Leer, Max", 1, map[string]*float64{}),
	}
	assert.Empty(t, Consolidate(p, PreferAuslastung, week(2025, 34), runTime))
}

func TestNormalizeSeries_DuplicateLabels(t *testing.T) {
	got := NormalizeSeries(map[string]*float64{
		"2025-KW34": nil,
		"KW34-2025": f(70),
		"KW34/25":   f(10),
		"KW35-2025": nil,
	})

	// sorted label order: 2025-KW34 (null), KW34-2025 (70), KW34/25 (10)
	require.Contains(t, got, week(2025, 34))
	assert.Equal(t, 70.0, *got[week(2025, 34)])
	require.Contains(t, got, week(2025, 35))
	assert.Nil(t, got[week(2025, 35)])
	assert.Len(t, got, 2)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PreferAuslastung, p)

	p, err = ParsePolicy("einsatzplan")
	require.NoError(t, err)
	assert.Equal(t, PreferEinsatzplan, p)

	_, err = ParsePolicy("mitarbeiter")
	assert.Error(t, err)
}

type fakeLocker struct {
	calls int
	err   error
}

func (l *fakeLocker) WithLock(ctx context.Context, _ string, _ time.Duration, fn func(ctx context.Context) error) error {
	l.calls++
	if l.err != nil {
		return l.err
	}
	return fn(ctx)
}

type fakeNotifier struct {
	results []Result
}

func (n *fakeNotifier) EmitConsolidationCompleted(_ context.Context, result Result) error {
	n.results = append(n.results, result)
	return nil
}

func newConsolidator(s *store.MemoryStore, cfg Config) *Consolidator {
	return NewConsolidator(s, s, testLogger(), cfg).WithClock(func() time.Time { return runTime })
}

func TestConsolidator_Run(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	superseded := series("a0", models.FeedAuslastung, "Müller, Jan", 1, map[string]*float64{"KW34-2025": f(10)})
	superseded.IsLatest = false
	s.Seed(
		superseded,
		series("a1", models.FeedAuslastung, "Müller, Jan", 2, map[string]*float64{"KW34-2025": f(80), "KW33-2025": f(90)}),
		series("e1", models.FeedEinsatzplan, "Müller,Jan", 2, map[string]*float64{"KW34/25": f(60)}),
		series("e2", models.FeedEinsatzplan, "Schmidt, Anna", 2, map[string]*float64{"KW35-2025": f(50)}),
		series("e3", models.FeedEinsatzplan, "Leer, Max", 2, map[string]*float64{"KW35-2025": nil}),
	)

	locker := &fakeLocker{}
	notifier := &fakeNotifier{}
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.Workers = 3
	c := newConsolidator(s, cfg).WithLocker(locker).WithNotifier(notifier)

	result, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, locker.calls)
	assert.Equal(t, 3, result.Persons)
	assert.Equal(t, 3, result.Rows)
	assert.Equal(t, 1, result.HistoricalRows)
	assert.Equal(t, 2, result.Batches)
	assert.Equal(t, "2025-KW34", result.CurrentWeek)
	require.Len(t, notifier.results, 1)

	rows, err := s.List(ctx, models.ConsolidatedFilter{LatestOnly: true})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "Müller, Jan", rows[0].Person)
	assert.Equal(t, week(2025, 33), rows[0].Week)
	assert.Equal(t, models.SourceAuslastung, rows[0].Source)
	assert.Equal(t, week(2025, 34), rows[1].Week)
	assert.Equal(t, 80.0, rows[1].FinalValue)
	assert.Equal(t, models.SourceBoth, rows[1].Source)
	assert.Equal(t, "Schmidt, Anna", rows[2].Person)
	assert.Equal(t, models.SourceEinsatzplan, rows[2].Source)

	// a second run replaces the latest set instead of adding to it
	second, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), second.MarkedNotLatest)
	rows, err = s.List(ctx, models.ConsolidatedFilter{LatestOnly: true})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestConsolidator_DuplicateLatestRecordsUseHighestVersion(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	s.Seed(
		series("a1", models.FeedAuslastung, "Müller, Jan", 3, map[string]*float64{"KW34-2025": f(30)}),
		series("a2", models.FeedAuslastung, "müller, jan", 4, map[string]*float64{"KW34-2025": f(40)}),
	)

	_, err := newConsolidator(s, DefaultConfig()).Run(ctx)
	require.NoError(t, err)

	rows, err := s.List(ctx, models.ConsolidatedFilter{PersonKey: "müller, jan"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 40.0, rows[0].FinalValue)
}

func TestConsolidator_LockHeld(t *testing.T) {
	s := store.NewMemoryStore()
	busy := errors.New("lock not acquired")
	locker := &fakeLocker{err: busy}

	_, err := newConsolidator(s, DefaultConfig()).WithLocker(locker).Run(context.Background())
	require.ErrorIs(t, err, busy)
}

func TestConsolidator_ReadFailure(t *testing.T) {
	s := store.NewMemoryStore()
	s.QueryErr = errors.New("connection refused")

	_, err := newConsolidator(s, DefaultConfig()).Run(context.Background())
	require.ErrorIs(t, err, s.QueryErr)
}

func TestConsolidator_WriteFailure(t *testing.T) {
	s := store.NewMemoryStore()
	s.Seed(series("a1", models.FeedAuslastung, "Müller, Jan", 1, map[string]*float64{"KW34-2025": f(30)}))
	s.WriteErr = errors.New("read only")

	_, err := newConsolidator(s, DefaultConfig()).Run(context.Background())
	require.ErrorIs(t, err, s.WriteErr)
}
