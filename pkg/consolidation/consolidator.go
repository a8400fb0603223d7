// Package consolidation merges the utilization and staffing-plan series into one canonical
// value per person and ISO week.
package consolidation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	appctx "github.com/Okossum/utilization-sub004/pkg/context"
	"github.com/Okossum/utilization-sub004/pkg/metrics"
	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/normalizers"
	"github.com/Okossum/utilization-sub004/pkg/store"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
	"github.com/Okossum/utilization-sub004/pkg/weekkey"
)

const lockKey = "consolidation"

type Config struct {
	Policy    Policy
	Workers   int
	BatchSize int
	LockTTL   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Policy:    PreferAuslastung,
		Workers:   8,
		BatchSize: store.DefaultBatchLimit,
		LockTTL:   10 * time.Minute,
	}
}

// Locker keeps two runs from overlapping across instances.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Notifier publishes finished runs.
type Notifier interface {
	EmitConsolidationCompleted(ctx context.Context, result Result) error
}

// Result summarizes one run.
type Result struct {
	RunID           string    `json:"run_id"`
	Persons         int       `json:"persons"`
	Rows            int       `json:"rows"`
	HistoricalRows  int       `json:"historical_rows"`
	MarkedNotLatest int64     `json:"marked_not_latest"`
	Batches         int       `json:"batches"`
	CurrentWeek     string    `json:"current_week"`
	Policy          Policy    `json:"policy"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

type Consolidator struct {
	records      store.RecordStore
	consolidated store.ConsolidatedStore
	logger       ectologger.Logger
	cfg          Config
	locker       Locker
	notifier     Notifier
	now          func() time.Time
}

func NewConsolidator(records store.RecordStore, consolidated store.ConsolidatedStore, logger ectologger.Logger, cfg Config) *Consolidator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = store.DefaultBatchLimit
	}
	if cfg.Policy == "" {
		cfg.Policy = PreferAuslastung
	}
	return &Consolidator{
		records:      records,
		consolidated: consolidated,
		logger:       logger,
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (c *Consolidator) WithLocker(l Locker) *Consolidator {
	c.locker = l
	return c
}

func (c *Consolidator) WithNotifier(n Notifier) *Consolidator {
	c.notifier = n
	return c
}

// WithClock replaces the time source, for tests.
func (c *Consolidator) WithClock(now func() time.Time) *Consolidator {
	c.now = now
	return c
}

// Run recomputes the consolidated series of every person from the latest feed records.
// Previously latest rows are marked not latest before the new rows are upserted, so an
// interrupted run leaves a state the next run repairs.
func (c *Consolidator) Run(ctx context.Context) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "consolidation.Consolidator.Run")
	defer span.End()

	if c.locker == nil {
		return c.run(ctx)
	}

	var result Result
	err := c.locker.WithLock(ctx, lockKey, c.cfg.LockTTL, func(ctx context.Context) error {
		var runErr error
		result, runErr = c.run(ctx)
		return runErr
	})
	return result, err
}

func (c *Consolidator) run(ctx context.Context) (Result, error) {
	started := c.now()
	result := Result{
		RunID:     uuid.NewString(),
		Policy:    c.cfg.Policy,
		StartedAt: started,
	}
	ctx = appctx.SetRunID(ctx, result.RunID)
	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id": result.RunID,
		"policy": c.cfg.Policy,
	})

	current := weekkey.Current(started)
	result.CurrentWeek = current.Label()

	persons, err := c.load(ctx)
	if err != nil {
		metrics.RecordConsolidation("error", 0, time.Since(started).Seconds())
		return result, err
	}
	result.Persons = len(persons)

	perPerson := make([][]models.ConsolidatedWeekRecord, len(persons))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i := range persons {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perPerson[i] = Consolidate(persons[i], c.cfg.Policy, current, started)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.RecordConsolidation("error", 0, time.Since(started).Seconds())
		return result, err
	}

	var rows []models.ConsolidatedWeekRecord
	for _, personRows := range perPerson {
		rows = append(rows, personRows...)
	}
	for _, row := range rows {
		if row.IsHistorical {
			result.HistoricalRows++
		}
	}
	result.Rows = len(rows)

	marked, err := c.consolidated.MarkAllNotLatest(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to mark consolidated rows not latest")
		metrics.RecordConsolidation("error", 0, time.Since(started).Seconds())
		return result, fmt.Errorf("mark consolidated rows not latest: %w", err)
	}
	result.MarkedNotLatest = marked

	for _, batch := range store.Chunk(rows, c.cfg.BatchSize) {
		if err := c.consolidated.UpsertBatch(ctx, batch); err != nil {
			log.WithError(err).WithFields(map[string]any{
				"batch":     result.Batches + 1,
				"committed": result.Batches,
			}).Error("Failed to upsert consolidated rows")
			metrics.RecordConsolidation("error", 0, time.Since(started).Seconds())
			return result, fmt.Errorf("upsert consolidated batch %d: %w", result.Batches+1, err)
		}
		result.Batches++
	}

	result.FinishedAt = c.now()
	metrics.RecordConsolidation("success", result.Rows, result.FinishedAt.Sub(started).Seconds())

	log.WithFields(map[string]any{
		"persons":           result.Persons,
		"rows":              result.Rows,
		"historical_rows":   result.HistoricalRows,
		"marked_not_latest": result.MarkedNotLatest,
		"current_week":      result.CurrentWeek,
	}).Info("Consolidation run finished")

	if c.notifier != nil {
		if err := c.notifier.EmitConsolidationCompleted(ctx, result); err != nil {
			log.WithError(err).Warn("Failed to emit consolidation.completed event")
		}
	}
	return result, nil
}

// load indexes the latest records of both series feeds by person key.
func (c *Consolidator) load(ctx context.Context) ([]PersonSeries, error) {
	aus, err := c.latestByPerson(ctx, models.FeedAuslastung)
	if err != nil {
		return nil, err
	}
	ein, err := c.latestByPerson(ctx, models.FeedEinsatzplan)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(aus)+len(ein))
	for key := range aus {
		keys = append(keys, key)
	}
	for key := range ein {
		if _, ok := aus[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	persons := make([]PersonSeries, 0, len(keys))
	for _, key := range keys {
		persons = append(persons, PersonSeries{
			PersonKey:   key,
			Auslastung:  aus[key],
			Einsatzplan: ein[key],
		})
	}
	return persons, nil
}

func (c *Consolidator) latestByPerson(ctx context.Context, feed models.Feed) (map[string]*models.FeedRecord, error) {
	records, err := c.records.Query(ctx, feed, store.Filter{LatestOnly: true})
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("feed", feed).Error("Failed to load latest records")
		return nil, fmt.Errorf("load latest %s records: %w", feed, err)
	}

	index := make(map[string]*models.FeedRecord, len(records))
	for _, r := range records {
		key := r.PersonKey
		if key == "" {
			key = normalizers.PersonKey(r.Person)
		}
		if key == "" {
			continue
		}
		existing, ok := index[key]
		if !ok {
			index[key] = r
			continue
		}
		c.logger.WithContext(ctx).WithFields(map[string]any{
			"feed":        feed,
			"person_key":  key,
			"kept_id":     existing.ID,
			"kept_ver":    existing.UploadVersion,
			"ignored_id":  r.ID,
			"ignored_ver": r.UploadVersion,
		}).Warn("Several latest records for one person; using the highest upload version")
		if r.UploadVersion > existing.UploadVersion {
			index[key] = r
		}
	}
	return index, nil
}
