package consolidatedweek

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Okossum/utilization-sub004/pkg/database"
	"github.com/Okossum/utilization-sub004/pkg/metrics"
	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
	"github.com/Okossum/utilization-sub004/pkg/weekkey"
)

const table = "consolidated_week_records"

var columns = []string{
	"person_key", "person", "canonical_person_id", "competence_center",
	"iso_year", "iso_week", "week_label",
	"auslastung_value", "einsatzplan_value", "final_value", "source",
	"is_historical", "is_latest", "updated_at",
}

type weekRow struct {
	PersonKey         string    `db:"person_key"`
	Person            string    `db:"person"`
	CanonicalPersonID *string   `db:"canonical_person_id"`
	CompetenceCenter  string    `db:"competence_center"`
	ISOYear           int       `db:"iso_year"`
	ISOWeek           int       `db:"iso_week"`
	WeekLabel         string    `db:"week_label"`
	AuslastungValue   *float64  `db:"auslastung_value"`
	EinsatzplanValue  *float64  `db:"einsatzplan_value"`
	FinalValue        float64   `db:"final_value"`
	Source            string    `db:"source"`
	IsHistorical      bool      `db:"is_historical"`
	IsLatest          bool      `db:"is_latest"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (w weekRow) toModel() models.ConsolidatedWeekRecord {
	return models.ConsolidatedWeekRecord{
		Person:            w.Person,
		PersonKey:         w.PersonKey,
		CanonicalPersonID: w.CanonicalPersonID,
		CompetenceCenter:  w.CompetenceCenter,
		Week:              weekkey.WeekKey{ISOYear: w.ISOYear, ISOWeek: w.ISOWeek},
		AuslastungValue:   w.AuslastungValue,
		EinsatzplanValue:  w.EinsatzplanValue,
		FinalValue:        w.FinalValue,
		Source:            models.ValueSource(w.Source),
		IsHistorical:      w.IsHistorical,
		IsLatest:          w.IsLatest,
		UpdatedAt:         w.UpdatedAt,
	}
}

// Repository implements store.ConsolidatedStore on Postgres.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
	now    func() time.Time
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *Repository) MarkAllNotLatest(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "consolidatedweek.Repository.MarkAllNotLatest")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("is_latest", false),
		ub.Assign("updated_at", r.now()),
	)
	ub.Where(ub.Equal("is_latest", true))

	query, args := ub.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to mark consolidated rows not latest")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark consolidated rows not latest")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, httperror.WrapError(http.StatusInternalServerError, err)
	}
	return affected, nil
}

// UpsertBatch writes rows in one statement. A row with an existing (person_key, iso_year, iso_week)
// replaces the stored one.
func (r *Repository) UpsertBatch(ctx context.Context, rows []models.ConsolidatedWeekRecord) error {
	ctx, span := tracing.StartSpan(ctx, "consolidatedweek.Repository.UpsertBatch")
	defer span.End()
	defer metrics.ObserveQuery("consolidatedweek.upsert", time.Now())

	if len(rows) == 0 {
		return nil
	}

	now := r.now()
	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	for _, row := range rows {
		updatedAt := row.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		ib.Values(
			row.PersonKey, row.Person, row.CanonicalPersonID, row.CompetenceCenter,
			row.Week.ISOYear, row.Week.ISOWeek, row.Week.Label(),
			row.AuslastungValue, row.EinsatzplanValue, row.FinalValue, string(row.Source),
			row.IsHistorical, row.IsLatest, updatedAt,
		)
	}

	ub := ib.OnConflict("person_key", "iso_year", "iso_week")
	var assignments []string
	for _, col := range columns {
		switch col {
		case "person_key", "iso_year", "iso_week":
			continue
		}
		assignments = append(assignments, ub.Assign(col, database.Excluded(col)))
	}
	ub.Set(assignments...)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("rows", len(rows)).Error("Failed to upsert consolidated rows")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert consolidated rows")
	}
	return nil
}

// List returns consolidated rows ordered by person and week.
func (r *Repository) List(ctx context.Context, filter models.ConsolidatedFilter) ([]models.ConsolidatedWeekRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "consolidatedweek.Repository.List")
	defer span.End()
	defer metrics.ObserveQuery("consolidatedweek.list", time.Now())

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	if filter.PersonKey != "" {
		sb.Where(sb.Equal("person_key", filter.PersonKey))
	}
	if filter.IsHistorical != nil {
		sb.Where(sb.Equal("is_historical", *filter.IsHistorical))
	}
	if filter.LatestOnly {
		sb.Where(sb.Equal("is_latest", true))
	}
	sb.OrderBy("person_key", "iso_year", "iso_week")

	query, args := sb.Build()
	var rows []weekRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list consolidated rows")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list consolidated rows")
	}

	out := make([]models.ConsolidatedWeekRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}
