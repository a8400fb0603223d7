package feedrecord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Okossum/utilization-sub004/pkg/database"
	"github.com/Okossum/utilization-sub004/pkg/metrics"
	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/normalizers"
	"github.com/Okossum/utilization-sub004/pkg/store"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
)

var tables = map[models.Feed]string{
	models.FeedAuslastung:  "auslastung_records",
	models.FeedEinsatzplan: "einsatzplan_records",
	models.FeedMitarbeiter: "mitarbeiter_records",
}

// TableFor returns the table backing a feed.
func TableFor(feed models.Feed) (string, error) {
	table, ok := tables[feed]
	if !ok {
		return "", store.ErrUnknownFeed
	}
	return table, nil
}

// FeedForTable maps a table name, as CDC events report it, back to its feed.
func FeedForTable(table string) (models.Feed, bool) {
	for feed, t := range tables {
		if t == table {
			return feed, true
		}
	}
	return "", false
}

var columns = []string{
	"id", "person", "person_key", "competence_center", "team", "line_of_business", "career_level",
	"canonical_person_id", "canonical_person_id_set_at", "identity_conflicts",
	"file_name", "upload_version", "is_latest", "weekly_values", "created_at", "updated_at",
}

// competence_center_key is written with every insert or replace and only used for filtering.
const competenceCenterKeyColumn = "competence_center_key"

const versionsTable = "feed_upload_versions"

var insertColumns = append(append([]string{}, columns...), competenceCenterKeyColumn)

type recordRow struct {
	ID                     string                                   `db:"id"`
	Person                 string                                   `db:"person"`
	PersonKey              string                                   `db:"person_key"`
	CompetenceCenter       string                                   `db:"competence_center"`
	Team                   string                                   `db:"team"`
	LineOfBusiness         string                                   `db:"line_of_business"`
	CareerLevel            string                                   `db:"career_level"`
	CanonicalPersonID      *string                                  `db:"canonical_person_id"`
	CanonicalPersonIDSetAt *time.Time                               `db:"canonical_person_id_set_at"`
	IdentityConflicts      database.JSONB[[]models.IdentityConflict] `db:"identity_conflicts"`
	FileName               string                                   `db:"file_name"`
	UploadVersion          int                                      `db:"upload_version"`
	IsLatest               bool                                     `db:"is_latest"`
	WeeklyValues           database.JSONB[map[string]*float64]      `db:"weekly_values"`
	CreatedAt              time.Time                                `db:"created_at"`
	UpdatedAt              time.Time                                `db:"updated_at"`
}

func (r recordRow) toModel(feed models.Feed) *models.FeedRecord {
	return &models.FeedRecord{
		ID:                     r.ID,
		Feed:                   feed,
		Person:                 r.Person,
		PersonKey:              r.PersonKey,
		CompetenceCenter:       r.CompetenceCenter,
		Team:                   r.Team,
		LineOfBusiness:         r.LineOfBusiness,
		CareerLevel:            r.CareerLevel,
		CanonicalPersonID:      r.CanonicalPersonID,
		CanonicalPersonIDSetAt: r.CanonicalPersonIDSetAt,
		IdentityConflicts:      r.IdentityConflicts.GetValue(),
		FileName:               r.FileName,
		UploadVersion:          r.UploadVersion,
		IsLatest:               r.IsLatest,
		WeeklyValues:           r.WeeklyValues.GetValue(),
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
}

// Repository stores feed records in one Postgres table per feed. It implements store.RecordStore.
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

// Query returns the records of a feed matching filter.
func (r *Repository) Query(ctx context.Context, feed models.Feed, filter store.Filter) ([]*models.FeedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "feedrecord.Repository.Query")
	defer span.End()
	defer metrics.ObserveQuery("feedrecord.query", time.Now())

	table, err := TableFor(feed)
	if err != nil {
		return nil, err
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	if filter.PersonKey != "" {
		sb.Where(sb.Equal("person_key", filter.PersonKey))
	}
	if filter.CompetenceCenter != "" {
		sb.Where(sb.Equal(competenceCenterKeyColumn, normalizers.CompetenceCenter(filter.CompetenceCenter)))
	}
	if filter.CanonicalPersonID != "" {
		sb.Where(sb.Equal("canonical_person_id", filter.CanonicalPersonID))
	}
	if filter.HasCanonicalID {
		sb.Where(sb.IsNotNull("canonical_person_id"))
	}
	if filter.HasConflicts {
		sb.Where("jsonb_array_length(identity_conflicts) > 0")
	}
	if filter.LatestOnly {
		sb.Where(sb.Equal("is_latest", true))
	}
	sb.OrderBy("person_key", "upload_version DESC", "id")
	if filter.Limit > 0 {
		sb.Limit(filter.Limit)
	}

	query, args := sb.Build()
	var rows []recordRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("feed", feed).Error("Failed to query feed records")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to query %s records", feed)
	}

	records := make([]*models.FeedRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toModel(feed))
	}
	return records, nil
}

// NextUploadVersion reserves the next upload version of a feed in feed_upload_versions. The
// counter never falls behind the versions already stored in the feed table.
func (r *Repository) NextUploadVersion(ctx context.Context, feed models.Feed) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "feedrecord.Repository.NextUploadVersion")
	defer span.End()

	table, err := TableFor(feed)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`INSERT INTO %[1]s (feed, version)
VALUES ($1, (SELECT COALESCE(MAX(upload_version), 0) + 1 FROM %[2]s))
ON CONFLICT (feed) DO UPDATE SET version = GREATEST(%[1]s.version + 1, EXCLUDED.version)
RETURNING version`, versionsTable, table)

	var version int
	if err := r.db.GetContext(ctx, &version, query, string(feed)); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("feed", feed).Error("Failed to reserve upload version")
		return 0, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to reserve %s upload version", feed)
	}
	return version, nil
}

// BatchWrite applies writes in one transaction.
func (r *Repository) BatchWrite(ctx context.Context, feed models.Feed, writes []store.Write) error {
	ctx, span := tracing.StartSpan(ctx, "feedrecord.Repository.BatchWrite")
	defer span.End()
	defer metrics.ObserveQuery("feedrecord.batch_write", time.Now())

	table, err := TableFor(feed)
	if err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}

	now := r.now()
	return database.WithTx(ctx, r.logger, r.db, func(ctx context.Context, tx database.Tx) error {
		for i, w := range writes {
			var err error
			switch w.Kind {
			case store.WriteInsert:
				err = r.insert(ctx, tx, table, w.Record, now)
			case store.WriteReplace:
				err = r.replace(ctx, tx, table, w.RecordID, w.Record, now)
			case store.WriteMerge:
				err = r.merge(ctx, tx, table, w.RecordID, w.Patch, now)
			default:
				err = fmt.Errorf("unknown write kind %q", w.Kind)
			}
			if err != nil {
				r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"feed":      feed,
					"kind":      w.Kind,
					"record_id": w.RecordID,
					"index":     i,
				}).Error("Feed record write failed")
				return err
			}
		}
		return nil
	})
}

func (r *Repository) insert(ctx context.Context, tx database.Tx, table string, record *models.FeedRecord, now time.Time) error {
	if record == nil {
		return fmt.Errorf("insert without record")
	}
	id := record.ID
	if id == "" {
		id = uuid.New().String()
	}
	conflicts := record.IdentityConflicts
	if conflicts == nil {
		conflicts = []models.IdentityConflict{}
	}
	values := record.WeeklyValues
	if values == nil {
		values = map[string]*float64{}
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(insertColumns...)
	ib.Values(
		id, record.Person, record.PersonKey, record.CompetenceCenter, record.Team, record.LineOfBusiness, record.CareerLevel,
		record.CanonicalPersonID, record.CanonicalPersonIDSetAt, database.NewJSONB(conflicts),
		record.FileName, record.UploadVersion, record.IsLatest, database.NewJSONB(values), now, now,
		normalizers.CompetenceCenter(record.CompetenceCenter),
	)

	query, args := ib.Build()
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) replace(ctx context.Context, tx database.Tx, table, id string, record *models.FeedRecord, now time.Time) error {
	if record == nil {
		return fmt.Errorf("replace without record")
	}
	values := record.WeeklyValues
	if values == nil {
		values = map[string]*float64{}
	}

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("person", record.Person),
		ub.Assign("person_key", record.PersonKey),
		ub.Assign("competence_center", record.CompetenceCenter),
		ub.Assign(competenceCenterKeyColumn, normalizers.CompetenceCenter(record.CompetenceCenter)),
		ub.Assign("team", record.Team),
		ub.Assign("line_of_business", record.LineOfBusiness),
		ub.Assign("career_level", record.CareerLevel),
		ub.Assign("file_name", record.FileName),
		ub.Assign("upload_version", record.UploadVersion),
		ub.Assign("is_latest", record.IsLatest),
		ub.Assign("weekly_values", database.NewJSONB(values)),
		ub.Assign("updated_at", now),
	)
	ub.Where(ub.Equal("id", id))

	return execOne(ctx, tx, id, ub)
}

func (r *Repository) merge(ctx context.Context, tx database.Tx, table, id string, patch *store.RecordPatch, now time.Time) error {
	if patch == nil {
		return fmt.Errorf("merge without patch")
	}

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	var assignments []string
	if patch.CanonicalPersonID != nil {
		setAt := now
		if patch.CanonicalPersonIDSetAt != nil {
			setAt = *patch.CanonicalPersonIDSetAt
		}
		// right-hand sides read the row before the update, so both columns only change while the id is null
		assignments = append(assignments,
			fmt.Sprintf("canonical_person_id = COALESCE(canonical_person_id, %s)", ub.Var(*patch.CanonicalPersonID)),
			fmt.Sprintf("canonical_person_id_set_at = CASE WHEN canonical_person_id IS NULL THEN %s ELSE canonical_person_id_set_at END", ub.Var(setAt)),
		)
	}
	if patch.IsLatest != nil {
		assignments = append(assignments, ub.Assign("is_latest", *patch.IsLatest))
	}
	if c := patch.AppendConflict; c != nil {
		match, err := json.Marshal([]map[string]string{{"previous_id": c.PreviousID, "incoming_id": c.IncomingID}})
		if err != nil {
			return err
		}
		entry, err := json.Marshal([]models.IdentityConflict{*c})
		if err != nil {
			return err
		}
		assignments = append(assignments, fmt.Sprintf(
			"identity_conflicts = CASE WHEN identity_conflicts @> %s::jsonb THEN identity_conflicts ELSE identity_conflicts || %s::jsonb END",
			ub.Var(string(match)), ub.Var(string(entry)),
		))
	}
	if len(assignments) == 0 {
		return nil
	}
	assignments = append(assignments, ub.Assign("updated_at", now))
	ub.Set(assignments...)
	ub.Where(ub.Equal("id", id))

	return execOne(ctx, tx, id, ub)
}

func execOne(ctx context.Context, tx database.Tx, id string, ub *database.UpdateBuilder) error {
	query, args := ub.Build()
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("record %s: %w", id, store.ErrRecordNotFound)
	}
	return nil
}
