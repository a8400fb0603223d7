package feedrecord

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Okossum/utilization-sub004/pkg/database"
	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/store"
)

var fixedNow = time.Date(2025, 8, 20, 6, 0, 0, 0, time.UTC)

func newTestRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	repo := NewRepository(database.NewDatabaseInstance(sqlx.NewDb(db, "postgres"), logger), logger)
	repo.now = func() time.Time { return fixedNow }
	return repo, mock
}

func TestTableFor(t *testing.T) {
	table, err := TableFor(models.FeedMitarbeiter)
	require.NoError(t, err)
	assert.Equal(t, "mitarbeiter_records", table)

	_, err = TableFor(models.Feed("payroll"))
	assert.ErrorIs(t, err, store.ErrUnknownFeed)
}

func TestRepository_Query(t *testing.T) {
	repo, mock := newTestRepository(t)

	rows := sqlmock.NewRows(columns).AddRow(
		"e1", "Müller, Jan", "müller, jan", "CC1", "Team A", "LoB", "Senior",
		"P1", fixedNow, []byte(`[{"previous_id":"P1","incoming_id":"P2","detected_at":"2025-08-20T06:00:00Z","source":"outbound"}]`),
		"plan.xlsx", 3, true, []byte(`{"KW34-2025":60,"KW35-2025":null}`), fixedNow, fixedNow,
	)
	mock.ExpectQuery(`SELECT .* FROM einsatzplan_records WHERE person_key = \$1 AND is_latest = \$2 ORDER BY person_key, upload_version DESC, id`).
		WithArgs("müller, jan", true).
		WillReturnRows(rows)

	records, err := repo.Query(context.Background(), models.FeedEinsatzplan, store.Filter{PersonKey: "müller, jan", LatestOnly: true})
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, models.FeedEinsatzplan, r.Feed)
	assert.Equal(t, "P1", r.CanonicalID())
	require.Len(t, r.IdentityConflicts, 1)
	assert.Equal(t, models.ConflictSourceOutbound, r.IdentityConflicts[0].Source)
	assert.Equal(t, 60.0, *r.WeeklyValues["KW34-2025"])
	assert.Nil(t, r.WeeklyValues["KW35-2025"])
	assert.Equal(t, 3, r.UploadVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_QueryConflictFilter(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(`SELECT .* FROM mitarbeiter_records WHERE jsonb_array_length\(identity_conflicts\) > 0`).
		WillReturnRows(sqlmock.NewRows(columns))

	records, err := repo.Query(context.Background(), models.FeedMitarbeiter, store.Filter{HasConflicts: true})
	require.NoError(t, err)
	assert.Empty(t, records)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_QueryFailure(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(`SELECT .* FROM auslastung_records`).WillReturnError(errors.New("connection reset"))

	_, err := repo.Query(context.Background(), models.FeedAuslastung, store.Filter{})
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err))
	assert.Equal(t, http.StatusInternalServerError, httperror.GetStatusCode(err))
}

func TestRepository_QueryCompetenceCenterKey(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(`SELECT .* FROM auslastung_records WHERE person_key = \$1 AND competence_center_key = \$2`).
		WithArgs("müller, jan", "cc digital").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := repo.Query(context.Background(), models.FeedAuslastung, store.Filter{PersonKey: "müller, jan", CompetenceCenter: "  CC  Digital"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_NextUploadVersion(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(`INSERT INTO feed_upload_versions \(feed, version\)\s+VALUES \(\$1, \(SELECT COALESCE\(MAX\(upload_version\), 0\) \+ 1 FROM auslastung_records\)\)\s+ON CONFLICT \(feed\) DO UPDATE SET version = GREATEST\(feed_upload_versions.version \+ 1, EXCLUDED.version\)\s+RETURNING version`).
		WithArgs("auslastung").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(8))

	version, err := repo.NextUploadVersion(context.Background(), models.FeedAuslastung)
	require.NoError(t, err)
	assert.Equal(t, 8, version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_NextUploadVersionFailure(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(`INSERT INTO feed_upload_versions`).WillReturnError(errors.New("connection reset"))

	_, err := repo.NextUploadVersion(context.Background(), models.FeedEinsatzplan)
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, httperror.GetStatusCode(err))

	_, err = repo.NextUploadVersion(context.Background(), models.Feed("payroll"))
	assert.ErrorIs(t, err, store.ErrUnknownFeed)
}

func TestRepository_BatchWrite(t *testing.T) {
	repo, mock := newTestRepository(t)
	personID := "P1"
	notLatest := false

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO einsatzplan_records \(id, person, person_key, .*, competence_center_key\) VALUES`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE einsatzplan_records SET person = \$1, .*competence_center_key = \$\d+, .* WHERE id = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE einsatzplan_records SET canonical_person_id = COALESCE\(canonical_person_id, \$1\), canonical_person_id_set_at = CASE WHEN canonical_person_id IS NULL THEN \$2 ELSE canonical_person_id_set_at END, is_latest = \$3, identity_conflicts = CASE WHEN identity_conflicts @> \$4::jsonb THEN identity_conflicts ELSE identity_conflicts \|\| \$5::jsonb END, updated_at = \$6 WHERE id = \$7`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.BatchWrite(context.Background(), models.FeedEinsatzplan, []store.Write{
		store.Insert(&models.FeedRecord{Person: "Schmidt, Anna", PersonKey: "schmidt, anna", UploadVersion: 2, IsLatest: true}),
		store.Replace("e1", &models.FeedRecord{Person: "Müller, Jan", PersonKey: "müller, jan", UploadVersion: 2, IsLatest: true}),
		store.Merge("e2", store.RecordPatch{
			CanonicalPersonID: &personID,
			IsLatest:          &notLatest,
			AppendConflict:    &models.IdentityConflict{PreviousID: "P0", IncomingID: "P1", DetectedAt: fixedNow},
		}),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_BatchWriteMissingRecordRollsBack(t *testing.T) {
	repo, mock := newTestRepository(t)
	latest := true

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE auslastung_records SET is_latest = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.BatchWrite(context.Background(), models.FeedAuslastung, []store.Write{
		store.Merge("gone", store.RecordPatch{IsLatest: &latest}),
	})
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_BatchWriteNoop(t *testing.T) {
	repo, mock := newTestRepository(t)

	require.NoError(t, repo.BatchWrite(context.Background(), models.FeedAuslastung, nil))

	mock.ExpectBegin()
	mock.ExpectCommit()
	require.NoError(t, repo.BatchWrite(context.Background(), models.FeedAuslastung, []store.Write{
		store.Merge("a1", store.RecordPatch{}),
	}))
	require.NoError(t, mock.ExpectationsWereMet())

	err := repo.BatchWrite(context.Background(), models.Feed("payroll"), []store.Write{store.Merge("a1", store.RecordPatch{})})
	assert.ErrorIs(t, err, store.ErrUnknownFeed)
}
