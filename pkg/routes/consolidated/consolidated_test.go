package consolidated

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Okossum/utilization-sub004/pkg/middleware"
	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/store"
	"github.com/Okossum/utilization-sub004/pkg/weekkey"
)

func ptr(f float64) *float64 { return &f }

func seeded(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, s.UpsertBatch(t.Context(), []models.ConsolidatedWeekRecord{
		{Person: "Müller, Jan", PersonKey: "müller, jan", Week: weekkey.MustParse("2025-KW34"), AuslastungValue: ptr(80), FinalValue: 80, Source: models.SourceAuslastung, IsLatest: true},
		{Person: "Müller, Jan", PersonKey: "müller, jan", Week: weekkey.MustParse("2025-KW30"), EinsatzplanValue: ptr(50), FinalValue: 50, Source: models.SourceEinsatzplan, IsHistorical: true, IsLatest: true},
		{Person: "Schmidt, Anna", PersonKey: "schmidt, anna", Week: weekkey.MustParse("2025-KW34"), FinalValue: 20, Source: models.SourceAuslastung},
	}))
	return s
}

func list(t *testing.T, s *store.MemoryStore, query string) (*httptest.ResponseRecorder, []models.ConsolidatedWeekRecord) {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(logger)
	NewHandler(s, logger).Register(e.Group("/api/v1/consolidated"))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/consolidated"+query, nil))
	var rows []models.ConsolidatedWeekRecord
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	}
	return rec, rows
}

func TestList(t *testing.T) {
	s := seeded(t)

	rec, rows := list(t, s, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, rows, 2)
	assert.Equal(t, "2025-KW30", rows[0].Week.Label())
	assert.Equal(t, "2025-KW34", rows[1].Week.Label())

	_, rows = list(t, s, "?latest=false")
	assert.Len(t, rows, 3)

	_, rows = list(t, s, "?person=M%C3%BCller,%20%20Jan&historical=false")
	require.Len(t, rows, 1)
	assert.Equal(t, 80.0, rows[0].FinalValue)

	_, rows = list(t, s, "?person=nobody")
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestList_InvalidBool(t *testing.T) {
	rec, _ := list(t, seeded(t), "?historical=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
