package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/propagation"
)

var (
	_ propagation.Projector = (*IdentityService)(nil)
	_ Executor              = (*Client)(nil)
)

type failingExecutor struct {
	err error
}

func (e failingExecutor) ExecuteWrite(context.Context, func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	return nil, e.err
}

func (e failingExecutor) ExecuteRead(context.Context, func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	return nil, e.err
}

func TestProjectIdentityParams(t *testing.T) {
	params := projectIdentityParams("P1", models.FeedEinsatzplan, "e1", "Müller, Jan")
	assert.Equal(t, map[string]any{
		"person_id": "P1",
		"record_id": "e1",
		"feed":      "einsatzplan",
		"person":    "Müller, Jan",
	}, params)
	assert.Contains(t, projectIdentityCypher, "MERGE (p)-[:HAS_RECORD]->(r)")
}

func TestRecordRefFromValues(t *testing.T) {
	ref := recordRefFromValues(map[string]any{"feed": "mitarbeiter", "record_id": "m1", "person": nil})
	assert.Equal(t, RecordRef{Feed: models.FeedMitarbeiter, RecordID: "m1"}, ref)
}

func TestIdentityService_Errors(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	boom := errors.New("bolt connection refused")
	s := NewIdentityService(failingExecutor{err: boom}, logger)

	err := s.ProjectIdentity(context.Background(), "P1", models.FeedEinsatzplan, "e1", "Müller, Jan")
	require.ErrorIs(t, err, boom)

	_, err = s.RecordsForPerson(context.Background(), "P1")
	require.ErrorIs(t, err, boom)
}
