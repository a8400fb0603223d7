package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
)

// Executor runs managed transactions. *Client implements it.
type Executor interface {
	ExecuteWrite(ctx context.Context, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error)
	ExecuteRead(ctx context.Context, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error)
}

// RecordRef is a feed record attached to a person node.
type RecordRef struct {
	Feed     models.Feed `json:"feed"`
	RecordID string      `json:"record_id"`
	Person   string      `json:"person"`
}

// IdentityService maintains (:Person {id})-[:HAS_RECORD]->(:FeedRecord {id, feed}).
type IdentityService struct {
	executor Executor
	logger   ectologger.Logger
}

func NewIdentityService(executor Executor, logger ectologger.Logger) *IdentityService {
	return &IdentityService{
		executor: executor,
		logger:   logger,
	}
}

const projectIdentityCypher = `
	MERGE (p:Person {id: $person_id})
	MERGE (r:FeedRecord {id: $record_id, feed: $feed})
	SET r.person = $person
	MERGE (p)-[:HAS_RECORD]->(r)
`

const recordsForPersonCypher = `
	MATCH (p:Person {id: $person_id})-[:HAS_RECORD]->(r:FeedRecord)
	RETURN r.feed AS feed, r.id AS record_id, r.person AS person
	ORDER BY feed, record_id
`

func projectIdentityParams(personID string, feed models.Feed, recordID, person string) map[string]any {
	return map[string]any{
		"person_id": personID,
		"record_id": recordID,
		"feed":      string(feed),
		"person":    person,
	}
}

// ProjectIdentity links a record to its person node. Repeating a projection changes nothing.
func (s *IdentityService) ProjectIdentity(ctx context.Context, personID string, feed models.Feed, recordID, person string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.IdentityService.ProjectIdentity")
	defer span.End()

	_, err := s.executor.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, projectIdentityCypher, projectIdentityParams(personID, feed, recordID, person))
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"person_id": personID,
			"record_id": recordID,
			"feed":      feed,
		}).Error("Failed to project identity into graph")
		return fmt.Errorf("failed to project identity into graph: %w", err)
	}
	return nil
}

// RecordsForPerson lists the records linked to a person node.
func (s *IdentityService) RecordsForPerson(ctx context.Context, personID string) ([]RecordRef, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.IdentityService.RecordsForPerson")
	defer span.End()

	out, err := s.executor.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, recordsForPersonCypher, map[string]any{"person_id": personID})
		if err != nil {
			return nil, err
		}
		refs := make([]RecordRef, 0)
		for result.Next(ctx) {
			refs = append(refs, recordRefFromValues(result.Record().AsMap()))
		}
		return refs, result.Err()
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("person_id", personID).Error("Failed to read person records from graph")
		return nil, fmt.Errorf("failed to read person records from graph: %w", err)
	}
	return out.([]RecordRef), nil
}

func recordRefFromValues(values map[string]any) RecordRef {
	str := func(key string) string {
		s, _ := values[key].(string)
		return s
	}
	return RecordRef{
		Feed:     models.Feed(str("feed")),
		RecordID: str("record_id"),
		Person:   str("person"),
	}
}
