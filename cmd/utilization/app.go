package main

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Okossum/utilization-sub004/config"
	"github.com/Okossum/utilization-sub004/internal/repositories/consolidatedweek"
	"github.com/Okossum/utilization-sub004/internal/repositories/feedrecord"
	"github.com/Okossum/utilization-sub004/pkg/consolidation"
	"github.com/Okossum/utilization-sub004/pkg/database"
	"github.com/Okossum/utilization-sub004/pkg/events"
	"github.com/Okossum/utilization-sub004/pkg/graph"
	"github.com/Okossum/utilization-sub004/pkg/kafka"
	"github.com/Okossum/utilization-sub004/pkg/matching"
	"github.com/Okossum/utilization-sub004/pkg/propagation"
	"github.com/Okossum/utilization-sub004/pkg/redis"
	"github.com/Okossum/utilization-sub004/pkg/startup"
	"github.com/Okossum/utilization-sub004/pkg/store"
	"github.com/Okossum/utilization-sub004/pkg/versioning"
)

// app holds the connections and engines shared by the commands. Optional
// connections stay nil when they are not configured.
type app struct {
	cfg    *config.Config
	logger ectologger.Logger

	db       database.DB
	redis    *redis.Client
	graph    *graph.Client
	producer *kafka.Producer

	records      *feedrecord.Repository
	weeks        *consolidatedweek.Repository
	versioner    *versioning.Versioner
	consolidator *consolidation.Consolidator
	propagator   *propagation.Propagator
	dispatcher   *propagation.Dispatcher
	identity     *graph.IdentityService
}

func newApp(cfg *config.Config, logger ectologger.Logger) *app {
	return &app{cfg: cfg, logger: logger}
}

// infrastructure returns the startup dependencies for the external systems a command needs.
// The names of the added dependencies are returned for use in Requires.
func (a *app) infrastructure(s *startup.Startup, withProducer, migrate bool) []string {
	names := []string{"postgres"}
	s.Add(startup.Func{
		Name: "postgres",
		StartFn: func(ctx context.Context) error {
			db, err := database.Connect(ctx, a.cfg.Database(), a.logger)
			if err != nil {
				return err
			}
			a.db = db
			if migrate {
				return database.NewMigrationService(a.logger, a.cfg.Migration()).MigratePostgres(db, a.cfg.DatabaseName)
			}
			return nil
		},
		StopFn: func(context.Context) error { return a.db.Close() },
	})

	if a.cfg.RedisEnabled() {
		names = append(names, "redis")
		s.Add(startup.Func{
			Name: "redis",
			StartFn: func(ctx context.Context) error {
				client, err := redis.NewClient(ctx, a.cfg.Redis(), a.logger)
				if err != nil {
					return err
				}
				a.redis = client
				return nil
			},
			StopFn: func(context.Context) error { return a.redis.Close() },
		})
	}

	if a.cfg.GraphEnabled() {
		names = append(names, "neo4j")
		s.Add(startup.Func{
			Name: "neo4j",
			StartFn: func(ctx context.Context) error {
				client, err := graph.NewClient(a.cfg.Graph(), a.logger)
				if err != nil {
					return err
				}
				if err := client.VerifyConnectivity(ctx); err != nil {
					_ = client.Close(ctx)
					return fmt.Errorf("graph database unreachable: %w", err)
				}
				a.graph = client
				return nil
			},
			StopFn: func(ctx context.Context) error { return a.graph.Close(ctx) },
		})
	}

	if withProducer && a.cfg.KafkaOutputTopic != "" {
		names = append(names, "kafka-producer")
		s.Add(startup.Func{
			Name: "kafka-producer",
			StartFn: func(context.Context) error {
				a.producer = kafka.NewProducer(a.cfg.Producer(), a.logger)
				return nil
			},
			StopFn: func(context.Context) error { return a.producer.Close() },
		})
	}

	return names
}

// buildEngines wires repositories and engines onto the connections opened by infrastructure.
func (a *app) buildEngines() {
	a.records = feedrecord.NewRepository(a.db, a.logger)
	a.weeks = consolidatedweek.NewRepository(a.db, a.logger)
	batcher := store.NewBatcher(a.records, a.cfg.BatchLimit, a.logger)

	a.versioner = versioning.NewVersioner(a.records, batcher, a.logger, a.cfg.Versioning())
	a.consolidator = consolidation.NewConsolidator(a.records, a.weeks, a.logger, a.cfg.Consolidation())
	a.propagator = propagation.NewPropagator(matching.NewMatcher(a.records, a.logger), a.records, a.logger, a.cfg.Propagation())
	a.dispatcher = propagation.NewDispatcher(batcher, a.logger)

	if a.redis != nil {
		locker := redis.NewLocker(a.redis, a.cfg.RedisKeyPrefix)
		a.versioner.WithLocker(locker)
		a.consolidator.WithLocker(locker)
	}
	if a.producer != nil {
		emitter := events.NewEmitter(a.producer, a.logger)
		a.versioner.WithNotifier(emitter)
		a.consolidator.WithNotifier(emitter)
		a.dispatcher.WithNotifier(emitter)
	}
	if a.graph != nil {
		a.identity = graph.NewIdentityService(a.graph, a.logger)
		a.dispatcher.WithProjector(a.identity)
	}
}
