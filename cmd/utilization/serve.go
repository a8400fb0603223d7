package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Okossum/utilization-sub004/pkg/kafka"
	"github.com/Okossum/utilization-sub004/pkg/middleware"
	"github.com/Okossum/utilization-sub004/pkg/processor"
	"github.com/Okossum/utilization-sub004/pkg/routes/conflicts"
	"github.com/Okossum/utilization-sub004/pkg/routes/consolidated"
	"github.com/Okossum/utilization-sub004/pkg/routes/consolidation"
	"github.com/Okossum/utilization-sub004/pkg/routes/health"
	"github.com/Okossum/utilization-sub004/pkg/routes/persons"
	"github.com/Okossum/utilization-sub004/pkg/routes/upload"
	"github.com/Okossum/utilization-sub004/pkg/startup"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the CDC identity consumers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer cancel()

			shutdownTracing, err := tracing.Setup(ctx, cfg.AppName, cfg.OTLP())
			if err != nil {
				return fmt.Errorf("failed to set up tracing: %w", err)
			}
			defer func() { _ = shutdownTracing(context.Background()) }()

			a := newApp(cfg, logger)
			s := startup.NewStartup(logger, cfg.StartupMaxAttempts)
			infra := a.infrastructure(s, true, cfg.DatabaseMigrateOnStart)

			checker := health.NewChecker(cfg.Version)
			serverErr := make(chan error, 1)
			var server *http.Server
			var consumers []*kafka.Consumer

			s.Add(startup.Func{
				Name:     "engines",
				Requires: infra,
				StartFn: func(context.Context) error {
					a.buildEngines()
					checker.WithCheck("database", a.db)
					if a.redis != nil {
						checker.WithCheck("redis", health.PingFunc(a.redis.Ping))
					}
					if a.graph != nil {
						checker.WithCheck("neo4j", health.PingFunc(a.graph.VerifyConnectivity))
					}
					return nil
				},
			})

			if cfg.KafkaConsumerEnabled {
				s.Add(startup.Func{
					Name:     "consumers",
					Requires: []string{"engines"},
					StartFn: func(ctx context.Context) error {
						for feed, topic := range cfg.FeedTopics() {
							p := processor.NewProcessor(feed, a.propagator, a.dispatcher, logger)
							consumer := kafka.NewConsumer(cfg.Consumer(feed, topic), logger, p.ProcessMessage)
							if err := consumer.Start(ctx); err != nil {
								return err
							}
							consumers = append(consumers, consumer)
						}
						return nil
					},
					StopFn: func(context.Context) error {
						var errs []error
						for _, c := range consumers {
							errs = append(errs, c.Stop())
						}
						consumers = nil
						return errors.Join(errs...)
					},
				})
			}

			s.Add(startup.Func{
				Name:     "http",
				Requires: []string{"engines"},
				StartFn: func(context.Context) error {
					server = &http.Server{
						Addr:              fmt.Sprintf(":%d", cfg.Port),
						Handler:           newEcho(a, checker),
						ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
						ReadHeaderTimeout: time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
						WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
						IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
						MaxHeaderBytes:    cfg.MaxHeaderBytes,
					}
					go func() {
						logger.Infof("HTTP server listening on %s", server.Addr)
						if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
							serverErr <- err
						}
					}()
					return nil
				},
				StopFn: func(ctx context.Context) error { return server.Shutdown(ctx) },
			})

			if err := s.Start(ctx); err != nil {
				stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
				defer stop()
				_ = s.Stop(stopCtx)
				return err
			}
			checker.SetReady(true)
			logger.Info("Service started")

			select {
			case <-ctx.Done():
				logger.Info("Shutdown signal received")
			case err = <-serverErr:
				logger.WithError(err).Error("HTTP server failed")
			}

			checker.SetReady(false)
			stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			if stopErr := s.Stop(stopCtx); stopErr != nil {
				logger.WithError(stopErr).Error("Shutdown finished with errors")
			}
			return err
		},
	}
}

func newEcho(a *app, checker *health.Checker) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.BodyLimit(cfg.MaxBodySize))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	checker.RegisterRoutes(e)

	api := e.Group("/api/v1")
	upload.NewHandler(a.versioner, logger).Register(api.Group("/uploads"))
	consolidation.NewHandler(a.consolidator, logger).Register(api.Group("/consolidation"))
	consolidated.NewHandler(a.weeks, logger).Register(api.Group("/consolidated"))
	conflicts.NewHandler(a.records, logger).Register(api.Group("/conflicts"))

	var graphReader persons.GraphReader
	if a.identity != nil {
		graphReader = a.identity
	}
	persons.NewHandler(graphReader, a.records, logger).Register(api.Group("/persons"))

	return e
}
