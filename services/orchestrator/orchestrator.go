// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the agents service.
//
// # Description
//
// New wires storage, the event bus, the queue, handlers, the classifier,
// the router, the processor, the gateway and the HTTP surface from one
// config.Config. Run serves HTTP and runs the worker pool until the
// context is cancelled, then shuts both down.
//
//	POST /v1/agent/execute ─► Gateway ─► Store + Queue
//	                                        │
//	                               Worker Pool ─► Processor ─► Router ─► Handler
//	                                        │
//	                         Event Bus ─► SSE / WebSocket clients
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianAgents/services/agents"
	"github.com/AleutianAI/AleutianAgents/services/agents/classifier"
	"github.com/AleutianAI/AleutianAgents/services/agents/code"
	"github.com/AleutianAI/AleutianAgents/services/agents/content"
	"github.com/AleutianAI/AleutianAgents/services/agents/routing"
	"github.com/AleutianAI/AleutianAgents/services/llm"
	"github.com/AleutianAI/AleutianAgents/services/orchestrator/config"
	"github.com/AleutianAI/AleutianAgents/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianAgents/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianAgents/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAgents/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianAgents/services/search"
	"github.com/AleutianAI/AleutianAgents/services/secrets"
	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
	"github.com/AleutianAI/AleutianAgents/services/tasks/events"
	"github.com/AleutianAI/AleutianAgents/services/tasks/gateway"
	"github.com/AleutianAI/AleutianAgents/services/tasks/processor"
	"github.com/AleutianAI/AleutianAgents/services/tasks/queue"
	"github.com/AleutianAI/AleutianAgents/services/tasks/screening"
	"github.com/AleutianAI/AleutianAgents/services/tasks/stats"
	"github.com/AleutianAI/AleutianAgents/services/tasks/store"
	kv "github.com/AleutianAI/AleutianAgents/services/tasks/storage/badger"
)

// =============================================================================
// Interfaces
// =============================================================================

// Service is the runnable agents service.
type Service interface {
	// Run serves HTTP and processes tasks until ctx is cancelled or the
	// server fails. Resources are released before it returns.
	Run(ctx context.Context) error

	// Router exposes the HTTP handler, mainly for tests.
	Router() *gin.Engine

	// SetMinConfidence changes the routing threshold at runtime.
	SetMinConfidence(v float64)
}

// =============================================================================
// Options
// =============================================================================

// Option customises New.
type Option func(*options)

type options struct {
	llmClient  llm.Client
	searcher   search.Searcher
	registry   *prometheus.Registry
	listener   net.Listener
	configPath string
	logger     *slog.Logger
}

// WithLLMClient replaces the OpenAI client, e.g. with llm.MockClient.
func WithLLMClient(c llm.Client) Option {
	return func(o *options) { o.llmClient = c }
}

// WithSearcher replaces the Tavily searcher.
func WithSearcher(s search.Searcher) Option {
	return func(o *options) { o.searcher = s }
}

// WithRegistry registers service metrics on reg instead of the default
// registry. /metrics then serves reg plus the default gatherer.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithListener serves on ln instead of listening on the configured port.
func WithListener(ln net.Listener) Option {
	return func(o *options) { o.listener = ln }
}

// WithConfigWatch reloads path on change and applies the routing
// threshold without a restart.
func WithConfigWatch(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	cfg    config.Config
	opts   options
	logger *slog.Logger

	db       *kv.DB
	store    *store.BadgerStore
	queue    *queue.MemoryQueue
	router   *routing.Router
	pool     *processor.Pool
	sweeper  *processor.Sweeper
	engine   *gin.Engine
	apiKeys  secrets.Set
	cleanups []func(context.Context)
}

// New builds the service.
//
// # Description
//
// Opens storage and wires every component. Nothing is served or processed
// until Run. On error, everything opened so far is released.
//
// # Inputs
//
//   - cfg: Validated configuration.
//   - opts: Test and deployment overrides.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Tracer, storage, LLM client or component construction failed.
func New(cfg config.Config, opts ...Option) (Service, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	s := &service{cfg: cfg, opts: o, logger: o.logger.With(slog.String("component", "orchestrator"))}

	if err := s.build(); err != nil {
		s.cleanup()
		return nil, err
	}
	return s, nil
}

func (s *service) build() error {
	cfg := s.cfg

	tracerCleanup, err := initTracer(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.cleanups = append(s.cleanups, tracerCleanup)

	var (
		reg            prometheus.Registerer = prometheus.DefaultRegisterer
		metricsHandler http.Handler
	)
	if s.opts.registry != nil {
		reg = s.opts.registry
		metricsHandler = promhttp.HandlerFor(
			prometheus.Gatherers{s.opts.registry, prometheus.DefaultGatherer},
			promhttp.HandlerOpts{})
	}
	metrics := observability.NewServiceMetrics(reg)

	// Storage
	storageCfg := cfg.Storage
	storageCfg.Logger = s.opts.logger
	s.db, err = kv.Open(storageCfg)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	s.cleanups = append(s.cleanups, func(context.Context) {
		if err := s.db.Close(); err != nil {
			s.logger.Error("failed to close task store", slog.String("error", err.Error()))
		}
	})
	s.store = store.NewBadgerStore(s.db)

	// Plumbing
	bus := events.NewBus(
		events.WithBufferSize(cfg.Events.BufferSize),
		events.WithDropHook(metrics.RecordDrop),
		events.WithBusLogger(s.opts.logger),
	)
	s.queue = queue.NewMemoryQueue(cfg.Workers.QueueCapacity)
	metrics.RegisterQueueDepth(s.queue.Len)

	// Handlers
	client, err := s.llmClient()
	if err != nil {
		return fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	searcher := s.opts.searcher
	if searcher == nil {
		searcher = search.NewSearcher(search.TavilyConfig{
			APIKey:  cfg.Search.APIKey,
			BaseURL: cfg.Search.BaseURL,
			Timeout: cfg.Search.Timeout,
		})
	}
	contentHandler, err := content.New(client, searcher, cfg.Content, s.opts.logger)
	if err != nil {
		return fmt.Errorf("failed to create content handler: %w", err)
	}
	codeHandler, err := code.New(client, cfg.Code, s.opts.logger)
	if err != nil {
		return fmt.Errorf("failed to create code handler: %w", err)
	}
	registry, err := agents.NewRegistry(contentHandler, codeHandler)
	if err != nil {
		return fmt.Errorf("failed to build handler registry: %w", err)
	}

	// Routing and processing
	cls, err := classifier.NewLLMClassifier(client, registry, cfg.Classifier)
	if err != nil {
		return fmt.Errorf("failed to create classifier: %w", err)
	}
	s.router, err = routing.NewRouter(cls, registry,
		routing.WithMinConfidence(cfg.Routing.MinConfidence),
		routing.WithLogger(s.opts.logger))
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}
	proc, err := processor.New(processor.Deps{
		Tasks:    s.store,
		Runs:     s.store,
		Sessions: s.store,
		Router:   s.router,
		Handlers: registry,
		Events:   bus,
		Leases:   queue.NewLeases(),
	}, processor.WithConfig(cfg.Processor), processor.WithLogger(s.opts.logger))
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}
	s.pool = processor.NewPool(proc, s.queue, cfg.Workers.Count, s.opts.logger)
	if cfg.Workers.SweepInterval > 0 {
		s.sweeper = processor.NewSweeper(s.store, s.queue,
			processor.WithSweepInterval(cfg.Workers.SweepInterval),
			processor.WithStaleAfter(cfg.Workers.StaleAfter),
			processor.WithSweepLogger(s.opts.logger),
		)
	}

	gwOpts := []gateway.Option{
		gateway.WithLogger(s.opts.logger),
		gateway.WithEnqueueTimeout(cfg.Workers.EnqueueTimeout),
	}
	if cfg.Screening.RejectCredentials {
		scr, err := screening.New()
		if err != nil {
			return fmt.Errorf("failed to load screening rules: %w", err)
		}
		gwOpts = append(gwOpts, gateway.WithScreener(scr, screening.Confidence(cfg.Screening.MinConfidence)))
	}
	gw, err := gateway.New(s.store, s.store, s.queue, bus, gwOpts...)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	// HTTP
	s.apiKeys = secrets.NewSet(cfg.Server.APIKeys)
	if len(s.apiKeys) == 0 {
		s.logger.Warn("API key authentication disabled: AGENTS_API_KEYS is empty")
	}
	if cfg.Server.GinMode != "" {
		gin.SetMode(cfg.Server.GinMode)
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	routes.SetupRoutes(s.engine, routes.Deps{
		Submitter: gw,
		Tasks:     s.store,
		Runs:      s.store,
		Streamer:  handlers.NewStreamer(s.store, bus, metrics, handlers.DefaultKeepAlive),
		Stats:     stats.NewService(s.store, cfg.Stats.HistoryDays, s.opts.logger),
		Health: map[string]handlers.HealthProbe{
			"store": func(ctx context.Context) error {
				_, err := s.store.List(ctx, datatypes.Filter{PageSize: 1})
				return err
			},
		},
		APIKeys:        s.apiKeys,
		RateLimiter:    middleware.NewRateLimiter(cfg.Server.RateLimitPerMinute),
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})

	cfg.LogSummary(s.logger)
	return nil
}

func (s *service) llmClient() (llm.Client, error) {
	if s.opts.llmClient != nil {
		return s.opts.llmClient, nil
	}
	key := s.cfg.LLM.APIKey
	if key == "" && s.cfg.LLM.BaseURL == "" {
		resolved, err := llm.ResolveAPIKey()
		if err != nil {
			return nil, err
		}
		key = resolved
	}
	return llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:            key,
		BaseURL:           s.cfg.LLM.BaseURL,
		DefaultModel:      s.cfg.LLM.DefaultModel,
		RequestsPerSecond: s.cfg.LLM.RequestsPerSecond,
		Burst:             s.cfg.LLM.Burst,
	})
}

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	if s.opts.configPath != "" {
		w, err := config.NewWatcher(s.opts.configPath, func(c config.Config) {
			s.SetMinConfidence(c.Routing.MinConfidence)
		}, config.WithWatchLogger(s.opts.logger))
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			s.logger.Warn("config hot reload unavailable", slog.String("error", err.Error()))
		} else {
			defer w.Stop()
		}
	}

	ln := s.opts.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.cfg.Server.Port)))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Server.Port, err)
		}
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Starting agents server", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.pool.Run(gctx)
	})
	// Recovery feeds the bounded queue while the pool drains it.
	g.Go(func() error {
		n, err := processor.Recover(gctx, s.store, s.queue, s.opts.logger)
		switch {
		case errors.Is(err, queue.ErrClosed), gctx.Err() != nil:
			return nil
		case err != nil:
			return fmt.Errorf("failed to recover unfinished tasks: %w", err)
		}
		if n > 0 {
			s.logger.Info("resuming unfinished tasks", slog.Int("count", n))
		}
		if s.sweeper == nil {
			return nil
		}
		return s.sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		s.queue.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.engine
}

// SetMinConfidence implements Service.
func (s *service) SetMinConfidence(v float64) {
	s.router.SetMinConfidence(v)
}

// cleanup releases resources in reverse order of acquisition.
func (s *service) cleanup() {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i](context.Background())
	}
	s.cleanups = nil
}

// =============================================================================
// Tracing
// =============================================================================

// initTracer installs the global tracer provider.
//
// # Description
//
// An OTLP endpoint selects the gRPC exporter. Otherwise Stdout selects
// the pretty-printing stdout exporter. With neither, the global no-op
// provider stays in place and spans cost nothing.
//
// # Outputs
//
//   - func(context.Context): Flushes and shuts the provider down.
//   - error: Exporter or resource creation failed.
func initTracer(cfg config.TracingConfig) (func(context.Context), error) {
	ctx := context.Background()

	var exporter sdktrace.SpanExporter
	switch {
	case cfg.OTLPEndpoint != "":
		conn, err := grpc.NewClient(cfg.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		exporter = exp
	case cfg.Stdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		exporter = exp
	default:
		return func(context.Context) {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
	}, nil
}

var _ Service = (*service)(nil)
