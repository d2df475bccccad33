// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gateway assembles the query gateway from its configuration: the
// backend clients, the circuit breaker registry, the per-lane fallback
// chains, the orchestration engine, and the gin HTTP surface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/archipelago-ai/archipelago/pkg/logging"
	"github.com/archipelago-ai/archipelago/services/gateway/config"
	"github.com/archipelago-ai/archipelago/services/gateway/datatypes"
	"github.com/archipelago-ai/archipelago/services/gateway/engine"
	"github.com/archipelago-ai/archipelago/services/gateway/handlers"
	"github.com/archipelago-ai/archipelago/services/gateway/lanes"
	"github.com/archipelago-ai/archipelago/services/gateway/observability"
	"github.com/archipelago-ai/archipelago/services/gateway/resilience"
	"github.com/archipelago-ai/archipelago/services/gateway/routes"
	"github.com/archipelago-ai/archipelago/services/llm"
)

// Service is the fully wired gateway. Build one with New, run it with Run.
type Service struct {
	config   config.GatewayConfig
	logger   *logging.Logger
	engine   *engine.Engine
	registry *resilience.BreakerRegistry
	cache    *lanes.Cache

	router         *gin.Engine
	tracerShutdown func(context.Context)
}

// New builds a Service from the given configuration. Backends with empty
// endpoints are left out; their fallback tiers simply never appear in the
// chains. The only hard startup requirements are a valid config and a
// working cache store.
func New(cfg config.GatewayConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Logging)
	metrics := observability.InitMetrics()
	emitter := observability.NewMultiEmitter(
		observability.NewSlogEmitter(logger.Slog()),
		observability.SpanEmitter{},
	)

	registry := buildRegistry(cfg, logger, metrics, emitter)

	cache, err := openCache(cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("opening the cache store: %w", err)
	}

	backends, err := buildBackends(cfg.Backends, cache)
	if err != nil {
		cache.Close()
		return nil, err
	}
	builder := &lanes.Builder{Backends: backends, Breakers: registry}

	eng, err := buildEngine(cfg, builder, cache, registry, metrics, emitter, logger)
	if err != nil {
		cache.Close()
		return nil, err
	}

	svc := &Service{
		config:   cfg,
		logger:   logger,
		engine:   eng,
		registry: registry,
		cache:    cache,
	}
	svc.router = svc.buildRouter()
	return svc, nil
}

// Run starts the HTTP server and blocks until ctx is canceled, then drains
// in-flight requests for the configured grace period.
func (s *Service) Run(ctx context.Context) error {
	if s.config.Telemetry.Enabled {
		shutdown, err := initTracer(ctx, s.config.Telemetry.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("setting up the OTLP tracer: %w", err)
		}
		s.tracerShutdown = shutdown
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Server.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "port", s.config.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.close()
		return err
	case <-ctx.Done():
	}

	grace := time.Duration(s.config.Server.ShutdownGraceMs) * time.Millisecond
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	s.logger.Info("gateway shutting down", "grace", grace.String())
	err := server.Shutdown(shutdownCtx)
	s.close()
	return err
}

// Router exposes the gin router for handler tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

func (s *Service) close() {
	if s.tracerShutdown != nil {
		s.tracerShutdown(context.Background())
	}
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("failed to close the cache store", "error", err)
	}
	if err := s.logger.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "failed to close the logger:", err)
	}
}

func (s *Service) buildRouter() *gin.Engine {
	laneInfo := make([]handlers.LaneInfo, 0, len(s.config.Lanes))
	for _, lane := range s.config.Lanes {
		laneInfo = append(laneInfo, handlers.LaneInfo{
			Name:       lane.Name,
			CeilingMs:  int64(lane.CeilingMs),
			BestEffort: lane.BestEffort,
		})
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("archipelago-gateway"))
	routes.SetupRoutes(router, s.engine, s.registry, laneInfo)
	return router
}

func newLogger(cfg config.LoggingConfig) *logging.Logger {
	level := logging.LevelInfo
	switch cfg.Level {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: "gateway",
		JSON:    cfg.JSON,
	})
}

// buildRegistry creates the breaker registry with per-dependency settings
// from the config table. Every transition feeds the metrics gauge and the
// event emitter.
func buildRegistry(cfg config.GatewayConfig, logger *logging.Logger,
	metrics *observability.GatewayMetrics, emitter observability.Emitter) *resilience.BreakerRegistry {

	onChange := func(name string, from, to resilience.CircuitState, at time.Time) {
		logger.Warn("circuit breaker transition",
			"dependency", name, "from", from.String(), "to", to.String())
		metrics.RecordBreakerTransition(name, to.String(), to.GaugeValue())
		emitter.Emit(context.Background(), observability.Event{
			Time:       at,
			Type:       observability.EventBreakerTransition,
			Dependency: name,
			FromState:  from.String(),
			ToState:    to.String(),
		})
	}

	defaults := resilience.DefaultBreakerConfig()
	defaults.OnStateChange = onChange
	registry := resilience.NewBreakerRegistry(defaults)

	for dependency, setting := range cfg.Breakers {
		bc := resilience.BreakerConfig{
			FailureThreshold:  setting.FailureThreshold,
			FailureRate:       setting.FailureRate,
			MinSamples:        setting.MinSamples,
			TrackingWindow:    time.Duration(setting.WindowS) * time.Second,
			OpenTimeout:       time.Duration(setting.OpenTimeoutS) * time.Second,
			SuccessThreshold:  setting.SuccessThreshold,
			MaxHalfOpenProbes: setting.MaxHalfOpenProbes,
			OnStateChange:     onChange,
		}
		registry.GetWithConfig(dependency, bc)
	}
	return registry
}

func openCache(cfg config.CacheSettings, logger *logging.Logger) (*lanes.Cache, error) {
	cacheCfg := lanes.CacheConfig{
		Path:     expandPath(cfg.Path),
		InMemory: cfg.InMemory,
		Logger:   logger.Slog(),
	}
	if cfg.ResultTTLMin > 0 {
		cacheCfg.ResultTTL = time.Duration(cfg.ResultTTLMin) * time.Minute
	}
	if cfg.AnswerTTLMin > 0 {
		cacheCfg.AnswerTTL = time.Duration(cfg.AnswerTTLMin) * time.Minute
	}
	return lanes.OpenCache(cacheCfg)
}

// buildBackends constructs every configured backend client. A backend with
// no endpoint stays nil.
func buildBackends(cfg config.BackendsConfig, cache *lanes.Cache) (lanes.Backends, error) {
	backends := lanes.Backends{Cache: cache}

	if cfg.SearxNG.BaseURL != "" {
		web, err := lanes.NewWebSearcher(lanes.WebSearchConfig{
			BaseURL:           cfg.SearxNG.BaseURL,
			RequestsPerSecond: cfg.SearxNG.RequestsPerSecond,
			Burst:             cfg.SearxNG.Burst,
			MaxDocuments:      cfg.SearxNG.MaxDocuments,
		})
		if err != nil {
			return backends, fmt.Errorf("building the web searcher: %w", err)
		}
		backends.Web = web
	}

	if cfg.Weaviate.Host != "" {
		client, err := weaviate.NewClient(weaviate.Config{
			Host:   cfg.Weaviate.Host,
			Scheme: cfg.Weaviate.Scheme,
		})
		if err != nil {
			return backends, fmt.Errorf("building the weaviate client: %w", err)
		}
		vector, err := lanes.NewVectorSearcher(client, cfg.Weaviate.Limit)
		if err != nil {
			return backends, err
		}
		keyword, err := lanes.NewKeywordSearcher(client, cfg.Weaviate.Limit)
		if err != nil {
			return backends, err
		}
		backends.Vector = vector
		backends.Keyword = keyword
	}

	if cfg.Graph.BaseURL != "" {
		graph, err := lanes.NewGraphSearcher(cfg.Graph.BaseURL, cfg.Graph.Limit, nil)
		if err != nil {
			return backends, fmt.Errorf("building the graph searcher: %w", err)
		}
		backends.Graph = graph
	}

	var err error
	if backends.PrimaryModel, err = buildModel(cfg.Models.Primary); err != nil {
		return backends, fmt.Errorf("building the primary model client: %w", err)
	}
	if backends.SecondaryModel, err = buildModel(cfg.Models.Secondary); err != nil {
		return backends, fmt.Errorf("building the secondary model client: %w", err)
	}
	if backends.LocalModel, err = buildModel(cfg.Models.Local); err != nil {
		return backends, fmt.Errorf("building the local model client: %w", err)
	}
	return backends, nil
}

func buildModel(endpoint config.ModelEndpoint) (llm.Client, error) {
	switch endpoint.Type {
	case "":
		return nil, nil
	case "openai":
		return llm.NewOpenAIClient("", endpoint.Model)
	case "ollama":
		return llm.NewOllamaClient(endpoint.BaseURL, endpoint.Model)
	case "llamacpp":
		return llm.NewLocalLlamaCppClient(endpoint.BaseURL)
	default:
		return nil, fmt.Errorf("unknown model backend type %q", endpoint.Type)
	}
}

// buildEngine translates the config's lane and budget tables into an engine
// configuration over the chain builder.
func buildEngine(cfg config.GatewayConfig, builder *lanes.Builder, cache *lanes.Cache,
	registry *resilience.BreakerRegistry, metrics *observability.GatewayMetrics,
	emitter observability.Emitter, logger *logging.Logger) (*engine.Engine, error) {

	absorb := func(req datatypes.QueryRequest, lane string, data any) {
		cache.Absorb(req.Query)(lane, data)
	}

	laneConfigs := make([]engine.LaneConfig, 0, len(cfg.Lanes))
	for _, lane := range cfg.Lanes {
		var newChain func(datatypes.QueryRequest) *resilience.Chain
		var breakerName string
		switch lane.Name {
		case lanes.LaneWebSearch:
			newChain, breakerName = builder.WebChain, "searxng"
		case lanes.LaneVectorSearch:
			newChain, breakerName = builder.VectorChain, "weaviate"
		case lanes.LaneKeywordSearch:
			newChain, breakerName = builder.KeywordChain, "weaviate"
		case lanes.LaneKnowledgeGraph:
			newChain, breakerName = builder.GraphChain, "graph"
		default:
			return nil, fmt.Errorf("unknown lane %q in config", lane.Name)
		}
		laneConfigs = append(laneConfigs, engine.LaneConfig{
			Name:       lane.Name,
			BestEffort: lane.BestEffort,
			Ceiling:    time.Duration(lane.CeilingMs) * time.Millisecond,
			Breaker:    registry.Get(breakerName),
			NewChain:   newChain,
			Background: absorb,
		})
	}

	budgets := make(map[datatypes.QueryClass]engine.ClassBudget, len(cfg.Budgets))
	for class, budget := range cfg.Budgets {
		budgets[datatypes.QueryClass(class)] = engine.ClassBudget{
			Total:   time.Duration(budget.TotalMs) * time.Millisecond,
			Reserve: time.Duration(budget.ReserveMs) * time.Millisecond,
		}
	}

	return engine.New(engine.Config{
		Budgets: budgets,
		Lanes:   laneConfigs,
		Synthesis: engine.SynthesisConfig{
			Ceiling:    time.Duration(cfg.Synthesis.CeilingMs) * time.Millisecond,
			NewChain:   builder.SynthesisChain,
			Background: absorb,
		},
		Emitter:        emitter,
		Metrics:        metrics,
		Logger:         logger.Slog(),
		DedupeInFlight: true,
	})
}

// expandPath resolves a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// initTracer wires the OTLP gRPC exporter and installs the global tracer
// provider. Returns the shutdown hook.
func initTracer(ctx context.Context, endpoint string) (func(context.Context), error) {
	if env := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); env != "" {
		endpoint = env
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("archipelago-gateway")))
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "failed to shut down the OTLP exporter:", err)
		}
	}, nil
}
