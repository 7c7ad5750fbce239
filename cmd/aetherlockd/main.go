package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aetherlock/config"
	"aetherlock/core/events"
	"aetherlock/gateway/auth"
	"aetherlock/gateway/middleware"
	"aetherlock/hub"
	"aetherlock/native/escrow"
	"aetherlock/native/verify"
	"aetherlock/observability/logging"
	"aetherlock/rpc"
	"aetherlock/storage"
	"aetherlock/storage/evidence"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "aetherlock.toml", "path to the service configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("aetherlockd", "", "info").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("aetherlockd", cfg.Server.Environment, cfg.Server.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	store, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		logger.Error("open sqlite store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	pipeline := verify.NewPipeline(cfg.AI.ProviderOrder, cfg.ProviderTimeout(), logger)
	if cfg.AI.Gemini.APIKey != "" {
		pipeline.Register("gemini", verify.NewGeminiProvider(nil, cfg.AI.Gemini.Endpoint, cfg.AI.Gemini.Model, cfg.AI.Gemini.APIKey))
	}
	if cfg.AI.Anthropic.APIKey != "" {
		pipeline.Register("anthropic", verify.NewAnthropicProvider(nil, cfg.AI.Anthropic.Endpoint, cfg.AI.Anthropic.Model, cfg.AI.Anthropic.APIKey))
	}
	if cfg.AI.OpenAI.APIKey != "" {
		pipeline.Register("openai", verify.NewOpenAIProvider(nil, cfg.AI.OpenAI.Endpoint, cfg.AI.OpenAI.Model, cfg.AI.OpenAI.APIKey))
	}
	if cfg.AI.Gemini.APIKey == "" && cfg.AI.Anthropic.APIKey == "" && cfg.AI.OpenAI.APIKey == "" {
		logger.Warn("no assessment providers configured, every verification will fail as unavailable")
	}

	evidenceClient, err := evidence.NewClient(cfg.Evidence.Endpoint, cfg.Evidence.APIKey,
		evidence.WithMaxAttempts(cfg.Evidence.MaxAttempts),
		evidence.WithBackoffBase(cfg.EvidenceBackoff()),
		evidence.WithLogger(logger),
	)
	if err != nil {
		logger.Error("configure evidence client", "error", err)
		os.Exit(1)
	}

	realtime := hub.New(store, store, hub.WithLogger(logger))
	audit := events.FuncEmitter(func(evt events.Event) {
		if err := store.EventInsert(context.Background(), evt); err != nil {
			logger.Warn("persist domain event", "type", evt.Type, "error", err)
		}
	})

	engine, err := escrow.NewEngine(escrow.EngineConfig{
		State:    store,
		Gate:     auth.NewGate(store),
		Verifier: pipelineVerifier{pipeline: pipeline},
		Evidence: evidenceClient,
		Settle:   store,
		Emitter:  events.MultiEmitter{audit, realtime},
		Logger:   logger,
	})
	if err != nil {
		logger.Error("construct escrow engine", "error", err)
		os.Exit(1)
	}

	tokens, err := auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret), cfg.TokenTTL())
	if err != nil {
		logger.Error("configure token issuer", "error", err)
		os.Exit(1)
	}

	server, err := rpc.NewServer(rpc.ServerConfig{
		Engine:     engine,
		Hub:        realtime,
		Store:      store,
		Tokens:     tokens,
		Challenges: auth.NewChallenges(cfg.ChallengeTTL()),
		RateLimits: map[string]middleware.RateLimit{
			"auth":   {RequestsPerMinute: cfg.Limits.Auth.RequestsPerMinute, Burst: cfg.Limits.Auth.Burst},
			"escrow": {RequestsPerMinute: cfg.Limits.Escrow.RequestsPerMinute, Burst: cfg.Limits.Escrow.Burst},
		},
		CORS: middleware.CORSConfig{AllowedOrigins: cfg.Server.AllowedOrigins},
		Observe: middleware.ObservabilityConfig{
			ServiceName: "aetherlockd",
			Enabled:     cfg.Observability.Enabled,
			LogRequests: cfg.Observability.LogRequests,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("construct server", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: server,
	}

	go func() {
		logger.Info("aetherlock listening", "addr", cfg.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// pipelineVerifier adapts the assessment pipeline to the engine's verifier
// interface.
type pipelineVerifier struct {
	pipeline *verify.Pipeline
}

func (v pipelineVerifier) Assess(ctx context.Context, requirements string, evidenceHandles []string) (*escrow.VerificationResult, error) {
	result, err := v.pipeline.Assess(ctx, verify.Request{
		Requirements:    requirements,
		EvidenceHandles: evidenceHandles,
	})
	if err != nil {
		return nil, err
	}
	return &escrow.VerificationResult{
		Passed:     result.Passed,
		Confidence: result.Confidence,
		Feedback:   result.Feedback,
		Details: escrow.AnalysisDetails{
			QualityScore:      result.QualityScore,
			CompletenessScore: result.CompletenessScore,
			AccuracyScore:     result.AccuracyScore,
			Suggestions:       result.Suggestions,
		},
		Timestamp: result.Timestamp,
	}, nil
}
