// Command gateway runs the Why-Decision answering service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/batvault/gateway/pkg/api"
	"github.com/batvault/gateway/pkg/artifacts"
	"github.com/batvault/gateway/pkg/assembler"
	"github.com/batvault/gateway/pkg/budget"
	"github.com/batvault/gateway/pkg/cache"
	"github.com/batvault/gateway/pkg/config"
	"github.com/batvault/gateway/pkg/crypto"
	"github.com/batvault/gateway/pkg/evidence"
	"github.com/batvault/gateway/pkg/gateway"
	"github.com/batvault/gateway/pkg/llm"
	"github.com/batvault/gateway/pkg/loadshed"
	"github.com/batvault/gateway/pkg/memory"
	"github.com/batvault/gateway/pkg/observability"
	"github.com/batvault/gateway/pkg/policy"
	"github.com/batvault/gateway/pkg/resolver"
	"github.com/batvault/gateway/pkg/validator"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := observability.NewLogger("gateway", cfg.LogLevel, os.Stdout)
	ctx := context.Background()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(ctx, "boot", "fatal", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	metrics := observability.NewMetrics()

	tracing, err := observability.NewTracing(ctx, observability.TracingConfig{
		ServiceName: "gateway",
		Endpoint:    cfg.OTLPEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TraceSample,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(sctx)
	}()

	signer, err := crypto.NewSignerFromSeed(cfg.Ed25519PrivB64, cfg.SignKeyID)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	evidenceCache := cache.New(rdb, cfg.EvidenceCacheTTL, logger)

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	persister := artifacts.NewPersister(store, cfg.ArtifactStrict, cfg.DisableArtefactWrites, 3*time.Second, logger)

	mem := memory.New(cfg.MemoryAPIURL, logger)
	templater, err := validator.NewTemplater(cfg.TemplateRegistryPath)
	if err != nil {
		return err
	}

	var llmClient llm.Client = llm.Disabled{}
	if !cfg.OpenAIDisabled {
		llmClient = llm.NewOpenAI(llm.OpenAIConfig{
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.TimeoutLLM,
		}, logger)
	}

	shedder := loadshed.New(rdb, cfg.LoadShedPollInterval, cfg.LoadShedHeartbeatCycle, logger, metrics)
	shedCtx, stopShed := context.WithCancel(ctx)
	defer stopShed()
	go shedder.Run(shedCtx)

	gw := gateway.New(gateway.Deps{
		Resolver:  resolver.New(mem, cfg.TimeoutSearch, logger),
		Policy:    policy.New(cfg.OPAURL, cfg.OPADecisionPath, cfg.OPATimeout, cfg.PolicyFailClosed, logger),
		Builder:   evidence.New(mem, evidenceCache, 12, logger, metrics),
		Selector: budget.New(budget.Config{
			MaxPromptBytes:          cfg.MaxPromptBytes,
			ContextWindowTokens:     cfg.ContextWindow,
			GuardTokens:             cfg.GuardTokens,
			DesiredCompletionTokens: cfg.DesiredCompletion,
			TruncationThreshold:     cfg.TruncationThreshold,
		}, logger),
		Validator: validator.New(cfg.CiteAllIDs),
		Templater: templater,
		LLM:       llmClient,
		Assembler: assembler.New(signer, cfg.GatewayVersion),
		Persister: persister,
		Shedder:   shedder,
		Timeouts: gateway.Timeouts{
			Search:   cfg.TimeoutSearch,
			Expand:   cfg.TimeoutExpand,
			Enrich:   cfg.TimeoutEnrich,
			Validate: cfg.TimeoutValidate,
			LLM:      cfg.TimeoutLLM,
		},
		Logger:  logger,
		Metrics: metrics,
	})

	server := api.NewServer(api.ServerConfig{
		Gateway:     gw,
		Memory:      mem,
		Cache:       evidenceCache,
		Store:       store,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracing.Tracer(),
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "boot", "listening", "addr", httpServer.Addr, "version", cfg.GatewayVersion)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info(ctx, "boot", "shutting_down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildStore selects the artefact backend: S3 when a bucket endpoint or AWS
// environment is present, local files otherwise.
func buildStore(ctx context.Context, cfg *config.Config) (artifacts.Store, error) {
	if cfg.DisableArtefactWrites {
		return artifacts.NewMemoryStore(), nil
	}
	if cfg.ArtifactBucket != "" && (cfg.ArtifactEndpoint != "" || os.Getenv("AWS_ACCESS_KEY_ID") != "") {
		return artifacts.NewS3Store(ctx, artifacts.S3Config{
			Bucket:        cfg.ArtifactBucket,
			Region:        cfg.ArtifactRegion,
			Endpoint:      cfg.ArtifactEndpoint,
			PathStyle:     cfg.ArtifactEndpoint != "",
			RetentionDays: cfg.ArtifactRetentionDays,
		})
	}
	fs, err := artifacts.NewFileStore("artefacts")
	if err != nil {
		return nil, err
	}
	if cfg.ArtifactRetentionDays > 0 {
		if err := fs.ExpireOlderThan(time.Now().AddDate(0, 0, -cfg.ArtifactRetentionDays)); err != nil {
			return nil, err
		}
	}
	return fs, nil
}
