package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"

	"datalens/internal/api"
	"datalens/internal/artifact"
	"datalens/internal/catalog"
	"datalens/internal/config"
	"datalens/internal/engine"
	"datalens/internal/guardrail"
	"datalens/internal/llm"
	"datalens/internal/pipeline"
	"datalens/internal/server"
	"datalens/internal/store"
	"datalens/internal/store/db/postgres"
	"datalens/internal/store/db/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	llmClient, err := buildLLMClient(ctx, cfg.LLM)
	if err != nil {
		log.Fatalf("init llm client: %v", err)
	}
	defer llmClient.Close()

	engineClient := engine.NewHTTPClient(cfg.Engine.BaseURL, cfg.Engine.APIKey)
	executor := engine.NewExecutor(engineClient, cfg.Engine.Timeout)

	schema, err := catalog.New(engineClient, cfg.Pipeline.SchemaByteBudget)
	if err != nil {
		log.Fatalf("init catalog: %v", err)
	}

	policy := guardrail.Policy{
		TablePrefix:     cfg.Pipeline.TablePrefix,
		DefaultRowLimit: cfg.Pipeline.DefaultRowLimit,
	}

	controller := pipeline.NewController(
		pipeline.NewPlanGenerator(llmClient, cfg.Pipeline.MaxSteps, cfg.LLM.Timeout),
		executor,
		pipeline.NewAnswerSynthesizer(llmClient, cfg.LLM.Timeout),
		schema,
		st,
		pipeline.Options{
			Policy:              policy,
			EvidenceRowLimit:    cfg.Pipeline.EvidenceRowLimit,
			ArchiveRowThreshold: cfg.Pipeline.ArchiveRowThreshold,
		},
	)

	var archive *artifact.S3Store
	if cfg.Archive.Enabled {
		archive, err = artifact.NewS3Store(cfg.Archive.S3)
		if err != nil {
			slog.Warn("result archive disabled", "err", err)
			archive = nil
		} else {
			controller.WithArchiver(archive)
		}
	}

	e := echo.New()
	svc := api.NewAPIService(st, controller, executor, policy, llmClient).WithCatalog(schema)
	if archive != nil {
		svc = svc.WithArchive(archive)
	}
	svc.Register(e)

	srv := server.New(cfg.Port, e)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown", "err", err)
		}
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (*store.Store, error) {
	var (
		driver store.Driver
		err    error
	)
	switch cfg.Driver {
	case "postgres":
		driver, err = postgres.NewDB(cfg.DSN)
	default:
		driver, err = sqlite.NewDB(cfg.DSN)
	}
	if err != nil {
		return nil, err
	}
	st := store.New(driver)
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func buildLLMClient(ctx context.Context, cfg config.LLMConfig) (llm.Client, error) {
	var (
		base llm.Client
		err  error
	)
	switch cfg.Provider {
	case "gemini":
		model := cfg.Model
		if model == "" {
			model = "gemini-2.0-flash"
		}
		base, err = llm.NewGeminiClient(ctx, cfg.APIKey, model, 0)
	case "openrouter":
		model := cfg.Model
		if model == "" {
			model = "openai/gpt-4o-mini"
		}
		base = llm.NewOpenRouterClient(cfg.APIKey, model, 0).WithBaseURL(cfg.BaseURL)
	default:
		slog.Warn("no LLM provider configured, using canned replies")
		base = llm.NewFakeClient(0)
	}
	if err != nil {
		return nil, err
	}
	return llm.Wrap(base,
		llm.Retry(3, 500*time.Millisecond),
		llm.WithLogging(slog.Default()),
	), nil
}
