// Package app wires the application together: configuration, logging,
// database, model provider, stores, tool registry and the chat service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/lectern/lectern/db"
	"github.com/lectern/lectern/internal/agent"
	"github.com/lectern/lectern/internal/chat"
	"github.com/lectern/lectern/internal/config"
	"github.com/lectern/lectern/internal/database"
	"github.com/lectern/lectern/internal/document"
	"github.com/lectern/lectern/internal/llm"
	"github.com/lectern/lectern/internal/log"
	"github.com/lectern/lectern/internal/prompt"
	"github.com/lectern/lectern/internal/stream"
	"github.com/lectern/lectern/internal/task"
	"github.com/lectern/lectern/internal/thread"
	"github.com/lectern/lectern/internal/tools"
)

// App holds every initialized component. Close releases them in reverse
// order of construction.
type App struct {
	Config    *config.Config
	Logger    log.Logger
	DBPool    *pgxpool.Pool
	Genkit    *genkit.Genkit
	Hub       *stream.Hub
	Runner    *task.Runner
	Repo      *thread.Repository
	Documents *document.Store
	Registry  *tools.Registry
	Chat      *chat.Service
}

// Setup initializes the application. On failure everything already
// initialized is cleaned up before the error returns.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	logger := log.New(log.Config{Level: cfg.SlogLevel(), JSON: cfg.LogJSON})
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			a.Close()
		}
	}()

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.Open(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	g, err := provideGenkit(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}

	client := llm.NewGenkitClient(g, cfg.ModelName, logger)

	a.Hub = stream.NewHub(logger)
	a.Runner = task.NewRunner(logger)

	store := thread.NewPostgresStore(pool, logger)
	a.Repo = thread.NewRepository(store, logger)

	a.Documents = document.NewStore(pool, llm.NewGenkitEmbedder(embedder), logger)

	registry, err := provideTools(a.Documents)
	if err != nil {
		return nil, err
	}
	a.Registry = registry

	promptRegistry := prompt.NewRegistry()
	prompt.RegisterDefaults(promptRegistry, cfg.SnippetLength)
	promptRegistry.RegisterRetriever(document.RefKindBlock, document.NewBlockRetriever(a.Documents))
	builder := prompt.NewBuilder(promptRegistry, logger)

	// Sustained model_rate_limit requests/sec with a 3x burst.
	limiter := rate.NewLimiter(rate.Limit(cfg.ModelRateLimit), 3*int(cfg.ModelRateLimit)+1)

	loop, err := agent.New(agent.Config{
		Repo:          a.Repo,
		Hub:           a.Hub,
		Client:        client,
		Tools:         registry,
		Logger:        logger,
		MaxIterations: cfg.AgentMaxIterations,
		Limiter:       limiter,
	})
	if err != nil {
		return nil, err
	}

	service, err := chat.New(chat.Config{
		Repo:    a.Repo,
		Hub:     a.Hub,
		Client:  client,
		Builder: builder,
		Loop:    loop,
		Runner:  a.Runner,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	a.Chat = service

	return a, nil
}

// Close waits for in-flight background tasks and releases resources.
func (a *App) Close() {
	if a.Runner != nil {
		a.Runner.Wait()
	}
	if a.DBPool != nil {
		a.DBPool.Close()
	}
}

func provideGenkit(ctx context.Context, cfg *config.Config) (*genkit.Genkit, error) {
	var g *genkit.Genkit

	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: "http://localhost:11434"}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit model registration.
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, "http://localhost:11434", cfg.EmbedderModel, nil)
		slog.Info("initialized Genkit with ollama provider", "model", cfg.ModelName)

	default: // gemini / googleai
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		slog.Info("initialized Genkit with gemini provider", "model", cfg.ModelName)
	}
	return g, nil
}

func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		return genkit.LookupEmbedder(g, "ollama/"+cfg.EmbedderModel)
	default:
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}

func provideTools(docs *document.Store) (*tools.Registry, error) {
	registry := tools.NewRegistry()

	search, err := document.NewSearchTool(docs)
	if err != nil {
		return nil, err
	}
	readPage, err := document.NewReadPageTool(docs)
	if err != nil {
		return nil, err
	}

	for _, t := range []*tools.Tool{search, readPage} {
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
