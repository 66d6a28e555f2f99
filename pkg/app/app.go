// Package app wires configuration into the report engine and its storage.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/mikeboe/report-helper/pkg/cache"
	"github.com/mikeboe/report-helper/pkg/clients"
	"github.com/mikeboe/report-helper/pkg/completion"
	"github.com/mikeboe/report-helper/pkg/config"
	"github.com/mikeboe/report-helper/pkg/database"
	"github.com/mikeboe/report-helper/pkg/embeddings"
	"github.com/mikeboe/report-helper/pkg/knowledge"
	"github.com/mikeboe/report-helper/pkg/report"
	"github.com/mikeboe/report-helper/pkg/search"
	"github.com/mikeboe/report-helper/pkg/splitter"
	"github.com/mikeboe/report-helper/pkg/tools"
	"github.com/mikeboe/report-helper/pkg/vectorstore"
)

// App holds every long-lived dependency of the server and the CLI.
type App struct {
	Config *config.Config
	DB     *database.PostgresDB
	Redis  *redis.Client

	Engine    *report.Engine
	Planner   *report.Planner
	Defaults  report.Config
	Retriever *knowledge.Retriever
	Ingestor  *knowledge.Ingestor
	Sheets    *knowledge.SheetIndex
}

// New connects to Postgres (and Redis when configured) and builds the engine.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Defaults: ReportDefaults(cfg)}

	db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = db

	if cfg.InitSchema {
		if err := db.InitSchema(ctx, cfg.KnowledgeCollection, cfg.SpreadsheetCollection, cfg.EmbeddingDimension); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis unavailable, web search results will not be cached", "addr", cfg.RedisAddr, "error", err)
			_ = a.Redis.Close()
			a.Redis = nil
		}
	}

	llm, fast, err := Completers(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	embedder, err := embeddings.NewGoogleEmbedder(ctx, cfg.EmbeddingModel, cfg.GoogleApiKey, cfg.EmbeddingDimension)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	kbStore, err := vectorstore.NewPGVectorStore(db.Pool, cfg.KnowledgeCollection)
	if err != nil {
		a.Close()
		return nil, err
	}
	sheetStore, err := vectorstore.NewPGVectorStore(db.Pool, cfg.SpreadsheetCollection)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Retriever = knowledge.NewRetriever(kbStore, embedder)
	a.Sheets = knowledge.NewSheetIndex(sheetStore, embedder)
	a.Ingestor = knowledge.NewIngestor(kbStore, embedder,
		splitter.NewRecursiveCharacterTextSplitter(cfg.ChunkSize, cfg.ChunkOverlap), nil)
	if cfg.MistralApiKey != "" {
		a.Ingestor.OCR = tools.NewOCR(cfg.MistralApiKey)
	}

	suite := Suite(cfg, WebSearcher(cfg, a.Redis), a.Retriever, a.Sheets)

	a.Engine = report.NewEngine(llm, fast, suite)
	if cfg.OutlineTemplatesPath != "" {
		templates, err := report.LoadTemplates(cfg.OutlineTemplatesPath)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Engine.Templates = templates
	}
	a.Planner = report.NewPlanner(a.Engine, report.NewSuiteResearcher(suite, fast, cfg.FastModel))
	return a, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// Completers returns the reasoning and the fast model behind retrying completers.
func Completers(ctx context.Context, cfg *config.Config) (completion.Completer, completion.Completer, error) {
	key := cfg.GoogleApiKey
	if cfg.LLMProvider == "anthropic" {
		key = cfg.AnthropicKey
	}

	reasoning, err := clients.New(ctx, cfg.LLMProvider, key, cfg.ReasoningModel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create reasoning model: %w", err)
	}
	fast, err := clients.New(ctx, cfg.LLMProvider, key, cfg.FastModel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create fast model: %w", err)
	}
	return completion.NewLangChain(reasoning, cfg.LLMTimeout, cfg.LLMMaxRetries),
		completion.NewLangChain(fast, cfg.LLMTimeout, cfg.LLMMaxRetries), nil
}

// WebSearcher combines the configured providers and caches them in Redis when a
// client is given. It returns nil when no known provider is configured.
func WebSearcher(cfg *config.Config, rdb *redis.Client) search.WebSearcher {
	providers := tools.ProvidersByName(cfg.WebProviders, cfg.WebSearchRPS)
	if len(providers) == 0 {
		slog.Warn("No web search providers configured", "providers", cfg.WebProviders)
		return nil
	}
	multi := tools.NewMultiSearcher(providers...)
	if rdb == nil {
		return multi
	}
	return cache.NewCachingSearcher(multi, multi.Name(), rdb, cfg.SearchCacheTTL)
}

// Suite builds one adapter per source. A nil capability leaves its adapter nil,
// which the suite treats as disabled.
func Suite(cfg *config.Config, web search.WebSearcher, kb search.Retriever, sheets search.SheetIndex) search.Suite {
	policy := search.DefaultCallPolicy()
	if cfg.SearchTimeout > 0 {
		policy.Timeout = cfg.SearchTimeout
	}
	if cfg.SearchAttempts > 0 {
		policy.Attempts = cfg.SearchAttempts
	}

	var suite search.Suite
	if web != nil {
		suite.Web = search.NewWebAdapter(web, policy)
	}
	if kb != nil {
		suite.KnowledgeBase = search.NewKnowledgeBaseAdapter(kb, policy)
	}
	if sheets != nil {
		suite.Spreadsheet = search.NewSpreadsheetAdapter(sheets, policy)
	}
	return suite
}

// ReportDefaults maps configuration onto per-report limits.
func ReportDefaults(cfg *config.Config) report.Config {
	d := report.DefaultConfig()
	if cfg.SectionIterations > 0 {
		d.SectionIterations = cfg.SectionIterations
	}
	if cfg.MaxQueriesPerSource > 0 {
		d.MaxQueriesPerSource = cfg.MaxQueriesPerSource
	}
	if cfg.MaxSections > 0 {
		d.MaxSections = cfg.MaxSections
	}
	if cfg.MinSectionWords > 0 {
		d.Evaluation.MinWords = cfg.MinSectionWords
	}
	if cfg.ResearchTokenBudget > 0 {
		d.ResearchTokenBudget = cfg.ResearchTokenBudget
	}
	return d
}
