// Package app wires the configured components into a running service.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ericksa/contractlens/internal/audit"
	"github.com/ericksa/contractlens/internal/blob"
	"github.com/ericksa/contractlens/internal/chat"
	"github.com/ericksa/contractlens/internal/classify"
	"github.com/ericksa/contractlens/internal/config"
	"github.com/ericksa/contractlens/internal/extract"
	"github.com/ericksa/contractlens/internal/lifecycle"
	"github.com/ericksa/contractlens/internal/llm"
	"github.com/ericksa/contractlens/internal/metrics"
	"github.com/ericksa/contractlens/internal/retrieval"
	"github.com/ericksa/contractlens/internal/store"
)

type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Store     *store.Store
	Audit     *audit.Auditor
	Retriever *retrieval.Retriever
	Lifecycle *lifecycle.Controller
	Chat      *chat.Orchestrator
}

// Build opens storage and constructs every component from cfg.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	blobs, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	return Assemble(ctx, cfg, logger, st, blobs, nil)
}

// Assemble builds the components on already opened storage. A nil model is
// constructed from cfg.LLM.
func Assemble(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store, blobs blob.Store, model llm.Completer) (*App, error) {
	mx := metrics.New()
	if !cfg.Metrics.Enabled {
		mx = nil
	}
	aud := audit.New(st, logger)

	if model == nil {
		var err error
		if model, err = llm.New(ctx, cfg.LLM, mx, aud, logger); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to create model client: %w", err)
		}
	}

	extractor := extract.New(extract.Config{
		ScannedThreshold: cfg.Analysis.ScannedThreshold,
		RenderDPI:        cfg.Analysis.RenderDPI,
	}, extract.FitzOpener{}, logger)
	classifier := classify.New(classify.Config{
		MaxInputChars: cfg.Analysis.MaxInputChars,
		MaxImages:     cfg.Analysis.MaxPages,
		Instruction:   cfg.Analysis.InstructionPrompt,
	}, model, mx, logger)

	retriever := retrieval.New(retrieval.Config{
		MaxClauses: cfg.Retrieval.MaxClauses,
		CacheSize:  cfg.Retrieval.CacheSize,
		CacheTTL:   cfg.Retrieval.CacheTTL,
	}, st, mx, logger)

	ctrl := lifecycle.New(lifecycle.Config{AnalyzeTimeout: cfg.Analysis.Timeout}, lifecycle.Options{
		Store:       st,
		Blobs:       blobs,
		Extractor:   extractor,
		Classifier:  classifier,
		Invalidator: retriever,
		Metrics:     mx,
		Logger:      logger,
	})

	orch := chat.New(chat.Config{
		HistoryWindow:   cfg.Chat.HistoryWindow,
		MaxContextChars: cfg.Chat.MaxContextChars,
		Timeout:         cfg.Chat.Timeout,
		SystemPrompt:    cfg.Chat.SystemPrompt,
		NoContextPrompt: cfg.Chat.NoContextPrompt,
	}, st, retriever, model, mx, logger)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Metrics:   mx,
		Store:     st,
		Audit:     aud,
		Retriever: retriever,
		Lifecycle: ctrl,
		Chat:      orch,
	}, nil
}

func (a *App) Close() error {
	return a.Store.Close()
}
