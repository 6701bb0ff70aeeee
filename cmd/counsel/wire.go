package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/hpungsan/counsel/internal/automation"
	"github.com/hpungsan/counsel/internal/config"
	"github.com/hpungsan/counsel/internal/db"
	"github.com/hpungsan/counsel/internal/embed"
	"github.com/hpungsan/counsel/internal/index"
	"github.com/hpungsan/counsel/internal/ingest"
	"github.com/hpungsan/counsel/internal/ops"
	"github.com/hpungsan/counsel/internal/phase"
	"github.com/hpungsan/counsel/internal/prompt"
	"github.com/hpungsan/counsel/internal/provider"
	"github.com/hpungsan/counsel/internal/rag"
	"github.com/hpungsan/counsel/internal/refresh"
	"github.com/hpungsan/counsel/internal/state"
	"github.com/hpungsan/counsel/internal/turn"
)

type wireOptions struct {
	BaseDir string
	Config  *config.Config
	DB      *sql.DB
	Logger  *slog.Logger
	// Offline replaces every configured provider with Echo.
	Offline bool
}

// services is the wired application: the ops dependencies plus the
// long-running jobs that only serve and mcp modes start.
type services struct {
	Deps    *ops.Deps
	Watcher *ingest.Watcher
	Logger  *slog.Logger

	cfg       *config.Config
	runner    *automation.Runner
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func wire(ctx context.Context, o wireOptions) (*services, error) {
	cfg, log := o.Config, o.Logger
	store := db.NewStore(o.DB)

	providers := provider.FromConfig(cfg, o.Offline)

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	idx := index.New(embedder, index.Options{
		ChunkSize:    cfg.RAG.ChunkSize,
		ChunkOverlap: cfg.RAG.ChunkOverlap,
		Logger:       log,
	})

	if dir := cfg.Knowledge.Dir; dir != "" {
		n, retired, err := ingest.SyncDir(ctx, dir, store)
		if err != nil {
			return nil, fmt.Errorf("load knowledge dir: %w", err)
		}
		log.Info("knowledge directory loaded", "dir", dir, "documents", n, "retired", retired)
	}

	indexPath := cfg.RAG.IndexFile
	if indexPath != "" && !filepath.IsAbs(indexPath) {
		indexPath = filepath.Join(o.BaseDir, indexPath)
	}
	if indexPath != "" {
		if err := index.Open(ctx, idx, indexPath, store); err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
	}
	retrieval := rag.NewService(idx, store, providers, rag.Options{
		TopK:      cfg.RAG.TopK,
		Threshold: float32(cfg.RAG.SimilarityThreshold),
		IndexPath: indexPath,
		Logger:    log,
	})
	// A loaded index file predates documents the directory loader just wrote.
	if cfg.Knowledge.Dir != "" {
		if err := retrieval.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("refresh index: %w", err)
		}
	}

	states, err := state.Open(cfg.Workflow.StateBackend, o.BaseDir, log)
	if err != nil {
		return nil, err
	}

	phases := phase.NewEngine(store, phase.Options{
		AutoTransition: cfg.Workflow.AutoTransitionEnabled(),
		PhaseTimeout:   cfg.Workflow.PhaseTimeout.Std(),
		Logger:         log,
	})
	turnOpts := turn.Options{
		ContextLimit:  cfg.Processing.ContextLimit,
		MaxConcurrent: cfg.Processing.MaxConcurrentRequests,
		DefaultPhase:  cfg.Workflow.DefaultPhase,
		Logger:        log,
	}
	if cfg.RAG.AugmentTurns {
		turnOpts.Retriever = retrieval
		turnOpts.AugmentTopK = cfg.RAG.TopK
	}
	turns := turn.New(store, prompt.NewEngine(store, log), phases, providers, states, turnOpts)

	runner := automation.NewRunner(automation.Options{
		StepTimeout: cfg.Automation.StepTimeout.Std(),
		RetryCount:  cfg.Automation.RetryCount,
		RetryDelay:  cfg.Automation.RetryDelay.Std(),
		Actions:     automation.NewSimulator(log).Actions(),
		Logger:      log,
	})

	deps := &ops.Deps{
		Store:  store,
		Config: cfg,
		Turns:  turns,
		RAG:    retrieval,
		States: states,
		Phases: phases,
		Runner: runner,
	}
	if spec := cfg.Knowledge.RefreshSchedule; spec != "" {
		sched, err := refresh.New(spec, retrieval.Refresh, log)
		if err != nil {
			states.Close()
			return nil, err
		}
		deps.Refresh = sched
	}

	svc := &services{Deps: deps, Logger: log, cfg: cfg, runner: runner}
	if cfg.Knowledge.Watch && cfg.Knowledge.Dir != "" {
		svc.Watcher = &ingest.Watcher{
			Dir:      cfg.Knowledge.Dir,
			Writer:   store,
			OnChange: ops.RefreshJob(deps),
			Logger:   log,
		}
	}
	return svc, nil
}

func newEmbedder(cfg *config.Config) (embed.Embedder, error) {
	switch cfg.RAG.Embedder {
	case "", "hash":
		return embed.NewHash(cfg.RAG.EmbeddingDimension), nil
	case "openai":
		pc := cfg.Providers["openai"]
		if pc.APIKey == "" {
			return nil, fmt.Errorf("embedder openai needs providers.openai.api_key")
		}
		opts := []embed.Option{
			embed.WithModel(cfg.RAG.EmbeddingModel),
			embed.WithDimension(cfg.RAG.EmbeddingDimension),
		}
		if pc.BaseURL != "" {
			opts = append(opts, embed.WithBaseURL(pc.BaseURL))
		}
		return embed.NewOpenAI(pc.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown embedder %q", cfg.RAG.Embedder)
	}
}

// StartBackground starts the refresh schedule and the knowledge watcher.
// Both stop when ctx is cancelled or Close is called.
func (s *services) StartBackground(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if s.Deps.Refresh != nil {
		s.Deps.Refresh.Start(ctx)
	}
	if s.Watcher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Watcher.Run(ctx); err != nil {
				s.Logger.Error("knowledge watcher stopped", "error", err)
			}
		}()
	}
}

// Client returns a websocket control client for the runner.
func (s *services) Client(url string) *automation.Client {
	if url == "" {
		url = s.cfg.Automation.ServerURL
	}
	return automation.NewClient(s.runner, automation.ClientOptions{
		URL:            url,
		MachineID:      s.cfg.Automation.MachineID,
		Capabilities:   s.cfg.Automation.Capabilities,
		ReconnectDelay: s.cfg.Automation.ReconnectDelay.Std(),
		Logger:         s.Logger,
	})
}

// Close stops background jobs, waits for the watcher and releases the
// state store.
func (s *services) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.Deps.Refresh != nil {
			s.Deps.Refresh.Stop()
		}
		s.runner.StopAll()
		s.wg.Wait()
		if s.Deps.States != nil {
			if err := s.Deps.States.Close(); err != nil {
				s.Logger.Warn("close state store", "error", err)
			}
		}
	})
}
