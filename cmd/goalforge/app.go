package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"goalforge/internal/budget"
	"goalforge/internal/crystal"
	"goalforge/internal/dispatch"
	"goalforge/internal/embedding"
	"goalforge/internal/llm"
	"goalforge/internal/oracle"
	"goalforge/internal/replay"
	"goalforge/internal/store"
	"goalforge/internal/toolindex"
	"goalforge/internal/tools"
)

// stores bundles the persistent state every command needs.
type stores struct {
	traces  *store.TraceStore
	toolsDB *store.ToolStore
	ledger  *budget.Ledger
}

func openStores() (*stores, error) {
	traces, err := store.NewTraceStore(wsPath(cfg.Storage.DatabasePath), cfg.Storage.ConfidenceFloor)
	if err != nil {
		return nil, fmt.Errorf("opening trace store: %w", err)
	}
	toolsDB, err := store.NewToolStore(wsPath(cfg.Storage.DatabasePath))
	if err != nil {
		traces.Close()
		return nil, fmt.Errorf("opening tool store: %w", err)
	}
	ledger, err := budget.NewPersistentLedger(cfg.Budget.InitialUSD, wsPath(cfg.Budget.LedgerPath))
	if err != nil {
		traces.Close()
		toolsDB.Close()
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return &stores{traces: traces, toolsDB: toolsDB, ledger: ledger}, nil
}

func (s *stores) Close() {
	s.traces.Close()
	s.toolsDB.Close()
}

// app is the fully wired dispatcher used by the run and crystallize
// commands.
type app struct {
	*stores
	registry *tools.Registry
	executor *replay.Executor
	gate     *crystal.Gate
	watcher  *crystal.Watcher
	engine   *dispatch.Engine
}

func newApp(ctx context.Context) (*app, error) {
	st, err := openStores()
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	if err := registerBuiltins(registry, workspace); err != nil {
		st.Close()
		return nil, fmt.Errorf("registering builtin tools: %w", err)
	}

	executor := replay.NewExecutor(registry, replay.Config{
		MaxContainers: cfg.Replay.MaxContainers,
		CallTimeout:   cfg.GetCallTimeout(),
	})

	crystalCfg := crystal.Config{
		MinUsage:       cfg.Crystal.MinUsage,
		MinSuccess:     cfg.Crystal.MinSuccess,
		MatchThreshold: cfg.Crystal.MatchThreshold,
		ToolsDir:       wsPath(cfg.Crystal.ToolsDir),
	}
	gate := crystal.NewGate(st.traces, st.toolsDB, registry, executor, crystalCfg)
	if _, err := gate.LoadAll(); err != nil {
		logger.Warn("loading crystallized tools", zap.Error(err))
	}

	watcher, err := crystal.NewWatcher(gate)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating tool watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("starting tool watcher: %w", err)
	}

	client, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		watcher.Stop()
		st.Close()
		return nil, fmt.Errorf("creating LLM client: %w", err)
	}

	engine, err := st.buildEngine(ctx, client, registry, executor, gate)
	if err != nil {
		watcher.Stop()
		st.Close()
		return nil, err
	}

	return &app{
		stores:   st,
		registry: registry,
		executor: executor,
		gate:     gate,
		watcher:  watcher,
		engine:   engine,
	}, nil
}

func (s *stores) buildEngine(ctx context.Context, client llm.Client, registry *tools.Registry, executor *replay.Executor, gate *crystal.Gate) (*dispatch.Engine, error) {
	engine, err := embedding.NewEngine(cfg.Embedding, cfg.LLM.APIKey)
	if err != nil {
		logger.Warn("embedding engine unavailable, search is keyword-only", zap.Error(err))
		engine = nil
	}
	index := toolindex.New(registry, s.traces, engine, toolindex.Config{
		MaxExamples: cfg.Index.MaxExamples,
		MinSuccess:  cfg.Index.MinSuccess,
		CacheTTL:    cfg.GetCacheTTL(),
	})

	strat, err := dispatch.NewStrategy(cfg.Dispatch.Strategy,
		cfg.Dispatch.FollowerThreshold, cfg.Dispatch.MixedThreshold, dispatch.NeutralState())
	if err != nil {
		return nil, err
	}

	return dispatch.NewEngine(dispatch.Deps{
		Traces:       s.traces,
		Ledger:       s.ledger,
		Matcher:      oracle.NewLLMOracle(client, cfg.GetOracleTimeout(), cfg.Dispatch.OracleCandidates),
		Registry:     registry,
		Executor:     executor,
		Gate:         gate,
		Learner:      dispatch.NewLLMLearner(client, registry, index),
		Orchestrator: dispatch.NewLLMOrchestrator(client),
		Strategy:     strat,
		Scorer:       dispatch.NewComplexityScorer(cfg.Dispatch.ComplexityKeywords, cfg.Dispatch.ComplexityThreshold),
	}, cfg.Dispatch.OracleCandidates, cfg.Storage.ConfidenceFloor)
}

func (a *app) Close() {
	a.watcher.Stop()
	a.stores.Close()
}

func wsPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}
