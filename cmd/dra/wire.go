package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ncolesummers/deep-research-agent/pkg/acquire"
	"github.com/ncolesummers/deep-research-agent/pkg/agent"
	"github.com/ncolesummers/deep-research-agent/pkg/evaluate"
	"github.com/ncolesummers/deep-research-agent/pkg/llm"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
	"github.com/ncolesummers/deep-research-agent/pkg/search"
	"github.com/ncolesummers/deep-research-agent/pkg/state"
	"github.com/ncolesummers/deep-research-agent/pkg/stream"
	"github.com/ncolesummers/deep-research-agent/pkg/tools"
	"github.com/ncolesummers/deep-research-agent/pkg/workflow"
)

// components is the fully wired agent and the parts commands use directly
type components struct {
	quick      *workflow.QuickSearch
	research   *workflow.ResearchLoop
	summarizer *workflow.Summarizer
	sessions   state.Store
	agent      *agent.Agent
}

// build wires every component from the runtime configuration
func build(ctx context.Context, rt *runtime) (*components, error) {
	cfg := rt.cfg
	named := func(component string) *observability.StructuredLogger {
		return rt.logger.WithComponent(component)
	}

	clients, err := llm.NewClients(cfg.Models, rt.telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to create model clients: %w", err)
	}
	if err := llm.CheckHealth(ctx, clients.BaseChat); err != nil {
		rt.logger.Warn(ctx, "base chat model health check failed", map[string]interface{}{
			"url":   cfg.Models.BaseChat.URL,
			"error": err.Error(),
		})
	}

	backend, err := search.NewBackend(cfg.Search)
	if err != nil {
		return nil, fmt.Errorf("failed to create search backend: %w", err)
	}

	blacklist, err := search.LoadBlacklist(cfg.Search.BlacklistFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		rt.logger.Warn(ctx, "blacklist file not found", map[string]interface{}{
			"path": cfg.Search.BlacklistFile,
		})
	case err != nil:
		return nil, fmt.Errorf("failed to load blacklist: %w", err)
	}

	executor, err := search.NewExecutor(backend, search.Options{
		Concurrency:   cfg.Search.Concurrency,
		MaxCandidates: cfg.Search.MaxCandidates,
		Blacklist:     blacklist,
		Logger:        named("search"),
		Telemetry:     rt.telemetry,
	})
	if err != nil {
		return nil, err
	}

	evaluator, err := evaluate.NewEvaluator(clients.Evaluate, evaluate.Options{
		BatchSize:   cfg.Research.BatchSize,
		Concurrency: cfg.Research.EvaluateConcurrency,
		Logger:      named("evaluate"),
		Telemetry:   rt.telemetry,
	})
	if err != nil {
		return nil, err
	}
	curator, err := evaluate.NewCurator(clients.Evaluate, named("curator"))
	if err != nil {
		return nil, err
	}

	acquirer, err := acquire.New(cfg.Crawl, clients.Compress, named("acquire"), rt.telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to create content acquirer: %w", err)
	}

	quick, err := workflow.NewQuickSearch(clients.SearchKeyword, executor, evaluator, acquirer, workflow.QuickSearchOptions{
		MaxResults: cfg.Research.MaxResults,
		Language:   cfg.Research.DefaultLanguage,
		Logger:     named("quicksearch"),
		Telemetry:  rt.telemetry,
	})
	if err != nil {
		return nil, err
	}

	planner, err := workflow.NewPlanner(clients.SearchKeyword, cfg.Research.DefaultLanguage, named("planner"))
	if err != nil {
		return nil, err
	}

	var sessions state.Store = state.NewMemoryStore(state.DefaultCapacity)
	if dir := cfg.Research.SessionDir; dir != "" {
		fs, err := state.NewFileStore(dir)
		if err != nil {
			return nil, err
		}
		sessions = fs
	}
	research, err := workflow.NewResearchLoop(planner, quick, curator, acquirer, workflow.ResearchLoopOptions{
		MaxIterations: cfg.Research.MaxIterations,
		MaxResults:    cfg.Research.MaxResults,
		DumpPath:      cfg.Research.DumpPath,
		Store:         sessions,
		Logger:        named("research"),
		Telemetry:     rt.telemetry,
	})
	if err != nil {
		return nil, err
	}

	summarizer, err := workflow.NewSummarizer(clients.Summary, named("summarizer"))
	if err != nil {
		return nil, err
	}

	a, err := agent.New(clients.BaseChat, tools.NewDefaultRegistry(), quick, research, summarizer, agent.Options{
		Heartbeat: stream.NewHeartbeat(stream.HeartbeatOptions{
			Timeout:     cfg.Research.HeartbeatTimeout,
			JoinTimeout: cfg.Research.JoinTimeout,
			Logger:      named("heartbeat"),
			Telemetry:   rt.telemetry,
		}),
		Logger:    named("agent"),
		Telemetry: rt.telemetry,
	})
	if err != nil {
		return nil, err
	}

	rt.logger.Info(ctx, "components ready", map[string]interface{}{
		"search_backend": backend.Name(),
		"crawlers":       acquirer.Crawlers(),
		"max_iterations": cfg.Research.MaxIterations,
	})

	return &components{
		quick:      quick,
		research:   research,
		summarizer: summarizer,
		sessions:   sessions,
		agent:      a,
	}, nil
}
