// Package app wires the configured components into a runnable service.
package app

import (
	"context"
	"fmt"

	"github.com/amori/droidrelay/internal/agent"
	"github.com/amori/droidrelay/internal/config"
	"github.com/amori/droidrelay/internal/dispatch"
	"github.com/amori/droidrelay/internal/gitsync"
	"github.com/amori/droidrelay/internal/httpapi"
	"github.com/amori/droidrelay/internal/observability"
	"github.com/amori/droidrelay/internal/queue"
	"github.com/amori/droidrelay/internal/session"
	"github.com/amori/droidrelay/internal/taskruntime"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Sessions   *session.Manager
	Dispatcher *dispatch.Dispatcher
	Service    *taskruntime.Service
	Metrics    *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// runnerAdapter narrows *agent.Runner to the taskruntime interface; the
// concrete *agent.Run satisfies RunHandle.
type runnerAdapter struct {
	runner *agent.Runner
}

func (a runnerAdapter) Start(ctx context.Context, req agent.RunRequest) (taskruntime.RunHandle, error) {
	return a.runner.Start(ctx, req)
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store := session.NewFileStore(cfg.SessionsFile)
	sessions := session.NewManager(store, cfg.DefaultWorkingDir)
	metrics.ActiveSessions.Set(float64(sessions.Count()))

	git := gitsync.NewHelper()
	runner := agent.NewRunner(cfg.CLIPath)

	service := taskruntime.New(taskruntime.Config{
		StopOnFailure: cfg.StopOnFailure,
	}, queue.NewManager(), runnerAdapter{runner: runner}, git, sessions, metrics)

	taskStore, err := queue.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("task store init failed: %w", err)
	}
	if taskStore != nil {
		service.SetStore(taskStore)
	}

	dispatcher, err := dispatch.New(cfg, sessions, service, git, metrics)
	if err != nil {
		if taskStore != nil {
			taskStore.Close()
		}
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}

	api := httpapi.New(cfg, sessions, dispatcher, service, metrics)

	cleanup := func() error {
		if taskStore != nil {
			taskStore.Close()
		}
		return nil
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Service:    service,
		Metrics:    metrics,
		Cleanup:    cleanup,
	}, nil
}
