// Package daemon wires the engine together: store, process manager,
// scheduler, monitors, and the HTTP API. Both the agentdeckd binary and
// `agentdeck serve` run through it.
package daemon

import (
	"context"
	"fmt"
	"os"

	"github.com/agentdeck/agentdeck/internal/clickup"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/monitor"
	"github.com/agentdeck/agentdeck/internal/poller"
	"github.com/agentdeck/agentdeck/internal/procman"
	"github.com/agentdeck/agentdeck/internal/webapi"
	"github.com/agentdeck/agentdeck/internal/worktree"
	"github.com/charmbracelet/log"
)

// Options configures a daemon run.
type Options struct {
	DBPath   string
	HTTPAddr string
	SeedFile string // optional YAML settings seed imported at startup
}

// Run starts every engine loop and blocks until the context is cancelled
// or the HTTP server fails.
func Run(ctx context.Context, opts Options) error {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "agentdeckd",
	})

	if opts.DBPath == "" {
		opts.DBPath = db.DefaultPath()
	}

	store, err := db.Open(opts.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	logger.Info("database opened", "path", opts.DBPath)

	if opts.SeedFile != "" {
		n, err := config.Import(store, opts.SeedFile)
		if err != nil {
			return fmt.Errorf("import settings: %w", err)
		}
		logger.Info("imported settings", "file", opts.SeedFile, "keys", n)
	}

	manager := procman.NewManager(log.NewWithOptions(os.Stderr, log.Options{Prefix: "procman"}))
	defaultAgent := procman.AgentClaude
	if agent, _ := store.GetSetting(config.KeyDefaultAgent); agent != "" {
		kind := procman.AgentKind(agent)
		switch kind {
		case procman.AgentClaude, procman.AgentCodex, procman.AgentGemini:
			manager.SetDefaultAgent(kind)
			defaultAgent = kind
		default:
			logger.Warn("ignoring unknown default agent", "agent", agent)
		}
	}
	if !procman.IsInstalled(defaultAgent) {
		logger.Warn("default agent CLI not found on PATH", "agent", defaultAgent)
	}

	prov := worktree.NewProvisioner(log.NewWithOptions(os.Stderr, log.Options{Prefix: "worktree"}))

	exitMonitor := monitor.NewExitMonitor(store, manager,
		log.NewWithOptions(os.Stderr, log.Options{Prefix: "monitor"}))
	logPersister := monitor.NewLogPersister(store, manager,
		log.NewWithOptions(os.Stderr, log.Options{Prefix: "monitor"}))
	go exitMonitor.Run(ctx)
	go logPersister.Run(ctx)

	sched := poller.New(store,
		log.NewWithOptions(os.Stderr, log.Options{Prefix: "poller"}),
		prov, manager,
		func() (poller.TaskSource, error) { return clickup.NewClientFromSettings(store) },
	)
	go sched.Run(ctx)

	server := webapi.New(webapi.Config{
		Addr:    opts.HTTPAddr,
		DB:      store,
		Manager: manager,
		Prov:    prov,
	})

	logger.Info("agentdeck daemon started", "http", opts.HTTPAddr)
	return server.Start(ctx)
}
