// agentdeckd is the task orchestration daemon.
// It polls ClickUp for work, runs coding agents in isolated worktrees, and
// serves the REST/WebSocket API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentdeck/agentdeck/internal/daemon"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/charmbracelet/log"
)

func main() {
	httpAddr := flag.String("http", ":5150", "HTTP API address")
	dbPath := flag.String("db", "", "Database path (default: ~/.local/share/agentdeck/agentdeck.db)")
	seedFile := flag.String("seed", "", "Optional YAML settings file imported at startup")
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "agentdeckd",
	})

	if *dbPath == "" {
		*dbPath = db.DefaultPath()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx, daemon.Options{
		DBPath:   *dbPath,
		HTTPAddr: *httpAddr,
		SeedFile: *seedFile,
	}); err != nil {
		logger.Fatal("daemon exited", "error", err)
	}
}
