// agentdeck is the CLI for the orchestration daemon: it runs the daemon,
// manages settings, and drives task lifecycle actions over the REST API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/daemon"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var dbPath string
	var apiAddr string

	rootCmd := &cobra.Command{
		Use:     "agentdeck",
		Short:   "Autonomous coding-agent orchestrator",
		Long:    "agentdeck pulls tasks from ClickUp and runs one coding agent per task in an isolated git worktree.",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: ~/.local/share/agentdeck/agentdeck.db)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "http://localhost:5150", "Daemon API address")

	openStore := func() (*db.DB, error) {
		path := dbPath
		if path == "" {
			path = db.DefaultPath()
		}
		return db.Open(path)
	}

	// serve

	var httpAddr, seedFile string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, daemon.Options{
				DBPath:   dbPath,
				HTTPAddr: httpAddr,
				SeedFile: seedFile,
			})
		},
	}
	serveCmd.Flags().StringVar(&httpAddr, "http", ":5150", "HTTP API address")
	serveCmd.Flags().StringVar(&seedFile, "seed", "", "Optional YAML settings file imported at startup")
	rootCmd.AddCommand(serveCmd)

	// config

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage daemon settings",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			value, err := store.GetSetting(args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.SetSetting(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s = %s\n", args[0], args[1])
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print all settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			settings, err := store.GetAllSettings()
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(settings))
			for k := range settings {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\n", k, settings[k])
			}
			return w.Flush()
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Import settings from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := config.Import(store, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("imported %d settings from %s\n", n, args[0])
			return nil
		},
	})
	rootCmd.AddCommand(configCmd)

	// tasks

	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and control tasks via the running daemon",
	}

	var listStatus string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/tasks"
			if listStatus != "" {
				path += "?status=" + listStatus
			}
			var tasks []struct {
				ID          int64  `json:"id"`
				Name        string `json:"name"`
				Status      string `json:"status"`
				TimeSpentMS int64  `json:"time_spent_ms"`
				IsRunning   bool   `json:"is_running"`
			}
			if err := apiGet(apiAddr, path, &tasks); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTIME\tRUNNING")
			for _, t := range tasks {
				fmt.Fprintf(w, "%d\t%s\t%s\t%ds\t%v\n", t.ID, t.Name, t.Status, t.TimeSpentMS/1000, t.IsRunning)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	tasksCmd.AddCommand(listCmd)

	for _, action := range []struct {
		name, short string
	}{
		{"stop", "Stop a running task"},
		{"restart", "Restart a stopped or failed task"},
		{"complete", "Manually mark a task completed"},
	} {
		action := action
		tasksCmd.AddCommand(&cobra.Command{
			Use:   action.name + " <id>",
			Short: action.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var task struct {
					ID     int64  `json:"id"`
					Status string `json:"status"`
				}
				if err := apiPost(apiAddr, fmt.Sprintf("/api/tasks/%s/%s", args[0], action.name), &task); err != nil {
					return err
				}
				fmt.Printf("task %d is now %s\n", task.ID, task.Status)
				return nil
			},
		})
	}
	rootCmd.AddCommand(tasksCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiGet(addr, path string, out interface{}) error {
	resp, err := http.Get(addr + path)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()
	return decodeAPIResponse(resp, out)
}

func apiPost(addr, path string, out interface{}) error {
	resp, err := http.Post(addr+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()
	return decodeAPIResponse(resp, out)
}

func decodeAPIResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
