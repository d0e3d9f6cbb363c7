package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/inboxrank/internal/api"
	"github.com/kalambet/inboxrank/internal/config"
	"github.com/kalambet/inboxrank/internal/ingest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API, the MCP server and the classification worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", true, "serve MCP over stdio")
	rootCmd.AddCommand(stopCmd)
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "inboxrank.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(ctx context.Context, withMCP bool) error {
	fmt.Fprintf(os.Stderr, "inboxrank version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	if cfg.Server.APIToken == "" {
		slog.Warn("server.api_token is empty; REST API is unauthenticated")
	}

	if r, err := a.index.VerifyAndRepair(ctx); err != nil {
		slog.Warn("search index verification failed", "error", err)
	} else if !r.Consistent() {
		slog.Info("search index repaired", "documents", len(r.IDs()))
	}

	// Unclassified mail from offline ingests or an interrupted run is queued
	// before the worker starts.
	if n, err := ingest.QueueBacklog(ctx, a.store); err != nil {
		slog.Warn("queueing unclassified emails failed", "error", err)
	} else if n > 0 {
		slog.Info("queued unclassified emails", "count", n)
	}

	handler := api.NewHandler(api.Deps{
		Store:      a.store,
		Classifier: a.classifier,
		Index:      a.index,
		Query:      a.query,
		Token:      cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	worker := ingest.NewWorker(a.store, a.classifier, 500*time.Millisecond)
	go worker.Run(ctx)

	// SIGHUP picks up edits made with 'inboxrank rules ...'.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := a.reloadRules(); err != nil {
					slog.Warn("reloading rules failed, keeping current rules", "error", err)
				}
			}
		}
	}()

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:      a.store,
			Classifier: a.classifier,
			Query:      a.query,
			Version:    version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "inboxrank listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("inboxrank is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop inboxrank (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to inboxrank (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}
	client := newAPIClient(cfg)

	running := client.healthy(ctx)
	if running {
		printStatus("Server", "running on port %d", cfg.Server.Port)
	} else {
		printStatus("Server", "stopped")
	}

	printStatus("AI scoring", "%s", aiLabel(cfg))
	printStatus("Rules", "%s", cfg.Rules.Path)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	if !running {
		return nil
	}
	resp, err := client.get(ctx, "/stats")
	if err != nil {
		return err
	}
	var st api.StatsResponse
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	printStatus("Emails", "%d (%d classified)", st.Emails, st.Classified)
	printStatus("Jobs", "%d pending, %d running, %d failed", st.Jobs["pending"], st.Jobs["running"], st.Jobs["failed"])
	return nil
}

func aiLabel(cfg config.Config) string {
	if !cfg.AI.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("%s via %s", cfg.Ollama.Model, cfg.Ollama.BaseURL)
}
