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

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/veridex/veridex/internal/api"
	"github.com/veridex/veridex/internal/capability"
	"github.com/veridex/veridex/internal/config"
	"github.com/veridex/veridex/internal/hub"
	"github.com/veridex/veridex/internal/orchestrator"
	"github.com/veridex/veridex/internal/registry"
	"github.com/veridex/veridex/internal/storage"
	"github.com/veridex/veridex/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the veridex server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running veridex server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show veridex system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "veridex.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "veridex version %s\n", version)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(os.Getenv("VERIDEX_LOG_LEVEL"), "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/api/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("veridex is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("veridex is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the capability set.
	llm, err := capability.NewLLMClient(capability.LLMConfig{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		MaxTokens:   cfg.OpenAI.MaxTokens,
		Timeout:     cfg.OpenAI.Timeout,
		Temperature: cfg.OpenAI.Temperature,
	})
	if err != nil {
		return fmt.Errorf("building LLM client: %w", err)
	}
	finder, err := capability.NewWebSearchFinder(capability.SearchConfig{
		APIKey:     cfg.Search.APIKey,
		EngineID:   cfg.Search.EngineID,
		BaseURL:    cfg.Search.BaseURL,
		NumResults: cfg.Search.NumResults,
		CacheTTL:   cfg.Search.CacheTTL,
		RatePerSec: cfg.Search.RatePerSec,
	}, nil)
	if err != nil {
		return fmt.Errorf("building search client: %w", err)
	}
	extractor := capability.NewWebContentExtractor(capability.FetchConfig{
		UserAgent:  cfg.Fetch.UserAgent,
		Timeout:    cfg.Fetch.Timeout,
		CacheTTL:   cfg.Fetch.CacheTTL,
		RatePerSec: cfg.Fetch.RatePerSec,
		MaxText:    cfg.Fetch.MaxText,
	}, nil)
	caps := capability.Set{
		Analyzer:    llm,
		Finder:      finder,
		Extractor:   extractor,
		Evaluator:   llm,
		Synthesizer: llm,
	}

	// Wire the orchestrator. The hub's snapshot closure is resolved after
	// construction so the two can reference each other.
	reg := registry.New()
	queue := orchestrator.NewSQLiteQueue(store)
	exec := orchestrator.NewExecutor(store, caps, cfg.Worker.MaxAttempts, cfg.Worker.BackoffBase, slog.Default())

	var orch *orchestrator.Orchestrator
	events := hub.New(func(sctx context.Context, sessionID string) (hub.Event, error) {
		return orch.Snapshot(sctx, sessionID)
	}, 0)
	orch = orchestrator.New(store, reg, queue, exec, events, slog.Default())

	// Build HTTP handler and server.
	appHandler := api.NewAppHandler(api.AppDeps{
		Store: store,
		Orch:  orch,
		Hub:   events,
		Token: cfg.Server.Token,
	})

	topRouter := chi.NewRouter()
	topRouter.Mount("/api", appHandler)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
	}

	// Start step worker and retention janitor.
	stepWorker := worker.NewWorker(store, orch, cfg.Worker.PollInterval)
	go stepWorker.Run(ctx)
	if cfg.Storage.RetentionDays > 0 {
		janitor := worker.NewJanitor(store, time.Duration(cfg.Storage.RetentionDays)*24*time.Hour, time.Hour)
		go janitor.Run(ctx)
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store: store,
		Orch:  orch,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "veridex listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("veridex is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop veridex (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to veridex (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/api/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Model", "%s", cfg.OpenAI.Model)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	if running {
		apiCli, err := newAPIClient()
		if err == nil {
			if listResp, err := apiCli.get(context.Background(), "/sessions?limit=100"); err == nil {
				var sessions []struct {
					Status string `json:"status"`
				}
				if decodeJSON(listResp, &sessions) == nil {
					active := 0
					for _, s := range sessions {
						if s.Status == "pending" || s.Status == "analyzing" {
							active++
						}
					}
					printStatus("Sessions", "%d recent, %d active", len(sessions), active)
				}
			}
		}
	}

	return nil
}
