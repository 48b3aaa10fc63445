package main

import (
	"context"
	"errors"
	"fmt"
	"io"
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

	"github.com/kalambet/recall/internal/api"
	"github.com/kalambet/recall/internal/config"
	"github.com/kalambet/recall/internal/embedding"
	"github.com/kalambet/recall/internal/lexical"
	"github.com/kalambet/recall/internal/ollama"
	"github.com/kalambet/recall/internal/pgstore"
	"github.com/kalambet/recall/internal/pipeline"
	"github.com/kalambet/recall/internal/retrieval"
	"github.com/kalambet/recall/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the recall server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running recall server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recall system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "recall.pid")
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

// backend is the record store and job queue selected by storage.driver.
type backend struct {
	records retrieval.RecordStore
	queue   pipeline.JobQueue
	close   func() error
}

func openBackend(ctx context.Context, cfg config.Config, analyzer lexical.Analyzer) (*backend, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := pgstore.Open(ctx, cfg.Storage.PostgresDSN, pgstore.Options{
			Dimension:  cfg.Embedding.Dimension,
			TextConfig: cfg.Lexical.Language,
			Analyzer:   analyzer,
		})
		if err != nil {
			return nil, err
		}
		return &backend{records: pg, queue: pg, close: pg.Close}, nil
	default:
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		records, err := retrieval.NewSQLiteStore(ctx, store.DB(), retrieval.SQLiteOptions{
			Dimension: cfg.Embedding.Dimension,
			Analyzer:  analyzer,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		if records.Tokenizer() == "" {
			slog.Warn("FTS5 is unavailable, keyword search is disabled")
		}
		return &backend{records: records, queue: store, close: store.Close}, nil
	}
}

func runServer() error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))

	// Refuse to start twice: a live /health means another server owns the port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("recall is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("recall is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	analyzer, err := lexical.New(cfg.Lexical.Language)
	if err != nil {
		slog.Warn("lexical language not supported, using simple analyzer", "language", cfg.Lexical.Language, "error", err)
	}

	provider, err := embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		BaseURL:   cfg.Embedding.BaseURL,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		APIKey:    cfg.Embedding.APIKey,
	})
	if err != nil {
		return fmt.Errorf("configuring embedding provider: %w", err)
	}
	if cfg.Embedding.Provider == "ollama" {
		if err := ensureOllama(ctx, cfg, os.Stderr); err != nil {
			// Records can still be stored and keyword-searched while Ollama is down.
			printWarning("%v", err)
		}
	}

	be, err := openBackend(ctx, cfg, analyzer)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	pipe, err := pipeline.New(be.queue, be.records, provider, pipeline.Options{
		PollInterval: cfg.PollInterval(),
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
	})
	if err != nil {
		return err
	}

	categories, err := retrieval.NewCategories(cfg.CategoryList(), cfg.Records.DefaultCategory)
	if err != nil {
		return err
	}
	svc, err := retrieval.NewService(be.records, provider, pipe, retrieval.Options{
		Categories:          categories,
		DefaultLimit:        cfg.Retrieval.DefaultLimit,
		MaxLimit:            cfg.Retrieval.MaxLimit,
		Weights:             retrieval.Weights{Vector: cfg.Retrieval.VectorWeight, Text: cfg.Retrieval.TextWeight},
		CandidateMultiplier: cfg.Retrieval.CandidateMultiplier,
		CandidateCap:        cfg.Retrieval.CandidateCap,
		MinSimilarity:       cfg.Retrieval.MinSimilarity,
		QueryTimeout:        cfg.QueryTimeout(),
		Debug:               cfg.Retrieval.Debug,
		Analyzer:            analyzer,
	})
	if err != nil {
		return err
	}

	// Jobs left running by a crash go back to pending, then records that
	// never got an embedding are queued again.
	if n, err := pipe.Recover(ctx); err != nil {
		slog.Warn("resetting stale jobs", "error", err)
	} else if n > 0 {
		slog.Info("reset stale embedding jobs", "count", n)
	}
	if n, err := svc.Backfill(ctx, "", 0); err != nil {
		slog.Warn("backfilling embeddings", "error", err)
	} else if n > 0 {
		slog.Info("queued records for embedding", "count", n)
	}
	go pipe.Run(ctx)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Service: svc,
			Jobs:    pipe,
			Token:   cfg.Server.APIToken,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.MCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Service:      svc,
			DefaultOwner: cfg.Server.DefaultOwner,
			Version:      version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)", "owner", cfg.Server.DefaultOwner)
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "recall listening on %s\n", addr)
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

func ollamaSettings(cfg config.Config) (baseURL, model string) {
	baseURL, model = cfg.Embedding.BaseURL, cfg.Embedding.Model
	if baseURL == "" {
		baseURL = embedding.DefaultOllamaURL
	}
	if model == "" {
		model = embedding.DefaultOllamaModel
	}
	return baseURL, model
}

func ensureOllama(ctx context.Context, cfg config.Config, w io.Writer) error {
	baseURL, model := ollamaSettings(cfg)
	readyCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	return ollama.EnsureReady(readyCtx, ollama.New(baseURL), model, w)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("recall is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop recall (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to recall (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	running := false
	var health struct {
		Status string         `json:"status"`
		Jobs   map[string]int `json:"jobs"`
	}
	if resp, err := client.get(ctx, "/health"); err != nil {
		printStatus("Server", "stopped")
	} else if err := decodeJSON(resp, &health); err != nil {
		printStatus("Server", "error (%v)", err)
	} else {
		running = true
		printStatus("Server", "running on port %d", cfg.Server.Port)
		if len(health.Jobs) > 0 {
			printStatus("Embedding jobs", "%d pending, %d running, %d failed",
				health.Jobs["pending"], health.Jobs["running"], health.Jobs["failed"])
		}
	}

	printStatus("Embedding", "%s", cfg.Embedding.Provider)
	if cfg.Embedding.Provider == "ollama" {
		baseURL, model := ollamaSettings(cfg)
		if ollama.New(baseURL).IsRunning(ctx) {
			printStatus("Ollama", "running at %s", baseURL)
		} else {
			printStatus("Ollama", "not running")
		}
		printStatus("Model", "%s (%d dims)", model, cfg.Embedding.Dimension)
	} else {
		model := cfg.Embedding.Model
		if model == "" {
			model = "default"
		}
		printStatus("Model", "%s (%d dims)", model, cfg.Embedding.Dimension)
	}
	printStatus("Storage", "%s", cfg.Storage.Driver)

	if running {
		var st api.StatsView
		if resp, err := client.get(ctx, client.ownerPath("/stats")); err == nil && decodeJSON(resp, &st) == nil {
			printStatus("Records", "%d for %s (%d embedded, %d pending)", st.Total, client.owner, st.Embedded, st.Pending)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
