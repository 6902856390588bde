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

	"github.com/kalambet/compass/internal/api"
	"github.com/kalambet/compass/internal/assignment"
	"github.com/kalambet/compass/internal/binlock"
	"github.com/kalambet/compass/internal/catalog"
	"github.com/kalambet/compass/internal/config"
	"github.com/kalambet/compass/internal/deck"
	"github.com/kalambet/compass/internal/engine"
	"github.com/kalambet/compass/internal/sealed"
	"github.com/kalambet/compass/internal/storage"
	"github.com/kalambet/compass/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the compass server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		serveMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(serveMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running compass server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show compass system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var lockdCmd = &cobra.Command{
	Use:   "lockd",
	Short: "Run the reference billet lock service",
	Long: `Run an in-memory billet lock service for local development.

It answers POST /locks with a grant or a 409 conflict, and serves the billet
catalog at GET /billets from the YAML file given by --catalog (or lockd.catalog).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)
		if cmd.Flags().Changed("port") {
			cfg.Lockd.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("catalog") {
			cfg.Lockd.Catalog, _ = cmd.Flags().GetString("catalog")
		}
		if cmd.Flags().Changed("conflict-rate") {
			cfg.Lockd.ConflictRate, _ = cmd.Flags().GetFloat64("conflict-rate")
		}
		return runLockd(cfg)
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "serve MCP over stdin/stdout")
	lockdCmd.Flags().Int("port", 0, "listen port (default lockd.port)")
	lockdCmd.Flags().String("catalog", "", "YAML billet catalog to serve")
	lockdCmd.Flags().Float64("conflict-rate", 0, "probability of answering 409 for an open billet")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "compass.pid")
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

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogging(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(level)})))
}

// catalogSource picks the billet source named by catalog.source. The returned
// saver, when non-nil, receives every refreshed page so the deck survives
// going offline.
func catalogSource(cfg config.Config, store *storage.Store) (catalog.Source, catalog.Saver, error) {
	switch cfg.Catalog.Source {
	case "http":
		base := cfg.Catalog.Path
		if base == "" {
			base = cfg.Lock.BaseURL
		}
		return catalog.NewHTTPSource(base), store, nil
	case "file":
		if cfg.Catalog.Path == "" {
			return nil, nil, fmt.Errorf("catalog.path is required when catalog.source is file")
		}
		return catalog.NewFileSource(cfg.Catalog.Path), store, nil
	case "store":
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown catalog.source %q (want http, file or store)", cfg.Catalog.Source)
	}
}

func openStore(cfg config.Config) (*storage.Store, error) {
	if err := cfg.RequireEncryptionKey(); err != nil {
		return nil, err
	}
	sealer, err := sealed.New(cfg.Storage.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("loading storage key: %w", err)
	}
	store, err := storage.Open(cfg.Storage.DataDir, sealer)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

func runServer(serveMCP bool) error {
	fmt.Fprintf(os.Stderr, "compass version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("compass is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("compass is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	classes, err := engine.ClassificationFor(cfg.Engine.AcquiringVerbs)
	if err != nil {
		return fmt.Errorf("engine.acquiring_verbs: %w", err)
	}

	src, saver, err := catalogSource(cfg, store)
	if err != nil {
		return err
	}
	cache := catalog.New(src, catalog.Options{
		PageSize: cfg.Catalog.PageSize,
		TTL:      cfg.Catalog.TTL,
		Saver:    saver,
	})

	eng := engine.New(engine.Deps{
		Gateway: store,
		Locks:   binlock.NewClient(cfg.Lock.BaseURL, cfg.Lock.Token),
		Deck:    deck.New(cache),
		Catalog: cache,
		Retries: store,
	}, engine.Options{
		LockTimeout:      cfg.Lock.Timeout,
		MaxRetryAttempts: cfg.Retry.MaxAttempts,
		Classification:   classes,
	})
	defer eng.Wait()

	if err := eng.Hydrate(ctx, cfg.User.ID); err != nil {
		return fmt.Errorf("loading saved applications: %w", err)
	}
	if err := eng.FetchBillets(ctx); err != nil {
		slog.Warn("initial deck fetch failed; retry with `compass deck fetch`", "error", err)
	}

	// Start lock retry worker.
	w := worker.NewWorker(store, eng, 500*time.Millisecond)
	go w.Run(ctx)

	if serveMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Engine: eng, UserID: cfg.User.ID})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewAppHandler(api.AppDeps{
			Engine: eng,
			Store:  store,
			Token:  apiToken,
			UserID: cfg.User.ID,
		}),
	}
	return serveUntilDone(ctx, srv, "compass")
}

func runLockd(cfg config.Config) error {
	lockSrv := binlock.NewServer(binlock.ServerOptions{
		ConflictRate: cfg.Lockd.ConflictRate,
		Latency:      cfg.Lockd.Latency,
		Token:        cfg.Lock.Token,
	})

	r := chi.NewRouter()
	if cfg.Lockd.Catalog != "" {
		src := catalog.NewFileSource(cfg.Lockd.Catalog)
		n, err := src.CountBillets(context.Background())
		if err != nil {
			return err
		}
		slog.Info("serving billet catalog", "path", cfg.Lockd.Catalog, "billets", n)
		r.Get("/billets", catalog.ServeBillets(src))
	} else {
		printWarning("no catalog configured; GET /billets is disabled")
	}
	r.Mount("/", lockSrv.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Lockd.Port),
		Handler: r,
	}
	return serveUntilDone(ctx, srv, "lockd")
}

// serveUntilDone runs srv until ctx is cancelled or the listener fails, then
// shuts down with a 5 second grace period.
func serveUntilDone(ctx context.Context, srv *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "%s listening on %s\n", name, srv.Addr)
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
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("compass is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop compass (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to compass (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	if resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if resp, err := client.Get(strings.TrimRight(cfg.Lock.BaseURL, "/") + "/health"); err != nil {
		printStatus("Lock service", "unreachable at %s", cfg.Lock.BaseURL)
	} else {
		resp.Body.Close()
		printStatus("Lock service", "running at %s", cfg.Lock.BaseURL)
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			printDeckSummary(ctx, c)
		}
	}

	printStatus("User", "%s", cfg.User.ID)
	printStatus("Catalog", "%s", cfg.Catalog.Source)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printDeckSummary(ctx context.Context, c *apiClient) {
	var d deckView
	if err := c.getJSON(ctx, "/deck", &d); err == nil {
		printStatus("Deck", "%d of %d (%s mode)", d.Cursor, d.Length, d.Mode)
	}
	var slate []assignment.Application
	if err := c.getJSON(ctx, "/slate", &slate); err == nil {
		printStatus("Slate", "%d ranked", len(slate))
	}
}
