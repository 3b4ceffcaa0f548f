package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/studymate/internal/api"
	"github.com/kalambet/studymate/internal/composer"
	"github.com/kalambet/studymate/internal/config"
	"github.com/kalambet/studymate/internal/gemini"
	"github.com/kalambet/studymate/internal/llm"
	"github.com/kalambet/studymate/internal/metrics"
	"github.com/kalambet/studymate/internal/notify"
	"github.com/kalambet/studymate/internal/proxy"
	"github.com/kalambet/studymate/internal/reminder"
	"github.com/kalambet/studymate/internal/session"
	"github.com/kalambet/studymate/internal/storage"
)

const shutdownTimeout = 5 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the studymate server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running studymate server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show studymate status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "studymate.pid")
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

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// newProvider builds the configured chat backend. Neither constructor
// fails on a missing key; chat requests report it instead.
func newProvider(ctx context.Context, pc config.ProviderConfig, m *metrics.Metrics) (llm.Provider, error) {
	switch pc.Name {
	case "gemini":
		p, err := gemini.New(ctx, pc.APIKey, pc.BaseURL)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		opts := []proxy.Option{proxy.WithMetrics(m)}
		if pc.BaseURL != "" {
			opts = append(opts, proxy.WithBaseURL(pc.BaseURL))
		}
		return proxy.NewClient(pc.APIKey, opts...), nil
	}
}

func modelsFromConfig(pc config.ProviderConfig) composer.Models {
	return composer.Models{
		Allowed:  pc.Models(),
		Default:  pc.DefaultModel,
		Vision:   pc.VisionModel,
		Research: pc.ResearchModel,
	}
}

func runServer(withMCP bool) error {
	fmt.Fprintf(stderr, "studymate version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	scanInterval, err := cfg.ScanInterval()
	if err != nil {
		return err
	}

	// Logs go to stderr: with --mcp, stdout carries the protocol.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))
	logger := slog.Default()

	if cfg.Provider.APIKey == "" {
		printWarning("no %s API key configured; chat will fail until you %s", cfg.Provider.Name, cfg.MissingKeyHint())
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("studymate is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("studymate is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStep("Opening storage in %s", cfg.Storage.DataDir)
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(stderr, "warning: closing storage: %v\n", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNew(reg)

	hub := notify.NewHub(logger)
	defer hub.Close()

	reminders, err := reminder.Open(store,
		reminder.WithMetrics(m),
		reminder.WithLogger(logger),
		reminder.WithNotifier(reminder.MultiNotifier{hub, notify.LogNotifier{Logger: logger}}),
	)
	if err != nil {
		return fmt.Errorf("loading reminders: %w", err)
	}

	sessions, err := session.Open(store, session.WithLocation(loc))
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}

	provider, err := newProvider(ctx, cfg.Provider, m)
	if err != nil {
		return err
	}

	handler := api.NewHandler(api.Deps{
		Provider:  provider,
		Composer:  composer.New(modelsFromConfig(cfg.Provider), cfg.Provider.MaxTokens, 0, loc),
		Reminders: reminders,
		Sessions:  sessions,
		Hub:       hub,
		Metrics:   m,
		Gatherer:  reg,
		DB:        store.DB(),
		Location:  loc,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(stderr, "studymate listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		reminder.NewScanner(reminders, scanInterval).Run(gctx)
		return nil
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Reminders: reminders, Location: loc}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		logger.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(stderr, "shutting down...")
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
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
		printError("studymate is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop studymate (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to studymate (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	running := reportStatus(ctx, client, cfg.Server.Port)

	printStatus("Provider", "%s", cfg.Provider.Name)
	if cfg.Provider.APIKey == "" {
		printStatus("API key", "missing (%s)", cfg.MissingKeyHint())
	} else {
		printStatus("API key", "set")
	}
	printStatus("Default model", "%s", cfg.Provider.DefaultModel)
	printStatus("Timezone", "%s", cfg.Reminder.Timezone)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	if !running {
		return nil
	}
	var pending []reminderView
	if resp, err := client.get(ctx, "/api/reminders?state=pending"); err == nil && decodeJSON(resp, &pending) == nil {
		printStatus("Pending reminders", "%d", len(pending))
	}
	var sessions []struct {
		ID string `json:"id"`
	}
	if resp, err := client.get(ctx, "/api/sessions"); err == nil && decodeJSON(resp, &sessions) == nil {
		printStatus("Chat sessions", "%d", len(sessions))
	}
	return nil
}

// reportStatus prints the server line and reports whether it is healthy.
func reportStatus(ctx context.Context, client *apiClient, port int) bool {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return false
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return false
	}
	printStatus("Server", "running on port %d", port)
	return true
}
