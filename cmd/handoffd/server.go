package main

import (
	"context"
	"encoding/json"
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

	"github.com/spf13/cobra"

	"github.com/avenlo/handoffd/internal/api"
	"github.com/avenlo/handoffd/internal/cache"
	"github.com/avenlo/handoffd/internal/config"
	"github.com/avenlo/handoffd/internal/connmon"
	"github.com/avenlo/handoffd/internal/hub"
	"github.com/avenlo/handoffd/internal/remote"
	"github.com/avenlo/handoffd/internal/rescache"
	"github.com/avenlo/handoffd/internal/storage"
	"github.com/avenlo/handoffd/internal/syncqueue"
	"github.com/avenlo/handoffd/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the handoffd daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running handoffd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show handoffd status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "handoffd.pid")
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

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "handoffd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	apiToken, err := config.EnsureAPIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to double-start: probe the health endpoint before claiming the
	// PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("handoffd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("handoffd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the persistent store. An unusable store degrades to in-memory:
	// the terminal keeps working for the session, durability across
	// restarts is lost.
	var (
		cacheStore cache.Store
		queueStore syncqueue.Store
	)
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		if !errors.Is(err, storage.ErrStoreUnavailable) {
			return fmt.Errorf("opening storage: %w", err)
		}
		slog.Error("persistent store unavailable, falling back to in-memory cache", "error", err)
		mem := storage.NewMemStore()
		cacheStore, queueStore = mem, mem
	} else {
		defer func() {
			if err := store.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
			}
		}()
		cacheStore, queueStore = store, store
	}

	staleTTL := time.Duration(cfg.Cache.StaleHours) * time.Hour
	if staleTTL <= 0 {
		staleTTL = cache.StaleTTL
	}

	// Resource cache for attachment bytes. Failure here only disables
	// mirroring.
	var resources *rescache.Cache
	if res, err := rescache.Open(filepath.Join(cfg.Storage.DataDir, "resources"), nil); err != nil {
		slog.Error("resource cache unavailable, attachments will not be mirrored", "error", err)
	} else {
		resources = res
	}

	h := hub.New(slog.Default())
	go h.Run()

	fetchClient := &http.Client{Timeout: 30 * time.Second}
	wrk := worker.NewManager(resources, fetchClient, staleTTL)
	defer wrk.Stop()

	// Everything the background instance emits goes to the dashboard pages.
	wrk.OnMessage(func(ev worker.Event) { h.Broadcast(ev) })

	// Pages can post cache hints over the websocket.
	h.OnInbound(func(raw []byte) {
		var msg worker.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Debug("ignoring malformed page message", "error", err)
			return
		}
		wrk.PostMessage(msg)
	})

	mgr := cache.NewManager(cacheStore, cache.Options{
		Mirror:     wrk,
		Resources:  resources,
		QuotaBytes: cfg.Cache.QuotaBytes,
		StaleTTL:   staleTTL,
	})

	// The sync queue and connectivity monitor exist only with remote
	// credentials; without them the daemon is a read-only cache.
	var (
		queue   *syncqueue.Queue
		monitor *connmon.Monitor
	)
	if cfg.Remote.BaseURL != "" {
		queue = syncqueue.New(queueStore, remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token), time.Now)
		monitor = connmon.New(cfg.Remote.BaseURL)

		drain := func() {
			results, err := queue.Drain(ctx)
			if err != nil {
				slog.Warn("sync drain failed", "error", err)
				return
			}
			synced := 0
			for _, res := range results {
				if res.Synced {
					synced++
				}
			}
			if len(results) > 0 {
				slog.Info("sync queue drained", "attempted", len(results), "synced", synced)
				h.Broadcast(map[string]any{"type": "sync-complete", "attempted": len(results), "synced": synced})
			}
		}

		monitor.OnOnline(drain)
		monitor.OnChange(func(online bool) {
			h.Broadcast(map[string]any{"type": "connectivity", "online": online})
		})
		wrk.OnWake(func() {
			if monitor.IsOnline() {
				drain()
			}
		})
		go monitor.Run(ctx)
	} else {
		slog.Warn("no remote base URL configured, running cache-only")
	}

	if !wrk.Register(ctx) {
		slog.Warn("background worker unsupported, resource mirroring disabled")
	}

	// Hourly maintenance: drop stale records and keep usage under quota.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed, err := mgr.SweepStale(); err != nil {
					slog.Warn("stale sweep failed", "error", err)
				} else if removed > 0 {
					slog.Info("swept stale records", "count", removed)
				}
				if _, err := mgr.EnforceQuota(); err != nil {
					slog.Warn("quota enforcement failed", "error", err)
				}
			}
		}
	}()

	handler := api.NewHandler(api.Deps{
		Cache:     mgr,
		Queue:     queue,
		Worker:    wrk,
		Hub:       h,
		Monitor:   monitor,
		Resources: resources,
		Client:    fetchClient,
		Token:     apiToken,
		Version:   version,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "handoffd listening on %s\n", addr)
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
		printError("handoffd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop handoffd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to handoffd (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Daemon", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		printStatus("Daemon", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Daemon", "running on port %d", cfg.Server.Port)

	apiC, err := newAPIClient()
	if err != nil {
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	statusResp, err := apiC.get(ctx, "/status")
	if err == nil {
		var status struct {
			Online         bool  `json:"online"`
			CachedRecords  int   `json:"cached_records"`
			PendingActions int   `json:"pending_actions"`
			ConnectedPages int   `json:"connected_pages"`
			ResourceBytes  int64 `json:"resource_bytes"`
		}
		if decodeJSON(statusResp, &status) == nil {
			printStatus("Plant server", "%s", connBadge(status.Online))
			printStatus("Cached records", "%d", status.CachedRecords)
			printStatus("Pending actions", "%d", status.PendingActions)
			printStatus("Connected pages", "%d", status.ConnectedPages)
			printStatus("Resource cache", "%s", formatBytes(status.ResourceBytes))
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
