// Command amityvox-fed is the federation bridge's entrypoint. It provides a
// "start" subcommand that loads configuration, connects to PostgreSQL and
// NATS, runs pending migrations, wires the inbox (fed-facing) and intake
// (chat-facing) HTTP servers and the three-queue delivery pipeline, and
// handles graceful shutdown on SIGINT/SIGTERM — mirroring cmd/amityvox's
// runServe shape, generalized from one HTTP+WebSocket pair to the bridge's
// inbox+intake pair and its background pipeline workers instead of an
// in-process gateway.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/amityvox/amityvox/internal/bridge"
	"github.com/amityvox/amityvox/internal/config"
	"github.com/amityvox/amityvox/internal/database"
	"github.com/amityvox/amityvox/internal/events"
	"github.com/amityvox/amityvox/internal/fedsig"
	"github.com/amityvox/amityvox/internal/inbox"
	"github.com/amityvox/amityvox/internal/intake"
	"github.com/amityvox/amityvox/internal/mapping"
	"github.com/amityvox/amityvox/internal/matrixclient"
	"github.com/amityvox/amityvox/internal/media"
	"github.com/amityvox/amityvox/internal/pipeline"
	"github.com/amityvox/amityvox/internal/policy"
	"github.com/amityvox/amityvox/internal/scanning"
	"github.com/amityvox/amityvox/internal/search"
	"github.com/amityvox/amityvox/internal/transform"

	"maunium.net/go/mautrix/event"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		if err := runStart(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("amityvox-fed %s (%s)\n", version, commit)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("AmityVox Federation Bridge")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  amityvox-fed <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  start     Start the bridge (inbox + intake + pipeline)")
	fmt.Println("  migrate   Run database migrations (up|down|status)")
	fmt.Println("  version   Print version information")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  amityvox-fed.toml (or set AMITYVOX_CONFIG_PATH)")
	fmt.Println("  Env prefix:   AMITYVOX_ (e.g. AMITYVOX_DATABASE_URL)")
}

func runStart() error {
	logger := setupLogger("info", "json")
	logger.Info("starting amityvox-fed", slog.String("version", version), slog.String("commit", commit))

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx := context.Background()

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	bus, err := events.New(cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer bus.Close()
	if err := bus.EnsureStreams(); err != nil {
		return fmt.Errorf("ensuring NATS streams: %w", err)
	}

	store := mapping.New(db.Pool, logger)

	// Meilisearch-backed actor directory (optional, soft-disable on error —
	// the same degrade-don't-fail shape cmd/amityvox uses for search).
	var directory *search.Service
	if cfg.Search.Enabled && cfg.Search.URL != "" {
		svc, err := search.New(search.Config{URL: cfg.Search.URL, APIKey: cfg.Search.APIKey, Logger: logger})
		if err != nil {
			logger.Warn("search service unavailable", slog.String("error", err.Error()))
		} else if err := svc.EnsureIndexes(ctx); err != nil {
			logger.Warn("could not ensure search indexes", slog.String("error", err.Error()))
		} else {
			directory = svc
			logger.Info("search service ready", slog.String("url", cfg.Search.URL))
		}
	}

	// Media gateway (optional — only when object storage is configured).
	var mediaGW *media.Gateway
	var scanner scanning.Scanner
	if cfg.Storage.Endpoint != "" {
		maxBytes, err := cfg.Media.MaxUploadSizeBytes()
		if err != nil || maxBytes <= 0 {
			maxBytes = 50 * 1024 * 1024
		}
		if cfg.Media.ScanWithClamAV {
			clamCfg := scanning.DefaultClamAVConfig()
			clamCfg.Enabled = true
			clamCfg.Address = cfg.Media.ClamAVAddress
			s, err := scanning.NewClamAVScanner(clamCfg, logger)
			if err != nil {
				logger.Warn("clamav scanner unavailable, uploads unscanned", slog.String("error", err.Error()))
				scanner = &scanning.NoOpScanner{}
			} else {
				scanner = s
			}
		} else {
			scanner = &scanning.NoOpScanner{}
		}
		gw, err := media.New(media.Config{
			Endpoint:        cfg.Storage.Endpoint,
			Bucket:          cfg.Storage.Bucket,
			AccessKey:       cfg.Storage.AccessKey,
			SecretKey:       cfg.Storage.SecretKey,
			Region:          cfg.Storage.Region,
			UseSSL:          cfg.Storage.UseSSL,
			MaxUploadMB:     maxBytes / (1024 * 1024),
			BaseURL:         cfg.Fed.BaseURL,
			HomeserverURL:   cfg.Chat.HomeserverURL,
			HomeserverToken: cfg.Chat.ASToken,
			AllowedMIME:     cfg.Media.AllowedMIMETypes,
			ThumbnailSizes:  cfg.Media.ThumbnailSizes,
			StripExif:       cfg.Media.StripExif,
		}, store, scanner, logger)
		if err != nil {
			logger.Warn("media gateway unavailable, attachments disabled", slog.String("error", err.Error()))
		} else {
			mediaGW = gw
			logger.Info("media gateway ready", slog.String("endpoint", cfg.Storage.Endpoint))
		}
	}

	tc := &transform.Context{
		BaseURL:     cfg.Fed.BaseURL,
		LocalDomain: cfg.Fed.Domain,
		Lookup:      store,
		Media:       mediaGW,
	}

	mx := matrixclient.New(cfg.Chat.HomeserverURL, cfg.Chat.ASToken)

	workers := cfg.Pipeline.WorkersPerQueue
	breakerReset, err := cfg.Pipeline.BreakerResetTimeoutParsed()
	if err != nil {
		return fmt.Errorf("parsing pipeline.breaker_reset_timeout: %w", err)
	}
	queues := pipeline.NewManager(bus, store, workers, cfg.Pipeline.RateLimitPerSecond,
		cfg.Pipeline.MaxAttempts, cfg.Pipeline.BreakerThreshold, breakerReset, logger)

	coord := bridge.NewCoordinator(store, queues, cfg.Fed.BaseURL, directory, logger)
	coord.Blocked = func(ctx context.Context, host string) bool {
		return isBlockedInstance(cfg.Fed.BlockedInstances, host)
	}

	policySvc := policy.NewService(policy.Config{
		Store:       store,
		Bus:         bus,
		Bridge:      coord,
		AdminRoomID: cfg.Chat.AdminRoomID,
		Logger:      logger,
	})

	sig := fedsig.NewEngine(bridge.NewKeyFetcher(coord), 2000, logger)

	if err := queues.Start(ctx,
		bridge.NewTranslateOutHandler(coord, tc, mx),
		bridge.NewTranslateInHandler(coord, tc, mx, cfg.Chat.Domain),
		bridge.NewDeliverHandler(store, sig),
	); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}

	inboxSrv := inbox.NewServer(sig, store, cfg.Fed.BaseURL, cfg.Fed.Domain, version, logger)
	inboxSrv.Blocked = func(ctx context.Context, host string) bool {
		return isBlockedInstance(cfg.Fed.BlockedInstances, host)
	}
	inboxSrv.Register("Delete", policyDeleteHandler(policySvc))
	inboxSrv.Register("Flag", policyFlagHandler(policySvc))
	inboxSrv.Register("Create", translateInHandler(queues))

	intakeSrv := intake.NewServer(cfg.Chat.HSToken, cfg.Chat.Domain, logger)
	intakeSrv.Register("m.room.message", translateOutHandler(queues))

	router := inboxSrv.Router
	router.Get("/health", healthHandler(db, bus, scanner))
	router.Mount("/", intakeSrv.Router)

	httpSrv := &http.Server{Addr: cfg.HTTP.Listen, Handler: router}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.HTTP.Listen))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case s := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", s.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("amityvox-fed stopped")
	return nil
}

// healthHandler reports liveness of the database, NATS, and (when media
// upload is configured) the malware scanner backing it. The scanner is nil
// when no object storage is configured, in which case its entry is omitted
// rather than reported unhealthy.
func healthHandler(db *database.DB, bus *events.Bus, scanner scanning.Scanner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok"}
		healthy := true

		if err := db.HealthCheck(r.Context()); err != nil {
			status["database"] = "unhealthy"
			healthy = false
		} else {
			status["database"] = "healthy"
		}

		if err := bus.HealthCheck(); err != nil {
			status["nats"] = "unhealthy"
			healthy = false
		} else {
			status["nats"] = "healthy"
		}

		if scanner != nil {
			if err := scanner.HealthCheck(r.Context()); err != nil {
				status["scanner"] = "unhealthy"
				healthy = false
			} else {
				status["scanner"] = "healthy"
			}
		}

		if !healthy {
			status["status"] = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}
}

// translateOutHandler adapts an intake m.room.message event into a
// translate-out job: the queue fetches the event body itself, so only the
// room/event ids need to cross the intake→pipeline boundary.
func translateOutHandler(queues *pipeline.Manager) intake.Handler {
	return func(ctx context.Context, evt *event.Event) error {
		return queues.TranslateOut.Enqueue(ctx, pipeline.TranslateOutJob{
			RoomID:  string(evt.RoomID),
			EventID: string(evt.ID),
		})
	}
}

// translateInHandler adapts an inbox Create activity into a translate-in
// job, carrying the raw activity bytes the handler re-decodes.
func translateInHandler(queues *pipeline.Manager) inbox.Handler {
	return func(ctx context.Context, activity inbox.RawActivity) error {
		return queues.TranslateIn.Enqueue(ctx, pipeline.TranslateInJob{
			ActivityID: activity.ID,
			Activity:   activity.Raw,
		})
	}
}

// policyDeleteHandler and policyFlagHandler adapt inbox.RawActivity's
// pre-parsed id/type/actor shape back to the map[string]any internal/policy
// expects, since policy was built against the teacher's generic JSON
// activity handling rather than inbox's typed envelope.
func policyDeleteHandler(p *policy.Service) inbox.Handler {
	return func(ctx context.Context, activity inbox.RawActivity) error {
		var m map[string]any
		if err := json.Unmarshal(activity.Raw, &m); err != nil {
			return nil
		}
		return p.HandleDelete(ctx, m)
	}
}

func policyFlagHandler(p *policy.Service) inbox.Handler {
	return func(ctx context.Context, activity inbox.RawActivity) error {
		var m map[string]any
		if err := json.Unmarshal(activity.Raw, &m); err != nil {
			return nil
		}
		return p.HandleFlag(ctx, m)
	}
}

func isBlockedInstance(blocked []string, host string) bool {
	host = strings.ToLower(host)
	for _, b := range blocked {
		if strings.ToLower(b) == host {
			return true
		}
	}
	return false
}

func runMigrate() error {
	logger := setupLogger("info", "text")
	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}
	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

func configPath() string {
	if p := os.Getenv("AMITYVOX_CONFIG_PATH"); p != "" {
		return p
	}
	return "amityvox-fed.toml"
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
