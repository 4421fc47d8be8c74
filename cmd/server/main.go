package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/campus-transit/internal/attendance"
	"github.com/example/campus-transit/internal/config"
	"github.com/example/campus-transit/internal/emergency"
	"github.com/example/campus-transit/internal/gateway"
	httpapi "github.com/example/campus-transit/internal/http"
	"github.com/example/campus-transit/internal/ingest"
	"github.com/example/campus-transit/internal/location"
	"github.com/example/campus-transit/internal/logging"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/proximity"
	"github.com/example/campus-transit/internal/session"
	"github.com/example/campus-transit/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Store = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		if cfg.RunMigrations {
			if err := applyMigrations(pg); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		store = pg
	}

	hub := gateway.NewHub(logging.Component(logger, "gateway"))
	sessions := session.NewManager(store, hub, logging.Component(logger, "session"), cfg.SessionIdleTimeout)
	relay := location.NewRelay(sessions, store, hub, logging.Component(logger, "location"))

	var mirror *location.RedisMirror
	if cfg.RedisAddr != "" {
		mirror = location.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		relay.AddStream(mirror)
		defer mirror.Close()
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		relay.AddStream(producer)
		defer producer.Close()
	}

	att := attendance.NewEngine([]byte(cfg.AttendanceSecret), cfg.AttendanceTokenTTL,
		sessions, store, hub, logging.Component(logger, "attendance"), cfg.RosterRecentN)
	notifier := proximity.NewNotifier(hub, &storePrefs{store: store, logger: logger},
		sessions, logging.Component(logger, "proximity"), cfg.DefaultSpeedKMH, cfg.ProximityMinInterval)
	relay.AddObserver(notifier)
	emerg := emergency.NewCoordinator(store, hub, logging.Component(logger, "emergency"))

	sessions.OnStop(func(s *models.RideSession) {
		relay.Clear(s.DriverID)
		att.CloseRoster(s.ID)
		notifier.SessionEnded(s)
		if mirror != nil {
			if err := mirror.Remove(context.Background(), s.DriverID); err != nil {
				logger.Warn("redis mirror remove failed", "driver_id", s.DriverID, "error", err)
			}
		}
	})

	go notifier.Run(ctx)
	go sessions.Run(ctx)

	api := httpapi.NewServer(logging.Component(logger, "http"), sessions, relay, att, emerg, store, hub)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("campus-transit listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

// storePrefs reads watcher preferences on every evaluation tick, so a rider's
// threshold change applies to the next sample.
type storePrefs struct {
	store  storage.Store
	logger *slog.Logger
}

func (p *storePrefs) ForRoute(route string) []models.NotificationPreference {
	prefs, err := p.store.ListPreferencesByRoute(context.Background(), route)
	if err != nil {
		p.logger.Warn("listing preferences failed", "route", route, "error", err)
		return nil
	}
	return prefs
}

func applyMigrations(pg *storage.PostgresStore) error {
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_core.sql"))
	if err != nil {
		return err
	}
	_, err = pg.DB().Exec(string(b))
	return err
}
