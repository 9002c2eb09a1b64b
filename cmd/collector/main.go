package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spcstream-backend/internal/api"
	"spcstream-backend/internal/bus"
	"spcstream-backend/internal/collector"
	"spcstream-backend/internal/config"
	"spcstream-backend/internal/crypto"
	"spcstream-backend/internal/distribution"
	"spcstream-backend/internal/source"
	"spcstream-backend/internal/spc"
	"spcstream-backend/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	factory := source.Factory{HTTPClient: &http.Client{Timeout: cfg.Limits().MaxFetchDuration}}
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewAesGcmEncryptor([]byte(cfg.EncryptionKey))
		if err != nil {
			logger.Error("failed to init encryptor", slog.String("error", err.Error()))
			os.Exit(1)
		}
		factory.Decryptor = enc
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to db", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()
	repo := storage.NewRepository(store)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collectorMetrics, err := collector.NewMetrics(reg)
	if err != nil {
		logger.Error("failed to register collector metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}
	streamMetrics, err := distribution.NewMetrics(reg)
	if err != nil {
		logger.Error("failed to register distribution metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}

	events := bus.NewLocal(1024)
	streams, err := distribution.NewServer(cfg.Distribution(), logger, streamMetrics)
	if err != nil {
		logger.Error("failed to init distribution server", slog.String("error", err.Error()))
		os.Exit(1)
	}
	detach := streams.Attach(events)
	streamCtx, stopStreams := context.WithCancel(context.Background())
	go streams.Run(streamCtx)

	manager := collector.NewManager(repo, factory.New, spc.NewEngine(), events, collector.Options{
		Limits:           cfg.Limits(),
		ErrorLogCooldown: cfg.ErrorLogCooldown(),
		Logger:           logger,
		Metrics:          collectorMetrics,
	})

	var publisher *bus.Publisher
	var subscriber *bus.Subscriber
	if cfg.NATSURL != "" {
		publisher, subscriber = connectNATS(ctx, cfg.NATSURL, events, manager, logger)
	}

	started, err := manager.StartAllActive(ctx)
	if err != nil {
		logger.Warn("some collectors failed to start", slog.String("error", err.Error()))
	}
	logger.Info("collectors started", slog.Int("count", started))

	handler := &api.Handler{
		Collectors: manager,
		Streams:    streams,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Timeout:    cfg.Limits().MaxFetchDuration,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Limits().MaxFetchDuration + 5*time.Second))
		handler.RegisterRoutes(r)
	})
	handler.RegisterStreamRoutes(r)

	// no ReadTimeout/WriteTimeout: /ws connections are long-lived and manage
	// their own write deadlines
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("spcstream listening", slog.String("port", cfg.HTTPPort))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.String("error", err.Error()))
	}

	manager.StopAll()
	stopStreams()
	detach()
	events.Close()
	if subscriber != nil {
		subscriber.Close()
	}
	if publisher != nil {
		publisher.Close()
	}
	logger.Info("spcstream stopped")
}

// connectNATS follows connection lifecycle subjects and forwards alerts.
// NATS is optional, so failures are logged and the service keeps running.
func connectNATS(ctx context.Context, url string, events *bus.Local, manager *collector.Manager, logger *slog.Logger) (*bus.Publisher, *bus.Subscriber) {
	publisher, err := bus.NewPublisher(url)
	if err != nil {
		logger.Warn("nats publisher unavailable", slog.String("error", err.Error()))
	} else {
		bus.ForwardAlerts(events, publisher, logger)
	}

	subscriber, err := bus.NewSubscriber(url)
	if err != nil {
		logger.Warn("nats subscriber unavailable", slog.String("error", err.Error()))
		return publisher, nil
	}
	for _, subject := range bus.ConnectionSubjects {
		_, err := subscriber.Subscribe(subject, func(subject string, evt bus.ConnectionEvent) {
			switch subject {
			case bus.SubjectConnectionDeactivated, bus.SubjectConnectionDeleted:
				manager.Stop(evt.ConnectionID)
			default:
				if err := manager.Reconcile(ctx, evt.ConnectionID); err != nil {
					logger.Warn("reconcile failed", slog.String("connectionId", evt.ConnectionID), slog.String("error", err.Error()))
				}
			}
		})
		if err != nil {
			logger.Warn("nats subscribe failed", slog.String("subject", subject), slog.String("error", err.Error()))
		}
	}
	return publisher, subscriber
}
