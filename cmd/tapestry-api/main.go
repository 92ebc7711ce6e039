// Tapestry API — HTTP-интерфейс к runs, попыткам и шаблонам.
//
// С Postgres API и оркестратор — разные процессы над одной базой.
// С хранилищем в памяти API сам запускает цикл оркестратора.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shaiso/Tapestry/internal/api"
	"github.com/shaiso/Tapestry/internal/config"
	"github.com/shaiso/Tapestry/internal/mq"
	"github.com/shaiso/Tapestry/internal/notify"
	"github.com/shaiso/Tapestry/internal/orchestrator"
	"github.com/shaiso/Tapestry/internal/repo"
	"github.com/shaiso/Tapestry/internal/telemetry"
	"github.com/shaiso/Tapestry/internal/templatestore"
	"github.com/shaiso/Tapestry/internal/worker"
)

var (
	startTime = time.Now()
	reqTotal  = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapestry_api_http_requests_total",
		Help: "Total HTTP requests handled by tapestry_api",
	})
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("tapestry-api")
	logger.Info("starting tapestry-api")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Ожидаем сигнал завершения
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Хранилище
	var store repo.Store
	standalone := cfg.Store == config.StoreMemory
	if standalone {
		logger.Warn("using in-memory store, running orchestrator in-process")
		store = repo.NewMemoryStore()
	} else {
		pool, err := repo.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := repo.Migrate(ctx, pool); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to database")
		store = repo.NewPostgresStore(pool)
	}

	templates := templatestore.New(templatestore.Config{Repo: store, Logger: logger})
	if standalone && cfg.TemplateDir != "" {
		if n, err := templates.ImportDir(ctx, cfg.TemplateDir); err != nil {
			logger.Warn("failed to import templates", "dir", cfg.TemplateDir, "error", err)
		} else {
			logger.Info("templates imported", "dir", cfg.TemplateDir, "count", n)
		}
	}

	// Воркер нужен, чтобы отменять попытки при kill
	var (
		client worker.Client
		mqConn *mq.Connection
	)
	if cfg.Worker == config.WorkerMQ {
		mqConn, err = mq.NewConnection(cfg.RabbitMQURL, logger, mq.DeclareTopology)
		if err != nil {
			logger.Error("RabbitMQ not available", "error", err)
			os.Exit(1)
		}
		defer mqConn.Close()

		client = worker.NewMQClient(mq.NewPublisher(mqConn, logger))
	} else {
		local := worker.NewLocal(worker.LocalConfig{Logger: logger})
		defer local.Close()
		client = local
	}

	orchCfg := orchestrator.Config{
		Store:            store,
		Templates:        templates,
		Worker:           client,
		TickInterval:     cfg.TickInterval,
		PollTimeout:      cfg.PollTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		TaskTimeout:      cfg.TaskTimeout(),
		MaxRetries:       cfg.MaxRetries,
		GuardAttempts:    cfg.GuardAttempts,
		SiblingPolicy:    cfg.SiblingPolicy,
		Logger:           logger,
		Notifier: notify.NewWebhook(notify.WebhookConfig{
			URLs:      cfg.NotificationURLs,
			ServerURL: cfg.APIURL,
			Logger:    logger,
		}),
	}
	if standalone {
		orchCfg.Conn = mqConn
		orchCfg.Metrics = telemetry.NewMetrics(nil)
	}
	orch := orchestrator.New(orchCfg)

	if standalone {
		if err := orch.Start(ctx); err != nil {
			logger.Error("failed to start orchestrator", "error", err)
			os.Exit(1)
		}
		defer orch.Stop()
	}

	// Создаём API handler
	handler := api.NewHandler(api.Config{
		Orchestrator: orch,
		Templates:    templates,
		Logger:       logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		reqTotal.Inc()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Регистрируем API маршруты
	handler.RegisterRoutes(mux)

	addr := ":" + cfg.APIPort

	// Создаём HTTP сервер с возможностью graceful shutdown
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	// Запускаем сервер в горутине
	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
