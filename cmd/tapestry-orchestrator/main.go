// Tapestry Orchestrator — ведёт runs от создания до завершения.
//
// Orchestrator:
//   - Импортирует шаблоны из TAPESTRY_TEMPLATE_DIR
//   - Периодически выполняет проходы планировщика (Tick)
//   - Отправляет попытки воркерам (RabbitMQ или локально)
//   - Принимает статусы и heartbeat попыток из очередей
//   - По cron-расписанию ищет зависшие попытки
//
// Экземпляров может быть несколько: проходы согласуются через
// ревизии записей, общей блокировки нет.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Tapestry/internal/config"
	"github.com/shaiso/Tapestry/internal/mq"
	"github.com/shaiso/Tapestry/internal/notify"
	"github.com/shaiso/Tapestry/internal/orchestrator"
	"github.com/shaiso/Tapestry/internal/repo"
	"github.com/shaiso/Tapestry/internal/scheduler"
	"github.com/shaiso/Tapestry/internal/telemetry"
	"github.com/shaiso/Tapestry/internal/templatestore"
	"github.com/shaiso/Tapestry/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("tapestry-orchestrator")
	logger.Info("starting tapestry-orchestrator")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Хранилище
	var store repo.Store
	switch cfg.Store {
	case config.StorePostgres:
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
		logger.Info("database connected")
		store = repo.NewPostgresStore(pool)
	default:
		logger.Warn("using in-memory store, state is lost on exit")
		store = repo.NewMemoryStore()
	}

	// Шаблоны
	templates := templatestore.New(templatestore.Config{Repo: store, Logger: logger})
	if cfg.TemplateDir != "" {
		n, err := templates.ImportDir(ctx, cfg.TemplateDir)
		if err != nil {
			logger.Warn("failed to import templates", "dir", cfg.TemplateDir, "error", err)
		} else {
			logger.Info("templates imported", "dir", cfg.TemplateDir, "count", n)
		}
	}

	// Воркер
	var (
		client worker.Client
		mqConn *mq.Connection
	)
	switch cfg.Worker {
	case config.WorkerMQ:
		mqConn, err = mq.NewConnection(cfg.RabbitMQURL, logger, mq.DeclareTopology)
		if err != nil {
			logger.Error("RabbitMQ not available", "error", err)
			os.Exit(1)
		}
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		client = worker.NewMQClient(mq.NewPublisher(mqConn, logger))
	default:
		local := worker.NewLocal(worker.LocalConfig{Logger: logger})
		defer local.Close()
		client = local
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if mqConn != nil {
			if err := mqConn.Ping(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		addr := ":" + cfg.MetricsPort
		logger.Info("listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Создаём orchestrator
	orch := orchestrator.New(orchestrator.Config{
		Store:            store,
		Templates:        templates,
		Worker:           client,
		Conn:             mqConn,
		TickInterval:     cfg.TickInterval,
		PollTimeout:      cfg.PollTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		TaskTimeout:      cfg.TaskTimeout(),
		MaxRetries:       cfg.MaxRetries,
		GuardAttempts:    cfg.GuardAttempts,
		SiblingPolicy:    cfg.SiblingPolicy,
		Metrics:          telemetry.NewMetrics(nil),
		Logger:           logger,
		Notifier: notify.NewWebhook(notify.WebhookConfig{
			URLs:      cfg.NotificationURLs,
			ServerURL: cfg.APIURL,
			Logger:    logger,
		}),
	})

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// Обслуживание по расписанию
	jobs := scheduler.New(scheduler.Config{Logger: logger})
	if err := jobs.Add(scheduler.StalledCheck(orch, cfg.SystemCheck, logger)); err != nil {
		logger.Error("failed to register maintenance job", "error", err)
		os.Exit(1)
	}
	jobs.Start(ctx)

	// Ожидаем сигнал завершения
	<-ctx.Done()

	jobs.Stop()
	orch.Stop()
	logger.Info("tapestry-orchestrator stopped")
}
