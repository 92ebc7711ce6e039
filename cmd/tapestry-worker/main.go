// Tapestry Worker — выполняет попытки задач.
//
// Worker:
//   - Получает попытки из очереди attempts.ready
//   - Выполняет команду интерпретатором шаблона (sh, bash, http)
//   - Шлёт heartbeat, пока попытка выполняется
//   - Публикует итог и выходы в attempts.completed
//   - Останавливает попытки по сообщениям из своей очереди отмен
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Tapestry/internal/config"
	"github.com/shaiso/Tapestry/internal/mq"
	"github.com/shaiso/Tapestry/internal/telemetry"
	"github.com/shaiso/Tapestry/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("tapestry-worker")
	logger.Info("starting tapestry-worker")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// RabbitMQ
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, logger, mq.DeclareTopology)
	if err != nil {
		logger.Error("RabbitMQ not available", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	maxConcurrent := 0
	if v := os.Getenv("WORKER_MAX_CONCURRENT"); v != "" {
		if maxConcurrent, err = strconv.Atoi(v); err != nil {
			logger.Error("invalid WORKER_MAX_CONCURRENT", "error", err)
			os.Exit(1)
		}
	}

	// Создаём агента
	agent := worker.NewAgent(worker.AgentConfig{
		ID:            os.Getenv("WORKER_ID"),
		Conn:          mqConn,
		Publisher:     mq.NewPublisher(mqConn, logger),
		Local:         worker.NewLocal(worker.LocalConfig{WorkRoot: os.Getenv("WORKER_WORK_ROOT"), Logger: logger}),
		MaxConcurrent: maxConcurrent,
		Logger:        logger,
	})

	if err := agent.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := mqConn.Ping(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8082"
	if v := os.Getenv("WORKER_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем агента
	agent.Stop()
	logger.Info("tapestry-worker stopped", "worker_id", agent.ID())
}
