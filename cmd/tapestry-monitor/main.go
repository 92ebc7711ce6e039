// Tapestry Monitor — выполняет одну попытку и отчитывается о ней.
//
// Использование:
//
//	tapestry-monitor [--api-url URL] [--timeout DURATION] ATTEMPT_ID
//
// Коды выхода: 0 — успех, 1 — ошибка команды, 2 — таймаут,
// 3 — попытку нельзя выполнить или отчёт не доставлен.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/Tapestry/internal/monitor"
	"github.com/shaiso/Tapestry/internal/telemetry"
	"github.com/shaiso/Tapestry/internal/worker"
)

func main() {
	var (
		apiURL            string
		timeout           time.Duration
		pollInterval      time.Duration
		heartbeatInterval time.Duration
		workRoot          string
		exitCode          int
	)

	defaultURL := "http://localhost:8080"
	if v := os.Getenv("TAPESTRY_API_URL"); v != "" {
		defaultURL = v
	}

	rootCmd := &cobra.Command{
		Use:           "tapestry-monitor ATTEMPT_ID",
		Short:         "Run a single task attempt and report its status",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid attempt id: %w", err)
			}

			logger := telemetry.WithAttemptID(telemetry.SetupLogger("tapestry-monitor"), id)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			local := worker.NewLocal(worker.LocalConfig{WorkRoot: workRoot, Logger: logger})
			defer local.Close()

			m := monitor.New(monitor.Config{
				Endpoint:          monitor.NewHTTPEndpoint(apiURL),
				Worker:            local,
				PollInterval:      pollInterval,
				HeartbeatInterval: heartbeatInterval,
				Timeout:           timeout,
				Logger:            logger,
			})

			res, err := m.Run(ctx, id)
			if err != nil {
				return err
			}
			exitCode = res.ExitCode()
			return nil
		},
	}

	rootCmd.Flags().StringVar(&apiURL, "api-url", defaultURL, "API server URL")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 0, "Attempt time limit (the task's timeout if zero)")
	rootCmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Second, "How often to check the command")
	rootCmd.Flags().DurationVar(&heartbeatInterval, "heartbeat-interval", 30*time.Second, "How often to send heartbeats")
	rootCmd.Flags().StringVar(&workRoot, "work-root", "", "Directory for attempt working directories")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(monitor.ExitError)
	}
	os.Exit(exitCode)
}
