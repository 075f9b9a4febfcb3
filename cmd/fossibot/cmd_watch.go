package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iamslan/fossibot/internal/coordinator"
	"github.com/iamslan/fossibot/internal/logger"
	"github.com/iamslan/fossibot/internal/metrics"
	"github.com/iamslan/fossibot/internal/modbus"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll continuously",
		Long: `Run the polling coordinator until interrupted. Every update is
printed as it arrives. When metrics.listen is configured, a Prometheus
endpoint is served alongside.

  fossibot watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch()
		},
	}
	return cmd
}

func runWatch() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.New("watch")

	var collector metrics.Collector = metrics.Null{}
	if cfg.Metrics.Listen != "" {
		prom := metrics.NewPrometheus()
		collector = prom
		go func() {
			log.Info("metrics listening on %s", cfg.Metrics.Listen)
			if err := prom.Serve(cfg.Metrics.Listen); err != nil {
				log.Error("metrics listener: %v", err)
			}
		}()
	}

	conn := newConnector(cfg, collector)
	coord := coordinator.New(conn, coordinator.Options{
		PollInterval: cfg.PollInterval(),
		Metrics:      collector,
		OnUpdate:     printUpdate,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := coord.Start(ctx); err != nil {
		return err
	}

	<-sigChan
	log.Info("stop signal received")
	cancel()
	coord.Shutdown()
	return nil
}

func printUpdate(data map[string]modbus.DeviceState) {
	fmt.Printf("--- %s ---\n", time.Now().Format(time.RFC3339))
	printStates(data)
}
