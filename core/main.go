package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbradshaw6/reldat/pkg/logger"
	"github.com/rbradshaw6/reldat/source/protocol"
	"github.com/rbradshaw6/reldat/source/server"
)

const version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		listenHost    string
		timeout       time.Duration
		maxRetransmit int
		metricsAddr   string
		logLevel      string
	)

	cmd := &cobra.Command{
		Use:   "reldat-server <port> <max_receive_window_in_packets>",
		Short: "RELDAT server: reliable byte-stream delivery over UDP",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.SetLevel(logLevel)
			logger.Banner("RELDAT Server", version)

			port, err := strconv.Atoi(args[0])
			if err != nil || port < 0 || port > 65535 {
				return fmt.Errorf("port must be an integer between 0 and 65535, got %q", args[0])
			}

			window, err := strconv.Atoi(args[1])
			if err != nil || window <= 0 {
				return fmt.Errorf("max receive window must be a positive integer, got %q", args[1])
			}

			cfg := server.Config{
				Host:          listenHost,
				Port:          port,
				SelfWindow:    window,
				Timeout:       timeout,
				MaxRetransmit: maxRetransmit,
				MetricsAddr:   metricsAddr,
			}

			srv := server.NewServer(cfg)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&listenHost, "listen-host", "0.0.0.0", "address to bind the UDP socket on")
	cmd.Flags().DurationVar(&timeout, "timeout", protocol.DefaultTimeout, "retransmission/liveness timeout")
	cmd.Flags().IntVar(&maxRetransmit, "max-retransmit", protocol.DefaultMaxRetransmit, "retransmissions before a connection is presumed dead")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to expose /metrics on (disabled if empty)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	return cmd
}
