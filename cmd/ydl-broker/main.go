// Command ydl-broker is the standalone YDL broker executable: a single
// process that binds the wire protocol's TCP listener and, optionally, the
// admin HTTP surface, then blocks until an interrupt or TERM signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/ydl-project/ydl/broker"
	"github.com/ydl-project/ydl/internal/config"
	"github.com/ydl-project/ydl/internal/httpadmin"
	"github.com/ydl-project/ydl/internal/logger"
	"github.com/ydl-project/ydl/internal/metrics"
)

// version is overridden at release build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ydl-broker",
		Short: "YDL publish/subscribe message broker",
	}
	root.AddCommand(newServeCommand(), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the broker version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newServeCommand() *cobra.Command {
	var cfgFile string
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker, blocking until a SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("reading config file %s: %w", cfgFile, err)
				}
			}
			cfg := config.LoadBrokerConfig(v)
			return runServe(cfg)
		},
	}

	fs := cmd.Flags()
	config.BindFlags(fs, v)
	fs.StringVar(&cfgFile, "config", "", "path to a YAML config file (optional)")

	return cmd
}

func runServe(cfg *config.BrokerConfig) error {
	log := logger.Default()
	log.Info("starting ydl-broker %s", version)
	log.Info("bind=%s:%d admin=%s", cfg.BindAddr, cfg.Port, cfg.AdminAddr)

	m := metrics.New()
	m.MustRegister(prometheus.DefaultRegisterer)

	svc := broker.New(cfg, m, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var admin *httpadmin.Server
	adminErrs := make(chan error, 1)
	if cfg.AdminAddr != "" {
		admin = httpadmin.New(cfg.AdminAddr, svc.Table, log)
		go func() {
			if err := admin.ListenAndServe(); err != nil {
				adminErrs <- err
			}
		}()
	}

	serveErrs := make(chan error, 1)
	go func() {
		serveErrs <- svc.Serve(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("received shutdown signal")
		cancel()
		if admin != nil {
			_ = admin.Close()
		}
		if err := <-serveErrs; err != nil {
			return err
		}
	case err := <-serveErrs:
		var bindErr *broker.BindError
		if errors.As(err, &bindErr) {
			return err
		}
		return err
	case err := <-adminErrs:
		log.Error("admin server: %v", err)
		cancel()
		<-serveErrs
	}

	log.Info("ydl-broker stopped")
	return nil
}
