// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/JannikBirn/modbus-gateway/internal/bus"
	"github.com/JannikBirn/modbus-gateway/internal/config"
	"github.com/JannikBirn/modbus-gateway/internal/gateway"
	"github.com/JannikBirn/modbus-gateway/internal/registry"
	"github.com/JannikBirn/modbus-gateway/transport"
	"github.com/JannikBirn/modbus-gateway/transport/rtu"
	"github.com/JannikBirn/modbus-gateway/transport/tcp"
)

var configFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "modbusgw",
		Short: "Modbus/TCP to Modbus RTU gateway",
		Long: `modbusgw serves Modbus/TCP clients from remote slaves on a single
serial (RTU) link. Concurrent requests are queued and executed one at a
time on the bus.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	addConfigFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newValidateConfigCmd())
	rootCmd.AddCommand(newPrintDefaultConfigCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newRequestCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// addConfigFlags declares the flags that override configuration keys. Flag
// names are the dotted keys so config.LoadConfig can bind them directly.
func addConfigFlags(fs *pflag.FlagSet) {
	d := config.Default()
	fs.Bool("debug", d.Debug, "Force debug logging")
	fs.StringP("server.host", "A", d.Server.Host, "TCP listen host")
	fs.IntP("server.port", "P", d.Server.Port, "TCP listen port")
	fs.StringSlice("server.slaves", nil, "Served unit ids, e.g. 1,2,5-10")
	fs.IntP("server.max_conns", "C", d.Server.MaxConns, "Maximum concurrent TCP connections")
	fs.Int("server.max_inflight", d.Server.MaxInflight, "Maximum outstanding requests per connection")
	fs.StringP("client.port", "p", d.Client.Port, "Serial device or tcp://host:port")
	fs.IntP("client.retries", "N", d.Client.Retries, "Retries after a failed attempt")
	fs.IntP("client.baudrate", "s", d.Client.Baudrate, "Serial baud rate")
	fs.DurationP("client.timeout", "W", d.Client.Timeout, "Per-attempt response timeout")
	fs.DurationP("client.rqst_pause", "R", d.Client.RqstPause, "Pause between requests")
	fs.StringP("log.level", "v", d.Log.Level, "Log level (debug, info, warn, error)")
	fs.StringP("log.file", "L", d.Log.File, "Log file, - for stdout")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.LoadConfig(configFile, cmd.Flags())
}

func runGateway(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	slog.Info("Starting Modbus Gateway...", "version", version)

	reg, err := registry.New(cfg.Passthroughs)
	if err != nil {
		return err
	}
	units, err := cfg.SlaveIDs()
	if err != nil {
		return err
	}

	ch, err := rtu.OpenChannel(cfg.Client)
	if err != nil {
		slog.Error("Failed to open serial link", "port", cfg.Client.Port, "err", err)
		return err
	}
	mux := bus.New(ch, bus.OptionsFromConfig(cfg.Client, reg))
	defer func() {
		mux.Close()
		slog.Info("Bus statistics", "stats", mux.Stats())
	}()

	router := gateway.NewRouter(units, mux)
	srv := tcp.NewServer(cfg.Server.Address())
	srv.MaxConns = cfg.Server.MaxConns
	srv.MaxInflight = cfg.Server.MaxInflight
	gw := gateway.NewGateway("modbusgw", []transport.Upstream{srv}, router, reg, cfg.Server.Bounds)

	slog.Info("Gateway configured",
		"listen", cfg.Server.Address(),
		"serial", cfg.Client.Port,
		"units", router.Units(),
		"passthroughs", len(reg.Passthroughs()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return gw.Start(ctx)
	})
	eg.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-mux.Done():
			if err := mux.Err(); err != nil {
				slog.Error("Serial link failed", "err", err)
				return fmt.Errorf("serial link: %w", err)
			}
			return bus.ErrClosed
		}
	})

	err = eg.Wait()
	slog.Info("Shutting down...")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Goodbye.")
	return nil
}

func setupLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Log.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}
	if cfg.Debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Log.File != "" && cfg.Log.File != "-" {
		f, err := os.OpenFile(cfg.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
