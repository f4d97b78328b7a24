// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JannikBirn/modbus-gateway/internal/config"
	"github.com/JannikBirn/modbus-gateway/internal/registry"
	"github.com/JannikBirn/modbus-gateway/internal/slavesim"
	"github.com/JannikBirn/modbus-gateway/modbus"
	"github.com/JannikBirn/modbus-gateway/transport/rtu"
	rtuovertcp "github.com/JannikBirn/modbus-gateway/transport/rtu-over-tcp"
	"github.com/JannikBirn/modbus-gateway/transport/tcp"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "modbusgw version %s\n", version)
			fmt.Fprintf(out, "commit: %s\n", commit)
			fmt.Fprintf(out, "date: %s\n", date)
		},
	}
}

func newValidateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			units, err := cfg.SlaveIDs()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration OK\n")
			fmt.Fprintf(out, "listen: %s\n", cfg.Server.Address())
			fmt.Fprintf(out, "serial: %s @ %d baud\n", cfg.Client.Port, cfg.Client.Baudrate)
			fmt.Fprintf(out, "units: %v\n", units)
			for _, p := range cfg.Passthroughs {
				fmt.Fprintf(out, "passthrough: fc=0x%02x rtuByteCountPos=%d\n", p.FunctionCode, p.RTUByteCountPos)
			}
			return nil
		},
	}
}

func newPrintDefaultConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-default-config",
		Short: "Print a configuration file with all default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			// server.slaves has no default; show the syntax.
			cfg.Server.Slaves = []string{"1"}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newSimulateCmd() *cobra.Command {
	var image string
	var listen string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated RTU slave for the configured units",
		Long: `simulate answers RTU requests for server.slaves from an in-memory
register model. By default it serves the serial link named by client.port.
With --listen it accepts raw RTU over TCP instead, which a gateway reaches
with client.port set to tcp://host:port.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			setupLogger(cfg)

			reg, err := registry.New(cfg.Passthroughs)
			if err != nil {
				return err
			}
			units, err := cfg.SlaveIDs()
			if err != nil {
				return err
			}

			var storage slavesim.Storage = slavesim.NewMemoryStorage()
			if image != "" {
				storage = slavesim.NewMmapStorage(image)
			}
			model, err := storage.Load()
			if err != nil {
				return err
			}
			defer storage.Close()
			slave := slavesim.NewSlave(model, units, reg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("Starting simulated slave", "units", units, "image", image)
			if listen != "" {
				return rtuovertcp.NewServer(listen, reg).Start(ctx, slave.Handle)
			}

			ch, err := rtu.OpenChannel(cfg.Client)
			if err != nil {
				return err
			}
			return rtu.NewServer(ch, reg).Start(ctx, slave.Handle)
		},
	}

	cmd.Flags().StringVar(&image, "image", "", "Register image file kept across restarts (default in memory)")
	cmd.Flags().StringVar(&listen, "listen", "", "Accept RTU over TCP on host:port instead of opening client.port")
	return cmd
}

func newRequestCmd() *cobra.Command {
	var address string
	var unit uint8
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "request PDU",
		Short: "Send one PDU to a Modbus/TCP endpoint and print the response",
		Example: `  modbusgw request --unit 1 03 0000 0002
  modbusgw request -a 10.0.0.5:502 -u 7 410203AABBCC`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hex.DecodeString(strings.Join(args, ""))
			if err != nil {
				return fmt.Errorf("invalid PDU hex: %w", err)
			}
			if len(raw) == 0 || len(raw) > modbus.MaxPDUSize {
				return fmt.Errorf("PDU must be 1..%d bytes, got %d", modbus.MaxPDUSize, len(raw))
			}

			client := tcp.NewClient(address)
			client.Timeout = timeout
			defer client.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			req := modbus.ProtocolDataUnit{FunctionCode: raw[0], Data: raw[1:]}
			resp, err := client.Send(ctx, unit, req)
			var exc *modbus.Error
			if errors.As(err, &exc) {
				fmt.Fprintf(out, "%02x%02x\n", exc.FunctionCode|modbus.ExceptionFlag, exc.ExceptionCode)
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%02x%s\n", resp.FunctionCode, hex.EncodeToString(resp.Data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "localhost:502", "Modbus/TCP endpoint")
	cmd.Flags().Uint8VarP(&unit, "unit", "u", 1, "Unit id")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Response timeout")
	return cmd
}
