// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/JannikBirn/modbus-gateway/internal/registry"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, `
debug: true
server:
  host: 0.0.0.0
  port: 5020
  slaves: [1, 3, "10-12"]
client:
  port: /dev/ttyS1
  retries: 2
  baudrate: 19200
  bytesize: 8
  parity: e
  stopbits: 1
  timeout: 250ms
passthroughs:
  - functionCode: 65
    rtuByteCountPos: 0
  - functionCode: 0x64
    rtuByteCountPos: 2
`)

	cfg, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.Debug {
		t.Error("debug not set")
	}
	if got := cfg.Server.Address(); got != "0.0.0.0:5020" {
		t.Errorf("Address() = %q", got)
	}
	if cfg.Client.Parity != "E" {
		t.Errorf("parity = %q, want E", cfg.Client.Parity)
	}
	if cfg.Client.Timeout != 250*time.Millisecond {
		t.Errorf("timeout = %v", cfg.Client.Timeout)
	}
	if cfg.Client.Retries != 2 || cfg.Client.Baudrate != 19200 {
		t.Errorf("client = %+v", cfg.Client)
	}
	// Defaults survive a partial file.
	if cfg.Server.MaxConns != 32 || cfg.Client.MaxLinkErrors != 3 || cfg.Server.Bounds.HoldingRegisters != 65536 {
		t.Errorf("defaults not applied: %+v", cfg.Server)
	}

	ids, err := cfg.SlaveIDs()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{1, 3, 10, 11, 12}, ids); diff != "" {
		t.Errorf("SlaveIDs mismatch (-want +got):\n%s", diff)
	}

	wantPT := []registry.Registration{{FunctionCode: 0x41, RTUByteCountPos: 0}, {FunctionCode: 0x64, RTUByteCountPos: 2}}
	if diff := cmp.Diff(wantPT, cfg.Passthroughs); diff != "" {
		t.Errorf("Passthroughs mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigNoSlaves(t *testing.T) {
	path := writeFile(t, `
server:
  port: 502
client:
  port: /dev/ttyUSB0
`)
	_, err := LoadConfig(path, nil)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
	if !errors.Is(err, ErrNoSlaves) {
		t.Errorf("error = %v, want ErrNoSlaves", err)
	}
}

// Values that do not fit a byte must be rejected, not wrapped.
func TestLoadConfigPassthroughOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		entry string
	}{
		{"FunctionCode", "{functionCode: 321, rtuByteCountPos: 0}"},
		{"ByteCountPos", "{functionCode: 0x41, rtuByteCountPos: 256}"},
		{"Both", "{functionCode: 321, rtuByteCountPos: 256}"},
		{"NegativePos", "{functionCode: 0x41, rtuByteCountPos: -1}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, `
server:
  slaves: [1]
passthroughs: [`+tt.entry+`]
`)
			cfg, err := LoadConfig(path, nil)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error = %v, want *ConfigError (config %+v)", err, cfg)
			}
			if cfgErr.Field != "passthroughs" || !errors.Is(err, registry.ErrInvalid) {
				t.Errorf("error = %v, want passthroughs: ErrInvalid", err)
			}
		})
	}
}

func TestLoadConfigBroadcastUnit(t *testing.T) {
	path := writeFile(t, `
server:
  slaves: [0, 1]
`)
	_, err := LoadConfig(path, nil)
	if !errors.Is(err, ErrBroadcastUnit) {
		t.Errorf("error = %v, want ErrBroadcastUnit", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	path := writeFile(t, `
server:
  port: 502
  slaves: [1]
client:
  port: /dev/ttyUSB0
  retries: 1
`)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("server.port", 502, "")
	fs.String("client.port", "", "")
	fs.Int("client.retries", 0, "")
	if err := fs.Parse([]string{"--server.port=1502", "--client.port=tcp://127.0.0.1:4001"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path, fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 1502 {
		t.Errorf("port = %d, want 1502", cfg.Server.Port)
	}
	if cfg.Client.Port != "tcp://127.0.0.1:4001" {
		t.Errorf("client.port = %q", cfg.Client.Port)
	}
	// An unset flag keeps the file value.
	if cfg.Client.Retries != 1 {
		t.Errorf("retries = %d, want 1", cfg.Client.Retries)
	}
}

func TestDefaultRoundTripsThroughYAML(t *testing.T) {
	cfg := Default()
	cfg.Server.Slaves = []string{"1-3"}
	cfg.Passthroughs = []registry.Registration{{FunctionCode: 0x41}}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	loaded, err := LoadConfig(writeFile(t, string(out)), nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v\n%s", err, out)
	}
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"Valid", func(c *Config) {}, ""},
		{"NoSlaves", func(c *Config) { c.Server.Slaves = nil }, "server.slaves"},
		{"BadSlave", func(c *Config) { c.Server.Slaves = []string{"300"} }, "server.slaves"},
		{"BroadcastUnit", func(c *Config) { c.Server.Slaves = []string{"0"} }, "server.slaves"},
		{"BroadcastInRange", func(c *Config) { c.Server.Slaves = []string{"0-3"} }, "server.slaves"},
		{"BadParity", func(c *Config) { c.Client.Parity = "X" }, "client.parity"},
		{"BadBytesize", func(c *Config) { c.Client.Bytesize = 9 }, "client.bytesize"},
		{"BadStopbits", func(c *Config) { c.Client.Stopbits = 3 }, "client.stopbits"},
		{"NegativeRetries", func(c *Config) { c.Client.Retries = -1 }, "client.retries"},
		{"ZeroTimeout", func(c *Config) { c.Client.Timeout = 0 }, "client.timeout"},
		{"NoPort", func(c *Config) { c.Client.Port = "" }, "client.port"},
		{"BadBounds", func(c *Config) { c.Server.Bounds.Coils = 70000 }, "server.bounds.coils"},
		{"PassthroughCollision", func(c *Config) {
			c.Passthroughs = []registry.Registration{{FunctionCode: 0x03}}
		}, "passthroughs"},
		{"PassthroughDuplicate", func(c *Config) {
			c.Passthroughs = []registry.Registration{{FunctionCode: 0x41}, {FunctionCode: 0x41}}
		}, "passthroughs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.Slaves = []string{"1"}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Validate() = %v, want *ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestParseSlaveIDs(t *testing.T) {
	tests := []struct {
		input   string
		want    []byte
		wantErr bool
	}{
		{"1", []byte{1}, false},
		{"1,2", []byte{1, 2}, false},
		{" 1 , 5-7 ", []byte{1, 5, 6, 7}, false},
		{"", nil, false},
		{"7-5", nil, true},
		{"a", nil, true},
		{"1-b", nil, true},
		{"256", nil, true},
		{"250-256", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseSlaveIDs(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSlaveIDs(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseSlaveIDs(%q) mismatch (-want +got):\n%s", tt.input, diff)
		}
	}
}
