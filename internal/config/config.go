// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JannikBirn/modbus-gateway/internal/registry"
)

// Config defines the global configuration structure
type Config struct {
	Debug        bool                    `mapstructure:"debug" yaml:"debug"`
	Server       ServerConfig            `mapstructure:"server" yaml:"server"`
	Client       ClientConfig            `mapstructure:"client" yaml:"client"`
	Passthroughs []registry.Registration `mapstructure:"passthroughs" yaml:"passthroughs"`
	Log          LogConfig               `mapstructure:"log" yaml:"log"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"` // debug, info, warn, error
	File  string `mapstructure:"file" yaml:"file"`   // Log file path
}

// ServerConfig defines the Modbus/TCP side.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// Slaves lists the unit ids served. Entries are ids or ranges, e.g. "1,2,5-10".
	Slaves      []string     `mapstructure:"slaves" yaml:"slaves"`
	MaxConns    int          `mapstructure:"max_conns" yaml:"max_conns"`
	MaxInflight int          `mapstructure:"max_inflight" yaml:"max_inflight"` // per connection
	Bounds      BoundsConfig `mapstructure:"bounds" yaml:"bounds"`
}

// BoundsConfig declares the size of each register table on the remote slaves.
type BoundsConfig struct {
	Coils            int `mapstructure:"coils" yaml:"coils"`
	DiscreteInputs   int `mapstructure:"discrete_inputs" yaml:"discrete_inputs"`
	HoldingRegisters int `mapstructure:"holding_registers" yaml:"holding_registers"`
	InputRegisters   int `mapstructure:"input_registers" yaml:"input_registers"`
}

// ClientConfig defines the serial (RTU master) side.
type ClientConfig struct {
	Port          string        `mapstructure:"port" yaml:"port"` // device path or tcp://host:port
	Retries       int           `mapstructure:"retries" yaml:"retries"`
	Baudrate      int           `mapstructure:"baudrate" yaml:"baudrate"`
	Bytesize      int           `mapstructure:"bytesize" yaml:"bytesize"`
	Parity        string        `mapstructure:"parity" yaml:"parity"`
	Stopbits      int           `mapstructure:"stopbits" yaml:"stopbits"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`       // per attempt
	RqstPause     time.Duration `mapstructure:"rqst_pause" yaml:"rqst_pause"` // Pause between requests
	MaxLinkErrors int           `mapstructure:"max_link_errors" yaml:"max_link_errors"`
	RS485         RS485Config   `mapstructure:"rs485" yaml:"rs485"`
}

// RS485Config carries the RTS handling of RS485 adapters.
type RS485Config struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send" yaml:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send" yaml:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send" yaml:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send" yaml:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx" yaml:"rx_during_tx"`
}

// ConfigError is a fatal startup error.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

var (
	ErrNoSlaves = errors.New("there needs to be at least 1 slave configured")
	// ErrBroadcastUnit rejects unit 0: a broadcast is never answered, so
	// every request to it would end in a timeout.
	ErrBroadcastUnit = errors.New("unit 0 is the broadcast address and cannot be served")
)

// SetDefaults installs the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 502)
	v.SetDefault("server.max_conns", 32)
	v.SetDefault("server.max_inflight", 16)
	v.SetDefault("server.bounds.coils", 65536)
	v.SetDefault("server.bounds.discrete_inputs", 65536)
	v.SetDefault("server.bounds.holding_registers", 65536)
	v.SetDefault("server.bounds.input_registers", 65536)
	v.SetDefault("client.port", "/dev/ttyUSB0")
	v.SetDefault("client.retries", 0)
	v.SetDefault("client.baudrate", 9600)
	v.SetDefault("client.bytesize", 8)
	v.SetDefault("client.parity", "N")
	v.SetDefault("client.stopbits", 1)
	v.SetDefault("client.timeout", time.Second)
	v.SetDefault("client.rqst_pause", 0)
	v.SetDefault("client.max_link_errors", 3)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var config Config
	// Defaults always decode.
	_ = v.Unmarshal(&config)
	return &config
}

// LoadConfig loads configuration from file. Flags in fs, if any, override
// file values; flag names use the dotted key, e.g. "client.port".
func LoadConfig(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbusgw/")
		v.AddConfigPath("$HOME/.modbusgw")
		v.AddConfigPath(".")
	}

	SetDefaults(v)

	// Without an explicit file the search may come up empty; flags can
	// still provide everything.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, &ConfigError{Err: fmt.Errorf("failed to read config file: %w", err)}
		}
	}

	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return nil, &ConfigError{Err: err}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("failed to unmarshal config: %w", err)}
	}

	config.Client.Parity = strings.ToUpper(config.Client.Parity)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// bindFlags binds only the flags the user actually set, so unset flags do
// not shadow file values with their defaults.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || err != nil {
			return
		}
		if e := v.BindPFlag(f.Name, f); e != nil {
			err = fmt.Errorf("failed to bind flag %s: %w", f.Name, e)
		}
	})
	return err
}

// Validate checks the values a running gateway depends on.
func (c *Config) Validate() error {
	if len(c.Server.Slaves) == 0 {
		return &ConfigError{Field: "server.slaves", Err: ErrNoSlaves}
	}
	ids, err := c.SlaveIDs()
	if err != nil {
		return &ConfigError{Field: "server.slaves", Err: err}
	}
	if len(ids) == 0 {
		return &ConfigError{Field: "server.slaves", Err: ErrNoSlaves}
	}
	for _, id := range ids {
		if id == 0 {
			return &ConfigError{Field: "server.slaves", Err: ErrBroadcastUnit}
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Err: fmt.Errorf("port %d out of range", c.Server.Port)}
	}
	if c.Server.MaxConns < 1 {
		return &ConfigError{Field: "server.max_conns", Err: fmt.Errorf("must be positive, got %d", c.Server.MaxConns)}
	}
	if c.Server.MaxInflight < 1 {
		return &ConfigError{Field: "server.max_inflight", Err: fmt.Errorf("must be positive, got %d", c.Server.MaxInflight)}
	}
	for name, n := range map[string]int{
		"coils":             c.Server.Bounds.Coils,
		"discrete_inputs":   c.Server.Bounds.DiscreteInputs,
		"holding_registers": c.Server.Bounds.HoldingRegisters,
		"input_registers":   c.Server.Bounds.InputRegisters,
	} {
		if n < 0 || n > 65536 {
			return &ConfigError{Field: "server.bounds." + name, Err: fmt.Errorf("%d outside 0..65536", n)}
		}
	}

	cl := c.Client
	if cl.Port == "" {
		return &ConfigError{Field: "client.port", Err: errors.New("serial port must be set")}
	}
	if cl.Retries < 0 {
		return &ConfigError{Field: "client.retries", Err: fmt.Errorf("must not be negative, got %d", cl.Retries)}
	}
	if cl.Baudrate <= 0 {
		return &ConfigError{Field: "client.baudrate", Err: fmt.Errorf("must be positive, got %d", cl.Baudrate)}
	}
	if cl.Bytesize < 5 || cl.Bytesize > 8 {
		return &ConfigError{Field: "client.bytesize", Err: fmt.Errorf("must be 5..8, got %d", cl.Bytesize)}
	}
	switch strings.ToUpper(cl.Parity) {
	case "N", "E", "O":
	default:
		return &ConfigError{Field: "client.parity", Err: fmt.Errorf("must be N, E or O, got %q", cl.Parity)}
	}
	if cl.Stopbits != 1 && cl.Stopbits != 2 {
		return &ConfigError{Field: "client.stopbits", Err: fmt.Errorf("must be 1 or 2, got %d", cl.Stopbits)}
	}
	if cl.Timeout <= 0 {
		return &ConfigError{Field: "client.timeout", Err: fmt.Errorf("must be positive, got %v", cl.Timeout)}
	}
	if cl.MaxLinkErrors < 1 {
		return &ConfigError{Field: "client.max_link_errors", Err: fmt.Errorf("must be positive, got %d", cl.MaxLinkErrors)}
	}

	if _, err := registry.New(c.Passthroughs); err != nil {
		return &ConfigError{Field: "passthroughs", Err: err}
	}
	return nil
}

// SlaveIDs expands Server.Slaves into unit ids, dropping duplicates.
func (c *Config) SlaveIDs() ([]byte, error) {
	var ids []byte
	seen := make(map[byte]bool)
	for _, entry := range c.Server.Slaves {
		parsed, err := ParseSlaveIDs(entry)
		if err != nil {
			return nil, err
		}
		for _, id := range parsed {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// Address is the TCP listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ParseSlaveIDs parses a string of slave IDs (e.g. "1,2,5-10") into a slice of bytes.
func ParseSlaveIDs(input string) ([]byte, error) {
	var ids []byte
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		start, end, isRange := strings.Cut(part, "-")
		if !isRange {
			end = start
		}
		lo, err := parseID(start)
		if err != nil {
			return nil, err
		}
		hi, err := parseID(end)
		if err != nil {
			return nil, err
		}
		if lo > hi {
			return nil, fmt.Errorf("start of range %d is greater than end %d", lo, hi)
		}
		for i := lo; i <= hi; i++ {
			ids = append(ids, byte(i))
		}
	}
	return ids, nil
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid id: %w", err)
	}
	if id < 0 || id > 255 {
		return 0, fmt.Errorf("id out of range: %d", id)
	}
	return id, nil
}
