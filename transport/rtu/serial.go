// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/grid-x/serial"

	"github.com/JannikBirn/modbus-gateway/internal/config"
)

const (
	// pollTimeout bounds a single blocking read on the serial device.
	pollTimeout = 20 * time.Millisecond
	dialTimeout = 5 * time.Second

	tcpScheme = "tcp://"
)

// Channel is a half-duplex byte link to the RTU bus.
type Channel interface {
	io.Writer
	// ReadAvailable reads whatever arrives within timeout into p. It
	// returns 0, nil when nothing arrived; callers accumulate.
	ReadAvailable(p []byte, timeout time.Duration) (int, error)
	Close() error
}

// OpenChannel opens the serial link described by cfg. A port of the form
// tcp://host:port dials a serial device server instead of a local device.
func OpenChannel(cfg config.ClientConfig) (Channel, error) {
	if strings.HasPrefix(cfg.Port, tcpScheme) {
		address := strings.TrimPrefix(cfg.Port, tcpScheme)
		conn, err := net.DialTimeout("tcp", address, dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("could not connect to %s: %w", address, err)
		}
		slog.Info("Serial link opened", "port", cfg.Port, "transport", "tcp")
		return NewConnChannel(conn), nil
	}

	spConfig := &serial.Config{
		Address:  cfg.Port,
		BaudRate: cfg.Baudrate,
		DataBits: cfg.Bytesize,
		StopBits: cfg.Stopbits,
		Parity:   cfg.Parity,
		Timeout:  pollTimeout,
	}
	if cfg.RS485.Enabled {
		spConfig.RS485.Enabled = true
		spConfig.RS485.DelayRtsBeforeSend = cfg.RS485.DelayRtsBeforeSend
		spConfig.RS485.DelayRtsAfterSend = cfg.RS485.DelayRtsAfterSend
		spConfig.RS485.RtsHighDuringSend = cfg.RS485.RtsHighDuringSend
		spConfig.RS485.RtsHighAfterSend = cfg.RS485.RtsHighAfterSend
		spConfig.RS485.RxDuringTx = cfg.RS485.RxDuringTx
	}

	port, err := serial.Open(spConfig)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", cfg.Port, err)
	}
	slog.Info("Serial link opened", "port", cfg.Port, "baudRate", cfg.Baudrate, "dataBits", cfg.Bytesize, "parity", cfg.Parity, "stopBits", cfg.Stopbits, "rs485", cfg.RS485.Enabled)
	return NewPortChannel(port), nil
}

// portChannel adapts a serial port whose reads block for at most a
// short, fixed timeout.
type portChannel struct {
	mu   sync.Mutex
	port io.ReadWriteCloser
}

// NewPortChannel wraps an opened port. Reads on port must return an error
// satisfying a timeout check, or 0 bytes, when no data is pending.
func NewPortChannel(port io.ReadWriteCloser) Channel {
	return &portChannel{port: port}
}

func (c *portChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return 0, os.ErrClosed
	}
	return c.port.Write(p)
}

func (c *portChannel) ReadAvailable(p []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return 0, os.ErrClosed
	}

	deadline := time.Now().Add(timeout)
	for {
		n, err := c.port.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !isTimeout(err) {
			return 0, err
		}
		if !time.Now().Before(deadline) {
			return 0, nil
		}
		if err == nil {
			// Non-blocking reader with nothing pending.
			time.Sleep(time.Millisecond)
		}
	}
}

func (c *portChannel) Close() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil {
		err = c.port.Close()
		c.port = nil
	}
	return
}

// connChannel carries RTU frames over a stream connection, e.g. to a
// serial device server.
type connChannel struct {
	conn net.Conn
}

func NewConnChannel(conn net.Conn) Channel {
	return &connChannel{conn: conn}
}

func (c *connChannel) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

func (c *connChannel) ReadAvailable(p []byte, timeout time.Duration) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := c.conn.Read(p)
	if err != nil && isTimeout(err) {
		err = nil
	}
	return n, err
}

func (c *connChannel) Close() error {
	return c.conn.Close()
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	// serial ports report an idle read as a plain error value.
	return strings.Contains(err.Error(), "timeout")
}
