// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	gbmodbus "github.com/goburrow/modbus"

	"github.com/JannikBirn/modbus-gateway/internal/bus"
	"github.com/JannikBirn/modbus-gateway/internal/config"
	"github.com/JannikBirn/modbus-gateway/internal/slavesim"
	"github.com/JannikBirn/modbus-gateway/transport"
	"github.com/JannikBirn/modbus-gateway/transport/rtu"
	"github.com/JannikBirn/modbus-gateway/transport/tcp"
)

// startStack runs gateway -> bus -> simulated slave over an in-memory serial
// line and returns the gateway's TCP address.
func startStack(t *testing.T, units []byte, bounds config.BoundsConfig) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	master, device := net.Pipe()
	slave := slavesim.NewSlave(slavesim.NewDataModel(), units, nil)
	simDone := make(chan error, 1)
	go func() { simDone <- rtu.NewServer(rtu.NewConnChannel(device), nil).Start(ctx, slave.Handle) }()

	m := bus.New(rtu.NewConnChannel(master), bus.Options{Timeout: 200 * time.Millisecond})
	srv := tcp.NewServer("127.0.0.1:0")
	g := NewGateway("interop", []transport.Upstream{srv}, NewRouter(units, m), nil, bounds)
	gwDone := make(chan error, 1)
	go func() { gwDone <- g.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-gwDone
		m.Close()
		<-simDone
	})
	return srv.Addr().String()
}

func newClient(t *testing.T, addr string, unit byte) gbmodbus.Client {
	t.Helper()
	handler := gbmodbus.NewTCPClientHandler(addr)
	handler.Timeout = 2 * time.Second
	handler.SlaveId = unit
	if err := handler.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { handler.Close() })
	return gbmodbus.NewClient(handler)
}

func TestInteropReadWrite(t *testing.T) {
	addr := startStack(t, []byte{1}, config.Default().Server.Bounds)
	client := newClient(t, addr, 1)

	if _, err := client.WriteSingleRegister(10, 12345); err != nil {
		t.Fatalf("WriteSingleRegister: %v", err)
	}
	results, err := client.ReadHoldingRegisters(10, 1)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if !bytes.Equal(results, []byte{0x30, 0x39}) {
		t.Errorf("holding[10] = % X, want 30 39", results)
	}

	if _, err := client.WriteSingleCoil(0, 0xFF00); err != nil {
		t.Fatalf("WriteSingleCoil: %v", err)
	}
	results, err = client.ReadCoils(0, 1)
	if err != nil {
		t.Fatalf("ReadCoils: %v", err)
	}
	if len(results) != 1 || results[0] != 0x01 {
		t.Errorf("coil[0] = % X, want 01", results)
	}

	if _, err := client.WriteMultipleRegisters(20, 2, []byte{0x00, 0x01, 0x00, 0x02}); err != nil {
		t.Fatalf("WriteMultipleRegisters: %v", err)
	}
	results, err = client.ReadHoldingRegisters(20, 2)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if !bytes.Equal(results, []byte{0x00, 0x01, 0x00, 0x02}) {
		t.Errorf("holding[20:22] = % X", results)
	}
}

func TestInteropExceptions(t *testing.T) {
	bounds := config.BoundsConfig{Coils: 16, DiscreteInputs: 16, HoldingRegisters: 100, InputRegisters: 100}
	addr := startStack(t, []byte{1}, bounds)

	tests := []struct {
		name string
		unit byte
		call func(c gbmodbus.Client) error
		code byte
	}{
		{"UnknownUnit", 9, func(c gbmodbus.Client) error {
			_, err := c.ReadHoldingRegisters(0, 1)
			return err
		}, 0x0B},
		{"OutOfBounds", 1, func(c gbmodbus.Client) error {
			_, err := c.ReadHoldingRegisters(99, 2)
			return err
		}, 0x02},
		{"ByteCountMismatch", 1, func(c gbmodbus.Client) error {
			_, err := c.WriteMultipleRegisters(0, 2, []byte{0x00, 0x01})
			return err
		}, 0x03},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call(newClient(t, addr, tc.unit))
			var mbErr *gbmodbus.ModbusError
			if !errors.As(err, &mbErr) {
				t.Fatalf("err = %v, want a Modbus exception", err)
			}
			if mbErr.ExceptionCode != tc.code {
				t.Errorf("exception = %d, want %d", mbErr.ExceptionCode, tc.code)
			}
		})
	}
}

// Concurrent clients each own one register; every read must return that
// client's own last write.
func TestInteropConcurrentClients(t *testing.T) {
	addr := startStack(t, []byte{1, 2}, config.Default().Server.Bounds)

	const clients = 8
	const rounds = 10
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		client := newClient(t, addr, byte(1+i%2))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg := uint16(100 + i)
			for r := 0; r < rounds; r++ {
				val := uint16(i*1000 + r)
				if _, err := client.WriteSingleRegister(reg, val); err != nil {
					errs <- fmt.Errorf("client %d write: %w", i, err)
					return
				}
				got, err := client.ReadHoldingRegisters(reg, 1)
				if err != nil {
					errs <- fmt.Errorf("client %d read: %w", i, err)
					return
				}
				if !bytes.Equal(got, []byte{byte(val >> 8), byte(val)}) {
					errs <- fmt.Errorf("client %d round %d: got % X, want %04X", i, r, got, val)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
