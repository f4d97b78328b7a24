// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JannikBirn/modbus-gateway/modbus"
)

const (
	tcpTimeout = 10 * time.Second
)

// Client is a Modbus/TCP master. It keeps one connection open and sends
// one request at a time over it.
type Client struct {
	Address string
	Timeout time.Duration

	mu            sync.Mutex
	conn          net.Conn
	transactionID atomic.Uint32
}

// NewClient allocates and initializes a TCP Client.
func NewClient(address string) *Client {
	return &Client{
		Address: address,
		Timeout: tcpTimeout,
	}
}

// Send sends pdu to unit slaveID and returns the response PDU. Exception
// responses are returned as *modbus.Error.
func (mb *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	req := &ApplicationDataUnit{
		TransactionID: uint16(mb.transactionID.Add(1)),
		SlaveID:       slaveID,
		Pdu:           pdu,
	}
	raw, err := req.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to encode ADU: %w", err)
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	if err := mb.connect(ctx); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	deadline := time.Now().Add(mb.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := mb.conn.SetDeadline(deadline); err != nil {
		mb.close()
		return modbus.ProtocolDataUnit{}, err
	}

	slog.Debug("send to modbus tcp slave", "tid", req.TransactionID, "request", hex.EncodeToString(raw))
	if _, err := mb.conn.Write(raw); err != nil {
		mb.close()
		return modbus.ProtocolDataUnit{}, err
	}
	resp, err := ReadFrame(mb.conn)
	if err != nil {
		mb.close()
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to read response: %w", err)
	}
	slog.Debug("recv from modbus tcp slave", "tid", resp.TransactionID, "func", resp.Pdu.FunctionCode, "data", hex.EncodeToString(resp.Pdu.Data))

	if err := req.Verify(resp); err != nil {
		mb.close()
		return modbus.ProtocolDataUnit{}, fmt.Errorf("verification failed: %w", err)
	}
	if resp.Pdu.IsException() {
		var code byte
		if len(resp.Pdu.Data) > 0 {
			code = resp.Pdu.Data[0]
		}
		return resp.Pdu, &modbus.Error{FunctionCode: resp.Pdu.FunctionCode, ExceptionCode: code}
	}
	return resp.Pdu, nil
}

func (mb *Client) connect(ctx context.Context) error {
	if mb.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: mb.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", mb.Address)
	if err != nil {
		return fmt.Errorf("modbus: failed to connect to %s: %w", mb.Address, err)
	}
	mb.conn = conn
	return nil
}

func (mb *Client) close() {
	if mb.conn != nil {
		mb.conn.Close()
		mb.conn = nil
	}
}

// Close closes the connection, if any.
func (mb *Client) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.close()
	return nil
}
