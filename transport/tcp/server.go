// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/JannikBirn/modbus-gateway/modbus"
	"github.com/JannikBirn/modbus-gateway/transport"
)

const (
	defaultMaxConns    = 32
	defaultMaxInflight = 16
)

// Server implements a Modbus TCP Server.
type Server struct {
	Address string
	// MaxConns bounds concurrent connections. Extra connections are closed
	// right after accept.
	MaxConns int
	// MaxInflight bounds the requests of one connection being handled at
	// once. Reading from the connection pauses while it is reached.
	MaxInflight int

	mu        sync.Mutex
	listener  net.Listener
	conns     map[net.Conn]struct{}
	ready     chan struct{}
	readyOnce sync.Once
	wg        sync.WaitGroup
}

var _ transport.Upstream = (*Server)(nil)

// NewServer creates a new TCP Server.
func NewServer(address string) *Server {
	return &Server{
		Address:     address,
		MaxConns:    defaultMaxConns,
		MaxInflight: defaultMaxInflight,
		conns:       make(map[net.Conn]struct{}),
		ready:       make(chan struct{}),
	}
}

// Start listens on Address and serves until ctx is done.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		s.markReady()
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	return s.Serve(ctx, listener, handler)
}

// Serve accepts connections on listener until ctx is done. It returns once
// every connection has been closed and its handlers have returned.
func (s *Server) Serve(ctx context.Context, listener net.Listener, handler transport.RequestHandler) error {
	if handler == nil {
		listener.Close()
		s.markReady()
		return errors.New("tcp: no request handler")
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.markReady()
	slog.Info("Modbus TCP server listening", "addr", listener.Addr())

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	maxConns := s.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	slots := semaphore.NewWeighted(int64(maxConns))

	defer s.wg.Wait()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("Failed to accept connection", "err", err)
			continue
		}
		if !slots.TryAcquire(1) {
			slog.Warn("Too many TCP clients, rejecting", "addr", conn.RemoteAddr(), "max", maxConns)
			conn.Close()
			continue
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer slots.Release(1)
			defer s.track(conn, false)
			s.handleConnection(ctx, conn, handler)
		}()
	}
}

func (s *Server) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Addr returns the listening address. It blocks until the server listens,
// and returns nil if it failed to.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close closes the listener and every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	return err
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConnection reads requests until the peer leaves or the stream
// loses framing. Requests are handled concurrently; their context ends
// when the connection does. After a clean EOF the peer may only have closed
// its write side, so pending answers are still delivered.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, handler transport.RequestHandler) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	var inflight sync.WaitGroup
	halfClosed := false
	defer conn.Close()
	defer stop()
	defer func() {
		if !halfClosed {
			cancel()
		}
		inflight.Wait()
		cancel()
	}()

	addr := conn.RemoteAddr()
	slog.Info("New TCP client connected", "addr", addr)

	maxInflight := s.MaxInflight
	if maxInflight <= 0 {
		maxInflight = defaultMaxInflight
	}
	slots := semaphore.NewWeighted(int64(maxInflight))
	var writeMu sync.Mutex

	for {
		adu, err := ReadFrame(conn)
		if err != nil {
			var decodeErr *modbus.DecodeError
			switch {
			case errors.Is(err, io.EOF):
				slog.Info("TCP client disconnected gracefully", "addr", addr)
				halfClosed = true
			case errors.As(err, &decodeErr):
				slog.Warn("Lost framing on TCP stream, closing", "addr", addr, "err", err)
			case ctx.Err() != nil:
			default:
				slog.Error("Failed to read from connection", "addr", addr, "err", err)
			}
			return
		}
		slog.Debug("recv from modbus tcp master", "addr", addr, "tid", adu.TransactionID, "unit", adu.SlaveID,
			"func", adu.Pdu.FunctionCode, "data", hex.EncodeToString(adu.Pdu.Data))

		if err := slots.Acquire(ctx, 1); err != nil {
			return
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer slots.Release(1)

			resp := s.serve(ctx, handler, adu)
			if ctx.Err() != nil {
				slog.Debug("Discarding response for closed connection", "addr", addr, "tid", adu.TransactionID)
				return
			}
			raw, err := resp.Encode()
			if err != nil {
				slog.Error("Failed to encode TCP response", "tid", adu.TransactionID, "err", err)
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if _, err := conn.Write(raw); err != nil {
				slog.Error("Failed to write response to connection", "addr", addr, "err", err)
				cancel()
				conn.Close()
			}
		}()
	}
}

// serve runs handler for one request and builds the response frame.
func (s *Server) serve(ctx context.Context, handler transport.RequestHandler, req *ApplicationDataUnit) *ApplicationDataUnit {
	pdu, err := handler(ctx, req.SlaveID, req.Pdu)
	if err != nil {
		var exc *modbus.Error
		if errors.As(err, &exc) {
			pdu = exc.PDU()
		} else {
			slog.Warn("Handler failed", "tid", req.TransactionID, "unit", req.SlaveID, "err", err)
			pdu = modbus.NewException(req.Pdu.FunctionCode, modbus.ExceptionCodeServerDeviceFailure)
		}
	}
	return &ApplicationDataUnit{
		TransactionID: req.TransactionID,
		ProtocolID:    req.ProtocolID,
		SlaveID:       req.SlaveID,
		Pdu:           pdu,
	}
}
