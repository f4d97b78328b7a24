// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtuovertcp serves raw RTU frames on TCP connections, the way a
// serial device server forwards a bus. Each connection behaves as its own
// serial line.
package rtuovertcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	rtuframe "github.com/JannikBirn/modbus-gateway/modbus/rtu"
	"github.com/JannikBirn/modbus-gateway/transport"
	"github.com/JannikBirn/modbus-gateway/transport/rtu"
)

// Server implements a Modbus RTU over TCP Server.
// It listens on a TCP port and handles incoming connections as Modbus RTU streams.
type Server struct {
	Address string

	classifier rtuframe.Classifier

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	ready    chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a new RTU over TCP Server. c frames passthrough requests.
func NewServer(address string, c rtuframe.Classifier) *Server {
	return &Server{
		Address:    address,
		classifier: c,
		conns:      make(map[net.Conn]struct{}),
		ready:      make(chan struct{}),
	}
}

// Start listens on Address and serves until ctx is done.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.Address)
	if err != nil {
		s.once.Do(func() { close(s.ready) })
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.once.Do(func() { close(s.ready) })
	slog.Info("RTU over TCP server listening", "addr", listener.Addr())

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handleConnection(ctx, conn, handler)
		}()
	}
}

// Addr blocks until the listener is up and returns its address, or nil if
// listening failed.
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

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, handler transport.RequestHandler) {
	slog.Info("New RTU over TCP client connected", "addr", conn.RemoteAddr())
	srv := rtu.NewServer(rtu.NewConnChannel(conn), s.classifier)
	err := srv.Start(ctx, handler)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		slog.Error("Connection read error", "addr", conn.RemoteAddr(), "err", err)
	}
	slog.Info("RTU over TCP client disconnected", "addr", conn.RemoteAddr())
}
