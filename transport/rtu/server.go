// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/JannikBirn/modbus-gateway/modbus"
	rtuframe "github.com/JannikBirn/modbus-gateway/modbus/rtu"
	"github.com/JannikBirn/modbus-gateway/transport"
)

// idleTimeout is how long the server waits for the rest of a frame. A
// partial frame older than that is noise and is dropped.
const idleTimeout = 50 * time.Millisecond

// Server is the slave side of an RTU bus: it waits for requests from an
// external master on ch and answers them one at a time.
type Server struct {
	ch         Channel
	classifier rtuframe.Classifier

	closeOnce sync.Once
}

var _ transport.Upstream = (*Server)(nil)

// NewServer serves requests arriving on ch. c frames passthrough requests
// and may be nil.
func NewServer(ch Channel, c rtuframe.Classifier) *Server {
	return &Server{ch: ch, classifier: c}
}

// Start reads and answers requests until ctx is done or the channel fails.
// Requests to unit 0 are broadcasts and get no answer; neither do requests
// for which the handler returns an error.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	buf := make([]byte, 0, 2*rtuframe.MaxSize)
	chunk := make([]byte, rtuframe.MaxSize)
	for {
		n, err := s.ch.ReadAvailable(chunk, idleTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n == 0 {
			if len(buf) > 0 {
				slog.Debug("Dropping incomplete frame", "data", hex.EncodeToString(buf))
				buf = buf[:0]
			}
			continue
		}
		buf = append(buf, chunk[:n]...)

		for len(buf) > 0 {
			req, used, err := DecodeRequest(buf, s.classifier)
			if errors.Is(err, modbus.ErrNeedMoreBytes) {
				break
			}
			if err != nil {
				// Resync on the next byte.
				slog.Debug("Discarding byte", "err", err)
				buf = buf[1:]
				continue
			}
			buf = buf[used:]
			if err := s.serve(ctx, handler, req); err != nil {
				return err
			}
		}
	}
}

func (s *Server) serve(ctx context.Context, handler transport.RequestHandler, req *ApplicationDataUnit) error {
	slog.Debug("recv from modbus master", "unit", req.SlaveID, "func", req.Pdu.FunctionCode, "data", hex.EncodeToString(req.Pdu.Data))
	pdu, err := handler(ctx, req.SlaveID, req.Pdu)
	if err != nil || req.SlaveID == 0 {
		return nil
	}
	resp := ApplicationDataUnit{SlaveID: req.SlaveID, Pdu: pdu}
	raw, err := resp.Encode()
	if err != nil {
		slog.Error("Failed to encode RTU response", "unit", req.SlaveID, "err", err)
		return nil
	}
	if _, err := s.ch.Write(raw); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}

// Close closes the channel.
func (s *Server) Close() (err error) {
	s.closeOnce.Do(func() {
		err = s.ch.Close()
	})
	return
}
