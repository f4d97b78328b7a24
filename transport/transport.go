// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transport holds the contract between a framing server and the
// code that answers its requests.
package transport

import (
	"context"

	"github.com/JannikBirn/modbus-gateway/modbus"
)

// RequestHandler answers one request. The server strips its framing
// envelope, hands over the unit id and PDU, and wraps the returned PDU in
// the same envelope. An exception response is a PDU, not an error; a
// returned error is mapped by the server.
//
// ctx is cancelled when the peer that sent the request goes away.
type RequestHandler func(ctx context.Context, unitID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)

// Upstream is a source of requests: a server that masters connect to.
type Upstream interface {
	// Start serves until ctx is done or the server fails. It blocks.
	Start(ctx context.Context, handler RequestHandler) error
	Close() error
}
