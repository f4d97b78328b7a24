// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/JannikBirn/modbus-gateway/modbus"
)

var ErrNoSuchUnit = errors.New("gateway: no such unit")

// Executor runs one exchange with a unit on the serial bus.
// *bus.Multiplexer implements it.
type Executor interface {
	Execute(ctx context.Context, unitID byte, pdu modbus.ProtocolDataUnit, timeout time.Duration) (modbus.ProtocolDataUnit, error)
}

// RemoteSlave is a configured unit. It holds no register data; every
// request goes to the device over the bus.
type RemoteSlave struct {
	UnitID byte
	bus    Executor
}

// Execute forwards pdu to the device.
func (s *RemoteSlave) Execute(ctx context.Context, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	return s.bus.Execute(ctx, s.UnitID, pdu, 0)
}

// Router maps unit ids to remote slaves. It is read-only after
// NewRouter and safe for concurrent use.
type Router struct {
	slaves map[byte]*RemoteSlave
}

// NewRouter serves the given unit ids through bus.
func NewRouter(unitIDs []byte, bus Executor) *Router {
	r := &Router{slaves: make(map[byte]*RemoteSlave, len(unitIDs))}
	for _, id := range unitIDs {
		r.slaves[id] = &RemoteSlave{UnitID: id, bus: bus}
	}
	return r
}

// Resolve returns the slave for unitID.
func (r *Router) Resolve(unitID byte) (*RemoteSlave, error) {
	if s, ok := r.slaves[unitID]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrNoSuchUnit, unitID)
}

// Units lists the served unit ids in ascending order.
func (r *Router) Units() []byte {
	ids := make([]byte, 0, len(r.slaves))
	for id := range r.slaves {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
