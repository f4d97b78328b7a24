// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package registry classifies function codes into the two relay
// behaviours of the gateway. It is built once at startup and read-only
// afterwards, so it is safe for concurrent use.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/JannikBirn/modbus-gateway/modbus"
)

var (
	ErrDuplicate = errors.New("registry: duplicate passthrough function code")
	ErrCollision = errors.New("registry: passthrough function code collides with a standard function")
	ErrInvalid   = errors.New("registry: invalid passthrough registration")
)

// Kind selects how a function code is relayed.
type Kind int

const (
	Unknown Kind = iota
	Standard
	Passthrough
)

func (k Kind) String() string {
	switch k {
	case Standard:
		return "standard"
	case Passthrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// Class is the result of Classify. ByteCountPos is only meaningful for Passthrough.
type Class struct {
	Kind         Kind
	ByteCountPos int
}

// Registration declares an opaque function code. RTUByteCountPos is the
// offset, within the response PDU data, of the byte holding the number of
// bytes that follow it. Both are ints so out-of-range configuration values
// reach New instead of wrapping around during decoding.
type Registration struct {
	FunctionCode    int `mapstructure:"functionCode" yaml:"functionCode"`
	RTUByteCountPos int `mapstructure:"rtuByteCountPos" yaml:"rtuByteCountPos"`
}

var standard = map[byte]struct{}{
	modbus.FuncCodeReadCoils:                  {},
	modbus.FuncCodeReadDiscreteInputs:         {},
	modbus.FuncCodeReadHoldingRegisters:       {},
	modbus.FuncCodeReadInputRegisters:         {},
	modbus.FuncCodeWriteSingleCoil:            {},
	modbus.FuncCodeWriteSingleRegister:        {},
	modbus.FuncCodeReadExceptionStatus:        {},
	modbus.FuncCodeGetCommEventCounter:        {},
	modbus.FuncCodeGetCommEventLog:            {},
	modbus.FuncCodeWriteMultipleCoils:         {},
	modbus.FuncCodeWriteMultipleRegisters:     {},
	modbus.FuncCodeReportServerID:             {},
	modbus.FuncCodeReadFileRecord:             {},
	modbus.FuncCodeWriteFileRecord:            {},
	modbus.FuncCodeMaskWriteRegister:          {},
	modbus.FuncCodeReadWriteMultipleRegisters: {},
	modbus.FuncCodeReadFIFOQueue:              {},
}

// IsStandard reports whether fc is handled by the register path.
func IsStandard(fc byte) bool {
	_, ok := standard[fc]
	return ok
}

// Registry maps function codes to a Class.
type Registry struct {
	passthrough map[byte]byte
}

// New validates the registrations and builds the lookup table.
func New(regs []Registration) (*Registry, error) {
	r := &Registry{passthrough: make(map[byte]byte, len(regs))}
	for _, reg := range regs {
		switch {
		case reg.FunctionCode < 1 || reg.FunctionCode >= modbus.ExceptionFlag:
			return nil, fmt.Errorf("%w: function code %d outside 1..0x7F", ErrInvalid, reg.FunctionCode)
		case reg.RTUByteCountPos < 0 || reg.RTUByteCountPos >= modbus.MaxDataSize:
			return nil, fmt.Errorf("%w: byte count position %d for 0x%02X outside 0..%d",
				ErrInvalid, reg.RTUByteCountPos, reg.FunctionCode, modbus.MaxDataSize-1)
		}
		fc := byte(reg.FunctionCode)
		if IsStandard(fc) {
			return nil, fmt.Errorf("%w: 0x%02X", ErrCollision, fc)
		}
		if _, dup := r.passthrough[fc]; dup {
			return nil, fmt.Errorf("%w: 0x%02X", ErrDuplicate, fc)
		}
		r.passthrough[fc] = byte(reg.RTUByteCountPos)
	}
	return r, nil
}

// Classify returns how fc is relayed. A nil Registry knows only the standard codes.
func (r *Registry) Classify(fc byte) Class {
	if IsStandard(fc) {
		return Class{Kind: Standard}
	}
	if r != nil {
		if pos, ok := r.passthrough[fc]; ok {
			return Class{Kind: Passthrough, ByteCountPos: int(pos)}
		}
	}
	return Class{Kind: Unknown}
}

// Passthroughs lists the registrations in function code order.
func (r *Registry) Passthroughs() []Registration {
	if r == nil {
		return nil
	}
	regs := make([]Registration, 0, len(r.passthrough))
	for fc, pos := range r.passthrough {
		regs = append(regs, Registration{FunctionCode: int(fc), RTUByteCountPos: int(pos)})
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].FunctionCode < regs[j].FunctionCode })
	return regs
}
