// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package slavesim simulates RTU devices for bench tests of the gateway.
package slavesim

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/JannikBirn/modbus-gateway/internal/registry"
	"github.com/JannikBirn/modbus-gateway/modbus"
)

// ErrNotAddressed means the request was for another device; a slave on a
// shared bus stays silent.
var ErrNotAddressed = errors.New("slavesim: request not addressed to this device")

// deviceID is reported by Report Server ID.
var deviceID = []byte("modbus-gateway slavesim")

// Slave answers requests for a set of unit ids from one shared DataModel.
type Slave struct {
	model    *DataModel
	units    map[byte]bool
	registry *registry.Registry
}

// NewSlave serves units from m. Passthrough function codes in reg are
// answered by the echo handler.
func NewSlave(m *DataModel, units []byte, reg *registry.Registry) *Slave {
	s := &Slave{model: m, units: make(map[byte]bool, len(units)), registry: reg}
	for _, id := range units {
		s.units[id] = true
	}
	return s
}

// Handle implements transport.RequestHandler.
func (s *Slave) Handle(ctx context.Context, unitID byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if unitID != 0 && !s.units[unitID] {
		return modbus.ProtocolDataUnit{}, ErrNotAddressed
	}
	resp := s.Process(req)
	if resp.IsException() {
		slog.Debug("Simulated exception", "unit", unitID, "func", req.FunctionCode, "code", resp.Data[0])
	}
	return resp, nil
}

// Process executes the Modbus Function Code against the memory model.
func (s *Slave) Process(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		return s.readBits(req, s.model.ReadCoils)
	case modbus.FuncCodeReadDiscreteInputs:
		return s.readBits(req, s.model.ReadDiscreteInputs)
	case modbus.FuncCodeReadHoldingRegisters:
		return s.readRegisters(req, s.model.ReadHoldingRegisters)
	case modbus.FuncCodeReadInputRegisters:
		return s.readRegisters(req, s.model.ReadInputRegisters)
	case modbus.FuncCodeWriteSingleCoil:
		return s.writeSingleCoil(req)
	case modbus.FuncCodeWriteSingleRegister:
		return s.writeSingleRegister(req)
	case modbus.FuncCodeWriteMultipleCoils:
		return s.writeMultipleCoils(req)
	case modbus.FuncCodeWriteMultipleRegisters:
		return s.writeMultipleRegisters(req)
	case modbus.FuncCodeMaskWriteRegister:
		return s.maskWriteRegister(req)
	case modbus.FuncCodeReadWriteMultipleRegisters:
		return s.readWriteMultipleRegisters(req)
	case modbus.FuncCodeReadExceptionStatus:
		return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: []byte{0x00}}
	case modbus.FuncCodeReportServerID:
		data := append([]byte{byte(len(deviceID) + 1)}, deviceID...)
		data = append(data, 0xFF) // run indicator: on
		return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: data}
	}
	if class := s.registry.Classify(req.FunctionCode); class.Kind == registry.Passthrough {
		return echo(req, class.ByteCountPos)
	}
	return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalFunction)
}

// echo answers a passthrough request with the request data behind the
// configured byte count: the first pos request bytes, a count byte, then
// the rest of the request.
func echo(req modbus.ProtocolDataUnit, pos int) modbus.ProtocolDataUnit {
	prefix := make([]byte, pos)
	copy(prefix, req.Data)
	var body []byte
	if pos < len(req.Data) {
		body = req.Data[pos:]
	}
	if room := modbus.MaxDataSize - pos - 1; len(body) > room {
		body = body[:room]
	}
	data := append(prefix, byte(len(body)))
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: append(data, body...)}
}

func illegalValue(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
}

func illegalAddress(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
}

// withByteCount prefixes data with its length.
func withByteCount(fc byte, data []byte) modbus.ProtocolDataUnit {
	return modbus.ProtocolDataUnit{FunctionCode: fc, Data: append([]byte{byte(len(data))}, data...)}
}

func (s *Slave) readBits(req modbus.ProtocolDataUnit, read func(address, quantity uint16) ([]byte, error)) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return illegalValue(req)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	if quantity < 1 || quantity > 2000 {
		return illegalValue(req)
	}
	data, err := read(address, quantity)
	if err != nil {
		return illegalAddress(req)
	}
	return withByteCount(req.FunctionCode, data)
}

func (s *Slave) readRegisters(req modbus.ProtocolDataUnit, read func(address, quantity uint16) ([]byte, error)) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return illegalValue(req)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	if quantity < 1 || quantity > 125 {
		return illegalValue(req)
	}
	data, err := read(address, quantity)
	if err != nil {
		return illegalAddress(req)
	}
	return withByteCount(req.FunctionCode, data)
}

func (s *Slave) writeSingleCoil(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return illegalValue(req)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	var packed byte
	switch binary.BigEndian.Uint16(req.Data[2:4]) {
	case 0xFF00:
		packed = 1
	case 0x0000:
	default:
		return illegalValue(req)
	}
	if err := s.model.WriteCoils(address, 1, []byte{packed}); err != nil {
		return illegalAddress(req)
	}
	return req
}

func (s *Slave) writeSingleRegister(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return illegalValue(req)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	if err := s.model.WriteHoldingRegisters(address, 1, req.Data[2:4]); err != nil {
		return illegalAddress(req)
	}
	return req
}

func (s *Slave) writeMultipleCoils(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) < 6 {
		return illegalValue(req)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := int(req.Data[4])
	if quantity < 1 || quantity > 1968 || byteCount != (int(quantity)+7)/8 || len(req.Data)-5 != byteCount {
		return illegalValue(req)
	}
	if err := s.model.WriteCoils(address, quantity, req.Data[5:]); err != nil {
		return illegalAddress(req)
	}
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: append([]byte{}, req.Data[:4]...)}
}

func (s *Slave) writeMultipleRegisters(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) < 7 {
		return illegalValue(req)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := int(req.Data[4])
	if quantity < 1 || quantity > 123 || byteCount != 2*int(quantity) || len(req.Data)-5 != byteCount {
		return illegalValue(req)
	}
	if err := s.model.WriteHoldingRegisters(address, quantity, req.Data[5:]); err != nil {
		return illegalAddress(req)
	}
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: append([]byte{}, req.Data[:4]...)}
}

func (s *Slave) maskWriteRegister(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 6 {
		return illegalValue(req)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	and := binary.BigEndian.Uint16(req.Data[2:4])
	or := binary.BigEndian.Uint16(req.Data[4:6])
	if err := s.model.MaskWriteRegister(address, and, or); err != nil {
		return illegalAddress(req)
	}
	return req
}

// readWriteMultipleRegisters performs the write before the read.
func (s *Slave) readWriteMultipleRegisters(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) < 11 {
		return illegalValue(req)
	}
	readAddress := binary.BigEndian.Uint16(req.Data[0:2])
	readQuantity := binary.BigEndian.Uint16(req.Data[2:4])
	writeAddress := binary.BigEndian.Uint16(req.Data[4:6])
	writeQuantity := binary.BigEndian.Uint16(req.Data[6:8])
	byteCount := int(req.Data[8])
	if readQuantity < 1 || readQuantity > 125 || writeQuantity < 1 || writeQuantity > 121 ||
		byteCount != 2*int(writeQuantity) || len(req.Data)-9 != byteCount {
		return illegalValue(req)
	}
	if validateRange(readAddress, readQuantity) != nil {
		return illegalAddress(req)
	}
	if err := s.model.WriteHoldingRegisters(writeAddress, writeQuantity, req.Data[9:]); err != nil {
		return illegalAddress(req)
	}
	data, err := s.model.ReadHoldingRegisters(readAddress, readQuantity)
	if err != nil {
		return illegalAddress(req)
	}
	return withByteCount(req.FunctionCode, data)
}
