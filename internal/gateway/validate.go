// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"encoding/binary"

	"github.com/JannikBirn/modbus-gateway/internal/config"
	"github.com/JannikBirn/modbus-gateway/modbus"
)

// Quantity limits of the standard register functions.
const (
	maxReadBits       = 2000
	maxReadRegisters  = 125
	maxWriteBits      = 1968
	maxWriteRegisters = 123
	maxRWWrite        = 121
)

// validate checks a standard request before it occupies the bus. It
// returns 0 when the request may go out, or the exception code to answer
// with. Quantities are checked before addresses.
func validate(pdu modbus.ProtocolDataUnit, bounds config.BoundsConfig) byte {
	d := pdu.Data
	switch pdu.FunctionCode {
	case modbus.FuncCodeReadCoils:
		return checkRead(d, maxReadBits, bounds.Coils)
	case modbus.FuncCodeReadDiscreteInputs:
		return checkRead(d, maxReadBits, bounds.DiscreteInputs)
	case modbus.FuncCodeReadHoldingRegisters:
		return checkRead(d, maxReadRegisters, bounds.HoldingRegisters)
	case modbus.FuncCodeReadInputRegisters:
		return checkRead(d, maxReadRegisters, bounds.InputRegisters)

	case modbus.FuncCodeWriteSingleCoil:
		if len(d) != 4 {
			return modbus.ExceptionCodeIllegalDataValue
		}
		if v := binary.BigEndian.Uint16(d[2:]); v != 0x0000 && v != 0xFF00 {
			return modbus.ExceptionCodeIllegalDataValue
		}
		return checkRange(binary.BigEndian.Uint16(d), 1, bounds.Coils)

	case modbus.FuncCodeWriteSingleRegister:
		if len(d) != 4 {
			return modbus.ExceptionCodeIllegalDataValue
		}
		return checkRange(binary.BigEndian.Uint16(d), 1, bounds.HoldingRegisters)

	case modbus.FuncCodeWriteMultipleCoils:
		if len(d) < 5 {
			return modbus.ExceptionCodeIllegalDataValue
		}
		q := int(binary.BigEndian.Uint16(d[2:]))
		if q < 1 || q > maxWriteBits || int(d[4]) != (q+7)/8 || len(d)-5 != int(d[4]) {
			return modbus.ExceptionCodeIllegalDataValue
		}
		return checkRange(binary.BigEndian.Uint16(d), q, bounds.Coils)

	case modbus.FuncCodeWriteMultipleRegisters:
		if len(d) < 5 {
			return modbus.ExceptionCodeIllegalDataValue
		}
		q := int(binary.BigEndian.Uint16(d[2:]))
		if q < 1 || q > maxWriteRegisters || int(d[4]) != 2*q || len(d)-5 != int(d[4]) {
			return modbus.ExceptionCodeIllegalDataValue
		}
		return checkRange(binary.BigEndian.Uint16(d), q, bounds.HoldingRegisters)

	case modbus.FuncCodeMaskWriteRegister:
		if len(d) != 6 {
			return modbus.ExceptionCodeIllegalDataValue
		}
		return checkRange(binary.BigEndian.Uint16(d), 1, bounds.HoldingRegisters)

	case modbus.FuncCodeReadWriteMultipleRegisters:
		if len(d) < 9 {
			return modbus.ExceptionCodeIllegalDataValue
		}
		rq := int(binary.BigEndian.Uint16(d[2:]))
		wq := int(binary.BigEndian.Uint16(d[6:]))
		if rq < 1 || rq > maxReadRegisters || wq < 1 || wq > maxRWWrite ||
			int(d[8]) != 2*wq || len(d)-9 != int(d[8]) {
			return modbus.ExceptionCodeIllegalDataValue
		}
		if code := checkRange(binary.BigEndian.Uint16(d), rq, bounds.HoldingRegisters); code != 0 {
			return code
		}
		return checkRange(binary.BigEndian.Uint16(d[4:]), wq, bounds.HoldingRegisters)
	}
	// The remaining standard functions carry device specific payloads.
	return 0
}

func checkRead(d []byte, limit, bound int) byte {
	if len(d) != 4 {
		return modbus.ExceptionCodeIllegalDataValue
	}
	q := int(binary.BigEndian.Uint16(d[2:]))
	if q < 1 || q > limit {
		return modbus.ExceptionCodeIllegalDataValue
	}
	return checkRange(binary.BigEndian.Uint16(d), q, bound)
}

func checkRange(addr uint16, quantity, bound int) byte {
	if int(addr)+quantity > bound {
		return modbus.ExceptionCodeIllegalDataAddress
	}
	return 0
}
