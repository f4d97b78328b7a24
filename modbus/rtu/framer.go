// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu knows where RTU frames end. RTU carries no length prefix, so
// the size of a frame follows from its function code: either a fixed size,
// a byte count field at a known offset, or, for passthrough codes, a byte
// count at the configured position inside the data.
package rtu

import (
	"github.com/JannikBirn/modbus-gateway/internal/registry"
	"github.com/JannikBirn/modbus-gateway/modbus"
)

// Classifier is satisfied by *registry.Registry.
type Classifier interface {
	Classify(fc byte) registry.Class
}

// ResponseLength returns the total length of the response ADU that starts
// at adu[0]. It returns modbus.ErrNeedMoreBytes while adu is too short to
// tell.
func ResponseLength(adu []byte, c Classifier) (int, error) {
	if len(adu) < header {
		return 0, modbus.ErrNeedMoreBytes
	}
	fc := adu[1]
	if fc&modbus.ExceptionFlag != 0 {
		return ExceptionSize, nil
	}

	switch fc {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeGetCommEventLog,
		modbus.FuncCodeReportServerID,
		modbus.FuncCodeReadFileRecord,
		modbus.FuncCodeWriteFileRecord,
		modbus.FuncCodeReadWriteMultipleRegisters:
		return byteCountAt(adu, header)
	case modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters,
		modbus.FuncCodeGetCommEventCounter:
		return header + 4 + crcSize, nil
	case modbus.FuncCodeReadExceptionStatus:
		return header + 1 + crcSize, nil
	case modbus.FuncCodeMaskWriteRegister:
		return header + 6 + crcSize, nil
	case modbus.FuncCodeReadFIFOQueue:
		// Byte count is a 16-bit field.
		if len(adu) < header+2 {
			return 0, modbus.ErrNeedMoreBytes
		}
		return checkMax(header + 2 + (int(adu[2])<<8 | int(adu[3])) + crcSize)
	}
	return passthroughLength(adu, fc, c)
}

// RequestLength returns the total length of the request ADU that starts at adu[0].
func RequestLength(adu []byte, c Classifier) (int, error) {
	if len(adu) < header {
		return 0, modbus.ErrNeedMoreBytes
	}
	fc := adu[1]

	switch fc {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		// [SlaveID, Func, Addr(2), Val(2), CRC(2)]
		return header + 4 + crcSize, nil
	case modbus.FuncCodeReadExceptionStatus,
		modbus.FuncCodeGetCommEventCounter,
		modbus.FuncCodeGetCommEventLog,
		modbus.FuncCodeReportServerID:
		return header + crcSize, nil
	case modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		// [SlaveID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)]
		return byteCountAt(adu, header+4)
	case modbus.FuncCodeReadFileRecord,
		modbus.FuncCodeWriteFileRecord:
		return byteCountAt(adu, header)
	case modbus.FuncCodeMaskWriteRegister:
		return header + 6 + crcSize, nil
	case modbus.FuncCodeReadWriteMultipleRegisters:
		// [SlaveID, Func, RAddr(2), RQuant(2), WAddr(2), WQuant(2), ByteCount(1), Data(N), CRC(2)]
		return byteCountAt(adu, header+8)
	case modbus.FuncCodeReadFIFOQueue:
		return header + 2 + crcSize, nil
	}
	return passthroughLength(adu, fc, c)
}

// passthroughLength applies the configured byte count position. The count
// byte gives the number of bytes after itself, with no further offset.
func passthroughLength(adu []byte, fc byte, c Classifier) (int, error) {
	if c == nil {
		return 0, modbus.NewDecodeError(modbus.ErrUnknownFunction, "0x%02X", fc)
	}
	class := c.Classify(fc)
	if class.Kind != registry.Passthrough {
		return 0, modbus.NewDecodeError(modbus.ErrUnknownFunction, "0x%02X", fc)
	}
	return byteCountAt(adu, header+class.ByteCountPos)
}

// byteCountAt reads a one byte count at offset pos and returns the frame
// length: everything up to and including the count, the counted bytes and the CRC.
func byteCountAt(adu []byte, pos int) (int, error) {
	if len(adu) <= pos {
		return 0, modbus.ErrNeedMoreBytes
	}
	return checkMax(pos + 1 + int(adu[pos]) + crcSize)
}

func checkMax(n int) (int, error) {
	if n > MaxSize {
		return 0, modbus.NewDecodeError(modbus.ErrFrameTooLong, "frame length %d exceeds %d", n, MaxSize)
	}
	return n, nil
}
