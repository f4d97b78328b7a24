// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"

	"github.com/JannikBirn/modbus-gateway/modbus"
	"github.com/JannikBirn/modbus-gateway/modbus/crc"
	rtuframe "github.com/JannikBirn/modbus-gateway/modbus/rtu"
)

// ApplicationDataUnit is one RTU frame without its CRC.
type ApplicationDataUnit struct {
	SlaveID byte
	Pdu     modbus.ProtocolDataUnit
}

// Encode encodes PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes, low byte first
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + rtuframe.MinSize
	if length > rtuframe.MaxSize {
		err = modbus.NewDecodeError(modbus.ErrFrameTooLong, "length of data '%v' must not be bigger than '%v'", length, rtuframe.MaxSize)
		return
	}
	raw = make([]byte, length)

	raw[0] = adu.SlaveID
	raw[1] = adu.Pdu.FunctionCode
	copy(raw[2:], adu.Pdu.Data)

	checksum := crc.Checksum(raw[0 : length-2])
	raw[length-1] = byte(checksum >> 8)
	raw[length-2] = byte(checksum)
	return
}

// Decode decodes exactly one complete frame.
func Decode(raw []byte) (*ApplicationDataUnit, error) {
	length := len(raw)
	// Minimum size (including address, function and CRC)
	if length < rtuframe.MinSize {
		return nil, modbus.ErrNeedMoreBytes
	}
	if length > rtuframe.MaxSize {
		return nil, modbus.NewDecodeError(modbus.ErrFrameTooLong, "frame length %d", length)
	}

	checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	if expected := crc.Checksum(raw[0 : length-2]); checksum != expected {
		return nil, modbus.NewDecodeError(modbus.ErrChecksumInvalid, "crc '%04X' does not match expected '%04X'", checksum, expected)
	}

	adu := &ApplicationDataUnit{SlaveID: raw[0]}
	adu.Pdu.FunctionCode = raw[1]
	adu.Pdu.Data = append([]byte{}, raw[2:length-2]...)
	return adu, nil
}

// DecodeResponse decodes the response frame at the start of buf, using the
// function code schema (or the passthrough byte count) to find its end. It
// returns the number of bytes the frame occupied. modbus.ErrNeedMoreBytes
// means buf holds only a prefix; keep reading and call again.
func DecodeResponse(buf []byte, c rtuframe.Classifier) (*ApplicationDataUnit, int, error) {
	return decodeStream(buf, c, rtuframe.ResponseLength)
}

// DecodeRequest is DecodeResponse for the request direction.
func DecodeRequest(buf []byte, c rtuframe.Classifier) (*ApplicationDataUnit, int, error) {
	return decodeStream(buf, c, rtuframe.RequestLength)
}

func decodeStream(buf []byte, c rtuframe.Classifier, lengthOf func([]byte, rtuframe.Classifier) (int, error)) (*ApplicationDataUnit, int, error) {
	n, err := lengthOf(buf, c)
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < n {
		return nil, 0, modbus.ErrNeedMoreBytes
	}
	adu, err := Decode(buf[:n])
	if err != nil {
		return nil, n, err
	}
	return adu, n, nil
}

// Verify checks that resp answers req: same slave and the same function
// code, or its exception form.
func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) error {
	if req.SlaveID != resp.SlaveID {
		return fmt.Errorf("modbus: response slave id '%v' does not match request '%v'", resp.SlaveID, req.SlaveID)
	}
	if fc := resp.Pdu.FunctionCode &^ modbus.ExceptionFlag; fc != req.Pdu.FunctionCode {
		return fmt.Errorf("modbus: response function '%v' does not match request '%v'", resp.Pdu.FunctionCode, req.Pdu.FunctionCode)
	}
	return nil
}
