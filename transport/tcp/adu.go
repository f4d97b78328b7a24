// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package tcp implements Modbus/TCP: the MBAP codec, the gateway server
// and a small client.
package tcp

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/JannikBirn/modbus-gateway/modbus"
)

const (
	// HeaderSize is the MBAP header: transaction id, protocol id, length, unit id.
	HeaderSize = 7
	// MaxSize is the largest Modbus/TCP ADU.
	MaxSize = HeaderSize + modbus.MaxPDUSize

	// The length field counts the unit id and the PDU.
	minLength = 2
	maxLength = 1 + modbus.MaxPDUSize
)

// ApplicationDataUnit is a Modbus/TCP frame.
type ApplicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	SlaveID       byte
	Pdu           modbus.ProtocolDataUnit
}

// Length is the value of the MBAP length field for this frame.
func (adu *ApplicationDataUnit) Length() int {
	return 1 + 1 + len(adu.Pdu.Data)
}

// Encode returns the wire form of adu.
func (adu *ApplicationDataUnit) Encode() ([]byte, error) {
	length := adu.Length()
	if length > maxLength {
		return nil, modbus.NewDecodeError(modbus.ErrFrameTooLong, "PDU of %d bytes exceeds %d", length-1, modbus.MaxPDUSize)
	}
	raw := make([]byte, 6+length)
	binary.BigEndian.PutUint16(raw[0:], adu.TransactionID)
	binary.BigEndian.PutUint16(raw[2:], adu.ProtocolID)
	binary.BigEndian.PutUint16(raw[4:], uint16(length))
	raw[6] = adu.SlaveID
	raw[7] = adu.Pdu.FunctionCode
	copy(raw[8:], adu.Pdu.Data)
	return raw, nil
}

// header is a parsed MBAP header.
type header struct {
	transactionID uint16
	protocolID    uint16
	length        int
	unitID        byte
}

func parseHeader(raw []byte) (header, error) {
	h := header{
		transactionID: binary.BigEndian.Uint16(raw[0:]),
		protocolID:    binary.BigEndian.Uint16(raw[2:]),
		length:        int(binary.BigEndian.Uint16(raw[4:])),
		unitID:        raw[6],
	}
	if h.protocolID != 0 {
		return h, modbus.NewDecodeError(modbus.ErrProtocolID, "protocol id %d, transaction %d", h.protocolID, h.transactionID)
	}
	if h.length < minLength {
		return h, modbus.NewDecodeError(modbus.ErrFrameTooShort, "length field %d, transaction %d", h.length, h.transactionID)
	}
	if h.length > maxLength {
		return h, modbus.NewDecodeError(modbus.ErrFrameTooLong, "length field %d, transaction %d", h.length, h.transactionID)
	}
	return h, nil
}

func (h header) adu(pdu []byte) *ApplicationDataUnit {
	data := make([]byte, len(pdu)-1)
	copy(data, pdu[1:])
	return &ApplicationDataUnit{
		TransactionID: h.transactionID,
		ProtocolID:    h.protocolID,
		SlaveID:       h.unitID,
		Pdu:           modbus.ProtocolDataUnit{FunctionCode: pdu[0], Data: data},
	}
}

// Decode decodes exactly one frame. A prefix of a frame yields
// ErrNeedMoreBytes; bytes that disagree with the length field yield
// ErrLengthMismatch.
func Decode(raw []byte) (*ApplicationDataUnit, error) {
	adu, n, err := DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	if n != len(raw) {
		return nil, modbus.NewDecodeError(modbus.ErrLengthMismatch, "length field says %d bytes, got %d", n-6, len(raw)-6)
	}
	return adu, nil
}

// DecodeFrame decodes the frame at the start of buf and reports how many
// bytes it used. Trailing bytes belong to the next frame.
func DecodeFrame(buf []byte) (*ApplicationDataUnit, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, modbus.ErrNeedMoreBytes
	}
	h, err := parseHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	end := 6 + h.length
	if len(buf) < end {
		return nil, 0, modbus.ErrNeedMoreBytes
	}
	return h.adu(buf[HeaderSize:end]), end, nil
}

// ReadFrame reads one frame from r. Header errors leave the stream at an
// unknown position; the caller should drop the connection.
func ReadFrame(r io.Reader) (*ApplicationDataUnit, error) {
	var head [HeaderSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	h, err := parseHeader(head[:])
	if err != nil {
		return nil, err
	}
	pdu := make([]byte, h.length-1)
	if _, err := io.ReadFull(r, pdu); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return h.adu(pdu), nil
}

// Verify checks that resp answers req.
func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) error {
	if resp.TransactionID != req.TransactionID {
		return fmt.Errorf("modbus: response transaction id '%v' does not match request '%v'", resp.TransactionID, req.TransactionID)
	}
	if resp.SlaveID != req.SlaveID {
		return fmt.Errorf("modbus: response unit id '%v' does not match request '%v'", resp.SlaveID, req.SlaveID)
	}
	if resp.Pdu.FunctionCode&^modbus.ExceptionFlag != req.Pdu.FunctionCode {
		return fmt.Errorf("modbus: response function code '%v' does not match request '%v'", resp.Pdu.FunctionCode, req.Pdu.FunctionCode)
	}
	return nil
}
