// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/JannikBirn/modbus-gateway/internal/registry"
	"github.com/JannikBirn/modbus-gateway/modbus"
	"github.com/JannikBirn/modbus-gateway/modbus/crc"
)

func withCRC(frame ...byte) []byte {
	sum := crc.Checksum(frame)
	return append(frame, byte(sum), byte(sum>>8))
}

func TestEncode(t *testing.T) {
	adu := &ApplicationDataUnit{
		SlaveID: 0x01,
		Pdu:     modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}},
	}
	raw, err := adu.Encode()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}
	if !bytes.Equal(raw, want) {
		t.Errorf("Encode() = % X, want % X", raw, want)
	}
}

func TestEncodeTooLong(t *testing.T) {
	adu := &ApplicationDataUnit{SlaveID: 1, Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x41, Data: make([]byte, 253)}}
	if _, err := adu.Encode(); !errors.Is(err, modbus.ErrFrameTooLong) {
		t.Errorf("Encode() error = %v, want ErrFrameTooLong", err)
	}
}

func TestRoundTrip(t *testing.T) {
	pdus := []modbus.ProtocolDataUnit{
		{FunctionCode: 0x03, Data: []byte{0x00, 0x10, 0x00, 0x02}},
		{FunctionCode: 0x41, Data: []byte{0x05, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE}},
		{FunctionCode: 0x07, Data: []byte{}},
		{FunctionCode: 0x64, Data: bytes.Repeat([]byte{0x5A}, modbus.MaxDataSize)},
	}
	for _, pdu := range pdus {
		for _, slave := range []byte{0, 1, 3, 247, 255} {
			in := &ApplicationDataUnit{SlaveID: slave, Pdu: pdu}
			raw, err := in.Encode()
			if err != nil {
				t.Fatalf("Encode(%+v): %v", in, err)
			}
			out, err := Decode(raw)
			if err != nil {
				t.Fatalf("Decode(% X): %v", raw, err)
			}
			if diff := cmp.Diff(in, out); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		}
	}
}

func TestDecodeSingleBitFlip(t *testing.T) {
	adu := &ApplicationDataUnit{SlaveID: 0x03, Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x41, Data: []byte{0x02, 0x11, 0x22}}}
	raw, err := adu.Encode()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(raw)-2; i++ {
		for bit := 0; bit < 8; bit++ {
			corrupt := append([]byte{}, raw...)
			corrupt[i] ^= 1 << bit
			if _, err := Decode(corrupt); !errors.Is(err, modbus.ErrChecksumInvalid) {
				t.Fatalf("flip byte %d bit %d: error = %v, want ErrChecksumInvalid", i, bit, err)
			}
		}
	}
}

func TestDecodeUndersized(t *testing.T) {
	for _, raw := range [][]byte{nil, {0x01}, {0x01, 0x03}, {0x01, 0x03, 0x00}} {
		if _, err := Decode(raw); !errors.Is(err, modbus.ErrNeedMoreBytes) {
			t.Errorf("Decode(% X) error = %v, want ErrNeedMoreBytes", raw, err)
		}
	}
}

func TestDecodeResponseStreaming(t *testing.T) {
	reg, err := registry.New([]registry.Registration{{FunctionCode: 0x41, RTUByteCountPos: 0}})
	if err != nil {
		t.Fatal(err)
	}
	frame := withCRC(0x03, 0x41, 0x02, 0x11, 0x22)
	trailing := append(append([]byte{}, frame...), 0xDE, 0xAD)

	for i := 0; i < len(frame); i++ {
		if _, _, err := DecodeResponse(frame[:i], reg); !errors.Is(err, modbus.ErrNeedMoreBytes) {
			t.Fatalf("prefix %d: error = %v, want ErrNeedMoreBytes", i, err)
		}
	}

	adu, n, err := DecodeResponse(trailing, reg)
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Errorf("consumed %d bytes, want 7", n)
	}
	want := &ApplicationDataUnit{SlaveID: 0x03, Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x41, Data: []byte{0x02, 0x11, 0x22}}}
	if diff := cmp.Diff(want, adu); diff != "" {
		t.Errorf("DecodeResponse mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeResponseChecksum(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x02, 0xAA, 0xBB, 0xFF, 0xFF}
	_, n, err := DecodeResponse(frame, nil)
	if !errors.Is(err, modbus.ErrChecksumInvalid) {
		t.Fatalf("error = %v, want ErrChecksumInvalid", err)
	}
	if n != len(frame) {
		t.Errorf("n = %d, want %d", n, len(frame))
	}
}

func TestDecodeRequest(t *testing.T) {
	frame := withCRC(0x01, 0x10, 0x00, 0x01, 0x00, 0x01, 0x02, 0x12, 0x34)
	adu, n, err := DecodeRequest(frame, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(frame) || adu.Pdu.FunctionCode != 0x10 || len(adu.Pdu.Data) != 7 {
		t.Errorf("DecodeRequest = %+v, %d", adu, n)
	}
}

func TestVerify(t *testing.T) {
	req := &ApplicationDataUnit{SlaveID: 3, Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x03}}
	tests := []struct {
		name    string
		resp    *ApplicationDataUnit
		wantErr bool
	}{
		{"Match", &ApplicationDataUnit{SlaveID: 3, Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x03}}, false},
		{"Exception", &ApplicationDataUnit{SlaveID: 3, Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x83}}, false},
		{"OtherSlave", &ApplicationDataUnit{SlaveID: 4, Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x03}}, true},
		{"OtherFunction", &ApplicationDataUnit{SlaveID: 3, Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x04}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := req.Verify(tt.resp); (err != nil) != tt.wantErr {
				t.Errorf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
