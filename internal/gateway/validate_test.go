// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package gateway

import (
	"testing"

	"github.com/JannikBirn/modbus-gateway/internal/config"
	"github.com/JannikBirn/modbus-gateway/modbus"
)

func TestValidate(t *testing.T) {
	bounds := config.BoundsConfig{Coils: 100, DiscreteInputs: 100, HoldingRegisters: 50, InputRegisters: 50}
	const (
		ok      = 0
		address = modbus.ExceptionCodeIllegalDataAddress
		value   = modbus.ExceptionCodeIllegalDataValue
	)
	tests := []struct {
		name string
		fc   byte
		data []byte
		want byte
	}{
		{"read coils", 0x01, []byte{0x00, 0x00, 0x00, 0x64}, ok},
		{"read coils past bound", 0x01, []byte{0x00, 0x01, 0x00, 0x64}, address},
		{"read coils zero quantity", 0x01, []byte{0x00, 0x00, 0x00, 0x00}, value},
		{"read discrete too many", 0x02, []byte{0x00, 0x00, 0x07, 0xD1}, value},
		{"read holding", 0x03, []byte{0x00, 0x0A, 0x00, 0x28}, ok},
		{"read holding past bound", 0x03, []byte{0x00, 0x0B, 0x00, 0x28}, address},
		{"read holding 126", 0x03, []byte{0x00, 0x00, 0x00, 0x7E}, value},
		{"read holding short", 0x03, []byte{0x00, 0x00, 0x00}, value},
		{"read holding long", 0x03, []byte{0x00, 0x00, 0x00, 0x01, 0x00}, value},
		{"read input", 0x04, []byte{0x00, 0x31, 0x00, 0x01}, ok},
		{"read input past bound", 0x04, []byte{0x00, 0x32, 0x00, 0x01}, address},
		{"write coil on", 0x05, []byte{0x00, 0x63, 0xFF, 0x00}, ok},
		{"write coil off", 0x05, []byte{0x00, 0x00, 0x00, 0x00}, ok},
		{"write coil bad value", 0x05, []byte{0x00, 0x00, 0x12, 0x34}, value},
		{"write coil past bound", 0x05, []byte{0x00, 0x64, 0xFF, 0x00}, address},
		{"write register", 0x06, []byte{0x00, 0x31, 0x12, 0x34}, ok},
		{"write register past bound", 0x06, []byte{0x00, 0x32, 0x12, 0x34}, address},
		{"write coils", 0x0F, []byte{0x00, 0x00, 0x00, 0x0A, 0x02, 0xFF, 0x03}, ok},
		{"write coils byte count", 0x0F, []byte{0x00, 0x00, 0x00, 0x0A, 0x01, 0xFF}, value},
		{"write coils truncated", 0x0F, []byte{0x00, 0x00, 0x00, 0x0A, 0x02, 0xFF}, value},
		{"write coils past bound", 0x0F, []byte{0x00, 0x60, 0x00, 0x0A, 0x02, 0xFF, 0x03}, address},
		{"write registers", 0x10, []byte{0x00, 0x00, 0x00, 0x02, 0x04, 0x00, 0x01, 0x00, 0x02}, ok},
		{"write registers byte count", 0x10, []byte{0x00, 0x00, 0x00, 0x02, 0x02, 0x00, 0x01}, value},
		{"write registers zero", 0x10, []byte{0x00, 0x00, 0x00, 0x00, 0x00}, value},
		{"write registers past bound", 0x10, []byte{0x00, 0x31, 0x00, 0x02, 0x04, 0x00, 0x01, 0x00, 0x02}, address},
		{"mask write", 0x16, []byte{0x00, 0x04, 0x00, 0xF2, 0x00, 0x25}, ok},
		{"mask write short", 0x16, []byte{0x00, 0x04, 0x00, 0xF2}, value},
		{"read write", 0x17, []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x10, 0x00, 0x01, 0x02, 0x12, 0x34}, ok},
		{"read write bad count", 0x17, []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x10, 0x00, 0x01, 0x04, 0x12, 0x34}, value},
		{"read write past bound", 0x17, []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x32, 0x00, 0x01, 0x02, 0x12, 0x34}, address},
		{"exception status", 0x07, nil, ok},
		{"report server id", 0x11, nil, ok},
		{"read fifo", 0x18, []byte{0x04, 0xDE}, ok},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := validate(modbus.ProtocolDataUnit{FunctionCode: tt.fc, Data: tt.data}, bounds)
			if got != tt.want {
				t.Errorf("validate(0x%02X, % X) = %d, want %d", tt.fc, tt.data, got, tt.want)
			}
		})
	}
}
