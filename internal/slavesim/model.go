// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package slavesim

import (
	"encoding/binary"
	"errors"
	"sync"
)

const (
	MaxAddress = 65535

	tableSize = MaxAddress + 1

	// The image keeps bits one per byte and registers big-endian, so an
	// image file reads the same on every host.
	sizeCoils    = tableSize
	sizeDiscrete = tableSize
	sizeHolding  = tableSize * 2
	sizeInput    = tableSize * 2
	ImageSize    = sizeCoils + sizeDiscrete + sizeHolding + sizeInput

	offsetCoils    = 0
	offsetDiscrete = offsetCoils + sizeCoils
	offsetHolding  = offsetDiscrete + sizeDiscrete
	offsetInput    = offsetHolding + sizeHolding
)

var ErrAddressRange = errors.New("slavesim: address range out of bounds")

// TableType represents the type of Modbus data table.
type TableType int

const (
	TableCoils TableType = iota
	TableDiscreteInputs
	TableHoldingRegisters
	TableInputRegisters
)

func (t TableType) String() string {
	switch t {
	case TableCoils:
		return "coils"
	case TableDiscreteInputs:
		return "discrete_inputs"
	case TableHoldingRegisters:
		return "holding_registers"
	default:
		return "input_registers"
	}
}

// DataModel holds the four register tables of a simulated device in one
// flat image. The image may be plain memory or a mapped file.
type DataModel struct {
	mu sync.RWMutex

	coils    []byte
	discrete []byte
	holding  []byte
	input    []byte

	onWrite func(table TableType, address, quantity uint16)
}

// NewDataModel creates a zeroed model in memory.
func NewDataModel() *DataModel {
	return newDataModel(make([]byte, ImageSize))
}

func newDataModel(image []byte) *DataModel {
	return &DataModel{
		coils:    image[offsetCoils : offsetCoils+sizeCoils],
		discrete: image[offsetDiscrete : offsetDiscrete+sizeDiscrete],
		holding:  image[offsetHolding : offsetHolding+sizeHolding],
		input:    image[offsetInput : offsetInput+sizeInput],
	}
}

func (m *DataModel) written(table TableType, address, quantity uint16) {
	if m.onWrite != nil {
		m.onWrite(table, address, quantity)
	}
}

func validateRange(address, quantity uint16) error {
	if quantity == 0 || int(address)+int(quantity) > tableSize {
		return ErrAddressRange
	}
	return nil
}

func readBits(table []byte, address, quantity uint16) []byte {
	result := make([]byte, (int(quantity)+7)/8)
	for i := 0; i < int(quantity); i++ {
		if table[int(address)+i] != 0 {
			result[i/8] |= 1 << uint(i%8)
		}
	}
	return result
}

func writeBits(table []byte, address, quantity uint16, packed []byte) {
	for i := 0; i < int(quantity); i++ {
		table[int(address)+i] = (packed[i/8] >> uint(i%8)) & 1
	}
}

// ReadCoils returns quantity coils packed LSB first.
func (m *DataModel) ReadCoils(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	return readBits(m.coils, address, quantity), nil
}

// ReadDiscreteInputs returns quantity inputs packed LSB first.
func (m *DataModel) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	return readBits(m.discrete, address, quantity), nil
}

// WriteCoils sets quantity coils from packed bits.
func (m *DataModel) WriteCoils(address, quantity uint16, packed []byte) error {
	if err := validateRange(address, quantity); err != nil {
		return err
	}
	if len(packed) < (int(quantity)+7)/8 {
		return errors.New("slavesim: insufficient data length")
	}
	m.mu.Lock()
	writeBits(m.coils, address, quantity, packed)
	m.mu.Unlock()
	m.written(TableCoils, address, quantity)
	return nil
}

// SetDiscreteInputs changes inputs the way the device's own process would.
func (m *DataModel) SetDiscreteInputs(address uint16, values ...bool) error {
	if err := validateRange(address, uint16(len(values))); err != nil {
		return err
	}
	m.mu.Lock()
	for i, v := range values {
		var b byte
		if v {
			b = 1
		}
		m.discrete[int(address)+i] = b
	}
	m.mu.Unlock()
	m.written(TableDiscreteInputs, address, uint16(len(values)))
	return nil
}

// ReadHoldingRegisters returns quantity registers as big-endian bytes.
func (m *DataModel) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	return append([]byte{}, m.holding[2*int(address):2*(int(address)+int(quantity))]...), nil
}

// ReadInputRegisters returns quantity registers as big-endian bytes.
func (m *DataModel) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	return append([]byte{}, m.input[2*int(address):2*(int(address)+int(quantity))]...), nil
}

// WriteHoldingRegisters stores big-endian register values.
func (m *DataModel) WriteHoldingRegisters(address, quantity uint16, data []byte) error {
	if err := validateRange(address, quantity); err != nil {
		return err
	}
	if len(data) < 2*int(quantity) {
		return errors.New("slavesim: insufficient data length")
	}
	m.mu.Lock()
	copy(m.holding[2*int(address):], data[:2*int(quantity)])
	m.mu.Unlock()
	m.written(TableHoldingRegisters, address, quantity)
	return nil
}

// MaskWriteRegister applies (value AND and) OR (or AND NOT and).
func (m *DataModel) MaskWriteRegister(address, and, or uint16) error {
	if err := validateRange(address, 1); err != nil {
		return err
	}
	m.mu.Lock()
	reg := m.holding[2*int(address):]
	v := binary.BigEndian.Uint16(reg)
	binary.BigEndian.PutUint16(reg, (v&and)|(or&^and))
	m.mu.Unlock()
	m.written(TableHoldingRegisters, address, 1)
	return nil
}

// SetInputRegisters changes input registers the way the device's own process would.
func (m *DataModel) SetInputRegisters(address uint16, values ...uint16) error {
	if err := validateRange(address, uint16(len(values))); err != nil {
		return err
	}
	m.mu.Lock()
	for i, v := range values {
		binary.BigEndian.PutUint16(m.input[2*(int(address)+i):], v)
	}
	m.mu.Unlock()
	m.written(TableInputRegisters, address, uint16(len(values)))
	return nil
}
