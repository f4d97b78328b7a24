// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package crc

import (
	"testing"
)

func TestCRC(t *testing.T) {
	var crc CRC
	crc.Reset()
	crc.PushBytes([]byte{0x02, 0x07})

	if crc.Value() != 0x1241 {
		t.Fatalf("crc expected %v, actual %v", 0x1241, crc.Value())
	}
}

func TestChecksumIncremental(t *testing.T) {
	// Read holding registers, slave 1, address 0, quantity 1: CRC 84 0A on the wire.
	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	if got := Checksum(frame); got != 0x0A84 {
		t.Fatalf("checksum = %04X, want 0A84", got)
	}

	var c CRC
	c.Reset().PushBytes(frame[:2]).PushBytes(frame[2:])
	if c.Value() != Checksum(frame) {
		t.Fatalf("incremental %04X != one-shot %04X", c.Value(), Checksum(frame))
	}
}
