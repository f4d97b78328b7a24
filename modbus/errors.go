// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
)

var (
	// ErrNeedMoreBytes is returned by streaming decoders when the buffer
	// holds only a prefix of a frame. It is not a failure.
	ErrNeedMoreBytes = errors.New("modbus: need more bytes")

	ErrChecksumInvalid = errors.New("modbus: checksum invalid")
	ErrLengthMismatch  = errors.New("modbus: length mismatch")
	ErrProtocolID      = errors.New("modbus: unsupported protocol id")
	ErrFrameTooShort   = errors.New("modbus: frame too short")
	ErrFrameTooLong    = errors.New("modbus: frame too long")
	ErrUnknownFunction = errors.New("modbus: function code has no framing rule")
)

// DecodeError describes a frame that could not be decoded.
// Kind is one of the sentinel errors above and matches with errors.Is.
type DecodeError struct {
	Kind   error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

// NewDecodeError returns a *DecodeError of the given kind.
func NewDecodeError(kind error, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
