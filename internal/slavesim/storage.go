// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package slavesim

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Storage provides the register image of a simulated device.
type Storage interface {
	// Load returns the model backed by this storage.
	Load() (*DataModel, error)
	// OnWrite is called after every change of the model.
	OnWrite(table TableType, address, quantity uint16)
	Close() error
}

// MemoryStorage keeps the image on the heap only.
type MemoryStorage struct{}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (ms *MemoryStorage) Load() (*DataModel, error) {
	return NewDataModel(), nil
}

func (ms *MemoryStorage) OnWrite(TableType, uint16, uint16) {}

func (ms *MemoryStorage) Close() error { return nil }

// MmapStorage maps the image from a file, so register values survive a
// restart of the simulator.
type MmapStorage struct {
	path string
	file *os.File
	data mmap.MMap
}

// NewMmapStorage creates a new MmapStorage.
func NewMmapStorage(path string) *MmapStorage {
	return &MmapStorage{path: path}
}

// Load maps the file, creating or resizing it to ImageSize.
func (ms *MmapStorage) Load() (*DataModel, error) {
	f, err := os.OpenFile(ms.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != ImageSize {
		if fi.Size() != 0 {
			slog.Warn("Resizing register image", "path", ms.path, "size", fi.Size(), "want", ImageSize)
		}
		if err := f.Truncate(ImageSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize image file: %w", err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	ms.file = f
	ms.data = data

	m := newDataModel(data)
	m.onWrite = ms.OnWrite
	return m, nil
}

// OnWrite flushes the mapping to disk.
func (ms *MmapStorage) OnWrite(table TableType, address, quantity uint16) {
	if ms.data == nil {
		return
	}
	if err := ms.data.Flush(); err != nil {
		slog.Error("Failed to flush register image", "table", table, "address", address, "err", err)
	}
}

// Close unmaps and closes the file.
func (ms *MmapStorage) Close() error {
	var err error
	if ms.data != nil {
		if e := ms.data.Unmap(); e != nil {
			err = e
		}
		ms.data = nil
	}
	if ms.file != nil {
		if e := ms.file.Close(); e != nil {
			err = e
		}
		ms.file = nil
	}
	return err
}
