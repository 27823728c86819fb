// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package hal gives access to the CamerIC register file.
//
// Registers are 32 bits wide, little endian and 4 bytes aligned.
package hal

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Bus reads and writes registers.
type Bus interface {
	Read32(off uint32) (uint32, error)
	Write32(off, v uint32) error
}

// Window is a register window backed by memory.
type Window struct {
	mu   sync.Mutex
	mem  []byte
	f    *os.File // Set when the window is mmap'ed.
	name string
}

// NewMemory returns a register window of size bytes backed by the heap.
//
// Useful for simulation and tests.
func NewMemory(size int) *Window {
	return &Window{mem: make([]byte, size), name: "memory"}
}

// OpenMMIO maps size bytes of path at offset off.
//
// On the target, path is /dev/mem and off the physical address of the ISP.
// Any regular file at least off+size bytes long works too.
func OpenMMIO(path string, off int64, size int) (*Window, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "hal")
	}
	mem, err := unix.Mmap(int(f.Fd()), off, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "hal: mmap %s", path)
	}
	return &Window{mem: mem, f: f, name: path}, nil
}

func (w *Window) String() string {
	return w.name
}

// Len returns the size of the window in bytes.
func (w *Window) Len() int {
	return len(w.mem)
}

// Close unmaps the window. It is a no-op for heap backed windows.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := unix.Munmap(w.mem)
	if err2 := w.f.Close(); err == nil {
		err = err2
	}
	w.f = nil
	w.mem = nil
	return err
}

// Read32 implements Bus.
func (w *Window) Read32(off uint32) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.check(off); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(w.mem[off:]), nil
}

// Write32 implements Bus.
func (w *Window) Write32(off, v uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.check(off); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(w.mem[off:], v)
	return nil
}

func (w *Window) check(off uint32) error {
	if off&3 != 0 {
		return errors.Errorf("hal: unaligned register 0x%X", off)
	}
	if int(off)+4 > len(w.mem) {
		return errors.Errorf("hal: register 0x%X outside of %s", off, w.name)
	}
	return nil
}

// SetBits sets the bits of mask in register off.
func SetBits(b Bus, off, mask uint32) error {
	v, err := b.Read32(off)
	if err != nil {
		return err
	}
	return b.Write32(off, v|mask)
}

// ClearBits clears the bits of mask in register off.
func ClearBits(b Bus, off, mask uint32) error {
	v, err := b.Read32(off)
	if err != nil {
		return err
	}
	return b.Write32(off, v&^mask)
}

// TestBits returns true if all the bits of mask are set in register off.
func TestBits(b Bus, off, mask uint32) (bool, error) {
	v, err := b.Read32(off)
	if err != nil {
		return false, err
	}
	return v&mask == mask, nil
}
