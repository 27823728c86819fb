// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mediabuf

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/google/uuid"
)

// Format is the pixel layout stored in a Buffer.
type Format uint8

// Valid values for Format.
const (
	FormatUnknown  Format = 0
	FormatRaw8     Format = 1 // One byte per pixel.
	FormatRaw16    Format = 2 // Little endian, 10 to 14 significant bits.
	FormatYCbCr422 Format = 3 // Interleaved YCbYCr.
	FormatYCbCr420 Format = 4 // Y plane followed by interleaved CbCr plane.
	FormatRGB888   Format = 5
	FormatJPEG     Format = 6
)

func (f Format) String() string {
	switch f {
	case FormatRaw8:
		return "Raw8"
	case FormatRaw16:
		return "Raw16"
	case FormatYCbCr422:
		return "YCbCr422"
	case FormatYCbCr420:
		return "YCbCr420"
	case FormatRGB888:
		return "RGB888"
	case FormatJPEG:
		return "JPEG"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// Meta describes the picture stored in a Buffer.
type Meta struct {
	Format    Format
	Width     int
	Height    int
	Stride    int       // Bytes per line of the first plane.
	Timestamp time.Time // Set when the hardware reports the buffer full.
}

// Buffer is a frame buffer checked out of a Pool.
//
// A Buffer has exactly one owner from Pool.Get() until Unlock(). Lock() adds
// an owner when the same buffer is handed to several consumers; the last
// Unlock() returns it to its pool.
type Buffer struct {
	ID   uuid.UUID
	Data []byte
	Meta Meta

	pool *Pool
	gen  uint64 // Pool generation at checkout.
	refs int    // Protected by pool.mu.
}

// Pool returns the pool owning this buffer.
func (b *Buffer) Pool() *Pool {
	return b.pool
}

// Lock adds a reference for an additional consumer.
//
// It panics if the buffer is not checked out.
func (b *Buffer) Lock() {
	p := b.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.refs == 0 || b.gen != p.gen {
		panic(fmt.Sprintf("mediabuf: Lock on free buffer %s", b.ID))
	}
	b.refs++
}

// Unlock drops a reference. The last reference returns the buffer to its
// pool.
//
// Unlocking a buffer that is already back in its pool, or that was reclaimed
// by Pool.Reset(), is a no-op.
func (b *Buffer) Unlock() {
	b.pool.put(b)
}

// Refs returns the number of owners.
func (b *Buffer) Refs() int {
	b.pool.mu.Lock()
	defer b.pool.mu.Unlock()
	if b.gen != b.pool.gen {
		return 0
	}
	return b.refs
}

// Image returns a grayscale view of the luma or raw plane.
//
// Raw16 content is scaled down to 8 bits using the observed minimum and
// maximum, which is good enough for a preview.
func (b *Buffer) Image() (*image.Gray, error) {
	m := b.Meta
	if m.Width <= 0 || m.Height <= 0 {
		return nil, fmt.Errorf("mediabuf: invalid size %dx%d", m.Width, m.Height)
	}
	dst := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	switch m.Format {
	case FormatRaw8, FormatYCbCr420:
		stride := m.Stride
		if stride == 0 {
			stride = m.Width
		}
		if len(b.Data) < stride*m.Height {
			return nil, fmt.Errorf("mediabuf: buffer too short: %d", len(b.Data))
		}
		for y := 0; y < m.Height; y++ {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+m.Width], b.Data[y*stride:])
		}
	case FormatYCbCr422:
		stride := m.Stride
		if stride == 0 {
			stride = 2 * m.Width
		}
		if len(b.Data) < stride*m.Height {
			return nil, fmt.Errorf("mediabuf: buffer too short: %d", len(b.Data))
		}
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				dst.Pix[y*dst.Stride+x] = b.Data[y*stride+2*x]
			}
		}
	case FormatRaw16:
		stride := m.Stride
		if stride == 0 {
			stride = 2 * m.Width
		}
		if len(b.Data) < stride*m.Height {
			return nil, fmt.Errorf("mediabuf: buffer too short: %d", len(b.Data))
		}
		agc(dst, b.Data, stride)
	default:
		return nil, fmt.Errorf("mediabuf: no preview for %s", m.Format)
	}
	return dst, nil
}

// agc reduces the dynamic range of 16 bits samples down to 8 bits very
// naively without gamma.
func agc(dst *image.Gray, src []byte, stride int) {
	b := dst.Bounds()
	at := func(x, y int) uint16 {
		i := y*stride + 2*x
		return uint16(src[i]) | uint16(src[i+1])<<8
	}
	floor := uint16(0xffff)
	ceil := uint16(0)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := at(x, y)
			if v > ceil {
				ceil = v
			}
			if v < floor {
				floor = v
			}
		}
	}
	delta := int(ceil - floor)
	if delta == 0 {
		delta = 1
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.SetGray(x, y, color.Gray{uint8(int(at(x, y)-floor) * 255 / delta)})
		}
	}
}
