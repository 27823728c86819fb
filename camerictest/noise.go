// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package camerictest

import (
	"encoding/binary"
	"math/rand"

	"github.com/maruel/go-cameric/cameric"
	"github.com/maruel/go-cameric/mediabuf"
)

type blob struct {
	intensity float64
	x         float64
	y         float64
}

// noise is a few drifting blobs over a flat background, enough to look at.
type noise struct {
	rand  *rand.Rand
	blobs []blob
}

func makeNoise(seed int64) *noise {
	n := &noise{rand: rand.New(rand.NewSource(seed)), blobs: make([]blob, 10)}
	for i := range n.blobs {
		n.blobs[i].intensity = n.rand.NormFloat64() * 400
		n.blobs[i].x = n.rand.Float64()
		n.blobs[i].y = n.rand.Float64()
	}
	return n
}

func (n *noise) update() {
	for i := range n.blobs {
		n.blobs[i].intensity += n.rand.NormFloat64() * 4
		n.blobs[i].x += n.rand.NormFloat64() * 0.002
		n.blobs[i].y += n.rand.NormFloat64() * 0.002
	}
}

func (n *noise) at(fx, fy float64) float64 {
	v := 128.
	for _, b := range n.blobs {
		d := (b.x-fx)*(b.x-fx)*10000 + (b.y-fy)*(b.y-fy)*10000 + 1
		v += b.intensity / d
	}
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

// fill renders a frame in b according to the path configuration. Only the
// luma plane is rendered for YCbCr; chroma is left as is.
func (n *noise) fill(b *mediabuf.Buffer, c cameric.PathConfig) {
	n.update()
	w, h := c.Width, c.Height
	if w <= 0 || h <= 0 {
		w, h = 64, 48
	}
	f := mediabuf.FormatRaw8
	bpp := 1
	switch c.Mode {
	case cameric.DataRAW12:
		f, bpp = mediabuf.FormatRaw16, 2
	case cameric.DataYUV422:
		f, bpp = mediabuf.FormatYCbCr422, 2
	case cameric.DataYUV420:
		f = mediabuf.FormatYCbCr420
	case cameric.DataJPEG:
		// Not a real JPEG stream; only the size matters to the consumers.
		b.Meta = mediabuf.Meta{Format: mediabuf.FormatJPEG, Width: w, Height: h}
		return
	}
	for h > 1 && w*bpp*h > len(b.Data) {
		w, h = w/2, h/2
	}
	b.Meta = mediabuf.Meta{Format: f, Width: w, Height: h, Stride: w * bpp}
	for y := 0; y < h; y++ {
		fy := float64(y) / float64(h)
		for x := 0; x < w; x++ {
			v := n.at(float64(x)/float64(w), fy)
			i := y*w*bpp + x*bpp
			if i+bpp > len(b.Data) {
				return
			}
			if f == mediabuf.FormatRaw16 {
				binary.LittleEndian.PutUint16(b.Data[i:], uint16(v*16))
			} else {
				b.Data[i] = uint8(v)
			}
		}
	}
}
