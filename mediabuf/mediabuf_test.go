// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mediabuf

import (
	"testing"
)

type countObserver struct {
	n int
}

func (c *countObserver) BufferAdded(p *Pool) {
	c.n++
}

func TestPool(t *testing.T) {
	p, err := NewPool("main", 3, 16)
	if err != nil {
		t.Fatal(err)
	}
	if p.Len() != 3 || p.Free() != 3 {
		t.Fatalf("%d %d", p.Len(), p.Free())
	}
	o := &countObserver{}
	if err := p.Register(o); err != nil {
		t.Fatal(err)
	}
	if p.Register(o) == nil {
		t.Fatal("double registration")
	}
	var bufs []*Buffer
	for i := 0; i < 3; i++ {
		b := p.Get()
		if b == nil {
			t.Fatal("expected a buffer")
		}
		if b.Refs() != 1 || len(b.Data) != 16 || b.Pool() != p {
			t.Fatalf("unexpected buffer %d %d", b.Refs(), len(b.Data))
		}
		bufs = append(bufs, b)
	}
	if p.Get() != nil {
		t.Fatal("pool should be exhausted")
	}
	if bufs[0].ID == bufs[1].ID {
		t.Fatal("IDs must be unique")
	}

	// Shared hand-off: two owners, returned once.
	bufs[0].Lock()
	bufs[0].Unlock()
	if p.Free() != 0 || o.n != 0 {
		t.Fatalf("returned too early: %d %d", p.Free(), o.n)
	}
	bufs[0].Unlock()
	if p.Free() != 1 || o.n != 1 {
		t.Fatalf("%d %d", p.Free(), o.n)
	}
	// Double release is ignored.
	bufs[0].Unlock()
	if p.Free() != 1 || o.n != 1 {
		t.Fatalf("%d %d", p.Free(), o.n)
	}

	p.Reset()
	if p.Free() != 3 {
		t.Fatal(p.Free())
	}
	// Stale release after reset is ignored.
	bufs[1].Unlock()
	if p.Free() != 3 || o.n != 1 {
		t.Fatalf("%d %d", p.Free(), o.n)
	}
	if err := p.Deregister(o); err != nil {
		t.Fatal(err)
	}
	if p.Deregister(o) == nil {
		t.Fatal("expected failure")
	}
}

func TestResetKeep(t *testing.T) {
	p, err := NewPool("main", 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	held := p.Get()
	other := p.Get()
	p.Reset(held)
	if p.Free() != 2 || held.Refs() != 1 || other.Refs() != 0 {
		t.Fatalf("%d %d %d", p.Free(), held.Refs(), other.Refs())
	}
	// Both free buffers are distinct from the one still held.
	a, b := p.Get(), p.Get()
	if a == held || b == held || p.Get() != nil {
		t.Fatal("held buffer was handed out again")
	}
	held.Unlock()
	if p.Free() != 1 {
		t.Fatal(p.Free())
	}
	if c := p.Get(); c != held {
		t.Fatal("expected the held buffer back")
	}
	// A kept buffer that was already returned is reclaimed normally.
	held.Unlock()
	p.Reset(held)
	if p.Free() != 3 {
		t.Fatal(p.Free())
	}
}

func TestPoolInvalid(t *testing.T) {
	if _, err := NewPool("x", 0, 1); err == nil {
		t.Fatal("expected failure")
	}
	if _, err := NewPool("x", 1, 0); err == nil {
		t.Fatal("expected failure")
	}
}

func TestLockFree(t *testing.T) {
	p, err := NewPool("self", 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	b := p.Get()
	b.Unlock()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	b.Lock()
}

func TestImage(t *testing.T) {
	p, err := NewPool("main", 1, 2*4*2)
	if err != nil {
		t.Fatal(err)
	}
	b := p.Get()
	defer b.Unlock()
	b.Meta = Meta{Format: FormatRaw16, Width: 4, Height: 2}
	for i := 0; i < 8; i++ {
		v := uint16(100 + i*10)
		b.Data[2*i] = byte(v)
		b.Data[2*i+1] = byte(v >> 8)
	}
	img, err := b.Image()
	if err != nil {
		t.Fatal(err)
	}
	if img.GrayAt(0, 0).Y != 0 || img.GrayAt(3, 1).Y != 255 {
		t.Fatalf("%d %d", img.GrayAt(0, 0).Y, img.GrayAt(3, 1).Y)
	}

	b.Meta = Meta{Format: FormatRaw8, Width: 4, Height: 2}
	img, err = b.Image()
	if err != nil {
		t.Fatal(err)
	}
	if img.GrayAt(1, 0).Y != b.Data[1] {
		t.Fatal(img.GrayAt(1, 0).Y)
	}

	b.Meta = Meta{Format: FormatJPEG, Width: 4, Height: 2}
	if _, err := b.Image(); err == nil {
		t.Fatal("expected failure")
	}
	b.Meta = Meta{Format: FormatRaw8, Width: 40, Height: 2}
	if _, err := b.Image(); err == nil {
		t.Fatal("expected failure")
	}
}
