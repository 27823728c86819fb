// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sensor

import (
	"testing"

	"github.com/maruel/go-cameric/cameric"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"
	"periph.io/x/periph/conn/i2c/i2ctest"
)

func TestNew(t *testing.T) {
	b := i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x3C, W: []byte{0x30, 0x0A}, R: []byte{0x56, 0x40}},
			{Addr: 0x3C, W: []byte{0x30, 0x08, 0x02}},
			{Addr: 0x3C, W: []byte{0x30, 0x08, 0x42}},
		},
	}
	p := &gpiotest.Pin{N: "PWDN"}
	d, err := New(&b, &OV5640, p)
	if err != nil {
		t.Fatal(err)
	}
	if p.L != gpio.Low {
		t.Fatal("sensor should be powered")
	}
	if s := d.String(); s != "OV5640@0x3C" {
		t.Fatal(s)
	}
	c, err := d.Config()
	if err != nil {
		t.Fatal(err)
	}
	if !c.SOC || c.Interface != cameric.Mipi {
		t.Fatalf("%#v", c)
	}
	if err := d.SetStreaming(true); err != nil {
		t.Fatal(err)
	}
	if !d.Streaming() {
		t.Fatal("expected streaming")
	}
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	if p.L != gpio.High {
		t.Fatal("sensor should be powered down")
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNew_wrongChip(t *testing.T) {
	b := i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x36, W: []byte{0x30, 0x0A}, R: []byte{0x56, 0x40}},
		},
	}
	if _, err := New(&b, &OV8825, nil); err == nil {
		t.Fatal("chip ID mismatch")
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDetect(t *testing.T) {
	b := i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x3C, W: []byte{0x30, 0x0A}, R: []byte{0x00, 0x00}},
			{Addr: 0x36, W: []byte{0x30, 0x0A}, R: []byte{0x88, 0x25}},
			{Addr: 0x36, W: []byte{0x01, 0x00, 0x01}},
		},
	}
	d, err := Detect(&b, nil)
	if err != nil {
		t.Fatal(err)
	}
	c, _ := d.Config()
	if c.Name != "OV8825" || c.SOC {
		t.Fatalf("%#v", c)
	}
	if err := d.SetStreaming(true); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}
