// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"testing"

	"periph.io/x/periph/conn/i2c/i2ctest"
	"periph.io/x/periph/conn/physic"
)

type speedBus struct {
	i2ctest.Playback
	speeds []physic.Frequency
}

func (s *speedBus) SetSpeed(f physic.Frequency) error {
	s.speeds = append(s.speeds, f)
	return nil
}

func TestParseArgs(t *testing.T) {
	o, err := parseArgs([]string{"-i2c", "1", "-hz", "400kHz", "-halt"})
	if err != nil {
		t.Fatal(err)
	}
	if o.i2cName != "1" || o.i2cHz != 400*physic.KiloHertz || !o.halt {
		t.Fatalf("%+v", o)
	}
	if _, err := parseArgs([]string{"-hz", "fast"}); err == nil {
		t.Fatal("expected failure")
	}
	if _, err := parseArgs([]string{"extra"}); err == nil {
		t.Fatal("expected failure")
	}
}

func TestSetSpeed(t *testing.T) {
	b := &speedBus{}
	if err := setSpeed(b, 0); err != nil {
		t.Fatal(err)
	}
	if err := setSpeed(b, 100*physic.KiloHertz); err != nil {
		t.Fatal(err)
	}
	if len(b.speeds) != 1 || b.speeds[0] != 100*physic.KiloHertz {
		t.Fatal(b.speeds)
	}
}
