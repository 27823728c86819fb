// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package camerictest

import (
	"testing"
	"time"

	"github.com/maruel/go-cameric/cameric"
)

type commands chan cameric.DriverCommand

func (c commands) CommandDone(_ cameric.Chain, cmd cameric.DriverCommand, err error) {
	c <- cmd
}

func TestRecorder(t *testing.T) {
	r := Recorder{}
	r.FailOn("a", 2, cameric.Busy)
	if err := r.Call("a"); err != nil {
		t.Fatal(err)
	}
	if err := r.Call("a"); err != cameric.Busy {
		t.Fatal(err)
	}
	if err := r.Call("b"); err != nil {
		t.Fatal(err)
	}
	if r.Count("a") != 2 || len(r.Calls()) != 3 {
		t.Fatal(r.Calls())
	}
	r.Reset()
	if r.Count("a") != 0 || len(r.Calls()) != 0 {
		t.Fatal(r.Calls())
	}
	// The failure is kept and counts restart.
	r.Call("a")
	if err := r.Call("a"); err != cameric.Busy {
		t.Fatal(err)
	}
}

func TestHardware(t *testing.T) {
	h := New(nil)
	if _, err := h.OpenDriver(2); err != cameric.OutOfRange {
		t.Fatal(err)
	}
	d, err := h.OpenDriver(cameric.Slave)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.OpenDriver(cameric.Slave); err != cameric.Busy {
		t.Fatal(err)
	}
	if err := d.Module(cameric.Awb).Enable(); err != nil {
		t.Fatal(err)
	}
	if v := h.Enabled(cameric.Slave); v != 1<<uint(cameric.Awb) {
		t.Fatal(v)
	}
	if v := h.Enabled(cameric.Master); v != 0 {
		t.Fatal(v)
	}
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	if !h.Driver(cameric.Slave).Running() {
		t.Fatal("not running")
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if h.Driver(cameric.Slave) != nil {
		t.Fatal("not released")
	}
}

func TestCapture(t *testing.T) {
	h := New(nil)
	drv, err := h.OpenDriver(cameric.Master)
	if err != nil {
		t.Fatal(err)
	}
	d := h.Driver(cameric.Master)
	if d.Frame() {
		t.Fatal("captured while idle")
	}
	c := make(commands, 2)
	if err := drv.CaptureFrames(2, c); err != nil {
		t.Fatal(err)
	}
	if err := drv.CaptureFrames(1, c); err != cameric.Busy {
		t.Fatal(err)
	}
	d.Frame()
	if !d.Capturing() {
		t.Fatal("stopped early")
	}
	d.Frame()
	if cmd := <-c; cmd != cameric.CmdCaptureFrames {
		t.Fatal(cmd)
	}
	if d.Capturing() {
		t.Fatal("still capturing")
	}

	if err := drv.CaptureFrames(0, c); err != nil {
		t.Fatal(err)
	}
	d.HoldStop(true)
	if err := drv.StopInput(c); err != nil {
		t.Fatal(err)
	}
	if !d.Capturing() {
		t.Fatal("stopped while held")
	}
	if !d.CompleteStop(nil) {
		t.Fatal("nothing pending")
	}
	if cmd := <-c; cmd != cameric.CmdStopInput {
		t.Fatal(cmd)
	}
	if d.Capturing() || d.CompleteStop(nil) {
		t.Fatal("stop")
	}
}

func TestClock(t *testing.T) {
	h := New(nil)
	drv, err := h.OpenDriver(cameric.Master)
	if err != nil {
		t.Fatal(err)
	}
	c := make(commands, 1)
	if err := drv.CaptureFrames(3, c); err != nil {
		t.Fatal(err)
	}
	clock := StartClock(h, time.Millisecond)
	defer clock.Close()
	select {
	case cmd := <-c:
		if cmd != cameric.CmdCaptureFrames {
			t.Fatal(cmd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	if v, _ := h.Bus.Read32(RegFrameCount); v != 3 {
		t.Fatal(v)
	}
	if err := clock.Close(); err != nil {
		t.Fatal(err)
	}
}
