// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package camengine

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/maruel/go-cameric/cameric"
	"github.com/maruel/go-cameric/camerictest"
)

func TestStopStreaming_timeout(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := newHarness(t, Config{StopTimeout: 20 * time.Millisecond, Logger: zap.New(core)})
	defer h.close(t)
	d := streaming(t, h)
	d.HoldStop(true)
	if err := h.e.StopStreaming(); err != nil {
		t.Fatal(err)
	}
	// The input never reports; the watchdog completes the command.
	h.expect(t, CmdStopStreaming, nil)
	if s := h.e.State(); s != Running {
		t.Fatal(s)
	}
	if d.Running() {
		t.Fatal("still running")
	}
	// The late report has no effect.
	if !d.CompleteStop(nil) {
		t.Fatal("no stop pending")
	}
	if err := h.e.Stop(); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStop, nil)
	if n := processed(logs, CmdHwStreamingFinished); n != 1 {
		t.Fatal(n)
	}
	if logs.FilterMessage("input stop timed out").Len() != 1 {
		t.Fatal("watchdog did not fire")
	}
}

func TestStopStreaming_beforeTimeout(t *testing.T) {
	const timeout = 100 * time.Millisecond
	core, logs := observer.New(zap.DebugLevel)
	h := newHarness(t, Config{StopTimeout: timeout, Logger: zap.New(core)})
	defer h.close(t)
	d := streaming(t, h)
	d.HoldStop(true)
	if err := h.e.StopStreaming(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return h.hw.Count("0/StopInput") == 1 })
	d.CompleteStop(nil)
	h.expect(t, CmdStopStreaming, nil)
	// Whichever came first, the command completed once and only one
	// HW_STREAMING_FINISHED went through.
	time.Sleep(3 * timeout)
	if err := h.e.Stop(); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStop, nil)
	h.none(t)
	if n := processed(logs, CmdHwStreamingFinished); n != 1 {
		t.Fatal(n)
	}
}

func TestStartStreaming_frames(t *testing.T) {
	algos := camerictest.NewAlgorithms(nil, 0, 0, 0)
	h := newHarness(t, Config{Algorithms: func() (cameric.Algorithms, error) { return algos, nil }})
	defer h.close(t)
	if err := h.e.SendCommand(Command{ID: CmdStart}); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStart, nil)
	if err := h.e.StartStreaming(-1); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStartStreaming, cameric.InvalidParm)
	if err := h.e.StartStreaming(2); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStartStreaming, nil)
	d := h.hw.Driver(cameric.Master)
	d.Frame()
	d.Frame()
	if d.Capturing() {
		t.Fatal("still capturing")
	}
	// The capture ended on its own; the engine keeps streaming until told.
	if d.Frame() {
		t.Fatal("frame captured")
	}
	if s := h.e.State(); s != Streaming {
		t.Fatal(s)
	}
	if err := h.e.StopStreaming(); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStopStreaming, nil)
}

func TestStartStreaming_unwind(t *testing.T) {
	algos := camerictest.NewAlgorithms(nil, 0, 0, 0)
	h := newHarness(t, Config{Algorithms: func() (cameric.Algorithms, error) { return algos, nil }})
	defer h.close(t)
	if err := h.e.SendCommand(Command{ID: CmdStart}); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStart, nil)
	h.hw.FailOn("0/CaptureFrames", 1, cameric.Busy)
	if err := h.e.StartStreaming(0); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStartStreaming, cameric.Busy)
	if s := h.e.State(); s != Running {
		t.Fatal(s)
	}
	d := h.hw.Driver(cameric.Master)
	if d.Running() {
		t.Fatal("ISP left running")
	}
	for _, a := range algos.List() {
		if a.(*camerictest.Algo).Running() {
			t.Fatal(a)
		}
	}
	if err := h.e.StartStreaming(0); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStartStreaming, nil)
}

func TestStopStreaming_twoChains(t *testing.T) {
	h := newHarness(t, Config{Is3D: true, StopTimeout: time.Minute})
	defer h.close(t)
	d0, d1 := streaming3D(t, h)
	d1.HoldStop(true)
	if err := h.e.StopStreaming(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return !d0.Capturing() && h.hw.Count("1/StopInput") == 1 })
	// The first input is done but the second one is still capturing.
	time.Sleep(10 * time.Millisecond)
	h.none(t)
	if !d1.Capturing() {
		t.Fatal("second input stopped")
	}
	if !d1.CompleteStop(nil) {
		t.Fatal("no stop pending")
	}
	h.expect(t, CmdStopStreaming, nil)
	if s := h.e.State(); s != Running {
		t.Fatal(s)
	}
	if d0.Running() || d1.Running() {
		t.Fatal("still running")
	}
}

func TestStopStreaming_inputFailed(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := newHarness(t, Config{Is3D: true, StopTimeout: 20 * time.Millisecond, Logger: zap.New(core)})
	defer h.close(t)
	d0, d1 := streaming3D(t, h)

	// Every input refused: nothing was stopped.
	h.hw.FailOn("0/StopInput", 1, cameric.Busy)
	h.hw.FailOn("1/StopInput", 1, cameric.Busy)
	if err := h.e.StopStreaming(); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStopStreaming, cameric.Busy)
	if s := h.e.State(); s != Streaming {
		t.Fatal(s)
	}
	if !d0.Capturing() || !d1.Capturing() {
		t.Fatal("input stopped")
	}

	// Only the second input refused: the first one is not left alone.
	h.hw.FailOn("1/StopInput", 2, cameric.Busy)
	if err := h.e.StopStreaming(); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStopStreaming, nil)
	if s := h.e.State(); s != Running {
		t.Fatal(s)
	}
	if d0.Running() || d1.Running() {
		t.Fatal("still running")
	}
	if logs.FilterMessage("stop input").Len() != 3 {
		t.Fatal(logs.FilterMessage("stop input").Len())
	}
}

func streaming3D(t *testing.T, h *harness) (*camerictest.Driver, *camerictest.Driver) {
	t.Helper()
	if err := h.e.Start(sensorConfig(cameric.ModeSensor3D, cameric.DataYUV422)); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStart, nil)
	if err := h.e.StartStreaming(0); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStartStreaming, nil)
	d0, d1 := h.hw.Driver(cameric.Master), h.hw.Driver(cameric.Slave)
	if !d0.Capturing() || !d1.Capturing() {
		t.Fatal("not capturing")
	}
	return d0, d1
}

// processed returns how many times the worker took id.
func processed(logs *observer.ObservedLogs, id CommandID) int {
	n := 0
	for _, l := range logs.FilterMessage("command").All() {
		if l.ContextMap()["cmd"] == id.String() {
			n++
		}
	}
	return n
}
