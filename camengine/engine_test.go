// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package camengine

import (
	"image"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/maruel/go-cameric/cameric"
	"github.com/maruel/go-cameric/camerictest"
	"github.com/maruel/go-cameric/mediabuf"
	"github.com/maruel/go-cameric/watchdog"
)

func TestNew(t *testing.T) {
	if _, err := New(nil); cameric.ResultOf(err) != cameric.NullPointer {
		t.Fatal(err)
	}
	if _, err := New(&Config{MaxCommands: 1}); cameric.ResultOf(err) != cameric.WrongHandle {
		t.Fatal(err)
	}
	hw := camerictest.New(nil)
	reg := watchdog.New()
	if _, err := New(&Config{Hardware: hw, Watchdog: reg, Index: 2, MaxCommands: 1}); cameric.ResultOf(err) != cameric.OutOfRange {
		t.Fatal(err)
	}
	// The second chain fails to open: the first one is closed and the
	// watchdog slot is released.
	hw.FailOn("1/OpenDriver", 1, cameric.Busy)
	if _, err := New(&Config{Hardware: hw, Watchdog: reg, Is3D: true, MaxCommands: 1}); cameric.ResultOf(err) != cameric.Busy {
		t.Fatal(err)
	}
	if hw.Count("0/Close") != 1 || hw.Driver(cameric.Master) != nil {
		t.Fatal("chain 0 not closed")
	}
	e, err := New(&Config{Hardware: hw, Watchdog: reg, MaxCommands: 1})
	if err != nil {
		t.Fatal(err)
	}
	if s := e.State(); s != Initialized {
		t.Fatal(s)
	}
	// The slot is taken.
	if _, err := New(&Config{Hardware: camerictest.New(nil), Watchdog: reg, MaxCommands: 1}); cameric.ResultOf(err) != cameric.Busy {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if s := e.State(); s != Invalid {
		t.Fatal(s)
	}
}

func TestSendCommand(t *testing.T) {
	h := newHarness(t, Config{})
	defer h.close(t)
	for _, id := range []CommandID{0, CmdAAALocked, CmdHwStreamingFinished, CmdHwDmaFinished, 42} {
		if err := h.e.SendCommand(Command{ID: id}); cameric.ResultOf(err) != cameric.InvalidParm {
			t.Fatal(id, err)
		}
	}
	// Refused in the wrong state, but still completed.
	if err := h.e.SendCommand(Command{ID: CmdStopStreaming}); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStopStreaming, cameric.WrongState)
	if h.e.Session() != uuid.Nil {
		t.Fatal("session before START")
	}
	if err := h.e.SendCommand(Command{ID: CmdStart}); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStart, nil)
	if s := h.e.State(); s != Running {
		t.Fatal(s)
	}
	first := h.e.Session()
	if first == uuid.Nil {
		t.Fatal("no session")
	}
	if err := h.e.SendCommand(Command{ID: CmdStart}); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStart, cameric.WrongState)
	if err := h.e.Stop(); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStop, nil)
	if s := h.e.State(); s != Initialized {
		t.Fatal(s)
	}
	if err := h.e.SendCommand(Command{ID: CmdStart}); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStart, nil)
	if h.e.Session() == first {
		t.Fatal("session reused")
	}
}

func TestWrappers_wrongState(t *testing.T) {
	h := newHarness(t, Config{})
	defer h.close(t)
	if err := h.e.Stop(); cameric.ResultOf(err) != cameric.WrongState {
		t.Fatal(err)
	}
	if err := h.e.StartStreaming(0); cameric.ResultOf(err) != cameric.WrongState {
		t.Fatal(err)
	}
	if err := h.e.StopStreaming(); cameric.ResultOf(err) != cameric.WrongState {
		t.Fatal(err)
	}
	if err := h.e.SearchAndLock(cameric.LockAEC); cameric.ResultOf(err) != cameric.WrongState {
		t.Fatal(err)
	}
	if err := h.e.Unlock(cameric.LockAEC); cameric.ResultOf(err) != cameric.WrongState {
		t.Fatal(err)
	}
	if err := h.e.Start(nil); cameric.ResultOf(err) != cameric.NullPointer {
		t.Fatal(err)
	}
	h.none(t)
}

func TestScenario_sensor2D(t *testing.T) {
	algos := camerictest.NewAlgorithms(nil, 0, 0, 0)
	h := newHarness(t, Config{Algorithms: func() (cameric.Algorithms, error) { return algos, nil }})
	type frame struct {
		meta mediabuf.Meta
		pool *mediabuf.Pool
	}
	got := make(chan frame, 16)
	if err := h.e.RegisterBufferCb(func(p cameric.Path, b *mediabuf.Buffer) {
		got <- frame{b.Meta, b.Pool()}
		b.Unlock()
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.e.Start(sensorConfig(cameric.ModeSensor2D, cameric.DataYUV422)); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStart, nil)
	if s := h.e.State(); s != Running {
		t.Fatal(s)
	}
	// Every block but CAC and JPE is enabled.
	if v := h.hw.Enabled(cameric.Master); v != 0x1BF {
		t.Fatalf("0x%X", v)
	}
	d := h.hw.Driver(cameric.Master)
	if acq, _, _ := d.FakeIsp().Resolution(); acq != image.Rect(0, 0, 64, 48) {
		t.Fatal(acq)
	}

	if err := h.e.StartStreaming(0); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStartStreaming, nil)
	if s := h.e.State(); s != Streaming {
		t.Fatal(s)
	}
	if !d.Running() || !d.Capturing() {
		t.Fatal("not streaming")
	}
	var pool *mediabuf.Pool
	for i := 0; i < 6; i++ {
		if !d.Frame() {
			t.Fatal(i)
		}
		select {
		case f := <-got:
			if f.meta.Width != 64 || f.meta.Format != mediabuf.FormatYCbCr422 {
				t.Fatal(f.meta)
			}
			pool = f.pool
		case <-time.After(5 * time.Second):
			t.Fatal("no frame")
		}
	}
	// Each measurement is handed every Nth frame to its algorithm.
	for _, c := range []struct {
		a    cameric.Algorithm
		want int
	}{{algos.Aec, 3 + 2}, {algos.Awb, 2}, {algos.Af, 6}, {algos.Avs, 6 - vsmSettle}} {
		if n := c.a.(*camerictest.Algo).Frames(); n != c.want {
			t.Fatal(c.a, n, c.want)
		}
	}

	if err := h.e.StopStreaming(); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStopStreaming, nil)
	if s := h.e.State(); s != Running {
		t.Fatal(s)
	}
	if d.Running() || algos.Aec.(*camerictest.Algo).Running() {
		t.Fatal("still running")
	}
	if err := h.e.Stop(); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStop, nil)
	if s := h.e.State(); s != Initialized {
		t.Fatal(s)
	}
	if v := h.hw.Enabled(cameric.Master); v != 0 {
		t.Fatalf("0x%X", v)
	}
	if n := h.hw.Count("0/Mi.DeregisterRequestCb"); n != 1 {
		t.Fatal(n)
	}
	if pool.Free() != pool.Len() {
		t.Fatal("leaked buffers", pool.Free(), pool.Len())
	}
	h.close(t)
	h.none(t)
	if h.hw.Driver(cameric.Master) != nil {
		t.Fatal("driver not closed")
	}
}

func TestScenario_image(t *testing.T) {
	h := newHarness(t, Config{})
	defer h.close(t)
	in, err := mediabuf.NewPool("in", 1, 64*48)
	if err != nil {
		t.Fatal(err)
	}
	b := in.Get()
	b.Meta = mediabuf.Meta{Format: mediabuf.FormatRaw8, Width: 64, Height: 48, Stride: 64}
	wb := cameric.UnityWbGains
	bl := cameric.BlackLevel{A: 16, B: 16, C: 16, D: 16}
	sc := &StartConfig{
		Mode:  cameric.ModeImageProcessing,
		Image: ImageConfig{Buffer: b, WbGains: &wb, CcMatrix: &cameric.IdentityCrossTalk.Matrix, BlackLevel: &bl},
	}
	sc.Master[cameric.MainPath].Mode = cameric.DataYUV422

	// The color offset is missing.
	if err := h.e.Start(sc); cameric.ResultOf(err) != cameric.NullPointer {
		t.Fatal(err)
	}
	if r := b.Refs(); r != 1 {
		t.Fatal(r)
	}
	sc.Image.CcOffset = &[3]int16{}
	if err := h.e.Start(sc); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStart, nil)
	if r := b.Refs(); r != 2 {
		t.Fatal(r)
	}
	if m := h.e.Mode(); m != cameric.ModeImageProcessing {
		t.Fatal(m)
	}
	d := h.hw.Driver(cameric.Master)
	if err := h.e.StartStreaming(0); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStartStreaming, nil)
	dma := d.Dma().(*camerictest.Dma)
	if n := dma.Loaded(); n != 1 {
		t.Fatal(n)
	}
	// Each finished transfer loads the picture again.
	d.Frame()
	waitFor(t, func() bool { return dma.Loaded() == 2 })
	if err := h.e.StopStreaming(); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStopStreaming, nil)
	if err := h.e.Stop(); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStop, nil)
	if r := b.Refs(); r != 1 {
		t.Fatal(r)
	}
}

func TestClose_cancels(t *testing.T) {
	h := newHarness(t, Config{Algorithms: func() (cameric.Algorithms, error) {
		return camerictest.NewAlgorithms(nil, 100, 0, 0), nil
	}})
	if err := h.e.Start(sensorConfig(cameric.ModeSensor2D, cameric.DataJPEG)); err != nil {
		t.Fatal(err)
	}
	h.expect(t, CmdStart, nil)
	jpe := h.hw.Driver(cameric.Master).FakeJpe()
	jpe.HoldHeader(true)
	if err := h.e.StartStreaming(0); err != nil {
		t.Fatal(err)
	}
	// The worker is now blocked on the header.
	waitFor(t, func() bool { return h.hw.Count("0/Jpe.GenerateHeader") == 1 })
	for _, cmd := range []Command{{ID: CmdStop}, {ID: CmdAcquireLock, Locks: cameric.LockAEC}, {ID: CmdReleaseLock, Locks: cameric.LockAEC}} {
		if err := h.e.SendCommand(cmd); err != nil {
			t.Fatal(err)
		}
	}
	closed := make(chan error)
	go func() {
		closed <- h.e.Close()
	}()
	waitFor(t, func() bool { return h.e.cmds.Len() == 4 })
	// Queued behind the shutdown.
	if err := h.e.SendCommand(Command{ID: CmdStartStreaming}); err != nil {
		t.Fatal(err)
	}
	if !jpe.CompleteHeader(nil) {
		t.Fatal("no header pending")
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close() hung")
	}
	h.expect(t, CmdStartStreaming, nil)
	h.expect(t, CmdStop, cameric.WrongState)
	h.expect(t, CmdAcquireLock, cameric.Canceled)
	h.expect(t, CmdReleaseLock, nil)
	h.expect(t, CmdStartStreaming, cameric.Canceled)
	h.none(t)
	if s := h.e.State(); s != Invalid {
		t.Fatal(s)
	}
	if err := h.e.SendCommand(Command{ID: CmdStart}); cameric.ResultOf(err) != cameric.Canceled {
		t.Fatal(err)
	}
	if jpe.Continuous() || h.hw.Enabled(cameric.Master) != 0 {
		t.Fatal("not torn down")
	}
}

//

type completion struct {
	id  CommandID
	err error
}

type harness struct {
	hw   *camerictest.Hardware
	e    *Engine
	done chan completion
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{hw: camerictest.New(nil), done: make(chan completion, 32)}
	cfg.Hardware = h.hw
	if cfg.MaxCommands == 0 {
		cfg.MaxCommands = 8
	}
	if cfg.Watchdog == nil {
		cfg.Watchdog = watchdog.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	cfg.Completion = func(id CommandID, err error) { h.done <- completion{id, err} }
	e, err := New(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	h.e = e
	return h
}

func (h *harness) expect(t *testing.T, id CommandID, want error) {
	t.Helper()
	select {
	case got := <-h.done:
		if got.id != id || cameric.ResultOf(got.err) != cameric.ResultOf(want) {
			t.Fatalf("got %s %v; want %s %v", got.id, got.err, id, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%s never completed", id)
	}
}

func (h *harness) none(t *testing.T) {
	t.Helper()
	select {
	case got := <-h.done:
		t.Fatalf("unexpected %s %v", got.id, got.err)
	default:
	}
}

func (h *harness) close(t *testing.T) {
	t.Helper()
	if h.e.State() == Invalid {
		return
	}
	if err := h.e.Close(); err != nil {
		t.Fatal(err)
	}
}

func sensorConfig(mode cameric.Mode, main cameric.DataMode) *StartConfig {
	s := &camerictest.Sensor{Cfg: cameric.SensorConfig{
		Name:   "fake",
		Mode:   cameric.IspBayerRGB,
		Acq:    cameric.AcqProperties{InputBits: 10},
		Window: image.Rect(0, 0, 64, 48),
		Color:  true,
	}}
	sc := &StartConfig{Mode: mode, Sensor: SensorConfig{Sensor: s, Slave: s}}
	sc.Master[cameric.MainPath].Mode = main
	if mode.TwoChains() {
		sc.Slave[cameric.MainPath].Mode = main
	}
	return sc
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for start := time.Now(); !cond(); time.Sleep(time.Millisecond) {
		if time.Since(start) > 5*time.Second {
			t.Fatal("timed out")
		}
	}
}
