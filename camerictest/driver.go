// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package camerictest

import (
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"

	"github.com/maruel/go-cameric/cameric"
	"github.com/maruel/go-cameric/hal"
	"github.com/maruel/go-cameric/mediabuf"
)

// Driver is a fake cameric.Driver.
//
// Nothing happens on its own: Frame() simulates one frame going through the
// pipeline. StopInput() completes asynchronously unless HoldStop() was
// called.
type Driver struct {
	h       *Hardware
	chain   cameric.Chain
	base    uint32
	isp     *Isp
	mi      *Mi
	modules [cameric.NumModules]*Module
	jpe     *Jpe
	dma     *Dma
	noise   *noise

	mu        sync.Mutex
	capture   cameric.CommandObserver
	remaining int // Frames left to capture, 0 means unbounded.
	stop      cameric.CommandObserver
	holdStop  bool
	frame     uint64
	mipi      map[cameric.Interface]*Mipi
}

func newDriver(h *Hardware, c cameric.Chain) *Driver {
	d := &Driver{
		h:     h,
		chain: c,
		base:  uint32(c) * ChainStride,
		noise: makeNoise(int64(c)),
		mipi:  map[cameric.Interface]*Mipi{},
	}
	d.isp = &Isp{d: d}
	d.mi = NewMi(&h.Recorder, fmt.Sprintf("%d/", c))
	d.mi.bus = h.Bus
	d.mi.base = d.base
	for i := range d.modules {
		d.modules[i] = &Module{d: d, id: cameric.ModuleID(i)}
	}
	d.jpe = &Jpe{Module: d.modules[cameric.Jpe]}
	d.dma = &Dma{d: d}
	return d
}

func (d *Driver) String() string {
	return fmt.Sprintf("camerictest%d", d.chain)
}

func (d *Driver) call(name string) error {
	return d.h.Call(fmt.Sprintf("%d/%s", d.chain, name))
}

// Close implements cameric.Driver.
func (d *Driver) Close() error {
	err := d.call("Close")
	d.h.release(d)
	return err
}

// Chain implements cameric.Driver.
func (d *Driver) Chain() cameric.Chain {
	return d.chain
}

// Start implements cameric.Driver.
func (d *Driver) Start() error {
	if err := d.call("Start"); err != nil {
		return err
	}
	return hal.SetBits(d.h.Bus, d.base+RegIspCtrl, 1)
}

// Stop implements cameric.Driver.
func (d *Driver) Stop() error {
	if err := d.call("Stop"); err != nil {
		return err
	}
	return hal.ClearBits(d.h.Bus, d.base+RegIspCtrl, 1)
}

// Running returns true between Start() and Stop().
func (d *Driver) Running() bool {
	ok, _ := hal.TestBits(d.h.Bus, d.base+RegIspCtrl, 1)
	return ok
}

// ResumeEvents implements cameric.Driver.
func (d *Driver) ResumeEvents() error {
	return d.call("ResumeEvents")
}

// SetIfSelect implements cameric.Driver.
func (d *Driver) SetIfSelect(i cameric.Interface) error {
	if err := d.call("SetIfSelect"); err != nil {
		return err
	}
	if err := hal.ClearBits(d.h.Bus, d.base+RegIspCtrl, 0x30); err != nil {
		return err
	}
	return hal.SetBits(d.h.Bus, d.base+RegIspCtrl, uint32(i&3)<<4)
}

// SetInputSwap implements cameric.Driver.
func (d *Driver) SetInputSwap(swap bool) error {
	if err := d.call("SetInputSwap"); err != nil {
		return err
	}
	if swap {
		return hal.SetBits(d.h.Bus, d.base+RegIspCtrl, 2)
	}
	return hal.ClearBits(d.h.Bus, d.base+RegIspCtrl, 2)
}

// CaptureFrames implements cameric.Driver.
func (d *Driver) CaptureFrames(n int, o cameric.CommandObserver) error {
	if o == nil {
		return cameric.NullPointer
	}
	if err := d.call("CaptureFrames"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capture != nil {
		return cameric.Busy
	}
	d.capture = o
	d.remaining = n
	return nil
}

// StopInput implements cameric.Driver.
func (d *Driver) StopInput(o cameric.CommandObserver) error {
	if o == nil {
		return cameric.NullPointer
	}
	if err := d.call("StopInput"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stop = o
	if !d.holdStop {
		go d.CompleteStop(nil)
	}
	return nil
}

// HoldStop makes StopInput() wait for an explicit CompleteStop().
func (d *Driver) HoldStop(hold bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holdStop = hold
}

// CompleteStop reports the pending StopInput() as done, if any.
//
// It returns false when no StopInput() was pending.
func (d *Driver) CompleteStop(err error) bool {
	d.mu.Lock()
	o := d.stop
	d.stop = nil
	if o != nil && err == nil {
		d.capture = nil
	}
	d.mu.Unlock()
	if o == nil {
		return false
	}
	o.CommandDone(d.chain, cameric.CmdStopInput, err)
	return true
}

// Capturing returns true while frames are being captured.
func (d *Driver) Capturing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capture != nil
}

// Isp implements cameric.Driver.
func (d *Driver) Isp() cameric.Isp {
	return d.isp
}

// Mi implements cameric.Driver.
func (d *Driver) Mi() cameric.Mi {
	return d.mi
}

// Module implements cameric.Driver.
func (d *Driver) Module(id cameric.ModuleID) cameric.Module {
	if id < 0 || id >= cameric.NumModules {
		return nil
	}
	if id == cameric.Jpe {
		return d.jpe
	}
	return d.modules[id]
}

// Jpe implements cameric.Driver.
func (d *Driver) Jpe() cameric.JpeEncoder {
	return d.jpe
}

// Dma implements cameric.Driver.
func (d *Driver) Dma() cameric.Dma {
	return d.dma
}

// FakeIsp returns the concrete fake ISP.
func (d *Driver) FakeIsp() *Isp {
	return d.isp
}

// FakeMi returns the concrete fake memory interface.
func (d *Driver) FakeMi() *Mi {
	return d.mi
}

// FakeJpe returns the concrete fake JPEG encoder.
func (d *Driver) FakeJpe() *Jpe {
	return d.jpe
}

// OpenMipi implements cameric.Driver.
func (d *Driver) OpenMipi(i cameric.Interface) (cameric.MipiReceiver, error) {
	if i != cameric.Mipi && i != cameric.Mipi2 {
		return nil, cameric.InvalidParm
	}
	if err := d.call("OpenMipi"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mipi[i] != nil {
		return nil, cameric.Busy
	}
	m := &Mipi{d: d, i: i}
	d.mipi[i] = m
	return m, nil
}

// Frame simulates one frame going through the chain.
//
// While capturing, each enabled memory interface path gets a buffer filled
// with noise, then the frame end and the measurements of the enabled modules
// are reported. A picture loaded through DMA is reported done.
//
// It returns false when nothing was captured.
func (d *Driver) Frame() bool {
	d.mu.Lock()
	capture := d.capture
	done := false
	if capture != nil {
		d.frame++
		if d.remaining > 0 {
			d.remaining--
			if d.remaining == 0 {
				d.capture = nil
				done = true
			}
		}
	}
	frame := d.frame
	d.mu.Unlock()

	if capture != nil {
		_ = d.h.Bus.Write32(d.base+RegFrameCount, uint32(frame))
		for p := cameric.Path(0); p < cameric.NumPaths; p++ {
			d.mi.Capture(p, d.noise.fill)
		}
		d.isp.frameOut(d.chain)
		for _, m := range d.modules {
			m.measure(frame)
		}
		d.h.Log.Debug("frame", zap.Int("chain", int(d.chain)), zap.Uint64("n", frame))
	}
	d.dma.finish()
	if done {
		capture.CommandDone(d.chain, cameric.CmdCaptureFrames, nil)
	}
	return capture != nil
}

// Isp is the fake ISP core.
type Isp struct {
	d *Driver

	mu   sync.Mutex
	mode cameric.IspMode
	acq  image.Rectangle
	out  image.Rectangle
	is   image.Rectangle
	obs  cameric.FrameObserver
}

// SetMode implements cameric.Isp.
func (i *Isp) SetMode(m cameric.IspMode) error {
	if err := i.d.call("Isp.SetMode"); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.mode = m
	return nil
}

// Mode returns the last mode set.
func (i *Isp) Mode() cameric.IspMode {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.mode
}

// SetAcqProperties implements cameric.Isp.
func (i *Isp) SetAcqProperties(p cameric.AcqProperties) error {
	return i.d.call("Isp.SetAcqProperties")
}

// SetAcqResolution implements cameric.Isp.
func (i *Isp) SetAcqResolution(acq, out, is image.Rectangle) error {
	if err := i.d.call("Isp.SetAcqResolution"); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.acq, i.out, i.is = acq, out, is
	return nil
}

// Resolution returns the last windows set.
func (i *Isp) Resolution() (acq, out, is image.Rectangle) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.acq, i.out, i.is
}

// SetDemosaic implements cameric.Isp.
func (i *Isp) SetDemosaic(bypass bool, threshold uint8) error {
	return i.d.call("Isp.SetDemosaic")
}

// SetCrossTalk implements cameric.Isp.
func (i *Isp) SetCrossTalk(c cameric.CrossTalk) error {
	return i.d.call("Isp.SetCrossTalk")
}

// SetWbGains implements cameric.Isp.
func (i *Isp) SetWbGains(g cameric.WbGains) error {
	return i.d.call("Isp.SetWbGains")
}

// SetBlackLevel implements cameric.Isp.
func (i *Isp) SetBlackLevel(b cameric.BlackLevel) error {
	return i.d.call("Isp.SetBlackLevel")
}

// RegisterEventCb implements cameric.Isp.
func (i *Isp) RegisterEventCb(o cameric.FrameObserver) error {
	if o == nil {
		return cameric.NullPointer
	}
	if err := i.d.call("Isp.RegisterEventCb"); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.obs != nil {
		return cameric.Busy
	}
	i.obs = o
	return nil
}

// DeregisterEventCb implements cameric.Isp.
func (i *Isp) DeregisterEventCb() error {
	if err := i.d.call("Isp.DeregisterEventCb"); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.obs = nil
	return nil
}

// Registered returns true when a frame observer is set.
func (i *Isp) Registered() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.obs != nil
}

func (i *Isp) frameOut(c cameric.Chain) {
	i.mu.Lock()
	o := i.obs
	i.mu.Unlock()
	if o != nil {
		o.FrameOut(c)
	}
}

// Module is a fake ISP sub-block. Its enable bit lives in RegModuleEnable.
type Module struct {
	d  *Driver
	id cameric.ModuleID

	mu  sync.Mutex
	cfg interface{}
	obs cameric.MeasureObserver
}

func (m *Module) call(op string) error {
	return m.d.call(m.id.String() + "." + op)
}

// Enable implements cameric.Module.
func (m *Module) Enable() error {
	if err := m.call("Enable"); err != nil {
		return err
	}
	return hal.SetBits(m.d.h.Bus, m.d.base+RegModuleEnable, 1<<uint(m.id))
}

// Disable implements cameric.Module.
func (m *Module) Disable() error {
	if err := m.call("Disable"); err != nil {
		return err
	}
	return hal.ClearBits(m.d.h.Bus, m.d.base+RegModuleEnable, 1<<uint(m.id))
}

// IsEnabled implements cameric.Module.
func (m *Module) IsEnabled() (bool, error) {
	return hal.TestBits(m.d.h.Bus, m.d.base+RegModuleEnable, 1<<uint(m.id))
}

// Configure implements cameric.Module.
func (m *Module) Configure(cfg interface{}) error {
	if err := m.call("Configure"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	return nil
}

// Config returns the last configuration set.
func (m *Module) Config() interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// RegisterEventCb implements cameric.Module.
func (m *Module) RegisterEventCb(o cameric.MeasureObserver) error {
	if o == nil {
		return cameric.NullPointer
	}
	if !m.id.Measures() {
		return cameric.NotSupported
	}
	if err := m.call("RegisterEventCb"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.obs != nil {
		return cameric.Busy
	}
	m.obs = o
	return nil
}

// DeregisterEventCb implements cameric.Module.
func (m *Module) DeregisterEventCb() error {
	if err := m.call("DeregisterEventCb"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs = nil
	return nil
}

func (m *Module) measure(frame uint64) {
	if !m.id.Measures() {
		return
	}
	if ok, _ := m.IsEnabled(); !ok {
		return
	}
	m.mu.Lock()
	o := m.obs
	m.mu.Unlock()
	if o == nil {
		return
	}
	meas := cameric.Measurement{Chain: m.d.chain, Module: m.id, Frame: frame, Values: []uint32{uint32(frame)}}
	if m.id == cameric.Vsm {
		meas.Motion = image.Pt(int(frame%3)-1, 0)
	}
	o.Measured(meas)
}

// Jpe is the fake JPEG encoder.
type Jpe struct {
	*Module

	mu         sync.Mutex
	holdHeader bool
	header     cameric.JpeObserver
	continuous bool
}

// GenerateHeader implements cameric.JpeEncoder.
//
// The header is reported done asynchronously unless HoldHeader() was called.
func (j *Jpe) GenerateHeader(o cameric.JpeObserver) error {
	if o == nil {
		return cameric.NullPointer
	}
	if err := j.call("GenerateHeader"); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.header = o
	if !j.holdHeader {
		go j.CompleteHeader(nil)
	}
	return nil
}

// HoldHeader makes GenerateHeader() wait for an explicit CompleteHeader().
func (j *Jpe) HoldHeader(hold bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.holdHeader = hold
}

// CompleteHeader reports the pending header generation, if any.
func (j *Jpe) CompleteHeader(err error) bool {
	j.mu.Lock()
	o := j.header
	j.header = nil
	j.mu.Unlock()
	if o == nil {
		return false
	}
	o.HeaderGenerated(err)
	return true
}

// StartContinuous implements cameric.JpeEncoder.
func (j *Jpe) StartContinuous() error {
	if err := j.call("StartContinuous"); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.continuous = true
	return nil
}

// StopContinuous implements cameric.JpeEncoder.
func (j *Jpe) StopContinuous() error {
	if err := j.call("StopContinuous"); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.continuous = false
	return nil
}

// Continuous returns true between StartContinuous() and StopContinuous().
func (j *Jpe) Continuous() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.continuous
}

// Dma is the fake picture loader. A loaded picture is consumed by the next
// Driver.Frame().
type Dma struct {
	d *Driver

	mu      sync.Mutex
	cfg     cameric.DmaConfig
	pending cameric.DmaObserver
	loaded  int
}

// Configure implements cameric.Dma.
func (d *Dma) Configure(c cameric.DmaConfig) error {
	if c.Window.Empty() {
		return cameric.InvalidParm
	}
	if err := d.d.call("Dma.Configure"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = c
	return nil
}

// LoadPicture implements cameric.Dma.
func (d *Dma) LoadPicture(b *mediabuf.Buffer, o cameric.DmaObserver) error {
	if b == nil || o == nil {
		return cameric.NullPointer
	}
	if err := d.d.call("Dma.LoadPicture"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != nil {
		return cameric.Busy
	}
	d.pending = o
	d.loaded++
	return nil
}

// Loaded returns how many pictures were loaded.
func (d *Dma) Loaded() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *Dma) finish() {
	d.mu.Lock()
	o := d.pending
	d.pending = nil
	d.mu.Unlock()
	if o != nil {
		o.DmaFinished(nil)
	}
}

// Mipi is a fake MIPI receiver.
type Mipi struct {
	d *Driver
	i cameric.Interface
}

func (m *Mipi) call(op string) error {
	return m.d.call(fmt.Sprintf("Mipi%d.%s", m.i, op))
}

// Close implements cameric.MipiReceiver.
func (m *Mipi) Close() error {
	err := m.call("Close")
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.d.mipi[m.i] == m {
		delete(m.d.mipi, m.i)
	}
	return err
}

// Start implements cameric.MipiReceiver.
func (m *Mipi) Start() error {
	return m.call("Start")
}

// Stop implements cameric.MipiReceiver.
func (m *Mipi) Stop() error {
	return m.call("Stop")
}

var _ cameric.Driver = &Driver{}
var _ cameric.JpeEncoder = &Jpe{}
var _ cameric.MipiReceiver = &Mipi{}
