// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package camengine

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/maruel/go-cameric/cameric"
	"github.com/maruel/go-cameric/mediabuf"
)

// Configuration entry points.
//
// Each one checks the state it requires and its arguments before touching
// the hardware, then issues its driver calls in order. When a call fails,
// what was done is undone in reverse order and the error is returned as is.
// What stays configured is released by the matching release function on
// STOP or shutdown.

// step is one driver call and, when it needs one, the call reverting it.
type step struct {
	do   func() error
	undo func() error
}

// apply runs the steps in order. On failure, the steps already done are
// undone in reverse order and the error is returned unchanged. On success
// the undo functions are pushed on stack, if not nil.
func apply(stack *[]func() error, steps ...step) error {
	var done []func() error
	for _, s := range steps {
		if err := s.do(); err != nil {
			unwind(done)
			return err
		}
		if s.undo != nil {
			done = append(done, s.undo)
		}
	}
	if stack != nil {
		*stack = append(*stack, done...)
	}
	return nil
}

// moduleSteps configures a module and, if enable is set, enables it.
func moduleSteps(m cameric.Module, cfg interface{}, enable bool) []step {
	out := []step{{do: func() error { return m.Configure(cfg) }}}
	if enable {
		out = append(out, step{m.Enable, m.Disable})
	}
	return out
}

// measureSteps registers the measurement dispatcher on a module, configures
// it and enables it.
func (e *Engine) measureSteps(m cameric.Module, cfg interface{}) []step {
	reg := step{func() error { return m.RegisterEventCb(e.events) }, m.DeregisterEventCb}
	return append([]step{reg}, moduleSteps(m, cfg, true)...)
}

func (e *Engine) checkInitialized(sc *StartConfig) error {
	if e.State() != Initialized {
		return cameric.WrongState
	}
	if sc == nil {
		return cameric.NullPointer
	}
	return nil
}

// Prepare validates sc and records the mode, the sensors and the windows.
//
// It is the first step of Start().
func (e *Engine) Prepare(sc *StartConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prepare(sc)
}

func (e *Engine) prepare(sc *StartConfig) error {
	if err := e.checkInitialized(sc); err != nil {
		return err
	}
	switch sc.Mode {
	case cameric.ModeSensor2D, cameric.ModeSensor3D, cameric.ModeSensor2DImgStab:
		s := &sc.Sensor
		if s.Sensor == nil {
			return errors.Wrap(cameric.WrongHandle, "camengine: no sensor")
		}
		if sc.Mode == cameric.ModeSensor3D && s.Slave == nil {
			return errors.Wrap(cameric.WrongHandle, "camengine: no slave sensor")
		}
		if s.Interface < cameric.Parallel || s.Interface > cameric.Smia {
			return errors.Wrapf(cameric.InvalidParm, "camengine: interface %s", s.Interface)
		}
		cfg, err := s.Sensor.Config()
		if err != nil {
			return err
		}
		e.idx = [2]cameric.Chain{cameric.Master, cameric.Slave}
		if sc.Mode == cameric.ModeSensor2DImgStab {
			// The stabilizing chain is fed by the master, which runs on the
			// second instance.
			e.idx = [2]cameric.Chain{cameric.Slave, cameric.Master}
		}
		m, sl := e.chain(cameric.Master), e.chain(cameric.Slave)
		m.sensor, sl.sensor = s.Sensor, nil
		m.isp, sl.isp = cfg.Mode, cfg.Mode
		m.acq = or(s.Acq, cfg.Window)
		m.out = or(s.Out, m.acq)
		m.is = or(s.IS, m.out)
		switch sc.Mode {
		case cameric.ModeSensor3D:
			sl.sensor = s.Slave
			sl.acq, sl.out, sl.is = m.acq, m.out, m.is
		case cameric.ModeSensor2DImgStab:
			m.is = or(s.ISCrop, m.out)
			sl.acq, sl.out, sl.is = m.out, m.out, or(s.IS, m.out)
			sl.isp = cameric.IspBT601
		}
		e.sensor = cfg
		if s.TestPattern {
			e.sensor.TestPattern = true
		}
	case cameric.ModeImageProcessing:
		if sc.Image.Buffer == nil {
			return errors.Wrap(cameric.NullPointer, "camengine: no picture")
		}
		w := sc.Image.window()
		if w.Empty() {
			return errors.Wrap(cameric.InvalidParm, "camengine: picture has no size")
		}
		e.idx = [2]cameric.Chain{cameric.Master, cameric.Slave}
		for i := range e.chains {
			c := &e.chains[i]
			c.sensor = nil
			c.isp = cameric.IspBayerRGB
			c.acq, c.out, c.is = w, w, w
		}
		e.sensor = cameric.SensorConfig{Name: "memory", Mode: cameric.IspBayerRGB, Window: w, Color: true}
	default:
		return errors.Wrapf(cameric.InvalidParm, "camengine: mode %s", sc.Mode)
	}
	e.mode = sc.Mode
	e.jpe = sc.Master[cameric.MainPath].Mode == cameric.DataJPEG
	e.log.Info("configured", zap.Stringer("mode", e.mode), zap.String("sensor", e.sensor.Name))
	return nil
}

// InitCamerIc creates the buffer pools and the buffer controllers of the
// chains in use.
func (e *Engine) InitCamerIc(sc *StartConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initCamerIc(sc)
}

func (e *Engine) initCamerIc(sc *StartConfig) error {
	if err := e.checkInitialized(sc); err != nil {
		return err
	}
	if e.chain(cameric.Master).drv == nil {
		return cameric.WrongHandle
	}
	if e.mode.TwoChains() && e.chain(cameric.Slave).drv == nil {
		return cameric.WrongHandle
	}
	return apply(&e.relCamerIc, e.subCtrlsSetupSteps(sc)...)
}

func (e *Engine) releaseCamerIc() error {
	return release(&e.relCamerIc)
}

// InitPixelIf selects the pixel interface and opens the MIPI receivers.
func (e *Engine) InitPixelIf(sc *StartConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initPixelIf(sc)
}

func (e *Engine) initPixelIf(sc *StartConfig) error {
	if err := e.checkInitialized(sc); err != nil {
		return err
	}
	chains := []*chain{e.chain(cameric.Master)}
	if e.mode == cameric.ModeSensor3D {
		chains = append(chains, e.chain(cameric.Slave))
	}
	for _, c := range chains {
		if c.mipi != nil {
			return cameric.WrongHandle
		}
	}
	for _, c := range e.active() {
		if c.drv == nil {
			return cameric.WrongHandle
		}
	}
	itf := cameric.Parallel
	if sc.Mode != cameric.ModeImageProcessing {
		itf = sc.Sensor.Interface
	}
	switch itf {
	case cameric.Parallel, cameric.Mipi, cameric.Mipi2:
	case cameric.Smia:
		return cameric.NotSupported
	default:
		return cameric.InvalidParm
	}
	var steps []step
	for _, c := range chains {
		c := c
		steps = append(steps, step{do: func() error { return c.drv.SetIfSelect(itf) }})
	}
	if itf != cameric.Parallel {
		for _, c := range chains {
			c := c
			steps = append(steps, step{
				do: func() error {
					r, err := c.drv.OpenMipi(itf)
					c.mipi = r
					return err
				},
				undo: func() error {
					err := c.mipi.Close()
					c.mipi = nil
					return err
				},
			})
		}
	}
	return apply(&e.relPixelIf, steps...)
}

func (e *Engine) releasePixelIf() error {
	return release(&e.relPixelIf)
}

// pixelIfStartSteps starts the MIPI receivers opened by InitPixelIf.
func (e *Engine) pixelIfStartSteps() []step {
	var out []step
	for _, c := range e.active() {
		if c.mipi != nil {
			out = append(out, step{c.mipi.Start, c.mipi.Stop})
		}
	}
	return out
}

// SetupAcqForSensor programs the acquisition of a chain from its sensor.
func (e *Engine) SetupAcqForSensor(sc *StartConfig, c cameric.Chain) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setupAcqForSensor(sc, c)
}

func (e *Engine) setupAcqForSensor(sc *StartConfig, c cameric.Chain) error {
	if err := e.checkInitialized(sc); err != nil {
		return err
	}
	if c != cameric.Master && c != cameric.Slave {
		return cameric.OutOfRange
	}
	ch := e.chain(c)
	if ch.drv == nil || ch.sensor == nil {
		return cameric.WrongHandle
	}
	cfg, err := ch.sensor.Config()
	if err != nil {
		return err
	}
	isp := ch.drv.Isp()
	acq := or(ch.acq, cfg.Window)
	out := or(ch.out, acq)
	is := or(ch.is, out)
	return apply(nil,
		step{do: func() error { return isp.SetMode(cfg.Mode) }},
		step{do: func() error { return isp.SetAcqProperties(cfg.Acq) }},
		step{do: func() error { return isp.SetAcqResolution(acq, out, is) }},
	)
}

// SetupAcqForDma programs the acquisition of a chain from the picture in
// sc.Image.
func (e *Engine) SetupAcqForDma(sc *StartConfig, c cameric.Chain) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setupAcqForDma(sc, c)
}

func (e *Engine) setupAcqForDma(sc *StartConfig, c cameric.Chain) error {
	if err := e.checkInitialized(sc); err != nil {
		return err
	}
	if sc.Image.Buffer == nil {
		return cameric.NullPointer
	}
	if c != cameric.Master && c != cameric.Slave {
		return cameric.OutOfRange
	}
	ch := e.chain(c)
	if ch.drv == nil {
		return cameric.WrongHandle
	}
	w := sc.Image.window()
	f := sc.Image.Buffer.Meta.Format
	bits := 8
	if f == mediabuf.FormatRaw16 {
		bits = 12
	}
	isp := ch.drv.Isp()
	return apply(nil,
		step{do: func() error { return isp.SetMode(cameric.IspBayerRGB) }},
		step{do: func() error { return isp.SetAcqProperties(cameric.AcqProperties{Bayer: cameric.RGGB, InputBits: bits}) }},
		step{do: func() error { return isp.SetAcqResolution(w, w, w) }},
		step{do: func() error { return ch.drv.Dma().Configure(cameric.DmaConfig{Format: f, Window: w}) }},
	)
}

// SetupAcqForImgStab programs the stabilizing chain, which takes the output
// of the master chain.
func (e *Engine) SetupAcqForImgStab(sc *StartConfig, c cameric.Chain) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setupAcqForImgStab(sc, c)
}

func (e *Engine) setupAcqForImgStab(sc *StartConfig, c cameric.Chain) error {
	if err := e.checkInitialized(sc); err != nil {
		return err
	}
	if c != cameric.Master && c != cameric.Slave {
		return cameric.OutOfRange
	}
	ch := e.chain(c)
	if ch.drv == nil {
		return cameric.WrongHandle
	}
	isp := ch.drv.Isp()
	acq := or(ch.acq, e.chain(cameric.Master).out)
	out := or(ch.out, acq)
	is := or(ch.is, out)
	return apply(nil,
		step{do: func() error { return isp.SetMode(cameric.IspBT601) }},
		step{do: func() error { return isp.SetAcqProperties(cameric.AcqProperties{InputBits: 8}) }},
		step{do: func() error { return isp.SetAcqResolution(acq, out, is) }},
	)
}

// InitDrvForSensor sets up the ISP blocks of the master chain for a sensor.
//
// SOC sensors process the picture themselves so only the demosaicing bypass
// is programmed for them.
func (e *Engine) InitDrvForSensor(sc *StartConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initDrvForSensor(sc)
}

func (e *Engine) initDrvForSensor(sc *StartConfig) error {
	if err := e.checkInitialized(sc); err != nil {
		return err
	}
	ch := e.chain(cameric.Master)
	if ch.drv == nil {
		return cameric.WrongHandle
	}
	d := ch.drv
	isp := d.Isp()
	var steps []step
	if e.sensor.SOC {
		steps = append(steps, step{do: func() error { return isp.SetDemosaic(true, 0) }})
	} else {
		bypass := !e.sensor.Color
		steps = append(steps, step{do: func() error { return isp.SetDemosaic(bypass, 4) }})
		for _, id := range []cameric.ModuleID{cameric.Hist, cameric.Exp, cameric.Awb, cameric.Afm, cameric.Vsm} {
			steps = append(steps, e.measureSteps(d.Module(id), ch.out)...)
		}
		steps = append(steps, moduleSteps(d.Module(cameric.Bls), cameric.BlackLevel{}, true)...)
		steps = append(steps, moduleSteps(d.Module(cameric.Cac), ch.out, false)...)
		steps = append(steps, moduleSteps(d.Module(cameric.Lsc), ch.out, true)...)
		steps = append(steps, moduleSteps(d.Module(cameric.Flt), ch.out, true)...)
	}
	steps = append(steps, e.pixelIfStartSteps()...)
	steps = append(steps, e.jpeSteps(ch)...)
	return apply(&e.relDrv, steps...)
}

// InitDrvForTestpattern sets up the master chain for the sensor test
// pattern: neutral color processing, no measurement.
func (e *Engine) InitDrvForTestpattern(sc *StartConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initDrvForTestpattern(sc)
}

func (e *Engine) initDrvForTestpattern(sc *StartConfig) error {
	if err := e.checkInitialized(sc); err != nil {
		return err
	}
	ch := e.chain(cameric.Master)
	if ch.drv == nil {
		return cameric.WrongHandle
	}
	d := ch.drv
	isp := d.Isp()
	bypass := !e.sensor.Color
	steps := []step{
		{do: func() error { return isp.SetDemosaic(bypass, 4) }},
		{do: func() error { return isp.SetCrossTalk(cameric.IdentityCrossTalk) }},
		{do: func() error { return isp.SetWbGains(cameric.UnityWbGains) }},
		{do: func() error { return isp.SetBlackLevel(cameric.BlackLevel{}) }},
	}
	steps = append(steps, moduleSteps(d.Module(cameric.Bls), cameric.BlackLevel{}, true)...)
	steps = append(steps, moduleSteps(d.Module(cameric.Flt), ch.out, true)...)
	steps = append(steps, e.pixelIfStartSteps()...)
	steps = append(steps, e.jpeSteps(ch)...)
	return apply(&e.relDrv, steps...)
}

// InitDrvForDma sets up the master chain to process the picture in
// sc.Image with the given color parameters.
func (e *Engine) InitDrvForDma(sc *StartConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initDrvForDma(sc)
}

func (e *Engine) initDrvForDma(sc *StartConfig) error {
	if err := e.checkInitialized(sc); err != nil {
		return err
	}
	img := &sc.Image
	if img.Buffer == nil || img.WbGains == nil || img.CcMatrix == nil || img.CcOffset == nil || img.BlackLevel == nil {
		return cameric.NullPointer
	}
	ch := e.chain(cameric.Master)
	if ch.drv == nil {
		return cameric.WrongHandle
	}
	d := ch.drv
	isp := d.Isp()
	ct := cameric.CrossTalk{Matrix: *img.CcMatrix, Offset: *img.CcOffset}
	wb, bl := *img.WbGains, *img.BlackLevel
	steps := []step{
		{do: func() error { return isp.SetDemosaic(false, 4) }},
		{do: func() error { return isp.SetWbGains(wb) }},
		{do: func() error { return isp.SetCrossTalk(ct) }},
		{do: func() error { return isp.SetBlackLevel(bl) }},
	}
	for _, id := range []cameric.ModuleID{cameric.Hist, cameric.Exp, cameric.Awb} {
		steps = append(steps, e.measureSteps(d.Module(id), ch.out)...)
	}
	steps = append(steps, moduleSteps(d.Module(cameric.Bls), bl, true)...)
	steps = append(steps, moduleSteps(d.Module(cameric.Flt), ch.out, true)...)
	steps = append(steps, e.jpeSteps(ch)...)
	return apply(&e.relDrv, steps...)
}

func (e *Engine) jpeSteps(ch *chain) []step {
	if !e.jpe {
		return nil
	}
	return moduleSteps(ch.drv.Jpe(), ch.out, true)
}

func (e *Engine) releaseDrv() error {
	return release(&e.relDrv)
}

// SetupMiDataPath programs the memory interface paths of a chain.
//
// The self path data mode must be compatible with the main path one;
// otherwise InvalidParm is returned. It is allowed in Initialized and
// Running.
func (e *Engine) SetupMiDataPath(main, self *cameric.PathConfig, c cameric.Chain) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setupMiDataPath(main, self, c)
}

func (e *Engine) setupMiDataPath(main, self *cameric.PathConfig, c cameric.Chain) error {
	if s := e.State(); s != Initialized && s != Running {
		return cameric.WrongState
	}
	if main == nil || self == nil {
		return cameric.NullPointer
	}
	if c != cameric.Master && c != cameric.Slave {
		return cameric.OutOfRange
	}
	ch := e.chain(c)
	if ch.drv == nil {
		return cameric.WrongHandle
	}
	if !miCompatible(main.Mode, self.Mode) {
		return errors.Wrapf(cameric.InvalidParm, "camengine: self path %d with main path %d", self.Mode, main.Mode)
	}
	mode := ch.isp
	if main.Mode.IsRaw() {
		mode = cameric.IspRaw
	}
	selfBurst := cameric.Burst(16)
	if main.Mode == cameric.DataYUV422 || main.Mode == cameric.DataYUV420 {
		selfBurst = 8
	}
	m, s := *main, *self
	for _, p := range []*cameric.PathConfig{&m, &s} {
		if p.Mode != cameric.DataDisabled && (p.Width == 0 || p.Height == 0) {
			p.Width, p.Height = ch.out.Dx(), ch.out.Dy()
		}
	}
	isp, mi := ch.drv.Isp(), ch.drv.Mi()
	return apply(nil,
		step{do: func() error { return isp.SetMode(mode) }},
		step{do: func() error { return mi.SetBurst(16, selfBurst) }},
		step{do: func() error { return mi.SetPath(cameric.MainPath, m) }},
		step{do: func() error { return mi.SetPath(cameric.SelfPath, s) }},
	)
}

// PreloadImage takes a reference on the picture to process. It is released
// with the buffer controllers.
func (e *Engine) PreloadImage(sc *StartConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.preloadImage(sc)
}

func (e *Engine) preloadImage(sc *StartConfig) error {
	if err := e.checkInitialized(sc); err != nil {
		return err
	}
	b := sc.Image.Buffer
	if b == nil {
		return cameric.NullPointer
	}
	if e.image != nil {
		return cameric.Busy
	}
	b.Lock()
	e.image = b
	e.relCamerIc = append(e.relCamerIc, func() error {
		e.image.Unlock()
		e.image = nil
		return nil
	})
	return nil
}
