// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package camengine

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/maruel/go-cameric/cameric"
	"github.com/maruel/go-cameric/mediabuf"
	"github.com/maruel/go-cameric/momctrl"
)

// Sub-controllers: the buffer controller of each chain and the
// auto-algorithms.

// minBufferSize is the smallest frame buffer allocated.
const minBufferSize = 4096

func bufferSize(p cameric.PathConfig, w, h int) int {
	if p.Width != 0 && p.Height != 0 {
		w, h = p.Width, p.Height
	}
	if n := w * h * 2; n > minBufferSize {
		return n
	}
	return minBufferSize
}

// subCtrlsSetupSteps creates the pools and the buffer controller of each
// chain in use that has at least one path enabled.
func (e *Engine) subCtrlsSetupSteps(sc *StartConfig) []step {
	var out []step
	for i, c := range e.active() {
		i, c := i, c
		paths := sc.paths(cameric.Chain(i))
		if paths[cameric.MainPath].Mode == cameric.DataDisabled && paths[cameric.SelfPath].Mode == cameric.DataDisabled {
			continue
		}
		out = append(out, step{
			do: func() error {
				cfg := &momctrl.Config{
					Mi:          c.drv.Mi(),
					MaxCommands: e.maxCommands,
					Completion:  c.momDone,
					Logger:      e.log.With(zap.Int("chain", i)),
				}
				for p := range paths {
					if paths[p].Mode == cameric.DataDisabled {
						continue
					}
					n := sc.Buffers[p]
					if n <= 0 {
						n = DefaultBuffers
					}
					size := sc.BufferSize[p]
					if size <= 0 {
						size = bufferSize(paths[p], c.out.Dx(), c.out.Dy())
					}
					pool, err := mediabuf.NewPool(fmt.Sprintf("%d/%s", i, cameric.Path(p)), n, size)
					if err != nil {
						return err
					}
					cfg.Pools[p] = pool
					cfg.Buffers[p] = n
				}
				m, err := momctrl.New(cfg)
				if err != nil {
					return err
				}
				c.mom = m
				if e.consumer != nil {
					e.registerConsumer(c)
				}
				return nil
			},
			undo: func() error {
				err := c.mom.Close()
				c.mom = nil
				return err
			},
		})
	}
	return out
}

// momDone receives the buffer controller completions. It must not block.
func (c *chain) momDone(id momctrl.CommandID, err error) {
	select {
	case c.done <- err:
	default:
	}
}

// momCommand sends a command to the buffer controller and waits for its
// completion.
func (c *chain) momCommand(send func() error) error {
	if c.mom == nil {
		return nil
	}
	for drained := false; !drained; {
		select {
		case <-c.done:
		default:
			drained = true
		}
	}
	if err := send(); err != nil {
		return err
	}
	return <-c.done
}

func (e *Engine) registerConsumer(c *chain) {
	for p := cameric.Path(0); p < cameric.NumPaths; p++ {
		if err := c.mom.RegisterBufferCb(p, e.consumer); err != nil && cameric.ResultOf(err) != cameric.NotAvailable {
			e.log.Warn("register consumer", zap.Stringer("path", p), zap.Error(err))
		}
	}
}

// subCtrlsStartSteps starts the buffer controllers, then the
// auto-algorithms.
func (e *Engine) subCtrlsStartSteps() []step {
	var out []step
	for _, c := range e.active() {
		if c.mom == nil {
			continue
		}
		c := c
		out = append(out, step{
			do:   func() error { return c.momCommand(c.mom.Start) },
			undo: func() error { return c.momCommand(c.mom.Stop) },
		})
	}
	for _, a := range e.algos.List() {
		out = append(out, step{a.Start, a.Stop})
	}
	return out
}

// subCtrlsStop stops the auto-algorithms, then the buffer controllers. All
// are attempted.
func (e *Engine) subCtrlsStop() error {
	var err error
	algos := e.algos.List()
	for i := len(algos) - 1; i >= 0; i-- {
		err = multierr.Append(err, algos[i].Stop())
	}
	for _, c := range e.active() {
		if c.mom != nil {
			err = multierr.Append(err, c.momCommand(c.mom.Stop))
		}
	}
	return err
}

// measureEvery is how often each measurement is handed to its algorithm.
var measureEvery = [cameric.Vsm + 1]uint32{
	cameric.Hist: 2,
	cameric.Exp:  3,
	cameric.Awb:  3,
	cameric.Afm:  1,
	cameric.Vsm:  1,
}

// vsmSettle is the number of motion measurements skipped after streaming
// starts.
const vsmSettle = 2

func (e *Engine) dispatchMeasurement(m cameric.Measurement) {
	if m.Module < 0 || !m.Module.Measures() {
		return
	}
	n := e.measured[m.Module].Add(1)
	if n%measureEvery[m.Module] != 0 {
		return
	}
	var a cameric.Algorithm
	switch m.Module {
	case cameric.Hist, cameric.Exp:
		a = e.algos.Aec
	case cameric.Awb:
		// Skipped while the exposure is locking.
		if cameric.Subsystem(e.lockMask.Load())&cameric.LockAEC == 0 {
			a = e.algos.Awb
		}
	case cameric.Afm:
		a = e.algos.Af
	case cameric.Vsm:
		if n > vsmSettle {
			a = e.algos.Avs
		}
	}
	if a == nil {
		return
	}
	if err := a.ProcessFrame(m); err != nil {
		e.log.Debug("measurement", zap.Stringer("module", m.Module), zap.Error(err))
	}
}
