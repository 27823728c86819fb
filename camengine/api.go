// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package camengine

import (
	"github.com/maruel/go-cameric/cameric"
	"github.com/maruel/go-cameric/mediabuf"
	"github.com/maruel/go-cameric/momctrl"
)

// Start configures the chains for sc, then queues CmdStart.
//
// The configuration is done synchronously; on failure everything configured
// is released and the error is returned. The outcome of CmdStart is
// reported to the Completion callback.
func (e *Engine) Start(sc *StartConfig) error {
	if err := e.configure(sc); err != nil {
		return err
	}
	if err := e.SendCommand(Command{ID: CmdStart}); err != nil {
		e.mu.Lock()
		_ = e.teardown()
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *Engine) configure(sc *StartConfig) (err error) {
	if sc == nil {
		return cameric.NullPointer
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() != Initialized {
		return cameric.WrongState
	}
	defer func() {
		if err != nil {
			_ = e.teardown()
		}
	}()
	if err = e.prepare(sc); err != nil {
		return err
	}
	if err = e.initCamerIc(sc); err != nil {
		return err
	}
	if err = e.initPixelIf(sc); err != nil {
		return err
	}
	switch sc.Mode {
	case cameric.ModeImageProcessing:
		if err = e.preloadImage(sc); err != nil {
			return err
		}
		if err = e.setupAcqForDma(sc, cameric.Master); err != nil {
			return err
		}
		err = e.initDrvForDma(sc)
	default:
		if err = e.setupAcqForSensor(sc, cameric.Master); err != nil {
			return err
		}
		switch sc.Mode {
		case cameric.ModeSensor3D:
			err = e.setupAcqForSensor(sc, cameric.Slave)
		case cameric.ModeSensor2DImgStab:
			err = e.setupAcqForImgStab(sc, cameric.Slave)
		}
		if err != nil {
			return err
		}
		if e.sensor.TestPattern {
			err = e.initDrvForTestpattern(sc)
		} else {
			err = e.initDrvForSensor(sc)
		}
	}
	if err != nil {
		return err
	}
	if err = e.setupMiDataPath(&sc.Master[cameric.MainPath], &sc.Master[cameric.SelfPath], cameric.Master); err != nil {
		return err
	}
	if e.mode.TwoChains() {
		err = e.setupMiDataPath(&sc.Slave[cameric.MainPath], &sc.Slave[cameric.SelfPath], cameric.Slave)
	}
	return err
}

// Stop queues CmdStop. The engine must be Running.
func (e *Engine) Stop() error {
	return e.sendIn(Running, Command{ID: CmdStop})
}

// StartStreaming queues CmdStartStreaming to capture frames, 0 meaning until
// StopStreaming(). The engine must be Running.
func (e *Engine) StartStreaming(frames int) error {
	return e.sendIn(Running, Command{ID: CmdStartStreaming, Frames: frames})
}

// StopStreaming queues CmdStopStreaming. The engine must be Streaming.
func (e *Engine) StopStreaming() error {
	return e.sendIn(Streaming, Command{ID: CmdStopStreaming})
}

// SearchAndLock queues CmdAcquireLock. It completes once all the requested
// subsystems are locked. The engine must be Streaming.
func (e *Engine) SearchAndLock(locks cameric.Subsystem) error {
	return e.sendIn(Streaming, Command{ID: CmdAcquireLock, Locks: locks})
}

// Unlock queues CmdReleaseLock. The engine must be Streaming.
func (e *Engine) Unlock(locks cameric.Subsystem) error {
	return e.sendIn(Streaming, Command{ID: CmdReleaseLock, Locks: locks})
}

func (e *Engine) sendIn(s State, cmd Command) error {
	if e.State() != s {
		return cameric.WrongState
	}
	return e.SendCommand(cmd)
}

// RegisterBufferCb sets the consumer of the full buffers of all the paths
// enabled. Only one consumer may be registered.
func (e *Engine) RegisterBufferCb(fn momctrl.Consumer) error {
	if fn == nil {
		return cameric.NullPointer
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.consumer != nil {
		return cameric.Busy
	}
	e.consumer = fn
	for i := range e.chains {
		if c := &e.chains[i]; c.mom != nil {
			e.registerConsumer(c)
		}
	}
	return nil
}

// DeregisterBufferCb removes the consumer.
func (e *Engine) DeregisterBufferCb() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.consumer == nil {
		return cameric.NotAvailable
	}
	e.consumer = nil
	for i := range e.chains {
		if c := &e.chains[i]; c.mom != nil {
			for p := cameric.Path(0); p < cameric.NumPaths; p++ {
				_ = c.mom.DeregisterBufferCb(p)
			}
		}
	}
	return nil
}

// AttachQueue makes the full buffers of a path available on q too. See
// momctrl.Controller.AttachQueue.
func (e *Engine) AttachQueue(c cameric.Chain, p cameric.Path, q chan<- *mediabuf.Buffer) error {
	if c != cameric.Master && c != cameric.Slave {
		return cameric.OutOfRange
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.chain(c).mom
	if m == nil {
		return cameric.NotAvailable
	}
	return m.AttachQueue(p, q)
}

// DetachQueue removes a queue added with AttachQueue.
func (e *Engine) DetachQueue(c cameric.Chain, p cameric.Path, q chan<- *mediabuf.Buffer) error {
	if c != cameric.Master && c != cameric.Slave {
		return cameric.OutOfRange
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.chain(c).mom
	if m == nil {
		return cameric.NotAvailable
	}
	return m.DetachQueue(p, q)
}
