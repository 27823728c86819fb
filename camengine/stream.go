// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package camengine

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/maruel/go-cameric/cameric"
)

// events receives the driver callbacks of an Engine. The callbacks run in
// the driver context; they only touch atomics and post internal commands.
type events struct {
	e *Engine
}

// CommandDone implements cameric.CommandObserver.
func (ev *events) CommandDone(c cameric.Chain, cmd cameric.DriverCommand, err error) {
	e := ev.e
	if err != nil {
		e.log.Warn("driver command failed", zap.Int("chain", int(c)), zap.Stringer("driver", cmd), zap.Error(err))
	}
	switch cmd {
	case cameric.CmdStopInput:
		e.inputStopped()
	case cameric.CmdCaptureFrames:
		e.raise(CmdHwStreamingFinished)
	}
}

// DmaFinished implements cameric.DmaObserver.
func (ev *events) DmaFinished(err error) {
	if err != nil {
		ev.e.log.Warn("dma failed", zap.Error(err))
	}
	ev.e.raise(CmdHwDmaFinished)
}

// FrameOut implements cameric.FrameObserver.
func (ev *events) FrameOut(c cameric.Chain) {
	ev.e.retryLocks()
}

// Measured implements cameric.MeasureObserver.
func (ev *events) Measured(m cameric.Measurement) {
	ev.e.dispatchMeasurement(m)
}

type headerDone chan error

func (h headerDone) HeaderGenerated(err error) {
	h <- err
}

// startStreaming starts the whole pipeline, source last. On failure what was
// started is stopped in reverse order.
func (e *Engine) startStreaming(frames int) error {
	if frames < 0 {
		return cameric.InvalidParm
	}
	for i := range e.measured {
		e.measured[i].Store(0)
	}
	e.lockMask.Store(0)
	e.lockedMask.Store(0)
	chains := e.active()
	var steps []step
	if !e.sensor.SOC {
		for _, c := range chains {
			steps = append(steps, step{do: c.drv.ResumeEvents})
		}
	}
	steps = append(steps, e.subCtrlsStartSteps()...)
	if e.mode == cameric.ModeImageProcessing {
		steps = append(steps, step{do: e.loadPictureNow})
	}
	for _, c := range chains {
		c := c
		steps = append(steps, step{do: func() error { return c.drv.SetInputSwap(e.sensor.SOC) }})
	}
	for _, c := range chains {
		steps = append(steps, step{c.drv.Start, c.drv.Stop})
	}
	if e.jpe {
		j := e.chain(cameric.Master).drv.Jpe()
		steps = append(steps,
			step{do: func() error { return generateHeader(j) }},
			step{j.StartContinuous, j.StopContinuous})
	}
	for _, c := range chains {
		c := c
		steps = append(steps, step{
			do:   func() error { return c.drv.CaptureFrames(frames, e.events) },
			undo: func() error { return c.drv.StopInput(e.events) },
		})
	}
	if err := apply(nil, steps...); err != nil {
		return err
	}
	e.log.Info("streaming", zap.Int("frames", frames))
	return nil
}

func generateHeader(j cameric.JpeEncoder) error {
	done := make(headerDone, 1)
	if err := j.GenerateHeader(done); err != nil {
		return err
	}
	// TODO(maruel): Bound the wait with the watchdog; a hung encoder blocks
	// the worker.
	return <-done
}

// stopStreaming asks the inputs to stop at the next frame boundary. The
// command completes on HW_STREAMING_FINISHED, raised once every input
// reported or by the watchdog, whichever comes first.
//
// It fails only when no input accepted the request. An input that refused it
// while another accepted is left to the watchdog.
func (e *Engine) stopStreaming() error {
	e.cancelLock()
	chains := e.active()
	e.stopsLeft.Store(int32(len(chains)))
	t, err := e.registry.Arm(e.index, e.stopTimeout, e.stopTimedOut)
	if err != nil {
		return err
	}
	e.stopToken.Store(t)
	e.stopPending = true
	var first error
	failed := 0
	for i, c := range chains {
		if err := c.drv.StopInput(e.events); err != nil {
			e.log.Warn("stop input", zap.Int("chain", i), zap.Error(err))
			if first == nil {
				first = err
			}
			failed++
		}
	}
	if failed == len(chains) {
		e.stopToken.Swap(nil).Disarm()
		e.stopPending = false
		return first
	}
	for i := 0; i < failed; i++ {
		e.inputStopped()
	}
	return cameric.Pending
}

// inputStopped accounts for one input done with STOP_STREAMING. Only the
// first of the last input and the watchdog gets to report.
func (e *Engine) inputStopped() {
	if e.stopsLeft.Add(-1) == 0 && e.stopToken.Load().Disarm() {
		e.raise(CmdHwStreamingFinished)
	}
}

func (e *Engine) stopTimedOut() {
	e.log.Warn("input stop timed out", zap.Duration("timeout", e.stopTimeout))
	e.raise(CmdHwStreamingFinished)
}

// streamingFinished completes a pending STOP_STREAMING.
func (e *Engine) streamingFinished() {
	if !e.stopPending {
		e.log.Debug("late streaming finished ignored")
		return
	}
	e.stopPending = false
	e.stopToken.Swap(nil).Disarm()
	e.complete(CmdStopStreaming, e.stopPipeline())
}

// cancelStop aborts a pending STOP_STREAMING.
func (e *Engine) cancelStop() {
	if !e.stopPending {
		return
	}
	e.stopPending = false
	e.stopToken.Swap(nil).Disarm()
	if err := e.stopPipeline(); err != nil {
		e.log.Warn("stop pipeline", zap.Error(err))
	}
	e.complete(CmdStopStreaming, cameric.Canceled)
}

// forceStop stops a streaming pipeline without waiting for the inputs.
func (e *Engine) forceStop() {
	for _, c := range e.active() {
		if err := c.drv.StopInput(e.events); err != nil {
			e.log.Warn("stop input", zap.Error(err))
		}
	}
	if err := e.stopPipeline(); err != nil {
		e.log.Warn("stop pipeline", zap.Error(err))
	}
}

// stopPipeline stops what startStreaming started after the inputs, in
// reverse order. All the steps are attempted.
func (e *Engine) stopPipeline() error {
	var err error
	if e.jpe {
		err = e.chain(cameric.Master).drv.Jpe().StopContinuous()
	}
	chains := e.active()
	for i := len(chains) - 1; i >= 0; i-- {
		err = multierr.Append(err, chains[i].drv.Stop())
	}
	return multierr.Append(err, e.subCtrlsStop())
}

func (e *Engine) loadPictureNow() error {
	if e.image == nil {
		return cameric.NullPointer
	}
	return e.chain(cameric.Master).drv.Dma().LoadPicture(e.image, e.events)
}

// loadPicture feeds the picture again once the previous transfer is done.
func (e *Engine) loadPicture() {
	if e.mode != cameric.ModeImageProcessing || e.image == nil {
		return
	}
	if err := e.loadPictureNow(); err != nil {
		e.log.Warn("load picture", zap.Error(err))
	}
}

var _ cameric.CommandObserver = &events{}
var _ cameric.DmaObserver = &events{}
var _ cameric.FrameObserver = &events{}
var _ cameric.MeasureObserver = &events{}
