// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package camengine sequences one or two CamerIC chains through their
// lifecycle.
//
// An Engine goes through the states Invalid, Initialized, Running and
// Streaming. Commands are queued and processed one at a time by a single
// worker goroutine; every command sent from outside is reported exactly once
// to the Completion callback, possibly with Canceled when the engine shuts
// down first.
//
// Commands that wait on the hardware (STOP_STREAMING, ACQUIRE_LOCK) complete
// later, when an internal command raised from a driver callback is
// processed.
package camengine

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/maruel/go-cameric/cameric"
	"github.com/maruel/go-cameric/internal/cmdq"
	"github.com/maruel/go-cameric/mediabuf"
	"github.com/maruel/go-cameric/momctrl"
	"github.com/maruel/go-cameric/watchdog"
)

// State is the lifecycle state of an Engine.
type State string

// Valid values for State.
const (
	Invalid     State = "invalid"
	Initialized State = "initialized"
	Running     State = "running"
	Streaming   State = "streaming"
)

// CommandID identifies a command.
type CommandID int

// Valid values for CommandID.
const (
	CmdStart          CommandID = 1
	CmdStop           CommandID = 2
	CmdStartStreaming CommandID = 3
	CmdStopStreaming  CommandID = 4
	CmdShutdown       CommandID = 5
	CmdAcquireLock    CommandID = 6
	CmdReleaseLock    CommandID = 7

	// Raised by the engine itself from driver callbacks. They are never
	// reported to the Completion callback.
	CmdAAALocked           CommandID = 20
	CmdHwStreamingFinished CommandID = 21
	CmdHwDmaFinished       CommandID = 22
)

var commandNames = map[CommandID]string{
	CmdStart:               "Start",
	CmdStop:                "Stop",
	CmdStartStreaming:      "StartStreaming",
	CmdStopStreaming:       "StopStreaming",
	CmdShutdown:            "Shutdown",
	CmdAcquireLock:         "AcquireLock",
	CmdReleaseLock:         "ReleaseLock",
	CmdAAALocked:           "AAALocked",
	CmdHwStreamingFinished: "HwStreamingFinished",
	CmdHwDmaFinished:       "HwDmaFinished",
}

func (c CommandID) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return "Unknown"
}

func (c CommandID) internal() bool {
	return c >= CmdAAALocked
}

// Command is a request queued on an Engine.
type Command struct {
	ID     CommandID
	Frames int               // CmdStartStreaming: frames to capture, 0 means until stopped.
	Locks  cameric.Subsystem // CmdAcquireLock, CmdReleaseLock.
}

// Completion is called exactly once for each command sent from outside,
// except CmdShutdown. It is called from the worker goroutine and must not
// block.
type Completion func(id CommandID, err error)

// DefaultStopTimeout is how long STOP_STREAMING waits for the hardware before
// completing anyway.
const DefaultStopTimeout = 500 * time.Millisecond

// Config configures an Engine.
type Config struct {
	// Index selects the watchdog slot, 0 or 1. Two engines in the same
	// process must use different indexes.
	Index int
	// MaxCommands is the size of the command queues. Required.
	MaxCommands int
	// Is3D opens the second chain. It is needed for ModeSensor3D and
	// ModeSensor2DImgStab.
	Is3D bool
	// Hardware opens the CamerIC drivers. Required.
	Hardware cameric.Hardware
	// Algorithms creates the auto-algorithms. Optional.
	Algorithms func() (cameric.Algorithms, error)
	// Completion is optional.
	Completion Completion
	// Watchdog defaults to watchdog.Default.
	Watchdog *watchdog.Registry
	// StopTimeout defaults to DefaultStopTimeout.
	StopTimeout time.Duration
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Engine drives the CamerIC chains of one camera.
type Engine struct {
	index       int
	maxCommands int
	completion  Completion
	registry    *watchdog.Registry
	stopTimeout time.Duration
	log         *zap.Logger
	state       *fsm.FSM
	cmds        *cmdq.Queue[Command]
	algos       cameric.Algorithms
	drivers     [2]cameric.Driver
	events      *events

	// mu is held by the worker while it processes a command and by the
	// configuration entry points.
	mu       sync.Mutex
	mode     cameric.Mode
	idx      [2]cameric.Chain // Logical to physical chain.
	chains   [2]chain         // Indexed by physical chain.
	sensor   cameric.SensorConfig
	jpe      bool
	image    *mediabuf.Buffer
	consumer momctrl.Consumer
	session  uuid.UUID // Set on each START.

	relCamerIc []func() error
	relPixelIf []func() error
	relDrv     []func() error

	stopPending bool
	lockPending bool
	lockCb      bool

	// Touched from driver callbacks.
	stopToken  atomic.Pointer[watchdog.Token]
	stopsLeft  atomic.Int32
	lockMask   atomic.Uint32
	lockedMask atomic.Uint32
	lockPosted atomic.Bool
	measured   [cameric.Vsm + 1]atomic.Uint32
}

type chain struct {
	drv    cameric.Driver
	sensor cameric.Sensor
	mipi   cameric.MipiReceiver
	mom    *momctrl.Controller
	done   chan error      // MomCtrl completions.
	isp    cameric.IspMode // Input of the ISP outside raw capture.
	acq    image.Rectangle
	out    image.Rectangle
	is     image.Rectangle
}

// New opens the drivers and the auto-algorithms and starts the worker. The
// engine is Initialized on return.
//
// On failure, everything done so far is undone in reverse order and the
// first error is returned.
func New(cfg *Config) (_ *Engine, err error) {
	if cfg == nil {
		return nil, cameric.NullPointer
	}
	if cfg.Hardware == nil {
		return nil, errors.Wrap(cameric.WrongHandle, "camengine: no hardware")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		index:       cfg.Index,
		maxCommands: cfg.MaxCommands,
		completion:  cfg.Completion,
		registry:    cfg.Watchdog,
		stopTimeout: cfg.StopTimeout,
		log:         log.With(zap.Int("engine", cfg.Index)),
		idx:         [2]cameric.Chain{cameric.Master, cameric.Slave},
	}
	e.events = &events{e}
	if e.registry == nil {
		e.registry = watchdog.Default
	}
	if e.stopTimeout <= 0 {
		e.stopTimeout = DefaultStopTimeout
	}
	e.state = fsm.NewFSM(
		string(Invalid),
		fsm.Events{
			{Name: "init", Src: []string{string(Invalid)}, Dst: string(Initialized)},
			{Name: "start", Src: []string{string(Initialized)}, Dst: string(Running)},
			{Name: "stream", Src: []string{string(Running)}, Dst: string(Streaming)},
			{Name: "halt", Src: []string{string(Streaming)}, Dst: string(Running)},
			{Name: "stop", Src: []string{string(Running)}, Dst: string(Initialized)},
			{Name: "shutdown", Src: []string{string(Initialized), string(Running), string(Streaming)}, Dst: string(Invalid)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, ev *fsm.Event) {
				e.log.Debug("state", zap.String("from", ev.Src), zap.String("to", ev.Dst))
			},
		},
	)

	var undo []func() error
	defer func() {
		if err != nil {
			unwind(undo)
		}
	}()

	if err = e.registry.Claim(e.index); err != nil {
		return nil, err
	}
	undo = append(undo, func() error { e.registry.Release(e.index); return nil })

	n := 1
	if cfg.Is3D {
		n = 2
	}
	for i := 0; i < n; i++ {
		d, err := cfg.Hardware.OpenDriver(cameric.Chain(i))
		if err != nil {
			return nil, err
		}
		e.drivers[i] = d
		e.chains[i].drv = d
		e.chains[i].done = make(chan error, 4)
		undo = append(undo, d.Close)
	}
	if cfg.Algorithms != nil {
		if e.algos, err = cfg.Algorithms(); err != nil {
			return nil, err
		}
		undo = append(undo, e.algos.Close)
	}
	if e.cmds, err = cmdq.New[Command](cfg.MaxCommands); err != nil {
		return nil, err
	}
	e.transition("init")
	e.cmds.Go(e.dispatch)
	e.log.Info("created", zap.Bool("3d", cfg.Is3D))
	return e, nil
}

// Close shuts the engine down.
//
// Commands still queued are completed with Canceled. All the resources are
// released; every step is attempted and the errors are aggregated.
func (e *Engine) Close() error {
	err := e.cmds.Close(Command{ID: CmdShutdown}, func(cmd Command) {
		if !cmd.ID.internal() && cmd.ID != CmdShutdown {
			e.complete(cmd.ID, cameric.Canceled)
		}
	})
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopToken.Swap(nil).Disarm()
	if e.State() != Invalid {
		// The worker exited without processing a shutdown.
		err = multierr.Append(err, e.teardown())
		e.transition("shutdown")
	}
	err = multierr.Append(err, e.algos.Close())
	for i := len(e.drivers) - 1; i >= 0; i-- {
		if e.drivers[i] != nil {
			err = multierr.Append(err, e.drivers[i].Close())
			e.drivers[i] = nil
		}
	}
	e.registry.Release(e.index)
	e.log.Info("destroyed", zap.Error(err))
	return err
}

// State returns the current state.
func (e *Engine) State() State {
	return State(e.state.Current())
}

// Mode returns the mode set by the last configuration.
func (e *Engine) Mode() cameric.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Session identifies the current run, from START to STOP. It is the zero
// UUID before the first START.
func (e *Engine) Session() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// LockState returns the subsystems requested to lock and the ones locked.
func (e *Engine) LockState() (requested, locked cameric.Subsystem) {
	return cameric.Subsystem(e.lockMask.Load()), cameric.Subsystem(e.lockedMask.Load())
}

// SendCommand queues a command. It returns Canceled once the engine is
// shutting down.
//
// Internal commands are refused.
func (e *Engine) SendCommand(cmd Command) error {
	if _, ok := commandNames[cmd.ID]; !ok || cmd.ID.internal() {
		return errors.Wrapf(cameric.InvalidParm, "camengine: command %d", cmd.ID)
	}
	return e.post(cmd)
}

//

func (e *Engine) post(cmd Command) error {
	return e.cmds.Send(cmd, func() error {
		if e.State() == Invalid {
			return cameric.Canceled
		}
		return nil
	})
}

// raise posts an internal command from a driver callback.
func (e *Engine) raise(id CommandID) {
	if err := e.post(Command{ID: id}); err != nil {
		e.log.Debug("dropped", zap.Stringer("cmd", id), zap.Error(err))
	}
}

func (e *Engine) complete(id CommandID, err error) {
	if err != nil {
		e.log.Warn("command failed", zap.Stringer("cmd", id), zap.Error(err))
	} else {
		e.log.Debug("command done", zap.Stringer("cmd", id))
	}
	if e.completion != nil {
		e.completion(id, err)
	}
}

func (e *Engine) transition(ev string) {
	if err := e.state.Event(context.Background(), ev); err != nil {
		e.log.Error("transition", zap.String("event", ev), zap.Error(err))
	}
}

// chain returns a logical chain.
func (e *Engine) chain(c cameric.Chain) *chain {
	return &e.chains[e.idx[c]]
}

// active returns the logical chains in use by the current mode.
func (e *Engine) active() []*chain {
	if e.mode.TwoChains() {
		return []*chain{e.chain(cameric.Master), e.chain(cameric.Slave)}
	}
	return []*chain{e.chain(cameric.Master)}
}

// dispatch runs on the worker goroutine. It returns true on shutdown.
func (e *Engine) dispatch(cmd Command) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log.Debug("command", zap.Stringer("cmd", cmd.ID), zap.String("state", e.state.Current()))
	var err error = cameric.WrongState
	switch e.State() {
	case Initialized:
		switch cmd.ID {
		case CmdShutdown:
			// Entry points may have configured things without a START.
			_ = e.teardown()
			e.transition("shutdown")
			return true
		case CmdStart:
			e.session = uuid.New()
			e.log.Info("session", zap.Stringer("id", e.session), zap.Stringer("mode", e.mode))
			e.transition("start")
			err = nil
		}

	case Running:
		switch cmd.ID {
		case CmdShutdown:
			e.cancelStop()
			_ = e.teardown()
			e.transition("shutdown")
			return true
		case CmdStop:
			e.cancelStop()
			err = e.teardown()
			e.transition("stop")
		case CmdStartStreaming:
			if err = e.startStreaming(cmd.Frames); err == nil {
				e.transition("stream")
			}
		case CmdHwStreamingFinished:
			e.streamingFinished()
		case CmdHwDmaFinished:
		}

	case Streaming:
		switch cmd.ID {
		case CmdShutdown:
			e.cancelLock()
			e.forceStop()
			_ = e.teardown()
			e.transition("shutdown")
			return true
		case CmdStopStreaming:
			if err = e.stopStreaming(); cameric.IsPending(err) {
				e.transition("halt")
			}
		case CmdAcquireLock:
			err = e.acquireLock(cmd.Locks)
		case CmdReleaseLock:
			err = e.releaseLock(cmd.Locks)
		case CmdAAALocked:
			e.aaaLocked()
		case CmdHwDmaFinished:
			e.loadPicture()
		case CmdHwStreamingFinished:
			// Capture of a fixed number of frames ended; wait for STOP_STREAMING.
		}
	}
	if cmd.ID.internal() || cameric.IsPending(err) {
		return false
	}
	e.complete(cmd.ID, err)
	return false
}

// teardown releases everything the configuration entry points built, in
// reverse order.
func (e *Engine) teardown() error {
	err := e.releaseDrv()
	err = multierr.Append(err, e.releasePixelIf())
	err = multierr.Append(err, e.releaseCamerIc())
	e.mode = cameric.ModeInvalid
	e.idx = [2]cameric.Chain{cameric.Master, cameric.Slave}
	for i := range e.chains {
		c := &e.chains[i]
		c.sensor = nil
		c.isp = cameric.IspRaw
		c.acq, c.out, c.is = image.Rectangle{}, image.Rectangle{}, image.Rectangle{}
	}
	e.sensor = cameric.SensorConfig{}
	e.jpe = false
	if err != nil {
		e.log.Error("teardown", zap.Error(err))
	}
	return err
}

// unwind calls the functions in reverse order, ignoring errors.
func unwind(undo []func() error) {
	for i := len(undo) - 1; i >= 0; i-- {
		_ = undo[i]()
	}
}

// release calls the functions in reverse order and clears the stack. All are
// called; errors are aggregated.
func release(stack *[]func() error) error {
	var err error
	s := *stack
	for i := len(s) - 1; i >= 0; i-- {
		err = multierr.Append(err, s[i]())
	}
	*stack = nil
	return err
}
