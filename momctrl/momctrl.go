// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package momctrl moves frame buffers between their pools, the memory
// interface of a CamerIC chain and the consumers.
//
// Each output path (main, self) has an empty queue feeding the hardware and
// a full queue feeding the consumers:
//
//	pool -> empty queue -> hardware -> full queue -> consumers -> pool
//
// The hardware side runs in the driver context through RequestBuffer() and
// BufferEvent(). Everything else is serialized on a single worker goroutine
// fed by a command queue.
package momctrl

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/maruel/go-cameric/cameric"
	"github.com/maruel/go-cameric/internal/cmdq"
	"github.com/maruel/go-cameric/mediabuf"
)

// State is the lifecycle state of a Controller.
type State string

// Valid values for State.
const (
	Initialize State = "initialize"
	Running    State = "running"
	Stopped    State = "stopped"
	Invalid    State = "invalid"
)

// CommandID identifies a command processed by the worker.
type CommandID int

// Valid values for CommandID.
const (
	CmdStart    CommandID = 1
	CmdStop     CommandID = 2
	CmdShutdown CommandID = 3

	// Internal, raised by BufferEvent(). Never completed.
	CmdProcFullMain CommandID = 10
	CmdProcFullSelf CommandID = 11
)

func (c CommandID) String() string {
	switch c {
	case CmdStart:
		return "Start"
	case CmdStop:
		return "Stop"
	case CmdShutdown:
		return "Shutdown"
	case CmdProcFullMain:
		return "ProcFullMain"
	case CmdProcFullSelf:
		return "ProcFullSelf"
	default:
		return "Unknown"
	}
}

func (c CommandID) internal() bool {
	return c == CmdProcFullMain || c == CmdProcFullSelf
}

// Completion is called once for each Start and Stop command, from the
// worker goroutine.
type Completion func(id CommandID, err error)

// Consumer receives a full buffer and owns it; it must call Unlock() once
// done with it.
type Consumer func(p cameric.Path, b *mediabuf.Buffer)

// drainTimeout is how long STOP waits for each buffer still on its way back.
const drainTimeout = 10 * time.Millisecond

// Config configures a Controller.
type Config struct {
	// Mi is the memory interface of the chain. Required.
	Mi cameric.Mi
	// Pools are the buffer pools per path. A nil pool disables the path.
	Pools [cameric.NumPaths]*mediabuf.Pool
	// Buffers is the number of buffers kept in the empty queue of each path.
	// 0 means the size of the pool.
	Buffers [cameric.NumPaths]int
	// MaxCommands is the size of the command queue.
	MaxCommands int
	// Completion is optional.
	Completion Completion
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Controller is the buffer lifecycle coordinator of one chain.
type Controller struct {
	mi         cameric.Mi
	completion Completion
	log        *zap.Logger
	state      *fsm.FSM
	cmds       *cmdq.Queue[CommandID]
	paths      [cameric.NumPaths]path
}

type path struct {
	id    cameric.Path
	pool  *mediabuf.Pool
	want  int
	empty chan *mediabuf.Buffer
	full  chan *mediabuf.Buffer

	mu     sync.Mutex // Guards the consumers below.
	cb     Consumer
	queues []chan<- *mediabuf.Buffer

	hwMu sync.Mutex
	hw   map[*mediabuf.Buffer]struct{} // Handed to the hardware, not yet back.
}

func (pa *path) take(b *mediabuf.Buffer) {
	pa.hwMu.Lock()
	defer pa.hwMu.Unlock()
	if pa.hw == nil {
		pa.hw = map[*mediabuf.Buffer]struct{}{}
	}
	pa.hw[b] = struct{}{}
}

func (pa *path) release(b *mediabuf.Buffer) {
	pa.hwMu.Lock()
	defer pa.hwMu.Unlock()
	delete(pa.hw, b)
}

func (pa *path) held() []*mediabuf.Buffer {
	pa.hwMu.Lock()
	defer pa.hwMu.Unlock()
	out := make([]*mediabuf.Buffer, 0, len(pa.hw))
	for b := range pa.hw {
		out = append(out, b)
	}
	return out
}

// New creates the controller and registers it on the memory interface and
// the pools. It starts in the Initialize state.
//
// On failure, everything done so far is undone in reverse order.
func New(cfg *Config) (_ *Controller, err error) {
	if cfg == nil {
		return nil, cameric.NullPointer
	}
	if cfg.Mi == nil {
		return nil, errors.Wrap(cameric.WrongHandle, "momctrl: no memory interface")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		mi:         cfg.Mi,
		completion: cfg.Completion,
		log:        log.With(zap.String("component", "momctrl")),
	}
	c.state = fsm.NewFSM(
		string(Initialize),
		fsm.Events{
			{Name: "start", Src: []string{string(Initialize), string(Stopped)}, Dst: string(Running)},
			{Name: "stop", Src: []string{string(Running)}, Dst: string(Stopped)},
			{Name: "shutdown", Src: []string{string(Initialize), string(Running), string(Stopped)}, Dst: string(Invalid)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Debug("state", zap.String("from", e.Src), zap.String("to", e.Dst))
			},
		},
	)

	var undo []func() error
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				_ = undo[i]()
			}
		}
	}()

	if c.cmds, err = cmdq.New[CommandID](cfg.MaxCommands); err != nil {
		return nil, err
	}
	depth := 0
	for i := range c.paths {
		p := &c.paths[i]
		p.id = cameric.Path(i)
		p.pool = cfg.Pools[i]
		if p.pool == nil {
			continue
		}
		p.want = cfg.Buffers[i]
		if p.want <= 0 || p.want > p.pool.Len() {
			p.want = p.pool.Len()
		}
		if p.want > depth {
			depth = p.want
		}
	}
	if depth == 0 {
		return nil, errors.Wrap(cameric.InvalidParm, "momctrl: no path enabled")
	}
	for i := range c.paths {
		p := &c.paths[i]
		p.empty = make(chan *mediabuf.Buffer, depth)
		p.full = make(chan *mediabuf.Buffer, depth)
	}
	for i := range c.paths {
		if pool := c.paths[i].pool; pool != nil {
			if err = pool.Register(c); err != nil {
				return nil, err
			}
			undo = append(undo, func() error { return pool.Deregister(c) })
		}
	}
	if err = c.mi.RegisterRequestCb(c); err != nil {
		return nil, err
	}
	undo = append(undo, c.mi.DeregisterRequestCb)
	if err = c.mi.RegisterEventCb(c); err != nil {
		return nil, err
	}
	undo = append(undo, c.mi.DeregisterEventCb)
	c.cmds.Go(c.dispatch)
	return c, nil
}

// Close shuts the worker down, cancels the commands still queued and
// unregisters from the memory interface and the pools.
//
// Buffers still held by the controller are returned to their pool.
func (c *Controller) Close() error {
	err := c.cmds.Close(CmdShutdown, func(id CommandID) {
		if id == CmdStart || id == CmdStop {
			c.complete(id, cameric.Canceled)
		}
	})
	err = multierr.Append(err, c.mi.DeregisterEventCb())
	err = multierr.Append(err, c.mi.DeregisterRequestCb())
	for i := len(c.paths) - 1; i >= 0; i-- {
		p := &c.paths[i]
		if p.pool == nil {
			continue
		}
		err = multierr.Append(err, p.pool.Deregister(c))
		drain(p.full, 0)
		drain(p.empty, 0)
	}
	return err
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Current())
}

// SendCommand queues a command.
//
// It returns Canceled once the controller is shutting down.
func (c *Controller) SendCommand(id CommandID) error {
	if id != CmdStart && id != CmdStop && id != CmdShutdown {
		return errors.Wrapf(cameric.InvalidParm, "momctrl: command %d", id)
	}
	return c.send(id)
}

// Start queues a Start command.
func (c *Controller) Start() error {
	return c.SendCommand(CmdStart)
}

// Stop queues a Stop command.
func (c *Controller) Stop() error {
	return c.SendCommand(CmdStop)
}

// QueueLen returns the number of buffers in the empty and full queues of a
// path.
func (c *Controller) QueueLen(p cameric.Path) (empty, full int) {
	if p < 0 || p >= cameric.NumPaths {
		return 0, 0
	}
	return len(c.paths[p].empty), len(c.paths[p].full)
}

// RegisterBufferCb sets the consumer called for each full buffer of a path
// when no queue is attached.
func (c *Controller) RegisterBufferCb(p cameric.Path, fn Consumer) error {
	if fn == nil {
		return cameric.NullPointer
	}
	pa, err := c.path(p)
	if err != nil {
		return err
	}
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if pa.cb != nil {
		return cameric.Busy
	}
	pa.cb = fn
	return nil
}

// DeregisterBufferCb removes the consumer set with RegisterBufferCb().
func (c *Controller) DeregisterBufferCb(p cameric.Path) error {
	pa, err := c.path(p)
	if err != nil {
		return err
	}
	pa.mu.Lock()
	defer pa.mu.Unlock()
	pa.cb = nil
	return nil
}

// AttachQueue adds a channel receiving every full buffer of a path.
//
// All the attached queues receive the same buffer; each receiver must call
// Unlock() once. A frame is skipped for a queue that is full.
func (c *Controller) AttachQueue(p cameric.Path, q chan<- *mediabuf.Buffer) error {
	if q == nil {
		return cameric.NullPointer
	}
	pa, err := c.path(p)
	if err != nil {
		return err
	}
	pa.mu.Lock()
	defer pa.mu.Unlock()
	for _, e := range pa.queues {
		if e == q {
			return cameric.Busy
		}
	}
	pa.queues = append(pa.queues, q)
	return nil
}

// DetachQueue removes a channel added with AttachQueue().
func (c *Controller) DetachQueue(p cameric.Path, q chan<- *mediabuf.Buffer) error {
	pa, err := c.path(p)
	if err != nil {
		return err
	}
	pa.mu.Lock()
	defer pa.mu.Unlock()
	for i, e := range pa.queues {
		if e == q {
			pa.queues = append(pa.queues[:i], pa.queues[i+1:]...)
			return nil
		}
	}
	return cameric.InvalidParm
}

// RequestBuffer implements cameric.BufferRequester.
//
// It never blocks: an empty queue returns NotAvailable and the hardware drops
// the frame.
func (c *Controller) RequestBuffer(p cameric.Path) (*mediabuf.Buffer, error) {
	if c.State() != Running {
		return nil, cameric.WrongState
	}
	pa, err := c.path(p)
	if err != nil {
		return nil, err
	}
	select {
	case b := <-pa.empty:
		pa.take(b)
		return b, nil
	default:
		c.log.Debug("no empty buffer", zap.Stringer("path", p))
		return nil, cameric.NotAvailable
	}
}

// BufferEvent implements cameric.BufferObserver.
func (c *Controller) BufferEvent(ev cameric.BufferEvent, p cameric.Path, b *mediabuf.Buffer) {
	switch ev {
	case cameric.BufferFull:
		if b == nil {
			return
		}
		pa, err := c.path(p)
		if err != nil {
			b.Unlock()
			return
		}
		pa.release(b)
		if c.State() != Running {
			b.Unlock()
			return
		}
		b.Meta.Timestamp = time.Now()
		select {
		case pa.full <- b:
		default:
			c.log.Warn("full queue overflow", zap.Stringer("path", p))
			b.Unlock()
			return
		}
		id := CmdProcFullMain
		if p == cameric.SelfPath {
			id = CmdProcFullSelf
		}
		if err := c.send(id); err != nil {
			// The next one, or Stop, picks it up.
			c.log.Debug("full buffer notification lost", zap.Error(err))
		}
	case cameric.BufferFlushed:
		if b == nil {
			return
		}
		if pa, err := c.path(p); err == nil {
			pa.release(b)
		}
		b.Unlock()
	case cameric.BufferDropped:
	}
}

// BufferAdded implements mediabuf.Observer.
//
// A buffer returned to a pool while running is moved to the empty queue right
// away.
func (c *Controller) BufferAdded(pool *mediabuf.Pool) {
	if c.State() != Running {
		return
	}
	for i := range c.paths {
		pa := &c.paths[i]
		if pa.pool != pool {
			continue
		}
		if len(pa.empty) >= pa.want {
			return
		}
		b := pool.Get()
		if b == nil {
			return
		}
		select {
		case pa.empty <- b:
		default:
			b.Unlock()
		}
		return
	}
}

//

func (c *Controller) send(id CommandID) error {
	return c.cmds.Send(id, func() error {
		if c.State() == Invalid {
			return cameric.Canceled
		}
		return nil
	})
}

func (c *Controller) path(p cameric.Path) (*path, error) {
	if p < 0 || p >= cameric.NumPaths {
		return nil, cameric.OutOfRange
	}
	pa := &c.paths[p]
	if pa.pool == nil {
		return nil, cameric.NotAvailable
	}
	return pa, nil
}

func (c *Controller) complete(id CommandID, err error) {
	if err != nil {
		c.log.Warn("command failed", zap.Stringer("cmd", id), zap.Error(err))
	}
	if c.completion != nil {
		c.completion(id, err)
	}
}

func (c *Controller) transition(ev string) {
	if err := c.state.Event(context.Background(), ev); err != nil {
		c.log.Error("transition", zap.String("event", ev), zap.Error(err))
	}
}

// dispatch runs on the worker goroutine. It returns true on shutdown.
func (c *Controller) dispatch(id CommandID) bool {
	c.log.Debug("command", zap.Stringer("cmd", id), zap.String("state", c.state.Current()))
	var err error = cameric.WrongState
	switch State(c.state.Current()) {
	case Initialize, Stopped:
		switch id {
		case CmdShutdown:
			c.transition("shutdown")
			return true
		case CmdStart:
			c.fill()
			c.transition("start")
			err = nil
		case CmdProcFullMain, CmdProcFullSelf:
			return false
		}
	case Running:
		switch id {
		case CmdShutdown:
			c.transition("stop")
			c.drainAll()
			c.transition("shutdown")
			return true
		case CmdStop:
			c.transition("stop")
			c.drainAll()
			err = nil
		case CmdProcFullMain:
			c.deliver(&c.paths[cameric.MainPath])
			return false
		case CmdProcFullSelf:
			c.deliver(&c.paths[cameric.SelfPath])
			return false
		}
	}
	if id.internal() {
		return false
	}
	c.complete(id, err)
	return false
}

// fill tops up the empty queues from the pools.
func (c *Controller) fill() {
	for i := range c.paths {
		pa := &c.paths[i]
		if pa.pool == nil {
			continue
		}
		for len(pa.empty) < pa.want {
			b := pa.pool.Get()
			if b == nil {
				break
			}
			pa.empty <- b
		}
	}
}

// drainAll returns the queued buffers to their pool, waiting briefly for
// the ones still in the pipe, then resets the pools. Buffers still held by the
// hardware are left out of the reset; their late event returns them.
func (c *Controller) drainAll() {
	for i := range c.paths {
		pa := &c.paths[i]
		if pa.pool == nil {
			continue
		}
		drain(pa.full, drainTimeout)
		drain(pa.empty, drainTimeout)
		pa.pool.Reset(pa.held()...)
	}
}

func drain(q chan *mediabuf.Buffer, timeout time.Duration) {
	for {
		if timeout == 0 {
			select {
			case b := <-q:
				b.Unlock()
				continue
			default:
				return
			}
		}
		select {
		case b := <-q:
			b.Unlock()
		case <-time.After(timeout):
			return
		}
	}
}

// deliver hands the full buffers of a path to its consumers.
func (c *Controller) deliver(pa *path) {
	for {
		var b *mediabuf.Buffer
		select {
		case b = <-pa.full:
		default:
			return
		}
		pa.mu.Lock()
		if len(pa.queues) != 0 {
			for _, q := range pa.queues {
				b.Lock()
				select {
				case q <- b:
				default:
					c.log.Debug("consumer queue full", zap.Stringer("path", pa.id))
					b.Unlock()
				}
			}
			pa.mu.Unlock()
			b.Unlock()
			continue
		}
		cb := pa.cb
		pa.mu.Unlock()
		if cb != nil {
			cb(pa.id, b)
		} else {
			b.Unlock()
		}
	}
}
