// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package camengine

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/maruel/go-cameric/cameric"
)

// Lock negotiation.
//
// lockMask holds the subsystems still settling and lockedMask the ones
// locked. While lockMask is not empty the engine watches the frame end
// events of the master ISP and retries the lock on each; once lockMask is
// empty, AAA_LOCKED is raised exactly once and completes ACQUIRE_LOCK.

func setBits(v *atomic.Uint32, b cameric.Subsystem) {
	for {
		old := v.Load()
		if v.CompareAndSwap(old, old|uint32(b)) {
			return
		}
	}
}

func clearBits(v *atomic.Uint32, b cameric.Subsystem) {
	for {
		old := v.Load()
		if v.CompareAndSwap(old, old&^uint32(b)) {
			return
		}
	}
}

// tryLock returns true if l locked.
func tryLock(l cameric.Lockable) bool {
	err := l.TryLock()
	switch cameric.ResultOf(err) {
	case cameric.Success:
		return true
	case cameric.Pending:
		return false
	default:
		panic(fmt.Sprintf("camengine: TryLock() returned %v", err))
	}
}

// acquireLock tries each requested subsystem once. Whatever does not lock
// right away is retried on each frame end. On failure, what this call locked
// is unlocked again.
func (e *Engine) acquireLock(req cameric.Subsystem) (err error) {
	if req == cameric.LockNone || req&^cameric.LockAll != 0 {
		return cameric.InvalidParm
	}
	if e.lockPending {
		return cameric.Busy
	}
	if (req&cameric.LockAEC != 0 && e.algos.Aec == nil) ||
		(req&cameric.LockAWB != 0 && e.algos.Awb == nil) ||
		(req&cameric.LockAF != 0 && e.algos.Af == nil) {
		return cameric.NotSupported
	}
	var locked, pending cameric.Subsystem
	defer func() {
		if err != nil && !cameric.IsPending(err) {
			e.unlockAll(locked)
		}
	}()
	if req&cameric.LockAEC != 0 {
		if tryLock(e.algos.Aec) {
			locked |= cameric.LockAEC
		} else {
			pending |= cameric.LockAEC
		}
	}
	if req&cameric.LockAWB != 0 {
		// The white balance locks after the exposure.
		aec := (cameric.Subsystem(e.lockedMask.Load()) | locked) & cameric.LockAEC
		if aec != 0 && tryLock(e.algos.Awb) {
			locked |= cameric.LockAWB
		} else {
			pending |= cameric.LockAWB
		}
	}
	if req&cameric.LockAF != 0 {
		searching, err := e.algos.Af.Status()
		if err != nil {
			return err
		}
		if !searching {
			if err := e.algos.Af.OneShot(); err != nil {
				return err
			}
			pending |= cameric.LockAF
		} else if tryLock(e.algos.Af) {
			locked |= cameric.LockAF
		} else {
			pending |= cameric.LockAF
		}
	}
	if pending == 0 {
		setBits(&e.lockedMask, locked)
		return nil
	}
	if !e.lockCb {
		if err := e.chain(cameric.Master).drv.Isp().RegisterEventCb(e.events); err != nil {
			return err
		}
		e.lockCb = true
	}
	setBits(&e.lockedMask, locked)
	e.lockPosted.Store(false)
	setBits(&e.lockMask, pending)
	e.lockPending = true
	e.log.Debug("locking", zap.Stringer("locked", locked), zap.Stringer("pending", pending))
	return cameric.Pending
}

// unlockAll unlocks the subsystems in l, last locked first.
func (e *Engine) unlockAll(l cameric.Subsystem) {
	if l&cameric.LockAF != 0 {
		if err := e.algos.Af.Unlock(); err != nil {
			e.log.Warn("unlock", zap.Stringer("subsystem", cameric.LockAF), zap.Error(err))
		}
	}
	if l&cameric.LockAWB != 0 {
		if err := e.algos.Awb.Unlock(); err != nil {
			e.log.Warn("unlock", zap.Stringer("subsystem", cameric.LockAWB), zap.Error(err))
		}
	}
	if l&cameric.LockAEC != 0 {
		if err := e.algos.Aec.Unlock(); err != nil {
			e.log.Warn("unlock", zap.Stringer("subsystem", cameric.LockAEC), zap.Error(err))
		}
	}
}

// retryLocks runs on each frame end while a lock is settling.
func (e *Engine) retryLocks() {
	mask := cameric.Subsystem(e.lockMask.Load())
	if mask == 0 {
		return
	}
	var locked cameric.Subsystem
	if mask&cameric.LockAEC != 0 && tryLock(e.algos.Aec) {
		locked |= cameric.LockAEC
	}
	// The white balance waits as long as the exposure is settling.
	if mask&cameric.LockAWB != 0 && (mask&^locked)&cameric.LockAEC == 0 && tryLock(e.algos.Awb) {
		locked |= cameric.LockAWB
	}
	if mask&cameric.LockAF != 0 && tryLock(e.algos.Af) {
		locked |= cameric.LockAF
	}
	if locked != 0 {
		setBits(&e.lockedMask, locked)
		clearBits(&e.lockMask, locked)
	}
	if e.lockMask.Load() == 0 && e.lockPosted.CompareAndSwap(false, true) {
		e.raise(CmdAAALocked)
	}
}

func (e *Engine) aaaLocked() {
	if !e.lockPending {
		return
	}
	e.lockPending = false
	e.deregisterLockCb()
	e.complete(CmdAcquireLock, nil)
}

func (e *Engine) releaseLock(req cameric.Subsystem) error {
	if req&^cameric.LockAll != 0 {
		return cameric.InvalidParm
	}
	var err error
	if req&cameric.LockAEC != 0 && e.algos.Aec != nil {
		err = e.algos.Aec.Unlock()
	}
	if req&cameric.LockAWB != 0 && e.algos.Awb != nil {
		if err2 := e.algos.Awb.Unlock(); err == nil {
			err = err2
		}
	}
	if req&cameric.LockAF != 0 && e.algos.Af != nil {
		if err2 := e.algos.Af.Unlock(); err == nil {
			err = err2
		}
	}
	clearBits(&e.lockMask, req)
	clearBits(&e.lockedMask, req)
	if e.lockPending && e.lockMask.Load() == 0 {
		// Nothing left to wait for.
		e.lockPending = false
		e.complete(CmdAcquireLock, cameric.Canceled)
	}
	if e.lockMask.Load() == 0 && e.lockedMask.Load() == 0 {
		e.deregisterLockCb()
	}
	return err
}

// cancelLock completes a pending ACQUIRE_LOCK with Canceled.
func (e *Engine) cancelLock() {
	if !e.lockPending {
		return
	}
	e.lockPending = false
	e.lockMask.Store(0)
	e.deregisterLockCb()
	e.complete(CmdAcquireLock, cameric.Canceled)
}

func (e *Engine) deregisterLockCb() {
	if !e.lockCb {
		return
	}
	if err := e.chain(cameric.Master).drv.Isp().DeregisterEventCb(); err != nil {
		e.log.Warn("deregister frame events", zap.Error(err))
	}
	e.lockCb = false
}
