// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package watchdog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/maruel/go-cameric/cameric"
)

func TestClaim(t *testing.T) {
	r := New()
	if err := r.Claim(0); err != nil {
		t.Fatal(err)
	}
	if r := cameric.ResultOf(r.Claim(0)); r != cameric.Busy {
		t.Fatal(r)
	}
	if r := cameric.ResultOf(r.Claim(Slots)); r != cameric.OutOfRange {
		t.Fatal(r)
	}
	if _, err := r.Arm(1, time.Second, func() {}); cameric.ResultOf(err) != cameric.WrongHandle {
		t.Fatal(err)
	}
	r.Release(0)
	if err := r.Claim(0); err != nil {
		t.Fatal(err)
	}
}

func TestDisarmFirst(t *testing.T) {
	r := New()
	if err := r.Claim(1); err != nil {
		t.Fatal(err)
	}
	var fired int32
	tok, err := r.Arm(1, 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	if err != nil {
		t.Fatal(err)
	}
	if !tok.Disarm() {
		t.Fatal("disarm should win")
	}
	if tok.Disarm() {
		t.Fatal("second disarm must lose")
	}
	time.Sleep(60 * time.Millisecond)
	if n := atomic.LoadInt32(&fired); n != 0 {
		t.Fatal(n)
	}
}

func TestFireFirst(t *testing.T) {
	r := New()
	if err := r.Claim(0); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{}, 2)
	tok, err := r.Arm(0, time.Millisecond, func() { done <- struct{}{} })
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog never fired")
	}
	if tok.Disarm() {
		t.Fatal("disarm after expiry must lose")
	}
	if len(done) != 0 {
		t.Fatal("fired twice")
	}
}

func TestRearm(t *testing.T) {
	r := New()
	if err := r.Claim(0); err != nil {
		t.Fatal(err)
	}
	old, err := r.Arm(0, time.Hour, func() { t.Error("old token fired") })
	if err != nil {
		t.Fatal(err)
	}
	cur, err := r.Arm(0, time.Hour, func() {})
	if err != nil {
		t.Fatal(err)
	}
	if old.Disarm() {
		t.Fatal("stale token must not disarm")
	}
	if !cur.Disarm() {
		t.Fatal("current token should disarm")
	}
	var nilToken *Token
	if nilToken.Disarm() {
		t.Fatal("nil token")
	}
	r.Release(0)
}
