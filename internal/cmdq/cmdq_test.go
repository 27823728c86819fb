// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package cmdq

import (
	"testing"

	"github.com/maruel/go-cameric/cameric"
)

func TestQueue(t *testing.T) {
	if _, err := New[int](0); cameric.ResultOf(err) != cameric.OutOfRange {
		t.Fatal(err)
	}
	q, err := New[int](4)
	if err != nil {
		t.Fatal(err)
	}
	block := make(chan struct{})
	var seen []int
	q.Go(func(cmd int) bool {
		if cmd == 1 {
			<-block
		}
		seen = append(seen, cmd)
		return cmd < 0
	})
	for i := 1; i <= 3; i++ {
		if err := q.Send(i, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.Send(9, func() error { return cameric.WrongState }); cameric.ResultOf(err) != cameric.WrongState {
		t.Fatal(err)
	}
	// -1 makes the worker exit, 4 is left behind.
	if err := q.Send(-1, nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Send(4, nil); err != nil {
		t.Fatal(err)
	}
	close(block)
	<-q.t.Dead()
	var canceled []int
	if err := q.Close(-2, func(cmd int) { canceled = append(canceled, cmd) }); err != nil {
		t.Fatal(err)
	}
	if q.Alive() {
		t.Fatal("worker should be dead")
	}
	if len(seen) != 4 || seen[0] != 1 || seen[3] != -1 {
		t.Fatal(seen)
	}
	// The worker was gone so no stop command was queued.
	if len(canceled) != 1 || canceled[0] != 4 {
		t.Fatal(canceled)
	}
	if err := q.Send(5, nil); cameric.ResultOf(err) != cameric.Canceled {
		t.Fatal(err)
	}
}
