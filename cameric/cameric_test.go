// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package cameric

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

func TestResultOf(t *testing.T) {
	data := []struct {
		err  error
		want Result
	}{
		{nil, Success},
		{Busy, Busy},
		{errors.Wrap(WrongHandle, "open"), WrongHandle},
		{fmt.Errorf("outer: %w", errors.Wrapf(Pending, "inner %d", 1)), Pending},
		{errors.New("boom"), Failure},
		{multierr.Append(OutOfRange, Busy), OutOfRange},
	}
	for i, line := range data {
		if r := ResultOf(line.err); r != line.want {
			t.Fatalf("#%d: %s != %s", i, r, line.want)
		}
	}
	if !IsPending(errors.Wrap(Pending, "x")) || IsPending(nil) {
		t.Fatal("IsPending")
	}
}

func TestStrings(t *testing.T) {
	if s := NotAvailable.Error(); s != "cameric: NotAvailable" {
		t.Fatal(s)
	}
	if s := Result(42).String(); s != "Result(42)" {
		t.Fatal(s)
	}
	if s := (LockAEC | LockAF).String(); s != "AEC|AF" {
		t.Fatal(s)
	}
	if s := LockNone.String(); s != "none" {
		t.Fatal(s)
	}
	if s := Vsm.String(); s != "Vsm" {
		t.Fatal(s)
	}
	if s := IspBT601.String(); s != "BT601" {
		t.Fatal(s)
	}
	if s := BayerPattern(7).String(); s != "BayerPattern(7)" {
		t.Fatal(s)
	}
	if !Vsm.Measures() || Bls.Measures() {
		t.Fatal("Measures")
	}
}

func TestDataMode(t *testing.T) {
	if !DataRAW12.IsRaw() || DataYUV422.IsRaw() {
		t.Fatal("IsRaw")
	}
	if !DataYUV400.IsYUV() || DataRGB888.IsYUV() || DataDisabled.IsYUV() {
		t.Fatal("IsYUV")
	}
	if !ModeSensor3D.TwoChains() || ModeImageProcessing.TwoChains() {
		t.Fatal("TwoChains")
	}
}
