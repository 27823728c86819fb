// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package cameric

import (
	"fmt"

	"github.com/pkg/errors"
)

// Result is the outcome of a driver call or of a command processed by a
// worker.
//
// Success is never returned as an error; a nil error means success.
type Result int

// Valid values for Result.
const (
	Success      Result = 0
	Failure      Result = 1  // Generic failure.
	NotSupported Result = 2  // Valid request the hardware mode cannot honor.
	Busy         Result = 3  // A callback slot or resource is already taken.
	Canceled     Result = 4  // Discarded because the worker shut down.
	OutOfMemory  Result = 5  //
	OutOfRange   Result = 6  //
	NullPointer  Result = 7  // Required argument missing.
	InvalidParm  Result = 8  //
	WrongState   Result = 9  // Not permitted in the current state.
	WrongHandle  Result = 10 // Required handle missing or already allocated.
	Pending      Result = 11 // Completes later through a follow-up event.
	NotAvailable Result = 12 // Nothing to hand out right now.
)

var resultNames = [...]string{
	"Success",
	"Failure",
	"NotSupported",
	"Busy",
	"Canceled",
	"OutOfMemory",
	"OutOfRange",
	"NullPointer",
	"InvalidParm",
	"WrongState",
	"WrongHandle",
	"Pending",
	"NotAvailable",
}

func (r Result) String() string {
	if r >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

func (r Result) Error() string {
	return "cameric: " + r.String()
}

// ResultOf maps an error back to its Result.
//
// nil is Success and an error not carrying a Result is Failure. Wrapped
// errors are unwrapped.
func ResultOf(err error) Result {
	if err == nil {
		return Success
	}
	var r Result
	if errors.As(err, &r) {
		return r
	}
	return Failure
}

// IsPending returns true if the error means the operation completes
// asynchronously.
func IsPending(err error) bool {
	return ResultOf(err) == Pending
}
