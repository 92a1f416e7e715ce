// Copyright 2026 Dolthub, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package d holds the fault helpers used by the storage layer. A fault is a
// broken layout invariant: the region is corrupt or a caller violated a
// contract that cannot be recovered from locally.
package d

import (
	"errors"
	"fmt"

	"github.com/stretchr/testify/assert"
)

var (
	// Chk panics with a plain string on any failed assertion.
	Chk = assert.New(&panicker{})
	// Exp provides the same API as Chk, but the resulting panics can be caught by d.Try()
	Exp = assert.New(&recoverablePanicker{})
)

type panicker struct {
}

func (s panicker) Errorf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

type recoverablePanicker struct {
}

func (s recoverablePanicker) Errorf(format string, args ...interface{}) {
	panic(Fault{fmt.Sprintf(format, args...)})
}

// Fault is the panic value raised by Panic and the PanicIf helpers.
type Fault struct {
	msg string
}

func (e Fault) Error() string {
	return e.msg
}

// Panic raises a Fault built from |format| and |args|.
func Panic(format string, args ...interface{}) {
	panic(Fault{fmt.Sprintf(format, args...)})
}

// PanicIfError raises a Fault wrapping |err| if it is non-nil.
func PanicIfError(err error) {
	if err != nil {
		panic(Fault{err.Error()})
	}
}

// PanicIfTrue raises a Fault if |b| is true.
func PanicIfTrue(b bool, format string, args ...interface{}) {
	if b {
		Panic(format, args...)
	}
}

// PanicIfFalse raises a Fault if |b| is false.
func PanicIfFalse(b bool, format string, args ...interface{}) {
	if !b {
		Panic(format, args...)
	}
}

// Try calls |f| and converts a Fault panic into an error. Any other panic is
// re-raised.
func Try(f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var fault Fault
			if e, ok := r.(error); ok && errors.As(e, &fault) {
				err = fault
				return
			}
			panic(r)
		}
	}()
	f()
	return nil
}
