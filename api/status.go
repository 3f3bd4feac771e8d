// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
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

package api

import (
	"errors"
	"fmt"
	"strconv"
)

// Status is the closed result vocabulary shared by every boot component.
//
// A Status other than OK satisfies the error interface, so components can
// return it directly or wrap it with Errorf to add context.
type Status uint8

const (
	OK Status = iota
	Generic
	InvalidParam
	InvalidState
	Timeout
	HWFault
	Mismatch
	Tampered
)

var statusNames = map[Status]string{
	OK:           "ok",
	Generic:      "error",
	InvalidParam: "invalid_param",
	InvalidState: "invalid_state",
	Timeout:      "timeout",
	HWFault:      "hw_fault",
	Mismatch:     "mismatch",
	Tampered:     "tampered",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}

	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Error produces a string for the given status code.
func (s Status) Error() string {
	return "secboot: " + s.String()
}

// Failure is a Status with context.
type Failure struct {
	Status Status
	Msg    string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Status, f.Msg)
}

// Unwrap allows errors.Is(err, api.Tampered) style checks.
func (f *Failure) Unwrap() error {
	return f.Status
}

// Errorf returns an error carrying status s.
func Errorf(s Status, format string, args ...any) error {
	return &Failure{
		Status: s,
		Msg:    fmt.Sprintf(format, args...),
	}
}

// StatusOf classifies err into the status vocabulary, errors which do not
// carry a Status are reported as Generic.
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Status
	}

	var s Status
	if errors.As(err, &s) {
		return s
	}

	return Generic
}
