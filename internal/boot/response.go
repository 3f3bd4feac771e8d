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

package boot

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-secboot/api"
	"github.com/transparency-dev/armored-witness-secboot/internal/diag"
)

// Level is the severity of a response to a failure.
type Level int

const (
	None Level = iota
	Warn
	Recover
	Lockdown
)

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Warn:
		return "warn"
	case Recover:
		return "recover"
	case Lockdown:
		return "lockdown"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// EventLog records diagnostic events.
type EventLog interface {
	Append(ev diag.Event, code diag.Code, context uint32) error
}

// Indicator signals a non fatal failure to the user.
type Indicator interface {
	Warn(reason string)
}

// IndicatorFunc adapts a function to the Indicator interface.
type IndicatorFunc func(reason string)

// Warn signals reason.
func (f IndicatorFunc) Warn(reason string) {
	f(reason)
}

// IntegrityResponse returns the response to an integrity failure.
func IntegrityResponse(s api.Status) Level {
	switch s {
	case api.OK:
		return None
	case api.Mismatch:
		return Recover
	case api.InvalidParam:
		return Warn
	}
	return Lockdown
}

// SignatureResponse returns the response to an authenticity failure and the
// failure code it is logged with.
func SignatureResponse(s api.Status) (Level, diag.Code) {
	switch s {
	case api.OK:
		return None, 0
	case api.Mismatch:
		return Lockdown, diag.SigFailMainImage
	case api.InvalidParam:
		return Lockdown, diag.SigFailConfigSignature
	case api.InvalidState:
		return Lockdown, diag.SigFailKeyExpired
	case api.Timeout, api.HWFault:
		return Recover, diag.SigFailHWCryptoError
	}
	return Lockdown, diag.SigFailUnknown
}

// Engine takes the device level action for integrity and authenticity
// failures, it is the only component doing so.
type Engine struct {
	Log       EventLog
	Clock     diag.Clock
	Indicator Indicator
	Machine   *Machine
	Recovery  *Recovery
}

// record appends an event, a tampered log is reported by returning true.
func record(l EventLog, ev diag.Event, code diag.Code, context uint32) (tampered bool) {
	err := l.Append(ev, code, context)

	switch api.StatusOf(err) {
	case api.OK:
		return false
	case api.Tampered:
		klog.Errorf("diagnostic log tampered: %v", err)
		return true
	}

	klog.Errorf("could not log %s/%#02x: %v", ev, uint8(code), err)

	return false
}

// HandleIntegrity responds to an integrity check failing with status s.
func (e *Engine) HandleIntegrity(s api.Status) Level {
	if s == api.OK {
		return None
	}

	l := IntegrityResponse(s)

	if record(e.Log, diag.EventCRCFail, diag.Code(s), e.Clock()) {
		l = Lockdown
	}

	e.dispatch(l, fmt.Sprintf("integrity failure (%s)", s))

	return l
}

// HandleSignature responds to a signature check failing with status s.
func (e *Engine) HandleSignature(s api.Status) Level {
	if s == api.OK {
		return None
	}

	l, code := SignatureResponse(s)

	if record(e.Log, diag.EventSigFail, code, uint32(s)) {
		l = Lockdown
	}

	e.dispatch(l, fmt.Sprintf("signature failure (%s)", s))

	return l
}

func (e *Engine) dispatch(l Level, reason string) {
	klog.Infof("%s: %s", reason, l)

	switch l {
	case None:
	case Warn:
		klog.Warning(reason)
		e.Indicator.Warn(reason)
	case Recover:
		e.Recovery.Attempt()
	default:
		e.Machine.Lock(reason)
	}
}
