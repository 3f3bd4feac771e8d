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
)

// State is a boot state machine state.
type State int

const (
	StateInit State = iota
	StateVerifying
	StateAccepted
	StateRecovering
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateVerifying:
		return "verifying"
	case StateAccepted:
		return "accepted"
	case StateRecovering:
		return "recovering"
	case StateLocked:
		return "locked"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	StateInit:       {StateVerifying, StateRecovering, StateLocked},
	StateVerifying:  {StateAccepted, StateRecovering, StateLocked},
	StateAccepted:   {StateLocked},
	StateRecovering: {StateLocked},
}

// Halter stops the device, it is not expected to return.
type Halter interface {
	Halt(reason string)
}

// HalterFunc adapts a function to the Halter interface.
type HalterFunc func(reason string)

// Halt stops the device.
func (f HalterFunc) Halt(reason string) {
	f(reason)
}

// Machine is the boot state machine, StateLocked is terminal.
type Machine struct {
	halt   Halter
	state  State
	reason string
}

// NewMachine returns a state machine in StateInit.
func NewMachine(h Halter) *Machine {
	return &Machine{halt: h}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Reason returns the reason of a lockdown.
func (m *Machine) Reason() string {
	return m.reason
}

// Enter moves the machine to state s.
func (m *Machine) Enter(s State) error {
	for _, next := range transitions[m.state] {
		if next == s {
			klog.Infof("boot state %s -> %s", m.state, s)
			m.state = s
			return nil
		}
	}

	return fmt.Errorf("illegal boot state transition %s -> %s", m.state, s)
}

// Lock enters the terminal lockdown state and halts the device. Locking an
// already locked machine halts it again without changing its reason.
func (m *Machine) Lock(reason string) {
	if m.state != StateLocked {
		if err := m.Enter(StateLocked); err != nil {
			klog.Errorf("%v, forcing lockdown", err)
			m.state = StateLocked
		}
		m.reason = reason
	}

	klog.Errorf("lockdown: %s", m.reason)

	m.halt.Halt(m.reason)
}
