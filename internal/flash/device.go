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

package flash

import (
	"github.com/transparency-dev/armored-witness-secboot/api"
)

// Erased is the value of an erased non-volatile memory byte.
const Erased = 0xff

// Device mirrors the operations of the underlying non-volatile memory,
// allowing substitutions for testing.
type Device interface {
	// ReadAt reads len(b) bytes at addr into b.
	ReadAt(addr uint32, b []byte) error
	// Program writes b at addr.
	Program(addr uint32, b []byte) error
	// Erase sets n bytes at addr to Erased.
	Erase(addr uint32, n uint32) error
}

// Window mediates access to a single region of a device, rejecting any
// access outside of the region or not permitted by its mode.
type Window struct {
	dev    Device
	region Region
}

// Open returns a window onto region r of dev.
func Open(dev Device, r Region) *Window {
	return &Window{
		dev:    dev,
		region: r,
	}
}

// Region returns the region this window is bound to.
func (w *Window) Region() Region {
	return w.region
}

func (w *Window) check(off uint32, n int, write bool) (uint32, error) {
	addr := uint64(w.region.Base) + uint64(off)

	if n < 0 || addr+uint64(n) > w.region.End() {
		return 0, api.Errorf(api.InvalidParam, "access [%#x+%d] outside of %v", addr, n, w.region)
	}

	if write && w.region.Mode != ReadWrite {
		return 0, api.Errorf(api.InvalidState, "write access to %v", w.region)
	}

	return uint32(addr), nil
}

// ReadAt reads len(b) bytes at offset off within the region.
func (w *Window) ReadAt(off uint32, b []byte) error {
	addr, err := w.check(off, len(b), false)
	if err != nil {
		return err
	}
	return w.dev.ReadAt(addr, b)
}

// Read returns n bytes at offset off within the region.
func (w *Window) Read(off uint32, n int) ([]byte, error) {
	if _, err := w.check(off, n, false); err != nil {
		return nil, err
	}

	b := make([]byte, n)

	if err := w.ReadAt(off, b); err != nil {
		return nil, err
	}

	return b, nil
}

// Program writes b at offset off within the region.
func (w *Window) Program(off uint32, b []byte) error {
	addr, err := w.check(off, len(b), true)
	if err != nil {
		return err
	}
	return w.dev.Program(addr, b)
}

// Erase erases n bytes at offset off within the region.
func (w *Window) Erase(off uint32, n uint32) error {
	addr, err := w.check(off, int(n), true)
	if err != nil {
		return err
	}
	return w.dev.Erase(addr, n)
}

// IsErased returns whether every byte of b reads as erased memory.
func IsErased(b []byte) bool {
	for _, v := range b {
		if v != Erased {
			return false
		}
	}
	return true
}
