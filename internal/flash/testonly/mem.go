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

// Package testonly provides support for non-volatile memory tests.
package testonly

import (
	"testing"

	"github.com/transparency-dev/armored-witness-secboot/internal/flash"
)

// Application region size used by Layout.
const AppSize = 0x4000

// Layout returns a compact, valid memory map for tests.
func Layout() flash.Layout {
	return flash.Layout{
		Regions: []flash.Region{
			{Name: flash.Bootloader, Base: 0x0c000000, Size: 0x1000, Mode: flash.ReadOnly},
			{Name: flash.Secrets, Base: 0x0c001000, Size: 0x100, Mode: flash.ReadOnly},
			{Name: flash.DiagLog, Base: 0x0c00a000, Size: 0x400, Mode: flash.ReadWrite},
			{Name: flash.MainApp, Base: 0x08040000, Size: AppSize, Mode: flash.ReadWrite},
			{Name: flash.Slot1, Base: 0x08044000, Size: AppSize, Mode: flash.ReadOnly},
			{Name: flash.Slot2, Base: 0x08048000, Size: AppSize, Mode: flash.ReadOnly},
			{Name: flash.Update, Base: 0x0804c000, Size: AppSize, Mode: flash.ReadWrite},
			{Name: flash.Backup, Base: 0x08050000, Size: AppSize, Mode: flash.ReadOnly},
		},
	}
}

// NewMem creates a new, fully erased, in-memory device using Layout.
func NewMem(t *testing.T) *flash.Mem {
	t.Helper()
	m, err := flash.NewMem(Layout())
	if err != nil {
		t.Fatalf("Failed to create mem device: %v", err)
	}
	return m
}

// Region returns the named region of Layout.
func Region(t *testing.T, name string) flash.Region {
	t.Helper()
	r, err := Layout().Region(name)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// Put writes b at offset off of the named region, bypassing access modes.
func Put(t *testing.T, m *flash.Mem, name string, off int, b []byte) {
	t.Helper()
	dst := m.Bytes(name)
	if off+len(b) > len(dst) {
		t.Fatalf("Put of %d bytes at %d overflows region %s", len(b), off, name)
	}
	copy(dst[off:], b)
}

// FlipBit inverts the lowest bit of the byte at offset off of the named region.
func FlipBit(t *testing.T, m *flash.Mem, name string, off int) {
	t.Helper()
	m.Bytes(name)[off] ^= 1
}
