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

// Package flash describes the non-volatile memory map of the device and
// mediates every access to it through typed regions.
package flash

import (
	"fmt"
	"sort"
)

// Well known region names.
const (
	Bootloader = "bootloader"
	Secrets    = "secrets"
	DiagLog    = "diag_log"
	MainApp    = "main_app"
	Slot1      = "slot1"
	Slot2      = "slot2"
	Update     = "update"
	Backup     = "backup"
)

// applicationOrder lists the application regions in their mandatory address
// order.
var applicationOrder = []string{MainApp, Slot1, Slot2, Update, Backup}

// Mode is the access mode of a region.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "rw"
	}
	return "ro"
}

// Region is a named, contiguous range of non-volatile memory.
type Region struct {
	Name string
	// Base is the address of the first byte of the region.
	Base uint32
	// Size is the number of bytes covered by the region,
	// i.e. [Base, Base+Size) is the range of addresses in this region.
	Size uint32
	Mode Mode
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return uint64(r.Base) + uint64(r.Size)
}

// Contains returns whether [addr, addr+n) lies within the region.
func (r Region) Contains(addr uint32, n uint32) bool {
	return addr >= r.Base && uint64(addr)+uint64(n) <= r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("%s[%#08x+%#x %s]", r.Name, r.Base, r.Size, r.Mode)
}

// Layout is the full memory map of the device.
type Layout struct {
	Regions []Region
}

// Validate checks that the layout is self-consistent: every well known
// region is present and non-empty, no two regions overlap and the
// application regions are ordered.
func (l Layout) Validate() error {
	seen := make(map[string]Region)

	for _, r := range l.Regions {
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("invalid layout: duplicate region %q", r.Name)
		}
		if r.Size == 0 {
			return fmt.Errorf("invalid layout: region %q is empty", r.Name)
		}
		if r.End() > 1<<32 {
			return fmt.Errorf("invalid layout: region %v exceeds address space", r)
		}
		seen[r.Name] = r
	}

	for _, name := range []string{Bootloader, Secrets, DiagLog, MainApp, Slot1, Slot2, Update, Backup} {
		if _, ok := seen[name]; !ok {
			return fmt.Errorf("invalid layout: missing region %q", name)
		}
	}

	sorted := append([]Region(nil), l.Regions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	for i := 1; i < len(sorted); i++ {
		if prev := sorted[i-1]; prev.End() > uint64(sorted[i].Base) {
			return fmt.Errorf("invalid layout: region %v overlaps %v", prev, sorted[i])
		}
	}

	for i := 1; i < len(applicationOrder); i++ {
		a, b := seen[applicationOrder[i-1]], seen[applicationOrder[i]]
		if a.Base >= b.Base {
			return fmt.Errorf("invalid layout: %s must precede %s", a.Name, b.Name)
		}
	}

	return nil
}

// Region returns the region with the given name.
func (l Layout) Region(name string) (Region, error) {
	for _, r := range l.Regions {
		if r.Name == name {
			return r, nil
		}
	}
	return Region{}, fmt.Errorf("unknown region %q", name)
}

// Owner returns the region containing addr.
func (l Layout) Owner(addr uint32) (Region, bool) {
	for _, r := range l.Regions {
		if r.Contains(addr, 1) {
			return r, true
		}
	}
	return Region{}, false
}
