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
	"fmt"
	"io"
)

// Mem is a simple in-memory device backing every region of a layout.
//
// Accesses must not straddle region boundaries.
type Mem struct {
	layout Layout
	banks  [][]byte

	// OnProgram is called just after bytes have been programmed at addr.
	OnProgram func(addr uint32, b []byte)
}

// NewMem creates a new, fully erased, in-memory device for the given layout.
func NewMem(l Layout) (*Mem, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	m := &Mem{layout: l}

	for _, r := range l.Regions {
		b := make([]byte, r.Size)
		for i := range b {
			b[i] = Erased
		}
		m.banks = append(m.banks, b)
	}

	return m, nil
}

func (m *Mem) bank(addr uint32, n int) ([]byte, error) {
	for i, r := range m.layout.Regions {
		if r.Contains(addr, 1) {
			if !r.Contains(addr, uint32(n)) {
				return nil, fmt.Errorf("access [%#x+%d] crosses end of %v", addr, n, r)
			}
			off := addr - r.Base
			return m.banks[i][off : int(off)+n], nil
		}
	}

	return nil, fmt.Errorf("address %#x is not mapped", addr)
}

// ReadAt reads len(b) bytes at addr into b.
func (m *Mem) ReadAt(addr uint32, b []byte) error {
	src, err := m.bank(addr, len(b))
	if err != nil {
		return err
	}

	copy(b, src)

	return nil
}

// Program writes b at addr.
func (m *Mem) Program(addr uint32, b []byte) error {
	dst, err := m.bank(addr, len(b))
	if err != nil {
		return err
	}

	copy(dst, b)

	if m.OnProgram != nil {
		m.OnProgram(addr, b)
	}

	return nil
}

// Erase sets n bytes at addr to Erased.
func (m *Mem) Erase(addr uint32, n uint32) error {
	dst, err := m.bank(addr, int(n))
	if err != nil {
		return err
	}

	for i := range dst {
		dst[i] = Erased
	}

	return nil
}

// Bytes returns the live backing storage of the named region.
func (m *Mem) Bytes(name string) []byte {
	for i, r := range m.layout.Regions {
		if r.Name == name {
			return m.banks[i]
		}
	}
	return nil
}

// WriteTo serializes every region, in layout order, to w.
func (m *Mem) WriteTo(w io.Writer) (n int64, err error) {
	for _, b := range m.banks {
		c, err := w.Write(b)
		n += int64(c)

		if err != nil {
			return n, err
		}
	}

	return
}

// ReadFrom restores every region, in layout order, from r.
func (m *Mem) ReadFrom(r io.Reader) (n int64, err error) {
	for i, b := range m.banks {
		c, err := io.ReadFull(r, b)
		n += int64(c)

		if err != nil {
			return n, fmt.Errorf("region %s: %v", m.layout.Regions[i].Name, err)
		}
	}

	return
}
