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

	"k8s.io/klog/v2"
)

// batchSize is the number of blocks written per card operation.
const batchSize = 2048

// Card mostly mirrors the public API of the usdhc.USDHC struct, allowing
// substitutions for testing.
type Card interface {
	// Read reads size bytes at offset from the underlying storage.
	Read(offset int64, size int64) ([]byte, error)
	// WriteBlocks writes data at sector lba onwards on the underlying storage.
	WriteBlocks(lba int, data []byte) error
}

// MMC is a Device backed by an MMC card, addresses from Origin onwards are
// linearly mapped onto the card from byte Offset.
type MMC struct {
	Card      Card
	BlockSize int
	Origin    uint32
	Offset    int64
}

func (m *MMC) offset(addr uint32, n int) (int64, error) {
	if m.BlockSize <= 0 {
		return 0, fmt.Errorf("invalid MMC block size %d", m.BlockSize)
	}

	if addr < m.Origin || n < 0 {
		return 0, fmt.Errorf("access [%#x+%d] below MMC origin %#x", addr, n, m.Origin)
	}

	return m.Offset + int64(addr-m.Origin), nil
}

// ReadAt reads len(b) bytes at addr into b.
func (m *MMC) ReadAt(addr uint32, b []byte) error {
	off, err := m.offset(addr, len(b))
	if err != nil {
		return err
	}

	buf, err := m.Card.Read(off, int64(len(b)))
	if err != nil {
		return err
	}

	if len(buf) != len(b) {
		return fmt.Errorf("short MMC read at %#x (%d/%d bytes)", off, len(buf), len(b))
	}

	copy(b, buf)

	return nil
}

// Program writes b at addr.
func (m *MMC) Program(addr uint32, b []byte) error {
	return m.write(addr, b)
}

// Erase sets n bytes at addr to Erased.
func (m *MMC) Erase(addr uint32, n uint32) error {
	b := make([]byte, n)
	for i := range b {
		b[i] = Erased
	}

	return m.write(addr, b)
}

// write updates the blocks spanned by b, partial blocks are read back and
// merged first.
func (m *MMC) write(addr uint32, b []byte) (err error) {
	off, err := m.offset(addr, len(b))
	if err != nil || len(b) == 0 {
		return
	}

	bs := int64(m.BlockSize)
	start := off / bs * bs
	end := (off + int64(len(b)) + bs - 1) / bs * bs

	buf := make([]byte, end-start)

	if start != off || end != off+int64(len(b)) {
		if buf, err = m.Card.Read(start, end-start); err != nil {
			return
		}

		if int64(len(buf)) != end-start {
			return fmt.Errorf("short MMC read at %#x", start)
		}
	}

	copy(buf[off-start:], b)

	blocks := len(buf) / m.BlockSize
	lba := int(start / bs)
	batch := batchSize

	// write in batch to limit DMA requirements
	for i := 0; i < blocks; i += batch {
		if i+batch > blocks {
			batch = blocks - i
		}

		s := i * m.BlockSize
		e := s + m.BlockSize*batch

		if err = m.Card.WriteBlocks(lba+i, buf[s:e]); err != nil {
			return
		}

		klog.V(2).Infof("flashed %d/%d blocks", i+batch, blocks)
	}

	return
}
