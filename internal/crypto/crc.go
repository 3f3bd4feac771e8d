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

package crypto

import (
	"github.com/snksoft/crc"

	"github.com/transparency-dev/armored-witness-secboot/api"
)

// CRC32Params are the parameters of the integrity checksum: the default
// configuration of the STM32 CRC unit (CRC-32/MPEG-2).
var CRC32Params = &crc.Parameters{
	Width:      32,
	Polynomial: 0x04c11db7,
	ReflectIn:  false,
	ReflectOut: false,
	Init:       0xffffffff,
	FinalXor:   0,
}

var crcTable = crc.NewTable(CRC32Params)

// Checksum computes the integrity checksum of data without an engine, for
// use by offline tooling.
func Checksum(data []byte) uint32 {
	return uint32(crcTable.CalculateCRC(data))
}

// CRC32 computes the integrity checksum of data.
func (e *Engine) CRC32(data []byte) (uint32, error) {
	if err := e.check(); err != nil {
		return 0, err
	}

	if len(data) == 0 {
		return 0, api.Errorf(api.InvalidParam, "crc32 over empty buffer")
	}

	return run(e, "crc32", func() (uint32, error) {
		return Checksum(data), nil
	})
}

// VerifyCRC32 computes the integrity checksum of data and compares it
// against expected, reporting api.Mismatch on difference.
func (e *Engine) VerifyCRC32(data []byte, expected uint32) error {
	sum, err := e.CRC32(data)
	if err != nil {
		return err
	}

	if sum != expected {
		return api.Errorf(api.Mismatch, "crc32 %#08x, expected %#08x", sum, expected)
	}

	return nil
}
