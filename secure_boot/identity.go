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

//go:build tamago && arm

package main

import (
	"encoding/binary"
	"fmt"

	"github.com/usbarmory/crucible/otp"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
)

const (
	// OCOTP bank and word of the third identifier word (CFG2)
	uidBank = 0
	uidWord = 3
)

// identity reads the device unique identifier words from fuses.
type identity struct{}

func (identity) UID() (uid [3]uint32, err error) {
	id := imx6ul.UniqueID()

	uid[0] = binary.BigEndian.Uint32(id[0:4])
	uid[1] = binary.BigEndian.Uint32(id[4:8])

	res, err := otp.ReadOCOTP(uidBank, uidWord, 0, 32)
	if err != nil || len(res) != 4 {
		return uid, fmt.Errorf("could not read OCOTP bank:%d word:%d (%x, %v)", uidBank, uidWord, res, err)
	}

	uid[2] = binary.BigEndian.Uint32(res)

	return
}
