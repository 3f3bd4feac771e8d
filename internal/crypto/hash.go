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
	"runtime"

	"github.com/transparency-dev/armored-witness-secboot/api"
)

// SHA256 computes the SHA-256 digest of data.
func (e *Engine) SHA256(data []byte) (sum [32]byte, err error) {
	if err = e.check(); err != nil {
		return
	}

	if data == nil {
		return sum, api.Errorf(api.InvalidParam, "sha256 over nil buffer")
	}

	sum, err = run(e, "sha256", func() ([32]byte, error) {
		return e.hasher(data)
	})

	if err != nil && api.StatusOf(err) == api.Generic {
		err = api.Errorf(api.HWFault, "sha256: %v", err)
	}

	return
}

// Wipe securely erases the full capacity of b.
func Wipe(b []byte) {
	b = b[:cap(b)]

	for i := range b {
		b[i] = 0
	}

	runtime.KeepAlive(b)
}
