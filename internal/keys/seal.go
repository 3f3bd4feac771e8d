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

package keys

import (
	"encoding/binary"
	"fmt"

	"github.com/transparency-dev/armored-witness-secboot/internal/crypto"
)

// SealSecrets builds the secrets region contents binding master to the
// device identified by uid, only useful for development and tests.
func SealSecrets(e *crypto.Engine, uid [3]uint32, master *Secrets, pub *crypto.PublicKey, bootCRC uint32) ([]byte, error) {
	kek := KEK(uid)
	defer crypto.Wipe(kek[:])

	wrapped, err := e.EncryptCBC(kek[:], master.IV[:], master.Key[:])
	if err != nil {
		return nil, err
	}

	if len(wrapped) != WrappedKeySize {
		return nil, fmt.Errorf("wrapped key has length %d", len(wrapped))
	}

	b := make([]byte, SecretsSize)
	copy(b[WrappedKeyOffset:], wrapped)
	copy(b[IVOffset:], master.IV[:])
	copy(b[PublicKeyOffset:], pub[:])
	binary.LittleEndian.PutUint32(b[BootCRCOffset:], bootCRC)

	return b, nil
}
