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

// Package keys unwraps the device master key from its provisioned, device
// bound, encrypted form.
package keys

import (
	"crypto/aes"
	"encoding/binary"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-secboot/api"
	"github.com/transparency-dev/armored-witness-secboot/internal/crypto"
	"github.com/transparency-dev/armored-witness-secboot/internal/flash"
)

// Secrets region layout
const (
	WrappedKeyOffset = 0x00
	WrappedKeySize   = 32
	IVOffset         = 0x20
	IVSize           = aes.BlockSize
	PublicKeyOffset  = 0x30
	PublicKeySize    = 64
	BootCRCOffset    = 0x70
	SecretsSize      = 0x74
)

// KeyMagic is the fixed fourth word of the device key encryption key.
const KeyMagic = 0xdeadbeef

// Identity provides the three device unique identifier words.
type Identity interface {
	UID() ([3]uint32, error)
}

// IdentityFunc adapts a function to the Identity interface.
type IdentityFunc func() ([3]uint32, error)

// UID returns the device unique identifier words.
func (f IdentityFunc) UID() ([3]uint32, error) {
	return f()
}

// Secrets holds the unwrapped master key material.
type Secrets struct {
	Key [16]byte
	IV  [16]byte
}

// Wipe securely erases the key material.
func (s *Secrets) Wipe() {
	crypto.Wipe(s.Key[:])
	crypto.Wipe(s.IV[:])
}

// scratch holds every intermediate of an unwrap operation.
type scratch struct {
	kek     [16]byte
	iv      [IVSize]byte
	wrapped [WrappedKeySize]byte
	plain   []byte
}

func (s *scratch) wipe() {
	crypto.Wipe(s.kek[:])
	crypto.Wipe(s.iv[:])
	crypto.Wipe(s.wrapped[:])
	if s.plain != nil {
		crypto.Wipe(s.plain)
	}
}

// Unwrapper recovers the master key bound to this device.
type Unwrapper struct {
	engine  *crypto.Engine
	secrets *flash.Window
	id      Identity

	scratch scratch
}

// NewUnwrapper returns an unwrapper reading wrapped key material from the
// secrets region.
func NewUnwrapper(e *crypto.Engine, secrets *flash.Window, id Identity) *Unwrapper {
	return &Unwrapper{
		engine:  e,
		secrets: secrets,
		id:      id,
	}
}

// KEK derives the device key encryption key from the unique identifier words.
func KEK(uid [3]uint32) (kek [16]byte) {
	binary.BigEndian.PutUint32(kek[0:], uid[0])
	binary.BigEndian.PutUint32(kek[4:], uid[1])
	binary.BigEndian.PutUint32(kek[8:], uid[2])
	binary.BigEndian.PutUint32(kek[12:], KeyMagic)
	return
}

// Unwrap decrypts the master key. Every intermediate buffer is erased before
// returning, on all paths, and the caller must Wipe the returned Secrets.
func (u *Unwrapper) Unwrap() (*Secrets, error) {
	defer u.scratch.wipe()

	uid, err := u.id.UID()
	if err != nil {
		return nil, api.Errorf(api.HWFault, "could not read device identity: %v", err)
	}

	u.scratch.kek = KEK(uid)
	uid = [3]uint32{}

	if err = u.secrets.ReadAt(WrappedKeyOffset, u.scratch.wrapped[:]); err != nil {
		return nil, err
	}

	if err = u.secrets.ReadAt(IVOffset, u.scratch.iv[:]); err != nil {
		return nil, err
	}

	if u.scratch.plain, err = u.engine.DecryptCBC(u.scratch.kek[:], u.scratch.iv[:], u.scratch.wrapped[:]); err != nil {
		klog.Errorf("master key unwrap failed: %v", err)
		return nil, err
	}

	s := &Secrets{}

	if len(u.scratch.plain) != len(s.Key) {
		return nil, api.Errorf(api.Tampered, "unwrapped key has length %d", len(u.scratch.plain))
	}

	if degenerate(u.scratch.plain) {
		return nil, api.Errorf(api.Tampered, "unwrapped key is degenerate")
	}

	copy(s.Key[:], u.scratch.plain)
	copy(s.IV[:], u.scratch.iv[:])

	klog.V(2).Info("master key unwrapped")

	return s, nil
}

// degenerate returns whether every word of k is all zeros or all ones.
func degenerate(k []byte) bool {
	for i := 0; i+4 <= len(k); i += 4 {
		if w := binary.BigEndian.Uint32(k[i:]); w != 0 && w != 0xffffffff {
			return false
		}
	}
	return true
}
