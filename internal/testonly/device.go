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

// Package testonly provides a provisioned in-memory device for boot tests.
package testonly

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/transparency-dev/armored-witness-secboot/internal/crypto"
	"github.com/transparency-dev/armored-witness-secboot/internal/firmware"
	"github.com/transparency-dev/armored-witness-secboot/internal/flash"
	flashtest "github.com/transparency-dev/armored-witness-secboot/internal/flash/testonly"
	"github.com/transparency-dev/armored-witness-secboot/internal/keys"
)

// UID is the unique identifier of test devices.
var UID = [3]uint32{0x1f2e3d4c, 0x5b6a7988, 0x97a6b5c4}

// Device is a provisioned in-memory device.
type Device struct {
	Mem    *flash.Mem
	Layout flash.Layout
	Engine *crypto.Engine

	Key    *ecdsa.PrivateKey
	Pub    crypto.PublicKey
	Master keys.Secrets
}

// NewDevice returns a device with a bootloader, provisioned secrets and
// empty application slots.
func NewDevice(t *testing.T) *Device {
	t.Helper()

	e, err := crypto.Init()
	if err != nil {
		t.Fatalf("crypto.Init: %v", err)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	d := &Device{
		Mem:    flashtest.NewMem(t),
		Layout: flashtest.Layout(),
		Engine: e,
		Key:    priv,
		Pub:    crypto.NewPublicKey(&priv.PublicKey),
	}

	copy(d.Master.Key[:], []byte("device master k!"))
	copy(d.Master.IV[:], bytes.Repeat([]byte{0x3c}, 16))

	boot := d.Mem.Bytes(flash.Bootloader)
	for i := range boot {
		boot[i] = byte(i * 7)
	}

	blob, err := keys.SealSecrets(e, UID, &d.Master, &d.Pub, crypto.Checksum(boot))
	if err != nil {
		t.Fatalf("SealSecrets: %v", err)
	}
	flashtest.Put(t, d.Mem, flash.Secrets, 0, blob)

	return d
}

// Identity returns the device identity source.
func (d *Device) Identity() keys.Identity {
	return keys.IdentityFunc(func() ([3]uint32, error) { return UID, nil })
}

// Region returns the named region.
func (d *Device) Region(t *testing.T, name string) flash.Region {
	t.Helper()
	return flashtest.Region(t, name)
}

// Image returns a signed image for the named slot.
func (d *Device) Image(t *testing.T, slot string, payload []byte, v firmware.Version) []byte {
	t.Helper()
	img, err := firmware.Build(d.Region(t, slot).Base, payload, v, firmware.KeySigner(d.Key))
	if err != nil {
		t.Fatalf("firmware.Build: %v", err)
	}
	return img
}

// Put stores b at the start of the named slot.
func (d *Device) Put(t *testing.T, slot string, b []byte) {
	t.Helper()
	flashtest.Put(t, d.Mem, slot, 0, b)
}

// Stage stores img, encrypted with the master key, in the update slot.
func (d *Device) Stage(t *testing.T, img []byte) {
	t.Helper()
	ct, err := d.Engine.EncryptCBC(d.Master.Key[:], d.Master.IV[:], img)
	if err != nil {
		t.Fatalf("EncryptCBC: %v", err)
	}
	d.Put(t, flash.Update, firmware.Envelope(ct))
}

// Payload returns a deterministic payload of n bytes.
func Payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i ^ i>>8)
	}
	return b
}
