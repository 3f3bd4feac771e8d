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

package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-secboot/api"
	"github.com/transparency-dev/armored-witness-secboot/internal/crypto"
	"github.com/transparency-dev/armored-witness-secboot/internal/flash"
)

const (
	// UpdateMagic identifies an update envelope in the update slot.
	UpdateMagic = 0x55504454
	// envelopeSize is the size of the update envelope header.
	envelopeSize = 8
	// programChunk is the number of bytes programmed per flash operation.
	programChunk = 2048
)

var (
	// ErrNoUpdate is returned when the update slot holds no update.
	ErrNoUpdate = errors.New("no pending update")
	// ErrRollback is returned when an update is older than the installed
	// image or the minimum version.
	ErrRollback = api.Errorf(api.InvalidState, "firmware version rollback")
)

// RejectedError is returned when an update fails verification.
type RejectedError struct {
	Decision Decision
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("update rejected (%s): %v", e.Decision.Reason, e.Decision.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Decision.Err
}

// Installer installs encrypted updates staged in the update slot into the
// main application slot.
type Installer struct {
	Engine   *crypto.Engine
	Verifier *Verifier
	// Update is the update slot, it must be writable.
	Update *flash.Window
	// Main is the main application slot, it must be writable.
	Main *flash.Window
	// Minimum is the lowest version accepted for installation.
	Minimum *semver.Version
}

// Envelope encodes ciphertext as update slot contents.
func Envelope(ciphertext []byte) []byte {
	b := make([]byte, envelopeSize, envelopeSize+len(ciphertext))
	binary.LittleEndian.PutUint32(b[0:], UpdateMagic)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(ciphertext)))
	return append(b, ciphertext...)
}

// Pending returns whether the update slot holds an update envelope.
func (i *Installer) Pending() (bool, error) {
	b, err := i.Update.Read(0, envelopeSize)
	if err != nil {
		return false, err
	}

	return binary.LittleEndian.Uint32(b) == UpdateMagic, nil
}

// Install decrypts, verifies and installs the staged update using the
// master key, then erases the update slot.
//
// The update must be signed for the main application slot and must not be
// older than the installed image or the minimum version.
func (i *Installer) Install(key []byte, iv []byte) (*Image, error) {
	env, err := i.Update.Read(0, envelopeSize)
	if err != nil {
		return nil, err
	}

	if binary.LittleEndian.Uint32(env) != UpdateMagic {
		return nil, ErrNoUpdate
	}

	n := binary.LittleEndian.Uint32(env[4:])

	if n == 0 || uint64(n)+envelopeSize > uint64(i.Update.Region().Size) {
		return nil, api.Errorf(api.InvalidParam, "invalid update length %d", n)
	}

	ct, err := i.Update.Read(envelopeSize, int(n))
	if err != nil {
		return nil, err
	}

	img, err := i.Engine.DecryptCBC(key, iv, ct)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt update: %w", err)
	}
	defer crypto.Wipe(img)

	main := i.Main.Region()

	if uint64(len(img)) > uint64(main.Size) {
		return nil, api.Errorf(api.InvalidParam, "update (%d bytes) exceeds %v", len(img), main)
	}

	d := i.Verifier.VerifyBuffer(main.Base, img)
	if !d.Accepted() {
		return nil, &RejectedError{Decision: d}
	}

	if err = i.checkVersion(d.Image.Version); err != nil {
		return nil, err
	}

	klog.Infof("installing %v", d.Image)

	if err = i.program(img); err != nil {
		return nil, api.Errorf(api.HWFault, "could not program update: %v", err)
	}

	if err = i.Update.Erase(0, i.Update.Region().Size); err != nil {
		return nil, api.Errorf(api.HWFault, "could not erase update slot: %v", err)
	}

	klog.Infof("update %v installed", d.Image)

	return d.Image, nil
}

// checkVersion enforces rollback protection against the configured minimum
// and the installed image, when it has a readable header.
func (i *Installer) checkVersion(v Version) error {
	sv := v.Semver()

	if i.Minimum != nil && sv.LessThan(*i.Minimum) {
		return fmt.Errorf("%w: %v below minimum %v", ErrRollback, sv, i.Minimum)
	}

	hb, err := i.Main.Read(0, HeaderSize)
	if err != nil {
		return err
	}

	installed, err := ParseHeader(hb)
	if err != nil {
		klog.Warningf("installed image has no valid header: %v", err)
		return nil
	}

	if v.Less(installed.Version) {
		return fmt.Errorf("%w: %v older than installed %v", ErrRollback, v, installed.Version)
	}

	return nil
}

func (i *Installer) program(img []byte) error {
	if err := i.Main.Erase(0, i.Main.Region().Size); err != nil {
		return err
	}

	chunks := (len(img) + programChunk - 1) / programChunk

	for c := 0; c < chunks; c++ {
		start := c * programChunk
		end := start + programChunk

		if end > len(img) {
			end = len(img)
		}

		if err := i.Main.Program(uint32(start), img[start:end]); err != nil {
			return err
		}

		klog.V(2).Infof("flashed %d/%d chunks", c+1, chunks)
	}

	return nil
}

// Discard erases the update slot.
func (i *Installer) Discard() error {
	klog.Warning("discarding staged update")
	return i.Update.Erase(0, i.Update.Region().Size)
}
