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
	"crypto/subtle"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-secboot/api"
	"github.com/transparency-dev/armored-witness-secboot/internal/crypto"
	"github.com/transparency-dev/armored-witness-secboot/internal/flash"
)

// Reason is the outcome of an image verification.
type Reason int

const (
	Accept Reason = iota
	InvalidHeader
	InvalidHash
	InvalidSignature
)

func (r Reason) String() string {
	switch r {
	case Accept:
		return "accept"
	case InvalidHeader:
		return "invalid_header"
	case InvalidHash:
		return "invalid_hash"
	case InvalidSignature:
		return "invalid_signature"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Decision is the boot decision for an image.
type Decision struct {
	Reason Reason
	// Status is the status which caused a rejection.
	Status api.Status
	// Err describes a rejection.
	Err error
	// Image is set on acceptance.
	Image *Image
}

// Accepted returns whether the image may be booted.
func (d Decision) Accepted() bool {
	return d.Reason == Accept && d.Image != nil
}

func reject(r Reason, err error) Decision {
	return Decision{
		Reason: r,
		Status: api.StatusOf(err),
		Err:    err,
	}
}

// reader abstracts the source of an image, relative to its region base.
type reader interface {
	Read(off uint32, n int) ([]byte, error)
}

// buffer is an image held in memory as if stored at origin within a region.
type buffer struct {
	origin uint32
	b      []byte
}

func (m *buffer) Read(off uint32, n int) ([]byte, error) {
	start := uint64(off) - uint64(m.origin)

	if off < m.origin || n < 0 || start+uint64(n) > uint64(len(m.b)) {
		return nil, api.Errorf(api.InvalidParam, "read [%#x+%d] outside of image buffer", off, n)
	}

	return append([]byte(nil), m.b[start:start+uint64(n)]...), nil
}

// Verifier decides whether images are authentic and intact.
type Verifier struct {
	engine *crypto.Engine
	dev    flash.Device
	layout flash.Layout
	key    crypto.PublicKey
}

// NewVerifier returns a verifier trusting images signed by key.
func NewVerifier(e *crypto.Engine, dev flash.Device, layout flash.Layout, key *crypto.PublicKey) *Verifier {
	return &Verifier{
		engine: e,
		dev:    dev,
		layout: layout,
		key:    *key,
	}
}

// Verify decides whether the image whose header is at base is bootable.
//
// The checks are applied in order, each a hard gate: header magic, payload
// bounds, payload digest and digest signature. The header checksum is
// checked alongside the digest and reported as a digest failure. Any failure
// rejects the image, only a valid signature over an intact header accepts it.
func (v *Verifier) Verify(base uint32) Decision {
	region, ok := v.layout.Owner(base)
	if !ok {
		d := reject(InvalidHeader, api.Errorf(api.InvalidParam, "address %#08x is not mapped", base))
		klog.Errorf("image@%#08x rejected: %v", base, d.Err)
		return d
	}

	return v.verify(base, region, flash.Open(v.dev, region))
}

// VerifyBuffer decides whether img, once stored at base, is bootable.
func (v *Verifier) VerifyBuffer(base uint32, img []byte) Decision {
	region, ok := v.layout.Owner(base)
	if !ok {
		return reject(InvalidHeader, api.Errorf(api.InvalidParam, "address %#08x is not mapped", base))
	}

	return v.verify(base, region, &buffer{origin: base - region.Base, b: img})
}

func (v *Verifier) verify(base uint32, region flash.Region, r reader) (d Decision) {
	defer func() {
		if !d.Accepted() {
			klog.Errorf("image@%#08x in %s rejected (%s): %v", base, region.Name, d.Reason, d.Err)
		}
	}()

	off := base - region.Base

	hb, err := r.Read(off, HeaderSize)
	if err != nil {
		return reject(InvalidHeader, err)
	}
	defer crypto.Wipe(hb)

	h, err := ParseHeader(hb)
	if err != nil {
		return reject(InvalidHeader, err)
	}

	start := uint64(base) + HeaderSize
	end := uint64(h.EntryPoint) + uint64(h.ImageSize)

	if h.ImageSize == 0 || uint64(h.EntryPoint) < start || end > region.End() {
		return reject(InvalidHeader, api.Errorf(api.Mismatch, "payload [%#08x+%d] outside of %v", h.EntryPoint, h.ImageSize, region))
	}

	payload, err := r.Read(h.EntryPoint-region.Base, int(h.ImageSize))
	if err != nil {
		return reject(InvalidHeader, err)
	}
	defer crypto.Wipe(payload)

	var digest [32]byte
	defer crypto.Wipe(digest[:])

	if digest, err = v.engine.SHA256(payload); err != nil {
		return reject(InvalidHash, err)
	}

	// header checksum verdict is deferred until after the signature check
	headerErr := v.engine.VerifyCRC32(hb[:crcOffset], h.CRC)

	if s := api.StatusOf(headerErr); s != api.OK && s != api.Mismatch {
		return reject(InvalidHash, fmt.Errorf("header checksum: %w", headerErr))
	}

	if subtle.ConstantTimeCompare(digest[:], h.Hash[:]) != 1 {
		return reject(InvalidHash, api.Errorf(api.Mismatch, "payload digest mismatch"))
	}

	sig := h.Signature
	key := v.key

	defer crypto.Wipe(sig[:])
	defer crypto.Wipe(key[:])
	defer crypto.Wipe(h.Signature[:])

	if err = v.engine.VerifyP256(&key, digest[:], &sig); err != nil {
		return reject(InvalidSignature, err)
	}

	if headerErr != nil {
		return reject(InvalidHash, fmt.Errorf("header checksum: %w", headerErr))
	}

	img := &Image{
		Base:    base,
		Entry:   h.EntryPoint,
		Size:    h.ImageSize,
		Version: h.Version,
	}

	klog.Infof("%v in %s verified", img, region.Name)

	return Decision{
		Reason: Accept,
		Status: api.OK,
		Image:  img,
	}
}
