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

// Package firmware implements the signed application image format and its
// verification.
package firmware

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/coreos/go-semver/semver"

	"github.com/transparency-dev/armored-witness-secboot/api"
	"github.com/transparency-dev/armored-witness-secboot/internal/crypto"
	"github.com/transparency-dev/armored-witness-secboot/internal/flash"
)

const (
	// Magic identifies a firmware header.
	Magic = 0xdeadbeef
	// HeaderSize is the size of the header block preceding the payload.
	HeaderSize = 256
	// crcOffset is the offset of the header checksum, which covers every
	// preceding byte.
	crcOffset = 112
	// headerLength is the size of the encoded header fields.
	headerLength = crcOffset + 4
)

// Version is the firmware version: major, minor, patch, build.
type Version [4]uint8

// Semver returns the version in semantic versioning form, the build number
// is carried as metadata.
func (v Version) Semver() *semver.Version {
	return &semver.Version{
		Major:    int64(v[0]),
		Minor:    int64(v[1]),
		Patch:    int64(v[2]),
		Metadata: fmt.Sprintf("%d", v[3]),
	}
}

// Less returns whether v is older than o, build numbers included.
func (v Version) Less(o Version) bool {
	for k := range v {
		if v[k] != o[k] {
			return v[k] < o[k]
		}
	}
	return false
}

func (v Version) String() string {
	return v.Semver().String()
}

// ParseVersion parses "major.minor.patch[+build]".
func ParseVersion(s string) (v Version, err error) {
	sv, err := semver.NewVersion(s)
	if err != nil {
		return
	}

	var build int64
	if len(sv.Metadata) > 0 {
		if _, err = fmt.Sscanf(sv.Metadata, "%d", &build); err != nil {
			return v, fmt.Errorf("invalid build number %q", sv.Metadata)
		}
	}

	for _, n := range []int64{sv.Major, sv.Minor, sv.Patch, build} {
		if n < 0 || n > 0xff {
			return v, fmt.Errorf("version component %d out of range", n)
		}
	}

	return Version{uint8(sv.Major), uint8(sv.Minor), uint8(sv.Patch), uint8(build)}, nil
}

// Header is the fixed layout record at the start of every image slot.
type Header struct {
	Magic      uint32
	ImageSize  uint32
	Version    Version
	EntryPoint uint32
	Hash       [32]byte
	Signature  crypto.Signature
	CRC        uint32
}

// Bytes serializes the header block, padded with erased bytes.
func (h *Header) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, h)

	b := bytes.Repeat([]byte{flash.Erased}, HeaderSize)
	copy(b, buf.Bytes())

	return b
}

// Seal sets the header checksum.
func (h *Header) Seal() {
	h.CRC = crypto.Checksum(h.Bytes()[:crcOffset])
}

// ParseHeader decodes a header block, rejecting foreign magic values with
// api.Mismatch.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < headerLength {
		return nil, api.Errorf(api.InvalidParam, "header too short (%d bytes)", len(b))
	}

	h := &Header{}

	if err := binary.Read(bytes.NewReader(b[:headerLength]), binary.LittleEndian, h); err != nil {
		return nil, api.Errorf(api.InvalidParam, "could not decode header: %v", err)
	}

	if h.Magic != Magic {
		return nil, api.Errorf(api.Mismatch, "invalid magic %#08x", h.Magic)
	}

	return h, nil
}

// Image describes an image accepted for boot.
type Image struct {
	// Base is the address of the header block.
	Base uint32
	// Entry is the address of the payload.
	Entry   uint32
	Size    uint32
	Version Version
}

func (i Image) String() string {
	return fmt.Sprintf("image@%#08x v%s entry:%#08x size:%d", i.Base, i.Version, i.Entry, i.Size)
}
