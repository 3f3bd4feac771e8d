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
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/transparency-dev/armored-witness-secboot/internal/crypto"
)

// Signer produces a signature over a payload digest.
type Signer func(digest []byte) (crypto.Signature, error)

// KeySigner returns a Signer using an ECDSA P-256 private key.
func KeySigner(priv *ecdsa.PrivateKey) Signer {
	return func(digest []byte) (crypto.Signature, error) {
		r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
		if err != nil {
			return crypto.Signature{}, err
		}
		return crypto.NewSignature(r, s)
	}
}

// ParseDERSignature converts an ASN.1 DER encoded ECDSA signature, as
// produced by most HSMs and openssl, to R||S form.
func ParseDERSignature(der []byte) (crypto.Signature, error) {
	var (
		r, s  = new(big.Int), new(big.Int)
		inner cryptobyte.String
	)

	input := cryptobyte.String(der)

	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return crypto.Signature{}, errors.New("invalid ASN.1 signature")
	}

	return crypto.NewSignature(r, s)
}

// Build assembles a signed image for the slot at base: header block followed
// by payload.
func Build(base uint32, payload []byte, v Version, sign Signer) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}

	h := &Header{
		Magic:      Magic,
		ImageSize:  uint32(len(payload)),
		Version:    v,
		EntryPoint: base + HeaderSize,
		Hash:       sha256.Sum256(payload),
	}

	sig, err := sign(h.Hash[:])
	if err != nil {
		return nil, fmt.Errorf("could not sign payload: %v", err)
	}

	h.Signature = sig
	h.Seal()

	return append(h.Bytes(), payload...), nil
}
