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
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"math/big"

	"github.com/transparency-dev/armored-witness-secboot/api"
)

const coordinateSize = 32

// PublicKey is an uncompressed P-256 public key, Qx||Qy big-endian.
type PublicKey [2 * coordinateSize]byte

// Signature is a P-256 ECDSA signature, R||S big-endian.
type Signature [2 * coordinateSize]byte

// NewPublicKey encodes an ECDSA P-256 public key.
func NewPublicKey(pub *ecdsa.PublicKey) (k PublicKey) {
	pub.X.FillBytes(k[:coordinateSize])
	pub.Y.FillBytes(k[coordinateSize:])
	return
}

// NewSignature encodes the (r, s) pair of an ECDSA P-256 signature.
func NewSignature(r, s *big.Int) (sig Signature, err error) {
	n := elliptic.P256().Params().N

	if r.Sign() <= 0 || s.Sign() <= 0 || r.Cmp(n) >= 0 || s.Cmp(n) >= 0 {
		return sig, api.Errorf(api.InvalidParam, "signature scalar out of range")
	}

	r.FillBytes(sig[:coordinateSize])
	s.FillBytes(sig[coordinateSize:])

	return
}

// ECDSA returns the key as an ECDSA P-256 public key, keys not on the curve
// are reported as api.InvalidState.
func (k *PublicKey) ECDSA() (*ecdsa.PublicKey, error) {
	point := append([]byte{4}, k[:]...)
	defer Wipe(point)

	if _, err := ecdh.P256().NewPublicKey(point); err != nil {
		return nil, api.Errorf(api.InvalidState, "invalid public key: %v", err)
	}

	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(k[:coordinateSize]),
		Y:     new(big.Int).SetBytes(k[coordinateSize:]),
	}, nil
}

// VerifyP256 verifies an ECDSA P-256 signature over a SHA-256 digest.
//
// The returned status classifies the outcome: api.Mismatch for a signature
// which does not verify, api.InvalidParam for a malformed signature,
// api.InvalidState for an invalid public key, api.Timeout or api.HWFault
// for computation failures.
func (e *Engine) VerifyP256(pub *PublicKey, digest []byte, sig *Signature) error {
	if err := e.check(); err != nil {
		return err
	}

	if pub == nil || sig == nil || len(digest) != 32 {
		return api.Errorf(api.InvalidParam, "invalid signature verification arguments")
	}

	key, err := pub.ECDSA()
	if err != nil {
		return err
	}

	n := key.Curve.Params().N
	r := new(big.Int).SetBytes(sig[:coordinateSize])
	s := new(big.Int).SetBytes(sig[coordinateSize:])

	if r.Sign() == 0 || s.Sign() == 0 || r.Cmp(n) >= 0 || s.Cmp(n) >= 0 {
		return api.Errorf(api.InvalidParam, "malformed signature")
	}

	ok, err := run(e, "ecdsa-p256 verify", func() (bool, error) {
		return e.verifier(key, digest, r, s)
	})

	switch {
	case err != nil && api.StatusOf(err) == api.Generic:
		return api.Errorf(api.HWFault, "ecdsa-p256 verify: %v", err)
	case err != nil:
		return err
	case !ok:
		return api.Errorf(api.Mismatch, "signature verification failed")
	}

	return nil
}
