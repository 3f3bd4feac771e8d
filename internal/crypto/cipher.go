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
	"crypto/aes"
	"crypto/cipher"

	"github.com/transparency-dev/armored-witness-secboot/api"
)

// ErrPadding is returned when PKCS#7 padding fails validation after
// decryption, which usually indicates tampered ciphertext.
var ErrPadding = api.Errorf(api.Tampered, "invalid PKCS#7 padding")

// Pad returns a copy of b with PKCS#7 padding to a multiple of blockSize,
// a full block of padding is added to aligned input.
func Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)

	copy(out, b)

	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}

	return out
}

// Unpad strips PKCS#7 padding from b, returning a subslice of b.
func Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrPadding
	}

	n := int(b[len(b)-1])

	if n < 1 || n > blockSize || n > len(b) {
		return nil, ErrPadding
	}

	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrPadding
		}
	}

	return b[:len(b)-n], nil
}

func checkCBC(key []byte, iv []byte) (cipher.Block, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, api.Errorf(api.InvalidParam, "invalid AES key length %d", len(key))
	}

	if len(iv) != aes.BlockSize {
		return nil, api.Errorf(api.InvalidParam, "invalid IV length %d", len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, api.Errorf(api.HWFault, "aes: %v", err)
	}

	return block, nil
}

// DecryptCBC decrypts AES-CBC ciphertext and strips its PKCS#7 padding.
//
// A padding failure returns ErrPadding, any decrypted material is wiped
// before returning an error. The caller owns, and must Wipe, the returned
// plaintext.
func (e *Engine) DecryptCBC(key []byte, iv []byte, ciphertext []byte) ([]byte, error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, api.Errorf(api.InvalidParam, "ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}

	block, err := checkCBC(key, iv)
	if err != nil {
		return nil, err
	}

	buf, err := runDiscard(e, "aes-cbc decrypt", func() ([]byte, error) {
		buf := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(buf, ciphertext)
		return buf, nil
	}, Wipe)
	if err != nil {
		return nil, err
	}

	pt, err := Unpad(buf, aes.BlockSize)
	if err != nil {
		Wipe(buf)
		return nil, err
	}

	return pt, nil
}

// EncryptCBC pads plaintext with PKCS#7 and encrypts it with AES-CBC.
func (e *Engine) EncryptCBC(key []byte, iv []byte, plaintext []byte) ([]byte, error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	block, err := checkCBC(key, iv)
	if err != nil {
		return nil, err
	}

	return run(e, "aes-cbc encrypt", func() ([]byte, error) {
		buf := Pad(plaintext, aes.BlockSize)
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf, buf)
		return buf, nil
	})
}
