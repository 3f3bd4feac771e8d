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
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-secboot/api"
)

func engine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := Init(opts...)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return e
}

func TestCRC32(t *testing.T) {
	e := engine(t)

	for _, test := range []struct {
		name string
		in   []byte
		want uint32
	}{
		{
			// CRC-32/MPEG-2 check value
			name: "check",
			in:   []byte("123456789"),
			want: 0x0376e6e7,
		}, {
			name: "single zero byte",
			in:   []byte{0},
			want: 0x4e08bfb4,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := e.CRC32(test.in)
			if err != nil {
				t.Fatalf("CRC32: %v", err)
			}
			if got != test.want {
				t.Fatalf("Got %#08x, want %#08x", got, test.want)
			}
			if err := e.VerifyCRC32(test.in, test.want^1); api.StatusOf(err) != api.Mismatch {
				t.Fatalf("VerifyCRC32 with wrong value: got %v, want mismatch", err)
			}
		})
	}

	if _, err := e.CRC32(nil); api.StatusOf(err) != api.InvalidParam {
		t.Errorf("CRC32(nil): got %v, want invalid_param", err)
	}
}

func TestUninitialized(t *testing.T) {
	var e *Engine

	if _, err := e.SHA256([]byte{1}); api.StatusOf(err) != api.InvalidState {
		t.Errorf("SHA256: got %v, want invalid_state", err)
	}
	if _, err := (&Engine{}).CRC32([]byte{1}); api.StatusOf(err) != api.InvalidState {
		t.Errorf("CRC32: got %v, want invalid_state", err)
	}
}

func TestTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	e := engine(t,
		WithTimeout(10*time.Millisecond),
		WithHasher(func([]byte) ([32]byte, error) {
			<-block
			return [32]byte{}, nil
		}),
	)

	if _, err := e.SHA256([]byte("payload")); api.StatusOf(err) != api.Timeout {
		t.Fatalf("Got %v, want timeout", err)
	}
}

func TestTimeoutWipesResult(t *testing.T) {
	block := make(chan struct{})
	wiped := make(chan []byte, 1)
	plaintext := []byte("abandoned plaintext")

	e := engine(t, WithTimeout(10*time.Millisecond))

	_, err := runDiscard(e, "decrypt", func() ([]byte, error) {
		<-block
		return plaintext, nil
	}, func(b []byte) {
		Wipe(b)
		wiped <- b
	})
	if api.StatusOf(err) != api.Timeout {
		t.Fatalf("Got %v, want timeout", err)
	}

	close(block)

	select {
	case b := <-wiped:
		if !bytes.Equal(b, make([]byte, len(b))) {
			t.Errorf("abandoned result not wiped: %q", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned result never discarded")
	}
}

func TestHasherFault(t *testing.T) {
	e := engine(t, WithHasher(func([]byte) ([32]byte, error) {
		return [32]byte{}, errors.New("dcp error")
	}))

	if _, err := e.SHA256([]byte("payload")); api.StatusOf(err) != api.HWFault {
		t.Fatalf("Got %v, want hw_fault", err)
	}
}

func TestPKCS7RoundTrip(t *testing.T) {
	for n := 0; n <= 48; n++ {
		in := bytes.Repeat([]byte{0xa5}, n)
		padded := Pad(in, 16)

		if len(padded)%16 != 0 || len(padded) <= n {
			t.Fatalf("Pad(%d bytes) returned %d bytes", n, len(padded))
		}

		out, err := Unpad(padded, 16)
		if err != nil {
			t.Fatalf("Unpad(Pad(%d bytes)): %v", n, err)
		}
		if !bytes.Equal(in, out) {
			t.Fatalf("Unpad(Pad(%x)) = %x", in, out)
		}
	}
}

func TestUnpad(t *testing.T) {
	block := func(tail ...byte) []byte {
		return append(bytes.Repeat([]byte{0}, 16-len(tail)), tail...)
	}

	for _, test := range []struct {
		name string
		in   []byte
		want []byte
	}{
		{name: "empty"},
		{name: "unaligned", in: []byte{1, 1, 1}},
		{name: "zero pad", in: block(0)},
		{name: "pad larger than block", in: block(17)},
		{name: "inconsistent pad", in: block(1, 3, 3)},
		{name: "full block", in: bytes.Repeat([]byte{16}, 16), want: []byte{}},
		{name: "one byte", in: block(1), want: make([]byte, 15)},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := Unpad(test.in, 16)
			if test.want == nil {
				if !errors.Is(err, ErrPadding) {
					t.Fatalf("Got %v, want ErrPadding", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unpad: %v", err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}
		})
	}
}

func TestCBC(t *testing.T) {
	e := engine(t)
	key := bytes.Repeat([]byte{0x11}, 16)
	iv := bytes.Repeat([]byte{0x22}, 16)
	pt := []byte("0123456789abcdef")

	ct, err := e.EncryptCBC(key, iv, pt)
	if err != nil {
		t.Fatalf("EncryptCBC: %v", err)
	}
	if len(ct) != 32 {
		t.Fatalf("ciphertext length %d, want 32", len(ct))
	}

	got, err := e.DecryptCBC(key, iv, ct)
	if err != nil {
		t.Fatalf("DecryptCBC: %v", err)
	}
	if !bytes.Equal(pt, got) {
		t.Fatalf("Got %x, want %x", got, pt)
	}

	// Turn the final padding byte from 0x10 into 0x11.
	ct[15] ^= 0x01
	if _, err := e.DecryptCBC(key, iv, ct); !errors.Is(err, ErrPadding) || api.StatusOf(err) != api.Tampered {
		t.Fatalf("DecryptCBC of tampered ciphertext: got %v, want ErrPadding", err)
	}

	if _, err := e.DecryptCBC(key[:5], iv, ct); api.StatusOf(err) != api.InvalidParam {
		t.Errorf("short key: got %v, want invalid_param", err)
	}
	if _, err := e.DecryptCBC(key, iv, ct[:20]); api.StatusOf(err) != api.InvalidParam {
		t.Errorf("unaligned ciphertext: got %v, want invalid_param", err)
	}
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Wipe(b[:2])
	if diff := cmp.Diff([]byte{0, 0, 0, 0}, b); diff != "" {
		t.Fatalf("Wipe did not clear full capacity: %s", diff)
	}
}

func TestVerifyP256(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	digest := sha256.Sum256([]byte("firmware"))
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	sig, err := NewSignature(r, s)
	if err != nil {
		t.Fatal(err)
	}
	pub := NewPublicKey(&priv.PublicKey)

	for _, test := range []struct {
		name   string
		opts   []Option
		pub    func() PublicKey
		digest func() []byte
		sig    func() Signature
		want   api.Status
	}{
		{
			name: "valid",
			want: api.OK,
		}, {
			name:   "digest bit flip",
			digest: func() []byte { d := digest; d[0] ^= 1; return d[:] },
			want:   api.Mismatch,
		}, {
			name: "signature bit flip",
			sig:  func() Signature { s := sig; s[40] ^= 1; return s },
			want: api.Mismatch,
		}, {
			name: "zero r",
			sig:  func() Signature { s := sig; copy(s[:32], make([]byte, 32)); return s },
			want: api.InvalidParam,
		}, {
			name: "s out of range",
			sig:  func() Signature { s := sig; copy(s[32:], bytes.Repeat([]byte{0xff}, 32)); return s },
			want: api.InvalidParam,
		}, {
			name: "key off curve",
			pub:  func() PublicKey { k := pub; k[63] ^= 1; return k },
			want: api.InvalidState,
		}, {
			name: "accelerator fault",
			opts: []Option{WithSignatureVerifier(func(*ecdsa.PublicKey, []byte, *big.Int, *big.Int) (bool, error) {
				return false, errors.New("pka error")
			})},
			want: api.HWFault,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := engine(t, test.opts...)
			p, d, s := pub, digest[:], sig
			if test.pub != nil {
				p = test.pub()
			}
			if test.digest != nil {
				d = test.digest()
			}
			if test.sig != nil {
				s = test.sig()
			}
			if got := api.StatusOf(e.VerifyP256(&p, d, &s)); got != test.want {
				t.Fatalf("Got %v, want %v", got, test.want)
			}
		})
	}
}
