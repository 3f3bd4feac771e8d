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

// Package crypto provides the cryptographic primitives used during boot.
//
// Every primitive is reached through an Engine, obtained from Init, and runs
// under a fixed deadline: a primitive exceeding it reports api.Timeout and is
// never retried.
package crypto

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"math/big"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-secboot/api"
)

// DefaultTimeout is the deadline applied to each primitive.
const DefaultTimeout = time.Second

// Hasher computes a SHA-256 digest, allowing hardware acceleration.
type Hasher func(data []byte) ([32]byte, error)

// SignatureVerifier checks an ECDSA signature over a digest, allowing
// hardware acceleration. A nil error with a false result is a verification
// failure, an error is a computation failure.
type SignatureVerifier func(pub *ecdsa.PublicKey, digest []byte, r, s *big.Int) (bool, error)

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout sets the deadline applied to each primitive.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithHasher replaces the software SHA-256 implementation.
func WithHasher(h Hasher) Option {
	return func(e *Engine) {
		e.hasher = h
	}
}

// WithSignatureVerifier replaces the software ECDSA verification.
func WithSignatureVerifier(v SignatureVerifier) Option {
	return func(e *Engine) {
		e.verifier = v
	}
}

// Engine is the handle to initialized cryptographic primitives, a nil or
// zero Engine reports api.InvalidState for every operation.
type Engine struct {
	ready    bool
	timeout  time.Duration
	hasher   Hasher
	verifier SignatureVerifier
}

// Init initializes the cryptographic primitives.
func Init(opts ...Option) (*Engine, error) {
	e := &Engine{
		timeout: DefaultTimeout,
		hasher: func(data []byte) ([32]byte, error) {
			return sha256.Sum256(data), nil
		},
		verifier: func(pub *ecdsa.PublicKey, digest []byte, r, s *big.Int) (bool, error) {
			return ecdsa.Verify(pub, digest, r, s), nil
		},
	}

	for _, o := range opts {
		o(e)
	}

	if e.hasher == nil || e.verifier == nil {
		return nil, api.Errorf(api.InvalidParam, "missing primitive implementation")
	}

	e.ready = true
	klog.V(2).Infof("crypto engine ready (timeout %v)", e.timeout)

	return e, nil
}

func (e *Engine) check() error {
	if e == nil || !e.ready {
		return api.Errorf(api.InvalidState, "crypto engine not initialized")
	}
	return nil
}

type result[T any] struct {
	v   T
	err error
}

// run executes fn under the engine deadline. On expiry fn is abandoned and
// its result discarded.
func run[T any](e *Engine, op string, fn func() (T, error)) (T, error) {
	return runDiscard(e, op, fn, nil)
}

// runDiscard is run, passing an abandoned result to discard once fn returns.
func runDiscard[T any](e *Engine, op string, fn func() (T, error), discard func(T)) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	var (
		mu        sync.Mutex
		abandoned bool
	)

	done := make(chan result[T], 1)

	go func() {
		v, err := fn()

		mu.Lock()
		defer mu.Unlock()

		if abandoned {
			if discard != nil {
				discard(v)
			}
			return
		}

		done <- result[T]{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		mu.Lock()
		abandoned = true
		mu.Unlock()

		// fn may have completed while the deadline expired
		select {
		case r := <-done:
			if discard != nil {
				discard(r.v)
			}
		default:
		}

		var zero T
		klog.Errorf("%s exceeded deadline of %v", op, e.timeout)
		return zero, api.Errorf(api.Timeout, "%s exceeded deadline of %v", op, e.timeout)
	}
}
