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

package boot

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-secboot/internal/diag"
	"github.com/transparency-dev/armored-witness-secboot/internal/firmware"
)

// ErrHandoffUsed is returned when control transfer is requested twice.
var ErrHandoffUsed = errors.New("control transfer already attempted")

// JumpFunc transfers execution to a verified image, it returns only on
// failure.
type JumpFunc func(img *firmware.Image) error

// Handoff is the capability to transfer execution to an image, it can be
// consumed once per boot.
type Handoff struct {
	jump JumpFunc
	used bool
}

// NewHandoff returns the transfer capability for jump.
func NewHandoff(jump JumpFunc) *Handoff {
	return &Handoff{jump: jump}
}

// Used returns whether the capability was consumed.
func (h *Handoff) Used() bool {
	return h.used
}

// Jump transfers execution to img. Returning at all is a failure.
func (h *Handoff) Jump(img *firmware.Image) error {
	if h.used {
		return ErrHandoffUsed
	}
	h.used = true

	klog.Infof("transferring control to %v", img)

	if err := h.jump(img); err != nil {
		return fmt.Errorf("jump to %#08x failed: %w", img.Entry, err)
	}

	return fmt.Errorf("image at %#08x returned", img.Entry)
}

// ImageVerifier decides whether the image at base is bootable.
type ImageVerifier interface {
	Verify(base uint32) firmware.Decision
}

// Recovery boots the backup image, it never falls back to the primary.
type Recovery struct {
	Verifier ImageVerifier
	// Backup is the base of the backup image.
	Backup  uint32
	Handoff *Handoff
	Log     EventLog
	Clock   diag.Clock
	Machine *Machine

	attempted bool
}

// Attempted returns whether recovery ran in this boot.
func (r *Recovery) Attempted() bool {
	return r.attempted
}

// Attempt verifies and boots the backup image. It returns only once the
// machine is locked: on real hardware a successful transfer never returns.
func (r *Recovery) Attempt() {
	if r.attempted {
		r.Machine.Lock("recovery already attempted")
		return
	}
	r.attempted = true

	if err := r.Machine.Enter(StateRecovering); err != nil {
		r.Machine.Lock(fmt.Sprintf("cannot recover: %v", err))
		return
	}

	if record(r.Log, diag.EventRollback, diag.RollbackNormalRecovery, r.Clock()) {
		r.Machine.Lock("diagnostic log tampered during recovery")
		return
	}

	d := r.Verifier.Verify(r.Backup)

	if !d.Accepted() {
		ev, code := diag.EventCRCFail, diag.CRCFailBackupImage
		if d.Reason == firmware.InvalidSignature {
			ev, code = diag.EventSigFail, diag.SigFailBackupImage
		}

		record(r.Log, ev, code, uint32(d.Status))
		r.Machine.Lock(fmt.Sprintf("backup image rejected (%s)", d.Reason))

		return
	}

	err := r.Handoff.Jump(d.Image)
	klog.Errorf("recovery: %v", err)

	record(r.Log, diag.EventRollback, diag.RollbackJumpFailed, d.Image.Entry)
	r.Machine.Lock("backup image transfer failed")
}
