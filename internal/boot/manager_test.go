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
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/coreos/go-semver/semver"
	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-secboot/api"
	"github.com/transparency-dev/armored-witness-secboot/internal/crypto"
	"github.com/transparency-dev/armored-witness-secboot/internal/diag"
	"github.com/transparency-dev/armored-witness-secboot/internal/firmware"
	"github.com/transparency-dev/armored-witness-secboot/internal/flash"
	"github.com/transparency-dev/armored-witness-secboot/internal/testonly"
)

const (
	// signatureOffset is the offset of the signature in an image header.
	signatureOffset = 48
	payloadOffset   = firmware.HeaderSize
)

var (
	v100 = firmware.Version{1, 0, 0, 0}
	v110 = firmware.Version{1, 1, 0, 0}
	v090 = firmware.Version{0, 9, 0, 0}
)

type jump struct {
	Base  uint32
	State State
}

type harness struct {
	d     *testonly.Device
	m     *Manager
	now   uint32
	jumps []jump
	halts []string
}

func newHarness(t *testing.T, d *testonly.Device, opts ...crypto.Option) *harness {
	t.Helper()

	e := d.Engine
	if len(opts) > 0 {
		var err error
		if e, err = crypto.Init(opts...); err != nil {
			t.Fatalf("crypto.Init: %v", err)
		}
	}

	h := &harness{d: d}

	m, err := New(&Config{
		Engine:    e,
		Device:    d.Mem,
		Layout:    d.Layout,
		Identity:  d.Identity(),
		Clock:     func() uint32 { h.now++; return h.now },
		Indicator: IndicatorFunc(func(string) {}),
		Halter:    HalterFunc(func(reason string) { h.halts = append(h.halts, reason) }),
		Jump: func(img *firmware.Image) error {
			h.jumps = append(h.jumps, jump{img.Base, h.m.machine.State()})
			return nil
		},
		Minimum: semver.New("1.0.0"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m

	return h
}

// logged returns the committed log entries without timestamps.
func (h *harness) logged(t *testing.T) []logged {
	t.Helper()
	records, tampered, err := h.m.Log().Entries()
	if err != nil || len(tampered) > 0 {
		t.Fatalf("Entries: %v, tampered %v", err, tampered)
	}
	var l []logged
	for _, r := range records {
		l = append(l, logged{r.Entry.Event, r.Entry.Code, r.Entry.Context})
	}
	return l
}

func provision(t *testing.T, d *testonly.Device, main, backup bool) {
	t.Helper()
	if main {
		d.Put(t, flash.MainApp, d.Image(t, flash.MainApp, testonly.Payload(2000), v100))
	}
	if backup {
		d.Put(t, flash.Backup, d.Image(t, flash.Backup, testonly.Payload(1500), v100))
	}
}

func base(t *testing.T, d *testonly.Device, name string) uint32 {
	t.Helper()
	return d.Region(t, name).Base
}

func TestBootMain(t *testing.T) {
	d := testonly.NewDevice(t)
	provision(t, d, true, true)
	h := newHarness(t, d)

	res := h.m.Boot()

	mainBase := base(t, d, flash.MainApp)
	if diff := cmp.Diff([]jump{{mainBase, StateAccepted}}, h.jumps); diff != "" {
		t.Fatalf("jumps diff: %s", diff)
	}
	if res.Decision == nil || !res.Decision.Accepted() {
		t.Fatalf("Got decision %+v, want accepted", res.Decision)
	}
	// a transfer which returns is a failure
	if res.State != StateLocked || res.Recovered {
		t.Errorf("Got state %s recovered %t after returning transfer", res.State, res.Recovered)
	}
	want := []logged{{diag.EventRollback, diag.RollbackJumpFailed, mainBase + firmware.HeaderSize}}
	if diff := cmp.Diff(want, h.logged(t)); diff != "" {
		t.Errorf("log diff: %s", diff)
	}

	report := &api.Report{Serial: "test"}
	if err := h.m.Report(report); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if report.State != "locked" || report.Decision != "accept" || report.ImageVersion != "1.0.0+0" || report.Events != 1 {
		t.Errorf("Got report %+v", report)
	}
}

func TestBootFlippedSignature(t *testing.T) {
	d := testonly.NewDevice(t)
	provision(t, d, true, true)
	d.Mem.Bytes(flash.MainApp)[signatureOffset+20] ^= 0x01
	h := newHarness(t, d)

	res := h.m.Boot()

	if res.State != StateLocked || res.Recovered || len(h.jumps) != 0 {
		t.Fatalf("Got state %s recovered %t jumps %v, want lockdown only", res.State, res.Recovered, h.jumps)
	}
	if res.Decision.Reason != firmware.InvalidSignature {
		t.Errorf("Got reason %s, want invalid_signature", res.Decision.Reason)
	}
	want := []logged{{diag.EventSigFail, diag.SigFailMainImage, uint32(api.Mismatch)}}
	if diff := cmp.Diff(want, h.logged(t)); diff != "" {
		t.Errorf("log diff: %s", diff)
	}
	if len(h.halts) == 0 {
		t.Error("device not halted")
	}
}

func TestBootCorruptPayloadRecovers(t *testing.T) {
	d := testonly.NewDevice(t)
	provision(t, d, true, true)
	d.Mem.Bytes(flash.MainApp)[payloadOffset+100] ^= 0x80
	h := newHarness(t, d)

	res := h.m.Boot()

	backupBase := base(t, d, flash.Backup)
	if diff := cmp.Diff([]jump{{backupBase, StateRecovering}}, h.jumps); diff != "" {
		t.Fatalf("jumps diff: %s", diff)
	}
	if !res.Recovered || res.Decision.Reason != firmware.InvalidHash {
		t.Errorf("Got recovered %t reason %s", res.Recovered, res.Decision.Reason)
	}
	want := []logged{
		{diag.EventCRCFail, diag.Code(api.Mismatch), 1},
		{diag.EventRollback, diag.RollbackNormalRecovery, 3},
		{diag.EventRollback, diag.RollbackJumpFailed, backupBase + firmware.HeaderSize},
	}
	if diff := cmp.Diff(want, h.logged(t)); diff != "" {
		t.Errorf("log diff: %s", diff)
	}
}

func TestBootBackupRejected(t *testing.T) {
	d := testonly.NewDevice(t)
	provision(t, d, true, true)
	d.Mem.Bytes(flash.MainApp)[payloadOffset] ^= 0x01
	d.Mem.Bytes(flash.Backup)[signatureOffset] ^= 0x01
	h := newHarness(t, d)

	res := h.m.Boot()

	if res.State != StateLocked || !res.Recovered || len(h.jumps) != 0 {
		t.Fatalf("Got state %s recovered %t jumps %v", res.State, res.Recovered, h.jumps)
	}
	want := []logged{
		{diag.EventCRCFail, diag.Code(api.Mismatch), 1},
		{diag.EventRollback, diag.RollbackNormalRecovery, 3},
		{diag.EventSigFail, diag.SigFailBackupImage, uint32(api.Mismatch)},
	}
	if diff := cmp.Diff(want, h.logged(t)); diff != "" {
		t.Errorf("log diff: %s", diff)
	}
}

func TestBootNoImages(t *testing.T) {
	d := testonly.NewDevice(t)
	h := newHarness(t, d)

	res := h.m.Boot()

	if res.State != StateLocked || !res.Recovered || len(h.jumps) != 0 {
		t.Fatalf("Got state %s recovered %t jumps %v", res.State, res.Recovered, h.jumps)
	}
	if res.Decision.Reason != firmware.InvalidHeader {
		t.Errorf("Got reason %s, want invalid_header", res.Decision.Reason)
	}
	want := []logged{
		{diag.EventCRCFail, diag.Code(api.Mismatch), 1},
		{diag.EventRollback, diag.RollbackNormalRecovery, 3},
		{diag.EventCRCFail, diag.CRCFailBackupImage, uint32(api.Mismatch)},
	}
	if diff := cmp.Diff(want, h.logged(t)); diff != "" {
		t.Errorf("log diff: %s", diff)
	}
}

func TestBootHardwareFaultRecovers(t *testing.T) {
	d := testonly.NewDevice(t)
	provision(t, d, true, true)

	var calls atomic.Int32
	h := newHarness(t, d, crypto.WithSignatureVerifier(func(pub *ecdsa.PublicKey, digest []byte, r, s *big.Int) (bool, error) {
		if calls.Add(1) == 1 {
			return false, errors.New("accelerator fault")
		}
		return ecdsa.Verify(pub, digest, r, s), nil
	}))

	res := h.m.Boot()

	backupBase := base(t, d, flash.Backup)
	if diff := cmp.Diff([]jump{{backupBase, StateRecovering}}, h.jumps); diff != "" {
		t.Fatalf("jumps diff: %s", diff)
	}
	if res.Decision.Status != api.HWFault {
		t.Errorf("Got status %s, want hw_fault", res.Decision.Status)
	}
	want := []logged{
		{diag.EventSigFail, diag.SigFailHWCryptoError, uint32(api.HWFault)},
		{diag.EventRollback, diag.RollbackNormalRecovery, 2},
		{diag.EventRollback, diag.RollbackJumpFailed, backupBase + firmware.HeaderSize},
	}
	if diff := cmp.Diff(want, h.logged(t)); diff != "" {
		t.Errorf("log diff: %s", diff)
	}
}

func TestBootSelfCheck(t *testing.T) {
	d := testonly.NewDevice(t)
	provision(t, d, true, true)
	d.Mem.Bytes(flash.Bootloader)[0x10] ^= 0x04
	h := newHarness(t, d)

	res := h.m.Boot()

	if res.Decision != nil {
		t.Errorf("main image verified after failed self check: %+v", res.Decision)
	}
	if diff := cmp.Diff([]jump{{base(t, d, flash.Backup), StateRecovering}}, h.jumps); diff != "" {
		t.Fatalf("jumps diff: %s", diff)
	}
}

func TestBootTamperedLog(t *testing.T) {
	d := testonly.NewDevice(t)
	provision(t, d, true, true)
	d.Mem.Bytes(flash.MainApp)[payloadOffset] ^= 0x01
	log := d.Region(t, flash.DiagLog)
	d.Mem.OnProgram = func(addr uint32, b []byte) {
		if log.Contains(addr, uint32(len(b))) {
			d.Mem.Bytes(flash.DiagLog)[addr-log.Base+9] ^= 0x01
		}
	}
	h := newHarness(t, d)

	res := h.m.Boot()

	if res.State != StateLocked || res.Recovered || len(h.jumps) != 0 {
		t.Fatalf("Got state %s recovered %t jumps %v, want lockdown", res.State, res.Recovered, h.jumps)
	}
}

func TestBootUpdate(t *testing.T) {
	for _, test := range []struct {
		name        string
		stage       func(t *testing.T, d *testonly.Device)
		wantVersion string
		wantLog     []logged
		wantStaged  bool
	}{
		{
			name: "installed",
			stage: func(t *testing.T, d *testonly.Device) {
				d.Stage(t, d.Image(t, flash.MainApp, testonly.Payload(3000), v110))
			},
			wantVersion: "1.1.0+0",
		}, {
			name: "rollback rejected",
			stage: func(t *testing.T, d *testonly.Device) {
				d.Stage(t, d.Image(t, flash.MainApp, testonly.Payload(3000), v090))
			},
			wantVersion: "1.0.0+0",
			wantLog:     []logged{{diag.EventRollback, diag.RollbackVersionRejected, uint32(api.InvalidState)}},
		}, {
			name: "wrong slot",
			stage: func(t *testing.T, d *testonly.Device) {
				d.Stage(t, d.Image(t, flash.Backup, testonly.Payload(3000), v110))
			},
			wantVersion: "1.0.0+0",
			wantLog:     []logged{{diag.EventRollback, diag.RollbackInvalidSignature, uint32(api.Mismatch)}},
		}, {
			name: "tampered ciphertext",
			stage: func(t *testing.T, d *testonly.Device) {
				d.Stage(t, d.Image(t, flash.MainApp, testonly.Payload(3000), v110))
				u := d.Mem.Bytes(flash.Update)
				n := int(u[4]) | int(u[5])<<8
				u[8+n-17] ^= 0x20
			},
			wantVersion: "1.0.0+0",
			wantLog:     []logged{{diag.EventSecureViolation, diag.ViolationMemoryTamper, uint32(api.Tampered)}},
		}, {
			name: "wrong device key",
			stage: func(t *testing.T, d *testonly.Device) {
				d.Stage(t, d.Image(t, flash.MainApp, testonly.Payload(3000), v110))
				d.Mem.Bytes(flash.Secrets)[0] ^= 0xff
			},
			wantVersion: "1.0.0+0",
			wantLog:     []logged{{diag.EventSecureViolation, diag.ViolationKeyAccess, uint32(api.Tampered)}},
			wantStaged:  true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			d := testonly.NewDevice(t)
			provision(t, d, true, true)
			test.stage(t, d)
			h := newHarness(t, d)

			res := h.m.Boot()

			if len(h.jumps) != 1 || h.jumps[0].Base != base(t, d, flash.MainApp) {
				t.Fatalf("Got jumps %v, want main image", h.jumps)
			}
			if got := res.Decision.Image.Version.String(); got != test.wantVersion {
				t.Errorf("Got booted version %s, want %s", got, test.wantVersion)
			}
			if (res.Installed != nil) != (test.wantLog == nil) {
				t.Errorf("Got installed %v with log %v", res.Installed, test.wantLog)
			}

			l := h.logged(t)
			if len(l) == 0 || l[len(l)-1].Code != diag.RollbackJumpFailed {
				t.Fatalf("Got log %v, want trailing jump failure", l)
			}
			if diff := cmp.Diff(test.wantLog, l[:len(l)-1]); diff != "" {
				t.Errorf("log diff: %s", diff)
			}
			if staged := !flash.IsErased(d.Mem.Bytes(flash.Update)); staged != test.wantStaged {
				t.Errorf("Got update staged %t, want %t", staged, test.wantStaged)
			}
		})
	}
}
