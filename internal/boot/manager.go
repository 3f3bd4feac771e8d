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

// Package boot implements the secure boot sequence: self check, staged
// update installation, main image verification and the response to
// failures, which is either a warning, recovery from the backup image or a
// terminal lockdown.
package boot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-secboot/api"
	"github.com/transparency-dev/armored-witness-secboot/internal/crypto"
	"github.com/transparency-dev/armored-witness-secboot/internal/diag"
	"github.com/transparency-dev/armored-witness-secboot/internal/firmware"
	"github.com/transparency-dev/armored-witness-secboot/internal/flash"
	"github.com/transparency-dev/armored-witness-secboot/internal/keys"
)

// Config holds the platform services used by the boot sequence.
type Config struct {
	Engine   *crypto.Engine
	Device   flash.Device
	Layout   flash.Layout
	Identity keys.Identity
	Clock    diag.Clock

	Indicator Indicator
	Halter    Halter
	Jump      JumpFunc

	// Minimum is the lowest firmware version accepted by updates.
	Minimum *semver.Version
}

// Result is the outcome of a boot which did not transfer control.
type Result struct {
	State State
	// Reason is set when the boot ended in lockdown.
	Reason string
	// Decision is the main image verification decision, it is left zero
	// when verification did not run.
	Decision *firmware.Decision
	// Installed is set when a staged update was installed.
	Installed *firmware.Image
	Recovered bool
}

// Manager runs the boot sequence.
type Manager struct {
	engine *crypto.Engine
	log    *diag.Log

	bootloader *flash.Window
	secrets    *flash.Window
	main       *flash.Window

	verifier  *firmware.Verifier
	installer *firmware.Installer
	unwrapper *keys.Unwrapper

	machine   *Machine
	handoff   *Handoff
	recovery  *Recovery
	responses *Engine

	result Result
}

// New prepares the boot sequence on the device described by cfg.
func New(cfg *Config) (*Manager, error) {
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}

	windows := make(map[string]*flash.Window)

	for _, name := range []string{flash.Bootloader, flash.Secrets, flash.DiagLog, flash.MainApp, flash.Update, flash.Backup} {
		r, err := cfg.Layout.Region(name)
		if err != nil {
			return nil, err
		}
		windows[name] = flash.Open(cfg.Device, r)
	}

	log, err := diag.Open(cfg.Engine, windows[flash.DiagLog], cfg.Clock)
	if err != nil {
		return nil, fmt.Errorf("could not open diagnostic log: %w", err)
	}

	b, err := windows[flash.Secrets].Read(keys.PublicKeyOffset, keys.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("could not read public key: %w", err)
	}

	var pub crypto.PublicKey
	copy(pub[:], b)

	verifier := firmware.NewVerifier(cfg.Engine, cfg.Device, cfg.Layout, &pub)
	machine := NewMachine(cfg.Halter)
	handoff := NewHandoff(cfg.Jump)

	recovery := &Recovery{
		Verifier: verifier,
		Backup:   windows[flash.Backup].Region().Base,
		Handoff:  handoff,
		Log:      log,
		Clock:    cfg.Clock,
		Machine:  machine,
	}

	return &Manager{
		engine:     cfg.Engine,
		log:        log,
		bootloader: windows[flash.Bootloader],
		secrets:    windows[flash.Secrets],
		main:       windows[flash.MainApp],
		verifier:   verifier,
		installer: &firmware.Installer{
			Engine:   cfg.Engine,
			Verifier: verifier,
			Update:   windows[flash.Update],
			Main:     windows[flash.MainApp],
			Minimum:  cfg.Minimum,
		},
		unwrapper: keys.NewUnwrapper(cfg.Engine, windows[flash.Secrets], cfg.Identity),
		machine:   machine,
		handoff:   handoff,
		recovery:  recovery,
		responses: &Engine{
			Log:       log,
			Clock:     cfg.Clock,
			Indicator: cfg.Indicator,
			Machine:   machine,
			Recovery:  recovery,
		},
	}, nil
}

// Log returns the diagnostics log.
func (m *Manager) Log() *diag.Log {
	return m.log
}

// Boot runs the boot sequence, it returns only when control was not
// transferred to an image, or when the transfer returned.
func (m *Manager) Boot() Result {
	if !m.selfCheck() {
		return m.finish()
	}

	m.update()

	if m.machine.State() == StateLocked {
		return m.finish()
	}

	if err := m.machine.Enter(StateVerifying); err != nil {
		m.machine.Lock(err.Error())
		return m.finish()
	}

	d := m.verifier.Verify(m.main.Region().Base)
	m.result.Decision = &d

	if d.Accepted() {
		if err := m.machine.Enter(StateAccepted); err != nil {
			m.machine.Lock(err.Error())
			return m.finish()
		}

		err := m.handoff.Jump(d.Image)
		klog.Errorf("boot: %v", err)

		record(m.log, diag.EventRollback, diag.RollbackJumpFailed, d.Image.Entry)
		m.machine.Lock("main image transfer failed")

		return m.finish()
	}

	if d.Reason == firmware.InvalidSignature {
		m.responses.HandleSignature(d.Status)
	} else {
		m.responses.HandleIntegrity(d.Status)
	}

	if m.machine.State() != StateLocked {
		m.machine.Lock("no bootable image")
	}

	return m.finish()
}

func (m *Manager) finish() Result {
	m.result.State = m.machine.State()
	m.result.Reason = m.machine.Reason()
	m.result.Recovered = m.recovery.Attempted()
	return m.result
}

// selfCheck verifies the bootloader region against the checksum stored with
// the device secrets, it returns whether the boot may proceed.
func (m *Manager) selfCheck() bool {
	r := m.bootloader.Region()

	code, err := m.bootloader.Read(0, int(r.Size))
	if err != nil {
		klog.Errorf("could not read bootloader: %v", err)
		m.responses.HandleIntegrity(api.StatusOf(err))
		return m.machine.State() == StateInit
	}

	stored, err := m.secrets.Read(keys.BootCRCOffset, 4)
	if err != nil {
		klog.Errorf("could not read bootloader checksum: %v", err)
		m.responses.HandleIntegrity(api.StatusOf(err))
		return m.machine.State() == StateInit
	}

	if err = m.engine.VerifyCRC32(code, binary.LittleEndian.Uint32(stored)); err != nil {
		klog.Errorf("bootloader self check failed: %v", err)
		m.responses.HandleIntegrity(api.StatusOf(err))
		return m.machine.State() == StateInit
	}

	klog.V(2).Infof("bootloader self check passed")

	return true
}

// update installs a staged update, failures are logged and the boot
// continues with the installed image.
func (m *Manager) update() {
	pending, err := m.installer.Pending()
	if err != nil {
		klog.Errorf("could not read update slot: %v", err)
		return
	}

	if !pending {
		return
	}

	s, err := m.unwrapper.Unwrap()
	if err != nil {
		m.updateFailed(diag.EventSecureViolation, diag.ViolationKeyAccess, err, false)
		return
	}
	defer s.Wipe()

	img, err := m.installer.Install(s.Key[:], s.IV[:])

	var rejected *firmware.RejectedError

	switch {
	case err == nil:
		m.result.Installed = img
	case errors.Is(err, crypto.ErrPadding):
		m.updateFailed(diag.EventSecureViolation, diag.ViolationMemoryTamper, err, true)
	case errors.Is(err, firmware.ErrRollback):
		m.updateFailed(diag.EventRollback, diag.RollbackVersionRejected, err, true)
	case errors.As(err, &rejected):
		m.updateFailed(diag.EventRollback, diag.RollbackInvalidSignature, err, true)
	default:
		m.updateFailed(diag.EventRollback, diag.RollbackHWFault, err, false)
	}
}

// updateFailed logs an update failure, discarding the staged update when it
// can never succeed.
func (m *Manager) updateFailed(ev diag.Event, code diag.Code, err error, discard bool) {
	klog.Errorf("update failed: %v", err)

	if record(m.log, ev, code, uint32(api.StatusOf(err))) {
		m.machine.Lock("diagnostic log tampered during update")
		return
	}

	if !discard {
		return
	}

	if err := m.installer.Discard(); err != nil {
		klog.Errorf("could not discard update: %v", err)
	}
}

// Report summarizes the boot outcome, r carries the device identification
// fields.
func (m *Manager) Report(r *api.Report) error {
	r.State = m.machine.State().String()
	r.Decision = ""
	r.Status = api.OK
	r.ImageVersion = ""

	if d := m.result.Decision; d != nil {
		r.Decision = d.Reason.String()
		r.Status = d.Status
	}

	if hb, err := m.main.Read(0, firmware.HeaderSize); err == nil {
		if h, err := firmware.ParseHeader(hb); err == nil {
			r.ImageVersion = h.Version.String()
		}
	}

	records, tampered, err := m.log.Entries()
	if err != nil {
		return err
	}

	r.Events = uint32(len(records))
	r.Tampered = r.Tampered[:0]

	for _, k := range tampered {
		r.Tampered = append(r.Tampered, uint32(k))
	}

	return nil
}
