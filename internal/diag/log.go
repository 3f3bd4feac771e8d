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

// Package diag implements the tamper evident diagnostics log: a circular
// buffer of checksummed entries stored in a dedicated non-volatile region.
package diag

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-secboot/api"
	"github.com/transparency-dev/armored-witness-secboot/internal/crypto"
	"github.com/transparency-dev/armored-witness-secboot/internal/flash"
)

// ErrEmpty is returned when reading a slot which was never written.
var ErrEmpty = errors.New("empty log slot")

// Clock returns the current timestamp.
type Clock func() uint32

// Log is the diagnostics log, it has a single writer.
type Log struct {
	engine *crypto.Engine
	w      *flash.Window
	clock  Clock

	slots int
	// head is the slot the next entry is written to.
	head int
	// wrapped is set once the head has gone past the last slot, slots are
	// then expected to hold entries from the previous lap.
	wrapped bool
	// last is the largest timestamp stored in the log, new entries are
	// stamped after it so that the newest entry is found on Open even when
	// the clock restarts.
	last uint32
}

// Record is an entry read back from its slot.
type Record struct {
	Slot  int
	Entry Entry
}

type slotState int

const (
	slotErased slotState = iota
	slotValid
	slotCorrupt
)

// Open scans the log region to recover the write position.
func Open(e *crypto.Engine, w *flash.Window, clock Clock) (*Log, error) {
	slots := int(w.Region().Size / SlotSize)

	if slots == 0 {
		return nil, api.Errorf(api.InvalidParam, "log region %v too small", w.Region())
	}

	l := &Log{
		engine: e,
		w:      w,
		clock:  clock,
		slots:  slots,
	}

	states := make([]slotState, slots)
	newest, newestTime := -1, uint32(0)

	for k := range states {
		entry, err := l.Read(k)

		switch {
		case errors.Is(err, ErrEmpty):
			states[k] = slotErased
		case err != nil:
			states[k] = slotCorrupt
			klog.Warningf("diagnostic log slot %d: %v", k, err)
		default:
			states[k] = slotValid
			if newest < 0 || entry.Timestamp >= newestTime {
				newest, newestTime = k, entry.Timestamp
			}
		}
	}

	if newest >= 0 {
		l.last = newestTime
	}

	l.head = -1

	for k, s := range states {
		if s == slotErased {
			l.head = k
			break
		}
	}

	switch {
	case l.head >= 0:
		for _, s := range states[l.head:] {
			if s != slotErased {
				l.wrapped = true
			}
		}
	case newest >= 0:
		l.head = (newest + 1) % slots
		l.wrapped = true
	default:
		l.head = 0
		l.wrapped = true
	}

	klog.V(2).Infof("diagnostic log opened, %d slots, head %d, wrapped %t", slots, l.head, l.wrapped)

	return l, nil
}

// Slots returns the log capacity.
func (l *Log) Slots() int {
	return l.slots
}

// Head returns the slot the next entry is written to.
func (l *Log) Head() int {
	return l.head
}

func (l *Log) checksum(e *Entry) (uint32, error) {
	return l.engine.CRC32(e.Bytes()[:crcOffset])
}

func (l *Log) readSlot(k int) ([]byte, error) {
	if k < 0 || k >= l.slots {
		return nil, api.Errorf(api.InvalidParam, "invalid slot %d (log has %d slots)", k, l.slots)
	}
	return l.w.Read(uint32(k*SlotSize), SlotSize)
}

// verifySlot decodes a slot, api.Tampered is returned on checksum failure
// or when bytes past the entry are not erased.
func (l *Log) verifySlot(k int, b []byte) (*Entry, error) {
	if flash.IsErased(b) {
		return nil, ErrEmpty
	}

	e := parseEntry(b)

	sum, err := l.checksum(&e)
	if err != nil {
		return nil, err
	}

	if sum != e.CRC || !flash.IsErased(b[EntrySize:]) {
		return nil, api.Errorf(api.Tampered, "slot %d checksum mismatch", k)
	}

	return &e, nil
}

// Read returns the entry stored in slot k.
func (l *Log) Read(k int) (*Entry, error) {
	b, err := l.readSlot(k)
	if err != nil {
		return nil, err
	}

	return l.verifySlot(k, b)
}

// Append records an event at the head of the log.
//
// On the first lap the head slot must be erased, afterwards it must hold a
// valid entry from the previous lap which is erased before reuse: any other
// content is reported as api.Tampered and nothing is written. The head
// advances after a successful write, the entry is then read back and
// verified.
func (l *Log) Append(ev Event, code Code, context uint32) error {
	if !ev.Valid() {
		return api.Errorf(api.InvalidParam, "unknown event %#x", uint32(ev))
	}

	e := &Entry{
		Timestamp: l.stamp(),
		Event:     ev,
		Code:      code,
		Context:   context,
	}

	sum, err := l.checksum(e)
	if err != nil {
		return err
	}
	e.CRC = sum

	k := l.head
	off := uint32(k * SlotSize)

	if err = l.prepare(k); err != nil {
		klog.Errorf("diagnostic log slot %d refused %v: %v", k, e, err)
		return err
	}

	slot := bytes.Repeat([]byte{flash.Erased}, SlotSize)
	copy(slot, e.Bytes())

	if err = l.w.Program(off, slot); err != nil {
		return api.Errorf(api.Generic, "could not write log slot %d: %v", k, err)
	}

	l.last = e.Timestamp
	l.head = (k + 1) % l.slots
	if l.head == 0 {
		l.wrapped = true
	}

	got, err := l.Read(k)
	if err != nil {
		return api.Errorf(api.Tampered, "slot %d read back: %v", k, err)
	}

	if *got != *e {
		return api.Errorf(api.Tampered, "slot %d read back %v, wrote %v", k, got, e)
	}

	klog.V(2).Infof("diagnostic log slot %d: %v", k, e)

	return nil
}

// stamp returns the clock value, raised past the newest stored entry.
func (l *Log) stamp() uint32 {
	now := l.clock()
	if now <= l.last && l.last < math.MaxUint32 {
		now = l.last + 1
	}
	return now
}

// prepare readies slot k for writing.
func (l *Log) prepare(k int) error {
	b, err := l.readSlot(k)
	if err != nil {
		return err
	}

	if flash.IsErased(b) {
		return nil
	}

	if !l.wrapped {
		return api.Errorf(api.Tampered, "slot %d is not erased", k)
	}

	if _, err = l.verifySlot(k, b); err != nil {
		return err
	}

	if err = l.w.Erase(uint32(k*SlotSize), SlotSize); err != nil {
		return api.Errorf(api.Generic, "could not erase log slot %d: %v", k, err)
	}

	if b, err = l.readSlot(k); err != nil {
		return err
	}

	if !flash.IsErased(b) {
		return api.Errorf(api.Tampered, "slot %d did not erase", k)
	}

	return nil
}

// Entries returns every committed entry, oldest first, and the slots
// failing verification.
func (l *Log) Entries() (records []Record, tampered []int, err error) {
	start := 0
	if l.wrapped {
		start = l.head
	}

	for i := 0; i < l.slots; i++ {
		k := (start + i) % l.slots
		e, err := l.Read(k)

		switch {
		case errors.Is(err, ErrEmpty):
		case api.StatusOf(err) == api.Tampered:
			tampered = append(tampered, k)
		case err != nil:
			return nil, nil, err
		default:
			records = append(records, Record{Slot: k, Entry: *e})
		}
	}

	return
}

// Erase clears every slot and resets the log.
// WARNING: Data Loss!
func (l *Log) Erase() error {
	klog.Info("Erasing diagnostic log")

	if err := l.w.Erase(0, uint32(l.slots*SlotSize)); err != nil {
		return fmt.Errorf("could not erase diagnostic log: %v", err)
	}

	l.head = 0
	l.wrapped = false

	return nil
}
