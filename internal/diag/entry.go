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

package diag

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Event is the category of a diagnostic log entry.
type Event uint32

const (
	EventCRCFail         Event = 0x10
	EventSigFail         Event = 0x20
	EventSecureViolation Event = 0x30
	EventRollback        Event = 0x40
)

func (e Event) String() string {
	switch e {
	case EventCRCFail:
		return "crc_fail"
	case EventSigFail:
		return "sig_fail"
	case EventSecureViolation:
		return "secure_violation"
	case EventRollback:
		return "rollback_attempt"
	}
	return fmt.Sprintf("event(%#x)", uint32(e))
}

// Valid returns whether e is a known event.
func (e Event) Valid() bool {
	switch e {
	case EventCRCFail, EventSigFail, EventSecureViolation, EventRollback:
		return true
	}
	return false
}

// Code is the failure code of a diagnostic log entry.
type Code uint8

// Integrity failure codes
const (
	CRCFailMainImage      Code = 0x10
	CRCFailBackupImage    Code = 0x11
	CRCFailConfigData     Code = 0x12
	CRCFailCriticalSecret Code = 0x13
	CRCFailLogEntry       Code = 0x14
)

// Signature failure codes
const (
	SigFailMainImage       Code = 0x20
	SigFailBackupImage     Code = 0x21
	SigFailConfigSignature Code = 0x22
	SigFailKeyExpired      Code = 0x23
	SigFailHWCryptoError   Code = 0x24
	SigFailUnknown         Code = 0x2f
)

// Secure violation codes
const (
	ViolationMemoryTamper  Code = 0x30
	ViolationDebugPort     Code = 0x31
	ViolationClockTamper   Code = 0x32
	ViolationKeyAccess     Code = 0x33
	ViolationStackOverflow Code = 0x34
)

// Rollback and recovery codes
const (
	RollbackNormalRecovery   Code = 0x40
	RollbackInvalidSignature Code = 0x41
	RollbackVersionRejected  Code = 0x42
	RollbackHWFault          Code = 0x43
	RollbackUnauthorized     Code = 0x44
	RollbackJumpFailed       Code = 0x45
)

const (
	// EntrySize is the size of an encoded entry.
	EntrySize = 17
	// SlotSize is the size of a log slot, bytes past the entry stay erased.
	SlotSize = 64
	// crcOffset is the offset of the entry checksum, which covers every
	// preceding byte.
	crcOffset = 13
)

// Entry is a diagnostic log record.
type Entry struct {
	Timestamp uint32
	Event     Event
	Code      Code
	Context   uint32
	CRC       uint32
}

func (e Entry) String() string {
	return fmt.Sprintf("t:%d %s code:%#02x ctx:%#08x", e.Timestamp, e.Event, uint8(e.Code), e.Context)
}

// Bytes serializes the entry.
func (e *Entry) Bytes() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(EntrySize)
	binary.Write(buf, binary.LittleEndian, e)
	return buf.Bytes()
}

func parseEntry(b []byte) (e Entry) {
	binary.Read(bytes.NewReader(b[:EntrySize]), binary.LittleEndian, &e)
	return
}
