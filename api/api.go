// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package api

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Report field numbers
const (
	fieldSerial protowire.Number = iota + 1
	fieldRevision
	fieldBuild
	fieldVersion
	fieldState
	fieldDecision
	fieldStatus
	fieldImageVersion
	fieldEvents
	fieldTampered
)

// Report summarises the outcome of a boot attempt.
type Report struct {
	Serial   string
	Revision string
	Build    string
	Version  string

	// State is the final boot state machine state.
	State string
	// Decision is the main image verification decision.
	Decision string
	// Status is the status which drove the decision.
	Status Status
	// ImageVersion is the version of the main image header, when readable.
	ImageVersion string

	// Events is the number of committed diagnostic log entries.
	Events uint32
	// Tampered lists diagnostic log slots failing their checksum.
	Tampered []uint32
}

// Bytes serializes a boot report.
func (p *Report) Bytes() (buf []byte) {
	for _, f := range []struct {
		n protowire.Number
		v string
	}{
		{fieldSerial, p.Serial},
		{fieldRevision, p.Revision},
		{fieldBuild, p.Build},
		{fieldVersion, p.Version},
		{fieldState, p.State},
		{fieldDecision, p.Decision},
	} {
		if len(f.v) == 0 {
			continue
		}
		buf = protowire.AppendTag(buf, f.n, protowire.BytesType)
		buf = protowire.AppendString(buf, f.v)
	}

	if p.Status != OK {
		buf = protowire.AppendTag(buf, fieldStatus, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(p.Status))
	}

	if len(p.ImageVersion) > 0 {
		buf = protowire.AppendTag(buf, fieldImageVersion, protowire.BytesType)
		buf = protowire.AppendString(buf, p.ImageVersion)
	}

	if p.Events > 0 {
		buf = protowire.AppendTag(buf, fieldEvents, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(p.Events))
	}

	if len(p.Tampered) > 0 {
		var packed []byte
		for _, s := range p.Tampered {
			packed = protowire.AppendVarint(packed, uint64(s))
		}
		buf = protowire.AppendTag(buf, fieldTampered, protowire.BytesType)
		buf = protowire.AppendBytes(buf, packed)
	}

	return
}

// Unmarshal parses a boot report serialized with Bytes, unknown fields are
// skipped.
func (p *Report) Unmarshal(buf []byte) error {
	*p = Report{}

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]

		switch {
		case typ == protowire.BytesType && num != fieldTampered:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]
			p.setString(num, v)
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]
			for len(v) > 0 {
				s, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return protowire.ParseError(m)
				}
				v = v[m:]
				p.Tampered = append(p.Tampered, uint32(s))
			}
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]
			switch num {
			case fieldStatus:
				p.Status = Status(v)
			case fieldEvents:
				p.Events = uint32(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}

	if len(p.State) == 0 {
		return errors.New("report is missing boot state")
	}

	return nil
}

func (p *Report) setString(num protowire.Number, v string) {
	switch num {
	case fieldSerial:
		p.Serial = v
	case fieldRevision:
		p.Revision = v
	case fieldBuild:
		p.Build = v
	case fieldVersion:
		p.Version = v
	case fieldState:
		p.State = v
	case fieldDecision:
		p.Decision = v
	case fieldImageVersion:
		p.ImageVersion = v
	}
}

// Print returns the boot report in textual format.
func (p *Report) Print() string {
	var status bytes.Buffer

	status.WriteString("------------------------------------------------------- Secure Boot ----\n")
	status.WriteString(fmt.Sprintf("Serial number ..........: %s\n", p.Serial))
	status.WriteString(fmt.Sprintf("Revision ...............: %s\n", p.Revision))
	status.WriteString(fmt.Sprintf("Build ..................: %s\n", p.Build))
	status.WriteString(fmt.Sprintf("Version ................: %s\n", p.Version))
	status.WriteString(fmt.Sprintf("Boot state .............: %s\n", p.State))
	status.WriteString(fmt.Sprintf("Decision ...............: %s (%s)\n", p.Decision, p.Status))
	status.WriteString(fmt.Sprintf("Image version ..........: %s\n", p.ImageVersion))
	status.WriteString(fmt.Sprintf("Diagnostic events ......: %d\n", p.Events))
	status.WriteString(fmt.Sprintf("Tampered log slots .....: %v", p.Tampered))

	return status.String()
}
