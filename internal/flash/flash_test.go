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

package flash

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-secboot/api"
)

func testLayout() Layout {
	return Layout{
		Regions: []Region{
			{Name: Bootloader, Base: 0x1000, Size: 0x100, Mode: ReadOnly},
			{Name: Secrets, Base: 0x1100, Size: 0x80, Mode: ReadOnly},
			{Name: DiagLog, Base: 0x1200, Size: 0x400, Mode: ReadWrite},
			{Name: MainApp, Base: 0x2000, Size: 0x400, Mode: ReadWrite},
			{Name: Slot1, Base: 0x2400, Size: 0x400, Mode: ReadOnly},
			{Name: Slot2, Base: 0x2800, Size: 0x400, Mode: ReadOnly},
			{Name: Update, Base: 0x2c00, Size: 0x400, Mode: ReadWrite},
			{Name: Backup, Base: 0x3000, Size: 0x400, Mode: ReadOnly},
		},
	}
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name    string
		mutate  func(l *Layout)
		wantErr bool
	}{
		{
			name:   "valid",
			mutate: func(l *Layout) {},
		}, {
			name:    "empty region",
			mutate:  func(l *Layout) { l.Regions[1].Size = 0 },
			wantErr: true,
		}, {
			name:    "missing region",
			mutate:  func(l *Layout) { l.Regions = l.Regions[1:] },
			wantErr: true,
		}, {
			name:    "duplicate region",
			mutate:  func(l *Layout) { l.Regions[4].Name = Slot2 },
			wantErr: true,
		}, {
			name:    "overlap by one byte",
			mutate:  func(l *Layout) { l.Regions[4].Size = 0x401 },
			wantErr: true,
		}, {
			name: "application regions out of order",
			mutate: func(l *Layout) {
				l.Regions[3].Base, l.Regions[7].Base = l.Regions[7].Base, l.Regions[3].Base
			},
			wantErr: true,
		}, {
			name:    "past end of address space",
			mutate:  func(l *Layout) { l.Regions[7].Base, l.Regions[7].Size = 0xffffff00, 0x200 },
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			l := testLayout()
			test.mutate(&l)
			err := l.Validate()
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestOwner(t *testing.T) {
	l := testLayout()
	for _, test := range []struct {
		addr   uint32
		want   string
		wantOK bool
	}{
		{addr: 0x2000, want: MainApp, wantOK: true},
		{addr: 0x23ff, want: MainApp, wantOK: true},
		{addr: 0x2400, want: Slot1, wantOK: true},
		{addr: 0x1180, wantOK: false},
	} {
		r, ok := l.Owner(test.addr)
		if ok != test.wantOK || r.Name != test.want {
			t.Errorf("Owner(%#x) = %q, %t, want %q, %t", test.addr, r.Name, ok, test.want, test.wantOK)
		}
	}
}

func TestWindow(t *testing.T) {
	l := testLayout()
	mem, err := NewMem(l)
	if err != nil {
		t.Fatalf("NewMem: %v", err)
	}

	var programmed []uint32
	mem.OnProgram = func(addr uint32, _ []byte) { programmed = append(programmed, addr) }

	main, _ := l.Region(MainApp)
	backup, _ := l.Region(Backup)
	w := Open(mem, main)

	if err := w.Program(0x10, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Program: %v", err)
	}
	got, err := w.Read(0x0f, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff([]byte{0xff, 1, 2, 3, 0xff}, got); diff != "" {
		t.Errorf("Got diff: %s", diff)
	}
	if diff := cmp.Diff([]uint32{0x2010}, programmed); diff != "" {
		t.Errorf("OnProgram diff: %s", diff)
	}

	if _, err := w.Read(0x3fe, 4); api.StatusOf(err) != api.InvalidParam {
		t.Errorf("Read past end: got %v, want invalid_param", err)
	}
	if err := Open(mem, backup).Program(0, []byte{0}); api.StatusOf(err) != api.InvalidState {
		t.Errorf("Program of read-only region: got %v, want invalid_state", err)
	}

	if err := w.Erase(0, main.Size); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if !IsErased(mem.Bytes(MainApp)) {
		t.Error("main region not erased")
	}

	var img bytes.Buffer
	if _, err := mem.WriteTo(&img); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	restored, _ := NewMem(l)
	if _, err := restored.ReadFrom(&img); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if diff := cmp.Diff(mem.banks, restored.banks); diff != "" {
		t.Errorf("restored image diff: %s", diff)
	}
}
