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

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-secboot/internal/flash"
)

func TestDefault(t *testing.T) {
	c := Default()

	l, err := c.Layout()
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}

	main, err := l.Region(flash.MainApp)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(flash.Region{Name: flash.MainApp, Base: 0x08040000, Size: 0xc800, Mode: flash.ReadWrite}, main); diff != "" {
		t.Errorf("Got diff: %s", diff)
	}

	diag, _ := l.Region(flash.DiagLog)
	if got, want := diag.Size/64, uint32(16); got != want {
		t.Errorf("diag log slots = %d, want %d", got, want)
	}

	if c.CryptoTimeout != time.Second {
		t.Errorf("CryptoTimeout = %v, want 1s", c.CryptoTimeout)
	}

	v, err := c.Minimum()
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "1.0.0" {
		t.Errorf("Minimum = %v, want 1.0.0", v)
	}
}

func TestParse(t *testing.T) {
	for _, test := range []struct {
		name    string
		edit    func(string) string
		wantErr bool
	}{
		{
			name: "default",
			edit: func(s string) string { return s },
		}, {
			name:    "overlapping slots",
			edit:    func(s string) string { return strings.Replace(s, "0x0805A000", "0x08059000", 1) },
			wantErr: true,
		}, {
			name:    "bad mode",
			edit:    func(s string) string { return strings.Replace(s, "mode: rw", "mode: wo", 1) },
			wantErr: true,
		}, {
			name:    "bad version",
			edit:    func(s string) string { return strings.Replace(s, "min_version: 1.0.0", "min_version: one", 1) },
			wantErr: true,
		}, {
			name:    "not yaml",
			edit:    func(s string) string { return "regions: [" },
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.edit(string(defaultYAML))))
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}
