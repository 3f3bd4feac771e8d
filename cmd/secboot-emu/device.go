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

package main

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-secboot/api"
	"github.com/transparency-dev/armored-witness-secboot/internal/boot"
	"github.com/transparency-dev/armored-witness-secboot/internal/crypto"
	"github.com/transparency-dev/armored-witness-secboot/internal/firmware"
	"github.com/transparency-dev/armored-witness-secboot/internal/flash"
	"github.com/transparency-dev/armored-witness-secboot/internal/keys"
)

// programChunk is the number of bytes programmed per operation.
const programChunk = 1024

// exit terminates the emulator once control is transferred to an image.
var exit = os.Exit

func identityOrDie(s string) keys.Identity {
	words := strings.Split(s, ":")
	if len(words) != 3 {
		klog.Exitf("Invalid uid %q, want three hex words separated by colons", s)
	}

	var uid [3]uint32
	for i, w := range words {
		v, err := strconv.ParseUint(w, 16, 32)
		if err != nil {
			klog.Exitf("Invalid uid word %q: %v", w, err)
		}
		uid[i] = uint32(v)
	}

	return keys.IdentityFunc(func() ([3]uint32, error) { return uid, nil })
}

func loadOrDie(mem *flash.Mem, p string) {
	f, err := os.Open(p)
	if err != nil {
		klog.Exitf("Failed to open flash image (use -init to create one): %v", err)
	}
	defer f.Close()

	if _, err := mem.ReadFrom(bufio.NewReader(f)); err != nil {
		klog.Exitf("Failed to load flash image %q: %v", p, err)
	}
}

func saveOrDie(mem *flash.Mem, p string) {
	f, err := os.Create(p)
	if err != nil {
		klog.Exitf("Failed to create flash image: %v", err)
	}

	w := bufio.NewWriter(f)

	if _, err := mem.WriteTo(w); err != nil {
		klog.Exitf("Failed to save flash image %q: %v", p, err)
	}

	if err := w.Flush(); err != nil {
		klog.Exitf("Failed to save flash image %q: %v", p, err)
	}

	if err := f.Close(); err != nil {
		klog.Exitf("Failed to save flash image %q: %v", p, err)
	}
}

// provisionOrDie stores a bootloader and sealed device secrets in a blank
// device.
func provisionOrDie(e *crypto.Engine, mem *flash.Mem, id keys.Identity) {
	code := mem.Bytes(flash.Bootloader)

	if len(*bootFile) > 0 {
		b, err := os.ReadFile(*bootFile)
		if err != nil {
			klog.Exitf("Failed to read bootloader: %v", err)
		}
		if len(b) > len(code) {
			klog.Exitf("Bootloader (%d bytes) exceeds its region (%d bytes)", len(b), len(code))
		}
		copy(code, b)
	} else if _, err := rand.Read(code); err != nil {
		klog.Exitf("Failed to generate bootloader: %v", err)
	}

	master := &keys.Secrets{}
	copy(master.Key[:], hexOrDie(*masterKey, "master key", len(master.Key)))
	copy(master.IV[:], hexOrDie(*masterIV, "master IV", len(master.IV)))
	defer master.Wipe()

	pub := loadPublicKeyOrDie(*pubKeyFile)

	uid, err := id.UID()
	if err != nil {
		klog.Exitf("Failed to read uid: %v", err)
	}

	blob, err := keys.SealSecrets(e, uid, master, &pub, crypto.Checksum(code))
	if err != nil {
		klog.Exitf("Failed to seal secrets: %v", err)
	}

	copy(mem.Bytes(flash.Secrets), blob)

	klog.Infof("Provisioned device %08x:%08x:%08x", uid[0], uid[1], uid[2])
}

func loadPublicKeyOrDie(p string) crypto.PublicKey {
	b, err := os.ReadFile(p)
	if err != nil {
		klog.Exitf("Failed to read public key %q: %v", p, err)
	}
	block, _ := pem.Decode(b)
	if block == nil {
		klog.Exitf("No PEM block in %q", p)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		klog.Exitf("Failed to parse public key %q: %v", p, err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		klog.Exitf("Key %q is not an ECDSA key", p)
	}
	return crypto.NewPublicKey(pub)
}

func hexOrDie(s string, thing string, n int) []byte {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != n {
		klog.Exitf("Invalid %s %q, want %d hex encoded bytes", thing, s, n)
	}
	return b
}

// programOrDie writes file at the start of the named region as an external
// programmer would, ignoring region access modes.
func programOrDie(mem *flash.Mem, l flash.Layout, name string, file string) {
	r, err := l.Region(name)
	if err != nil {
		klog.Exitf("%v", err)
	}

	b, err := os.ReadFile(file)
	if err != nil {
		klog.Exitf("Failed to read %q: %v", file, err)
	}

	if uint64(len(b)) > uint64(r.Size) {
		klog.Exitf("%q (%d bytes) does not fit %v", file, len(b), r)
	}

	if err := mem.Erase(r.Base, r.Size); err != nil {
		klog.Exitf("Failed to erase %v: %v", r, err)
	}

	fmt.Printf("programming %s with %s\n", r, file)
	bar := pb.Full.Start64(int64(len(b)))

	for off := 0; off < len(b); off += programChunk {
		end := off + programChunk
		if end > len(b) {
			end = len(b)
		}
		if err := mem.Program(r.Base+uint32(off), b[off:end]); err != nil {
			klog.Exitf("Failed to program %v: %v", r, err)
		}
		bar.Add(end - off)
	}

	bar.Finish()
}

// transfer returns the emulated control transfer. As on hardware it does not
// return: before is run, the flash image is saved to p and the process exits.
func transfer(mem *flash.Mem, p string, before func()) boot.JumpFunc {
	return func(img *firmware.Image) error {
		if before != nil {
			before()
		}
		saveOrDie(mem, p)
		fmt.Printf("BOOT: %v\n", img)
		exit(0)
		return errors.New("emulator did not exit")
	}
}

func readReportOrDie(p string) *api.Report {
	b, err := os.ReadFile(p)
	if err != nil {
		klog.Exitf("ReadFile: %v", err)
	}

	r := &api.Report{}
	if err := r.Unmarshal(b); err != nil {
		klog.Exitf("Failed to parse report %q: %v", p, err)
	}

	return r
}
