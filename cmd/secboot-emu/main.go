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

// The secboot-emu tool runs the secure boot sequence against an emulated
// device whose non-volatile memory is kept in a flash image file.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-secboot/api"
	"github.com/transparency-dev/armored-witness-secboot/internal/boot"
	"github.com/transparency-dev/armored-witness-secboot/internal/config"
	"github.com/transparency-dev/armored-witness-secboot/internal/crypto"
	"github.com/transparency-dev/armored-witness-secboot/internal/diag"
	"github.com/transparency-dev/armored-witness-secboot/internal/flash"
)

// writes collects region=file pairs.
type writes []string

func (w *writes) String() string {
	return strings.Join(*w, ",")
}

func (w *writes) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("%q is not region=file", v)
	}
	*w = append(*w, v)
	return nil
}

var (
	configFile = flag.String("config", "", "Memory map configuration file, the reference device map is used when empty.")
	imageFile  = flag.String("image", "flash.img", "Flash image file holding the emulated device memory.")
	uid        = flag.String("uid", "1f2e3d4c:5b6a7988:97a6b5c4", "Emulated device unique identifier words.")

	provision  = flag.Bool("init", false, "Create a new, provisioned, flash image.")
	bootFile   = flag.String("bootloader", "", "Bootloader binary stored by -init, random contents are used when empty.")
	pubKeyFile = flag.String("pubkey_file", "", "PEM encoded firmware signing public key stored by -init.")
	masterKey  = flag.String("master_key", "", "Hex encoded master key sealed by -init.")
	masterIV   = flag.String("master_iv", "", "Hex encoded master IV sealed by -init.")

	write   writes
	runBoot = flag.Bool("boot", false, "Run the boot sequence.")
	dumpLog = flag.Bool("log", false, "Print the diagnostic log.")
	erase   = flag.Bool("erase_log", false, "Erase the diagnostic log.")
	status  = flag.Bool("status", false, "Print the boot status report.")
	report  = flag.String("report_file", "", "File to write the encoded boot status report to.")
	show    = flag.String("show_report", "", "Print the encoded boot status report read from file and exit.")
)

// Build information, set with -ldflags -X.
var (
	Build    string
	Revision string
	Version  string
)

func init() {
	flag.Var(&write, "write", "Program file into region, as region=file (repeatable).")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if flag.NFlag() == 0 {
		flag.PrintDefaults()
		return
	}

	if len(*show) > 0 {
		fmt.Print(readReportOrDie(*show).Print())
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		klog.Exitf("Failed to load configuration: %v", err)
	}

	layout, err := cfg.Layout()
	if err != nil {
		klog.Exitf("Invalid memory map: %v", err)
	}

	e, err := crypto.Init(crypto.WithTimeout(cfg.CryptoTimeout))
	if err != nil {
		klog.Exitf("crypto.Init: %v", err)
	}

	mem, err := flash.NewMem(layout)
	if err != nil {
		klog.Exitf("Failed to create device: %v", err)
	}

	id := identityOrDie(*uid)

	if *provision {
		provisionOrDie(e, mem, id)
	} else {
		loadOrDie(mem, *imageFile)
	}

	for _, w := range write {
		region, file, _ := strings.Cut(w, "=")
		programOrDie(mem, layout, region, file)
	}

	defer saveOrDie(mem, *imageFile)

	minimum, err := cfg.Minimum()
	if err != nil {
		klog.Exitf("Invalid minimum version: %v", err)
	}

	var m *boot.Manager

	m, err = boot.New(&boot.Config{
		Engine:   e,
		Device:   mem,
		Layout:   layout,
		Identity: id,
		Clock:    func() uint32 { return uint32(time.Now().Unix()) },
		Indicator: boot.IndicatorFunc(func(reason string) {
			fmt.Printf("WARNING: %s\n", reason)
		}),
		Halter: boot.HalterFunc(func(reason string) {
			fmt.Printf("LOCKDOWN: %s\n", reason)
		}),
		Jump: transfer(mem, *imageFile, func() {
			if *status || len(*report) > 0 {
				writeReportOrDie(m)
			}
		}),
		Minimum: minimum,
	})
	if err != nil {
		klog.Exitf("Failed to start boot sequence: %v", err)
	}

	if *erase {
		if err := m.Log().Erase(); err != nil {
			klog.Exitf("%v", err)
		}
	}

	if *runBoot {
		res := m.Boot()
		klog.Infof("boot ended in %s (%s), recovered: %t", res.State, res.Reason, res.Recovered)
	}

	if *dumpLog {
		printLog(m.Log())
	}

	if *status || len(*report) > 0 {
		writeReportOrDie(m)
	}
}

func printLog(l *diag.Log) {
	records, tampered, err := l.Entries()
	if err != nil {
		klog.Exitf("Failed to read diagnostic log: %v", err)
	}

	for _, r := range records {
		fmt.Printf("%2d %s %v\n", r.Slot, time.Unix(int64(r.Entry.Timestamp), 0).UTC().Format(time.RFC3339), r.Entry)
	}

	for _, k := range tampered {
		fmt.Printf("%2d TAMPERED\n", k)
	}
}

func writeReportOrDie(m *boot.Manager) {
	r := &api.Report{
		Serial:   *uid,
		Build:    Build,
		Revision: Revision,
		Version:  Version,
	}

	if err := m.Report(r); err != nil {
		klog.Exitf("Failed to build report: %v", err)
	}

	if *status {
		fmt.Print(r.Print())
	}

	if len(*report) > 0 {
		if err := os.WriteFile(*report, r.Bytes(), 0o644); err != nil {
			klog.Exitf("WriteFile: %v", err)
		}
	}
}
