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

//go:build tamago && arm

package main

import (
	"flag"
	"runtime"
	"time"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-secboot/internal/boot"
	"github.com/transparency-dev/armored-witness-secboot/internal/config"
	"github.com/transparency-dev/armored-witness-secboot/internal/crypto"
	"github.com/transparency-dev/armored-witness-secboot/internal/flash"
)

// initialized at compile time with -ldflags -X
var (
	Build    string
	Revision string
	Version  string
)

const (
	// flashOrigin is the lowest address of the memory map.
	flashOrigin = 0x08000000
	// flashOffset is the byte offset of flashOrigin on the internal eMMC.
	flashOffset = 0x5000 * 512
)

var Storage = usbarmory.MMC

func init() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")

	if imx6ul.Native {
		imx6ul.SetARMFreq(imx6ul.Freq792)
		imx6ul.DCP.Init()
	}

	klog.Infof("%s/%s (%s) • secure boot • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Revision, Build)
}

func main() {
	usbarmory.LED("blue", false)
	usbarmory.LED("white", false)

	if err := Storage.Detect(); err != nil {
		halt("could not detect storage: " + err.Error())
	}

	cfg := config.Default()

	layout, err := cfg.Layout()
	if err != nil {
		halt("invalid memory map: " + err.Error())
	}

	minimum, err := cfg.Minimum()
	if err != nil {
		halt("invalid minimum version: " + err.Error())
	}

	opts := []crypto.Option{crypto.WithTimeout(cfg.CryptoTimeout)}
	if imx6ul.Native {
		opts = append(opts, crypto.WithHasher(imx6ul.DCP.Sum256))
	}

	e, err := crypto.Init(opts...)
	if err != nil {
		halt("could not initialize crypto: " + err.Error())
	}

	dev := &flash.MMC{
		Card:      Storage,
		BlockSize: Storage.Info().BlockSize,
		Origin:    flashOrigin,
		Offset:    flashOffset,
	}

	m, err := boot.New(&boot.Config{
		Engine:    e,
		Device:    dev,
		Layout:    layout,
		Identity:  identity{},
		Clock:     func() uint32 { return uint32(time.Now().Unix()) },
		Indicator: boot.IndicatorFunc(warn),
		Halter:    boot.HalterFunc(halt),
		Jump:      jump(dev),
		Minimum:   minimum,
	})
	if err != nil {
		halt("could not start boot sequence: " + err.Error())
	}

	res := m.Boot()

	// only reached when no image took control
	halt(res.Reason)
}
