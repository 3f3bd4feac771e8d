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
	"fmt"

	"github.com/usbarmory/tamago/arm"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
	"k8s.io/klog/v2"

	"github.com/usbarmory/armory-boot/exec"

	"github.com/usbarmory/GoTEE/monitor"

	"github.com/transparency-dev/armored-witness-secboot/internal/boot"
	"github.com/transparency-dev/armored-witness-secboot/internal/firmware"
	"github.com/transparency-dev/armored-witness-secboot/internal/flash"
)

// jump returns the control transfer for verified images stored on dev, the
// image payload is an ELF executable run in the Normal World.
func jump(dev flash.Device) boot.JumpFunc {
	return func(img *firmware.Image) (err error) {
		elf := make([]byte, img.Size)

		if err = dev.ReadAt(img.Entry, elf); err != nil {
			return fmt.Errorf("could not read image: %v", err)
		}

		image := &exec.ELFImage{
			Region: imageRegion,
			ELF:    elf,
		}

		imx6ul.ARM.ConfigureMMU(uint32(image.Region.Start()), uint32(image.Region.End()), 0, arm.MemoryRegion)

		if err = image.Load(); err != nil {
			return
		}

		ctx, err := monitor.Load(image.Entry(), image.Region, false)
		if err != nil {
			return fmt.Errorf("could not load image: %v", err)
		}

		// set stack pointer to end of available memory
		ctx.R13 = uint32(ctx.Memory.End())

		mode := arm.ModeName(int(ctx.SPSR) & 0x1f)
		klog.Infof("SB image %v started mode:%s sp:%#.8x pc:%#.8x ns:%v", img, mode, ctx.R13, ctx.R15, ctx.NonSecure())

		err = ctx.Run()

		klog.Errorf("SB image stopped mode:%s sp:%#.8x lr:%#.8x pc:%#.8x err:%v", mode, ctx.R13, ctx.R14, ctx.R15, err)

		return
	}
}
