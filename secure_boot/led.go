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
	"runtime"
	"time"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"k8s.io/klog/v2"
)

func warn(reason string) {
	klog.Warningf("SB warning: %s", reason)
	usbarmory.LED("white", true)
}

// halt blinks the blue LED forever.
func halt(reason string) {
	klog.Errorf("SB lockdown: %s", reason)
	klog.Flush()

	var on bool

	for {
		on = !on
		usbarmory.LED("blue", on)

		runtime.Gosched()
		time.Sleep(100 * time.Millisecond)
	}
}
