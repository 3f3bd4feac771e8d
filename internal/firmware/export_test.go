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

package firmware

import "github.com/transparency-dev/armored-witness-secboot/internal/flash"

// ReadFunc reads n bytes at offset off of a region.
type ReadFunc func(off uint32, n int) ([]byte, error)

func (f ReadFunc) Read(off uint32, n int) ([]byte, error) {
	return f(off, n)
}

// VerifyFrom verifies the image at base, reading it through read.
func (v *Verifier) VerifyFrom(base uint32, region flash.Region, read ReadFunc) Decision {
	return v.verify(base, region, read)
}
