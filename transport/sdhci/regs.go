// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

package sdhci

// Registers is byte-offset access to a controller register window. MMIO
// implements it over /dev/mem; tests use a simulated register file.
type Registers interface {
	Read8(off uint32) uint8
	Read16(off uint32) uint16
	Read32(off uint32) uint32
	Write8(off uint32, v uint8)
	Write16(off uint32, v uint16)
	Write32(off uint32, v uint32)
}

func set8(r Registers, off uint32, bits uint8) {
	r.Write8(off, r.Read8(off)|bits)
}

func clear8(r Registers, off uint32, bits uint8) {
	r.Write8(off, r.Read8(off)&^bits)
}

func set16(r Registers, off uint32, bits uint16) {
	r.Write16(off, r.Read16(off)|bits)
}

func clear16(r Registers, off uint32, bits uint16) {
	r.Write16(off, r.Read16(off)&^bits)
}

func set32(r Registers, off, bits uint32) {
	r.Write32(off, r.Read32(off)|bits)
}

func clear32(r Registers, off, bits uint32) {
	r.Write32(off, r.Read32(off)&^bits)
}
