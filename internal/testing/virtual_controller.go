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

package testing

import (
	"encoding/binary"
	"errors"
)

// SDHCI register offsets and bits, mirrored from the controller driver to
// avoid an import cycle.
const (
	sdhciDMAAddress     = 0x00
	sdhciBlockSize      = 0x04
	sdhciBlockCount     = 0x06
	sdhciArgument       = 0x08
	sdhciTransferMode   = 0x0C
	sdhciCommand        = 0x0E
	sdhciResponse       = 0x10
	sdhciBufData        = 0x20
	sdhciPresentState   = 0x24
	sdhciClockControl   = 0x2C
	sdhciSoftwareReset  = 0x2F
	sdhciIntStatus      = 0x30
	sdhciErrIntStatus   = 0x32
	sdhciHostControl2   = 0x3E
	sdhciCapabilities1  = 0x44
	sdhciADMAAddrLow    = 0x58
	sdhciADMAAddrHigh   = 0x5C
	sdhciVendorArea     = 0xE8
	sdhciPhyConfig      = 0x300
	sdhciRegisterWindow = 0x400

	intCmdComplete  = 1 << 0
	intXferComplete = 1 << 1
	intDMAEnd       = 1 << 3
	intBufWrReady   = 1 << 4
	intBufRdReady   = 1 << 5
	intError        = 1 << 15

	errCmdTimeout  = 1 << 0
	errCmdIndex    = 1 << 3
	errDataTimeout = 1 << 4

	stateBufWrEnable  = 1 << 10
	stateBufRdEnable  = 1 << 11
	stateCardInserted = 1 << 16
	stateWriteEnabled = 1 << 19

	clkInternalEnable = 1 << 0
	clkInternalStable = 1 << 1

	xferDMA  = 1 << 0
	xferRead = 1 << 4

	cmdData          = 1 << 5
	cmdRespMask      = 0x3
	cmdRespLong      = 0x1
	hostCtrl2Ver4    = 1 << 12
	phyPowerGood     = 1 << 1
	caps1Addr64      = 1 << 27
	defaultVendorOff = 0x500
)

// VirtualController is a register-level model of an SDHCI controller with a
// VirtualCard in its slot. It implements the controller driver's register
// access interface and moves data through the buffer data port (PIO) or
// into attached DMA memory.
type VirtualController struct {
	card    *VirtualCard
	dma     map[uint64][]byte
	regs    [sdhciRegisterWindow]byte
	pioRead []byte

	pioWrite      []byte
	pioWriteTotal int
	pioBlockSize  int
	pioConsumed   int
	dmaPending    int
	deferred      uint16
	pioWriting    bool
	dmaActive     bool

	// DMABoundaryEvents is the number of DMA-end events raised before each
	// DMA transfer completes; each is cleared by the host re-arming the
	// address.
	DMABoundaryEvents int
	// Rearms counts DMA address re-arms seen during transfers.
	Rearms int

	// ClockNeverStable keeps the internal clock stable bit clear.
	ClockNeverStable bool
	// ResetStuck keeps the software reset bits set.
	ResetStuck bool
	// PhyNeverGood keeps the PHY power-good bit clear.
	PhyNeverGood bool
	// CardAbsent clears the card inserted state bit.
	CardAbsent bool
	// WriteProtected clears the write enabled state bit.
	WriteProtected bool
	// DropCommands counts, per command index, the next issues that time
	// out without reaching the card.
	DropCommands map[uint32]int
}

// NewVirtualController creates a controller with card inserted. The
// controller reports 64-bit DMA capability and a vendor area at 0x500.
func NewVirtualController(card *VirtualCard) *VirtualController {
	c := &VirtualController{
		card: card,
		dma:  make(map[uint64][]byte),
	}
	c.put32(sdhciCapabilities1, caps1Addr64)
	c.put16(sdhciVendorArea, defaultVendorOff)
	return c
}

// Card returns the card in the slot.
func (c *VirtualController) Card() *VirtualCard {
	return c.card
}

// AttachDMA makes mem reachable by the controller at bus address phys.
func (c *VirtualController) AttachDMA(phys uint64, mem []byte) {
	c.dma[phys] = mem
}

// Peek8 reads a register without side effects.
func (c *VirtualController) Peek8(off uint32) uint8 { return c.regs[off] }

// Peek16 reads a register without side effects.
func (c *VirtualController) Peek16(off uint32) uint16 { return c.get16(off) }

// Peek32 reads a register without side effects.
func (c *VirtualController) Peek32(off uint32) uint32 { return c.get32(off) }

// Poke16 sets a register without side effects.
func (c *VirtualController) Poke16(off uint32, v uint16) { c.put16(off, v) }

// Poke32 sets a register without side effects.
func (c *VirtualController) Poke32(off, v uint32) { c.put32(off, v) }

func (c *VirtualController) get16(off uint32) uint16 {
	return binary.LittleEndian.Uint16(c.regs[off:])
}

func (c *VirtualController) get32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(c.regs[off:])
}

func (c *VirtualController) put16(off uint32, v uint16) {
	binary.LittleEndian.PutUint16(c.regs[off:], v)
}

func (c *VirtualController) put32(off, v uint32) {
	binary.LittleEndian.PutUint32(c.regs[off:], v)
}

func (c *VirtualController) raise(bits uint16) {
	c.put16(sdhciIntStatus, c.get16(sdhciIntStatus)|bits)
}

// later raises data-phase interrupts once the host has acknowledged
// command complete.
func (c *VirtualController) later(bits uint16) {
	c.deferred |= bits
}

func (c *VirtualController) raiseError(errBits uint16) {
	c.put16(sdhciErrIntStatus, c.get16(sdhciErrIntStatus)|errBits)
	c.raise(intError)
}

// Read8 implements the controller register interface
func (c *VirtualController) Read8(off uint32) uint8 {
	return c.regs[off]
}

// Read16 implements the controller register interface
func (c *VirtualController) Read16(off uint32) uint16 {
	if off == sdhciIntStatus && c.deferred != 0 && c.get16(off)&intCmdComplete == 0 {
		c.raise(c.deferred)
		c.deferred = 0
	}
	return c.get16(off)
}

// Read32 implements the controller register interface
func (c *VirtualController) Read32(off uint32) uint32 {
	switch off {
	case sdhciBufData:
		return c.popPIO()
	case sdhciPresentState:
		return c.presentState()
	case sdhciPhyConfig:
		v := c.get32(off)
		if c.PhyNeverGood {
			return v &^ phyPowerGood
		}
		return v | phyPowerGood
	default:
		return c.get32(off)
	}
}

// Write8 implements the controller register interface
func (c *VirtualController) Write8(off uint32, v uint8) {
	if off == sdhciSoftwareReset {
		c.softwareReset(v)
		return
	}
	c.regs[off] = v
}

// Write16 implements the controller register interface
func (c *VirtualController) Write16(off uint32, v uint16) {
	switch off {
	case sdhciIntStatus:
		c.put16(off, c.get16(off)&^v)
	case sdhciErrIntStatus:
		errs := c.get16(off) &^ v
		c.put16(off, errs)
		if errs == 0 {
			c.put16(sdhciIntStatus, c.get16(sdhciIntStatus)&^intError)
		}
	case sdhciClockControl:
		v &^= clkInternalStable
		if v&clkInternalEnable != 0 && !c.ClockNeverStable {
			v |= clkInternalStable
		}
		c.put16(off, v)
	case sdhciCommand:
		c.put16(off, v)
		c.execute(v)
	default:
		c.put16(off, v)
	}
}

// Write32 implements the controller register interface
func (c *VirtualController) Write32(off, v uint32) {
	switch off {
	case sdhciBufData:
		c.pushPIO(v)
		return
	case sdhciDMAAddress, sdhciADMAAddrLow:
		c.put32(off, v)
		if c.dmaActive && c.rearmRegister() == off {
			c.rearm()
		}
		return
	}
	c.put32(off, v)
}

func (c *VirtualController) softwareReset(v uint8) {
	if v&0x1 != 0 {
		c.put16(sdhciIntStatus, 0)
		c.put16(sdhciErrIntStatus, 0)
	}
	c.pioRead = nil
	c.pioWriting = false
	c.dmaActive = false
	c.deferred = 0
	if c.ResetStuck {
		c.regs[sdhciSoftwareReset] = v
		return
	}
	c.regs[sdhciSoftwareReset] = 0
}

func (c *VirtualController) presentState() uint32 {
	var v uint32
	if !c.CardAbsent {
		v |= stateCardInserted
	}
	if !c.WriteProtected {
		v |= stateWriteEnabled
	}
	if len(c.pioRead) > 0 {
		v |= stateBufRdEnable
	}
	if c.pioWriting {
		v |= stateBufWrEnable
	}
	return v
}

func (c *VirtualController) v4() bool {
	return c.get16(sdhciHostControl2)&hostCtrl2Ver4 != 0
}

func (c *VirtualController) rearmRegister() uint32 {
	if c.v4() {
		return sdhciADMAAddrLow
	}
	return sdhciDMAAddress
}

func (c *VirtualController) execute(command uint16) {
	index := uint32(command >> 8)
	flags := command & 0xFF
	arg := c.get32(sdhciArgument)

	if c.DropCommands[index] > 0 {
		c.DropCommands[index]--
		c.raiseError(errCmdTimeout)
		return
	}

	words, err := c.card.Execute(index, arg)
	if err != nil {
		if errors.Is(err, ErrNoResponse) {
			c.raiseError(errCmdTimeout)
		} else {
			c.raiseError(errCmdIndex)
		}
		return
	}

	c.put32(sdhciResponse, words[0])
	if flags&cmdRespMask == cmdRespLong {
		c.put32(sdhciResponse+4, words[1])
		c.put32(sdhciResponse+8, words[2])
		c.put32(sdhciResponse+12, words[3])
	}
	c.raise(intCmdComplete)

	if flags&cmdData != 0 {
		c.startData()
	}
}

func (c *VirtualController) dmaAddress() uint64 {
	if c.v4() {
		return uint64(c.get32(sdhciADMAAddrHigh))<<32 | uint64(c.get32(sdhciADMAAddrLow))
	}
	return uint64(c.get32(sdhciDMAAddress))
}

func (c *VirtualController) dmaWindow(addr uint64, n int) []byte {
	for base, mem := range c.dma {
		if addr >= base && addr-base+uint64(n) <= uint64(len(mem)) {
			off := addr - base
			return mem[off : off+uint64(n)]
		}
	}
	return nil
}

func (c *VirtualController) startData() {
	size := int(c.get16(sdhciBlockSize) & 0xFFF)
	count := int(c.get16(sdhciBlockCount))
	if count == 0 && c.v4() {
		count = int(c.get32(sdhciDMAAddress))
	}
	n := size * count
	mode := c.get16(sdhciTransferMode)

	if mode&xferRead != 0 {
		data, err := c.card.ReadData(n)
		if err != nil {
			c.raiseError(errDataTimeout)
			return
		}
		if mode&xferDMA != 0 {
			window := c.dmaWindow(c.dmaAddress(), n)
			if window == nil {
				c.raiseError(errDataTimeout)
				return
			}
			copy(window, data)
			c.finishDMA()
			return
		}
		c.pioRead = data
		c.pioBlockSize = size
		c.pioConsumed = 0
		c.later(intBufRdReady)
		return
	}

	if mode&xferDMA != 0 {
		window := c.dmaWindow(c.dmaAddress(), n)
		if window == nil || c.card.WriteData(append([]byte(nil), window...)) != nil {
			c.raiseError(errDataTimeout)
			return
		}
		c.finishDMA()
		return
	}
	c.pioWrite = c.pioWrite[:0]
	c.pioWriteTotal = n
	c.pioBlockSize = size
	c.pioWriting = true
	c.later(intBufWrReady)
}

func (c *VirtualController) finishDMA() {
	if c.DMABoundaryEvents > 0 {
		c.dmaActive = true
		c.dmaPending = c.DMABoundaryEvents
		c.later(intDMAEnd)
		return
	}
	c.later(intXferComplete)
}

func (c *VirtualController) rearm() {
	c.Rearms++
	c.dmaPending--
	if c.dmaPending > 0 {
		c.raise(intDMAEnd)
		return
	}
	c.dmaActive = false
	c.raise(intXferComplete)
}

func (c *VirtualController) popPIO() uint32 {
	if len(c.pioRead) < 4 {
		return 0
	}
	w := binary.LittleEndian.Uint32(c.pioRead)
	c.pioRead = c.pioRead[4:]
	c.pioConsumed += 4
	if c.pioConsumed%c.pioBlockSize == 0 {
		if len(c.pioRead) > 0 {
			c.raise(intBufRdReady)
		} else {
			c.raise(intXferComplete)
		}
	}
	return w
}

func (c *VirtualController) pushPIO(w uint32) {
	if !c.pioWriting {
		return
	}
	c.pioWrite = binary.LittleEndian.AppendUint32(c.pioWrite, w)
	if len(c.pioWrite)%c.pioBlockSize != 0 {
		return
	}
	if len(c.pioWrite) < c.pioWriteTotal {
		c.raise(intBufWrReady)
		return
	}
	c.pioWriting = false
	if err := c.card.WriteData(append([]byte(nil), c.pioWrite...)); err != nil {
		c.raiseError(errDataTimeout)
		return
	}
	c.raise(intXferComplete)
}
