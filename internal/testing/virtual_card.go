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

	"github.com/ZaparooProject/go-sdmmc"
)

// ErrNoResponse is returned when the virtual card ignores a command.
var ErrNoResponse = errors.New("virtual card: no response")

// ErrWriteProtected is returned for writes to a read-only virtual card.
var ErrWriteProtected = errors.New("virtual card: write protected")

// VirtualCard is a command-level model of an SD or eMMC card. It answers the
// bring-up command set, keeps a sparse block store and tracks the card state
// machine closely enough for the protocol layer to run end to end.
type VirtualCard struct {
	Memory   map[uint32][]byte
	ExtCSD   sdmmc.ExtCSD
	CSD      sdmmc.CSD
	SCR      sdmmc.SCR
	Variant  sdmmc.CardVariant
	Received []Received

	// OCR is returned once power-up completes. The busy bit is forced clear
	// for the first PowerUpAfter operating-condition polls.
	OCR          uint32
	PowerUpAfter int

	// IfCondEcho overrides the CMD8 check pattern echo when non-zero.
	IfCondEcho uint32

	// StatusErrorBits is ORed into every CMD13 response.
	StatusErrorBits uint32
	// BusyPolls is the number of CMD13 responses with ready-for-data clear.
	BusyPolls int
	// ProgrammingPolls is the number of CMD13 responses in the programming
	// state after each write or switch.
	ProgrammingPolls int

	BusWidthArg uint32
	RCA         uint16

	state          sdmmc.CardState
	opCondPolls    int
	programmingFor int
	staged         []byte
	writeBlock     uint32
	readBlock      uint32
	dataPhase      dataPhase
	appCmd         bool
	ReadOnly       bool
}

// Received records one command accepted by the card.
type Received struct {
	Index uint32
	Arg   uint32
	App   bool
}

type dataPhase int

const (
	phaseNone dataPhase = iota
	phaseStaged
	phaseBlockRead
	phaseBlockWrite
)

// NewVirtualEMMC creates a spec version 4 eMMC device whose EXT_CSD reports
// the given number of 512-byte sectors.
func NewVirtualEMMC(sectors uint32) *VirtualCard {
	card := &VirtualCard{
		Variant: sdmmc.VariantEMMC,
		OCR:     sdmmc.OCRPowerUp | sdmmc.OCRSectorMode | sdmmc.OCRVddMin2V7 | sdmmc.OCRVddMin1V7,
		Memory:  make(map[uint32][]byte),
	}
	card.CSD.SetField(sdmmc.CSDStructure, 3)
	card.CSD.SetField(sdmmc.CSDSpecVers, 4)
	card.CSD.SetField(sdmmc.CSDTranSpeed, 0x32) // 26 MHz
	card.CSD.SetField(sdmmc.CSDReadBlLen, 9)
	binary.LittleEndian.PutUint32(card.ExtCSD[sdmmc.ExtCSDSecCount:], sectors)
	return card
}

// NewVirtualSDHC creates a high-capacity SD card with the given C_SIZE.
// Capacity is (cSize+1) * 512 KiB.
func NewVirtualSDHC(cSize uint32) *VirtualCard {
	card := &VirtualCard{
		Variant: sdmmc.VariantSDHC,
		OCR:     sdmmc.OCRPowerUp | sdmmc.OCRHCS | sdmmc.DefaultOCRVoltage,
		RCA:     0xAAAA,
		SCR:     sdmmc.SCR{sdmmc.SCRBusWidth1 | sdmmc.SCRBusWidth4, 0},
		Memory:  make(map[uint32][]byte),
	}
	card.CSD.SetField(sdmmc.CSDStructure, 1)
	card.CSD.SetField(sdmmc.CSDTranSpeed, 0x32) // 25 MHz
	card.CSD.SetField(sdmmc.CSDReadBlLen, 9)
	card.CSD.SetField(sdmmc.CSDV2CSizeHigh, cSize>>16)
	card.CSD.SetField(sdmmc.CSDV2CSizeLow, cSize&0xFFFF)
	return card
}

// NewVirtualSD creates a standard-capacity SD card. Capacity is
// (cSize+1) * 2^(mult+2) * 2^readBlLen.
func NewVirtualSD(cSize, mult, readBlLen uint32) *VirtualCard {
	card := &VirtualCard{
		Variant: sdmmc.VariantSD,
		OCR:     sdmmc.OCRPowerUp | sdmmc.DefaultOCRVoltage,
		RCA:     0x1234,
		SCR:     sdmmc.SCR{sdmmc.SCRBusWidth1 | sdmmc.SCRBusWidth4, 0},
		Memory:  make(map[uint32][]byte),
	}
	card.CSD.SetField(sdmmc.CSDStructure, 0)
	card.CSD.SetField(sdmmc.CSDTranSpeed, 0x32)
	card.CSD.SetField(sdmmc.CSDReadBlLen, readBlLen)
	card.CSD.SetField(sdmmc.CSDV1CSizeHigh, cSize>>2)
	card.CSD.SetField(sdmmc.CSDV1CSizeLow, cSize&0x3)
	card.CSD.SetField(sdmmc.CSDV1CSizeMult, mult)
	return card
}

// State returns the current card state.
func (c *VirtualCard) State() sdmmc.CardState {
	return c.state
}

// OpCondPolls returns how many CMD1 or ACMD41 commands were answered.
func (c *VirtualCard) OpCondPolls() int {
	return c.opCondPolls
}

// CommandCount returns how many times a command index was received. App
// commands are counted separately from regular commands with the same index.
func (c *VirtualCard) CommandCount(index uint32, app bool) int {
	n := 0
	for _, r := range c.Received {
		if r.Index == index && r.App == app {
			n++
		}
	}
	return n
}

// LastArg returns the argument of the most recent matching command.
func (c *VirtualCard) LastArg(index uint32, app bool) (uint32, bool) {
	for i := len(c.Received) - 1; i >= 0; i-- {
		if c.Received[i].Index == index && c.Received[i].App == app {
			return c.Received[i].Arg, true
		}
	}
	return 0, false
}

// Block returns a copy of one 512-byte block, zero filled when never written.
func (c *VirtualCard) Block(lba uint32) []byte {
	out := make([]byte, sdmmc.BlockSize)
	copy(out, c.Memory[lba])
	return out
}

// SetBlock stores one block.
func (c *VirtualCard) SetBlock(lba uint32, data []byte) {
	block := make([]byte, sdmmc.BlockSize)
	copy(block, data)
	c.Memory[lba] = block
}

// Execute answers one command and returns the response words. Data commands
// stage a transfer that is completed with ReadData or WriteData.
//
//nolint:gocyclo,cyclop // a command dispatcher
func (c *VirtualCard) Execute(index, arg uint32) ([4]uint32, error) {
	app := c.appCmd
	c.appCmd = false
	c.Received = append(c.Received, Received{Index: index, Arg: arg, App: app})

	if app {
		return c.executeApp(index, arg)
	}

	switch index {
	case sdmmc.CmdGoIdleState:
		c.state = sdmmc.StateIdle
		c.dataPhase = phaseNone
		return [4]uint32{}, nil
	case sdmmc.CmdSendOpCond:
		if c.Variant != sdmmc.VariantEMMC {
			return [4]uint32{}, ErrNoResponse
		}
		return [4]uint32{c.opCond(arg)}, nil
	case sdmmc.CmdAllSendCID:
		c.state = sdmmc.StateIdent
		return [4]uint32{0x0F0E0D0C, 0x0B0A0908, 0x07060504, 0x03020100}, nil
	case sdmmc.CmdSetRelativeAddr:
		c.state = sdmmc.StateStby
		if c.Variant == sdmmc.VariantEMMC {
			c.RCA = uint16(arg >> sdmmc.RCAShift)
			return [4]uint32{c.status()}, nil
		}
		return [4]uint32{uint32(c.RCA)<<sdmmc.RCAShift | uint32(sdmmc.StateIdent)<<9}, nil
	case sdmmc.CmdSendCSD:
		if !c.addressed(arg) {
			return [4]uint32{}, ErrNoResponse
		}
		return c.CSD, nil
	case sdmmc.CmdSelectCard:
		if c.addressed(arg) {
			c.state = sdmmc.StateTran
		} else {
			c.state = sdmmc.StateStby
		}
		return [4]uint32{c.status()}, nil
	case sdmmc.CmdSendIfCond:
		if c.Variant == sdmmc.VariantEMMC {
			return c.sendExtCSD()
		}
		echo := arg & 0xFFF
		if c.IfCondEcho != 0 {
			echo = arg&0xF00 | c.IfCondEcho
		}
		return [4]uint32{echo}, nil
	case sdmmc.CmdSwitch:
		c.programmingFor = c.ProgrammingPolls
		return [4]uint32{c.status()}, nil
	case sdmmc.CmdStopTransmission:
		c.dataPhase = phaseNone
		return [4]uint32{c.status()}, nil
	case sdmmc.CmdSendStatus:
		return [4]uint32{c.pollStatus()}, nil
	case sdmmc.CmdSetBlockLen, sdmmc.CmdSetBlockCount:
		return [4]uint32{c.status()}, nil
	case sdmmc.CmdReadSingleBlock, sdmmc.CmdReadMultipleBlock:
		c.readBlock = c.blockIndex(arg)
		c.dataPhase = phaseBlockRead
		return [4]uint32{c.status()}, nil
	case sdmmc.CmdWriteSingleBlock, sdmmc.CmdWriteMultipleBlock:
		if c.ReadOnly {
			return [4]uint32{c.status() | 1<<26}, ErrWriteProtected
		}
		c.writeBlock = c.blockIndex(arg)
		c.dataPhase = phaseBlockWrite
		return [4]uint32{c.status()}, nil
	case sdmmc.CmdAppCmd:
		c.appCmd = true
		return [4]uint32{c.status() | 1<<5}, nil
	default:
		return [4]uint32{}, ErrNoResponse
	}
}

func (c *VirtualCard) executeApp(index, arg uint32) ([4]uint32, error) {
	if !c.Variant.IsSD() {
		return [4]uint32{}, ErrNoResponse
	}

	switch index {
	case sdmmc.ACmdSDSendOpCond:
		return [4]uint32{c.opCond(arg)}, nil
	case sdmmc.ACmdSendSCR:
		c.staged = make([]byte, sdmmc.SCRSize)
		binary.LittleEndian.PutUint32(c.staged[0:], c.SCR[0])
		binary.LittleEndian.PutUint32(c.staged[4:], c.SCR[1])
		c.dataPhase = phaseStaged
		return [4]uint32{c.status()}, nil
	case sdmmc.ACmdSetBusWidth:
		c.BusWidthArg = arg
		c.programmingFor = c.ProgrammingPolls
		return [4]uint32{c.status()}, nil
	default:
		return [4]uint32{}, ErrNoResponse
	}
}

func (c *VirtualCard) sendExtCSD() ([4]uint32, error) {
	c.staged = append([]byte(nil), c.ExtCSD[:]...)
	c.dataPhase = phaseStaged
	return [4]uint32{c.status()}, nil
}

func (c *VirtualCard) opCond(arg uint32) uint32 {
	c.opCondPolls++
	c.state = sdmmc.StateReady
	ocr := c.OCR
	if c.Variant == sdmmc.VariantSDHC && arg&sdmmc.OCRHCS == 0 {
		ocr &^= sdmmc.OCRHCS
	}
	if c.opCondPolls <= c.PowerUpAfter {
		c.state = sdmmc.StateIdle
		return ocr &^ sdmmc.OCRPowerUp
	}
	return ocr
}

func (c *VirtualCard) addressed(arg uint32) bool {
	return uint16(arg>>sdmmc.RCAShift) == c.RCA
}

func (c *VirtualCard) blockIndex(arg uint32) uint32 {
	if c.Variant == sdmmc.VariantSD {
		return arg / sdmmc.BlockSize
	}
	return arg
}

func (c *VirtualCard) status() uint32 {
	return uint32(c.state)<<9 | sdmmc.StatusReadyForData
}

func (c *VirtualCard) pollStatus() uint32 {
	if c.BusyPolls > 0 {
		c.BusyPolls--
		return uint32(c.state)<<9 | c.StatusErrorBits
	}
	state := c.state
	if c.programmingFor > 0 {
		c.programmingFor--
		state = sdmmc.StatePrg
	}
	return uint32(state)<<9 | sdmmc.StatusReadyForData | c.StatusErrorBits
}

// ReadData returns n bytes for the staged read transfer.
func (c *VirtualCard) ReadData(n int) ([]byte, error) {
	switch c.dataPhase {
	case phaseStaged:
		out := make([]byte, n)
		copy(out, c.staged)
		c.dataPhase = phaseNone
		return out, nil
	case phaseBlockRead:
		out := make([]byte, 0, n)
		for lba := c.readBlock; len(out) < n; lba++ {
			out = append(out, c.Block(lba)...)
		}
		c.readBlock += uint32(n / sdmmc.BlockSize)
		return out[:n], nil
	default:
		return nil, errors.New("virtual card: no read transfer staged")
	}
}

// WriteData stores the data of the staged write transfer.
func (c *VirtualCard) WriteData(data []byte) error {
	if c.dataPhase != phaseBlockWrite {
		return errors.New("virtual card: no write transfer staged")
	}
	for off := 0; off < len(data); off += sdmmc.BlockSize {
		end := min(off+sdmmc.BlockSize, len(data))
		c.SetBlock(c.writeBlock, data[off:end])
		c.writeBlock++
	}
	c.programmingFor = c.ProgrammingPolls
	return nil
}
