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

import (
	"context"
	"fmt"

	sdmmc "github.com/ZaparooProject/go-sdmmc"
)

// SendCommand implements sdmmc.Transport. Data commands use the transfer
// armed by Prepare.
func (h *Host) SendCommand(ctx context.Context, cmd *sdmmc.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.traceCommand(cmd.Index, cmd.Arg)

	var err error
	if h.isDataCommand(cmd.Index) {
		err = h.sendDataCommand(ctx, cmd)
	} else {
		if cmd.Index == sdmmc.CmdGoIdleState {
			h.transfer = transfer{}
		}
		err = h.sendPlainCommand(ctx, cmd)
	}
	if err != nil {
		return err
	}

	if cmd.Response.Long() {
		h.traceResponse(cmd.Index, cmd.Words[:], "")
	} else if cmd.Response != sdmmc.ResponseNone {
		h.traceResponse(cmd.Index, cmd.Words[:1], "")
	}
	return nil
}

// isDataCommand reports whether index moves data. SEND_EXT_CSD shares its
// index with SD SEND_IF_COND and is only a data command when a transfer has
// been prepared for it.
func (h *Host) isDataCommand(index uint32) bool {
	if sdmmc.IsDataCommand(index) {
		return true
	}
	return index == sdmmc.CmdSendExtCSD && h.transfer.armed
}

// commandFlags maps a response class onto command register flags. CMD0 never
// expects a response; the operating-condition commands carry an R3 without
// CRC or index.
func commandFlags(cmd *sdmmc.Command) uint16 {
	if cmd.Index == sdmmc.CmdGoIdleState || cmd.Response == sdmmc.ResponseNone {
		return cmdRespNone
	}

	var flags uint16 = cmdRespShort
	if cmd.Response.Long() {
		flags = cmdRespLong
	}
	if cmd.Response&sdmmc.RespCRC != 0 {
		flags |= cmdCRC
	}
	if cmd.Response&sdmmc.RespOpcode != 0 {
		flags |= cmdIndex
	}
	return flags
}

// waitInhibit waits for the given present-state bits to clear. The
// controller always releases the lines, so only cancellation ends the wait
// early.
func (h *Host) waitInhibit(ctx context.Context, bits uint32) error {
	for h.regs.Read32(regPresentState)&bits != 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) sendPlainCommand(ctx context.Context, cmd *sdmmc.Command) error {
	if err := h.waitInhibit(ctx, stateCmdInhibit); err != nil {
		return err
	}

	flags := commandFlags(cmd)
	if flags != cmdRespNone {
		if err := h.waitInhibit(ctx, stateCmdInhibitDat); err != nil {
			return err
		}
	}

	h.regs.Write32(regArgument, cmd.Arg)
	h.regs.Write16(regCommand, makeCommand(cmd.Index, flags))

	return h.waitCommandComplete(cmd, flags)
}

func (h *Host) sendDataCommand(ctx context.Context, cmd *sdmmc.Command) error {
	if !h.transfer.armed {
		return &sdmmc.CommandError{
			Op: "send data command", Index: cmd.Index, Arg: cmd.Arg,
			Err: fmt.Errorf("%w: no transfer prepared", sdmmc.ErrDeviceError),
		}
	}
	if err := h.waitInhibit(ctx, stateCmdInhibit); err != nil {
		return err
	}

	// A previous issue consumed the block count and DMA address.
	if h.transfer.issued {
		t := h.transfer
		if err := h.programTransfer(t.buf, t.blockSize, t.blockCount); err != nil {
			return err
		}
	}
	h.transfer.issued = true

	mode := uint16(xferBlkCntEn | xferMulti)
	if sdmmc.IsReadCommand(cmd.Index) || cmd.Index == sdmmc.CmdSendExtCSD {
		mode |= xferRead
	}
	if !h.pio {
		mode |= xferDMA
	}
	h.regs.Write16(regTransferMode, mode)
	h.regs.Write32(regArgument, cmd.Arg)

	flags := commandFlags(cmd) | cmdData
	h.regs.Write16(regCommand, makeCommand(cmd.Index, flags))

	if h.regs.Read16(regTransferMode)&xferRespIntDs == 0 {
		if err := h.waitCommandComplete(cmd, flags); err != nil {
			return err
		}
	}

	if h.pio {
		return nil
	}
	return h.waitDMAComplete(cmd)
}

// waitCommandComplete polls for command-complete and reads the response.
func (h *Host) waitCommandComplete(cmd *sdmmc.Command, flags uint16) error {
	var intStatus uint16
	completed := sdmmc.CommandCompleteBudget.Poll(h.clock, func() bool {
		intStatus = h.regs.Read16(regIntStatus)
		if intStatus&intError != 0 {
			return true
		}
		if intStatus&intCmdComplete != 0 {
			h.regs.Write16(regIntStatus, intStatus|intCmdComplete)
			return true
		}
		return false
	})

	if !completed {
		h.traceTimeout(cmd.Index, "command complete")
		sdmmc.Debugf("%s: CMD%d timeout", h.name, cmd.Index)
		return &sdmmc.CommandError{
			Op: "send command", Index: cmd.Index, Arg: cmd.Arg,
			Err: sdmmc.NewTimeoutError("command complete", h.name),
		}
	}
	if intStatus&intError != 0 {
		return h.interruptError(cmd, intStatus)
	}

	cmd.Words = [4]uint32{}
	if flags&0x3 != cmdRespNone {
		cmd.Words[0] = h.regs.Read32(regResponse01)
	}
	if flags&0x3 == cmdRespLong {
		cmd.Words[1] = h.regs.Read32(regResponse23)
		cmd.Words[2] = h.regs.Read32(regResponse45)
		cmd.Words[3] = h.regs.Read32(regResponse67)
	}
	return nil
}

// waitDMAComplete polls for transfer-complete, restarting SDMA at each
// buffer boundary.
func (h *Host) waitDMAComplete(cmd *sdmmc.Command) error {
	var intStatus uint16
	completed := sdmmc.TransferCompleteBudget.Poll(h.clock, func() bool {
		intStatus = h.regs.Read16(regIntStatus)
		switch {
		case intStatus&intError != 0:
			return true
		case intStatus&intXferComplete != 0:
			h.regs.Write16(regIntStatus, intStatus)
			return true
		case intStatus&intDMAEnd != 0:
			h.regs.Write16(regIntStatus, intStatus)
			h.rearmDMA()
		}
		return false
	})

	if !completed {
		h.traceTimeout(cmd.Index, "transfer complete")
		return &sdmmc.CommandError{
			Op: "dma transfer", Index: cmd.Index, Arg: cmd.Arg,
			Err: sdmmc.NewTimeoutError("transfer complete", h.name),
		}
	}
	if intStatus&intError != 0 {
		return h.interruptError(cmd, intStatus)
	}
	return nil
}

// rearmDMA writes back the next SDMA address so the controller continues
// past a buffer boundary.
func (h *Host) rearmDMA() {
	if h.regs.Read16(regHostControl2)&hostCtrl2Ver4Enable != 0 {
		addr := h.regs.Read32(regADMAAddrLow)
		h.regs.Write32(regADMAAddrLow, addr)
		h.regs.Write32(regADMAAddrHigh, 0)
		return
	}
	addr := h.regs.Read32(regDMAAddress)
	h.regs.Write32(regDMAAddress, addr)
}

// interruptError captures and clears the error status. The prepared transfer
// is kept for a resend.
func (h *Host) interruptError(cmd *sdmmc.Command, intStatus uint16) error {
	errStatus := h.regs.Read16(regErrIntStatus)
	sdmmc.Debugf("%s: CMD%d interrupt error: 0x%04X 0x%04X", h.name, cmd.Index, intStatus, errStatus)
	h.traceResponse(cmd.Index, nil, fmt.Sprintf("error int 0x%04X err 0x%04X", intStatus, errStatus))

	h.regs.Write16(regErrIntStatus, errStatus)
	h.regs.Write16(regIntStatus, intStatus)

	return &sdmmc.CommandError{
		Op:        "send command",
		Index:     cmd.Index,
		Arg:       cmd.Arg,
		IntStatus: intStatus,
		ErrStatus: errStatus,
		Err:       sdmmc.ErrDeviceError,
	}
}
