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
	"encoding/binary"
	"fmt"

	sdmmc "github.com/ZaparooProject/go-sdmmc"
)

// shortFrame is the frame size for transfers shorter than a block, such as
// the 8-byte SCR.
const shortFrame = 8

// frameSize splits a transfer into frames: whole blocks when n >= 512,
// otherwise 8-byte frames.
func frameSize(n int) (size, count uint32, err error) {
	switch {
	case n >= sdmmc.BlockSize:
		if n%sdmmc.BlockSize != 0 {
			return 0, 0, fmt.Errorf("%w: transfer of %d bytes is not a multiple of %d",
				sdmmc.ErrDeviceError, n, sdmmc.BlockSize)
		}
		return sdmmc.BlockSize, uint32(n / sdmmc.BlockSize), nil
	case n > 0:
		if n%shortFrame != 0 {
			return 0, 0, fmt.Errorf("%w: transfer of %d bytes is not a multiple of %d",
				sdmmc.ErrDeviceError, n, shortFrame)
		}
		return shortFrame, uint32(n / shortFrame), nil
	default:
		return 0, 0, fmt.Errorf("%w: empty transfer", sdmmc.ErrDeviceError)
	}
}

// Prepare implements sdmmc.Transport. In DMA mode buf is copied into the
// bounce buffer so that a following write command finds its data in place.
func (h *Host) Prepare(ctx context.Context, _ uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	size, count, err := frameSize(len(buf))
	if err != nil {
		return err
	}

	if err := h.programTransfer(buf, size, count); err != nil {
		return err
	}
	h.transfer = transfer{buf: buf, blockSize: size, blockCount: count, armed: true}
	return nil
}

// programTransfer loads the block geometry, and in DMA mode the bounce
// buffer, for the next data command.
func (h *Host) programTransfer(buf []byte, size, count uint32) error {
	if h.pio {
		h.regs.Write16(regBlockSize, uint16(size))
		h.regs.Write16(regBlockCount, uint16(count))
		return nil
	}
	return h.programDMA(buf, size, count)
}

func (h *Host) programDMA(buf []byte, size, count uint32) error {
	bounce := h.dma.Bytes()
	if len(buf) > len(bounce) {
		return fmt.Errorf("%w: transfer of %d bytes exceeds %d byte DMA buffer",
			sdmmc.ErrDeviceError, len(buf), len(bounce))
	}
	addr := h.dma.PhysAddr()
	if addr%uint64(size) != 0 {
		return fmt.Errorf("%w: DMA address 0x%X not aligned to %d", sdmmc.ErrDeviceError, addr, size)
	}
	copy(bounce, buf)

	if h.regs.Read16(regHostControl2)&hostCtrl2Ver4Enable != 0 {
		if addr>>32 != 0 && !h.Addr64() {
			return fmt.Errorf("%w: DMA address 0x%X needs 64-bit addressing", sdmmc.ErrDeviceError, addr)
		}
		h.regs.Write32(regADMAAddrLow, uint32(addr))
		h.regs.Write32(regADMAAddrHigh, uint32(addr>>32))
		h.regs.Write32(regDMAAddress, count)
		h.regs.Write16(regBlockCount, 0)
	} else {
		if addr>>32 != 0 {
			return fmt.Errorf("%w: DMA address 0x%X above 4 GiB", sdmmc.ErrDeviceError, addr)
		}
		if count > 0xFFFF {
			return fmt.Errorf("%w: %d blocks exceed the block count register", sdmmc.ErrDeviceError, count)
		}
		h.regs.Write32(regDMAAddress, uint32(addr))
		h.regs.Write16(regBlockCount, uint16(count))
	}

	h.regs.Write16(regBlockSize, makeBlockSize(sdmaBoundary512K, uint16(size)))
	h.regs.Write8(regHostControl, h.regs.Read8(regHostControl)&^hostCtrlDMAMask|hostCtrlSDMA)
	return nil
}

func (h *Host) checkTransfer(op string, buf []byte) error {
	if !h.transfer.armed {
		return fmt.Errorf("%w: %s without prepared transfer", sdmmc.ErrDeviceError, op)
	}
	if want := int(h.transfer.blockSize * h.transfer.blockCount); len(buf) != want {
		return fmt.Errorf("%w: %s of %d bytes, prepared %d", sdmmc.ErrDeviceError, op, len(buf), want)
	}
	return nil
}

// ReadBlockData implements sdmmc.Transport. With DMA the data is already in
// the bounce buffer once the command completed.
func (h *Host) ReadBlockData(ctx context.Context, _ uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.checkTransfer("read", buf); err != nil {
		return err
	}
	defer func() { h.transfer = transfer{} }()

	if !h.pio {
		copy(buf, h.dma.Bytes()[:len(buf)])
		return nil
	}

	size := int(h.transfer.blockSize)
	for block := range int(h.transfer.blockCount) {
		ready := sdmmc.BufferReadyBudget.Poll(h.clock, func() bool {
			return h.regs.Read16(regIntStatus)&intBufRdReady != 0 &&
				h.regs.Read32(regPresentState)&stateBufRdEnable != 0
		})
		if !ready {
			sdmmc.Debugf("%s: read data timeout at block %d", h.name, block)
			return sdmmc.NewTimeoutError("read buffer ready", h.name)
		}
		h.regs.Write16(regIntStatus, intBufRdReady)

		data := buf[block*size : (block+1)*size]
		for off := 0; off < size; off += 4 {
			binary.LittleEndian.PutUint32(data[off:], h.regs.Read32(regBufData))
		}
	}

	return h.waitTransferComplete()
}

// WriteBlockData implements sdmmc.Transport. With DMA the data was placed in
// the bounce buffer by Prepare and the write command already moved it.
func (h *Host) WriteBlockData(ctx context.Context, _ uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.checkTransfer("write", buf); err != nil {
		return err
	}
	defer func() { h.transfer = transfer{} }()

	if h.pio {
		return h.writePIO(buf)
	}
	return nil
}

func (h *Host) writePIO(buf []byte) error {
	size := int(h.transfer.blockSize)
	h.writeBlock(buf[:size])

	for block := 1; block < int(h.transfer.blockCount); block++ {
		ready := sdmmc.BufferWriteReadyBudget.Poll(h.clock, func() bool {
			return h.regs.Read16(regIntStatus)&intBufWrReady != 0 &&
				h.regs.Read32(regPresentState)&stateBufWrEnable != 0
		})
		if !ready {
			sdmmc.Debugf("%s: write data timeout at block %d", h.name, block)
			return sdmmc.NewTimeoutError("write buffer ready", h.name)
		}
		h.regs.Write16(regIntStatus, intBufWrReady)
		h.writeBlock(buf[block*size : (block+1)*size])
	}

	return h.waitTransferComplete()
}

func (h *Host) writeBlock(data []byte) {
	for off := 0; off < len(data); off += 4 {
		h.regs.Write32(regBufData, binary.LittleEndian.Uint32(data[off:]))
	}
}

func (h *Host) waitTransferComplete() error {
	var intStatus uint16
	if !sdmmc.BufferReadyBudget.Poll(h.clock, func() bool {
		intStatus = h.regs.Read16(regIntStatus)
		return intStatus&intXferComplete != 0
	}) {
		sdmmc.Debugf("%s: wait transfer complete timeout", h.name)
		return sdmmc.NewTimeoutError("transfer complete", h.name)
	}
	h.regs.Write16(regIntStatus, intStatus|intXferComplete)
	return nil
}
