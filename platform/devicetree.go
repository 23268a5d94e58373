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

// Package platform reads the board description handed over by the previous
// boot stage: memory layout, SD host controllers and the boot hart.
package platform

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	sdmmc "github.com/ZaparooProject/go-sdmmc"
	"github.com/u-root/u-root/pkg/dt"
	"periph.io/x/conn/v3/physic"
)

// ErrInvalidDeviceTree is returned when the device tree is missing a node or
// property the caller needs, or the property is malformed.
var ErrInvalidDeviceTree = errors.New("invalid device tree")

// Compatible strings of the SG2042 SD/eMMC host controller.
var sdhciCompatible = []string{
	"sophgo,sg2042-dwcmshc",
	"snps,dwcmshc-sdhci",
}

const (
	defaultAddressCells = 2
	defaultSizeCells    = 2
	cellSize            = 4
)

// DeviceTree is a parsed flattened device tree.
type DeviceTree struct {
	fdt *dt.FDT
}

// Parse reads a flattened device tree blob.
func Parse(r io.ReadSeeker) (*DeviceTree, error) {
	fdt, err := dt.ReadFDT(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDeviceTree, err)
	}
	if fdt.RootNode == nil {
		return nil, fmt.Errorf("%w: no root node", ErrInvalidDeviceTree)
	}
	return &DeviceTree{fdt: fdt}, nil
}

// Load parses the device tree blob at path.
func Load(path string) (*DeviceTree, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("open device tree: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// MemoryRegion is one base/size pair from a memory node.
type MemoryRegion struct {
	Base uint64
	Size uint64
}

// End returns the first address past the region.
func (r MemoryRegion) End() uint64 {
	return r.Base + r.Size
}

func (r MemoryRegion) String() string {
	return fmt.Sprintf("[0x%x-0x%x)", r.Base, r.End())
}

// MemoryRegions returns every non-empty region of every node whose
// device_type is "memory", in tree order.
func (t *DeviceTree) MemoryRegions() ([]MemoryRegion, error) {
	var regions []MemoryRegion
	err := t.walk(func(n *dt.Node, cells addressCells) error {
		if s, ok := stringProperty(n, "device_type"); !ok || s != "memory" {
			return nil
		}
		regs, err := decodeReg(n, cells)
		if err != nil {
			return err
		}
		for _, r := range regs {
			if r.Size == 0 {
				continue
			}
			regions = append(regions, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return regions, nil
}

// LowestMemory returns the memory region with the lowest base address.
func (t *DeviceTree) LowestMemory() (MemoryRegion, error) {
	regions, err := t.MemoryRegions()
	if err != nil {
		return MemoryRegion{}, err
	}
	if len(regions) == 0 {
		return MemoryRegion{}, fmt.Errorf("%w: no memory node", ErrInvalidDeviceTree)
	}
	lowest := regions[0]
	for _, r := range regions[1:] {
		if r.Base < lowest.Base {
			lowest = r
		}
	}
	return lowest, nil
}

// Controller describes one SD/eMMC host controller node.
type Controller struct {
	Name           string
	Base           uint64
	Size           uint64
	ClockFrequency physic.Frequency
	BusWidth       int
	No18V          bool
	DisableWP      bool
}

// Width maps the bus-width property to a data bus width. A missing or
// unknown value is a 1-bit bus.
func (c Controller) Width() sdmmc.BusWidth {
	switch c.BusWidth {
	case 8:
		return sdmmc.BusWidth8
	case 4:
		return sdmmc.BusWidth4
	default:
		return sdmmc.BusWidth1
	}
}

// SDHCIControllers returns every SG2042 SDHCI node in tree order.
func (t *DeviceTree) SDHCIControllers() ([]Controller, error) {
	var ctrls []Controller
	err := t.walk(func(n *dt.Node, cells addressCells) error {
		if !isCompatible(n, sdhciCompatible) {
			return nil
		}
		ctrl, err := decodeController(n, cells)
		if err != nil {
			return err
		}
		ctrls = append(ctrls, ctrl)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ctrls, nil
}

func decodeController(n *dt.Node, cells addressCells) (Controller, error) {
	regs, err := decodeReg(n, cells)
	if err != nil {
		return Controller{}, err
	}
	if len(regs) == 0 {
		return Controller{}, fmt.Errorf("%w: %s has no reg", ErrInvalidDeviceTree, n.Name)
	}

	ctrl := Controller{
		Name:      n.Name,
		Base:      regs[0].Base,
		Size:      regs[0].Size,
		No18V:     hasProperty(n, "no-1-8-v"),
		DisableWP: hasProperty(n, "disable-wp"),
	}

	if p, ok := property(n, "clock-frequency"); ok {
		hz, err := decodeCells(p.Value)
		if err != nil {
			return Controller{}, fmt.Errorf("%w: %s clock-frequency: %w", ErrInvalidDeviceTree, n.Name, err)
		}
		ctrl.ClockFrequency = physic.Frequency(hz) * physic.Hertz
	}
	if p, ok := property(n, "bus-width"); ok {
		width, err := decodeCells(p.Value)
		if err != nil {
			return Controller{}, fmt.Errorf("%w: %s bus-width: %w", ErrInvalidDeviceTree, n.Name, err)
		}
		ctrl.BusWidth = int(width)
	}
	return ctrl, nil
}

// BootHartID returns the boot-hartid property of /chosen.
func (t *DeviceTree) BootHartID() (uint32, error) {
	for _, child := range t.fdt.RootNode.Children {
		if child.Name != "chosen" {
			continue
		}
		p, ok := property(child, "boot-hartid")
		if !ok {
			break
		}
		if len(p.Value) != cellSize {
			return 0, fmt.Errorf("%w: boot-hartid is %d bytes", ErrInvalidDeviceTree, len(p.Value))
		}
		return binary.BigEndian.Uint32(p.Value), nil
	}
	return 0, fmt.Errorf("%w: no /chosen boot-hartid", ErrInvalidDeviceTree)
}

// addressCells carries the #address-cells and #size-cells that apply to a
// node's reg property, which come from its parent.
type addressCells struct {
	address int
	size    int
}

func (t *DeviceTree) walk(fn func(n *dt.Node, cells addressCells) error) error {
	return walkNode(t.fdt.RootNode, addressCells{defaultAddressCells, defaultSizeCells}, fn)
}

func walkNode(n *dt.Node, cells addressCells, fn func(*dt.Node, addressCells) error) error {
	if err := fn(n, cells); err != nil {
		return err
	}
	childCells := addressCells{defaultAddressCells, defaultSizeCells}
	if v, ok, err := u32Property(n, "#address-cells"); err != nil {
		return err
	} else if ok {
		childCells.address = int(v)
	}
	if v, ok, err := u32Property(n, "#size-cells"); err != nil {
		return err
	} else if ok {
		childCells.size = int(v)
	}
	for _, child := range n.Children {
		if err := walkNode(child, childCells, fn); err != nil {
			return err
		}
	}
	return nil
}

func property(n *dt.Node, name string) (dt.Property, bool) {
	for _, p := range n.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return dt.Property{}, false
}

func hasProperty(n *dt.Node, name string) bool {
	_, ok := property(n, name)
	return ok
}

func stringProperty(n *dt.Node, name string) (string, bool) {
	p, ok := property(n, name)
	if !ok {
		return "", false
	}
	return strings.TrimRight(string(p.Value), "\x00"), true
}

func u32Property(n *dt.Node, name string) (uint32, bool, error) {
	p, ok := property(n, name)
	if !ok {
		return 0, false, nil
	}
	if len(p.Value) != cellSize {
		return 0, false, fmt.Errorf("%w: %s %s is %d bytes", ErrInvalidDeviceTree, n.Name, name, len(p.Value))
	}
	return binary.BigEndian.Uint32(p.Value), true, nil
}

func isCompatible(n *dt.Node, want []string) bool {
	p, ok := property(n, "compatible")
	if !ok {
		return false
	}
	for _, c := range strings.Split(string(p.Value), "\x00") {
		if slices.Contains(want, c) {
			return true
		}
	}
	return false
}

// decodeCells reads a one or two cell big-endian number.
func decodeCells(b []byte) (uint64, error) {
	switch len(b) {
	case cellSize:
		return uint64(binary.BigEndian.Uint32(b)), nil
	case 2 * cellSize:
		return binary.BigEndian.Uint64(b), nil
	default:
		return 0, fmt.Errorf("unexpected %d byte value", len(b))
	}
}

func readCells(b []byte, n int) uint64 {
	var v uint64
	for i := range n {
		v = v<<32 | uint64(binary.BigEndian.Uint32(b[i*cellSize:]))
	}
	return v
}

func decodeReg(n *dt.Node, cells addressCells) ([]MemoryRegion, error) {
	p, ok := property(n, "reg")
	if !ok {
		return nil, nil
	}
	if cells.address < 1 || cells.address > 2 || cells.size > 2 || cells.size < 0 {
		return nil, fmt.Errorf("%w: %s uses %d address and %d size cells",
			ErrInvalidDeviceTree, n.Name, cells.address, cells.size)
	}
	entry := (cells.address + cells.size) * cellSize
	if len(p.Value)%entry != 0 {
		return nil, fmt.Errorf("%w: %s reg is %d bytes, not a multiple of %d",
			ErrInvalidDeviceTree, n.Name, len(p.Value), entry)
	}

	regs := make([]MemoryRegion, 0, len(p.Value)/entry)
	for off := 0; off < len(p.Value); off += entry {
		b := p.Value[off : off+entry]
		regs = append(regs, MemoryRegion{
			Base: readCells(b, cells.address),
			Size: readCells(b[cells.address*cellSize:], cells.size),
		})
	}
	return regs, nil
}
