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

// Command sdboot brings up the SD/eMMC controller of an SG2042 board, reports
// the card geometry and optionally dumps or verifies blocks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	sdmmc "github.com/ZaparooProject/go-sdmmc"
	"github.com/ZaparooProject/go-sdmmc/blockio"
	"github.com/ZaparooProject/go-sdmmc/platform"
	"github.com/ZaparooProject/go-sdmmc/transport/sdhci"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/physic"
)

type config struct {
	configPath string
	deviceTree string
	variant    string
	serial     string
	base       uint64
	dumpLBA    uint64
	dumpCount  uint
	verifyLBA  int64
	debug      bool
	pio        bool
}

// Package-level flag variables
var (
	flagConfig     string
	flagDeviceTree string
	flagVariant    string
	flagSerial     string
	flagBase       uint64
	flagDumpLBA    uint64
	flagDumpCount  uint
	flagVerifyLBA  int64
	flagDebug      bool
	flagPIO        bool
)

func init() {
	flag.StringVar(&flagConfig, "config", "", "Board configuration YAML file")
	flag.StringVar(&flagDeviceTree, "dtb", "", "Flattened device tree to discover the controller from")
	flag.StringVar(&flagVariant, "variant", "", "Assumed card variant: emmc, sd or sdhc")
	flag.StringVar(&flagSerial, "serial", "", "Mirror the session log to this serial port")
	flag.Uint64Var(&flagBase, "base", 0, "Controller register base address (overrides the device tree)")
	flag.Uint64Var(&flagDumpLBA, "dump", 0, "First block to dump")
	flag.UintVar(&flagDumpCount, "count", 0, "Number of blocks to dump")
	flag.Int64Var(&flagVerifyLBA, "verify", -1, "Write, read back and restore this block")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
	flag.BoolVar(&flagPIO, "pio", false, "Use PIO instead of DMA")
}

func parseConfig() *config {
	cfg := &config{
		configPath: flagConfig,
		deviceTree: flagDeviceTree,
		variant:    flagVariant,
		serial:     flagSerial,
		base:       flagBase,
		dumpLBA:    flagDumpLBA,
		dumpCount:  flagDumpCount,
		verifyLBA:  flagVerifyLBA,
		debug:      flagDebug,
		pio:        flagPIO,
	}

	if cfg.debug {
		sdmmc.SetDebugEnabled(true)
	}

	return cfg
}

// applyFlags lets command-line flags override the board file.
func applyFlags(board *boardConfig, cfg *config) {
	if cfg.deviceTree != "" {
		board.Controller.DeviceTree = cfg.deviceTree
	}
	if cfg.base != 0 {
		board.Controller.Base = cfg.base
	}
	if cfg.variant != "" {
		board.Card.Variant = cfg.variant
	}
	if cfg.serial != "" {
		board.Log.Serial = cfg.serial
	}
	if cfg.pio {
		board.Controller.PIO = true
	}
	if cfg.debug {
		board.Log.Level = logrus.DebugLevel.String()
	}
}

// resolveController fills in the controller base, clock and bus width from
// the device tree when no base address is configured.
func resolveController(l *logrus.Logger, board *boardConfig) error {
	if board.Controller.Base != 0 {
		return nil
	}

	tree, err := platform.Load(board.Controller.DeviceTree)
	if err != nil {
		return fmt.Errorf("no controller base configured: %w", err)
	}

	if mem, err := tree.LowestMemory(); err == nil {
		l.WithField("region", mem.String()).Debug("Lowest memory region")
	}
	if hart, err := tree.BootHartID(); err == nil {
		l.WithField("hart", hart).Debug("Boot hart")
	}

	ctrls, err := tree.SDHCIControllers()
	if err != nil {
		return err
	}
	idx := board.Controller.Index
	if idx < 0 || idx >= len(ctrls) {
		return fmt.Errorf("controller index %d out of range, device tree lists %d", idx, len(ctrls))
	}

	ctrl := ctrls[idx]
	board.Controller.Base = ctrl.Base
	if ctrl.ClockFrequency > 0 {
		board.Controller.BaseClockHz = int64(ctrl.ClockFrequency / physic.Hertz)
	}
	if ctrl.BusWidth != 0 {
		board.Card.BusWidth = ctrl.Width().Bits()
	}
	l.WithFields(logrus.Fields{
		"node":  ctrl.Name,
		"base":  fmt.Sprintf("0x%x", ctrl.Base),
		"clock": ctrl.ClockFrequency,
		"width": ctrl.Width(),
	}).Info("Using controller from device tree")
	return nil
}

func hostOptions(board *boardConfig) []sdhci.Option {
	opts := []sdhci.Option{
		sdhci.WithBaseClock(physic.Frequency(board.Controller.BaseClockHz) * physic.Hertz),
	}
	if board.Controller.PIO {
		opts = append(opts, sdhci.WithPIO())
	}
	if board.Controller.StrictClock {
		opts = append(opts, sdhci.WithStrictClock())
	}
	if board.Controller.StrictPhy {
		opts = append(opts, sdhci.WithStrictPhy())
	}
	return opts
}

func startSessionLog(l *logrus.Logger, board *boardConfig) (func(), error) {
	switch {
	case board.Log.Serial != "":
		if err := sdmmc.InitSerialLog(board.Log.Serial, board.Log.Baud); err != nil {
			return nil, err
		}
		l.WithField("port", board.Log.Serial).Info("Mirroring session log to serial console")
	case board.Log.SessionFile:
		path, err := sdmmc.InitSessionLog()
		if err != nil {
			return nil, err
		}
		l.WithField("path", path).Info("Writing session log")
	default:
		return func() {}, nil
	}
	return func() {
		if err := sdmmc.CloseSessionLog(); err != nil {
			l.WithError(err).Warn("Failed to close session log")
		}
	}, nil
}

// bringUp initialises the card behind card and runs the requested block
// operations.
// bringUpAttempts bounds how often a retryable bring-up failure is retried.
const bringUpAttempts = 2

// initializeMedia runs bring-up, repeating it once after a retryable
// transport failure.
func initializeMedia(ctx context.Context, l *logrus.Logger, dev *blockio.Device) (blockio.Media, error) {
	var (
		media blockio.Media
		err   error
	)
	for attempt := 1; attempt <= bringUpAttempts; attempt++ {
		media, err = dev.Initialize(ctx)
		if err == nil || sdmmc.IsFatal(err) || !sdmmc.IsRetryable(err) {
			break
		}
		l.WithError(err).WithField("attempt", attempt).Warn("Card bring-up failed")
	}
	return media, err
}

func bringUp(ctx context.Context, l *logrus.Logger, out io.Writer, card *sdmmc.Card, cfg *config) error {
	dev, err := blockio.New(card, blockio.WithPresenceCheck())
	if err != nil {
		return err
	}

	media, err := initializeMedia(ctx, l, dev)
	if err != nil {
		if trace := sdmmc.GetTrace(err); trace != nil {
			l.Debug(trace.FormatTrace())
		}
		return fmt.Errorf("card bring-up failed: %w", err)
	}

	session, _ := dev.Session()
	l.WithFields(logrus.Fields{
		"variant":   session.Variant,
		"media_id":  media.MediaID,
		"blocks":    media.Blocks(),
		"block":     media.BlockSize,
		"bytes":     session.Info.DeviceSize,
		"max_clock": session.Info.MaxBusFreq,
		"read_only": media.ReadOnly,
	}).Info("Media ready")

	if cfg.dumpCount > 0 {
		buf := make([]byte, uint64(cfg.dumpCount)*uint64(media.BlockSize))
		if err := dev.ReadBlocks(ctx, cfg.dumpLBA, buf); err != nil {
			return fmt.Errorf("dump failed: %w", err)
		}
		for _, line := range formatHexDump(cfg.dumpLBA*uint64(media.BlockSize), buf) {
			_, _ = fmt.Fprintln(out, line)
		}
	}

	if cfg.verifyLBA >= 0 {
		return runVerify(ctx, l, dev, uint64(cfg.verifyLBA))
	}
	return nil
}

func run(ctx context.Context, l *logrus.Logger, cfg *config) error {
	board, err := loadBoardConfig(cfg.configPath)
	if err != nil {
		return err
	}
	applyFlags(&board, cfg)
	if err := board.validate(); err != nil {
		return err
	}

	level, _ := logrus.ParseLevel(board.Log.Level)
	l.SetLevel(level)

	stopLog, err := startSessionLog(l, &board)
	if err != nil {
		return err
	}
	defer stopLog()

	if err := resolveController(l, &board); err != nil {
		return err
	}
	cardOpts, err := board.Card.options()
	if err != nil {
		return err
	}

	host, err := sdhci.Open(board.Controller.Base, hostOptions(&board)...)
	if err != nil {
		return fmt.Errorf("failed to open controller: %w", err)
	}
	defer func() {
		if err := host.Close(); err != nil {
			l.WithError(err).Warn("Failed to close controller")
		}
	}()

	if err := host.Init(ctx); err != nil {
		return fmt.Errorf("controller init failed: %w", err)
	}

	card, err := sdmmc.New(host, cardOpts...)
	if err != nil {
		return err
	}
	return bringUp(ctx, l, os.Stdout, card, cfg)
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	cfg := parseConfig()

	l := logrus.New()
	l.Out = os.Stderr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		l.Info("Shutting down")
		cancel()
	}()

	if err := run(ctx, l, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		l.WithError(err).Error("sdboot failed")
		return 1
	}
	return 0
}
