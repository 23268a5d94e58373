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

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"dario.cat/mergo"
	sdmmc "github.com/ZaparooProject/go-sdmmc"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
	"periph.io/x/conn/v3/physic"
)

// boardConfig is the YAML board description. Fields left empty in the file
// take the values from defaultBoardConfig.
type boardConfig struct {
	Log        logConfig        `yaml:"log"`
	Controller controllerConfig `yaml:"controller"`
	Card       cardConfig       `yaml:"card"`
}

type controllerConfig struct {
	DeviceTree  string `yaml:"device_tree"`
	Base        uint64 `yaml:"base"`
	BaseClockHz int64  `yaml:"base_clock_hz"`
	Index       int    `yaml:"index"`
	PIO         bool   `yaml:"pio"`
	StrictClock bool   `yaml:"strict_clock"`
	StrictPhy   bool   `yaml:"strict_phy"`
}

type cardConfig struct {
	Variant    string `yaml:"variant"`
	BusClockHz int64  `yaml:"bus_clock_hz"`
	BusWidth   int    `yaml:"bus_width"`
}

type logConfig struct {
	Level       string `yaml:"level"`
	Serial      string `yaml:"serial"`
	Baud        int    `yaml:"baud"`
	SessionFile bool   `yaml:"session_file"`
}

func defaultBoardConfig() boardConfig {
	return boardConfig{
		Controller: controllerConfig{
			DeviceTree:  "/sys/firmware/fdt",
			BaseClockHz: 100_000_000,
		},
		Card: cardConfig{
			Variant:    "emmc",
			BusClockHz: 50_000_000,
			BusWidth:   4,
		},
		Log: logConfig{
			Level: "info",
			Baud:  115200,
		},
	}
}

// loadBoardConfig reads path, if any, and fills unset fields from the
// defaults.
func loadBoardConfig(path string) (boardConfig, error) {
	var cfg boardConfig
	if path != "" {
		b, err := os.ReadFile(path) //nolint:gosec // operator supplied path
		if err != nil {
			return cfg, fmt.Errorf("failed to read board config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse board config %s: %w", path, err)
		}
	}

	if err := mergo.Merge(&cfg, defaultBoardConfig()); err != nil {
		return cfg, fmt.Errorf("failed to merge board config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c boardConfig) validate() error {
	var errs []error
	if _, err := c.Card.variant(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Card.width(); err != nil {
		errs = append(errs, err)
	}
	if c.Card.BusClockHz <= 0 {
		errs = append(errs, fmt.Errorf("card.bus_clock_hz must be positive, got %d", c.Card.BusClockHz))
	}
	if c.Controller.BaseClockHz <= 0 {
		errs = append(errs, fmt.Errorf("controller.base_clock_hz must be positive, got %d", c.Controller.BaseClockHz))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c cardConfig) variant() (sdmmc.CardVariant, error) {
	switch strings.ToLower(c.Variant) {
	case "emmc", "mmc":
		return sdmmc.VariantEMMC, nil
	case "sd", "sdsc":
		return sdmmc.VariantSD, nil
	case "sdhc", "sdxc":
		return sdmmc.VariantSDHC, nil
	default:
		return 0, fmt.Errorf("unsupported card variant: %q", c.Variant)
	}
}

func (c cardConfig) width() (sdmmc.BusWidth, error) {
	switch c.BusWidth {
	case 1:
		return sdmmc.BusWidth1, nil
	case 4:
		return sdmmc.BusWidth4, nil
	case 8:
		return sdmmc.BusWidth8, nil
	default:
		return 0, fmt.Errorf("unsupported bus width: %d", c.BusWidth)
	}
}

func (c cardConfig) options() ([]sdmmc.Option, error) {
	variant, err := c.variant()
	if err != nil {
		return nil, err
	}
	width, err := c.width()
	if err != nil {
		return nil, err
	}
	return []sdmmc.Option{
		sdmmc.WithAssumedVariant(variant),
		sdmmc.WithBusWidth(width),
		sdmmc.WithBusClock(physic.Frequency(c.BusClockHz) * physic.Hertz),
	}, nil
}
