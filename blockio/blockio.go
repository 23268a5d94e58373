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

// Package blockio exposes an initialised card as a flat array of 512-byte
// blocks. It owns the card session and serialises every call.
package blockio

import (
	"context"
	"fmt"

	sdmmc "github.com/ZaparooProject/go-sdmmc"
	"github.com/ZaparooProject/go-sdmmc/internal/syncutil"
)

// Media describes the medium currently behind a Device.
type Media struct {
	MediaID      uint32
	LastBlock    uint64
	BlockSize    uint32
	ReadOnly     bool
	MediaPresent bool
}

// Blocks returns the number of addressable blocks.
func (m Media) Blocks() uint64 {
	if !m.MediaPresent {
		return 0
	}
	return m.LastBlock + 1
}

// Option configures a Device
type Option func(*Device)

// WithPresenceCheck makes Initialize ask the transport whether a card is
// inserted before running bring-up. Transports that cannot tell are treated
// as having a card.
func WithPresenceCheck() Option {
	return func(d *Device) {
		d.presenceCheck = true
	}
}

// Device is the block facade over one card. mu serialises card access and
// media is only written holding both mu and mediaMu.
type Device struct {
	card          *sdmmc.Card
	session       *sdmmc.CardSession
	media         Media
	mu            syncutil.Mutex
	mediaMu       syncutil.RWMutex
	presenceCheck bool
}

// New creates a facade for card. Nothing is sent to the card until
// Initialize.
func New(card *sdmmc.Card, opts ...Option) (*Device, error) {
	if card == nil {
		return nil, fmt.Errorf("%w: nil card", sdmmc.ErrInvalidParameter)
	}
	d := &Device{card: card}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Initialize runs card bring-up and publishes the resulting media. On
// failure the media is marked not present and the bring-up error returned.
func (d *Device) Initialize(ctx context.Context) (Media, error) {
	var media Media
	err := d.mu.WithLock(func() error {
		m, err := d.initialize(ctx)
		media = m
		return err
	})
	return media, err
}

func (d *Device) initialize(ctx context.Context) (Media, error) {
	absent := d.media
	absent.MediaPresent = false
	d.publish(absent)
	d.session = nil

	if d.presenceCheck {
		presence, err := d.card.DetectCard(ctx)
		if err != nil {
			sdmmc.Debugf("blockio: %v", err)
			return d.media, err
		}
		if presence == sdmmc.CardNotInserted {
			sdmmc.Debugln("blockio: no card inserted")
			return d.media, sdmmc.ErrNoMedia
		}
	}

	session := d.card.NewSession()
	if err := d.card.Initialize(ctx, session); err != nil {
		sdmmc.Debugf("blockio: card initialisation failed: %v", err)
		return d.media, err
	}

	info := session.Info
	if info.Blocks() == 0 {
		sdmmc.Debugln("blockio: card reports zero capacity")
		return d.media, fmt.Errorf("%w: zero capacity", sdmmc.ErrDeviceError)
	}

	d.session = session
	d.publish(Media{
		MediaID:      d.media.MediaID + 1,
		LastBlock:    info.Blocks() - 1,
		BlockSize:    info.BlockSize,
		ReadOnly:     d.card.IsReadOnly(),
		MediaPresent: true,
	})
	sdmmc.Debugf("blockio: %s media %d, %d blocks of %d bytes, read-only=%t",
		info.Variant, d.media.MediaID, d.media.Blocks(), d.media.BlockSize, d.media.ReadOnly)
	return d.media, nil
}

// publish replaces the media. The caller holds mu.
func (d *Device) publish(m Media) {
	d.mediaMu.Lock()
	defer d.mediaMu.Unlock()
	d.media = m
}

// Media returns the currently published media. It does not wait for an
// in-flight transfer.
func (d *Device) Media() Media {
	var m Media
	d.mediaMu.WithRLock(func() { m = d.media })
	return m
}

// Session returns a copy of the card session, or false before a successful
// Initialize.
func (d *Device) Session() (sdmmc.CardSession, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return sdmmc.CardSession{}, false
	}
	s := *d.session
	if s.ExtCSD != nil {
		ext := *s.ExtCSD
		s.ExtCSD = &ext
	}
	return s, true
}

// ReadBlocks fills buf from consecutive blocks starting at lba.
func (d *Device) ReadBlocks(ctx context.Context, lba uint64, buf []byte) error {
	return d.mu.WithLock(func() error {
		start, err := d.checkRange(lba, buf)
		if err != nil {
			return err
		}
		return d.card.ReadBlocks(ctx, d.session, start, buf)
	})
}

// WriteBlocks writes buf to consecutive blocks starting at lba.
func (d *Device) WriteBlocks(ctx context.Context, lba uint64, buf []byte) error {
	return d.mu.WithLock(func() error {
		start, err := d.checkRange(lba, buf)
		if err != nil {
			return err
		}
		if d.media.ReadOnly {
			return sdmmc.ErrWriteProtected
		}
		return d.card.WriteBlocks(ctx, d.session, start, buf)
	})
}

func (d *Device) checkRange(lba uint64, buf []byte) (uint32, error) {
	if !d.media.MediaPresent || d.session == nil {
		return 0, sdmmc.ErrNoMedia
	}
	size := uint64(d.media.BlockSize)
	if len(buf) == 0 || uint64(len(buf))%size != 0 {
		return 0, fmt.Errorf("%w: buffer of %d bytes is not a multiple of %d",
			sdmmc.ErrInvalidParameter, len(buf), size)
	}
	count := uint64(len(buf)) / size
	if lba > d.media.LastBlock || count > d.media.LastBlock-lba+1 {
		return 0, fmt.Errorf("%w: blocks %d..%d beyond last block %d",
			sdmmc.ErrInvalidParameter, lba, lba+count-1, d.media.LastBlock)
	}
	if lba+count-1 > uint64(^uint32(0)) {
		return 0, fmt.Errorf("%w: block %d not addressable", sdmmc.ErrInvalidParameter, lba+count-1)
	}
	return uint32(lba), nil
}
