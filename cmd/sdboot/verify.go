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
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ZaparooProject/go-sdmmc/blockio"
	"github.com/sirupsen/logrus"
)

// errVerifyMismatch is returned when a block reads back different data.
var errVerifyMismatch = errors.New("read-back mismatch")

// CrashReport contains all information for debugging a failed verification.
type CrashReport struct {
	Timestamp    time.Time  `json:"timestamp"`
	Operation    string     `json:"operation"`
	Error        string     `json:"error"`
	ExpectedDump []string   `json:"expected_dump,omitempty"`
	ActualDump   []string   `json:"actual_dump,omitempty"`
	OperationLog []LogEntry `json:"operation_log"`
	LBA          uint64     `json:"lba"`
	MediaID      uint32     `json:"media_id"`
}

// LogEntry represents a single operation in the log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	Error     string    `json:"error,omitempty"`
	Success   bool      `json:"success"`
}

type verifyState struct {
	dev      *blockio.Device
	log      []LogEntry
	lba      uint64
	original []byte
	pattern  []byte
	readBack []byte
}

func (s *verifyState) record(op string, err error) {
	entry := LogEntry{Timestamp: time.Now(), Operation: op, Success: err == nil}
	if err != nil {
		entry.Error = err.Error()
	}
	s.log = append(s.log, entry)
}

// runVerify writes a random pattern to one block, reads it back and restores
// the original contents. A failure is written to a JSON crash report.
func runVerify(ctx context.Context, l *logrus.Logger, dev *blockio.Device, lba uint64) error {
	media := dev.Media()
	s := &verifyState{
		dev:      dev,
		lba:      lba,
		original: make([]byte, media.BlockSize),
		pattern:  make([]byte, media.BlockSize),
		readBack: make([]byte, media.BlockSize),
	}

	op, err := s.verify(ctx)
	if err == nil {
		l.WithField("lba", lba).Info("Block verified")
		return nil
	}

	report := createCrashReport(s, media.MediaID, op, err)
	if path, werr := writeCrashReportToFile(report); werr != nil {
		l.WithError(werr).Warn("Failed to write crash report")
	} else {
		l.WithField("path", path).Error("Verification failed, crash report written")
	}
	return err
}

func (s *verifyState) verify(ctx context.Context) (string, error) {
	err := s.dev.ReadBlocks(ctx, s.lba, s.original)
	s.record("read original", err)
	if err != nil {
		return "read original", err
	}

	if _, err := rand.Read(s.pattern); err != nil {
		return "generate pattern", fmt.Errorf("failed to generate pattern: %w", err)
	}

	err = s.dev.WriteBlocks(ctx, s.lba, s.pattern)
	s.record("write pattern", err)
	if err != nil {
		return "write pattern", err
	}

	err = s.dev.ReadBlocks(ctx, s.lba, s.readBack)
	s.record("read back", err)
	if err == nil && !bytes.Equal(s.pattern, s.readBack) {
		err = fmt.Errorf("%w at block %d", errVerifyMismatch, s.lba)
	}

	restoreErr := s.dev.WriteBlocks(ctx, s.lba, s.original)
	s.record("restore original", restoreErr)

	if err != nil {
		return "read back", err
	}
	if restoreErr != nil {
		return "restore original", restoreErr
	}
	return "", nil
}

func createCrashReport(s *verifyState, mediaID uint32, op string, err error) *CrashReport {
	report := &CrashReport{
		Timestamp:    time.Now(),
		Operation:    op,
		Error:        err.Error(),
		OperationLog: s.log,
		LBA:          s.lba,
		MediaID:      mediaID,
	}
	if errors.Is(err, errVerifyMismatch) {
		base := s.lba * uint64(len(s.pattern))
		report.ExpectedDump = formatHexDump(base, s.pattern)
		report.ActualDump = formatHexDump(base, s.readBack)
	}
	return report
}

func writeCrashReportToFile(report *CrashReport) (string, error) {
	timestamp := report.Timestamp.Format("20060102_150405")
	filename := fmt.Sprintf("sdboot_verify_crash_%d_%s.json", report.LBA, timestamp)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal crash report: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write crash report: %w", err)
	}

	return filename, nil
}

// formatHexDump renders data 16 bytes per line, prefixed with the byte
// offset of each line starting at base.
func formatHexDump(base uint64, data []byte) []string {
	const lineSize = 16
	lines := make([]string, 0, (len(data)+lineSize-1)/lineSize)

	for i := 0; i < len(data); i += lineSize {
		end := min(i+lineSize, len(data))

		hexParts := make([]string, end-i)
		ascii := make([]byte, end-i)
		for j, b := range data[i:end] {
			hexParts[j] = fmt.Sprintf("%02X", b)
			ascii[j] = '.'
			if b >= 0x20 && b < 0x7F {
				ascii[j] = b
			}
		}

		lines = append(lines, fmt.Sprintf("%08X: %-47s  %s",
			base+uint64(i), strings.Join(hexParts, " "), ascii))
	}

	return lines
}
