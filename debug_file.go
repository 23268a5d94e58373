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

package sdmmc

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Session log state
var (
	sessionMu     sync.Mutex
	sessionCloser io.Closer
	sessionPath   string
	sessionLog    io.Writer
)

func sessionWriter() io.Writer {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	return sessionLog
}

// InitSessionLog creates a new session log file in the current directory.
// Returns the log file path for display to the user.
func InitSessionLog() (string, error) {
	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("sdmmc_%s.log", timestamp)

	logFile, err := os.Create(filename) //nolint:gosec // filename is constructed internally, not user input
	if err != nil {
		return "", fmt.Errorf("failed to create session log: %w", err)
	}

	setSession(logFile, logFile, filename)
	return filename, nil
}

// InitSerialLog mirrors the session log to a serial console, the way boot
// firmware reports bring-up progress on its UART.
func InitSerialLog(portName string, baudRate int) error {
	if baudRate <= 0 {
		baudRate = 115200
	}
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("failed to open serial console %s: %w", portName, err)
	}

	setSession(port, port, portName)
	return nil
}

// SetSessionWriter routes the session log to w. The caller keeps ownership
// of w; CloseSessionLog only detaches it.
func SetSessionWriter(w io.Writer) {
	setSession(w, nil, "")
}

func setSession(w io.Writer, c io.Closer, path string) {
	writeSessionHeader(w)

	sessionMu.Lock()
	sessionLog = w
	sessionCloser = c
	sessionPath = path
	sessionMu.Unlock()
}

// CloseSessionLog closes the current session log.
func CloseSessionLog() error {
	sessionMu.Lock()
	w, c := sessionLog, sessionCloser
	sessionLog, sessionCloser, sessionPath = nil, nil, ""
	sessionMu.Unlock()

	if w == nil {
		return nil
	}

	timestamp := time.Now().Format("15:04:05.000")
	_, _ = fmt.Fprintf(w, "\n%s === Session ended ===\n", timestamp)

	if c != nil {
		if err := c.Close(); err != nil {
			return fmt.Errorf("failed to close session log: %w", err)
		}
	}
	return nil
}

// GetSessionLogPath returns the current session log path or port name.
func GetSessionLogPath() string {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	return sessionPath
}

// writeSessionHeader writes metadata about the session to the log.
func writeSessionHeader(writer io.Writer) {
	_, _ = fmt.Fprint(writer, "=== SD/MMC Bring-up Session Log ===\n")
	_, _ = fmt.Fprintf(writer, "Started: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(writer, "PID: %d\n", os.Getpid())
	_, _ = fmt.Fprintf(writer, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(writer, "Go Version: %s\n", runtime.Version())
	_, _ = fmt.Fprintf(writer, "Command Line: %s\n", strings.Join(os.Args, " "))
	_, _ = fmt.Fprint(writer, "===================================\n\n")
}
