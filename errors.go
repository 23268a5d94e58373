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
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error categories for bring-up failures
var (
	// Protocol and controller errors - abort bring-up
	ErrDeviceError     = errors.New("device error")
	ErrTimeout         = errors.New("timeout")
	ErrVolumeCorrupted = errors.New("volume corrupted")

	// Soft outcomes that callers may choose to treat as fatal
	ErrClockNotConfirmedStable = errors.New("clock not confirmed stable")
	ErrPhyNotConfirmedReady    = errors.New("phy not confirmed ready")

	// Caller errors - not retryable
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNoMedia          = errors.New("no media")
	ErrWriteProtected   = errors.New("media is write protected")
	ErrNotInitialized   = errors.New("card not initialized")
)

// ErrorType represents the category of error for retry logic
type ErrorType int

const (
	// ErrorTypeTransient indicates a potentially retryable error
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a non-retryable error
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a bounded poll budget ran out
	ErrorTypeTimeout
)

// TransportError wraps controller-level errors with additional context
type TransportError struct {
	Err       error     // Underlying error
	Op        string    // Operation that failed
	Host      string    // Controller identifier
	Type      ErrorType // Error category
	Retryable bool      // Whether the error is retryable
}

func (e *TransportError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// CommandError describes a failed bus transaction, including the controller
// interrupt status registers captured at the time of failure.
type CommandError struct {
	Err       error
	Op        string
	Index     uint32
	Arg       uint32
	IntStatus uint16
	ErrStatus uint16
}

func (e *CommandError) Error() string {
	base := fmt.Sprintf("%s CMD%d arg 0x%08X: %v", e.Op, e.Index, e.Arg, e.Err)
	if e.IntStatus != 0 || e.ErrStatus != 0 {
		base += fmt.Sprintf(" [int 0x%04X err 0x%04X]", e.IntStatus, e.ErrStatus)
	}
	return base
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a bounded-poll timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) && te.Type == ErrorTypeTimeout {
		return true
	}
	return errors.Is(err, ErrTimeout)
}

// IsDeviceError reports whether err is a protocol-level rejection.
func IsDeviceError(err error) bool {
	return errors.Is(err, ErrDeviceError)
}

// IsRetryable returns true if the error is potentially retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	return errors.Is(err, ErrTimeout)
}

// IsFatal returns true if bring-up must be abandoned. Soft clock and PHY
// outcomes are not fatal unless the caller wrapped them as such.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Type == ErrorTypePermanent
	}

	switch {
	case errors.Is(err, ErrDeviceError),
		errors.Is(err, ErrVolumeCorrupted),
		errors.Is(err, ErrNoMedia):
		return true
	default:
		return false
	}
}

// Error constructors for consistent error creation

// NewTransportError creates a standard transport error with consistent formatting
func NewTransportError(op, host string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Host:      host,
		Err:       err,
		Type:      errType,
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeTimeout,
	}
}

// NewTimeoutError creates a timeout error for transport operations
func NewTimeoutError(op, host string) *TransportError {
	return NewTransportError(op, host, ErrTimeout, ErrorTypeTimeout)
}

// NewDeviceError creates a permanent device error for transport operations
func NewDeviceError(op, host string) *TransportError {
	return NewTransportError(op, host, ErrDeviceError, ErrorTypePermanent)
}

// deviceErrorf returns a protocol-level DeviceError with context.
func deviceErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDeviceError, fmt.Sprintf(format, args...))
}

// =============================================================================
// Command Trace Logging
// =============================================================================
// TraceableError embeds the most recent bus transactions in errors so a
// failed bring-up can be diagnosed from a single log line.

// TraceDirection indicates the direction of a bus transaction
type TraceDirection string

const (
	// TraceCMD indicates a command issued to the card
	TraceCMD TraceDirection = "CMD"
	// TraceRSP indicates response words read back from the controller
	TraceRSP TraceDirection = "RSP"
)

// TraceEntry represents a single command or response
type TraceEntry struct {
	Timestamp time.Time
	Direction TraceDirection
	Note      string
	Words     []uint32
	Index     uint32
}

// String formats a trace entry for display
func (e TraceEntry) String() string {
	words := formatWords(e.Words)
	if e.Note != "" {
		return fmt.Sprintf("[%s] %s%d: %s (%s)",
			e.Timestamp.Format("15:04:05.000"), e.Direction, e.Index, words, e.Note)
	}
	return fmt.Sprintf("[%s] %s%d: %s", e.Timestamp.Format("15:04:05.000"), e.Direction, e.Index, words)
}

// TraceableError wraps an error with command trace data for debugging.
//
//	var te *sdmmc.TraceableError
//	if errors.As(err, &te) {
//	    log.Printf("Command trace:\n%s", te.FormatTrace())
//	}
type TraceableError struct {
	Err   error
	Host  string
	Trace []TraceEntry
}

// Error implements the error interface
func (e *TraceableError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *TraceableError) Unwrap() error {
	return e.Err
}

// FormatTrace returns a human-readable formatted trace log
func (e *TraceableError) FormatTrace() string {
	if len(e.Trace) == 0 {
		return fmt.Sprintf("[%s] (no trace data)", e.Host)
	}

	var sb strings.Builder
	_, _ = sb.WriteString(fmt.Sprintf("[%s] Command trace (%d entries):\n", e.Host, len(e.Trace)))

	for _, entry := range e.Trace {
		direction := ">"
		if entry.Direction == TraceRSP {
			direction = "<"
		}
		words := formatWords(entry.Words)
		if entry.Note != "" {
			_, _ = sb.WriteString(fmt.Sprintf("  %s CMD%d %s (%s)\n", direction, entry.Index, words, entry.Note))
		} else {
			_, _ = sb.WriteString(fmt.Sprintf("  %s CMD%d %s\n", direction, entry.Index, words))
		}
	}

	return sb.String()
}

// formatWords formats response or argument words as hex values
func formatWords(words []uint32) string {
	if len(words) == 0 {
		return "(none)"
	}
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = fmt.Sprintf("%08X", w)
	}
	return strings.Join(parts, " ")
}

// TraceBuffer collects the most recent bus transactions in a fixed-size ring.
type TraceBuffer struct {
	host    string
	entries []TraceEntry
	maxSize int
}

// NewTraceBuffer creates a new trace buffer with the specified capacity
func NewTraceBuffer(host string, maxSize int) *TraceBuffer {
	if maxSize <= 0 {
		maxSize = 16
	}
	return &TraceBuffer{
		entries: make([]TraceEntry, 0, maxSize),
		maxSize: maxSize,
		host:    host,
	}
}

// RecordCommand records a command issued to the card
func (tb *TraceBuffer) RecordCommand(index, arg uint32, note string) {
	tb.record(TraceCMD, index, []uint32{arg}, note)
}

// RecordResponse records response words read back for a command
func (tb *TraceBuffer) RecordResponse(index uint32, words []uint32, note string) {
	tb.record(TraceRSP, index, words, note)
}

// RecordTimeout records a timeout event
func (tb *TraceBuffer) RecordTimeout(index uint32, note string) {
	tb.record(TraceRSP, index, nil, "TIMEOUT: "+note)
}

func (tb *TraceBuffer) record(dir TraceDirection, index uint32, words []uint32, note string) {
	wordsCopy := make([]uint32, len(words))
	copy(wordsCopy, words)

	entry := TraceEntry{
		Direction: dir,
		Index:     index,
		Words:     wordsCopy,
		Timestamp: time.Now(),
		Note:      note,
	}

	if len(tb.entries) >= tb.maxSize {
		copy(tb.entries, tb.entries[1:])
		tb.entries[len(tb.entries)-1] = entry
	} else {
		tb.entries = append(tb.entries, entry)
	}
}

// Entries returns a copy of the recorded entries, oldest first.
func (tb *TraceBuffer) Entries() []TraceEntry {
	out := make([]TraceEntry, len(tb.entries))
	copy(out, tb.entries)
	return out
}

// WrapError wraps an error with the collected trace data.
// Returns nil if err is nil.
func (tb *TraceBuffer) WrapError(err error) error {
	if err == nil {
		return nil
	}

	return &TraceableError{
		Err:   err,
		Trace: tb.Entries(),
		Host:  tb.host,
	}
}

// Clear resets the trace buffer
func (tb *TraceBuffer) Clear() {
	tb.entries = tb.entries[:0]
}

// HasTrace checks if an error contains trace data
func HasTrace(err error) bool {
	var te *TraceableError
	return errors.As(err, &te)
}

// GetTrace extracts trace data from an error, returning nil if not present
func GetTrace(err error) *TraceableError {
	var te *TraceableError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
