// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package payload

import (
	"context"
	"encoding/json"
	"time"
)

// TelemetryData holds all telemetry data of a single pass over a payload.
type TelemetryData struct {
	// Chunks is the number of container chunks that have been read
	Chunks int64 `json:"chunks"`

	// DecompressedSize is the number of bytes produced by all chunks
	DecompressedSize int64 `json:"decompressed_size"`

	// Duration is the time the pass took
	Duration time.Duration `json:"duration"`

	// Entries is the number of archive entries per type
	Entries Counts `json:"entries"`

	// Errors is the number of errors during the pass
	Errors int64 `json:"errors"`

	// ExtractedDirs is the number of extracted directories
	ExtractedDirs int64 `json:"extracted_dirs"`

	// ExtractedFiles is the number of extracted files
	ExtractedFiles int64 `json:"extracted_files"`

	// ExtractedSymlinks is the number of extracted symlinks
	ExtractedSymlinks int64 `json:"extracted_symlinks"`

	// ExtractionSize is the size of the extracted files
	ExtractionSize int64 `json:"extraction_size"`

	// InputSize is the number of bytes read from the payload file
	InputSize int64 `json:"input_size"`

	// LastError is the last error during the pass
	LastError error `json:"last_error"`

	// Mode is the kind of pass: tally, list or extract
	Mode string `json:"mode"`

	// PatternMismatches is the number of entries skipped by pattern
	PatternMismatches int64 `json:"pattern_mismatches"`

	// UnsafePaths is the number of entries skipped because of their path
	UnsafePaths int64 `json:"unsafe_paths"`

	// LastUnsafePath is the last entry skipped because of its path
	LastUnsafePath string `json:"last_unsafe_path"`

	// UnsupportedFiles is the number of skipped device, fifo and socket entries
	UnsupportedFiles int64 `json:"unsupported_files"`

	// LastUnsupportedFile is the last skipped unsupported file
	LastUnsupportedFile string `json:"last_unsupported_file"`
}

// String returns a string representation of [TelemetryData].
func (m TelemetryData) String() string {
	b, _ := json.Marshal(m)
	return string(b)
}

// MarshalJSON implements the [encoding/json.Marshaler] interface.
func (m TelemetryData) MarshalJSON() ([]byte, error) {
	var lastError string
	if m.LastError != nil {
		lastError = m.LastError.Error()
	}

	type Alias TelemetryData
	return json.Marshal(&struct {
		LastError string `json:"last_error"`
		*Alias
	}{
		LastError: lastError,
		Alias:     (*Alias)(&m),
	})
}

// TelemetryHook is a function type that performs operations on [TelemetryData]
// after a pass has finished which can be used to submit the [TelemetryData]
// to a telemetry service, for example.
type TelemetryHook func(context.Context, *TelemetryData)

// captureDuration stores the time since start in td
func captureDuration(td *TelemetryData, start time.Time) {
	td.Duration = now().Sub(start)
}

// captureContainer stores the counters of c in td
func captureContainer(td *TelemetryData, c *ContainerReader) {
	if c == nil {
		return
	}
	td.Chunks = c.Chunks()
	td.InputSize = c.InputSize()
	td.DecompressedSize = c.DecompressedSize()
}

// now is a function point that returns time.Now to the caller.
var now = time.Now
