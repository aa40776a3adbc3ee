// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package payload

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Counts is the number of archive entries per [EntryType].
type Counts struct {
	Directory int64 `json:"directory"`
	Regular   int64 `json:"regular"`
	Symlink   int64 `json:"symlink"`
	Other     int64 `json:"other"`
}

// Add counts one entry of type t.
func (c *Counts) Add(t EntryType) {
	switch t {
	case TypeDirectory:
		c.Directory++
	case TypeRegular:
		c.Regular++
	case TypeSymlink:
		c.Symlink++
	default:
		c.Other++
	}
}

// Total returns the number of all counted entries.
func (c Counts) Total() int64 {
	return c.Directory + c.Regular + c.Symlink + c.Other
}

// String returns the summary line printed after a pass.
func (c Counts) String() string {
	return fmt.Sprintf("Found %d files, %d dirs, %d links, %d other", c.Regular, c.Directory, c.Symlink, c.Other)
}

// Pass modes reported in [TelemetryData].
const (
	ModeTally   = "tally"
	ModeList    = "list"
	ModeExtract = "extract"
)

// visitFunc is called once per archive entry. The entry is drained after
// visitFunc returns nil.
type visitFunc func(e *Entry, td *TelemetryData) error

// Tally reads the payload from src and counts its entries by type. Nothing
// is written anywhere.
func Tally(ctx context.Context, src io.Reader, cfg *Config) (Counts, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	return inspect(ctx, src, cfg, ModeTally, func(e *Entry, td *TelemetryData) error {
		return nil
	})
}

// inspect performs a single forward pass over all entries of the payload in src.
func inspect(ctx context.Context, src io.Reader, cfg *Config, mode string, visit visitFunc) (Counts, error) {
	// prepare telemetry capturing
	td := &TelemetryData{Mode: mode}
	defer cfg.TelemetryHook()(ctx, td)
	defer captureDuration(td, now())

	cr, err := NewContainerReader(src, cfg)
	if err != nil {
		return td.Entries, handleError(td, "cannot open container", err)
	}
	defer captureContainer(td, cr)

	cfg.Logger().Info("start pass", "mode", mode)
	ar := NewArchiveReader(cr, cfg)
	for {
		// check if context is canceled
		if err := ctx.Err(); err != nil {
			return td.Entries, handleError(td, "context error", err)
		}

		e, err := ar.Next()
		if errors.Is(err, io.EOF) {
			cfg.Logger().Info("finished pass", "mode", mode, "entries", td.Entries.Total())
			return td.Entries, nil
		}
		if err != nil {
			return td.Entries, handleError(td, fmt.Sprintf("cannot read entry at offset %d", ar.Offset()), err)
		}

		td.Entries.Add(e.Type())
		if err := cfg.CheckMaxFiles(td.Entries.Total()); err != nil {
			return td.Entries, handleError(td, "max files check failed", err)
		}

		if err := visit(e, td); err != nil {
			return td.Entries, err
		}

		if err := e.Skip(); err != nil {
			return td.Entries, handleError(td, fmt.Sprintf("cannot skip data of %q at offset %d", e.Name, e.Offset()), err)
		}
	}
}

// handleError increases the error counter, sets the latest error and
// returns the error with msg as context.
func handleError(td *TelemetryData, msg string, err error) error {
	td.Errors++
	td.LastError = fmt.Errorf("%s: %w", msg, err)
	return td.LastError
}

// isStreamError returns true if err originates from the container or the archive stream.
// Those errors always end a pass.
func isStreamError(err error) bool {
	var (
		formatErr    *FormatError
		truncatedErr *TruncatedStreamError
		corruptErr   *CorruptDataError
		sequenceErr  *SequencingError
	)
	return errors.As(err, &formatErr) ||
		errors.As(err, &truncatedErr) ||
		errors.As(err, &corruptErr) ||
		errors.As(err, &sequenceErr)
}
