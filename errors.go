// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package payload

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrBadMagic is returned when the container does not start with the pbzx magic bytes.
	ErrBadMagic = errors.New("payload: bad magic")

	// ErrBadHeader is returned when an archive entry header cannot be parsed.
	ErrBadHeader = errors.New("payload: malformed header")

	// ErrChunkTooLarge is returned when a chunk declares more bytes than the configured maximum.
	ErrChunkTooLarge = errors.New("payload: chunk exceeds maximum size")

	// ErrNameTooLong is returned when an entry name exceeds the configured maximum.
	ErrNameTooLong = errors.New("payload: entry name exceeds maximum size")

	// ErrChecksum is returned when the data of a crc archive entry does not match its checksum.
	ErrChecksum = errors.New("payload: checksum mismatch")

	// ErrUnknownCodec is returned when the compression of a chunk cannot be identified.
	ErrUnknownCodec = errors.New("payload: unknown chunk compression")

	// ErrLengthMismatch is returned when a decompressed chunk has not the announced size.
	ErrLengthMismatch = errors.New("payload: decompressed length mismatch")

	// ErrMaxFilesExceeded is returned when the maximum number of entries is exceeded.
	ErrMaxFilesExceeded = errors.New("payload: maximum files exceeded")

	// ErrMaxExtractionSizeExceeded is returned when the maximum extraction size is exceeded.
	ErrMaxExtractionSizeExceeded = errors.New("payload: maximum extraction size exceeded")

	// ErrDestinationNotExist is returned when the extraction destination is missing.
	ErrDestinationNotExist = errors.New("payload: destination does not exist")
)

// FormatError reports a container or archive structure that violates the wire format.
type FormatError struct {
	// Offset is the position in the stream where the problem was detected.
	Offset int64

	// Reason is one of the sentinel errors of this package.
	Reason error

	// Detail is an optional human readable context.
	Detail string
}

func (e *FormatError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s at offset %d", e.Reason, e.Offset)
	}
	return fmt.Sprintf("%s at offset %d: %s", e.Reason, e.Offset, e.Detail)
}

func (e *FormatError) Unwrap() error {
	return e.Reason
}

// TruncatedStreamError reports that fewer bytes were available than a structure requires.
type TruncatedStreamError struct {
	Offset int64
	What   string
	Want   int64
	Got    int64
}

func (e *TruncatedStreamError) Error() string {
	return fmt.Sprintf("payload: truncated %s at offset %d: want %d bytes, got %d", e.What, e.Offset, e.Want, e.Got)
}

// Unwrap returns [io.ErrUnexpectedEOF].
func (e *TruncatedStreamError) Unwrap() error {
	return io.ErrUnexpectedEOF
}

// CorruptDataError reports a chunk that could not be decompressed.
type CorruptDataError struct {
	// Chunk is the zero based index of the chunk.
	Chunk int64

	// Offset is the position of the chunk header in the container.
	Offset int64

	Err error
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("payload: corrupt chunk %d at offset %d: %v", e.Chunk, e.Offset, e.Err)
}

func (e *CorruptDataError) Unwrap() error {
	return e.Err
}

// SequencingError reports an attempt to read the next archive header while the
// data of the previous entry has not been consumed.
type SequencingError struct {
	Offset int64
	Name   string
	Left   int64
}

func (e *SequencingError) Error() string {
	return fmt.Sprintf("payload: entry %q not drained (%d bytes left) at offset %d", e.Name, e.Left, e.Offset)
}

// UnsafePathError reports an entry whose name would escape the destination directory.
type UnsafePathError struct {
	Name   string
	Reason string
}

func (e *UnsafePathError) Error() string {
	return fmt.Sprintf("payload: unsafe path %q: %s", e.Name, e.Reason)
}

// IOError reports a filesystem failure while extracting an entry.
type IOError struct {
	Op   string
	Name string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("payload: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// unsupportedFile returns an unsupported file error for name.
func unsupportedFile(name string) error {
	return fmt.Errorf("payload: unsupported file %q", name)
}
