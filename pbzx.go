// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package payload

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// magicBytesPbzx are the first bytes of every payload container.
var magicBytesPbzx = []byte("pbzx")

const (
	// containerHeaderSize is the size of the magic plus the flags field
	containerHeaderSize = 12

	// chunkHeaderSize is the size of the uncompressed and compressed length fields
	chunkHeaderSize = 16
)

// IsPayload checks if the header matches the pbzx magic bytes.
func IsPayload(header []byte) bool {
	return matchesMagicBytes(header, 0, [][]byte{magicBytesPbzx})
}

// ContainerReader reads the chunks of a pbzx container in order and exposes their
// decompressed concatenation as a forward-only [io.Reader].
//
// The first error is sticky: every later call returns it again.
type ContainerReader struct {
	src *limitErrorReader
	cfg *Config

	flags uint64

	// buf holds the not yet consumed bytes of the current chunk
	buf []byte

	chunks       int64
	decompressed int64
	err          error
}

// NewContainerReader validates the container header of src and returns a reader
// positioned at the first chunk. A wrong magic fails with a [FormatError] before
// anything else is read from src.
func NewContainerReader(src io.Reader, cfg *Config) (*ContainerReader, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	c := &ContainerReader{
		src: newLimitErrorReader(src, cfg.MaxInputSize()),
		cfg: cfg,
	}

	// check magic before touching the rest of the header
	magic := make([]byte, len(magicBytesPbzx))
	if err := c.readFull(magic, "container magic"); err != nil {
		return nil, err
	}
	if !IsPayload(magic) {
		return nil, &FormatError{Offset: 0, Reason: ErrBadMagic, Detail: fmt.Sprintf("got %q", magic)}
	}

	var flags [8]byte
	if err := c.readFull(flags[:], "container flags"); err != nil {
		return nil, err
	}
	c.flags = binary.BigEndian.Uint64(flags[:])
	cfg.Logger().Debug("opened container", "flags", fmt.Sprintf("%#x", c.flags))

	return c, nil
}

// readFull reads len(p) bytes from the source and reports short reads as [TruncatedStreamError].
func (c *ContainerReader) readFull(p []byte, what string) error {
	offset := c.src.N
	n, err := io.ReadFull(c.src, p)
	if err == nil {
		return nil
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &TruncatedStreamError{Offset: offset, What: what, Want: int64(len(p)), Got: int64(n)}
	}
	return fmt.Errorf("cannot read %s at offset %d: %w", what, offset, err)
}

// Flags returns the flags field of the container header.
func (c *ContainerReader) Flags() uint64 {
	return c.flags
}

// Chunks returns the number of chunks read so far.
func (c *ContainerReader) Chunks() int64 {
	return c.chunks
}

// InputSize returns the number of bytes consumed from the source.
func (c *ContainerReader) InputSize() int64 {
	return c.src.N
}

// DecompressedSize returns the number of decompressed bytes produced so far.
func (c *ContainerReader) DecompressedSize() int64 {
	return c.decompressed
}

// Next reads the next chunk and returns its decompressed bytes. It returns
// [io.EOF] when the container ends cleanly on a chunk boundary.
//
// Next and Read share the same position. Bytes returned by Next are not
// returned by Read.
func (c *ContainerReader) Next() ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	b, err := c.next()
	if err != nil {
		c.err = err
		return nil, err
	}
	return b, nil
}

func (c *ContainerReader) next() ([]byte, error) {
	offset := c.src.N

	// read chunk header, a clean EOF ends the container
	var hdr [chunkHeaderSize]byte
	n, err := io.ReadFull(c.src, hdr[:])
	switch {
	case err == io.EOF:
		return nil, io.EOF
	case err == io.ErrUnexpectedEOF:
		return nil, &TruncatedStreamError{Offset: offset, What: "chunk header", Want: chunkHeaderSize, Got: int64(n)}
	case err != nil:
		return nil, fmt.Errorf("cannot read chunk header at offset %d: %w", offset, err)
	}
	uncompressedLength := binary.BigEndian.Uint64(hdr[0:8])
	compressedLength := binary.BigEndian.Uint64(hdr[8:16])

	// check declared sizes before allocating
	limit := uint64(math.MaxInt32)
	if max := c.cfg.MaxChunkSize(); max >= 0 && uint64(max) < limit {
		limit = uint64(max)
	}
	if uncompressedLength > limit || compressedLength > limit {
		return nil, &FormatError{
			Offset: offset,
			Reason: ErrChunkTooLarge,
			Detail: fmt.Sprintf("uncompressed %d, compressed %d, limit %d", uncompressedLength, compressedLength, limit),
		}
	}

	data := make([]byte, compressedLength)
	if err := c.readFull(data, "chunk payload"); err != nil {
		return nil, err
	}

	index := c.chunks
	c.chunks++

	// equal lengths mark a chunk stored without compression
	if compressedLength == uncompressedLength {
		c.cfg.Logger().Debug("read stored chunk", "chunk", index, "offset", offset, "size", uncompressedLength)
		c.decompressed += int64(len(data))
		return data, nil
	}

	out, err := c.cfg.Decompressor().Decompress(data, int(uncompressedLength))
	if err != nil {
		return nil, &CorruptDataError{Chunk: index, Offset: offset, Err: err}
	}
	if uint64(len(out)) != uncompressedLength {
		return nil, &CorruptDataError{
			Chunk:  index,
			Offset: offset,
			Err:    fmt.Errorf("%w: got %d bytes, want %d", ErrLengthMismatch, len(out), uncompressedLength),
		}
	}
	c.cfg.Logger().Debug("read compressed chunk", "chunk", index, "offset", offset, "codec", DetectCodec(data), "compressed", compressedLength, "size", uncompressedLength)
	c.decompressed += int64(len(out))
	return out, nil
}

// Read reads decompressed bytes into p. It returns [io.EOF] after the last chunk.
func (c *ContainerReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(c.buf) == 0 {
		b, err := c.Next()
		if err != nil {
			return 0, err
		}
		c.buf = b
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}
