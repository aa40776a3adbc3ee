// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package payload

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Decompressor decompresses the payload of a single container chunk.
//
// Decompress must return exactly expectedLength bytes or an error. The
// container reader reports any error as a [CorruptDataError].
type Decompressor interface {
	Decompress(compressed []byte, expectedLength int) ([]byte, error)
}

// DecompressorFunc is an adapter to allow the use of ordinary functions as [Decompressor].
type DecompressorFunc func(compressed []byte, expectedLength int) ([]byte, error)

// Decompress calls f(compressed, expectedLength).
func (f DecompressorFunc) Decompress(compressed []byte, expectedLength int) ([]byte, error) {
	return f(compressed, expectedLength)
}

// defaultDecompressor detects the codec of every chunk by its magic bytes.
var defaultDecompressor Decompressor = DecompressorFunc(DecompressChunk)

// decompressionFunc returns an io.Reader that decompresses src
type decompressionFunc func(io.Reader) (io.Reader, error)

// chunkCodec describes a compression format that may be used for a chunk
type chunkCodec struct {
	Name       string
	MagicBytes [][]byte
	Decompress decompressionFunc
}

// Codec names reported by [DetectCodec].
const (
	CodecBzip2  = "bzip2"
	CodecLZ4    = "lz4"
	CodecSnappy = "snappy"
	CodecXz     = "xz"
	CodecZlib   = "zlib"
	CodecZstd   = "zstd"
)

// availableCodecs is the list of chunk codecs, ordered by how common they are in payloads.
var availableCodecs = []chunkCodec{
	{
		// reference https://tukaani.org/xz/xz-file-format-1.0.4.txt
		Name:       CodecXz,
		MagicBytes: [][]byte{{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}},
		Decompress: decompressXzStream,
	},
	{
		Name:       CodecZstd,
		MagicBytes: [][]byte{{0x28, 0xb5, 0x2f, 0xfd}},
		Decompress: decompressZstdStream,
	},
	{
		Name:       CodecLZ4,
		MagicBytes: [][]byte{{0x04, 0x22, 0x4D, 0x18}},
		Decompress: decompressLZ4Stream,
	},
	{
		Name: CodecBzip2,
		MagicBytes: [][]byte{
			[]byte("BZh1"), []byte("BZh2"), []byte("BZh3"),
			[]byte("BZh4"), []byte("BZh5"), []byte("BZh6"),
			[]byte("BZh7"), []byte("BZh8"), []byte("BZh9"),
		},
		Decompress: decompressBzip2Stream,
	},
	{
		// reference https://www.rfc-editor.org/rfc/rfc1950.html
		Name: CodecZlib,
		MagicBytes: [][]byte{
			{0x78, 0x01}, {0x78, 0x5e}, {0x78, 0x9c}, {0x78, 0xda},
		},
		Decompress: decompressZlibStream,
	},
	{
		Name:       CodecSnappy,
		MagicBytes: [][]byte{append([]byte{0xff, 0x06, 0x00, 0x00}, []byte("sNaPpY")...)},
		Decompress: decompressSnappyStream,
	},
}

// matchesMagicBytes checks if data starts at offset with one of magicBytes
func matchesMagicBytes(data []byte, offset int, magicBytes [][]byte) bool {
	// check all possible magic bytes until match is found
	for _, mb := range magicBytes {
		// check if header is long enough
		if offset+len(mb) > len(data) {
			continue
		}

		// check for byte match
		if bytes.Equal(mb, data[offset:offset+len(mb)]) {
			return true
		}
	}

	// no match found
	return false
}

// findCodec returns the codec matching the magic bytes of data
func findCodec(data []byte) *chunkCodec {
	for i := range availableCodecs {
		if matchesMagicBytes(data, 0, availableCodecs[i].MagicBytes) {
			return &availableCodecs[i]
		}
	}
	return nil
}

// DetectCodec returns the name of the codec used for compressed, or an empty
// string if the codec is unknown.
func DetectCodec(compressed []byte) string {
	if c := findCodec(compressed); c != nil {
		return c.Name
	}
	return ""
}

// DecompressChunk detects the codec of compressed and returns exactly
// expectedLength decompressed bytes. Decompressed data longer or shorter than
// expectedLength results in [ErrLengthMismatch].
func DecompressChunk(compressed []byte, expectedLength int) ([]byte, error) {
	codec := findCodec(compressed)
	if codec == nil {
		return nil, ErrUnknownCodec
	}

	r, err := codec.Decompress(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("cannot start %s decompression: %w", codec.Name, err)
	}
	defer closeStream(r)

	out := make([]byte, expectedLength)
	if n, err := io.ReadFull(r, out); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %s chunk has %d bytes, want %d", ErrLengthMismatch, codec.Name, n, expectedLength)
		}
		return nil, fmt.Errorf("%s: %w", codec.Name, err)
	}

	// reading past the announced size validates the stream footer
	var extra [1]byte
	switch _, err := io.ReadFull(r, extra[:]); {
	case err == nil:
		return nil, fmt.Errorf("%w: %s chunk exceeds %d bytes", ErrLengthMismatch, codec.Name, expectedLength)
	case !errors.Is(err, io.EOF):
		return nil, fmt.Errorf("%s: %w", codec.Name, err)
	}

	return out, nil
}

// closeStream releases decoder resources, if the decoder holds any
func closeStream(r io.Reader) {
	switch c := r.(type) {
	case io.Closer:
		c.Close()
	case interface{ Close() }:
		c.Close()
	}
}

// decompressXzStream returns an io.Reader that decompresses src with xz algorithm
func decompressXzStream(src io.Reader) (io.Reader, error) {
	return xz.NewReader(src)
}

// decompressZstdStream returns an io.Reader that decompresses src with zstd algorithm
func decompressZstdStream(src io.Reader) (io.Reader, error) {
	return zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
}

// decompressLZ4Stream returns an io.Reader that decompresses src with lz4 algorithm
func decompressLZ4Stream(src io.Reader) (io.Reader, error) {
	return lz4.NewReader(src), nil
}

// decompressBzip2Stream returns an io.Reader that decompresses src with bzip2 algorithm
func decompressBzip2Stream(src io.Reader) (io.Reader, error) {
	return bzip2.NewReader(src, nil)
}

// decompressZlibStream returns an io.Reader that decompresses src with zlib algorithm
func decompressZlibStream(src io.Reader) (io.Reader, error) {
	return zlib.NewReader(src)
}

// decompressSnappyStream returns an io.Reader that decompresses src with framed snappy algorithm
func decompressSnappyStream(src io.Reader) (io.Reader, error) {
	return snappy.NewReader(src), nil
}
