// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package payload

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

// codecStored marks chunks that are written without compression
const codecStored = "stored"

// testEntry describes an entry of a synthetic archive
type testEntry struct {
	name  string
	mode  uint32
	data  []byte
	uid   int
	gid   int
	nlink int
	mtime int64
}

// footprint returns the bytes a newc or crc encoded entry occupies in the stream
func (e testEntry) footprint() int64 {
	nameSize := int64(len(e.name) + 1)
	return 110 + nameSize + pad4(110+nameSize) + int64(len(e.data)) + pad4(int64(len(e.data)))
}

func pad4(n int64) int64 {
	return (4 - n%4) % 4
}

func dirEntry(name string) testEntry {
	return testEntry{name: name, mode: modeDirectory | 0o755, nlink: 2, mtime: 1700000000}
}

func fileEntry(name string, data string) testEntry {
	return testEntry{name: name, mode: modeRegular | 0o644, data: []byte(data), nlink: 1, mtime: 1700000000}
}

func symlinkEntry(name string, target string) testEntry {
	return testEntry{name: name, mode: modeSymlink | 0o755, data: []byte(target), nlink: 1, mtime: 1700000000}
}

func deviceEntry(name string) testEntry {
	return testEntry{name: name, mode: modeChar | 0o600, nlink: 1, mtime: 1700000000}
}

// newcArchive encodes entries as newc archive including the trailer
func newcArchive(entries ...testEntry) []byte {
	return svr4Archive("070701", entries...)
}

// crcArchive encodes entries as crc archive including the trailer
func crcArchive(entries ...testEntry) []byte {
	return svr4Archive("070702", entries...)
}

func svr4Archive(magic string, entries ...testEntry) []byte {
	var buf bytes.Buffer
	write := func(e testEntry) {
		var sum uint32
		if magic == "070702" {
			for _, b := range e.data {
				sum += uint32(b)
			}
		}
		nameSize := len(e.name) + 1
		fmt.Fprintf(&buf, "%s%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X",
			magic, 1, e.mode, e.uid, e.gid, e.nlink, e.mtime, len(e.data), 0, 0, 0, 0, nameSize, sum)
		buf.WriteString(e.name)
		buf.WriteByte(0)
		buf.Write(make([]byte, pad4(int64(buf.Len()))))
		buf.Write(e.data)
		buf.Write(make([]byte, pad4(int64(buf.Len()))))
	}
	for _, e := range entries {
		write(e)
	}
	write(testEntry{name: trailerName, nlink: 1})
	return buf.Bytes()
}

// odcArchive encodes entries as odc archive including the trailer
func odcArchive(entries ...testEntry) []byte {
	var buf bytes.Buffer
	write := func(e testEntry) {
		fmt.Fprintf(&buf, "070707%06o%06o%06o%06o%06o%06o%06o%011o%06o%011o",
			0, 1, e.mode, e.uid, e.gid, e.nlink, 0, e.mtime, len(e.name)+1, len(e.data))
		buf.WriteString(e.name)
		buf.WriteByte(0)
		buf.Write(e.data)
	}
	for _, e := range entries {
		write(e)
	}
	write(testEntry{name: trailerName, nlink: 1})
	return buf.Bytes()
}

// compressChunk compresses data with codec
func compressChunk(t testing.TB, codec string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch codec {
	case CodecXz:
		w, err := xz.NewWriter(&buf)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case CodecZstd:
		w, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case CodecLZ4:
		w := lz4.NewWriter(&buf)
		_, err := w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case CodecBzip2:
		w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: 9})
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case CodecZlib:
		w := zlib.NewWriter(&buf)
		_, err := w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case CodecSnappy:
		w := snappy.NewBufferedWriter(&buf)
		_, err := w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	default:
		t.Fatalf("unknown codec %q", codec)
	}
	return buf.Bytes()
}

// testChunk is a raw chunk record of a synthetic container
type testChunk struct {
	uncompressed uint64
	payload      []byte
}

// chunkOf encodes data as chunk with codec, codecStored writes the data as it is
func chunkOf(t testing.TB, codec string, data []byte) testChunk {
	t.Helper()
	if codec == codecStored {
		return testChunk{uncompressed: uint64(len(data)), payload: data}
	}
	compressed := compressChunk(t, codec, data)
	require.NotEqual(t, len(data), len(compressed), "compressed size must differ from stored size")
	return testChunk{uncompressed: uint64(len(data)), payload: compressed}
}

// rawContainer encodes the container header and chunks verbatim
func rawContainer(flags uint64, chunks ...testChunk) []byte {
	var buf bytes.Buffer
	buf.Write(magicBytesPbzx)
	binary.Write(&buf, binary.BigEndian, flags)
	for _, c := range chunks {
		binary.Write(&buf, binary.BigEndian, c.uncompressed)
		binary.Write(&buf, binary.BigEndian, uint64(len(c.payload)))
		buf.Write(c.payload)
	}
	return buf.Bytes()
}

// buildContainer splits data into chunks of chunkSize bytes and encodes them
// with the codecs in turn
func buildContainer(t testing.TB, data []byte, chunkSize int, codecs ...string) []byte {
	t.Helper()
	if len(codecs) == 0 {
		codecs = []string{codecStored}
	}
	var chunks []testChunk
	for i := 0; len(data) > 0; i++ {
		n := min(chunkSize, len(data))
		chunks = append(chunks, chunkOf(t, codecs[i%len(codecs)], data[:n]))
		data = data[n:]
	}
	return rawContainer(1<<24, chunks...)
}

// testPayload wraps entries as newc archive into an xz compressed container
func testPayload(t testing.TB, entries ...testEntry) []byte {
	t.Helper()
	return buildContainer(t, newcArchive(entries...), 1<<16, CodecXz)
}
