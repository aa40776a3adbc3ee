// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package payload

import (
	"bytes"
	"io"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []testEntry {
	return []testEntry{
		dirEntry("a"),
		fileEntry("a/b.txt", "hi"),
		fileEntry("a/aligned.bin", "1234"),
		symlinkEntry("a/link", "b.txt"),
		deviceEntry("dev/null"),
		{name: "a/owned", mode: modeRegular | 0o4750, data: []byte("setuid"), uid: 501, gid: 20, nlink: 1, mtime: 1234567890},
	}
}

func TestArchiveReaderNewc(t *testing.T) {
	entries := sampleEntries()
	ar := NewArchiveReader(bytes.NewReader(newcArchive(entries...)), nil)

	var offset int64
	for _, want := range entries {
		e, err := ar.Next()
		require.NoError(t, err)

		assert.Equal(t, want.name, e.Name)
		assert.Equal(t, want.mode, e.Mode)
		assert.Equal(t, want.uid, e.UID)
		assert.Equal(t, want.gid, e.GID)
		assert.Equal(t, want.nlink, e.NLink)
		assert.Equal(t, time.Unix(want.mtime, 0), e.ModTime)
		assert.Equal(t, int64(len(want.data)), e.Size)
		assert.Equal(t, FormatNewc, e.Format)
		assert.Equal(t, offset, e.Offset())

		data, err := io.ReadAll(e)
		require.NoError(t, err)
		assert.Equal(t, string(want.data), string(data))

		// the cursor lands exactly on the next header boundary
		offset += want.footprint()
		assert.Equal(t, offset, ar.Offset(), "entry %s", want.name)
	}

	_, err := ar.Next()
	require.ErrorIs(t, err, io.EOF)
	offset += testEntry{name: trailerName}.footprint()
	assert.Equal(t, offset, ar.Offset())

	// end of archive is final
	_, err = ar.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestArchiveReaderEntryTypes(t *testing.T) {
	ar := NewArchiveReader(bytes.NewReader(newcArchive(sampleEntries()...)), nil)

	var got []EntryType
	for {
		e, err := ar.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NoError(t, e.Skip())
		got = append(got, e.Type())
	}

	want := []EntryType{TypeDirectory, TypeRegular, TypeRegular, TypeSymlink, TypeOther, TypeRegular}
	assert.Equal(t, want, got)
}

func TestArchiveReaderStopsAtTrailer(t *testing.T) {
	archive := newcArchive(fileEntry("file", "data"))
	src := bytes.NewReader(append(archive, make([]byte, 512)...))
	ar := NewArchiveReader(src, nil)

	e, err := ar.Next()
	require.NoError(t, err)
	require.NoError(t, e.Skip())

	_, err = ar.Next()
	require.ErrorIs(t, err, io.EOF)

	// the block padding after the trailer is never read
	assert.Equal(t, int64(len(archive)), ar.Offset())
	assert.Equal(t, 512, src.Len())
}

func TestArchiveReaderCRC(t *testing.T) {
	entries := []testEntry{fileEntry("hello", "hello world"), fileEntry("empty", "")}

	t.Run("valid checksum", func(t *testing.T) {
		ar := NewArchiveReader(bytes.NewReader(crcArchive(entries...)), nil)
		for _, want := range entries {
			e, err := ar.Next()
			require.NoError(t, err)
			assert.Equal(t, FormatCRC, e.Format)
			data, err := io.ReadAll(e)
			require.NoError(t, err)
			assert.Equal(t, string(want.data), string(data))
		}
		_, err := ar.Next()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		archive := crcArchive(entries...)
		i := bytes.Index(archive, []byte("hello world"))
		require.Positive(t, i)
		archive[i] = 'j'

		ar := NewArchiveReader(bytes.NewReader(archive), nil)
		e, err := ar.Next()
		require.NoError(t, err)

		_, err = io.ReadAll(e)
		var formatErr *FormatError
		require.ErrorAs(t, err, &formatErr)
		assert.ErrorIs(t, err, ErrChecksum)

		// the archive cannot be read any further
		_, err = ar.Next()
		assert.ErrorIs(t, err, ErrChecksum)
	})

	t.Run("checksum mismatch on skip", func(t *testing.T) {
		archive := crcArchive(entries...)
		i := bytes.Index(archive, []byte("hello world"))
		archive[i+1] = 'a'

		ar := NewArchiveReader(bytes.NewReader(archive), nil)
		e, err := ar.Next()
		require.NoError(t, err)
		assert.ErrorIs(t, e.Skip(), ErrChecksum)
	})
}

func TestArchiveReaderOdc(t *testing.T) {
	entries := sampleEntries()
	ar := NewArchiveReader(bytes.NewReader(odcArchive(entries...)), nil)

	var offset int64
	for _, want := range entries {
		e, err := ar.Next()
		require.NoError(t, err)
		assert.Equal(t, FormatOdc, e.Format)
		assert.Equal(t, want.name, e.Name)
		assert.Equal(t, want.mode, e.Mode)
		assert.Equal(t, offset, e.Offset())

		data, err := io.ReadAll(e)
		require.NoError(t, err)
		assert.Equal(t, string(want.data), string(data))

		// no padding between header, name and data
		offset += int64(76 + len(want.name) + 1 + len(want.data))
		assert.Equal(t, offset, ar.Offset())
	}

	_, err := ar.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestArchiveReaderSequencing(t *testing.T) {
	ar := NewArchiveReader(bytes.NewReader(newcArchive(fileEntry("big", "0123456789"), fileEntry("next", "x"))), nil)

	e, err := ar.Next()
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(e, buf)
	require.NoError(t, err)
	assert.Equal(t, int64(6), e.Remaining())

	_, err = ar.Next()
	var seqErr *SequencingError
	require.ErrorAs(t, err, &seqErr)
	assert.Equal(t, "big", seqErr.Name)
	assert.Equal(t, int64(6), seqErr.Left)

	// draining the entry recovers the reader
	require.NoError(t, e.Skip())
	next, err := ar.Next()
	require.NoError(t, err)
	assert.Equal(t, "next", next.Name)
}

func TestArchiveReaderTruncated(t *testing.T) {
	archive := newcArchive(fileEntry("file", "some data"))
	trailer := testEntry{name: trailerName}.footprint()

	tests := []struct {
		name string
		size int
		what string
	}{
		{name: "missing trailer", size: len(archive) - int(trailer), what: "archive header"},
		{name: "short header", size: 50, what: "archive header"},
		{name: "short name", size: 112, what: "entry name"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ar := NewArchiveReader(bytes.NewReader(archive[:tc.size]), nil)
			var err error
			for err == nil {
				var e *Entry
				if e, err = ar.Next(); err == nil {
					err = e.Skip()
				}
			}

			var truncated *TruncatedStreamError
			require.ErrorAs(t, err, &truncated)
			assert.Equal(t, tc.what, truncated.What)
		})
	}

	t.Run("short data", func(t *testing.T) {
		ar := NewArchiveReader(bytes.NewReader(archive[:120]), nil)
		e, err := ar.Next()
		require.NoError(t, err)

		_, err = io.ReadAll(e)
		var truncated *TruncatedStreamError
		require.ErrorAs(t, err, &truncated)
		assert.Equal(t, int64(len("some data")), truncated.Want)
	})
}

func TestArchiveReaderMalformedHeader(t *testing.T) {
	valid := newcArchive(fileEntry("file", "data"))

	// non hex character in the mode field
	nonHex := bytes.Clone(valid)
	nonHex[14] = 'G'

	// zero name size
	zeroName := bytes.Clone(valid)
	copy(zeroName[94:102], "00000000")

	tests := []struct {
		name    string
		archive []byte
	}{
		{name: "unknown magic", archive: append([]byte("070799"), valid[6:]...)},
		{name: "tar header", archive: bytes.Repeat([]byte{0}, 512)},
		{name: "non hex field", archive: nonHex},
		{name: "empty name", archive: zeroName},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ar := NewArchiveReader(bytes.NewReader(tc.archive), nil)
			_, err := ar.Next()

			var formatErr *FormatError
			require.ErrorAs(t, err, &formatErr)
			assert.ErrorIs(t, err, ErrBadHeader)
			assert.Equal(t, int64(0), formatErr.Offset)
		})
	}
}

func TestArchiveReaderNameTooLong(t *testing.T) {
	archive := newcArchive(fileEntry("a-rather-long-name", "data"))
	ar := NewArchiveReader(bytes.NewReader(archive), NewConfig(WithMaxNameSize(8)))

	_, err := ar.Next()
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestEntryReadLink(t *testing.T) {
	archive := newcArchive(symlinkEntry("link", "../target/file"), fileEntry("after", "ok"))
	ar := NewArchiveReader(bytes.NewReader(archive), nil)

	e, err := ar.Next()
	require.NoError(t, err)
	require.Equal(t, TypeSymlink, e.Type())

	target, err := e.ReadLink()
	require.NoError(t, err)
	assert.Equal(t, "../target/file", target)

	next, err := ar.Next()
	require.NoError(t, err)
	assert.Equal(t, "after", next.Name)
}

func TestEntryPerm(t *testing.T) {
	tests := []struct {
		mode uint32
		want fs.FileMode
	}{
		{mode: modeRegular | 0o644, want: 0o644},
		{mode: modeDirectory | 0o755, want: 0o755},
		{mode: modeRegular | 0o4755, want: fs.ModeSetuid | 0o755},
		{mode: modeRegular | 0o2755, want: fs.ModeSetgid | 0o755},
		{mode: modeDirectory | 0o1777, want: fs.ModeSticky | 0o777},
	}

	for _, tc := range tests {
		e := &Entry{Mode: tc.mode}
		assert.Equal(t, tc.want, e.Perm(), "mode %o", tc.mode)
	}
}
