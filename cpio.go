// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package payload

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"
	"time"
)

// trailerName is the name of the entry that terminates an archive.
const trailerName = "TRAILER!!!"

// Format is the header encoding of an archive entry.
type Format int

const (
	// FormatNewc is the SVR4 "new character" format with hex encoded fields.
	FormatNewc Format = iota

	// FormatCRC is [FormatNewc] with a checksum over the entry data.
	FormatCRC

	// FormatOdc is the POSIX "old character" format with octal encoded fields.
	FormatOdc
)

// archiveFormat holds the wire layout of a header format.
type archiveFormat struct {
	magic      string
	headerSize int
	alignment  int64
}

var archiveFormats = map[Format]archiveFormat{
	FormatNewc: {magic: "070701", headerSize: 110, alignment: 4},
	FormatCRC:  {magic: "070702", headerSize: 110, alignment: 4},
	FormatOdc:  {magic: "070707", headerSize: 76, alignment: 1},
}

// magicSize is the length of the magic of all header formats
const magicSize = 6

// String returns the common name of the format.
func (f Format) String() string {
	switch f {
	case FormatNewc:
		return "newc"
	case FormatCRC:
		return "crc"
	case FormatOdc:
		return "odc"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// EntryType is the kind of an archive entry, derived from its mode bits.
type EntryType int

const (
	TypeOther EntryType = iota
	TypeDirectory
	TypeRegular
	TypeSymlink
)

// mode type bits as stored in the archive
const (
	modeTypeMask  = 0o170000
	modeSocket    = 0o140000
	modeSymlink   = 0o120000
	modeRegular   = 0o100000
	modeBlock     = 0o060000
	modeDirectory = 0o040000
	modeChar      = 0o020000
	modeFifo      = 0o010000
	modeSetuid    = 0o4000
	modeSetgid    = 0o2000
	modeSticky    = 0o1000
)

// String returns a short name of the entry type.
func (t EntryType) String() string {
	switch t {
	case TypeDirectory:
		return "dir"
	case TypeRegular:
		return "file"
	case TypeSymlink:
		return "link"
	}
	return "other"
}

// entryType derives the entry type from the mode bits.
func entryType(mode uint32) EntryType {
	switch mode & modeTypeMask {
	case modeDirectory:
		return TypeDirectory
	case modeRegular:
		return TypeRegular
	case modeSymlink:
		return TypeSymlink
	}
	return TypeOther
}

// Entry is a single member of the archive. The entry data is read through
// the entry itself and is limited to exactly Size bytes.
//
// An entry is only valid until the next call of [ArchiveReader.Next], which
// requires the data to be drained by reading it to the end or calling [Entry.Skip].
type Entry struct {
	Name      string
	Inode     uint64
	Mode      uint32
	UID       int
	GID       int
	NLink     int
	ModTime   time.Time
	Size      int64
	DevMajor  uint32
	DevMinor  uint32
	RDevMajor uint32
	RDevMinor uint32
	Checksum  uint32
	Format    Format

	ar        *ArchiveReader
	typ       EntryType
	offset    int64
	remaining int64
	sum       uint32
	finished  bool
	finishErr error
}

// Type returns the type of the entry.
func (e *Entry) Type() EntryType {
	return e.typ
}

// Offset returns the position of the entry header in the archive stream.
func (e *Entry) Offset() int64 {
	return e.offset
}

// Remaining returns the number of data bytes not read yet.
func (e *Entry) Remaining() int64 {
	return e.remaining
}

// Perm returns the permission bits of the entry including setuid, setgid and sticky.
func (e *Entry) Perm() fs.FileMode {
	mode := fs.FileMode(e.Mode & 0o777)
	if e.Mode&modeSetuid != 0 {
		mode |= fs.ModeSetuid
	}
	if e.Mode&modeSetgid != 0 {
		mode |= fs.ModeSetgid
	}
	if e.Mode&modeSticky != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

// Read reads the entry data. It returns [io.EOF] after Size bytes, at which
// point the data padding has been consumed as well.
func (e *Entry) Read(p []byte) (int, error) {
	if e.remaining <= 0 {
		if err := e.finish(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	if int64(len(p)) > e.remaining {
		p = p[:e.remaining]
	}

	n, err := e.ar.read(p)
	e.remaining -= int64(n)
	if e.Format == FormatCRC {
		for _, b := range p[:n] {
			e.sum += uint32(b)
		}
	}

	switch {
	case e.remaining == 0:
		if ferr := e.finish(); ferr != nil {
			return n, ferr
		}
		return n, nil
	case err != nil:
		if errors.Is(err, io.EOF) {
			err = &TruncatedStreamError{Offset: e.ar.offset, What: fmt.Sprintf("data of %q", e.Name), Want: e.Size, Got: e.Size - e.remaining}
		}
		e.ar.err = err
		return n, err
	}
	return n, nil
}

// Skip discards the remaining data of the entry.
func (e *Entry) Skip() error {
	if _, err := io.Copy(io.Discard, e); err != nil {
		return err
	}
	return e.finish()
}

// ReadLink reads the complete data of a symlink entry as link target.
func (e *Entry) ReadLink() (string, error) {
	if e.Size > e.ar.cfg.MaxNameSize() {
		return "", &FormatError{Offset: e.offset, Reason: ErrNameTooLong, Detail: fmt.Sprintf("link target of %q has %d bytes", e.Name, e.Size)}
	}
	b, err := io.ReadAll(e)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\x00"), nil
}

// finish verifies the checksum and consumes the data padding once the data
// has been read completely.
func (e *Entry) finish() error {
	if e.finished {
		return e.finishErr
	}
	e.finished = true

	if e.Format == FormatCRC && e.sum != e.Checksum {
		e.finishErr = &FormatError{
			Offset: e.offset,
			Reason: ErrChecksum,
			Detail: fmt.Sprintf("%q: got %#08x, want %#08x", e.Name, e.sum, e.Checksum),
		}
		e.ar.err = e.finishErr
		return e.finishErr
	}

	if err := e.ar.pad(fmt.Sprintf("data padding of %q", e.Name)); err != nil {
		e.finishErr = err
		return err
	}
	return nil
}

// ArchiveReader reads the entries of a cpio archive from a forward-only stream.
//
// The sequence of entries can only be read once. Errors of the stream are sticky.
type ArchiveReader struct {
	r      io.Reader
	cfg    *Config
	align  int64
	offset int64
	cur    *Entry
	done   bool
	err    error
}

// NewArchiveReader returns a reader for the archive in r. The first header
// must start at the current position of r.
func NewArchiveReader(r io.Reader, cfg *Config) *ArchiveReader {
	if cfg == nil {
		cfg = NewConfig()
	}
	return &ArchiveReader{r: r, cfg: cfg, align: 1}
}

// Offset returns the number of bytes consumed from the stream.
func (ar *ArchiveReader) Offset() int64 {
	return ar.offset
}

// read reads from the stream and advances the cursor
func (ar *ArchiveReader) read(p []byte) (int, error) {
	n, err := ar.r.Read(p)
	ar.offset += int64(n)
	return n, err
}

// readFull reads exactly len(p) bytes and reports short reads as [TruncatedStreamError]
func (ar *ArchiveReader) readFull(p []byte, what string) error {
	offset := ar.offset
	n, err := io.ReadFull(readerFunc(ar.read), p)
	if err == nil {
		return nil
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = &TruncatedStreamError{Offset: offset, What: what, Want: int64(len(p)), Got: int64(n)}
	} else {
		err = fmt.Errorf("cannot read %s at offset %d: %w", what, offset, err)
	}
	ar.err = err
	return err
}

// pad skips bytes until the cursor is aligned for the current format
func (ar *ArchiveReader) pad(what string) error {
	n := (ar.align - ar.offset%ar.align) % ar.align
	if n == 0 {
		return nil
	}
	var buf [4]byte
	return ar.readFull(buf[:n], what)
}

// readerFunc is an adapter to use a read function as io.Reader
type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) {
	return f(p)
}

// Next returns the next entry of the archive. It returns [io.EOF] after the
// trailer entry has been read. The data of the previous entry must have been
// drained, otherwise a [SequencingError] is returned.
func (ar *ArchiveReader) Next() (*Entry, error) {
	if ar.err != nil {
		return nil, ar.err
	}
	if ar.done {
		return nil, io.EOF
	}

	// check the previous entry left the cursor on a header boundary
	if cur := ar.cur; cur != nil {
		if cur.remaining > 0 {
			return nil, &SequencingError{Offset: ar.offset, Name: cur.Name, Left: cur.remaining}
		}
		if err := cur.finish(); err != nil {
			return nil, err
		}
		ar.cur = nil
	}

	e, err := ar.readHeader()
	if err != nil {
		return nil, err
	}
	if e == nil {
		ar.done = true
		ar.cfg.Logger().Debug("reached archive trailer", "offset", ar.offset)
		return nil, io.EOF
	}
	ar.cur = e

	// zero sized entries are drained right away
	if e.remaining == 0 {
		if err := e.finish(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// readHeader parses the header and name of the next entry. It returns a nil
// entry for the trailer.
func (ar *ArchiveReader) readHeader() (*Entry, error) {
	start := ar.offset

	magic := make([]byte, magicSize)
	if err := ar.readFull(magic, "archive header"); err != nil {
		return nil, err
	}

	var (
		format Format
		layout archiveFormat
		found  bool
	)
	for f, l := range archiveFormats {
		if string(magic) == l.magic {
			format, layout, found = f, l, true
			break
		}
	}
	if !found {
		ar.err = &FormatError{Offset: start, Reason: ErrBadHeader, Detail: fmt.Sprintf("unknown magic %q", magic)}
		return nil, ar.err
	}
	ar.align = layout.alignment

	raw := make([]byte, layout.headerSize-magicSize)
	if err := ar.readFull(raw, "archive header"); err != nil {
		return nil, err
	}

	e := &Entry{ar: ar, offset: start, Format: format}
	var (
		nameSize uint64
		err      error
	)
	if format == FormatOdc {
		nameSize, err = parseOdcHeader(e, raw)
	} else {
		nameSize, err = parseNewcHeader(e, raw)
	}
	if err != nil {
		ar.err = &FormatError{Offset: start, Reason: ErrBadHeader, Detail: err.Error()}
		return nil, ar.err
	}

	// read name, it is terminated by a NUL byte
	if nameSize == 0 {
		ar.err = &FormatError{Offset: start, Reason: ErrBadHeader, Detail: "empty name"}
		return nil, ar.err
	}
	if int64(nameSize) > ar.cfg.MaxNameSize() {
		ar.err = &FormatError{Offset: start, Reason: ErrNameTooLong, Detail: fmt.Sprintf("%d bytes", nameSize)}
		return nil, ar.err
	}
	name := make([]byte, nameSize)
	if err := ar.readFull(name, "entry name"); err != nil {
		return nil, err
	}
	e.Name = strings.TrimRight(string(name), "\x00")
	if err := ar.pad("name padding"); err != nil {
		return nil, err
	}

	if e.Name == trailerName {
		return nil, nil
	}

	e.typ = entryType(e.Mode)
	e.remaining = e.Size
	return e, nil
}

// newcFields is the number of 8 character hex fields after the magic
const newcFields = 13

// parseNewcHeader decodes the hex fields of a newc or crc header into e and returns the name size.
func parseNewcHeader(e *Entry, raw []byte) (uint64, error) {
	var v [newcFields]uint64
	for i := range v {
		field := raw[i*8 : (i+1)*8]
		n, err := strconv.ParseUint(string(field), 16, 32)
		if err != nil {
			return 0, fmt.Errorf("field %d is not hex: %q", i, field)
		}
		v[i] = n
	}

	e.Inode = v[0]
	e.Mode = uint32(v[1])
	e.UID = int(v[2])
	e.GID = int(v[3])
	e.NLink = int(v[4])
	e.ModTime = time.Unix(int64(v[5]), 0)
	e.Size = int64(v[6])
	e.DevMajor = uint32(v[7])
	e.DevMinor = uint32(v[8])
	e.RDevMajor = uint32(v[9])
	e.RDevMinor = uint32(v[10])
	e.Checksum = uint32(v[12])
	return v[11], nil
}

// odcFieldWidths are the widths of the octal fields after the magic:
// dev, ino, mode, uid, gid, nlink, rdev, mtime, namesize, filesize
var odcFieldWidths = [...]int{6, 6, 6, 6, 6, 6, 6, 11, 6, 11}

// parseOdcHeader decodes the octal fields of an odc header into e and returns the name size.
func parseOdcHeader(e *Entry, raw []byte) (uint64, error) {
	var v [len(odcFieldWidths)]uint64
	pos := 0
	for i, w := range odcFieldWidths {
		field := raw[pos : pos+w]
		pos += w
		n, err := strconv.ParseUint(string(field), 8, 64)
		if err != nil {
			return 0, fmt.Errorf("field %d is not octal: %q", i, field)
		}
		v[i] = n
	}

	e.DevMajor, e.DevMinor = uint32(v[0]>>8), uint32(v[0]&0xff)
	e.Inode = v[1]
	e.Mode = uint32(v[2])
	e.UID = int(v[3])
	e.GID = int(v[4])
	e.NLink = int(v[5])
	e.RDevMajor, e.RDevMinor = uint32(v[6]>>8), uint32(v[6]&0xff)
	e.ModTime = time.Unix(int64(v[7]), 0)
	e.Size = int64(v[9])
	return v[8], nil
}
