// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package payload

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// listTimeFormat is the layout of the modification time in a listing.
const listTimeFormat = "Jan _2 2006 15:04"

// List reads the payload from src and writes one line per entry to w in the
// style of a long directory listing. Symlink entries are followed by
// " -> " and their link target.
func List(ctx context.Context, src io.Reader, w io.Writer, cfg *Config) (Counts, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	return inspect(ctx, src, cfg, ModeList, func(e *Entry, td *TelemetryData) error {
		var link string
		if e.Type() == TypeSymlink {
			var err error
			if link, err = e.ReadLink(); err != nil {
				return handleError(td, fmt.Sprintf("cannot read link target of %q", e.Name), err)
			}
		}
		if _, err := fmt.Fprintln(w, FormatEntry(e, link)); err != nil {
			return handleError(td, "cannot write listing", err)
		}
		return nil
	})
}

// FormatEntry renders e as a single listing line. The link target is only
// used for symlink entries.
func FormatEntry(e *Entry, linkTarget string) string {
	line := fmt.Sprintf("%s %4d %5d %5d %12d %s %s",
		ModeString(e.Mode),
		e.NLink,
		e.UID,
		e.GID,
		e.Size,
		e.ModTime.UTC().Format(listTimeFormat),
		e.Name,
	)
	if e.Type() == TypeSymlink {
		line += " -> " + linkTarget
	}
	return line
}

// ModeString returns the type and permission string of a raw archive mode,
// e.g. "drwxr-xr-x" or "-rwsr-x--T".
func ModeString(mode uint32) string {
	var sb strings.Builder
	sb.Grow(10)

	switch mode & modeTypeMask {
	case modeDirectory:
		sb.WriteByte('d')
	case modeRegular:
		sb.WriteByte('-')
	case modeSymlink:
		sb.WriteByte('l')
	case modeChar:
		sb.WriteByte('c')
	case modeBlock:
		sb.WriteByte('b')
	case modeFifo:
		sb.WriteByte('p')
	case modeSocket:
		sb.WriteByte('s')
	default:
		sb.WriteByte('?')
	}

	// owner, group, other
	triplets := []struct {
		shift   uint
		special uint32
		set     byte
	}{
		{6, modeSetuid, 's'},
		{3, modeSetgid, 's'},
		{0, modeSticky, 't'},
	}
	for _, tr := range triplets {
		bits := (mode >> tr.shift) & 0o7
		sb.WriteByte(permChar(bits&0o4 != 0, 'r'))
		sb.WriteByte(permChar(bits&0o2 != 0, 'w'))

		exec := bits&0o1 != 0
		switch {
		case mode&tr.special != 0 && exec:
			sb.WriteByte(tr.set)
		case mode&tr.special != 0:
			sb.WriteByte(tr.set - 'a' + 'A')
		default:
			sb.WriteByte(permChar(exec, 'x'))
		}
	}
	return sb.String()
}

func permChar(set bool, c byte) byte {
	if set {
		return c
	}
	return '-'
}
