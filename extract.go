// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package payload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"time"
)

// Extract reads the payload from src and materializes its entries below dst
// on the target t. If t is nil, the local filesystem is used.
//
// Entries whose name would escape dst are skipped, the pass continues with
// the next entry. Their [UnsafePathError] values are joined and returned
// after all other entries have been extracted. Device, fifo and
// socket entries are skipped as well. Errors of the payload stream always end
// the pass. Errors of the target end the pass unless [WithContinueOnError]
// is set.
func Extract(ctx context.Context, src io.Reader, dst string, t Target, cfg *Config) (Counts, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if t == nil {
		t = NewTargetDisk()
	}

	if err := prepareDestination(t, dst, cfg); err != nil {
		td := &TelemetryData{Mode: ModeExtract}
		defer cfg.TelemetryHook()(ctx, td)
		return Counts{}, handleError(td, "cannot prepare destination", err)
	}

	x := &extraction{t: t, dst: dst, cfg: cfg}
	counts, err := inspect(ctx, src, cfg, ModeExtract, x.entry)
	if aerr := x.applyDirAttributes(); aerr != nil && err == nil {
		err = aerr
	}
	if err == nil {
		err = errors.Join(x.unsafe...)
	}
	return counts, err
}

// prepareDestination ensures that dst exists as a directory.
func prepareDestination(t Target, dst string, cfg *Config) error {
	stat, err := t.Lstat(dst)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if !cfg.CreateDestination() {
			return fmt.Errorf("%w: %s", ErrDestinationNotExist, dst)
		}
		if err := t.CreateDir(dst, cfg.CustomCreateDirMode()); err != nil {
			return &IOError{Op: "create destination", Name: dst, Err: err}
		}
		return nil
	case err != nil:
		return &IOError{Op: "stat destination", Name: dst, Err: err}
	case !stat.IsDir() && stat.Mode()&fs.ModeSymlink == 0:
		return &IOError{Op: "stat destination", Name: dst, Err: fmt.Errorf("not a directory")}
	}
	return nil
}

// dirAttributes are the attributes of an extracted directory. They are applied
// after all entries have been written, so that restrictive modes do not prevent
// writing the directory contents.
type dirAttributes struct {
	path  string
	name  string
	perm  fs.FileMode
	mtime time.Time
	uid   int
	gid   int
}

// extraction holds the state of a single extract pass.
type extraction struct {
	t    Target
	dst  string
	cfg  *Config
	dirs []dirAttributes
	size int64

	// unsafe collects the skipped entries
	unsafe []error
}

// entry is the [visitFunc] of the extract pass.
func (x *extraction) entry(e *Entry, td *TelemetryData) error {
	logger := x.cfg.Logger()

	name, err := normalizeName(e.Name)
	if err != nil {
		return x.handleEntryError(td, e, "normalize name", err)
	}

	// check for pattern match
	if match, err := x.cfg.checkPatterns(name); err != nil {
		return handleError(td, "cannot check pattern", err)
	} else if !match {
		logger.Debug("skipped entry", "name", name, "reason", "pattern mismatch")
		td.PatternMismatches++
		return nil
	}

	target := filepath.Join(x.dst, filepath.FromSlash(name))
	switch e.Type() {

	case TypeDirectory:
		if name == "." {
			return nil
		}
		logger.Debug("extract directory", "name", name)
		// the owner needs write access until the pass has finished
		if err := createDir(x.t, x.dst, name, e.Perm().Perm()|0o700, x.cfg); err != nil {
			return x.handleEntryError(td, e, "create directory", err)
		}
		td.ExtractedDirs++
		x.dirs = append(x.dirs, dirAttributes{path: target, name: e.Name, perm: e.Perm(), mtime: e.ModTime, uid: e.UID, gid: e.GID})
		return nil

	case TypeRegular:
		logger.Debug("extract file", "name", name, "size", e.Size)
		if err := x.cfg.CheckExtractionSize(x.size + e.Size); err != nil {
			return handleError(td, fmt.Sprintf("cannot extract %q", e.Name), err)
		}
		n, err := createFile(x.t, x.dst, name, e, e.Perm().Perm(), x.cfg)
		x.size += n
		td.ExtractionSize = x.size
		if err != nil {
			return x.handleEntryError(td, e, "create file", err)
		}
		td.ExtractedFiles++
		return x.handleEntryError(td, e, "set attributes", x.applyAttributes(target, e.Perm(), e.ModTime, e.UID, e.GID, false))

	case TypeSymlink:
		if x.cfg.DenySymlinkExtraction() {
			err := unsupportedFile(e.Name)
			logger.Warn("skipped symlink", "name", name, "error", err)
			td.UnsupportedFiles++
			td.LastUnsupportedFile = e.Name
			return nil
		}
		linkTarget, err := e.ReadLink()
		if err != nil {
			return handleError(td, fmt.Sprintf("cannot read link target of %q", e.Name), err)
		}
		logger.Debug("extract symlink", "name", name, "target", linkTarget)
		if err := createSymlink(x.t, x.dst, name, linkTarget, x.cfg); err != nil {
			return x.handleEntryError(td, e, "create symlink", err)
		}
		td.ExtractedSymlinks++
		return x.handleEntryError(td, e, "set attributes", x.applyAttributes(target, 0, e.ModTime, e.UID, e.GID, true))

	default:
		err := unsupportedFile(e.Name)
		logger.Warn("skipped entry", "name", name, "mode", ModeString(e.Mode), "error", err)
		td.UnsupportedFiles++
		td.LastUnsupportedFile = e.Name
		return nil
	}
}

// handleEntryError decides whether an error that occurred while
// extracting e ends the pass. A nil err is returned as it is.
func (x *extraction) handleEntryError(td *TelemetryData, e *Entry, op string, err error) error {
	if err == nil {
		return nil
	}

	// stream errors surface through the reader of the entry data
	if isStreamError(err) {
		return handleError(td, fmt.Sprintf("cannot extract %q", e.Name), err)
	}

	var unsafePath *UnsafePathError
	if errors.As(err, &unsafePath) {
		x.cfg.Logger().Warn("skipped unsafe entry", "name", e.Name, "offset", e.Offset(), "reason", unsafePath.Reason)
		td.UnsafePaths++
		td.LastUnsafePath = e.Name
		td.Errors++
		td.LastError = unsafePath
		x.unsafe = append(x.unsafe, unsafePath)
		return nil
	}

	ioErr := &IOError{Op: op, Name: e.Name, Err: err}
	if x.cfg.ContinueOnError() {
		x.cfg.Logger().Error("continue after error", "name", e.Name, "error", ioErr)
		td.Errors++
		td.LastError = ioErr
		return nil
	}
	return handleError(td, fmt.Sprintf("entry at offset %d", e.Offset()), ioErr)
}

// applyAttributes sets mode, times and owner of the path, depending on
// the configuration. The mode is ignored for symlinks.
func (x *extraction) applyAttributes(target string, perm fs.FileMode, mtime time.Time, uid, gid int, symlink bool) error {
	if !symlink && !x.cfg.DropFileAttributes() {
		if err := x.t.Chmod(target, perm); err != nil {
			return fmt.Errorf("failed to change mode: %w", err)
		}
	}

	if !x.cfg.DropFileAttributes() {
		var err error
		if symlink {
			err = x.t.Lchtimes(target, mtime, mtime)
		} else {
			err = x.t.Chtimes(target, mtime, mtime)
		}
		if err != nil {
			return fmt.Errorf("failed to change times: %w", err)
		}
	}

	if x.cfg.PreserveOwner() {
		if err := x.t.Chown(target, uid, gid); err != nil {
			return fmt.Errorf("failed to change owner: %w", err)
		}
	}
	return nil
}

// applyDirAttributes sets the attributes of all extracted directories, the
// deepest first so that the modification times of parent directories are kept.
func (x *extraction) applyDirAttributes() error {
	var errs []error
	for i := len(x.dirs) - 1; i >= 0; i-- {
		d := x.dirs[i]
		if err := x.applyAttributes(d.path, d.perm, d.mtime, d.uid, d.gid, false); err != nil {
			errs = append(errs, &IOError{Op: "set directory attributes", Name: d.name, Err: err})
		}
	}
	return errors.Join(errs...)
}
