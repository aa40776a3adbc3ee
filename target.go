// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package payload

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Target specifies all function that are needed to be implemented to extract contents from a payload
type Target interface {
	// CreateFile creates a file at the specified path with src as content. The mode parameter is the file mode that
	// should be set on the file. If the file already exists and overwrite is false, an error should be returned. If the
	// file does not exist, it should be created. If the file is created successfully, the number of bytes written should
	// be returned. If an error occurs, the number of bytes written should be returned along with the error. A partially
	// written file is left in place.
	CreateFile(path string, src io.Reader, mode fs.FileMode, overwrite bool) (int64, error)

	// CreateDir creates at the specified path with the specified mode. If the directory already exists, nothing is done.
	// Missing parent directories are created as well.
	CreateDir(path string, mode fs.FileMode) error

	// CreateSymlink creates a symbolic link from newname to oldname. If newname already exists and overwrite is false,
	// the function returns an error. If newname already exists and overwrite is true, the function may overwrite the
	// existing symlink.
	CreateSymlink(oldname string, newname string, overwrite bool) error

	// Lstat see docs for os.Lstat. Main purpose is to check for symlinks in the extraction path.
	Lstat(path string) (fs.FileInfo, error)

	// Chmod see docs for os.Chmod. Main purpose is to set the file mode of a file or directory.
	Chmod(name string, mode fs.FileMode) error

	// Chtimes see docs for os.Chtimes. Main purpose is to set the file times of a file or directory.
	Chtimes(name string, atime, mtime time.Time) error

	// Lchtimes changes the file times of a symlink itself.
	Lchtimes(name string, atime, mtime time.Time) error

	// Chown see docs for os.Lchown. Main purpose is to set the file owner and group of a file or directory.
	Chown(name string, uid, gid int) error
}

// normalizeName converts the name of an archive entry into a clean relative path
// with forward slashes. Leading slashes and "./" prefixes are removed. Names that
// still contain a parent directory reference after cleaning are rejected with an
// [UnsafePathError].
func normalizeName(name string) (string, error) {
	if strings.ContainsRune(name, 0) {
		return "", &UnsafePathError{Name: name, Reason: "null byte in name"}
	}
	cleaned := path.Clean(strings.TrimLeft(name, "/"))
	if cleaned == "." {
		return cleaned, nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", &UnsafePathError{Name: name, Reason: "path traversal detected"}
	}
	if !filepath.IsLocal(filepath.FromSlash(cleaned)) {
		return "", &UnsafePathError{Name: name, Reason: "path is not local"}
	}
	return cleaned, nil
}

// createDir is a wrapper around the CreateDir function
//
// The name must be normalized with normalizeName. Missing parent directories
// are created with config.CustomCreateDirMode().
//
// If the path contains a symlink and config.TraverseSymlinks() returns false, the function returns an
// [UnsafePathError]. If config.TraverseSymlinks() returns true, a warning is logged and the
// function continues.
func createDir(t Target, dst string, name string, mode fs.FileMode, cfg *Config) error {
	// no action needed
	if name == "." {
		return nil
	}

	// perform security check to ensure that the path is safe to write to
	if err := securityCheck(t, dst, name, cfg); err != nil {
		return err
	}

	// create missing parents with the default mode
	if parent := path.Dir(name); parent != "." {
		if err := t.CreateDir(filepath.Join(dst, filepath.FromSlash(parent)), cfg.CustomCreateDirMode()); err != nil {
			return err
		}
	}
	return t.CreateDir(filepath.Join(dst, filepath.FromSlash(name)), mode)
}

// createFile is a wrapper around the CreateFile function
//
// The name must be normalized with normalizeName. The directory of the file
// is created with config.CustomCreateDirMode() if it does not exist.
//
// If the file is created successfully, the function returns the number of bytes written and nil.
func createFile(t Target, dst string, name string, src io.Reader, mode fs.FileMode, cfg *Config) (int64, error) {
	// check if a name is provided
	if name == "." || len(name) == 0 {
		return 0, fmt.Errorf("cannot create file without name")
	}

	// ensures that the directory exists and is safe to write to
	if err := createDir(t, dst, path.Dir(name), cfg.CustomCreateDirMode(), cfg); err != nil {
		return 0, err
	}

	// ensure that if the file exist that it is not a symlink
	if err := securityCheck(t, dst, name, cfg); err != nil {
		return 0, err
	}
	return t.CreateFile(filepath.Join(dst, filepath.FromSlash(name)), src, mode, cfg.Overwrite())
}

// createSymlink is a wrapper around the CreateSymlink function
//
// The name must be normalized with normalizeName. The link target is used
// as it is, its existence is not checked.
func createSymlink(t Target, dst string, name string, linkTarget string, cfg *Config) error {
	// check if a name is provided
	if name == "." || len(name) == 0 {
		return fmt.Errorf("cannot create symlink without name")
	}

	// create link directory && check for symlinks in the path
	if err := createDir(t, dst, path.Dir(name), cfg.CustomCreateDirMode(), cfg); err != nil {
		return err
	}
	if err := securityCheck(t, dst, path.Dir(name), cfg); err != nil {
		return err
	}

	return t.CreateSymlink(linkTarget, filepath.Join(dst, filepath.FromSlash(name)), cfg.Overwrite())
}

// securityCheck checks if any element of name below dst is a symlink.
//
// If a symlink is detected and config.TraverseSymlinks() returns true,
// a warning is logged and the function continues. Otherwise an
// [UnsafePathError] is returned.
func securityCheck(t Target, dst string, name string, config *Config) error {
	if name == "." {
		return nil
	}

	// check each dir in path
	elements := strings.Split(name, "/")
	for i := range elements {

		// assemble path
		subDirs := path.Join(elements[0 : i+1]...)
		checkDir := filepath.Join(dst, filepath.FromSlash(subDirs))

		// check for symlink
		isSymlink, err := isSymlink(t, checkDir)
		if err != nil {
			return fmt.Errorf("failed to check symlink: %w", err)
		}
		if isSymlink {
			if config.TraverseSymlinks() {
				config.Logger().Warn("traverse symlink", "sub-dir", subDirs)
				continue
			}
			return &UnsafePathError{Name: name, Reason: fmt.Sprintf("symlink in path (%s)", subDirs)}
		}
	}

	return nil
}

// isSymlink checks if path is a symlink
//
// The function returns true if the path is a symlink, otherwise false.
func isSymlink(t Target, path string) (bool, error) {
	stat, err := t.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check path: %w", err)
	}
	return stat.Mode()&os.ModeSymlink == os.ModeSymlink, nil
}
