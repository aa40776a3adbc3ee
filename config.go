// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package payload

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
)

// ConfigOption is a function pointer to implement the option pattern
type ConfigOption func(*Config)

// Config provides a configuration struct and options to adjust the configuration.
//
// The configuration struct holds all configuration options for reading and
// extracting a payload. The configuration options can be adjusted using the
// option pattern style.
//
// Path traversal and symlink traversal are rejected by default. Size limits are
// disabled by default, because firmware payloads regularly exceed several
// gigabytes and hundreds of thousands of entries.
type Config struct {
	// continueOnError decides if the extraction should be continued even if an
	// entry could not be written to the target
	continueOnError bool

	// create destination directory if it does not exist
	createDestination bool

	// customCreateDirMode is the file mode for created directories, that are not defined in the archive (respecting umask)
	customCreateDirMode fs.FileMode

	// decompressor is used for all compressed chunks of the container
	decompressor Decompressor

	// denySymlinkExtraction offers the option to enable/disable the extraction of symlinks
	denySymlinkExtraction bool

	// dropFileAttributes is a flag drop the file attributes of the extracted files
	dropFileAttributes bool

	// traverseSymlinks traverses symlinks to directories during extraction
	traverseSymlinks bool

	// logger stream for extraction
	logger logger

	// maxChunkSize is the maximum compressed or uncompressed size of a single chunk.
	maxChunkSize int64

	// maxExtractionSize is the maximum size of all extracted files.
	// Set value to -1 to disable the check.
	maxExtractionSize int64

	// maxFiles is the maximum of entries (including folder and symlinks) in an archive.
	// Set value to -1 to disable the check.
	maxFiles int64

	// maxInputSize is the maximum size of the input
	// Set value to -1 to disable the check.
	maxInputSize int64

	// maxNameSize is the maximum size of an entry name in the archive
	maxNameSize int64

	// telemetryHook is a function to consume telemetry data after finished extraction
	// Important: do not adjust this value after extraction started
	telemetryHook TelemetryHook

	// Define if files should be overwritten in the destination
	overwrite bool

	// patterns is a list of file patterns to match files to extract
	patterns []string

	// preserveOwner is a flag to preserve the owner of the extracted files
	preserveOwner bool
}

// ContinueOnError returns true if the extraction should continue when an entry
// cannot be written to the target.
func (c *Config) ContinueOnError() bool {
	return c.continueOnError
}

// CheckMaxFiles checks if counter exceeds the configured maximum. If the maximum is exceeded,
// a [ErrMaxFilesExceeded] error is returned.
func (c *Config) CheckMaxFiles(counter int64) error {

	// check if disabled
	if c.MaxFiles() == -1 {
		return nil
	}

	// check value
	if counter > c.MaxFiles() {
		return ErrMaxFilesExceeded
	}
	return nil
}

// CheckExtractionSize checks if fileSize exceeds configured maximum. If the maximum is exceeded,
// a [ErrMaxExtractionSizeExceeded] error is returned.
func (c *Config) CheckExtractionSize(fileSize int64) error {

	// check if disabled
	if c.MaxExtractionSize() == -1 {
		return nil
	}

	// check value
	if fileSize > c.MaxExtractionSize() {
		return ErrMaxExtractionSizeExceeded
	}
	return nil
}

// CreateDestination returns true if the destination directory should be
// created if it does not exist.
func (c *Config) CreateDestination() bool {
	return c.createDestination
}

// CustomCreateDirMode returns the file mode for created directories,
// that are not defined in the archive. (respecting umask)
func (c *Config) CustomCreateDirMode() fs.FileMode {
	return c.customCreateDirMode
}

// Decompressor returns the decompressor for compressed chunks.
func (c *Config) Decompressor() Decompressor {
	if c.decompressor == nil {
		return defaultDecompressor
	}
	return c.decompressor
}

// DenySymlinkExtraction returns true if symlinks are NOT allowed.
func (c *Config) DenySymlinkExtraction() bool {
	return c.denySymlinkExtraction
}

// DropFileAttributes returns true if the file attributes should be dropped.
func (c *Config) DropFileAttributes() bool {
	return c.dropFileAttributes
}

// TraverseSymlinks returns true if symlinks should be traversed during extraction.
func (c *Config) TraverseSymlinks() bool {
	return c.traverseSymlinks
}

// Logger returns the logger.
func (c *Config) Logger() logger {
	if c.logger == nil {
		return defaultLogger
	}
	return c.logger
}

// MaxChunkSize returns the maximum size of a single chunk.
func (c *Config) MaxChunkSize() int64 {
	return c.maxChunkSize
}

// MaxExtractionSize returns the maximum size over all extracted files.
func (c *Config) MaxExtractionSize() int64 {
	return c.maxExtractionSize
}

// MaxFiles returns the maximum of entries (including folder and symlinks) in an archive.
func (c *Config) MaxFiles() int64 {
	return c.maxFiles
}

// MaxInputSize returns the maximum size of the input.
func (c *Config) MaxInputSize() int64 {
	return c.maxInputSize
}

// MaxNameSize returns the maximum size of an entry name.
func (c *Config) MaxNameSize() int64 {
	return c.maxNameSize
}

// Overwrite returns true if files should be overwritten in the destination.
func (c *Config) Overwrite() bool {
	return c.overwrite
}

// Patterns returns a list of unix-filepath patterns to match files to extract
// Patterns are matched using [filepath.Match](https://golang.org/pkg/path/filepath/#Match).
func (c *Config) Patterns() []string {
	return c.patterns
}

// PreserveOwner returns true if the owner of the extracted files should
// be preserved. This option is only available on Unix systems requiring
// root privileges.
func (c *Config) PreserveOwner() bool {
	return c.preserveOwner
}

// TelemetryHook returns the  telemetry hook.
func (c *Config) TelemetryHook() TelemetryHook {
	if c.telemetryHook == nil {
		return defaultTelemetryHook
	}
	return c.telemetryHook
}

// checkPatterns checks if the given path matches any of the configured patterns.
// If no patterns are given, the function returns true.
func (c *Config) checkPatterns(path string) (bool, error) {

	// no patterns given
	if len(c.patterns) == 0 {
		return true, nil
	}

	// check if path matches any pattern
	for _, pattern := range c.patterns {
		if match, err := filepath.Match(pattern, path); err != nil {
			return false, fmt.Errorf("failed to match pattern: %w", err)
		} else if match {
			return true, nil
		}
	}
	return false, nil
}

const (
	defaultContinueOnError       = false   // stop on error and return error
	defaultCreateDestination     = false   // don't create destination directory
	defaultCustomCreateDirMode   = 0750    // default directory permissions rwxr-x---
	defaultDenySymlinkExtraction = false   // allow symlink extraction
	defaultDropFileAttributes    = false   // apply file attributes from archive
	defaultMaxChunkSize          = 1 << 26 // 64 Mb, pbzx writers use 16 Mb chunks
	defaultMaxFiles              = -1      // no limit
	defaultMaxExtractionSize     = -1      // no limit
	defaultMaxInputSize          = -1      // no limit
	defaultMaxNameSize           = 4096    // PATH_MAX
	defaultOverwrite             = false   // don't overwrite existing files
	defaultPreserveOwner         = false   // don't preserve owner
	defaultTraverseSymlinks      = false   // don't traverse symlinks
)

var (
	// slog to discard
	defaultLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	// no operation telemetry hook
	defaultTelemetryHook = func(ctx context.Context, d *TelemetryData) {
		// noop
	}
)

// NewConfig is a generator option that takes opts as adjustments of the
// default configuration in an option pattern style.
func NewConfig(opts ...ConfigOption) *Config {

	// setup default values
	config := &Config{
		continueOnError:       defaultContinueOnError,
		createDestination:     defaultCreateDestination,
		customCreateDirMode:   defaultCustomCreateDirMode,
		decompressor:          defaultDecompressor,
		denySymlinkExtraction: defaultDenySymlinkExtraction,
		dropFileAttributes:    defaultDropFileAttributes,
		logger:                defaultLogger,
		maxChunkSize:          defaultMaxChunkSize,
		maxFiles:              defaultMaxFiles,
		maxExtractionSize:     defaultMaxExtractionSize,
		maxInputSize:          defaultMaxInputSize,
		maxNameSize:           defaultMaxNameSize,
		overwrite:             defaultOverwrite,
		preserveOwner:         defaultPreserveOwner,
		telemetryHook:         defaultTelemetryHook,
		traverseSymlinks:      defaultTraverseSymlinks,
	}

	// Loop through each option
	for _, opt := range opts {
		opt(config)
	}

	return config
}

// WithContinueOnError options pattern function to continue on error during extraction. If set to true,
// the error is logged and the extraction continues with the next entry. Errors of the container or
// the archive stream always stop the extraction.
func WithContinueOnError(yes bool) ConfigOption {
	return func(c *Config) {
		c.continueOnError = yes
	}
}

// WithCreateDestination options pattern function to create
// destination directory if it does not exist.
func WithCreateDestination(create bool) ConfigOption {
	return func(c *Config) {
		c.createDestination = create
	}
}

// WithCustomCreateDirMode options pattern function to set the file mode
// for created directories, that are not defined in the archive. (respecting umask)
func WithCustomCreateDirMode(mode fs.FileMode) ConfigOption {
	return func(c *Config) {
		c.customCreateDirMode = mode
	}
}

// WithDecompressor options pattern function to replace the decompressor for compressed chunks.
func WithDecompressor(d Decompressor) ConfigOption {
	return func(c *Config) {
		if d != nil {
			c.decompressor = d
		}
	}
}

// WithDenySymlinkExtraction options pattern function to deny symlink extraction.
func WithDenySymlinkExtraction(deny bool) ConfigOption {
	return func(c *Config) {
		c.denySymlinkExtraction = deny
	}
}

// WithDropFileAttributes options pattern function to drop the
// file attributes of the extracted files.
func WithDropFileAttributes(drop bool) ConfigOption {
	return func(c *Config) {
		c.dropFileAttributes = drop
	}
}

// WithInsecureTraverseSymlinks options pattern function to traverse symlinks during extraction.
func WithInsecureTraverseSymlinks(traverse bool) ConfigOption {
	return func(c *Config) {
		c.traverseSymlinks = traverse
	}
}

// WithLogger options pattern function to set a custom logger.
func WithLogger(logger logger) ConfigOption {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithMaxChunkSize options pattern function to set the maximum size of a single chunk.
func WithMaxChunkSize(maxChunkSize int64) ConfigOption {
	return func(c *Config) {
		c.maxChunkSize = maxChunkSize
	}
}

// WithMaxExtractionSize options pattern function to set maximum size over all
// extracted files. (-1 to disable check)
func WithMaxExtractionSize(maxExtractionSize int64) ConfigOption {
	return func(c *Config) {
		c.maxExtractionSize = maxExtractionSize
	}
}

// WithMaxFiles options pattern function to set maximum number of extracted, files, directories
// and symlinks during the extraction. (-1 to disable check)
func WithMaxFiles(maxFiles int64) ConfigOption {
	return func(c *Config) {
		c.maxFiles = maxFiles
	}
}

// WithMaxInputSize options pattern function to set MaxInputSize for the payload file. (-1 to disable check)
func WithMaxInputSize(maxInputSize int64) ConfigOption {
	return func(c *Config) {
		c.maxInputSize = maxInputSize
	}
}

// WithMaxNameSize options pattern function to set the maximum size of an entry name.
func WithMaxNameSize(maxNameSize int64) ConfigOption {
	return func(c *Config) {
		c.maxNameSize = maxNameSize
	}
}

// WithOverwrite options pattern function specify if files should be overwritten in the destination.
func WithOverwrite(enable bool) ConfigOption {
	return func(c *Config) {
		c.overwrite = enable
	}
}

// WithPatterns options pattern function to set filepath pattern, that files need to match to be extracted.
// Patterns are matched using [pkg/path/filepath.Match].
func WithPatterns(pattern ...string) ConfigOption {
	return func(c *Config) {
		c.patterns = append(c.patterns, pattern...)
	}
}

// WithPreserveOwner options pattern function to preserve the owner of
// the extracted files. This option is only available on Unix systems
// requiring root privileges.
func WithPreserveOwner(preserve bool) ConfigOption {
	return func(c *Config) {
		c.preserveOwner = preserve
	}
}

// WithTelemetryHook options pattern function to set a [TelemetryHook], which is called after a run.
func WithTelemetryHook(hook TelemetryHook) ConfigOption {
	return func(c *Config) {
		c.telemetryHook = hook
	}
}
