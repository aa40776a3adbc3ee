// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	payload "github.com/hashicorp/go-payload"
)

// CLI are the cli parameters for the payloadtool binary
type CLI struct {
	Payload           string           `arg:"" name:"payload" help:"Path to payload file. (\"-\" for STDIN)"`
	ContinueOnError   bool             `short:"C" help:"Continue extraction on file system errors."`
	DenySymlinks      bool             `short:"D" help:"Deny symlink extraction."`
	DropAttributes    bool             `help:"Do not restore modes and modification times."`
	FollowSymlinks    bool             `short:"F" help:"[Dangerous!] Follow symlinks to directories during extraction."`
	List              bool             `short:"l" help:"List the entries of the payload."`
	MaxExtractionSize int64            `optional:"" default:"-1" help:"Maximum extraction size that allowed is (in bytes). (disable check: -1)"`
	MaxFiles          int64            `optional:"" default:"-1" help:"Maximum entries that are processed before stop. (disable check: -1)"`
	MaxInputSize      int64            `optional:"" default:"-1" help:"Maximum input size that allowed is (in bytes). (disable check: -1)"`
	Metrics           bool             `short:"M" optional:"" default:"false" help:"Print metrics to log after the pass."`
	Output            string           `short:"o" optional:"" placeholder:"DIR" help:"Extract the payload into directory. (created if missing)"`
	Overwrite         bool             `short:"O" help:"Overwrite if exist."`
	Pattern           []string         `short:"P" optional:"" name:"pattern" help:"Extracted entries need to match shell file name pattern."`
	PreserveOwner     bool             `short:"p" help:"Preserve owner and group of files. (root only)"`
	Verbose           bool             `short:"v" optional:"" help:"Verbose logging."`
	Version           kong.VersionFlag `short:"V" optional:"" help:"Print release version information."`
}

// Run the entrypoint into payloadtool as a cli tool
func Run(version, commit, date string) {
	var cli CLI
	kong.Parse(&cli,
		kong.Description("Inspect and extract pbzx payload files."),
		kong.UsageOnError(),
		kong.Vars{
			"version": fmt.Sprintf("%s (%s), commit %s, built at %s", filepath.Base(os.Args[0]), version, commit, date),
		},
	)

	if err := run(context.Background(), cli, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run performs the pass selected by cli. Skipped unsafe entries are
// reported on stderr and do not fail the run.
func run(ctx context.Context, cli CLI, stdin io.Reader, stdout, stderr io.Writer) error {
	// Check for verbose output
	logLevel := slog.LevelWarn
	if cli.Verbose {
		logLevel = slog.LevelDebug
	}

	// setup logger
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// setup telemetry hook
	telemetryToLog := func(ctx context.Context, td *payload.TelemetryData) {
		if cli.Metrics {
			logger.Warn("pass finished", "telemetry", td)
		}
	}

	// process cli params
	cfg := payload.NewConfig(
		payload.WithContinueOnError(cli.ContinueOnError),
		payload.WithCreateDestination(true),
		payload.WithDenySymlinkExtraction(cli.DenySymlinks),
		payload.WithDropFileAttributes(cli.DropAttributes),
		payload.WithInsecureTraverseSymlinks(cli.FollowSymlinks),
		payload.WithLogger(logger),
		payload.WithMaxExtractionSize(cli.MaxExtractionSize),
		payload.WithMaxFiles(cli.MaxFiles),
		payload.WithMaxInputSize(cli.MaxInputSize),
		payload.WithOverwrite(cli.Overwrite),
		payload.WithPatterns(cli.Pattern...),
		payload.WithPreserveOwner(cli.PreserveOwner),
		payload.WithTelemetryHook(telemetryToLog),
	)

	// open payload
	var src io.Reader
	if cli.Payload == "-" {
		src = bufio.NewReader(stdin)
	} else {
		f, err := os.Open(cli.Payload)
		if err != nil {
			return fmt.Errorf("opening payload failed: %w", err)
		}
		defer f.Close()
		src = bufio.NewReader(f)
	}

	switch {
	case cli.Output != "":
		counts, err := payload.Extract(ctx, src, cli.Output, payload.NewTargetDisk(), cfg)
		if err != nil && !onlyUnsafePaths(err) {
			return fmt.Errorf("extraction failed: %w", err)
		}
		if err != nil {
			fmt.Fprintf(stderr, "warning: skipped unsafe entries: %v\n", err)
		}
		fmt.Fprintln(stdout, counts)

	case cli.List:
		w := bufio.NewWriter(stdout)
		defer w.Flush()
		if _, err := payload.List(ctx, src, w, cfg); err != nil {
			w.Flush()
			return fmt.Errorf("listing failed: %w", err)
		}

	default:
		counts, err := payload.Tally(ctx, src, cfg)
		if err != nil {
			return fmt.Errorf("tally failed: %w", err)
		}
		fmt.Fprintln(stdout, counts)
	}
	return nil
}

// onlyUnsafePaths returns true if err consists of [payload.UnsafePathError] values only.
func onlyUnsafePaths(err error) bool {
	var unsafePath *payload.UnsafePathError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !errors.As(e, &unsafePath) {
				return false
			}
		}
		return true
	}
	return errors.As(err, &unsafePath)
}
