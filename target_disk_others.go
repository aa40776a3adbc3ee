// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

//go:build !unix

package payload

import (
	"fmt"
	"runtime"
	"time"
)

// lchtimes is not available on this platform.
func lchtimes(_ string, _, _ time.Time) error {
	return fmt.Errorf("Lchtimes is not supported on this platform (%s)", runtime.GOOS)
}

// canMaintainSymlinkTimestamps is false, symlinks keep the time of their creation.
const canMaintainSymlinkTimestamps = false
