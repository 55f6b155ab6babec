// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !linux

package preflight

import (
	"os"
	"syscall"
)

// inspectMount is a no-op outside Linux: mount state reads as unknown
// and the canary test carries the full burden of proving link support.
func inspectMount(path string, report *Report) error {
	return nil
}

// deviceOf returns the device ID of the filesystem holding path.
func deviceOf(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(sys.Dev), nil
	}
	// No device identity available; same-device checks degrade to
	// "unknown, assume different".
	return 0, nil
}
