// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// partitionSuffix strips a partition ordinal from a block device name:
// sda1 -> sda, nvme0n1p2 -> nvme0n1, mmcblk0p1 -> mmcblk0.
var partitionSuffix = regexp.MustCompile(`(p?\d+)$`)

// classifyDevice reads the rotational flag from sysfs.
//
// /sys/block/<disk>/queue/rotational is "1" for spinning media and
// "0" for solid-state. Device-mapper and loop devices expose the flag
// of their backing store, which is exactly the answer we want.
func classifyDevice(device string) (DriveClass, error) {
	name := strings.TrimPrefix(device, "/dev/")
	if name == "" || strings.ContainsRune(name, '/') {
		return ClassUnknown, fmt.Errorf("unparseable device %q", device)
	}

	candidates := []string{name}
	if stripped := strippedPartition(name); stripped != name {
		candidates = append(candidates, stripped)
	}

	var lastErr error
	for _, c := range candidates {
		data, err := os.ReadFile("/sys/block/" + c + "/queue/rotational")
		if err != nil {
			lastErr = err
			continue
		}
		switch strings.TrimSpace(string(data)) {
		case "0":
			return ClassSolidState, nil
		case "1":
			return ClassRotational, nil
		default:
			return ClassUnknown, fmt.Errorf("unexpected rotational flag %q for %s", data, c)
		}
	}
	return ClassUnknown, fmt.Errorf("no sysfs entry for %s: %w", name, lastErr)
}

func strippedPartition(name string) string {
	stripped := partitionSuffix.ReplaceAllString(name, "")
	// nvme0n1 -> nvme0n1p2 strips to nvme0n1; plain nvme0 would be a
	// controller, not a disk, so refuse to strip the namespace digit.
	if strings.HasPrefix(name, "nvme") && !strings.Contains(stripped, "n") {
		return name
	}
	if stripped == "" {
		return name
	}
	return stripped
}
