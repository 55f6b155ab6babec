// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package preflight

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Filesystem magic numbers with unreliable symlink semantics. These
// are the filesystems commonly exposed through foreign-filesystem
// drivers where symlink(2) succeeds but resolution misbehaves.
const (
	magicMSDOS = 0x4d44     // FAT12/16/32
	magicExFAT = 0x2011bab0 // exFAT
	magicNTFS  = 0x5346544e // ntfs-3g / ntfs3
	magicCIFS  = 0xff534d42 // CIFS/SMB
	magicSMB2  = 0xfe534d42 // SMB2
	magicFUSE  = 0x65735546 // FUSE bridges
)

var fsTypeNames = map[int64]string{
	0xef53:     "ext4",
	0x9123683e: "btrfs",
	0x58465342: "xfs",
	0x2fc12fc1: "zfs",
	0x01021994: "tmpfs",
	0x6969:     "nfs",
	magicMSDOS: "vfat",
	magicExFAT: "exfat",
	magicNTFS:  "ntfs",
	magicCIFS:  "cifs",
	magicSMB2:  "smb2",
	magicFUSE:  "fuse",
}

// inspectMount fills the mount-related fields of a Report.
func inspectMount(path string, report *Report) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", path, err)
	}

	report.ReadOnly = stat.Flags&unix.ST_RDONLY != 0
	report.FSTypeName = fsTypeNames[int64(stat.Type)]

	switch int64(stat.Type) {
	case magicMSDOS, magicExFAT, magicNTFS, magicCIFS, magicSMB2, magicFUSE:
		report.UnreliableSymlinks = true
	}

	// Read-only-after-error heuristic: the fstab/mount options asked
	// for rw but the live flags say ro. ext4 "errors=remount-ro" does
	// exactly this after a dirty journal.
	if report.ReadOnly {
		if opts, ok := mountOptionsFor(path); ok && wantsReadWrite(opts) {
			report.UncleanMount = true
		}
	}
	return nil
}

// deviceOf returns the device ID of the filesystem holding path.
func deviceOf(path string) (uint64, error) {
	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		return 0, err
	}
	return uint64(stat.Dev), nil
}

// mountOptionsFor finds the mount options of the longest mount-point
// prefix of path in /proc/self/mounts.
func mountOptionsFor(path string) (string, bool) {
	f, err := os.Open("/proc/self/mounts")
	if err != nil {
		return "", false
	}
	defer f.Close()

	bestLen := -1
	bestOpts := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		mountPoint := fields[1]
		if strings.HasPrefix(path, mountPoint) && len(mountPoint) > bestLen {
			bestLen = len(mountPoint)
			bestOpts = fields[3]
		}
	}
	return bestOpts, bestLen >= 0
}

// wantsReadWrite reports whether mount options include rw.
func wantsReadWrite(opts string) bool {
	for _, o := range strings.Split(opts, ",") {
		if o == "rw" {
			return true
		}
	}
	return false
}
