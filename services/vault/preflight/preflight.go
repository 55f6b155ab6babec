// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package preflight answers, before any destructive operation, whether
// a path can actually be trusted: is it writable, is the mount healthy,
// do source and destination share a device, and does link creation
// really work there.
//
// The API-call result is not trusted for links. Several filesystems
// accept a symlink(2) call and then serve garbage through the link
// (notably foreign-filesystem drivers). The canary test creates a
// throwaway file, links to it both ways, and reads the content back
// through each link before link-based mapping is allowed at scale.
package preflight

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrNoLinkSupport is returned when neither symlinks nor hardlinks
// survive the canary test on a mount. Link-based mapping must be
// refused rather than silently degraded to copies.
var ErrNoLinkSupport = errors.New("filesystem supports neither symbolic nor hard links")

// Report is the result of validating one path.
type Report struct {
	// Path is the validated path.
	Path string

	// Writable reports whether a probe file could be created.
	Writable bool

	// ReadOnly reports whether the mount is read-only. A mount that
	// was writable at boot and is read-only now usually means the
	// kernel remounted it after a journal error.
	ReadOnly bool

	// UncleanMount reports the read-only-after-error heuristic:
	// the mount options request read-write but the statfs flags say
	// read-only.
	UncleanMount bool

	// Device is the filesystem device ID, used for same-device tests.
	Device uint64

	// FSTypeName is the filesystem type when resolvable ("ext4",
	// "btrfs", "fuseblk", ...), empty when unknown.
	FSTypeName string

	// UnreliableSymlinks reports filesystems whose symlink semantics
	// are known to be untrustworthy (FAT family, NTFS, CIFS, FUSE
	// bridges). Mapping prefers hardlinks there.
	UnreliableSymlinks bool

	// Sandbox names a detected sandbox environment ("flatpak",
	// "snap", "container"), empty outside a sandbox. Lets callers
	// surface a permission-grant hint instead of a generic I/O error.
	Sandbox string
}

// LinkSupport is the per-kind outcome of the canary test.
type LinkSupport struct {
	// Symlink reports whether a symbolic link round-tripped content.
	Symlink bool

	// Hardlink reports whether a hard link round-tripped content.
	Hardlink bool
}

// Any reports whether at least one link kind works.
func (s LinkSupport) Any() bool {
	return s.Symlink || s.Hardlink
}

// Validator runs filesystem preflight checks.
//
// Thread Safety: Safe for concurrent use; the validator holds no
// mutable state beyond its logger.
type Validator struct {
	logger *slog.Logger
}

// NewValidator creates a Validator. A nil logger uses slog.Default().
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger.With(slog.String("component", "preflight"))}
}

// Check validates a single directory path.
//
// Description:
//
//	Runs the writability probe, mount-state inspection, and sandbox
//	detection. Check never mutates anything the caller can see: the
//	probe file lives under a throwaway name and is removed before
//	returning.
//
// Inputs:
//   - path: Directory to validate. Must exist.
//
// Outputs:
//   - Report: Per-check results.
//   - error: Non-nil only when the path itself is unusable (missing,
//     not a directory). Individual check failures are reported in
//     the Report, not as errors.
func (v *Validator) Check(path string) (Report, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Report{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return Report{}, fmt.Errorf("%s is not a directory", path)
	}

	report := Report{Path: path}
	report.Writable = v.probeWrite(path)
	report.Sandbox = DetectSandbox()

	if err := inspectMount(path, &report); err != nil {
		// Restricted environments (sandboxes, seccomp) can deny
		// statfs. Treat the mount state as unknown, not fatal.
		v.logger.Warn("mount inspection failed, treating state as unknown",
			"path", path, "error", err)
	}

	if report.ReadOnly && report.Writable {
		// statfs and the probe disagree; trust the probe but flag it.
		v.logger.Warn("mount reports read-only but probe write succeeded", "path", path)
	}
	return report, nil
}

// probeWrite attempts to create and remove a throwaway file.
func (v *Validator) probeWrite(dir string) bool {
	probe := filepath.Join(dir, ".preflight-"+uuid.NewString())
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

// SameDevice reports whether two paths live on the same filesystem
// device. Both paths must exist.
func (v *Validator) SameDevice(a, b string) (bool, error) {
	da, err := deviceOf(a)
	if err != nil {
		return false, fmt.Errorf("resolving device of %s: %w", a, err)
	}
	db, err := deviceOf(b)
	if err != nil {
		return false, fmt.Errorf("resolving device of %s: %w", b, err)
	}
	return da == db, nil
}

// CanaryLinkTest verifies link creation actually works in dir.
//
// Description:
//
//	Creates a small temporary file, attempts a symbolic link and a
//	hard link to it, reads the content back through each link, and
//	reports per-kind success. All artifacts are removed before
//	returning, success or not.
//
// Inputs:
//   - dir: Directory to test. Must be writable.
//
// Outputs:
//   - LinkSupport: Which link kinds round-tripped.
//   - error: Non-nil when the canary file itself cannot be created
//     (the directory is unusable, so no link verdict is possible).
func (v *Validator) CanaryLinkTest(dir string) (LinkSupport, error) {
	token := uuid.NewString()
	canary := filepath.Join(dir, ".canary-"+token)
	payload := []byte("modelvault-canary-" + token)

	if err := os.WriteFile(canary, payload, 0o600); err != nil {
		return LinkSupport{}, fmt.Errorf("creating canary file in %s: %w", dir, err)
	}
	defer os.Remove(canary)

	var support LinkSupport

	symPath := canary + ".sym"
	if err := os.Symlink(canary, symPath); err == nil {
		if got, err := os.ReadFile(symPath); err == nil && string(got) == string(payload) {
			support.Symlink = true
		}
		os.Remove(symPath)
	}

	hardPath := canary + ".hard"
	if err := os.Link(canary, hardPath); err == nil {
		if got, err := os.ReadFile(hardPath); err == nil && string(got) == string(payload) {
			support.Hardlink = true
		}
		os.Remove(hardPath)
	}

	v.logger.Debug("canary link test",
		"dir", dir, "symlink", support.Symlink, "hardlink", support.Hardlink)
	return support, nil
}

// ValidatePair runs the checks an import needs on source and
// destination together.
//
// Outputs:
//   - Report: Destination report.
//   - bool: Whether source and destination share a device.
//   - error: Non-nil when the destination is unusable or unwritable.
//     Writability is a hard requirement here, unlike in Check.
func (v *Validator) ValidatePair(source, destination string) (Report, bool, error) {
	report, err := v.Check(destination)
	if err != nil {
		return Report{}, false, err
	}
	if !report.Writable {
		if report.Sandbox != "" {
			return report, false, fmt.Errorf(
				"destination %s is not writable; running under %s, grant the sandbox access to this directory",
				destination, report.Sandbox)
		}
		return report, false, fmt.Errorf("destination %s is not writable", destination)
	}
	if report.ReadOnly {
		return report, false, fmt.Errorf("destination %s is on a read-only mount", destination)
	}

	same, err := v.SameDevice(source, destination)
	if err != nil {
		return report, false, err
	}
	return report, same, nil
}

// DetectSandbox checks for common sandboxing markers.
//
// Returns "flatpak", "snap", "container", or "" when none match.
func DetectSandbox() string {
	if _, err := os.Stat("/.flatpak-info"); err == nil {
		return "flatpak"
	}
	if os.Getenv("SNAP") != "" && os.Getenv("SNAP_NAME") != "" {
		return "snap"
	}
	if _, err := os.Stat("/run/.containerenv"); err == nil {
		return "container"
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "container"
	}
	return ""
}
