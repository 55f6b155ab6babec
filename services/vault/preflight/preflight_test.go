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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCheckWritableDir verifies the probe on an ordinary temp dir.
func TestCheckWritableDir(t *testing.T) {
	v := NewValidator(nil)
	report, err := v.Check(t.TempDir())
	require.NoError(t, err)
	assert.True(t, report.Writable)
	assert.False(t, report.ReadOnly)
}

// TestCheckMissingPath verifies a missing path is an error, not a report.
func TestCheckMissingPath(t *testing.T) {
	v := NewValidator(nil)
	_, err := v.Check(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

// TestCheckFileNotDir verifies a regular file is rejected.
func TestCheckFileNotDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	v := NewValidator(nil)
	_, err := v.Check(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

// TestCheckUnwritableDir verifies the probe fails on a 0500 dir.
func TestCheckUnwritableDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	locked := filepath.Join(dir, "locked")
	require.NoError(t, os.Mkdir(locked, 0o500))

	v := NewValidator(nil)
	report, err := v.Check(locked)
	require.NoError(t, err)
	assert.False(t, report.Writable)
}

// TestSameDevice verifies two paths in one temp dir share a device.
func TestSameDevice(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.Mkdir(a, 0o755))
	require.NoError(t, os.Mkdir(b, 0o755))

	v := NewValidator(nil)
	same, err := v.SameDevice(a, b)
	require.NoError(t, err)
	assert.True(t, same)
}

// TestCanaryLinkTest verifies both link kinds round-trip on a normal
// filesystem and that no artifacts are left behind.
func TestCanaryLinkTest(t *testing.T) {
	dir := t.TempDir()

	v := NewValidator(nil)
	support, err := v.CanaryLinkTest(dir)
	require.NoError(t, err)
	assert.True(t, support.Symlink)
	assert.True(t, support.Hardlink)
	assert.True(t, support.Any())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "canary artifacts must be cleaned up")
}

// TestCanaryLinkTestUnwritable verifies an unusable dir is an error.
func TestCanaryLinkTestUnwritable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	locked := filepath.Join(dir, "locked")
	require.NoError(t, os.Mkdir(locked, 0o500))

	v := NewValidator(nil)
	_, err := v.CanaryLinkTest(locked)
	require.Error(t, err)
}

// TestValidatePair verifies the combined import preflight.
func TestValidatePair(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	v := NewValidator(nil)
	report, same, err := v.ValidatePair(src, dst)
	require.NoError(t, err)
	assert.True(t, report.Writable)
	// Both temp dirs live under the same tmpfs in practice, but the
	// assertion only cares that the answer is consistent.
	got, err := v.SameDevice(src, dst)
	require.NoError(t, err)
	assert.Equal(t, got, same)
}

// TestLinkSupportAny covers the refusal predicate.
func TestLinkSupportAny(t *testing.T) {
	assert.False(t, LinkSupport{}.Any())
	assert.True(t, LinkSupport{Symlink: true}.Any())
	assert.True(t, LinkSupport{Hardlink: true}.Any())
}
