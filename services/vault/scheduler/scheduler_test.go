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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests overwrite the partition table and classifier directly so they
// never touch sysfs or the real mount table.

// TestClassLimit verifies the per-class concurrency bounds.
func TestClassLimit(t *testing.T) {
	assert.Equal(t, int64(2), ClassSolidState.Limit())
	assert.Equal(t, int64(1), ClassRotational.Limit())
	assert.Equal(t, int64(1), ClassUnknown.Limit())
}

// TestMountPointLongestPrefix verifies the most specific mount wins.
func TestMountPointLongestPrefix(t *testing.T) {
	s := New(nil)
	s.mu.Lock()
	s.partitions = []disk.PartitionStat{
		{Device: "/dev/b", Mountpoint: "/mnt/usb/backup"},
		{Device: "/dev/a", Mountpoint: "/mnt/usb"},
		{Device: "/dev/root", Mountpoint: "/"},
	}
	s.mu.Unlock()

	assert.Equal(t, "/mnt/usb/backup", s.MountPoint("/mnt/usb/backup/models/x"))
	assert.Equal(t, "/mnt/usb", s.MountPoint("/mnt/usb/models/x"))
	// Partial prefix must not match: /mnt/usb_backup is not /mnt/usb.
	assert.Equal(t, "/", s.MountPoint("/mnt/usb_backup/models"))
}

// TestClassifyFailureDefaultsSerial verifies classification failure
// falls back to the conservative policy instead of erroring.
func TestClassifyFailureDefaultsSerial(t *testing.T) {
	s := New(nil)
	s.mu.Lock()
	s.partitions = []disk.PartitionStat{{Device: "/dev/x", Mountpoint: "/mnt/x"}}
	s.classifyFn = func(string) (DriveClass, error) {
		return ClassUnknown, fmt.Errorf("sysfs denied")
	}
	s.mu.Unlock()

	assert.Equal(t, ClassUnknown, s.Classify("/mnt/x/file"))
}

// TestClassifyCached verifies the classifier runs once per mount.
func TestClassifyCached(t *testing.T) {
	var calls atomic.Int32
	s := New(nil)
	s.mu.Lock()
	s.partitions = []disk.PartitionStat{{Device: "/dev/x", Mountpoint: "/mnt/x"}}
	s.classifyFn = func(string) (DriveClass, error) {
		calls.Add(1)
		return ClassSolidState, nil
	}
	s.mu.Unlock()

	require.Equal(t, ClassSolidState, s.Classify("/mnt/x/a"))
	require.Equal(t, ClassSolidState, s.Classify("/mnt/x/b"))
	assert.Equal(t, int32(1), calls.Load())
}

// TestAcquireSerialBound verifies only one permit exists for an
// unknown-class mount.
func TestAcquireSerialBound(t *testing.T) {
	s := New(nil)
	s.mu.Lock()
	s.partitions = []disk.PartitionStat{{Device: "/dev/x", Mountpoint: "/mnt/hdd"}}
	s.classifyFn = func(string) (DriveClass, error) { return ClassRotational, nil }
	s.mu.Unlock()

	release, err := s.Acquire(context.Background(), "/mnt/hdd/a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, "/mnt/hdd/b")
	assert.Error(t, err, "second permit on a rotational mount must block")

	release()
	release2, err := s.Acquire(context.Background(), "/mnt/hdd/b")
	require.NoError(t, err)
	release2()
}

// TestAcquireSSDAllowsTwo verifies the solid-state bound.
func TestAcquireSSDAllowsTwo(t *testing.T) {
	s := New(nil)
	s.mu.Lock()
	s.partitions = []disk.PartitionStat{{Device: "/dev/x", Mountpoint: "/mnt/ssd"}}
	s.classifyFn = func(string) (DriveClass, error) { return ClassSolidState, nil }
	s.mu.Unlock()

	r1, err := s.Acquire(context.Background(), "/mnt/ssd/a")
	require.NoError(t, err)
	r2, err := s.Acquire(context.Background(), "/mnt/ssd/b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, "/mnt/ssd/c")
	assert.Error(t, err, "third permit must block")

	r1()
	r2()
}

// TestReleaseIdempotent verifies double release does not over-credit.
func TestReleaseIdempotent(t *testing.T) {
	s := New(nil)
	s.mu.Lock()
	s.partitions = []disk.PartitionStat{{Device: "/dev/x", Mountpoint: "/mnt/hdd"}}
	s.classifyFn = func(string) (DriveClass, error) { return ClassRotational, nil }
	s.mu.Unlock()

	release, err := s.Acquire(context.Background(), "/mnt/hdd/a")
	require.NoError(t, err)
	release()
	release() // must be a no-op

	r2, err := s.Acquire(context.Background(), "/mnt/hdd/a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, "/mnt/hdd/a")
	assert.Error(t, err, "double release must not mint an extra permit")
	r2()
}

// TestAcquirePairOrdering verifies cross-device acquisition does not
// deadlock when two goroutines take the pair in opposite orders.
func TestAcquirePairOrdering(t *testing.T) {
	s := New(nil)
	s.mu.Lock()
	s.partitions = []disk.PartitionStat{
		{Device: "/dev/a", Mountpoint: "/mnt/a"},
		{Device: "/dev/b", Mountpoint: "/mnt/b"},
	}
	s.classifyFn = func(string) (DriveClass, error) { return ClassRotational, nil }
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release, err := s.AcquirePair(ctx, "/mnt/a/src", "/mnt/b/dst")
			if err == nil {
				release()
			}
		}()
		go func() {
			defer wg.Done()
			release, err := s.AcquirePair(ctx, "/mnt/b/src", "/mnt/a/dst")
			if err == nil {
				release()
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("AcquirePair deadlocked")
	}
}

// TestAcquirePairSameMount verifies a single permit covers same-mount
// pairs.
func TestAcquirePairSameMount(t *testing.T) {
	s := New(nil)
	s.mu.Lock()
	s.partitions = []disk.PartitionStat{{Device: "/dev/x", Mountpoint: "/mnt/x"}}
	s.classifyFn = func(string) (DriveClass, error) { return ClassSolidState, nil }
	s.mu.Unlock()

	r1, err := s.AcquirePair(context.Background(), "/mnt/x/src", "/mnt/x/dst")
	require.NoError(t, err)
	r2, err := s.AcquirePair(context.Background(), "/mnt/x/src2", "/mnt/x/dst2")
	require.NoError(t, err)
	r1()
	r2()
}
