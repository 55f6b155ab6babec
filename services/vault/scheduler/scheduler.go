// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler bounds concurrent heavy I/O per physical device.
//
// Copying two 20GB model files in parallel onto one rotational drive
// does not run twice as slow, it runs ten times as slow: the heads
// seek between both write streams. The scheduler classifies the device
// behind each mount point once, then hands out permits:
//
//   - solid-state: 2 concurrent heavy operations
//   - rotational or unknown: 1 (serial)
//
// Classification failure is not an error. Restricted environments
// (sandboxes, containers) often deny the sysfs reads classification
// needs; the scheduler then defaults to the conservative serial
// policy rather than refusing to work.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sync/semaphore"
)

// DriveClass is the device category behind a mount point.
type DriveClass string

const (
	// ClassSolidState marks devices with no seek penalty.
	ClassSolidState DriveClass = "ssd"

	// ClassRotational marks spinning disks.
	ClassRotational DriveClass = "hdd"

	// ClassUnknown marks devices that could not be classified.
	// Treated exactly like rotational: serial access.
	ClassUnknown DriveClass = "unknown"
)

// Limit returns the concurrent heavy-I/O bound for the class.
func (c DriveClass) Limit() int64 {
	if c == ClassSolidState {
		return 2
	}
	return 1
}

// Scheduler hands out per-mount-point I/O permits.
//
// Thread Safety: Safe for concurrent use.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	permits map[string]*semaphore.Weighted
	classes map[string]DriveClass

	// partitions is loaded once; mount tables do not change often
	// enough during one process lifetime to justify re-reading them
	// per operation. Refresh() rebuilds it after external mounts.
	partitions []disk.PartitionStat

	// classifyFn is swappable for tests.
	classifyFn func(device string) (DriveClass, error)

	// WaitHook, when set before use, is called with +1 when an
	// acquire starts waiting and -1 when the wait ends. Telemetry
	// feeds its waiting gauge from it.
	WaitHook func(delta int)
}

// New creates a Scheduler. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger:     logger.With(slog.String("component", "scheduler")),
		permits:    make(map[string]*semaphore.Weighted),
		classes:    make(map[string]DriveClass),
		classifyFn: classifyDevice,
	}
	s.loadPartitions()
	return s
}

func (s *Scheduler) loadPartitions() {
	parts, err := disk.Partitions(false)
	if err != nil {
		s.logger.Warn("partition enumeration failed, all paths map to /", "error", err)
		s.partitions = nil
		return
	}
	// Longest mount point first so prefix matching picks the most
	// specific mount.
	sort.Slice(parts, func(i, j int) bool {
		return len(parts[i].Mountpoint) > len(parts[j].Mountpoint)
	})
	s.partitions = parts
}

// Refresh re-reads the mount table. Call after external drives are
// attached or detached.
func (s *Scheduler) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadPartitions()
}

// MountPoint resolves the mount point holding path.
//
// Falls back to "/" when no partition prefix matches, which keeps
// every path schedulable even when enumeration failed.
func (s *Scheduler) MountPoint(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mountPointLocked(path)
}

func (s *Scheduler) mountPointLocked(path string) string {
	for _, p := range s.partitions {
		mp := p.Mountpoint
		if path == mp || strings.HasPrefix(path, strings.TrimSuffix(mp, "/")+"/") {
			return mp
		}
	}
	return "/"
}

// Classify returns the drive class of the device behind path.
//
// The answer is computed once per mount point and cached for the
// process lifetime.
func (s *Scheduler) Classify(path string) DriveClass {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.classifyLocked(s.mountPointLocked(path))
}

func (s *Scheduler) classifyLocked(mount string) DriveClass {
	if class, ok := s.classes[mount]; ok {
		return class
	}

	device := ""
	for _, p := range s.partitions {
		if p.Mountpoint == mount {
			device = p.Device
			break
		}
	}

	class := ClassUnknown
	if device != "" {
		c, err := s.classifyFn(device)
		if err != nil {
			s.logger.Warn("drive classification failed, defaulting to serial",
				"mount", mount, "device", device, "error", err)
		} else {
			class = c
		}
	}

	s.classes[mount] = class
	s.logger.Debug("classified mount", "mount", mount, "device", device, "class", string(class))
	return class
}

// Acquire takes a heavy-I/O permit for the mount holding path.
//
// Description:
//
//	Blocks until a permit is available or ctx is done. The returned
//	release function must be called exactly once, unconditionally,
//	on completion or failure. Releasing is safe from any goroutine.
//
// Inputs:
//   - ctx: Bounds the wait.
//   - path: Any path on the target device.
//
// Outputs:
//   - func(): Release function. Nil only when error is non-nil.
//   - error: ctx error when the wait was cancelled.
func (s *Scheduler) Acquire(ctx context.Context, path string) (func(), error) {
	sem := s.semaphoreFor(path)
	if s.WaitHook != nil {
		s.WaitHook(1)
	}
	err := sem.Acquire(ctx, 1)
	if s.WaitHook != nil {
		s.WaitHook(-1)
	}
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

// AcquirePair takes permits for both sides of a cross-device copy.
//
// Permits are acquired in lexical mount-point order so two concurrent
// cross-device copies between the same pair of drives cannot deadlock
// against each other. When both paths share a mount, a single permit
// is taken.
func (s *Scheduler) AcquirePair(ctx context.Context, source, destination string) (func(), error) {
	srcMount := s.MountPoint(source)
	dstMount := s.MountPoint(destination)

	if srcMount == dstMount {
		return s.Acquire(ctx, destination)
	}

	first, second := source, destination
	if dstMount < srcMount {
		first, second = destination, source
	}

	releaseFirst, err := s.Acquire(ctx, first)
	if err != nil {
		return nil, err
	}
	releaseSecond, err := s.Acquire(ctx, second)
	if err != nil {
		releaseFirst()
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseSecond()
			releaseFirst()
		})
	}, nil
}

// semaphoreFor returns (creating on first use) the permit pool of the
// mount holding path.
func (s *Scheduler) semaphoreFor(path string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()

	mount := s.mountPointLocked(path)
	if sem, ok := s.permits[mount]; ok {
		return sem
	}
	class := s.classifyLocked(mount)
	sem := semaphore.NewWeighted(class.Limit())
	s.permits[mount] = sem
	return sem
}
