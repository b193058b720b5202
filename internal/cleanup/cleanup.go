// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cleanup sweeps the pipeline's scratch directory on a recurring
// schedule, since a long-lived worker pool can otherwise accumulate files
// a crashed fetch or upload failed to remove. Sweep is not run before or
// after each notification; the pipeline removes each file it fetched
// itself.
package cleanup

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/wmo-im/wis2-gc/pkg/log"
)

// Sweep removes every regular file directly under dir, returning the
// count removed. Subdirectories are left alone.
func Sweep(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			log.Warnf("cleanup: could not remove %s: %v", entry.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Scheduler runs a periodic Sweep of dir using gocron, the same
// scheduler library the task manager uses for retention and
// compression jobs.
type Scheduler struct {
	sched gocron.Scheduler
}

// Start creates and starts a scheduler that sweeps dir every interval.
func Start(dir string, interval time.Duration) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			n, err := Sweep(dir)
			if err != nil {
				log.Warnf("cleanup: scheduled sweep of %s failed: %v", dir, err)
				return
			}
			if n > 0 {
				log.Stagef("CLEANUP", "removed %d stale file(s) from %s", n, dir)
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	s.Start()
	return &Scheduler{sched: s}, nil
}

// Shutdown stops the scheduler.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
