// Package janitor reclaims scratch folders left behind by sessions that never
// finished in this process, for example after a restart.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultSchedule = "@every 1h"
	DefaultMaxAge   = 6 * time.Hour

	folderPrefix = "Temp_"
)

// ActiveSet lists scratch folders that must not be swept.
type ActiveSet interface {
	ActiveFolders() []string
}

// Janitor removes stale Temp_ folders under a scratch directory.
type Janitor struct {
	dir    string
	maxAge time.Duration
	active ActiveSet
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func New(dir string, maxAge time.Duration, active ActiveSet, logger zerolog.Logger) (*Janitor, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("scratch dir is required")
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Janitor{
		dir:    dir,
		maxAge: maxAge,
		active: active,
		logger: logger.With().Str("component", "janitor").Logger(),
		now:    time.Now,
		cron:   cron.New(),
	}, nil
}

// Sweep removes every stale, inactive scratch folder and returns how many it removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read scratch dir: %w", err)
	}

	keep := make(map[string]struct{})
	if j.active != nil {
		for _, folder := range j.active.ActiveFolders() {
			keep[filepath.Clean(folder)] = struct{}{}
		}
	}

	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), folderPrefix) {
			continue
		}
		path := filepath.Join(j.dir, entry.Name())
		if _, ok := keep[filepath.Clean(path)]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		removed++
		j.logger.Info().Str("folder", path).Time("modified", info.ModTime()).Msg("removed stale scratch folder")
	}
	return removed, errors.Join(errs...)
}

// Start runs Sweep on schedule (standard cron syntax or descriptors such as "@every 1h").
func (j *Janitor) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return errors.New("janitor already running")
	}

	if _, err := j.cron.AddFunc(schedule, func() { j.run(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	j.cron.Start()
	j.running = true
	j.logger.Info().Str("schedule", schedule).Dur("max_age", j.maxAge).Msg("janitor started")
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
	j.logger.Info().Msg("janitor stopped")
}

// NextRun reports the next scheduled sweep.
func (j *Janitor) NextRun() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	entries := j.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[0].Next, true
}

func (j *Janitor) run(ctx context.Context) {
	removed, err := j.Sweep(ctx)
	if err != nil {
		j.logger.Error().Err(err).Int("removed", removed).Msg("scheduled sweep failed")
		return
	}
	j.logger.Debug().Int("removed", removed).Msg("scheduled sweep finished")
}
