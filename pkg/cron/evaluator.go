// Package cron evaluates recurring job specs against the wall clock. The
// owner calls Tick at least once per second; every spec whose next fire
// time has passed fires exactly once and is rescheduled from now, so
// missed windows coalesce into a single firing instead of catching up.
package cron

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dockschedule/dockschedule/pkg/log"
	"github.com/dockschedule/dockschedule/pkg/types"
)

// FireFunc is invoked serially for each due spec. Heavy work must be
// dispatched elsewhere; the evaluator never spawns goroutines.
type FireFunc func(spec *types.CronSpec)

type entry struct {
	spec *types.CronSpec
	next time.Time
}

// Evaluator holds the live schedule
type Evaluator struct {
	mu      sync.Mutex
	entries []*entry
	fire    FireFunc
	now     func() time.Time
	logger  zerolog.Logger
}

// New creates an evaluator firing into fn
func New(fn FireFunc) *Evaluator {
	return &Evaluator{
		fire:   fn,
		now:    time.Now,
		logger: log.WithComponent("cron"),
	}
}

// Reload atomically replaces the active schedule. Pending fire times for
// removed specs are forgotten; in-flight jobs are unaffected. Specs whose
// schedule cannot be computed are skipped with an error log.
func (e *Evaluator) Reload(specs []*types.CronSpec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	entries := make([]*entry, 0, len(specs))
	for _, spec := range specs {
		next, err := nextFire(spec, now)
		if err != nil {
			e.logger.Error().Err(err).Str("cron_id", spec.ID).Str("name", spec.Name).
				Msg("Failed to schedule cron spec")
			continue
		}
		entries = append(entries, &entry{spec: spec, next: next})
	}
	e.entries = entries
}

// Tick fires every due spec. Callbacks run serially on the caller's
// goroutine; the next fire time is computed from now, not from the missed
// boundary.
func (e *Evaluator) Tick() {
	e.mu.Lock()
	now := e.now()
	var due []*entry
	for _, en := range e.entries {
		if !en.next.After(now) {
			due = append(due, en)
		}
	}
	for _, en := range due {
		next, err := nextFire(en.spec, now)
		if err != nil {
			// cannot happen for entries that scheduled once already
			e.logger.Error().Err(err).Str("cron_id", en.spec.ID).Msg("Failed to reschedule cron spec")
			continue
		}
		en.next = next
	}
	e.mu.Unlock()

	for _, en := range due {
		e.fire(en.spec)
	}
}

// Schedule returns a snapshot of spec ID to next fire time
func (e *Evaluator) Schedule() map[string]time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := make(map[string]time.Time, len(e.entries))
	for _, en := range e.entries {
		snap[en.spec.ID] = en.next
	}
	return snap
}

// nextFire computes the first fire time strictly after now for a spec.
// Interval schedules anchor on now; at schedules anchor on the next
// matching wall-clock boundary in the spec timezone.
func nextFire(spec *types.CronSpec, now time.Time) (time.Time, error) {
	if spec.Interval > 0 {
		switch spec.Frequency {
		case types.FrequencySecond:
			return now.Add(time.Duration(spec.Interval) * time.Second), nil
		case types.FrequencyMinute:
			return now.Add(time.Duration(spec.Interval) * time.Minute), nil
		case types.FrequencyHour:
			return now.Add(time.Duration(spec.Interval) * time.Hour), nil
		case types.FrequencyDay:
			return now.Add(time.Duration(spec.Interval) * 24 * time.Hour), nil
		}
		return time.Time{}, fmt.Errorf("unknown schedule frequency: %s", spec.Frequency)
	}

	loc := spec.Location()
	local := now.In(loc)
	y, mo, d := local.Date()

	switch spec.Frequency {
	case types.FrequencyMinute:
		// :SS each minute
		ss, err := atField(spec.At, 1, 3)
		if err != nil {
			return time.Time{}, err
		}
		cand := time.Date(y, mo, d, local.Hour(), local.Minute(), ss, 0, loc)
		if !cand.After(now) {
			cand = cand.Add(time.Minute)
		}
		return cand, nil
	case types.FrequencyHour:
		// :MM or MM:SS each hour
		var mm, ss int
		var err error
		if len(spec.At) == 3 {
			mm, err = atField(spec.At, 1, 3)
		} else {
			if mm, err = atField(spec.At, 0, 2); err == nil {
				ss, err = atField(spec.At, 3, 5)
			}
		}
		if err != nil {
			return time.Time{}, err
		}
		cand := time.Date(y, mo, d, local.Hour(), mm, ss, 0, loc)
		if !cand.After(now) {
			cand = cand.Add(time.Hour)
		}
		return cand, nil
	case types.FrequencyDay:
		// HH:MM or HH:MM:SS each day, local to the spec timezone
		var hh, mm, ss int
		var err error
		if hh, err = atField(spec.At, 0, 2); err == nil {
			mm, err = atField(spec.At, 3, 5)
		}
		if err == nil && len(spec.At) == 8 {
			ss, err = atField(spec.At, 6, 8)
		}
		if err != nil {
			return time.Time{}, err
		}
		cand := time.Date(y, mo, d, hh, mm, ss, 0, loc)
		if !cand.After(now) {
			cand = time.Date(y, mo, d+1, hh, mm, ss, 0, loc)
		}
		return cand, nil
	case types.FrequencySecond:
		return time.Time{}, fmt.Errorf(`frequency "second" requires an interval`)
	}
	return time.Time{}, fmt.Errorf("unknown schedule frequency: %s", spec.Frequency)
}

func atField(at string, from, to int) (int, error) {
	if len(at) < to {
		return 0, fmt.Errorf("invalid at time: %q", at)
	}
	n, err := strconv.Atoi(at[from:to])
	if err != nil {
		return 0, fmt.Errorf("invalid at time %q: %w", at, err)
	}
	return n, nil
}
