// Package schedule owns the single Schedule descriptor that drives the
// daemon's scan loops: computing the next fire time per frequency and
// answering whether a backup is due right now (spec.md §4.4). It is the
// gatekeeper between due work and the ResourceMonitor, sitting between
// a configurable frequency/time-of-day schedule and the scan loop that
// consumes it.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/sjson"
)

// Frequency enumerates the supported schedule cadences (spec.md §3).
type Frequency string

const (
	Hourly  Frequency = "hourly"
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Schedule is the persistent schedule descriptor. Invariant: when
// Enabled, NextRun is always the earliest future fire time consistent
// with Frequency/Hour/Minute/DayOfWeek/DayOfMonth.
type Schedule struct {
	ID          string
	Enabled     bool
	Frequency   Frequency
	Hour        int // [0,23]
	Minute      int // [0,59]
	DayOfWeek   int // [0,6], Sunday=0, used when Frequency == Weekly
	DayOfMonth  int // [1,31] clamped to month length, used when Frequency == Monthly
	Timezone    string
	RetainCount int // -1 = unlimited
	LastRun     *time.Time
	NextRun     time.Time
}

var (
	ErrInvalidFrequency = errors.New("schedule: invalid frequency")
	ErrInvalidField     = errors.New("schedule: invalid field value")
)

// Patch carries a partial update to a Schedule; nil fields are left
// unchanged. Applying a Patch always recomputes NextRun (spec.md §4.4:
// "updating recomputes next_run from the new frequency/time fields").
type Patch struct {
	Enabled     *bool
	Frequency   *Frequency
	Hour        *int
	Minute      *int
	DayOfWeek   *int
	DayOfMonth  *int
	Timezone    *string
	RetainCount *int
}

// Store persists a single Schedule, keyed by id, in internal/localstore.
type Store interface {
	GetSchedule(id string) (Schedule, error)
	PutSchedule(Schedule) error
}

// Scheduler is the sole owner of the Schedule record named by id.
type Scheduler struct {
	store Store
	id    string
	now   func() time.Time
}

// New constructs a Scheduler over an existing persisted schedule id.
// now defaults to time.Now when nil, overridable for tests.
func New(store Store, id string, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{store: store, id: id, now: now}
}

// Get returns the current Schedule.
func (s *Scheduler) Get() (Schedule, error) {
	return s.store.GetSchedule(s.id)
}

// Update applies patch to the schedule and recomputes NextRun. The
// patch is applied as a surgical JSON edit via PatchJSON rather than a
// field-by-field struct copy, then decoded back into sched.
func (s *Scheduler) Update(patch Patch) (Schedule, error) {
	sched, err := s.store.GetSchedule(s.id)
	if err != nil {
		return Schedule{}, err
	}
	current, err := json.Marshal(sched)
	if err != nil {
		return Schedule{}, fmt.Errorf("schedule: marshal current state: %w", err)
	}
	patched, err := PatchJSON(current, patch)
	if err != nil {
		return Schedule{}, fmt.Errorf("schedule: apply patch: %w", err)
	}
	if err := json.Unmarshal(patched, &sched); err != nil {
		return Schedule{}, fmt.Errorf("schedule: decode patched state: %w", err)
	}
	if err := validate(sched); err != nil {
		return Schedule{}, err
	}
	sched.NextRun, err = ComputeNext(s.now(), sched)
	if err != nil {
		return Schedule{}, err
	}
	if err := s.store.PutSchedule(sched); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

// IsDue reports whether the schedule is enabled and its next fire time
// has arrived.
func (s *Scheduler) IsDue() (bool, error) {
	sched, err := s.store.GetSchedule(s.id)
	if err != nil {
		return false, err
	}
	return sched.Enabled && !sched.NextRun.After(s.now()), nil
}

// Advance records last_run=now and recomputes next_run, regardless of
// whether the due work actually ran (spec.md §4.4 step 3: a denied scan
// still advances so the deferred item does not re-trigger itself).
func (s *Scheduler) Advance() (Schedule, error) {
	sched, err := s.store.GetSchedule(s.id)
	if err != nil {
		return Schedule{}, err
	}
	now := s.now()
	sched.LastRun = &now
	sched.NextRun, err = ComputeNext(now, sched)
	if err != nil {
		return Schedule{}, err
	}
	if err := s.store.PutSchedule(sched); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

func validate(s Schedule) error {
	switch s.Frequency {
	case Hourly, Daily, Weekly, Monthly:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFrequency, s.Frequency)
	}
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("%w: hour %d", ErrInvalidField, s.Hour)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("%w: minute %d", ErrInvalidField, s.Minute)
	}
	if s.Frequency == Weekly && (s.DayOfWeek < 0 || s.DayOfWeek > 6) {
		return fmt.Errorf("%w: day_of_week %d", ErrInvalidField, s.DayOfWeek)
	}
	if s.Frequency == Monthly && (s.DayOfMonth < 1 || s.DayOfMonth > 31) {
		return fmt.Errorf("%w: day_of_month %d", ErrInvalidField, s.DayOfMonth)
	}
	return nil
}

// ComputeNext implements the compute_next rules of spec.md §4.4, pinned
// to s.Timezone so a headless daemon never inherits an ambient TZ. An
// empty or "Local" Timezone falls back to time.Local, matching the
// browser-local behavior this scheduler replaces.
func ComputeNext(now time.Time, s Schedule) (time.Time, error) {
	loc, err := loadLocation(s.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	now = now.In(loc)

	switch s.Frequency {
	case Hourly:
		return computeNextHourly(now, s.Minute), nil
	case Daily:
		return computeNextDaily(now, s.Hour, s.Minute), nil
	case Weekly:
		return computeNextWeekly(now, s.DayOfWeek, s.Hour, s.Minute), nil
	case Monthly:
		return computeNextMonthly(now, s.DayOfMonth, s.Hour, s.Minute), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, s.Frequency)
	}
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" || tz == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("schedule: load timezone %q: %w", tz, err)
	}
	return loc, nil
}

func computeNextHourly(now time.Time, minute int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.Add(time.Hour)
	}
	return candidate
}

func computeNextDaily(now time.Time, hour, minute int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func computeNextWeekly(now time.Time, dow, hour, minute int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	daysUntil := (dow - int(now.Weekday()) + 7) % 7
	candidate = candidate.AddDate(0, 0, daysUntil)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

func computeNextMonthly(now time.Time, dom, hour, minute int) time.Time {
	candidate := dateInMonth(now.Year(), now.Month(), dom, hour, minute, now.Location())
	if !candidate.After(now) {
		nextMonth := now.AddDate(0, 1, 0)
		candidate = dateInMonth(nextMonth.Year(), nextMonth.Month(), dom, hour, minute, now.Location())
	}
	return candidate
}

// dateInMonth clamps dom to the number of days in (year, month), so a
// dom=31 schedule fires on Feb 28/29 instead of rolling into March.
func dateInMonth(year int, month time.Month, dom, hour, minute int, loc *time.Location) time.Time {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	if dom > lastDay {
		dom = lastDay
	}
	return time.Date(year, month, dom, hour, minute, 0, 0, loc)
}

// PatchJSON renders p as a surgical JSON patch over an existing
// Schedule JSON document, touching only the fields p sets. Key names
// match encoding/json's default (tagless) marshaling of Schedule, so
// the result round-trips through json.Unmarshal back into a Schedule.
// Scheduler.Update uses this instead of a field-by-field struct copy
// so a patch is always expressed, and applied, the same way it is
// transmitted over the wire.
func PatchJSON(schedule []byte, p Patch) ([]byte, error) {
	out := schedule
	var err error
	if p.Enabled != nil {
		if out, err = sjson.SetBytes(out, "Enabled", *p.Enabled); err != nil {
			return nil, err
		}
	}
	if p.Frequency != nil {
		if out, err = sjson.SetBytes(out, "Frequency", string(*p.Frequency)); err != nil {
			return nil, err
		}
	}
	if p.Hour != nil {
		if out, err = sjson.SetBytes(out, "Hour", *p.Hour); err != nil {
			return nil, err
		}
	}
	if p.Minute != nil {
		if out, err = sjson.SetBytes(out, "Minute", *p.Minute); err != nil {
			return nil, err
		}
	}
	if p.DayOfWeek != nil {
		if out, err = sjson.SetBytes(out, "DayOfWeek", *p.DayOfWeek); err != nil {
			return nil, err
		}
	}
	if p.DayOfMonth != nil {
		if out, err = sjson.SetBytes(out, "DayOfMonth", *p.DayOfMonth); err != nil {
			return nil, err
		}
	}
	if p.Timezone != nil {
		if out, err = sjson.SetBytes(out, "Timezone", *p.Timezone); err != nil {
			return nil, err
		}
	}
	if p.RetainCount != nil {
		if out, err = sjson.SetBytes(out, "RetainCount", *p.RetainCount); err != nil {
			return nil, err
		}
	}
	return out, nil
}
