// Package retryqueue implements the two RetryQueue/DeferredWork
// concerns of spec.md §4.5: a bounded priority queue of deferred backup
// attempts, and the retry state machine a failed BackupRecord moves
// through, driven by a resource-aware scan.
package retryqueue

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/bookmarksync/internal/resourcemon"
)

// DeferredWorkItem is one backup run that ResourceMonitor denied at its
// scheduled time (spec.md §3). Priority = min(hours_since_due, 24), so
// older deferrals win contention for the next available window.
type DeferredWorkItem struct {
	ID              string
	ScheduleID      string
	OriginallyDueAt time.Time
	EnqueuedAt      time.Time
	Priority        int
}

// NewDeferredWorkItem builds an item with priority derived from how
// overdue the original schedule fire time already is.
func NewDeferredWorkItem(scheduleID string, originallyDueAt, now time.Time, entropy *ulid.MonotonicEntropy) DeferredWorkItem {
	return DeferredWorkItem{
		ID:              ulid.MustNew(ulid.Timestamp(now), entropy).String(),
		ScheduleID:      scheduleID,
		OriginallyDueAt: originallyDueAt,
		EnqueuedAt:      now,
		Priority:        priorityFor(originallyDueAt, now),
	}
}

func priorityFor(dueAt, now time.Time) int {
	hours := int(now.Sub(dueAt).Hours())
	if hours < 0 {
		hours = 0
	}
	if hours > 24 {
		hours = 24
	}
	return hours
}

// Capacity is the bound on the deferred queue (spec.md §4.5).
const Capacity = 5

// ErrEmpty is returned by Next when the queue holds no items.
var ErrEmpty = errors.New("retryqueue: empty")

// Queue is a bounded FIFO sorted by priority desc. Insertion evicts the
// lowest-priority item once the queue is at capacity.
type Queue struct {
	items []DeferredWorkItem
}

// NewQueue returns an empty deferred-work queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Insert adds item, evicting the current lowest-priority item if the
// queue is already at Capacity. Ties on priority keep the earlier
// insertion (stable FIFO ordering within a priority band).
func (q *Queue) Insert(item DeferredWorkItem) {
	q.items = append(q.items, item)
	q.sortByPriorityDesc()
	if len(q.items) > Capacity {
		q.items = q.items[:Capacity]
	}
}

func (q *Queue) sortByPriorityDesc() {
	// Insertion sort: the queue never holds more than Capacity+1 items,
	// so this stays cheap and preserves FIFO order within a tie.
	for i := 1; i < len(q.items); i++ {
		j := i
		for j > 0 && q.items[j].Priority > q.items[j-1].Priority {
			q.items[j], q.items[j-1] = q.items[j-1], q.items[j]
			j--
		}
	}
}

// Len reports the number of items currently queued.
func (q *Queue) Len() int {
	return len(q.items)
}

// Next returns the highest-priority item, removing it from the queue,
// only if ResourceMonitor permits backup work right now; otherwise it
// returns ErrEmpty without mutating the queue.
func (q *Queue) Next(mon *resourcemon.Monitor) (DeferredWorkItem, error) {
	if len(q.items) == 0 {
		return DeferredWorkItem{}, ErrEmpty
	}
	if mon != nil {
		if d := mon.CanPerform(resourcemon.BackupPolicy); !d.Allowed {
			return DeferredWorkItem{}, ErrEmpty
		}
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, nil
}

// RetryStatus is a BackupRecord's position in the retry state machine
// (spec.md §4.5: InProgress → Failed → RetryPending → InProgress → …).
type RetryStatus string

const (
	StatusInProgress   RetryStatus = "in_progress"
	StatusFailed       RetryStatus = "failed"
	StatusRetryPending RetryStatus = "retry_pending"
	StatusSucceeded    RetryStatus = "succeeded"
)

// RetryState is the retry bookkeeping attached to a BackupRecord.
type RetryState struct {
	Status      RetryStatus
	Attempt     int
	NextRetryAt time.Time
}

// Policy configures the backoff bounds (spec.md §4.5 defaults: base 5
// min, cap 60 min, max_attempts 3).
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the spec.md §4.5 defaults.
func DefaultPolicy() Policy {
	return Policy{BaseDelay: 5 * time.Minute, MaxDelay: 60 * time.Minute, MaxAttempts: 3}
}

// OnFailure advances state on a failed backup attempt: if attempts
// remain, schedules a capped-exponential retry and returns
// RetryPending; otherwise terminates the record as Failed.
func OnFailure(state RetryState, policy Policy, now time.Time) (RetryState, error) {
	if state.Attempt >= policy.MaxAttempts {
		state.Status = StatusFailed
		return state, nil
	}
	delay, err := backoffDelay(state.Attempt, policy)
	if err != nil {
		return RetryState{}, err
	}
	state.Status = StatusRetryPending
	state.NextRetryAt = now.Add(delay)
	state.Attempt++
	return state, nil
}

// backoffDelay computes base_delay * 2^attempt capped at max_delay,
// using sethvargo/go-retry's exponential+capped primitives rather than
// a hand-rolled power-of-two loop.
func backoffDelay(attempt int, policy Policy) (time.Duration, error) {
	backoff, err := retry.NewExponential(policy.BaseDelay)
	if err != nil {
		return 0, err
	}
	backoff = retry.WithCappedDuration(policy.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(uint64(attempt)+1, backoff)

	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		d, stop := backoff.Next()
		if stop {
			return policy.MaxDelay, nil
		}
		delay = d
	}
	return delay, nil
}

// DueForRetry reports whether a RetryPending record should transition
// back to InProgress right now, per the retry scan's policy
// (check_battery=false, spec.md §4.5).
func DueForRetry(state RetryState, mon *resourcemon.Monitor, now time.Time) bool {
	if state.Status != StatusRetryPending || state.NextRetryAt.After(now) {
		return false
	}
	if mon != nil {
		if d := mon.CanPerform(resourcemon.RetryPolicy); !d.Allowed {
			return false
		}
	}
	return true
}

// BeginRetry transitions a due RetryPending record to InProgress.
func BeginRetry(state RetryState) RetryState {
	state.Status = StatusInProgress
	return state
}

// Scanner runs the retry-due scan independently of the deferred-work
// scan, matching spec.md §4.4's requirement that each of the three
// scans runs on its own cadence.
type Scanner struct {
	mon    *resourcemon.Monitor
	policy Policy
	now    func() time.Time
}

// NewScanner constructs a Scanner. now defaults to time.Now when nil.
func NewScanner(mon *resourcemon.Monitor, policy Policy, now func() time.Time) *Scanner {
	if now == nil {
		now = time.Now
	}
	return &Scanner{mon: mon, policy: policy, now: now}
}

// Dispatcher retries one BackupRecord identified by id.
type Dispatcher interface {
	Retry(ctx context.Context, backupID string) error
}

// RecordSource enumerates BackupRecord ids currently RetryPending along
// with their RetryState.
type RecordSource interface {
	PendingRetries() (map[string]RetryState, error)
	SaveRetryState(backupID string, state RetryState) error
}

// Scan advances every due RetryPending record to InProgress and
// dispatches it, per spec.md §4.5.
func (s *Scanner) Scan(ctx context.Context, src RecordSource, dispatch Dispatcher) error {
	pending, err := src.PendingRetries()
	if err != nil {
		return err
	}
	now := s.now()
	for id, state := range pending {
		if !DueForRetry(state, s.mon, now) {
			continue
		}
		state = BeginRetry(state)
		if err := src.SaveRetryState(id, state); err != nil {
			return err
		}
		if err := dispatch.Retry(ctx, id); err != nil {
			failed, ferr := OnFailure(state, s.policy, s.now())
			if ferr != nil {
				return ferr
			}
			if saveErr := src.SaveRetryState(id, failed); saveErr != nil {
				return saveErr
			}
		}
	}
	return nil
}
