// Package lockout tracks failed logins per (identity, origin) and applies
// progressively longer lockouts.
package lockout

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MGallo-Code/warden/internal/audit"
	"github.com/MGallo-Code/warden/internal/metrics"
)

// Level pairs a failure-count threshold with the lockout it triggers.
type Level struct {
	Threshold int
	Duration  time.Duration
}

// Levels must stay sorted by Threshold; durations ascend with it.
var Levels = []Level{
	{Threshold: 3, Duration: 5 * time.Minute},
	{Threshold: 5, Duration: 15 * time.Minute},
	{Threshold: 10, Duration: 60 * time.Minute},
}

const (
	// ResetWindow is how long an unlocked entry's failures are remembered.
	ResetWindow = 30 * time.Minute
	// Retention bounds how long any entry is kept after its last failure.
	Retention = 48 * time.Hour
	// SweepInterval is how often Sweep should run.
	SweepInterval = time.Hour
)

// Audit event types.
const (
	EventLoginFailed    = "login_failed"
	EventAccountLocked  = "account_locked"
	EventLockoutCleared = "lockout_cleared"
)

// Entry is the failure history of one (identity, origin) pair.
type Entry struct {
	FailedAttempts    int
	LockedUntil       time.Time // zero when not locked
	LastFailedAttempt time.Time
}

// Status is the answer to IsLocked.
type Status struct {
	Locked         bool
	Remaining      time.Duration
	FailedAttempts int
}

// RemainingMinutes rounds Remaining up to whole minutes.
func (s Status) RemainingMinutes() int {
	return int(math.Ceil(s.Remaining.Minutes()))
}

// Failure describes the state after RecordFailure.
type Failure struct {
	FailedAttempts int
	Level          int // 0 when the failure did not lock
	LockedFor      time.Duration
	LockedUntil    time.Time
}

// Stats is an aggregate snapshot for the security dashboard.
type Stats struct {
	Tracked int         `json:"tracked"`
	Locked  int         `json:"locked"`
	ByLevel map[int]int `json:"byLevel"`
}

type key struct {
	identity string
	origin   string
}

// Tracker is safe for concurrent use. Audit events are emitted after the lock is released.
type Tracker struct {
	mu      sync.Mutex
	entries map[key]*Entry

	audit   audit.Sink
	metrics *metrics.Metrics
	now     func() time.Time
}

// New returns an empty Tracker. sink may be nil; now may be nil.
func New(sink audit.Sink, m *metrics.Metrics, now func() time.Time) *Tracker {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		entries: make(map[key]*Entry),
		audit:   sink,
		metrics: m,
		now:     now,
	}
}

func makeKey(identity, origin string) key {
	return key{identity: strings.ToLower(strings.TrimSpace(identity)), origin: origin}
}

// levelFor returns the 1-based level reached by count failures, or 0.
func levelFor(count int) int {
	level := 0
	for i, l := range Levels {
		if count >= l.Threshold {
			level = i + 1
		}
	}
	return level
}

// liveLocked returns k's entry after applying expiry and decay, deleting it if it reset.
// Caller must hold t.mu.
func (t *Tracker) liveLocked(k key, now time.Time) *Entry {
	e, ok := t.entries[k]
	if !ok {
		return nil
	}
	if !e.LockedUntil.IsZero() {
		if now.Before(e.LockedUntil) {
			return e
		}
		delete(t.entries, k)
		return nil
	}
	if now.Sub(e.LastFailedAttempt) > ResetWindow {
		delete(t.entries, k)
		return nil
	}
	return e
}

// IsLocked reports whether identity is locked out from origin.
func (t *Tracker) IsLocked(identity, origin string) Status {
	k := makeKey(identity, origin)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.liveLocked(k, now)
	if e == nil {
		return Status{}
	}
	if e.LockedUntil.IsZero() {
		return Status{FailedAttempts: e.FailedAttempts}
	}
	return Status{Locked: true, Remaining: e.LockedUntil.Sub(now), FailedAttempts: e.FailedAttempts}
}

// RecordFailure counts one failed login and locks the pair once a threshold is met.
// Expired locks and stale failures are discarded first, so counting restarts cleanly.
func (t *Tracker) RecordFailure(ctx context.Context, identity, origin string) Failure {
	k := makeKey(identity, origin)
	now := t.now()

	t.mu.Lock()
	e := t.liveLocked(k, now)
	if e == nil {
		e = &Entry{}
		t.entries[k] = e
	}
	e.FailedAttempts++
	e.LastFailedAttempt = now
	f := Failure{FailedAttempts: e.FailedAttempts, Level: levelFor(e.FailedAttempts)}
	if f.Level > 0 {
		f.LockedFor = Levels[f.Level-1].Duration
		f.LockedUntil = now.Add(f.LockedFor)
		e.LockedUntil = f.LockedUntil
	}
	t.mu.Unlock()

	ev := audit.Event{
		Type:     EventLoginFailed,
		Severity: audit.SeverityLow,
		Identity: k.identity,
		Origin:   origin,
		Metadata: map[string]any{
			"failedAttempts":    f.FailedAttempts,
			"level":             f.Level,
			"lastFailedAttempt": now,
		},
		Timestamp: now,
	}
	if f.Level > 0 {
		ev.Type = EventAccountLocked
		ev.Severity = audit.SeverityMedium
		if f.Level == len(Levels) {
			ev.Severity = audit.SeverityHigh
		}
		ev.Description = "account locked for " + f.LockedFor.String() + " after " + strconv.Itoa(f.FailedAttempts) + " failed attempts"
		ev.Metadata["lockedUntil"] = f.LockedUntil
		t.metrics.Lockout(strconv.Itoa(f.Level))
		slog.Warn("account locked", "identity", k.identity, "origin", origin, "attempts", f.FailedAttempts, "duration", f.LockedFor)
	}
	t.emit(ctx, ev)
	return f
}

// Clear forgets the pair after a successful login.
func (t *Tracker) Clear(ctx context.Context, identity, origin string) {
	k := makeKey(identity, origin)
	now := t.now()

	t.mu.Lock()
	e, existed := t.entries[k]
	var prior int
	if existed {
		prior = e.FailedAttempts
		delete(t.entries, k)
	}
	t.mu.Unlock()

	if !existed {
		return
	}
	t.emit(ctx, audit.Event{
		Type:      EventLockoutCleared,
		Severity:  audit.SeverityLow,
		Identity:  k.identity,
		Origin:    origin,
		Metadata:  map[string]any{"failedAttempts": prior, "level": levelFor(prior)},
		Timestamp: now,
	})
}

// Sweep purges entries whose last failure is older than Retention.
func (t *Tracker) Sweep(context.Context) (int, error) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, e := range t.entries {
		if now.Sub(e.LastFailedAttempt) > Retention {
			delete(t.entries, k)
			n++
		}
	}
	return n, nil
}

// Stats counts tracked and actively locked entries.
func (t *Tracker) Stats() Stats {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{Tracked: len(t.entries), ByLevel: make(map[int]int)}
	for _, e := range t.entries {
		if !e.LockedUntil.IsZero() && now.Before(e.LockedUntil) {
			s.Locked++
			s.ByLevel[levelFor(e.FailedAttempts)]++
		}
	}
	return s
}

func (t *Tracker) emit(ctx context.Context, e audit.Event) {
	if err := t.audit.Emit(context.WithoutCancel(ctx), e); err != nil {
		slog.Warn("audit emit failed", "type", e.Type, "error", err)
	}
}
