// Package tracker owns every per-user State and routes incoming log
// entries to it (spec.md §4.2). It is the single serialization domain for
// user state: all mutation happens under its mutex, mirroring the
// single-writer discipline the teacher repo keeps for its rate-limit and
// anomaly tables via sync.Map/atomic — here a plain mutex suffices since
// ProcessEntry and CleanupOldData must never interleave (spec.md §5).
package tracker

import (
	"sync"
	"time"

	"ipwarden/internal/logentry"
	"ipwarden/internal/userstate"
)

// Tracker is safe for concurrent use; callers never reach into a returned
// *userstate.State from more than one goroutine without going through it.
type Tracker struct {
	mu sync.Mutex

	users           map[string]*userstate.State
	latestTimestamp time.Time

	dataRetention time.Duration // cleanup drops users idle longer than this
	window        float64       // seconds; used by ExpireIPs and SharedIPs
}

// New constructs a Tracker. window is the concurrent-IP window (seconds)
// used by opportunistic IP expiry and shared-IP detection; dataRetention
// bounds how long an idle user's state is kept at all.
func New(window float64, dataRetention time.Duration) *Tracker {
	return &Tracker{
		users:         make(map[string]*userstate.State),
		window:        window,
		dataRetention: dataRetention,
	}
}

// ProcessEntry upserts the user named by entry.Email, records the entry
// against it, and — while still holding the Tracker's mutex — invokes
// onRecorded with the updated state. onRecorded is the Detection Engine's
// hook into the single serialization domain (spec.md §4.4): it may read the
// state freely but must not be retained past the call, since no other
// goroutine may touch a *userstate.State outside this lock.
func (t *Tracker) ProcessEntry(entry logentry.Entry, nodeName string, onRecorded func(*userstate.State)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[entry.Email]
	if !ok {
		u = userstate.New(entry.Email)
		t.users[entry.Email] = u
	}
	u.Record(entry, nodeName)

	if entry.Timestamp.After(t.latestTimestamp) {
		t.latestTimestamp = entry.Timestamp
	}

	if onRecorded != nil {
		onRecorded(u)
	}
}

// CleanupOldData drops every user whose last_seen predates
// latest_timestamp-dataRetention, and opportunistically expires stale IPs on
// survivors. It is idempotent for a fixed latest_timestamp (spec.md §8).
func (t *Tracker) CleanupOldData() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.latestTimestamp.IsZero() {
		return 0
	}
	cutoff := t.latestTimestamp.Add(-t.dataRetention)

	removed := 0
	for email, u := range t.users {
		if u.LastSeen.Before(cutoff) {
			delete(t.users, email)
			removed++
			continue
		}
		u.ExpireIPs(t.window)
	}
	return removed
}

// Inspect runs fn against the state for email while holding the Tracker's
// mutex, and reports whether the email was known. Query handlers (spec.md
// §6.3) use this instead of a raw pointer so reads never race the
// ingestion path's mutations.
func (t *Tracker) Inspect(email string, fn func(*userstate.State)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[email]
	if !ok {
		return false
	}
	fn(u)
	return true
}

// TotalUsers is the current number of tracked users.
func (t *Tracker) TotalUsers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}

// Totals returns the fleet-wide request/blocked counters.
func (t *Tracker) Totals() (requests, blocked int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range t.users {
		requests += u.RequestCount
		blocked += u.BlockedCount
	}
	return
}

// SharedIPs returns the IPs whose recent_ips(window) set appears for two or
// more distinct users, mapped to the set of those emails (spec.md §4.2).
func (t *Tracker) SharedIPs() map[string]map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	ipToEmails := make(map[string]map[string]struct{})
	for email, u := range t.users {
		for ip := range u.RecentIPs(t.window, 1) {
			if ipToEmails[ip] == nil {
				ipToEmails[ip] = make(map[string]struct{})
			}
			ipToEmails[ip][email] = struct{}{}
		}
	}
	for ip, emails := range ipToEmails {
		if len(emails) < 2 {
			delete(ipToEmails, ip)
		}
	}
	return ipToEmails
}

// ForEach runs fn against every tracked user's state while holding the
// Tracker's mutex (spec.md §4.2 "snapshot()"). fn should only read and
// accumulate into caller-owned values — it must not retain the *State.
func (t *Tracker) ForEach(fn func(*userstate.State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range t.users {
		fn(u)
	}
}
