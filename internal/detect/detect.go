// Package detect implements the escalation state machine: instantaneous
// "over-limit" events accumulate into a sustained "violator" status, which
// persists into a banned status after BANLIST_THRESHOLD (spec.md §4.4).
//
// Its shape is grounded on the teacher's internal/anom.Detector: a
// configuration struct with the same defaulting style, a Deps struct
// carrying optional collaborators (there: Mitigator; here: Sink and
// Notifier), a per-key sliding window guarded by its own lock, and a
// ticker-driven sweep goroutine that prunes and escalates — rewritten
// around the concrete trigger/violator/ban algorithm instead of EWMA spike
// scoring.
package detect

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ipwarden/internal/bansink"
	"ipwarden/internal/directory"
	"ipwarden/internal/notify"
	"ipwarden/internal/userstate"
	"ipwarden/pkg/metrics"
)

// Config enumerates every knob from spec.md §4.4.
type Config struct {
	ConcurrentWindow     float64       // seconds; "simultaneous" IP window
	TriggerPeriod        time.Duration // window over which triggers accumulate
	TriggerCount         int           // triggers needed to enter violator state
	BanlistThreshold     time.Duration // time in violator state before a persistent ban
	SubnetGrouping       bool          // count distinct /24s instead of distinct IPs
	WhitelistEmails      map[string]struct{}
	NotificationInterval time.Duration // minimum gap between per-user notifications
}

// Directory is the narrow read side of internal/directory.Directory the
// engine needs — kept as an interface so tests can substitute a stub.
// *directory.Directory satisfies this directly.
type Directory interface {
	Get(userID string) (directory.Entry, bool)
}

// Deps are the engine's collaborators. Directory is required. Sink and
// Notifier are optional (spec.md §9 "dynamic dispatch on optional
// collaborators"): each is a capability contract, and New substitutes its
// null implementation when the deployment doesn't wire one.
type Deps struct {
	Directory Directory
	Sink      bansink.Sink
	Notifier  notify.Notifier
}

type emailState struct {
	triggers          []time.Time
	isViolator        bool
	violatorFirstSeen time.Time
	violatorIPs       map[string]struct{}
	lastNotifiedAt    time.Time
}

// Engine is the Detection Engine (spec.md §4.4). It holds a non-owning
// reference to user state (read-only) and mutates only its own detection
// sub-state (spec.md §3.5).
type Engine struct {
	cfg  Config
	deps Deps

	mu    sync.Mutex
	state map[string]*emailState
}

// New builds an Engine. Zero-value Config fields are NOT defaulted here —
// unlike the teacher's anom.Detector, every knob in spec.md §4.4 has an
// explicit operator-facing default applied once, in pkg/config, so the
// engine itself never silently substitutes a value the operator didn't ask
// for.
func New(cfg Config, deps Deps) *Engine {
	if cfg.WhitelistEmails == nil {
		cfg.WhitelistEmails = map[string]struct{}{}
	}
	if deps.Sink == nil {
		deps.Sink = bansink.NullSink{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NullNotifier{}
	}
	return &Engine{cfg: cfg, deps: deps, state: make(map[string]*emailState)}
}

// IsViolator reports whether email is currently in violator status.
func (e *Engine) IsViolator(email string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[email]
	return ok && st.isViolator
}

// Violators returns the emails currently in violator status.
func (e *Engine) Violators() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.state))
	for email, st := range e.state {
		if st.isViolator {
			out = append(out, email)
		}
	}
	return out
}

// ViolatorDetail returns the violator-specific bookkeeping for email.
func (e *Engine) ViolatorDetail(email string) (firstSeen time.Time, ips map[string]struct{}, triggerCount int, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, exists := e.state[email]
	if !exists || !st.isViolator {
		return time.Time{}, nil, 0, false
	}
	ipsCopy := make(map[string]struct{}, len(st.violatorIPs))
	for ip := range st.violatorIPs {
		ipsCopy[ip] = struct{}{}
	}
	return st.violatorFirstSeen, ipsCopy, len(st.triggers), true
}

// TriggerCount returns the current trigger count for email (0 if none).
func (e *Engine) TriggerCount(email string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[email]
	if !ok {
		return 0
	}
	return len(st.triggers)
}

// effectiveIPs projects user's recent IPs to /24s when subnet grouping is on.
func (e *Engine) effectiveIPs(user *userstate.State) map[string]struct{} {
	ips := user.RecentIPs(e.cfg.ConcurrentWindow, 1)
	if e.cfg.SubnetGrouping {
		return userstate.GroupBySubnet(ips)
	}
	return ips
}

// Evaluate runs the per-entry steps of spec.md §4.4 using the entry's own
// timestamp t as "now". It must be called from the same serialization
// domain as Tracker.ProcessEntry's onRecorded hook, so user reflects the
// just-recorded entry and no concurrent ingest mutates it mid-evaluation.
func (e *Engine) Evaluate(user *userstate.State, email string, t time.Time) {
	if _, whitelisted := e.cfg.WhitelistEmails[email]; whitelisted {
		return
	}

	entry, ok := e.deps.Directory.Get(email)
	if !ok || entry.DeviceLimit == 0 {
		return
	}

	ips := e.effectiveIPs(user)
	count := uint64(len(ips))
	if count <= entry.DeviceLimit {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.state[email]
	if !ok {
		st = &emailState{}
		e.state[email] = st
	}

	st.triggers = append(st.triggers, t)
	st.triggers = pruneBefore(st.triggers, t.Add(-e.cfg.TriggerPeriod))
	metrics.TriggersTotal.WithLabelValues(email).Inc()

	if len(st.triggers) >= e.cfg.TriggerCount && !st.isViolator {
		st.isViolator = true
		st.violatorFirstSeen = t
		st.violatorIPs = make(map[string]struct{})
		metrics.ViolatorsEntered.Inc()
		log.Warn().
			Str("email", email).
			Int("trigger_count", len(st.triggers)).
			Int("ip_count", len(ips)).
			Uint64("limit", entry.DeviceLimit).
			Msg("violator_entered")
	}

	if st.isViolator {
		for ip := range ips {
			st.violatorIPs[ip] = struct{}{}
		}
	}
}

// UserLookup resolves a tracked user's state for the periodic sweep,
// without handing out a pointer that outlives the call (spec.md §5).
type UserLookup func(email string, fn func(*userstate.State)) bool

// Sweep runs the periodic evaluation of spec.md §4.4 (default every 5s wall
// clock): demote violators whose triggers have aged out of real time, and
// escalate to a ban once BANLIST_THRESHOLD has elapsed. Unlike Evaluate,
// Sweep uses wall-clock now rather than an entry timestamp — demotion must
// fire even if traffic from that user has stopped entirely (spec.md §9).
func (e *Engine) Sweep(ctx context.Context, now time.Time, lookup UserLookup) {
	e.mu.Lock()
	violatorEmails := make([]string, 0, len(e.state))
	for email, st := range e.state {
		if st.isViolator {
			violatorEmails = append(violatorEmails, email)
		}
	}
	e.mu.Unlock()

	for _, email := range violatorEmails {
		e.sweepOne(ctx, now, email, lookup)
	}

	// Orphan-trigger cleanup: prune or drop non-violator entries so the
	// triggers table never grows without bound (spec.md §4.4, §5).
	e.mu.Lock()
	for email, st := range e.state {
		if st.isViolator {
			continue
		}
		st.triggers = pruneBefore(st.triggers, now.Add(-e.cfg.TriggerPeriod))
		if len(st.triggers) == 0 {
			delete(e.state, email)
		}
	}
	e.mu.Unlock()

	if records, err := e.deps.Sink.List(ctx, 24*time.Hour); err == nil {
		metrics.ActiveBans.Set(float64(len(records)))
	}
}

func (e *Engine) sweepOne(ctx context.Context, now time.Time, email string, lookup UserLookup) {
	e.mu.Lock()
	st, ok := e.state[email]
	if !ok || !st.isViolator {
		e.mu.Unlock()
		return
	}

	st.triggers = pruneBefore(st.triggers, now.Add(-e.cfg.TriggerPeriod))
	if len(st.triggers) < e.cfg.TriggerCount {
		st.isViolator = false
		st.violatorFirstSeen = time.Time{}
		st.violatorIPs = nil
		e.mu.Unlock()
		log.Info().Str("email", email).Msg("violator_demoted")
		return
	}

	elapsed := now.Sub(st.violatorFirstSeen)
	shouldBan := elapsed >= e.cfg.BanlistThreshold
	violatorIPs := make(map[string]struct{}, len(st.violatorIPs))
	for ip := range st.violatorIPs {
		violatorIPs[ip] = struct{}{}
	}
	lastNotifiedAt := st.lastNotifiedAt
	e.mu.Unlock()

	if !shouldBan {
		return
	}

	var recentIPs map[string]struct{}
	var nodes map[string]struct{}
	var found bool
	lookup(email, func(u *userstate.State) {
		found = true
		for ip := range e.effectiveIPs(u) {
			recentIPs = mapPut(recentIPs, ip)
		}
		nodes = u.Nodes()
	})
	if !found {
		return
	}
	for ip := range violatorIPs {
		recentIPs = mapPut(recentIPs, ip)
	}

	allIPs := make([]string, 0, len(recentIPs))
	for ip := range recentIPs {
		allIPs = append(allIPs, ip)
	}
	allNodes := make([]string, 0, len(nodes))
	for n := range nodes {
		allNodes = append(allNodes, n)
	}

	entry, _ := e.deps.Directory.Get(email)
	violationDuration := int(elapsed.Seconds())

	notified := e.escalate(ctx, email, entry.DeviceLimit, entry.TelegramID, entry.Description, allIPs, allNodes, violationDuration, lastNotifiedAt, now)

	if notified {
		e.mu.Lock()
		if st2, ok := e.state[email]; ok {
			st2.lastNotifiedAt = now
		}
		e.mu.Unlock()
	}
}

// escalate performs spec.md §4.5's ban-list upsert and notification
// throttling. It returns whether a notification attempt should gate
// last_notification_at forward — per spec.md §9's recorded decision, only a
// *successful* notification advances the gate, so a failed send is retried
// on the very next sweep.
func (e *Engine) escalate(ctx context.Context, email string, limit uint64, telegramID, description string, ips, nodes []string, violationDuration int, lastNotifiedAt, now time.Time) bool {
	active, err := e.deps.Sink.ActiveBan(ctx, email, 24*time.Hour)
	if err != nil {
		log.Error().Err(err).Str("email", email).Msg("bansink_lookup_failed")
		return false
	}

	v := notify.Violation{
		Email:             email,
		TelegramID:        telegramID,
		Description:       description,
		IPCount:           len(ips),
		IPs:               ips,
		Nodes:             nodes,
		ViolationDuration: violationDuration,
		Limit:             limit,
	}

	if active != nil {
		if err := e.deps.Sink.Update(ctx, active.Email, len(ips), ips, nodes, violationDuration); err != nil {
			log.Error().Err(err).Str("email", email).Msg("bansink_update_failed")
		} else {
			metrics.BanlistUpdated.Inc()
			log.Info().Str("email", email).Int("ip_count", len(ips)).Int("violation_duration", violationDuration).Msg("banlist_updated")
		}

		if now.Sub(lastNotifiedAt) < e.cfg.NotificationInterval {
			return false
		}
		if err := e.deps.Notifier.Continues(ctx, v); err != nil {
			log.Error().Err(err).Str("email", email).Msg("notify_continues_failed")
			return false
		}
		return true
	}

	record := bansink.Record{
		ID:                bansink.NewID(email, now),
		Email:             email,
		TelegramID:        telegramID,
		Description:       description,
		IPCount:           len(ips),
		IPs:               ips,
		Nodes:             nodes,
		ViolationDuration: violationDuration,
		DetectedAt:        now,
	}
	if err := e.deps.Sink.Create(ctx, record); err != nil {
		log.Error().Err(err).Str("email", email).Msg("bansink_create_failed")
		return false
	}
	metrics.BanlistCreated.Inc()
	log.Warn().Str("email", email).Int("ip_count", len(ips)).Strs("nodes", nodes).Msg("banlist_created")

	if err := e.deps.Notifier.NewBan(ctx, v); err != nil {
		log.Error().Err(err).Str("email", email).Msg("notify_new_failed")
		return false
	}
	return true
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if !t.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func mapPut(m map[string]struct{}, k string) map[string]struct{} {
	if m == nil {
		m = make(map[string]struct{})
	}
	m[k] = struct{}{}
	return m
}
