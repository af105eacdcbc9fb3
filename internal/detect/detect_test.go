package detect

import (
	"context"
	"testing"
	"time"

	"ipwarden/internal/bansink"
	"ipwarden/internal/directory"
	"ipwarden/internal/logentry"
	"ipwarden/internal/notify"
	"ipwarden/internal/userstate"
)

type stubDirectory struct {
	limits map[string]directory.Entry
}

func (d *stubDirectory) Get(userID string) (directory.Entry, bool) {
	e, ok := d.limits[userID]
	return e, ok
}

type memSink struct {
	records map[string]*bansink.Record
	updates int
	creates int
}

func newMemSink() *memSink { return &memSink{records: map[string]*bansink.Record{}} }

func (m *memSink) ActiveBan(_ context.Context, email string, lookback time.Duration) (*bansink.Record, error) {
	r, ok := m.records[email]
	if !ok {
		return nil, nil
	}
	if time.Since(r.DetectedAt) > lookback {
		return nil, nil
	}
	return r, nil
}

func (m *memSink) Create(_ context.Context, r bansink.Record) error {
	m.creates++
	cp := r
	m.records[r.Email] = &cp
	return nil
}

func (m *memSink) Update(_ context.Context, recordID string, ipCount int, ips, nodes []string, violationDuration int) error {
	m.updates++
	for _, r := range m.records {
		if r.Email == recordID {
			r.IPCount = ipCount
			r.IPs = ips
			r.Nodes = nodes
			r.ViolationDuration = violationDuration
		}
	}
	return nil
}

func (m *memSink) List(context.Context, time.Duration) ([]bansink.Record, error) { return nil, nil }
func (m *memSink) Clear(context.Context) (int, error)                           { return 0, nil }

type memNotifier struct {
	newBans   int
	continues int
}

func (n *memNotifier) NewBan(context.Context, notify.Violation) error    { n.newBans++; return nil }
func (n *memNotifier) Continues(context.Context, notify.Violation) error { n.continues++; return nil }

func mkEntry(ip string, t time.Time, action string) logentry.Entry {
	return logentry.Entry{
		Timestamp:       t,
		SourceIP:        ip,
		Protocol:        logentry.TCP,
		Destination:     "1.1.1.1",
		DestinationPort: 443,
		Action:          action,
		Email:           "alice@example.com",
	}
}

func baseConfig() Config {
	return Config{
		ConcurrentWindow:     60,
		TriggerPeriod:        5 * time.Minute,
		TriggerCount:         3,
		BanlistThreshold:     10 * time.Minute,
		SubnetGrouping:       false,
		NotificationInterval: time.Hour,
	}
}

// Baseline: usage under the limit never triggers.
func TestEvaluate_Baseline(t *testing.T) {
	dir := &stubDirectory{limits: map[string]directory.Entry{"alice@example.com": {DeviceLimit: 3}}}
	eng := New(baseConfig(), Deps{Directory: dir})

	user := userstate.New("alice@example.com")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		e := mkEntry(ip, base.Add(time.Duration(i)*time.Second), "ALLOW")
		user.Record(e, "node-a")
		eng.Evaluate(user, "alice@example.com", e.Timestamp)
	}

	if eng.IsViolator("alice@example.com") {
		t.Fatalf("baseline usage under limit must not trigger violator status")
	}
	if eng.TriggerCount("alice@example.com") != 0 {
		t.Fatalf("baseline usage must not record triggers")
	}
}

// Momentary spike: a single over-limit entry below TRIGGER_COUNT must not
// promote to violator.
func TestEvaluate_MomentarySpike(t *testing.T) {
	dir := &stubDirectory{limits: map[string]directory.Entry{"alice@example.com": {DeviceLimit: 1}}}
	eng := New(baseConfig(), Deps{Directory: dir})

	user := userstate.New("alice@example.com")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := mkEntry("10.0.0.1", base, "ALLOW")
	user.Record(e, "node-a")
	e2 := mkEntry("10.0.0.2", base.Add(time.Second), "ALLOW")
	user.Record(e2, "node-a")
	eng.Evaluate(user, "alice@example.com", e2.Timestamp)

	if eng.IsViolator("alice@example.com") {
		t.Fatalf("a single over-limit event must not promote to violator")
	}
	if got := eng.TriggerCount("alice@example.com"); got != 1 {
		t.Fatalf("trigger count = %d, want 1", got)
	}
}

// Escalation to violator: TRIGGER_COUNT over-limit events within
// TRIGGER_PERIOD promote the user, and violator_ips accumulates the union of
// over-limit IP sets from then on.
func TestEvaluate_EscalatesToViolator(t *testing.T) {
	dir := &stubDirectory{limits: map[string]directory.Entry{"alice@example.com": {DeviceLimit: 1}}}
	eng := New(baseConfig(), Deps{Directory: dir})

	user := userstate.New("alice@example.com")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ips := []string{"10.0.0.1", "10.0.0.2"}
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		for _, ip := range ips {
			e := mkEntry(ip, ts, "ALLOW")
			user.Record(e, "node-a")
		}
		eng.Evaluate(user, "alice@example.com", ts)
	}

	if !eng.IsViolator("alice@example.com") {
		t.Fatalf("3 consecutive over-limit events must promote to violator")
	}
	firstSeen, vips, triggers, ok := eng.ViolatorDetail("alice@example.com")
	if !ok {
		t.Fatalf("ViolatorDetail must report ok for a violator")
	}
	if triggers < 3 {
		t.Fatalf("trigger count = %d, want >= 3", triggers)
	}
	if firstSeen.IsZero() {
		t.Fatalf("violator_first_seen must be set")
	}
	for _, ip := range ips {
		if _, ok := vips[ip]; !ok {
			t.Fatalf("violator_ips missing %s: %v", ip, vips)
		}
	}
}

// No email enters violator set without at least TRIGGER_COUNT triggers
// (spec.md §8 invariant).
func TestEvaluate_NoPrematureViolator(t *testing.T) {
	dir := &stubDirectory{limits: map[string]directory.Entry{"alice@example.com": {DeviceLimit: 1}}}
	eng := New(baseConfig(), Deps{Directory: dir})

	user := userstate.New("alice@example.com")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
			e := mkEntry(ip, ts, "ALLOW")
			user.Record(e, "node-a")
		}
		eng.Evaluate(user, "alice@example.com", ts)
	}
	if eng.IsViolator("alice@example.com") {
		t.Fatalf("2 triggers must not reach a TRIGGER_COUNT of 3")
	}
}

// Ban persisted: after BANLIST_THRESHOLD elapses of SUSTAINED violator
// status, Sweep creates a ban record and fires a new-ban notification
// exactly once, then refreshes without re-notifying inside
// NOTIFICATION_INTERVAL.
func TestSweep_BanPersistedAndNotified(t *testing.T) {
	dir := &stubDirectory{limits: map[string]directory.Entry{"alice@example.com": {DeviceLimit: 1, TelegramID: "123"}}}
	sink := newMemSink()
	notifier := &memNotifier{}
	eng := New(baseConfig(), Deps{Directory: dir, Sink: sink, Notifier: notifier})

	user := userstate.New("alice@example.com")
	// memSink.ActiveBan measures a record's age against the wall clock, so
	// the scenario is anchored shortly before real now.
	base := time.Now().UTC().Add(-time.Hour)
	ips := []string{"10.0.0.1", "10.0.0.2"}

	lookup := func(email string, fn func(*userstate.State)) bool {
		if email != "alice@example.com" {
			return false
		}
		fn(user)
		return true
	}

	// Sustained over-limit traffic once a minute keeps triggers from aging
	// out of the 5-minute TRIGGER_PERIOD, so violator status holds while
	// BANLIST_THRESHOLD (10 minutes) elapses. Violator status begins on the
	// 3rd consecutive trigger, at minute 2.
	var ts time.Time
	for minute := 0; minute < 12; minute++ {
		ts = base.Add(time.Duration(minute) * time.Minute)
		for _, ip := range ips {
			e := mkEntry(ip, ts, "ALLOW")
			user.Record(e, "node-a")
		}
		eng.Evaluate(user, "alice@example.com", ts)
		eng.Sweep(context.Background(), ts, lookup)
	}
	if !eng.IsViolator("alice@example.com") {
		t.Fatalf("setup failed: expected sustained violator status")
	}
	if sink.creates != 0 {
		t.Fatalf("ban created before BANLIST_THRESHOLD elapsed")
	}

	// Minute 12: elapsed since violator_first_seen (minute 2) crosses the
	// 10-minute BANLIST_THRESHOLD.
	ts = base.Add(12 * time.Minute)
	for _, ip := range ips {
		e := mkEntry(ip, ts, "ALLOW")
		user.Record(e, "node-a")
	}
	eng.Evaluate(user, "alice@example.com", ts)
	eng.Sweep(context.Background(), ts, lookup)

	if sink.creates != 1 {
		t.Fatalf("creates = %d, want 1", sink.creates)
	}
	if notifier.newBans != 1 {
		t.Fatalf("newBans = %d, want 1", notifier.newBans)
	}

	// A second sweep moments later must not re-notify (NOTIFICATION_INTERVAL
	// throttle), though it may refresh the ban record.
	eng.Sweep(context.Background(), ts.Add(time.Second), lookup)
	if notifier.newBans != 1 || notifier.continues != 0 {
		t.Fatalf("expected no extra notification within NOTIFICATION_INTERVAL, got newBans=%d continues=%d", notifier.newBans, notifier.continues)
	}
}

// Demotion: once triggers age out of TRIGGER_PERIOD in real time, the sweep
// demotes the user back to non-violator with a clean slate.
func TestSweep_Demotion(t *testing.T) {
	dir := &stubDirectory{limits: map[string]directory.Entry{"alice@example.com": {DeviceLimit: 1}}}
	eng := New(baseConfig(), Deps{Directory: dir})

	user := userstate.New("alice@example.com")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
			e := mkEntry(ip, ts, "ALLOW")
			user.Record(e, "node-a")
		}
		eng.Evaluate(user, "alice@example.com", ts)
	}
	if !eng.IsViolator("alice@example.com") {
		t.Fatalf("setup failed: expected violator status")
	}

	lookup := func(email string, fn func(*userstate.State)) bool { fn(user); return true }

	// Traffic has stopped; wall-clock sweep runs long after TRIGGER_PERIOD.
	eng.Sweep(context.Background(), base.Add(time.Hour), lookup)

	if eng.IsViolator("alice@example.com") {
		t.Fatalf("violator must demote once triggers age out, even with no further traffic")
	}
	if _, _, _, ok := eng.ViolatorDetail("alice@example.com"); ok {
		t.Fatalf("ViolatorDetail must report not-ok after demotion")
	}

	// Re-entering violator status afterwards must start from a fresh slate:
	// a single event should not immediately re-trigger ban accounting.
	reentry := base.Add(time.Hour).Add(time.Second)
	e := mkEntry("10.0.0.1", reentry, "ALLOW")
	user.Record(e, "node-a")
	e2 := mkEntry("10.0.0.2", reentry, "ALLOW")
	user.Record(e2, "node-a")
	eng.Evaluate(user, "alice@example.com", reentry)
	if eng.IsViolator("alice@example.com") {
		t.Fatalf("re-entry must not immediately reach violator status with only 1 trigger")
	}
}

// Subnet grouping: three IPs in the same /24 count as a single subnet,
// hiding a NAT'd user pool from tripping the limit.
func TestEvaluate_SubnetGroupingHidesNAT(t *testing.T) {
	cfg := baseConfig()
	cfg.SubnetGrouping = true
	dir := &stubDirectory{limits: map[string]directory.Entry{"alice@example.com": {DeviceLimit: 1}}}
	eng := New(cfg, Deps{Directory: dir})

	user := userstate.New("alice@example.com")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, ip := range []string{"10.0.0.5", "10.0.0.9", "10.0.0.200"} {
		e := mkEntry(ip, base.Add(time.Duration(i)*time.Second), "ALLOW")
		user.Record(e, "node-a")
	}
	eng.Evaluate(user, "alice@example.com", base.Add(2*time.Second))

	if eng.IsViolator("alice@example.com") {
		t.Fatalf("three IPs in the same /24 must count as one subnet under SUBNET_GROUPING")
	}
	if got := eng.TriggerCount("alice@example.com"); got != 0 {
		t.Fatalf("trigger count = %d, want 0 (one subnet <= limit of 1)", got)
	}
}

// Whitelisted emails never evaluate, regardless of usage.
func TestEvaluate_WhitelistSkipsEntirely(t *testing.T) {
	cfg := baseConfig()
	cfg.WhitelistEmails = map[string]struct{}{"alice@example.com": {}}
	dir := &stubDirectory{limits: map[string]directory.Entry{"alice@example.com": {DeviceLimit: 1}}}
	eng := New(cfg, Deps{Directory: dir})

	user := userstate.New("alice@example.com")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		e := mkEntry(ip, base.Add(time.Duration(i)*time.Second), "ALLOW")
		user.Record(e, "node-a")
		eng.Evaluate(user, "alice@example.com", e.Timestamp)
	}
	if eng.IsViolator("alice@example.com") || eng.TriggerCount("alice@example.com") != 0 {
		t.Fatalf("whitelisted email must never accumulate detection state")
	}
}

// Unknown users (no directory entry) are never evaluated.
func TestEvaluate_UnknownUserSkipped(t *testing.T) {
	dir := &stubDirectory{limits: map[string]directory.Entry{}}
	eng := New(baseConfig(), Deps{Directory: dir})

	user := userstate.New("ghost@example.com")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := mkEntry("10.0.0.1", base, "ALLOW")
	user.Record(e, "node-a")
	eng.Evaluate(user, "ghost@example.com", e.Timestamp)

	if eng.IsViolator("ghost@example.com") {
		t.Fatalf("a user absent from the directory must never be evaluated")
	}
}
