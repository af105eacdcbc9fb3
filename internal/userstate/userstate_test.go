package userstate

import (
	"testing"
	"time"

	"ipwarden/internal/logentry"
)

func mkEntry(ip string, t time.Time, action string) logentry.Entry {
	return logentry.Entry{
		Timestamp:       t,
		SourceIP:        ip,
		Protocol:        logentry.TCP,
		Destination:     "example.com",
		DestinationPort: 443,
		Action:          action,
		Email:           "a@x",
	}
}

func TestRecord_Invariants(t *testing.T) {
	s := New("a@x")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Record(mkEntry("1.1.1.1", base, "DIRECT"), "node-1")
	s.Record(mkEntry("1.1.1.1", base.Add(time.Second), "BLOCK"), "node-1")
	s.Record(mkEntry("2.2.2.2", base.Add(2*time.Second), "DIRECT"), "node-2")

	if s.RequestCount != 3 {
		t.Fatalf("RequestCount = %d, want 3", s.RequestCount)
	}
	if s.BlockedCount != 1 {
		t.Fatalf("BlockedCount = %d, want 1", s.BlockedCount)
	}
	if s.RequestCount < s.BlockedCount {
		t.Fatalf("request_count >= blocked_count violated")
	}
	if s.FirstSeen.After(s.LastSeen) {
		t.Fatalf("first_seen must be <= last_seen")
	}
	for ip, st := range s.IPStats {
		if st.LastSeen.After(s.LastSeen) {
			t.Fatalf("ip %s last_seen %v > user last_seen %v", ip, st.LastSeen, s.LastSeen)
		}
	}
	if s.IPStats["1.1.1.1"].RequestCount != 2 {
		t.Fatalf("1.1.1.1 RequestCount = %d, want 2", s.IPStats["1.1.1.1"].RequestCount)
	}
}

func TestRecord_CapsRecentRequests(t *testing.T) {
	s := New("a@x")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 150; i++ {
		s.Record(mkEntry("1.1.1.1", base.Add(time.Duration(i)*time.Millisecond), "DIRECT"), "node-1")
	}
	if len(s.RecentRequests) != maxRecentRequests {
		t.Fatalf("len(RecentRequests) = %d, want %d", len(s.RecentRequests), maxRecentRequests)
	}
	// oldest evicted first: the earliest surviving timestamp should be request #50 (0-indexed)
	want := base.Add(50 * time.Millisecond)
	if !s.RecentRequests[0].Timestamp.Equal(want) {
		t.Fatalf("oldest surviving request = %v, want %v", s.RecentRequests[0].Timestamp, want)
	}
}

func TestRecentIPs_RelativeToUserLastSeen(t *testing.T) {
	s := New("a@x")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Record(mkEntry("1.1.1.1", base, "DIRECT"), "")
	s.Record(mkEntry("2.2.2.2", base.Add(5*time.Second), "DIRECT"), "")

	// window 2s relative to user.last_seen (base+5s): 1.1.1.1 (at base) is out of window.
	recent := s.RecentIPs(2, 1)
	if _, ok := recent["2.2.2.2"]; !ok {
		t.Fatalf("expected 2.2.2.2 in recent set")
	}
	if _, ok := recent["1.1.1.1"]; ok {
		t.Fatalf("1.1.1.1 should have expired out of the 2s window")
	}
}

func TestRecentIPs_MonotoneInWindow(t *testing.T) {
	s := New("a@x")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, ip := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		s.Record(mkEntry(ip, base.Add(time.Duration(i)*10*time.Second), "DIRECT"), "")
	}
	small := s.RecentIPs(5, 1)
	large := s.RecentIPs(50, 1)
	if len(large) < len(small) {
		t.Fatalf("larger window produced fewer IPs: %d < %d", len(large), len(small))
	}
	for ip := range small {
		if _, ok := large[ip]; !ok {
			t.Fatalf("larger window must be a superset; missing %s", ip)
		}
	}
}

func TestExpireIPs(t *testing.T) {
	s := New("a@x")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Record(mkEntry("1.1.1.1", base, "DIRECT"), "")
	s.Record(mkEntry("2.2.2.2", base.Add(100*time.Second), "DIRECT"), "")

	removed := s.ExpireIPs(10)
	if removed != 1 {
		t.Fatalf("ExpireIPs removed = %d, want 1", removed)
	}
	if _, ok := s.IPStats["1.1.1.1"]; ok {
		t.Fatalf("1.1.1.1 should have been expired")
	}
}

func TestRecentIPsBySubnet(t *testing.T) {
	s := New("a@x")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		s.Record(mkEntry(ip, base.Add(time.Duration(i)*time.Millisecond), "DIRECT"), "")
	}
	subnets := s.RecentIPsBySubnet(5)
	if len(subnets) != 1 {
		t.Fatalf("len(subnets) = %d, want 1 (all same /24)", len(subnets))
	}
	if _, ok := subnets["10.0.0"]; !ok {
		t.Fatalf("expected subnet 10.0.0, got %v", subnets)
	}
}
