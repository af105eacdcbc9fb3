// Package userstate holds the per-email aggregate of recent IP activity
// that the Tracker and Detection Engine build on (spec.md §3.2, §4.1).
package userstate

import (
	"strings"
	"time"

	"ipwarden/internal/logentry"
)

const maxRecentRequests = 100

// IPStat is the per-source-IP aggregate kept under a user.
type IPStat struct {
	LastSeen     time.Time
	RequestCount int64
}

// Request is one entry retained in a user's recent-requests ring.
type Request struct {
	Timestamp   time.Time
	SourceIP    string
	Destination string
	DestPort    uint16
	Action      string
	NodeName    string
}

// State is the per-user aggregate. It is exclusively owned and mutated by
// the Tracker (spec.md §3.5); callers elsewhere must treat it read-only.
type State struct {
	Email string

	IPStats        map[string]*IPStat
	RecentRequests []Request

	RequestCount int64
	BlockedCount int64
	FirstSeen    time.Time
	LastSeen     time.Time
}

// New returns an empty per-user state for email.
func New(email string) *State {
	return &State{
		Email:   email,
		IPStats: make(map[string]*IPStat),
	}
}

// Record upserts ip_stats, appends to the recent-requests ring (evicting the
// oldest entry once the cap is exceeded), and bumps the running counters.
// Invariants preserved: last_seen(ip) <= user.last_seen, request_count >=
// blocked_count, first_seen <= last_seen (spec.md §3.2).
func (s *State) Record(e logentry.Entry, nodeName string) {
	if st, ok := s.IPStats[e.SourceIP]; ok {
		if e.Timestamp.After(st.LastSeen) {
			st.LastSeen = e.Timestamp
		}
		st.RequestCount++
	} else {
		s.IPStats[e.SourceIP] = &IPStat{LastSeen: e.Timestamp, RequestCount: 1}
	}

	s.RecentRequests = append(s.RecentRequests, Request{
		Timestamp:   e.Timestamp,
		SourceIP:    e.SourceIP,
		Destination: e.Destination,
		DestPort:    e.DestinationPort,
		Action:      e.Action,
		NodeName:    nodeName,
	})
	if len(s.RecentRequests) > maxRecentRequests {
		s.RecentRequests = s.RecentRequests[len(s.RecentRequests)-maxRecentRequests:]
	}

	s.RequestCount++
	if e.Action == logentry.BlockAction {
		s.BlockedCount++
	}

	if s.FirstSeen.IsZero() {
		s.FirstSeen = e.Timestamp
	}
	if e.Timestamp.After(s.LastSeen) {
		s.LastSeen = e.Timestamp
	}
}

// RecentIPs returns the set of IPs whose last_seen falls within windowSeconds
// of the user's own last_seen (not real time) and whose request_count meets
// minRequests. The cutoff is relative to the user, making detection tolerant
// of bursty delivery and moderate clock skew (spec.md §4.1).
func (s *State) RecentIPs(windowSeconds float64, minRequests int64) map[string]struct{} {
	out := make(map[string]struct{})
	if s.LastSeen.IsZero() {
		return out
	}
	cutoff := s.LastSeen.Add(-durationFromSeconds(windowSeconds))
	for ip, st := range s.IPStats {
		if !st.LastSeen.Before(cutoff) && st.RequestCount >= minRequests {
			out[ip] = struct{}{}
		}
	}
	return out
}

// RecentIPCounts mirrors RecentIPs but returns per-IP request counts instead
// of a bare set — supplements spec.md §6.3's user-detail endpoint with the
// per-IP volume view the original tool exposed (get_recent_ips_with_counts).
func (s *State) RecentIPCounts(windowSeconds float64) map[string]int64 {
	out := make(map[string]int64)
	if s.LastSeen.IsZero() {
		return out
	}
	cutoff := s.LastSeen.Add(-durationFromSeconds(windowSeconds))
	for ip, st := range s.IPStats {
		if !st.LastSeen.Before(cutoff) {
			out[ip] = st.RequestCount
		}
	}
	return out
}

// ExpireIPs deletes IPs whose last_seen is older than windowSeconds relative
// to the user's last_seen. Called opportunistically by the Tracker's cleanup
// (spec.md §4.1).
func (s *State) ExpireIPs(windowSeconds float64) int {
	if s.LastSeen.IsZero() {
		return 0
	}
	cutoff := s.LastSeen.Add(-durationFromSeconds(windowSeconds))
	removed := 0
	for ip, st := range s.IPStats {
		if st.LastSeen.Before(cutoff) {
			delete(s.IPStats, ip)
			removed++
		}
	}
	return removed
}

// Subnet24 projects an IPv4 dotted quad to its /24 (first three octets). IPs
// that don't look like IPv4 are returned unchanged.
func Subnet24(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) == 4 {
		return strings.Join(parts[:3], ".")
	}
	return ip
}

// GroupBySubnet reduces a set of IPs to their distinct /24 subnets.
func GroupBySubnet(ips map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(ips))
	for ip := range ips {
		out[Subnet24(ip)] = struct{}{}
	}
	return out
}

// RecentIPsBySubnet is the derived view from spec.md §4.1: each IPv4
// projected to its /24, returned as the set of distinct subnets.
func (s *State) RecentIPsBySubnet(windowSeconds float64) map[string]struct{} {
	return GroupBySubnet(s.RecentIPs(windowSeconds, 1))
}

// AllIPs returns every IP ever seen for this user, regardless of recency.
func (s *State) AllIPs() map[string]struct{} {
	out := make(map[string]struct{}, len(s.IPStats))
	for ip := range s.IPStats {
		out[ip] = struct{}{}
	}
	return out
}

// Nodes returns the distinct node_name values across recent_requests.
func (s *State) Nodes() map[string]struct{} {
	out := make(map[string]struct{})
	for _, r := range s.RecentRequests {
		if r.NodeName != "" {
			out[r.NodeName] = struct{}{}
		}
	}
	return out
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
