// Package httpapi is the read-only, token-gated HTTP query surface
// (spec.md §6.3). Grounded on the teacher's internal/httpserver.NewRouter:
// chi router, the same built-in safety middleware stack
// (RequestID/RealIP/Recoverer), zerolog access logging, and a /metrics
// endpoint — generalized from StormGate's proxy-mounting router to a fixed
// set of JSON query endpoints over Tracker/Directory/Detection Engine
// state.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ipwarden/internal/bansink"
	"ipwarden/internal/detect"
	"ipwarden/internal/directory"
	Lm "ipwarden/internal/middleware"
	"ipwarden/internal/tracker"
	"ipwarden/internal/userstate"
)

// NodeLister is the narrow ingress surface /api/nodes needs.
type NodeLister interface {
	ConnectedNodes() []string
}

// Thresholds mirrors the configured detection knobs for /api/stats
// (spec.md §6.3 "configured thresholds").
type Thresholds struct {
	ConcurrentWindowSeconds float64 `json:"concurrent_window_seconds"`
	TriggerPeriodSeconds    float64 `json:"trigger_period_seconds"`
	TriggerCount            int     `json:"trigger_count"`
	BanlistThresholdSeconds float64 `json:"banlist_threshold_seconds"`
	SubnetGrouping          bool    `json:"subnet_grouping"`
}

// Deps are every collaborator the query surface reads from. Concrete
// collaborator types are used directly (rather than package-local
// interfaces) since each already exposes exactly the narrow read surface
// these handlers need under its own mutex discipline.
type Deps struct {
	Tracker    *tracker.Tracker
	Directory  *directory.Directory
	Engine     *detect.Engine
	Sink       bansink.Sink
	Nodes      NodeLister
	Token      string
	Thresholds Thresholds
	RateLimit  func(route string, next http.Handler) http.Handler // optional
}

// NewRouter builds the chi router serving spec.md §6.3's endpoints.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(Lm.AccessLoggerFromEnv())

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(d.authMiddleware)
		wrap := func(route string, h http.HandlerFunc) http.Handler {
			if d.RateLimit != nil {
				return d.RateLimit(route, h)
			}
			return h
		}
		api.Method(http.MethodGet, "/stats", wrap("/api/stats", d.handleStats))
		api.Method(http.MethodGet, "/users", wrap("/api/users", d.handleUsers))
		api.Method(http.MethodGet, "/violators", wrap("/api/violators", d.handleViolators))
		api.Method(http.MethodGet, "/banlist", wrap("/api/banlist", d.handleBanlist))
		api.Method(http.MethodPost, "/banlist/clear", wrap("/api/banlist/clear", d.handleBanlistClear))
		api.Method(http.MethodGet, "/user/{email}", wrap("/api/user", d.handleUserDetail))
		api.Method(http.MethodGet, "/nodes", wrap("/api/nodes", d.handleNodes))
		api.Method(http.MethodGet, "/shared_ips", wrap("/api/shared_ips", d.handleSharedIPs))
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	})
	return r
}

func (d Deps) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.URL.Query().Get("token")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if token != d.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (d Deps) handleStats(w http.ResponseWriter, r *http.Request) {
	requests, blocked := d.Tracker.Totals()
	resp := map[string]any{
		"tracked_users":    d.Tracker.TotalUsers(),
		"total_requests":   requests,
		"total_blocked":    blocked,
		"active_violators": len(d.Engine.Violators()),
		"connected_nodes":  d.Nodes.ConnectedNodes(),
		"thresholds":       d.Thresholds,
		"directory_users":  d.Directory.Count(),
	}
	writeJSON(w, http.StatusOK, resp)
}

type userSummary struct {
	Email        string `json:"email"`
	IPCount      int    `json:"ip_count"`
	DeviceLimit  uint64 `json:"device_limit,omitempty"`
	RequestCount int64  `json:"request_count"`
	BlockedCount int64  `json:"blocked_count"`
	IsViolator   bool   `json:"is_violator"`
}

func (d Deps) handleUsers(w http.ResponseWriter, r *http.Request) {
	windowSeconds := d.Thresholds.ConcurrentWindowSeconds
	summaries := make([]userSummary, 0)
	d.Tracker.ForEach(func(u *userstate.State) {
		entry, _ := d.Directory.Get(u.Email)
		ips := u.RecentIPs(windowSeconds, 1)
		if d.Thresholds.SubnetGrouping {
			ips = userstate.GroupBySubnet(ips)
		}
		summaries = append(summaries, userSummary{
			Email:        u.Email,
			IPCount:      len(ips),
			DeviceLimit:  entry.DeviceLimit,
			RequestCount: u.RequestCount,
			BlockedCount: u.BlockedCount,
			IsViolator:   d.Engine.IsViolator(u.Email),
		})
	})
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].IPCount > summaries[j].IPCount })
	writeJSON(w, http.StatusOK, summaries)
}

type violatorSummary struct {
	Email              string   `json:"email"`
	TriggerCount       int      `json:"trigger_count"`
	ViolatorFirstSeen  string   `json:"violator_first_seen"`
	ElapsedSeconds     float64  `json:"elapsed_seconds"`
	RemainingToBanSecs float64  `json:"remaining_to_ban_seconds"`
	IPs                []string `json:"ips"`
}

func (d Deps) handleViolators(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	var out []violatorSummary
	for _, email := range d.Engine.Violators() {
		firstSeen, ips, triggerCount, ok := d.Engine.ViolatorDetail(email)
		if !ok {
			continue
		}
		elapsed := now.Sub(firstSeen).Seconds()
		remaining := d.Thresholds.BanlistThresholdSeconds - elapsed
		if remaining < 0 {
			remaining = 0
		}
		ipList := make([]string, 0, len(ips))
		for ip := range ips {
			ipList = append(ipList, ip)
		}
		sort.Strings(ipList)
		out = append(out, violatorSummary{
			Email:              email,
			TriggerCount:       triggerCount,
			ViolatorFirstSeen:  firstSeen.UTC().Format(time.RFC3339),
			ElapsedSeconds:     elapsed,
			RemainingToBanSecs: remaining,
			IPs:                ipList,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ElapsedSeconds > out[j].ElapsedSeconds })
	writeJSON(w, http.StatusOK, out)
}

func (d Deps) handleBanlist(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}
	records, err := d.Sink.List(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "banlist_unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (d Deps) handleBanlistClear(w http.ResponseWriter, r *http.Request) {
	n, err := d.Sink.Clear(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "banlist_unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// requestRecord is the wire shape of one userstate.Request (spec.md §3.2's
// recent_requests: {timestamp, source_ip, destination, dest_port, action,
// node_name}).
type requestRecord struct {
	Timestamp   string `json:"timestamp"`
	SourceIP    string `json:"source_ip"`
	Destination string `json:"destination"`
	DestPort    uint16 `json:"dest_port"`
	Action      string `json:"action"`
	NodeName    string `json:"node_name"`
}

func (d Deps) handleUserDetail(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")

	detail := map[string]any{}
	found := d.Tracker.Inspect(email, func(u *userstate.State) {
		nodeSet := u.Nodes()
		nodes := make([]string, 0, len(nodeSet))
		for n := range nodeSet {
			nodes = append(nodes, n)
		}
		sort.Strings(nodes)

		// u.RecentRequests is already oldest-evicted-first (Record appends
		// and trims the front on overflow); preserve that order verbatim.
		requests := make([]requestRecord, len(u.RecentRequests))
		for i, req := range u.RecentRequests {
			requests[i] = requestRecord{
				Timestamp:   req.Timestamp.UTC().Format(time.RFC3339),
				SourceIP:    req.SourceIP,
				Destination: req.Destination,
				DestPort:    req.DestPort,
				Action:      req.Action,
				NodeName:    req.NodeName,
			}
		}

		detail["email"] = u.Email
		detail["request_count"] = u.RequestCount
		detail["blocked_count"] = u.BlockedCount
		detail["first_seen"] = u.FirstSeen.UTC().Format(time.RFC3339)
		detail["last_seen"] = u.LastSeen.UTC().Format(time.RFC3339)
		detail["recent_ip_counts"] = u.RecentIPCounts(d.Thresholds.ConcurrentWindowSeconds)
		detail["nodes"] = nodes
		detail["recent_requests"] = requests
	})
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})
		return
	}

	entry, _ := d.Directory.Get(email)
	detail["device_limit"] = entry.DeviceLimit
	detail["is_violator"] = d.Engine.IsViolator(email)
	if firstSeen, ips, triggerCount, ok := d.Engine.ViolatorDetail(email); ok {
		ipList := make([]string, 0, len(ips))
		for ip := range ips {
			ipList = append(ipList, ip)
		}
		sort.Strings(ipList)
		detail["violator_first_seen"] = firstSeen.UTC().Format(time.RFC3339)
		detail["violator_trigger_count"] = triggerCount
		detail["violator_ips"] = ipList
	}
	writeJSON(w, http.StatusOK, detail)
}

func (d Deps) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes := d.Nodes.ConnectedNodes()
	sort.Strings(nodes)
	writeJSON(w, http.StatusOK, nodes)
}

func (d Deps) handleSharedIPs(w http.ResponseWriter, r *http.Request) {
	shared := d.Tracker.SharedIPs()
	out := make(map[string][]string, len(shared))
	for ip, emails := range shared {
		list := make([]string, 0, len(emails))
		for e := range emails {
			list = append(list, e)
		}
		sort.Strings(list)
		out[ip] = list
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
