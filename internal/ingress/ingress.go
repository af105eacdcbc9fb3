// Package ingress is the TCP line server agents connect to (spec.md §6.1).
// It is grounded on the original asyncio TCPLogServer
// (original_source/core/tcp_server.py): one goroutine per connection reads
// newline-terminated "<NODE_NAME>|<RAW_LOG_LINE>" records and forwards the
// framed, still unparsed lines to a single consumer over a bounded channel
// (ParseLine turns one into an Entry), which is
// spec.md §9's "async callbacks from the TCP server" design note turned
// into Go's standard producer/consumer-over-channel idiom instead of
// Python callbacks.
package ingress

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ipwarden/internal/logentry"
	"ipwarden/pkg/metrics"
)

// Line is one accepted, framed (but not yet parsed) record.
type Line struct {
	NodeName string
	Raw      string
}

// idleTimeout closes a connection after this long without a line
// (spec.md §5 "Agent read timeout: 30s of idle closes the connection").
const idleTimeout = 30 * time.Second

// Server accepts agent connections and feeds a bounded channel of Line for
// a single consumer to drain in arrival order per connection (spec.md §5
// "entries from a single connection are processed in arrival order").
type Server struct {
	listenAddr string
	out        chan Line

	mu    sync.Mutex
	nodes map[string]int // node_name -> live connection count
}

// New builds a Server listening on addr, buffering up to queueSize
// in-flight lines before producers block.
func New(addr string, queueSize int) *Server {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Server{
		listenAddr: addr,
		out:        make(chan Line, queueSize),
		nodes:      make(map[string]int),
	}
}

// Lines is the single consumer's read side.
func (s *Server) Lines() <-chan Line { return s.out }

// ConnectedNodes returns the distinct node names with at least one live
// connection (spec.md §6.3 GET /api/nodes).
func (s *Server) ConnectedNodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.nodes))
	for n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// Serve accepts connections until ctx is cancelled, then stops accepting
// and waits for in-flight connections to drain to EOF or the grace
// deadline (spec.md §5's graceful-shutdown policy).
func (s *Server) Serve(ctx context.Context, grace time.Duration) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.listenAddr)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	var stopping bool
	var stopMu sync.Mutex
	go func() {
		<-ctx.Done()
		stopMu.Lock()
		stopping = true
		stopMu.Unlock()
		_ = ln.Close()
	}()

	log.Info().Str("addr", s.listenAddr).Msg("ingress_listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			stopMu.Lock()
			isStopping := stopping
			stopMu.Unlock()
			if isStopping {
				break
			}
			log.Error().Err(err).Msg("ingress_accept_error")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	drained := make(chan struct{})
	go func() { wg.Wait(); close(drained) }()
	select {
	case <-drained:
		close(s.out)
	case <-time.After(grace):
		// A handleConn goroutine may still be blocked sending on s.out; it
		// selects on ctx.Done() around that send (see handleConn), so it
		// will unblock and exit on its own without touching s.out after
		// this point. Leaving s.out open here avoids a send-on-closed-
		// channel panic racing that still-in-flight send.
		log.Warn().Msg("ingress_drain_deadline_exceeded")
	}
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	nodeName := "unknown-" + remote
	defer func() {
		_ = conn.Close()
		s.disconnect(nodeName)
		log.Info().Str("remote", remote).Str("node", nodeName).Msg("ingress_connection_closed")
	}()

	log.Info().Str("remote", remote).Msg("ingress_connection_opened")
	reader := bufio.NewReader(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		raw, err := reader.ReadString('\n')
		if raw == "" && err != nil {
			return
		}

		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			if err != nil {
				return
			}
			continue
		}

		sep := strings.IndexByte(line, '|')
		if sep < 0 {
			metrics.IngressMalformed.WithLabelValues(nodeName).Inc()
			if err != nil {
				return
			}
			continue
		}
		newNode := line[:sep]
		rawLog := line[sep+1:]
		if newNode != "" && newNode != nodeName {
			s.disconnect(nodeName)
			nodeName = newNode
			s.connect(nodeName)
		}

		metrics.IngressLines.WithLabelValues(nodeName).Inc()
		select {
		case s.out <- Line{NodeName: nodeName, Raw: rawLog}:
		case <-ctx.Done():
			// Shutdown in progress: never touch s.out again, since Serve
			// may close it once the drain deadline passes.
			return
		}

		if err != nil {
			return
		}
	}
}

func (s *Server) connect(node string) {
	s.mu.Lock()
	s.nodes[node]++
	count := len(s.nodes)
	s.mu.Unlock()
	metrics.IngressConnectedNodes.Set(float64(count))
}

func (s *Server) disconnect(node string) {
	s.mu.Lock()
	if n, ok := s.nodes[node]; ok {
		if n <= 1 {
			delete(s.nodes, node)
		} else {
			s.nodes[node] = n - 1
		}
	}
	count := len(s.nodes)
	s.mu.Unlock()
	metrics.IngressConnectedNodes.Set(float64(count))
}

// ParseLine parses raw log text into an Entry, returning ok=false for lines
// the regex doesn't match (spec.md §6.1 "dropped server-side with no error
// to the agent").
func ParseLine(raw string) (logentry.Entry, bool) {
	e, err := logentry.Parse(raw)
	if err != nil {
		return logentry.Entry{}, false
	}
	return e, true
}
