// Package logentry parses proxy access-log lines forwarded by node agents
// into immutable Entry values.
package logentry

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Protocol is the transport reported by the proxy for a connection.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// BlockAction is the one reserved verdict tag the detection engine cares about.
const BlockAction = "BLOCK"

// Entry is an immutable value parsed from one access-log line.
type Entry struct {
	Timestamp       time.Time
	SourceIP        string
	Protocol        Protocol
	Destination     string
	DestinationPort uint16
	Action          string
	Email           string
}

var ErrMalformed = errors.New("logentry: malformed line")

// pattern mirrors the test fixture in spec.md §6.1:
//
//	<timestamp> from [tcp:|udp:]?<ipv4>:<port> accepted <tcp|udp>:<dest>:<dport> [...(>>|->) <verdict>] email: <id>
var pattern = regexp.MustCompile(
	`(\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}\.\d+)\s+` +
		`from\s+(?:tcp:|udp:)?(\d+\.\d+\.\d+\.\d+):\d+\s+` +
		`accepted\s+` +
		`(tcp|udp):([^:]+):(\d+)\s+` +
		`\[.*?(?:>>|->)\s*(\w+(?:-\w+)?)\]\s+` +
		`email:\s*(\S+)`,
)

const timestampLayout = "2006/01/02 15:04:05.000000"

// Parse extracts an Entry from a raw log line. It returns ErrMalformed
// (never a structured parse error) for any line the regex doesn't match or
// whose timestamp/port fields don't convert — the ingress boundary drops
// these silently per spec.md §3.1 and §6.1.
func Parse(raw string) (Entry, error) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return Entry{}, ErrMalformed
	}

	m := pattern.FindStringSubmatch(line)
	if m == nil {
		return Entry{}, ErrMalformed
	}

	ts, err := time.Parse(timestampLayout, m[1])
	if err != nil {
		return Entry{}, ErrMalformed
	}

	port, err := strconv.ParseUint(m[5], 10, 16)
	if err != nil {
		return Entry{}, ErrMalformed
	}

	e := Entry{
		Timestamp:       ts,
		SourceIP:        m[2],
		Protocol:        Protocol(m[3]),
		Destination:     m[4],
		DestinationPort: uint16(port),
		Action:          m[6],
		Email:           m[7],
	}
	if e.Destination == "" || e.Email == "" || e.Action == "" || e.SourceIP == "" {
		return Entry{}, ErrMalformed
	}
	return e, nil
}
