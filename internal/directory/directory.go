// Package directory is a read-through cache of externally configured
// per-user device limits (spec.md §3.4, §4.3), refreshed from the panel's
// paginated HTTP API (spec.md §6.2). It is grounded on the original
// Python PanelAPI client (core/panel_api.py) and published the way the
// teacher repo publishes its Redis-backed config: load in full, then swap
// an atomic pointer so readers never observe a partially built map.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Entry is the per-user configuration loaded from the panel (spec.md §3.4).
type Entry struct {
	DeviceLimit uint64
	TelegramID  string
	Description string
	Username    string
	ShortUUID   string
}

type snapshot struct {
	byUserID map[string]Entry
	loadedAt time.Time
}

// Directory is safe for concurrent use. Reload is meant to be called from a
// single refresher goroutine; Get/NeedsReload are safe from any goroutine.
type Directory struct {
	baseURL  string
	token    string
	pageSize int
	httpc    *http.Client
	interval time.Duration

	current atomic.Pointer[snapshot]
}

// Option configures a Directory at construction.
type Option func(*Directory)

// WithPageSize overrides the default page size of 500 (spec.md §6.2).
func WithPageSize(n int) Option {
	return func(d *Directory) {
		if n > 0 {
			d.pageSize = n
		}
	}
}

// WithHTTPClient overrides the default http.Client (e.g. for tests).
func WithHTTPClient(c *http.Client) Option {
	return func(d *Directory) { d.httpc = c }
}

// New builds a Directory pointed at baseURL, authenticating with token, and
// considering itself stale after interval has elapsed since the last load
// (spec.md §4.3's default 300s reload).
func New(baseURL, token string, interval time.Duration, opts ...Option) *Directory {
	d := &Directory{
		baseURL:  baseURL,
		token:    token,
		pageSize: 500,
		httpc:    &http.Client{Timeout: 30 * time.Second},
		interval: interval,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// apiUser is the wire shape of one element of response.users (spec.md §6.2).
type apiUser struct {
	ID              interface{} `json:"id"`
	HWIDDeviceLimit uint64      `json:"hwidDeviceLimit"`
	TelegramID      interface{} `json:"telegramId"`
	Description     string      `json:"description"`
	Username        string      `json:"username"`
	ShortUUID       string      `json:"shortUuid"`
}

type apiResponse struct {
	Response json.RawMessage `json:"response"`
}

// Reload fetches the full user list by paginated GET (start, size) until a
// short page, builds a new map, and atomically swaps it in. A transient
// fetch failure leaves the previous snapshot in place (spec.md §7
// "Directory unavailable").
func (d *Directory) Reload(ctx context.Context) (int, error) {
	byID := make(map[string]Entry)
	start := 0

	for {
		page, err := d.fetchPage(ctx, start)
		if err != nil {
			return 0, err
		}
		if len(page) == 0 {
			break
		}
		for _, u := range page {
			id := fmt.Sprint(u.ID)
			if id == "" || id == "<nil>" {
				continue
			}
			byID[id] = Entry{
				DeviceLimit: u.HWIDDeviceLimit,
				TelegramID:  fmt.Sprint(u.TelegramID),
				Description: u.Description,
				Username:    u.Username,
				ShortUUID:   u.ShortUUID,
			}
		}
		if len(page) < d.pageSize {
			break
		}
		start += d.pageSize
	}

	d.current.Store(&snapshot{byUserID: byID, loadedAt: time.Now()})
	return len(byID), nil
}

func (d *Directory) fetchPage(ctx context.Context, start int) ([]apiUser, error) {
	url := fmt.Sprintf("%s/api/users?start=%d&size=%d", d.baseURL, start, d.pageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("directory: page %d: HTTP %d: %s", start, resp.StatusCode, body)
	}

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("directory: decode page %d: %w", start, err)
	}

	// response.users, or a bare array in response (spec.md §6.2).
	var wrapped struct {
		Users []apiUser `json:"users"`
	}
	if err := json.Unmarshal(env.Response, &wrapped); err == nil && wrapped.Users != nil {
		return wrapped.Users, nil
	}
	var bare []apiUser
	if err := json.Unmarshal(env.Response, &bare); err == nil {
		return bare, nil
	}
	return nil, nil
}

// Get returns the configured limit/metadata for userID, or (Entry{}, false)
// for an unknown user — the detection engine treats that as "no limit
// configured, do not evaluate" (spec.md §4.3, §4.4 step 2).
func (d *Directory) Get(userID string) (Entry, bool) {
	snap := d.current.Load()
	if snap == nil {
		return Entry{}, false
	}
	e, ok := snap.byUserID[userID]
	return e, ok
}

// NeedsReload reports whether the directory has never loaded, or its age
// exceeds the configured reload interval (spec.md §4.3).
func (d *Directory) NeedsReload() bool {
	snap := d.current.Load()
	if snap == nil {
		return true
	}
	return time.Since(snap.loadedAt) > d.interval
}

// Loaded reports whether at least one successful Reload has happened.
func (d *Directory) Loaded() bool {
	return d.current.Load() != nil
}

// Count is the number of users currently cached.
func (d *Directory) Count() int {
	snap := d.current.Load()
	if snap == nil {
		return 0
	}
	return len(snap.byUserID)
}
