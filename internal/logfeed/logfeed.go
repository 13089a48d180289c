// Package logfeed polls the remote log store and keeps a bounded, deduplicated
// view of its entries for display. Nothing in the voice path depends on it.
package logfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/resilience"
)

// Defaults applied to zero-valued [Config] fields.
const (
	DefaultInterval   = 15 * time.Second
	DefaultMaxEntries = 500
	DefaultTimeout    = 10 * time.Second

	maxBodyBytes = 4 << 20
)

// severeKeywords mark an entry as severe when found in its message.
var severeKeywords = []string{
	"error", "failed", "exception", "traceback", "critical", "err:", "warn:", "warning",
}

// Entry is one log line from the store.
type Entry struct {
	At      time.Time `json:"timestamp"`
	Message string    `json:"message"`
	Status  string    `json:"status,omitempty"`
	Severe  bool      `json:"severe"`
}

// Config configures a [Feed].
type Config struct {
	// URL of the log store endpoint. Required.
	URL string

	// Interval between polls. Default: 15s.
	Interval time.Duration

	// MaxEntries bounds the retained entries; the oldest are dropped first.
	// Default: 500.
	MaxEntries int

	// Timeout bounds a single fetch. Default: 10s.
	Timeout time.Duration

	// HTTPClient performs the requests. Default: a client without timeout
	// (Timeout is applied per request through the context).
	HTTPClient *http.Client

	// Breaker guards the store. Default: a breaker named "logfeed".
	Breaker *resilience.Breaker

	// Metrics receives fetch metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now replaces time.Now for entries without a timestamp.
	Now func() time.Time
}

// Status summarises the feed's health.
type Status struct {
	Entries   int       `json:"entries"`
	LastFetch time.Time `json:"last_fetch,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Circuit   string    `json:"circuit"`
}

// Feed is a polling log-store client. All methods are safe for concurrent use.
type Feed struct {
	cfg Config

	mu        sync.RWMutex
	entries   []Entry
	seen      map[string]struct{}
	lastFetch time.Time
	lastErr   error
}

// New validates cfg and returns an idle Feed.
func New(cfg Config) (*Feed, error) {
	if cfg.URL == "" {
		return nil, errors.New("logfeed: url is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "logfeed"})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Feed{cfg: cfg, seen: make(map[string]struct{})}, nil
}

// Run fetches immediately and then once per interval until ctx is done.
// Fetch failures are logged and retried on the next tick.
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	slog.Info("logfeed: polling", "url", f.cfg.URL, "interval", f.cfg.Interval)
	for {
		if n, err := f.Fetch(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("logfeed: fetch failed", "err", err)
		} else if n > 0 {
			slog.Debug("logfeed: new entries", "count", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Fetch polls the store once and merges the result. It returns the number of
// entries that were not seen before.
func (f *Feed) Fetch(ctx context.Context) (int, error) {
	ctx, span := observe.StartSpan(ctx, "logfeed.fetch")
	defer span.End()

	start := time.Now()
	var fetched []Entry
	err := f.cfg.Breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		fetched, err = f.get(ctx)
		return err
	})
	f.cfg.Metrics.LogFetchDuration.Record(ctx, time.Since(start).Seconds())

	status := "ok"
	switch {
	case errors.Is(err, resilience.ErrOpen):
		status = "skipped"
	case err != nil:
		status = "error"
		span.RecordError(err)
	}
	f.cfg.Metrics.RecordLogFetch(ctx, status)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFetch = f.cfg.Now()
	f.lastErr = err
	if err != nil {
		return 0, err
	}
	return f.merge(fetched), nil
}

func (f *Feed) get(ctx context.Context) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("logfeed: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("logfeed: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, fmt.Errorf("logfeed: fetch: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("logfeed: read body: %w", err)
	}
	return Parse(body, f.cfg.Now())
}

// merge adds unseen entries, orders by time and trims to MaxEntries.
// Must be called with f.mu held.
func (f *Feed) merge(fetched []Entry) int {
	added := 0
	for _, e := range fetched {
		if _, dup := f.seen[e.Message]; dup {
			continue
		}
		f.seen[e.Message] = struct{}{}
		f.entries = append(f.entries, e)
		added++
	}
	if added == 0 {
		return 0
	}
	slices.SortStableFunc(f.entries, func(a, b Entry) int { return a.At.Compare(b.At) })
	if over := len(f.entries) - f.cfg.MaxEntries; over > 0 {
		f.entries = slices.Delete(f.entries, 0, over)
		clear(f.seen)
		for _, e := range f.entries {
			f.seen[e.Message] = struct{}{}
		}
	}
	return added
}

// Entries returns a copy of the retained entries, oldest first.
func (f *Feed) Entries() []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.entries)
}

// Status reports the feed's health.
func (f *Feed) Status() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st := Status{
		Entries:   len(f.entries),
		LastFetch: f.lastFetch,
		Circuit:   f.cfg.Breaker.State().String(),
	}
	if f.lastErr != nil {
		st.LastError = f.lastErr.Error()
	}
	return st
}

// ── Parsing ───────────────────────────────────────────────────────────────────

type wireEntry struct {
	Timestamp json.RawMessage `json:"timestamp"`
	Message   *string         `json:"message"`
	Text      *string         `json:"text"`
	Status    json.RawMessage `json:"status"`
}

// Parse decodes a store response: a JSON array whose elements are either
// plain strings or objects with timestamp, message (or text) and status
// fields. Entries without a usable timestamp are stamped with now.
func Parse(data []byte, now time.Time) ([]Entry, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("logfeed: decode response: %w", err)
	}

	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var line string
		if err := json.Unmarshal(r, &line); err == nil {
			out = append(out, newEntry(now, line, ""))
			continue
		}

		var w wireEntry
		if err := json.Unmarshal(r, &w); err != nil {
			slog.Debug("logfeed: skipping entry", "raw", string(r))
			continue
		}
		var msg string
		switch {
		case w.Message != nil:
			msg = *w.Message
		case w.Text != nil:
			msg = *w.Text
		default:
			msg = string(r)
		}
		at, ok := parseTimestamp(w.Timestamp)
		if !ok {
			at = now
		}
		out = append(out, newEntry(at, msg, scalarString(w.Status)))
	}
	return out, nil
}

func newEntry(at time.Time, msg, status string) Entry {
	return Entry{At: at.UTC(), Message: msg, Status: status, Severe: IsSevere(status, msg)}
}

// IsSevere reports whether an entry should be highlighted: its status
// mentions an error, or its message contains a failure keyword.
func IsSevere(status, message string) bool {
	if strings.Contains(strings.ToLower(status), "error") {
		return true
	}
	lower := strings.ToLower(message)
	return slices.ContainsFunc(severeKeywords, func(k string) bool {
		return strings.Contains(lower, k)
	})
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999 UTC",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339 and common SQL-style strings, or a number
// of Unix seconds (milliseconds when large).
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}
	n, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	if n >= 1e12 {
		return time.UnixMilli(int64(n)), true
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)), true
}

// scalarString renders a JSON string, number or bool as text.
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
