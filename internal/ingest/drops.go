package ingest

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	dropSummaryInterval = 5 * time.Second
	dropSampleMaxLen    = 96
)

var (
	oauthTokenRe = regexp.MustCompile(`(?i)oauth:[^\s;]+`)
	longTokenRe  = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{24,}`)
)

// DropLog aggregates skipped IRC lines and logs one summary per reason per
// interval instead of one line per drop.
type DropLog struct {
	verbose  bool
	interval time.Duration

	mu       sync.Mutex
	nextEmit time.Time
	reasons  map[string]*dropSummary
}

type dropSummary struct {
	total     int
	byCommand map[string]int
	sample    map[string]string
}

func NewDropLog(now time.Time, verbose bool, interval time.Duration) *DropLog {
	if interval <= 0 {
		interval = dropSummaryInterval
	}
	return &DropLog{
		verbose:  verbose,
		interval: interval,
		nextEmit: now.Add(interval),
		reasons:  map[string]*dropSummary{},
	}
}

// Note records one dropped line.
func (d *DropLog) Note(now time.Time, reason, rawLine string) {
	if d == nil {
		return
	}
	cmd, sample := summarizeIRC(rawLine)
	if d.verbose {
		slog.Debug("ingest: dropped line", "reason", reason, "command", cmd, "sample", sample)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	entry := d.reasons[reason]
	if entry == nil {
		entry = &dropSummary{byCommand: map[string]int{}, sample: map[string]string{}}
		d.reasons[reason] = entry
	}
	entry.total++
	entry.byCommand[cmd]++
	if _, ok := entry.sample[cmd]; !ok {
		entry.sample[cmd] = sample
	}

	if !now.Before(d.nextEmit) {
		d.flushLocked(now)
	}
}

// Flush logs and resets the pending summaries.
func (d *DropLog) Flush(now time.Time) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked(now)
}

func (d *DropLog) flushLocked(now time.Time) {
	for _, reason := range sortedKeys(d.reasons) {
		rs := d.reasons[reason]
		if rs.total == 0 {
			continue
		}
		parts := make([]string, 0, len(rs.byCommand))
		for _, cmd := range sortedKeys(rs.byCommand) {
			parts = append(parts, fmt.Sprintf("%s:%d '%s'", cmd, rs.byCommand[cmd], rs.sample[cmd]))
		}
		slog.Info("ingest: dropped_"+reason, "total", rs.total, "commands", "{"+strings.Join(parts, " ")+"}")
	}
	clear(d.reasons)
	d.nextEmit = now.Add(d.interval)
}

// summarizeIRC returns the command of an IRC line and a redacted sample of
// its trailing parameter.
func summarizeIRC(rawLine string) (string, string) {
	line := strings.TrimSpace(rawLine)
	if strings.HasPrefix(line, "@") {
		_, rest, ok := strings.Cut(line, " ")
		if !ok {
			return "UNKNOWN", sanitizeAndTruncate(line, dropSampleMaxLen)
		}
		line = strings.TrimSpace(rest)
	}
	if strings.HasPrefix(line, ":") {
		_, rest, ok := strings.Cut(line, " ")
		if !ok {
			return "UNKNOWN", sanitizeAndTruncate(line, dropSampleMaxLen)
		}
		line = strings.TrimSpace(rest)
	}
	if line == "" {
		return "UNKNOWN", ""
	}

	cmd, rest, _ := strings.Cut(line, " ")
	cmd = strings.ToUpper(cmd)
	sample := rest
	if _, trailing, ok := strings.Cut(rest, " :"); ok {
		sample = trailing
	}
	return cmd, sanitizeAndTruncate(strings.TrimPrefix(sample, ":"), dropSampleMaxLen)
}

func sanitizeAndTruncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}

	upper := strings.ToUpper(s)
	if strings.HasPrefix(upper, "PASS ") || upper == "PASS" {
		s = "PASS [REDACTED]"
	}
	s = oauthTokenRe.ReplaceAllString(s, "oauth:[REDACTED]")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")

	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
