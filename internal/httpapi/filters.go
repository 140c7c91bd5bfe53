package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/gnasty-emotes/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order represents the chronological order to use when listing messages.
type Order string

const (
	// OrderDesc returns messages newest first.
	OrderDesc Order = "desc"
	// OrderAsc returns messages oldest first.
	OrderAsc Order = "asc"
)

// Filters captures the parsed query parameters for message lookups.
type Filters struct {
	Channels  []string
	Usernames []string
	Since     *time.Time
	Backfill  *bool
	Limit     int
	Order     Order
}

// ParseFilters parses query parameters into a Filters struct.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{
		Limit: defaultLimit,
		Order: OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if rawSince := values.Get("since"); rawSince != "" {
		parsed, err := parseSince(rawSince)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	f.Channels = splitLower(collect(values, "channel"))
	f.Usernames = splitLower(collect(values, "username"))

	if raw := values.Get("backfill"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Filters{}, errors.New("backfill must be a boolean")
		}
		f.Backfill = &b
	}

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

func collect(values url.Values, key string) []string {
	out := values[key]
	if out == nil {
		return nil
	}
	return out
}

// splitLower splits comma separated values, lowercases them and drops
// duplicates. "#" prefixes are stripped so channels can be passed as in IRC.
func splitLower(raw []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, value := range raw {
		for _, part := range strings.Split(value, ",") {
			part = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(part), "#"))
			if part == "" {
				continue
			}
			if _, exists := seen[part]; !exists {
				out = append(out, part)
				seen[part] = struct{}{}
			}
		}
	}
	return out
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// Matches reports whether the provided message satisfies the filters.
func (f Filters) Matches(msg core.ChatMessage) bool {
	if len(f.Channels) > 0 {
		channel := strings.ToLower(msg.Channel)
		match := false
		for _, ch := range f.Channels {
			if ch == channel {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.Backfill != nil && *f.Backfill != msg.Backfill {
		return false
	}

	if len(f.Usernames) > 0 {
		username := strings.ToLower(msg.Username)
		match := false
		for _, u := range f.Usernames {
			if strings.Contains(username, u) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.Since != nil {
		since := f.Since.UTC()
		if msg.Ts.Before(since) {
			return false
		}
	}

	return true
}

// CloneForStream returns a copy of the filters adjusted for streaming transports.
func (f Filters) CloneForStream() Filters {
	f.Limit = 0
	return f
}
