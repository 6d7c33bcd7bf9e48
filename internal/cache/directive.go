// Package cache stores pure tool responses keyed by request fingerprint.
package cache

import (
	"strconv"
	"strings"
	"time"
)

// Directive is a parsed Cache-Control value.
type Directive struct {
	Public               bool
	Private              bool
	NoStore              bool
	NoCache              bool
	MaxAge               time.Duration
	SMaxAge              time.Duration
	StaleWhileRevalidate time.Duration

	hasMaxAge  bool
	hasSMaxAge bool
}

// ParseDirective parses a Cache-Control header value. Unknown tokens are ignored.
func ParseDirective(value string) Directive {
	var d Directive
	for _, part := range strings.Split(value, ",") {
		name, arg, _ := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.ToLower(strings.TrimSpace(name))
		arg = strings.Trim(strings.TrimSpace(arg), `"`)

		switch name {
		case "public":
			d.Public = true
		case "private":
			d.Private = true
		case "no-store":
			d.NoStore = true
		case "no-cache":
			d.NoCache = true
		case "max-age":
			if v, ok := seconds(arg); ok {
				d.MaxAge, d.hasMaxAge = v, true
			}
		case "s-maxage":
			if v, ok := seconds(arg); ok {
				d.SMaxAge, d.hasSMaxAge = v, true
			}
		case "stale-while-revalidate":
			if v, ok := seconds(arg); ok {
				d.StaleWhileRevalidate = v
			}
		}
	}
	return d
}

func seconds(s string) (time.Duration, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// FreshFor is how long a stored response may be served without revalidation.
// The gateway is a shared cache, so s-maxage takes precedence over max-age.
func (d Directive) FreshFor() time.Duration {
	if d.hasSMaxAge {
		return d.SMaxAge
	}
	return d.MaxAge
}

// Retention is how long a stored response is worth keeping at all.
func (d Directive) Retention() time.Duration {
	return d.FreshFor() + d.StaleWhileRevalidate
}

// Storable reports whether a response under d may be written to the cache.
// no-cache responses are stored but never served without a new dispatch.
func (d Directive) Storable() bool {
	return !d.NoStore && d.Retention() > 0
}

// Freshness classifies a stored response.
type Freshness int

const (
	// Expired entries must not be served.
	Expired Freshness = iota
	// Stale entries may be served while a refresh runs.
	Stale
	// Fresh entries are served as is.
	Fresh
)

// Classify reports how an entry stored at storedAt may be used at now.
func (d Directive) Classify(storedAt, now time.Time) Freshness {
	if d.NoStore || d.NoCache {
		return Expired
	}
	age := now.Sub(storedAt)
	switch {
	case age < d.FreshFor():
		return Fresh
	case age < d.Retention():
		return Stale
	default:
		return Expired
	}
}
