// Package classifier maps requests to the caching strategy that governs them.
//
// Classification is a pure function of the request and the configuration:
// rules are evaluated in a fixed strategy precedence (cache-only,
// network-first, stale-while-revalidate, cache-first), configuration order
// breaking ties within a strategy, and the first match wins. Unmatched HTML
// navigations are network-first with an offline fallback; everything else
// unmatched is not intercepted.
package classifier

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// NavigationClass is the resource class of unmatched navigation requests.
const NavigationClass = "document"

type Config struct {
	// Origin (scheme and host) of the application, e.g. https://example.com.
	// Absolute request URLs on other origins are not intercepted.
	// If empty, only the URL scheme is checked.
	Origin string
	// Ordered classification rules.
	Rules Rules
	// TTL of classes without a rule-specific TTL.
	DefaultTTL time.Duration
}

// Verdict is the result of classifying a request.
type Verdict struct {
	Strategy Strategy
	Class    string
	TTL      time.Duration
	// Navigation is set for HTML navigation requests,
	// which get the offline document when all else fails.
	Navigation bool
}

// Intercept reports whether the request is handled by the cache.
func (v Verdict) Intercept() bool {
	return v.Strategy != NoIntercept
}

type Classifier struct {
	origin     *url.URL
	rules      []compiledRule
	defaultTTL time.Duration
}

// New compiles the configured rules into a classifier.
func New(config Config) (*Classifier, error) {
	c := &Classifier{
		defaultTTL: config.DefaultTTL,
		rules:      make([]compiledRule, 0, len(config.Rules)),
	}
	if c.defaultTTL == 0 {
		c.defaultTTL = DefaultTTL
	}
	if config.Origin != "" {
		origin, err := url.Parse(config.Origin)
		if err != nil {
			return nil, fmt.Errorf("invalid origin: %w", err)
		}
		if origin.Scheme == "" || origin.Host == "" {
			return nil, fmt.Errorf("origin %q must have scheme and host", config.Origin)
		}
		c.origin = origin
	}
	for _, rule := range config.Rules {
		compiled, err := compile(rule)
		if err != nil {
			return nil, err
		}
		if compiled.TTL == 0 {
			compiled.TTL = c.defaultTTL
		}
		c.rules = append(c.rules, compiled)
	}
	sort.SliceStable(c.rules, func(i, j int) bool {
		return c.rules[i].precedence < c.rules[j].precedence
	})
	return c, nil
}

// Classify returns the strategy verdict for the request.
func (c *Classifier) Classify(r *http.Request) Verdict {
	if r.Method != http.MethodGet || !c.sameOrigin(r.URL) {
		return Verdict{Strategy: NoIntercept}
	}
	navigation := IsNavigation(r)
	if rule := find(c.rules, r); rule != nil {
		return Verdict{
			Strategy:   rule.Strategy,
			Class:      rule.Class,
			TTL:        rule.TTL,
			Navigation: navigation,
		}
	}
	if navigation {
		return Verdict{
			Strategy:   NetworkFirst,
			Class:      NavigationClass,
			TTL:        c.defaultTTL,
			Navigation: true,
		}
	}
	return Verdict{Strategy: NoIntercept}
}

// TTL returns the resource class and its TTL for a (stored) request,
// independently of the request method and headers.
func (c *Classifier) TTL(r *http.Request) (string, time.Duration) {
	if rule := find(c.rules, r); rule != nil {
		return rule.Class, rule.TTL
	}
	return NavigationClass, c.defaultTTL
}

// DefaultTTL returns the TTL of classes without a specific TTL.
func (c *Classifier) DefaultTTL() time.Duration {
	return c.defaultTTL
}

func (c *Classifier) sameOrigin(u *url.URL) bool {
	if u == nil {
		return false
	}
	if !u.IsAbs() {
		return u.Host == ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if c.origin == nil {
		return true
	}
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

// IsNavigation reports whether the request is a top-level HTML navigation.
func IsNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	for _, accept := range r.Header.Values("Accept") {
		if strings.Contains(accept, "text/html") {
			return true
		}
	}
	return false
}
