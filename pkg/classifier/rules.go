package classifier

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Strategy is the caching policy governing a request.
type Strategy string

const (
	CacheOnly            Strategy = "cache-only"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	CacheFirst           Strategy = "cache-first"
	// NoIntercept means the request is not handled by the cache at all.
	NoIntercept Strategy = "no-intercept"
)

// precedence orders the strategies. Rules of a lower precedence value are
// always evaluated first, whatever their position in the configuration.
func (s Strategy) precedence() (int, error) {
	switch s {
	case CacheOnly:
		return 0, nil
	case NetworkFirst:
		return 1, nil
	case StaleWhileRevalidate:
		return 2, nil
	case CacheFirst:
		return 3, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

type Rules []Rule

// Rule maps requests to a strategy.
// A rule matches when all of its set conditions match the request path.
type Rule struct {
	// Resource class, e.g. "video". Used for logging and TTL lookup.
	Class string `yaml:"class"`
	// Regular expression matched against the request path.
	Pattern string `yaml:"pattern"`
	// Path prefix.
	Prefix   string   `yaml:"prefix"`
	Strategy Strategy `yaml:"strategy"`
	// Maximum age of stored entries of this class.
	// Zero means the default TTL.
	TTL time.Duration `yaml:"ttl"`
}

type predicate func(path string) bool

type compiledRule struct {
	Rule
	precedence int
	match      predicate
}

func compile(rule Rule) (compiledRule, error) {
	precedence, err := rule.Strategy.precedence()
	if err != nil {
		return compiledRule{}, err
	}
	if rule.Pattern == "" && rule.Prefix == "" {
		return compiledRule{}, fmt.Errorf("rule for class %q has neither pattern nor prefix", rule.Class)
	}
	if rule.TTL < 0 {
		return compiledRule{}, fmt.Errorf("rule for class %q has negative ttl", rule.Class)
	}
	var re *regexp.Regexp
	if rule.Pattern != "" {
		if re, err = regexp.Compile(rule.Pattern); err != nil {
			return compiledRule{}, fmt.Errorf("rule for class %q: %w", rule.Class, err)
		}
	}
	prefix := rule.Prefix
	return compiledRule{
		Rule:       rule,
		precedence: precedence,
		match: func(path string) bool {
			if prefix != "" && !strings.HasPrefix(path, prefix) {
				return false
			}
			if re != nil && !re.MatchString(path) {
				return false
			}
			return true
		},
	}, nil
}

// find returns the first rule matching the request, or nil.
func find(rules []compiledRule, r *http.Request) *compiledRule {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	for i := range rules {
		if rules[i].match(path) {
			return &rules[i]
		}
	}
	return nil
}

const (
	day = 24 * time.Hour

	// DefaultTTL is the default maximum age of stored entries.
	DefaultTTL = 7 * day
	// VideoTTL is the maximum age of stored video assets.
	VideoTTL = 30 * day
)

// DefaultRules returns the rule table of a typical offline-capable web app:
// content-addressed assets are cache-only, API calls and video streams
// network-first, images stale-while-revalidate and static assets cache-first.
func DefaultRules() Rules {
	return Rules{
		{
			Class:    "hashed",
			Pattern:  `(?i)/.*\.[a-f0-9]{8}\.(js|css|woff2?|ttf|eot|png|jpg|jpeg|gif|svg|webp|avif)$`,
			Strategy: CacheOnly,
		},
		{
			Class:    "api",
			Pattern:  `/api/`,
			Strategy: NetworkFirst,
		},
		{
			Class:    "video",
			Pattern:  `/videos/.*\.(mp4|webm|ogg)`,
			Strategy: NetworkFirst,
			TTL:      VideoTTL,
		},
		{
			Class:    "video-image",
			Pattern:  `(?i)/videos/.*\.(jpg|jpeg|png|webp|avif|gif|svg)$`,
			Strategy: StaleWhileRevalidate,
			TTL:      VideoTTL,
		},
		{
			Class:    "image",
			Pattern:  `(?i)/images/.*\.(jpg|jpeg|png|webp|avif|gif|svg)$`,
			Strategy: StaleWhileRevalidate,
		},
		{
			Class:    "asset",
			Pattern:  `(?i)/assets/.*\.(js|css|woff2?|ttf|eot)$`,
			Strategy: CacheFirst,
		},
		{
			Class:    "icon",
			Pattern:  `(?i)/icon/.*\.(png|svg|ico)$`,
			Strategy: CacheFirst,
		},
	}
}
