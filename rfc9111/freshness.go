package rfc9111

import (
	"net/http"
	"time"
)

// DeclaredLifetime returns the freshness lifetime explicitly declared by the
// response, and whether one was declared at all. Heuristic freshness is not
// applied: callers fall back to their own defaults when ok is false.
//
// §  4.2.1.  Calculating Freshness Lifetime
// §
// §     A cache can calculate the freshness lifetime (denoted as
// §     freshness_lifetime) of a response by evaluating the following rules
// §     and using the first match:
func DeclaredLifetime(res *http.Response) (time.Duration, bool) {
	cc := ParseCacheControl(res.Header.Values("Cache-Control"))
	// §     *  If the cache is shared and the s-maxage response directive
	// §        (Section 5.2.2.10) is present, use its value, or
	if val, ok := cc.SMaxAge(); ok {
		return val, true
	}
	// §     *  If the max-age response directive (Section 5.2.2.1) is present,
	// §        use its value, or
	if val, ok := cc.MaxAge(); ok {
		return val, true
	}
	// §     *  If the Expires response header field (Section 5.3) is present, use
	// §        its value minus the value of the Date response header field
	if expires, err := HttpDate(res.Header.Get("Expires")); err == nil {
		if date, err := HttpDate(res.Header.Get("Date")); err == nil {
			if lifetime := expires.Sub(date); lifetime > 0 {
				return lifetime, true
			}
			return 0, true
		}
	}
	// §     *  Otherwise, no explicit expiration time is present in the response.
	return 0, false
}

// AddAgeHeader sets the Age header of a stored response based on the time
// it was captured. It directly mutates the response headers.
//
// §  5.1.  Age
// §
// §     The "Age" response header field conveys the sender's estimate of the
// §     time since the response was generated or successfully validated at
// §     the origin server.
func AddAgeHeader(storedResponse *http.Response, storedAt, now time.Time) {
	storedResponse.Header.Set("Age", toDeltaSeconds(now.Sub(storedAt)))
}
