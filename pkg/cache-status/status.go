// Package cachestatus renders the Cache-Status response header (RFC 9211)
// for responses delivered by the offline cache.
package cachestatus

import (
	"fmt"
	"net/http"
)

// HeaderName is the name of the response header field.
const HeaderName = "Cache-Status"

// CacheName identifies this cache in the Cache-Status header.
const CacheName = "Offline-Cache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics (e.g., Cache-Control request
	// directives) did not allow its use.
	FwdRequest FwdReason = "request"
)

// Details used by the offline cache.
const (
	DetailOffline      = "offline"
	DetailNetworkError = "network-error"
	DetailRevalidating = "revalidating"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	Stored    bool
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

// IsHit reports whether the response was served from the cache.
func (cs CacheStatus) IsHit() bool {
	return cs.Status == StatusHit
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", CacheName, cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}

// Set writes the status to the header, replacing any previous value.
func (cs CacheStatus) Set(header http.Header) {
	header.Set(HeaderName, cs.String())
}
