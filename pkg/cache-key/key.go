package cachekey

import (
	"fmt"
	"net/http"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// CacheKeyer builds the canonical cache key of a request.
// Keys are scoped by generation in the store, so they only depend on the
// request method and URI.
type CacheKeyer struct{}

func NewCacheKeyer() CacheKeyer {
	return CacheKeyer{}
}

// MethodPrefix gets the key prefix for all requests with the given method.
func (c CacheKeyer) MethodPrefix(method string) string {
	return method + methodSeparator
}

// GetKey returns the canonical key of a request, i.e. method and request URI.
// Absolute and relative URLs of the same resource produce the same key.
// Only GET requests are keyed; HEAD requests share the GET key.
func (c CacheKeyer) GetKey(r *http.Request) string {
	method := r.Method
	if method == "" || method == http.MethodHead {
		method = http.MethodGet
	}
	return c.MethodPrefix(method) + requestURI(r)
}

// GetRequestFromKey generates a request equal (caching-wise) to the request
// that resulted in the provided key.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || uri == "" {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}

// requestURI returns the path and query of the request,
// normalizing an empty path to "/".
func requestURI(r *http.Request) string {
	if r.URL == nil {
		return "/"
	}
	uri := r.URL.RequestURI()
	if uri == "" {
		return "/"
	}
	return uri
}
