package offlinecache

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
	"github.com/always-cache/offline-cache/rfc9111"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog/log"
)

// Fetcher is the network primitive: it obtains a response for a request.
// Implementations return an error when no response could be obtained at all;
// HTTP error statuses are responses, not errors.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// FetcherFunc adapts an ordinary function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

// OriginFetcher fetches resources from an origin server.
type OriginFetcher struct {
	originURL  url.URL
	originHost string
	httpClient http.Client
}

// NewOriginFetcher creates a fetcher forwarding requests to the given origin.
// If originHost is set, it is used as the Host header and TLS server name.
func NewOriginFetcher(originURL url.URL, originHost string) *OriginFetcher {
	f := &OriginFetcher{
		originURL:  originURL,
		originHost: originHost,
		httpClient: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	if originHost != "" {
		f.httpClient.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return f
}

// Fetch the resource specified in the incoming request from the origin.
func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := f.originURL.String() + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	req.Host = f.originHost
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	log.Trace().Str("uri", uri).Msgf("Executing %s request", req.Method)
	return f.httpClient.Do(req)
}

// HandlerFetcher fetches resources from an in-process handler,
// e.g. an http.FileServer serving the application's static files.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	req := r.Clone(ctx)
	rs := tee.NewResponseSaver(nil)
	f.Handler.ServeHTTP(rs, req)
	return rs.Result(req)
}

// fetch runs the configured fetcher with the fetch timeout.
// The returned response body is fully read, so that it outlives the timeout.
func (oc *OfflineCache) fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, oc.fetchTimeout)
	defer cancel()
	// the session header is meant for the cache only
	if r.Header.Get(SessionHeader) != "" {
		r = r.Clone(ctx)
		r.Header.Del(SessionHeader)
	}
	res, err := oc.fetcher.Fetch(ctx, r)
	if err != nil {
		return nil, networkError(err, r)
	}
	if res == nil {
		return nil, networkError(errors.New(errors.CodeNetwork, "fetcher returned no response"), r)
	}
	if res.Header == nil {
		res.Header = http.Header{}
	}
	if _, err := serializer.DuplicateBody(res); err != nil {
		return nil, networkError(err, r)
	}
	// as per https://www.rfc-editor.org/rfc/rfc9110#section-6.6.1-8
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", rfc9111.ToHttpDate(oc.now()))
	}
	if res.Request == nil {
		res.Request = r
	}
	return res, nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

// defaultFetchTimeout is used when no fetch timeout is configured.
const defaultFetchTimeout = 30 * time.Second
