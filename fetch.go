package shellcache

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"

	tee "github.com/always-cache/shellcache/pkg/response-writer-tee"
)

// Fetcher sends requests to the network.
// Requests passed to Fetch have absolute URLs.
type Fetcher interface {
	Fetch(req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(req *http.Request) (*http.Response, error) {
	return f(req)
}

// FetchError is returned when the network could not produce a successful response.
type FetchError struct {
	URL string
	// Status code of a non-ok response, 0 if there was no response.
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: network response not ok: %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func isOk(statusCode int) bool {
	return statusCode >= 200 && statusCode <= 299
}

// OriginFetcher sends requests to the origin server over HTTP.
type OriginFetcher struct {
	originURL  *url.URL
	originHost string
	httpClient *http.Client
}

// NewOriginFetcher creates a fetcher that sends every request to the origin.
// originHost, if set, is used for the Host header and TLS negotiation,
// e.g. if the origin URL is just an IP address.
// A zero timeout means requests are never timed out.
func NewOriginFetcher(originURL *url.URL, originHost string, timeout time.Duration) *OriginFetcher {
	f := &OriginFetcher{
		originURL:  originURL,
		originHost: originHost,
		httpClient: &http.Client{Timeout: timeout},
	}
	// use provided hostname for origin if configured
	if originHost != "" {
		// the Host header keeps the port, the TLS server name must not have one
		f.httpClient.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: (&url.URL{Host: originHost}).Hostname(),
			},
		}
	}
	return f
}

// Fetch rewrites the request to the origin and executes it.
// Only requests for the origin's host are rewritten, other absolute URLs are fetched as is.
func (f *OriginFetcher) Fetch(r *http.Request) (*http.Response, error) {
	u := *r.URL
	if f.originURL != nil && (u.Host == "" || u.Host == f.originURL.Host || u.Host == f.originHost) {
		u.Scheme = f.originURL.Scheme
		u.Host = f.originURL.Host
	}
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, r.Header)
	if f.originHost != "" {
		req.Host = f.originHost
	}
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")

	res, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	res.Request = r
	return res, nil
}

// HandlerFetcher fetches from an in-process handler,
// which is how the worker is used as middleware.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(r *http.Request) (*http.Response, error) {
	rs := tee.NewResponseSaver()
	req := r.Clone(r.Context())
	req.RequestURI = r.URL.RequestURI()
	f.Handler.ServeHTTP(rs, req)
	return rs.Response(r), nil
}
