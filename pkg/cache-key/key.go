package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const methodSeparator = ":"

// CacheKeyer creates request identities for stored responses.
// The identity is the request method and the absolute request URL;
// request headers are not part of it.
type CacheKeyer struct {
	// Origin requests are resolved against, e.g. https://admin.example.com.
	Origin *url.URL
}

func NewCacheKeyer(origin *url.URL) CacheKeyer {
	return CacheKeyer{Origin: origin}
}

// AbsoluteURL returns the absolute URL of the request.
// Requests received by a server only carry the request URI, these are
// resolved against the origin. Fragments are dropped.
func (c CacheKeyer) AbsoluteURL(r *http.Request) *url.URL {
	u := *r.URL
	if !u.IsAbs() && c.Origin != nil {
		u.Scheme = c.Origin.Scheme
		u.Host = c.Origin.Host
	}
	u.Fragment = ""
	u.RawFragment = ""
	return &u
}

// GetKey returns the request identity for the request.
func (c CacheKeyer) GetKey(r *http.Request) string {
	return Key(r.Method, c.AbsoluteURL(r).String())
}

// Key returns the request identity for a method and an absolute URL.
func Key(method, absoluteURL string) string {
	return strings.ToUpper(method) + methodSeparator + absoluteURL
}

// GetRequestFromKey creates a request that has the given identity.
func GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method == "" {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	return http.NewRequest(method, uri, nil)
}

// Normalize parses and re-serializes an absolute URL,
// so that equal URLs compare equal as strings.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("URL is not absolute: %s", rawURL)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}
