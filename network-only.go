package shellcache

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	responsetransformer "github.com/always-cache/shellcache/pkg/response-transformer"
	"github.com/always-cache/shellcache/rfc9211"

	"github.com/rs/zerolog"
)

const (
	cacheBusterParam = "_cb"
	versionParam     = "_v"
	offlineMessage   = "Network unavailable, request failed"
)

// NetworkOnly always fetches from the network, defeating every cache on the way.
// It never reads or writes stored responses.
type NetworkOnly struct {
	fetcher  Fetcher
	version  string
	rules    responsetransformer.Rules
	log      zerolog.Logger
	metrics  *Metrics
	now      func() time.Time
	lastBust atomic.Int64
}

func NewNetworkOnly(fetcher Fetcher, version string, rules responsetransformer.Rules, logger zerolog.Logger, metrics *Metrics) *NetworkOnly {
	return &NetworkOnly{
		fetcher: fetcher,
		version: version,
		rules:   rules,
		log:     logger.With().Str("strategy", "network-only").Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// Handle fetches the request from the network; the class is only used for metrics.
// It always returns a response: the network response if it was ok,
// otherwise a 503 JSON response flagged as offline. Nothing is retried.
func (s *NetworkOnly) Handle(ctx context.Context, r *http.Request, class Class) *http.Response {
	log := s.log.With().Str("url", r.URL.String()).Logger()
	req := s.addCacheBuster(ctx, r)
	log.Trace().Str("busted", req.URL.String()).Msg("Fetching with cache buster")

	res, err := s.fetcher.Fetch(req)
	if err != nil {
		err = &FetchError{URL: r.URL.String(), Err: err}
	} else if !isOk(res.StatusCode) {
		if res.Body != nil {
			res.Body.Close()
		}
		err = &FetchError{URL: r.URL.String(), StatusCode: res.StatusCode}
	}
	if err != nil {
		log.Error().Err(err).Msg("Network failed")
		s.metrics.observe(class, outcomeOffline)
		return offlineResponse(r)
	}
	log.Trace().Int("status", res.StatusCode).Msg("Network response received")
	s.metrics.observe(class, outcomeNetwork)

	res.Request = r
	s.rules.Apply(res)
	setCacheStatus(res, rfc9211.CacheStatus{
		Status:    rfc9211.StatusFwd,
		FwdReason: rfc9211.FwdReasonBypass,
		FwdStatus: res.StatusCode,
	})
	return res
}

// addCacheBuster returns a copy of the request with a unique cache buster and the
// version in the query, and with headers asking every cache not to store or reuse.
// Method, headers (including credentials) and body are kept.
func (s *NetworkOnly) addCacheBuster(ctx context.Context, r *http.Request) *http.Request {
	req := r.Clone(ctx)
	cb := strconv.FormatInt(s.nextCacheBuster(), 10)

	q := req.URL.Query()
	if q.Has(cacheBusterParam) || q.Has(versionParam) {
		q.Set(cacheBusterParam, cb)
		q.Set(versionParam, s.version)
		req.URL.RawQuery = q.Encode()
	} else {
		// append, so the order of the original parameters is kept
		extra := url.Values{cacheBusterParam: {cb}, versionParam: {s.version}}.Encode()
		if req.URL.RawQuery == "" {
			req.URL.RawQuery = extra
		} else {
			req.URL.RawQuery += "&" + extra
		}
	}

	req.Header.Set("Cache-Control", responsetransformer.NoStore)
	req.Header.Set("Pragma", "no-cache")
	// conditional headers would let a cache answer with 304
	req.Header.Del("If-None-Match")
	req.Header.Del("If-Modified-Since")
	return req
}

// nextCacheBuster returns the current time in milliseconds,
// or the previous value plus one if the clock has not advanced.
func (s *NetworkOnly) nextCacheBuster() int64 {
	now := s.now().UnixMilli()
	for {
		last := s.lastBust.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if s.lastBust.CompareAndSwap(last, next) {
			return next
		}
	}
}

type offlineBody struct {
	Error   string `json:"error"`
	Offline bool   `json:"offline"`
}

// offlineResponse synthesizes the response for failed network-only requests.
func offlineResponse(r *http.Request) *http.Response {
	body, _ := json.Marshal(offlineBody{Error: offlineMessage, Offline: true})
	res := &http.Response{
		Status:        "503 " + http.StatusText(http.StatusServiceUnavailable),
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
	res.Header.Set("Content-Type", "application/json")
	res.Header.Set("Cache-Control", responsetransformer.NoStore)
	setCacheStatus(res, rfc9211.CacheStatus{
		Status:    rfc9211.StatusFwd,
		FwdReason: rfc9211.FwdReasonBypass,
		Detail:    "offline",
	})
	return res
}
