package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/always-cache/shellcache/cache"
	cachekey "github.com/always-cache/shellcache/pkg/cache-key"
	serializer "github.com/always-cache/shellcache/pkg/response-serializer"
	"github.com/always-cache/shellcache/rfc9211"

	"github.com/rs/zerolog"
)

type CacheFirstOpts struct {
	Storage cache.Storage
	// Name of the current versioned store.
	StoreName string
	Keyer     cachekey.CacheKeyer
	Fetcher   Fetcher
	// Absolute URL of the stored document served when the network fails.
	// Empty disables the fallback.
	OfflineURL string
	Logger     zerolog.Logger
	Metrics    *Metrics
	// Called with errors of background writes.
	OnError func(error)
}

// CacheFirst serves static requests from the stores,
// and fills the current store from the network on misses.
type CacheFirst struct {
	storage    cache.Storage
	storeName  string
	keyer      cachekey.CacheKeyer
	fetcher    Fetcher
	offlineURL string
	log        zerolog.Logger
	metrics    *Metrics
	onError    func(error)
	now        func() time.Time
	background sync.WaitGroup
}

func NewCacheFirst(opts CacheFirstOpts) *CacheFirst {
	s := &CacheFirst{
		storage:    opts.Storage,
		storeName:  opts.StoreName,
		keyer:      opts.Keyer,
		fetcher:    opts.Fetcher,
		offlineURL: opts.OfflineURL,
		log:        opts.Logger.With().Str("strategy", "cache-first").Logger(),
		metrics:    opts.Metrics,
		onError:    opts.OnError,
		now:        time.Now,
	}
	if s.onError == nil {
		s.onError = func(err error) {
			s.log.Error().Err(err).Msg("Background write failed")
		}
	}
	return s
}

// Handle returns the stored response for the request if there is one.
// Otherwise the response is fetched from the network and returned,
// and ok responses are written to the store in the background.
// Partial responses and responses to range requests are never stored.
// If the network fails, the stored offline document is returned if available.
func (s *CacheFirst) Handle(ctx context.Context, r *http.Request) (*http.Response, error) {
	key := s.keyer.GetKey(r)
	log := s.log.With().Str("key", key).Logger()

	if res, ok := s.match(ctx, key, r); ok {
		log.Trace().Msg("Serving from store")
		s.metrics.observe(ClassStatic, outcomeHit)
		setCacheStatus(res, rfc9211.CacheStatus{Status: rfc9211.StatusHit})
		return res, nil
	}

	log.Trace().Msg("Store miss, fetching")
	res, err := s.fetcher.Fetch(r)
	if err != nil {
		return s.fallback(ctx, &FetchError{URL: r.URL.String(), Err: err})
	}
	cs := rfc9211.CacheStatus{
		Status:    rfc9211.StatusFwd,
		FwdReason: rfc9211.FwdReasonUriMiss,
		FwdStatus: res.StatusCode,
	}
	if !isOk(res.StatusCode) {
		log.Trace().Int("status", res.StatusCode).Msg("Not storing response")
		s.metrics.observe(ClassStatic, outcomeMiss)
		setCacheStatus(res, cs)
		return res, nil
	}
	if res.StatusCode == http.StatusPartialContent || r.Header.Get("Range") != "" {
		log.Trace().Int("status", res.StatusCode).Msg("Not storing partial response")
		s.metrics.observe(ClassStatic, outcomeMiss)
		if r.Header.Get("Range") != "" {
			cs.FwdReason = rfc9211.FwdReasonRequest
		}
		setCacheStatus(res, cs)
		return res, nil
	}
	if r.Method != http.MethodGet {
		log.Trace().Str("method", r.Method).Msg("Not storing response to unsafe method")
		s.metrics.observe(ClassStatic, outcomeMiss)
		cs.FwdReason = rfc9211.FwdReasonMethod
		setCacheStatus(res, cs)
		return res, nil
	}

	storedAt := s.now()
	bts, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: res,
		StoredAt: storedAt,
	})
	if err != nil {
		return s.fallback(ctx, fmt.Errorf("serialize %s: %w", key, err))
	}
	s.persist(ctx, cache.Entry{Key: key, StoredAt: storedAt, Bytes: bts})

	s.metrics.observe(ClassStatic, outcomeMiss)
	cs.Stored = true
	setCacheStatus(res, cs)
	return res, nil
}

// Wait blocks until all background writes are done.
func (s *CacheFirst) Wait() {
	s.background.Wait()
}

// persist writes the entry in a goroutine, so the response is not delayed.
// The write outlives the request.
func (s *CacheFirst) persist(ctx context.Context, entry cache.Entry) {
	ctx = context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		err := s.put(ctx, entry)
		s.metrics.storedResponse(err)
		if err != nil {
			s.onError(fmt.Errorf("store %s: %w", entry.Key, err))
			return
		}
		s.log.Trace().Str("key", entry.Key).Msg("Stored response")
	}()
}

func (s *CacheFirst) put(ctx context.Context, entry cache.Entry) error {
	store, err := s.storage.Open(ctx, s.storeName)
	if err != nil {
		return err
	}
	return store.Put(ctx, entry)
}

// match looks the key up in all stores, in creation order,
// so entries of a store that has not been wiped yet are still found.
// Errors are logged and count as a miss.
func (s *CacheFirst) match(ctx context.Context, key string, r *http.Request) (*http.Response, bool) {
	names, err := s.storage.Names(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Could not list stores")
		return nil, false
	}
	for _, name := range names {
		store, err := s.storage.Open(ctx, name)
		if err != nil {
			s.log.Error().Err(err).Str("store", name).Msg("Could not open store")
			continue
		}
		entry, ok, err := store.Match(ctx, key)
		if err != nil {
			// the store may have been deleted in the meantime
			if !errors.Is(err, cache.ErrStoreNotFound) {
				s.log.Error().Err(err).Str("key", key).Msg("Could not read from store")
			}
			continue
		}
		if !ok {
			continue
		}
		sRes, err := serializer.BytesToStoredResponse(entry.Bytes, r)
		if err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("Could not read stored response")
			continue
		}
		storedAt := sRes.StoredAt
		if storedAt.IsZero() {
			storedAt = entry.StoredAt
		}
		addAgeHeader(sRes.Response, storedAt, s.now())
		return sRes.Response, true
	}
	return nil, false
}

func (s *CacheFirst) fallback(ctx context.Context, err error) (*http.Response, error) {
	s.log.Error().Err(err).Msg("Network failed")
	if s.offlineURL != "" {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, s.offlineURL, nil)
		if reqErr == nil {
			if res, ok := s.match(ctx, cachekey.Key(http.MethodGet, s.offlineURL), req); ok {
				s.log.Debug().Str("url", s.offlineURL).Msg("Serving offline document")
				s.metrics.observe(ClassStatic, outcomeFallback)
				setCacheStatus(res, rfc9211.CacheStatus{Status: rfc9211.StatusHit, Detail: "offline"})
				return res, nil
			}
		}
	}
	s.metrics.observe(ClassStatic, outcomeError)
	return nil, err
}

func addAgeHeader(res *http.Response, storedAt, now time.Time) {
	age := int64(now.Sub(storedAt) / time.Second)
	if age < 0 {
		age = 0
	}
	res.Header.Set("Age", strconv.FormatInt(age, 10))
}
