package shellcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/always-cache/shellcache/cache"
	cachekey "github.com/always-cache/shellcache/pkg/cache-key"
	responsetransformer "github.com/always-cache/shellcache/pkg/response-transformer"
	"github.com/always-cache/shellcache/rfc9211"

	"github.com/rs/zerolog"
)

// cacheName identifies this cache in Cache-Status headers.
const cacheName = "ShellCache"

type Config struct {
	// Storage for the versioned stores.
	Storage cache.Storage
	// Network used for all requests, e.g. an OriginFetcher.
	Fetcher Fetcher
	// Origin the application is served from, e.g. https://admin.example.com.
	// Request URIs are resolved against it.
	Origin url.URL
	// Cache version. Changing it installs a new store and wipes the old ones.
	Version string
	// Prefix of the store name, the version is appended.
	StorePrefix string
	// Absolute URLs stored on install.
	StaticAssets []string
	// Absolute URL of a static asset served when the network fails for a static request.
	OfflineURL string
	// Marker and extension lists, the defaults are used if empty.
	// The static assets are taken from StaticAssets.
	Classifier ClassifierConfig
	// Rules applied to network-only responses. DefaultRules if nil.
	Rules responsetransformer.Rules
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics.
	Metrics *Metrics
}

// Worker intercepts requests of the application and answers them
// from the stores or the network.
type Worker struct {
	log         zerolog.Logger
	keyer       cachekey.CacheKeyer
	fetcher     Fetcher
	classifier  *Classifier
	lifecycle   *Lifecycle
	networkOnly *NetworkOnly
	cacheFirst  *CacheFirst
	dispatcher  *Dispatcher
	metrics     *Metrics
}

// CreateWorker sets up a worker for the configured version.
// Call Start to install and activate it; until then requests go straight to the network.
func CreateWorker(config Config) (*Worker, error) {
	if config.Storage == nil {
		return nil, errors.New("storage must be set")
	}
	if config.Fetcher == nil {
		return nil, errors.New("fetcher must be set")
	}
	if !config.Origin.IsAbs() {
		return nil, fmt.Errorf("origin is not absolute: %q", config.Origin.String())
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	// create a child logger and add defaults
	logger = logger.With().
		Str("version", config.Version).
		Logger()

	classifierConfig := config.Classifier
	classifierConfig.StaticAssets = config.StaticAssets
	classifier, err := NewClassifier(classifierConfig)
	if err != nil {
		return nil, err
	}

	lifecycle, err := NewLifecycle(LifecycleOpts{
		Version:      config.Version,
		StorePrefix:  config.StorePrefix,
		StaticAssets: config.StaticAssets,
		Storage:      config.Storage,
		Fetcher:      config.Fetcher,
		Logger:       logger,
		Metrics:      config.Metrics,
	})
	if err != nil {
		return nil, err
	}

	var offlineURL string
	if config.OfflineURL != "" {
		if offlineURL, err = cachekey.Normalize(config.OfflineURL); err != nil {
			return nil, fmt.Errorf("offline URL: %w", err)
		}
	}

	rules := config.Rules
	if rules == nil {
		rules = responsetransformer.DefaultRules
	}

	origin := config.Origin
	wk := &Worker{
		log:        logger,
		keyer:      cachekey.NewCacheKeyer(&origin),
		fetcher:    config.Fetcher,
		classifier: classifier,
		lifecycle:  lifecycle,
		dispatcher: NewDispatcher(),
		metrics:    config.Metrics,
	}
	wk.networkOnly = NewNetworkOnly(config.Fetcher, config.Version, rules, logger, config.Metrics)
	wk.cacheFirst = NewCacheFirst(CacheFirstOpts{
		Storage:    config.Storage,
		StoreName:  lifecycle.StoreName(),
		Keyer:      wk.keyer,
		Fetcher:    config.Fetcher,
		OfflineURL: offlineURL,
		Logger:     logger,
		Metrics:    config.Metrics,
		OnError:    wk.reportError,
	})

	wk.dispatcher.On(EventInstall, func(ctx context.Context, _ Event) error {
		return wk.lifecycle.Install(ctx)
	})
	wk.dispatcher.On(EventActivate, func(ctx context.Context, _ Event) error {
		return wk.lifecycle.Activate(ctx)
	})
	wk.dispatcher.On(EventFetch, func(ctx context.Context, ev Event) error {
		return wk.handleFetch(ctx, ev.(*FetchEvent))
	})
	wk.dispatcher.On(EventMessage, func(ctx context.Context, ev Event) error {
		return wk.handleMessage(ctx, ev.(*MessageEvent))
	})
	wk.dispatcher.On(EventError, func(_ context.Context, ev Event) error {
		wk.log.Error().Err(ev.(ErrorEvent).Err).Msg("Unhandled error")
		return nil
	})

	return wk, nil
}

// Start installs the worker and activates it once waiting is skipped.
// If install fails, the error is returned and requests keep going straight to the network.
func (wk *Worker) Start(ctx context.Context) error {
	if err := wk.Dispatch(ctx, InstallEvent{}); err != nil {
		return err
	}
	if wk.lifecycle.ShouldActivate() {
		return wk.Dispatch(ctx, ActivateEvent{})
	}
	return nil
}

func (wk *Worker) Dispatch(ctx context.Context, ev Event) error {
	return wk.dispatcher.Dispatch(ctx, ev)
}

// PostMessage handles a control message and returns its reply.
func (wk *Worker) PostMessage(ctx context.Context, msg Message) (Reply, error) {
	port := make(chan Reply, 1)
	if err := wk.Dispatch(ctx, &MessageEvent{Data: msg, Port: port}); err != nil {
		return Reply{}, err
	}
	select {
	case reply := <-port:
		return reply, nil
	default:
		return Reply{}, errNoReply
	}
}

func (wk *Worker) Lifecycle() *Lifecycle {
	return wk.lifecycle
}

// Wait blocks until all background writes are done.
func (wk *Worker) Wait() {
	wk.cacheFirst.Wait()
}

// Close stops controlling requests and waits for background writes.
// The storage is not closed.
func (wk *Worker) Close() {
	wk.lifecycle.Close()
	wk.Wait()
}

// ServeHTTP implements the http.Handler interface.
func (wk *Worker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ev := &FetchEvent{Request: wk.absoluteRequest(r)}

	if err := wk.dispatchFetch(r.Context(), ev); err != nil {
		var perr *panicError
		if errors.As(err, &perr) {
			// something is seriously wrong, let the request through untouched
			wk.reportError(err)
			wk.bypass(w, ev.Request)
			return
		}
		wk.log.Error().Err(err).Str("url", ev.Request.URL.String()).Msg("Could not get response")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	if res := ev.Response(); res != nil {
		wk.send(w, ev.Request, res, ev.Class)
		return
	}
	wk.bypass(w, ev.Request)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func (wk *Worker) dispatchFetch(ctx context.Context, ev *FetchEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p}
		}
	}()
	return wk.Dispatch(ctx, ev)
}

// handleFetch applies exactly one strategy to the request, chosen by its class.
// Requests are not handled before the worker controls clients.
func (wk *Worker) handleFetch(ctx context.Context, ev *FetchEvent) error {
	if !wk.lifecycle.Controlling() {
		return nil
	}
	ev.Class = wk.classifier.Classify(ev.Request.URL)
	wk.log.Trace().Str("url", ev.Request.URL.String()).Stringer("class", ev.Class).Msg("Classified request")

	switch ev.Class {
	case ClassStatic:
		res, err := wk.cacheFirst.Handle(ctx, ev.Request)
		if err != nil {
			return err
		}
		ev.RespondWith(res)
	default:
		ev.RespondWith(wk.networkOnly.Handle(ctx, ev.Request, ev.Class))
	}
	return nil
}

// bypass just pipes the request through to the network.
func (wk *Worker) bypass(w http.ResponseWriter, r *http.Request) {
	res, err := wk.fetcher.Fetch(r)
	if err != nil {
		wk.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not get response")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	wk.metrics.observe(ClassOther, outcomeBypass)
	setCacheStatus(res, rfc9211.CacheStatus{
		Status:    rfc9211.StatusFwd,
		FwdReason: rfc9211.FwdReasonBypass,
		FwdStatus: res.StatusCode,
	})
	wk.send(w, r, res, ClassOther)
}

func (wk *Worker) send(w http.ResponseWriter, r *http.Request, res *http.Response, class Class) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyResponseHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	var bytesWritten int64
	if res.Body != nil {
		var err error
		bytesWritten, err = io.Copy(w, res.Body)
		if err != nil {
			wk.log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
	wk.logRequest(r, res, class)
	wk.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (wk *Worker) logRequest(r *http.Request, res *http.Response, class Class) {
	cacheStatus := res.Header.Get("Cache-Status")
	isHit := 0
	if strings.Contains(cacheStatus, "; "+string(rfc9211.StatusHit)) {
		isHit = 1
	}
	wk.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Stringer("class", class).
		Int("status", res.StatusCode).
		Str("cacheStatus", cacheStatus).
		Int("hit", isHit).
		Msg("Sending response to client")
}

// reportError delivers errors nobody waits for as error events.
func (wk *Worker) reportError(err error) {
	wk.Dispatch(context.Background(), ErrorEvent{Err: err})
}

// absoluteRequest returns a copy of the request with an absolute URL,
// as it would be sent by a client.
func (wk *Worker) absoluteRequest(r *http.Request) *http.Request {
	req := r.Clone(r.Context())
	req.URL = wk.keyer.AbsoluteURL(r)
	req.RequestURI = ""
	return req
}

func setCacheStatus(res *http.Response, cs rfc9211.CacheStatus) {
	if cs.Cache == "" {
		cs.Cache = cacheName
	}
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	res.Header.Add("Cache-Status", cs.String())
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
