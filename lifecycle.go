package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/shellcache/cache"
	cachekey "github.com/always-cache/shellcache/pkg/cache-key"
	serializer "github.com/always-cache/shellcache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a worker version.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	ErrNotInstalled = errors.New("worker is not installed")
	ErrRedundant    = errors.New("worker is redundant")
)

type LifecycleOpts struct {
	Version     string
	StorePrefix string
	// Absolute URLs stored on install.
	StaticAssets []string
	Storage      cache.Storage
	Fetcher      Fetcher
	Logger       zerolog.Logger
	Metrics      *Metrics
}

// Lifecycle governs the versioned stores of one worker version.
// Install populates the version's store with the static assets,
// Activate wipes every store and starts controlling clients.
type Lifecycle struct {
	version   string
	storeName string
	assets    []string
	storage   cache.Storage
	fetcher   Fetcher
	log       zerolog.Logger
	metrics   *Metrics
	now       func() time.Time

	mu          sync.Mutex
	state       State
	skipWaiting bool
	controlling atomic.Bool
}

func NewLifecycle(opts LifecycleOpts) (*Lifecycle, error) {
	if opts.Version == "" {
		return nil, errors.New("version must not be empty")
	}
	assets := make([]string, len(opts.StaticAssets))
	for i, asset := range opts.StaticAssets {
		normalized, err := cachekey.Normalize(asset)
		if err != nil {
			return nil, fmt.Errorf("static asset %q: %w", asset, err)
		}
		assets[i] = normalized
	}
	return &Lifecycle{
		version:   opts.Version,
		storeName: opts.StorePrefix + opts.Version,
		assets:    assets,
		storage:   opts.Storage,
		fetcher:   opts.Fetcher,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		now:       time.Now,
	}, nil
}

func (l *Lifecycle) Version() string {
	return l.version
}

// StoreName is the name of the store of this version.
func (l *Lifecycle) StoreName() string {
	return l.storeName
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Controlling reports whether fetches are handled by the strategies.
func (l *Lifecycle) Controlling() bool {
	return l.controlling.Load()
}

// SkipWaiting marks the waiting phase as skipped.
// It reports whether the worker is installed and should be activated now.
func (l *Lifecycle) SkipWaiting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.skipWaiting = true
	return l.state == StateInstalled
}

// ShouldActivate reports whether the worker is installed and waiting was skipped.
func (l *Lifecycle) ShouldActivate() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skipWaiting && l.state == StateInstalled
}

// Install fetches all static assets and writes them to the version's store.
// Install is all-or-nothing: if any asset cannot be fetched or is not ok,
// nothing is written and the worker stays uninstalled.
func (l *Lifecycle) Install(ctx context.Context) error {
	if err := l.transition(StateInstalling, StateParsed); err != nil {
		return err
	}
	l.log.Info().Msg("Installing")

	err := l.install(ctx)
	l.metrics.install(err)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.state = StateParsed
		l.log.Error().Err(err).Msg("Cache installation failed")
		return fmt.Errorf("install %s: %w", l.version, err)
	}
	l.state = StateInstalled
	l.skipWaiting = true
	l.log.Info().Int("assets", len(l.assets)).Msg("Static files cached successfully")
	return nil
}

func (l *Lifecycle) install(ctx context.Context) error {
	store, err := l.storage.Open(ctx, l.storeName)
	if err != nil {
		return err
	}
	entries := make([]cache.Entry, len(l.assets))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range l.assets {
		g.Go(func() error {
			entry, err := l.fetchAsset(gctx, asset)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return store.PutAll(ctx, entries)
}

func (l *Lifecycle) fetchAsset(ctx context.Context, asset string) (cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset, nil)
	if err != nil {
		return cache.Entry{}, err
	}
	res, err := l.fetcher.Fetch(req)
	if err != nil {
		return cache.Entry{}, &FetchError{URL: asset, Err: err}
	}
	defer res.Body.Close()
	if !isOk(res.StatusCode) {
		return cache.Entry{}, &FetchError{URL: asset, StatusCode: res.StatusCode}
	}
	storedAt := l.now()
	bts, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: res,
		StoredAt: storedAt,
	})
	if err != nil {
		return cache.Entry{}, fmt.Errorf("serialize %s: %w", asset, err)
	}
	l.log.Trace().Str("url", asset).Msg("Fetched static file")
	return cache.Entry{
		Key:      cachekey.Key(http.MethodGet, asset),
		StoredAt: storedAt,
		Bytes:    bts,
	}, nil
}

// Activate deletes every store, whatever its name, including the one just installed,
// and then claims clients. If a store cannot be deleted, the worker stays activating
// and Activate may be called again.
func (l *Lifecycle) Activate(ctx context.Context) error {
	if err := l.transition(StateActivating, StateInstalled, StateActivating); err != nil {
		return err
	}
	l.log.Info().Msg("Activating")

	deleted, err := l.deleteAll(ctx)
	if err != nil {
		l.log.Error().Err(err).Msg("Activation failed")
		return fmt.Errorf("activate %s: %w", l.version, err)
	}

	l.mu.Lock()
	l.state = StateActivated
	l.mu.Unlock()
	l.controlling.Store(true)
	l.metrics.activated(deleted)
	l.log.Info().Int("deleted", deleted).Msg("Activated and controlling all clients")
	return nil
}

// ClearAll deletes every store and returns how many were deleted.
func (l *Lifecycle) ClearAll(ctx context.Context) (int, error) {
	deleted, err := l.deleteAll(ctx)
	l.metrics.cleared(deleted)
	if err != nil {
		return deleted, fmt.Errorf("clear stores: %w", err)
	}
	return deleted, nil
}

// Close makes the worker redundant. It stops controlling clients.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateRedundant
	l.controlling.Store(false)
}

func (l *Lifecycle) deleteAll(ctx context.Context) (int, error) {
	names, err := l.storage.Names(ctx)
	if err != nil {
		return 0, err
	}
	var deleted atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			l.log.Debug().Str("store", name).Msg("Deleting store")
			ok, err := l.storage.Delete(gctx, name)
			if err != nil {
				return fmt.Errorf("delete %s: %w", name, err)
			}
			if ok {
				deleted.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(deleted.Load()), err
}

// transition moves to the next state if the current state is one of from.
func (l *Lifecycle) transition(next State, from ...State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range from {
		if l.state == s {
			l.state = next
			return nil
		}
	}
	switch {
	case l.state == StateRedundant:
		return ErrRedundant
	case next == StateActivating:
		return fmt.Errorf("%w: state is %s", ErrNotInstalled, l.state)
	}
	return fmt.Errorf("cannot move from %s to %s", l.state, next)
}
