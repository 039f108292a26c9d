package shellcache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/always-cache/shellcache/cache"
	cachekey "github.com/always-cache/shellcache/pkg/cache-key"
	serializer "github.com/always-cache/shellcache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

const testStore = testPrefix + testVersion

func newTestCacheFirst(t *testing.T, storage cache.Storage, f Fetcher) *CacheFirst {
	t.Helper()
	return NewCacheFirst(CacheFirstOpts{
		Storage:    storage,
		StoreName:  testStore,
		Keyer:      cachekey.NewCacheKeyer(mustParse(t, "https://admin.example.com")),
		Fetcher:    f,
		OfflineURL: "https://admin.example.com/admin-app/index.html",
		Logger:     zerolog.Nop(),
	})
}

func storeResponse(t *testing.T, storage cache.Storage, storeName, rawURL, body string) {
	t.Helper()
	rr := httptest.NewRecorder()
	rr.Header().Set("Content-Type", "text/html")
	rr.WriteString(body)
	storedAt := time.Now().Add(-time.Minute)
	bts, err := serializer.StoredResponseToBytes(serializer.StoredResponse{Response: rr.Result(), StoredAt: storedAt})
	if err != nil {
		t.Fatal(err)
	}
	store, err := storage.Open(context.Background(), storeName)
	if err != nil {
		t.Fatal(err)
	}
	entry := cache.Entry{Key: cachekey.Key("GET", rawURL), StoredAt: storedAt, Bytes: bts}
	if err := store.Put(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
}

func TestCacheFirstFetchesOnce(t *testing.T) {
	origin := newTestOrigin()
	storage := cache.NewMemStorage()
	s := newTestCacheFirst(t, storage, HandlerFetcher{Handler: origin})
	url := "https://admin.example.com/admin-app/icons/icon1.png"

	for i := 0; i < 3; i++ {
		res, err := s.Handle(context.Background(), httptest.NewRequest("GET", url, nil))
		if err != nil {
			t.Fatal(err)
		}
		if body := readBody(t, res); body != "content of /admin-app/icons/icon1.png" {
			t.Fatalf("Body is %q", body)
		}
		s.Wait()
	}

	if n := origin.hitCount("/admin-app/icons/icon1.png"); n != 1 {
		t.Fatalf("Origin hit %d times", n)
	}
	store, _ := storage.Open(context.Background(), testStore)
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "GET:"+url {
		t.Fatalf("Keys are %v", keys)
	}
}

func TestCacheFirstServesFromAnyStore(t *testing.T) {
	origin := newTestOrigin()
	storage := cache.NewMemStorage()
	storeResponse(t, storage, "tenderfrozen-static-v1", "https://admin.example.com/admin-app/pos.html", "old pos")
	s := newTestCacheFirst(t, storage, HandlerFetcher{Handler: origin})

	res, err := s.Handle(context.Background(), httptest.NewRequest("GET", "https://admin.example.com/admin-app/pos.html", nil))
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "old pos" {
		t.Fatalf("Body is %q", body)
	}
	if age := res.Header.Get("Age"); age != "60" {
		t.Fatalf("Age is %q", age)
	}
	if origin.hitCount("/admin-app/pos.html") != 0 {
		t.Fatal("Origin was hit")
	}
}

func TestCacheFirstDoesNotStoreNotOk(t *testing.T) {
	storage := cache.NewMemStorage()
	s := newTestCacheFirst(t, storage, HandlerFetcher{Handler: newTestOrigin()})

	res, err := s.Handle(context.Background(), httptest.NewRequest("GET", "https://admin.example.com/admin-app/missing.png", nil))
	if err != nil {
		t.Fatal(err)
	}
	s.Wait()

	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	names, _ := storage.Names(context.Background())
	if len(names) != 0 {
		t.Fatalf("Stores are %v", names)
	}
}

func TestCacheFirstDoesNotStoreUnsafeMethods(t *testing.T) {
	storage := cache.NewMemStorage()
	s := newTestCacheFirst(t, storage, HandlerFetcher{Handler: newTestOrigin()})

	res, err := s.Handle(context.Background(), httptest.NewRequest("POST", "https://admin.example.com/admin-app/upload.json", nil))
	if err != nil {
		t.Fatal(err)
	}
	s.Wait()

	if cs := res.Header.Get("Cache-Status"); cs != "ShellCache; fwd=method; fwd-status=200" {
		t.Fatalf("Cache-Status is %q", cs)
	}
	names, _ := storage.Names(context.Background())
	if len(names) != 0 {
		t.Fatalf("Stores are %v", names)
	}
}

func TestCacheFirstOfflineFallback(t *testing.T) {
	storage := cache.NewMemStorage()
	storeResponse(t, storage, testStore, "https://admin.example.com/admin-app/index.html", "offline shell")
	s := newTestCacheFirst(t, storage, FetcherFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("no route to host")
	}))

	res, err := s.Handle(context.Background(), httptest.NewRequest("GET", "https://admin.example.com/admin-app/acc.html", nil))
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "offline shell" {
		t.Fatalf("Body is %q", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != `ShellCache; hit; detail="offline"` {
		t.Fatalf("Cache-Status is %q", cs)
	}
}

func TestCacheFirstNetworkErrorWithoutFallback(t *testing.T) {
	s := newTestCacheFirst(t, cache.NewMemStorage(), FetcherFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("no route to host")
	}))

	_, err := s.Handle(context.Background(), httptest.NewRequest("GET", "https://admin.example.com/admin-app/acc.html", nil))

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("Error is %v", err)
	}
	if fetchErr.URL != "https://admin.example.com/admin-app/acc.html" {
		t.Fatalf("URL is %s", fetchErr.URL)
	}
}

func TestCacheFirstReportsWriteErrors(t *testing.T) {
	var reported error
	s := NewCacheFirst(CacheFirstOpts{
		Storage:   failingStorage{Storage: cache.NewMemStorage()},
		StoreName: testStore,
		Fetcher:   HandlerFetcher{Handler: newTestOrigin()},
		Logger:    zerolog.Nop(),
		OnError:   func(err error) { reported = err },
	})

	res, err := s.Handle(context.Background(), httptest.NewRequest("GET", "https://admin.example.com/admin-app/tf-navigation.js", nil))
	if err != nil {
		t.Fatal(err)
	}
	s.Wait()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if !errors.Is(reported, errPutFailed) {
		t.Fatalf("Reported %v", reported)
	}
}

func TestCacheFirstDoesNotStorePartialContent(t *testing.T) {
	var fetches int
	fonts := FetcherFunc(func(r *http.Request) (*http.Response, error) {
		fetches++
		rr := httptest.NewRecorder()
		rr.Header().Set("Content-Type", "font/woff2")
		if r.Header.Get("Range") != "" {
			rr.Header().Set("Content-Range", "bytes 0-3/9")
			rr.WriteHeader(http.StatusPartialContent)
			rr.WriteString("FULL")
		} else {
			rr.WriteString("FULL FONT")
		}
		return rr.Result(), nil
	})
	storage := cache.NewMemStorage()
	s := newTestCacheFirst(t, storage, fonts)
	url := "https://admin.example.com/fonts/inter.woff2"

	ranged := httptest.NewRequest("GET", url, nil)
	ranged.Header.Set("Range", "bytes=0-3")
	res, err := s.Handle(context.Background(), ranged)
	if err != nil {
		t.Fatal(err)
	}
	s.Wait()
	if res.StatusCode != http.StatusPartialContent {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "ShellCache; fwd=request; fwd-status=206" {
		t.Fatalf("Cache-Status is %q", cs)
	}
	if names, _ := storage.Names(context.Background()); len(names) != 0 {
		t.Fatalf("Stores are %v", names)
	}

	res, err = s.Handle(context.Background(), httptest.NewRequest("GET", url, nil))
	if err != nil {
		t.Fatal(err)
	}
	s.Wait()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); body != "FULL FONT" {
		t.Fatalf("Body is %q", body)
	}
	if fetches != 2 {
		t.Fatalf("Fetched %d times", fetches)
	}
}

func TestCacheFirstDoesNotStoreUnrequestedPartialContent(t *testing.T) {
	storage := cache.NewMemStorage()
	s := newTestCacheFirst(t, storage, FetcherFunc(func(r *http.Request) (*http.Response, error) {
		rr := httptest.NewRecorder()
		rr.WriteHeader(http.StatusPartialContent)
		rr.WriteString("part")
		return rr.Result(), nil
	}))

	res, err := s.Handle(context.Background(), httptest.NewRequest("GET", "https://admin.example.com/admin-app/app.js", nil))
	if err != nil {
		t.Fatal(err)
	}
	s.Wait()

	if cs := res.Header.Get("Cache-Status"); cs != "ShellCache; fwd=uri-miss; fwd-status=206" {
		t.Fatalf("Cache-Status is %q", cs)
	}
	if names, _ := storage.Names(context.Background()); len(names) != 0 {
		t.Fatalf("Stores are %v", names)
	}
}
