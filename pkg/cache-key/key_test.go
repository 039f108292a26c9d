package cachekey

import (
	"net/http"
	"net/url"
	"testing"
)

func TestKeyResolvesAgainstOrigin(t *testing.T) {
	origin, _ := url.Parse("https://admin.example.com")
	keygen := NewCacheKeyer(origin)
	r, _ := http.NewRequest("GET", "/admin-app/index.html?x=1#top", nil)
	if key := keygen.GetKey(r); key != "GET:https://admin.example.com/admin-app/index.html?x=1" {
		t.Fatalf("Key is %s", key)
	}
}

func TestKeyIgnoresHeaders(t *testing.T) {
	origin, _ := url.Parse("https://admin.example.com")
	keygen := NewCacheKeyer(origin)
	r1, _ := http.NewRequest("GET", "/app.js", nil)
	r2, _ := http.NewRequest("GET", "/app.js", nil)
	r2.Header.Set("Accept", "text/javascript")
	r2.Header.Set("Cookie", "session=1")
	if keygen.GetKey(r1) != keygen.GetKey(r2) {
		t.Fatalf("Keys differ: %s != %s", keygen.GetKey(r1), keygen.GetKey(r2))
	}
}

func TestKeyKeepsAbsoluteURL(t *testing.T) {
	origin, _ := url.Parse("https://admin.example.com")
	keygen := NewCacheKeyer(origin)
	r, _ := http.NewRequest("POST", "https://other.example.com/page", nil)
	if key := keygen.GetKey(r); key != "POST:https://other.example.com/page" {
		t.Fatalf("Key is %s", key)
	}
}

func TestRequestFromKey(t *testing.T) {
	req, err := GetRequestFromKey(Key("get", "https://admin.example.com/page"))
	if err != nil {
		t.Fatal(err)
	}
	if req.Method != "GET" || req.URL.String() != "https://admin.example.com/page" {
		t.Fatalf("Created request is %s %s", req.Method, req.URL)
	}
	if _, err := GetRequestFromKey("no-separator"); err == nil {
		t.Fatal("Expected error for malformed key")
	}
}

func TestNormalize(t *testing.T) {
	n, err := Normalize("HTTPS://Admin.example.com/admin-app/#main")
	if err != nil {
		t.Fatal(err)
	}
	if n != "https://Admin.example.com/admin-app/" {
		t.Fatalf("Normalized is %s", n)
	}
	if _, err := Normalize("/relative"); err == nil {
		t.Fatal("Expected error for relative URL")
	}
}
