package shellcache

import (
	"net/url"
	"testing"
)

var testAssets = []string{
	"https://admin.example.com/admin-app/",
	"https://admin.example.com/admin-app/index.html",
	"https://admin.example.com/admin-app/tf-navigation.js",
	"https://admin.example.com/admin-app/icons/icon1.png",
	"https://admin.example.com/admin-app/manifest.json",
}

func newTestClassifier(t *testing.T) *Classifier {
	c, err := NewClassifier(ClassifierConfig{StaticAssets: testAssets})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func mustParse(t *testing.T, rawURL string) *url.URL {
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestClassify(t *testing.T) {
	c := newTestClassifier(t)
	tests := []struct {
		url  string
		want Class
	}{
		{"https://admin.example.com/wp-json/wc/v3/orders", ClassAPI},
		{"https://admin.example.com/wp-json/foo.json?x=1", ClassAPI},
		{"https://admin.example.com/shop/api/items.js", ClassAPI},
		{"https://admin.example.com/store/wc/v3/products", ClassAPI},
		{"https://admin.example.com/wp-admin/admin-ajax.php", ClassAPI},
		{"https://admin.example.com/?rest_route=/wc/v3/orders", ClassAPI},
		{"https://admin.example.com/admin-app/manifest.json?action=refresh", ClassAPI},
		{"https://admin.example.com/admin-app/", ClassStatic},
		{"https://admin.example.com/admin-app/index.html", ClassStatic},
		{"https://admin.example.com/admin-app/icons/icon1.png", ClassStatic},
		{"https://admin.example.com/assets/LOGO.PNG", ClassStatic},
		{"https://admin.example.com/fonts/inter.woff2", ClassStatic},
		{"https://cdn.example.com/lib.min.js?ver=3", ClassStatic},
		{"https://admin.example.com/admin-app/reports", ClassOther},
		{"https://admin.example.com/admin-app/archive.zip", ClassOther},
		{"https://admin.example.com/js/", ClassOther},
	}
	for _, tt := range tests {
		if got := c.Classify(mustParse(t, tt.url)); got != tt.want {
			t.Errorf("Classify(%s) = %s, expected %s", tt.url, got, tt.want)
		}
	}
}

// Every static asset is static, unless an API marker is added to it.
func TestClassifyAssetPrecedence(t *testing.T) {
	c := newTestClassifier(t)
	for _, asset := range testAssets {
		u := mustParse(t, asset)
		if got := c.Classify(u); got != ClassStatic {
			t.Errorf("Classify(%s) = %s, expected static", asset, got)
		}
		u.RawQuery = "action=sync"
		if got := c.Classify(u); got != ClassAPI {
			t.Errorf("Classify(%s) = %s, expected api", u, got)
		}
	}
}

func TestClassifyIgnoresFragment(t *testing.T) {
	c := newTestClassifier(t)
	if got := c.Classify(mustParse(t, "https://admin.example.com/admin-app/#orders")); got != ClassStatic {
		t.Fatalf("Classify = %s, expected static", got)
	}
}

func TestClassifierCustomLists(t *testing.T) {
	c, err := NewClassifier(ClassifierConfig{
		APIPathMarkers:   []string{"/graphql"},
		APIQueryMarkers:  []string{"op="},
		StaticExtensions: []string{".webp"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Classify(mustParse(t, "https://a.test/graphql")); got != ClassAPI {
		t.Fatalf("Classify = %s", got)
	}
	if got := c.Classify(mustParse(t, "https://a.test/x?op=list")); got != ClassAPI {
		t.Fatalf("Classify = %s", got)
	}
	if got := c.Classify(mustParse(t, "https://a.test/wp-json/x")); got != ClassOther {
		t.Fatalf("Classify = %s", got)
	}
	if got := c.Classify(mustParse(t, "https://a.test/img.webp")); got != ClassStatic {
		t.Fatalf("Classify = %s", got)
	}
	if got := c.Classify(mustParse(t, "https://a.test/app.js")); got != ClassOther {
		t.Fatalf("Classify = %s", got)
	}
}

func TestClassifierRejectsRelativeAsset(t *testing.T) {
	if _, err := NewClassifier(ClassifierConfig{StaticAssets: []string{"/admin-app/"}}); err == nil {
		t.Fatal("Expected error for relative asset URL")
	}
}
