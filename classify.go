package shellcache

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	cachekey "github.com/always-cache/shellcache/pkg/cache-key"
)

// Class is the classification of a request URL.
type Class int

const (
	ClassOther Class = iota
	ClassAPI
	ClassStatic
)

func (c Class) String() string {
	switch c {
	case ClassAPI:
		return "api"
	case ClassStatic:
		return "static"
	default:
		return "other"
	}
}

var (
	// DefaultAPIPathMarkers mark REST and admin-ajax paths.
	DefaultAPIPathMarkers = []string{"/wp-json/", "/api/", "wc/v3/", "/wp-admin/admin-ajax.php"}
	// DefaultAPIQueryMarkers mark routed or action requests in the query string.
	DefaultAPIQueryMarkers = []string{"rest_route", "action="}
	// DefaultStaticExtensions are the file extensions of application shell files.
	DefaultStaticExtensions = []string{"html", "css", "js", "png", "jpg", "jpeg", "gif", "svg", "ico", "woff", "woff2", "json"}
)

// Classifier maps request URLs to classes.
// It is immutable after creation and safe for concurrent use.
type Classifier struct {
	apiPathMarkers  []string
	apiQueryMarkers []string
	staticExt       *regexp.Regexp
	staticAssets    map[string]struct{}
}

type ClassifierConfig struct {
	// Absolute URLs of the static asset set.
	StaticAssets []string
	// Empty marker and extension lists use the defaults.
	APIPathMarkers   []string
	APIQueryMarkers  []string
	StaticExtensions []string
}

func NewClassifier(config ClassifierConfig) (*Classifier, error) {
	c := &Classifier{
		apiPathMarkers:  config.APIPathMarkers,
		apiQueryMarkers: config.APIQueryMarkers,
		staticAssets:    make(map[string]struct{}, len(config.StaticAssets)),
	}
	if len(c.apiPathMarkers) == 0 {
		c.apiPathMarkers = DefaultAPIPathMarkers
	}
	if len(c.apiQueryMarkers) == 0 {
		c.apiQueryMarkers = DefaultAPIQueryMarkers
	}
	extensions := config.StaticExtensions
	if len(extensions) == 0 {
		extensions = DefaultStaticExtensions
	}
	quoted := make([]string, len(extensions))
	for i, ext := range extensions {
		quoted[i] = regexp.QuoteMeta(strings.TrimPrefix(ext, "."))
	}
	c.staticExt = regexp.MustCompile(`(?i)\.(` + strings.Join(quoted, "|") + `)$`)

	for _, asset := range config.StaticAssets {
		normalized, err := cachekey.Normalize(asset)
		if err != nil {
			return nil, fmt.Errorf("static asset %q: %w", asset, err)
		}
		c.staticAssets[normalized] = struct{}{}
	}
	return c, nil
}

// Classify returns the class of an absolute request URL.
// API markers take precedence, so dynamic payloads are never treated as static files.
func (c *Classifier) Classify(u *url.URL) Class {
	if c.IsAPI(u) {
		return ClassAPI
	}
	if c.IsStatic(u) {
		return ClassStatic
	}
	return ClassOther
}

func (c *Classifier) IsAPI(u *url.URL) bool {
	for _, marker := range c.apiPathMarkers {
		if strings.Contains(u.Path, marker) {
			return true
		}
	}
	if u.RawQuery == "" {
		return false
	}
	search := "?" + u.RawQuery
	for _, marker := range c.apiQueryMarkers {
		if strings.Contains(search, marker) {
			return true
		}
	}
	return false
}

func (c *Classifier) IsStatic(u *url.URL) bool {
	href := *u
	href.Fragment = ""
	href.RawFragment = ""
	if _, ok := c.staticAssets[href.String()]; ok {
		return true
	}
	return c.staticExt.MatchString(u.Path)
}
