package responsetransformer

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// NoStore is the Cache-Control value used to keep browsers
// and intermediaries from storing a response.
const NoStore = "no-cache, no-store, must-revalidate"

type Rules []Rule

// Rule sets response headers for requests it matches.
// Empty match fields match everything.
type Rule struct {
	Prefix   string            `yaml:"prefix"`
	Path     string            `yaml:"path"`
	Method   string            `yaml:"method"`
	Default  string            `yaml:"default"`
	Override string            `yaml:"override"`
	Query    map[string]string `yaml:"query"`
	Headers  map[string]string `yaml:"headers"`
}

// DefaultRules marks every response as not storable.
var DefaultRules = Rules{
	Rule{Override: NoStore},
}

// Apply applies the first rule matching the response's request.
// Only successful responses are changed.
func (r Rules) Apply(res *http.Response) error {
	if res.StatusCode < 200 || res.StatusCode > 299 || res.Request == nil {
		return nil
	}
	// if rule found, apply to response
	if rule := r.find(res); rule != nil {
		applyRuleToResponse(*rule, res)
	}
	return nil
}

func applyRuleToResponse(rule Rule, res *http.Response) {
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		res.Header.Set("Cache-Control", rule.Override)
		if rule.Override == NoStore {
			res.Header.Set("Pragma", "no-cache")
			res.Header.Set("Expires", "0")
		}
	} else if rule.Default != "" && res.Header.Get("Cache-Control") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		res.Header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		res.Header.Set(name, value)
	}
}

func (r Rules) find(res *http.Response) *Rule {
	log.Trace().Msgf("Finding rule for request %s:%s", res.Request.Method, res.Request.URL.Path)
rulesLoop:
	for _, rule := range r {
		if rule.Method != "" && !strings.EqualFold(rule.Method, res.Request.Method) {
			continue
		}
		if rule.Path != "" && rule.Path != res.Request.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(res.Request.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := res.Request.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &rule
	}
	return nil
}
