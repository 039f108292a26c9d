// Package config loads the proxy configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	responsetransformer "github.com/always-cache/shellcache/pkg/response-transformer"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	ProviderSQLite = "sqlite"
	ProviderMemory = "memory"
	ProviderRedis  = "redis"
)

type Config struct {
	// Address to listen on.
	Listen string `yaml:"listen" env:"SHELLCACHE_LISTEN"`
	// URL of the origin server requests are sent to.
	Origin string `yaml:"origin" env:"SHELLCACHE_ORIGIN"`
	// Hostname to use for origin requests and TLS negotiation,
	// e.g. if the origin URL is just an IP address.
	Host string `yaml:"host" env:"SHELLCACHE_HOST"`
	// Public URL the application is served from.
	// Defaults to the origin, with the hostname if one is set.
	Scope string `yaml:"scope" env:"SHELLCACHE_SCOPE"`
	// Cache version, e.g. v2.2.1.
	Version      string   `yaml:"version" env:"SHELLCACHE_VERSION"`
	StorePrefix  string   `yaml:"storePrefix" env:"SHELLCACHE_STORE_PREFIX"`
	OfflineURL   string   `yaml:"offlineURL" env:"SHELLCACHE_OFFLINE_URL"`
	StaticAssets []string `yaml:"staticAssets" env:"SHELLCACHE_STATIC_ASSETS" envSeparator:","`
	// Zero means requests to the origin are never timed out.
	FetchTimeout time.Duration             `yaml:"fetchTimeout" env:"SHELLCACHE_FETCH_TIMEOUT"`
	Classifier   Classifier                `yaml:"classifier"`
	Storage      Storage                   `yaml:"storage"`
	Rules        responsetransformer.Rules `yaml:"rules"`
}

type Classifier struct {
	APIPathMarkers   []string `yaml:"apiPathMarkers" env:"SHELLCACHE_API_PATH_MARKERS" envSeparator:","`
	APIQueryMarkers  []string `yaml:"apiQueryMarkers" env:"SHELLCACHE_API_QUERY_MARKERS" envSeparator:","`
	StaticExtensions []string `yaml:"staticExtensions" env:"SHELLCACHE_STATIC_EXTENSIONS" envSeparator:","`
}

type Storage struct {
	// One of sqlite, memory or redis.
	Provider string `yaml:"provider" env:"SHELLCACHE_STORAGE"`
	// SQLite database file.
	Path        string `yaml:"path" env:"SHELLCACHE_DB"`
	RedisAddr   string `yaml:"redisAddr" env:"SHELLCACHE_REDIS_ADDR"`
	RedisDB     int    `yaml:"redisDB" env:"SHELLCACHE_REDIS_DB"`
	RedisPrefix string `yaml:"redisPrefix" env:"SHELLCACHE_REDIS_PREFIX"`
}

func Default() Config {
	return Config{
		Listen:      ":8080",
		StorePrefix: "shellcache-static-",
		Storage: Storage{
			Provider: ProviderSQLite,
			Path:     "shellcache.db",
		},
	}
}

// Load reads the config file, if any, on top of the defaults
// and then applies environment overrides. The result is not validated.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Origin == "" {
		errs = append(errs, errors.New("origin must be set"))
	} else if err := checkAbsolute(c.Origin); err != nil {
		errs = append(errs, fmt.Errorf("origin: %w", err))
	}
	if c.Scope != "" {
		if err := checkAbsolute(c.Scope); err != nil {
			errs = append(errs, fmt.Errorf("scope: %w", err))
		}
	}
	if c.Version == "" {
		errs = append(errs, errors.New("version must be set"))
	}
	for _, asset := range c.StaticAssets {
		if err := checkAbsolute(asset); err != nil {
			errs = append(errs, fmt.Errorf("static asset: %w", err))
		}
	}
	if c.OfflineURL != "" {
		if err := checkAbsolute(c.OfflineURL); err != nil {
			errs = append(errs, fmt.Errorf("offline URL: %w", err))
		}
	}
	if c.FetchTimeout < 0 {
		errs = append(errs, errors.New("fetch timeout must not be negative"))
	}
	switch c.Storage.Provider {
	case ProviderSQLite, ProviderMemory:
	case ProviderRedis:
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("redis address must be set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage provider: %q", c.Storage.Provider))
	}
	return errors.Join(errs...)
}

func (c Config) OriginURL() (*url.URL, error) {
	return url.Parse(c.Origin)
}

// ScopeURL returns the public URL of the application.
func (c Config) ScopeURL() (*url.URL, error) {
	if c.Scope != "" {
		return url.Parse(c.Scope)
	}
	u, err := c.OriginURL()
	if err != nil {
		return nil, err
	}
	if c.Host != "" {
		u.Host = c.Host
	}
	return u, nil
}

func checkAbsolute(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("URL is not absolute: %q", rawURL)
	}
	return nil
}
