// Package config loads the offline cache configuration from a YAML file,
// overlaid with OFFLINE_CACHE_* environment variables.
package config

import (
	"net/url"
	"os"
	"slices"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/pkg/classifier"

	"github.com/caarlos0/env/v11"
	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables overriding file settings.
const EnvPrefix = "OFFLINE_CACHE_"

// Settings are the scalar settings, which can also be set from the environment.
type Settings struct {
	// Version identifier of the cache generation to install.
	Version string `yaml:"version" env:"VERSION"`
	// URL of the origin server.
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Hostname to use for HTTP requests and TLS negotiation.
	Host string `yaml:"host" env:"HOST"`
	// immediate or deferred
	Takeover        string        `yaml:"takeover" env:"TAKEOVER"`
	OfflineDocument string        `yaml:"offlineDocument" env:"OFFLINE_DOCUMENT"`
	FetchTimeout    time.Duration `yaml:"fetchTimeout" env:"FETCH_TIMEOUT"`
	DefaultTTL      time.Duration `yaml:"defaultTTL" env:"DEFAULT_TTL"`
	// Parallel fetches during install.
	PrecacheConcurrency int      `yaml:"precacheConcurrency" env:"PRECACHE_CONCURRENCY"`
	Core                []string `yaml:"core" env:"CORE"`
	Precache            []string `yaml:"precache" env:"PRECACHE"`
}

type Config struct {
	Settings `yaml:",inline"`
	// Classification rules. The default rules are used if not set.
	Rules classifier.Rules `yaml:"rules"`
}

// Default returns the configuration used for unset values.
func Default() Config {
	return Config{
		Settings: Settings{
			Takeover:            string(offlinecache.TakeoverImmediate),
			OfflineDocument:     "/offline.html",
			FetchTimeout:        30 * time.Second,
			DefaultTTL:          classifier.DefaultTTL,
			PrecacheConcurrency: 4,
		},
	}
}

// Load reads the configuration file, if any, and applies environment overrides.
// The result is validated.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, errors.Wrapf(err, errors.CodeInvalidConfig, "cannot read config file %s", filename)
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, errors.Wrapf(err, errors.CodeInvalidConfig, "cannot parse config file %s", filename)
		}
	}
	if err := env.ParseWithOptions(&config.Settings, env.Options{Prefix: EnvPrefix}); err != nil {
		return config, errors.Wrap(err, errors.CodeInvalidConfig, "invalid environment variable")
	}
	if config.Rules == nil {
		config.Rules = classifier.DefaultRules()
	}
	return config, config.Validate()
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Version == "" {
		return errors.New(errors.CodeInvalidConfig, "version is required")
	}
	if c.Origin == "" {
		return errors.New(errors.CodeInvalidConfig, "origin is required")
	}
	if u, err := url.Parse(c.Origin); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid origin")
	} else if u.Scheme == "" || u.Host == "" {
		return errors.Newf(errors.CodeInvalidConfig, "origin %q must have scheme and host", c.Origin)
	} else if u.Path != "" && u.Path != "/" {
		return errors.Newf(errors.CodeInvalidConfig, "origins with paths are not supported: %q", c.Origin)
	}
	switch offlinecache.Takeover(c.Takeover) {
	case offlinecache.TakeoverImmediate, offlinecache.TakeoverDeferred:
	default:
		return errors.Newf(errors.CodeInvalidConfig, "takeover must be immediate or deferred, got %q", c.Takeover)
	}
	if c.OfflineDocument != "" && !slices.Contains(c.Core, c.OfflineDocument) {
		return errors.Newf(errors.CodeInvalidConfig, "offline document %s must be a core asset", c.OfflineDocument)
	}
	if c.FetchTimeout < 0 || c.DefaultTTL < 0 || c.PrecacheConcurrency < 0 {
		return errors.New(errors.CodeInvalidConfig, "durations and concurrency must not be negative")
	}
	if _, err := classifier.New(c.Classifier()); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid rules")
	}
	return nil
}

// OriginURL returns the parsed origin. Only valid after Validate.
func (c Config) OriginURL() url.URL {
	u, _ := url.Parse(c.Origin)
	u.Path = ""
	return *u
}

// Classifier returns the request classification settings.
func (c Config) Classifier() classifier.Config {
	return classifier.Config{
		Origin:     c.Origin,
		Rules:      c.Rules,
		DefaultTTL: c.DefaultTTL,
	}
}

// Manifest returns the assets to install for the configured version.
func (c Config) Manifest() offlinecache.Manifest {
	return offlinecache.Manifest{
		Version:  c.Version,
		Core:     c.Core,
		Precache: c.Precache,
	}
}

// CacheConfig returns the cache configuration with the given storage and network.
func (c Config) CacheConfig(base offlinecache.Config) offlinecache.Config {
	base.Classifier = c.Classifier()
	base.Takeover = offlinecache.Takeover(c.Takeover)
	base.OfflineDocument = c.OfflineDocument
	base.FetchTimeout = c.FetchTimeout
	base.PrecacheConcurrency = c.PrecacheConcurrency
	return base
}
