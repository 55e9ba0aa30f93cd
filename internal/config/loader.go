package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Environment variables read by Load.
const (
	EnvPrefix     = "FEDKEYS_"
	EnvConfigPath = "FEDKEYS_CONFIG"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if FEDKEYS_CONFIG is set
//  3. env (prefix FEDKEYS_, "__" separates nested keys)
//
// List values given as env vars are comma separated.
func Load(_ context.Context) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(defaultsProvider{cfg: New()}, nil); err != nil {
		return nil, fmt.Errorf("%w: defaults: %v", ErrLoadConfig, err)
	}

	if path := os.Getenv(EnvConfigPath); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLoadConfig, path, err)
		}
	}

	// FEDKEYS_UPLOAD__MIN_BATCH_KEY_COUNT -> upload.min_batch_key_count
	envProvider := env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
		if _, ok := listKeys[key]; ok {
			return key, splitList(value)
		}
		return key, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %v", ErrLoadConfig, err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// listKeys are the settings given as comma separated env values.
var listKeys = map[string]struct{}{
	"submission.supported_countries": {},
}

func splitList(v string) []string {
	out := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// defaultsProvider exposes a Config as the lowest koanf layer. Lists from
// higher layers replace the defaults; table entries are merged key by key.
type defaultsProvider struct {
	cfg *Config
}

func (p defaultsProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("defaults provider does not support ReadBytes")
}

func (p defaultsProvider) Read() (map[string]any, error) {
	c := p.cfg
	return map[string]any{
		"log_level":              c.LogLevel,
		"log_format":             c.LogFormat,
		"addr":                   c.Addr,
		"admin_addr":             c.AdminAddr,
		"request_timeout":        c.RequestTimeout.String(),
		"database_url":           c.DatabaseURL,
		"default_origin_country": c.DefaultOriginCountry,
		"submission": map[string]any{
			"max_number_of_keys":  c.Submission.MaxNumberOfKeys,
			"max_rolling_period":  c.Submission.MaxRollingPeriod,
			"supported_countries": c.Submission.SupportedCountries,
		},
		"upload": map[string]any{
			"min_batch_key_count": c.Upload.MinBatchKeyCount,
			"max_batch_key_count": c.Upload.MaxBatchKeyCount,
			"interval":            c.Upload.Interval.String(),
		},
		"federation": map[string]any{
			"base_url": c.Federation.BaseURL,
			"timeout":  c.Federation.Timeout.String(),
		},
		"ingest": map[string]any{
			"worker_count": c.Ingest.WorkerCount,
			"queue_size":   c.Ingest.QueueSize,
			"dedupe_size":  c.Ingest.DedupeSize,
		},
		"tek_field_derivations": map[string]any{
			"trl_from_dsos": table(c.Derivations.TRLFromDSOS),
			"dsos_from_trl": table(c.Derivations.DSOSFromTRL),
		},
	}, nil
}

func table(in map[string]int32) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
