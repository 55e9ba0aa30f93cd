// Package config defines service configuration and its defaults.
//
// Values are layered by Load: defaults from New, then an optional YAML file,
// then FEDKEYS_ environment variables.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/okian/fedkeys/internal/domain/batching"
	"github.com/okian/fedkeys/internal/domain/model"
	"github.com/okian/fedkeys/internal/domain/normalization"
	"github.com/okian/fedkeys/internal/domain/validation"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the log encoding: json or text.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// AdminAddr is the listen address of the upload and ingest routes. Empty
	// serves them on Addr, which is only safe behind a network restriction.
	AdminAddr string `koanf:"admin_addr"`

	// RequestTimeout bounds submission and ingest requests.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// DatabaseURL selects the PostgreSQL store. Empty keeps keys in memory.
	DatabaseURL string `koanf:"database_url"`

	// DefaultOriginCountry is applied to submissions without an origin.
	DefaultOriginCountry string `koanf:"default_origin_country"`

	Submission  SubmissionConfig  `koanf:"submission"`
	Upload      UploadConfig      `koanf:"upload"`
	Federation  FederationConfig  `koanf:"federation"`
	Ingest      IngestConfig      `koanf:"ingest"`
	Derivations DerivationsConfig `koanf:"tek_field_derivations"`
}

// SubmissionConfig holds the payload validation limits.
type SubmissionConfig struct {
	MaxNumberOfKeys    int      `koanf:"max_number_of_keys"`
	MaxRollingPeriod   uint32   `koanf:"max_rolling_period"`
	SupportedCountries []string `koanf:"supported_countries"`
}

// UploadConfig holds the batch size limits and the scheduler period. A zero
// Interval disables scheduled runs.
type UploadConfig struct {
	MinBatchKeyCount int           `koanf:"min_batch_key_count"`
	MaxBatchKeyCount int           `koanf:"max_batch_key_count"`
	Interval         time.Duration `koanf:"interval"`
}

// FederationConfig locates the federation gateway. An empty BaseURL disables
// uploads.
type FederationConfig struct {
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

// IngestConfig sizes the asynchronous federation ingest pipeline. DedupeSize
// is how many ingested batch tags are remembered.
type IngestConfig struct {
	WorkerCount int `koanf:"worker_count"`
	QueueSize   int `koanf:"queue_size"`
	DedupeSize  int `koanf:"dedupe_size"`
}

// DerivationsConfig holds the risk field lookup tables. Keys are decimal
// strings because YAML and env keys are strings.
type DerivationsConfig struct {
	TRLFromDSOS map[string]int32 `koanf:"trl_from_dsos"`
	DSOSFromTRL map[string]int32 `koanf:"dsos_from_trl"`
}

// New creates a Config holding the defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "json",
		Addr:                 ":8080",
		AdminAddr:            ":8081",
		RequestTimeout:       30 * time.Second,
		DefaultOriginCountry: "DE",
		Submission: SubmissionConfig{
			MaxNumberOfKeys:    validation.DefaultMaxNumberOfKeys,
			MaxRollingPeriod:   model.MaxRollingPeriod,
			SupportedCountries: []string{"DE"},
		},
		Upload: UploadConfig{
			MinBatchKeyCount: batching.DefaultMinBatchKeyCount,
			MaxBatchKeyCount: batching.DefaultMaxBatchKeyCount,
			Interval:         time.Hour,
		},
		Federation: FederationConfig{
			Timeout: 10 * time.Second,
		},
		Ingest: IngestConfig{
			WorkerCount: 2,
			QueueSize:   64,
			DedupeSize:  10_000,
		},
		Derivations: DerivationsConfig{
			TRLFromDSOS: map[string]int32{
				"14": 1, "10": 2, "8": 3, "6": 4, "4": 5, "2": 6, "0": 7, "-1": 8,
			},
			DSOSFromTRL: map[string]int32{
				"1": 14, "2": 10, "3": 8, "4": 6, "5": 4, "6": 2, "7": 0, "8": -1,
			},
		},
	}
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.AdminAddr == c.Addr:
		return fmt.Errorf("%w: admin_addr must differ from addr", ErrInvalidConfig)
	case c.Submission.MaxNumberOfKeys <= 0:
		return fmt.Errorf("%w: submission.max_number_of_keys must be positive", ErrInvalidConfig)
	case c.Submission.MaxRollingPeriod == 0:
		return fmt.Errorf("%w: submission.max_rolling_period must be positive", ErrInvalidConfig)
	case c.Upload.MinBatchKeyCount <= 0 || c.Upload.MaxBatchKeyCount <= 0:
		return fmt.Errorf("%w: upload batch key counts must be positive", ErrInvalidConfig)
	case c.Upload.MinBatchKeyCount > c.Upload.MaxBatchKeyCount:
		return fmt.Errorf("%w: upload.min_batch_key_count %d exceeds upload.max_batch_key_count %d",
			ErrInvalidConfig, c.Upload.MinBatchKeyCount, c.Upload.MaxBatchKeyCount)
	case c.Upload.Interval < 0:
		return fmt.Errorf("%w: upload.interval must not be negative", ErrInvalidConfig)
	case c.Ingest.WorkerCount <= 0 || c.Ingest.QueueSize <= 0 || c.Ingest.DedupeSize <= 0:
		return fmt.Errorf("%w: ingest sizes must be positive", ErrInvalidConfig)
	}
	if _, err := c.NormalizationDerivations(); err != nil {
		return err
	}
	return nil
}

// ValidationConfig returns the submission limits for the validator.
func (c *Config) ValidationConfig() validation.Config {
	return validation.Config{
		MaxNumberOfKeys:    c.Submission.MaxNumberOfKeys,
		MaxRollingPeriod:   c.Submission.MaxRollingPeriod,
		SupportedCountries: c.Submission.SupportedCountries,
	}
}

// NormalizationDerivations parses the lookup tables.
func (c *Config) NormalizationDerivations() (normalization.Derivations, error) {
	trl, err := parseTable("trl_from_dsos", c.Derivations.TRLFromDSOS)
	if err != nil {
		return normalization.Derivations{}, err
	}
	dsos, err := parseTable("dsos_from_trl", c.Derivations.DSOSFromTRL)
	if err != nil {
		return normalization.Derivations{}, err
	}
	return normalization.Derivations{TRLFromDSOS: trl, DSOSFromTRL: dsos}, nil
}

func parseTable(name string, in map[string]int32) (map[int32]int32, error) {
	out := make(map[int32]int32, len(in))
	for k, v := range in {
		n, err := strconv.ParseInt(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: tek_field_derivations.%s key %q: %v", ErrInvalidConfig, name, k, err)
		}
		out[int32(n)] = v
	}
	return out, nil
}
