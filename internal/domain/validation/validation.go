// Package validation enforces structural and temporal consistency rules on
// inbound key submissions before they are persisted.
package validation

import (
	"fmt"
	"strings"

	"github.com/okian/fedkeys/internal/domain/model"
)

// Default limits.
const (
	DefaultMaxNumberOfKeys = 14
)

// Rule identifies the check that produced a violation.
type Rule string

// Rules in evaluation order.
const (
	RuleStartIntervalAtMidnight Rule = "start_interval_at_midnight"
	RuleKeyData                 Rule = "key_data"
	RuleRollingPeriodRange      Rule = "rolling_period_range"
	RuleTransmissionRiskLevel   Rule = "transmission_risk_level"
	RuleRiskFieldsPresent       Rule = "risk_fields_present"
	RuleRollingPeriodPerDay     Rule = "rolling_period_per_day"
	RuleKeyCount                Rule = "key_count"
	RuleUniqueStartIntervals    Rule = "unique_start_intervals"
	RuleOriginCountry           Rule = "origin_country"
	RuleVisitedCountries        Rule = "visited_countries"
)

// Violation is one failed rule with a human-readable message.
type Violation struct {
	Rule    Rule   `json:"rule"`
	Message string `json:"message"`
}

// Result lists violations in evaluation order. An empty result means valid.
type Result []Violation

// Valid reports whether no rule was violated.
func (r Result) Valid() bool { return len(r) == 0 }

// Messages returns the violation messages in order.
func (r Result) Messages() []string {
	out := make([]string, len(r))
	for i, v := range r {
		out[i] = v.Message
	}
	return out
}

// Has reports whether a violation of the given rule is present.
func (r Result) Has(rule Rule) bool {
	for _, v := range r {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

// Err returns nil for a valid result, otherwise an error wrapping
// ErrInvalidPayload that carries all messages.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(r.Messages(), "; "))
}

// Config holds the limits a payload is checked against.
type Config struct {
	MaxNumberOfKeys    int
	MaxRollingPeriod   uint32
	SupportedCountries []string
}

// Validator checks submission payloads. It is immutable after construction and
// safe for concurrent use.
type Validator struct {
	maxNumberOfKeys  int
	maxRollingPeriod uint32
	supported        map[string]struct{}
	flexible         []check
	fixed            []check
}

// Option applies a configuration option to the Validator.
type Option func(*Validator)

// WithMaxNumberOfKeys sets the fixed-mode key count limit.
func WithMaxNumberOfKeys(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.maxNumberOfKeys = n
		}
	}
}

// WithMaxRollingPeriod sets the number of intervals in one day.
func WithMaxRollingPeriod(p uint32) Option {
	return func(v *Validator) {
		if p > 0 {
			v.maxRollingPeriod = p
		}
	}
}

// WithSupportedCountries sets the accepted origin and visited countries.
func WithSupportedCountries(countries []string) Option {
	return func(v *Validator) {
		v.supported = make(map[string]struct{}, len(countries))
		for _, c := range countries {
			v.supported[c] = struct{}{}
		}
	}
}

// WithConfig applies all limits from cfg.
func WithConfig(cfg Config) Option {
	return func(v *Validator) {
		WithMaxNumberOfKeys(cfg.MaxNumberOfKeys)(v)
		WithMaxRollingPeriod(cfg.MaxRollingPeriod)(v)
		WithSupportedCountries(cfg.SupportedCountries)(v)
	}
}

// New creates a Validator. Without WithSupportedCountries no country is
// supported.
func New(opts ...Option) *Validator {
	v := &Validator{
		maxNumberOfKeys:  DefaultMaxNumberOfKeys,
		maxRollingPeriod: model.MaxRollingPeriod,
		supported:        map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(v)
	}
	v.flexible = []check{
		checkStartIntervalAtMidnight,
		checkKeyData,
		checkRollingPeriodRange,
		checkTransmissionRiskLevel,
		checkRiskFieldsPresent,
		checkRollingPeriodPerDay,
		checkOriginCountry,
		checkVisitedCountries,
	}
	v.fixed = []check{
		checkStartIntervalAtMidnight,
		checkKeyData,
		checkRollingPeriodRange,
		checkTransmissionRiskLevel,
		checkRiskFieldsPresent,
		checkKeyCount,
		checkUniqueStartIntervals,
		checkOriginCountry,
		checkVisitedCountries,
	}
	return v
}

// Validate runs every rule applicable to the payload's mode and returns all
// violations. A payload is in flexible mode when any key covers less than the
// maximum rolling period.
func (v *Validator) Validate(p model.SubmissionPayload) Result {
	checks := v.fixed
	if p.FlexibleRollingPeriod(v.maxRollingPeriod) {
		checks = v.flexible
	}
	var result Result
	for _, c := range checks {
		result = append(result, c(v, p)...)
	}
	return result
}

// Validate checks p against cfg with a one-off Validator.
func Validate(p model.SubmissionPayload, cfg Config) Result {
	return New(WithConfig(cfg)).Validate(p)
}

func (v *Validator) isSupported(country string) bool {
	_, ok := v.supported[country]
	return ok
}
