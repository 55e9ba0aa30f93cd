package validation

import (
	"fmt"
	"slices"

	"github.com/okian/fedkeys/internal/domain/model"
)

// check is a pure predicate over a payload. It returns one violation per
// offending element.
type check func(v *Validator, p model.SubmissionPayload) []Violation

func violation(rule Rule, format string, args ...any) Violation {
	return Violation{Rule: rule, Message: fmt.Sprintf(format, args...)}
}

func checkStartIntervalAtMidnight(v *Validator, p model.SubmissionPayload) []Violation {
	for _, k := range p.Keys {
		if k.RollingStartIntervalNumber%v.maxRollingPeriod != 0 {
			return []Violation{violation(RuleStartIntervalAtMidnight,
				"Start Interval Number must be at midnight ( 00:00 UTC )")}
		}
	}
	return nil
}

func checkKeyData(_ *Validator, p model.SubmissionPayload) []Violation {
	var out []Violation
	for i, k := range p.Keys {
		if len(k.KeyData) != model.KeyDataLength {
			out = append(out, violation(RuleKeyData,
				"Key %d: key data must be %d bytes, but is %d.", i, model.KeyDataLength, len(k.KeyData)))
		}
	}
	return out
}

func checkRollingPeriodRange(v *Validator, p model.SubmissionPayload) []Violation {
	var out []Violation
	for i, k := range p.Keys {
		if k.RollingPeriod < 1 || k.RollingPeriod > v.maxRollingPeriod {
			out = append(out, violation(RuleRollingPeriodRange,
				"Key %d: rolling period must be between 1 and %d, but is %d.", i, v.maxRollingPeriod, k.RollingPeriod))
		}
	}
	return out
}

func checkTransmissionRiskLevel(_ *Validator, p model.SubmissionPayload) []Violation {
	var out []Violation
	for i, k := range p.Keys {
		trl := k.TransmissionRiskLevel
		if trl != 0 && (trl < model.MinTransmissionRiskLevel || trl > model.MaxTransmissionRiskLevel) {
			out = append(out, violation(RuleTransmissionRiskLevel,
				"Key %d: transmission risk level must be between %d and %d, but is %d.",
				i, model.MinTransmissionRiskLevel, model.MaxTransmissionRiskLevel, trl))
		}
	}
	return out
}

func checkRiskFieldsPresent(_ *Validator, p model.SubmissionPayload) []Violation {
	var out []Violation
	for i, k := range p.Keys {
		if k.TransmissionRiskLevel == 0 && k.DaysSinceOnsetOfSymptoms == nil {
			out = append(out, violation(RuleRiskFieldsPresent,
				"Key %d: either transmission risk level or days since onset of symptoms must be set.", i))
		}
	}
	return out
}

// checkRollingPeriodPerDay passes when at least one start interval group stays
// within one day. Groups above the limit are tolerated as long as one group fits.
func checkRollingPeriodPerDay(v *Validator, p model.SubmissionPayload) []Violation {
	sums := make(map[uint32]uint64)
	for _, k := range p.Keys {
		sums[k.RollingStartIntervalNumber] += uint64(k.RollingPeriod)
	}
	for _, sum := range sums {
		if sum <= uint64(v.maxRollingPeriod) {
			return nil
		}
	}
	return []Violation{violation(RuleRollingPeriodPerDay,
		"The sum of the rolling periods exceeds %d per day", v.maxRollingPeriod)}
}

func checkKeyCount(v *Validator, p model.SubmissionPayload) []Violation {
	n := len(p.Keys)
	if n < 1 || n > v.maxNumberOfKeys {
		return []Violation{violation(RuleKeyCount,
			"Number of keys must be between 1 and %d, but is %d.", v.maxNumberOfKeys, n)}
	}
	return nil
}

func checkUniqueStartIntervals(_ *Validator, p model.SubmissionPayload) []Violation {
	seen := make(map[uint32]int, len(p.Keys))
	for _, k := range p.Keys {
		seen[k.RollingStartIntervalNumber]++
	}
	var dups []uint32
	for rsin, n := range seen {
		if n > 1 {
			dups = append(dups, rsin)
		}
	}
	if len(dups) == 0 {
		return nil
	}
	slices.Sort(dups)
	return []Violation{violation(RuleUniqueStartIntervals,
		"Duplicate StartIntervalNumber found. StartIntervalNumbers: %v", dups)}
}

func checkOriginCountry(v *Validator, p model.SubmissionPayload) []Violation {
	if !v.isSupported(p.Origin) {
		return []Violation{violation(RuleOriginCountry,
			"Origin country %s is not part of the supported countries list", p.Origin)}
	}
	return nil
}

func checkVisitedCountries(v *Validator, p model.SubmissionPayload) []Violation {
	var out []Violation
	for _, c := range p.VisitedCountries {
		if !v.isSupported(c) {
			out = append(out, violation(RuleVisitedCountries,
				"[%s]: Visited country is not part of the supported countries list", c))
		}
	}
	return out
}
