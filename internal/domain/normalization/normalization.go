// Package normalization derives the missing one of transmission risk level and
// days since onset of symptoms from the other using configured lookup tables.
//
// Submitted keys usually carry a transmission risk level and get their days
// since onset derived before storage; keys received from federation partners
// carry days since onset and get a national risk level derived on ingestion.
package normalization

import (
	"fmt"
	"maps"
)

// DefaultTransmissionRiskLevel is used when a days-since-onset value has no
// entry in the derivation table.
const DefaultTransmissionRiskLevel int32 = 1

// Fields holds the two normalizable values of a key. A nil pointer means the
// value is absent.
type Fields struct {
	TransmissionRiskLevel    *int32
	DaysSinceOnsetOfSymptoms *int32
}

// FieldsOf builds Fields from optional values.
func FieldsOf(trl, dsos *int32) Fields {
	return Fields{TransmissionRiskLevel: trl, DaysSinceOnsetOfSymptoms: dsos}
}

// Derivations maps values in both directions. The maps may be many-to-one and
// need not be inverse to each other.
type Derivations struct {
	TRLFromDSOS map[int32]int32
	DSOSFromTRL map[int32]int32
}

// Normalizer fills in missing risk fields.
type Normalizer interface {
	Normalize(f Fields) (Fields, error)
}

// TableNormalizer implements Normalizer with lookup tables. It holds no mutable
// state after construction and is safe for concurrent use.
type TableNormalizer struct {
	trlFromDSOS map[int32]int32
	dsosFromTRL map[int32]int32
	defaultTRL  int32
}

// Option applies a configuration option to the TableNormalizer.
type Option func(*TableNormalizer)

// WithDerivations sets both lookup tables. The maps are copied.
func WithDerivations(d Derivations) Option {
	return func(n *TableNormalizer) {
		if d.TRLFromDSOS != nil {
			n.trlFromDSOS = maps.Clone(d.TRLFromDSOS)
		}
		if d.DSOSFromTRL != nil {
			n.dsosFromTRL = maps.Clone(d.DSOSFromTRL)
		}
	}
}

// WithDefaultTransmissionRiskLevel overrides the fallback risk level.
func WithDefaultTransmissionRiskLevel(level int32) Option {
	return func(n *TableNormalizer) {
		if level > 0 {
			n.defaultTRL = level
		}
	}
}

// New creates a TableNormalizer. Without WithDerivations both tables are empty,
// so every derivation falls back or fails.
func New(opts ...Option) *TableNormalizer {
	n := &TableNormalizer{
		trlFromDSOS: map[int32]int32{},
		dsosFromTRL: map[int32]int32{},
		defaultTRL:  DefaultTransmissionRiskLevel,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize returns a new Fields value with the missing field derived.
//
//   - both absent: ErrMissingFields
//   - only days since onset: risk level from the table, or the default level
//   - only risk level: days since onset from the inverse table, or
//     ErrUnmappedTransmissionRiskLevel
//   - both present: returned unchanged
func (n *TableNormalizer) Normalize(f Fields) (Fields, error) {
	trl, dsos := f.TransmissionRiskLevel, f.DaysSinceOnsetOfSymptoms
	switch {
	case trl == nil && dsos == nil:
		return Fields{}, ErrMissingFields
	case trl != nil && dsos != nil:
		return FieldsOf(ptr(*trl), ptr(*dsos)), nil
	case dsos != nil:
		return FieldsOf(ptr(n.trlFor(*dsos)), ptr(*dsos)), nil
	default:
		derived, ok := n.dsosFromTRL[*trl]
		if !ok {
			return Fields{}, fmt.Errorf("%w: %d", ErrUnmappedTransmissionRiskLevel, *trl)
		}
		return FieldsOf(ptr(*trl), ptr(derived)), nil
	}
}

// Federation returns a Normalizer for keys received from federation partners.
// It always replaces the risk level with the one derived from days since
// onset, because partner risk levels are not comparable with national ones.
func (n *TableNormalizer) Federation() Normalizer {
	return federationNormalizer{table: n}
}

func (n *TableNormalizer) trlFor(dsos int32) int32 {
	if trl, ok := n.trlFromDSOS[dsos]; ok {
		return trl
	}
	return n.defaultTRL
}

type federationNormalizer struct {
	table *TableNormalizer
}

func (f federationNormalizer) Normalize(in Fields) (Fields, error) {
	if in.DaysSinceOnsetOfSymptoms == nil {
		return Fields{}, ErrMissingDaysSinceOnset
	}
	dsos := *in.DaysSinceOnsetOfSymptoms
	return FieldsOf(ptr(f.table.trlFor(dsos)), ptr(dsos)), nil
}

func ptr(v int32) *int32 { return &v }
