// Package wire encodes and decodes diagnosis key batches in the federation
// gateway's protobuf schema:
//
//	message DiagnosisKeyBatch { repeated DiagnosisKey keys = 1; }
//	message DiagnosisKey {
//	  bytes keyData = 1;
//	  uint32 rollingStartIntervalNumber = 2;
//	  uint32 rollingPeriod = 3;
//	  int32 transmissionRiskLevel = 4;
//	  repeated string visitedCountries = 5;
//	  string origin = 6;
//	  ReportType reportType = 7;
//	  sint32 days_since_onset_of_symptoms = 8;
//	}
package wire

import (
	"fmt"

	"github.com/okian/fedkeys/internal/domain/model"
	"google.golang.org/protobuf/encoding/protowire"
)

// ContentType is the media type of an encoded batch.
const ContentType = "application/protobuf; version=1.0"

const (
	fieldBatchKeys protowire.Number = 1

	fieldKeyData          protowire.Number = 1
	fieldRollingStart     protowire.Number = 2
	fieldRollingPeriod    protowire.Number = 3
	fieldTransmissionRisk protowire.Number = 4
	fieldVisitedCountries protowire.Number = 5
	fieldOrigin           protowire.Number = 6
	fieldReportType       protowire.Number = 7
	fieldDaysSinceOnset   protowire.Number = 8
)

// Codec converts between model keys and the wire format. The zero value is
// ready to use.
type Codec struct{}

// NewCodec returns a Codec.
func NewCodec() Codec { return Codec{} }

// EncodeBatch serializes keys in the given order. Output is deterministic for
// equal input.
func (Codec) EncodeBatch(keys []model.DiagnosisKey) ([]byte, error) {
	var out []byte
	for i := range keys {
		msg, err := encodeKey(keys[i])
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		out = protowire.AppendTag(out, fieldBatchKeys, protowire.BytesType)
		out = protowire.AppendBytes(out, msg)
	}
	return out, nil
}

// DecodeBatch parses a serialized batch. Unknown fields are skipped.
func (Codec) DecodeBatch(b []byte) ([]model.DiagnosisKey, error) {
	var keys []model.DiagnosisKey
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("batch tag", protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldBatchKeys || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("batch field", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, malformed("key message", protowire.ParseError(n))
		}
		b = b[n:]
		k, err := decodeKey(msg)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", len(keys), err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func encodeKey(k model.DiagnosisKey) ([]byte, error) {
	if len(k.KeyData) == 0 {
		return nil, ErrEmptyKeyData
	}
	var b []byte
	b = protowire.AppendTag(b, fieldKeyData, protowire.BytesType)
	b = protowire.AppendBytes(b, k.KeyData)
	b = appendVarint(b, fieldRollingStart, uint64(k.RollingStartIntervalNumber))
	b = appendVarint(b, fieldRollingPeriod, uint64(k.RollingPeriod))
	// int32 fields are sign-extended to 64 bits on the wire.
	b = appendVarint(b, fieldTransmissionRisk, uint64(int64(k.TransmissionRiskLevel)))
	for _, c := range k.VisitedCountries {
		b = protowire.AppendTag(b, fieldVisitedCountries, protowire.BytesType)
		b = protowire.AppendString(b, c)
	}
	if k.OriginCountry != "" {
		b = protowire.AppendTag(b, fieldOrigin, protowire.BytesType)
		b = protowire.AppendString(b, k.OriginCountry)
	}
	b = appendVarint(b, fieldReportType, uint64(int64(k.ReportType)))
	if k.DaysSinceOnsetOfSymptoms != nil {
		b = protowire.AppendTag(b, fieldDaysSinceOnset, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(*k.DaysSinceOnsetOfSymptoms)))
	}
	return b, nil
}

// appendVarint skips zero values like proto3 does for scalars.
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func decodeKey(b []byte) (model.DiagnosisKey, error) {
	var k model.DiagnosisKey
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return k, malformed("key tag", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != expectedType(num) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return k, malformed("unknown field", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return k, malformed("bytes field", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldKeyData:
				k.KeyData = append([]byte(nil), v...)
			case fieldVisitedCountries:
				k.VisitedCountries = append(k.VisitedCountries, string(v))
			case fieldOrigin:
				k.OriginCountry = string(v)
			}
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return k, malformed("varint field", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldRollingStart:
			k.RollingStartIntervalNumber = uint32(v)
		case fieldRollingPeriod:
			k.RollingPeriod = uint32(v)
		case fieldTransmissionRisk:
			k.TransmissionRiskLevel = int32(v)
		case fieldReportType:
			k.ReportType = model.ReportType(int32(v))
		case fieldDaysSinceOnset:
			d := int32(protowire.DecodeZigZag(v))
			k.DaysSinceOnsetOfSymptoms = &d
		}
	}
	if len(k.KeyData) == 0 {
		return k, fmt.Errorf("%w: %w", ErrMalformed, ErrEmptyKeyData)
	}
	return k, nil
}

// expectedType returns the wire type of a known key field, or -1.
func expectedType(num protowire.Number) protowire.Type {
	switch num {
	case fieldKeyData, fieldVisitedCountries, fieldOrigin:
		return protowire.BytesType
	case fieldRollingStart, fieldRollingPeriod, fieldTransmissionRisk, fieldReportType, fieldDaysSinceOnset:
		return protowire.VarintType
	default:
		return -1
	}
}

func malformed(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrMalformed, what, err)
}
