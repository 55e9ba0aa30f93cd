// Package model contains domain models passed between layers.
package model

import (
	"bytes"
	"encoding/hex"
	"time"
)

// Key material constants shared by validation, encoding and storage.
const (
	// KeyDataLength is the length of a temporary exposure key in bytes.
	KeyDataLength = 16
	// MaxRollingPeriod is the number of 10-minute intervals in one day.
	MaxRollingPeriod = 144
	// MinTransmissionRiskLevel and MaxTransmissionRiskLevel bound the risk category.
	MinTransmissionRiskLevel = 1
	MaxTransmissionRiskLevel = 8
)

// ReportType categorizes how the diagnosis behind a key was established.
// Values mirror the exposure notification protocol enum.
type ReportType int32

const (
	ReportTypeUnknown                    ReportType = 0
	ReportTypeConfirmedTest              ReportType = 1
	ReportTypeConfirmedClinicalDiagnosis ReportType = 2
	ReportTypeSelfReport                 ReportType = 3
	ReportTypeRecursive                  ReportType = 4
	ReportTypeRevoked                    ReportType = 5
)

var reportTypeNames = map[ReportType]string{
	ReportTypeUnknown:                    "UNKNOWN",
	ReportTypeConfirmedTest:              "CONFIRMED_TEST",
	ReportTypeConfirmedClinicalDiagnosis: "CONFIRMED_CLINICAL_DIAGNOSIS",
	ReportTypeSelfReport:                 "SELF_REPORT",
	ReportTypeRecursive:                  "RECURSIVE",
	ReportTypeRevoked:                    "REVOKED",
}

// String returns the protocol name of the report type.
func (r ReportType) String() string {
	if name, ok := reportTypeNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseReportType maps a protocol name to a ReportType. Unknown names map to
// ReportTypeUnknown and ok=false.
func ParseReportType(name string) (ReportType, bool) {
	for rt, n := range reportTypeNames {
		if n == name {
			return rt, true
		}
	}
	return ReportTypeUnknown, false
}

// ExposureKey is a temporary exposure key as submitted by a device or received
// from the federation gateway.
type ExposureKey struct {
	KeyData                    []byte
	RollingStartIntervalNumber uint32
	RollingPeriod              uint32
	// TransmissionRiskLevel is 0 when the submitter did not report one.
	TransmissionRiskLevel int32
	ReportType            ReportType
	// DaysSinceOnsetOfSymptoms is nil when unknown; zero is a valid value.
	DaysSinceOnsetOfSymptoms *int32
}

// ID returns the hex form of the key data, used for logging and map keys.
func (k ExposureKey) ID() string {
	return hex.EncodeToString(k.KeyData)
}

// Clone returns a deep copy of the key.
func (k ExposureKey) Clone() ExposureKey {
	c := k
	c.KeyData = bytes.Clone(k.KeyData)
	if k.DaysSinceOnsetOfSymptoms != nil {
		d := *k.DaysSinceOnsetOfSymptoms
		c.DaysSinceOnsetOfSymptoms = &d
	}
	return c
}

// SubmissionPayload is one upload of keys from a single device.
type SubmissionPayload struct {
	Origin              string
	VisitedCountries    []string
	Keys                []ExposureKey
	ConsentToFederation bool
}

// FlexibleRollingPeriod reports whether any key covers less than a full day.
func (p SubmissionPayload) FlexibleRollingPeriod(maxRollingPeriod uint32) bool {
	for _, k := range p.Keys {
		if k.RollingPeriod < maxRollingPeriod {
			return true
		}
	}
	return false
}

// DiagnosisKey is an exposure key together with its country context, in the
// shape distributed nationally and exchanged with the federation gateway.
type DiagnosisKey struct {
	ExposureKey
	OriginCountry    string
	VisitedCountries []string
	SubmittedAt      time.Time
}

// Clone returns a deep copy of the key.
func (k DiagnosisKey) Clone() DiagnosisKey {
	c := k
	c.ExposureKey = k.ExposureKey.Clone()
	c.VisitedCountries = append([]string(nil), k.VisitedCountries...)
	return c
}

// UploadKey is a persisted key that may be sent to the federation gateway.
// BatchTag is empty until a batch containing the key was accepted.
type UploadKey struct {
	DiagnosisKey
	ConsentToFederation bool
	BatchTag            string
}

// Uploaded reports whether the key was already assigned to an uploaded batch.
func (k UploadKey) Uploaded() bool {
	return k.BatchTag != ""
}

// Clone returns a deep copy of the key.
func (k UploadKey) Clone() UploadKey {
	c := k
	c.DiagnosisKey = k.DiagnosisKey.Clone()
	return c
}
