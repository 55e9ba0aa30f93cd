package validation_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/okian/fedkeys/internal/domain/model"
	"github.com/okian/fedkeys/internal/domain/validation"
	. "github.com/smartystreets/goconvey/convey"
)

const day = model.MaxRollingPeriod

func key(seed byte, rsin, period uint32) model.ExposureKey {
	return model.ExposureKey{
		KeyData:                    bytes.Repeat([]byte{seed}, model.KeyDataLength),
		RollingStartIntervalNumber: rsin,
		RollingPeriod:              period,
		TransmissionRiskLevel:      3,
		ReportType:                 model.ReportTypeConfirmedTest,
	}
}

func fullDayKeys(n int) []model.ExposureKey {
	keys := make([]model.ExposureKey, n)
	for i := range keys {
		keys[i] = key(byte(i+1), uint32(2650032+i*day), day)
	}
	return keys
}

func payload(keys ...model.ExposureKey) model.SubmissionPayload {
	return model.SubmissionPayload{
		Origin:           "DE",
		VisitedCountries: []string{"FR", "IT"},
		Keys:             keys,
	}
}

func newValidator() *validation.Validator {
	return validation.New(validation.WithConfig(validation.Config{
		MaxNumberOfKeys:    14,
		MaxRollingPeriod:   day,
		SupportedCountries: []string{"DE", "FR", "IT", "NL"},
	}))
}

func TestValidateFixedMode(t *testing.T) {
	Convey("Given a validator and full-day keys", t, func() {
		v := newValidator()

		Convey("When the payload has 1 to max unique midnight-aligned keys", func() {
			Convey("Then every size should pass", func() {
				for n := 1; n <= 14; n++ {
					res := v.Validate(payload(fullDayKeys(n)...))
					So(res.Valid(), ShouldBeTrue)
					So(res.Err(), ShouldBeNil)
				}
			})
		})

		Convey("When the payload has no keys", func() {
			res := v.Validate(payload())

			Convey("Then the key count rule should name the observed count", func() {
				So(res.Has(validation.RuleKeyCount), ShouldBeTrue)
				So(res.Messages(), ShouldContain, "Number of keys must be between 1 and 14, but is 0.")
			})
		})

		Convey("When the payload has too many keys", func() {
			res := v.Validate(payload(fullDayKeys(15)...))

			Convey("Then it should fail on key count", func() {
				So(res.Messages(), ShouldContain, "Number of keys must be between 1 and 14, but is 15.")
			})
		})

		Convey("When start intervals repeat", func() {
			keys := fullDayKeys(4)
			keys[1].RollingStartIntervalNumber = keys[0].RollingStartIntervalNumber
			keys[3].RollingStartIntervalNumber = keys[2].RollingStartIntervalNumber
			res := v.Validate(payload(keys...))

			Convey("Then a single violation should list the duplicated values", func() {
				So(res.Has(validation.RuleUniqueStartIntervals), ShouldBeTrue)
				So(res.Messages(), ShouldContain,
					"Duplicate StartIntervalNumber found. StartIntervalNumbers: [2650032 2650320]")
			})
		})

		Convey("When a start interval is not at midnight", func() {
			keys := fullDayKeys(2)
			keys[1].RollingStartIntervalNumber++
			res := v.Validate(payload(keys...))

			Convey("Then it should fail", func() {
				So(res.Has(validation.RuleStartIntervalAtMidnight), ShouldBeTrue)
				So(errors.Is(res.Err(), validation.ErrInvalidPayload), ShouldBeTrue)
			})
		})
	})
}

func TestValidateFlexibleMode(t *testing.T) {
	Convey("Given a validator and partial-day keys", t, func() {
		v := newValidator()
		base := uint32(2650032)

		Convey("When every start interval group fits in a day", func() {
			res := v.Validate(payload(key(1, base, 72), key(2, base, 72), key(3, base+day, 10)))

			Convey("Then it should pass even though start intervals repeat", func() {
				So(res.Valid(), ShouldBeTrue)
			})
		})

		Convey("When one group exceeds a day but another fits", func() {
			res := v.Validate(payload(key(1, base, 100), key(2, base, 100), key(3, base+day, 50)))

			Convey("Then the rolling period rule should pass", func() {
				So(res.Has(validation.RuleRollingPeriodPerDay), ShouldBeFalse)
			})
		})

		Convey("When every group exceeds a day", func() {
			res := v.Validate(payload(key(1, base, 100), key(2, base, 100)))

			Convey("Then it should fail", func() {
				So(res.Messages(), ShouldContain, "The sum of the rolling periods exceeds 144 per day")
			})
		})

		Convey("When there are more keys than the fixed-mode limit", func() {
			keys := fullDayKeys(20)
			keys[0].RollingPeriod = 10

			Convey("Then key count is not checked", func() {
				So(v.Validate(payload(keys...)).Has(validation.RuleKeyCount), ShouldBeFalse)
			})
		})

		Convey("When a start interval is not at midnight", func() {
			res := v.Validate(payload(key(1, base+6, 10)))

			Convey("Then it should fail like in fixed mode", func() {
				So(res.Has(validation.RuleStartIntervalAtMidnight), ShouldBeTrue)
			})
		})
	})
}

func TestValidateCountries(t *testing.T) {
	Convey("Given a validator", t, func() {
		v := newValidator()

		Convey("When the origin is not supported", func() {
			p := payload(fullDayKeys(1)...)
			p.Origin = "US"

			Convey("Then the origin rule should fail", func() {
				So(v.Validate(p).Messages(), ShouldContain,
					"Origin country US is not part of the supported countries list")
			})
		})

		Convey("When several visited countries are not supported", func() {
			p := payload(fullDayKeys(1)...)
			p.VisitedCountries = []string{"FR", "XX", "YY"}
			res := v.Validate(p)

			Convey("Then each one should get its own message", func() {
				So(res, ShouldHaveLength, 2)
				So(res.Messages(), ShouldResemble, []string{
					"[XX]: Visited country is not part of the supported countries list",
					"[YY]: Visited country is not part of the supported countries list",
				})
			})
		})

		Convey("When a flexible payload has an unsupported visited country", func() {
			k := key(1, 2650032, 10)
			p := payload(k)
			p.VisitedCountries = []string{"ZZ"}

			Convey("Then the country check should still run", func() {
				So(v.Validate(p).Has(validation.RuleVisitedCountries), ShouldBeTrue)
			})
		})
	})
}

func TestValidateKeyRules(t *testing.T) {
	Convey("Given a validator", t, func() {
		v := newValidator()

		Convey("When key data has the wrong length", func() {
			k := fullDayKeys(1)[0]
			k.KeyData = k.KeyData[:8]

			Convey("Then the key data rule should fail", func() {
				So(v.Validate(payload(k)).Has(validation.RuleKeyData), ShouldBeTrue)
			})
		})

		Convey("When the risk level is out of range", func() {
			k := fullDayKeys(1)[0]
			k.TransmissionRiskLevel = 9

			Convey("Then the risk level rule should fail", func() {
				So(v.Validate(payload(k)).Has(validation.RuleTransmissionRiskLevel), ShouldBeTrue)
			})
		})

		Convey("When neither risk level nor days since onset is set", func() {
			k := fullDayKeys(1)[0]
			k.TransmissionRiskLevel = 0

			Convey("Then the presence rule should fail", func() {
				So(v.Validate(payload(k)).Has(validation.RuleRiskFieldsPresent), ShouldBeTrue)
			})
		})

		Convey("When only days since onset is set", func() {
			k := fullDayKeys(1)[0]
			k.TransmissionRiskLevel = 0
			dsos := int32(0)
			k.DaysSinceOnsetOfSymptoms = &dsos

			Convey("Then the payload should pass", func() {
				So(v.Validate(payload(k)).Valid(), ShouldBeTrue)
			})
		})

		Convey("When the rolling period is zero", func() {
			k := fullDayKeys(1)[0]
			k.RollingPeriod = 0

			Convey("Then the range rule should fail", func() {
				So(v.Validate(payload(k)).Has(validation.RuleRollingPeriodRange), ShouldBeTrue)
			})
		})

		Convey("When several rules fail at once", func() {
			k := fullDayKeys(1)[0]
			k.RollingStartIntervalNumber = 7
			p := payload(k, k)
			p.Origin = "US"
			res := v.Validate(p)

			Convey("Then all violations should be reported in rule order", func() {
				So(res.Has(validation.RuleStartIntervalAtMidnight), ShouldBeTrue)
				So(res.Has(validation.RuleUniqueStartIntervals), ShouldBeTrue)
				So(res.Has(validation.RuleOriginCountry), ShouldBeTrue)
				So(res[0].Rule, ShouldEqual, validation.RuleStartIntervalAtMidnight)
				So(res[len(res)-1].Rule, ShouldEqual, validation.RuleOriginCountry)
			})
		})
	})

	Convey("Given the package-level helper", t, func() {
		res := validation.Validate(payload(fullDayKeys(1)...), validation.Config{
			SupportedCountries: []string{"DE", "FR", "IT"},
		})

		Convey("Then defaults should apply for unset limits", func() {
			So(res.Valid(), ShouldBeTrue)
		})
	})
}
