package repository_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/fedkeys/internal/adapters/repository"
	"github.com/okian/fedkeys/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func uploadKey(seed byte, consent bool, submitted time.Time) model.UploadKey {
	k := model.UploadKey{ConsentToFederation: consent}
	k.KeyData = bytes.Repeat([]byte{seed}, model.KeyDataLength)
	k.RollingPeriod = model.MaxRollingPeriod
	k.OriginCountry = "DE"
	k.VisitedCountries = []string{"FR"}
	k.SubmittedAt = submitted
	return k
}

func TestMemoryStore(t *testing.T) {
	Convey("Given a memory store", t, func() {
		ctx := context.Background()
		base := time.Date(2020, 10, 1, 12, 0, 0, 0, time.UTC)
		s := repository.NewMemoryStore(ctx, repository.WithClock(func() time.Time { return base }))
		defer s.Close()

		Convey("When upload keys are inserted", func() {
			n, err := s.InsertUploadKeys(ctx, []model.UploadKey{
				uploadKey(2, true, base.Add(time.Minute)),
				uploadKey(1, true, base),
				uploadKey(3, false, base),
				uploadKey(1, true, base), // duplicate key data
			})

			Convey("Then duplicates should be skipped", func() {
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 3)
			})

			Convey("And candidates should be consenting keys oldest first", func() {
				keys, err := s.LoadCandidateUploadKeys(ctx)
				So(err, ShouldBeNil)
				So(keys, ShouldHaveLength, 2)
				So(keys[0].KeyData[0], ShouldEqual, 1)
				So(keys[1].KeyData[0], ShouldEqual, 2)
			})

			Convey("And marking should exclude keys from later loads", func() {
				keys, _ := s.LoadCandidateUploadKeys(ctx)
				updated, err := s.MarkBatchTag(ctx, "batch-1", keys[:1])
				So(err, ShouldBeNil)
				So(updated, ShouldEqual, 1)

				left, _ := s.LoadCandidateUploadKeys(ctx)
				So(left, ShouldHaveLength, 1)
				So(left[0].KeyData[0], ShouldEqual, 2)
			})

			Convey("And an already tagged key should keep its first tag", func() {
				keys, _ := s.LoadCandidateUploadKeys(ctx)
				_, _ = s.MarkBatchTag(ctx, "first", keys)
				updated, err := s.MarkBatchTag(ctx, "second", keys)
				So(err, ShouldBeNil)
				So(updated, ShouldEqual, 0)
				for _, k := range s.UploadKeys() {
					if k.ConsentToFederation {
						So(k.BatchTag, ShouldEqual, "first")
					}
				}
			})

			Convey("And snapshots should not alias stored keys", func() {
				keys, _ := s.LoadCandidateUploadKeys(ctx)
				keys[0].KeyData[0] = 0xff
				again, _ := s.LoadCandidateUploadKeys(ctx)
				So(again[0].KeyData[0], ShouldEqual, 1)
			})
		})

		Convey("When marking with an empty tag", func() {
			_, err := s.MarkBatchTag(ctx, "", nil)

			Convey("Then it should fail", func() {
				So(errors.Is(err, repository.ErrEmptyBatchTag), ShouldBeTrue)
			})
		})

		Convey("When diagnosis keys are inserted without a submission time", func() {
			k := uploadKey(9, true, time.Time{}).DiagnosisKey
			n, err := s.InsertDiagnosisKeys(ctx, []model.DiagnosisKey{k, k})

			Convey("Then one key should be counted", func() {
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 1)
				count, err := s.CountDiagnosisKeys(ctx)
				So(err, ShouldBeNil)
				So(count, ShouldEqual, 1)
			})
		})

		Convey("When a key has no key data", func() {
			_, err := s.InsertDiagnosisKeys(ctx, []model.DiagnosisKey{{}})

			Convey("Then it should be rejected", func() {
				So(errors.Is(err, repository.ErrInvalidKey), ShouldBeTrue)
			})
		})

		Convey("When the store is closed", func() {
			So(s.Close(), ShouldBeNil)
			_, err := s.LoadCandidateUploadKeys(ctx)

			Convey("Then calls should fail", func() {
				So(errors.Is(err, repository.ErrClosed), ShouldBeTrue)
			})
		})

		Convey("When the context is cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := s.LoadCandidateUploadKeys(cctx)

			Convey("Then the context error should be returned", func() {
				So(errors.Is(err, context.Canceled), ShouldBeTrue)
			})
		})
	})
}
