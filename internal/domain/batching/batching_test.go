package batching_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/okian/fedkeys/internal/domain/batching"
	"github.com/okian/fedkeys/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

// recordingEncoder returns the key data of every key joined in order, so tests
// can see what was encoded.
type recordingEncoder struct {
	calls int
	err   error
}

func (e *recordingEncoder) EncodeBatch(keys []model.DiagnosisKey) ([]byte, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	var buf bytes.Buffer
	for _, k := range keys {
		buf.Write(k.KeyData)
	}
	return buf.Bytes(), nil
}

func uploadKey(seed byte, consent bool) model.UploadKey {
	k := model.UploadKey{ConsentToFederation: consent}
	k.KeyData = bytes.Repeat([]byte{seed}, model.KeyDataLength)
	k.RollingPeriod = model.MaxRollingPeriod
	k.OriginCountry = "DE"
	return k
}

func consenting(n int) []model.UploadKey {
	keys := make([]model.UploadKey, n)
	for i := range keys {
		keys[i] = uploadKey(byte(n-i), true)
	}
	return keys
}

func sequentialTags() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("tag-%d", n)
	}
}

func TestPartition(t *testing.T) {
	Convey("Given partition limits min=3 max=5", t, func() {
		const minCount, maxCount = 3, 5

		Convey("When the number of keys varies", func() {
			Convey("Then the batch count should be 0 below min and ceil(N/max) otherwise", func() {
				for n := 0; n <= 23; n++ {
					chunks := batching.Partition(consenting(n), minCount, maxCount)
					want := 0
					if n >= minCount {
						want = (n + maxCount - 1) / maxCount
					}
					So(len(chunks), ShouldEqual, want)
				}
			})
		})

		Convey("When the keys are partitioned", func() {
			keys := consenting(12)
			chunks := batching.Partition(keys, minCount, maxCount)

			Convey("Then the concatenation should equal the input in order", func() {
				var flat []model.UploadKey
				for _, c := range chunks {
					So(len(c), ShouldBeLessThanOrEqualTo, maxCount)
					flat = append(flat, c...)
				}
				So(flat, ShouldResemble, keys)
			})

			Convey("And partitioning twice should give the same result", func() {
				So(batching.Partition(keys, minCount, maxCount), ShouldResemble, chunks)
			})
		})
	})
}

func TestAssemble(t *testing.T) {
	Convey("Given an assembler with min=2 max=3", t, func() {
		enc := &recordingEncoder{}
		a, err := batching.NewAssembler(enc,
			batching.WithMinBatchKeyCount(2),
			batching.WithMaxBatchKeyCount(3),
			batching.WithTagGenerator(sequentialTags()),
		)
		So(err, ShouldBeNil)

		Convey("When no keys are given", func() {
			batches, err := a.Assemble(nil)

			Convey("Then no batches should be built", func() {
				So(err, ShouldBeNil)
				So(batches, ShouldBeEmpty)
				So(enc.calls, ShouldEqual, 0)
			})
		})

		Convey("When one key less than the minimum is given", func() {
			batches, err := a.Assemble(consenting(1))

			Convey("Then no batches should be built", func() {
				So(err, ShouldBeNil)
				So(batches, ShouldBeEmpty)
			})
		})

		Convey("When exactly the minimum is given", func() {
			batches, err := a.Assemble(consenting(2))

			Convey("Then one batch with all keys should be built", func() {
				So(err, ShouldBeNil)
				So(batches, ShouldHaveLength, 1)
				So(batches[0].Len(), ShouldEqual, 2)
				So(batches[0].Tag(), ShouldEqual, "tag-1")
			})
		})

		Convey("When max+1 keys are given", func() {
			keys := consenting(4)
			batches, err := a.Assemble(keys)

			Convey("Then two batches should be built in input order", func() {
				So(err, ShouldBeNil)
				So(batches, ShouldHaveLength, 2)
				So(batches[0].Len(), ShouldEqual, 3)
				So(batches[1].Len(), ShouldEqual, 1)
				So(batches[0].Originals(), ShouldResemble, keys[:3])
				So(batches[1].Originals(), ShouldResemble, keys[3:])
				So(batches[1].Tag(), ShouldEqual, "tag-2")
			})

			Convey("And the payload should be encoded in canonical order", func() {
				// consenting(4) yields seeds 4,3,2,1; the first chunk sorts to 2,3,4.
				want := append(append(bytes.Repeat([]byte{2}, 16), bytes.Repeat([]byte{3}, 16)...), bytes.Repeat([]byte{4}, 16)...)
				So(batches[0].Payload(), ShouldResemble, want)
			})
		})

		Convey("When a non-consenting key would complete the minimum", func() {
			batches, err := a.Assemble([]model.UploadKey{uploadKey(1, true), uploadKey(2, false)})

			Convey("Then nothing should be built", func() {
				So(err, ShouldBeNil)
				So(batches, ShouldBeEmpty)
			})
		})

		Convey("When non-consenting and already uploaded keys are mixed in", func() {
			tagged := uploadKey(9, true)
			tagged.BatchTag = "old"
			keys := []model.UploadKey{uploadKey(1, true), uploadKey(2, false), tagged, uploadKey(3, true)}
			batches, err := a.Assemble(keys)

			Convey("Then only eligible keys should be batched", func() {
				So(err, ShouldBeNil)
				So(batches, ShouldHaveLength, 1)
				for _, k := range batches[0].Originals() {
					So(k.ConsentToFederation, ShouldBeTrue)
					So(k.Uploaded(), ShouldBeFalse)
				}
				So(batches[0].Len(), ShouldEqual, 2)
			})
		})

		Convey("When the encoder fails", func() {
			enc.err = errors.New("boom")
			_, err := a.Assemble(consenting(3))

			Convey("Then the error should be wrapped", func() {
				So(errors.Is(err, batching.ErrEncode), ShouldBeTrue)
			})
		})
	})

	Convey("Given inconsistent limits", t, func() {
		_, err := batching.NewAssembler(&recordingEncoder{},
			batching.WithMinBatchKeyCount(10),
			batching.WithMaxBatchKeyCount(5),
		)

		Convey("Then construction should fail", func() {
			So(errors.Is(err, batching.ErrInvalidLimits), ShouldBeTrue)
		})
	})

	Convey("Given no encoder", t, func() {
		_, err := batching.NewAssembler(nil)

		Convey("Then construction should fail", func() {
			So(errors.Is(err, batching.ErrNilEncoder), ShouldBeTrue)
		})
	})
}
