package model

import (
	"bytes"
	"slices"
	"sort"
	"unicode/utf16"
	"unicode/utf8"
)

// UploadBatch is one wire-ready group of keys paired with the persisted keys it
// was built from. The pairing resolves per-index gateway responses back to
// stored records. A batch is immutable once built.
type UploadBatch struct {
	tag       string
	payload   []byte
	originals []UploadKey
}

// NewUploadBatch builds a batch from its tag, encoded payload and originating
// keys in input order. The keys are copied.
func NewUploadBatch(tag string, payload []byte, originals []UploadKey) UploadBatch {
	keys := make([]UploadKey, len(originals))
	for i := range originals {
		keys[i] = originals[i].Clone()
	}
	return UploadBatch{
		tag:       tag,
		payload:   bytes.Clone(payload),
		originals: keys,
	}
}

// Tag returns the batch identifier stored on every uploaded key.
func (b UploadBatch) Tag() string { return b.tag }

// Payload returns the encoded wire batch.
func (b UploadBatch) Payload() []byte { return bytes.Clone(b.payload) }

// Len returns the number of keys in the batch.
func (b UploadBatch) Len() int { return len(b.originals) }

// Originals returns a copy of the originating keys in input order.
func (b UploadBatch) Originals() []UploadKey {
	out := make([]UploadKey, len(b.originals))
	for i := range b.originals {
		out[i] = b.originals[i].Clone()
	}
	return out
}

// Keys returns the exposure keys of the batch in input order.
func (b UploadBatch) Keys() []ExposureKey {
	out := make([]ExposureKey, len(b.originals))
	for i := range b.originals {
		out[i] = b.originals[i].ExposureKey.Clone()
	}
	return out
}

// Canonical returns the originating keys in the order the gateway indexes
// them in its response.
func (b UploadBatch) Canonical() []UploadKey {
	return CanonicalOrder(b.originals)
}

// CanonicalOrder returns a copy of keys in the gateway's index order: key
// data decoded as UTF-8 text and compared by UTF-16 code units. The sort is
// stable so keys with equal text keep their relative input order.
func CanonicalOrder(keys []UploadKey) []UploadKey {
	type entry struct {
		key  UploadKey
		text []uint16
	}
	entries := make([]entry, len(keys))
	for i := range keys {
		entries[i] = entry{key: keys[i].Clone(), text: keyText(keys[i].KeyData)}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return slices.Compare(entries[i].text, entries[j].text) < 0
	})
	out := make([]UploadKey, len(entries))
	for i := range entries {
		out[i] = entries[i].key
	}
	return out
}

// keyText decodes key data the way the gateway renders it as text. Every
// maximal ill-formed subsequence becomes one U+FFFD.
func keyText(data []byte) []uint16 {
	runes := make([]rune, 0, len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size <= 1 {
			size = illFormedLen(data)
		}
		runes = append(runes, r)
		data = data[size:]
	}
	return utf16.Encode(runes)
}

// illFormedLen returns the length of the maximal prefix of data that starts a
// valid UTF-8 sequence without completing it, or 1 for a byte that cannot
// start one.
func illFormedLen(data []byte) int {
	lo, hi := byte(0x80), byte(0xBF)
	var need int
	switch lead := data[0]; {
	case lead >= 0xC2 && lead <= 0xDF:
		need = 1
	case lead == 0xE0:
		need, lo = 2, 0xA0
	case lead == 0xED:
		need, hi = 2, 0x9F
	case lead >= 0xE1 && lead <= 0xEF:
		need = 2
	case lead == 0xF0:
		need, lo = 3, 0x90
	case lead == 0xF4:
		need, hi = 3, 0x8F
	case lead >= 0xF1 && lead <= 0xF3:
		need = 3
	default:
		return 1
	}
	n := 1
	for n <= need && n < len(data) && data[n] >= lo && data[n] <= hi {
		lo, hi = 0x80, 0xBF
		n++
	}
	return n
}

// UploadOutcome holds the gateway's per-key verdict for one posted batch as
// positions into the batch's canonical ordering.
type UploadOutcome struct {
	Accepted         []int
	Conflicted       []int
	TransientFailure []int
}

// AllAccepted builds an outcome accepting every one of n keys.
func AllAccepted(n int) UploadOutcome {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return UploadOutcome{Accepted: idx}
}

// AllFailed builds an outcome marking every one of n keys for retry.
func AllFailed(n int) UploadOutcome {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return UploadOutcome{TransientFailure: idx}
}

// Complete reports whether every key was either accepted or conflicted.
func (o UploadOutcome) Complete() bool {
	return len(o.TransientFailure) == 0
}

// Count returns the number of indices across all three sets.
func (o UploadOutcome) Count() int {
	return len(o.Accepted) + len(o.Conflicted) + len(o.TransientFailure)
}
