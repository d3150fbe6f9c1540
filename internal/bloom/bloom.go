// Package bloom implements the probabilistic membership filter attached to
// every chunk. A filter holds composites of (locator, key, value) equality
// classes, letting readers skip chunks that definitely do not contain a
// triple without touching the revision stream.
//
// Membership uses double hashing over two independent xxhash digests, the
// standard Kirsch-Mitzenmacher construction: bit_i = (h1 + i*h2) mod m.
package bloom

import (
	"encoding/binary"
	"math"
	"math/bits"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/iamNilotpal/ember/pkg/errors"
)

// DefaultFPP is the false-positive probability used when callers don't
// configure one.
const DefaultFPP = 0.03

// filterMagic guards Load against garbage bytes.
const filterMagic uint32 = 0xB100F11F

// h2Salt perturbs the second hash so the two digests are independent.
var h2Salt = []byte{0xA5, 0x5A, 0xC3, 0x3C}

// Filter is a bloom filter over byte composites. It is safe for concurrent
// Put and MightContain during a chunk's mutable phase.
type Filter struct {
	mu         sync.RWMutex
	words      []uint64
	bitCount   uint64 // m
	hashCount  uint64 // k
	expected   uint64 // n the filter was sized for
	fpp        float64
	insertions uint64
}

// New creates a filter sized for the expected number of insertions at the
// given false-positive probability. Out-of-range fpp falls back to
// DefaultFPP; a non-positive expectation is bumped to one.
func New(expectedInsertions int, fpp float64) *Filter {
	if expectedInsertions < 1 {
		expectedInsertions = 1
	}
	if fpp <= 0 || fpp >= 1 {
		fpp = DefaultFPP
	}

	n := float64(expectedInsertions)
	m := uint64(math.Ceil(-n * math.Log(fpp) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint64(math.Round(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}

	return &Filter{
		words:     make([]uint64, (m+63)/64),
		bitCount:  m,
		hashCount: k,
		expected:  uint64(expectedInsertions),
		fpp:       fpp,
	}
}

// Composite builds the byte composite for a (locator, key, value) triple
// from the canonical class bytes of its parts. Each part is length-framed so
// adjacent parts can't alias each other.
func Composite(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += 4 + len(p)
	}
	buf := make([]byte, 0, size)
	for _, p := range parts {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(p)))
		buf = append(buf, p...)
	}
	return buf
}

func hashPair(composite []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(composite)
	digest := xxhash.New()
	_, _ = digest.Write(h2Salt)
	_, _ = digest.Write(composite)
	h2 := digest.Sum64()
	// A zero step would degenerate all k probes to the same bit.
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

// Put inserts a composite into the filter.
func (f *Filter) Put(composite []byte) {
	h1, h2 := hashPair(composite)

	f.mu.Lock()
	defer f.mu.Unlock()

	for i := uint64(0); i < f.hashCount; i++ {
		bit := (h1 + i*h2) % f.bitCount
		f.words[bit/64] |= 1 << (bit % 64)
	}
	f.insertions++
}

// MightContain reports whether the composite may have been inserted. False
// means definitely absent; true means present with probability 1-fpp.
func (f *Filter) MightContain(composite []byte) bool {
	h1, h2 := hashPair(composite)

	f.mu.RLock()
	defer f.mu.RUnlock()

	for i := uint64(0); i < f.hashCount; i++ {
		bit := (h1 + i*h2) % f.bitCount
		if f.words[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// ApproximateCount estimates the number of distinct composites inserted,
// from the fraction of set bits: n* = -(m/k) * ln(1 - X/m).
func (f *Filter) ApproximateCount() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return estimate(f.words, f.bitCount, f.hashCount)
}

func estimate(words []uint64, m, k uint64) uint64 {
	set := uint64(0)
	for _, w := range words {
		set += uint64(bits.OnesCount64(w))
	}
	if set == 0 {
		return 0
	}
	if set >= m {
		return math.MaxUint64 / 2
	}
	return uint64(math.Round(-float64(m) / float64(k) * math.Log(1-float64(set)/float64(m))))
}

// Compatible reports whether two filters share parameters and can therefore
// be merged for union/intersection estimates.
func (f *Filter) Compatible(other *Filter) bool {
	return f.bitCount == other.bitCount && f.hashCount == other.hashCount
}

// UnionCount estimates the cardinality of the union of two compatible
// filters by counting set bits in a merged copy.
func (f *Filter) UnionCount(other *Filter) (uint64, error) {
	if !f.Compatible(other) {
		return 0, errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "Cannot merge incompatible bloom filters",
		).WithField("filter").WithRule("compatible_parameters")
	}

	f.mu.RLock()
	other.mu.RLock()
	defer f.mu.RUnlock()
	defer other.mu.RUnlock()

	merged := make([]uint64, len(f.words))
	for i := range merged {
		merged[i] = f.words[i] | other.words[i]
	}
	return estimate(merged, f.bitCount, f.hashCount), nil
}

// IntersectCount estimates the cardinality of the intersection of two
// compatible filters. Inclusion-exclusion over merged popcounts; the
// estimate is coarse and only useful for query planning.
func (f *Filter) IntersectCount(other *Filter) (uint64, error) {
	union, err := f.UnionCount(other)
	if err != nil {
		return 0, err
	}
	a := f.ApproximateCount()
	b := other.ApproximateCount()
	if a+b < union {
		return 0, nil
	}
	return a + b - union, nil
}

// Bytes serializes the filter: magic, parameters, then the word array.
func (f *Filter) Bytes() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()

	buf := make([]byte, 0, 44+len(f.words)*8)
	buf = binary.BigEndian.AppendUint32(buf, filterMagic)
	buf = binary.BigEndian.AppendUint64(buf, f.bitCount)
	buf = binary.BigEndian.AppendUint64(buf, f.hashCount)
	buf = binary.BigEndian.AppendUint64(buf, f.expected)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(f.fpp))
	buf = binary.BigEndian.AppendUint64(buf, f.insertions)
	for _, w := range f.words {
		buf = binary.BigEndian.AppendUint64(buf, w)
	}
	return buf
}

// Load reconstructs a filter from its serialized form.
func Load(data []byte) (*Filter, error) {
	if len(data) < 44 || binary.BigEndian.Uint32(data) != filterMagic {
		return nil, errors.NewStorageError(
			nil, errors.ErrorCodeCorruption, "Malformed bloom filter artifact",
		).WithDetail("length", len(data))
	}

	f := &Filter{
		bitCount:   binary.BigEndian.Uint64(data[4:]),
		hashCount:  binary.BigEndian.Uint64(data[12:]),
		expected:   binary.BigEndian.Uint64(data[20:]),
		fpp:        math.Float64frombits(binary.BigEndian.Uint64(data[28:])),
		insertions: binary.BigEndian.Uint64(data[36:]),
	}

	wordCount := (f.bitCount + 63) / 64
	if f.bitCount == 0 || f.hashCount == 0 || uint64(len(data)-44) != wordCount*8 {
		return nil, errors.NewStorageError(
			nil, errors.ErrorCodeCorruption, "Bloom filter word array size mismatch",
		).WithDetail("bitCount", f.bitCount).
			WithDetail("payload", len(data)-44)
	}

	f.words = make([]uint64, wordCount)
	for i := range f.words {
		f.words[i] = binary.BigEndian.Uint64(data[44+i*8:])
	}
	return f, nil
}
