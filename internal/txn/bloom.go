package txn

import "hash/fnv"

// bloomFilter is a fixed-size Bloom filter used by the file-backed history
// to skip opening a rotated log that provably does not contain an address,
// without maintaining a full index of every entry it holds. No pack
// dependency offers a probabilistic filter, so this is hand-rolled on top
// of hash/fnv's two seeds, combined with double hashing (Kirsch-Mitzenmacher)
// to derive k independent probes from just two underlying hashes.
type bloomFilter struct {
	bits []uint64
	m    uint64 // number of bits
	k    int
}

// newBloomFilter sizes a filter for expectedItems entries at the given
// target false-positive rate.
func newBloomFilter(expectedItems int, falsePositiveRate float64) *bloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	m := optimalBits(expectedItems, falsePositiveRate)
	k := optimalHashes(expectedItems, m)
	words := (m + 63) / 64
	return &bloomFilter{bits: make([]uint64, words), m: m, k: k}
}

func optimalBits(n int, p float64) uint64 {
	// m = -(n * ln(p)) / (ln(2)^2), computed without math.Log to avoid
	// pulling in float edge cases for the tiny sizes this filter is sized
	// for; a fixed-point approximation is adequate since this only sizes a
	// cache, never a correctness-bearing calculation.
	ln2sq := 0.4804530139182014
	lnp := approxLn(p)
	bits := float64(-n) * lnp / ln2sq
	if bits < 64 {
		bits = 64
	}
	return uint64(bits)
}

func optimalHashes(n int, m uint64) int {
	k := int(float64(m) / float64(n) * 0.6931471805599453)
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return k
}

// approxLn is a crude natural log approximation, accurate enough for
// sizing a Bloom filter (this is not used anywhere bits must be exact).
func approxLn(x float64) float64 {
	if x <= 0 {
		return -20
	}
	// ln(x) = 2*atanh((x-1)/(x+1)), series truncated to a few terms.
	y := (x - 1) / (x + 1)
	y2 := y * y
	sum := y
	term := y
	for i := 1; i < 8; i++ {
		term *= y2
		sum += term / float64(2*i+1)
	}
	return 2 * sum
}

func (b *bloomFilter) hashes(key []byte) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write(key)
	sum1 := h1.Sum64()

	h2 := fnv.New64()
	h2.Write(key)
	sum2 := h2.Sum64()
	if sum2 == 0 {
		sum2 = 1
	}
	return sum1, sum2
}

// Add registers key in the filter.
func (b *bloomFilter) Add(key []byte) {
	h1, h2 := b.hashes(key)
	for i := 0; i < b.k; i++ {
		bit := (h1 + uint64(i)*h2) % b.m
		b.bits[bit/64] |= 1 << (bit % 64)
	}
}

// Test reports whether key might have been added. False positives are
// possible; false negatives are not.
func (b *bloomFilter) Test(key []byte) bool {
	h1, h2 := b.hashes(key)
	for i := 0; i < b.k; i++ {
		bit := (h1 + uint64(i)*h2) % b.m
		if b.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}
