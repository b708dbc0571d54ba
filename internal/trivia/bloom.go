package trivia

const (
	defaultBloomBits = 65536
	bitsPerByte      = 8
)

var bloomSeeds = [3]uint32{0x27d4eb2d, 0x165667b1, 0x85ebca6b}

// BloomFilter is a fixed-size, k=3 membership filter over voter fingerprints.
// It never reports a false negative; false positives undercount slightly.
type BloomFilter struct {
	bits     []byte
	sizeBits uint32
}

// NewBloomFilter allocates a filter with sizeBits bits; non-positive sizes use the default.
func NewBloomFilter(sizeBits int) *BloomFilter {
	if sizeBits <= 0 {
		sizeBits = defaultBloomBits
	}
	return &BloomFilter{
		bits:     make([]byte, (sizeBits+bitsPerByte-1)/bitsPerByte),
		sizeBits: uint32(sizeBits),
	}
}

// SeenOrAdd reports whether value was probably seen before and records it either way.
func (f *BloomFilter) SeenOrAdd(value uint32) bool {
	var indexes [len(bloomSeeds)]uint32
	seen := true
	for i, seed := range bloomSeeds {
		indexes[i] = mix(value, seed) % f.sizeBits
		if !f.testBit(indexes[i]) {
			seen = false
		}
	}
	for _, index := range indexes {
		f.setBit(index)
	}
	return seen
}

// mix is the murmur3 32-bit finalizer over the seeded value. Every output bit
// depends on every input bit, so all bitset positions are reachable.
func mix(value, seed uint32) uint32 {
	v := value ^ seed
	v ^= v >> 16
	v *= 0x85ebca6b
	v ^= v >> 13
	v *= 0xc2b2ae35
	v ^= v >> 16
	return v
}

func (f *BloomFilter) testBit(index uint32) bool {
	return f.bits[index>>3]&(1<<(index&7)) != 0
}

func (f *BloomFilter) setBit(index uint32) {
	f.bits[index>>3] |= 1 << (index & 7)
}
