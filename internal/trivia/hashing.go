package trivia

import "unicode/utf16"

const (
	fnvOffsetBasis uint32 = 0x811c9dc5
	fnvPrime       uint32 = 0x01000193
)

// HashWallet returns the 32-bit FNV-1a hash of a wallet identifier.
// It doubles as the voter fingerprint and the shard routing key. The hash runs
// over UTF-16 code units so browser clients compute the same value.
func HashWallet(wallet string) uint32 {
	hash := fnvOffsetBasis
	for _, unit := range utf16.Encode([]rune(wallet)) {
		hash ^= uint32(unit)
		hash *= fnvPrime
	}
	return hash
}

// ShardIndex maps a wallet hash onto one of shardCount shards.
func ShardIndex(hash uint32, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	return int(hash % uint32(shardCount))
}
