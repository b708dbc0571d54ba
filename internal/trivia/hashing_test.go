package trivia

import (
	"fmt"
	"testing"
)

func walletName(value uint32) string {
	return fmt.Sprintf("0xwallet%06d", value)
}

func TestHashWalletMatchesFNV1a(t *testing.T) {
	tests := []struct {
		input    string
		expected uint32
	}{
		{input: "", expected: 0x811c9dc5},
		{input: "a", expected: 0xe40c292c},
		{input: "foobar", expected: 0xbf9cf968},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := HashWallet(tt.input); got != tt.expected {
				t.Fatalf("expected %#x, got %#x", tt.expected, got)
			}
		})
	}
}

func TestShardIndexIsStableAndBounded(t *testing.T) {
	hash := HashWallet("0xabc")
	first := ShardIndex(hash, 4)
	for attempt := 0; attempt < 10; attempt++ {
		if ShardIndex(hash, 4) != first {
			t.Fatalf("expected stable shard index")
		}
	}
	for value := uint32(0); value < 500; value++ {
		index := ShardIndex(HashWallet(walletName(value)), 7)
		if index < 0 || index >= 7 {
			t.Fatalf("shard index %d out of range", index)
		}
	}
	if ShardIndex(hash, 0) != 0 {
		t.Fatalf("expected single shard fallback for zero shard count")
	}
}
