package trivia

import "testing"

func TestBloomFilterSeenOrAdd(t *testing.T) {
	filter := NewBloomFilter(0)
	if filter.SeenOrAdd(1234) {
		t.Fatalf("expected first insertion to report unseen")
	}
	if !filter.SeenOrAdd(1234) {
		t.Fatalf("expected second insertion to report seen")
	}
	if !filter.SeenOrAdd(1234) {
		t.Fatalf("expected repeated insertion to keep reporting seen")
	}
}

func TestBloomFilterHasNoFalseNegatives(t *testing.T) {
	filter := NewBloomFilter(0)
	for value := uint32(0); value < 2000; value++ {
		filter.SeenOrAdd(HashWallet(walletName(value)))
	}
	for value := uint32(0); value < 2000; value++ {
		if !filter.SeenOrAdd(HashWallet(walletName(value))) {
			t.Fatalf("expected wallet %d to be remembered", value)
		}
	}
}

func TestBloomFilterFalsePositivesStayRare(t *testing.T) {
	filter := NewBloomFilter(0)
	for value := uint32(0); value < 1000; value++ {
		filter.SeenOrAdd(HashWallet(walletName(value)))
	}
	falsePositives := 0
	for value := uint32(1000); value < 2000; value++ {
		if filter.SeenOrAdd(HashWallet(walletName(value))) {
			falsePositives++
		}
	}
	if falsePositives > 10 {
		t.Fatalf("expected a small false positive count, got %d of 1000", falsePositives)
	}
}
