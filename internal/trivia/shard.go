package trivia

import (
	"context"
	"fmt"
	"sync"
)

// ShardClient is the contract shared by in-process shards and remote shard transports.
type ShardClient interface {
	RecordVote(ctx context.Context, request VoteRequest) (VoteReceipt, error)
	Tally(ctx context.Context, request TallyRequest) (TallyResponse, error)
}

type roundBucket struct {
	roundID int64
	counts  Counts
	bloom   *BloomFilter
}

// Shard holds the tally of exactly one active round. Requests are serialized.
type Shard struct {
	index     int
	bloomBits int

	mu     sync.Mutex
	bucket *roundBucket
}

// NewShard constructs the shard addressed by index.
func NewShard(index int) *Shard {
	return &Shard{index: index, bloomBits: defaultBloomBits}
}

// NewShards constructs count shards addressed 0..count-1.
func NewShards(count int) []*Shard {
	if count < 1 {
		count = 1
	}
	shards := make([]*Shard, count)
	for index := range shards {
		shards[index] = NewShard(index)
	}
	return shards
}

// Name is the stable routing name of the shard.
func (s *Shard) Name() string {
	return fmt.Sprintf("shard-%d", s.index)
}

// RecordVote counts a vote unless the voter fingerprint was already seen this round.
// A vote for a newer round discards whatever tally the shard still holds.
func (s *Shard) RecordVote(_ context.Context, request VoteRequest) (VoteReceipt, error) {
	index, ok := request.Option.Index()
	if !ok {
		return VoteReceipt{}, fmt.Errorf("%w: %q", ErrInvalidOption, request.Option)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bucket != nil && request.RoundID < s.bucket.roundID {
		return VoteReceipt{RoundID: request.RoundID}, nil
	}
	s.ensureRound(request.RoundID)

	duplicate := s.bucket.bloom.SeenOrAdd(request.VoterHash)
	if !duplicate {
		s.bucket.counts[index]++
	}
	return VoteReceipt{
		Accepted:  !duplicate,
		Duplicate: duplicate,
		RoundID:   s.bucket.roundID,
		Counts:    s.bucket.counts,
	}, nil
}

// Tally returns the counts for the requested round, or zeros when the shard holds another round.
func (s *Shard) Tally(_ context.Context, request TallyRequest) (TallyResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	response := TallyResponse{RoundID: request.RoundID}
	if s.bucket != nil && request.RoundID < s.bucket.roundID {
		return response, nil
	}
	s.ensureRound(request.RoundID)
	response.Counts = s.bucket.counts
	if request.Reset {
		s.bucket = nil
	}
	return response, nil
}

func (s *Shard) ensureRound(roundID int64) {
	if s.bucket != nil && s.bucket.roundID == roundID {
		return
	}
	s.bucket = &roundBucket{
		roundID: roundID,
		bloom:   NewBloomFilter(s.bloomBits),
	}
}

// AsClients exposes in-process shards through the ShardClient contract.
func AsClients(shards []*Shard) []ShardClient {
	clients := make([]ShardClient, len(shards))
	for index, shard := range shards {
		clients[index] = shard
	}
	return clients
}
