package trivia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	shardActionVote  = "vote"
	shardActionTally = "tally"

	ownerSubjectName  = "owner"
	ownerCheckTimeout = 500 * time.Millisecond
)

var (
	errUnknownShardAction = errors.New("unknown shard action")

	// ErrShardsAlreadyHosted indicates another process already owns the shards of a subject prefix.
	ErrShardsAlreadyHosted = errors.New("trivia: vote shards already hosted on this subject prefix")
)

// ShardRequester is the request/reply subset of *nats.Conn used by shard clients.
type ShardRequester interface {
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

// Subscription is a registration on a Bus.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the messaging surface of the NATS transport.
type Bus interface {
	ShardRequester
	// Serve answers requests on subject. Handlers sharing a queue split the requests.
	Serve(subject, queue string, handler func(data []byte) []byte) (Subscription, error)
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
}

// NATSBus adapts a *nats.Conn to Bus.
type NATSBus struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func NewNATSBus(conn *nats.Conn, logger *zap.Logger) *NATSBus {
	if logger == nil {
		logger = noOpLogger
	}
	return &NATSBus{conn: conn, logger: logger}
}

func (b *NATSBus) RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	return b.conn.RequestWithContext(ctx, subject, data)
}

func (b *NATSBus) Serve(subject, queue string, handler func(data []byte) []byte) (Subscription, error) {
	subscription, err := b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		if err := msg.Respond(handler(msg.Data)); err != nil {
			b.logger.Warn("nats reply failed", zap.String("subject", subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return subscription, nil
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	subscription, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return subscription, nil
}

// ShardSubject names the NATS subject a shard serves an action on.
func ShardSubject(prefix string, index int, action string) string {
	return fmt.Sprintf("%s.%d.%s", prefix, index, action)
}

func controlSubject(prefix, name string) string {
	return prefix + "." + name
}

type shardReply struct {
	Error string         `json:"error,omitempty"`
	Vote  *VoteReceipt   `json:"vote,omitempty"`
	Tally *TallyResponse `json:"tally,omitempty"`
}

type ownerReply struct {
	Owner string `json:"owner"`
}

// NATSShardClient reaches a shard served in another process over NATS request/reply.
type NATSShardClient struct {
	requester ShardRequester
	prefix    string
	index     int
}

// NewNATSShardClients returns one client per shard index.
func NewNATSShardClients(requester ShardRequester, prefix string, count int) []ShardClient {
	if count < 1 {
		count = 1
	}
	clients := make([]ShardClient, count)
	for index := range clients {
		clients[index] = &NATSShardClient{requester: requester, prefix: prefix, index: index}
	}
	return clients
}

func (c *NATSShardClient) RecordVote(ctx context.Context, request VoteRequest) (VoteReceipt, error) {
	reply, err := c.request(ctx, shardActionVote, request)
	if err != nil {
		return VoteReceipt{}, err
	}
	if reply.Vote == nil {
		return VoteReceipt{}, fmt.Errorf("shard %d: empty vote reply", c.index)
	}
	return *reply.Vote, nil
}

func (c *NATSShardClient) Tally(ctx context.Context, request TallyRequest) (TallyResponse, error) {
	reply, err := c.request(ctx, shardActionTally, request)
	if err != nil {
		return TallyResponse{}, err
	}
	if reply.Tally == nil {
		return TallyResponse{}, fmt.Errorf("shard %d: empty tally reply", c.index)
	}
	return *reply.Tally, nil
}

func (c *NATSShardClient) request(ctx context.Context, action string, payload any) (shardReply, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return shardReply{}, fmt.Errorf("marshal %s request: %w", action, err)
	}
	msg, err := c.requester.RequestWithContext(ctx, ShardSubject(c.prefix, c.index, action), data)
	if err != nil {
		return shardReply{}, fmt.Errorf("shard %d %s request: %w", c.index, action, err)
	}
	var reply shardReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return shardReply{}, fmt.Errorf("decode shard %d %s reply: %w", c.index, action, err)
	}
	if reply.Error != "" {
		return shardReply{}, fmt.Errorf("shard %d %s: %s", c.index, action, reply.Error)
	}
	return reply, nil
}

// ServeShards makes the calling process the single owner of the shards under
// prefix. It fails with ErrShardsAlreadyHosted when another process answers on
// the owner subject. Every subject is served in a queue group so a request is
// handled once even while two owners race to start.
func ServeShards(ctx context.Context, bus Bus, prefix string, shards []*Shard, logger *zap.Logger) ([]Subscription, error) {
	if logger == nil {
		logger = noOpLogger
	}
	if err := checkShardOwner(ctx, bus, prefix); err != nil {
		return nil, err
	}

	owner := uuid.NewString()
	ownerPayload, err := json.Marshal(ownerReply{Owner: owner})
	if err != nil {
		return nil, err
	}

	subscriptions := make([]Subscription, 0, len(shards)*2+1)
	register := func(subject string, handler func([]byte) []byte) error {
		subscription, err := bus.Serve(subject, prefix, handler)
		if err != nil {
			unsubscribeAll(subscriptions)
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subscriptions = append(subscriptions, subscription)
		return nil
	}

	if err := register(controlSubject(prefix, ownerSubjectName), func([]byte) []byte { return ownerPayload }); err != nil {
		return nil, err
	}
	for index, shard := range shards {
		for _, action := range []string{shardActionVote, shardActionTally} {
			shard, action := shard, action
			if err := register(ShardSubject(prefix, index, action), func(data []byte) []byte {
				return handleShardRequest(context.Background(), shard, action, data)
			}); err != nil {
				return nil, err
			}
		}
	}
	logger.Info("vote shards served over nats",
		zap.String("subject_prefix", prefix),
		zap.String("owner", owner),
		zap.Int("shards", len(shards)))
	return subscriptions, nil
}

func checkShardOwner(ctx context.Context, bus Bus, prefix string) error {
	checkCtx, cancel := context.WithTimeout(ctx, ownerCheckTimeout)
	defer cancel()
	msg, err := bus.RequestWithContext(checkCtx, controlSubject(prefix, ownerSubjectName), nil)
	switch {
	case err == nil:
		var reply ownerReply
		_ = json.Unmarshal(msg.Data, &reply)
		return fmt.Errorf("%w: owner %s", ErrShardsAlreadyHosted, reply.Owner)
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return nil
	default:
		return fmt.Errorf("check shard owner: %w", err)
	}
}

func unsubscribeAll(subscriptions []Subscription) {
	for _, subscription := range subscriptions {
		_ = subscription.Unsubscribe()
	}
}

func handleShardRequest(ctx context.Context, shard ShardClient, action string, data []byte) []byte {
	var reply shardReply
	switch action {
	case shardActionVote:
		var request VoteRequest
		if err := json.Unmarshal(data, &request); err != nil {
			reply.Error = err.Error()
			break
		}
		receipt, err := shard.RecordVote(ctx, request)
		if err != nil {
			reply.Error = err.Error()
			break
		}
		reply.Vote = &receipt
	case shardActionTally:
		var request TallyRequest
		if err := json.Unmarshal(data, &request); err != nil {
			reply.Error = err.Error()
			break
		}
		response, err := shard.Tally(ctx, request)
		if err != nil {
			reply.Error = err.Error()
			break
		}
		reply.Tally = &response
	default:
		reply.Error = errUnknownShardAction.Error()
	}
	encoded, err := json.Marshal(reply)
	if err != nil {
		return []byte(`{"error":"encode reply"}`)
	}
	return encoded
}
