package trivia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	scheduleSubjectName = "coordinator.schedule"
	mergeSubjectName    = "coordinator.merge"
	resultSubjectName   = "result"

	remoteScheduleTimeout = 2 * time.Second
)

// MergeController is the coordinator surface other processes drive over the bus.
type MergeController interface {
	Schedule(roundID int64, voteWindowEndsAt int64) bool
	MergeNow(ctx context.Context) (*Result, error)
}

type scheduleRequest struct {
	RoundID          int64 `json:"roundId"`
	VoteWindowEndsAt int64 `json:"voteWindowEndsAt"`
}

type coordinatorReply struct {
	Error    string  `json:"error,omitempty"`
	Accepted bool    `json:"accepted,omitempty"`
	Result   *Result `json:"result,omitempty"`
}

// ServeCoordinator lets processes that do not own the shards schedule and force
// merges on the owner's coordinator.
func ServeCoordinator(bus Bus, prefix string, coordinator MergeController, logger *zap.Logger) ([]Subscription, error) {
	if logger == nil {
		logger = noOpLogger
	}
	handlers := map[string]func([]byte) []byte{
		controlSubject(prefix, scheduleSubjectName): func(data []byte) []byte {
			var request scheduleRequest
			if err := json.Unmarshal(data, &request); err != nil {
				return encodeCoordinatorReply(coordinatorReply{Error: err.Error()})
			}
			return encodeCoordinatorReply(coordinatorReply{
				Accepted: coordinator.Schedule(request.RoundID, request.VoteWindowEndsAt),
			})
		},
		controlSubject(prefix, mergeSubjectName): func([]byte) []byte {
			ctx, cancel := context.WithTimeout(context.Background(), defaultMergeTimeout)
			defer cancel()
			result, err := coordinator.MergeNow(ctx)
			if err != nil {
				return encodeCoordinatorReply(coordinatorReply{Error: err.Error()})
			}
			return encodeCoordinatorReply(coordinatorReply{Result: result})
		},
	}

	subscriptions := make([]Subscription, 0, len(handlers))
	for subject, handler := range handlers {
		subscription, err := bus.Serve(subject, prefix, handler)
		if err != nil {
			unsubscribeAll(subscriptions)
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subscriptions = append(subscriptions, subscription)
	}
	logger.Info("trivia coordinator served over nats", zap.String("subject_prefix", prefix))
	return subscriptions, nil
}

func encodeCoordinatorReply(reply coordinatorReply) []byte {
	encoded, err := json.Marshal(reply)
	if err != nil {
		return []byte(`{"error":"encode reply"}`)
	}
	return encoded
}

// NATSCoordinatorClient forwards merge scheduling to the process owning the shards.
type NATSCoordinatorClient struct {
	requester ShardRequester
	prefix    string
	logger    *zap.Logger
}

func NewNATSCoordinatorClient(requester ShardRequester, prefix string, logger *zap.Logger) *NATSCoordinatorClient {
	if logger == nil {
		logger = noOpLogger
	}
	return &NATSCoordinatorClient{requester: requester, prefix: prefix, logger: logger}
}

// Schedule reports whether the owning coordinator accepted the deadline.
func (c *NATSCoordinatorClient) Schedule(roundID int64, voteWindowEndsAt int64) bool {
	ctx, cancel := context.WithTimeout(context.Background(), remoteScheduleTimeout)
	defer cancel()
	reply, err := c.request(ctx, scheduleSubjectName, scheduleRequest{RoundID: roundID, VoteWindowEndsAt: voteWindowEndsAt})
	if err != nil {
		c.logger.Warn("remote merge scheduling failed",
			zap.String("operation", opSchedule),
			zap.Int64("round_id", roundID),
			zap.Error(err))
		return false
	}
	return reply.Accepted
}

func (c *NATSCoordinatorClient) MergeNow(ctx context.Context) (*Result, error) {
	reply, err := c.request(ctx, mergeSubjectName, struct{}{})
	if err != nil {
		return nil, newServiceError(opMerge, "remote_merge_failed", err)
	}
	return reply.Result, nil
}

func (c *NATSCoordinatorClient) request(ctx context.Context, name string, payload any) (coordinatorReply, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return coordinatorReply{}, err
	}
	msg, err := c.requester.RequestWithContext(ctx, controlSubject(c.prefix, name), data)
	if err != nil {
		return coordinatorReply{}, err
	}
	var reply coordinatorReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return coordinatorReply{}, fmt.Errorf("decode %s reply: %w", name, err)
	}
	if reply.Error != "" {
		return coordinatorReply{}, errors.New(reply.Error)
	}
	return reply, nil
}

// NATSResultPublisher broadcasts merged results to the other processes.
// Publish failures are logged so the local merge still completes.
type NATSResultPublisher struct {
	bus     Bus
	subject string
	logger  *zap.Logger
}

func NewNATSResultPublisher(bus Bus, prefix string, logger *zap.Logger) *NATSResultPublisher {
	if logger == nil {
		logger = noOpLogger
	}
	return &NATSResultPublisher{bus: bus, subject: controlSubject(prefix, resultSubjectName), logger: logger}
}

func (p *NATSResultPublisher) PublishResult(_ context.Context, result Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := p.bus.Publish(p.subject, data); err != nil {
		p.logger.Error("result broadcast failed",
			zap.String("subject", p.subject),
			zap.Int64("round_id", result.RoundID),
			zap.Error(err))
	}
	return nil
}

// FanoutPublisher hands a result to every publisher in order.
type FanoutPublisher []ResultPublisher

func (f FanoutPublisher) PublishResult(ctx context.Context, result Result) error {
	var errs []error
	for _, publisher := range f {
		if err := publisher.PublishResult(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RelayResults feeds results broadcast by the owning process into publisher.
func RelayResults(bus Bus, prefix string, publisher ResultPublisher, logger *zap.Logger) (Subscription, error) {
	if logger == nil {
		logger = noOpLogger
	}
	subject := controlSubject(prefix, resultSubjectName)
	subscription, err := bus.Subscribe(subject, func(data []byte) {
		var result Result
		if err := json.Unmarshal(data, &result); err != nil {
			logger.Warn("discarding malformed round result", zap.String("subject", subject), zap.Error(err))
			return
		}
		if err := publisher.PublishResult(context.Background(), result); err != nil {
			logger.Error("relayed result publish failed", zap.Int64("round_id", result.RoundID), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return subscription, nil
}
