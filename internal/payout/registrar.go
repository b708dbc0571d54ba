package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var errMissingSubject = errors.New("payout subject is required")

// Registration records that a wallet took part in an auction with a qualifying bid.
type Registration struct {
	Wallet  string `json:"wallet"`
	EventID string `json:"eventId"`
	Bid     int64  `json:"bid"`
	Now     int64  `json:"now"`
}

// Registrar hands participation records to the payout service.
type Registrar interface {
	Register(ctx context.Context, registration Registration) error
}

// Publisher is the fire-and-forget subset of *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// EventID names an auction window for payout bookkeeping.
func EventID(giftID int64, startedAt int64) string {
	return fmt.Sprintf("%d-%d", giftID, startedAt)
}

// NATSRegistrar publishes registrations as JSON on a NATS subject.
type NATSRegistrar struct {
	publisher Publisher
	subject   string
	logger    *zap.Logger
}

// NewNATSRegistrar returns a registrar publishing on subject.
func NewNATSRegistrar(publisher Publisher, subject string, logger *zap.Logger) (*NATSRegistrar, error) {
	if publisher == nil {
		return nil, errors.New("payout publisher is required")
	}
	if strings.TrimSpace(subject) == "" {
		return nil, errMissingSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSRegistrar{publisher: publisher, subject: subject, logger: logger}, nil
}

func (r *NATSRegistrar) Register(_ context.Context, registration Registration) error {
	data, err := json.Marshal(registration)
	if err != nil {
		return fmt.Errorf("marshal payout registration: %w", err)
	}
	if err := r.publisher.Publish(r.subject, data); err != nil {
		return fmt.Errorf("publish payout registration: %w", err)
	}
	r.logger.Debug("payout registration published",
		zap.String("subject", r.subject),
		zap.String("wallet", registration.Wallet),
		zap.String("event_id", registration.EventID))
	return nil
}

// LogRegistrar only logs registrations. It stands in when no payout transport is configured.
type LogRegistrar struct {
	logger *zap.Logger
}

func NewLogRegistrar(logger *zap.Logger) *LogRegistrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRegistrar{logger: logger}
}

func (r *LogRegistrar) Register(_ context.Context, registration Registration) error {
	r.logger.Info("payout participation",
		zap.String("wallet", registration.Wallet),
		zap.String("event_id", registration.EventID),
		zap.Int64("bid", registration.Bid))
	return nil
}
