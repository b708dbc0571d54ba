package gift

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidStart indicates a start request with a non-positive duration or a negative threshold.
	ErrInvalidStart = errors.New("gift: invalid start request")
	// ErrInvalidBid indicates a bid without a wallet or with a non-positive amount.
	ErrInvalidBid = errors.New("gift: invalid bid")
)

// ServiceError carries an operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opEventNew  = "gift.event.new"
	opPersist   = "gift.persist"
	opBroadcast = "gift.broadcast"
	opRegister  = "gift.register_participation"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
