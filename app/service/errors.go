package service

import (
	"errors"

	"github.com/vibast-solutions/ms-go-checkout/app/entity"
)

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidCart         = errors.New("invalid cart")
	ErrSessionNotFound     = errors.New("payment session not found")
	ErrProviderUnsupported = errors.New("provider is not supported")
	ErrCallbackRejected    = errors.New("callback rejected")
	ErrGatewayUnreachable  = errors.New("payment gateway is unreachable")
	ErrGatewayRejected     = errors.New("payment gateway rejected the transaction")
	ErrCheckoutInProgress  = errors.New("checkout already in progress for order")
	ErrOrderAlreadyPaid    = errors.New("order is already paid")
)

// IsRetryable reports whether the caller may start a fresh checkout attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayUnreachable) || errors.Is(err, ErrCheckoutInProgress)
}

// reasonError maps the reason of a terminal session to the error a caller
// waiting on that session receives.
func reasonError(session *entity.PaymentSession) error {
	if session.Status == entity.SessionStatusConfirmed {
		return ErrOrderAlreadyPaid
	}
	reason := ""
	if session.Reason != nil {
		reason = *session.Reason
	}
	switch reason {
	case entity.ReasonGatewayRejected, entity.ReasonGatewayFailed:
		return ErrGatewayRejected
	default:
		return ErrGatewayUnreachable
	}
}
