package notifier

import (
	"context"
	"errors"
	"fmt"
)

const (
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"

	EventPaymentConfirmed = "payment_confirmed"
	EventPaymentFailed    = "payment_failed"
)

var ErrDeliveryRejected = errors.New("order record writer rejected notification")

// OrderRecordWriter records the payment outcome of an order. Calls may repeat
// for the same session, so receivers must treat sessionID as an idempotency key.
type OrderRecordWriter interface {
	NotifyPaymentConfirmed(ctx context.Context, orderID, sessionID string) error
	NotifyPaymentFailed(ctx context.Context, orderID, sessionID, reason string) error
}

// PaymentNotification is the body sent to the order system over any transport.
type PaymentNotification struct {
	OrderID   string `json:"order_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

func newNotification(orderID, sessionID, status, reason string) (*PaymentNotification, error) {
	if orderID == "" || sessionID == "" {
		return nil, fmt.Errorf("%w: order id and session id are required", ErrDeliveryRejected)
	}
	return &PaymentNotification{
		OrderID:   orderID,
		SessionID: sessionID,
		Status:    status,
		Reason:    reason,
	}, nil
}
