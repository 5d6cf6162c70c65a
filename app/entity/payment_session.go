package entity

import "time"

type SessionStatus string

const (
	SessionStatusCreated   SessionStatus = "created"
	SessionStatusSubmitted SessionStatus = "submitted"
	SessionStatusConfirmed SessionStatus = "confirmed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusExpired   SessionStatus = "expired"
)

// Terminal reports whether no further transition is allowed out of the status.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusConfirmed, SessionStatusFailed, SessionStatusExpired:
		return true
	default:
		return false
	}
}

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusCreated, SessionStatusSubmitted, SessionStatusConfirmed, SessionStatusFailed, SessionStatusExpired:
		return true
	default:
		return false
	}
}

const (
	ReasonGatewayUnreachable  = "GatewayUnreachable"
	ReasonGatewayRejected     = "GatewayRejected"
	ReasonGatewayFailed       = "GatewayFailed"
	ReasonGatewayExpired      = "GatewayExpired"
	ReasonStale               = "StalenessThresholdExceeded"
	ReasonStatusQueryFailed   = "StatusQueryFailed"
	ReasonSubmissionAbandoned = "SubmissionAbandoned"
	ReasonPaymentCompleted    = "PaymentCompleted"
)

const (
	NotificationNone    int32 = 0
	NotificationPending int32 = 1
	NotificationSuccess int32 = 10
	NotificationFailed  int32 = 20
)

const (
	ProviderPayPay int32 = 1
)

// PaymentSession is one checkout attempt for an order. SessionID doubles as the
// idempotency key handed to the gateway.
type PaymentSession struct {
	SessionID string
	OrderID   string

	Amount      int64
	Currency    string
	Description string
	Provider    int32

	Status SessionStatus
	Reason *string

	GatewayTransactionRef *string
	RedirectURL           *string
	ReturnURL             string

	NotificationStatus   int32
	NotificationAttempts int32
	NotificationNextAt   *time.Time
	NotificationLastErr  *string

	CreatedAt        time.Time
	LastTransitionAt time.Time
}

func (s *PaymentSession) Clone() *PaymentSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Reason = cloneString(s.Reason)
	c.GatewayTransactionRef = cloneString(s.GatewayTransactionRef)
	c.RedirectURL = cloneString(s.RedirectURL)
	c.NotificationLastErr = cloneString(s.NotificationLastErr)
	if s.NotificationNextAt != nil {
		t := *s.NotificationNextAt
		c.NotificationNextAt = &t
	}
	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}
