package provider

import "context"

type GatewayStatus string

const (
	GatewayStatusPending   GatewayStatus = "pending"
	GatewayStatusCompleted GatewayStatus = "completed"
	GatewayStatusFailed    GatewayStatus = "failed"
	GatewayStatusExpired   GatewayStatus = "expired"
)

type CreateInput struct {
	// SessionID is sent as the gateway-side idempotency token, so retrying the
	// same input never opens a second transaction.
	SessionID   string
	Amount      int64
	Currency    string
	Description string
	ReturnURL   string
}

type CreateOutput struct {
	TransactionRef string
	RedirectURL    string
}

type StatusInput struct {
	SessionID      string
	TransactionRef string
}

type CallbackEvent struct {
	SessionID      string
	TransactionRef *string
	EventType      string
	Status         GatewayStatus
}

type Provider interface {
	Code() int32
	Name() string
	MaxDescriptionLength() int
	CreateTransaction(ctx context.Context, input *CreateInput) (*CreateOutput, error)
	QueryStatus(ctx context.Context, input *StatusInput) (GatewayStatus, error)
	VerifyAndParseCallback(ctx context.Context, payload []byte, signature string) (*CallbackEvent, error)
}
