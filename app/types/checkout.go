package types

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	defaultListLimit = int32(100)
	maxListLimit     = int32(500)
	maxCartItems     = 100
)

// Signature headers accepted on gateway webhooks, in lookup order.
var callbackSignatureHeaders = []string{"X-PayPay-Signature", "X-Gateway-Signature"}

type HealthResponse struct {
	Status string `json:"status"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

type CartItem struct {
	ItemID    int64  `json:"item_id"`
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type BeginCheckoutRequest struct {
	RequestID string     `json:"request_id"`
	OrderID   string     `json:"order_id"`
	Items     []CartItem `json:"items"`
}

func NewBeginCheckoutRequestFromContext(ctx echo.Context) (*BeginCheckoutRequest, error) {
	var body BeginCheckoutRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.RequestID = strings.TrimSpace(body.RequestID)
	if body.RequestID == "" {
		body.RequestID = strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
	}
	body.OrderID = strings.TrimSpace(body.OrderID)
	for i := range body.Items {
		body.Items[i].Name = strings.TrimSpace(body.Items[i].Name)
	}

	return &body, nil
}

// Validate checks the request shape only. Cart pricing rules are enforced
// again by the checkout service.
func (r *BeginCheckoutRequest) Validate() error {
	if r.OrderID == "" {
		return errors.New("order_id is required")
	}
	if len(r.Items) == 0 {
		return errors.New("items must not be empty")
	}
	if len(r.Items) > maxCartItems {
		return errors.New("too many items")
	}
	for _, item := range r.Items {
		if item.Quantity <= 0 {
			return errors.New("quantity must be > 0")
		}
		if item.UnitPrice <= 0 {
			return errors.New("unit_price must be > 0")
		}
	}
	return nil
}

type CheckoutResponse struct {
	SessionID   string `json:"session_id"`
	OrderID     string `json:"order_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url"`
	Reused      bool   `json:"reused"`
}

type Session struct {
	SessionID             string `json:"session_id"`
	OrderID               string `json:"order_id"`
	Amount                int64  `json:"amount"`
	Currency              string `json:"currency"`
	Description           string `json:"description"`
	Provider              string `json:"provider"`
	Status                string `json:"status"`
	Reason                string `json:"reason,omitempty"`
	GatewayTransactionRef string `json:"gateway_transaction_ref,omitempty"`
	RedirectURL           string `json:"redirect_url,omitempty"`
	NotificationStatus    string `json:"notification_status"`
	NotificationAttempts  int32  `json:"notification_attempts"`
	CreatedAt             string `json:"created_at"`
	LastTransitionAt      string `json:"last_transition_at"`
}

type SessionEnvelopeResponse struct {
	Session *Session `json:"session"`
}

type ListSessionsResponse struct {
	Sessions []*Session `json:"sessions"`
}

type SessionRequest struct {
	SessionID string
}

func NewSessionRequestFromContext(ctx echo.Context) (*SessionRequest, error) {
	return &SessionRequest{SessionID: strings.TrimSpace(ctx.Param("id"))}, nil
}

func (r *SessionRequest) Validate() error {
	if r.SessionID == "" {
		return errors.New("session id is required")
	}
	if len(r.SessionID) > 64 {
		return errors.New("invalid session id")
	}
	return nil
}

type ListSessionsRequest struct {
	OrderID string
	Status  string
	Limit   int32
	Offset  int32
}

func NewListSessionsRequestFromContext(ctx echo.Context) (*ListSessionsRequest, error) {
	req := &ListSessionsRequest{
		OrderID: strings.TrimSpace(ctx.QueryParam("order_id")),
		Status:  strings.ToLower(strings.TrimSpace(ctx.QueryParam("status"))),
		Limit:   defaultListLimit,
	}

	if limitRaw := strings.TrimSpace(ctx.QueryParam("limit")); limitRaw != "" {
		limit, err := strconv.ParseInt(limitRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Limit = int32(limit)
	}

	if offsetRaw := strings.TrimSpace(ctx.QueryParam("offset")); offsetRaw != "" {
		offset, err := strconv.ParseInt(offsetRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Offset = int32(offset)
	}

	return req, nil
}

func (r *ListSessionsRequest) Validate() error {
	if r.Limit == 0 {
		r.Limit = defaultListLimit
	}
	if r.Limit < 0 || r.Limit > maxListLimit {
		return errors.New("limit must be between 1 and 500")
	}
	if r.Offset < 0 {
		return errors.New("offset must be >= 0")
	}
	if r.Status != "" && !isValidSessionStatus(r.Status) {
		return errors.New("invalid status")
	}
	return nil
}

type GatewayCallbackRequest struct {
	RequestID string
	Provider  string
	Signature string
	Payload   []byte
}

func NewGatewayCallbackRequestFromContext(ctx echo.Context) (*GatewayCallbackRequest, error) {
	rawBody, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return nil, err
	}

	req := &GatewayCallbackRequest{
		RequestID: strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID)),
		Provider:  strings.ToLower(strings.TrimSpace(ctx.Param("provider"))),
		Payload:   rawBody,
	}
	for _, header := range callbackSignatureHeaders {
		if sig := strings.TrimSpace(ctx.Request().Header.Get(header)); sig != "" {
			req.Signature = sig
			break
		}
	}

	return req, nil
}

func (r *GatewayCallbackRequest) Validate() error {
	if r.Provider == "" {
		return errors.New("provider is required")
	}
	if r.Signature == "" {
		return errors.New("gateway signature is required")
	}
	if len(strings.TrimSpace(string(r.Payload))) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

func isValidSessionStatus(status string) bool {
	switch status {
	case "created", "submitted", "confirmed", "failed", "expired":
		return true
	default:
		return false
	}
}
