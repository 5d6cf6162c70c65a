package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"github.com/vibast-solutions/ms-go-checkout/app/entity"
)

const (
	payPayCode                 = int32(1)
	payPayName                 = "paypay"
	payPayMaxDescriptionLength = 255
	payPayJSONContentType      = "application/json;charset=UTF-8"
	payPayResultSuccess        = "SUCCESS"
)

type PayPayConfig struct {
	APIKey        string
	APISecret     string
	MerchantID    string
	BaseURL       string
	WebhookSecret string
	CreateTimeout time.Duration
	StatusTimeout time.Duration

	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

type PayPayProvider struct {
	cfg     PayPayConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*payPayResponse]
	now     func() time.Time
}

type payPayResponse struct {
	statusCode int
	body       []byte
}

type payPayResultInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	CodeID  string `json:"codeId"`
}

func NewPayPayProvider(cfg PayPayConfig) *PayPayProvider {
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 10 * time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 5 * time.Second
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	maxFailures := cfg.BreakerMaxFailures
	breaker := gobreaker.NewCircuitBreaker[*payPayResponse](gobreaker.Settings{
		Name:        "paypay",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// A rejected request proves the gateway is reachable.
		IsSuccessful: func(err error) bool {
			return err == nil || IsRejected(err)
		},
	})

	return &PayPayProvider{
		cfg:     cfg,
		client:  &http.Client{},
		breaker: breaker,
		now:     time.Now,
	}
}

func (p *PayPayProvider) Code() int32 {
	return payPayCode
}

func (p *PayPayProvider) Name() string {
	return payPayName
}

func (p *PayPayProvider) MaxDescriptionLength() int {
	return payPayMaxDescriptionLength
}

func (p *PayPayProvider) CreateTransaction(ctx context.Context, input *CreateInput) (*CreateOutput, error) {
	const op = "create_transaction"
	if err := p.checkConfigured(op); err != nil {
		return nil, err
	}
	if input == nil || strings.TrimSpace(input.SessionID) == "" {
		return nil, rejectedError(op, "session id is required")
	}
	if input.Amount <= 0 {
		return nil, rejectedError(op, "amount must be > 0")
	}

	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = "JPY"
	}

	payload := map[string]interface{}{
		"merchantPaymentId": input.SessionID,
		"amount": map[string]interface{}{
			"amount":   input.Amount,
			"currency": currency,
		},
		"codeType":         "ORDER_QR",
		"orderDescription": entity.TruncateRunes(input.Description, payPayMaxDescriptionLength),
		"isAuthorization":  false,
		"redirectUrl":      input.ReturnURL,
		"redirectType":     "WEB_LINK",
		"requestedAt":      p.now().Unix(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, rejectedError(op, err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()

	resp, err := p.do(callCtx, op, http.MethodPost, "/v2/codes", body)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		ResultInfo payPayResultInfo `json:"resultInfo"`
		Data       struct {
			CodeID            string `json:"codeId"`
			URL               string `json:"url"`
			MerchantPaymentID string `json:"merchantPaymentId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.body, &parsed); err != nil {
		return nil, &GatewayError{Kind: KindRejected, Op: op, StatusCode: resp.statusCode, Message: "unparsable response", Err: err}
	}
	if parsed.ResultInfo.Code != "" && parsed.ResultInfo.Code != payPayResultSuccess {
		return nil, &GatewayError{Kind: KindRejected, Op: op, StatusCode: resp.statusCode, Code: parsed.ResultInfo.Code, Message: parsed.ResultInfo.Message}
	}

	ref := strings.TrimSpace(parsed.Data.CodeID)
	redirectURL := strings.TrimSpace(parsed.Data.URL)
	if ref == "" || redirectURL == "" {
		return nil, &GatewayError{Kind: KindRejected, Op: op, StatusCode: resp.statusCode, Message: "response is missing codeId or url"}
	}

	return &CreateOutput{TransactionRef: ref, RedirectURL: redirectURL}, nil
}

// QueryStatus looks a transaction up by merchantPaymentId, which PayPay uses
// as the key of its payment-details endpoint.
func (p *PayPayProvider) QueryStatus(ctx context.Context, input *StatusInput) (GatewayStatus, error) {
	const op = "query_status"
	if err := p.checkConfigured(op); err != nil {
		return "", err
	}
	if input == nil || strings.TrimSpace(input.SessionID) == "" {
		return "", rejectedError(op, "session id is required")
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.StatusTimeout)
	defer cancel()

	resp, err := p.do(callCtx, op, http.MethodGet, "/v2/codes/payments/"+url.PathEscape(input.SessionID), nil)
	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusNotFound {
			// The code exists but nobody has paid it yet.
			return GatewayStatusPending, nil
		}
		return "", err
	}

	var parsed struct {
		ResultInfo payPayResultInfo `json:"resultInfo"`
		Data       struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.body, &parsed); err != nil {
		return "", &GatewayError{Kind: KindRejected, Op: op, StatusCode: resp.statusCode, Message: "unparsable response", Err: err}
	}
	if parsed.ResultInfo.Code != "" && parsed.ResultInfo.Code != payPayResultSuccess {
		return "", &GatewayError{Kind: KindRejected, Op: op, StatusCode: resp.statusCode, Code: parsed.ResultInfo.Code, Message: parsed.ResultInfo.Message}
	}

	return mapPayPayStatus(parsed.Data.Status), nil
}

func (p *PayPayProvider) VerifyAndParseCallback(_ context.Context, payload []byte, signature string) (*CallbackEvent, error) {
	if strings.TrimSpace(p.cfg.WebhookSecret) == "" {
		return nil, errors.New("paypay webhook secret is not configured")
	}
	if !verifyWebhookSignature(payload, signature, p.cfg.WebhookSecret) {
		return nil, errors.New("invalid webhook signature")
	}

	var event struct {
		NotificationType string `json:"notification_type"`
		MerchantOrderID  string `json:"merchant_order_id"`
		OrderID          string `json:"order_id"`
		State            string `json:"state"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}

	sessionID := strings.TrimSpace(event.MerchantOrderID)
	if sessionID == "" {
		return nil, errors.New("webhook payload is missing merchant_order_id")
	}

	result := &CallbackEvent{
		SessionID: sessionID,
		EventType: strings.TrimSpace(event.NotificationType),
		Status:    mapPayPayStatus(event.State),
	}
	if ref := strings.TrimSpace(event.OrderID); ref != "" {
		result.TransactionRef = &ref
	}
	return result, nil
}

func (p *PayPayProvider) checkConfigured(op string) error {
	if strings.TrimSpace(p.cfg.APIKey) == "" || strings.TrimSpace(p.cfg.APISecret) == "" {
		return rejectedError(op, "paypay credentials are not configured")
	}
	if strings.TrimSpace(p.cfg.MerchantID) == "" {
		return rejectedError(op, "paypay merchant id is not configured")
	}
	if p.cfg.BaseURL == "" {
		return rejectedError(op, "paypay base url is not configured")
	}
	return nil
}

func (p *PayPayProvider) do(ctx context.Context, op, method, path string, body []byte) (*payPayResponse, error) {
	resp, err := p.breaker.Execute(func() (*payPayResponse, error) {
		return p.send(ctx, op, method, path, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, transientError(op, err)
		}
		return nil, err
	}
	return resp, nil
}

func (p *PayPayProvider) send(ctx context.Context, op, method, path string, body []byte) (*payPayResponse, error) {
	var reader io.Reader
	contentType := ""
	if body != nil {
		reader = bytes.NewReader(body)
		contentType = payPayJSONContentType
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, rejectedError(op, err.Error())
	}
	req.Header.Set("Authorization", p.authorizationHeader(method, path, contentType, body))
	req.Header.Set("X-ASSUME-MERCHANT", p.cfg.MerchantID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transientError(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transientError(op, err)
	}

	if resp.StatusCode >= 400 {
		var parsed struct {
			ResultInfo payPayResultInfo `json:"resultInfo"`
		}
		_ = json.Unmarshal(respBody, &parsed)
		return nil, &GatewayError{
			Kind:       classifyStatus(resp.StatusCode),
			Op:         op,
			StatusCode: resp.StatusCode,
			Code:       parsed.ResultInfo.Code,
			Message:    parsed.ResultInfo.Message,
		}
	}

	return &payPayResponse{statusCode: resp.StatusCode, body: respBody}, nil
}

// authorizationHeader builds the OPA HMAC header:
// hmac OPA-Auth:<apiKey>:<mac>:<nonce>:<epoch>:<bodyHash>
func (p *PayPayProvider) authorizationHeader(method, path, contentType string, body []byte) string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	epoch := strconv.FormatInt(p.now().Unix(), 10)
	return buildOPAAuthorization(p.cfg.APIKey, p.cfg.APISecret, method, path, contentType, body, nonce, epoch)
}

func buildOPAAuthorization(apiKey, apiSecret, method, path, contentType string, body []byte, nonce, epoch string) string {
	bodyHash := "empty"
	if contentType == "" {
		contentType = "empty"
	} else {
		digest := md5.Sum(append([]byte(contentType), body...))
		bodyHash = base64.StdEncoding.EncodeToString(digest[:])
	}

	signed := strings.Join([]string{path, method, nonce, epoch, contentType, bodyHash}, "\n")
	mac := hmac.New(sha256.New, []byte(apiSecret))
	_, _ = mac.Write([]byte(signed))
	macData := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("hmac OPA-Auth:%s:%s:%s:%s:%s", apiKey, macData, nonce, epoch, bodyHash)
}

func mapPayPayStatus(raw string) GatewayStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "COMPLETED", "REFUNDED":
		// A refund is settled against the order after the payment went through.
		return GatewayStatusCompleted
	case "FAILED", "CANCELED", "DECLINED":
		return GatewayStatusFailed
	case "EXPIRED":
		return GatewayStatusExpired
	default:
		return GatewayStatusPending
	}
}

func verifyWebhookSignature(payload []byte, signature, secret string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" || strings.TrimSpace(secret) == "" {
		return false
	}
	candidate, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hmac.Equal(candidate, mac.Sum(nil))
}
