package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vibast-solutions/ms-go-checkout/app/entity"
	"github.com/vibast-solutions/ms-go-checkout/app/provider"
)

type GatewayCallbackInput struct {
	Provider  string
	Signature string
	Payload   []byte
}

// HandleGatewayCallback verifies a gateway webhook, logs it and reconciles the
// referenced session. The status carried by the payload is never applied
// directly; the gateway is queried instead.
func (s *CheckoutService) HandleGatewayCallback(ctx context.Context, input GatewayCallbackInput) (*entity.PaymentSession, error) {
	providerClient, err := s.providerReg.GetByName(input.Provider)
	if err != nil {
		if errors.Is(err, provider.ErrProviderNotSupported) {
			return nil, ErrProviderUnsupported
		}
		return nil, err
	}

	signature := strings.TrimSpace(input.Signature)
	event, err := providerClient.VerifyAndParseCallback(ctx, input.Payload, signature)
	if err != nil {
		s.persistCallback(ctx, nil, input, entity.GatewayCallbackRejected, fmt.Sprintf("callback validation failed: %v", err))
		return nil, ErrCallbackRejected
	}
	if event == nil || strings.TrimSpace(event.SessionID) == "" {
		s.persistCallback(ctx, nil, input, entity.GatewayCallbackRejected, "callback does not reference a session")
		return nil, ErrCallbackRejected
	}

	sessionID := strings.TrimSpace(event.SessionID)
	session, err := s.sessionRepo.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		s.persistCallback(ctx, &sessionID, input, entity.GatewayCallbackRejected, "payment session not found")
		return nil, ErrSessionNotFound
	}

	s.persistCallback(ctx, &sessionID, input, entity.GatewayCallbackProcessed, "")
	payload := string(input.Payload)
	s.recordEvent(ctx, session, nil, "gateway_callback", &payload)

	return s.Reconcile(ctx, sessionID)
}

func (s *CheckoutService) persistCallback(ctx context.Context, sessionID *string, input GatewayCallbackInput, status int32, reason string) {
	if s.callbackRepo == nil {
		return
	}

	var errPtr *string
	if reason = strings.TrimSpace(reason); reason != "" {
		trimmed := truncate(reason, 1024)
		errPtr = &trimmed
	}
	err := s.callbackRepo.Create(context.WithoutCancel(ctx), &entity.GatewayCallback{
		SessionID:   sessionID,
		Provider:    strings.ToLower(strings.TrimSpace(input.Provider)),
		Signature:   strings.TrimSpace(input.Signature),
		PayloadJSON: string(input.Payload),
		Status:      status,
		Error:       errPtr,
		CreatedAt:   s.now(),
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to record gateway callback")
	}
}
