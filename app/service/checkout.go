package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-checkout/app/entity"
	"github.com/vibast-solutions/ms-go-checkout/app/factory"
	"github.com/vibast-solutions/ms-go-checkout/app/idempotency"
	"github.com/vibast-solutions/ms-go-checkout/app/lock"
	"github.com/vibast-solutions/ms-go-checkout/app/metrics"
	"github.com/vibast-solutions/ms-go-checkout/app/notifier"
	"github.com/vibast-solutions/ms-go-checkout/app/provider"
	"github.com/vibast-solutions/ms-go-checkout/app/repository"
	"github.com/vibast-solutions/ms-go-checkout/config"
)

const (
	defaultListLimit = int32(100)
	defaultBatchSize = int32(100)
)

type SessionRepository interface {
	Create(ctx context.Context, session *entity.PaymentSession) error
	MarkSubmitted(ctx context.Context, sessionID, transactionRef, redirectURL string, now time.Time) (*entity.PaymentSession, error)
	MarkTerminal(ctx context.Context, sessionID string, status entity.SessionStatus, reason string, now time.Time) (*entity.PaymentSession, bool, error)
	UpdateNotification(ctx context.Context, session *entity.PaymentSession) error
	FindBySessionID(ctx context.Context, sessionID string) (*entity.PaymentSession, error)
	FindActiveByOrderID(ctx context.Context, orderID string) (*entity.PaymentSession, error)
	List(ctx context.Context, filter repository.SessionFilter) ([]*entity.PaymentSession, error)
	ListStaleSubmitted(ctx context.Context, before time.Time, limit int32) ([]*entity.PaymentSession, error)
	ListAbandonedCreated(ctx context.Context, before time.Time, limit int32) ([]*entity.PaymentSession, error)
	ListDueNotifications(ctx context.Context, now time.Time, limit int32) ([]*entity.PaymentSession, error)
}

type SessionEventRepository interface {
	Create(ctx context.Context, event *entity.SessionEvent) error
}

type GatewayCallbackRepository interface {
	Create(ctx context.Context, callback *entity.GatewayCallback) error
}

type CheckoutResult struct {
	SessionID   string
	OrderID     string
	Amount      int64
	Currency    string
	Status      entity.SessionStatus
	RedirectURL string
	// Reused is true when the call joined a checkout already in flight for the order.
	Reused bool
}

type CheckoutService struct {
	sessionRepo  SessionRepository
	eventRepo    SessionEventRepository
	callbackRepo GatewayCallbackRepository
	providerReg  *provider.Registry
	keys         idempotency.KeyGenerator
	orderWriter  notifier.OrderRecordWriter
	locker       lock.Locker
	metrics      *metrics.Metrics
	checkoutCfg  config.CheckoutConfig
	sessionsCfg  config.SessionsConfig
	logger       logrus.FieldLogger
	now          func() time.Time
}

func NewCheckoutService(
	sessionRepo SessionRepository,
	eventRepo SessionEventRepository,
	callbackRepo GatewayCallbackRepository,
	providerReg *provider.Registry,
	keys idempotency.KeyGenerator,
	orderWriter notifier.OrderRecordWriter,
	locker lock.Locker,
	m *metrics.Metrics,
	checkoutCfg config.CheckoutConfig,
	sessionsCfg config.SessionsConfig,
) *CheckoutService {
	if locker == nil {
		locker = lock.NoopLocker{}
	}
	if checkoutCfg.Currency == "" {
		checkoutCfg.Currency = "JPY"
	}
	if checkoutCfg.RetryAttempts <= 0 {
		checkoutCfg.RetryAttempts = 3
	}
	if checkoutCfg.RetryBaseDelay <= 0 {
		checkoutCfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if checkoutCfg.Budget <= 0 {
		checkoutCfg.Budget = 5 * time.Second
	}
	if checkoutCfg.PendingPoll <= 0 {
		checkoutCfg.PendingPoll = 100 * time.Millisecond
	}
	if sessionsCfg.StalenessThreshold <= 0 {
		sessionsCfg.StalenessThreshold = 15 * time.Minute
	}
	if sessionsCfg.NotificationTimeout <= 0 {
		sessionsCfg.NotificationTimeout = 10 * time.Second
	}
	if sessionsCfg.ReconcileLockTTL <= 0 {
		sessionsCfg.ReconcileLockTTL = 15 * time.Second
	}

	return &CheckoutService{
		sessionRepo:  sessionRepo,
		eventRepo:    eventRepo,
		callbackRepo: callbackRepo,
		providerReg:  providerReg,
		keys:         keys,
		orderWriter:  orderWriter,
		locker:       locker,
		metrics:      m,
		checkoutCfg:  checkoutCfg,
		sessionsCfg:  sessionsCfg,
		logger:       factory.NewModuleLogger("checkout-service"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// BeginCheckout turns a cart snapshot into a submitted payment session and
// returns the gateway redirect target. A second call for an order with a
// session in flight joins that session instead of opening a new one.
func (s *CheckoutService) BeginCheckout(ctx context.Context, orderID string, cart entity.CartSnapshot) (*CheckoutResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}
	if err := cart.Validate(); err != nil {
		s.metrics.CheckoutOutcome("invalid_cart")
		return nil, fmt.Errorf("%w: %v", ErrInvalidCart, err)
	}
	amount, err := cart.Amount()
	if err != nil {
		s.metrics.CheckoutOutcome("invalid_cart")
		return nil, fmt.Errorf("%w: %v", ErrInvalidCart, err)
	}

	providerClient, err := s.providerReg.Get(entity.ProviderPayPay)
	if err != nil {
		return nil, ErrProviderUnsupported
	}

	deadline := time.Now().Add(s.checkoutCfg.Budget)
	now := s.now()
	sessionID := s.keys.NewKey()
	session := &entity.PaymentSession{
		SessionID:        sessionID,
		OrderID:          orderID,
		Amount:           amount,
		Currency:         s.checkoutCfg.Currency,
		Description:      cart.Description(providerClient.MaxDescriptionLength()),
		Provider:         providerClient.Code(),
		ReturnURL:        s.returnURL(sessionID),
		CreatedAt:        now,
		LastTransitionAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		if errors.Is(err, repository.ErrAlreadyPending) {
			return s.awaitPending(ctx, orderID, deadline)
		}
		if errors.Is(err, repository.ErrOrderAlreadyPaid) {
			s.metrics.CheckoutOutcome("already_paid")
			return nil, ErrOrderAlreadyPaid
		}
		return nil, err
	}
	s.recordEvent(ctx, session, nil, "session_created", nil)

	logger := s.logger.WithFields(logrus.Fields{"session_id": sessionID, "order_id": orderID})
	output, submitErr := s.submit(ctx, providerClient, session, deadline)
	if submitErr != nil {
		status, reason, surfaced := entity.SessionStatusFailed, entity.ReasonGatewayUnreachable, ErrGatewayUnreachable
		if provider.IsRejected(submitErr) {
			reason, surfaced = entity.ReasonGatewayRejected, ErrGatewayRejected
		}
		logger.WithError(submitErr).WithField("reason", reason).Warn("gateway submission failed")

		if _, _, err := s.markTerminal(context.WithoutCancel(ctx), session, status, reason); err != nil {
			return nil, err
		}
		s.metrics.CheckoutOutcome(strings.ToLower(reason))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, surfaced
	}

	submitted, err := s.sessionRepo.MarkSubmitted(context.WithoutCancel(ctx), sessionID, output.TransactionRef, output.RedirectURL, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) || errors.Is(err, repository.ErrSessionNotFound) {
			s.logAnomaly(session, "mark_submitted", err)
		}
		return nil, err
	}
	s.metrics.Transition(string(entity.SessionStatusSubmitted), "")
	s.metrics.CheckoutOutcome("submitted")
	s.recordEvent(ctx, submitted, &session.Status, "session_submitted", nil)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return checkoutResult(submitted, false), nil
}

// submit calls the gateway with bounded exponential backoff. Attempts run on a
// context detached from the caller so an in-flight call always completes and
// its outcome is persisted. Caller cancellation only stops further retries.
func (s *CheckoutService) submit(ctx context.Context, providerClient provider.Provider, session *entity.PaymentSession, deadline time.Time) (*provider.CreateOutput, error) {
	detached := context.WithoutCancel(ctx)

	sleepCtx, cancel := context.WithDeadline(detached, deadline)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.checkoutCfg.RetryBaseDelay
	policy.Multiplier = 2
	policy.MaxElapsedTime = s.checkoutCfg.Budget

	input := &provider.CreateInput{
		SessionID:   session.SessionID,
		Amount:      session.Amount,
		Currency:    session.Currency,
		Description: session.Description,
		ReturnURL:   session.ReturnURL,
	}

	var lastErr error
	attempt := 0
	operation := func() (*provider.CreateOutput, error) {
		remaining := time.Until(deadline)
		if attempt > 0 && (remaining <= 0 || ctx.Err() != nil) {
			return nil, backoff.Permanent(lastErr)
		}
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		attempt++

		attemptCtx, cancelAttempt := context.WithTimeout(detached, remaining)
		defer cancelAttempt()

		started := time.Now()
		output, err := providerClient.CreateTransaction(attemptCtx, input)
		s.metrics.GatewayCall(providerClient.Name(), "create", gatewayOutcome(err), time.Since(started))
		if err != nil {
			lastErr = err
			if provider.IsTransient(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return output, nil
	}

	retries := uint64(s.checkoutCfg.RetryAttempts - 1)
	output, err := backoff.RetryNotifyWithData(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, retries), sleepCtx),
		func(err error, next time.Duration) {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"session_id": session.SessionID,
				"attempt":    attempt,
				"next_retry": next.String(),
			}).Info("gateway create failed, retrying")
		},
	)
	if err == nil {
		return output, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, err
}

// awaitPending waits for the session already in flight for orderID to reach
// submitted and hands back its redirect target.
func (s *CheckoutService) awaitPending(ctx context.Context, orderID string, deadline time.Time) (*CheckoutResult, error) {
	ticker := time.NewTicker(s.checkoutCfg.PendingPoll)
	defer ticker.Stop()

	for {
		active, err := s.sessionRepo.FindActiveByOrderID(ctx, orderID)
		if err != nil {
			return nil, err
		}

		if active == nil {
			latest, err := s.latestSession(ctx, orderID)
			if err != nil {
				return nil, err
			}
			if latest != nil && latest.Status.Terminal() {
				s.metrics.CheckoutOutcome("pending_ended")
				return nil, reasonError(latest)
			}
		} else if active.Status == entity.SessionStatusSubmitted && active.RedirectURL != nil {
			s.metrics.CheckoutOutcome("reused")
			return checkoutResult(active, true), nil
		}

		if !time.Now().Before(deadline) {
			s.metrics.CheckoutOutcome("in_progress")
			return nil, ErrCheckoutInProgress
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *CheckoutService) latestSession(ctx context.Context, orderID string) (*entity.PaymentSession, error) {
	items, err := s.sessionRepo.List(ctx, repository.SessionFilter{OrderID: orderID, Limit: 1})
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

func (s *CheckoutService) GetSession(ctx context.Context, sessionID string) (*entity.PaymentSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}
	session, err := s.sessionRepo.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

type ListSessionsInput struct {
	OrderID string
	Status  string
	Limit   int32
	Offset  int32
}

func (s *CheckoutService) ListSessions(ctx context.Context, input ListSessionsInput) ([]*entity.PaymentSession, error) {
	limit := input.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	if input.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrInvalidRequest)
	}

	filter := repository.SessionFilter{
		OrderID: strings.TrimSpace(input.OrderID),
		Limit:   limit,
		Offset:  input.Offset,
	}
	if status := strings.ToLower(strings.TrimSpace(input.Status)); status != "" {
		if !entity.SessionStatus(status).Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
		}
		filter.HasStatus = true
		filter.Status = entity.SessionStatus(status)
	}

	return s.sessionRepo.List(ctx, filter)
}

// markTerminal persists a terminal transition. Store invariant violations are
// logged as anomalies and returned unchanged.
func (s *CheckoutService) markTerminal(ctx context.Context, session *entity.PaymentSession, status entity.SessionStatus, reason string) (*entity.PaymentSession, bool, error) {
	previous := session.Status
	updated, transitioned, err := s.sessionRepo.MarkTerminal(ctx, session.SessionID, status, reason, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) || errors.Is(err, repository.ErrSessionNotFound) {
			s.logAnomaly(session, "mark_terminal_"+string(status), err)
		}
		return updated, false, err
	}
	if transitioned {
		s.metrics.Transition(string(status), reason)
		s.recordEvent(ctx, updated, &previous, "session_"+string(status), nil)
	}
	return updated, transitioned, nil
}

func (s *CheckoutService) logAnomaly(session *entity.PaymentSession, op string, err error) {
	s.logger.WithError(err).WithFields(logrus.Fields{
		"anomaly":    true,
		"op":         op,
		"session_id": session.SessionID,
		"order_id":   session.OrderID,
		"status":     session.Status,
	}).Error("payment session invariant violated")
}

func (s *CheckoutService) recordEvent(ctx context.Context, session *entity.PaymentSession, oldStatus *entity.SessionStatus, eventType string, payload *string) {
	if s.eventRepo == nil || session == nil {
		return
	}
	var previous *entity.SessionStatus
	if oldStatus != nil {
		p := *oldStatus
		previous = &p
	}
	err := s.eventRepo.Create(context.WithoutCancel(ctx), &entity.SessionEvent{
		SessionID:   session.SessionID,
		EventType:   eventType,
		OldStatus:   previous,
		NewStatus:   session.Status,
		Reason:      session.Reason,
		PayloadJSON: payload,
		CreatedAt:   s.now(),
	})
	if err != nil {
		s.logger.WithError(err).WithField("session_id", session.SessionID).Warn("failed to record session event")
	}
}

func (s *CheckoutService) returnURL(sessionID string) string {
	return strings.TrimRight(s.checkoutCfg.ReturnBaseURL, "/") + "/payments/return/" + sessionID
}

func (s *CheckoutService) batchSize() int32 {
	if s.sessionsCfg.JobBatchSize > 0 {
		return s.sessionsCfg.JobBatchSize
	}
	return defaultBatchSize
}

func checkoutResult(session *entity.PaymentSession, reused bool) *CheckoutResult {
	result := &CheckoutResult{
		SessionID: session.SessionID,
		OrderID:   session.OrderID,
		Amount:    session.Amount,
		Currency:  session.Currency,
		Status:    session.Status,
		Reused:    reused,
	}
	if session.RedirectURL != nil {
		result.RedirectURL = *session.RedirectURL
	}
	return result
}

func gatewayOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case provider.IsTransient(err):
		return "transient"
	case provider.IsRejected(err):
		return "rejected"
	default:
		return "error"
	}
}
