package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-checkout/app/entity"
	"github.com/vibast-solutions/ms-go-checkout/app/provider"
	"github.com/vibast-solutions/ms-go-checkout/app/repository"
)

// Reconcile resolves a submitted session against the gateway's authoritative
// status. Terminal sessions are returned unchanged, so repeated calls are safe.
func (s *CheckoutService) Reconcile(ctx context.Context, sessionID string) (*entity.PaymentSession, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != entity.SessionStatusSubmitted {
		return session, nil
	}

	logger := s.logger.WithFields(logrus.Fields{"session_id": session.SessionID, "order_id": session.OrderID})

	token, acquired, err := s.locker.Acquire(ctx, session.SessionID, s.sessionsCfg.ReconcileLockTTL)
	if err != nil {
		logger.WithError(err).Warn("reconcile lease unavailable, continuing without it")
		acquired = true
	}
	if !acquired {
		logger.Debug("reconcile already running elsewhere")
		return session, nil
	}
	defer func() {
		if token == "" {
			return
		}
		if err := s.locker.Release(context.WithoutCancel(ctx), session.SessionID, token); err != nil {
			logger.WithError(err).Warn("failed to release reconcile lease")
		}
	}()

	providerClient, err := s.providerReg.Get(session.Provider)
	if err != nil {
		return nil, ErrProviderUnsupported
	}

	ref := ""
	if session.GatewayTransactionRef != nil {
		ref = *session.GatewayTransactionRef
	}
	started := time.Now()
	gatewayStatus, err := providerClient.QueryStatus(ctx, &provider.StatusInput{SessionID: session.SessionID, TransactionRef: ref})
	s.metrics.GatewayCall(providerClient.Name(), "status", gatewayOutcome(err), time.Since(started))
	if err != nil {
		logger.WithError(err).Warn("gateway status query failed")
		surfaced := ErrGatewayUnreachable
		if provider.IsRejected(err) {
			surfaced = ErrGatewayRejected
		}
		if !s.queryFailureAbandons(session, err) {
			return nil, fmt.Errorf("%w: status query", surfaced)
		}
		logger.WithField("age", s.now().Sub(session.LastTransitionAt).String()).Warn("abandoning session after failed status query")
		return s.finishReconcile(ctx, logger, session, entity.SessionStatusExpired, entity.ReasonStatusQueryFailed)
	}

	target, reason, ok := s.resolveTarget(session, gatewayStatus)
	if !ok {
		return session, nil
	}
	return s.finishReconcile(ctx, logger, session, target, reason)
}

// queryFailureAbandons reports whether a session whose status query failed has
// been submitted long enough to give up on the gateway. Transient failures get
// twice the staleness threshold before the session is expired.
func (s *CheckoutService) queryFailureAbandons(session *entity.PaymentSession, queryErr error) bool {
	threshold := s.sessionsCfg.StalenessThreshold
	if !provider.IsRejected(queryErr) {
		threshold *= 2
	}
	return s.now().Sub(session.LastTransitionAt) > threshold
}

func (s *CheckoutService) finishReconcile(ctx context.Context, logger logrus.FieldLogger, session *entity.PaymentSession, target entity.SessionStatus, reason string) (*entity.PaymentSession, error) {
	updated, transitioned, err := s.markTerminal(ctx, session, target, reason)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) && updated != nil {
			return updated, nil
		}
		return nil, err
	}
	if transitioned {
		logger.WithFields(logrus.Fields{"status": target, "reason": reason}).Info("payment session reconciled")
		if err := s.deliverNotification(ctx, updated); err != nil {
			logger.WithError(err).Warn("order notification failed, left for dispatch job")
		}
		if refreshed, err := s.sessionRepo.FindBySessionID(ctx, updated.SessionID); err == nil && refreshed != nil {
			updated = refreshed
		}
	}
	return updated, nil
}

// resolveTarget maps a gateway status to the terminal status it implies. A
// pending transaction older than the staleness threshold is treated as
// abandoned.
func (s *CheckoutService) resolveTarget(session *entity.PaymentSession, status provider.GatewayStatus) (entity.SessionStatus, string, bool) {
	switch status {
	case provider.GatewayStatusCompleted:
		return entity.SessionStatusConfirmed, entity.ReasonPaymentCompleted, true
	case provider.GatewayStatusFailed:
		return entity.SessionStatusFailed, entity.ReasonGatewayFailed, true
	case provider.GatewayStatusExpired:
		return entity.SessionStatusExpired, entity.ReasonGatewayExpired, true
	default:
		if s.now().Sub(session.LastTransitionAt) > s.sessionsCfg.StalenessThreshold {
			return entity.SessionStatusExpired, entity.ReasonStale, true
		}
		return "", "", false
	}
}

// deliverNotification pushes the terminal outcome to the order system and
// records the delivery state on the session's notification outbox.
func (s *CheckoutService) deliverNotification(ctx context.Context, session *entity.PaymentSession) error {
	if s.orderWriter == nil {
		return nil
	}

	now := s.now()
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sessionsCfg.NotificationTimeout)
	defer cancel()

	var err error
	switch session.Status {
	case entity.SessionStatusConfirmed:
		err = s.orderWriter.NotifyPaymentConfirmed(notifyCtx, session.OrderID, session.SessionID)
	case entity.SessionStatusFailed, entity.SessionStatusExpired:
		reason := ""
		if session.Reason != nil {
			reason = *session.Reason
		}
		err = s.orderWriter.NotifyPaymentFailed(notifyCtx, session.OrderID, session.SessionID, reason)
	default:
		return nil
	}
	if err != nil {
		s.metrics.Notification("failed")
		return s.recordNotificationFailure(ctx, session, now, err)
	}

	s.metrics.Notification("delivered")
	session.NotificationStatus = entity.NotificationSuccess
	session.NotificationNextAt = nil
	session.NotificationLastErr = nil
	if err := s.sessionRepo.UpdateNotification(context.WithoutCancel(ctx), session); err != nil {
		return err
	}
	s.recordEvent(ctx, session, nil, "order_notified", nil)
	return nil
}

func (s *CheckoutService) recordNotificationFailure(ctx context.Context, session *entity.PaymentSession, now time.Time, deliveryErr error) error {
	session.NotificationAttempts++
	trimmed := truncate(deliveryErr.Error(), 1024)
	session.NotificationLastErr = &trimmed

	maxAttempts := s.sessionsCfg.NotificationMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	if session.NotificationAttempts >= maxAttempts {
		session.NotificationStatus = entity.NotificationFailed
		session.NotificationNextAt = nil
		s.logger.WithError(deliveryErr).WithFields(logrus.Fields{
			"session_id": session.SessionID,
			"order_id":   session.OrderID,
			"attempts":   session.NotificationAttempts,
		}).Error("order notification gave up")
	} else {
		retryInterval := s.sessionsCfg.NotificationRetryInterval
		if retryInterval <= 0 {
			retryInterval = time.Minute
		}
		next := now.Add(retryInterval)
		session.NotificationStatus = entity.NotificationPending
		session.NotificationNextAt = &next
	}

	if err := s.sessionRepo.UpdateNotification(context.WithoutCancel(ctx), session); err != nil {
		return err
	}
	s.recordEvent(ctx, session, nil, "order_notification_failed", nil)

	return deliveryErr
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return strings.ToValidUTF8(value[:max], "")
}
