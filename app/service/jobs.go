package service

import (
	"context"

	"github.com/vibast-solutions/ms-go-checkout/app/entity"
)

// RunReconcileBatch polls the gateway for sessions that have stayed submitted
// past the reconcile window without a callback.
func (s *CheckoutService) RunReconcileBatch(ctx context.Context) error {
	before := s.now().Add(-s.sessionsCfg.ReconcileAfter)
	items, err := s.sessionRepo.ListStaleSubmitted(ctx, before, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, session := range items {
		if session == nil {
			continue
		}
		if _, err := s.Reconcile(ctx, session.SessionID); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

// RunExpireCreatedBatch expires sessions that never reached the gateway, for
// example after a crash between the store insert and the gateway call.
func (s *CheckoutService) RunExpireCreatedBatch(ctx context.Context) error {
	cutoff := s.now().Add(-s.sessionsCfg.CreatedTimeout)
	items, err := s.sessionRepo.ListAbandonedCreated(ctx, cutoff, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, session := range items {
		if session == nil || session.Status != entity.SessionStatusCreated {
			continue
		}

		updated, transitioned, err := s.markTerminal(ctx, session, entity.SessionStatusExpired, entity.ReasonSubmissionAbandoned)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if transitioned {
			if err := s.deliverNotification(ctx, updated); err != nil {
				firstErr = keepFirstErr(firstErr, err)
			}
		}
	}

	return firstErr
}

// RunDispatchNotificationsBatch retries order notifications whose outbox entry is due.
func (s *CheckoutService) RunDispatchNotificationsBatch(ctx context.Context) error {
	items, err := s.sessionRepo.ListDueNotifications(ctx, s.now(), s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, session := range items {
		if session == nil || !session.Status.Terminal() {
			continue
		}
		if err := s.deliverNotification(ctx, session); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

func keepFirstErr(current error, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}
