package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vibast-solutions/ms-go-checkout/app/entity"
)

// MemorySessionRepository keeps sessions in process memory. It mirrors the
// MySQL repository semantics and is used by the memory store driver and tests.
type MemorySessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*entity.PaymentSession
	active   map[string]string
	paid     map[string]string
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[string]*entity.PaymentSession),
		active:   make(map[string]string),
		paid:     make(map[string]string),
	}
}

func (r *MemorySessionRepository) Create(_ context.Context, session *entity.PaymentSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.paid[session.OrderID]; ok {
		return ErrOrderAlreadyPaid
	}
	if _, ok := r.active[session.OrderID]; ok {
		return ErrAlreadyPending
	}
	if _, ok := r.sessions[session.SessionID]; ok {
		return ErrAlreadyPending
	}

	session.Status = entity.SessionStatusCreated
	session.Reason = nil
	session.GatewayTransactionRef = nil
	session.RedirectURL = nil
	session.NotificationStatus = entity.NotificationNone
	session.NotificationAttempts = 0
	session.NotificationNextAt = nil
	session.NotificationLastErr = nil

	r.sessions[session.SessionID] = session.Clone()
	r.active[session.OrderID] = session.SessionID
	return nil
}

func (r *MemorySessionRepository) MarkSubmitted(_ context.Context, sessionID, transactionRef, redirectURL string, now time.Time) (*entity.PaymentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if stored.Status != entity.SessionStatusCreated {
		return stored.Clone(), ErrInvalidTransition
	}

	stored.Status = entity.SessionStatusSubmitted
	stored.GatewayTransactionRef = &transactionRef
	stored.RedirectURL = &redirectURL
	stored.LastTransitionAt = now
	return stored.Clone(), nil
}

func (r *MemorySessionRepository) MarkTerminal(_ context.Context, sessionID string, status entity.SessionStatus, reason string, now time.Time) (*entity.PaymentSession, bool, error) {
	from := allowedTerminalSources(status)
	if len(from) == 0 {
		return nil, false, ErrInvalidTransition
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[sessionID]
	if !ok {
		return nil, false, ErrSessionNotFound
	}

	allowed := false
	for _, s := range from {
		if stored.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		if stored.Status == status {
			return stored.Clone(), false, nil
		}
		return stored.Clone(), false, ErrInvalidTransition
	}

	nextAt := now
	stored.Status = status
	stored.Reason = &reason
	stored.NotificationStatus = entity.NotificationPending
	stored.NotificationAttempts = 0
	stored.NotificationNextAt = &nextAt
	stored.NotificationLastErr = nil
	stored.LastTransitionAt = now
	if r.active[stored.OrderID] == sessionID {
		delete(r.active, stored.OrderID)
	}
	if status == entity.SessionStatusConfirmed {
		r.paid[stored.OrderID] = sessionID
	}
	return stored.Clone(), true, nil
}

func (r *MemorySessionRepository) UpdateNotification(_ context.Context, session *entity.PaymentSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[session.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	stored.NotificationStatus = session.NotificationStatus
	stored.NotificationAttempts = session.NotificationAttempts
	stored.NotificationNextAt = nil
	if session.NotificationNextAt != nil {
		t := *session.NotificationNextAt
		stored.NotificationNextAt = &t
	}
	stored.NotificationLastErr = nil
	if session.NotificationLastErr != nil {
		e := *session.NotificationLastErr
		stored.NotificationLastErr = &e
	}
	return nil
}

func (r *MemorySessionRepository) FindBySessionID(_ context.Context, sessionID string) (*entity.PaymentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return stored.Clone(), nil
}

func (r *MemorySessionRepository) FindActiveByOrderID(_ context.Context, orderID string) (*entity.PaymentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.active[orderID]
	if !ok {
		return nil, nil
	}
	return r.sessions[sessionID].Clone(), nil
}

func (r *MemorySessionRepository) List(_ context.Context, filter SessionFilter) ([]*entity.PaymentSession, error) {
	orderID := strings.TrimSpace(filter.OrderID)
	return r.collect(func(s *entity.PaymentSession) bool {
		if orderID != "" && s.OrderID != orderID {
			return false
		}
		if filter.HasStatus && s.Status != filter.Status {
			return false
		}
		return true
	}, func(a, b *entity.PaymentSession) bool {
		return a.CreatedAt.After(b.CreatedAt)
	}, filter.Offset, filter.Limit), nil
}

func (r *MemorySessionRepository) ListStaleSubmitted(_ context.Context, before time.Time, limit int32) ([]*entity.PaymentSession, error) {
	return r.collect(func(s *entity.PaymentSession) bool {
		return s.Status == entity.SessionStatusSubmitted && !s.LastTransitionAt.After(before)
	}, func(a, b *entity.PaymentSession) bool {
		return a.LastTransitionAt.Before(b.LastTransitionAt)
	}, 0, limit), nil
}

func (r *MemorySessionRepository) ListAbandonedCreated(_ context.Context, before time.Time, limit int32) ([]*entity.PaymentSession, error) {
	return r.collect(func(s *entity.PaymentSession) bool {
		return s.Status == entity.SessionStatusCreated && !s.CreatedAt.After(before)
	}, func(a, b *entity.PaymentSession) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	}, 0, limit), nil
}

func (r *MemorySessionRepository) ListDueNotifications(_ context.Context, now time.Time, limit int32) ([]*entity.PaymentSession, error) {
	return r.collect(func(s *entity.PaymentSession) bool {
		return s.NotificationStatus == entity.NotificationPending &&
			s.NotificationNextAt != nil &&
			!s.NotificationNextAt.After(now)
	}, func(a, b *entity.PaymentSession) bool {
		return a.NotificationNextAt.Before(*b.NotificationNextAt)
	}, 0, limit), nil
}

func (r *MemorySessionRepository) collect(
	match func(*entity.PaymentSession) bool,
	less func(a, b *entity.PaymentSession) bool,
	offset, limit int32,
) []*entity.PaymentSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*entity.PaymentSession, 0)
	for _, s := range r.sessions {
		if match(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })

	if offset > 0 {
		if int(offset) >= len(out) {
			return []*entity.PaymentSession{}
		}
		out = out[offset:]
	}
	if limit > 0 && int(limit) < len(out) {
		out = out[:limit]
	}
	return out
}

// MemorySessionEventRepository records session transitions in memory.
type MemorySessionEventRepository struct {
	mu     sync.Mutex
	events []*entity.SessionEvent
}

func NewMemorySessionEventRepository() *MemorySessionEventRepository {
	return &MemorySessionEventRepository{}
}

func (r *MemorySessionEventRepository) Create(_ context.Context, event *entity.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event.ID = uint64(len(r.events) + 1)
	copied := *event
	r.events = append(r.events, &copied)
	return nil
}

func (r *MemorySessionEventRepository) ListBySessionID(sessionID string) []*entity.SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*entity.SessionEvent, 0)
	for _, e := range r.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

type MemoryGatewayCallbackRepository struct {
	mu        sync.Mutex
	callbacks []*entity.GatewayCallback
}

func NewMemoryGatewayCallbackRepository() *MemoryGatewayCallbackRepository {
	return &MemoryGatewayCallbackRepository{}
}

func (r *MemoryGatewayCallbackRepository) Create(_ context.Context, callback *entity.GatewayCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	callback.ID = uint64(len(r.callbacks) + 1)
	copied := *callback
	r.callbacks = append(r.callbacks, &copied)
	return nil
}

func (r *MemoryGatewayCallbackRepository) List() []*entity.GatewayCallback {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*entity.GatewayCallback, len(r.callbacks))
	copy(out, r.callbacks)
	return out
}
