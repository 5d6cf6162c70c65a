package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-checkout/app/entity"
)

var (
	ErrSessionNotFound   = errors.New("payment session not found")
	ErrAlreadyPending    = errors.New("order already has a pending payment session")
	ErrInvalidTransition = errors.New("invalid payment session transition")
	ErrOrderAlreadyPaid  = errors.New("order already has a confirmed payment session")
)

const sessionColumns = `
	session_id, order_id, amount, currency, description, provider,
	status, reason, gateway_transaction_ref, redirect_url, return_url,
	notification_status, notification_attempts, notification_next_at, notification_last_error,
	created_at, last_transition_at
`

type SessionFilter struct {
	OrderID   string
	HasStatus bool
	Status    entity.SessionStatus
	Limit     int32
	Offset    int32
}

// MySQLSessionRepository persists payment sessions in MySQL. The unique index on
// active_order_id holds the order id while a session is non-terminal and NULL
// afterwards, which makes create-if-no-active-session a single atomic insert.
// Confirmation moves the order id from active_order_id to the unique
// paid_order_id in the same statement, so a paid order never gets a new session.
type MySQLSessionRepository struct {
	db DBTX
}

func NewMySQLSessionRepository(db DBTX) *MySQLSessionRepository {
	return &MySQLSessionRepository{db: db}
}

func (r *MySQLSessionRepository) Create(ctx context.Context, session *entity.PaymentSession) error {
	query := `
		INSERT INTO payment_sessions (
			session_id, order_id, active_order_id, amount, currency, description, provider,
			status, reason, gateway_transaction_ref, redirect_url, return_url,
			notification_status, notification_attempts, notification_next_at, notification_last_error,
			created_at, last_transition_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? FROM DUAL
		WHERE NOT EXISTS (SELECT 1 FROM payment_sessions WHERE paid_order_id = ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		session.SessionID,
		session.OrderID,
		session.OrderID,
		session.Amount,
		session.Currency,
		session.Description,
		session.Provider,
		string(entity.SessionStatusCreated),
		nil,
		nil,
		nil,
		session.ReturnURL,
		entity.NotificationNone,
		0,
		nil,
		nil,
		session.CreatedAt,
		session.LastTransitionAt,
		session.OrderID,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrAlreadyPending
		}
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrOrderAlreadyPaid
	}

	session.Status = entity.SessionStatusCreated
	return nil
}

func (r *MySQLSessionRepository) MarkSubmitted(ctx context.Context, sessionID, transactionRef, redirectURL string, now time.Time) (*entity.PaymentSession, error) {
	query := `
		UPDATE payment_sessions SET
			status = ?,
			gateway_transaction_ref = ?,
			redirect_url = ?,
			last_transition_at = ?
		WHERE session_id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		string(entity.SessionStatusSubmitted),
		transactionRef,
		redirectURL,
		now,
		sessionID,
		string(entity.SessionStatusCreated),
	)
	if err != nil {
		return nil, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	session, err := r.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if affected == 0 {
		return session, ErrInvalidTransition
	}
	return session, nil
}

// MarkTerminal moves a session into a terminal status and arms the order
// notification outbox in the same statement. The returned bool is false when
// the session already carried the requested status.
func (r *MySQLSessionRepository) MarkTerminal(ctx context.Context, sessionID string, status entity.SessionStatus, reason string, now time.Time) (*entity.PaymentSession, bool, error) {
	from := allowedTerminalSources(status)
	if len(from) == 0 {
		return nil, false, ErrInvalidTransition
	}

	query := `
		UPDATE payment_sessions SET
			status = ?,
			reason = ?,
			active_order_id = NULL,` + paidOrderAssignment(status) + `
			notification_status = ?,
			notification_attempts = 0,
			notification_next_at = ?,
			notification_last_error = NULL,
			last_transition_at = ?
		WHERE session_id = ? AND status IN (` + placeholders(len(from)) + `)
	`

	args := []interface{}{
		string(status),
		reason,
		entity.NotificationPending,
		now,
		now,
		sessionID,
	}
	for _, s := range from {
		args = append(args, string(s))
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	session, err := r.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if session == nil {
		return nil, false, ErrSessionNotFound
	}
	if affected > 0 {
		return session, true, nil
	}
	if session.Status == status {
		return session, false, nil
	}
	return session, false, ErrInvalidTransition
}

func (r *MySQLSessionRepository) UpdateNotification(ctx context.Context, session *entity.PaymentSession) error {
	query := `
		UPDATE payment_sessions SET
			notification_status = ?,
			notification_attempts = ?,
			notification_next_at = ?,
			notification_last_error = ?
		WHERE session_id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		session.NotificationStatus,
		session.NotificationAttempts,
		nullableTimeValue(session.NotificationNextAt),
		nullableStringValue(session.NotificationLastErr),
		session.SessionID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// MySQL reports zero affected rows when nothing changed, so confirm
		// the row exists before calling it missing.
		existing, err := r.FindBySessionID(ctx, session.SessionID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrSessionNotFound
		}
	}
	return nil
}

func (r *MySQLSessionRepository) FindBySessionID(ctx context.Context, sessionID string) (*entity.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_sessions WHERE session_id = ?`

	session := &entity.PaymentSession{}
	if err := scanSession(r.db.QueryRowContext(ctx, query, sessionID), session); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return session, nil
}

func (r *MySQLSessionRepository) FindActiveByOrderID(ctx context.Context, orderID string) (*entity.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_sessions WHERE active_order_id = ? LIMIT 1`

	session := &entity.PaymentSession{}
	if err := scanSession(r.db.QueryRowContext(ctx, query, orderID), session); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return session, nil
}

func (r *MySQLSessionRepository) List(ctx context.Context, filter SessionFilter) ([]*entity.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_sessions`

	conditions := make([]string, 0, 2)
	args := make([]interface{}, 0, 4)
	if strings.TrimSpace(filter.OrderID) != "" {
		conditions = append(conditions, "order_id = ?")
		args = append(args, filter.OrderID)
	}
	if filter.HasStatus {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	return r.query(ctx, query, args...)
}

func (r *MySQLSessionRepository) ListStaleSubmitted(ctx context.Context, before time.Time, limit int32) ([]*entity.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM payment_sessions
		WHERE status = ? AND last_transition_at <= ?
		ORDER BY last_transition_at ASC
		LIMIT ?`

	return r.query(ctx, query, string(entity.SessionStatusSubmitted), before, limit)
}

func (r *MySQLSessionRepository) ListAbandonedCreated(ctx context.Context, before time.Time, limit int32) ([]*entity.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM payment_sessions
		WHERE status = ? AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`

	return r.query(ctx, query, string(entity.SessionStatusCreated), before, limit)
}

func (r *MySQLSessionRepository) ListDueNotifications(ctx context.Context, now time.Time, limit int32) ([]*entity.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM payment_sessions
		WHERE notification_status = ?
		  AND notification_next_at IS NOT NULL
		  AND notification_next_at <= ?
		ORDER BY notification_next_at ASC
		LIMIT ?`

	return r.query(ctx, query, entity.NotificationPending, now, limit)
}

func (r *MySQLSessionRepository) query(ctx context.Context, query string, args ...interface{}) ([]*entity.PaymentSession, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]*entity.PaymentSession, 0)
	for rows.Next() {
		item := &entity.PaymentSession{}
		if err := scanSession(rows, item); err != nil {
			return nil, err
		}
		sessions = append(sessions, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// allowedTerminalSources lists the statuses a session may leave for target.
// Confirmation requires a submitted gateway transaction; failure and expiry may
// also happen before submission.
func allowedTerminalSources(target entity.SessionStatus) []entity.SessionStatus {
	switch target {
	case entity.SessionStatusConfirmed:
		return []entity.SessionStatus{entity.SessionStatusSubmitted}
	case entity.SessionStatusFailed, entity.SessionStatusExpired:
		return []entity.SessionStatus{entity.SessionStatusCreated, entity.SessionStatusSubmitted}
	default:
		return nil
	}
}

func paidOrderAssignment(target entity.SessionStatus) string {
	if target == entity.SessionStatusConfirmed {
		return `
			paid_order_id = order_id,`
	}
	return ""
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(scan rowScanner, session *entity.PaymentSession) error {
	var status string
	var reason sql.NullString
	var transactionRef sql.NullString
	var redirectURL sql.NullString
	var notificationNextAt sql.NullTime
	var notificationLastErr sql.NullString

	err := scan.Scan(
		&session.SessionID,
		&session.OrderID,
		&session.Amount,
		&session.Currency,
		&session.Description,
		&session.Provider,
		&status,
		&reason,
		&transactionRef,
		&redirectURL,
		&session.ReturnURL,
		&session.NotificationStatus,
		&session.NotificationAttempts,
		&notificationNextAt,
		&notificationLastErr,
		&session.CreatedAt,
		&session.LastTransitionAt,
	)
	if err != nil {
		return err
	}

	session.Status = entity.SessionStatus(status)
	session.Reason = stringPtrFromNull(reason)
	session.GatewayTransactionRef = stringPtrFromNull(transactionRef)
	session.RedirectURL = stringPtrFromNull(redirectURL)
	session.NotificationNextAt = timePtrFromNull(notificationNextAt)
	session.NotificationLastErr = stringPtrFromNull(notificationLastErr)

	return nil
}
