package repository

import (
	"context"

	"github.com/vibast-solutions/ms-go-checkout/app/entity"
)

type SessionEventRepository struct {
	db DBTX
}

func NewSessionEventRepository(db DBTX) *SessionEventRepository {
	return &SessionEventRepository{db: db}
}

func (r *SessionEventRepository) Create(ctx context.Context, event *entity.SessionEvent) error {
	query := `
		INSERT INTO session_events (
			session_id, event_type, old_status, new_status, reason, payload_json, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	var oldStatus interface{}
	if event.OldStatus != nil {
		oldStatus = string(*event.OldStatus)
	}

	result, err := r.db.ExecContext(ctx, query,
		event.SessionID,
		event.EventType,
		oldStatus,
		string(event.NewStatus),
		nullableStringValue(event.Reason),
		nullableStringValue(event.PayloadJSON),
		event.CreatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = uint64(id)

	return nil
}
