package repository

import (
	"context"

	"github.com/vibast-solutions/ms-go-checkout/app/entity"
)

type GatewayCallbackRepository struct {
	db DBTX
}

func NewGatewayCallbackRepository(db DBTX) *GatewayCallbackRepository {
	return &GatewayCallbackRepository{db: db}
}

func (r *GatewayCallbackRepository) Create(ctx context.Context, callback *entity.GatewayCallback) error {
	query := `
		INSERT INTO gateway_callbacks (
			session_id, provider, signature, payload_json, status, error, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(callback.SessionID),
		callback.Provider,
		callback.Signature,
		callback.PayloadJSON,
		callback.Status,
		nullableStringValue(callback.Error),
		callback.CreatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	callback.ID = uint64(id)

	return nil
}
