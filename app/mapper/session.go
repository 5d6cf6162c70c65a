package mapper

import (
	"time"

	"github.com/vibast-solutions/ms-go-checkout/app/entity"
	"github.com/vibast-solutions/ms-go-checkout/app/service"
	"github.com/vibast-solutions/ms-go-checkout/app/types"
)

func SessionToResponse(item *entity.PaymentSession) *types.Session {
	if item == nil {
		return nil
	}

	return &types.Session{
		SessionID:             item.SessionID,
		OrderID:               item.OrderID,
		Amount:                item.Amount,
		Currency:              item.Currency,
		Description:           item.Description,
		Provider:              providerName(item.Provider),
		Status:                string(item.Status),
		Reason:                derefString(item.Reason),
		GatewayTransactionRef: derefString(item.GatewayTransactionRef),
		RedirectURL:           derefString(item.RedirectURL),
		NotificationStatus:    notificationStatusName(item.NotificationStatus),
		NotificationAttempts:  item.NotificationAttempts,
		CreatedAt:             item.CreatedAt.UTC().Format(time.RFC3339),
		LastTransitionAt:      item.LastTransitionAt.UTC().Format(time.RFC3339),
	}
}

func SessionsToResponse(items []*entity.PaymentSession) []*types.Session {
	result := make([]*types.Session, 0, len(items))
	for _, item := range items {
		result = append(result, SessionToResponse(item))
	}
	return result
}

func CheckoutResultToResponse(result *service.CheckoutResult) *types.CheckoutResponse {
	if result == nil {
		return nil
	}

	return &types.CheckoutResponse{
		SessionID:   result.SessionID,
		OrderID:     result.OrderID,
		Amount:      result.Amount,
		Currency:    result.Currency,
		Status:      string(result.Status),
		RedirectURL: result.RedirectURL,
		Reused:      result.Reused,
	}
}

func providerName(code int32) string {
	switch code {
	case entity.ProviderPayPay:
		return "paypay"
	default:
		return "unknown"
	}
}

func notificationStatusName(status int32) string {
	switch status {
	case entity.NotificationNone:
		return "none"
	case entity.NotificationPending:
		return "pending"
	case entity.NotificationSuccess:
		return "delivered"
	case entity.NotificationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func CartFromRequest(items []types.CartItem) entity.CartSnapshot {
	cart := entity.CartSnapshot{Items: make([]entity.CartItem, 0, len(items))}
	for _, item := range items {
		cart.Items = append(cart.Items, entity.CartItem{
			ItemID:    item.ItemID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return cart
}
