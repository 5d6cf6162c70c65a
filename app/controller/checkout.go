package controller

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-checkout/app/entity"
	"github.com/vibast-solutions/ms-go-checkout/app/factory"
	"github.com/vibast-solutions/ms-go-checkout/app/mapper"
	"github.com/vibast-solutions/ms-go-checkout/app/service"
	"github.com/vibast-solutions/ms-go-checkout/app/types"
)

type checkoutService interface {
	BeginCheckout(ctx context.Context, orderID string, cart entity.CartSnapshot) (*service.CheckoutResult, error)
	GetSession(ctx context.Context, sessionID string) (*entity.PaymentSession, error)
	ListSessions(ctx context.Context, input service.ListSessionsInput) ([]*entity.PaymentSession, error)
	Reconcile(ctx context.Context, sessionID string) (*entity.PaymentSession, error)
	HandleGatewayCallback(ctx context.Context, input service.GatewayCallbackInput) (*entity.PaymentSession, error)
}

type CheckoutController struct {
	checkoutService   checkoutService
	frontendResultURL string
	logger            logrus.FieldLogger
}

func NewCheckoutController(checkoutService checkoutService, frontendResultURL string) *CheckoutController {
	return &CheckoutController{
		checkoutService:   checkoutService,
		frontendResultURL: strings.TrimRight(strings.TrimSpace(frontendResultURL), "/"),
		logger:            factory.NewModuleLogger("checkout-controller"),
	}
}

func (c *CheckoutController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok"})
}

func (c *CheckoutController) BeginCheckout(ctx echo.Context) error {
	req, err := types.NewBeginCheckoutRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.checkoutService.BeginCheckout(ctx.Request().Context(), req.OrderID, mapper.CartFromRequest(req.Items))
	if err != nil {
		return c.writeServiceError(ctx, err, "Begin checkout failed")
	}

	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	return ctx.JSON(status, mapper.CheckoutResultToResponse(result))
}

func (c *CheckoutController) GetSession(ctx echo.Context) error {
	req, err := types.NewSessionRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.checkoutService.GetSession(ctx.Request().Context(), req.SessionID)
	if err != nil {
		return c.writeServiceError(ctx, err, "Get session failed")
	}

	return ctx.JSON(http.StatusOK, &types.SessionEnvelopeResponse{Session: mapper.SessionToResponse(item)})
}

func (c *CheckoutController) ListSessions(ctx echo.Context) error {
	req, err := types.NewListSessionsRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	items, err := c.checkoutService.ListSessions(ctx.Request().Context(), service.ListSessionsInput{
		OrderID: req.OrderID,
		Status:  req.Status,
		Limit:   req.Limit,
		Offset:  req.Offset,
	})
	if err != nil {
		return c.writeServiceError(ctx, err, "List sessions failed")
	}

	return ctx.JSON(http.StatusOK, &types.ListSessionsResponse{Sessions: mapper.SessionsToResponse(items)})
}

func (c *CheckoutController) ReconcileSession(ctx echo.Context) error {
	req, err := types.NewSessionRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.checkoutService.Reconcile(ctx.Request().Context(), req.SessionID)
	if err != nil {
		return c.writeServiceError(ctx, err, "Reconcile session failed")
	}

	return ctx.JSON(http.StatusOK, &types.SessionEnvelopeResponse{Session: mapper.SessionToResponse(item)})
}

// PaymentReturn is where the gateway sends the browser after payment. The
// session is reconciled before the user is forwarded to the result page.
func (c *CheckoutController) PaymentReturn(ctx echo.Context) error {
	req, err := types.NewSessionRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	logger := factory.LoggerWithContext(c.logger, ctx).WithField("session_id", req.SessionID)
	item, err := c.checkoutService.Reconcile(ctx.Request().Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			return c.writeError(ctx, http.StatusNotFound, "payment session not found")
		}
		logger.WithError(err).Warn("Reconcile on return failed, using stored status")
		item, err = c.checkoutService.GetSession(ctx.Request().Context(), req.SessionID)
		if err != nil {
			return c.writeServiceError(ctx, err, "Payment return failed")
		}
	}

	if c.frontendResultURL == "" {
		return ctx.JSON(http.StatusOK, &types.SessionEnvelopeResponse{Session: mapper.SessionToResponse(item)})
	}

	target := c.frontendResultURL + "/" + url.PathEscape(item.SessionID) + "?status=" + url.QueryEscape(string(item.Status))
	return ctx.Redirect(http.StatusFound, target)
}

func (c *CheckoutController) GatewayWebhook(ctx echo.Context) error {
	req, err := types.NewGatewayCallbackRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	_, err = c.checkoutService.HandleGatewayCallback(ctx.Request().Context(), service.GatewayCallbackInput{
		Provider:  req.Provider,
		Signature: req.Signature,
		Payload:   req.Payload,
	})
	if err != nil {
		// The callback is stored, so a failed gateway query leaves the session
		// to the reconcile job. Acknowledge to stop redelivery.
		if errors.Is(err, service.ErrGatewayUnreachable) || errors.Is(err, service.ErrGatewayRejected) {
			factory.LoggerWithContext(c.logger, ctx).WithError(err).Warn("Gateway callback stored, reconcile deferred")
			return ctx.JSON(http.StatusAccepted, &types.MessageResponse{Message: "Gateway callback accepted"})
		}
		return c.writeServiceError(ctx, err, "Handle gateway callback failed")
	}

	return ctx.JSON(http.StatusOK, &types.MessageResponse{Message: "Gateway callback processed"})
}

func (c *CheckoutController) writeServiceError(ctx echo.Context, err error, logMessage string) error {
	retryable := service.IsRetryable(err)
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrInvalidCart),
		errors.Is(err, service.ErrProviderUnsupported), errors.Is(err, service.ErrCallbackRejected):
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrSessionNotFound):
		return c.writeError(ctx, http.StatusNotFound, "payment session not found")
	case errors.Is(err, service.ErrOrderAlreadyPaid):
		return c.writeError(ctx, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrCheckoutInProgress):
		return c.writeRetryableError(ctx, http.StatusConflict, err.Error(), retryable)
	case errors.Is(err, service.ErrGatewayRejected):
		return c.writeError(ctx, http.StatusBadGateway, service.ErrGatewayRejected.Error())
	case errors.Is(err, service.ErrGatewayUnreachable):
		return c.writeRetryableError(ctx, http.StatusServiceUnavailable, service.ErrGatewayUnreachable.Error(), retryable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return c.writeRetryableError(ctx, http.StatusServiceUnavailable, "request cancelled", true)
	default:
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error(logMessage)
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}
}

func (c *CheckoutController) writeError(ctx echo.Context, statusCode int, message string) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Error: message})
}

func (c *CheckoutController) writeRetryableError(ctx echo.Context, statusCode int, message string, retryable bool) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Error: message, Retryable: retryable})
}
