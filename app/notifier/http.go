package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type HTTPOrderWriter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPOrderWriter(baseURL, apiKey string, timeout time.Duration) *HTTPOrderWriter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPOrderWriter{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: timeout},
	}
}

func (w *HTTPOrderWriter) NotifyPaymentConfirmed(ctx context.Context, orderID, sessionID string) error {
	return w.post(ctx, orderID, sessionID, StatusConfirmed, "")
}

func (w *HTTPOrderWriter) NotifyPaymentFailed(ctx context.Context, orderID, sessionID, reason string) error {
	return w.post(ctx, orderID, sessionID, StatusFailed, reason)
}

func (w *HTTPOrderWriter) post(ctx context.Context, orderID, sessionID, status, reason string) error {
	payload, err := newNotification(orderID, sessionID, status, reason)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint := w.baseURL + "/orders/" + url.PathEscape(orderID) + "/payment"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", sessionID)
	req.Header.Set("Idempotency-Key", sessionID)
	if w.apiKey != "" {
		req.Header.Set("X-API-Key", w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("order service returned status=%d", resp.StatusCode)
	}
	return nil
}
