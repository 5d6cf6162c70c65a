package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPOrderWriterPostsConfirmation(t *testing.T) {
	var gotPath, gotKey, gotAPIKey string
	var got PaymentNotification
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		gotAPIKey = r.Header.Get("X-API-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	writer := NewHTTPOrderWriter(server.URL+"/", "secret", time.Second)
	require.NoError(t, writer.NotifyPaymentConfirmed(context.Background(), "order-1", "sess-1"))

	assert.Equal(t, "/orders/order-1/payment", gotPath)
	assert.Equal(t, "sess-1", gotKey)
	assert.Equal(t, "secret", gotAPIKey)
	assert.Equal(t, PaymentNotification{OrderID: "order-1", SessionID: "sess-1", Status: StatusConfirmed}, got)
}

func TestHTTPOrderWriterFailureCarriesReason(t *testing.T) {
	var got PaymentNotification
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	writer := NewHTTPOrderWriter(server.URL, "", time.Second)
	require.NoError(t, writer.NotifyPaymentFailed(context.Background(), "order-1", "sess-1", "GatewayRejected"))
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "GatewayRejected", got.Reason)
}

func TestHTTPOrderWriterNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	writer := NewHTTPOrderWriter(server.URL, "", time.Second)
	err := writer.NotifyPaymentConfirmed(context.Background(), "order-1", "sess-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=503")
}

func TestNotificationRequiresIdentifiers(t *testing.T) {
	writer := NewHTTPOrderWriter("http://localhost", "", time.Second)
	err := writer.NotifyPaymentConfirmed(context.Background(), "", "sess-1")
	assert.ErrorIs(t, err, ErrDeliveryRejected)
}

type recordingWriter struct {
	messages []kafka.Message
	err      error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaOrderWriterPublishesKeyedEvent(t *testing.T) {
	rec := &recordingWriter{}
	writer := &KafkaOrderWriter{writer: rec}

	require.NoError(t, writer.NotifyPaymentFailed(context.Background(), "order-9", "sess-9", "StalenessThresholdExceeded"))
	require.Len(t, rec.messages, 1)

	msg := rec.messages[0]
	assert.Equal(t, "order-9", string(msg.Key))
	require.NotEmpty(t, msg.Headers)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, EventPaymentFailed, string(msg.Headers[0].Value))

	var body PaymentNotification
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "sess-9", body.SessionID)
	assert.Equal(t, "StalenessThresholdExceeded", body.Reason)
}

func TestKafkaOrderWriterPropagatesWriteError(t *testing.T) {
	boom := errors.New("leader not available")
	writer := &KafkaOrderWriter{writer: &recordingWriter{err: boom}}
	assert.ErrorIs(t, writer.NotifyPaymentConfirmed(context.Background(), "order-1", "sess-1"), boom)
}
