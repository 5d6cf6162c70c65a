package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vibast-solutions/ms-go-checkout/app/entity"
	"github.com/vibast-solutions/ms-go-checkout/app/idempotency"
	"github.com/vibast-solutions/ms-go-checkout/app/provider"
	"github.com/vibast-solutions/ms-go-checkout/app/repository"
	"github.com/vibast-solutions/ms-go-checkout/config"
)

type fakeGateway struct {
	mu          sync.Mutex
	createCalls int
	statusCalls int
	createFn    func(call int, input *provider.CreateInput) (*provider.CreateOutput, error)
	status      provider.GatewayStatus
	statusErr   error
	event       *provider.CallbackEvent
	eventErr    error
}

func (g *fakeGateway) Code() int32               { return entity.ProviderPayPay }
func (g *fakeGateway) Name() string              { return "paypay" }
func (g *fakeGateway) MaxDescriptionLength() int { return 255 }

func (g *fakeGateway) CreateTransaction(_ context.Context, input *provider.CreateInput) (*provider.CreateOutput, error) {
	g.mu.Lock()
	g.createCalls++
	call := g.createCalls
	fn := g.createFn
	g.mu.Unlock()

	if fn != nil {
		return fn(call, input)
	}
	return &provider.CreateOutput{TransactionRef: "T1", RedirectURL: "https://qr.paypay.example/T1"}, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, _ *provider.StatusInput) (provider.GatewayStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	if g.statusErr != nil {
		return "", g.statusErr
	}
	if g.status == "" {
		return provider.GatewayStatusPending, nil
	}
	return g.status, nil
}

func (g *fakeGateway) VerifyAndParseCallback(_ context.Context, _ []byte, _ string) (*provider.CallbackEvent, error) {
	return g.event, g.eventErr
}

func (g *fakeGateway) calls() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls, g.statusCalls
}

type spySessionRepo struct {
	*repository.MemorySessionRepository
	creates int32
}

func (r *spySessionRepo) Create(ctx context.Context, session *entity.PaymentSession) error {
	atomic.AddInt32(&r.creates, 1)
	return r.MemorySessionRepository.Create(ctx, session)
}

type notification struct {
	orderID   string
	sessionID string
	reason    string
}

type fakeOrderWriter struct {
	mu        sync.Mutex
	confirmed []notification
	failed    []notification
	err       error
}

func (w *fakeOrderWriter) NotifyPaymentConfirmed(_ context.Context, orderID, sessionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.confirmed = append(w.confirmed, notification{orderID: orderID, sessionID: sessionID})
	return nil
}

func (w *fakeOrderWriter) NotifyPaymentFailed(_ context.Context, orderID, sessionID, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.failed = append(w.failed, notification{orderID: orderID, sessionID: sessionID, reason: reason})
	return nil
}

func (w *fakeOrderWriter) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.confirmed), len(w.failed)
}

type fakeLocker struct {
	deny bool
}

func (l *fakeLocker) Acquire(_ context.Context, _ string, _ time.Duration) (string, bool, error) {
	if l.deny {
		return "", false, nil
	}
	return "token", true, nil
}

func (l *fakeLocker) Release(_ context.Context, _, _ string) error { return nil }

type testEnv struct {
	svc       *CheckoutService
	repo      *spySessionRepo
	events    *repository.MemorySessionEventRepository
	callbacks *repository.MemoryGatewayCallbackRepository
	gateway   *fakeGateway
	writer    *fakeOrderWriter
	locker    *fakeLocker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:      &spySessionRepo{MemorySessionRepository: repository.NewMemorySessionRepository()},
		events:    repository.NewMemorySessionEventRepository(),
		callbacks: repository.NewMemoryGatewayCallbackRepository(),
		gateway:   &fakeGateway{},
		writer:    &fakeOrderWriter{},
		locker:    &fakeLocker{},
	}
	env.svc = NewCheckoutService(
		env.repo,
		env.events,
		env.callbacks,
		provider.NewRegistry(env.gateway),
		idempotency.NewUUIDKeyGenerator(),
		env.writer,
		env.locker,
		nil,
		config.CheckoutConfig{
			Currency:       "JPY",
			RetryAttempts:  3,
			RetryBaseDelay: time.Millisecond,
			Budget:         2 * time.Second,
			PendingPoll:    5 * time.Millisecond,
			ReturnBaseURL:  "https://checkout.example",
		},
		config.SessionsConfig{
			NotificationMaxAttempts:   3,
			NotificationRetryInterval: time.Minute,
			NotificationTimeout:       time.Second,
			ReconcileAfter:            2 * time.Minute,
			StalenessThreshold:        15 * time.Minute,
			CreatedTimeout:            5 * time.Minute,
			JobBatchSize:              10,
		},
	)
	return env
}

func sampleCart() entity.CartSnapshot {
	return entity.CartSnapshot{Items: []entity.CartItem{
		{ItemID: 1, Name: "Katsu-don", Quantity: 2, UnitPrice: 500},
		{ItemID: 2, Name: "Miso soup", Quantity: 1, UnitPrice: 300},
	}}
}

func transientErr() error {
	return &provider.GatewayError{Kind: provider.KindTransient, Op: "create", StatusCode: 503}
}

func TestBeginCheckoutSubmitsAndReconcilesToConfirmed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var captured *provider.CreateInput
	env.gateway.createFn = func(_ int, input *provider.CreateInput) (*provider.CreateOutput, error) {
		captured = input
		return &provider.CreateOutput{TransactionRef: "T1", RedirectURL: "https://qr.paypay.example/T1"}, nil
	}

	result, err := env.svc.BeginCheckout(ctx, "order-1", sampleCart())
	if err != nil {
		t.Fatalf("begin checkout failed: %v", err)
	}
	if result.Amount != 1300 || result.Status != entity.SessionStatusSubmitted {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.RedirectURL != "https://qr.paypay.example/T1" || result.Reused {
		t.Fatalf("unexpected redirect: %+v", result)
	}
	if captured.SessionID != result.SessionID || captured.Amount != 1300 || captured.Currency != "JPY" {
		t.Fatalf("unexpected gateway input: %+v", captured)
	}
	if captured.ReturnURL != "https://checkout.example/payments/return/"+result.SessionID {
		t.Fatalf("unexpected return url: %s", captured.ReturnURL)
	}
	if captured.Description != "Katsu-don, Miso soup" {
		t.Fatalf("unexpected description: %q", captured.Description)
	}

	session, err := env.svc.GetSession(ctx, result.SessionID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if session.GatewayTransactionRef == nil || *session.GatewayTransactionRef != "T1" {
		t.Fatalf("expected transaction ref T1, got %v", session.GatewayTransactionRef)
	}

	env.gateway.status = provider.GatewayStatusCompleted
	reconciled, err := env.svc.Reconcile(ctx, result.SessionID)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if reconciled.Status != entity.SessionStatusConfirmed {
		t.Fatalf("expected confirmed, got %s", reconciled.Status)
	}
	if reconciled.NotificationStatus != entity.NotificationSuccess {
		t.Fatalf("expected notification delivered, got %d", reconciled.NotificationStatus)
	}

	again, err := env.svc.Reconcile(ctx, result.SessionID)
	if err != nil {
		t.Fatalf("second reconcile failed: %v", err)
	}
	if again.Status != entity.SessionStatusConfirmed {
		t.Fatalf("expected confirmed to stay, got %s", again.Status)
	}

	confirmed, failed := env.writer.counts()
	if confirmed != 1 || failed != 0 {
		t.Fatalf("expected exactly one confirmation, got confirmed=%d failed=%d", confirmed, failed)
	}
	if _, statusCalls := env.gateway.calls(); statusCalls != 1 {
		t.Fatalf("expected terminal reconcile to skip gateway, got %d status calls", statusCalls)
	}
	if got := len(env.events.ListBySessionID(result.SessionID)); got < 3 {
		t.Fatalf("expected audit events for create/submit/confirm, got %d", got)
	}
}

func TestBeginCheckoutRefusesPaidOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.BeginCheckout(ctx, "order-1", sampleCart())
	if err != nil {
		t.Fatalf("begin checkout failed: %v", err)
	}
	env.gateway.status = provider.GatewayStatusCompleted
	if _, err := env.svc.Reconcile(ctx, first.SessionID); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	result, err := env.svc.BeginCheckout(ctx, "order-1", sampleCart())
	if !errors.Is(err, ErrOrderAlreadyPaid) {
		t.Fatalf("expected ErrOrderAlreadyPaid, got result=%+v err=%v", result, err)
	}
	if IsRetryable(err) {
		t.Fatal("paid order must not be retryable")
	}
	if creates, _ := env.gateway.calls(); creates != 1 {
		t.Fatalf("expected a single gateway transaction, got %d", creates)
	}

	sessions, err := env.svc.ListSessions(ctx, ListSessionsInput{OrderID: "order-1"})
	if err != nil {
		t.Fatalf("list sessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected only the confirmed session, got %d", len(sessions))
	}
}

func TestBeginCheckoutThreeTransientFailures(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.createFn = func(_ int, _ *provider.CreateInput) (*provider.CreateOutput, error) {
		return nil, transientErr()
	}

	_, err := env.svc.BeginCheckout(context.Background(), "order-1", sampleCart())
	if !errors.Is(err, ErrGatewayUnreachable) {
		t.Fatalf("expected ErrGatewayUnreachable, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("expected retryable error")
	}
	if creates, _ := env.gateway.calls(); creates != 3 {
		t.Fatalf("expected 3 gateway attempts, got %d", creates)
	}

	sessions, _ := env.repo.List(context.Background(), repository.SessionFilter{OrderID: "order-1"})
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	session := sessions[0]
	if session.Status != entity.SessionStatusFailed || session.Reason == nil || *session.Reason != entity.ReasonGatewayUnreachable {
		t.Fatalf("unexpected session state: %+v", session)
	}
	if session.GatewayTransactionRef != nil {
		t.Fatalf("expected no transaction ref, got %s", *session.GatewayTransactionRef)
	}

	active, _ := env.repo.FindActiveByOrderID(context.Background(), "order-1")
	if active != nil {
		t.Fatal("expected order to be free for a new attempt")
	}
}

func TestBeginCheckoutRecoversAfterTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.createFn = func(call int, _ *provider.CreateInput) (*provider.CreateOutput, error) {
		if call == 1 {
			return nil, transientErr()
		}
		return &provider.CreateOutput{TransactionRef: "T2", RedirectURL: "https://qr.paypay.example/T2"}, nil
	}

	result, err := env.svc.BeginCheckout(context.Background(), "order-1", sampleCart())
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if result.RedirectURL != "https://qr.paypay.example/T2" {
		t.Fatalf("unexpected redirect: %s", result.RedirectURL)
	}
	if creates, _ := env.gateway.calls(); creates != 2 {
		t.Fatalf("expected 2 gateway attempts, got %d", creates)
	}
}

func TestBeginCheckoutRejectedIsNotRetried(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.createFn = func(_ int, _ *provider.CreateInput) (*provider.CreateOutput, error) {
		return nil, &provider.GatewayError{Kind: provider.KindRejected, Op: "create", StatusCode: 400, Code: "INVALID_PARAMS"}
	}

	_, err := env.svc.BeginCheckout(context.Background(), "order-1", sampleCart())
	if !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatal("expected non-retryable error")
	}
	if creates, _ := env.gateway.calls(); creates != 1 {
		t.Fatalf("expected a single gateway attempt, got %d", creates)
	}

	sessions, _ := env.repo.List(context.Background(), repository.SessionFilter{OrderID: "order-1"})
	if len(sessions) != 1 || sessions[0].Reason == nil || *sessions[0].Reason != entity.ReasonGatewayRejected {
		t.Fatalf("expected failed session with GatewayRejected, got %+v", sessions)
	}
}

func TestBeginCheckoutInvalidCartNeverTouchesStore(t *testing.T) {
	cases := []struct {
		name string
		cart entity.CartSnapshot
	}{
		{name: "empty", cart: entity.CartSnapshot{}},
		{name: "zero quantity", cart: entity.CartSnapshot{Items: []entity.CartItem{{ItemID: 1, Quantity: 0, UnitPrice: 100}}}},
		{name: "zero price", cart: entity.CartSnapshot{Items: []entity.CartItem{{ItemID: 1, Quantity: 1, UnitPrice: 0}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.svc.BeginCheckout(context.Background(), "order-1", tc.cart)
			if !errors.Is(err, ErrInvalidCart) {
				t.Fatalf("expected ErrInvalidCart, got %v", err)
			}
			if got := atomic.LoadInt32(&env.repo.creates); got != 0 {
				t.Fatalf("expected store create never invoked, got %d", got)
			}
			if creates, _ := env.gateway.calls(); creates != 0 {
				t.Fatalf("expected no gateway calls, got %d", creates)
			}
		})
	}
}

func TestBeginCheckoutRequiresOrderID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.BeginCheckout(context.Background(), "  ", sampleCart())
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestBeginCheckoutConcurrentCallsShareOneSession(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.createFn = func(_ int, input *provider.CreateInput) (*provider.CreateOutput, error) {
		time.Sleep(30 * time.Millisecond)
		return &provider.CreateOutput{TransactionRef: "T-" + input.SessionID, RedirectURL: "https://qr.paypay.example/" + input.SessionID}, nil
	}

	const callers = 10
	results := make([]*CheckoutResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.BeginCheckout(context.Background(), "order-1", sampleCart())
		}(i)
	}
	wg.Wait()

	reused := 0
	var redirect string
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if redirect == "" {
			redirect = results[i].RedirectURL
		}
		if results[i].RedirectURL != redirect {
			t.Fatalf("expected identical redirect urls, got %s and %s", redirect, results[i].RedirectURL)
		}
		if results[i].Reused {
			reused++
		}
	}
	if reused != callers-1 {
		t.Fatalf("expected %d reused results, got %d", callers-1, reused)
	}
	if creates, _ := env.gateway.calls(); creates != 1 {
		t.Fatalf("expected one gateway transaction, got %d", creates)
	}

	sessions, _ := env.repo.List(context.Background(), repository.SessionFilter{OrderID: "order-1"})
	if len(sessions) != 1 {
		t.Fatalf("expected exactly one session for the order, got %d", len(sessions))
	}
}

func TestBeginCheckoutJoinsPendingThatFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pending := &entity.PaymentSession{
		SessionID: "s-pending", OrderID: "order-1", Amount: 1300, Currency: "JPY",
		Provider: entity.ProviderPayPay, CreatedAt: now, LastTransitionAt: now,
	}
	if err := env.repo.MemorySessionRepository.Create(ctx, pending); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _, _ = env.repo.MarkTerminal(ctx, "s-pending", entity.SessionStatusFailed, entity.ReasonGatewayUnreachable, time.Now().UTC())
	}()

	_, err := env.svc.BeginCheckout(ctx, "order-1", sampleCart())
	if !errors.Is(err, ErrGatewayUnreachable) {
		t.Fatalf("expected the pending attempt's failure, got %v", err)
	}
	if creates, _ := env.gateway.calls(); creates != 0 {
		t.Fatalf("expected no new gateway transaction, got %d", creates)
	}
}

func TestBeginCheckoutPendingBudgetExceeded(t *testing.T) {
	env := newTestEnv(t)
	env.svc.checkoutCfg.Budget = 40 * time.Millisecond
	ctx := context.Background()
	now := time.Now().UTC()

	if err := env.repo.MemorySessionRepository.Create(ctx, &entity.PaymentSession{
		SessionID: "s-stuck", OrderID: "order-1", Amount: 100, Currency: "JPY",
		Provider: entity.ProviderPayPay, CreatedAt: now, LastTransitionAt: now,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	_, err := env.svc.BeginCheckout(ctx, "order-1", sampleCart())
	if !errors.Is(err, ErrCheckoutInProgress) {
		t.Fatalf("expected ErrCheckoutInProgress, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("expected retryable error")
	}
}

func TestBeginCheckoutCallerCancelPersistsGatewayResult(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	env.gateway.createFn = func(_ int, _ *provider.CreateInput) (*provider.CreateOutput, error) {
		cancel()
		time.Sleep(20 * time.Millisecond)
		return &provider.CreateOutput{TransactionRef: "T9", RedirectURL: "https://qr.paypay.example/T9"}, nil
	}

	_, err := env.svc.BeginCheckout(ctx, "order-1", sampleCart())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	active, _ := env.repo.FindActiveByOrderID(context.Background(), "order-1")
	if active == nil || active.Status != entity.SessionStatusSubmitted {
		t.Fatalf("expected submitted session to be persisted, got %+v", active)
	}
	if active.GatewayTransactionRef == nil || *active.GatewayTransactionRef != "T9" {
		t.Fatalf("expected transaction ref T9, got %v", active.GatewayTransactionRef)
	}
}

func TestBeginCheckoutCallerCancelStopsRetries(t *testing.T) {
	env := newTestEnv(t)
	env.svc.checkoutCfg.RetryBaseDelay = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	env.gateway.createFn = func(_ int, _ *provider.CreateInput) (*provider.CreateOutput, error) {
		cancel()
		return nil, transientErr()
	}

	_, err := env.svc.BeginCheckout(ctx, "order-1", sampleCart())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if creates, _ := env.gateway.calls(); creates != 1 {
		t.Fatalf("expected retries to stop after cancel, got %d attempts", creates)
	}

	sessions, _ := env.repo.List(context.Background(), repository.SessionFilter{OrderID: "order-1"})
	if len(sessions) != 1 || sessions[0].Status != entity.SessionStatusFailed {
		t.Fatalf("expected failed session, got %+v", sessions)
	}
}

func TestBeginCheckoutAmountMatchesCart(t *testing.T) {
	carts := []entity.CartSnapshot{
		{Items: []entity.CartItem{{ItemID: 1, Quantity: 1, UnitPrice: 1}}},
		{Items: []entity.CartItem{{ItemID: 1, Quantity: 3, UnitPrice: 450}, {ItemID: 2, Quantity: 2, UnitPrice: 120}}},
		{Items: []entity.CartItem{{ItemID: 7, Quantity: 10, UnitPrice: 999}, {ItemID: 8, Quantity: 1, UnitPrice: 1}, {ItemID: 9, Quantity: 4, UnitPrice: 25}}},
	}

	for i, cart := range carts {
		env := newTestEnv(t)
		var want int64
		for _, item := range cart.Items {
			want += item.UnitPrice * item.Quantity
		}
		result, err := env.svc.BeginCheckout(context.Background(), fmt.Sprintf("order-%d", i), cart)
		if err != nil {
			t.Fatalf("cart %d: begin checkout failed: %v", i, err)
		}
		if result.Amount != want {
			t.Fatalf("cart %d: expected amount %d, got %d", i, want, result.Amount)
		}
	}
}

func TestListSessionsValidatesStatus(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.ListSessions(context.Background(), ListSessionsInput{Status: "paid"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	if _, err := env.svc.BeginCheckout(context.Background(), "order-1", sampleCart()); err != nil {
		t.Fatalf("begin checkout failed: %v", err)
	}
	items, err := env.svc.ListSessions(context.Background(), ListSessionsInput{Status: "SUBMITTED"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one submitted session, got %d", len(items))
	}
}

func TestGetSessionNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.GetSession(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
