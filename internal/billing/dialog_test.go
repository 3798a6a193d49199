package billing

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-dashboard/internal/models"
)

type dialogFixture struct {
	gw       *fakeGateway
	invoices *fakeInvoices
	intents  *fakeIntents
	success  atomic.Int32
	dialog   *Dialog
}

func newDialogFixture(t *testing.T, cfg DialogConfig, ref IntentRef) *dialogFixture {
	t.Helper()
	fx := &dialogFixture{
		gw:       &fakeGateway{method: models.PaymentMethodCrypto},
		invoices: newFakeInvoices(),
		intents:  newFakeIntents(),
	}
	deps := DialogDeps{
		Factory:  NewIntentFactory(testPlans, fx.invoices, "https://dash.example"),
		Gateways: map[models.PaymentMethod]Gateway{models.PaymentMethodCrypto: fx.gw},
		Intents:  fx.intents,
	}
	fx.dialog = NewDialog(context.Background(), deps, cfg, testAccount, ref, models.BillingCycleMonthly, func(models.PaymentIntent, models.PaymentHandle) {
		fx.success.Add(1)
	})
	t.Cleanup(func() { _ = fx.dialog.Cancel() })
	return fx
}

func fastConfig() DialogConfig {
	return DialogConfig{
		PaymentWindow:   time.Hour,
		TickInterval:    5 * time.Millisecond,
		RefreshInterval: time.Hour,
		Poll:            PollerConfig{Interval: 2 * time.Millisecond, MaxAttempts: 1000},
	}
}

func waitState(t *testing.T, d *Dialog, want DialogState) {
	t.Helper()
	require.Eventually(t, func() bool { return d.State() == want }, 3*time.Second, time.Millisecond, "state %s", want)
}

func waitSuccess(t *testing.T, fx *dialogFixture) {
	t.Helper()
	require.Eventually(t, func() bool { return fx.success.Load() == 1 }, 3*time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), fx.success.Load())
}

func TestDialogCryptoHappyPath(t *testing.T) {
	fx := newDialogFixture(t, fastConfig(), IntentRef{PlanID: "pro"})
	fx.gw.setStatusFn(func(call int) (models.PaymentStatus, error) {
		switch {
		case call < 3:
			return models.PaymentStatusWaiting, nil
		case call < 5:
			return models.PaymentStatusConfirming, nil
		}
		return models.PaymentStatusFinished, nil
	})

	currencies, err := fx.dialog.Currencies(context.Background(), models.PaymentMethodCrypto)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC", "ETH"}, currencies)

	handle, err := fx.dialog.Submit(context.Background(), models.PaymentMethodCrypto, "btc")
	require.NoError(t, err)
	assert.Equal(t, "bc1qfake", handle.PayAddress)

	waitState(t, fx.dialog, StateConfirmation)
	waitSuccess(t, fx)

	snap := fx.dialog.Snapshot()
	assert.Equal(t, models.PaymentStatusFinished, snap.Status)
	assert.NoError(t, snap.Error)
	assert.Equal(t, "inv_1", snap.InvoiceID)

	require.Len(t, fx.intents.created, 1)
	assert.Equal(t, "pay_1", fx.intents.attached[fx.intents.created[0].OrderID])

	calls := fx.gw.calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, fx.gw.calls(), "poller must stop after completion")
}

func TestDialogStaysInSelectWhenCreateFails(t *testing.T) {
	fx := newDialogFixture(t, fastConfig(), IntentRef{PlanID: "pro"})
	fx.gw.createErr = &models.ProcessorError{Kind: models.ErrProcessorUnavailable, Processor: "fake", StatusCode: 503}

	_, err := fx.dialog.Submit(context.Background(), models.PaymentMethodCrypto, "btc")
	assert.ErrorIs(t, err, models.ErrProcessorUnavailable)
	assert.Equal(t, StateSelect, fx.dialog.State())
	assert.ErrorIs(t, fx.dialog.Snapshot().Error, models.ErrProcessorUnavailable)
	assert.Zero(t, fx.gw.calls())
}

func TestDialogFreePlanIsRejected(t *testing.T) {
	fx := newDialogFixture(t, fastConfig(), IntentRef{PlanID: "free"})

	_, err := fx.dialog.Submit(context.Background(), models.PaymentMethodCrypto, "btc")
	assert.ErrorIs(t, err, ErrFreePlan)
	assert.Equal(t, StateSelect, fx.dialog.State())
	assert.Zero(t, fx.gw.creates)
}

func TestDialogRetryAfterFailureUsesNewOrderID(t *testing.T) {
	fx := newDialogFixture(t, fastConfig(), IntentRef{PlanID: "pro"})
	fx.gw.setStatusFn(func(int) (models.PaymentStatus, error) { return models.PaymentStatusFailed, nil })

	_, err := fx.dialog.Submit(context.Background(), models.PaymentMethodCrypto, "btc")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fx.dialog.Snapshot().CanRetry }, 3*time.Second, time.Millisecond)
	snap := fx.dialog.Snapshot()
	assert.Equal(t, StatePayment, snap.State)
	assert.ErrorIs(t, snap.Error, ErrPaymentFailed)
	firstOrder := snap.OrderID

	require.NoError(t, fx.dialog.Retry())
	assert.Equal(t, StateSelect, fx.dialog.State())

	fx.gw.setStatusFn(func(int) (models.PaymentStatus, error) { return models.PaymentStatusFinished, nil })
	_, err = fx.dialog.Submit(context.Background(), models.PaymentMethodCrypto, "btc")
	require.NoError(t, err)
	waitState(t, fx.dialog, StateConfirmation)

	require.Len(t, fx.intents.created, 2)
	assert.Equal(t, firstOrder, fx.intents.created[0].OrderID)
	assert.NotEqual(t, fx.intents.created[0].OrderID, fx.intents.created[1].OrderID)
	assert.Equal(t, fx.intents.created[0].InvoiceID, fx.intents.created[1].InvoiceID)
	assert.Equal(t, 1, fx.invoices.created)
	waitSuccess(t, fx)
	_, abandoned := fx.intents.abandonReason(firstOrder)
	assert.False(t, abandoned)
}

func TestDialogRetryNotAllowedWhilePending(t *testing.T) {
	fx := newDialogFixture(t, fastConfig(), IntentRef{PlanID: "pro"})
	_, err := fx.dialog.Submit(context.Background(), models.PaymentMethodCrypto, "btc")
	require.NoError(t, err)

	assert.ErrorIs(t, fx.dialog.Retry(), ErrInvalidTransition)
	_, err = fx.dialog.Submit(context.Background(), models.PaymentMethodCrypto, "btc")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDialogCountdownExpiryDoesNotStopPoller(t *testing.T) {
	cfg := fastConfig()
	cfg.PaymentWindow = 30 * time.Millisecond
	fx := newDialogFixture(t, cfg, IntentRef{PlanID: "pro"})

	var paid atomic.Bool
	fx.gw.setStatusFn(func(int) (models.PaymentStatus, error) {
		if paid.Load() {
			return models.PaymentStatusFinished, nil
		}
		return models.PaymentStatusWaiting, nil
	})

	_, err := fx.dialog.Submit(context.Background(), models.PaymentMethodCrypto, "btc")
	require.NoError(t, err)
	orderID := fx.dialog.Snapshot().OrderID

	require.Eventually(t, func() bool { return fx.dialog.Snapshot().Expired }, 3*time.Second, time.Millisecond)
	snap := fx.dialog.Snapshot()
	assert.ErrorIs(t, snap.Error, ErrPaymentWindowClosed)
	assert.Zero(t, snap.RemainingSeconds)
	assert.Equal(t, StatePayment, snap.State)

	require.Eventually(t, func() bool {
		reason, ok := fx.intents.abandonReason(orderID)
		return ok && reason == models.AbandonReasonExpired
	}, 3*time.Second, time.Millisecond)

	paid.Store(true)
	waitState(t, fx.dialog, StateConfirmation)
	waitSuccess(t, fx)
}

func TestDialogPollingTimeoutIsNotFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.Poll.MaxAttempts = 3
	fx := newDialogFixture(t, cfg, IntentRef{PlanID: "pro"})

	_, err := fx.dialog.Submit(context.Background(), models.PaymentMethodCrypto, "btc")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fx.dialog.Snapshot().Error != nil }, 3*time.Second, time.Millisecond)
	snap := fx.dialog.Snapshot()
	assert.ErrorIs(t, snap.Error, models.ErrPollingTimeout)
	assert.False(t, snap.CanRetry)
	assert.Equal(t, StatePayment, snap.State)
	assert.Equal(t, 3, fx.gw.calls())
}

func TestDialogCancelStopsPollingAndMarksAbandoned(t *testing.T) {
	fx := newDialogFixture(t, fastConfig(), IntentRef{PlanID: "pro"})
	_, err := fx.dialog.Submit(context.Background(), models.PaymentMethodCrypto, "btc")
	require.NoError(t, err)
	orderID := fx.dialog.Snapshot().OrderID

	require.Eventually(t, func() bool { return fx.gw.calls() >= 2 }, 3*time.Second, time.Millisecond)
	require.NoError(t, fx.dialog.Cancel())
	require.NoError(t, fx.dialog.Cancel())
	assert.Equal(t, StateClosed, fx.dialog.State())

	reason, ok := fx.intents.abandonReason(orderID)
	require.True(t, ok)
	assert.Equal(t, models.AbandonReasonCancelled, reason)

	time.Sleep(10 * time.Millisecond)
	calls := fx.gw.calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, fx.gw.calls())
	assert.Zero(t, fx.success.Load())
	assert.Nil(t, fx.dialog.Snapshot().Payment)
}

func TestDialogRefreshDoesNotConsumePollBudget(t *testing.T) {
	cfg := fastConfig()
	cfg.Poll = PollerConfig{Interval: time.Hour, MaxAttempts: 2}
	cfg.RefreshInterval = time.Hour
	fx := newDialogFixture(t, cfg, IntentRef{PlanID: "pro"})

	_, err := fx.dialog.Submit(context.Background(), models.PaymentMethodCrypto, "btc")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fx.gw.calls() == 1 }, time.Second, time.Millisecond)

	status, err := fx.dialog.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusWaiting, status)

	_, err = fx.dialog.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshTooFrequent)
	assert.Nil(t, fx.dialog.Snapshot().Error)
}

func TestDialogRefreshSettlesOnce(t *testing.T) {
	cfg := fastConfig()
	cfg.Poll = PollerConfig{Interval: time.Hour, MaxAttempts: 2}
	cfg.RefreshInterval = time.Millisecond
	fx := newDialogFixture(t, cfg, IntentRef{PlanID: "pro"})

	_, err := fx.dialog.Submit(context.Background(), models.PaymentMethodCrypto, "btc")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fx.gw.calls() == 1 }, time.Second, time.Millisecond)

	fx.gw.setStatusFn(func(int) (models.PaymentStatus, error) { return models.PaymentStatusConfirmed, nil })
	status, err := fx.dialog.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusConfirmed, status)
	assert.Equal(t, StateConfirmation, fx.dialog.State())

	time.Sleep(5 * time.Millisecond)
	_, err = fx.dialog.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, int32(1), fx.success.Load())
}

func TestRegistryScopesByAccountAndSweeps(t *testing.T) {
	fx := newDialogFixture(t, fastConfig(), IntentRef{PlanID: "pro"})
	reg := NewRegistry(time.Minute)
	reg.Add(fx.dialog)

	got, err := reg.Get(fx.dialog.ID, "acc_1")
	require.NoError(t, err)
	assert.Same(t, fx.dialog, got)

	_, err = reg.Get(fx.dialog.ID, "acc_2")
	assert.ErrorIs(t, err, ErrDialogNotFound)

	assert.Zero(t, reg.Sweep())
	reg.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.Equal(t, 1, reg.Sweep())
	assert.Equal(t, StateClosed, fx.dialog.State())
	assert.Zero(t, reg.Len())
}

func TestPaymentURI(t *testing.T) {
	uri, err := PaymentURI(models.PaymentHandle{Method: models.PaymentMethodCrypto, PayAddress: "bc1qaddr", PayAmount: "0.0007", PayCurrency: "BTC"})
	require.NoError(t, err)
	assert.Equal(t, "bitcoin:bc1qaddr?amount=0.0007", uri)

	uri, err = PaymentURI(models.PaymentHandle{Method: models.PaymentMethodCrypto, PayAddress: "TXYZ", PayCurrency: "USDTTRC20"})
	require.NoError(t, err)
	assert.Equal(t, "TXYZ", uri)

	png, err := PaymentQR(models.PaymentHandle{Method: models.PaymentMethodCard, AuthorizationURL: "https://checkout.paystack.com/abc"}, 128)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}
