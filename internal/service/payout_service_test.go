package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/gig-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/gig-escrow/internal/gateway"
	"github.com/ignatzorin/gig-escrow/internal/gateway/fake"
	"github.com/ignatzorin/gig-escrow/internal/pkg/apperror"
)

var sweepAt = testStart.Add(30 * 24 * time.Hour)

func TestPayoutService_Sweep_BundlesReleasedTransactions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sellerID := env.activeSeller(t)
	first := env.releasedOrder(t, sellerID, 10000, testStart)
	second := env.releasedOrder(t, sellerID, 5000, testStart.Add(24*time.Hour))
	// Ещё не разблокирована.
	env.releasedOrder(t, sellerID, 7000, sweepAt.Add(-24*time.Hour))

	report, err := env.payouts.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	require.Len(t, report.Created, 1)

	payout := report.Created[0]
	assert.Equal(t, sellerID, payout.SellerID)
	assert.Equal(t, first.SellerAmount+second.SellerAmount, payout.Amount)
	assert.ElementsMatch(t, []uuid.UUID{first.ID, second.ID}, payout.TransactionIDs)
	assert.Equal(t, valueobject.PayoutStatusProcessing, payout.Status)
	assert.Equal(t, payout.Amount, report.TotalAmount["EUR"])

	// Повторный проход не выплачивает те же транзакции.
	report, err = env.payouts.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Empty(t, report.Created)
	assert.Equal(t, 1, env.gw.PayoutCount())
}

func TestPayoutService_Sweep_DefersRestrictedSeller(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sellerID := uuid.New()
	onboarding, err := env.connect.CreateAccount(ctx, sellerID, "DE")
	require.NoError(t, err)
	env.gw.SetAccountStatus(onboarding.AccountID, gateway.AccountStatus{ChargesEnabled: true, DetailsSubmitted: true})
	txn := env.releasedOrder(t, sellerID, 10000, testStart)

	report, err := env.payouts.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Empty(t, report.Created)
	require.Len(t, report.Deferred, 1)
	assert.Equal(t, DeferRestricted, report.Deferred[0].Reason)
	assert.Equal(t, 0, env.gw.Calls(fake.OpCreatePayout))

	stored, err := env.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, stored.PayoutPending)

	// После включения выплат средства уходят следующим проходом.
	env.gw.SetAccountStatus(onboarding.AccountID, gateway.AccountStatus{ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: true})
	report, err = env.payouts.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	require.Len(t, report.Created, 1)

	stored, err = env.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, stored.PayoutPending)
}

func TestPayoutService_Sweep_BelowMinimumAndMissingAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	small := env.activeSeller(t)
	env.releasedOrder(t, small, 3000, testStart)
	env.releasedOrder(t, uuid.New(), 10000, testStart)

	report, err := env.payouts.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Empty(t, report.Created)

	reasons := map[string]bool{}
	for _, d := range report.Deferred {
		reasons[d.Reason] = true
	}
	assert.True(t, reasons[DeferBelowMinimum])
	assert.True(t, reasons[DeferNoAccount])
}

func TestPayoutService_Sweep_ExcludesDisputed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sellerID := env.activeSeller(t)
	txn := env.releasedOrder(t, sellerID, 10000, testStart)

	_, err := env.escrow.OpenDispute(ctx, txn.OrderID, txn.BuyerID, RoleBuyer)
	require.NoError(t, err)

	report, err := env.payouts.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Empty(t, report.Created)
}

func TestPayoutService_Sweep_LeaseHeldElsewhere(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ok, err := env.store.AcquireLease(ctx, SweepLeaseName, "other-instance", time.Hour, sweepAt)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := env.payouts.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	report, err = env.payouts.Sweep(ctx, sweepAt.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, report.Skipped)
}

func TestPayoutService_RejectedPayoutCanBeRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sellerID := env.activeSeller(t)
	env.releasedOrder(t, sellerID, 10000, testStart)
	env.gw.FailNext(fake.OpCreatePayout, gateway.Reject("account_closed", "destination closed"))

	report, err := env.payouts.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	require.Len(t, report.Created, 1)
	payout := report.Created[0]
	assert.Equal(t, valueobject.PayoutStatusFailed, payout.Status)
	require.NotNil(t, payout.FailureCode)
	assert.Equal(t, "account_closed", *payout.FailureCode)

	retried, err := env.payouts.RetryPayout(ctx, payout.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.PayoutStatusProcessing, retried.Status)
	assert.Equal(t, 2, retried.AttemptNumber)

	_, err = env.payouts.RetryPayout(ctx, payout.ID)
	assert.True(t, apperror.IsInconsistentState(err))
}

func TestPayoutService_TransientPayoutIsResubmitted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sellerID := env.activeSeller(t)
	env.releasedOrder(t, sellerID, 10000, testStart)
	boom := gateway.Transient(assert.AnError)
	env.gw.FailNext(fake.OpCreatePayout, boom, boom)

	report, err := env.payouts.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	require.Len(t, report.Created, 1)
	assert.Equal(t, valueobject.PayoutStatusPending, report.Created[0].Status)

	report, err = env.payouts.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resubmitted)
	assert.Empty(t, report.Created)

	payouts, err := env.payouts.ListSellerPayouts(ctx, sellerID, 10, 0)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, valueobject.PayoutStatusProcessing, payouts[0].Status)
	assert.Equal(t, 1, env.gw.PayoutCount())
}

func TestPayoutService_Sweep_RefundWhileCheckingAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sellerID := env.staleSeller(t)
	txn := env.releasedOrder(t, sellerID, 10000, testStart)

	// Возврат проходит между выборкой разблокированных транзакций и созданием выплаты.
	var refundErr error
	env.gw.Before(fake.OpAccountStatus, func() {
		_, refundErr = env.escrow.Refund(ctx, txn.ID, nil, "buyer complaint")
	})

	report, err := env.payouts.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	require.NoError(t, refundErr)
	assert.Empty(t, report.Created)
	assert.Equal(t, 0, env.gw.PayoutCount())
	assert.Equal(t, 1, env.gw.Calls(fake.OpRefund))

	stored, err := env.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.TransactionStatusRefunded, stored.Status)
	assert.Zero(t, stored.PendingRefund)
	inPayout, err := env.store.IsTransactionInPayout(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, inPayout)
}

func TestPayoutService_Sweep_DisputeWhileCheckingAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sellerID := env.staleSeller(t)
	txn := env.releasedOrder(t, sellerID, 10000, testStart)

	var disputeErr error
	env.gw.Before(fake.OpAccountStatus, func() {
		_, disputeErr = env.escrow.OpenDispute(ctx, txn.OrderID, txn.BuyerID, RoleBuyer)
	})

	report, err := env.payouts.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	require.NoError(t, disputeErr)
	assert.Empty(t, report.Created)
	assert.Equal(t, 0, env.gw.PayoutCount())

	// Средства остаются в эскроу и возвращаются по решению спора.
	resolved, err := env.escrow.ResolveDispute(ctx, txn.OrderID, DisputeResolution{Outcome: DisputeRefund, Reason: "not delivered"})
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusCancelled, resolved.Status)
}

func TestPayoutService_Sweep_SkipsRefundInFlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sellerID := env.activeSeller(t)
	txn := env.releasedOrder(t, sellerID, 10000, testStart)

	// Проход агрегации стартует, пока шлюз обрабатывает возврат.
	var report *SweepReport
	var sweepErr error
	env.gw.Before(fake.OpRefund, func() {
		report, sweepErr = env.payouts.Sweep(ctx, sweepAt)
	})

	refunded, err := env.escrow.Refund(ctx, txn.ID, nil, "buyer complaint")
	require.NoError(t, err)
	require.NoError(t, sweepErr)
	require.NotNil(t, report)
	assert.Empty(t, report.Created)
	assert.Equal(t, 0, env.gw.PayoutCount())
	assert.Equal(t, valueobject.TransactionStatusRefunded, refunded.Status)
	assert.Zero(t, refunded.PendingRefund)
}

func TestPayoutService_Sweep_RejectedRefundReleasesReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sellerID := env.activeSeller(t)
	txn := env.releasedOrder(t, sellerID, 10000, testStart)
	env.gw.FailNext(fake.OpRefund, gateway.Reject("charge_disputed", "charge is disputed"))

	_, err := env.escrow.Refund(ctx, txn.ID, nil, "buyer complaint")
	require.Error(t, err)
	assert.True(t, apperror.IsGatewayRejection(err))

	stored, err := env.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.TransactionStatusCaptured, stored.Status)
	assert.Zero(t, stored.PendingRefund)

	report, err := env.payouts.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	require.Len(t, report.Created, 1)
	assert.Equal(t, []uuid.UUID{txn.ID}, report.Created[0].TransactionIDs)
}

func TestPayoutService_Earnings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sellerID := env.activeSeller(t)

	paidOut := env.releasedOrder(t, sellerID, 10000, testStart)
	report, err := env.payouts.Sweep(ctx, sweepAt)
	require.NoError(t, err)
	require.Len(t, report.Created, 1)
	_, err = env.deliver(t, gateway.Event{ID: "evt_paid", Type: gateway.EventPayoutPaid, PayoutRef: *report.Created[0].GatewayPayoutID})
	require.NoError(t, err)

	// Разблокирована, но проход агрегации ещё не запускался.
	available := env.releasedOrder(t, sellerID, 6000, testStart.Add(24*time.Hour))
	// Приёмка была недавно, срок удержания идёт.
	held := env.releasedOrder(t, sellerID, 8000, sweepAt.Add(-24*time.Hour))
	// Оплачен, но не принят.
	inProgress := env.createOrder(t, sellerID, 4000)
	res := env.checkout(t, inProgress)
	working, err := env.store.GetTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	// Возвращён покупателю и в заработок не входит.
	refunded := env.releasedOrder(t, sellerID, 9000, testStart)
	_, err = env.escrow.Refund(ctx, refunded.ID, nil, "not delivered")
	require.NoError(t, err)

	earnings, err := env.payouts.Earnings(ctx, sellerID, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, sellerID, earnings.SellerID)
	require.Len(t, earnings.Currencies, 1)

	line := earnings.Currencies[0]
	assert.Equal(t, "EUR", line.Currency)
	assert.Equal(t, paidOut.SellerAmount, line.Paid)
	assert.Zero(t, line.InTransit)
	assert.Equal(t, available.SellerAmount, line.Available)
	assert.Equal(t, held.SellerAmount+working.SellerAmount, line.Pending)
	assert.Equal(t, line.Paid+line.Available+line.Pending, line.Total)

	empty, err := env.payouts.Earnings(ctx, uuid.New(), sweepAt)
	require.NoError(t, err)
	assert.Empty(t, empty.Currencies)
}
