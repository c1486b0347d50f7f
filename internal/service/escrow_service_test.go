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

func TestEscrowService_Checkout_CapturesAndSplitsFees(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, uuid.New(), 10000)

	res := env.checkout(t, order)
	assert.Equal(t, valueobject.TransactionStatusCaptured, res.Status)
	assert.NotEmpty(t, res.ClientSecret)

	txn, err := env.store.GetTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), txn.PlatformFee)
	assert.Equal(t, int64(315), txn.ProcessingFee)
	assert.Equal(t, int64(8185), txn.SellerAmount)
	assert.Equal(t, txn.Amount, txn.PlatformFee+txn.ProcessingFee+txn.SellerAmount)
	assert.Equal(t, "DE", txn.VATCountry)
	assert.Equal(t, int64(285), txn.VATAmount)
	assert.Equal(t, "authorize:"+order.ID.String()+":1", txn.IdempotencyKey)

	updated, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusInProgress, updated.Status)
	assert.Contains(t, env.hub.events, "payment.captured")
}

func TestEscrowService_Checkout_DuplicateRejected(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, uuid.New(), 10000)
	env.checkout(t, order)

	_, err := env.escrow.Checkout(context.Background(), CheckoutInput{
		OrderID:       order.ID,
		BuyerID:       order.BuyerID,
		Amount:        order.TotalPrice,
		Currency:      "EUR",
		PaymentMethod: "sepa",
	})
	require.Error(t, err)
	assert.True(t, apperror.IsDuplicatePayment(err))
	assert.Equal(t, 1, env.gw.Calls(fake.OpAuthorize))
	assert.Equal(t, 1, env.gw.Calls(fake.OpCapture))
}

func TestEscrowService_Checkout_Validation(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, uuid.New(), 10000)

	tests := []struct {
		name string
		in   CheckoutInput
	}{
		{"amount differs from price", CheckoutInput{Amount: 9999, Currency: "EUR", PaymentMethod: "card"}},
		{"zero amount", CheckoutInput{Amount: 0, Currency: "EUR", PaymentMethod: "card"}},
		{"unsupported currency", CheckoutInput{Amount: 10000, Currency: "USD", PaymentMethod: "card"}},
		{"unknown method", CheckoutInput{Amount: 10000, Currency: "EUR", PaymentMethod: "cash"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.OrderID = order.ID
			tt.in.BuyerID = order.BuyerID
			_, err := env.escrow.Checkout(context.Background(), tt.in)
			require.Error(t, err)
			assert.True(t, apperror.IsValidation(err))
		})
	}
	assert.Equal(t, 0, env.gw.Calls(fake.OpAuthorize))
}

func TestEscrowService_Checkout_ForeignBuyer(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, uuid.New(), 10000)

	_, err := env.escrow.Checkout(context.Background(), CheckoutInput{
		OrderID:       order.ID,
		BuyerID:       uuid.New(),
		Amount:        10000,
		Currency:      "EUR",
		PaymentMethod: "card",
	})
	assert.True(t, apperror.IsForbidden(err))
}

func TestEscrowService_Checkout_RejectionAllowsNewAttempt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, uuid.New(), 10000)
	env.gw.FailNext(fake.OpAuthorize, gateway.Reject("card_declined", "insufficient funds"))

	in := CheckoutInput{OrderID: order.ID, BuyerID: order.BuyerID, Amount: 10000, Currency: "EUR", PaymentMethod: "card"}
	_, err := env.escrow.Checkout(ctx, in)
	require.Error(t, err)
	assert.True(t, apperror.IsGatewayRejection(err))

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "card_declined", appErr.Reason)

	res, err := env.escrow.Checkout(ctx, in)
	require.NoError(t, err)
	txn, err := env.store.GetTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, 2, txn.AttemptNumber)
	assert.Equal(t, "authorize:"+order.ID.String()+":2", txn.IdempotencyKey)
	assert.Equal(t, valueobject.TransactionStatusCaptured, txn.Status)
}

func TestEscrowService_Checkout_TransientIsReconciled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, uuid.New(), 10000)
	boom := gateway.Transient(assert.AnError)
	env.gw.FailNext(fake.OpAuthorize, boom, boom)

	_, err := env.escrow.Checkout(ctx, CheckoutInput{
		OrderID: order.ID, BuyerID: order.BuyerID, Amount: 10000, Currency: "EUR", PaymentMethod: "card",
	})
	require.Error(t, err)
	assert.True(t, apperror.IsGatewayTransient(err))

	txn, err := env.store.GetActiveTransactionByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.TransactionStatusPending, txn.Status)
	items, err := env.store.ListOpenReconciliation(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, OpAuthorize, items[0].Operation)

	env.advance(time.Hour)
	report, err := env.reconcile.Run(ctx, env.now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Resolved, 1)

	txn, err = env.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.TransactionStatusCaptured, txn.Status)
	assert.Equal(t, 1, env.gw.Calls(fake.OpCapture))

	items, err = env.store.ListOpenReconciliation(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestEscrowService_Capture_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, uuid.New(), 10000)
	res := env.checkout(t, order)

	txn, err := env.escrow.Capture(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.TransactionStatusCaptured, txn.Status)
	assert.Equal(t, 1, env.gw.Calls(fake.OpCapture))
}

func TestEscrowService_Capture_RefundedIsInconsistent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, uuid.New(), 10000)
	res := env.checkout(t, order)

	_, err := env.escrow.Refund(ctx, res.TransactionID, nil, "buyer request")
	require.NoError(t, err)

	_, err = env.escrow.Capture(ctx, res.TransactionID)
	require.Error(t, err)
	assert.True(t, apperror.IsInconsistentState(err))

	txn, err := env.store.GetTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.TransactionStatusRefunded, txn.Status)
	assert.Equal(t, txn.Amount, txn.RefundedAmount)

	updated, err := env.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusCancelled, updated.Status)
}

func TestEscrowService_CompleteOrder_SetsReleaseDate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, uuid.New(), 10000)
	res := env.checkout(t, order)

	completedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	updated, err := env.escrow.CompleteOrder(ctx, order.ID, completedAt)
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusCompleted, updated.Status)

	txn, err := env.store.GetTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, txn.EscrowReleaseDate)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), txn.EscrowReleaseDate.UTC())
	assert.True(t, txn.IsReleased(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)))
	assert.False(t, txn.IsReleased(time.Date(2024, 1, 14, 23, 59, 0, 0, time.UTC)))
}

func TestEscrowService_CompleteOrder_UnpaidIsInconsistent(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, uuid.New(), 10000)

	_, err := env.escrow.CompleteOrder(context.Background(), order.ID, env.now)
	require.Error(t, err)
	assert.True(t, apperror.IsInconsistentState(err))
}

func TestEscrowService_Refund_AfterPayoutIsInconsistent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sellerID := env.activeSeller(t)
	txn := env.releasedOrder(t, sellerID, 10000, testStart)

	report, err := env.payouts.Sweep(ctx, testStart.Add(15*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, report.Created, 1)

	_, err = env.escrow.Refund(ctx, txn.ID, nil, "late complaint")
	require.Error(t, err)
	assert.True(t, apperror.IsInconsistentState(err))
	assert.Equal(t, 0, env.gw.Calls(fake.OpRefund))
}

func TestEscrowService_PartialRefund_HoldsTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sellerID := env.activeSeller(t)
	txn := env.releasedOrder(t, sellerID, 10000, testStart)

	amount := int64(3000)
	refunded, err := env.escrow.Refund(ctx, txn.ID, &amount, "partial delivery")
	require.NoError(t, err)
	assert.Equal(t, valueobject.TransactionStatusCaptured, refunded.Status)
	assert.Equal(t, int64(3000), refunded.RefundedAmount)

	released, err := env.store.ListReleasedUnpaid(ctx, testStart.Add(30*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, released)

	tooMuch := int64(8000)
	_, err = env.escrow.Refund(ctx, txn.ID, &tooMuch, "again")
	assert.True(t, apperror.IsValidation(err))
}

func TestEscrowService_Dispute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sellerID := env.activeSeller(t)
	order := env.createOrder(t, sellerID, 10000)
	res := env.checkout(t, order)

	_, err := env.escrow.OpenDispute(ctx, order.ID, uuid.New(), RoleBuyer)
	assert.True(t, apperror.IsForbidden(err))

	disputed, err := env.escrow.OpenDispute(ctx, order.ID, order.BuyerID, RoleBuyer)
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusDisputed, disputed.Status)

	txn, err := env.store.GetTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.TransactionStatusCaptured, txn.Status)

	resolved, err := env.escrow.ResolveDispute(ctx, order.ID, DisputeResolution{Outcome: DisputeRelease})
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusCompleted, resolved.Status)

	txn, err = env.store.GetTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, txn.EscrowReleaseDate)
	assert.Equal(t, testStart.Add(14*24*time.Hour), txn.EscrowReleaseDate.UTC())
}

func TestEscrowService_Dispute_Refund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, uuid.New(), 10000)
	res := env.checkout(t, order)

	_, err := env.escrow.OpenDispute(ctx, order.ID, order.SellerID, RoleSeller)
	require.NoError(t, err)

	resolved, err := env.escrow.ResolveDispute(ctx, order.ID, DisputeResolution{Outcome: DisputeRefund, Reason: "not delivered"})
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusCancelled, resolved.Status)

	txn, err := env.store.GetTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.TransactionStatusRefunded, txn.Status)
}
