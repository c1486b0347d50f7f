package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/gig-escrow/internal/gateway"
)

func authorizeReq(key string) gateway.AuthorizeRequest {
	return gateway.AuthorizeRequest{
		OrderID:        "order-1",
		Amount:         10000,
		Currency:       "EUR",
		Method:         "card",
		IdempotencyKey: key,
	}
}

func TestAuthorize_IdempotentByKey(t *testing.T) {
	g := New("whsec_test")
	ctx := context.Background()

	first, err := g.Authorize(ctx, authorizeReq("authorize:order-1:1"))
	require.NoError(t, err)
	second, err := g.Authorize(ctx, authorizeReq("authorize:order-1:1"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	third, err := g.Authorize(ctx, authorizeReq("authorize:order-1:2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestAuthorize_ScriptedFailures(t *testing.T) {
	g := New("whsec_test")
	ctx := context.Background()
	g.FailNext(OpAuthorize, gateway.Transient(errors.New("timeout")), gateway.Reject("card_declined", "declined"))

	_, err := g.Authorize(ctx, authorizeReq("k"))
	assert.True(t, gateway.IsTransient(err))

	_, err = g.Authorize(ctx, authorizeReq("k"))
	rej, ok := gateway.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "card_declined", rej.Code)

	_, err = g.Authorize(ctx, authorizeReq("k"))
	assert.NoError(t, err)
	assert.Equal(t, 3, g.Calls(OpAuthorize))
}

func TestCaptureAndRefund(t *testing.T) {
	g := New("whsec_test")
	ctx := context.Background()

	ref, err := g.Authorize(ctx, authorizeReq("a"))
	require.NoError(t, err)

	res, err := g.Capture(ctx, ref.ID, "capture:tx:1")
	require.NoError(t, err)
	assert.Equal(t, gateway.PaymentStateCaptured, res.Status)

	// повтор с тем же ключом не меняет состояние
	res, err = g.Capture(ctx, ref.ID, "capture:tx:1")
	require.NoError(t, err)
	assert.Equal(t, gateway.PaymentStateCaptured, res.Status)

	part := int64(4000)
	_, err = g.Refund(ctx, ref.ID, &part, "refund:tx:1")
	require.NoError(t, err)
	status, err := g.GetPaymentStatus(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.PaymentStateCaptured, status.State)

	_, err = g.Refund(ctx, ref.ID, nil, "refund:tx:2")
	require.NoError(t, err)
	status, _ = g.GetPaymentStatus(ctx, ref.ID)
	assert.Equal(t, gateway.PaymentStateRefunded, status.State)

	_, err = g.Capture(ctx, ref.ID, "capture:tx:2")
	_, rejected := gateway.AsRejection(err)
	assert.True(t, rejected)
}

func TestPayout_RequiresEnabledAccount(t *testing.T) {
	g := New("whsec_test")
	ctx := context.Background()

	acct, err := g.CreateConnectAccount(ctx, "seller-1", "DE", "account:seller-1:1")
	require.NoError(t, err)

	req := gateway.PayoutRequest{AccountRef: acct.ID, Amount: 6000, Currency: "EUR", IdempotencyKey: "payout:p1:1"}
	_, err = g.CreatePayout(ctx, req)
	_, rejected := gateway.AsRejection(err)
	assert.True(t, rejected)

	g.SetAccountStatus(acct.ID, gateway.AccountStatus{ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: true})
	first, err := g.CreatePayout(ctx, req)
	require.NoError(t, err)
	second, err := g.CreatePayout(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, g.PayoutCount())
}

func TestWebhook_SignAndParse(t *testing.T) {
	g := New("whsec_test")

	payload, header, err := g.BuildWebhook(gateway.Event{
		ID:         "evt_1",
		Type:       gateway.EventPaymentCaptured,
		PaymentRef: "pi_fake_1",
		Metadata:   map[string]string{gateway.MetaTransactionID: "tx-1"},
	})
	require.NoError(t, err)

	ev, err := g.ParseWebhook(payload, header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, gateway.EventPaymentCaptured, ev.Type)
	assert.Equal(t, "tx-1", ev.Meta(gateway.MetaTransactionID))

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = 'x'
	_, err = g.ParseWebhook(tampered, header)
	assert.ErrorIs(t, err, gateway.ErrInvalidSignature)

	other := New("another_secret")
	_, err = other.ParseWebhook(payload, header)
	assert.ErrorIs(t, err, gateway.ErrInvalidSignature)
}

func TestWebhook_ExpiredSignature(t *testing.T) {
	g := New("whsec_test")
	signedAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return signedAt })

	payload, header, err := g.BuildWebhook(gateway.Event{ID: "evt_2", Type: gateway.EventPaymentFailed})
	require.NoError(t, err)

	g.SetClock(func() time.Time { return signedAt.Add(time.Hour) })
	_, err = g.ParseWebhook(payload, header)
	assert.ErrorIs(t, err, gateway.ErrInvalidSignature)
}

func TestWebhook_UnknownTypeIsKept(t *testing.T) {
	g := New("whsec_test")
	payload, header, err := g.BuildWebhook(gateway.Event{ID: "evt_3", Type: "customer.created"})
	require.NoError(t, err)

	ev, err := g.ParseWebhook(payload, header)
	require.NoError(t, err)
	assert.Equal(t, gateway.EventUnknown, ev.Type)
	assert.Equal(t, "customer.created", ev.RawType)
}

func TestLoginLink_RequiresOnboarding(t *testing.T) {
	g := New("whsec_test")
	ctx := context.Background()

	acct, err := g.CreateConnectAccount(ctx, "seller-1", "DE", "account:seller-1:1")
	require.NoError(t, err)

	_, err = g.CreateLoginLink(ctx, acct.ID)
	rej, ok := gateway.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "account_onboarding_incomplete", rej.Code)

	g.SetAccountStatus(acct.ID, gateway.AccountStatus{DetailsSubmitted: true})
	link, err := g.CreateLoginLink(ctx, acct.ID)
	require.NoError(t, err)
	assert.Contains(t, link, acct.ID)

	_, err = g.CreateLoginLink(ctx, "acct_missing")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestBefore_RunsOnceOutsideLock(t *testing.T) {
	g := New("whsec_test")
	ctx := context.Background()

	var ran int
	g.Before(OpAuthorize, func() {
		ran++
		// шлюз доступен из хука: мьютекс не захвачен
		assert.Equal(t, 0, g.Calls(OpAuthorize))
	})

	_, err := g.Authorize(ctx, authorizeReq("k1"))
	require.NoError(t, err)
	_, err = g.Authorize(ctx, authorizeReq("k2"))
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, 2, g.Calls(OpAuthorize))
}
