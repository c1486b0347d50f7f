// Package stripe реализует адаптер gateway.Gateway поверх Stripe: PaymentIntents с ручным списанием,
// Express-аккаунты Connect и переводы на подключённые аккаунты для выплат.
// SEPA Direct Debit и TWINT не поддерживают отложенное списание: для них PaymentIntent
// списывается автоматически, и payment_intent.succeeded приходит сразу как captured.
package stripe

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	stripego "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/ignatzorin/gig-escrow/internal/gateway"
)

// Config: параметры подключения к Stripe.
type Config struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

// Gateway реализует gateway.Gateway через stripe-go.
type Gateway struct {
	api           *client.API
	webhookSecret string
}

// New создаёт адаптер. Повторы делает gateway.WithRetry, поэтому сетевые ретраи SDK выключены.
func New(cfg Config) *Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	backends := stripego.NewBackendsWithConfig(&stripego.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripego.Int64(0),
	})

	return &Gateway{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
	}
}

var paymentMethodTypes = map[string]string{
	"card":   "card",
	"sepa":   "sepa_debit",
	"klarna": "klarna",
	"twint":  "twint",
	"paypal": "paypal",
}

// captureMethod: ручное списание держит средства до Capture, но не все методы его умеют.
func captureMethod(methodType string) stripego.PaymentIntentCaptureMethod {
	switch methodType {
	case "sepa_debit", "twint":
		return stripego.PaymentIntentCaptureMethodAutomatic
	default:
		return stripego.PaymentIntentCaptureMethodManual
	}
}

func (g *Gateway) Authorize(ctx context.Context, req gateway.AuthorizeRequest) (gateway.PaymentRef, error) {
	methodType, ok := paymentMethodTypes[req.Method]
	if !ok {
		return gateway.PaymentRef{}, gateway.Reject("payment_method_unsupported", "unsupported payment method "+req.Method)
	}

	params := &stripego.PaymentIntentParams{
		Amount:             stripego.Int64(req.Amount),
		Currency:           stripego.String(strings.ToLower(req.Currency)),
		CaptureMethod:      stripego.String(string(captureMethod(methodType))),
		PaymentMethodTypes: stripego.StringSlice([]string{methodType}),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(gateway.MetaOrderID, req.OrderID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return gateway.PaymentRef{}, translateError(err)
	}
	return gateway.PaymentRef{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       paymentState(pi.Status),
	}, nil
}

func (g *Gateway) Capture(ctx context.Context, paymentRef, idempotencyKey string) (gateway.Result, error) {
	params := &stripego.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := g.api.PaymentIntents.Capture(paymentRef, params)
	if err != nil {
		return gateway.Result{}, translateError(err)
	}
	return gateway.Result{ID: pi.ID, Status: paymentState(pi.Status)}, nil
}

func (g *Gateway) Refund(ctx context.Context, paymentRef string, amount *int64, idempotencyKey string) (gateway.Result, error) {
	params := &stripego.RefundParams{
		PaymentIntent: stripego.String(paymentRef),
	}
	if amount != nil {
		params.Amount = stripego.Int64(*amount)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	refund, err := g.api.Refunds.New(params)
	if err != nil {
		return gateway.Result{}, translateError(err)
	}
	state := gateway.PaymentStateRefunded
	if refund.Status == stripego.RefundStatusFailed || refund.Status == stripego.RefundStatusCanceled {
		return gateway.Result{}, gateway.Reject("refund_failed", string(refund.FailureReason))
	}
	return gateway.Result{ID: refund.ID, Status: state}, nil
}

func (g *Gateway) GetPaymentStatus(ctx context.Context, paymentRef string) (gateway.PaymentStatus, error) {
	params := &stripego.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Get(paymentRef, params)
	if err != nil {
		return gateway.PaymentStatus{}, translateError(err)
	}
	status := gateway.PaymentStatus{
		ID:     pi.ID,
		State:  paymentState(pi.Status),
		Amount: pi.Amount,
	}
	if pi.LastPaymentError != nil {
		status.FailureCode = string(pi.LastPaymentError.Code)
	}
	return status, nil
}

func (g *Gateway) CreateConnectAccount(ctx context.Context, sellerID, country, idempotencyKey string) (gateway.AccountRef, error) {
	params := &stripego.AccountParams{
		Type:    stripego.String(string(stripego.AccountTypeExpress)),
		Country: stripego.String(country),
		Capabilities: &stripego.AccountCapabilitiesParams{
			CardPayments: &stripego.AccountCapabilitiesCardPaymentsParams{Requested: stripego.Bool(true)},
			Transfers:    &stripego.AccountCapabilitiesTransfersParams{Requested: stripego.Bool(true)},
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	params.AddMetadata(gateway.MetaSellerID, sellerID)

	acct, err := g.api.Accounts.New(params)
	if err != nil {
		return gateway.AccountRef{}, translateError(err)
	}
	return gateway.AccountRef{ID: acct.ID}, nil
}

func (g *Gateway) CreateOnboardingLink(ctx context.Context, accountRef, refreshURL, returnURL string) (string, error) {
	params := &stripego.AccountLinkParams{
		Account:    stripego.String(accountRef),
		RefreshURL: stripego.String(refreshURL),
		ReturnURL:  stripego.String(returnURL),
		Type:       stripego.String("account_onboarding"),
	}
	params.Context = ctx

	link, err := g.api.AccountLinks.New(params)
	if err != nil {
		return "", translateError(err)
	}
	return link.URL, nil
}

// CreateLoginLink работает только для Express-аккаунтов, прошедших онбординг.
func (g *Gateway) CreateLoginLink(ctx context.Context, accountRef string) (string, error) {
	params := &stripego.LoginLinkParams{Account: stripego.String(accountRef)}
	params.Context = ctx

	link, err := g.api.LoginLinks.New(params)
	if err != nil {
		return "", translateError(err)
	}
	return link.URL, nil
}

func (g *Gateway) GetAccountStatus(ctx context.Context, accountRef string) (gateway.AccountStatus, error) {
	params := &stripego.AccountParams{}
	params.Context = ctx

	acct, err := g.api.Accounts.GetByID(accountRef, params)
	if err != nil {
		return gateway.AccountStatus{}, translateError(err)
	}
	return gateway.AccountStatus{
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
		DetailsSubmitted: acct.DetailsSubmitted,
	}, nil
}

// CreatePayout переводит средства платформы на подключённый аккаунт продавца.
// Дальше Stripe сам выводит их на банковский счёт по расписанию аккаунта.
func (g *Gateway) CreatePayout(ctx context.Context, req gateway.PayoutRequest) (gateway.PayoutRef, error) {
	params := &stripego.TransferParams{
		Amount:      stripego.Int64(req.Amount),
		Currency:    stripego.String(strings.ToLower(req.Currency)),
		Destination: stripego.String(req.AccountRef),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return gateway.PayoutRef{}, translateError(err)
	}
	return gateway.PayoutRef{ID: tr.ID}, nil
}

func paymentState(status stripego.PaymentIntentStatus) gateway.PaymentState {
	switch status {
	case stripego.PaymentIntentStatusRequiresCapture:
		return gateway.PaymentStateAuthorized
	case stripego.PaymentIntentStatusSucceeded:
		return gateway.PaymentStateCaptured
	case stripego.PaymentIntentStatusCanceled:
		return gateway.PaymentStateFailed
	default:
		return gateway.PaymentStatePending
	}
}

// translateError разделяет ошибки Stripe на временные и окончательные отказы.
func translateError(err error) error {
	var stripeErr *stripego.Error
	if !errors.As(err, &stripeErr) {
		// сеть, таймаут клиента
		return gateway.Transient(err)
	}

	switch {
	case stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripego.ErrorCodeResourceMissing:
		return gateway.ErrNotFound
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Type == stripego.ErrorTypeAPI:
		return gateway.Transient(err)
	case stripeErr.Type == stripego.ErrorTypeIdempotency:
		// тот же ключ с другими параметрами: повтор не поможет
		return gateway.Reject("idempotency_conflict", stripeErr.Msg)
	}

	code := string(stripeErr.Code)
	if stripeErr.DeclineCode != "" {
		code = string(stripeErr.DeclineCode)
	}
	if code == "" {
		code = string(stripeErr.Type)
	}
	return gateway.Reject(code, stripeErr.Msg)
}

var _ gateway.Gateway = (*Gateway)(nil)
