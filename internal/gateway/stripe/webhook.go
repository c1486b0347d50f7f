package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripego "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/ignatzorin/gig-escrow/internal/gateway"
)

const SignatureHeader = "Stripe-Signature"

func (g *Gateway) ParseWebhook(payload []byte, header http.Header) (gateway.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header.Get(SignatureHeader), g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
			return gateway.Event{}, gateway.ErrInvalidSignature
		}
		return gateway.Event{}, fmt.Errorf("stripe: parse webhook: %w", err)
	}
	return mapEvent(event)
}

// mapEvent приводит событие Stripe к нормализованному виду.
func mapEvent(event stripego.Event) (gateway.Event, error) {
	out := gateway.Event{
		ID:        event.ID,
		Type:      gateway.EventUnknown,
		RawType:   string(event.Type),
		CreatedAt: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return out, nil
	}

	switch event.Type {
	case stripego.EventTypePaymentIntentAmountCapturableUpdated,
		stripego.EventTypePaymentIntentSucceeded,
		stripego.EventTypePaymentIntentPaymentFailed,
		stripego.EventTypePaymentIntentCanceled:
		var pi stripego.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return out, fmt.Errorf("stripe: decode payment intent: %w", err)
		}
		out.PaymentRef = pi.ID
		out.Amount = pi.Amount
		out.Metadata = pi.Metadata
		switch event.Type {
		case stripego.EventTypePaymentIntentAmountCapturableUpdated:
			out.Type = gateway.EventPaymentAuthorized
		case stripego.EventTypePaymentIntentSucceeded:
			out.Type = gateway.EventPaymentCaptured
		default:
			out.Type = gateway.EventPaymentFailed
			if pi.LastPaymentError != nil {
				out.FailureCode = string(pi.LastPaymentError.Code)
			}
			if out.FailureCode == "" {
				out.FailureCode = string(pi.CancellationReason)
			}
		}

	case stripego.EventTypeChargeRefunded:
		var ch stripego.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return out, fmt.Errorf("stripe: decode charge: %w", err)
		}
		out.Type = gateway.EventPaymentRefunded
		out.Amount = ch.AmountRefunded
		out.Metadata = ch.Metadata
		if ch.PaymentIntent != nil {
			out.PaymentRef = ch.PaymentIntent.ID
		}

	case stripego.EventTypeAccountUpdated:
		var acct stripego.Account
		if err := json.Unmarshal(event.Data.Raw, &acct); err != nil {
			return out, fmt.Errorf("stripe: decode account: %w", err)
		}
		out.Type = gateway.EventAccountUpdated
		out.AccountRef = acct.ID
		out.Metadata = acct.Metadata
		out.Account = &gateway.AccountStatus{
			ChargesEnabled:   acct.ChargesEnabled,
			PayoutsEnabled:   acct.PayoutsEnabled,
			DetailsSubmitted: acct.DetailsSubmitted,
		}

	case stripego.EventTypeTransferCreated, stripego.EventTypeTransferReversed:
		var tr stripego.Transfer
		if err := json.Unmarshal(event.Data.Raw, &tr); err != nil {
			return out, fmt.Errorf("stripe: decode transfer: %w", err)
		}
		out.PayoutRef = tr.ID
		out.Amount = tr.Amount
		out.Metadata = tr.Metadata
		if tr.Destination != nil {
			out.AccountRef = tr.Destination.ID
		}
		if event.Type == stripego.EventTypeTransferCreated {
			out.Type = gateway.EventPayoutPaid
		} else {
			out.Type = gateway.EventPayoutFailed
			out.FailureCode = "transfer_reversed"
		}
	}

	return out, nil
}
