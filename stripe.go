package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeGateway uses Checkout Sessions as the hosted payment page. The
// session id is the payment id.
type StripeGateway struct {
	sc            *client.API
	webhookSecret string
}

func NewStripeGateway(cfg Config) *StripeGateway {
	sc := &client.API{}
	sc.Init(cfg.StripeSecretKey, nil)
	return &StripeGateway{sc: sc, webhookSecret: cfg.StripeWebhookKey}
}

func (g *StripeGateway) Name() string { return "stripe" }

func (g *StripeGateway) CreatePayment(ctx context.Context, req PaymentRequest, idempotenceKey string) (*CreatedPayment, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.ReturnURL),
		CancelURL:         stripe.String(req.ReturnURL),
		ClientReferenceID: stripe.String(strconv.FormatInt(req.UserID, 10)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(strings.ToLower(req.Currency)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(truncate(req.Description, 250)),
				},
				UnitAmount: stripe.Int64(minorUnits(req.Amount)),
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotenceKey)
	params.AddMetadata("type", string(req.Metadata.Type))
	params.AddMetadata("user_id", strconv.FormatInt(req.UserID, 10))

	s, err := g.sc.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe checkout session: %w", err)
	}
	return &CreatedPayment{ID: s.ID, Status: stripeStatus(s), ConfirmationURL: s.URL}, nil
}

func (g *StripeGateway) PaymentStatus(ctx context.Context, paymentID string) (PaymentStatus, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := g.sc.CheckoutSessions.Get(paymentID, params)
	if err != nil {
		return "", err
	}
	return stripeStatus(s), nil
}

func (g *StripeGateway) ParseWebhook(header http.Header, body []byte) (*WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(body, header.Get("Stripe-Signature"), g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	ev := &WebhookEvent{Event: string(event.Type), PaymentID: s.ID}
	switch event.Type {
	case "checkout.session.completed":
		if s.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return ev, ErrIgnoredEvent
		}
		ev.Status = PaymentSucceeded
	case "checkout.session.async_payment_succeeded":
		ev.Status = PaymentSucceeded
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		ev.Status = PaymentCanceled
	default:
		return ev, ErrIgnoredEvent
	}
	return ev, nil
}

func stripeStatus(s *stripe.CheckoutSession) PaymentStatus {
	switch {
	case s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		return PaymentSucceeded
	case s.Status == stripe.CheckoutSessionStatusExpired:
		return PaymentCanceled
	}
	return PaymentPending
}

func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
