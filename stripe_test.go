package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func stripeSigned(t *testing.T, payload []byte, secret string) http.Header {
	t.Helper()
	ts := time.Now().Unix()
	sig := signHMAC([]byte(fmt.Sprintf("%d.%s", ts, payload)), secret)
	h := http.Header{}
	h.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(sig)))
	return h
}

func stripeEvent(typ, paymentStatus string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","api_version":"2020-08-27","type":%q,`+
		`"data":{"object":{"id":"cs_test_1","object":"checkout.session","payment_status":%q,"status":"complete"}}}`,
		typ, paymentStatus))
}

func TestStripeParseWebhook(t *testing.T) {
	g := NewStripeGateway(Config{StripeSecretKey: "sk_test_x", StripeWebhookKey: "whsec_test"})

	tests := []struct {
		name    string
		payload []byte
		want    PaymentStatus
		wantErr error
	}{
		{"completed paid", stripeEvent("checkout.session.completed", "paid"), PaymentSucceeded, nil},
		{"completed unpaid", stripeEvent("checkout.session.completed", "unpaid"), "", ErrIgnoredEvent},
		{"async succeeded", stripeEvent("checkout.session.async_payment_succeeded", "paid"), PaymentSucceeded, nil},
		{"async failed", stripeEvent("checkout.session.async_payment_failed", "unpaid"), PaymentCanceled, nil},
		{"expired", stripeEvent("checkout.session.expired", "unpaid"), PaymentCanceled, nil},
		{"other type", stripeEvent("customer.created", "paid"), "", ErrIgnoredEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := g.ParseWebhook(stripeSigned(t, tt.payload, "whsec_test"), tt.payload)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && (ev.Status != tt.want || ev.PaymentID != "cs_test_1") {
				t.Errorf("event = %+v", ev)
			}
		})
	}

	payload := stripeEvent("checkout.session.completed", "paid")
	if _, err := g.ParseWebhook(stripeSigned(t, payload, "other"), payload); !errors.Is(err, ErrBadSignature) {
		t.Errorf("wrong secret: err = %v", err)
	}
}

func TestMinorUnits(t *testing.T) {
	tests := map[string]int64{"1500": 150000, "99.99": 9999, "0.005": 1}
	for in, want := range tests {
		if got := minorUnits(decimal.RequireFromString(in)); got != want {
			t.Errorf("minorUnits(%s) = %d, want %d", in, got, want)
		}
	}
}
