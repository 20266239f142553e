package main

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestManager(gw *fakeGateway, store *fakePayments, retries int) *PaymentManager {
	cfg := Config{PaymentRetries: retries, Currency: "RUB", ReturnURL: "https://t.me/shop_bot"}
	return NewPaymentManager(gw, store, cfg, testLogger())
}

func TestPaymentCreateRetriesWithOneKey(t *testing.T) {
	gw := &fakeGateway{failures: 2}
	store := newFakePayments()
	m := newTestManager(gw, store, 3)

	created, err := m.Create(context.Background(), PaymentRequest{
		UserID:      42,
		Amount:      decimal.RequireFromString("1500.004"),
		Description: "Заказ",
		Metadata:    orderMetadata(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(gw.keys) != 3 {
		t.Fatalf("attempts = %d, want 3", len(gw.keys))
	}
	for _, k := range gw.keys[1:] {
		if k != gw.keys[0] {
			t.Fatalf("idempotence key changed between attempts: %v", gw.keys)
		}
	}
	if !created.Amount.Equal(decimal.RequireFromString("1500")) {
		t.Errorf("amount = %s", created.Amount)
	}

	p, err := store.GetPayment(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != PaymentPending || p.Currency != "RUB" || p.Provider != "test" {
		t.Errorf("unexpected stored payment %+v", p)
	}
	md, err := p.DecodeMetadata()
	if err != nil || md.Type != KindOrder || md.Order == nil || len(md.Order.Items) != 1 {
		t.Errorf("metadata not stored: %+v, %v", md, err)
	}
}

func TestPaymentCreateGivesUp(t *testing.T) {
	gw := &fakeGateway{failures: 10}
	store := newFakePayments()
	m := newTestManager(gw, store, 3)

	_, err := m.Create(context.Background(), PaymentRequest{UserID: 1, Amount: decimal.NewFromInt(100)})
	if !errors.Is(err, ErrPaymentUnavailable) {
		t.Fatalf("expected ErrPaymentUnavailable, got %v", err)
	}
	if len(gw.keys) != 3 {
		t.Errorf("attempts = %d, want 3", len(gw.keys))
	}
	if len(store.payments) != 0 {
		t.Error("nothing should be stored after a failed create")
	}
}

func TestPaymentCreateRejectsNonPositive(t *testing.T) {
	gw := &fakeGateway{}
	m := newTestManager(gw, newFakePayments(), 1)
	for _, amount := range []string{"0", "-10", "0.001"} {
		if _, err := m.Create(context.Background(), PaymentRequest{Amount: decimal.RequireFromString(amount)}); err == nil {
			t.Errorf("amount %s: expected error", amount)
		}
	}
	if len(gw.keys) != 0 {
		t.Error("gateway must not be called")
	}
}

func TestPaymentRetryStopsOnCancel(t *testing.T) {
	gw := &fakeGateway{failures: 10}
	m := newTestManager(gw, newFakePayments(), 5)
	m.delay = 1 << 40

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Create(ctx, PaymentRequest{Amount: decimal.NewFromInt(100)}); err == nil {
		t.Fatal("expected error")
	}
	if len(gw.keys) != 1 {
		t.Errorf("attempts = %d, want 1", len(gw.keys))
	}
}
