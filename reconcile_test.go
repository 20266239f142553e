package main

import (
	"context"
	"errors"
	"testing"
)

func newTestReconciler(store *fakePayments) (*Reconciler, *countingNotifier) {
	n := &countingNotifier{}
	return NewReconciler(store, DefaultPricingRules(), n, testLogger()), n
}

func TestReconcileOrderIsFulfilledOnce(t *testing.T) {
	ctx := context.Background()
	store := newFakePayments()
	store.addPayment("p1", PaymentPending, orderMetadata())
	r, n := newTestReconciler(store)

	first, err := r.Apply(ctx, "p1", PaymentSucceeded)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Changed || first.Order == nil || first.Order.PaymentID != "p1" {
		t.Fatalf("unexpected first result %+v", first)
	}

	for i := 0; i < 3; i++ {
		again, err := r.Apply(ctx, "p1", PaymentSucceeded)
		if err != nil {
			t.Fatal(err)
		}
		if again.Changed {
			t.Fatal("repeated success must not change the payment")
		}
		if again.Order == nil || again.Order.ID != first.Order.ID {
			t.Fatalf("expected existing order %d, got %+v", first.Order.ID, again.Order)
		}
	}
	if store.createCalls != 1 {
		t.Errorf("CreateOrder called %d times", store.createCalls)
	}
	if n.paid != 1 {
		t.Errorf("OrderPaid notified %d times", n.paid)
	}
}

func TestReconcileTerminalStatusIsFinal(t *testing.T) {
	ctx := context.Background()
	store := newFakePayments()
	store.addPayment("p1", PaymentPending, orderMetadata())
	r, n := newTestReconciler(store)

	res, err := r.Apply(ctx, "p1", PaymentCanceled)
	if err != nil || !res.Changed || res.Status != PaymentCanceled {
		t.Fatalf("cancel: %+v, %v", res, err)
	}
	res, err = r.Apply(ctx, "p1", PaymentSucceeded)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed || res.Status != PaymentCanceled || res.Order != nil {
		t.Fatalf("canceled payment must stay canceled, got %+v", res)
	}
	if _, err := r.Apply(ctx, "p1", PaymentCanceled); err != nil {
		t.Fatal(err)
	}
	if store.createCalls != 0 || n.canceled != 1 {
		t.Fatalf("createCalls=%d canceled=%d", store.createCalls, n.canceled)
	}
}

func TestReconcilePendingIsNoop(t *testing.T) {
	store := newFakePayments()
	store.addPayment("p1", PaymentPending, orderMetadata())
	r, _ := newTestReconciler(store)

	for _, s := range []PaymentStatus{"", PaymentPending} {
		res, err := r.Apply(context.Background(), "p1", s)
		if err != nil || res.Changed || res.Status != PaymentPending {
			t.Fatalf("status %q: %+v, %v", s, res, err)
		}
	}
}

func TestReconcileWaitingThenSucceeded(t *testing.T) {
	ctx := context.Background()
	store := newFakePayments()
	store.addPayment("p1", PaymentPending, orderMetadata())
	r, n := newTestReconciler(store)

	res, err := r.Apply(ctx, "p1", PaymentWaitingForCapture)
	if err != nil || !res.Changed || res.Order != nil {
		t.Fatalf("waiting: %+v, %v", res, err)
	}
	res, err = r.Apply(ctx, "p1", PaymentSucceeded)
	if err != nil || !res.Changed || res.Order == nil {
		t.Fatalf("succeeded: %+v, %v", res, err)
	}
	if n.paid != 1 {
		t.Fatalf("paid notifications = %d", n.paid)
	}
}

func TestReconcileCertificateIssuedOnce(t *testing.T) {
	ctx := context.Background()
	store := newFakePayments()
	store.addPayment("c1", PaymentPending, PaymentMetadata{Type: KindCertificate, CertCode: "CERT-ABCDEF12", Amount: 3000})
	r, n := newTestReconciler(store)

	for i := 0; i < 2; i++ {
		res, err := r.Apply(ctx, "c1", PaymentSucceeded)
		if err != nil {
			t.Fatal(err)
		}
		if res.Certificate == nil || res.Certificate.CertCode != "CERT-ABCDEF12" || res.Certificate.Amount != 3000 {
			t.Fatalf("unexpected certificate %+v", res.Certificate)
		}
	}
	if len(store.certs) != 1 || n.issued != 1 {
		t.Fatalf("certs=%d issued=%d", len(store.certs), n.issued)
	}
}

func TestReconcileUnknownPayment(t *testing.T) {
	r, _ := newTestReconciler(newFakePayments())
	if _, err := r.Apply(context.Background(), "missing", PaymentSucceeded); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReconcileCreateErrorIsReported(t *testing.T) {
	store := newFakePayments()
	store.addPayment("p1", PaymentPending, orderMetadata())
	store.createErr = ErrOutOfStock
	r, n := newTestReconciler(store)

	if _, err := r.Apply(context.Background(), "p1", PaymentSucceeded); !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
	if n.paid != 0 {
		t.Fatal("no notification expected on failure")
	}

	// a redelivery after the failure retries fulfillment
	store.createErr = nil
	res, err := r.Apply(context.Background(), "p1", PaymentSucceeded)
	if err != nil || res.Order == nil {
		t.Fatalf("retry: %+v, %v", res, err)
	}
}
