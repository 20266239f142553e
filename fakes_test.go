package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// fakePayments is an in-memory stand-in for the payment side of Storage.
type fakePayments struct {
	mu          sync.Mutex
	payments    map[string]*Payment
	orders      map[string]*Order
	certs       map[string]*Certificate
	createCalls int
	createErr   error
	nextOrderID int64
	nextRef     int64
}

func newFakePayments() *fakePayments {
	return &fakePayments{
		payments: make(map[string]*Payment),
		orders:   make(map[string]*Order),
		certs:    make(map[string]*Certificate),
	}
}

func (f *fakePayments) addPayment(id string, status PaymentStatus, md PaymentMetadata) {
	raw, _ := json.Marshal(md)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRef++
	f.payments[id] = &Payment{
		ID:        f.nextRef,
		PaymentID: id,
		Provider:  "test",
		UserID:    42,
		Amount:    decimal.NewFromInt(1500),
		Currency:  "RUB",
		Status:    status,
		Metadata:  raw,
		CreatedAt: time.Now(),
	}
}

func (f *fakePayments) SavePayment(_ context.Context, p *Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.payments[p.PaymentID]; ok {
		p.ID = existing.ID
	} else {
		f.nextRef++
		p.ID = f.nextRef
	}
	cp := *p
	f.payments[p.PaymentID] = &cp
	return nil
}

func (f *fakePayments) PaymentByRef(_ context.Context, ref int64) (*Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.ID == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakePayments) GetPayment(_ context.Context, id string) (*Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePayments) TransitionPayment(_ context.Context, id string, to PaymentStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status.Terminal() || p.Status == to {
		return false, nil
	}
	p.Status = to
	return true, nil
}

func (f *fakePayments) PendingPayments(_ context.Context, from, to time.Time) ([]Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Payment
	for _, p := range f.payments {
		if p.Status.Terminal() || p.CreatedAt.Before(from) || p.CreatedAt.After(to) {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakePayments) OrderByPaymentID(_ context.Context, id string) (*Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o, nil
}

func (f *fakePayments) CreateOrder(_ context.Context, draft OrderDraft, rules PricingRules) (*Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	if _, ok := f.orders[draft.PaymentID]; ok && draft.PaymentID != "" {
		return nil, errors.New("duplicate payment_id")
	}
	q := CalculateQuote(draft.Items, QuoteInput{DeliveryType: draft.DeliveryType}, rules)
	if draft.Quote != nil {
		q = *draft.Quote
	}
	f.nextOrderID++
	o := &Order{
		ID:              f.nextOrderID,
		UserID:          draft.UserID,
		Items:           draft.Items,
		ProductsTotal:   q.ProductsTotal,
		DiscountApplied: q.Discount,
		BonusUsed:       q.BonusUsed,
		Total:           q.Total,
		DeliveryType:    draft.DeliveryType,
		PaymentMethod:   draft.PaymentMethod,
		PaymentID:       draft.PaymentID,
		Status:          OrderPaid,
	}
	f.orders[draft.PaymentID] = o
	return o, nil
}

func (f *fakePayments) IssueCertificate(_ context.Context, c Certificate) (*Certificate, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.certs[c.PaymentID]; ok {
		return existing, false, nil
	}
	c.ID = int64(len(f.certs) + 1)
	c.CreatedAt = time.Now()
	f.certs[c.PaymentID] = &c
	return &c, true, nil
}

func (f *fakePayments) ListOrders(_ context.Context, status OrderStatus, limit int) ([]Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Order
	for _, o := range f.orders {
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, *o)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakePayments) Stats(context.Context, time.Time) (ShopStats, error) {
	return ShopStats{Orders: len(f.orders), Revenue: decimal.NewFromInt(1500)}, nil
}

func (f *fakePayments) CleanupDailyProducts(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type countingNotifier struct {
	mu       sync.Mutex
	paid     int
	issued   int
	canceled int
}

func (n *countingNotifier) OrderPaid(context.Context, *Order) {
	n.mu.Lock()
	n.paid++
	n.mu.Unlock()
}

func (n *countingNotifier) CertificateIssued(context.Context, *Certificate) {
	n.mu.Lock()
	n.issued++
	n.mu.Unlock()
}

func (n *countingNotifier) PaymentCanceled(context.Context, *Payment) {
	n.mu.Lock()
	n.canceled++
	n.mu.Unlock()
}

// fakeGateway fails the first failures calls of CreatePayment and reports
// statuses from a map. Created payments get id, "pay-1" by default.
type fakeGateway struct {
	mu       sync.Mutex
	id       string
	failures int
	keys     []string
	statuses map[string]PaymentStatus
	event    *WebhookEvent
	eventErr error
}

func (g *fakeGateway) Name() string { return "test" }

func (g *fakeGateway) CreatePayment(_ context.Context, req PaymentRequest, key string) (*CreatedPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys = append(g.keys, key)
	if len(g.keys) <= g.failures {
		return nil, errors.New("gateway timeout")
	}
	id := g.id
	if id == "" {
		id = "pay-1"
	}
	return &CreatedPayment{ID: id, Status: PaymentPending, ConfirmationURL: "https://pay.example/1"}, nil
}

func (g *fakeGateway) PaymentStatus(_ context.Context, id string) (PaymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.statuses[id]
	if !ok {
		return "", errors.New("unknown payment")
	}
	return s, nil
}

func (g *fakeGateway) ParseWebhook(http.Header, []byte) (*WebhookEvent, error) {
	return g.event, g.eventErr
}

func orderMetadata() PaymentMetadata {
	return PaymentMetadata{
		Type: KindOrder,
		Order: &OrderDraft{
			UserID:        42,
			CustomerName:  "Анна",
			Phone:         "+79001234567",
			DeliveryType:  DeliveryPickup,
			PaymentMethod: PayOnline,
			Items:         []CartLine{line(1, "1500", 1)},
		},
	}
}
