package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrPaymentUnavailable = errors.New("payment gateway unavailable")
	ErrBadSignature       = errors.New("invalid webhook signature")
	ErrIgnoredEvent       = errors.New("webhook event ignored")
)

// PaymentRequest describes one hosted payment. Order payments carry the cart
// lines and the quote they were priced with, for fiscal receipts.
type PaymentRequest struct {
	UserID      int64
	Amount      decimal.Decimal
	Currency    string
	Description string
	ReturnURL   string
	Metadata    PaymentMetadata
	Items       []CartLine
	Quote       *Quote
}

// CreatedPayment is a gateway payment. Ref is the local row id, short enough
// for Telegram callback data where gateway ids may not be.
type CreatedPayment struct {
	ID              string
	Ref             int64
	Status          PaymentStatus
	ConfirmationURL string
	Amount          decimal.Decimal
}

type WebhookEvent struct {
	Event     string
	PaymentID string
	Status    PaymentStatus
}

// PaymentGateway is a hosted payment page provider.
type PaymentGateway interface {
	Name() string
	CreatePayment(ctx context.Context, req PaymentRequest, idempotenceKey string) (*CreatedPayment, error)
	PaymentStatus(ctx context.Context, paymentID string) (PaymentStatus, error)
	// ParseWebhook verifies and decodes a notification. It returns
	// ErrBadSignature for unsigned or tampered bodies and ErrIgnoredEvent for
	// event types that carry no status change.
	ParseWebhook(header http.Header, body []byte) (*WebhookEvent, error)
}

type paymentSaver interface {
	SavePayment(ctx context.Context, p *Payment) error
}

type PaymentManager struct {
	gateway   PaymentGateway
	store     paymentSaver
	retries   int
	delay     time.Duration
	currency  string
	returnURL string
	log       *logrus.Entry
}

func NewPaymentManager(gw PaymentGateway, store paymentSaver, cfg Config, log *logrus.Entry) *PaymentManager {
	return &PaymentManager{
		gateway:   gw,
		store:     store,
		retries:   max(cfg.PaymentRetries, 1),
		delay:     cfg.PaymentRetryDelay,
		currency:  cfg.Currency,
		returnURL: cfg.ReturnURL,
		log:       log.WithField("component", "payments").WithField("gateway", gw.Name()),
	}
}

func (m *PaymentManager) Gateway() PaymentGateway {
	return m.gateway
}

// Create opens a payment at the gateway and records it as pending. Every
// attempt reuses one idempotence key so a retry after a lost response cannot
// charge twice. After the last failed attempt ErrPaymentUnavailable is returned.
func (m *PaymentManager) Create(ctx context.Context, req PaymentRequest) (*CreatedPayment, error) {
	if req.Currency == "" {
		req.Currency = m.currency
	}
	if req.ReturnURL == "" {
		req.ReturnURL = m.returnURL
	}
	req.Amount = req.Amount.Round(2)
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("payment amount must be positive, got %s", req.Amount)
	}

	key := uuid.NewString()
	var created *CreatedPayment
	err := m.withRetry(ctx, "create", func() error {
		var err error
		created, err = m.gateway.CreatePayment(ctx, req, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}

	md, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, err
	}
	p := &Payment{
		PaymentID:   created.ID,
		Provider:    m.gateway.Name(),
		UserID:      req.UserID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Status:      PaymentPending,
		Description: req.Description,
		Metadata:    md,
	}
	if err := m.store.SavePayment(ctx, p); err != nil {
		return nil, err
	}
	created.Amount = req.Amount
	created.Ref = p.ID
	m.log.WithFields(logrus.Fields{
		"payment_id": created.ID,
		"user_id":    req.UserID,
		"type":       req.Metadata.Type,
	}).Infof("payment created for %s", req.Amount)
	return created, nil
}

// Status asks the gateway for the current status of a payment.
func (m *PaymentManager) Status(ctx context.Context, paymentID string) (PaymentStatus, error) {
	var status PaymentStatus
	err := m.withRetry(ctx, "status", func() error {
		var err error
		status, err = m.gateway.PaymentStatus(ctx, paymentID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}
	return status, nil
}

func (m *PaymentManager) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= m.retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		m.log.WithField("attempt", attempt).Warnf("payment %s failed: %v", op, err)
		if attempt == m.retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	return err
}
