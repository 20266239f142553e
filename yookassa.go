package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const yookassaSignatureHeader = "X-Webhook-Signature"

// YooKassaClient talks to the YooKassa v3 REST API.
type YooKassaClient struct {
	shopID        string
	secretKey     string
	apiURL        string
	webhookSecret string
	receiptEmail  string
	vatCode       int
	taxSystem     int
	httpClient    *http.Client
}

func NewYooKassaClient(cfg Config) *YooKassaClient {
	return &YooKassaClient{
		shopID:        cfg.YooKassaShopID,
		secretKey:     cfg.YooKassaSecret,
		apiURL:        strings.TrimRight(cfg.YooKassaAPIURL, "/"),
		webhookSecret: cfg.WebhookSecret,
		receiptEmail:  cfg.ReceiptEmail,
		vatCode:       cfg.VATCode,
		taxSystem:     cfg.TaxSystem,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *YooKassaClient) Name() string { return "yookassa" }

type yookassaAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type yookassaReceiptItem struct {
	Description    string         `json:"description"`
	Quantity       string         `json:"quantity"`
	Amount         yookassaAmount `json:"amount"`
	VATCode        int            `json:"vat_code"`
	PaymentMode    string         `json:"payment_mode"`
	PaymentSubject string         `json:"payment_subject"`
}

type yookassaReceipt struct {
	Customer      map[string]string     `json:"customer"`
	Items         []yookassaReceiptItem `json:"items"`
	TaxSystemCode int                   `json:"tax_system_code"`
}

type yookassaPaymentRequest struct {
	Amount       yookassaAmount `json:"amount"`
	Capture      bool           `json:"capture"`
	Description  string         `json:"description"`
	Confirmation struct {
		Type      string `json:"type"`
		ReturnURL string `json:"return_url"`
	} `json:"confirmation"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Receipt  *yookassaReceipt  `json:"receipt,omitempty"`
}

type yookassaPayment struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	Amount       yookassaAmount `json:"amount"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

type yookassaError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (c *YooKassaClient) CreatePayment(ctx context.Context, req PaymentRequest, idempotenceKey string) (*CreatedPayment, error) {
	body := yookassaPaymentRequest{
		Amount:      yookassaAmount{Value: req.Amount.StringFixed(2), Currency: req.Currency},
		Capture:     true,
		Description: truncate(req.Description, 128),
		Metadata: map[string]string{
			"type":    string(req.Metadata.Type),
			"user_id": strconv.FormatInt(req.UserID, 10),
		},
		Receipt: c.receipt(req),
	}
	body.Confirmation.Type = "redirect"
	body.Confirmation.ReturnURL = req.ReturnURL

	var out yookassaPayment
	if err := c.do(ctx, http.MethodPost, "/payments", idempotenceKey, body, &out); err != nil {
		return nil, err
	}
	return &CreatedPayment{
		ID:              out.ID,
		Status:          yookassaStatus(out.Status),
		ConfirmationURL: out.Confirmation.ConfirmationURL,
	}, nil
}

func (c *YooKassaClient) PaymentStatus(ctx context.Context, paymentID string) (PaymentStatus, error) {
	var out yookassaPayment
	if err := c.do(ctx, http.MethodGet, "/payments/"+paymentID, "", nil, &out); err != nil {
		return "", err
	}
	return yookassaStatus(out.Status), nil
}

// receipt builds fiscal receipt lines when the shop has a receipt email set.
func (c *YooKassaClient) receipt(req PaymentRequest) *yookassaReceipt {
	if c.receiptEmail == "" {
		return nil
	}
	amount := func(d decimal.Decimal) yookassaAmount {
		return yookassaAmount{Value: d.StringFixed(2), Currency: req.Currency}
	}
	r := &yookassaReceipt{
		Customer:      map[string]string{"email": c.receiptEmail},
		TaxSystemCode: c.taxSystem,
	}
	if req.Metadata.Type == KindCertificate {
		r.Items = []yookassaReceiptItem{{
			Description:    truncate("Подарочный сертификат "+req.Metadata.CertCode, 128),
			Quantity:       "1.00",
			Amount:         amount(req.Amount),
			VATCode:        c.vatCode,
			PaymentMode:    "full_payment",
			PaymentSubject: "service",
		}}
		return r
	}
	q := Quote{ProductsTotal: CartTotal(req.Items)}
	if req.Quote != nil {
		q = *req.Quote
	}
	for i, total := range LineTotals(req.Items, q) {
		r.Items = append(r.Items, c.commodityItems(req.Items[i], total, amount)...)
	}
	if q.DeliveryCost.IsPositive() {
		r.Items = append(r.Items, yookassaReceiptItem{
			Description:    "Доставка",
			Quantity:       "1.00",
			Amount:         amount(q.DeliveryCost),
			VATCode:        c.vatCode,
			PaymentMode:    "full_payment",
			PaymentSubject: "service",
		})
	}
	if len(r.Items) == 0 {
		return nil
	}
	return r
}

// commodityItems renders one cart line whose discounted total is total. A
// receipt amount is a unit price, so when total does not split evenly over the
// quantity the last unit goes on its own line.
func (c *YooKassaClient) commodityItems(l CartLine, total decimal.Decimal, amount func(decimal.Decimal) yookassaAmount) []yookassaReceiptItem {
	item := func(qty int, unit decimal.Decimal) yookassaReceiptItem {
		return yookassaReceiptItem{
			Description:    truncate(l.Name, 128),
			Quantity:       fmt.Sprintf("%d.00", qty),
			Amount:         amount(unit),
			VATCode:        c.vatCode,
			PaymentMode:    "full_payment",
			PaymentSubject: "commodity",
		}
	}
	qty := max(l.Quantity, 1)
	unit := total.Div(decimal.NewFromInt(int64(qty))).RoundFloor(2)
	last := total.Sub(unit.Mul(decimal.NewFromInt(int64(qty - 1))))
	if last.Equal(unit) {
		return []yookassaReceiptItem{item(qty, unit)}
	}
	return []yookassaReceiptItem{item(qty-1, unit), item(1, last)}
}

func (c *YooKassaClient) do(ctx context.Context, method, path, idempotenceKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.shopID, c.secretKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotenceKey != "" {
		req.Header.Set("Idempotence-Key", idempotenceKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("yookassa %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr yookassaError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Description != "" {
			return fmt.Errorf("yookassa error (%d): %s: %s", resp.StatusCode, apiErr.Code, apiErr.Description)
		}
		return fmt.Errorf("yookassa error (%d): %s", resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse yookassa response: %w", err)
	}
	return nil
}

type yookassaNotification struct {
	Type   string          `json:"type"`
	Event  string          `json:"event"`
	Object yookassaPayment `json:"object"`
}

func (c *YooKassaClient) ParseWebhook(header http.Header, body []byte) (*WebhookEvent, error) {
	if !verifyHMAC(body, header.Get(yookassaSignatureHeader), c.webhookSecret) {
		return nil, ErrBadSignature
	}
	var n yookassaNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if n.Object.ID == "" {
		return nil, fmt.Errorf("notification without payment id")
	}
	ev := &WebhookEvent{Event: n.Event, PaymentID: n.Object.ID}
	switch n.Event {
	case "payment.succeeded":
		ev.Status = PaymentSucceeded
	case "payment.waiting_for_capture":
		ev.Status = PaymentWaitingForCapture
	case "payment.canceled":
		ev.Status = PaymentCanceled
	default:
		return ev, ErrIgnoredEvent
	}
	return ev, nil
}

// verifyHMAC checks a hex HMAC-SHA256 of body under secret.
func verifyHMAC(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(got, signHMAC(body, secret))
}

func signHMAC(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func yookassaStatus(s string) PaymentStatus {
	switch PaymentStatus(s) {
	case PaymentSucceeded, PaymentWaitingForCapture, PaymentCanceled:
		return PaymentStatus(s)
	}
	return PaymentPending
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
