package main

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	FullDescription string          `json:"full_description"`
	Price           decimal.Decimal `json:"price"`
	Photo           string          `json:"photo"`
	Category        string          `json:"category"`
	CreatedDate     time.Time       `json:"created_date"`
	IsDaily         bool            `json:"is_daily"`
	InStock         bool            `json:"in_stock"`
	OnRequest       bool            `json:"on_request"`
}

type ReqProduct struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	FullDescription string          `json:"full_description"`
	Price           decimal.Decimal `json:"price"`
	Photo           string          `json:"photo"`
	Category        string          `json:"category"`
	IsDaily         bool            `json:"is_daily"`
	OnRequest       bool            `json:"on_request"`
}

const (
	CategoryBouquet = "bouquet"
	CategoryPlant   = "plant"
)

// CartLine is a cart row joined with its product. It is also the snapshot
// stored in orders.items.
type CartLine struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	InStock   bool            `json:"in_stock"`
}

func (l CartLine) Subtotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type OrderStatus string

const (
	OrderNew       OrderStatus = "new"
	OrderPaid      OrderStatus = "paid"
	OrderConfirmed OrderStatus = "confirmed"
	OrderDelivered OrderStatus = "delivered"
	OrderCanceled  OrderStatus = "canceled"
)

type DeliveryType string

const (
	DeliveryCourier DeliveryType = "delivery"
	DeliveryPickup  DeliveryType = "pickup"
)

type PaymentMethod string

const (
	PayOnline      PaymentMethod = "online"
	PaySBP         PaymentMethod = "sbp"
	PayCash        PaymentMethod = "cash"
	PayCertificate PaymentMethod = "cert"
	PayManager     PaymentMethod = "manager"
)

func (m PaymentMethod) Prepaid() bool {
	return m == PayOnline || m == PaySBP
}

func (m PaymentMethod) Title() string {
	switch m {
	case PayOnline:
		return "💳 Онлайн картой"
	case PaySBP:
		return "🔄 СБП"
	case PayCash:
		return "💵 Наличными при получении"
	case PayCertificate:
		return "🎁 Сертификат"
	case PayManager:
		return "💬 Через менеджера"
	}
	return "Неизвестно"
}

type Order struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"user_id"`
	Items           []CartLine      `json:"items"`
	ProductsTotal   decimal.Decimal `json:"products_total"`
	DiscountApplied decimal.Decimal `json:"discount_applied"`
	BonusUsed       int64           `json:"bonus_used"`
	BonusEarned     int64           `json:"bonus_earned"`
	DeliveryCost    decimal.Decimal `json:"delivery_cost"`
	Total           decimal.Decimal `json:"total"`
	CustomerName    string          `json:"customer_name"`
	Phone           string          `json:"phone"`
	Address         string          `json:"address"`
	DeliveryType    DeliveryType    `json:"delivery_type"`
	DeliveryDate    string          `json:"delivery_date"`
	DeliveryTime    string          `json:"delivery_time"`
	PaymentMethod   PaymentMethod   `json:"payment_method"`
	PaymentID       string          `json:"payment_id,omitempty"`
	CertificateCode string          `json:"certificate_code,omitempty"`
	Status          OrderStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

// OrderDraft is everything collected during checkout. It travels in payment
// metadata so a paid order can be created from a webhook without the session.
// A prepaid snapshot carries the Quote the customer was charged for.
type OrderDraft struct {
	UserID          int64         `json:"user_id"`
	CustomerName    string        `json:"name"`
	Phone           string        `json:"phone"`
	Address         string        `json:"address"`
	DeliveryType    DeliveryType  `json:"delivery_type"`
	DeliveryDate    string        `json:"delivery_date"`
	DeliveryTime    string        `json:"delivery_time"`
	PaymentMethod   PaymentMethod `json:"payment_method"`
	BonusRequested  int64         `json:"bonus_requested"`
	CertificateCode string        `json:"certificate_code,omitempty"`
	PaymentID       string        `json:"payment_id,omitempty"`
	Items           []CartLine    `json:"items,omitempty"`
	Quote           *Quote        `json:"quote,omitempty"`
}

type LoyaltyAccount struct {
	UserID           int64           `json:"user_id"`
	TotalSpent       decimal.Decimal `json:"total_spent"`
	CurrentBonus     int64           `json:"current_bonus"`
	TotalBonusEarned int64           `json:"total_bonus_earned"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type LoyaltyHistoryEntry struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	OrderID         *int64    `json:"order_id,omitempty"`
	PointsChange    int64     `json:"points_change"`
	Reason          string    `json:"reason"`
	RemainingPoints int64     `json:"remaining_points"`
	CreatedAt       time.Time `json:"created_at"`
}

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentWaitingForCapture PaymentStatus = "waiting_for_capture"
	PaymentSucceeded         PaymentStatus = "succeeded"
	PaymentCanceled          PaymentStatus = "canceled"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentSucceeded || s == PaymentCanceled
}

type PaymentKind string

const (
	KindOrder       PaymentKind = "order"
	KindCertificate PaymentKind = "certificate"
)

// PaymentMetadata is stored as JSON in payments.metadata.
type PaymentMetadata struct {
	Type     PaymentKind `json:"type"`
	Order    *OrderDraft `json:"order,omitempty"`
	CertCode string      `json:"cert_code,omitempty"`
	Amount   int64       `json:"amount,omitempty"`
}

type Payment struct {
	ID          int64           `json:"id"`
	PaymentID   string          `json:"payment_id"`
	Provider    string          `json:"provider"`
	UserID      int64           `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      PaymentStatus   `json:"status"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (p *Payment) DecodeMetadata() (PaymentMetadata, error) {
	var md PaymentMetadata
	if len(p.Metadata) == 0 {
		return md, nil
	}
	err := json.Unmarshal(p.Metadata, &md)
	return md, err
}

type Certificate struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Amount    int64     `json:"amount"`
	CertCode  string    `json:"cert_code"`
	PaymentID string    `json:"payment_id"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`
}

type CertificateAttempt struct {
	UserID       int64      `json:"user_id"`
	Attempts     int        `json:"attempts"`
	LastAttempt  time.Time  `json:"last_attempt"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

type Review struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	UserName  string    `json:"user_name"`
	Text      string    `json:"text"`
	Rating    int       `json:"rating"`
	OrderID   *int64    `json:"order_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ReviewStats struct {
	Total   int `json:"total"`
	ByOrder int `json:"by_order"`
	General int `json:"general"`
}

type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type ShopStats struct {
	Orders             int             `json:"orders"`
	OrdersToday        int             `json:"orders_today"`
	Revenue            decimal.Decimal `json:"revenue"`
	Users              int             `json:"users"`
	BonusInCirculation int64           `json:"bonus_in_circulation"`
	Reviews            int             `json:"reviews"`
	AverageRating      float64         `json:"average_rating"`
}

type ShopInfo struct {
	Name      string
	Address   string
	Phone     string
	WorkHours string
	Manager   string
}
