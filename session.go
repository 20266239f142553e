package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type BotState int

const (
	StateStart BotState = iota
	StateWaitingForName
	StateWaitingForPhone
	StateWaitingForDeliveryType
	StateWaitingForAddress
	StateWaitingForDate
	StateWaitingForTime
	StateWaitingForBonus
	StateWaitingForPayment
	StateWaitingForCertificate
	StateWaitingForReviewRating
	StateWaitingForReviewText
	StateAdminProductName
	StateAdminProductDescription
	StateAdminProductCategory
	StateAdminProductPrice
	StateAdminProductPhoto
	StateAdminSetPrice
)

// Checkout reports whether the state belongs to the checkout form.
func (s BotState) Checkout() bool {
	return s >= StateWaitingForName && s <= StateWaitingForCertificate
}

type UserSession struct {
	State         BotState   `json:"state"`
	Draft         OrderDraft `json:"draft"`
	Product       ReqProduct `json:"product"`
	EditProductID int64      `json:"edit_product_id,omitempty"`
	ReviewOrderID *int64     `json:"review_order_id,omitempty"`
	ReviewRating  int        `json:"review_rating,omitempty"`
	LastPaymentID string     `json:"last_payment_id,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func newSession(userID int64) *UserSession {
	return &UserSession{State: StateStart, Draft: OrderDraft{UserID: userID}}
}

// SessionStore keeps conversation state between updates. Get never returns
// nil: unknown or expired users start from StateStart.
type SessionStore interface {
	Get(ctx context.Context, userID int64) (*UserSession, error)
	Save(ctx context.Context, userID int64, s *UserSession) error
	Reset(ctx context.Context, userID int64) error
}

type MemorySessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[int64]*UserSession
	now      func() time.Time
}

func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		ttl:      ttl,
		sessions: make(map[int64]*UserSession),
		now:      time.Now,
	}
}

func (m *MemorySessionStore) Get(_ context.Context, userID int64) (*UserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok || (m.ttl > 0 && m.now().Sub(s.UpdatedAt) > m.ttl) {
		delete(m.sessions, userID)
		return newSession(userID), nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemorySessionStore) Save(_ context.Context, userID int64, s *UserSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	cp.UpdatedAt = m.now()
	m.sessions[userID] = &cp
	return nil
}

func (m *MemorySessionStore) Reset(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, userID)
	return nil
}

type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisSessionStore(cfg Config) (*RedisSessionStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis session store connection test failed: %w", err)
	}
	return &RedisSessionStore{client: client, ttl: cfg.SessionTTL, prefix: "flowershop:session:"}, nil
}

func (r *RedisSessionStore) key(userID int64) string {
	return fmt.Sprintf("%s%d", r.prefix, userID)
}

func (r *RedisSessionStore) Get(ctx context.Context, userID int64) (*UserSession, error) {
	raw, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return newSession(userID), nil
	}
	if err != nil {
		return nil, err
	}
	s := newSession(userID)
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("decode session %d: %w", userID, err)
	}
	return s, nil
}

func (r *RedisSessionStore) Save(ctx context.Context, userID int64, s *UserSession) error {
	s.UpdatedAt = time.Now()
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(userID), raw, r.ttl).Err()
}

func (r *RedisSessionStore) Reset(ctx context.Context, userID int64) error {
	return r.client.Del(ctx, r.key(userID)).Err()
}

func (r *RedisSessionStore) Close() error {
	return r.client.Close()
}
