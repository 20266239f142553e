package main

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
)

type fakeMessenger struct {
	mu   sync.Mutex
	sent []tgbotapi.Chattable
}

func (m *fakeMessenger) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, c)
	return tgbotapi.Message{}, nil
}

func (m *fakeMessenger) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

// texts returns the text of every message sent to chatID.
func (m *fakeMessenger) texts(chatID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.sent {
		if msg, ok := c.(tgbotapi.MessageConfig); ok && msg.ChatID == chatID {
			out = append(out, msg.Text)
		}
	}
	return out
}

// callbacks returns the callback data of every inline button sent to chatID.
func (m *fakeMessenger) callbacks(chatID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.sent {
		msg, ok := c.(tgbotapi.MessageConfig)
		if !ok || msg.ChatID != chatID {
			continue
		}
		kb, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
		if !ok {
			continue
		}
		for _, row := range kb.InlineKeyboard {
			for _, btn := range row {
				if btn.CallbackData != nil {
					out = append(out, *btn.CallbackData)
				}
			}
		}
	}
	return out
}

func (m *fakeMessenger) last(chatID int64) string {
	t := m.texts(chatID)
	if len(t) == 0 {
		return ""
	}
	return t[len(t)-1]
}

// fakeShop implements the storage calls the bot makes. Anything else panics
// through the nil embedded Storage.
type fakeShop struct {
	Storage
	pay      *fakePayments
	cart     []CartLine
	products []ReqProduct
	deleted  []int64
	drafts   []OrderDraft
	orders   map[int64]*Order
	bonus    int64
}

func (s *fakeShop) IfExists(_ context.Context, table, column string, target any) (bool, error) {
	if table != "products" || column != "name" {
		return false, nil
	}
	for _, p := range s.products {
		if p.Name == target {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeShop) DeleteProduct(_ context.Context, id int64) error {
	if id < 1 || id > int64(len(s.products)) {
		return ErrNotFound
	}
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeShop) GetOrder(_ context.Context, id int64) (*Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *fakeShop) UpdateOrderStatus(_ context.Context, id int64, status OrderStatus) (bool, error) {
	o, ok := s.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	if o.Status == status {
		return false, nil
	}
	o.Status = status
	return true, nil
}

func (s *fakeShop) CancelOrder(_ context.Context, id int64) (*Order, bool, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	switch o.Status {
	case OrderCanceled:
		return o, false, nil
	case OrderDelivered:
		return o, false, ErrOrderClosed
	}
	o.Status = OrderCanceled
	cp := *o
	return &cp, true, nil
}

func (s *fakeShop) PaymentByRef(ctx context.Context, ref int64) (*Payment, error) {
	return s.pay.PaymentByRef(ctx, ref)
}

func (s *fakeShop) EnsureUser(context.Context, User) error { return nil }

func (s *fakeShop) GetCart(context.Context, int64) ([]CartLine, error) { return s.cart, nil }

func (s *fakeShop) AddToCart(_ context.Context, _, productID int64) error {
	s.cart = append(s.cart, line(productID, "1500", 1))
	return nil
}

func (s *fakeShop) IsFirstOrder(context.Context, int64) (bool, error) { return false, nil }

func (s *fakeShop) LoyaltyInfo(_ context.Context, userID int64) (*LoyaltyAccount, error) {
	return &LoyaltyAccount{UserID: userID, CurrentBonus: s.bonus}, nil
}

func (s *fakeShop) CreateOrder(ctx context.Context, d OrderDraft, rules PricingRules) (*Order, error) {
	s.drafts = append(s.drafts, d)
	if len(d.Items) == 0 {
		d.Items = s.cart
	}
	return s.pay.CreateOrder(ctx, d, rules)
}

func (s *fakeShop) AddProduct(_ context.Context, p ReqProduct) (int64, error) {
	s.products = append(s.products, p)
	return int64(len(s.products)), nil
}

func (s *fakeShop) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return s.pay.GetPayment(ctx, id)
}

func (s *fakeShop) TransitionPayment(ctx context.Context, id string, to PaymentStatus) (bool, error) {
	return s.pay.TransitionPayment(ctx, id, to)
}

func (s *fakeShop) OrderByPaymentID(ctx context.Context, id string) (*Order, error) {
	return s.pay.OrderByPaymentID(ctx, id)
}

func (s *fakeShop) IssueCertificate(ctx context.Context, c Certificate) (*Certificate, bool, error) {
	return s.pay.IssueCertificate(ctx, c)
}

func (s *fakeShop) UserOrders(context.Context, int64, OrderStatus) ([]Order, error) { return nil, nil }

const (
	customerID = int64(100)
	adminID    = int64(1)
)

type botHarness struct {
	bot      *Bot
	api      *fakeMessenger
	shop     *fakeShop
	sessions *MemorySessionStore
	gw       *fakeGateway
}

func newBotHarness(t *testing.T) *botHarness {
	t.Helper()
	cfg, err := configFromEnv(envFrom(baseEnv()))
	if err != nil {
		t.Fatal(err)
	}
	cfg.AdminIDs = []int64{adminID}
	cfg.PaymentRetries = 1

	pay := newFakePayments()
	shop := &fakeShop{pay: pay, cart: []CartLine{line(1, "1500", 2)}, orders: map[int64]*Order{}}
	gw := &fakeGateway{statuses: map[string]PaymentStatus{}}
	sessions := NewMemorySessionStore(time.Hour)
	api := &fakeMessenger{}
	payments := NewPaymentManager(gw, pay, cfg, testLogger())
	r := NewReconciler(shop, cfg.Pricing, nil, testLogger())
	b := NewBot(api, shop, sessions, payments, r, cfg, testLogger())
	r.SetNotifier(b)
	b.now = func() time.Time { return time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC) }
	return &botHarness{bot: b, api: api, shop: shop, sessions: sessions, gw: gw}
}

func (h *botHarness) text(userID int64, text string) {
	msg := &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID, FirstName: "Анна"},
		Chat: &tgbotapi.Chat{ID: userID},
		Text: text,
	}
	if strings.HasPrefix(text, "/") {
		cmd, _, _ := strings.Cut(text, " ")
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	h.bot.HandleUpdate(context.Background(), tgbotapi.Update{Message: msg})
}

func (h *botHarness) photo(userID int64, fileID string) {
	h.bot.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		From:  &tgbotapi.User{ID: userID},
		Chat:  &tgbotapi.Chat{ID: userID},
		Photo: []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: fileID}},
	}})
}

func (h *botHarness) press(userID int64, data string) {
	h.bot.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: userID},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: userID}},
		Data:    data,
	}})
}

func (h *botHarness) state(userID int64) BotState {
	s, _ := h.sessions.Get(context.Background(), userID)
	return s.State
}

func TestCheckoutPickupCash(t *testing.T) {
	h := newBotHarness(t)

	h.press(customerID, "checkout")
	h.text(customerID, "Анна")
	h.text(customerID, "12")
	if h.state(customerID) != StateWaitingForPhone {
		t.Fatalf("bad phone should keep the phone step, state %d", h.state(customerID))
	}
	h.text(customerID, "+7 (900) 123-45-67")
	h.press(customerID, "dtype:pickup")
	h.press(customerID, "ddate:17.10.2026")
	if h.state(customerID) != StateWaitingForDate {
		t.Fatal("weekend date must be rejected")
	}
	h.press(customerID, "ddate:16.10.2026")
	h.press(customerID, "dtime:11:00-14:00")
	if h.state(customerID) != StateWaitingForPayment {
		t.Fatalf("without bonuses the bonus step is skipped, state %d", h.state(customerID))
	}
	h.press(customerID, "pay:cash")

	if len(h.shop.drafts) != 1 {
		t.Fatalf("orders created = %d", len(h.shop.drafts))
	}
	d := h.shop.drafts[0]
	if d.CustomerName != "Анна" || d.Phone != "+79001234567" || d.DeliveryType != DeliveryPickup ||
		d.Address != h.bot.cfg.Shop.Address || d.DeliveryDate != "16.10.2026" || d.DeliveryTime != "11:00-14:00" ||
		d.PaymentMethod != PayCash {
		t.Errorf("unexpected draft %+v", d)
	}
	if h.state(customerID) != StateStart {
		t.Errorf("session should be reset, state %d", h.state(customerID))
	}
	if !strings.Contains(h.api.last(customerID), "Заказ оформлен") {
		t.Errorf("last message = %q", h.api.last(customerID))
	}
	if !strings.Contains(h.api.last(adminID), "Новый заказ") {
		t.Errorf("admin was not notified: %q", h.api.last(adminID))
	}
}

func TestCheckoutWithBonus(t *testing.T) {
	h := newBotHarness(t)
	h.shop.bonus = 5000

	h.press(customerID, "checkout")
	h.text(customerID, "Анна")
	h.text(customerID, "+79001234567")
	h.press(customerID, "dtype:delivery")
	h.text(customerID, "ул. Ленина, 1, кв. 2")
	h.press(customerID, "ddate:16.10.2026")
	h.press(customerID, "dtime:08:00-11:00")
	if h.state(customerID) != StateWaitingForBonus {
		t.Fatalf("state %d, want bonus step", h.state(customerID))
	}
	h.press(customerID, "bonus:yes")
	s, _ := h.sessions.Get(context.Background(), customerID)
	// 30% of 3000
	if s.Draft.BonusRequested != 900 {
		t.Fatalf("bonus requested = %d", s.Draft.BonusRequested)
	}
	if !strings.Contains(h.api.last(customerID), "Итого к оплате: 2400 ₽") {
		t.Errorf("summary = %q", h.api.last(customerID))
	}
}

func TestOnlinePaymentCreatesOrderOnce(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()

	s, _ := h.sessions.Get(ctx, customerID)
	s.State = StateWaitingForPayment
	s.Draft = OrderDraft{UserID: customerID, CustomerName: "Анна", Phone: "+79001234567", DeliveryType: DeliveryPickup,
		DeliveryDate: "16.10.2026", DeliveryTime: "11:00-14:00"}
	h.sessions.Save(ctx, customerID, s)

	h.press(customerID, "pay:online")
	if len(h.shop.drafts) != 0 {
		t.Fatal("order must not exist before payment")
	}
	p, err := h.shop.pay.GetPayment(ctx, "pay-1")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Amount.Equal(decimal.NewFromInt(3000)) || p.UserID != customerID {
		t.Fatalf("payment = %+v", p)
	}

	check := checkPaymentData(p.ID)
	h.gw.statuses["pay-1"] = PaymentPending
	h.press(customerID, check)
	if !strings.Contains(h.api.last(customerID), "ещё не завершён") {
		t.Errorf("pending reply = %q", h.api.last(customerID))
	}

	h.gw.statuses["pay-1"] = PaymentSucceeded
	h.press(customerID, check)
	h.press(customerID, check)
	if len(h.shop.drafts) != 1 {
		t.Fatalf("orders created = %d, want 1", len(h.shop.drafts))
	}
	d := h.shop.drafts[0]
	if d.PaymentID != "pay-1" || d.PaymentMethod != PayOnline || len(d.Items) != 1 {
		t.Errorf("draft = %+v", d)
	}
	if d.Quote == nil || !d.Quote.Total.Equal(p.Amount) {
		t.Errorf("draft should carry the charged quote, got %+v", d.Quote)
	}
	if !strings.Contains(h.api.last(customerID), "заказ #1 оформлен") {
		t.Errorf("repeat check reply = %q", h.api.last(customerID))
	}

	// someone else's payment is not visible
	h.press(200, check)
	if !strings.Contains(h.api.last(200), "Ничего не найдено") {
		t.Errorf("foreign check reply = %q", h.api.last(200))
	}
}

func TestPaymentUnavailableResetsCheckout(t *testing.T) {
	h := newBotHarness(t)
	h.gw.failures = 10
	ctx := context.Background()

	s, _ := h.sessions.Get(ctx, customerID)
	s.State = StateWaitingForPayment
	s.Draft.DeliveryType = DeliveryPickup
	h.sessions.Save(ctx, customerID, s)

	h.press(customerID, "pay:sbp")
	if h.state(customerID) != StateStart {
		t.Errorf("state = %d", h.state(customerID))
	}
	if !strings.Contains(h.api.last(customerID), h.bot.cfg.Shop.Manager) {
		t.Errorf("reply should point to the manager: %q", h.api.last(customerID))
	}
}

func TestAdminAddProduct(t *testing.T) {
	h := newBotHarness(t)

	h.text(customerID, "/add")
	if h.state(customerID) != StateStart || !strings.Contains(h.api.last(customerID), "Неизвестная команда") {
		t.Fatal("customers cannot add products")
	}

	h.text(adminID, "/add")
	h.text(adminID, "Букет дня")
	h.text(adminID, "Пионы и розы")
	h.press(adminID, "admin:category:bouquet")
	h.text(adminID, "2 500,50")
	if h.state(adminID) != StateAdminProductPrice {
		t.Fatalf("malformed price should be asked again, state %d", h.state(adminID))
	}
	h.text(adminID, "2500,50")
	h.photo(adminID, "big")

	if len(h.shop.products) != 1 {
		t.Fatalf("products = %d", len(h.shop.products))
	}
	p := h.shop.products[0]
	if p.Name != "Букет дня" || p.Category != CategoryBouquet || !p.IsDaily || p.Photo != "big" ||
		!p.Price.Equal(decimal.RequireFromString("2500.5")) || p.OnRequest {
		t.Errorf("product = %+v", p)
	}
	if h.state(adminID) != StateStart {
		t.Errorf("state = %d", h.state(adminID))
	}
}

func TestMenuButtonLeavesForm(t *testing.T) {
	h := newBotHarness(t)
	h.press(customerID, "checkout")
	h.text(customerID, btnCatalog)
	if h.state(customerID) != StateStart {
		t.Fatalf("menu button should reset the form, state %d", h.state(customerID))
	}
}

func TestLongGatewayIDFitsCallbackData(t *testing.T) {
	h := newBotHarness(t)
	h.gw.id = "cs_test_a1YS1URlnyQCN5fUUduORoQ7Pw41PJqDWkIVQCpJPqkfIhd6tVY8XB1OLY"
	ctx := context.Background()

	s, _ := h.sessions.Get(ctx, customerID)
	s.State = StateWaitingForPayment
	s.Draft = OrderDraft{UserID: customerID, CustomerName: "Анна", Phone: "+79001234567", DeliveryType: DeliveryPickup}
	h.sessions.Save(ctx, customerID, s)
	h.press(customerID, "pay:online")

	data := h.api.callbacks(customerID)
	if len(data) == 0 {
		t.Fatal("no payment keyboard sent")
	}
	for _, d := range data {
		if len(d) > 64 {
			t.Errorf("callback data %q is %d bytes", d, len(d))
		}
	}

	h.gw.statuses[h.gw.id] = PaymentSucceeded
	h.press(customerID, data[len(data)-1])
	if len(h.shop.drafts) != 1 || h.shop.drafts[0].PaymentID != h.gw.id {
		t.Fatalf("drafts = %+v", h.shop.drafts)
	}
}

func TestCertificatePurchaseUsesPaymentRef(t *testing.T) {
	h := newBotHarness(t)
	h.gw.id = "cs_live_b1ZT2VSmoyRDO6gVVevPSpR8Qx52QDMWlWJqQCpJPqkfIhd6tVY8XB1OLZ"

	h.press(customerID, "cert:3000")
	data := h.api.callbacks(customerID)
	if len(data) != 1 || data[0] != "check:1" {
		t.Fatalf("callbacks = %v", data)
	}
}

func TestAdminAddProductRejectsDuplicateName(t *testing.T) {
	h := newBotHarness(t)
	h.shop.products = []ReqProduct{{Name: "Букет дня"}}

	h.text(adminID, "/add")
	h.text(adminID, "Букет дня")
	if h.state(adminID) != StateAdminProductName {
		t.Fatalf("duplicate name should be asked again, state %d", h.state(adminID))
	}
	h.text(adminID, "Букет недели")
	if h.state(adminID) != StateAdminProductDescription {
		t.Errorf("state = %d", h.state(adminID))
	}
}

func TestAdminDeleteProduct(t *testing.T) {
	h := newBotHarness(t)
	h.shop.products = []ReqProduct{{Name: "Букет дня"}, {Name: "Фикус"}}

	h.text(customerID, "/delete_product 1")
	if len(h.shop.deleted) != 0 {
		t.Fatal("customers cannot delete products")
	}
	h.text(adminID, "/delete_product 2")
	h.press(adminID, "admin:delete:1")
	if len(h.shop.deleted) != 2 || h.shop.deleted[0] != 2 || h.shop.deleted[1] != 1 {
		t.Fatalf("deleted = %v", h.shop.deleted)
	}
	h.text(adminID, "/delete_product 9")
	if !strings.Contains(h.api.last(adminID), "Ничего не найдено") {
		t.Errorf("missing product reply = %q", h.api.last(adminID))
	}
}

func TestAdminConfirmAndCancelOrder(t *testing.T) {
	h := newBotHarness(t)
	h.shop.orders[7] = &Order{ID: 7, UserID: customerID, Status: OrderNew, PaymentMethod: PayCash}
	h.shop.orders[8] = &Order{ID: 8, UserID: customerID, Status: OrderDelivered, PaymentMethod: PayOnline}

	h.press(customerID, "admin:cancel:7")
	if h.shop.orders[7].Status != OrderNew {
		t.Fatal("customers cannot cancel orders")
	}

	h.press(adminID, "admin:confirm:7")
	if h.shop.orders[7].Status != OrderConfirmed {
		t.Fatalf("status = %s", h.shop.orders[7].Status)
	}
	if !strings.Contains(h.api.last(customerID), "подтверждён") {
		t.Errorf("customer reply = %q", h.api.last(customerID))
	}

	h.press(adminID, "admin:cancel:7")
	if h.shop.orders[7].Status != OrderCanceled {
		t.Fatalf("status = %s", h.shop.orders[7].Status)
	}
	if !strings.Contains(h.api.last(customerID), "отменён") {
		t.Errorf("customer reply = %q", h.api.last(customerID))
	}
	h.press(adminID, "admin:deliver:7")
	if h.shop.orders[7].Status != OrderCanceled {
		t.Error("a canceled order cannot be delivered")
	}

	h.press(adminID, "admin:cancel:8")
	if h.shop.orders[8].Status != OrderDelivered || !strings.Contains(h.api.last(adminID), "отменить нельзя") {
		t.Errorf("delivered order: status %s, reply %q", h.shop.orders[8].Status, h.api.last(adminID))
	}
}
