package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Messenger is the part of *tgbotapi.BotAPI the bot uses.
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Bot struct {
	api       Messenger
	store     Storage
	sessions  SessionStore
	payments  *PaymentManager
	reconcile *Reconciler
	cfg       Config
	log       *logrus.Entry
	now       func() time.Time
}

func NewBot(api Messenger, store Storage, sessions SessionStore, payments *PaymentManager, reconcile *Reconciler, cfg Config, log *logrus.Entry) *Bot {
	loc := cfg.Loc
	if loc == nil {
		loc = time.Local
	}
	return &Bot{
		api:       api,
		store:     store,
		sessions:  sessions,
		payments:  payments,
		reconcile: reconcile,
		cfg:       cfg,
		log:       log.WithField("component", "bot"),
		now:       func() time.Time { return time.Now().In(loc) },
	}
}

func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	b.log.Info("bot started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			b.HandleUpdate(ctx, upd)
		}
	}
}

func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	var (
		chatID int64
		err    error
	)
	switch {
	case upd.Message != nil:
		chatID = upd.Message.Chat.ID
		err = b.onMessage(ctx, upd.Message)
	case upd.CallbackQuery != nil && upd.CallbackQuery.Message != nil:
		chatID = upd.CallbackQuery.Message.Chat.ID
		err = b.onCallback(ctx, upd.CallbackQuery)
	default:
		return
	}
	if err != nil {
		b.log.WithFields(logrus.Fields{"chat_id": chatID, "update_id": upd.UpdateID}).Errorf("handle update: %v", err)
		b.sendText(chatID, b.errorText(err))
	}
}

// errorText turns handler errors into something a customer can act on.
func (b *Bot) errorText(err error) string {
	switch {
	case errors.Is(err, ErrEmptyCart):
		return "🛒 Ваша корзина пуста."
	case errors.Is(err, ErrOutOfStock):
		return "😔 Некоторых товаров уже нет в наличии. Проверьте корзину."
	case errors.Is(err, ErrInsufficientBonus):
		return "💎 Недостаточно бонусов. Оформите заказ заново."
	case errors.Is(err, ErrCertificateInvalid):
		return "❌ Сертификат не найден, уже использован или истёк."
	case errors.Is(err, ErrCertificateLow):
		return "❌ Номинала сертификата недостаточно для оплаты заказа. Выберите другой способ оплаты."
	case errors.Is(err, ErrPaymentUnavailable):
		return "⚠️ Платёжная система временно недоступна. Свяжитесь с менеджером " +
			b.cfg.Shop.Manager + " и мы оформим заказ вручную."
	case errors.Is(err, ErrNotFound):
		return "🔎 Ничего не найдено."
	}
	return "⚠️ Произошла ошибка. Попробуйте позже или напишите менеджеру " + b.cfg.Shop.Manager + "."
}

func (b *Bot) onMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}
	if err := b.store.EnsureUser(ctx, User{
		ID:        msg.From.ID,
		FirstName: msg.From.FirstName,
		LastName:  msg.From.LastName,
		Username:  msg.From.UserName,
	}); err != nil {
		return err
	}
	sess, err := b.sessions.Get(ctx, msg.From.ID)
	if err != nil {
		return err
	}

	if msg.IsCommand() {
		return b.handleCommand(ctx, msg, sess)
	}
	if menuButtons[msg.Text] {
		if sess.State != StateStart {
			if err := b.sessions.Reset(ctx, msg.From.ID); err != nil {
				return err
			}
		}
		return b.handleMenu(ctx, msg)
	}
	return b.handleStateMessage(ctx, msg, sess)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message, sess *UserSession) error {
	chatID, userID := msg.Chat.ID, msg.From.ID
	switch msg.Command() {
	case "start":
		if err := b.sessions.Reset(ctx, userID); err != nil {
			return err
		}
		return b.send(chatID, fmt.Sprintf("Добро пожаловать в <b>%s</b>! 🌸\n"+
			"Каждый день новые букеты от наших флористов!\n"+
			"Выберите действие:\n\nДля справки напишите команду /help",
			html.EscapeString(b.cfg.Shop.Name)), mainMenuKeyboard())
	case "help":
		return b.sendHelp(chatID, userID)
	case "myid":
		return b.send(chatID, fmt.Sprintf("🆔 Ваш ID: <code>%d</code>\nАдминистратор: %s",
			userID, yesNo(b.cfg.IsAdmin(userID))), nil)
	case "cancel":
		if err := b.sessions.Reset(ctx, userID); err != nil {
			return err
		}
		return b.send(chatID, "Действие отменено.", mainMenuKeyboard())
	}
	if b.cfg.IsAdmin(userID) {
		return b.handleAdminCommand(ctx, msg, sess)
	}
	return b.send(chatID, "Неизвестная команда. Напишите /help.", nil)
}

func (b *Bot) sendHelp(chatID, userID int64) error {
	var sb strings.Builder
	sb.WriteString("<b>ℹ️ Справка</b>\n\n")
	sb.WriteString("/start - главное меню\n/help - эта справка\n/myid - ваш Telegram ID\n/cancel - отменить текущее действие\n\n")
	sb.WriteString("💎 <b>Бонусы:</b> ")
	sb.WriteString(fmt.Sprintf("%s%% от суммы заказа возвращается бонусами, оплатить бонусами можно до %s%% стоимости товаров.\n",
		b.cfg.Pricing.BonusEarnRate.Shift(2).String(), b.cfg.Pricing.MaxBonusShare.Shift(2).String()))
	sb.WriteString(fmt.Sprintf("🎉 Скидка %s%% на первый заказ.\n",
		b.cfg.Pricing.FirstOrderDiscount.Shift(2).String()))
	if b.cfg.IsAdmin(userID) {
		sb.WriteString("\n<b>Администратору:</b>\n/admin - панель\n/add - добавить товар\n/edit_price &lt;id&gt; - назначить цену\n" +
			"/pending_prices - товары без цены\n/reviews_debug - статистика отзывов\n" +
			"/mark_delivered &lt;id&gt; - отметить заказ доставленным\n/reset_bonus &lt;user_id&gt; - обнулить бонусы\n" +
			"/delete_product &lt;id&gt; - удалить товар\n/export_orders - выгрузка заказов в Excel\n")
	}
	return b.send(chatID, sb.String(), nil)
}

func (b *Bot) handleMenu(ctx context.Context, msg *tgbotapi.Message) error {
	chatID, userID := msg.Chat.ID, msg.From.ID
	shop := b.cfg.Shop
	switch msg.Text {
	case btnCatalog:
		return b.send(chatID, "🌸 <b>Наш каталог</b>\n\nВыберите категорию:", catalogKeyboard())
	case btnBouquets:
		return b.showCategory(ctx, chatID, CategoryBouquet)
	case btnPlants:
		return b.showCategory(ctx, chatID, CategoryPlant)
	case btnBackToMenu:
		return b.send(chatID, "Главное меню:", mainMenuKeyboard())
	case btnDelivery:
		return b.send(chatID, "<b>🚚 ДОСТАВКА И ОПЛАТА</b>\n\nЗдесь вы найдёте условия доставки, способы оплаты и самовывоза.",
			deliveryInfoKeyboard(shop.Manager))
	case btnManager:
		return b.send(chatID, "👋 <b>Свяжитесь с менеджером</b>\n\n"+
			"• Ответим на все вопросы\n• Поможем с выбором букета\n• Уточним наличие и сроки\n• Примем срочный заказ",
			tgbotapi.NewInlineKeyboardMarkup(askManagerRow(shop.Manager)))
	case btnMap:
		return b.send(chatID, fmt.Sprintf("📍 <b>Адрес:</b> %s\n📞 <b>Телефон:</b> %s\n🕒 <b>Часы работы:</b> %s\n\n"+
			"🔗 <a href=\"%s\">Открыть в Яндекс.Картах</a>",
			shop.Address, shop.Phone, shop.WorkHours, shopMapURL), nil)
	case btnCertificate:
		return b.send(chatID, "🎁 <b>Выберите номинал подарочного сертификата:</b>\n\n"+
			"• 💳 Оплата картой или СБП\n• 📄 Мгновенная выдача после оплаты\n• 🎯 Действует 1 год\n• 🌸 На любой товар в магазине",
			certificateKeyboard())
	case btnReviews:
		return b.send(chatID, "⭐ <b>Отзывы</b>\n\nПочитайте, что говорят наши покупатели, или поделитесь впечатлениями.",
			reviewsKeyboard())
	case btnCart:
		return b.showCart(ctx, chatID, userID)
	case btnMyOrders:
		return b.showOrders(ctx, chatID, userID)
	case btnMyBonus:
		return b.showBonus(ctx, chatID, userID)
	}
	return nil
}

func (b *Bot) handleStateMessage(ctx context.Context, msg *tgbotapi.Message, sess *UserSession) error {
	switch {
	case sess.State.Checkout():
		return b.handleCheckoutInput(ctx, msg, sess)
	case sess.State == StateWaitingForReviewText:
		return b.saveReview(ctx, msg, sess)
	case sess.State == StateWaitingForReviewRating:
		return b.send(msg.Chat.ID, "Пожалуйста, выберите оценку кнопками ниже.", ratingKeyboard())
	case sess.State >= StateAdminProductName && b.cfg.IsAdmin(msg.From.ID):
		return b.handleAdminInput(ctx, msg, sess)
	}
	return b.send(msg.Chat.ID, "Выберите действие в меню 👇", mainMenuKeyboard())
}

func (b *Bot) onCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) error {
	if _, err := b.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		b.log.WithField("callback", cq.Data).Warnf("answer callback: %v", err)
	}
	chatID, userID := cq.Message.Chat.ID, cq.From.ID
	sess, err := b.sessions.Get(ctx, userID)
	if err != nil {
		return err
	}

	action, arg, _ := strings.Cut(cq.Data, ":")
	switch action {
	case "details":
		return b.showDetails(ctx, chatID, arg)
	case "add":
		return b.addToCart(ctx, chatID, userID, arg)
	case "remove":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return err
		}
		if err := b.store.RemoveFromCart(ctx, userID, id); err != nil {
			return err
		}
		return b.showCart(ctx, chatID, userID)
	case "clear_cart":
		if err := b.store.ClearCart(ctx, userID); err != nil {
			return err
		}
		return b.send(chatID, "🗑 Корзина очищена.", nil)
	case "delivery_conditions":
		return b.send(chatID, fmt.Sprintf("<b>Условия доставки</b>\n\n<b>– По городу:</b> %s\n<b>– За МКАД:</b> индивидуальный расчёт\n\n"+
			"<b>Сроки:</b>\n– В день заказа при оформлении до %d:00\n– На следующий рабочий день после %d:00\n"+
			"– На конкретную дату по предзаказу (до %d дней вперёд)",
			FormatMoney(b.cfg.Pricing.DeliveryFee), sameDayCutoffHour, sameDayCutoffHour, deliveryWindowDays), nil)
	case "payment_methods":
		return b.send(chatID, "<b>Способы оплаты</b>\n\n💳 Онлайн картой\n🔄 СБП\n💵 Наличными при получении\n"+
			"🎁 Подарочным сертификатом\n💬 Через менеджера", nil)
	case "pickup_info":
		shop := b.cfg.Shop
		return b.send(chatID, fmt.Sprintf("<b>Самовывоз</b>\n\nЗабрать заказ можно по адресу:\n📍 <b>%s</b>\n\n"+
			"🕒 <b>Часы работы:</b> %s\n📞 <b>Телефон:</b> %s", shop.Address, shop.WorkHours, shop.Phone), nil)
	case "checkout", "dtype", "ddate", "dtime", "bonus", "pay":
		return b.handleCheckoutCallback(ctx, chatID, userID, action, arg, sess)
	case "check":
		return b.checkPayment(ctx, chatID, userID, arg)
	case "cert":
		return b.buyCertificate(ctx, chatID, userID, arg)
	case "read_reviews":
		return b.showReviews(ctx, chatID)
	case "review":
		return b.startReview(ctx, chatID, userID, arg, sess)
	case "rating":
		return b.setRating(ctx, chatID, userID, arg, sess)
	case "loyalty_history":
		return b.showLoyaltyHistory(ctx, chatID, userID)
	case "admin", "set_price":
		if !b.cfg.IsAdmin(userID) {
			return nil
		}
		return b.handleAdminCallback(ctx, chatID, userID, action, arg, sess)
	}
	b.log.WithField("callback", cq.Data).Debug("unknown callback")
	return nil
}

func (b *Bot) showCategory(ctx context.Context, chatID int64, category string) error {
	products, err := b.store.ListProducts(ctx, category)
	if err != nil {
		return err
	}
	if len(products) == 0 {
		return b.send(chatID, "🌺 <b>Сейчас здесь пусто.</b>\n\nНаши флористы готовят новые композиции. "+
			"Загляните позже или свяжитесь с менеджером, и мы подберём букет под ваш запрос.",
			tgbotapi.NewInlineKeyboardMarkup(askManagerRow(b.cfg.Shop.Manager)))
	}
	for _, p := range products {
		caption := fmt.Sprintf("<b>%s</b>\n%s\n\n💰 %s", html.EscapeString(p.Name),
			html.EscapeString(p.Description), FormatMoney(p.Price))
		if err := b.sendProduct(chatID, p, caption); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) sendProduct(chatID int64, p Product, caption string) error {
	kb := productKeyboard(p.ID, b.cfg.Shop.Manager)
	if p.Photo == "" {
		return b.send(chatID, caption, kb)
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileID(p.Photo))
	photo.Caption = caption
	photo.ParseMode = tgbotapi.ModeHTML
	photo.ReplyMarkup = kb
	_, err := b.api.Send(photo)
	return err
}

func (b *Bot) showDetails(ctx context.Context, chatID int64, arg string) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return err
	}
	p, err := b.store.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	desc := p.FullDescription
	if desc == "" {
		desc = p.Description
	}
	price := FormatMoney(p.Price)
	if p.OnRequest || p.Price.IsZero() {
		price = "по запросу"
	}
	stock := "✅ В наличии"
	if !p.InStock {
		stock = "❌ Нет в наличии"
	}
	return b.send(chatID, fmt.Sprintf("<b>%s</b>\n\n%s\n\n💰 %s\n%s",
		html.EscapeString(p.Name), html.EscapeString(desc), price, stock), productKeyboard(p.ID, b.cfg.Shop.Manager))
}

func (b *Bot) addToCart(ctx context.Context, chatID, userID int64, arg string) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return err
	}
	if err := b.store.AddToCart(ctx, userID, id); err != nil {
		return err
	}
	return b.send(chatID, "✅ Товар добавлен в корзину.", nil)
}

func (b *Bot) showCart(ctx context.Context, chatID, userID int64) error {
	lines, err := b.store.GetCart(ctx, userID)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return b.send(chatID, "🛒 Ваша корзина пуста.", nil)
	}
	var sb strings.Builder
	sb.WriteString("🛒 <b>Ваша корзина:</b>\n\n")
	for _, l := range lines {
		sb.WriteString(fmt.Sprintf("• %s × %d = %s", html.EscapeString(l.Name), l.Quantity, FormatMoney(l.Subtotal())))
		if !l.InStock {
			sb.WriteString(" (нет в наличии)")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("\n💰 <b>Итого: %s</b>", FormatMoney(CartTotal(lines))))
	return b.send(chatID, sb.String(), cartKeyboard(lines))
}

func (b *Bot) showOrders(ctx context.Context, chatID, userID int64) error {
	orders, err := b.store.UserOrders(ctx, userID, "")
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return b.send(chatID, "🧾 У вас пока нет заказов.", nil)
	}
	var sb strings.Builder
	sb.WriteString("🧾 <b>Ваши заказы:</b>\n\n")
	for i, o := range orders {
		if i == ordersPerPage*2 {
			break
		}
		sb.WriteString(fmt.Sprintf("<b>#%d</b> от %s - %s\n%s, %s\n\n", o.ID,
			o.CreatedAt.In(b.now().Location()).Format("02.01.2006"), statusTitle(o.Status),
			FormatMoney(o.Total), o.PaymentMethod.Title()))
	}
	return b.send(chatID, sb.String(), nil)
}

func (b *Bot) showBonus(ctx context.Context, chatID, userID int64) error {
	acc, err := b.store.LoyaltyInfo(ctx, userID)
	if err != nil {
		return err
	}
	return b.send(chatID, fmt.Sprintf("💎 <b>Ваши бонусы</b>\n\nДоступно: <b>%d ₽</b>\nВсего начислено: %d ₽\nСумма покупок: %s\n\n"+
		"За каждый заказ начисляется %s%% бонусами. Бонусами можно оплатить до %s%% стоимости товаров.",
		acc.CurrentBonus, acc.TotalBonusEarned, FormatMoney(acc.TotalSpent),
		b.cfg.Pricing.BonusEarnRate.Shift(2).String(), b.cfg.Pricing.MaxBonusShare.Shift(2).String()), loyaltyKeyboard())
}

func (b *Bot) showLoyaltyHistory(ctx context.Context, chatID, userID int64) error {
	entries, err := b.store.LoyaltyHistory(ctx, userID, historyToShow)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return b.send(chatID, "📊 Операций с бонусами пока не было.", nil)
	}
	var sb strings.Builder
	sb.WriteString("📊 <b>История операций:</b>\n\n")
	for _, e := range entries {
		sign := ""
		if e.PointsChange > 0 {
			sign = "+"
		}
		sb.WriteString(fmt.Sprintf("%s  %s%d ₽  %s (остаток %d)\n",
			e.CreatedAt.In(b.now().Location()).Format("02.01 15:04"), sign, e.PointsChange,
			html.EscapeString(e.Reason), e.RemainingPoints))
	}
	return b.send(chatID, sb.String(), nil)
}

func (b *Bot) showReviews(ctx context.Context, chatID int64) error {
	reviews, err := b.store.Reviews(ctx, reviewsToShow)
	if err != nil {
		return err
	}
	if len(reviews) == 0 {
		return b.send(chatID, "Отзывов пока нет. Будьте первым! ✍️", nil)
	}
	var sb strings.Builder
	sb.WriteString("⭐ <b>Отзывы покупателей:</b>\n\n")
	for _, r := range reviews {
		sb.WriteString(fmt.Sprintf("%s <b>%s</b>\n%s\n\n", strings.Repeat("⭐", r.Rating),
			html.EscapeString(r.UserName), html.EscapeString(r.Text)))
	}
	return b.send(chatID, sb.String(), nil)
}

func (b *Bot) startReview(ctx context.Context, chatID, userID int64, arg string, sess *UserSession) error {
	kind, rest, _ := strings.Cut(arg, ":")
	switch kind {
	case "cancel":
		if err := b.sessions.Reset(ctx, userID); err != nil {
			return err
		}
		return b.send(chatID, "Отзыв отменён.", nil)
	case "orders":
		orders, err := b.store.UserOrders(ctx, userID, OrderDelivered)
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			return b.send(chatID, "У вас пока нет доставленных заказов для оценки.", nil)
		}
		var rows [][]tgbotapi.InlineKeyboardButton
		for _, o := range orders {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("Заказ #%d на %s", o.ID, FormatMoney(o.Total)), fmt.Sprintf("review:order:%d", o.ID))))
		}
		return b.send(chatID, "Выберите заказ для оценки:", tgbotapi.NewInlineKeyboardMarkup(rows...))
	case "order":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return err
		}
		o, err := b.store.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return ErrNotFound
		}
		sess.ReviewOrderID = &o.ID
	default:
		sess.ReviewOrderID = nil
	}
	sess.State = StateWaitingForReviewRating
	if err := b.sessions.Save(ctx, userID, sess); err != nil {
		return err
	}
	return b.send(chatID, "Оцените, пожалуйста, от 1 до 5:", ratingKeyboard())
}

func (b *Bot) setRating(ctx context.Context, chatID, userID int64, arg string, sess *UserSession) error {
	if sess.State != StateWaitingForReviewRating {
		return nil
	}
	rating, err := strconv.Atoi(arg)
	if err != nil || rating < 1 || rating > 5 {
		return b.send(chatID, "Оценка должна быть от 1 до 5.", ratingKeyboard())
	}
	sess.ReviewRating = rating
	sess.State = StateWaitingForReviewText
	if err := b.sessions.Save(ctx, userID, sess); err != nil {
		return err
	}
	return b.send(chatID, "Спасибо! Теперь напишите пару слов о впечатлениях:", nil)
}

func (b *Bot) saveReview(ctx context.Context, msg *tgbotapi.Message, sess *UserSession) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return b.send(msg.Chat.ID, "Напишите текст отзыва или нажмите /cancel.", nil)
	}
	name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	if name == "" {
		name = msg.From.UserName
	}
	if err := b.store.AddReview(ctx, Review{
		UserID:   msg.From.ID,
		UserName: name,
		Text:     truncate(text, 1000),
		Rating:   sess.ReviewRating,
		OrderID:  sess.ReviewOrderID,
	}); err != nil {
		return err
	}
	if err := b.sessions.Reset(ctx, msg.From.ID); err != nil {
		return err
	}
	b.notifyAdmins(fmt.Sprintf("⭐ Новый отзыв (%d/5) от %s:\n%s", sess.ReviewRating,
		html.EscapeString(name), html.EscapeString(text)))
	return b.send(msg.Chat.ID, "💐 Спасибо за отзыв!", mainMenuKeyboard())
}

func (b *Bot) buyCertificate(ctx context.Context, chatID, userID int64, arg string) error {
	amount, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || !validNominal(amount) {
		return b.send(chatID, "Выберите номинал из списка.", certificateKeyboard())
	}
	code := NewCertificateCode()
	created, err := b.payments.Create(ctx, PaymentRequest{
		UserID:      userID,
		Amount:      decimal.NewFromInt(amount),
		Description: certificateDescription(amount),
		Metadata:    PaymentMetadata{Type: KindCertificate, CertCode: code, Amount: amount},
	})
	if err != nil {
		return err
	}
	return b.send(chatID, fmt.Sprintf("🎁 <b>Сертификат на %d ₽</b>\n\nНажмите «Оплатить», после оплаты сертификат придёт сюда.", amount),
		paymentLinkKeyboard(created.ConfirmationURL, created.Ref))
}

// checkPayment serves the "check payment" button for orders and certificates.
// arg is the payment row id.
func (b *Bot) checkPayment(ctx context.Context, chatID, userID int64, arg string) error {
	ref, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return ErrNotFound
	}
	p, err := b.store.PaymentByRef(ctx, ref)
	if err != nil {
		return err
	}
	if p.UserID != userID {
		return ErrNotFound
	}
	paymentID := p.PaymentID
	status := p.Status
	if !status.Terminal() {
		if status, err = b.payments.Status(ctx, paymentID); err != nil {
			return err
		}
	}
	res, err := b.reconcile.Apply(ctx, paymentID, status)
	if err != nil {
		return err
	}
	switch res.Status {
	case PaymentSucceeded:
		if res.Changed {
			return nil
		}
		if res.Order != nil {
			return b.send(chatID, fmt.Sprintf("✅ Оплата получена, заказ #%d оформлен.", res.Order.ID), mainMenuKeyboard())
		}
		if res.Certificate != nil {
			return b.send(chatID, certificateText(res.Certificate, b.now().Location()), nil)
		}
		return b.send(chatID, "✅ Оплата получена.", nil)
	case PaymentCanceled:
		if res.Changed {
			return nil
		}
		return b.send(chatID, "❌ Платёж отменён. Попробуйте оформить заново или свяжитесь с менеджером "+b.cfg.Shop.Manager+".", nil)
	}
	return b.send(chatID, "⏳ Платёж ещё не завершён. Если вы уже оплатили, проверьте через минуту.",
		checkPaymentKeyboard(p.ID))
}

func certificateText(c *Certificate, loc *time.Location) string {
	return fmt.Sprintf("🎁 <b>Ваш подарочный сертификат</b>\n\nКод: <code>%s</code>\nНоминал: %d ₽\nДействует до: %s\n\n"+
		"Введите код при оформлении заказа, выбрав оплату сертификатом.",
		c.CertCode, c.Amount, c.ExpiresAt().In(loc).Format("02.01.2006"))
}

func (b *Bot) OrderPaid(_ context.Context, o *Order) {
	b.sendText(o.UserID, "✅ <b>Оплата получена!</b>\n\n"+orderSummary(o))
	b.notifyAdmins("🆕 <b>Новый оплаченный заказ</b>\n\n" + orderSummary(o))
}

func (b *Bot) CertificateIssued(_ context.Context, c *Certificate) {
	b.sendText(c.UserID, certificateText(c, b.now().Location()))
	b.notifyAdmins(fmt.Sprintf("🎁 Продан сертификат %s на %d ₽ (пользователь %d)", c.CertCode, c.Amount, c.UserID))
}

func (b *Bot) PaymentCanceled(_ context.Context, p *Payment) {
	b.sendText(p.UserID, "❌ Платёж на "+FormatMoney(p.Amount)+" отменён. Попробуйте ещё раз или свяжитесь с менеджером "+
		b.cfg.Shop.Manager+".")
}

func orderSummary(o *Order) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("<b>Заказ #%d</b> - %s\n\n", o.ID, statusTitle(o.Status)))
	for _, l := range o.Items {
		sb.WriteString(fmt.Sprintf("• %s × %d = %s\n", html.EscapeString(l.Name), l.Quantity, FormatMoney(l.Subtotal())))
	}
	sb.WriteString(fmt.Sprintf("\nТовары: %s\n", FormatMoney(o.ProductsTotal)))
	if o.DiscountApplied.IsPositive() {
		sb.WriteString(fmt.Sprintf("Скидка на первый заказ: -%s\n", FormatMoney(o.DiscountApplied)))
	}
	if o.BonusUsed > 0 {
		sb.WriteString(fmt.Sprintf("Оплачено бонусами: -%d ₽\n", o.BonusUsed))
	}
	if o.DeliveryCost.IsPositive() {
		sb.WriteString(fmt.Sprintf("Доставка: %s\n", FormatMoney(o.DeliveryCost)))
	}
	sb.WriteString(fmt.Sprintf("<b>Итого: %s</b>\n", FormatMoney(o.Total)))
	if o.BonusEarned > 0 {
		sb.WriteString(fmt.Sprintf("Начислено бонусов: +%d ₽\n", o.BonusEarned))
	}
	sb.WriteString(fmt.Sprintf("\n👤 %s, %s\n", html.EscapeString(o.CustomerName), html.EscapeString(o.Phone)))
	if o.DeliveryType == DeliveryPickup {
		sb.WriteString("🏪 Самовывоз")
	} else {
		sb.WriteString("🚚 " + html.EscapeString(o.Address))
	}
	sb.WriteString(fmt.Sprintf("\n📅 %s, %s\n💳 %s", o.DeliveryDate, o.DeliveryTime, o.PaymentMethod.Title()))
	return sb.String()
}

func (b *Bot) notifyAdmins(text string) {
	for _, id := range b.cfg.AdminIDs {
		b.sendText(id, text)
	}
}

func (b *Bot) send(chatID int64, text string, markup any) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	_, err := b.api.Send(msg)
	return err
}

// sendText is send for places that have nobody to report a failure to.
func (b *Bot) sendText(chatID int64, text string) {
	if err := b.send(chatID, text, nil); err != nil {
		b.log.WithField("chat_id", chatID).Warnf("send message: %v", err)
	}
}

func yesNo(v bool) string {
	if v {
		return "да"
	}
	return "нет"
}
