package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{10,15}$`)

func normalizePhone(s string) (string, bool) {
	s = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(s))
	return s, phonePattern.MatchString(s)
}

func (b *Bot) handleCheckoutCallback(ctx context.Context, chatID, userID int64, action, arg string, sess *UserSession) error {
	if action == "checkout" {
		return b.startCheckout(ctx, chatID, userID)
	}

	// stale buttons from an earlier form are ignored
	switch {
	case action == "dtype" && sess.State == StateWaitingForDeliveryType:
		switch DeliveryType(arg) {
		case DeliveryCourier:
			sess.Draft.DeliveryType = DeliveryCourier
			sess.State = StateWaitingForAddress
			if err := b.sessions.Save(ctx, userID, sess); err != nil {
				return err
			}
			return b.send(chatID, fmt.Sprintf("📍 Введите адрес доставки.\nСтоимость доставки по городу: %s",
				FormatMoney(b.cfg.Pricing.DeliveryFee)), nil)
		case DeliveryPickup:
			sess.Draft.DeliveryType = DeliveryPickup
			sess.Draft.Address = b.cfg.Shop.Address
			return b.askDate(ctx, chatID, userID, sess)
		}
	case action == "ddate" && sess.State == StateWaitingForDate:
		if !validDeliveryDate(arg, b.now()) {
			return b.askDate(ctx, chatID, userID, sess)
		}
		sess.Draft.DeliveryDate = arg
		sess.State = StateWaitingForTime
		if err := b.sessions.Save(ctx, userID, sess); err != nil {
			return err
		}
		return b.send(chatID, "⏰ Выберите удобное время:", deliveryTimeKeyboard())
	case action == "dtime" && sess.State == StateWaitingForTime:
		if !validTimeSlot(arg) {
			return b.send(chatID, "⏰ Выберите время из списка:", deliveryTimeKeyboard())
		}
		sess.Draft.DeliveryTime = arg
		return b.askBonus(ctx, chatID, userID, sess)
	case action == "bonus" && sess.State == StateWaitingForBonus:
		sess.Draft.BonusRequested = 0
		if arg == "yes" {
			_, q, err := b.quote(ctx, sess.Draft, true)
			if err != nil {
				return err
			}
			sess.Draft.BonusRequested = q.UsableBonus()
		}
		return b.askPayment(ctx, chatID, userID, sess)
	case action == "pay" && sess.State == StateWaitingForPayment:
		return b.choosePayment(ctx, chatID, userID, PaymentMethod(arg), sess)
	}
	return nil
}

func (b *Bot) startCheckout(ctx context.Context, chatID, userID int64) error {
	lines, err := b.store.GetCart(ctx, userID)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return ErrEmptyCart
	}
	for _, l := range lines {
		if !l.InStock {
			return ErrOutOfStock
		}
	}
	sess := newSession(userID)
	sess.State = StateWaitingForName
	if err := b.sessions.Save(ctx, userID, sess); err != nil {
		return err
	}
	return b.send(chatID, "📝 <b>Оформление заказа</b>\n\nКак к вам обращаться?\n\n<i>/cancel - отменить</i>", nil)
}

func (b *Bot) handleCheckoutInput(ctx context.Context, msg *tgbotapi.Message, sess *UserSession) error {
	chatID, userID := msg.Chat.ID, msg.From.ID
	text := strings.TrimSpace(msg.Text)

	switch sess.State {
	case StateWaitingForName:
		if n := len([]rune(text)); n < 2 || n > 100 {
			return b.send(chatID, "Введите имя от 2 до 100 символов.", nil)
		}
		sess.Draft.CustomerName = text
		sess.State = StateWaitingForPhone
		if err := b.sessions.Save(ctx, userID, sess); err != nil {
			return err
		}
		return b.send(chatID, "📞 Введите номер телефона для связи:", nil)

	case StateWaitingForPhone:
		phone, ok := normalizePhone(text)
		if !ok {
			return b.send(chatID, "Номер выглядит неверно. Пример: +79001234567", nil)
		}
		sess.Draft.Phone = phone
		sess.State = StateWaitingForDeliveryType
		if err := b.sessions.Save(ctx, userID, sess); err != nil {
			return err
		}
		return b.send(chatID, "🚚 Как вы хотите получить заказ?", deliveryTypeKeyboard())

	case StateWaitingForAddress:
		if len([]rune(text)) < 5 {
			return b.send(chatID, "Укажите адрес полностью: улица, дом, квартира.", nil)
		}
		sess.Draft.Address = truncate(text, 300)
		return b.askDate(ctx, chatID, userID, sess)

	case StateWaitingForCertificate:
		return b.redeemCertificate(ctx, chatID, userID, text, sess)

	case StateWaitingForDeliveryType:
		return b.send(chatID, "Пожалуйста, выберите вариант кнопкой:", deliveryTypeKeyboard())
	case StateWaitingForDate:
		return b.askDate(ctx, chatID, userID, sess)
	case StateWaitingForTime:
		return b.send(chatID, "Пожалуйста, выберите время кнопкой:", deliveryTimeKeyboard())
	case StateWaitingForBonus, StateWaitingForPayment:
		return b.send(chatID, "Пожалуйста, воспользуйтесь кнопками выше или нажмите /cancel.", nil)
	}
	return nil
}

func (b *Bot) askDate(ctx context.Context, chatID, userID int64, sess *UserSession) error {
	dates := AvailableDeliveryDates(b.now())
	sess.State = StateWaitingForDate
	if err := b.sessions.Save(ctx, userID, sess); err != nil {
		return err
	}
	if len(dates) == 0 {
		return b.send(chatID, "Свободных дат нет, напишите менеджеру "+b.cfg.Shop.Manager+".", nil)
	}
	return b.send(chatID, "📅 Выберите дату:", deliveryDateKeyboard(dates))
}

// quote prices the current cart for a draft. With all set the whole balance is
// requested, which yields the largest usable redemption.
func (b *Bot) quote(ctx context.Context, d OrderDraft, all bool) ([]CartLine, Quote, error) {
	lines, err := b.store.GetCart(ctx, d.UserID)
	if err != nil {
		return nil, Quote{}, err
	}
	if len(lines) == 0 {
		return nil, Quote{}, ErrEmptyCart
	}
	first, err := b.store.IsFirstOrder(ctx, d.UserID)
	if err != nil {
		return nil, Quote{}, err
	}
	acc, err := b.store.LoyaltyInfo(ctx, d.UserID)
	if err != nil {
		return nil, Quote{}, err
	}
	requested := d.BonusRequested
	if all {
		requested = acc.CurrentBonus
	}
	q := CalculateQuote(lines, QuoteInput{
		FirstOrder:     first,
		AvailableBonus: acc.CurrentBonus,
		BonusRequested: requested,
		DeliveryType:   d.DeliveryType,
	}, b.cfg.Pricing)
	return lines, q, nil
}

func (b *Bot) askBonus(ctx context.Context, chatID, userID int64, sess *UserSession) error {
	_, q, err := b.quote(ctx, sess.Draft, true)
	if err != nil {
		return err
	}
	usable := q.UsableBonus()
	if usable <= 0 {
		sess.Draft.BonusRequested = 0
		return b.askPayment(ctx, chatID, userID, sess)
	}
	sess.State = StateWaitingForBonus
	if err := b.sessions.Save(ctx, userID, sess); err != nil {
		return err
	}
	return b.send(chatID, fmt.Sprintf("💎 У вас %d бонусов.\nДля этого заказа можно списать до %d ₽ (не более %s%% стоимости товаров).",
		q.AvailableBonus, usable, b.cfg.Pricing.MaxBonusShare.Shift(2).String()), bonusKeyboard(usable))
}

func (b *Bot) askPayment(ctx context.Context, chatID, userID int64, sess *UserSession) error {
	lines, q, err := b.quote(ctx, sess.Draft, false)
	if err != nil {
		return err
	}
	sess.State = StateWaitingForPayment
	if err := b.sessions.Save(ctx, userID, sess); err != nil {
		return err
	}
	return b.send(chatID, checkoutSummary(lines, q, sess.Draft)+"\n\n💳 Выберите способ оплаты:", paymentMethodKeyboard())
}

func checkoutSummary(lines []CartLine, q Quote, d OrderDraft) string {
	var sb strings.Builder
	sb.WriteString("🧾 <b>Ваш заказ:</b>\n\n")
	for _, l := range lines {
		sb.WriteString(fmt.Sprintf("• %s × %d = %s\n", html.EscapeString(l.Name), l.Quantity, FormatMoney(l.Subtotal())))
	}
	sb.WriteString(fmt.Sprintf("\nТовары: %s\n", FormatMoney(q.ProductsTotal)))
	if q.Discount.IsPositive() {
		sb.WriteString(fmt.Sprintf("🎉 Скидка на первый заказ: -%s\n", FormatMoney(q.Discount)))
	}
	if q.BonusUsed > 0 {
		sb.WriteString(fmt.Sprintf("💎 Бонусы: -%d ₽\n", q.BonusUsed))
	}
	if d.DeliveryType == DeliveryPickup {
		sb.WriteString("🏪 Самовывоз: бесплатно\n")
	} else {
		sb.WriteString(fmt.Sprintf("🚚 Доставка: %s\n", FormatMoney(q.DeliveryCost)))
	}
	sb.WriteString(fmt.Sprintf("<b>Итого к оплате: %s</b>\n", FormatMoney(q.Total)))
	if q.BonusEarned > 0 {
		sb.WriteString(fmt.Sprintf("Будет начислено бонусов: +%d ₽\n", q.BonusEarned))
	}
	sb.WriteString(fmt.Sprintf("\n👤 %s, %s\n📍 %s\n📅 %s, %s",
		html.EscapeString(d.CustomerName), html.EscapeString(d.Phone), html.EscapeString(d.Address),
		d.DeliveryDate, d.DeliveryTime))
	return sb.String()
}

func (b *Bot) choosePayment(ctx context.Context, chatID, userID int64, method PaymentMethod, sess *UserSession) error {
	sess.Draft.PaymentMethod = method
	switch method {
	case PayOnline, PaySBP:
		return b.payOnline(ctx, chatID, userID, sess)
	case PayCash, PayManager:
		return b.placeOrder(ctx, chatID, userID, sess)
	case PayCertificate:
		sess.State = StateWaitingForCertificate
		if err := b.sessions.Save(ctx, userID, sess); err != nil {
			return err
		}
		return b.send(chatID, "🎁 Введите код сертификата (например, CERT-1A2B3C4D):", nil)
	}
	return b.send(chatID, "Выберите способ оплаты из списка:", paymentMethodKeyboard())
}

// payOnline opens a gateway payment carrying the whole checkout. The order
// itself is created once the payment succeeds.
func (b *Bot) payOnline(ctx context.Context, chatID, userID int64, sess *UserSession) error {
	lines, q, err := b.quote(ctx, sess.Draft, false)
	if err != nil {
		return err
	}
	draft := sess.Draft
	draft.BonusRequested = q.BonusUsed
	draft.Items = lines
	draft.Quote = &q

	created, err := b.payments.Create(ctx, PaymentRequest{
		UserID:      userID,
		Amount:      q.Total,
		Description: fmt.Sprintf("Заказ в «%s»", b.cfg.Shop.Name),
		Metadata:    PaymentMetadata{Type: KindOrder, Order: &draft},
		Items:       lines,
		Quote:       &q,
	})
	if err != nil {
		if errors.Is(err, ErrPaymentUnavailable) {
			if rerr := b.sessions.Reset(ctx, userID); rerr != nil {
				return rerr
			}
		}
		return err
	}

	sess.State = StateStart
	sess.LastPaymentID = created.ID
	if err := b.sessions.Save(ctx, userID, sess); err != nil {
		return err
	}
	return b.send(chatID, fmt.Sprintf("💳 <b>Счёт на %s создан</b>\n\nНажмите «Оплатить». Заказ будет оформлен сразу после оплаты.",
		FormatMoney(created.Amount)), paymentLinkKeyboard(created.ConfirmationURL, created.Ref))
}

func (b *Bot) placeOrder(ctx context.Context, chatID, userID int64, sess *UserSession) error {
	o, err := b.store.CreateOrder(ctx, sess.Draft, b.cfg.Pricing)
	if err != nil {
		if errors.Is(err, ErrCertificateLow) {
			sess.State = StateWaitingForPayment
			if serr := b.sessions.Save(ctx, userID, sess); serr != nil {
				return serr
			}
		}
		return err
	}
	if err := b.sessions.Reset(ctx, userID); err != nil {
		return err
	}

	tail := "Мы свяжемся с вами для подтверждения."
	if o.PaymentMethod == PayManager {
		tail = "Менеджер " + b.cfg.Shop.Manager + " свяжется с вами для оплаты."
	}
	b.notifyAdmins("🆕 <b>Новый заказ</b>\n\n" + orderSummary(o))
	return b.send(chatID, "✅ <b>Заказ оформлен!</b>\n\n"+orderSummary(o)+"\n\n"+tail, mainMenuKeyboard())
}

func (b *Bot) redeemCertificate(ctx context.Context, chatID, userID int64, code string, sess *UserSession) error {
	check, err := CheckCertificate(ctx, b.store, userID, code, b.now())
	switch {
	case errors.Is(err, ErrCertificateBlocked):
		until := ""
		if check.BlockedUntil != nil {
			until = " до " + check.BlockedUntil.In(b.now().Location()).Format("15:04")
		}
		return b.send(chatID, "⛔ Слишком много неверных попыток. Ввод сертификата заблокирован"+until+".", nil)
	case errors.Is(err, ErrCertificateInvalid):
		return b.send(chatID, fmt.Sprintf("❌ Сертификат не найден, уже использован или истёк. Осталось попыток: %d.",
			check.AttemptsLeft), nil)
	case err != nil:
		return err
	}

	_, q, err := b.quote(ctx, sess.Draft, false)
	if err != nil {
		return err
	}
	if q.Total.GreaterThan(check.Certificate.Value()) {
		sess.State = StateWaitingForPayment
		if err := b.sessions.Save(ctx, userID, sess); err != nil {
			return err
		}
		return b.send(chatID, fmt.Sprintf("❌ Номинал сертификата %d ₽ меньше суммы заказа %s. Выберите другой способ оплаты:",
			check.Certificate.Amount, FormatMoney(q.Total)), paymentMethodKeyboard())
	}
	sess.Draft.CertificateCode = check.Certificate.CertCode
	return b.placeOrder(ctx, chatID, userID, sess)
}
