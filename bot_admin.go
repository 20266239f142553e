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
)

const exportOrderLimit = 10000

func (b *Bot) handleAdminCommand(ctx context.Context, msg *tgbotapi.Message, sess *UserSession) error {
	chatID, userID := msg.Chat.ID, msg.From.ID
	arg := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "admin":
		return b.send(chatID, "🔧 <b>Панель администратора</b>", adminKeyboard())
	case "add":
		sess = newSession(userID)
		sess.State = StateAdminProductName
		if err := b.sessions.Save(ctx, userID, sess); err != nil {
			return err
		}
		return b.send(chatID, "🌸 <b>Новый товар</b>\n\nВведите название:\n\n<i>/cancel - отменить</i>", nil)
	case "edit_price":
		if arg == "" {
			return b.send(chatID, "Использование: /edit_price &lt;id товара&gt;", nil)
		}
		return b.startSetPrice(ctx, chatID, userID, arg)
	case "pending_prices":
		return b.showPendingPrices(ctx, chatID)
	case "reviews_debug":
		return b.showReviewStats(ctx, chatID)
	case "mark_delivered":
		if arg == "" {
			return b.send(chatID, "Использование: /mark_delivered &lt;id заказа&gt;", nil)
		}
		return b.markDelivered(ctx, chatID, arg)
	case "reset_bonus":
		target := userID
		if arg != "" {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return b.send(chatID, "Использование: /reset_bonus &lt;user_id&gt;", nil)
			}
			target = id
		}
		if err := b.store.ResetLoyalty(ctx, target); err != nil {
			return err
		}
		b.log.WithField("admin_id", userID).WithField("user_id", target).Info("loyalty reset")
		return b.send(chatID, fmt.Sprintf("✅ Бонусы пользователя %d обнулены.", target), nil)
	case "delete_product":
		if arg == "" {
			return b.send(chatID, "Использование: /delete_product &lt;id товара&gt;", nil)
		}
		return b.deleteProduct(ctx, chatID, userID, arg)
	case "export_orders":
		return b.sendExport(ctx, chatID)
	}
	return b.send(chatID, "Неизвестная команда. Напишите /help.", nil)
}

func (b *Bot) handleAdminCallback(ctx context.Context, chatID, userID int64, action, arg string, sess *UserSession) error {
	if action == "set_price" {
		return b.startSetPrice(ctx, chatID, userID, arg)
	}

	sub, rest, _ := strings.Cut(arg, ":")
	switch sub {
	case "orders":
		page, _ := strconv.Atoi(rest)
		orders, err := b.store.ListOrders(ctx, "", adminOrderLimit)
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			return b.send(chatID, "Заказов пока нет.", nil)
		}
		return b.send(chatID, fmt.Sprintf("📦 <b>Заказы</b> (всего %d):", len(orders)), adminOrdersKeyboard(orders, max(page, 0)))
	case "order":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return err
		}
		o, err := b.store.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		text := orderSummary(o) + fmt.Sprintf("\n\n🆔 Пользователь: <code>%d</code>\n🕒 %s", o.UserID,
			o.CreatedAt.In(b.now().Location()).Format("02.01.2006 15:04"))
		return b.send(chatID, text, adminOrderKeyboard(o))
	case "deliver":
		return b.markDelivered(ctx, chatID, rest)
	case "confirm":
		return b.confirmOrder(ctx, chatID, rest)
	case "cancel":
		return b.cancelOrder(ctx, chatID, userID, rest)
	case "delete":
		return b.deleteProduct(ctx, chatID, userID, rest)
	case "stats":
		return b.showStats(ctx, chatID)
	case "reviews":
		return b.showReviewStats(ctx, chatID)
	case "export":
		return b.sendExport(ctx, chatID)
	case "category":
		if sess.State != StateAdminProductCategory || (rest != CategoryBouquet && rest != CategoryPlant) {
			return nil
		}
		sess.Product.Category = rest
		sess.Product.IsDaily = rest == CategoryBouquet
		sess.State = StateAdminProductPrice
		if err := b.sessions.Save(ctx, userID, sess); err != nil {
			return err
		}
		return b.send(chatID, "💰 Введите цену в рублях (0 - цена по запросу):", nil)
	}
	return nil
}

func (b *Bot) handleAdminInput(ctx context.Context, msg *tgbotapi.Message, sess *UserSession) error {
	chatID, userID := msg.Chat.ID, msg.From.ID
	text := strings.TrimSpace(msg.Text)

	switch sess.State {
	case StateAdminProductName:
		if text == "" {
			return b.send(chatID, "Название не может быть пустым.", nil)
		}
		name := truncate(text, 200)
		exists, err := b.store.IfExists(ctx, "products", "name", name)
		if err != nil {
			return err
		}
		if exists {
			return b.send(chatID, "Товар с таким названием уже есть. Введите другое название:", nil)
		}
		sess.Product.Name = name
		sess.State = StateAdminProductDescription
		if err := b.sessions.Save(ctx, userID, sess); err != nil {
			return err
		}
		return b.send(chatID, "📝 Введите описание:", nil)

	case StateAdminProductDescription:
		sess.Product.Description = truncate(text, 300)
		sess.Product.FullDescription = text
		sess.State = StateAdminProductCategory
		if err := b.sessions.Save(ctx, userID, sess); err != nil {
			return err
		}
		return b.send(chatID, "📂 Выберите категорию:", adminCategoryKeyboard())

	case StateAdminProductCategory:
		return b.send(chatID, "Выберите категорию кнопкой:", adminCategoryKeyboard())

	case StateAdminProductPrice:
		price, err := parsePrice(text)
		if err != nil {
			return b.send(chatID, "Введите число, например 2500.", nil)
		}
		sess.Product.Price = price
		sess.Product.OnRequest = price.IsZero()
		sess.State = StateAdminProductPhoto
		if err := b.sessions.Save(ctx, userID, sess); err != nil {
			return err
		}
		return b.send(chatID, "📷 Пришлите фото товара или «-», чтобы пропустить:", nil)

	case StateAdminProductPhoto:
		if len(msg.Photo) > 0 {
			sess.Product.Photo = msg.Photo[len(msg.Photo)-1].FileID
		} else if text != "-" {
			return b.send(chatID, "Пришлите фото или «-».", nil)
		}
		id, err := b.store.AddProduct(ctx, sess.Product)
		if err != nil {
			return err
		}
		if err := b.sessions.Reset(ctx, userID); err != nil {
			return err
		}
		b.log.WithField("product_id", id).Info("product added")
		price := FormatMoney(sess.Product.Price)
		if sess.Product.OnRequest {
			price = "по запросу (назначьте через /edit_price " + strconv.FormatInt(id, 10) + ")"
		}
		return b.send(chatID, fmt.Sprintf("✅ Товар #%d «%s» добавлен.\nЦена: %s", id,
			html.EscapeString(sess.Product.Name), price), nil)

	case StateAdminSetPrice:
		price, err := parsePrice(text)
		if err != nil || !price.IsPositive() {
			return b.send(chatID, "Введите цену больше нуля, например 2500.", nil)
		}
		if err := b.store.SetProductPrice(ctx, sess.EditProductID, price); err != nil {
			return err
		}
		if err := b.sessions.Reset(ctx, userID); err != nil {
			return err
		}
		return b.send(chatID, fmt.Sprintf("✅ Цена товара #%d: %s", sess.EditProductID, FormatMoney(price)), nil)
	}
	return nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	s = strings.TrimSuffix(strings.TrimSpace(strings.TrimSuffix(s, "₽")), "руб")
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("negative price")
	}
	return d.Round(2), nil
}

// startSetPrice only accepts products whose price is still pending.
func (b *Bot) startSetPrice(ctx context.Context, chatID, userID int64, arg string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		return b.send(chatID, "ID товара должен быть числом.", nil)
	}
	p, err := b.store.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	if !p.OnRequest && !p.Price.IsZero() {
		return b.send(chatID, fmt.Sprintf("У товара #%d уже есть цена: %s", id, FormatMoney(p.Price)), nil)
	}
	sess := newSession(userID)
	sess.State = StateAdminSetPrice
	sess.EditProductID = id
	if err := b.sessions.Save(ctx, userID, sess); err != nil {
		return err
	}
	return b.send(chatID, fmt.Sprintf("💰 Введите цену для «%s»:", html.EscapeString(p.Name)), nil)
}

func (b *Bot) showPendingPrices(ctx context.Context, chatID int64) error {
	products, err := b.store.ListPendingPriceProducts(ctx)
	if err != nil {
		return err
	}
	if len(products) == 0 {
		return b.send(chatID, "✅ Все товары с ценами.", nil)
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	var sb strings.Builder
	sb.WriteString("💰 <b>Товары без цены:</b>\n\n")
	for _, p := range products {
		sb.WriteString(fmt.Sprintf("#%d %s\n", p.ID, html.EscapeString(p.Name)))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Назначить цену #%d", p.ID), fmt.Sprintf("set_price:%d", p.ID)),
			tgbotapi.NewInlineKeyboardButtonData("🗑 Удалить", fmt.Sprintf("admin:delete:%d", p.ID)),
		))
	}
	return b.send(chatID, sb.String(), tgbotapi.NewInlineKeyboardMarkup(rows...))
}

func (b *Bot) showReviewStats(ctx context.Context, chatID int64) error {
	st, err := b.store.ReviewStats(ctx)
	if err != nil {
		return err
	}
	reviews, err := b.store.Reviews(ctx, reviewsToShow)
	if err != nil {
		return err
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("⭐ <b>Отзывы</b>\n\nВсего: %d\nПо заказам: %d\nОбщих: %d\n\n", st.Total, st.ByOrder, st.General))
	for _, r := range reviews {
		order := "общий"
		if r.OrderID != nil {
			order = fmt.Sprintf("заказ #%d", *r.OrderID)
		}
		sb.WriteString(fmt.Sprintf("%d⭐ %s (%s, %d): %s\n", r.Rating, html.EscapeString(r.UserName), order, r.UserID,
			html.EscapeString(truncate(r.Text, 100))))
	}
	return b.send(chatID, sb.String(), nil)
}

func (b *Bot) showStats(ctx context.Context, chatID int64) error {
	now := b.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	st, err := b.store.Stats(ctx, dayStart)
	if err != nil {
		return err
	}
	return b.send(chatID, fmt.Sprintf("📊 <b>Статистика</b>\n\nЗаказов: %d (сегодня %d)\nВыручка: %s\nПокупателей: %d\n"+
		"Бонусов на счетах: %d ₽\nОтзывов: %d, средняя оценка %.1f",
		st.Orders, st.OrdersToday, FormatMoney(st.Revenue), st.Users, st.BonusInCirculation, st.Reviews, st.AverageRating), nil)
}

func (b *Bot) markDelivered(ctx context.Context, chatID int64, arg string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		return b.send(chatID, "ID заказа должен быть числом.", nil)
	}
	o, err := b.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if o.Status == OrderCanceled {
		return b.send(chatID, fmt.Sprintf("Заказ #%d отменён.", id), nil)
	}
	changed, err := b.store.UpdateOrderStatus(ctx, id, OrderDelivered)
	if err != nil {
		return err
	}
	if !changed {
		return b.send(chatID, fmt.Sprintf("Заказ #%d уже отмечен доставленным.", id), nil)
	}
	if err := b.send(o.UserID, fmt.Sprintf("📦 Ваш заказ #%d доставлен! Будем рады вашему отзыву 💐", id),
		tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🌸 Оценить заказ", fmt.Sprintf("review:order:%d", id))))); err != nil {
		b.log.WithField("order_id", id).Warnf("notify customer: %v", err)
	}
	return b.send(chatID, fmt.Sprintf("✅ Заказ #%d отмечен доставленным.", id), nil)
}

func (b *Bot) confirmOrder(ctx context.Context, chatID int64, arg string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		return b.send(chatID, "ID заказа должен быть числом.", nil)
	}
	o, err := b.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if o.Status != OrderNew && o.Status != OrderPaid {
		return b.send(chatID, fmt.Sprintf("Заказ #%d уже в статусе «%s».", id, statusTitle(o.Status)), nil)
	}
	if _, err := b.store.UpdateOrderStatus(ctx, id, OrderConfirmed); err != nil {
		return err
	}
	b.sendText(o.UserID, fmt.Sprintf("👍 Ваш заказ #%d подтверждён. Доставим %s, %s.", id, o.DeliveryDate, o.DeliveryTime))
	return b.send(chatID, fmt.Sprintf("✅ Заказ #%d подтверждён.", id), nil)
}

func (b *Bot) cancelOrder(ctx context.Context, chatID, userID int64, arg string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		return b.send(chatID, "ID заказа должен быть числом.", nil)
	}
	o, changed, err := b.store.CancelOrder(ctx, id)
	if errors.Is(err, ErrOrderClosed) {
		return b.send(chatID, fmt.Sprintf("Заказ #%d уже доставлен, отменить нельзя.", id), nil)
	}
	if err != nil {
		return err
	}
	if !changed {
		return b.send(chatID, fmt.Sprintf("Заказ #%d уже отменён.", id), nil)
	}
	b.log.WithField("admin_id", userID).WithField("order_id", id).Info("order canceled by admin")
	b.sendText(o.UserID, fmt.Sprintf("❌ Заказ #%d отменён. По вопросам оплаты напишите менеджеру %s.", id, b.cfg.Shop.Manager))
	reply := fmt.Sprintf("❌ Заказ #%d отменён, бонусы пересчитаны.", id)
	if o.PaymentMethod.Prepaid() || o.PaymentMethod == PayCertificate {
		reply += "\nЗаказ был оплачен: оформите возврат вручную."
	}
	return b.send(chatID, reply, nil)
}

func (b *Bot) deleteProduct(ctx context.Context, chatID, userID int64, arg string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		return b.send(chatID, "ID товара должен быть числом.", nil)
	}
	if err := b.store.DeleteProduct(ctx, id); err != nil {
		return err
	}
	b.log.WithField("admin_id", userID).WithField("product_id", id).Info("product deleted")
	return b.send(chatID, fmt.Sprintf("🗑 Товар #%d удалён.", id), nil)
}

func (b *Bot) sendExport(ctx context.Context, chatID int64) error {
	orders, err := b.store.ListOrders(ctx, "", exportOrderLimit)
	if err != nil {
		return err
	}
	data, err := ExportOrdersXLSX(orders, b.now().Location())
	if err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{
		Name:  fmt.Sprintf("orders_%s.xlsx", b.now().Format("20060102_1504")),
		Bytes: data,
	})
	doc.Caption = fmt.Sprintf("📥 Заказов в выгрузке: %d", len(orders))
	_, err = b.api.Send(doc)
	return err
}
