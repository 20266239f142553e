package main

import (
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	btnCatalog      = "🌸 Каталог"
	btnDelivery     = "🚚 Доставка"
	btnManager      = "📞 Менеджер"
	btnMap          = "📍 На карте"
	btnCertificate  = "🎁 Сертификат"
	btnReviews      = "⭐ Отзывы"
	btnCart         = "🛒 Корзина"
	btnMyOrders     = "🧾 Мои заказы"
	btnMyBonus      = "💎 Мои бонусы"
	btnBouquets     = "💐 Букеты"
	btnPlants       = "🌱 Горшечные растения"
	btnBackToMenu   = "⬅️ Назад в меню"
	shopMapURL      = "https://yandex.ru/maps/-/CHtdIO3I"
	ordersPerPage   = 5
	reviewsToShow   = 5
	historyToShow   = 10
	adminOrderLimit = 100
)

// menuButtons are the reply keyboard texts. Pressing one aborts any form.
var menuButtons = map[string]bool{
	btnCatalog:     true,
	btnDelivery:    true,
	btnManager:     true,
	btnMap:         true,
	btnCertificate: true,
	btnReviews:     true,
	btnCart:        true,
	btnMyOrders:    true,
	btnMyBonus:     true,
	btnBouquets:    true,
	btnPlants:      true,
	btnBackToMenu:  true,
}

func mainMenuKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnCatalog)),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnDelivery),
			tgbotapi.NewKeyboardButton(btnManager),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnMap),
			tgbotapi.NewKeyboardButton(btnCertificate),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnReviews),
			tgbotapi.NewKeyboardButton(btnCart),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnMyOrders),
			tgbotapi.NewKeyboardButton(btnMyBonus),
		),
	)
	kb.ResizeKeyboard = true
	return kb
}

func catalogKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnBouquets)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnPlants)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnBackToMenu)),
	)
	kb.ResizeKeyboard = true
	return kb
}

func managerURL(manager string) string {
	if len(manager) > 0 && manager[0] == '@' {
		manager = manager[1:]
	}
	return "https://t.me/" + manager
}

func askManagerRow(manager string) []tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("💬 Спросить у менеджера", managerURL(manager)))
}

func productKeyboard(productID int64, manager string) tgbotapi.InlineKeyboardMarkup {
	id := strconv.FormatInt(productID, 10)
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📖 Подробнее", "details:"+id)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🛒 В корзину", "add:"+id)),
		askManagerRow(manager),
	)
}

func cartKeyboard(lines []CartLine) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, l := range lines {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(
			"❌ "+truncate(l.Name, 40), fmt.Sprintf("remove:%d", l.ProductID))))
	}
	rows = append(rows,
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✅ Оформить заказ", "checkout")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🗑 Очистить корзину", "clear_cart")),
	)
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func deliveryInfoKeyboard(manager string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🚗 Условия доставки", "delivery_conditions")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("💳 Способы оплаты", "payment_methods")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📦 Самовывоз", "pickup_info")),
		askManagerRow(manager),
	)
}

func deliveryTypeKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🚚 Доставка", "dtype:"+string(DeliveryCourier)),
			tgbotapi.NewInlineKeyboardButtonData("🏪 Самовывоз", "dtype:"+string(DeliveryPickup)),
		),
	)
}

func deliveryDateKeyboard(dates []string) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for i := 0; i < len(dates); i += 2 {
		row := tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(dates[i], "ddate:"+dates[i]))
		if i+1 < len(dates) {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(dates[i+1], "ddate:"+dates[i+1]))
		}
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func deliveryTimeKeyboard() tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, slot := range DeliveryTimeSlots() {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(slot, "dtime:"+slot)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func bonusKeyboard(usable int64) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(
			fmt.Sprintf("💎 Использовать бонусы (до %d ₽)", usable), "bonus:yes")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("💳 Без бонусов", "bonus:no")),
	)
}

func paymentMethodKeyboard() tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, m := range []PaymentMethod{PayOnline, PaySBP, PayCash, PayCertificate, PayManager} {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(m.Title(), "pay:"+string(m))))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// checkPaymentData is the "check payment" callback for a payment row id.
// Gateway ids do not fit the 64 byte callback limit.
func checkPaymentData(ref int64) string {
	return "check:" + strconv.FormatInt(ref, 10)
}

func checkPaymentKeyboard(ref int64) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔄 Проверить оплату", checkPaymentData(ref))),
	)
}

func paymentLinkKeyboard(url string, ref int64) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("💳 Оплатить", url)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔄 Проверить оплату", checkPaymentData(ref))),
	)
}

func certificateKeyboard() tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	var rows [][]tgbotapi.InlineKeyboardButton
	for i, n := range CertificateNominals {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("%d ₽", n), fmt.Sprintf("cert:%d", n)))
		if len(row) == 2 || i == len(CertificateNominals)-1 {
			rows = append(rows, row)
			row = nil
		}
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func reviewsKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📖 Читать отзывы", "read_reviews")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✍️ Оставить отзыв", "review:general")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🌸 Оценить заказ", "review:orders")),
	)
}

func ratingKeyboard() tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	for i := 1; i <= 5; i++ {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(strconv.Itoa(i)+"⭐", fmt.Sprintf("rating:%d", i)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		row,
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("❌ Отмена", "review:cancel")),
	)
}

func loyaltyKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📊 История операций", "loyalty_history")),
	)
}

func adminKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📦 Заказы", "admin:orders:0")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("⭐ Отзывы", "admin:reviews")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📊 Статистика", "admin:stats")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📥 Выгрузка заказов", "admin:export")),
	)
}

func adminOrdersKeyboard(orders []Order, page int) tgbotapi.InlineKeyboardMarkup {
	start := page * ordersPerPage
	end := min(start+ordersPerPage, len(orders))
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, o := range orders[min(start, end):end] {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(
			fmt.Sprintf("Заказ #%d - %s", o.ID, statusTitle(o.Status)), fmt.Sprintf("admin:order:%d", o.ID))))
	}
	var nav []tgbotapi.InlineKeyboardButton
	if page > 0 {
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад", fmt.Sprintf("admin:orders:%d", page-1)))
	}
	if end < len(orders) {
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("Вперед ➡️", fmt.Sprintf("admin:orders:%d", page+1)))
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// adminOrderKeyboard offers the status changes allowed from the order's
// current status.
func adminOrderKeyboard(o *Order) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	if o.Status == OrderNew || o.Status == OrderPaid {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("👍 Подтвердить", fmt.Sprintf("admin:confirm:%d", o.ID))))
	}
	if o.Status != OrderDelivered && o.Status != OrderCanceled {
		rows = append(rows,
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✅ Отметить доставленным", fmt.Sprintf("admin:deliver:%d", o.ID))),
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("❌ Отменить заказ", fmt.Sprintf("admin:cancel:%d", o.ID))),
		)
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📋 Назад к списку", "admin:orders:0")))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func adminCategoryKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(btnBouquets, "admin:category:"+CategoryBouquet),
			tgbotapi.NewInlineKeyboardButtonData(btnPlants, "admin:category:"+CategoryPlant),
		),
	)
}

func statusTitle(s OrderStatus) string {
	switch s {
	case OrderNew:
		return "🆕 Новый"
	case OrderPaid:
		return "💳 Оплачен"
	case OrderConfirmed:
		return "✅ Подтверждён"
	case OrderDelivered:
		return "📦 Доставлен"
	case OrderCanceled:
		return "❌ Отменён"
	}
	return string(s)
}
