package main

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/tealeg/xlsx"
)

var orderExportHeaders = []string{
	"ID", "Дата", "Статус", "Покупатель", "Телефон", "Получение", "Адрес", "Дата доставки", "Время",
	"Оплата", "Товары", "Сумма товаров", "Скидка", "Бонусы списано", "Бонусы начислено", "Доставка", "Итого",
}

// ExportOrdersXLSX renders orders as a single-sheet workbook.
func ExportOrdersXLSX(orders []Order, loc *time.Location) ([]byte, error) {
	if loc == nil {
		loc = time.UTC
	}
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Заказы")
	if err != nil {
		return nil, fmt.Errorf("add sheet: %w", err)
	}

	header := sheet.AddRow()
	for _, h := range orderExportHeaders {
		header.AddCell().SetValue(h)
	}

	for _, o := range orders {
		items := make([]string, 0, len(o.Items))
		for _, it := range o.Items {
			items = append(items, fmt.Sprintf("%s x%d", it.Name, it.Quantity))
		}
		delivery := "Доставка"
		if o.DeliveryType == DeliveryPickup {
			delivery = "Самовывоз"
		}

		row := sheet.AddRow()
		row.AddCell().SetValue(o.ID)
		row.AddCell().SetValue(o.CreatedAt.In(loc).Format("2006-01-02 15:04:05"))
		row.AddCell().SetValue(statusTitle(o.Status))
		row.AddCell().SetValue(o.CustomerName)
		row.AddCell().SetValue(o.Phone)
		row.AddCell().SetValue(delivery)
		row.AddCell().SetValue(o.Address)
		row.AddCell().SetValue(o.DeliveryDate)
		row.AddCell().SetValue(o.DeliveryTime)
		row.AddCell().SetValue(o.PaymentMethod.Title())
		row.AddCell().SetValue(strings.Join(items, ", "))
		row.AddCell().SetFloat(o.ProductsTotal.InexactFloat64())
		row.AddCell().SetFloat(o.DiscountApplied.InexactFloat64())
		row.AddCell().SetValue(o.BonusUsed)
		row.AddCell().SetValue(o.BonusEarned)
		row.AddCell().SetFloat(o.DeliveryCost.InexactFloat64())
		row.AddCell().SetFloat(o.Total.InexactFloat64())
	}

	var buf bytes.Buffer
	if err := file.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
