package main

import (
	"time"
)

const (
	deliveryDateLayout = "02.01.2006"
	deliveryWindowDays = 7
	sameDayCutoffHour  = 15
)

var deliveryTimeSlots = []string{
	"08:00-11:00",
	"11:00-14:00",
	"14:00-17:00",
	"17:00-20:00",
}

// AvailableDeliveryDates lists today and the following week, weekdays only.
// Today drops out once the same-day cutoff has passed.
func AvailableDeliveryDates(now time.Time) []string {
	var dates []string
	for i := 0; i <= deliveryWindowDays; i++ {
		d := now.AddDate(0, 0, i)
		if i == 0 && now.Hour() >= sameDayCutoffHour {
			continue
		}
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		dates = append(dates, d.Format(deliveryDateLayout))
	}
	return dates
}

func DeliveryTimeSlots() []string {
	return append([]string(nil), deliveryTimeSlots...)
}

func validDeliveryDate(date string, now time.Time) bool {
	for _, d := range AvailableDeliveryDates(now) {
		if d == date {
			return true
		}
	}
	return false
}

func validTimeSlot(slot string) bool {
	for _, s := range deliveryTimeSlots {
		if s == slot {
			return true
		}
	}
	return false
}
