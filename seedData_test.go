package main

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseSeedLine(t *testing.T) {
	tests := []struct {
		line      string
		want      ReqProduct
		wantError bool
	}{
		{
			line: "Букет «Нежность»;Розы и эустома;3500;bouquet;AgACAgIAAx",
			want: ReqProduct{Name: "Букет «Нежность»", Description: "Розы и эустома", Price: decimal.NewFromInt(3500), Category: CategoryBouquet, Photo: "AgACAgIAAx"},
		},
		{
			line: "Монстера; Большая ;0;plant",
			want: ReqProduct{Name: "Монстера", Description: "Большая", Price: decimal.Zero, Category: CategoryPlant, OnRequest: true},
		},
		{line: "Без цены;описание;abc;plant", wantError: true},
		{line: "Кактус;описание;100;tree", wantError: true},
		{line: ";описание;100;plant", wantError: true},
		{line: "мало;полей", wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseSeedLine(tt.line)
			if tt.wantError {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Name != tt.want.Name || got.Description != tt.want.Description || got.Category != tt.want.Category ||
				got.Photo != tt.want.Photo || got.OnRequest != tt.want.OnRequest || !got.Price.Equal(tt.want.Price) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
