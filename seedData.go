package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
)

// SeedWithData loads catalog lines of the form
// name;description;price;category[;photo] into products. Seeded items are
// permanent, not bouquets of the day.
func (s *PostgresStore) SeedWithData(ctx context.Context, fileName string) (int, error) {
	readFile, err := os.Open(fileName)
	if err != nil {
		return 0, err
	}
	defer readFile.Close()

	scanner := bufio.NewScanner(readFile)
	scanner.Split(bufio.ScanLines)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}

	inserted := 0
	for i, line := range lines {
		p, err := parseSeedLine(line)
		if err != nil {
			return inserted, fmt.Errorf("%s line %d: %w", fileName, i+1, err)
		}
		if _, err := s.AddProduct(ctx, p); err != nil {
			return inserted, err
		}
		inserted++
	}
	s.log.WithField("file", fileName).Infof("seeded %d products", inserted)
	return inserted, nil
}

func parseSeedLine(line string) (ReqProduct, error) {
	strs := strings.Split(line, ";")
	if len(strs) < 4 {
		return ReqProduct{}, fmt.Errorf("expected at least 4 fields, got %d", len(strs))
	}
	price, err := decimal.NewFromString(strings.TrimSpace(strs[2]))
	if err != nil {
		return ReqProduct{}, fmt.Errorf("price: %w", err)
	}
	category := strings.TrimSpace(strs[3])
	if category != CategoryBouquet && category != CategoryPlant {
		return ReqProduct{}, fmt.Errorf("unknown category %q", category)
	}
	p := ReqProduct{
		Name:        strings.TrimSpace(strs[0]),
		Description: strings.TrimSpace(strs[1]),
		Price:       price,
		Category:    category,
		OnRequest:   price.IsZero(),
	}
	if len(strs) > 4 {
		p.Photo = strings.TrimSpace(strs[4])
	}
	if p.Name == "" {
		return ReqProduct{}, fmt.Errorf("empty name")
	}
	return p, nil
}
