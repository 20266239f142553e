package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func (s *PostgresStore) EnsureUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `insert into users (id, first_name, last_name, username)
	values ($1, $2, $3, $4)
	on conflict (id) do update set first_name = excluded.first_name,
		last_name = excluded.last_name, username = excluded.username`,
		u.ID, u.FirstName, u.LastName, u.Username)
	return err
}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isFirstOrder(ctx context.Context, q execQueryer, userID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `select count(*) from orders where user_id = $1 and status <> $2`,
		userID, string(OrderCanceled)).Scan(&n)
	return n == 0, err
}

func (s *PostgresStore) IsFirstOrder(ctx context.Context, userID int64) (bool, error) {
	return isFirstOrder(ctx, s.db, userID)
}

// CreateOrder prices the draft against the live loyalty balance and writes the
// order, the bonus movements and the history rows in one transaction. The cart
// is cleared on success.
//
// Items come from the draft when present (a paid snapshot), otherwise from the
// current cart, which must be non-empty and fully in stock. A snapshot with a
// Quote keeps the figures the customer was charged for.
func (s *PostgresStore) CreateOrder(ctx context.Context, draft OrderDraft, rules PricingRules) (*Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	items := draft.Items
	if len(items) == 0 {
		if items, err = getCart(ctx, tx, draft.UserID); err != nil {
			return nil, err
		}
		for _, l := range items {
			if !l.InStock {
				return nil, ErrOutOfStock
			}
		}
	}
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	balance, err := lockLoyalty(ctx, tx, draft.UserID)
	if err != nil {
		return nil, err
	}

	var q Quote
	if draft.Quote != nil && draft.PaymentMethod.Prepaid() {
		q = *draft.Quote
	} else {
		firstOrder, err := isFirstOrder(ctx, tx, draft.UserID)
		if err != nil {
			return nil, err
		}
		q = CalculateQuote(items, QuoteInput{
			FirstOrder:     firstOrder,
			AvailableBonus: balance,
			BonusRequested: draft.BonusRequested,
			DeliveryType:   draft.DeliveryType,
		}, rules)
		if !draft.PaymentMethod.Prepaid() && q.BonusUsed < draft.BonusRequested {
			return nil, ErrInsufficientBonus
		}
	}

	status := OrderNew
	if draft.PaymentMethod.Prepaid() {
		status = OrderPaid
	}

	var cert *Certificate
	if draft.PaymentMethod == PayCertificate {
		if cert, err = s.redeemCertificate(ctx, tx, draft.CertificateCode, q.Total); err != nil {
			return nil, err
		}
		status = OrderPaid
	}

	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}

	o := &Order{
		UserID:          draft.UserID,
		Items:           items,
		ProductsTotal:   q.ProductsTotal,
		DiscountApplied: q.Discount,
		BonusUsed:       q.BonusUsed,
		BonusEarned:     q.BonusEarned,
		DeliveryCost:    q.DeliveryCost,
		Total:           q.Total,
		CustomerName:    draft.CustomerName,
		Phone:           draft.Phone,
		Address:         draft.Address,
		DeliveryType:    draft.DeliveryType,
		DeliveryDate:    draft.DeliveryDate,
		DeliveryTime:    draft.DeliveryTime,
		PaymentMethod:   draft.PaymentMethod,
		PaymentID:       draft.PaymentID,
		CertificateCode: draft.CertificateCode,
		Status:          status,
	}

	query := `insert into orders (user_id, items, products_total, discount_applied, bonus_used, bonus_earned,
		delivery_cost, total, customer_name, phone, address, delivery_type, delivery_date, delivery_time,
		payment_method, payment_id, certificate_code, status)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, nullif($16, ''), nullif($17, ''), $18)
	returning id, created_at`
	err = tx.QueryRowContext(ctx, query, o.UserID, itemsJSON, o.ProductsTotal, o.DiscountApplied, o.BonusUsed,
		o.BonusEarned, o.DeliveryCost, o.Total, o.CustomerName, o.Phone, o.Address, string(o.DeliveryType),
		o.DeliveryDate, o.DeliveryTime, string(o.PaymentMethod), o.PaymentID, o.CertificateCode,
		string(o.Status)).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `insert into order_history (order_id, status) values ($1, $2)`,
		o.ID, string(o.Status)); err != nil {
		return nil, err
	}

	// a paid quote can promise more bonus than is left by now
	debit := min(q.BonusUsed, balance)
	if debit < q.BonusUsed {
		s.log.WithFields(logrus.Fields{
			"order_id":  o.ID,
			"user_id":   o.UserID,
			"shortfall": q.BonusUsed - debit,
		}).Warn("bonus balance below the paid quote, debiting what is left")
	}
	if debit > 0 {
		balance -= debit
		if err := moveBonus(ctx, tx, o.UserID, &o.ID, -debit, balance,
			fmt.Sprintf("Списание за заказ #%d", o.ID)); err != nil {
			return nil, err
		}
	}
	if q.BonusEarned > 0 {
		balance += q.BonusEarned
		if err := moveBonus(ctx, tx, o.UserID, &o.ID, q.BonusEarned, balance,
			fmt.Sprintf("Начисление за заказ #%d", o.ID)); err != nil {
			return nil, err
		}
	}
	if cert != nil {
		rest := cert.Value().Sub(q.Total).Floor().IntPart()
		if rest > 0 {
			balance += rest
			if err := moveBonus(ctx, tx, o.UserID, &o.ID, rest, balance,
				fmt.Sprintf("Остаток сертификата %s", cert.CertCode)); err != nil {
				return nil, err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `update loyalty_program set current_bonus = $2,
		total_bonus_earned = total_bonus_earned + $3, total_spent = total_spent + $4, updated_at = now()
	where user_id = $1`, o.UserID, balance, q.BonusEarned, o.Total); err != nil {
		return nil, fmt.Errorf("update loyalty: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `delete from cart where user_id = $1`, o.UserID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.log.WithField("order_id", o.ID).WithField("user_id", o.UserID).
		Infof("order created, total %s, bonus used %d, earned %d", o.Total, o.BonusUsed, o.BonusEarned)
	return o, nil
}

// lockLoyalty returns the current balance, creating the account on first use.
func lockLoyalty(ctx context.Context, tx *sql.Tx, userID int64) (int64, error) {
	if _, err := tx.ExecContext(ctx, `insert into loyalty_program (user_id) values ($1)
	on conflict (user_id) do nothing`, userID); err != nil {
		return 0, err
	}
	var balance int64
	err := tx.QueryRowContext(ctx, `select current_bonus from loyalty_program where user_id = $1 for update`,
		userID).Scan(&balance)
	return balance, err
}

func moveBonus(ctx context.Context, tx *sql.Tx, userID int64, orderID *int64, change, remaining int64, reason string) error {
	_, err := tx.ExecContext(ctx, `insert into loyalty_history (user_id, order_id, points_change, reason, remaining_points)
	values ($1, $2, $3, $4, $5)`, userID, nullInt64(orderID), change, reason, remaining)
	if err != nil {
		return fmt.Errorf("loyalty history: %w", err)
	}
	return nil
}

func (s *PostgresStore) redeemCertificate(ctx context.Context, tx *sql.Tx, code string, total decimal.Decimal) (*Certificate, error) {
	var c Certificate
	err := tx.QueryRowContext(ctx, `select id, user_id, amount, cert_code, payment_id, used, created_at
	from certificates where cert_code = $1 for update`, code).
		Scan(&c.ID, &c.UserID, &c.Amount, &c.CertCode, &c.PaymentID, &c.Used, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCertificateInvalid
	}
	if err != nil {
		return nil, err
	}
	if !c.Valid(time.Now()) {
		return nil, ErrCertificateInvalid
	}
	if c.Value().LessThan(total) {
		return nil, ErrCertificateLow
	}
	if _, err := tx.ExecContext(ctx, `update certificates set used = true where id = $1`, c.ID); err != nil {
		return nil, err
	}
	c.Used = true
	return &c, nil
}

const orderColumns = `id, user_id, items, products_total, discount_applied, bonus_used, bonus_earned, delivery_cost,
	total, customer_name, phone, address, delivery_type, delivery_date, delivery_time, payment_method,
	payment_id, certificate_code, status, created_at`

func scanIntoOrder(row rowScanner) (*Order, error) {
	var o Order
	var items []byte
	var paymentID, certCode sql.NullString
	err := row.Scan(&o.ID, &o.UserID, &items, &o.ProductsTotal, &o.DiscountApplied, &o.BonusUsed, &o.BonusEarned,
		&o.DeliveryCost, &o.Total, &o.CustomerName, &o.Phone, &o.Address, &o.DeliveryType, &o.DeliveryDate,
		&o.DeliveryTime, &o.PaymentMethod, &paymentID, &certCode, &o.Status, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("order %d items: %w", o.ID, err)
	}
	o.PaymentID = paymentID.String
	o.CertificateCode = certCode.String
	return &o, nil
}

func (s *PostgresStore) getOrderBy(ctx context.Context, column string, value any) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `select `+orderColumns+` from orders where `+column+` = $1`, value)
	o, err := scanIntoOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id int64) (*Order, error) {
	return s.getOrderBy(ctx, "id", id)
}

func (s *PostgresStore) OrderByPaymentID(ctx context.Context, paymentID string) (*Order, error) {
	return s.getOrderBy(ctx, "payment_id", paymentID)
}

func (s *PostgresStore) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []Order{}
	for rows.Next() {
		o, err := scanIntoOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// UserOrders lists a user's orders, newest first. An empty status means all.
func (s *PostgresStore) UserOrders(ctx context.Context, userID int64, status OrderStatus) ([]Order, error) {
	return s.queryOrders(ctx, `select `+orderColumns+` from orders
	where user_id = $1 and ($2 = '' or status = $2) order by created_at desc`, userID, string(status))
}

func (s *PostgresStore) ListOrders(ctx context.Context, status OrderStatus, limit int) ([]Order, error) {
	return s.queryOrders(ctx, `select `+orderColumns+` from orders
	where ($1 = '' or status = $1) order by created_at desc limit $2`, string(status), limit)
}

// UpdateOrderStatus writes a history row only when the status actually changes.
func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var current OrderStatus
	err = tx.QueryRowContext(ctx, `select status from orders where id = $1 for update`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if current == status {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `update orders set status = $2 where id = $1`, id, string(status)); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `insert into order_history (order_id, status) values ($1, $2)`,
		id, string(status)); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// CancelOrder cancels an order that is not delivered yet and rolls its
// loyalty effects back: redeemed bonus is returned, the earned bonus is taken
// back as far as the balance allows, and total_spent is reduced. It reports
// false when the order was already canceled.
func (s *PostgresStore) CancelOrder(ctx context.Context, id int64) (*Order, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	o, err := scanIntoOrder(tx.QueryRowContext(ctx, `select `+orderColumns+` from orders where id = $1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}
	switch o.Status {
	case OrderCanceled:
		return o, false, nil
	case OrderDelivered:
		return o, false, ErrOrderClosed
	}

	if _, err := tx.ExecContext(ctx, `update orders set status = $2 where id = $1`, id, string(OrderCanceled)); err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx, `insert into order_history (order_id, status) values ($1, $2)`,
		id, string(OrderCanceled)); err != nil {
		return nil, false, err
	}

	balance, err := lockLoyalty(ctx, tx, o.UserID)
	if err != nil {
		return nil, false, err
	}
	if o.BonusUsed > 0 {
		balance += o.BonusUsed
		if err := moveBonus(ctx, tx, o.UserID, &o.ID, o.BonusUsed, balance,
			fmt.Sprintf("Возврат бонусов за отмену заказа #%d", o.ID)); err != nil {
			return nil, false, err
		}
	}
	taken := min(o.BonusEarned, balance)
	if taken > 0 {
		balance -= taken
		if err := moveBonus(ctx, tx, o.UserID, &o.ID, -taken, balance,
			fmt.Sprintf("Отмена начисления за заказ #%d", o.ID)); err != nil {
			return nil, false, err
		}
	}
	if _, err := tx.ExecContext(ctx, `update loyalty_program set current_bonus = $2,
		total_bonus_earned = greatest(total_bonus_earned - $3, 0),
		total_spent = greatest(total_spent - $4, 0), updated_at = now()
	where user_id = $1`, o.UserID, balance, taken, o.Total); err != nil {
		return nil, false, fmt.Errorf("update loyalty: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	o.Status = OrderCanceled
	s.log.WithField("order_id", o.ID).WithField("user_id", o.UserID).
		Infof("order canceled, bonus returned %d, taken back %d", o.BonusUsed, taken)
	return o, true, nil
}

func (s *PostgresStore) LoyaltyInfo(ctx context.Context, userID int64) (*LoyaltyAccount, error) {
	if _, err := s.db.ExecContext(ctx, `insert into loyalty_program (user_id) values ($1)
	on conflict (user_id) do nothing`, userID); err != nil {
		return nil, err
	}
	var a LoyaltyAccount
	err := s.db.QueryRowContext(ctx, `select user_id, total_spent, current_bonus, total_bonus_earned, created_at, updated_at
	from loyalty_program where user_id = $1`, userID).
		Scan(&a.UserID, &a.TotalSpent, &a.CurrentBonus, &a.TotalBonusEarned, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) LoyaltyHistory(ctx context.Context, userID int64, limit int) ([]LoyaltyHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `select id, user_id, order_id, points_change, reason, remaining_points, created_at
	from loyalty_history where user_id = $1 order by created_at desc, id desc limit $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LoyaltyHistoryEntry
	for rows.Next() {
		var e LoyaltyHistoryEntry
		var orderID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.UserID, &orderID, &e.PointsChange, &e.Reason, &e.RemainingPoints, &e.CreatedAt); err != nil {
			return nil, err
		}
		if orderID.Valid {
			e.OrderID = &orderID.Int64
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ResetLoyalty zeroes a user's account and logs the removed balance.
func (s *PostgresStore) ResetLoyalty(ctx context.Context, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	balance, err := lockLoyalty(ctx, tx, userID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `update loyalty_program set current_bonus = 0, total_bonus_earned = 0,
		total_spent = 0, updated_at = now() where user_id = $1`, userID); err != nil {
		return err
	}
	if balance != 0 {
		if err := moveBonus(ctx, tx, userID, nil, -balance, 0, "Сброс администратором"); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Stats(ctx context.Context, dayStart time.Time) (ShopStats, error) {
	var st ShopStats
	err := s.db.QueryRowContext(ctx, `select
		(select count(*) from orders where status <> $2),
		(select count(*) from orders where status <> $2 and created_at >= $1),
		(select coalesce(sum(total), 0) from orders where status <> $2),
		(select count(*) from users),
		(select coalesce(sum(current_bonus), 0) from loyalty_program),
		(select count(*) from reviews),
		(select coalesce(avg(rating), 0)::float8 from reviews)`,
		dayStart, string(OrderCanceled)).
		Scan(&st.Orders, &st.OrdersToday, &st.Revenue, &st.Users, &st.BonusInCirculation, &st.Reviews, &st.AverageRating)
	return st, err
}
