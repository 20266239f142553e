package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrEmptyCart          = errors.New("cart is empty")
	ErrOutOfStock         = errors.New("some products are out of stock")
	ErrInsufficientBonus  = errors.New("not enough bonus points")
	ErrCertificateInvalid = errors.New("certificate is invalid or already used")
	ErrCertificateLow     = errors.New("certificate amount does not cover the order")
	ErrOrderClosed        = errors.New("order is already delivered or canceled")
)

type CatalogStore interface {
	AddProduct(ctx context.Context, p ReqProduct) (int64, error)
	GetProduct(ctx context.Context, id int64) (*Product, error)
	ListProducts(ctx context.Context, category string) ([]Product, error)
	ListPendingPriceProducts(ctx context.Context) ([]Product, error)
	SetProductPrice(ctx context.Context, id int64, price decimal.Decimal) error
	DeleteProduct(ctx context.Context, id int64) error
	CleanupDailyProducts(ctx context.Context, today time.Time) (int64, error)
	IfExists(ctx context.Context, table, column string, target any) (bool, error)
}

type CartStore interface {
	AddToCart(ctx context.Context, userID, productID int64) error
	RemoveFromCart(ctx context.Context, userID, productID int64) error
	GetCart(ctx context.Context, userID int64) ([]CartLine, error)
	ClearCart(ctx context.Context, userID int64) error
}

type OrderStore interface {
	EnsureUser(ctx context.Context, u User) error
	IsFirstOrder(ctx context.Context, userID int64) (bool, error)
	CreateOrder(ctx context.Context, draft OrderDraft, rules PricingRules) (*Order, error)
	GetOrder(ctx context.Context, id int64) (*Order, error)
	OrderByPaymentID(ctx context.Context, paymentID string) (*Order, error)
	UserOrders(ctx context.Context, userID int64, status OrderStatus) ([]Order, error)
	ListOrders(ctx context.Context, status OrderStatus, limit int) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus) (bool, error)
	CancelOrder(ctx context.Context, id int64) (*Order, bool, error)
	Stats(ctx context.Context, dayStart time.Time) (ShopStats, error)
}

type LoyaltyStore interface {
	LoyaltyInfo(ctx context.Context, userID int64) (*LoyaltyAccount, error)
	LoyaltyHistory(ctx context.Context, userID int64, limit int) ([]LoyaltyHistoryEntry, error)
	ResetLoyalty(ctx context.Context, userID int64) error
}

type PaymentStore interface {
	SavePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
	PaymentByRef(ctx context.Context, ref int64) (*Payment, error)
	TransitionPayment(ctx context.Context, paymentID string, to PaymentStatus) (bool, error)
	PendingPayments(ctx context.Context, from, to time.Time) ([]Payment, error)
}

type CertificateStore interface {
	IssueCertificate(ctx context.Context, c Certificate) (*Certificate, bool, error)
	ValidCertificate(ctx context.Context, code string, now time.Time) (*Certificate, error)
	CertificateAttempts(ctx context.Context, userID int64) (*CertificateAttempt, error)
	RecordCertificateAttempt(ctx context.Context, userID int64, now time.Time, limit int, block time.Duration) (*CertificateAttempt, error)
	ResetCertificateAttempts(ctx context.Context, userID int64) error
}

type ReviewStore interface {
	AddReview(ctx context.Context, r Review) error
	Reviews(ctx context.Context, limit int) ([]Review, error)
	ReviewStats(ctx context.Context) (ReviewStats, error)
}

type Storage interface {
	CatalogStore
	CartStore
	OrderStore
	LoyaltyStore
	PaymentStore
	CertificateStore
	ReviewStore
}

type PostgresStore struct {
	db  *sql.DB
	log *logrus.Entry
}

func NewPostgresStorage(ctx context.Context, dsn string, log *logrus.Entry) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{
		db:  db,
		log: log.WithField("component", "storage"),
	}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Init(ctx context.Context) error {
	s.log.Info("initializing database schema")
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	s.log.Info("database schema ready")
	return nil
}

var schema = []string{
	`create table if not exists products (
		id bigserial primary key,
		name text not null,
		description text not null default '',
		full_description text not null default '',
		price numeric(12,2) not null default 0,
		photo text not null default '',
		category text not null,
		created_date date not null default current_date,
		is_daily boolean not null default true,
		in_stock boolean not null default true,
		on_request boolean not null default false
	)`,
	`create table if not exists cart (
		user_id bigint not null,
		product_id bigint not null references products(id) on delete cascade,
		quantity integer not null default 1 check (quantity > 0),
		primary key (user_id, product_id)
	)`,
	`create table if not exists users (
		id bigint primary key,
		first_name text not null default '',
		last_name text not null default '',
		username text not null default '',
		created_at timestamptz not null default now()
	)`,
	`create table if not exists orders (
		id bigserial primary key,
		user_id bigint not null,
		items jsonb not null,
		products_total numeric(12,2) not null,
		discount_applied numeric(12,2) not null default 0,
		bonus_used bigint not null default 0,
		bonus_earned bigint not null default 0,
		delivery_cost numeric(12,2) not null default 0,
		total numeric(12,2) not null,
		customer_name text not null,
		phone text not null,
		address text not null default '',
		delivery_type text not null default 'delivery',
		delivery_date text not null default '',
		delivery_time text not null default '',
		payment_method text not null,
		payment_id text unique,
		certificate_code text,
		status text not null default 'new',
		created_at timestamptz not null default now()
	)`,
	`create table if not exists order_history (
		id bigserial primary key,
		order_id bigint not null references orders(id) on delete cascade,
		status text not null,
		changed_at timestamptz not null default now()
	)`,
	`create table if not exists loyalty_program (
		user_id bigint primary key,
		total_spent numeric(12,2) not null default 0,
		current_bonus bigint not null default 0 check (current_bonus >= 0),
		total_bonus_earned bigint not null default 0,
		created_at timestamptz not null default now(),
		updated_at timestamptz not null default now()
	)`,
	`create table if not exists loyalty_history (
		id bigserial primary key,
		user_id bigint not null,
		order_id bigint,
		points_change bigint not null,
		reason text not null,
		remaining_points bigint not null,
		created_at timestamptz not null default now()
	)`,
	`create table if not exists payments (
		id bigserial primary key,
		payment_id text unique not null,
		provider text not null,
		user_id bigint not null,
		amount numeric(12,2) not null,
		currency text not null default 'RUB',
		status text not null,
		description text not null default '',
		metadata jsonb,
		created_at timestamptz not null default now(),
		updated_at timestamptz not null default now()
	)`,
	`create table if not exists certificate_attempts (
		user_id bigint primary key,
		attempts integer not null default 0,
		last_attempt timestamptz not null,
		blocked_until timestamptz
	)`,
	`create table if not exists certificates (
		id bigserial primary key,
		user_id bigint not null,
		amount bigint not null,
		cert_code text unique not null,
		payment_id text not null,
		used boolean not null default false,
		created_at timestamptz not null default now()
	)`,
	`create table if not exists reviews (
		id bigserial primary key,
		user_id bigint not null,
		user_name text not null default '',
		text text not null,
		rating integer not null default 5 check (rating between 1 and 5),
		order_id bigint,
		created_at timestamptz not null default now()
	)`,
	`create index if not exists idx_products_category on products(category)`,
	`create index if not exists idx_products_stock on products(in_stock)`,
	`create index if not exists idx_orders_user on orders(user_id)`,
	`create index if not exists idx_payments_user_id on payments(user_id)`,
	`create index if not exists idx_payments_status on payments(status)`,
	`create index if not exists idx_loyalty_history_user on loyalty_history(user_id)`,
	`create index if not exists idx_loyalty_history_order on loyalty_history(order_id)`,
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const productColumns = `id, name, description, full_description, price, photo, category, created_date, is_daily, in_stock, on_request`

func scanIntoProduct(row rowScanner) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.FullDescription, &p.Price, &p.Photo,
		&p.Category, &p.CreatedDate, &p.IsDaily, &p.InStock, &p.OnRequest)
	return p, err
}

func (s *PostgresStore) queryProducts(ctx context.Context, query string, args ...any) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := []Product{}
	for rows.Next() {
		p, err := scanIntoProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *PostgresStore) AddProduct(ctx context.Context, p ReqProduct) (int64, error) {
	query := `insert into products (name, description, full_description, price, photo, category, is_daily, on_request)
	values ($1, $2, $3, $4, $5, $6, $7, $8) returning id`
	var id int64
	err := s.db.QueryRowContext(ctx, query, p.Name, p.Description, p.FullDescription, p.Price,
		p.Photo, p.Category, p.IsDaily, p.OnRequest).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add product: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id int64) (*Product, error) {
	row := s.db.QueryRowContext(ctx, `select `+productColumns+` from products where id = $1`, id)
	p, err := scanIntoProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProducts returns the in-stock products of a category that have a price.
func (s *PostgresStore) ListProducts(ctx context.Context, category string) ([]Product, error) {
	return s.queryProducts(ctx, `select `+productColumns+` from products
	where category = $1 and in_stock and not on_request and price > 0
	order by created_date desc, id desc`, category)
}

func (s *PostgresStore) ListPendingPriceProducts(ctx context.Context) ([]Product, error) {
	return s.queryProducts(ctx, `select `+productColumns+` from products
	where (price = 0 or on_request) and is_daily
	order by created_date desc, id desc`)
}

func (s *PostgresStore) SetProductPrice(ctx context.Context, id int64, price decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `update products set price = $2, on_request = false where id = $1`, id, price)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *PostgresStore) DeleteProduct(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `delete from products where id = $1`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// CleanupDailyProducts removes bouquets of the day created before today.
func (s *PostgresStore) CleanupDailyProducts(ctx context.Context, today time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from products where is_daily and created_date < $1::date`,
		today.Format("2006-01-02"))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// existsColumns lists the columns IfExists may look at, per table.
var existsColumns = map[string]map[string]bool{
	"products":     {"id": true, "name": true},
	"orders":       {"id": true, "payment_id": true},
	"certificates": {"cert_code": true, "payment_id": true},
	"users":        {"id": true, "username": true},
}

func (s *PostgresStore) IfExists(ctx context.Context, table string, column string, target any) (bool, error) {
	columns, ok := existsColumns[table]
	if !ok {
		return false, fmt.Errorf("invalid table: %s", table)
	}
	if !columns[column] {
		return false, fmt.Errorf("invalid column: %s.%s", table, column)
	}
	query := fmt.Sprintf(`select exists (select 1 from %s where %s = $1)`, table, column)

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, target).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PostgresStore) AddToCart(ctx context.Context, userID, productID int64) error {
	query := `insert into cart (user_id, product_id, quantity)
	select $1, id, 1 from products where id = $2 and in_stock
	on conflict (user_id, product_id) do update set quantity = cart.quantity + 1`
	res, err := s.db.ExecContext(ctx, query, userID, productID)
	if err != nil {
		return fmt.Errorf("add to cart: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOutOfStock
	}
	return nil
}

func (s *PostgresStore) RemoveFromCart(ctx context.Context, userID, productID int64) error {
	_, err := s.db.ExecContext(ctx, `delete from cart where user_id = $1 and product_id = $2`, userID, productID)
	return err
}

func (s *PostgresStore) GetCart(ctx context.Context, userID int64) ([]CartLine, error) {
	return getCart(ctx, s.db, userID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getCart(ctx context.Context, q queryer, userID int64) ([]CartLine, error) {
	rows, err := q.QueryContext(ctx, `select p.id, p.name, p.price, c.quantity, p.in_stock
	from cart c join products p on c.product_id = p.id
	where c.user_id = $1 order by p.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := []CartLine{}
	for rows.Next() {
		var l CartLine
		if err := rows.Scan(&l.ProductID, &l.Name, &l.Price, &l.Quantity, &l.InStock); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *PostgresStore) ClearCart(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `delete from cart where user_id = $1`, userID)
	return err
}

// SavePayment upserts a payment and sets p.ID to its row id.
func (s *PostgresStore) SavePayment(ctx context.Context, p *Payment) error {
	query := `insert into payments (payment_id, provider, user_id, amount, currency, status, description, metadata)
	values ($1, $2, $3, $4, $5, $6, $7, $8)
	on conflict (payment_id) do update set status = excluded.status, updated_at = now()
	returning id`
	var md any
	if len(p.Metadata) > 0 {
		md = []byte(p.Metadata)
	}
	err := s.db.QueryRowContext(ctx, query, p.PaymentID, p.Provider, p.UserID, p.Amount, p.Currency,
		string(p.Status), p.Description, md).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("save payment %s: %w", p.PaymentID, err)
	}
	return nil
}

const paymentColumns = `id, payment_id, provider, user_id, amount, currency, status, description, metadata, created_at, updated_at`

func scanIntoPayment(row rowScanner) (*Payment, error) {
	var p Payment
	var md []byte
	if err := row.Scan(&p.ID, &p.PaymentID, &p.Provider, &p.UserID, &p.Amount, &p.Currency, &p.Status,
		&p.Description, &md, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Metadata = json.RawMessage(md)
	return &p, nil
}

func (s *PostgresStore) getPaymentBy(ctx context.Context, column string, value any) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, `select `+paymentColumns+` from payments where `+column+` = $1`, value)
	p, err := scanIntoPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	return s.getPaymentBy(ctx, "payment_id", paymentID)
}

// PaymentByRef looks a payment up by its row id, the short reference used in
// Telegram callback data.
func (s *PostgresStore) PaymentByRef(ctx context.Context, ref int64) (*Payment, error) {
	return s.getPaymentBy(ctx, "id", ref)
}

// TransitionPayment moves a payment to a new status unless it already reached
// a terminal one or already has that status. It reports whether the row changed.
func (s *PostgresStore) TransitionPayment(ctx context.Context, paymentID string, to PaymentStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `update payments set status = $2, updated_at = now()
	where payment_id = $1 and status <> $2 and status not in ($3, $4)`,
		paymentID, string(to), string(PaymentSucceeded), string(PaymentCanceled))
	if err != nil {
		return false, fmt.Errorf("transition payment %s: %w", paymentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) PendingPayments(ctx context.Context, from, to time.Time) ([]Payment, error) {
	rows, err := s.db.QueryContext(ctx, `select `+paymentColumns+` from payments
	where status in ($1, $2) and created_at between $3 and $4 order by created_at`,
		string(PaymentPending), string(PaymentWaitingForCapture), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		p, err := scanIntoPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// IssueCertificate inserts a certificate once per code. The returned flag is
// false when the code already existed, in which case the stored row is returned.
func (s *PostgresStore) IssueCertificate(ctx context.Context, c Certificate) (*Certificate, bool, error) {
	query := `insert into certificates (user_id, amount, cert_code, payment_id)
	values ($1, $2, $3, $4) on conflict (cert_code) do nothing
	returning id, created_at`
	err := s.db.QueryRowContext(ctx, query, c.UserID, c.Amount, c.CertCode, c.PaymentID).Scan(&c.ID, &c.CreatedAt)
	if err == nil {
		return &c, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("issue certificate: %w", err)
	}
	existing, err := s.certificateByCode(ctx, s.db, c.CertCode)
	return existing, false, err
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) certificateByCode(ctx context.Context, q rowQueryer, code string) (*Certificate, error) {
	var c Certificate
	err := q.QueryRowContext(ctx, `select id, user_id, amount, cert_code, payment_id, used, created_at
	from certificates where cert_code = $1`, code).
		Scan(&c.ID, &c.UserID, &c.Amount, &c.CertCode, &c.PaymentID, &c.Used, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ValidCertificate(ctx context.Context, code string, now time.Time) (*Certificate, error) {
	c, err := s.certificateByCode(ctx, s.db, code)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrCertificateInvalid
	}
	if err != nil {
		return nil, err
	}
	if !c.Valid(now) {
		return nil, ErrCertificateInvalid
	}
	return c, nil
}

func (s *PostgresStore) CertificateAttempts(ctx context.Context, userID int64) (*CertificateAttempt, error) {
	var a CertificateAttempt
	var blocked sql.NullTime
	err := s.db.QueryRowContext(ctx, `select user_id, attempts, last_attempt, blocked_until
	from certificate_attempts where user_id = $1`, userID).Scan(&a.UserID, &a.Attempts, &a.LastAttempt, &blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if blocked.Valid {
		a.BlockedUntil = &blocked.Time
	}
	return &a, nil
}

// RecordCertificateAttempt counts a wrong code. Reaching limit blocks the user
// for the given duration.
func (s *PostgresStore) RecordCertificateAttempt(ctx context.Context, userID int64, now time.Time, limit int, block time.Duration) (*CertificateAttempt, error) {
	query := `insert into certificate_attempts (user_id, attempts, last_attempt, blocked_until)
	values ($1, 1, $2, case when 1 >= $3 then $4::timestamptz else null end)
	on conflict (user_id) do update set
		attempts = certificate_attempts.attempts + 1,
		last_attempt = excluded.last_attempt,
		blocked_until = case when certificate_attempts.attempts + 1 >= $3 then $4::timestamptz else null end
	returning attempts, blocked_until`
	a := CertificateAttempt{UserID: userID, LastAttempt: now}
	var blocked sql.NullTime
	if err := s.db.QueryRowContext(ctx, query, userID, now, limit, now.Add(block)).Scan(&a.Attempts, &blocked); err != nil {
		return nil, fmt.Errorf("record certificate attempt: %w", err)
	}
	if blocked.Valid {
		a.BlockedUntil = &blocked.Time
	}
	return &a, nil
}

func (s *PostgresStore) ResetCertificateAttempts(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `delete from certificate_attempts where user_id = $1`, userID)
	return err
}

func (s *PostgresStore) AddReview(ctx context.Context, r Review) error {
	_, err := s.db.ExecContext(ctx, `insert into reviews (user_id, user_name, text, rating, order_id)
	values ($1, $2, $3, $4, $5)`, r.UserID, r.UserName, r.Text, r.Rating, nullInt64(r.OrderID))
	if err != nil {
		return fmt.Errorf("add review: %w", err)
	}
	return nil
}

func (s *PostgresStore) Reviews(ctx context.Context, limit int) ([]Review, error) {
	rows, err := s.db.QueryContext(ctx, `select id, user_id, user_name, text, rating, order_id, created_at
	from reviews order by created_at desc limit $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reviews := []Review{}
	for rows.Next() {
		var r Review
		var orderID sql.NullInt64
		if err := rows.Scan(&r.ID, &r.UserID, &r.UserName, &r.Text, &r.Rating, &orderID, &r.CreatedAt); err != nil {
			return nil, err
		}
		if orderID.Valid {
			r.OrderID = &orderID.Int64
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

func (s *PostgresStore) ReviewStats(ctx context.Context) (ReviewStats, error) {
	var st ReviewStats
	err := s.db.QueryRowContext(ctx, `select count(*),
		count(*) filter (where order_id is not null),
		count(*) filter (where order_id is null)
	from reviews`).Scan(&st.Total, &st.ByOrder, &st.General)
	return st, err
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
