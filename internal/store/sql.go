package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"vn-execution-go/gateway"
	"vn-execution-go/order"
	"vn-execution-go/settlement"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	// 定长UTC时间，字符串顺序即时间顺序
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Config 数据库配置
type Config struct {
	Driver string `yaml:"driver"` // sqlite 或 postgres
	DSN    string `yaml:"dsn"`
}

var (
	_ OrderStore      = (*SQLStore)(nil)
	_ SettlementStore = (*SQLStore)(nil)
)

// SQLStore orders/fills/settlement_log三张表，sqlite与postgres共用同一套SQL
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		order_id           TEXT PRIMARY KEY,
		client_order_id    TEXT NOT NULL UNIQUE,
		symbol             TEXT NOT NULL,
		side               TEXT NOT NULL,
		quantity           BIGINT NOT NULL,
		order_type         TEXT NOT NULL,
		price              TEXT NOT NULL DEFAULT '0',
		stop_price         TEXT NOT NULL DEFAULT '0',
		target_price       TEXT NOT NULL DEFAULT '0',
		reference_price    TEXT NOT NULL DEFAULT '0',
		asset_class        TEXT NOT NULL,
		broker_name        TEXT NOT NULL,
		broker_order_id    TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL,
		filled_quantity    BIGINT NOT NULL DEFAULT 0,
		average_fill_price TEXT NOT NULL DEFAULT '0',
		attempt_count      INTEGER NOT NULL DEFAULT 0,
		last_error         TEXT NOT NULL DEFAULT '',
		origin             TEXT NOT NULL DEFAULT '',
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status)`,
	`CREATE TABLE IF NOT EXISTS fills (
		fill_id        TEXT PRIMARY KEY,
		order_id       TEXT NOT NULL,
		quantity       BIGINT NOT NULL,
		price          TEXT NOT NULL,
		filled_at      TEXT NOT NULL,
		broker_fill_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fills_order ON fills (order_id)`,
	`CREATE TABLE IF NOT EXISTS settlement_log (
		order_id               TEXT PRIMARY KEY,
		symbol                 TEXT NOT NULL,
		quantity               BIGINT NOT NULL,
		price                  TEXT NOT NULL,
		trade_date             TEXT NOT NULL,
		settlement_date        TEXT NOT NULL,
		actual_settlement_date TEXT NOT NULL,
		status                 TEXT NOT NULL,
		settled_at             TEXT NOT NULL DEFAULT ''
	)`,
}

// Open 连接数据库并建表
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	db, err := sqlx.ConnectContext(ctx, driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// 单连接避免 database is locked
		db.SetMaxOpenConns(1)
	}
	s := &SQLStore{db: db, driver: driver}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate 建表（幂等）
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// DB 底层连接（健康检查）
func (s *SQLStore) DB() *sqlx.DB { return s.db }

type orderRow struct {
	OrderID          string          `db:"order_id"`
	ClientOrderID    string          `db:"client_order_id"`
	Symbol           string          `db:"symbol"`
	Side             string          `db:"side"`
	Quantity         int64           `db:"quantity"`
	OrderType        string          `db:"order_type"`
	Price            decimal.Decimal `db:"price"`
	StopPrice        decimal.Decimal `db:"stop_price"`
	TargetPrice      decimal.Decimal `db:"target_price"`
	ReferencePrice   decimal.Decimal `db:"reference_price"`
	AssetClass       string          `db:"asset_class"`
	BrokerName       string          `db:"broker_name"`
	BrokerOrderID    string          `db:"broker_order_id"`
	Status           string          `db:"status"`
	FilledQuantity   int64           `db:"filled_quantity"`
	AverageFillPrice decimal.Decimal `db:"average_fill_price"`
	AttemptCount     int             `db:"attempt_count"`
	LastError        string          `db:"last_error"`
	Origin           string          `db:"origin"`
	CreatedAt        string          `db:"created_at"`
	UpdatedAt        string          `db:"updated_at"`
}

func toOrderRow(o order.Order) orderRow {
	return orderRow{
		OrderID:          o.ID,
		ClientOrderID:    o.ClientOrderID,
		Symbol:           o.Symbol,
		Side:             o.Side,
		Quantity:         o.Quantity,
		OrderType:        o.Type,
		Price:            o.LimitPrice,
		StopPrice:        o.StopPrice,
		TargetPrice:      o.TargetPrice,
		ReferencePrice:   o.ReferencePrice,
		AssetClass:       string(o.AssetClass),
		BrokerName:       o.BrokerName,
		BrokerOrderID:    o.BrokerOrderID,
		Status:           string(o.Status),
		FilledQuantity:   o.FilledQuantity,
		AverageFillPrice: o.AverageFillPrice,
		AttemptCount:     o.AttemptCount,
		LastError:        o.LastError,
		Origin:           o.Origin,
		CreatedAt:        formatTime(o.CreatedAt),
		UpdatedAt:        formatTime(o.UpdatedAt),
	}
}

func (r orderRow) toOrder() (order.Order, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return order.Order{}, fmt.Errorf("order %s created_at: %w", r.OrderID, err)
	}
	updated, err := parseTime(r.UpdatedAt)
	if err != nil {
		return order.Order{}, fmt.Errorf("order %s updated_at: %w", r.OrderID, err)
	}
	return order.Order{
		ID:               r.OrderID,
		ClientOrderID:    r.ClientOrderID,
		Symbol:           r.Symbol,
		Side:             r.Side,
		Quantity:         r.Quantity,
		Type:             r.OrderType,
		LimitPrice:       r.Price,
		StopPrice:        r.StopPrice,
		TargetPrice:      r.TargetPrice,
		ReferencePrice:   r.ReferencePrice,
		AssetClass:       gateway.AssetClass(r.AssetClass),
		BrokerName:       r.BrokerName,
		BrokerOrderID:    r.BrokerOrderID,
		Status:           order.Status(r.Status),
		FilledQuantity:   r.FilledQuantity,
		AverageFillPrice: r.AverageFillPrice,
		AttemptCount:     r.AttemptCount,
		LastError:        r.LastError,
		Origin:           r.Origin,
		CreatedAt:        created,
		UpdatedAt:        updated,
	}, nil
}

const upsertOrder = `INSERT INTO orders (order_id, client_order_id, symbol, side, quantity, order_type, price,
	stop_price, target_price, reference_price, asset_class, broker_name, broker_order_id, status,
	filled_quantity, average_fill_price, attempt_count, last_error, origin, created_at, updated_at)
VALUES (:order_id, :client_order_id, :symbol, :side, :quantity, :order_type, :price,
	:stop_price, :target_price, :reference_price, :asset_class, :broker_name, :broker_order_id, :status,
	:filled_quantity, :average_fill_price, :attempt_count, :last_error, :origin, :created_at, :updated_at)
ON CONFLICT (order_id) DO UPDATE SET
	reference_price = excluded.reference_price,
	broker_order_id = excluded.broker_order_id,
	status = excluded.status,
	filled_quantity = excluded.filled_quantity,
	average_fill_price = excluded.average_fill_price,
	attempt_count = excluded.attempt_count,
	last_error = excluded.last_error,
	updated_at = excluded.updated_at
WHERE orders.updated_at <= excluded.updated_at`

// SaveOrder 插入或更新订单；较旧的快照不覆盖
func (s *SQLStore) SaveOrder(ctx context.Context, o order.Order) error {
	if _, err := s.db.NamedExecContext(ctx, upsertOrder, toOrderRow(o)); err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

// LoadOrders 全部订单，按创建时间排序
func (s *SQLStore) LoadOrders(ctx context.Context) ([]order.Order, error) {
	var rows []orderRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM orders ORDER BY created_at, order_id"); err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	out := make([]order.Order, 0, len(rows))
	for _, r := range rows {
		o, err := r.toOrder()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

type fillRow struct {
	FillID       string          `db:"fill_id"`
	OrderID      string          `db:"order_id"`
	Quantity     int64           `db:"quantity"`
	Price        decimal.Decimal `db:"price"`
	FilledAt     string          `db:"filled_at"`
	BrokerFillID string          `db:"broker_fill_id"`
}

// SaveFill 追加成交；fill_id重复时忽略
func (s *SQLStore) SaveFill(ctx context.Context, f order.Fill) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO fills (fill_id, order_id, quantity, price, filled_at, broker_fill_id)
VALUES (:fill_id, :order_id, :quantity, :price, :filled_at, :broker_fill_id)
ON CONFLICT (fill_id) DO NOTHING`, fillRow{
		FillID:       f.ID,
		OrderID:      f.OrderID,
		Quantity:     f.Quantity,
		Price:        f.Price,
		FilledAt:     formatTime(f.Timestamp),
		BrokerFillID: f.BrokerFillID,
	})
	if err != nil {
		return fmt.Errorf("save fill %s: %w", f.ID, err)
	}
	return nil
}

// LoadFills 某订单的全部成交
func (s *SQLStore) LoadFills(ctx context.Context, orderID string) ([]order.Fill, error) {
	var rows []fillRow
	q := s.db.Rebind("SELECT * FROM fills WHERE order_id = ? ORDER BY filled_at, fill_id")
	if err := s.db.SelectContext(ctx, &rows, q, orderID); err != nil {
		return nil, fmt.Errorf("load fills %s: %w", orderID, err)
	}
	out := make([]order.Fill, 0, len(rows))
	for _, r := range rows {
		ts, err := parseTime(r.FilledAt)
		if err != nil {
			return nil, fmt.Errorf("fill %s filled_at: %w", r.FillID, err)
		}
		out = append(out, order.Fill{
			ID:           r.FillID,
			OrderID:      r.OrderID,
			Quantity:     r.Quantity,
			Price:        r.Price,
			Timestamp:    ts,
			BrokerFillID: r.BrokerFillID,
		})
	}
	return out, nil
}

type settlementRow struct {
	OrderID              string          `db:"order_id"`
	Symbol               string          `db:"symbol"`
	Quantity             int64           `db:"quantity"`
	Price                decimal.Decimal `db:"price"`
	TradeDate            string          `db:"trade_date"`
	SettlementDate       string          `db:"settlement_date"`
	ActualSettlementDate string          `db:"actual_settlement_date"`
	Status               string          `db:"status"`
	SettledAt            string          `db:"settled_at"`
}

// SaveSettlement 插入或更新结算记录；已SETTLED的行不再修改
func (s *SQLStore) SaveSettlement(ctx context.Context, r settlement.Record) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO settlement_log (order_id, symbol, quantity, price, trade_date,
	settlement_date, actual_settlement_date, status, settled_at)
VALUES (:order_id, :symbol, :quantity, :price, :trade_date, :settlement_date, :actual_settlement_date, :status, :settled_at)
ON CONFLICT (order_id) DO UPDATE SET
	status = excluded.status,
	settled_at = excluded.settled_at
WHERE settlement_log.status <> 'SETTLED'`, settlementRow{
		OrderID:              r.OrderID,
		Symbol:               r.Symbol,
		Quantity:             r.Quantity,
		Price:                r.Price,
		TradeDate:            formatTime(r.TradeDate),
		SettlementDate:       formatTime(r.SettlementDate),
		ActualSettlementDate: formatTime(r.ActualSettlementDate),
		Status:               string(r.Status),
		SettledAt:            formatTime(r.SettledAt),
	})
	if err != nil {
		return fmt.Errorf("save settlement %s: %w", r.OrderID, err)
	}
	return nil
}

// ListSettlements 全部结算记录
func (s *SQLStore) ListSettlements(ctx context.Context) ([]settlement.Record, error) {
	var rows []settlementRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM settlement_log ORDER BY order_id"); err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	out := make([]settlement.Record, 0, len(rows))
	for _, r := range rows {
		rec := settlement.Record{
			OrderID:  r.OrderID,
			Symbol:   r.Symbol,
			Quantity: r.Quantity,
			Price:    r.Price,
			Status:   settlement.RecordStatus(r.Status),
		}
		var err error
		for _, f := range []struct {
			dst *time.Time
			src string
		}{
			{&rec.TradeDate, r.TradeDate},
			{&rec.SettlementDate, r.SettlementDate},
			{&rec.ActualSettlementDate, r.ActualSettlementDate},
			{&rec.SettledAt, r.SettledAt},
		} {
			if *f.dst, err = parseTime(f.src); err != nil {
				return nil, fmt.Errorf("settlement %s: %w", r.OrderID, err)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
