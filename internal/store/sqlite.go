package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"tradewind/internal/domain"
)

// Compile-time interface checks.
var _ LedgerStore = (*SQLiteStore)(nil)
var _ StrategyStore = (*SQLiteStore)(nil)
var _ CredentialStore = (*SQLiteStore)(nil)
var _ SignalLogStore = (*SQLiteStore)(nil)

// schema is created on open. Times are unix milliseconds.
const schema = `
CREATE TABLE IF NOT EXISTS parent_trades (
	id TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	total_quantity REAL NOT NULL,
	avg_fill_price REAL NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS child_trades (
	id TEXT PRIMARY KEY,
	parent_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL,
	broker_ref TEXT NOT NULL DEFAULT '',
	broker_kind TEXT NOT NULL,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	requested_qty REAL NOT NULL,
	filled_qty REAL NOT NULL,
	fill_price REAL NOT NULL,
	status TEXT NOT NULL,
	stop_loss REAL NOT NULL DEFAULT 0,
	take_profit REAL NOT NULL DEFAULT 0,
	sl_triggered INTEGER NOT NULL DEFAULT 0,
	tp_triggered INTEGER NOT NULL DEFAULT 0,
	broker_order_id TEXT NOT NULL DEFAULT '',
	close_price REAL NOT NULL DEFAULT 0,
	close_reason TEXT NOT NULL DEFAULT '',
	realized_pl REAL NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	last_broker_price REAL NOT NULL DEFAULT 0,
	last_price_update_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_child_parent ON child_trades(parent_id);
CREATE INDEX IF NOT EXISTS idx_child_open ON child_trades(status, symbol);
CREATE INDEX IF NOT EXISTS idx_child_user ON child_trades(user_id, symbol);

CREATE TABLE IF NOT EXISTS paper_positions (
	id TEXT PRIMARY KEY,
	child_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	quantity REAL NOT NULL,
	entry_price REAL NOT NULL,
	status TEXT NOT NULL,
	stop_loss REAL NOT NULL DEFAULT 0,
	take_profit REAL NOT NULL DEFAULT 0,
	sl_triggered INTEGER NOT NULL DEFAULT 0,
	tp_triggered INTEGER NOT NULL DEFAULT 0,
	close_price REAL NOT NULL DEFAULT 0,
	close_reason TEXT NOT NULL DEFAULT '',
	realized_pl REAL NOT NULL DEFAULT 0,
	last_price REAL NOT NULL DEFAULT 0,
	last_price_update_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_paper_open ON paper_positions(status, symbol);

CREATE TABLE IF NOT EXISTS strategies (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	symbol TEXT NOT NULL DEFAULT '',
	secret TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	reference_price REAL NOT NULL DEFAULT 0,
	sl_type TEXT NOT NULL DEFAULT '',
	sl_value REAL NOT NULL DEFAULT 0,
	tp_type TEXT NOT NULL DEFAULT '',
	tp_value REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS subscribers (
	strategy_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	multiplier REAL NOT NULL DEFAULT 1,
	base_quantity REAL NOT NULL DEFAULT 0,
	paper INTEGER NOT NULL DEFAULT 0,
	broker_refs TEXT NOT NULL DEFAULT '[]',
	active INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (strategy_id, user_id)
);

CREATE TABLE IF NOT EXISTS broker_credentials (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	segment TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	is_default INTEGER NOT NULL DEFAULT 0,
	auth_material TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_cred_owner ON broker_credentials(owner_id);

CREATE TABLE IF NOT EXISTS signal_logs (
	id TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	symbol TEXT NOT NULL,
	raw_payload TEXT NOT NULL DEFAULT '',
	users_notified INTEGER NOT NULL DEFAULT 0,
	trades_executed INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signal_strategy ON signal_logs(strategy_id, created_at);
`

// openStatuses is the WHERE fragment selecting non-terminal live legs.
const openStatuses = "('open','partial','pending','completed')"

// SQLiteStore implements the ledger, strategy, credential, and signal-log
// stores on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func milli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ---------------------------------------------------------------------------
// Parent trades
// ---------------------------------------------------------------------------

func (s *SQLiteStore) CreateParentTrade(ctx context.Context, p *domain.ParentTrade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parent_trades
		(id, strategy_id, symbol, direction, total_quantity, avg_fill_price, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.StrategyID, p.Symbol, string(p.Direction),
		p.TotalQuantity, p.AvgFillPrice, string(p.Status),
		milli(p.CreatedAt), milli(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting parent trade %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetParentTrade(ctx context.Context, id string) (*domain.ParentTrade, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, strategy_id, symbol, direction, total_quantity, avg_fill_price, status, created_at, updated_at
		FROM parent_trades WHERE id = ?`, id)

	var p domain.ParentTrade
	var direction, status string
	var created, updated int64
	if err := row.Scan(&p.ID, &p.StrategyID, &p.Symbol, &direction,
		&p.TotalQuantity, &p.AvgFillPrice, &status, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("reading parent trade %s: %w", id, err)
	}
	p.Direction = domain.Direction(direction)
	p.Status = domain.TradeStatus(status)
	p.CreatedAt = fromMilli(created)
	p.UpdatedAt = fromMilli(updated)

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM child_trades WHERE parent_id = ? ORDER BY created_at`, id)
	if err != nil {
		return nil, fmt.Errorf("reading children of %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, err
		}
		p.ChildIDs = append(p.ChildIDs, cid)
	}
	return &p, rows.Err()
}

func (s *SQLiteStore) UpdateParentTrade(ctx context.Context, p *domain.ParentTrade) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE parent_trades
		SET total_quantity = ?, avg_fill_price = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		p.TotalQuantity, p.AvgFillPrice, string(p.Status), milli(time.Now()), p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating parent trade %s: %w", p.ID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Child trades
// ---------------------------------------------------------------------------

const childColumns = `id, parent_id, user_id, broker_ref, broker_kind, symbol, direction,
	requested_qty, filled_qty, fill_price, status, stop_loss, take_profit,
	sl_triggered, tp_triggered, broker_order_id, close_price, close_reason,
	realized_pl, last_error, last_broker_price, last_price_update_at, created_at, updated_at`

func (s *SQLiteStore) CreateChildTrade(ctx context.Context, c *domain.ChildTrade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO child_trades (`+childColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ParentID, c.UserID, c.BrokerRef, string(c.BrokerKind), c.Symbol, string(c.Direction),
		c.RequestedQty, c.FilledQty, c.FillPrice, string(c.Status), c.StopLoss, c.TakeProfit,
		c.SLTriggered, c.TPTriggered, c.BrokerOrderID, c.ClosePrice, string(c.CloseReason),
		c.RealizedPL, c.LastError, c.LastBrokerPrice, milli(c.LastPriceUpdateAt),
		milli(c.CreatedAt), milli(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting child trade %s: %w", c.ID, err)
	}
	return nil
}

func scanChild(scanner interface{ Scan(...any) error }) (*domain.ChildTrade, error) {
	var c domain.ChildTrade
	var kind, direction, status, reason string
	var lastPriceAt, created, updated int64
	err := scanner.Scan(&c.ID, &c.ParentID, &c.UserID, &c.BrokerRef, &kind, &c.Symbol, &direction,
		&c.RequestedQty, &c.FilledQty, &c.FillPrice, &status, &c.StopLoss, &c.TakeProfit,
		&c.SLTriggered, &c.TPTriggered, &c.BrokerOrderID, &c.ClosePrice, &reason,
		&c.RealizedPL, &c.LastError, &c.LastBrokerPrice, &lastPriceAt, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.BrokerKind = domain.BrokerKind(kind)
	c.Direction = domain.Direction(direction)
	c.Status = domain.TradeStatus(status)
	c.CloseReason = domain.CloseReason(reason)
	c.LastPriceUpdateAt = fromMilli(lastPriceAt)
	c.CreatedAt = fromMilli(created)
	c.UpdatedAt = fromMilli(updated)
	return &c, nil
}

func (s *SQLiteStore) GetChildTrade(ctx context.Context, id string) (*domain.ChildTrade, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+childColumns+` FROM child_trades WHERE id = ?`, id)
	c, err := scanChild(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading child trade %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteStore) UpdateChildTrade(ctx context.Context, c *domain.ChildTrade) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE child_trades SET
			filled_qty = ?, fill_price = ?, status = ?, stop_loss = ?, take_profit = ?,
			sl_triggered = ?, tp_triggered = ?, broker_order_id = ?, close_price = ?,
			close_reason = ?, realized_pl = ?, last_error = ?, last_broker_price = ?,
			last_price_update_at = ?, updated_at = ?
		WHERE id = ?`,
		c.FilledQty, c.FillPrice, string(c.Status), c.StopLoss, c.TakeProfit,
		c.SLTriggered, c.TPTriggered, c.BrokerOrderID, c.ClosePrice,
		string(c.CloseReason), c.RealizedPL, c.LastError, c.LastBrokerPrice,
		milli(c.LastPriceUpdateAt), milli(time.Now()), c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating child trade %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) queryChildren(ctx context.Context, where string, args ...any) ([]domain.ChildTrade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+childColumns+` FROM child_trades WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing child trades: %w", err)
	}
	defer rows.Close()

	var out []domain.ChildTrade
	for rows.Next() {
		c, err := scanChild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListChildTrades(ctx context.Context, parentID string) ([]domain.ChildTrade, error) {
	return s.queryChildren(ctx, "parent_id = ?", parentID)
}

func (s *SQLiteStore) ListOpenChildTrades(ctx context.Context, symbol string) ([]domain.ChildTrade, error) {
	if symbol == "" {
		return s.queryChildren(ctx, "status IN "+openStatuses)
	}
	return s.queryChildren(ctx, "status IN "+openStatuses+" AND symbol = ?", symbol)
}

func (s *SQLiteStore) ListOpenChildTradesForUser(ctx context.Context, userID, symbol string) ([]domain.ChildTrade, error) {
	return s.queryChildren(ctx, "status IN "+openStatuses+" AND user_id = ? AND symbol = ?", userID, symbol)
}

func (s *SQLiteStore) ListOpenChildTradesByStrategy(ctx context.Context, strategyID, symbol string) ([]domain.ChildTrade, error) {
	where := `status IN ` + openStatuses + ` AND parent_id IN (SELECT id FROM parent_trades WHERE strategy_id = ?)`
	if symbol == "" {
		return s.queryChildren(ctx, where, strategyID)
	}
	return s.queryChildren(ctx, where+" AND symbol = ?", strategyID, symbol)
}

// ---------------------------------------------------------------------------
// Paper positions
// ---------------------------------------------------------------------------

const paperColumns = `id, child_id, user_id, strategy_id, symbol, direction, quantity, entry_price,
	status, stop_loss, take_profit, sl_triggered, tp_triggered, close_price, close_reason,
	realized_pl, last_price, last_price_update_at, created_at, updated_at`

func (s *SQLiteStore) CreatePaperPosition(ctx context.Context, p *domain.PaperPosition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paper_positions (`+paperColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ChildID, p.UserID, p.StrategyID, p.Symbol, string(p.Direction), p.Quantity, p.EntryPrice,
		string(p.Status), p.StopLoss, p.TakeProfit, p.SLTriggered, p.TPTriggered, p.ClosePrice, string(p.CloseReason),
		p.RealizedPL, p.LastPrice, milli(p.LastPriceUpdateAt), milli(p.CreatedAt), milli(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting paper position %s: %w", p.ID, err)
	}
	return nil
}

func scanPaper(scanner interface{ Scan(...any) error }) (*domain.PaperPosition, error) {
	var p domain.PaperPosition
	var direction, status, reason string
	var lastPriceAt, created, updated int64
	err := scanner.Scan(&p.ID, &p.ChildID, &p.UserID, &p.StrategyID, &p.Symbol, &direction, &p.Quantity, &p.EntryPrice,
		&status, &p.StopLoss, &p.TakeProfit, &p.SLTriggered, &p.TPTriggered, &p.ClosePrice, &reason,
		&p.RealizedPL, &p.LastPrice, &lastPriceAt, &created, &updated)
	if err != nil {
		return nil, err
	}
	p.Direction = domain.Direction(direction)
	p.Status = domain.TradeStatus(status)
	p.CloseReason = domain.CloseReason(reason)
	p.LastPriceUpdateAt = fromMilli(lastPriceAt)
	p.CreatedAt = fromMilli(created)
	p.UpdatedAt = fromMilli(updated)
	return &p, nil
}

func (s *SQLiteStore) GetPaperPosition(ctx context.Context, id string) (*domain.PaperPosition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paperColumns+` FROM paper_positions WHERE id = ?`, id)
	p, err := scanPaper(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading paper position %s: %w", id, err)
	}
	return p, nil
}

func (s *SQLiteStore) UpdatePaperPosition(ctx context.Context, p *domain.PaperPosition) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE paper_positions SET
			status = ?, stop_loss = ?, take_profit = ?, sl_triggered = ?, tp_triggered = ?,
			close_price = ?, close_reason = ?, realized_pl = ?, last_price = ?,
			last_price_update_at = ?, updated_at = ?
		WHERE id = ?`,
		string(p.Status), p.StopLoss, p.TakeProfit, p.SLTriggered, p.TPTriggered,
		p.ClosePrice, string(p.CloseReason), p.RealizedPL, p.LastPrice,
		milli(p.LastPriceUpdateAt), milli(time.Now()), p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating paper position %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) queryPapers(ctx context.Context, where string, args ...any) ([]domain.PaperPosition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+paperColumns+` FROM paper_positions WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing paper positions: %w", err)
	}
	defer rows.Close()

	var out []domain.PaperPosition
	for rows.Next() {
		p, err := scanPaper(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListOpenPaperPositions(ctx context.Context, symbol string) ([]domain.PaperPosition, error) {
	if symbol == "" {
		return s.queryPapers(ctx, "status = 'open'")
	}
	return s.queryPapers(ctx, "status = 'open' AND symbol = ?", symbol)
}

func (s *SQLiteStore) ListOpenPaperPositionsByStrategy(ctx context.Context, strategyID, symbol string) ([]domain.PaperPosition, error) {
	if symbol == "" {
		return s.queryPapers(ctx, "status = 'open' AND strategy_id = ?", strategyID)
	}
	return s.queryPapers(ctx, "status = 'open' AND strategy_id = ? AND symbol = ?", strategyID, symbol)
}

// ---------------------------------------------------------------------------
// Strategies and subscribers
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetStrategy(ctx context.Context, id string) (*domain.Strategy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, symbol, secret, active, reference_price,
			sl_type, sl_value, tp_type, tp_value
		FROM strategies WHERE id = ?`, id)

	var st domain.Strategy
	var slType, tpType string
	var slValue, tpValue float64
	if err := row.Scan(&st.ID, &st.OwnerID, &st.Name, &st.Symbol, &st.Secret, &st.Active,
		&st.ReferencePrice, &slType, &slValue, &tpType, &tpValue); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("reading strategy %s: %w", id, err)
	}
	if slType != "" {
		st.StopLoss = &domain.StopConfig{Type: domain.StopType(slType), Value: slValue}
	}
	if tpType != "" {
		st.TakeProfit = &domain.StopConfig{Type: domain.StopType(tpType), Value: tpValue}
	}
	return &st, nil
}

func (s *SQLiteStore) SaveStrategy(ctx context.Context, st *domain.Strategy) error {
	var slType, tpType string
	var slValue, tpValue float64
	if st.StopLoss != nil {
		slType, slValue = string(st.StopLoss.Type), st.StopLoss.Value
	}
	if st.TakeProfit != nil {
		tpType, tpValue = string(st.TakeProfit.Type), st.TakeProfit.Value
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO strategies
		(id, owner_id, name, symbol, secret, active, reference_price, sl_type, sl_value, tp_type, tp_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.OwnerID, st.Name, st.Symbol, st.Secret, st.Active, st.ReferencePrice,
		slType, slValue, tpType, tpValue,
	)
	if err != nil {
		return fmt.Errorf("saving strategy %s: %w", st.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListSubscribers(ctx context.Context, strategyID string) ([]domain.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, multiplier, base_quantity, paper, broker_refs
		FROM subscribers WHERE strategy_id = ? AND active = 1 ORDER BY user_id`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("listing subscribers of %s: %w", strategyID, err)
	}
	defer rows.Close()

	var out []domain.Subscriber
	for rows.Next() {
		var sub domain.Subscriber
		var refs string
		if err := rows.Scan(&sub.UserID, &sub.Multiplier, &sub.BaseQuantity, &sub.Paper, &refs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(refs), &sub.BrokerRefs); err != nil {
			return nil, fmt.Errorf("decoding broker refs for %s: %w", sub.UserID, err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveSubscriber(ctx context.Context, strategyID string, sub *domain.Subscriber) error {
	refs, err := json.Marshal(sub.BrokerRefs)
	if err != nil {
		return fmt.Errorf("encoding broker refs: %w", err)
	}
	if sub.BrokerRefs == nil {
		refs = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO subscribers
		(strategy_id, user_id, multiplier, base_quantity, paper, broker_refs, active)
		VALUES (?, ?, ?, ?, ?, ?, 1)`,
		strategyID, sub.UserID, sub.Multiplier, sub.BaseQuantity, sub.Paper, string(refs),
	)
	if err != nil {
		return fmt.Errorf("saving subscriber %s/%s: %w", strategyID, sub.UserID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Broker credentials
// ---------------------------------------------------------------------------

func (s *SQLiteStore) ListCredentials(ctx context.Context, userID string) ([]domain.BrokerCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, kind, segment, name, active, is_default, auth_material
		FROM broker_credentials WHERE owner_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials of %s: %w", userID, err)
	}
	defer rows.Close()

	var out []domain.BrokerCredential
	for rows.Next() {
		var c domain.BrokerCredential
		var kind, segment, auth string
		if err := rows.Scan(&c.ID, &c.OwnerID, &kind, &segment, &c.Name, &c.Active, &c.Default, &auth); err != nil {
			return nil, err
		}
		c.Kind = domain.BrokerKind(kind)
		c.Segment = domain.MarketSegment(segment)
		if err := json.Unmarshal([]byte(auth), &c.AuthMaterial); err != nil {
			return nil, fmt.Errorf("decoding auth material for %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveCredential(ctx context.Context, c *domain.BrokerCredential) error {
	auth, err := json.Marshal(c.AuthMaterial)
	if err != nil {
		return fmt.Errorf("encoding auth material: %w", err)
	}
	if c.AuthMaterial == nil {
		auth = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO broker_credentials
		(id, owner_id, kind, segment, name, active, is_default, auth_material)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, string(c.Kind), string(c.Segment), c.Name, c.Active, c.Default, string(auth),
	)
	if err != nil {
		return fmt.Errorf("saving credential %s: %w", c.ID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Signal logs
// ---------------------------------------------------------------------------

func (s *SQLiteStore) SaveSignalLog(ctx context.Context, l *domain.SignalLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_logs
		(id, strategy_id, direction, symbol, raw_payload, users_notified, trades_executed, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.StrategyID, string(l.Direction), l.Symbol, l.RawPayload,
		l.UsersNotified, l.TradesExecuted, l.Success, l.Error, milli(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting signal log %s: %w", l.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListSignalLogs(ctx context.Context, strategyID string, limit int) ([]domain.SignalLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, direction, symbol, raw_payload, users_notified, trades_executed, success, error, created_at
		FROM signal_logs WHERE strategy_id = ? ORDER BY created_at DESC LIMIT ?`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing signal logs of %s: %w", strategyID, err)
	}
	defer rows.Close()

	var out []domain.SignalLog
	for rows.Next() {
		var l domain.SignalLog
		var direction string
		var created int64
		if err := rows.Scan(&l.ID, &l.StrategyID, &direction, &l.Symbol, &l.RawPayload,
			&l.UsersNotified, &l.TradesExecuted, &l.Success, &l.Error, &created); err != nil {
			return nil, err
		}
		l.Direction = domain.Direction(direction)
		l.CreatedAt = fromMilli(created)
		out = append(out, l)
	}
	return out, rows.Err()
}
