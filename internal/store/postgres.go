package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the pgx-backed Repository.
type Postgres struct {
	Db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres opens a pool and verifies connectivity.
func NewPostgres(ctx context.Context, connString string, maxConns int32, logger *zap.Logger) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{Db: pool, logger: logger}, nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{Db: pool, logger: logger}
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// Migrate creates the tables the engine needs if they are missing.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InTx runs fn in a read-committed transaction. Contention is resolved by
// conditional updates, not by isolation level.
func (s *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, s.Db, id)
}

func (s *Postgres) GetPartner(ctx context.Context, id string) (*domain.Partner, error) {
	return getPartner(ctx, s.Db, id)
}

func (s *Postgres) GetSubMerchant(ctx context.Context, id string) (*domain.SubMerchant, error) {
	return getSubMerchant(ctx, s.Db, id)
}

// Settings

func (s *Postgres) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.Db.QueryRow(ctx, "SELECT value FROM settings WHERE key = $1", key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Postgres) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.Db.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// Jobs

func (s *Postgres) SaveJob(ctx context.Context, job domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = s.Db.Exec(ctx, `
		INSERT INTO settlement_jobs (id, kind, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = now()
	`, job.ID, string(job.Kind), string(job.Status), payload, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Postgres) LoadJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := s.Db.Query(ctx, "SELECT payload FROM settlement_jobs ORDER BY created_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var job domain.Job
		if err := json.Unmarshal(payload, &job); err != nil {
			s.logger.Warn("skipping undecodable job row", zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type pgTx struct {
	q querier
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, t.q, id)
}

func (t *pgTx) GetPartner(ctx context.Context, id string) (*domain.Partner, error) {
	return getPartner(ctx, t.q, id)
}

func (t *pgTx) GetSubMerchant(ctx context.Context, id string) (*domain.SubMerchant, error) {
	return getSubMerchant(ctx, t.q, id)
}

func (t *pgTx) AdjustPartnerBalance(ctx context.Context, id string, delta decimal.Decimal) (bool, error) {
	return adjustBalance(ctx, t.q, "partners", id, delta)
}

func (t *pgTx) AdjustSubMerchantBalance(ctx context.Context, id string, delta decimal.Decimal) (bool, error) {
	return adjustBalance(ctx, t.q, "sub_merchants", id, delta)
}

// adjustBalance is the only way balances change: a guarded single-statement
// update, safe to retry and safe to race.
func adjustBalance(ctx context.Context, q querier, table, id string, delta decimal.Decimal) (bool, error) {
	tag, err := q.Exec(ctx,
		"UPDATE "+table+" SET balance = balance + $1 WHERE id = $2 AND balance + $1 >= 0",
		delta.String(), id,
	)
	if err != nil {
		return false, fmt.Errorf("adjust %s balance: %w", table, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := q.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return false, nil
}

func getPartner(ctx context.Context, q querier, id string) (*domain.Partner, error) {
	var p domain.Partner
	var balance, pct, flat string
	err := q.QueryRow(ctx, `
		SELECT id, name, balance::text, fee_percent::text, fee_flat::text
		FROM partners WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &balance, &pct, &flat)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("partner %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if p.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse partner balance: %w", err)
	}
	if p.FeePercent, err = decimal.NewFromString(pct); err != nil {
		return nil, fmt.Errorf("parse fee percent: %w", err)
	}
	if p.FeeFlat, err = decimal.NewFromString(flat); err != nil {
		return nil, fmt.Errorf("parse fee flat: %w", err)
	}
	return &p, nil
}

func getSubMerchant(ctx context.Context, q querier, id string) (*domain.SubMerchant, error) {
	var sm domain.SubMerchant
	var balance string
	err := q.QueryRow(ctx,
		"SELECT id, partner_id, name, balance::text FROM sub_merchants WHERE id = $1", id,
	).Scan(&sm.ID, &sm.PartnerID, &sm.Name, &balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sub-merchant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if sm.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse sub-merchant balance: %w", err)
	}
	return &sm, nil
}

func numeric(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseNumeric(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
