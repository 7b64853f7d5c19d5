package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/beanroast/service/chain"
	"github.com/brojonat/beanroast/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// Store persists raw provider results in Postgres. It implements chain.Cache.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// Metrics may be nil.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

var _ chain.Cache = (*Store)(nil)

// Migrate creates the cache tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, schema)
	s.metrics.RecordDBQuery("migrate", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const getTransactionSQL = `
SELECT hash, from_address, to_address, value, gas_used, gas_price,
       block_time, block_number, is_error, input, memo
FROM raw_transactions
WHERE chain = $1 AND hash = $2`

// GetTransaction returns the cached transaction, or chain.ErrCacheMiss.
func (s *Store) GetTransaction(ctx context.Context, kind chain.Kind, hash string) (*chain.RawTransaction, error) {
	start := time.Now()
	var (
		tx          chain.RawTransaction
		blockTime   pgtype.Timestamptz
		blockNumber int64
		input, memo pgtype.Text
	)
	err := s.pool.QueryRow(ctx, getTransactionSQL, string(kind), hash).Scan(
		&tx.Hash, &tx.From, &tx.To, &tx.Value, &tx.GasUsed, &tx.GasPrice,
		&blockTime, &blockNumber, &tx.IsError, &input, &memo,
	)
	s.metrics.RecordDBQuery("get_transaction", time.Since(start), ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chain.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s/%s: %w", kind, hash, err)
	}

	tx.Timestamp = blockTime.Time.Unix()
	tx.BlockNumber = uint64(blockNumber)
	tx.Input = stringFromPgtext(input)
	tx.Memo = stringFromPgtext(memo)
	return &tx, nil
}

const putTransactionSQL = `
INSERT INTO raw_transactions (
    chain, hash, from_address, to_address, value, gas_used, gas_price,
    block_time, block_number, is_error, input, memo
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (chain, hash) DO NOTHING`

// PutTransaction stores tx. A transaction already cached is left untouched.
func (s *Store) PutTransaction(ctx context.Context, kind chain.Kind, tx *chain.RawTransaction) error {
	if tx == nil {
		return errors.New("put transaction: nil transaction")
	}
	start := time.Now()
	_, err := s.pool.Exec(ctx, putTransactionSQL,
		string(kind),
		tx.Hash,
		tx.From,
		tx.To,
		tx.Value,
		tx.GasUsed,
		tx.GasPrice,
		pgtype.Timestamptz{Time: time.Unix(tx.Timestamp, 0).UTC(), Valid: true},
		int64(tx.BlockNumber),
		tx.IsError,
		pgtextFromString(tx.Input),
		pgtextFromString(tx.Memo),
	)
	s.metrics.RecordDBQuery("put_transaction", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("put transaction %s/%s: %w", kind, tx.Hash, err)
	}
	return nil
}

// GetContract returns cached contract metadata, or chain.ErrCacheMiss.
func (s *Store) GetContract(ctx context.Context, kind chain.Kind, address string) (*chain.ContractSource, error) {
	start := time.Now()
	src := chain.ContractSource{}
	err := s.pool.QueryRow(ctx,
		`SELECT address, contract_name FROM contracts WHERE chain = $1 AND address = $2`,
		string(kind), chain.NormalizeAddress(address),
	).Scan(&src.Address, &src.ContractName)
	s.metrics.RecordDBQuery("get_contract", time.Since(start), ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chain.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get contract %s/%s: %w", kind, address, err)
	}
	return &src, nil
}

// PutContract stores contract metadata, replacing a previous entry.
func (s *Store) PutContract(ctx context.Context, kind chain.Kind, src *chain.ContractSource) error {
	if src == nil {
		return errors.New("put contract: nil contract")
	}
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
INSERT INTO contracts (chain, address, contract_name) VALUES ($1, $2, $3)
ON CONFLICT (chain, address) DO UPDATE SET contract_name = EXCLUDED.contract_name`,
		string(kind), chain.NormalizeAddress(src.Address), src.ContractName,
	)
	s.metrics.RecordDBQuery("put_contract", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("put contract %s/%s: %w", kind, src.Address, err)
	}
	return nil
}

// CountTransactions returns the number of cached transactions for a chain.
func (s *Store) CountTransactions(ctx context.Context, kind chain.Kind) (int64, error) {
	start := time.Now()
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM raw_transactions WHERE chain = $1`, string(kind),
	).Scan(&n)
	s.metrics.RecordDBQuery("count_transactions", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("count transactions %s: %w", kind, err)
	}
	return n, nil
}

// DeleteTransactionsOlderThan prunes rows cached before cutoff and returns
// how many were removed.
func (s *Store) DeleteTransactionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM raw_transactions WHERE created_at < $1`,
		pgtype.Timestamptz{Time: cutoff, Valid: true},
	)
	s.metrics.RecordDBQuery("delete_transactions", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("delete transactions older than %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

// A miss is not a failed query.
func ignoreNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}

func pgtextFromString(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

func stringFromPgtext(t pgtype.Text) string {
	if !t.Valid {
		return ""
	}
	return t.String
}
