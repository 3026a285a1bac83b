package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/vietddude/logharvest/internal/core/domain"
	"github.com/vietddude/logharvest/internal/indexing/metrics"
	"github.com/vietddude/logharvest/internal/infra/storage"
)

// BalanceRepo implements storage.BalanceRepository using PostgreSQL.
type BalanceRepo struct {
	db *DB
}

// NewBalanceRepo creates a new PostgreSQL balance repository.
func NewBalanceRepo(db *DB) *BalanceRepo {
	return &BalanceRepo{db: db}
}

// SaveSnapshot upserts balances of a token at a block.
func (r *BalanceRepo) SaveSnapshot(ctx context.Context, token common.Address, block uint64, balances map[common.Address]*big.Int) error {
	if len(balances) == 0 {
		return nil
	}
	holders := make([]string, 0, len(balances))
	values := make([]string, 0, len(balances))
	for h, v := range balances {
		holders = append(holders, hexAddr(h))
		values = append(values, bigString(v))
	}

	query := `
		INSERT INTO balance_snapshots (token, holder, block_number, balance)
		SELECT $1, h, $2, b FROM unnest($3::text[], $4::numeric[]) AS t(h, b)
		ON CONFLICT (token, block_number, holder) DO UPDATE SET balance = EXCLUDED.balance
	`
	if _, err := r.db.ExecContext(ctx, query, hexAddr(token), int64(block), pq.Array(holders), pq.Array(values)); err != nil {
		return fmt.Errorf("failed to save balance snapshot: %w", err)
	}
	metrics.DBBatchSize.WithLabelValues("balance_snapshots").Observe(float64(len(holders)))
	return nil
}

type balanceRow struct {
	Holder  string `db:"holder"`
	Balance string `db:"balance"`
}

// GetSnapshot returns stored balances of a token at a block.
func (r *BalanceRepo) GetSnapshot(ctx context.Context, token common.Address, block uint64) (map[common.Address]*big.Int, error) {
	query := `
		SELECT holder, balance::text AS balance FROM balance_snapshots
		WHERE token = $1 AND block_number = $2
	`
	var rows []balanceRow
	if err := r.db.SelectContext(ctx, &rows, query, hexAddr(token), int64(block)); err != nil {
		return nil, fmt.Errorf("failed to get balance snapshot: %w", err)
	}
	out := make(map[common.Address]*big.Int, len(rows))
	for _, row := range rows {
		v, ok := new(big.Int).SetString(row.Balance, 10)
		if !ok {
			return nil, fmt.Errorf("invalid balance %q for %s", row.Balance, row.Holder)
		}
		out[common.HexToAddress(row.Holder)] = v
	}
	return out, nil
}

// TokenRepo implements storage.TokenRepository using PostgreSQL.
type TokenRepo struct {
	db *DB
}

// NewTokenRepo creates a new PostgreSQL token repository.
func NewTokenRepo(db *DB) *TokenRepo {
	return &TokenRepo{db: db}
}

// Save upserts token metadata.
func (r *TokenRepo) Save(ctx context.Context, info domain.TokenInfo) error {
	query := `
		INSERT INTO tokens (address, name, symbol, decimals, total_supply, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, NOW())
		ON CONFLICT (address) DO UPDATE SET
			name = EXCLUDED.name,
			symbol = EXCLUDED.symbol,
			decimals = EXCLUDED.decimals,
			total_supply = EXCLUDED.total_supply,
			updated_at = NOW()
	`
	var supply *string
	if info.TotalSupply != nil {
		s := info.TotalSupply.String()
		supply = &s
	}
	_, err := r.db.ExecContext(ctx, query, hexAddr(info.Address), info.Name, info.Symbol, int16(info.Decimals), supply)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

type tokenRow struct {
	Address     string  `db:"address"`
	Name        string  `db:"name"`
	Symbol      string  `db:"symbol"`
	Decimals    int16   `db:"decimals"`
	TotalSupply *string `db:"total_supply"` // Nullable
}

func (t *tokenRow) toDomain() *domain.TokenInfo {
	info := &domain.TokenInfo{
		Address:  common.HexToAddress(t.Address),
		Name:     t.Name,
		Symbol:   t.Symbol,
		Decimals: uint8(t.Decimals),
	}
	if t.TotalSupply != nil {
		if v, ok := new(big.Int).SetString(*t.TotalSupply, 10); ok {
			info.TotalSupply = v
		}
	}
	return info
}

// Get returns stored metadata for a token.
func (r *TokenRepo) Get(ctx context.Context, token common.Address) (*domain.TokenInfo, error) {
	query := `
		SELECT address, name, symbol, decimals, total_supply::text AS total_supply
		FROM tokens WHERE address = $1
	`
	var row tokenRow
	err := r.db.GetContext(ctx, &row, query, hexAddr(token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return row.toDomain(), nil
}
