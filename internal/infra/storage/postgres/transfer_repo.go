package postgres

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/vietddude/logharvest/internal/core/domain"
	"github.com/vietddude/logharvest/internal/indexing/metrics"
)

// insertBatchSize bounds the rows sent in one statement.
const insertBatchSize = 1000

// TransferRepo implements storage.TransferRepository using PostgreSQL.
type TransferRepo struct {
	db *DB
}

// NewTransferRepo creates a new PostgreSQL transfer repository.
func NewTransferRepo(db *DB) *TransferRepo {
	return &TransferRepo{db: db}
}

const insertTransfers = `
	INSERT INTO transfers (tx_hash, log_index, token, block_number, from_address, to_address, value)
	SELECT * FROM unnest($1::text[], $2::int[], $3::text[], $4::bigint[], $5::text[], $6::text[], $7::numeric[])
	ON CONFLICT (tx_hash, log_index) DO NOTHING
`

// SaveBatch saves events with one array insert per batch.
func (r *TransferRepo) SaveBatch(ctx context.Context, events []domain.TransferEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for start := 0; start < len(events); start += insertBatchSize {
		batch := events[start:min(start+insertBatchSize, len(events))]
		n := len(batch)
		hashes := make([]string, n)
		indexes := make([]int64, n)
		tokens := make([]string, n)
		blocks := make([]int64, n)
		froms := make([]string, n)
		tos := make([]string, n)
		values := make([]string, n)
		for i, e := range batch {
			hashes[i] = e.TxHash.Hex()
			indexes[i] = int64(e.LogIndex)
			tokens[i] = hexAddr(e.Token)
			blocks[i] = int64(e.BlockNumber)
			froms[i] = hexAddr(e.From)
			tos[i] = hexAddr(e.To)
			values[i] = bigString(e.Value)
		}

		_, err := tx.ExecContext(ctx, insertTransfers,
			pq.Array(hashes), pq.Array(indexes), pq.Array(tokens), pq.Array(blocks),
			pq.Array(froms), pq.Array(tos), pq.Array(values),
		)
		if err != nil {
			return fmt.Errorf("failed to save transfers: %w", err)
		}
		metrics.DBBatchSize.WithLabelValues("transfers").Observe(float64(n))
	}

	return tx.Commit()
}

type transferRow struct {
	TxHash      string `db:"tx_hash"`
	LogIndex    int64  `db:"log_index"`
	Token       string `db:"token"`
	BlockNumber int64  `db:"block_number"`
	From        string `db:"from_address"`
	To          string `db:"to_address"`
	Value       string `db:"value"`
}

func (t *transferRow) toDomain() (domain.TransferEvent, error) {
	value, ok := new(big.Int).SetString(t.Value, 10)
	if !ok {
		return domain.TransferEvent{}, fmt.Errorf("invalid value %q for %s:%d", t.Value, t.TxHash, t.LogIndex)
	}
	return domain.TransferEvent{
		Token:       common.HexToAddress(t.Token),
		From:        common.HexToAddress(t.From),
		To:          common.HexToAddress(t.To),
		Value:       value,
		BlockNumber: uint64(t.BlockNumber),
		TxHash:      common.HexToHash(t.TxHash),
		LogIndex:    uint(t.LogIndex),
	}, nil
}

// ListByRange returns a token's events in a block range.
func (r *TransferRepo) ListByRange(ctx context.Context, token common.Address, br domain.BlockRange) ([]domain.TransferEvent, error) {
	query := `
		SELECT tx_hash, log_index, token, block_number, from_address, to_address, value::text AS value
		FROM transfers
		WHERE token = $1 AND block_number BETWEEN $2 AND $3
		ORDER BY block_number, log_index
	`
	var rows []transferRow
	if err := r.db.SelectContext(ctx, &rows, query, hexAddr(token), int64(br.Start), int64(br.End)); err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}

	events := make([]domain.TransferEvent, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Count returns the number of stored events for a token.
func (r *TransferRepo) Count(ctx context.Context, token common.Address) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM transfers WHERE token = $1`, hexAddr(token)); err != nil {
		return 0, fmt.Errorf("failed to count transfers: %w", err)
	}
	return n, nil
}

// Holders returns recipients of the token, most transfers first.
func (r *TransferRepo) Holders(ctx context.Context, token common.Address, limit int) ([]common.Address, error) {
	query := `
		SELECT to_address FROM transfers
		WHERE token = $1 AND to_address <> $2
		GROUP BY to_address
		ORDER BY COUNT(*) DESC, to_address
		LIMIT $3
	`
	if limit <= 0 {
		limit = 1000
	}
	var addrs []string
	if err := r.db.SelectContext(ctx, &addrs, query, hexAddr(token), hexAddr(common.Address{}), limit); err != nil {
		return nil, fmt.Errorf("failed to list holders: %w", err)
	}
	out := make([]common.Address, len(addrs))
	for i, a := range addrs {
		out[i] = common.HexToAddress(a)
	}
	return out, nil
}

// DeleteBefore deletes events below block.
func (r *TransferRepo) DeleteBefore(ctx context.Context, block uint64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM transfers WHERE block_number < $1`, int64(block))
	if err != nil {
		return 0, fmt.Errorf("failed to prune transfers: %w", err)
	}
	return res.RowsAffected()
}

func hexAddr(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
