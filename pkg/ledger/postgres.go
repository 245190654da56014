package ledger

import (
	"context"
	"errors"
	"time"

	"aegis/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type ledgerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLedger persists call records in the platform_calls table.
// Digest-only retention: raw arguments and responses never reach the
// database.
type PostgresLedger struct {
	DB       ledgerDB
	HashSalt []byte
}

func NewPostgres(db ledgerDB, salt []byte) *PostgresLedger {
	return &PostgresLedger{DB: db, HashSalt: salt}
}

func (l *PostgresLedger) Record(ctx context.Context, endpoint string, args, response interface{}, status models.CallStatus) (models.CallRecord, error) {
	rec := models.CallRecord{
		ID:             newCallID(),
		Endpoint:       endpoint,
		ArgsDigest:     models.Digest(args, l.HashSalt),
		ResponseDigest: models.Digest(response, l.HashSalt),
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := l.DB.Exec(ctx, `
		INSERT INTO platform_calls
		(call_id, endpoint, args_digest, response_digest, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.ID, rec.Endpoint, rec.ArgsDigest, rec.ResponseDigest, string(rec.Status), rec.CreatedAt)
	if err != nil {
		return models.CallRecord{}, err
	}
	return rec, nil
}

func (l *PostgresLedger) Get(ctx context.Context, callID string) (models.CallRecord, error) {
	row := l.DB.QueryRow(ctx, `
		SELECT call_id, endpoint, args_digest, response_digest, status, created_at
		FROM platform_calls WHERE call_id=$1
	`, callID)
	var rec models.CallRecord
	var status string
	if err := row.Scan(&rec.ID, &rec.Endpoint, &rec.ArgsDigest, &rec.ResponseDigest, &status, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CallRecord{}, ErrNotFound
		}
		return models.CallRecord{}, err
	}
	rec.Status = models.CallStatus(status)
	return rec, nil
}

func (l *PostgresLedger) Recent(ctx context.Context, limit int) ([]models.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.DB.Query(ctx, `
		SELECT call_id, endpoint, args_digest, response_digest, status, created_at
		FROM platform_calls ORDER BY call_id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.CallRecord, 0, limit)
	for rows.Next() {
		var rec models.CallRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.Endpoint, &rec.ArgsDigest, &rec.ResponseDigest, &status, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Status = models.CallStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Healthy probes the ledger table so readiness checks can report whether the
// audit trail is writable.
func (l *PostgresLedger) Healthy(ctx context.Context) error {
	var one int
	return l.DB.QueryRow(ctx, `SELECT 1`).Scan(&one)
}
