package repo

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/authcore/server/internal/model"
)

type otpRepo struct {
	db *sql.DB
}

// NewOtpRepo creates a Postgres-backed OtpRepo
func NewOtpRepo(db *sql.DB) OtpRepo {
	return &otpRepo{db: db}
}

// Upsert replaces the record for (account_id, purpose). The primary key makes the
// write a single row-level operation, so of two concurrent issues the later one wins.
func (r *otpRepo) Upsert(ctx context.Context, rec model.OtpRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO otp_records (account_id, purpose, code_hash, superseded_hashes, created_at, expires_at, attempts_remaining, consumed_at)
		VALUES ($1, $2, $3, '{}', $4, $5, $6, NULL)
		ON CONFLICT (account_id, purpose) DO UPDATE
		SET superseded_hashes = (otp_records.superseded_hashes || otp_records.code_hash)
		        [greatest(cardinality(otp_records.superseded_hashes) + 2 - $7, 1):],
		    code_hash = EXCLUDED.code_hash,
		    created_at = EXCLUDED.created_at,
		    expires_at = EXCLUDED.expires_at,
		    attempts_remaining = EXCLUDED.attempts_remaining,
		    consumed_at = NULL
	`, rec.AccountID, string(rec.Purpose), hex.EncodeToString(rec.CodeHash), rec.CreatedAt, rec.ExpiresAt, rec.AttemptsRemaining, MaxSupersededHashes)
	if err != nil {
		return fmt.Errorf("upsert otp record: %w", err)
	}
	return nil
}

// Get returns the record for (account_id, purpose) regardless of its state.
func (r *otpRepo) Get(ctx context.Context, accountID uuid.UUID, purpose model.Purpose) (model.OtpRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT account_id, purpose, code_hash, superseded_hashes, created_at, expires_at, attempts_remaining, consumed_at
		FROM otp_records
		WHERE account_id = $1 AND purpose = $2
	`, accountID, string(purpose))
	return scanOtpRecord(row)
}

// Update runs fn against the row locked with SELECT ... FOR UPDATE, so concurrent
// verifications of the same record are serialized by Postgres.
func (r *otpRepo) Update(ctx context.Context, accountID uuid.UUID, purpose model.Purpose, fn func(rec *model.OtpRecord) (bool, error)) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT account_id, purpose, code_hash, superseded_hashes, created_at, expires_at, attempts_remaining, consumed_at
		FROM otp_records
		WHERE account_id = $1 AND purpose = $2
		FOR UPDATE
	`, accountID, string(purpose))
	rec, err := scanOtpRecord(row)
	if err != nil {
		return err
	}

	changed, fnErr := fn(&rec)
	if changed {
		_, err = tx.ExecContext(ctx, `
			UPDATE otp_records
			SET attempts_remaining = $3, consumed_at = $4
			WHERE account_id = $1 AND purpose = $2
		`, accountID, string(purpose), rec.AttemptsRemaining, rec.ConsumedAt)
		if err != nil {
			return fmt.Errorf("update otp record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return fnErr
}

// DeleteExpired removes records that expired before the given time.
func (r *otpRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM otp_records WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired otp records: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func scanOtpRecord(row *sql.Row) (model.OtpRecord, error) {
	var rec model.OtpRecord
	var idStr, purpose, hashHex string
	var superseded []string
	err := row.Scan(
		&idStr,
		&purpose,
		&hashHex,
		pq.Array(&superseded),
		&rec.CreatedAt,
		&rec.ExpiresAt,
		&rec.AttemptsRemaining,
		&rec.ConsumedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OtpRecord{}, ErrNotFound
		}
		return model.OtpRecord{}, fmt.Errorf("query otp record: %w", err)
	}
	rec.AccountID, err = uuid.Parse(idStr)
	if err != nil {
		return model.OtpRecord{}, fmt.Errorf("parse account ID: %w", err)
	}
	rec.Purpose = model.Purpose(purpose)
	rec.CodeHash, err = hex.DecodeString(hashHex)
	if err != nil {
		return model.OtpRecord{}, fmt.Errorf("decode code_hash: %w", err)
	}
	for _, h := range superseded {
		b, err := hex.DecodeString(h)
		if err != nil {
			return model.OtpRecord{}, fmt.Errorf("decode superseded hash: %w", err)
		}
		rec.SupersededHashes = append(rec.SupersededHashes, b)
	}
	return rec, nil
}
