package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/authcore/server/internal/model"
)

const accountColumns = `id, email, password_hash, first_name, last_name, phone_number, status, created_at, verified_at`

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a Postgres-backed UserRepo
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

// GetByID retrieves an account by ID
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// GetByEmail retrieves an account by email, ignoring case
func (r *userRepo) GetByEmail(ctx context.Context, email string) (model.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE lower(email) = lower($1)`, email)
	return scanAccount(row)
}

// Create inserts a new unverified account. Returns ErrDuplicate if the email is taken.
func (r *userRepo) Create(ctx context.Context, fields model.NewAccount) (model.Account, error) {
	account := model.Account{
		ID:           uuid.New(),
		Email:        fields.Email,
		PasswordHash: fields.PasswordHash,
		FirstName:    fields.FirstName,
		LastName:     fields.LastName,
		PhoneNumber:  fields.PhoneNumber,
		Status:       model.StatusUnverified,
		CreatedAt:    fields.CreatedAt,
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, password_hash, first_name, last_name, phone_number, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, account.ID, account.Email, account.PasswordHash, account.FirstName, account.LastName,
		account.PhoneNumber, string(account.Status), account.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return model.Account{}, ErrDuplicate
		}
		return model.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return account, nil
}

// UpdateStatus sets the account status; verified_at is stamped when moving to verified.
func (r *userRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status model.AccountStatus, at time.Time) error {
	var verifiedAt *time.Time
	if status == model.StatusVerified {
		verifiedAt = &at
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET status = $2, verified_at = $3 WHERE id = $1
	`, id, string(status), verifiedAt)
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAccount(row *sql.Row) (model.Account, error) {
	var a model.Account
	var idStr, status string
	err := row.Scan(
		&idStr,
		&a.Email,
		&a.PasswordHash,
		&a.FirstName,
		&a.LastName,
		&a.PhoneNumber,
		&status,
		&a.CreatedAt,
		&a.VerifiedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, ErrNotFound
		}
		return model.Account{}, fmt.Errorf("query account: %w", err)
	}
	a.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.Account{}, fmt.Errorf("parse account ID: %w", err)
	}
	a.Status = model.AccountStatus(status)
	return a, nil
}
