package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/c66w/business-cooperation-sub000/db"
)

var (
	// ErrAccountNotFound signals that the account does not exist.
	ErrAccountNotFound = errors.New("auth: account not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetByEmail(ctx context.Context, email string) (Account, error)
	GetByID(ctx context.Context, id string) (Account, error)
}

// CreateAccountParams contains write parameters for creating accounts.
type CreateAccountParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool db.Querier
}

func NewRepository(pool db.Querier) *PGRepository {
	return &PGRepository{pool: pool}
}

const accountColumns = `id::text, email, full_name, password_hash, role, created_at, updated_at`

// CreateAccount inserts a new account. Emails are stored lower-cased.
func (r *PGRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	insertSQL := `
		INSERT INTO accounts (email, full_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + accountColumns

	acct, err := scanAccount(r.pool.QueryRow(ctx, insertSQL, normalizeEmail(params.Email), params.FullName, params.PasswordHash, params.Role))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Account{}, ErrDuplicateEmail
		}
		return Account{}, fmt.Errorf("auth: create account: %w", err)
	}
	return acct, nil
}

func (r *PGRepository) GetByEmail(ctx context.Context, email string) (Account, error) {
	selectSQL := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`

	acct, err := scanAccount(r.pool.QueryRow(ctx, selectSQL, normalizeEmail(email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by email: %w", err)
	}
	return acct, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Account, error) {
	selectSQL := `SELECT ` + accountColumns + ` FROM accounts WHERE id::text = $1`

	acct, err := scanAccount(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by id: %w", err)
	}
	return acct, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var acct Account
	err := row.Scan(
		&acct.ID,
		&acct.Email,
		&acct.FullName,
		&acct.PasswordHash,
		&acct.Role,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
