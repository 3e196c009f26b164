package entitlement

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/mailslot/pkg/pg"
)

// PostgresEntitlementStore is the durable EntitlementStore backed by a
// pgx connection pool. Save is a single-statement upsert, so each row
// transitions atomically regardless of what happens to the surrounding
// sync pull.
type PostgresEntitlementStore struct {
	pool *pgxpool.Pool
}

func NewPostgresEntitlementStore(pool *pgxpool.Pool) *PostgresEntitlementStore {
	return &PostgresEntitlementStore{pool: pool}
}

const entitlementColumns = `id, owner_id, provider_sub_id, role, status,
	cancel_at_period_end, period_end, account_id, version, created_at, updated_at, deleted_at`

func (s *PostgresEntitlementStore) Get(ctx context.Context, id uuid.UUID) (*Entitlement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE id = $1`, id)
	return scanEntitlement(row)
}

func (s *PostgresEntitlementStore) GetByProviderSubID(ctx context.Context, providerSubID string) (*Entitlement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE provider_sub_id = $1`, providerSubID)
	return scanEntitlement(row)
}

func (s *PostgresEntitlementStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]Entitlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresEntitlementStore) Save(ctx context.Context, e *Entitlement) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entitlements (id, owner_id, provider_sub_id, role, status,
			cancel_at_period_end, period_end, account_id, version, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			period_end = EXCLUDED.period_end,
			account_id = EXCLUDED.account_id,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at`,
		e.ID, e.OwnerID, e.ProviderSubID, e.Role, e.Status,
		e.CancelAtPeriodEnd, e.PeriodEnd, e.AccountID, e.Version,
		e.CreatedAt, e.UpdatedAt, e.DeletedAt)
	// A second row claiming the same provider subscription ID trips the
	// unique index.
	if pg.IsDuplicateKeyError(err) {
		return errors.Join(ErrDataIntegrityViolation, err)
	}
	return err
}

func scanEntitlement(row pgx.Row) (*Entitlement, error) {
	var e Entitlement
	err := row.Scan(&e.ID, &e.OwnerID, &e.ProviderSubID, &e.Role, &e.Status,
		&e.CancelAtPeriodEnd, &e.PeriodEnd, &e.AccountID, &e.Version,
		&e.CreatedAt, &e.UpdatedAt, &e.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntitlementNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PostgresAccountStore is the durable AccountStore.
type PostgresAccountStore struct {
	pool *pgxpool.Pool
}

func NewPostgresAccountStore(pool *pgxpool.Pool) *PostgresAccountStore {
	return &PostgresAccountStore{pool: pool}
}

const accountColumns = `id, owner_id, email, provider, is_primary, is_active,
	is_connected, entitlement_id, created_at, updated_at`

func (s *PostgresAccountStore) Get(ctx context.Context, id uuid.UUID) (*EmailAccount, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (s *PostgresAccountStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]EmailAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EmailAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresAccountStore) Save(ctx context.Context, a *EmailAccount) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_accounts (id, owner_id, email, provider, is_primary,
			is_active, is_connected, entitlement_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			provider = EXCLUDED.provider,
			is_primary = EXCLUDED.is_primary,
			is_active = EXCLUDED.is_active,
			is_connected = EXCLUDED.is_connected,
			entitlement_id = EXCLUDED.entitlement_id,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.OwnerID, a.Email, a.Provider, a.IsPrimary,
		a.IsActive, a.IsConnected, a.EntitlementID, a.CreatedAt, a.UpdatedAt)
	// owner_id+email is unique; connecting the same address twice must
	// go through the update path, not a second insert.
	if pg.IsDuplicateKeyError(err) {
		return errors.Join(ErrDataIntegrityViolation, err)
	}
	return err
}

func (s *PostgresAccountStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM email_accounts WHERE id = $1`, id)
	return err
}

func scanAccount(row pgx.Row) (*EmailAccount, error) {
	var a EmailAccount
	err := row.Scan(&a.ID, &a.OwnerID, &a.Email, &a.Provider, &a.IsPrimary,
		&a.IsActive, &a.IsConnected, &a.EntitlementID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
