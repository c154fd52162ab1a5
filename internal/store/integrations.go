package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"gitea.jw6.us/james/calsync/internal/integration"
)

// integrationColumns is the SELECT list every read query shares; scanIntegration
// must stay in field order with it.
const integrationColumns = `id, user_id, provider, access_token, refresh_token,
token_expires_at, oauth_scope, base_url, username, calendar_list, calendar_paths,
default_booking_calendar_id, is_primary, is_active, sync_error, created_at, updated_at`

// IntegrationRepo persists calendar integrations. All token material is
// encrypted on the way in and decrypted on the way out.
type IntegrationRepo struct {
	pool   PgxPool
	cipher *TokenCipher
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *IntegrationRepo) scanIntegration(row scanner) (*integration.Integration, error) {
	var (
		in             integration.Integration
		accessCipher   string
		refreshCipher  string
		tokenExpiresAt sql.NullTime
		calendarList   []byte
		calendarPaths  []byte
	)
	err := row.Scan(
		&in.ID, &in.UserID, &in.Provider, &accessCipher, &refreshCipher,
		&tokenExpiresAt, &in.OAuthScope, &in.BaseURL, &in.Username,
		&calendarList, &calendarPaths, &in.DefaultBookingCalendarID,
		&in.IsPrimary, &in.IsActive, &in.SyncError, &in.CreatedAt, &in.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan integration: %w", err)
	}

	if in.AccessToken, err = r.cipher.Decrypt(accessCipher); err != nil {
		return nil, fmt.Errorf("integration %d access token: %w", in.ID, err)
	}
	if in.RefreshToken, err = r.cipher.Decrypt(refreshCipher); err != nil {
		return nil, fmt.Errorf("integration %d refresh token: %w", in.ID, err)
	}
	if tokenExpiresAt.Valid {
		in.TokenExpiresAt = tokenExpiresAt.Time
	}
	if len(calendarList) > 0 {
		if err := json.Unmarshal(calendarList, &in.CalendarList); err != nil {
			return nil, fmt.Errorf("integration %d calendar list: %w", in.ID, err)
		}
	}
	if len(calendarPaths) > 0 {
		if err := json.Unmarshal(calendarPaths, &in.CalendarPaths); err != nil {
			return nil, fmt.Errorf("integration %d calendar paths: %w", in.ID, err)
		}
	}
	return &in, nil
}

func (r *IntegrationRepo) collect(rows pgx.Rows) ([]integration.Integration, error) {
	defer rows.Close()
	var out []integration.Integration
	for rows.Next() {
		in, err := r.scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

func (r *IntegrationRepo) GetByID(ctx context.Context, id int64) (*integration.Integration, error) {
	defer observeDB(ctx, "db.integrations.get")()
	row := r.pool.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM calendar_integrations WHERE id=$1`, id)
	return r.scanIntegration(row)
}

func (r *IntegrationRepo) GetByUserAndProvider(ctx context.Context, userID int64, p integration.Provider) (*integration.Integration, error) {
	defer observeDB(ctx, "db.integrations.get_by_user_provider")()
	row := r.pool.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM calendar_integrations
WHERE user_id=$1 AND provider=$2
ORDER BY created_at DESC LIMIT 1`, userID, p)
	return r.scanIntegration(row)
}

func (r *IntegrationRepo) ListActiveByUser(ctx context.Context, userID int64) ([]integration.Integration, error) {
	defer observeDB(ctx, "db.integrations.list_active")()
	rows, err := r.pool.Query(ctx,
		`SELECT `+integrationColumns+` FROM calendar_integrations
WHERE user_id=$1 AND is_active ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	return r.collect(rows)
}

// ListActive returns every active integration across all users. The health
// monitor sweeps over this.
func (r *IntegrationRepo) ListActive(ctx context.Context) ([]integration.Integration, error) {
	defer observeDB(ctx, "db.integrations.list_all_active")()
	rows, err := r.pool.Query(ctx,
		`SELECT `+integrationColumns+` FROM calendar_integrations
WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active integrations: %w", err)
	}
	return r.collect(rows)
}

// ListExpiringBefore returns active integrations whose token expires before
// the cutoff and that hold a refresh token. The sweep job feeds on this.
func (r *IntegrationRepo) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]integration.Integration, error) {
	defer observeDB(ctx, "db.integrations.list_expiring")()
	rows, err := r.pool.Query(ctx,
		`SELECT `+integrationColumns+` FROM calendar_integrations
WHERE is_active AND refresh_token <> '' AND token_expires_at IS NOT NULL AND token_expires_at < $1
ORDER BY token_expires_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expiring integrations: %w", err)
	}
	return r.collect(rows)
}

func (r *IntegrationRepo) Create(ctx context.Context, in *integration.Integration) (*integration.Integration, error) {
	defer observeDB(ctx, "db.integrations.create")()

	accessCipher, err := r.cipher.Encrypt(in.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshCipher, err := r.cipher.Encrypt(in.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	calendarList, err := json.Marshal(orEmptyList(in.CalendarList))
	if err != nil {
		return nil, fmt.Errorf("encode calendar list: %w", err)
	}
	calendarPaths, err := json.Marshal(orEmptyPaths(in.CalendarPaths))
	if err != nil {
		return nil, fmt.Errorf("encode calendar paths: %w", err)
	}

	var expiresAt any
	if !in.TokenExpiresAt.IsZero() {
		expiresAt = in.TokenExpiresAt
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO calendar_integrations
(user_id, provider, access_token, refresh_token, token_expires_at, oauth_scope,
 base_url, username, calendar_list, calendar_paths, default_booking_calendar_id,
 is_primary, is_active)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
RETURNING `+integrationColumns, in.UserID, in.Provider, accessCipher, refreshCipher,
		expiresAt, in.OAuthScope, in.BaseURL, in.Username, calendarList, calendarPaths,
		in.DefaultBookingCalendarID, in.IsPrimary, in.IsActive)
	return r.scanIntegration(row)
}

// UpdateTokens persists refreshed credentials and clears any recorded sync
// error; a successful refresh supersedes whatever failure was noted before.
func (r *IntegrationRepo) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	defer observeDB(ctx, "db.integrations.update_tokens")()

	accessCipher, err := r.cipher.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refreshCipher, err := r.cipher.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE calendar_integrations
SET access_token=$2, refresh_token=$3, token_expires_at=$4, sync_error='', updated_at=NOW()
WHERE id=$1`, id, accessCipher, refreshCipher, expiresAt)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *IntegrationRepo) UpdateCalendarList(ctx context.Context, id int64, list []integration.CalendarDescriptor, defaultBookingCalendarID string) error {
	defer observeDB(ctx, "db.integrations.update_calendar_list")()

	encoded, err := json.Marshal(orEmptyList(list))
	if err != nil {
		return fmt.Errorf("encode calendar list: %w", err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE calendar_integrations
SET calendar_list=$2, default_booking_calendar_id=$3, updated_at=NOW()
WHERE id=$1`, id, encoded, defaultBookingCalendarID)
	if err != nil {
		return fmt.Errorf("update calendar list: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *IntegrationRepo) SetSyncError(ctx context.Context, id int64, message string) error {
	defer observeDB(ctx, "db.integrations.set_sync_error")()
	_, err := r.pool.Exec(ctx,
		`UPDATE calendar_integrations SET sync_error=$2, updated_at=NOW() WHERE id=$1`,
		id, message)
	if err != nil {
		return fmt.Errorf("set sync error: %w", err)
	}
	return nil
}

func (r *IntegrationRepo) SetActive(ctx context.Context, id int64, active bool) error {
	defer observeDB(ctx, "db.integrations.set_active")()
	tag, err := r.pool.Exec(ctx,
		`UPDATE calendar_integrations SET is_active=$2, updated_at=NOW() WHERE id=$1`,
		id, active)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPrimary promotes one integration to primary for its user, demoting the
// rest in the same transaction. A concurrent promotion shows up as a unique
// violation on the partial index; both sides converge on one primary, so it
// is swallowed as benign.
func (r *IntegrationRepo) SetPrimary(ctx context.Context, userID, id int64) error {
	defer observeDB(ctx, "db.integrations.set_primary")()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin set primary: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE calendar_integrations SET is_primary=FALSE, updated_at=NOW()
WHERE user_id=$1 AND is_primary AND id<>$2`, userID, id); err != nil {
		return fmt.Errorf("demote primary: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE calendar_integrations SET is_primary=TRUE, updated_at=NOW()
WHERE id=$1 AND user_id=$2`, id, userID); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("promote primary: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("commit set primary: %w", err)
	}
	return nil
}

// ClearPrimary drops the primary designation for the user entirely. Used when
// the last active integration goes away.
func (r *IntegrationRepo) ClearPrimary(ctx context.Context, userID int64) error {
	defer observeDB(ctx, "db.integrations.clear_primary")()
	_, err := r.pool.Exec(ctx,
		`UPDATE calendar_integrations SET is_primary=FALSE, updated_at=NOW()
WHERE user_id=$1 AND is_primary`, userID)
	if err != nil {
		return fmt.Errorf("clear primary: %w", err)
	}
	return nil
}

func (r *IntegrationRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "db.integrations.delete")()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM calendar_integrations WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func orEmptyList(list []integration.CalendarDescriptor) []integration.CalendarDescriptor {
	if list == nil {
		return []integration.CalendarDescriptor{}
	}
	return list
}

func orEmptyPaths(paths []string) []string {
	if paths == nil {
		return []string{}
	}
	return paths
}
