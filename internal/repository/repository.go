package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bizmate/auth-identity/internal/model"
)

// ErrDuplicate reports a uniqueness violation on the active-email index.
var ErrDuplicate = errors.New("duplicate account")

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const accountColumns = `
	id, email, google_id, password_hash, name,
	business_name, business_type, business_address, business_phone, avatar_url,
	currency, language, theme, notifications_enabled,
	is_verified, is_active, subscription_tier,
	failed_attempts, locked_until, last_login, created_at, updated_at
`

func scanAccount(row pgx.Row) (model.Account, error) {
	var acct model.Account
	err := row.Scan(
		&acct.ID,
		&acct.Email,
		&acct.GoogleID,
		&acct.PasswordHash,
		&acct.Name,
		&acct.BusinessName,
		&acct.BusinessType,
		&acct.BusinessAddress,
		&acct.BusinessPhone,
		&acct.AvatarURL,
		&acct.Preferences.Currency,
		&acct.Preferences.Language,
		&acct.Preferences.Theme,
		&acct.Preferences.NotificationsEnabled,
		&acct.Verified,
		&acct.Active,
		&acct.Tier,
		&acct.FailedAttempts,
		&acct.LockedUntil,
		&acct.LastLogin,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	return acct, err
}

func (s *Store) CreateAccount(ctx context.Context, acct model.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (
			id, email, google_id, password_hash, name,
			business_name, business_type, business_address, business_phone, avatar_url,
			currency, language, theme, notifications_enabled,
			is_verified, is_active, subscription_tier,
			failed_attempts, locked_until, last_login, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`,
		acct.ID, acct.Email, acct.GoogleID, acct.PasswordHash, acct.Name,
		acct.BusinessName, acct.BusinessType, acct.BusinessAddress, acct.BusinessPhone, acct.AvatarURL,
		acct.Preferences.Currency, acct.Preferences.Language, acct.Preferences.Theme, acct.Preferences.NotificationsEnabled,
		acct.Verified, acct.Active, acct.Tier,
		acct.FailedAttempts, acct.LockedUntil, acct.LastLogin, acct.CreatedAt, acct.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (s *Store) GetByID(ctx context.Context, accountID string) (model.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, accountID)
	return scanAccount(row)
}

func (s *Store) GetActiveByEmail(ctx context.Context, email string) (model.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE email = $1 AND is_active
	`, email)
	return scanAccount(row)
}

// GetActiveByEmailOrGoogleID matches on either identity; a match on the
// external subject wins when both exist.
func (s *Store) GetActiveByEmailOrGoogleID(ctx context.Context, email, googleID string) (model.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE is_active AND (email = $1 OR (NULLIF($2, '') IS NOT NULL AND google_id = $2))
		ORDER BY CASE WHEN google_id = $2 THEN 0 ELSE 1 END
		LIMIT 1
	`, email, googleID)
	return scanAccount(row)
}

func (s *Store) GetByDeviceToken(ctx context.Context, tokenHash, deviceID string) (model.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			a.id, a.email, a.google_id, a.password_hash, a.name,
			a.business_name, a.business_type, a.business_address, a.business_phone, a.avatar_url,
			a.currency, a.language, a.theme, a.notifications_enabled,
			a.is_verified, a.is_active, a.subscription_tier,
			a.failed_attempts, a.locked_until, a.last_login, a.created_at, a.updated_at
		FROM accounts a
		JOIN device_tokens d ON d.account_id = a.id
		WHERE d.token_hash = $1 AND d.device_id = $2 AND a.is_active
	`, tokenHash, deviceID)
	return scanAccount(row)
}

// RecordLoginFailure applies the failed-attempt transition in a single
// statement so concurrent failures cannot under-count. A stale expired lock
// restarts the window at one failure without arming a new lock; otherwise the
// counter increments and the lock arms once the threshold is reached.
func (s *Store) RecordLoginFailure(ctx context.Context, accountID string, now time.Time, threshold int, lockFor time.Duration) (model.LoginState, error) {
	var state model.LoginState
	row := s.pool.QueryRow(ctx, `
		UPDATE accounts
		SET failed_attempts = CASE
				WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1
				ELSE failed_attempts + 1
			END,
			locked_until = CASE
				WHEN locked_until IS NOT NULL AND locked_until > $2 THEN locked_until
				WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN NULL
				WHEN failed_attempts + 1 >= $3 THEN $4
				ELSE NULL
			END,
			updated_at = $2
		WHERE id = $1
		RETURNING failed_attempts, locked_until
	`, accountID, now, threshold, now.Add(lockFor))
	err := row.Scan(&state.FailedAttempts, &state.LockedUntil)
	return state, err
}

// CompleteLogin resets the security counters and stamps last_login. The lock
// guard makes a success racing a concurrently armed lock come back false
// instead of clearing it.
func (s *Store) CompleteLogin(ctx context.Context, accountID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET failed_attempts = 0, locked_until = NULL, last_login = $2, updated_at = $2
		WHERE id = $1 AND is_active AND (locked_until IS NULL OR locked_until <= $2)
	`, accountID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// LinkGoogleIdentity attaches the external subject only when none is linked
// yet and refreshes the avatar and last_login.
func (s *Store) LinkGoogleIdentity(ctx context.Context, accountID, googleID, avatarURL string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET google_id = COALESCE(google_id, $2),
			avatar_url = CASE WHEN $3 <> '' THEN $3 ELSE avatar_url END,
			last_login = $4,
			updated_at = $4
		WHERE id = $1
	`, accountID, googleID, avatarURL, now)
	return err
}

func (s *Store) UpdateProfile(ctx context.Context, accountID string, update model.ProfileUpdate) (model.Account, error) {
	sets := make([]string, 0, 10)
	args := make([]interface{}, 0, 12)
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Name != nil {
		add("name", *update.Name)
	}
	if update.BusinessName != nil {
		add("business_name", *update.BusinessName)
	}
	if update.BusinessType != nil {
		add("business_type", *update.BusinessType)
	}
	if update.BusinessAddress != nil {
		add("business_address", *update.BusinessAddress)
	}
	if update.BusinessPhone != nil {
		add("business_phone", *update.BusinessPhone)
	}
	if update.AvatarURL != nil {
		add("avatar_url", *update.AvatarURL)
	}
	if update.Currency != nil {
		add("currency", *update.Currency)
	}
	if update.Language != nil {
		add("language", *update.Language)
	}
	if update.Theme != nil {
		add("theme", *update.Theme)
	}
	if update.NotificationsEnabled != nil {
		add("notifications_enabled", *update.NotificationsEnabled)
	}

	if len(sets) == 0 {
		return s.GetByID(ctx, accountID)
	}

	args = append(args, time.Now().UTC())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))
	args = append(args, accountID)

	query := fmt.Sprintf(`
		UPDATE accounts
		SET %s
		WHERE id = $%d AND is_active
		RETURNING %s
	`, strings.Join(sets, ", "), len(args), accountColumns)
	return scanAccount(s.pool.QueryRow(ctx, query, args...))
}

func (s *Store) UpsertDevice(ctx context.Context, device model.DeviceToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_tokens (id, account_id, token_hash, device_id, device_name, platform, last_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, device_id) DO UPDATE
		SET token_hash = EXCLUDED.token_hash,
			device_name = EXCLUDED.device_name,
			platform = EXCLUDED.platform,
			last_used = EXCLUDED.last_used
	`, device.ID, device.AccountID, device.TokenHash, device.DeviceID, device.DeviceName, device.Platform, device.LastUsed, device.CreatedAt)
	if err != nil {
		return err
	}
	return s.touchAccount(ctx, device.AccountID, device.LastUsed)
}

// TrimDevices drops everything beyond the keep most recently used entries.
func (s *Store) TrimDevices(ctx context.Context, accountID string, keep int) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM device_tokens
		WHERE account_id = $1 AND id NOT IN (
			SELECT id FROM device_tokens
			WHERE account_id = $1
			ORDER BY last_used DESC, created_at DESC
			LIMIT $2
		)
	`, accountID, keep)
	return err
}

func (s *Store) RemoveDevice(ctx context.Context, accountID, deviceID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM device_tokens
		WHERE account_id = $1 AND device_id = $2
	`, accountID, deviceID)
	if err != nil {
		return err
	}
	return s.touchAccount(ctx, accountID, time.Now().UTC())
}

func (s *Store) TouchDevice(ctx context.Context, accountID, deviceID string, usedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE device_tokens
		SET last_used = $3
		WHERE account_id = $1 AND device_id = $2
	`, accountID, deviceID, usedAt)
	return err
}

func (s *Store) ListDevices(ctx context.Context, accountID string) ([]model.DeviceToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, token_hash, device_id, device_name, platform, last_used, created_at
		FROM device_tokens
		WHERE account_id = $1
		ORDER BY last_used DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []model.DeviceToken
	for rows.Next() {
		var device model.DeviceToken
		if err := rows.Scan(&device.ID, &device.AccountID, &device.TokenHash, &device.DeviceID, &device.DeviceName, &device.Platform, &device.LastUsed, &device.CreatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

func (s *Store) Deactivate(ctx context.Context, accountID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET is_active = FALSE, updated_at = $2
		WHERE id = $1
	`, accountID, now)
	return err
}

func (s *Store) touchAccount(ctx context.Context, accountID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE accounts SET updated_at = $2 WHERE id = $1`, accountID, now)
	return err
}
