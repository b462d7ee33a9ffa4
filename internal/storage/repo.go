package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var apiKeyColumns = []string{
	"id", "user_id", "provider", "alias", "envelope", "is_active",
	"last_used", "last_rotated", "last_validated", "created_at", "updated_at",
}

func (s *Store) CreateUserKeyMaterial(ctx context.Context, m UserKeyMaterial) error {
	now := s.now()
	q := s.sql.Insert("user_key_material").
		Columns("user_id", "encrypt_key", "wrapped_decrypt_key", "version", "created_at", "updated_at").
		Values(m.UserID, m.EncryptKey, m.WrappedDecryptKey, 1, now, now)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build key material insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert key material: %w", err)
	}
	return nil
}

func (s *Store) GetUserKeyMaterial(ctx context.Context, userID string) (UserKeyMaterial, error) {
	q := s.sql.Select("user_id", "encrypt_key", "wrapped_decrypt_key", "version", "created_at", "updated_at").
		From("user_key_material").
		Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UserKeyMaterial{}, fmt.Errorf("build key material query: %w", err)
	}

	var m UserKeyMaterial
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&m.UserID,
		&m.EncryptKey,
		&m.WrappedDecryptKey,
		&m.Version,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserKeyMaterial{}, ErrNotFound
		}
		return UserKeyMaterial{}, fmt.Errorf("get key material: %w", err)
	}
	return m, nil
}

// SwapWrappedDecryptKey replaces the wrapped private key only if the row is
// still at expectedVersion. A concurrent rewrap makes it return ErrConflict.
func (s *Store) SwapWrappedDecryptKey(ctx context.Context, userID string, expectedVersion int64, wrapped string) error {
	q := s.sql.Update("user_key_material").
		Set("wrapped_decrypt_key", wrapped).
		Set("version", expectedVersion+1).
		Set("updated_at", s.now()).
		Where(sq.Eq{"user_id": userID, "version": expectedVersion})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build key material swap query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("swap key material: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("swap key material rows: %w", err)
	}
	if n == 0 {
		if _, err := s.GetUserKeyMaterial(ctx, userID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// InsertAPIKey stores k and returns it with id and timestamps filled in. An
// active key with the same user, provider and alias yields ErrConflict.
func (s *Store) InsertAPIKey(ctx context.Context, k APIKey) (APIKey, error) {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	now := s.now()
	k.CreatedAt, k.UpdatedAt = now, now
	k.IsActive = true
	if k.LastValidated == nil {
		k.LastValidated = &now
	}

	q := s.sql.Insert("api_keys").
		Columns("id", "user_id", "provider", "alias", "envelope", "is_active", "last_validated", "created_at", "updated_at").
		Values(k.ID, k.UserID, k.Provider, k.Alias, k.Envelope, k.IsActive, *k.LastValidated, k.CreatedAt, k.UpdatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return APIKey{}, fmt.Errorf("build api key insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if isUniqueViolation(err) {
			return APIKey{}, ErrConflict
		}
		return APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	return k, nil
}

func (s *Store) GetAPIKey(ctx context.Context, userID, id string) (APIKey, error) {
	q := s.sql.Select(apiKeyColumns...).
		From("api_keys").
		Where(sq.Eq{"id": id, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return APIKey{}, fmt.Errorf("build api key query: %w", err)
	}
	k, err := scanAPIKey(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return APIKey{}, ErrNotFound
		}
		return APIKey{}, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

func (s *Store) ListAPIKeys(ctx context.Context, userID string, activeOnly bool) ([]APIKey, error) {
	where := sq.Eq{"user_id": userID}
	if activeOnly {
		where["is_active"] = true
	}
	q := s.sql.Select(apiKeyColumns...).
		From("api_keys").
		Where(where).
		OrderBy("created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list api keys query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	out := make([]APIKey, 0)
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key row: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api key rows: %w", err)
	}
	return out, nil
}

// AliasTaken reports whether an active key other than exceptID already uses
// alias for this user and provider. Aliases compare case-sensitively.
func (s *Store) AliasTaken(ctx context.Context, userID, provider, alias, exceptID string) (bool, error) {
	q := s.sql.Select("id").
		From("api_keys").
		Where(sq.Eq{"user_id": userID, "provider": provider, "alias": alias, "is_active": true}).
		Limit(1)
	if exceptID != "" {
		q = q.Where(sq.NotEq{"id": exceptID})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build alias query: %w", err)
	}
	var id string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check alias: %w", err)
	}
	return true, nil
}

func (s *Store) UpdateAPIKey(ctx context.Context, userID, id string, upd APIKeyUpdate) (APIKey, error) {
	q := s.sql.Update("api_keys").
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id, "user_id": userID})
	if upd.Alias != nil {
		q = q.Set("alias", *upd.Alias)
	}
	if upd.IsActive != nil {
		q = q.Set("is_active", *upd.IsActive)
	}
	if err := s.execOne(ctx, q, "update api key"); err != nil {
		return APIKey{}, err
	}
	return s.GetAPIKey(ctx, userID, id)
}

// RotateAPIKey swaps in a freshly validated envelope.
func (s *Store) RotateAPIKey(ctx context.Context, userID, id, envelope string) (APIKey, error) {
	now := s.now()
	q := s.sql.Update("api_keys").
		Set("envelope", envelope).
		Set("last_rotated", now).
		Set("last_validated", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "user_id": userID, "is_active": true})
	if err := s.execOne(ctx, q, "rotate api key"); err != nil {
		return APIKey{}, err
	}
	return s.GetAPIKey(ctx, userID, id)
}

func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	q := s.sql.Update("api_keys").
		Set("last_used", at.UTC()).
		Where(sq.Eq{"id": id})
	return s.execOne(ctx, q, "touch api key")
}

func (s *Store) execOne(ctx context.Context, q sq.UpdateBuilder, what string) error {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s query: %w", what, err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (APIKey, error) {
	var k APIKey
	var lastUsed, lastRotated, lastValidated sql.NullTime
	if err := row.Scan(
		&k.ID,
		&k.UserID,
		&k.Provider,
		&k.Alias,
		&k.Envelope,
		&k.IsActive,
		&lastUsed,
		&lastRotated,
		&lastValidated,
		&k.CreatedAt,
		&k.UpdatedAt,
	); err != nil {
		return APIKey{}, err
	}
	if lastUsed.Valid {
		k.LastUsed = &lastUsed.Time
	}
	if lastRotated.Valid {
		k.LastRotated = &lastRotated.Time
	}
	if lastValidated.Valid {
		k.LastValidated = &lastValidated.Time
	}
	return k, nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" {
		e.MetaJSON = "{}"
	}
	if !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("user_id", "action", "key_id", "meta_json", "created_at").
		Values(e.UserID, e.Action, e.KeyID, e.MetaJSON, s.now())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the newest entries first.
func (s *Store) ListAudit(ctx context.Context, userID string, limit uint64) ([]AuditEntry, error) {
	if limit == 0 {
		limit = 50
	}
	q := s.sql.Select("id", "user_id", "action", "key_id", "meta_json", "created_at").
		From("audit_log").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("id DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list audit query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.KeyID, &e.MetaJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}
