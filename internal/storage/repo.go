package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

// Bind upserts the binding for a chat identity. An existing row for the same
// chat user is replaced atomically, never duplicated.
func (s *Store) Bind(ctx context.Context, chatUserID string, panelUserID int64, apiKeySealed string) error {
	q := s.sql.Insert("bound_users").
		Columns("discord_id", "pterodactyl_user_id", "pterodactyl_api_key", "bound_at").
		Values(chatUserID, panelUserID, apiKeySealed, nowExpr(s.driver)).
		Suffix("ON CONFLICT(discord_id) DO UPDATE SET pterodactyl_user_id=excluded.pterodactyl_user_id, pterodactyl_api_key=excluded.pterodactyl_api_key, bound_at=excluded.bound_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build bind query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("bind user: %w", err)
	}
	return nil
}

func (s *Store) GetBinding(ctx context.Context, chatUserID string) (BoundAccount, error) {
	return s.getBinding(ctx, sq.Eq{"discord_id": chatUserID})
}

// FindBindingByPanelUser returns the binding holding a given panel user id,
// if any. Used to enforce that one panel account maps to at most one chat
// identity.
func (s *Store) FindBindingByPanelUser(ctx context.Context, panelUserID int64) (BoundAccount, error) {
	return s.getBinding(ctx, sq.Eq{"pterodactyl_user_id": panelUserID})
}

func (s *Store) getBinding(ctx context.Context, where sq.Sqlizer) (BoundAccount, error) {
	q := s.sql.Select("discord_id", "pterodactyl_user_id", "pterodactyl_api_key", "bound_at").
		From("bound_users").
		Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return BoundAccount{}, fmt.Errorf("build binding query: %w", err)
	}

	var a BoundAccount
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&a.ChatUserID,
		&a.PanelUserID,
		&a.APIKeySealed,
		&a.BoundAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BoundAccount{}, ErrNotFound
		}
		return BoundAccount{}, fmt.Errorf("get binding: %w", err)
	}
	return a, nil
}

func (s *Store) IsBound(ctx context.Context, chatUserID string) (bool, error) {
	_, err := s.GetBinding(ctx, chatUserID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Unbind removes the binding and all owned-server records for the chat
// identity in one transaction, dependent rows first. Unbinding an unknown
// identity is a no-op.
func (s *Store) Unbind(ctx context.Context, chatUserID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin unbind tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	delServers := s.sql.Delete("user_servers").Where(sq.Eq{"discord_id": chatUserID})
	sqlStr, args, err := delServers.ToSql()
	if err != nil {
		return fmt.Errorf("build delete servers query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete owned servers: %w", err)
	}

	delBinding := s.sql.Delete("bound_users").Where(sq.Eq{"discord_id": chatUserID})
	sqlStr, args, err = delBinding.ToSql()
	if err != nil {
		return fmt.Errorf("build delete binding query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit unbind tx: %w", err)
	}
	return nil
}

func (s *Store) AddOwnedServer(ctx context.Context, chatUserID, serverUUID, serverName string) error {
	q := s.sql.Insert("user_servers").
		Columns("discord_id", "server_uuid", "server_name", "created_at").
		Values(chatUserID, serverUUID, serverName, nowExpr(s.driver))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build add server query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("add owned server: %w", err)
	}
	return nil
}

func (s *Store) RemoveOwnedServer(ctx context.Context, chatUserID, serverUUID string) error {
	q := s.sql.Delete("user_servers").Where(sq.Eq{"discord_id": chatUserID, "server_uuid": serverUUID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build remove server query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("remove owned server: %w", err)
	}
	return nil
}

func (s *Store) ListOwnedServers(ctx context.Context, chatUserID string) ([]OwnedServer, error) {
	q := s.sql.Select("discord_id", "server_uuid", "server_name", "created_at").
		From("user_servers").
		Where(sq.Eq{"discord_id": chatUserID}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list servers query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list owned servers: %w", err)
	}
	defer rows.Close()

	out := make([]OwnedServer, 0)
	for rows.Next() {
		var rec OwnedServer
		if err := rows.Scan(&rec.ChatUserID, &rec.ServerUUID, &rec.ServerName, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan owned server row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owned server rows: %w", err)
	}
	return out, nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" {
		e.MetaJSON = "{}"
	}
	if !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("discord_id", "action", "meta_json").
		Values(e.ChatUserID, e.Action, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
