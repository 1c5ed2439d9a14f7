package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"AgentVault-Chain/internal/auth"
)

// SQLAuthStore persists operator accounts and their permissions in MySQL.
type SQLAuthStore struct {
	db *sql.DB
}

// AuthStore exposes the user directory backed by this store's connection.
func (s *Store) AuthStore() *SQLAuthStore {
	return &SQLAuthStore{db: s.db}
}

// ApplySeeds upserts the configured bootstrap accounts. Existing users keep
// their password unless the seed provides one.
func (s *SQLAuthStore) ApplySeeds(ctx context.Context, seeds []auth.Seed) error {
	for _, seed := range seeds {
		username := strings.TrimSpace(seed.Username)
		if username == "" {
			continue
		}
		hashed, err := auth.HashPassword(seed.Password)
		if err != nil {
			return fmt.Errorf("初始化账号 %s 失败: %w", username, err)
		}
		disabled := 0
		if seed.Disabled {
			disabled = 1
		}
		result, err := s.db.ExecContext(ctx, `INSERT INTO auth_users (username, password_hash, disabled, created_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE disabled = VALUES(disabled), id = LAST_INSERT_ID(id)`,
			username, hashed, disabled, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("写入账号 %s 失败: %w", username, err)
		}
		userID, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("获取账号 %s 的标识失败: %w", username, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_user_permissions WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("清理账号 %s 的权限失败: %w", username, err)
		}
		for _, permission := range seed.Permissions {
			permission = strings.ToLower(strings.TrimSpace(permission))
			if permission == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, `INSERT IGNORE INTO auth_user_permissions (user_id, permission) VALUES (?, ?)`,
				userID, permission); err != nil {
				return fmt.Errorf("写入账号 %s 的权限失败: %w", username, err)
			}
		}
	}
	return nil
}

// FindUserByUsername implements auth.Store.
func (s *SQLAuthStore) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	const query = `SELECT id, username, password_hash, disabled FROM auth_users WHERE username = ?`
	row := s.db.QueryRowContext(ctx, query, strings.TrimSpace(username))
	var user auth.User
	var disabled int
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	user.Disabled = disabled == 1
	return &user, nil
}

// LoadSubject implements auth.Store.
func (s *SQLAuthStore) LoadSubject(ctx context.Context, userID int64) (*auth.Subject, error) {
	const userQuery = `SELECT id, username, disabled FROM auth_users WHERE id = ?`
	row := s.db.QueryRowContext(ctx, userQuery, userID)
	var subject auth.Subject
	var disabled int
	if err := row.Scan(&subject.ID, &subject.Username, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("查询用户信息失败: %w", err)
	}
	subject.Disabled = disabled == 1

	const permsQuery = `SELECT permission FROM auth_user_permissions WHERE user_id = ? ORDER BY permission`
	rows, err := s.db.QueryContext(ctx, permsQuery, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("查询用户权限失败: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var permission string
		if err := rows.Scan(&permission); err != nil {
			return nil, fmt.Errorf("解析用户权限失败: %w", err)
		}
		subject.Permissions = append(subject.Permissions, permission)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历用户权限失败: %w", err)
	}
	return &subject, nil
}
