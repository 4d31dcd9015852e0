package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresKVStore はsession_entriesテーブルを使用した有効期限付きKVストア。
// 期限切れ行は読み取り時に無視し、削除はクリーンアップジョブが行う。
// 有効期限の計算と判定はどちらもデータベースの時計で行う。
type PostgresKVStore struct {
	db *sql.DB
}

// NewPostgresKVStore はPostgresKVStoreを生成する。
func NewPostgresKVStore(db *sql.DB) *PostgresKVStore {
	return &PostgresKVStore{db: db}
}

// Set は値をttl付きで保存する。
func (s *PostgresKVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_entries (key, value, expires_at)
		 VALUES ($1, $2, now() + make_interval(secs => $3))
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, ttl.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to set session entry: %w", err)
	}
	return nil
}

// Get は値を取得する。存在しない場合や期限切れの場合はnilを返す。
func (s *PostgresKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM session_entries WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session entry: %w", err)
	}
	return value, nil
}

// Delete はキーを削除する。
func (s *PostgresKVStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_entries WHERE key = $1`,
		key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session entry: %w", err)
	}
	return nil
}

// compile-time interface check
var _ KVStore = (*PostgresKVStore)(nil)
