package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/expenseman/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByUID はIdPのUIDでプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByUID(ctx context.Context, uid string) (*model.Profile, error) {
	p := &model.Profile{}
	err := r.db.QueryRowContext(ctx,
		`SELECT uid, email, name, created_at, updated_at FROM profiles WHERE uid = $1`,
		uid,
	).Scan(&p.UID, &p.Email, &p.Name, &p.CreatedAt, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}

	return p, nil
}

// Upsert はプロフィールを作成または更新する。
// 既存行のcreated_atは変更しない。
func (r *PostgresProfileRepo) Upsert(ctx context.Context, p *model.Profile) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (uid, email, name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (uid) DO UPDATE
		 SET email = EXCLUDED.email, name = EXCLUDED.name, updated_at = EXCLUDED.updated_at`,
		p.UID, p.Email, p.Name, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
