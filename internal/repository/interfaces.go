// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/expenseman/internal/model"
)

// KVStore は有効期限付きのキーバリューストアのインターフェース。
// セッションの永続化先として使用する。
type KVStore interface {
	// Set は値をttl付きで保存する。既存のキーは上書きする。
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get は値を取得する。存在しない場合や期限切れの場合はnilを返す。
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete はキーを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, key string) error
}

// ProfileRepository はプロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByUID はIdPのUIDでプロフィールを取得する。見つからない場合はnilを返す。
	FindByUID(ctx context.Context, uid string) (*model.Profile, error)

	// Upsert はプロフィールを作成または更新する。CreatedAtは初回作成時の値を保持する。
	Upsert(ctx context.Context, profile *model.Profile) error
}
