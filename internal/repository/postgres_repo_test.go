package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/hitoshi/expenseman/internal/model"
	_ "github.com/lib/pq"
)

// PostgresProfileRepoはProfileRepositoryインターフェースを満たすことを検証
func TestPostgresProfileRepo_ImplementsInterface(t *testing.T) {
	var _ ProfileRepository = (*PostgresProfileRepo)(nil)
}

// PostgresKVStoreはKVStoreインターフェースを満たすことを検証
func TestPostgresKVStore_ImplementsInterface(t *testing.T) {
	var _ KVStore = (*PostgresKVStore)(nil)
}

// NewPostgresProfileRepoが正しく初期化されることを検証
func TestNewPostgresProfileRepo_Initializes(t *testing.T) {
	repo := NewPostgresProfileRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// NewPostgresKVStoreが正しく初期化されることを検証
func TestNewPostgresKVStore_Initializes(t *testing.T) {
	store := NewPostgresKVStore(nil)
	if store == nil {
		t.Fatal("expected non-nil store")
	}
}

// openTestDB はTEST_DATABASE_URLのPostgreSQLに接続する。
// 未設定または接続できない場合はテストをスキップする。
// テーブルは database パッケージのマイグレーションで作成済みであることを前提とする。
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgresKVStore_SetGetDelete(t *testing.T) {
	db := openTestDB(t)
	store := NewPostgresKVStore(db)
	ctx := context.Background()
	key := "test:" + t.Name()

	if err := store.Set(ctx, key, []byte(`{"a":1}`), time.Minute); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("Get = %q, want %q", got, `{"a":1}`)
	}

	// 上書き
	if err := store.Set(ctx, key, []byte(`{"a":2}`), time.Minute); err != nil {
		t.Fatalf("Set (overwrite) returned error: %v", err)
	}
	got, _ = store.Get(ctx, key)
	if string(got) != `{"a":2}` {
		t.Errorf("Get after overwrite = %q, want %q", got, `{"a":2}`)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	got, err = store.Get(ctx, key)
	if err != nil || got != nil {
		t.Errorf("Get after delete = (%q, %v), want (nil, nil)", got, err)
	}
}

func TestPostgresKVStore_ExpiredEntryIsInvisible(t *testing.T) {
	db := openTestDB(t)
	store := NewPostgresKVStore(db)
	ctx := context.Background()
	key := "test:" + t.Name()
	t.Cleanup(func() { _ = store.Delete(ctx, key) })

	if err := store.Set(ctx, key, []byte("x"), -time.Second); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	got, err := store.Get(ctx, key)
	if err != nil || got != nil {
		t.Errorf("Get = (%q, %v), want (nil, nil)", got, err)
	}
}

// expires_atはGetと同じデータベースの時計を基準に計算される
func TestPostgresKVStore_ExpiryUsesDatabaseClock(t *testing.T) {
	db := openTestDB(t)
	store := NewPostgresKVStore(db)
	ctx := context.Background()
	key := "test:" + t.Name()
	t.Cleanup(func() { _ = store.Delete(ctx, key) })

	if err := store.Set(ctx, key, []byte("x"), 90*time.Second); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	var remaining float64
	err := db.QueryRowContext(ctx,
		`SELECT EXTRACT(EPOCH FROM expires_at - now()) FROM session_entries WHERE key = $1`,
		key,
	).Scan(&remaining)
	if err != nil {
		t.Fatalf("failed to read expires_at: %v", err)
	}
	if remaining <= 80 || remaining > 90 {
		t.Errorf("remaining = %.1fs, want within (80, 90]", remaining)
	}
}

func TestPostgresProfileRepo_UpsertKeepsCreatedAt(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresProfileRepo(db)
	ctx := context.Background()
	uid := "uid-" + t.Name()
	t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM profiles WHERE uid = $1`, uid) })

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := repo.Upsert(ctx, &model.Profile{
		UID: uid, Email: "a@example.com", Name: "Alice", CreatedAt: created, UpdatedAt: created,
	}); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}

	updated := created.Add(24 * time.Hour)
	if err := repo.Upsert(ctx, &model.Profile{
		UID: uid, Email: "a@example.com", Name: "Alicia", CreatedAt: updated, UpdatedAt: updated,
	}); err != nil {
		t.Fatalf("second Upsert returned error: %v", err)
	}

	p, err := repo.FindByUID(ctx, uid)
	if err != nil {
		t.Fatalf("FindByUID returned error: %v", err)
	}
	if p == nil {
		t.Fatal("expected profile, got nil")
	}
	if p.Name != "Alicia" {
		t.Errorf("Name = %q, want %q", p.Name, "Alicia")
	}
	if !p.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", p.CreatedAt, created)
	}
}

func TestPostgresProfileRepo_FindByUID_NotFound(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresProfileRepo(db)

	p, err := repo.FindByUID(context.Background(), "no-such-uid")
	if err != nil {
		t.Fatalf("FindByUID returned error: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil profile, got %+v", p)
	}
}
