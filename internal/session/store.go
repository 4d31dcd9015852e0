// Package session はクライアントごとのセッションをKVストアに永続化する。
// 1クライアントにつき、トークン一式（session:<id>）と表示用情報（profile:<id>）の2エントリを保存する。
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/expenseman/internal/model"
	"github.com/hitoshi/expenseman/internal/repository"
)

// DefaultMaxAge はエントリの既定の有効期間（14日）。
const DefaultMaxAge = 14 * 24 * time.Hour

const (
	sessionKeyPrefix = "session:"
	profileKeyPrefix = "profile:"
)

// Store はKVストア上のセッション保存先。
type Store struct {
	kv     repository.KVStore
	maxAge time.Duration
}

// NewStore はStoreを生成する。maxAgeが0以下の場合は DefaultMaxAge を使用する。
func NewStore(kv repository.KVStore, maxAge time.Duration) *Store {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Store{kv: kv, maxAge: maxAge}
}

// MaxAge はエントリの有効期間を返す。
func (s *Store) MaxAge() time.Duration {
	return s.maxAge
}

// For は指定クライアントのエントリを読み書きする ClientStore を返す。
func (s *Store) For(clientID string) *ClientStore {
	return &ClientStore{store: s, clientID: clientID}
}

// ClientStore は1クライアント分のセッション保存先。
type ClientStore struct {
	store    *Store
	clientID string
}

func (c *ClientStore) sessionKey() string { return sessionKeyPrefix + c.clientID }
func (c *ClientStore) profileKey() string { return profileKeyPrefix + c.clientID }

// Load は保存済みセッションを読み込む。
// 存在しない場合や内容が壊れている場合はnilを返す。
func (c *ClientStore) Load(ctx context.Context) (*model.Session, error) {
	data, err := c.store.kv.Get(ctx, c.sessionKey())
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		// 読めないエントリは未ログインとして扱う
		return nil, nil
	}
	if sess.IDToken == "" || sess.RefreshToken == "" {
		return nil, nil
	}
	return &sess, nil
}

// LoadDisplay は表示用情報を読み込む。存在しない場合はnilを返す。
func (c *ClientStore) LoadDisplay(ctx context.Context) (*model.DisplayBundle, error) {
	data, err := c.store.kv.Get(ctx, c.profileKey())
	if err != nil {
		return nil, fmt.Errorf("failed to load display bundle: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var d model.DisplayBundle
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, nil
	}
	return &d, nil
}

// Save はセッションと表示用情報の2エントリを書き込む。
// どちらかの書き込みに失敗した場合はエラーを返す。
func (c *ClientStore) Save(ctx context.Context, sess *model.Session) error {
	sessData, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	displayData, err := json.Marshal(sess.Display())
	if err != nil {
		return fmt.Errorf("failed to encode display bundle: %w", err)
	}

	if err := c.store.kv.Set(ctx, c.sessionKey(), sessData, c.store.maxAge); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if err := c.store.kv.Set(ctx, c.profileKey(), displayData, c.store.maxAge); err != nil {
		return fmt.Errorf("failed to save display bundle: %w", err)
	}
	return nil
}

// Clear は2エントリを削除する。
// 片方の削除に失敗しても残りの削除を試み、失敗をまとめて返す。
func (c *ClientStore) Clear(ctx context.Context) error {
	var errs []error
	if err := c.store.kv.Delete(ctx, c.sessionKey()); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear session: %w", err))
	}
	if err := c.store.kv.Delete(ctx, c.profileKey()); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear display bundle: %w", err))
	}
	return errors.Join(errs...)
}
