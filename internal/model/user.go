// Package model はドメインモデルを定義する。
package model

import "time"

// Credentials はログインフォームから受け取る認証情報。
// フォーム送信1回分だけ保持し、ログや永続化の対象にしない。
type Credentials struct {
	Email    string
	Password string
}

// RegistrationRequest は新規登録フォームの入力値。
type RegistrationRequest struct {
	Name            string
	Email           string
	Password        string
	ConfirmPassword string
}

// AccountHandle はIdPが発行したアカウントへの参照。
// メール確認の再送や確認状態の問い合わせに使用する。
type AccountHandle struct {
	UID          string
	Email        string
	IDToken      string
	RefreshToken string
}

// PendingRegistration はメール確認待ちのアカウントを表す。
// パスワードはアカウント作成後に破棄し、保持しない。
type PendingRegistration struct {
	Account AccountHandle
	Name    string
}

// Session はログイン済みユーザーのトークン一式を表す。
type Session struct {
	UID          string    `json:"uid"`
	IDToken      string    `json:"id_token"`
	RefreshToken string    `json:"refresh_token"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired はnow時点でIDトークンの有効期限が切れているかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Display はセッションから表示用の最小情報を取り出す。
func (s *Session) Display() DisplayBundle {
	return DisplayBundle{Email: s.Email, DisplayName: s.DisplayName}
}

// DisplayBundle は画面表示に必要な最小限のユーザー情報。
type DisplayBundle struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// Profile はプロフィールストアに保存するユーザー情報。
type Profile struct {
	UID       string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
