// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/expenseman/internal/auth"
	"github.com/hitoshi/expenseman/internal/middleware"
	"github.com/hitoshi/expenseman/internal/model"
)

const maxRequestBodySize = 1 << 16

// AuthMachine は認証ハンドラーが操作する状態機械のインターフェース。
// auth.Machine が実装する。
type AuthMachine interface {
	State() auth.State
	Session() *model.Session
	Pending() *model.DisplayBundle
	ResendAvailableAt() time.Time

	Register(ctx context.Context, req model.RegistrationRequest) (auth.State, error)
	Resend(ctx context.Context) (bool, error)
	CheckVerified(ctx context.Context) (auth.State, error)
	Login(ctx context.Context, creds model.Credentials) (auth.State, error)
	TokenCheck(ctx context.Context) (auth.State, error)
	Refresh(ctx context.Context) (auth.State, error)
	Logout(ctx context.Context) auth.State
	Restore(ctx context.Context) (auth.State, error)
}

// compile-time interface check
var _ AuthMachine = (*auth.Machine)(nil)

// MachineProvider はクライアントIDに対応する状態機械を返す。
type MachineProvider interface {
	Machine(clientID string) AuthMachine
}

// AuthHandler は認証関連のHTTPハンドラー。
// 各エンドポイントはクライアントの状態機械の遷移を1つ呼び出し、結果の状態を返す。
type AuthHandler struct {
	machines MachineProvider
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(machines MachineProvider) *AuthHandler {
	return &AuthHandler{machines: machines}
}

type registerRequest struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// userResponse はログイン中ユーザーの表示用情報。
type userResponse struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// authStateResponse は認証APIの共通レスポンス。
type authStateResponse struct {
	State             string        `json:"state"`
	User              *userResponse `json:"user,omitempty"`
	PendingEmail      string        `json:"pending_email,omitempty"`
	ResendAvailableAt *time.Time    `json:"resend_available_at,omitempty"`
}

type resendResponse struct {
	authStateResponse
	Sent bool `json:"sent"`
}

// Register は新規登録を処理する。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	m, ok := h.machine(w, r)
	if !ok {
		return
	}

	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	_, err := m.Register(r.Context(), model.RegistrationRequest{
		Name:            req.Name,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newAuthStateResponse(m))
}

// Login はメールアドレスとパスワードでログインする。
// メール未確認の場合はpending_verification状態を返す。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	m, ok := h.machine(w, r)
	if !ok {
		return
	}

	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if _, err := m.Login(r.Context(), model.Credentials{Email: req.Email, Password: req.Password}); err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newAuthStateResponse(m))
}

// ResendVerification は確認メールを再送する。
// 送信中または待機時間内の呼び出しはsent=falseを返す。
// POST /auth/verification/resend
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	m, ok := h.machine(w, r)
	if !ok {
		return
	}

	sent, err := m.Resend(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resendResponse{
		authStateResponse: newAuthStateResponse(m),
		Sent:              sent,
	})
}

// CheckVerification はメールアドレスの確認状態を問い合わせる。
// POST /auth/verification/check
func (h *AuthHandler) CheckVerification(w http.ResponseWriter, r *http.Request) {
	m, ok := h.machine(w, r)
	if !ok {
		return
	}

	if _, err := m.CheckVerified(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newAuthStateResponse(m))
}

// Refresh はセッションの有効性を確認し、期限切れであれば更新する。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	m, ok := h.machine(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	state := m.State()
	var err error
	if state == auth.StateLoggedIn {
		state, err = m.TokenCheck(ctx)
	}
	if err == nil && state == auth.StateSessionExpired {
		_, err = m.Refresh(ctx)
	}
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	if m.State() != auth.StateLoggedIn {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	writeJSON(w, http.StatusOK, newAuthStateResponse(m))
}

// Logout はログアウトする。常に成功する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	m, ok := h.machine(w, r)
	if !ok {
		return
	}

	m.Logout(r.Context())

	writeJSON(w, http.StatusOK, newAuthStateResponse(m))
}

// State は現在の認証状態を返す。
// GET /auth/state
func (h *AuthHandler) State(w http.ResponseWriter, r *http.Request) {
	m, ok := h.machine(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, newAuthStateResponse(m))
}

// machine はリクエストのクライアントIDに対応する状態機械を取り出す。
// どの操作より先に永続化済みのセッションを復元する。
func (h *AuthHandler) machine(w http.ResponseWriter, r *http.Request) (AuthMachine, bool) {
	clientID, err := middleware.ClientIDFromContext(r.Context())
	if err != nil {
		slog.Error("client id missing from request context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return nil, false
	}

	m := h.machines.Machine(clientID)
	if _, err := m.Restore(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return nil, false
	}
	return m, true
}

// newAuthStateResponse は状態機械の現在の状態からレスポンスを組み立てる。
func newAuthStateResponse(m AuthMachine) authStateResponse {
	resp := authStateResponse{State: string(m.State())}

	if sess := m.Session(); sess != nil {
		resp.User = &userResponse{Email: sess.Email, DisplayName: sess.DisplayName}
	}
	if pending := m.Pending(); pending != nil {
		resp.PendingEmail = pending.Email
		if at := m.ResendAvailableAt(); !at.IsZero() {
			resp.ResendAvailableAt = &at
		}
	}
	return resp
}

// decodeJSON はリクエストボディをJSONとしてデコードする。失敗時は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "The request body could not be read.",
			Category: model.CategoryValidation,
			Action:   "Send the form again.",
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
