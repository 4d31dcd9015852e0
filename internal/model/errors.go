// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string   // エラーコード
	Message  string   // エラーメッセージ
	Category string   // カテゴリ: auth, validation, conflict, system
	Action   string   // ユーザー向け対処方法
	Details  []string // 入力検証エラーの個別項目
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeDuplicateAccount   = "DUPLICATE_ACCOUNT"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeNotAuthenticated   = "NOT_AUTHENTICATED"
	ErrCodeProfileNotFound    = "PROFILE_NOT_FOUND"
)

// エラーカテゴリ
const (
	CategoryValidation = "validation"
	CategoryAuth       = "auth"
	CategoryConflict   = "conflict"
	CategorySystem     = "system"
)

// NewValidationError は入力検証エラーを生成する。
// messageは画面にそのまま表示する文言、detailsは個別の違反項目。
func NewValidationError(message string, details []string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  message,
		Category: CategoryValidation,
		Action:   "Correct the highlighted fields and submit again.",
		Details:  details,
	}
}

// NewDuplicateAccountError は登録済みメールアドレスでの新規登録エラーを生成する。
func NewDuplicateAccountError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateAccount,
		Message:  "This email is already registered. Please log in instead.",
		Category: CategoryConflict,
		Action:   "Log in with your existing account.",
	}
}

// NewInvalidCredentialsError はメールアドレスまたはパスワードの不一致エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid email or password.",
		Category: CategoryAuth,
		Action:   "Check your email and password and try again.",
	}
}

// NewServiceUnavailableError は外部サービス呼び出し失敗時の汎用エラーを生成する。
// 詳細はログのみに記録する。
func NewServiceUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeServiceUnavailable,
		Message:  "Something went wrong. Please try again.",
		Category: CategorySystem,
		Action:   "Wait a moment and try again.",
	}
}

// NewInvalidTransitionError は現在の認証状態では実行できない操作のエラーを生成する。
func NewInvalidTransitionError(operation, state string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("Cannot %s while %s.", operation, state),
		Category: CategoryConflict,
		Action:   "Reload the page to see your current sign-in status.",
	}
}

// NewNotAuthenticatedError は未ログイン状態でのアクセスエラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "Please log in to continue.",
		Category: CategoryAuth,
		Action:   "Log in and try again.",
	}
}

// NewProfileNotFoundError はプロフィール未登録エラーを生成する。
func NewProfileNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeProfileNotFound,
		Message:  "Your profile could not be found.",
		Category: CategoryAuth,
		Action:   "Log out and log in again.",
	}
}
