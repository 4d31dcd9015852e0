package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind はゲートウェイエラーの分類。
type Kind int

const (
	// KindNetworkOrService は通信失敗、5xx、未知のエラーコードを表す。
	KindNetworkOrService Kind = iota
	// KindDuplicateAccount は登録済みメールアドレスでのアカウント作成を表す。
	KindDuplicateAccount
	// KindInvalidCredentials はメールアドレス・パスワードまたはリフレッシュトークンの不正を表す。
	KindInvalidCredentials
	// KindTokenExpired はIDトークンの期限切れ・無効を表す。
	KindTokenExpired
)

// String はログ出力用の名前を返す。
func (k Kind) String() string {
	switch k {
	case KindDuplicateAccount:
		return "duplicate_account"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindTokenExpired:
		return "token_expired"
	default:
		return "network_or_service"
	}
}

// Error はIdP呼び出しの失敗を表す。
// 変換はアダプタ境界で1回だけ行い、必ずいずれか1つのKindに分類する。
type Error struct {
	Kind   Kind
	Op     string // 呼び出した操作名（signUp, lookup 等）
	Code   string // IdPが返したエラーコード（あれば）
	Status int    // HTTPステータス（通信失敗時は0）
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "identity %s: %s", e.Op, e.Kind)
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap は元のエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf はエラーのKindを返す。*Error以外はKindNetworkOrServiceとして扱う。
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindNetworkOrService
}

// IsKind はerrが指定Kindのゲートウェイエラーかを判定する。
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// codeKinds はIdPのエラーコードとKindの対応表。
var codeKinds = map[string]Kind{
	"EMAIL_EXISTS": KindDuplicateAccount,

	"EMAIL_NOT_FOUND":           KindInvalidCredentials,
	"INVALID_PASSWORD":          KindInvalidCredentials,
	"INVALID_LOGIN_CREDENTIALS": KindInvalidCredentials,
	"USER_DISABLED":             KindInvalidCredentials,
	"INVALID_REFRESH_TOKEN":     KindInvalidCredentials,
	"INVALID_GRANT_TYPE":        KindInvalidCredentials,
	"MISSING_REFRESH_TOKEN":     KindInvalidCredentials,

	"TOKEN_EXPIRED":                  KindTokenExpired,
	"INVALID_ID_TOKEN":               KindTokenExpired,
	"CREDENTIAL_TOO_OLD_LOGIN_AGAIN": KindTokenExpired,
	"USER_NOT_FOUND":                 KindTokenExpired,
}

// classify はHTTPステータスとエラーコードからKindを決定する。
// コードは "WEAK_PASSWORD : Password should be..." のように説明が続く場合があるため、
// 先頭のトークンのみで照合する。
func classify(status int, code string) Kind {
	if kind, ok := codeKinds[normalizeCode(code)]; ok {
		return kind
	}
	if status == http.StatusUnauthorized {
		return KindTokenExpired
	}
	return KindNetworkOrService
}

func normalizeCode(code string) string {
	code = strings.TrimSpace(code)
	if i := strings.IndexAny(code, " :"); i >= 0 {
		code = code[:i]
	}
	return strings.ToUpper(code)
}
