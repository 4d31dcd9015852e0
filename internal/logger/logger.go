package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// redactedValue は秘匿属性の置換後の値。
const redactedValue = "[REDACTED]"

// sensitiveKeys はログに値を出力しない属性キー（小文字で比較する）。
var sensitiveKeys = map[string]struct{}{
	"password":         {},
	"confirm_password": {},
	"id_token":         {},
	"refresh_token":    {},
	"token":            {},
	"secret":           {},
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// パスワードやトークンを表す属性の値は伏せ字にする。
func Setup(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: redact,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	logger := Setup(w)
	slog.SetDefault(logger)
}

// redact はグループ内を含む秘匿属性の値を置き換える。
func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redactedValue)
	}
	return a
}
