package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// NameSanitizer は表示名からHTMLを取り除く。
type NameSanitizer interface {
	// Sanitize はタグを除去し、連続する空白を1つにまとめた表示名を返す。
	Sanitize(name string) string
}

// nameSanitizer はbluemondayのStrictPolicyで全タグを除去する。
// Policyはスレッドセーフ。
type nameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はNameSanitizerを生成する。
func NewNameSanitizer() NameSanitizer {
	return &nameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize は表示名をプレーンテキストにする。
// StrictPolicyがエスケープした実体参照は元に戻す（保存値はHTMLではないため）。
func (s *nameSanitizer) Sanitize(name string) string {
	stripped := html.UnescapeString(s.policy.Sanitize(name))
	return strings.Join(strings.Fields(stripped), " ")
}
