// Package validator はログイン・新規登録フォームの入力検証を提供する。
// 検証は純粋関数で行い、I/Oを伴わない。
package validator

import (
	"regexp"
	"strings"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/hitoshi/expenseman/internal/model"
)

const (
	passwordMinLength = 8
	passwordMaxLength = 32

	fixErrorsHeader = "Please fix the following errors:"
)

// emailPattern は local@domain.tld 形式のメールアドレスにマッチする。
var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// 画面に表示する違反メッセージ
const (
	MsgInvalidEmail     = "Invalid email address."
	MsgPasswordLength   = "Password must be between 8 and 32 characters long."
	MsgPasswordUpper    = "Password must contain at least one uppercase letter."
	MsgPasswordLower    = "Password must contain at least one lowercase letter."
	MsgPasswordDigit    = "Password must contain at least one digit."
	MsgPasswordSpecial  = "Password must contain at least one special character."
	MsgPasswordHasName  = "Password must not contain your name."
	MsgPasswordMismatch = "Passwords do not match."
)

var (
	emailRule    = validation.Match(emailPattern).Error(MsgInvalidEmail)
	passwordRule = validation.Length(passwordMinLength, passwordMaxLength).Error(MsgPasswordLength)
)

// Result は検証結果を表す。Errorsは検出順に並ぶ。
type Result struct {
	OK     bool
	Errors []string
}

// Message は画面表示用のメッセージを返す。
// 違反が1件ならその文言のみ、複数件なら箇条書きのブロックにする。
func (r Result) Message() string {
	switch len(r.Errors) {
	case 0:
		return ""
	case 1:
		return r.Errors[0]
	}

	var b strings.Builder
	b.WriteString(fixErrorsHeader)
	for _, e := range r.Errors {
		b.WriteString("\n- ")
		b.WriteString(e)
	}
	return b.String()
}

// Err は検証失敗時に入力検証エラーを返す。成功時はnil。
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return model.NewValidationError(r.Message(), r.Errors)
}

func newResult(errs []string) Result {
	return Result{OK: len(errs) == 0, Errors: errs}
}

// ValidateEmail はメールアドレスが local@domain.tld 形式かを判定する。
// 不正な入力に対してはfalseを返し、パニックしない。
func ValidateEmail(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	return validation.Validate(s, emailRule) == nil
}

// ValidateLoginInputs はログインフォームを検証する。
// 空欄があれば空欄の項目名をまとめて報告し、次にメールアドレス形式を確認する。
func ValidateLoginInputs(email, password string) Result {
	email = strings.TrimSpace(email)
	password = strings.TrimSpace(password)

	if missing := emptyFields(
		field{"Email", email},
		field{"Password", password},
	); len(missing) > 0 {
		return newResult([]string{emptyFieldsMessage(missing)})
	}

	if !ValidateEmail(email) {
		return newResult([]string{MsgInvalidEmail})
	}

	return newResult(nil)
}

// ValidateRegistrationInputs は新規登録フォームを検証する。
// 全ルールを評価し、違反をすべて順に蓄積する:
//  1. 空欄
//  2. メールアドレス形式
//  3. パスワード長（8〜32文字）
//  4. 大文字・小文字・数字・記号をそれぞれ1文字以上
//  5. パスワードに名前を含まない（大文字小文字を区別しない）
//  6. パスワードと確認用パスワードの一致
//
// 各項目のルールは、その項目が空欄でない場合にのみ評価する。
func ValidateRegistrationInputs(name, email, password, confirmPassword string) Result {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	password = strings.TrimSpace(password)
	confirmPassword = strings.TrimSpace(confirmPassword)

	var errs []string

	if missing := emptyFields(
		field{"Name", name},
		field{"Email", email},
		field{"Password", password},
		field{"Confirm Password", confirmPassword},
	); len(missing) > 0 {
		errs = append(errs, emptyFieldsMessage(missing))
	}

	if email != "" && !ValidateEmail(email) {
		errs = append(errs, MsgInvalidEmail)
	}

	if password != "" {
		errs = append(errs, passwordViolations(password)...)

		if name != "" && strings.Contains(strings.ToLower(password), strings.ToLower(name)) {
			errs = append(errs, MsgPasswordHasName)
		}
	}

	if confirmPassword != "" && password != confirmPassword {
		errs = append(errs, MsgPasswordMismatch)
	}

	return newResult(errs)
}

// passwordViolations はパスワードの長さと文字種の違反を返す。
func passwordViolations(password string) []string {
	var errs []string

	if err := validation.Validate(password, passwordRule); err != nil {
		errs = append(errs, err.Error())
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case !unicode.IsLetter(r) && r != '_':
			hasSpecial = true
		}
	}

	if !hasUpper {
		errs = append(errs, MsgPasswordUpper)
	}
	if !hasLower {
		errs = append(errs, MsgPasswordLower)
	}
	if !hasDigit {
		errs = append(errs, MsgPasswordDigit)
	}
	if !hasSpecial {
		errs = append(errs, MsgPasswordSpecial)
	}

	return errs
}

type field struct {
	label string
	value string
}

func emptyFields(fields ...field) []string {
	var missing []string
	for _, f := range fields {
		if f.value == "" {
			missing = append(missing, f.label)
		}
	}
	return missing
}

// emptyFieldsMessage は空欄の項目名を "A, B and C" の形で列挙したメッセージを返す。
func emptyFieldsMessage(labels []string) string {
	if len(labels) == 1 {
		return "Please fill in the " + labels[0] + " field."
	}
	return "Please fill in the " + JoinFieldNames(labels) + " fields."
}

// JoinFieldNames は項目名をカンマで区切り、最後の2つを "and" で結ぶ。
func JoinFieldNames(labels []string) string {
	switch len(labels) {
	case 0:
		return ""
	case 1:
		return labels[0]
	}
	return strings.Join(labels[:len(labels)-1], ", ") + " and " + labels[len(labels)-1]
}
