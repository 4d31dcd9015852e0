// Package auth は認証・セッションの状態機械を提供する。
// 状態機械はクライアントごとに1つ存在し、遷移はクライアント単位で直列化される。
package auth

// State は認証状態。
type State string

const (
	StateLoggedOut           State = "logged_out"
	StateRegistering         State = "registering"
	StatePendingVerification State = "pending_verification"
	StateVerified            State = "verified"
	StateLoggedIn            State = "logged_in"
	StateSessionExpired      State = "session_expired"
)

// 操作名。不正遷移のエラーメッセージにも使用する。
const (
	opRegister      = "register"
	opLogin         = "log in"
	opResend        = "resend the verification email"
	opCheckVerified = "check verification"
	opTokenCheck    = "check the session"
	opRefresh       = "refresh the session"
)

// allowedFrom は操作ごとの遷移元として許可される状態。Logoutは全状態から許可する。
var allowedFrom = map[string][]State{
	opRegister:      {StateLoggedOut, StatePendingVerification, StateVerified},
	opLogin:         {StateLoggedOut, StatePendingVerification, StateVerified},
	opResend:        {StatePendingVerification},
	opCheckVerified: {StatePendingVerification},
	opTokenCheck:    {StateLoggedIn},
	opRefresh:       {StateSessionExpired},
}

// label は画面表示用の状態名を返す。
func (s State) label() string {
	switch s {
	case StateLoggedOut:
		return "logged out"
	case StateRegistering:
		return "registering"
	case StatePendingVerification:
		return "waiting for email verification"
	case StateVerified:
		return "verified"
	case StateLoggedIn:
		return "logged in"
	case StateSessionExpired:
		return "the session is expired"
	default:
		return string(s)
	}
}

func canRun(op string, s State) bool {
	for _, from := range allowedFrom[op] {
		if from == s {
			return true
		}
	}
	return false
}
