package auth

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/expenseman/internal/identity"
	"github.com/hitoshi/expenseman/internal/metrics"
	"github.com/hitoshi/expenseman/internal/model"
	"github.com/hitoshi/expenseman/internal/repository"
	"github.com/hitoshi/expenseman/internal/security"
	"github.com/hitoshi/expenseman/internal/validator"
)

const (
	// DefaultResendCooldown は確認メール再送の待機時間。
	DefaultResendCooldown = 60 * time.Second
	// DefaultGatewayTimeout はIdP呼び出し1回あたりのタイムアウト。
	DefaultGatewayTimeout = 10 * time.Second
)

// SessionStore はセッションの永続化先のインターフェース。
// session.ClientStore が実装する。
type SessionStore interface {
	Load(ctx context.Context) (*model.Session, error)
	Save(ctx context.Context, sess *model.Session) error
	Clear(ctx context.Context) error
}

// Deps は状態機械が共有する依存関係と設定。
type Deps struct {
	Gateway   identity.Gateway
	Profiles  repository.ProfileRepository // nilの場合はプロフィールを保存しない
	Sanitizer security.NameSanitizer
	Metrics   metrics.MetricsCollector

	ResendCooldown time.Duration
	GatewayTimeout time.Duration
	Now            func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Sanitizer == nil {
		d.Sanitizer = security.NewNameSanitizer()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.ResendCooldown <= 0 {
		d.ResendCooldown = DefaultResendCooldown
	}
	if d.GatewayTimeout <= 0 {
		d.GatewayTimeout = DefaultGatewayTimeout
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Machine は1クライアント分の認証状態機械。
// 全ての遷移はmuで直列化する。Resendのみ、実行中の2回目の呼び出しを待たせずに即座に返す。
type Machine struct {
	clientID string
	store    SessionStore
	deps     Deps

	mu       sync.Mutex
	state    State
	session  *model.Session
	pending  *model.PendingRegistration
	lastSent time.Time
	restored bool

	resending atomic.Bool
}

// NewMachine はLoggedOut状態の状態機械を生成する。
func NewMachine(clientID string, store SessionStore, deps Deps) *Machine {
	return &Machine{
		clientID: clientID,
		store:    store,
		deps:     deps.withDefaults(),
		state:    StateLoggedOut,
	}
}

// State は現在の状態を返す。
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session はログイン中のセッションのコピーを返す。ログインしていない場合はnil。
func (m *Machine) Session() *model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// Pending はメール確認待ちのアカウントの表示用情報を返す。確認待ちでない場合はnil。
func (m *Machine) Pending() *model.DisplayBundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return nil
	}
	return &model.DisplayBundle{Email: m.pending.Account.Email, DisplayName: m.pending.Name}
}

// Register は新規登録を行う。
// 入力検証に失敗した場合は状態を変えない。アカウント作成後の表示名更新、
// プロフィール保存、確認メール送信のいずれかが失敗しても、アカウントは存在するため
// PendingVerificationへ遷移し、最初のエラーを返す。
func (m *Machine) Register(ctx context.Context, req model.RegistrationRequest) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !canRun(opRegister, m.state) {
		return m.state, model.NewInvalidTransitionError(opRegister, m.state.label())
	}
	// 明示的な操作の後で古いセッションを復元しない
	m.restored = true

	if r := validator.ValidateRegistrationInputs(req.Name, req.Email, req.Password, req.ConfirmPassword); !r.OK {
		return m.state, r.Err()
	}

	email := strings.TrimSpace(req.Email)
	password := strings.TrimSpace(req.Password)
	m.setState(StateRegistering)

	var handle *model.AccountHandle
	err := m.call(ctx, "signUp", func(ctx context.Context) error {
		var err error
		handle, err = m.deps.Gateway.CreateAccount(ctx, email, password)
		return err
	})
	if err != nil {
		m.pending = nil
		m.setState(StateLoggedOut)
		if identity.IsKind(err, identity.KindDuplicateAccount) {
			return m.state, model.NewDuplicateAccountError()
		}
		m.logError("failed to create account", err)
		return m.state, model.NewServiceUnavailableError()
	}
	if handle.Email == "" {
		handle.Email = email
	}

	name := m.deps.Sanitizer.Sanitize(req.Name)
	m.pending = &model.PendingRegistration{Account: *handle, Name: name}
	m.lastSent = time.Time{}

	var firstErr error
	record := func(msg string, err error) {
		if err == nil {
			return
		}
		m.logError(msg, err)
		if firstErr == nil {
			firstErr = err
		}
	}

	record("failed to update display name", m.call(ctx, "update", func(ctx context.Context) error {
		return m.deps.Gateway.UpdateDisplayName(ctx, handle.IDToken, name)
	}))

	if m.deps.Profiles != nil {
		now := m.deps.Now()
		record("failed to save profile", m.deps.Profiles.Upsert(ctx, &model.Profile{
			UID:       handle.UID,
			Email:     handle.Email,
			Name:      name,
			CreatedAt: now,
			UpdatedAt: now,
		}))
	}

	record("failed to send verification email", m.sendVerificationLocked(ctx))

	m.setState(StatePendingVerification)
	if firstErr != nil {
		return m.state, model.NewServiceUnavailableError()
	}
	return m.state, nil
}

// Resend は確認メールを再送する。
// 送信中または前回送信から待機時間内の呼び出しは何もせずfalseを返す。
func (m *Machine) Resend(ctx context.Context) (bool, error) {
	if !m.resending.CompareAndSwap(false, true) {
		return false, nil
	}
	defer m.resending.Store(false)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !canRun(opResend, m.state) {
		return false, model.NewInvalidTransitionError(opResend, m.state.label())
	}

	if !m.lastSent.IsZero() && m.deps.Now().Before(m.lastSent.Add(m.deps.ResendCooldown)) {
		return false, nil
	}

	if err := m.sendVerificationLocked(ctx); err != nil {
		m.logError("failed to resend verification email", err)
		return false, model.NewServiceUnavailableError()
	}
	return true, nil
}

// ResendAvailableAt は次に再送できる時刻を返す。待機時間がない場合はゼロ値。
func (m *Machine) ResendAvailableAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSent.IsZero() {
		return time.Time{}
	}
	return m.lastSent.Add(m.deps.ResendCooldown)
}

// CheckVerified はメールアドレスの確認状態を問い合わせる。
// IDトークンが期限切れの場合は1回だけ更新して再試行する。
func (m *Machine) CheckVerified(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !canRun(opCheckVerified, m.state) {
		return m.state, model.NewInvalidTransitionError(opCheckVerified, m.state.label())
	}

	var verified bool
	err := m.withPendingToken(ctx, "lookup", func(ctx context.Context, idToken string) error {
		var err error
		verified, err = m.deps.Gateway.IsEmailVerified(ctx, idToken)
		return err
	})
	if err != nil {
		m.logError("failed to check email verification", err)
		return m.state, model.NewServiceUnavailableError()
	}

	if verified {
		m.pending = nil
		m.setState(StateVerified)
	}
	return m.state, nil
}

// Login はメールアドレスとパスワードでログインする。
// 未確認のアカウントにはセッションを与えず、PendingVerificationへ遷移する。
func (m *Machine) Login(ctx context.Context, creds model.Credentials) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !canRun(opLogin, m.state) {
		return m.state, model.NewInvalidTransitionError(opLogin, m.state.label())
	}
	m.restored = true

	if r := validator.ValidateLoginInputs(creds.Email, creds.Password); !r.OK {
		return m.state, r.Err()
	}
	email := strings.TrimSpace(creds.Email)
	password := strings.TrimSpace(creds.Password)

	var sess *model.Session
	err := m.call(ctx, "signInWithPassword", func(ctx context.Context) error {
		var err error
		sess, err = m.deps.Gateway.SignIn(ctx, email, password)
		return err
	})
	if err != nil {
		m.pending = nil
		m.setState(StateLoggedOut)
		if identity.IsKind(err, identity.KindInvalidCredentials) {
			return m.state, model.NewInvalidCredentialsError()
		}
		m.logError("failed to sign in", err)
		return m.state, model.NewServiceUnavailableError()
	}
	if sess.Email == "" {
		sess.Email = email
	}

	var verified bool
	err = m.call(ctx, "lookup", func(ctx context.Context) error {
		var err error
		verified, err = m.deps.Gateway.IsEmailVerified(ctx, sess.IDToken)
		return err
	})
	if err != nil {
		m.pending = nil
		m.setState(StateLoggedOut)
		m.logError("failed to check email verification", err)
		return m.state, model.NewServiceUnavailableError()
	}

	if !verified {
		m.pending = &model.PendingRegistration{
			Account: model.AccountHandle{
				UID:          sess.UID,
				Email:        sess.Email,
				IDToken:      sess.IDToken,
				RefreshToken: sess.RefreshToken,
			},
			Name: sess.DisplayName,
		}
		m.setState(StatePendingVerification)
		return m.state, nil
	}

	if err := m.store.Save(ctx, sess); err != nil {
		m.pending = nil
		m.setState(StateLoggedOut)
		m.logError("failed to persist session", err)
		return m.state, model.NewServiceUnavailableError()
	}

	m.session = sess
	m.pending = nil
	m.setState(StateLoggedIn)
	return m.state, nil
}

// TokenCheck はセッションのIDトークンが有効かを確認する。
// 期限切れの場合はSessionExpiredへ遷移する。メールアドレスの確認状態は再確認しない。
func (m *Machine) TokenCheck(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !canRun(opTokenCheck, m.state) {
		return m.state, model.NewInvalidTransitionError(opTokenCheck, m.state.label())
	}
	return m.tokenCheckLocked(ctx)
}

func (m *Machine) tokenCheckLocked(ctx context.Context) (State, error) {
	if m.session.Expired(m.deps.Now()) {
		m.setState(StateSessionExpired)
		return m.state, nil
	}

	err := m.call(ctx, "lookup", func(ctx context.Context) error {
		_, err := m.deps.Gateway.IsEmailVerified(ctx, m.session.IDToken)
		return err
	})
	switch {
	case err == nil:
		return m.state, nil
	case identity.IsKind(err, identity.KindTokenExpired):
		m.setState(StateSessionExpired)
		return m.state, nil
	default:
		m.logError("failed to check session token", err)
		return m.state, model.NewServiceUnavailableError()
	}
}

// Refresh はリフレッシュトークンでセッションを更新する。
// 失敗した場合は永続化済みのセッションを削除してLoggedOutへ遷移する。
func (m *Machine) Refresh(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !canRun(opRefresh, m.state) {
		return m.state, model.NewInvalidTransitionError(opRefresh, m.state.label())
	}
	return m.refreshLocked(ctx)
}

func (m *Machine) refreshLocked(ctx context.Context) (State, error) {
	old := m.session

	var fresh *model.Session
	err := m.call(ctx, "token", func(ctx context.Context) error {
		var err error
		fresh, err = m.deps.Gateway.Refresh(ctx, old.RefreshToken)
		return err
	})
	if err != nil {
		return m.forceLogout(ctx, "failed to refresh session", err)
	}

	fresh.Email = old.Email
	fresh.DisplayName = old.DisplayName
	if fresh.UID == "" {
		fresh.UID = old.UID
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = old.RefreshToken
	}

	// トークン期限切れのたびに確認状態を問い合わせ直す
	var verified bool
	err = m.call(ctx, "lookup", func(ctx context.Context) error {
		var err error
		verified, err = m.deps.Gateway.IsEmailVerified(ctx, fresh.IDToken)
		return err
	})
	if err != nil && identity.KindOf(err) == identity.KindNetworkOrService {
		// 更新済みのトークンは保持し、SessionExpiredのまま再試行を待つ
		m.session = fresh
		if err := m.store.Save(ctx, fresh); err != nil {
			m.logWarn("failed to persist refreshed session", err)
		}
		m.logError("failed to check email verification after refresh", err)
		return m.state, model.NewServiceUnavailableError()
	}
	if err != nil {
		return m.forceLogout(ctx, "failed to check email verification after refresh", err)
	}
	if !verified {
		return m.forceLogout(ctx, "email no longer verified", nil)
	}

	if err := m.store.Save(ctx, fresh); err != nil {
		// メモリ上のセッションは有効なため、ログイン状態を維持する
		m.logWarn("failed to persist refreshed session", err)
	}

	m.session = fresh
	m.setState(StateLoggedIn)
	return m.state, nil
}

// forceLogout はセッションを破棄してLoggedOutへ遷移する。
// IdPから拒否された場合はエラーを返さず、通信障害の場合のみ汎用エラーを返す。
func (m *Machine) forceLogout(ctx context.Context, msg string, cause error) (State, error) {
	m.session = nil
	if err := m.store.Clear(ctx); err != nil {
		m.logWarn("failed to clear session store", err)
	}
	m.setState(StateLoggedOut)

	if cause == nil {
		slog.Info(msg, slog.String("client_id", m.clientID))
		return m.state, nil
	}
	if identity.KindOf(cause) == identity.KindNetworkOrService {
		m.logError(msg, cause)
		return m.state, model.NewServiceUnavailableError()
	}
	m.logWarn(msg, cause)
	return m.state, nil
}

// Logout はログアウトする。永続化済みのエントリの削除に失敗しても必ずLoggedOutになる。
func (m *Machine) Logout(ctx context.Context) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.session = nil
	m.pending = nil
	if err := m.store.Clear(ctx); err != nil {
		m.logWarn("failed to clear session store on logout", err)
	}
	m.setState(StateLoggedOut)
	return m.state
}

// Restore は永続化済みのセッションを復元する。2回目以降の呼び出しは何もしない。
// 復元したセッションはTokenCheckを経由し、期限切れの場合は1回だけRefreshする。
func (m *Machine) Restore(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.restored {
		return m.state, nil
	}
	m.restored = true

	if m.state != StateLoggedOut {
		return m.state, nil
	}

	sess, err := m.store.Load(ctx)
	if err != nil {
		m.logWarn("failed to load session", err)
		return m.state, nil
	}
	if sess == nil {
		return m.state, nil
	}

	m.session = sess
	m.setState(StateLoggedIn)

	state, err := m.tokenCheckLocked(ctx)
	if state == StateSessionExpired {
		return m.refreshLocked(ctx)
	}
	return state, err
}

// --- 内部処理 ---

// sendVerificationLocked は確認メールを送信し、成功時に再送の待機時間を開始する。
func (m *Machine) sendVerificationLocked(ctx context.Context) error {
	err := m.withPendingToken(ctx, "sendOobCode", func(ctx context.Context, idToken string) error {
		return m.deps.Gateway.SendVerificationEmail(ctx, idToken)
	})
	if err != nil {
		return err
	}
	m.lastSent = m.deps.Now()
	m.deps.Metrics.RecordVerificationSent()
	return nil
}

// withPendingToken は確認待ちアカウントのIDトークンでfnを実行する。
// TokenExpiredの場合はトークンを1回だけ更新して再実行する。
func (m *Machine) withPendingToken(ctx context.Context, op string, fn func(ctx context.Context, idToken string) error) error {
	account := &m.pending.Account

	run := func(ctx context.Context) error { return fn(ctx, account.IDToken) }
	err := m.call(ctx, op, run)
	if !identity.IsKind(err, identity.KindTokenExpired) || account.RefreshToken == "" {
		return err
	}

	var fresh *model.Session
	if rerr := m.call(ctx, "token", func(ctx context.Context) error {
		var err error
		fresh, err = m.deps.Gateway.Refresh(ctx, account.RefreshToken)
		return err
	}); rerr != nil {
		return rerr
	}
	account.IDToken = fresh.IDToken
	if fresh.RefreshToken != "" {
		account.RefreshToken = fresh.RefreshToken
	}

	return m.call(ctx, op, run)
}

// call はタイムアウト付きでIdPを呼び出し、結果をメトリクスに記録する。
func (m *Machine) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.deps.GatewayTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)

	result := "ok"
	if err != nil {
		result = identity.KindOf(err).String()
	}
	m.deps.Metrics.RecordGatewayCall(op, result, time.Since(start))
	return err
}

func (m *Machine) setState(to State) {
	from := m.state
	m.state = to
	if from == to {
		return
	}
	m.deps.Metrics.RecordTransition(string(from), string(to))
	slog.Info("auth state changed",
		slog.String("client_id", m.clientID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

func (m *Machine) logError(msg string, err error) {
	slog.Error(msg,
		slog.String("client_id", m.clientID),
		slog.String("state", string(m.state)),
		slog.String("error", err.Error()),
	)
}

func (m *Machine) logWarn(msg string, err error) {
	slog.Warn(msg,
		slog.String("client_id", m.clientID),
		slog.String("state", string(m.state)),
		slog.String("error", err.Error()),
	)
}
