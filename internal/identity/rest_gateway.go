// Package identity は外部IdP（Identity Toolkit互換のREST API）へのアダプタを提供する。
// アカウント作成、サインイン、トークン更新、確認メール送信、アカウント情報取得を扱い、
// IdPのエラーを identity.Kind に変換する。
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/expenseman/internal/model"
)

const (
	defaultIdentityURL = "https://identitytoolkit.googleapis.com/v1"
	defaultTokenURL    = "https://securetoken.googleapis.com/v1"

	// defaultTokenLifetime はexpiresInが欠落・不正な場合のIDトークン有効期間。
	defaultTokenLifetime = time.Hour

	maxResponseSize = 1 << 20
)

// Config はRESTGatewayの設定。
type Config struct {
	APIKey string

	// テスト用・エミュレータ用にオーバーライド可能なURL
	IdentityURL string
	TokenURL    string

	HTTPClient *http.Client
	Now        func() time.Time
}

// RESTGateway はIdentity Toolkit互換のREST APIでIdPを呼び出す。
// ゲートウェイ自身はローカル状態を持たない。
type RESTGateway struct {
	config Config
}

// NewRESTGateway はRESTGatewayを生成する。
func NewRESTGateway(config Config) *RESTGateway {
	if config.IdentityURL == "" {
		config.IdentityURL = defaultIdentityURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultTokenURL
	}
	config.IdentityURL = strings.TrimRight(config.IdentityURL, "/")
	config.TokenURL = strings.TrimRight(config.TokenURL, "/")
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &RESTGateway{config: config}
}

// EmulatorURLs はローカルエミュレータ（host:port）向けのIdentity URLとToken URLを返す。
func EmulatorURLs(host string) (identityURL, tokenURL string) {
	base := "http://" + strings.TrimRight(host, "/")
	return base + "/identitytoolkit.googleapis.com/v1", base + "/securetoken.googleapis.com/v1"
}

// --- リクエスト/レスポンス型 ---

type passwordRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

type authResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

type oobCodeRequest struct {
	RequestType string `json:"requestType"`
	IDToken     string `json:"idToken"`
}

type lookupRequest struct {
	IDToken string `json:"idToken"`
}

type lookupResponse struct {
	Users []struct {
		LocalID       string `json:"localId"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"emailVerified"`
		DisplayName   string `json:"displayName"`
	} `json:"users"`
}

type updateRequest struct {
	IDToken           string `json:"idToken"`
	DisplayName       string `json:"displayName"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- 操作 ---

// CreateAccount はメールアドレスとパスワードでアカウントを作成する。
// 登録済みの場合は KindDuplicateAccount を返す。
func (g *RESTGateway) CreateAccount(ctx context.Context, email, password string) (*model.AccountHandle, error) {
	var resp authResponse
	err := g.postJSON(ctx, "signUp", g.identityEndpoint("accounts:signUp"), passwordRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.IDToken == "" || resp.LocalID == "" {
		return nil, &Error{Kind: KindNetworkOrService, Op: "signUp", Err: fmt.Errorf("empty token in response")}
	}

	return &model.AccountHandle{
		UID:          resp.LocalID,
		Email:        resp.Email,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
	}, nil
}

// SignIn はメールアドレスとパスワードで認証し、セッションを返す。
// 認証失敗時は KindInvalidCredentials を返す。
func (g *RESTGateway) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	var resp authResponse
	err := g.postJSON(ctx, "signInWithPassword", g.identityEndpoint("accounts:signInWithPassword"), passwordRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.IDToken == "" {
		return nil, &Error{Kind: KindNetworkOrService, Op: "signInWithPassword", Err: fmt.Errorf("empty token in response")}
	}

	return &model.Session{
		UID:          resp.LocalID,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		Email:        resp.Email,
		DisplayName:  resp.DisplayName,
		ExpiresAt:    g.expiry(resp.ExpiresIn),
	}, nil
}

// Refresh はリフレッシュトークンで新しいIDトークンを取得する。
// 返すセッションにはメールアドレスと表示名が含まれないため、呼び出し元で補完する。
func (g *RESTGateway) Refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenEndpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Kind: KindNetworkOrService, Op: "token", Err: fmt.Errorf("failed to create token request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp refreshResponse
	if err := g.do(req, "token", &resp); err != nil {
		return nil, err
	}
	if resp.IDToken == "" {
		return nil, &Error{Kind: KindNetworkOrService, Op: "token", Err: fmt.Errorf("empty id_token in response")}
	}

	return &model.Session{
		UID:          resp.UserID,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    g.expiry(resp.ExpiresIn),
	}, nil
}

// SendVerificationEmail はIDトークンの持ち主に確認メールを送信させる。
func (g *RESTGateway) SendVerificationEmail(ctx context.Context, idToken string) error {
	return g.postJSON(ctx, "sendOobCode", g.identityEndpoint("accounts:sendOobCode"), oobCodeRequest{
		RequestType: "VERIFY_EMAIL",
		IDToken:     idToken,
	}, nil)
}

// IsEmailVerified はアカウントのメールアドレスが確認済みかを問い合わせる。
// IDトークンが期限切れの場合は KindTokenExpired を返す。
func (g *RESTGateway) IsEmailVerified(ctx context.Context, idToken string) (bool, error) {
	var resp lookupResponse
	if err := g.postJSON(ctx, "lookup", g.identityEndpoint("accounts:lookup"), lookupRequest{IDToken: idToken}, &resp); err != nil {
		return false, err
	}
	if len(resp.Users) == 0 {
		return false, &Error{Kind: KindTokenExpired, Op: "lookup", Err: fmt.Errorf("no user for token")}
	}
	return resp.Users[0].EmailVerified, nil
}

// UpdateDisplayName はアカウントの表示名を更新する。
func (g *RESTGateway) UpdateDisplayName(ctx context.Context, idToken, name string) error {
	return g.postJSON(ctx, "update", g.identityEndpoint("accounts:update"), updateRequest{
		IDToken:     idToken,
		DisplayName: name,
	}, nil)
}

// --- HTTP ---

func (g *RESTGateway) identityEndpoint(method string) string {
	return g.config.IdentityURL + "/" + method + "?key=" + url.QueryEscape(g.config.APIKey)
}

func (g *RESTGateway) tokenEndpoint() string {
	return g.config.TokenURL + "/token?key=" + url.QueryEscape(g.config.APIKey)
}

// postJSON はJSONボディでPOSTし、成功時にoutへデコードする。outがnilの場合は本文を読み捨てる。
func (g *RESTGateway) postJSON(ctx context.Context, op, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Kind: KindNetworkOrService, Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return &Error{Kind: KindNetworkOrService, Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	return g.do(req, op, out)
}

// do はリクエストを送信し、非2xxレスポンスを *Error に変換する。
func (g *RESTGateway) do(req *http.Request, op string, out any) error {
	resp, err := g.config.HTTPClient.Do(req)
	if err != nil {
		return &Error{Kind: KindNetworkOrService, Op: op, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &Error{Kind: KindNetworkOrService, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp errorResponse
		// 本文がJSONでない場合はコードなしとして分類する
		_ = json.Unmarshal(body, &errResp)
		code := errResp.Error.Message
		return &Error{
			Kind:   classify(resp.StatusCode, code),
			Op:     op,
			Code:   normalizeCode(code),
			Status: resp.StatusCode,
			Err:    fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: KindNetworkOrService, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	return nil
}

// expiry はexpiresIn（秒数の文字列）から有効期限を算出する。
func (g *RESTGateway) expiry(expiresIn string) time.Time {
	lifetime := defaultTokenLifetime
	if secs, err := strconv.Atoi(expiresIn); err == nil && secs > 0 {
		lifetime = time.Duration(secs) * time.Second
	}
	return g.config.Now().Add(lifetime)
}
