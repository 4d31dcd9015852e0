// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// ClientCookieName はクライアントIDを保持するCookieの名前。
	ClientCookieName = "client_id"

	clientTokenIssuer = "expenseman"
)

type contextKey string

var clientIDContextKey = contextKey("client_id")

// ClientCookieConfig はクライアントCookieの設定。
type ClientCookieConfig struct {
	Secret []byte
	MaxAge time.Duration
	Secure bool
	Domain string
	Now    func() time.Time
}

func (c ClientCookieConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// NewClientMiddleware はブラウザごとのクライアントIDを払い出すミドルウェアを返す。
// クライアントIDはHS256で署名したJWTのsubjectとしてCookieに保存する。
// Cookieがない、署名が不正、または期限切れの場合は新しいIDを発行する。
// 有効期間の半分を過ぎたCookieは同じIDで再発行する。
func NewClientMiddleware(config ClientCookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var clientID string
			reissue := true

			if cookie, err := r.Cookie(ClientCookieName); err == nil && cookie.Value != "" {
				claims, err := ParseClientToken(config, cookie.Value)
				if err != nil {
					slog.Warn("invalid client cookie",
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)
				} else {
					clientID = claims.Subject
					remaining := claims.ExpiresAt.Sub(config.now())
					reissue = remaining < config.MaxAge/2
				}
			}

			if clientID == "" {
				clientID = uuid.NewString()
			}

			if reissue {
				if err := setClientCookie(w, config, clientID); err != nil {
					slog.Error("failed to issue client cookie", slog.String("error", err.Error()))
					WriteInternalServerError(w)
					return
				}
			}

			recordClientID(r.Context(), clientID)
			next.ServeHTTP(w, r.WithContext(ContextWithClientID(r.Context(), clientID)))
		})
	}
}

// IssueClientToken はクライアントIDを署名済みトークンにする。
func IssueClientToken(config ClientCookieConfig, clientID string) (string, error) {
	now := config.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    clientTokenIssuer,
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(config.MaxAge)),
	})
	signed, err := token.SignedString(config.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign client token: %w", err)
	}
	return signed, nil
}

// ParseClientToken は署名済みトークンを検証し、クレームを返す。
// subjectがUUIDでない場合もエラーにする。
func ParseClientToken(config ClientCookieConfig, tokenString string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return config.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(clientTokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(config.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client token: %w", err)
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, errors.New("client token subject is not a valid id")
	}
	return claims, nil
}

func setClientCookie(w http.ResponseWriter, config ClientCookieConfig, clientID string) error {
	token, err := IssueClientToken(config, clientID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookieName,
		Value:    token,
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   int(config.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClientIDFromContext はリクエストコンテキストからクライアントIDを取得する。
// クライアントミドルウェアを通過したリクエストでのみ有効。
func ClientIDFromContext(ctx context.Context) (string, error) {
	clientID, ok := ctx.Value(clientIDContextKey).(string)
	if !ok || clientID == "" {
		return "", fmt.Errorf("client ID not found in context")
	}
	return clientID, nil
}

// ContextWithClientID はコンテキストにクライアントIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDContextKey, clientID)
}
