// Package security はIdP呼び出しと入力値のセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// EndpointGuard はIdPエンドポイントへの接続を保護する。
// 設定されたURLの事前検証と、内部ネットワークへ到達できないHTTPクライアントの生成を行う。
type EndpointGuard interface {
	// NewSafeClient は内部アドレスへの接続を拒否するHTTPクライアントを生成する。
	// DNS解決後のIPアドレスもsafeurlのDialerフックで検証される。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateEndpoint はIdPエンドポイントURLを静的に検証する。
	// httpsのみ許可し、内部アドレスやlocalhostを拒否する。
	ValidateEndpoint(rawURL string) error
}

// allowedSchemes はIdPエンドポイントで許可するスキーム。
var allowedSchemes = []string{"https"}

// blockedNetworks はIdPエンドポイントとして拒否するネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル（メタデータIPを含む）
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

type endpointGuard struct{}

// NewEndpointGuard はEndpointGuardを生成する。
func NewEndpointGuard() EndpointGuard {
	return &endpointGuard{}
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを生成する。
// ポートは443のみ許可する。
func (g *endpointGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateEndpoint はIdPエンドポイントURLを検証する。
// 起動時に設定値を確認する用途で、DNS解決は行わない。
func (g *endpointGuard) ValidateEndpoint(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %q (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
