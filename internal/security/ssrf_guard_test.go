package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNewSafeClientTimeout はタイムアウト設定が反映されることをテストする。
func TestNewSafeClientTimeout(t *testing.T) {
	guard := NewEndpointGuard()
	timeout := 5 * time.Second
	client := guard.NewSafeClient(timeout)
	if client == nil {
		t.Fatal("NewSafeClient() returned nil")
	}
	if client.Timeout != timeout {
		t.Errorf("expected timeout %v, got %v", timeout, client.Timeout)
	}
}

// TestNewSafeClientHasTransport はSafeClientにカスタムTransportが設定されていることをテストする。
func TestNewSafeClientHasTransport(t *testing.T) {
	client := NewEndpointGuard().NewSafeClient(5 * time.Second)

	if client.Transport == nil {
		t.Fatal("expected custom Transport to be set, got nil")
	}
	if client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport, got http.DefaultTransport")
	}
}

// TestNewSafeClientBlocksLoopback はループバック上のサーバーへの接続が拒否されることをテストする。
func TestNewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewEndpointGuard().NewSafeClient(5 * time.Second)

	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

func TestValidateEndpoint_Accepts(t *testing.T) {
	guard := NewEndpointGuard()

	for _, u := range []string{
		"https://identitytoolkit.googleapis.com/v1",
		"https://securetoken.googleapis.com/v1",
		"https://idp.example.com:443/v1",
	} {
		t.Run(u, func(t *testing.T) {
			if err := guard.ValidateEndpoint(u); err != nil {
				t.Errorf("ValidateEndpoint(%q) returned error: %v", u, err)
			}
		})
	}
}

func TestValidateEndpoint_Rejects(t *testing.T) {
	guard := NewEndpointGuard()

	tests := []struct {
		name string
		url  string
	}{
		{"空", ""},
		{"スキームなし", "identitytoolkit.googleapis.com"},
		{"http", "http://identitytoolkit.googleapis.com/v1"},
		{"ftp", "ftp://example.com"},
		{"ホストなし", "https:///v1"},
		{"プライベートIP", "https://10.0.0.1/v1"},
		{"プライベートIP 192.168", "https://192.168.1.100/v1"},
		{"ループバック", "https://127.0.0.1/v1"},
		{"localhost", "https://LOCALHOST/v1"},
		{"メタデータIP", "https://169.254.169.254/v1"},
		{"IPv6ループバック", "https://[::1]/v1"},
		{"ゼロアドレス", "https://0.0.0.0/v1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := guard.ValidateEndpoint(tt.url); err == nil {
				t.Errorf("ValidateEndpoint(%q) should have returned error", tt.url)
			}
		})
	}
}
