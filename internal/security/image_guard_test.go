package security

import (
	"strings"
	"testing"
)

func TestValidateURL_AllowsPublicHTTPS(t *testing.T) {
	g := NewImageURLGuard()

	valid := []string{
		"https://i.ibb.co/abc/potato.jpg",
		"http://example.com/image.png",
		"https://8.8.8.8/photo.jpg",
	}
	for _, u := range valid {
		if err := g.ValidateURL(u); err != nil {
			t.Errorf("ValidateURL(%q) がエラーを返した: %v", u, err)
		}
	}
}

func TestValidateURL_BlocksDangerousTargets(t *testing.T) {
	g := NewImageURLGuard()

	tests := []struct {
		url    string
		reason string
	}{
		{"", "空URL"},
		{"ftp://example.com/image.png", "不許可スキーム"},
		{"javascript:alert(1)", "不許可スキーム"},
		{"https://127.0.0.1/image.png", "ループバック"},
		{"https://10.0.0.5/image.png", "プライベートIP"},
		{"https://172.16.0.1/image.png", "プライベートIP"},
		{"https://192.168.1.1/image.png", "プライベートIP"},
		{"https://169.254.169.254/latest/meta-data", "メタデータIP"},
		{"https://localhost/image.png", "localhost"},
		{"https://LOCALHOST/image.png", "localhost大文字"},
		{"https:///image.png", "空ホスト"},
		{"https://[::1]/image.png", "IPv6ループバック"},
	}
	for _, tt := range tests {
		if err := g.ValidateURL(tt.url); err == nil {
			t.Errorf("ValidateURL(%q) は%sをブロックすべき", tt.url, tt.reason)
		}
	}
}

func TestNewSafeClient_ReturnsClient(t *testing.T) {
	g := NewImageURLGuard()
	client := g.NewSafeClient(0)
	if client == nil {
		t.Fatal("NewSafeClient は nil を返してはならない")
	}

	// safeclientはプライベートIPへのリクエストをDialerレベルで拒否する
	_, err := client.Get("http://169.254.169.254/latest/meta-data")
	if err == nil {
		t.Error("メタデータIPへのリクエストはブロックされるべき")
	}
	if err != nil && !strings.Contains(err.Error(), "169.254.169.254") {
		// エラー内容まではライブラリ依存のため、発生のみ確認
		t.Logf("ブロックエラー: %v", err)
	}
}
