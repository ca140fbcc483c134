package gateway

import "net/http"

// CredentialSource はベアラー資格情報の取得と破棄のインターフェース。
// credential.Storeの部分集合として定義する。
type CredentialSource interface {
	Token() string
	Clear() error
}

// authTransport は送信リクエストにベアラー資格情報を付与するRoundTripper。
// 横断的ポリシーとしてHTTPクライアントに1回だけ適用し、
// 呼び出し箇所ごとの付与は行わない。
type authTransport struct {
	base  http.RoundTripper
	creds CredentialSource
}

// newAuthTransport はauthTransportを生成する。
func newAuthTransport(base http.RoundTripper, creds CredentialSource) *authTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{base: base, creds: creds}
}

// RoundTrip は資格情報が存在する場合のみAuthorizationヘッダーを付与する。
// 資格情報の不在はエラーではない（公開エンドポイントはそのまま通す）。
func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if token := t.creds.Token(); token != "" {
		// RoundTripperはリクエストを変更してはならないためクローンする
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return t.base.RoundTrip(req)
}
