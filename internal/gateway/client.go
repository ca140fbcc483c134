// Package gateway はバックエンドAPIへの認証付きリクエストゲートウェイを提供する。
//
// 送信リクエストへのベアラー資格情報の付与と、認証失敗（401/403）時の
// 資格情報破棄＋サインイン画面への強制遷移を横断的ポリシーとして実装する。
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/pricewatch/internal/metrics"
	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/navigator"
)

// ClientConfig はゲートウェイの設定。
type ClientConfig struct {
	BaseURL string
	// Timeout は1リクエストあたりの上限。ハングしたリクエストを
	// 無期限のローディング状態ではなくNetworkErrorとして確定させる。
	Timeout time.Duration
	// RatePerSec / Burst は送信レート制限。
	RatePerSec float64
	Burst      int
}

// Client は認証付きリクエストゲートウェイ。
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	creds      CredentialSource
	nav        navigator.Navigator
	limiter    *rate.Limiter
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
// baseTransportにはテスト用のRoundTripperを差し替え可能（nilでデフォルト）。
func NewClient(
	config ClientConfig,
	creds CredentialSource,
	nav navigator.Navigator,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	baseTransport http.RoundTripper,
) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RatePerSec <= 0 {
		config.RatePerSec = 10
	}
	if config.Burst <= 0 {
		config.Burst = 20
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Transport: newAuthTransport(baseTransport, creds),
		},
		creds:   creds,
		nav:     nav,
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSec), config.Burst),
		metrics: collector,
		logger:  logger,
	}
}

// GetJSON はGETリクエストを発行し、レスポンスJSONをoutに格納する。
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// PostJSON はPOSTリクエストを発行し、レスポンスJSONをoutに格納する。
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// PatchJSON はPATCHリクエストを発行し、レスポンスJSONをoutに格納する。
func (c *Client) PatchJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPatch, path, body, out)
}

// DeleteJSON はDELETEリクエストを発行し、レスポンスJSONをoutに格納する。
func (c *Client) DeleteJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, out)
}

// jwtResponse は POST /jwt のレスポンス。
type jwtResponse struct {
	Token string `json:"token"`
}

// ExchangeJWT は認証済みIdentityのメールアドレスをベアラー資格情報に交換する。
func (c *Client) ExchangeJWT(ctx context.Context, email string) (string, error) {
	var resp jwtResponse
	if err := c.PostJSON(ctx, "/jwt", map[string]string{"email": email}, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", model.NewAuthError("トークンが発行されませんでした")
	}
	return resp.Token, nil
}

// errorBody はバックエンドのエラーレスポンス。
type errorBody struct {
	Message string `json:"message"`
}

// do はリクエストの発行、レート制限、タイムアウト、エラー変換を行う。
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return model.NewNetworkError(err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストの構築に失敗しました: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("リクエストの構築に失敗しました: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RecordRequestLatency(time.Since(start))
	if err != nil {
		c.metrics.RecordAPIRequest(method, 0)
		return model.NewNetworkError(err.Error())
	}
	defer resp.Body.Close()

	c.metrics.RecordAPIRequest(method, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.NewNetworkError(err.Error())
	}

	// 認証失敗: 資格情報を破棄してサインイン画面へ強制遷移する。
	// 呼び出し元には失敗が返るため、ローカルエラー表示や再認証後の
	// リトライは呼び出し元が判断する。
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.evictCredential()
		return model.NewSessionExpiredError()
	}

	if resp.StatusCode == http.StatusConflict {
		return model.NewConflictError(serverMessage(data, "リソースが競合しています"))
	}

	if resp.StatusCode >= 400 {
		return model.NewNetworkError(serverMessage(data,
			fmt.Sprintf("APIがステータス%dを返しました", resp.StatusCode)))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("レスポンスの解析に失敗しました: %w", err)
		}
	}
	return nil
}

// evictCredential はローカル資格情報を削除し、サインイン画面へ遷移させる。
func (c *Client) evictCredential() {
	c.metrics.RecordAuthFailure()
	if err := c.creds.Clear(); err != nil {
		c.logger.Warn("failed to clear credential", slog.String("error", err.Error()))
	}
	c.nav.RedirectToLogin("")
}

// serverMessage はエラーレスポンスからメッセージを抽出する。
func serverMessage(data []byte, fallback string) string {
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return fallback
}
