// Package payment は決済プロセッサーのカード決済確認クライアントを提供する。
//
// 支払いインテントの作成はバックエンドが秘密鍵で行い、クライアントは
// 公開可能キーとクライアントシークレットのみで確認処理を行う。
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/pricewatch/internal/model"
)

// Card はカード入力情報。ログやエラーメッセージには決して含めない。
type Card struct {
	Number   string
	ExpMonth int
	ExpYear  int
	CVC      string
}

// Result はカード決済確認の結果。
type Result struct {
	// Status は決済インテントの状態。"succeeded" のみが成功。
	Status string
	// IntentID は決済インテントのID。注文レコードの取引IDとして記録する。
	IntentID string
}

// Client は決済プロセッサーのクライアント。
type Client struct {
	baseURL    string
	publicKey  string
	httpClient *http.Client
}

// NewClient はClientを生成する。
func NewClient(baseURL, publicKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		publicKey:  publicKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// confirmResponse は決済確認APIのレスポンス。
type confirmResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ConfirmCardPayment はクライアントシークレットに対応する決済インテントを
// カード情報で確認する。
//
// カード拒否はプロセッサーのメッセージをそのまま保持したPaymentErrorとして
// 返す（勝手に言い換えない）。自動リトライは行わない。
func (c *Client) ConfirmCardPayment(ctx context.Context, clientSecret string, card Card, billingName, billingEmail string) (*Result, error) {
	intentID, err := intentIDFromSecret(clientSecret)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("payment_method_data[type]", "card")
	form.Set("payment_method_data[card][number]", card.Number)
	form.Set("payment_method_data[card][exp_month]", strconv.Itoa(card.ExpMonth))
	form.Set("payment_method_data[card][exp_year]", strconv.Itoa(card.ExpYear))
	form.Set("payment_method_data[card][cvc]", card.CVC)
	form.Set("payment_method_data[billing_details][name]", billingName)
	form.Set("payment_method_data[billing_details][email]", billingEmail)
	form.Set("client_secret", clientSecret)

	endpoint := c.baseURL + "/v1/payment_intents/" + url.PathEscape(intentID) + "/confirm"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, model.NewPaymentError(err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.publicKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.NewNetworkError(err.Error())
	}
	defer resp.Body.Close()

	var parsed confirmResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return nil, model.NewPaymentError("決済応答の解析に失敗しました")
	}

	if parsed.Error.Message != "" {
		// プロセッサーのメッセージをそのまま返す
		return nil, model.NewPaymentError(parsed.Error.Message)
	}
	if resp.StatusCode >= 400 {
		return nil, model.NewPaymentError(
			fmt.Sprintf("決済プロセッサーがステータス%dを返しました", resp.StatusCode))
	}

	return &Result{Status: parsed.Status, IntentID: parsed.ID}, nil
}

// intentIDFromSecret はクライアントシークレット（pi_xxx_secret_yyy形式）から
// 決済インテントIDを取り出す。
func intentIDFromSecret(clientSecret string) (string, error) {
	idx := strings.Index(clientSecret, "_secret_")
	if !strings.HasPrefix(clientSecret, "pi_") || idx < 0 {
		return "", model.NewPaymentError("クライアントシークレットが不正です")
	}
	return clientSecret[:idx], nil
}
