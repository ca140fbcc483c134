// Package imagehost は画像ホスティングサービスへのアップロードクライアントを提供する。
//
// 商品・広告・プロフィールの画像はバックエンドに直接保存せず、
// 外部の画像ホスティングAPI（ImgBB互換）へアップロードして得たURLを
// レコードに保持する。
package imagehost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/security"
)

// maxImageBytes はフェッチ・アップロードする画像サイズの上限。
const maxImageBytes = 10 << 20

// Client は画像ホスティングAPIのクライアント。
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	// safeClient は出店者入力URLのフェッチ専用。SSRF防止のDialer検証付き。
	safeClient *http.Client
	guard      security.ImageURLGuardService
	logger     *slog.Logger
}

// NewClient はClientを生成する。
func NewClient(baseURL, apiKey string, guard security.ImageURLGuardService, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		safeClient: guard.NewSafeClient(timeout),
		guard:      guard,
		logger:     logger,
	}
}

// uploadResponse は画像ホスティングAPIのレスポンス。
type uploadResponse struct {
	Success bool `json:"success"`
	Data    struct {
		URL string `json:"url"`
	} `json:"data"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Upload は画像データをアップロードし、ホスティング先のURLを返す。
// 失敗はUploadFailedErrorとして返し、呼び出し元のフォーム状態を保持させる。
func (c *Client) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", model.NewUploadFailedError(err.Error())
	}
	if _, err := part.Write(data); err != nil {
		return "", model.NewUploadFailedError(err.Error())
	}
	if err := writer.Close(); err != nil {
		return "", model.NewUploadFailedError(err.Error())
	}

	endpoint := c.baseURL + "/1/upload?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", model.NewUploadFailedError(err.Error())
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", model.NewUploadFailedError(err.Error())
	}
	defer resp.Body.Close()

	var parsed uploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return "", model.NewUploadFailedError("アップロード応答の解析に失敗しました")
	}
	if !parsed.Success || parsed.Data.URL == "" {
		message := parsed.Error.Message
		if message == "" {
			message = fmt.Sprintf("画像ホスティングAPIがステータス%dを返しました", resp.StatusCode)
		}
		return "", model.NewUploadFailedError(message)
	}

	c.logger.Info("image uploaded", slog.String("url", parsed.Data.URL))
	return parsed.Data.URL, nil
}

// Rehost は出店者が入力した画像URLを検証付きでフェッチし、
// ホスティングサービスへ再アップロードしたURLを返す。
// プライベートネットワークを指すURLは検証とDialerの両方でブロックされる。
func (c *Client) Rehost(ctx context.Context, rawURL string) (string, error) {
	if err := c.guard.ValidateURL(rawURL); err != nil {
		return "", model.NewValidationError(fmt.Sprintf("画像URLが安全ではありません: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", model.NewValidationError(fmt.Sprintf("画像URLが不正です: %v", err))
	}
	resp, err := c.safeClient.Do(req)
	if err != nil {
		return "", model.NewUploadFailedError(fmt.Sprintf("画像の取得に失敗しました: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", model.NewUploadFailedError(
			fmt.Sprintf("画像の取得がステータス%dで失敗しました", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", model.NewUploadFailedError(err.Error())
	}
	if len(data) > maxImageBytes {
		return "", model.NewValidationError("画像サイズが上限を超えています")
	}

	return c.Upload(ctx, "image", data)
}
