// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Backend API
	APIBaseURL string

	// Identity Provider
	IdentityBaseURL string
	IdentityAPIKey  string

	// OAuth（フェデレーテッドログイン）
	OAuthClientID     string
	OAuthClientSecret string
	// OAuthCallbackPort はループバックコールバックサーバーのポート。
	// 0の場合は空きポートを自動選択する。
	OAuthCallbackPort int

	// Payment
	PaymentBaseURL   string
	PaymentPublicKey string

	// Image Host
	ImageHostURL    string
	ImageHostAPIKey string

	// Credential
	CredentialPath string

	// Role Resolver
	RoleCacheTTL time.Duration

	// HTTP
	RequestTimeout time.Duration
	// RateLimitPerSec は外部APIへの毎秒リクエスト上限。
	RateLimitPerSec float64
	RateLimitBurst  int

	// Metrics
	// MetricsAddr が空の場合はメトリクスサーバーを起動しない。
	MetricsAddr string

	// Logging
	Debug bool
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envファイルがあれば先に読み込む（存在しなくてもエラーにしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	// .envはローカル開発用。本番では環境変数を直接設定する。
	_ = godotenv.Load()

	cfg := &Config{}

	var missing []string

	cfg.APIBaseURL = os.Getenv("API_BASE_URL")
	if cfg.APIBaseURL == "" {
		missing = append(missing, "API_BASE_URL")
	}

	cfg.IdentityBaseURL = os.Getenv("IDENTITY_BASE_URL")
	if cfg.IdentityBaseURL == "" {
		missing = append(missing, "IDENTITY_BASE_URL")
	}

	cfg.IdentityAPIKey = os.Getenv("IDENTITY_API_KEY")
	if cfg.IdentityAPIKey == "" {
		missing = append(missing, "IDENTITY_API_KEY")
	}

	cfg.PaymentPublicKey = os.Getenv("PAYMENT_PUBLIC_KEY")
	if cfg.PaymentPublicKey == "" {
		missing = append(missing, "PAYMENT_PUBLIC_KEY")
	}

	cfg.ImageHostAPIKey = os.Getenv("IMAGE_HOST_API_KEY")
	if cfg.ImageHostAPIKey == "" {
		missing = append(missing, "IMAGE_HOST_API_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.OAuthClientID = os.Getenv("OAUTH_CLIENT_ID")
	cfg.OAuthClientSecret = os.Getenv("OAUTH_CLIENT_SECRET")
	cfg.OAuthCallbackPort = getEnvInt("OAUTH_CALLBACK_PORT", 0)
	cfg.PaymentBaseURL = getEnvString("PAYMENT_BASE_URL", "https://api.stripe.com")
	cfg.ImageHostURL = getEnvString("IMAGE_HOST_URL", "https://api.imgbb.com")
	cfg.CredentialPath = getEnvString("CREDENTIAL_PATH", defaultCredentialPath())
	cfg.RoleCacheTTL = getEnvDuration("ROLE_CACHE_TTL", 5*time.Minute)
	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", 10*time.Second)
	cfg.RateLimitPerSec = getEnvFloat("RATE_LIMIT_PER_SEC", 10)
	cfg.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 20)
	cfg.MetricsAddr = getEnvString("METRICS_ADDR", "")
	cfg.Debug = getEnvBool("DEBUG", false)

	return cfg, nil
}

// defaultCredentialPath はベアラー資格情報の既定保存先を返す。
// ユーザー設定ディレクトリが特定できない場合はカレントディレクトリを使用する。
func defaultCredentialPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".pricewatch-credential"
	}
	return dir + "/pricewatch/credential"
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
