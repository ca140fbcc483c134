// Package credential はベアラー資格情報のクライアントローカル保存を提供する。
// 資格情報は認証成功時に作成され、認証失敗（401/403）受信時または
// サインアウト時に削除される。
package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Store はベアラー資格情報をファイルに永続化するストア。
// メモリ上のコピーをミラーとして保持し、読み取りはメモリから行う。
type Store struct {
	path string

	mu    sync.RWMutex
	token string
}

// NewStore は指定パスを保存先とするStoreを生成する。
// 既存の資格情報ファイルがあれば読み込む。
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("資格情報ファイルの読み込みに失敗しました: %w", err)
	}
	s.token = strings.TrimSpace(string(data))
	return s, nil
}

// Token は保存中のベアラー資格情報を返す。
// 資格情報が存在しない場合は空文字を返す（それ自体はエラーではない）。
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Save は資格情報を保存する。
// 一時ファイルに書いてからリネームすることで書き込み途中の状態を観測させない。
func (s *Store) Save(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("資格情報ディレクトリの作成に失敗しました: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(token), 0o600); err != nil {
		return fmt.Errorf("資格情報の書き込みに失敗しました: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("資格情報の保存に失敗しました: %w", err)
	}

	s.token = token
	return nil
}

// Clear は資格情報を削除する。
// ファイルが存在しない場合もエラーにしない。
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = ""
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("資格情報の削除に失敗しました: %w", err)
	}
	return nil
}

// Email は保存中の資格情報のJWTからemailクレームを取り出す。
// 署名検証は行わない。資格情報がない場合、JWTとしてパースできない場合、
// emailクレームがない場合は空文字を返す。
func (s *Store) Email() string {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	if token == "" {
		return ""
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return ""
	}

	email, _ := claims["email"].(string)
	return email
}

// IsExpired は保存中の資格情報がJWTとして期限切れかを判定する。
// 署名検証は行わない（検証はサーバーの責務）。
// 資格情報が存在しない場合、JWTとしてパースできない場合、
// exp クレームがない場合はfalseを返し、サーバーの判断に委ねる。
func (s *Store) IsExpired(now time.Time) bool {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	if token == "" {
		return false
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}
