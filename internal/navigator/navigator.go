// Package navigator は画面遷移の抽象化を提供する。
//
// クライアントのコアロジックは特定のUIに依存しないため、
// 「サインイン画面へのリダイレクト」等の遷移要求をNavigatorインターフェース
// 越しに発行する。サインイン画面への遷移時には元のパスを保存し、
// ログイン後に元の画面へ戻れるようにする。
package navigator

import "sync"

// Navigator は画面遷移要求を受け取るインターフェース。
type Navigator interface {
	// Redirect は指定パスへの遷移を要求する。
	Redirect(path string)
	// RedirectToLogin はサインイン画面への遷移を要求する。
	// fromには遷移元のパスを渡し、ログイン後の復帰先として保存される。
	RedirectToLogin(from string)
}

// LoginPath はサインイン画面のパス。
const LoginPath = "/login"

// Memory はNavigatorのインメモリ実装。
// 現在位置と保存された復帰先パスを保持する。
type Memory struct {
	mu      sync.Mutex
	current string
	from    string
	history []string
}

// NewMemory はMemoryの新しいインスタンスを生成する。
func NewMemory() *Memory {
	return &Memory{}
}

// Redirect は現在位置を更新する。
func (n *Memory) Redirect(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = path
	n.history = append(n.history, path)
}

// RedirectToLogin はサインイン画面へ遷移し、復帰先を保存する。
// fromが空の場合（401受信時のゲートウェイ起点の遷移など）は
// 既に保存されている復帰先を上書きしない。
func (n *Memory) RedirectToLogin(from string) {
	n.mu.Lock()
	if from != "" {
		n.from = from
	}
	n.mu.Unlock()
	n.Redirect(LoginPath)
}

// Current は現在位置を返す。
func (n *Memory) Current() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// ConsumeReturnPath は保存された復帰先パスを返し、クリアする。
// 保存されていない場合は空文字を返す。
func (n *Memory) ConsumeReturnPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	from := n.from
	n.from = ""
	return from
}

// History は遷移履歴のコピーを返す。テスト用。
func (n *Memory) History() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.history))
	copy(out, n.history)
	return out
}
