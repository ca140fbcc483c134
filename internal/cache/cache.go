// Package cache はリソース一覧のローカルキャッシュを提供する。
//
// キャッシュはリソース区分＋クエリパラメータをキーとする共有の可変状態で、
// どのオーケストレーターからも読み書きされる。ロックはストア内部の
// ミューテックスのみで、正しさは各ミューテーションが単一のイベント
// ハンドラー内で完結したread-modify-writeであることに依存する
// （スナップショット取得後に制御を手放すのはネットワーク待ちのみ）。
package cache

import (
	"sort"
	"strings"
	"sync"
)

// Key はキャッシュエントリのキー。リソース区分とクエリパラメータから成る。
type Key struct {
	Resource string
	Query    string
}

// NewKey はリソース区分とクエリパラメータからKeyを生成する。
// パラメータは順序に依存しないよう整列して連結される。
func NewKey(resource string, params ...string) Key {
	sorted := make([]string, len(params))
	copy(sorted, params)
	sort.Strings(sorted)
	return Key{
		Resource: resource,
		Query:    strings.Join(sorted, "&"),
	}
}

// Store はキー付きキャッシュエントリのストア。
type Store struct {
	mu      sync.RWMutex
	entries map[Key]any
}

// NewStore はStoreの新しいインスタンスを生成する。
func NewStore() *Store {
	return &Store{
		entries: make(map[Key]any),
	}
}

// Get はキャッシュからエントリを取得する。
// 型が一致しない場合もキャッシュミスとして扱う。
func Get[T any](s *Store, key Key) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var zero T
	raw, ok := s.entries[key]
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Set はキャッシュにエントリを格納する。
func Set[T any](s *Store, key Key, value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
}

// Invalidate は指定キーのエントリを破棄する。
// リソースキー単位の再取得は冪等なため、古いビューからの無効化が
// 重複しても問題ない。
func (s *Store) Invalidate(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// InvalidateResource は指定リソース区分の全エントリを破棄する。
func (s *Store) InvalidateResource(resource string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if key.Resource == resource {
			delete(s.entries, key)
		}
	}
}

// Len は格納中のエントリ数を返す。テスト用。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
