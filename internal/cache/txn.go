package cache

// Transaction は楽観的ミューテーションのスナップショット・適用・
// コミットまたはロールバックの一連の流れを汎用化する。
//
// 不変条件: リモート呼び出しが失敗した場合、Rollbackにより
// キャッシュはミューテーション前のスナップショットと完全に一致する状態に
// 戻らなければならない。楽観的に変更された状態が失敗後に残ることはない。
type Transaction[T any] struct {
	store    *Store
	key      Key
	clone    func(T) T
	snapshot T
	had      bool
	done     bool
}

// Begin は指定キーの現在値をスナップショットしてトランザクションを開始する。
// cloneはスナップショットの独立性を保証する複製関数。スライス要素が
// 値型のみで構成される場合はCloneSliceで足りる。
func Begin[T any](s *Store, key Key, clone func(T) T) *Transaction[T] {
	txn := &Transaction[T]{
		store: s,
		key:   key,
		clone: clone,
	}
	if current, ok := Get[T](s, key); ok {
		txn.snapshot = clone(current)
		txn.had = true
	}
	return txn
}

// Apply はミューテーションをローカルキャッシュに即時適用する。
// mutateにはスナップショットの複製が渡されるため、破壊的に編集してよい。
// キャッシュにエントリが存在しない場合は何もしない（リモート成功後の
// 再取得で反映される）。
func (t *Transaction[T]) Apply(mutate func(T) T) {
	if !t.had || t.done {
		return
	}
	Set(t.store, t.key, mutate(t.clone(t.snapshot)))
}

// Rollback はキャッシュをミューテーション前のスナップショットに復元する。
// スナップショット時点でエントリが存在しなかった場合はエントリを破棄する。
func (t *Transaction[T]) Rollback() {
	if t.done {
		return
	}
	t.done = true
	if t.had {
		Set(t.store, t.key, t.clone(t.snapshot))
		return
	}
	t.store.Invalidate(t.key)
}

// Commit はリモート成功後にキーを無効化し、次回読み取り時に
// サーバーの真実と再同期させる。
func (t *Transaction[T]) Commit() {
	if t.done {
		return
	}
	t.done = true
	t.store.Invalidate(t.key)
}

// CloneSlice は値型要素のスライス向けの複製関数。
func CloneSlice[E any](in []E) []E {
	if in == nil {
		return nil
	}
	out := make([]E, len(in))
	copy(out, in)
	return out
}
