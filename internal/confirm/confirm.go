// Package confirm は破壊的操作の明示的な確認ステップを提供する。
//
// 削除とステータス変更のミューテーションは、ディスパッチ前に必ず
// ユーザーの確認を取得する。確認の取得方法（ダイアログ、プロンプト等）は
// Confirmerの実装に委ねる。
package confirm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrDeclined はユーザーが確認を拒否したことを表す。
// 拒否されたミューテーションはディスパッチされず、副作用を一切持たない。
var ErrDeclined = errors.New("操作はキャンセルされました")

// Confirmer はユーザーの確認を取得するインターフェース。
type Confirmer interface {
	// Confirm は確認メッセージを提示し、ユーザーが承認した場合にtrueを返す。
	Confirm(message string) bool
}

// Auto は常に固定の応答を返すConfirmer。
// --yes フラグ指定時やテストで使用する。
type Auto bool

// Confirm は固定の応答を返す。
func (a Auto) Confirm(message string) bool {
	return bool(a)
}

// Prompt は標準入出力で y/N 確認を行うConfirmer。
type Prompt struct {
	In  io.Reader
	Out io.Writer
}

// Confirm はメッセージを表示し、y または yes の入力で承認とみなす。
func (p *Prompt) Confirm(message string) bool {
	fmt.Fprintf(p.Out, "%s [y/N]: ", message)
	scanner := bufio.NewScanner(p.In)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}
