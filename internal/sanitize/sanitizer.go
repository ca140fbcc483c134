// Package sanitize は出店者投稿コンテンツのHTMLサニタイズを提供する。
//
// 商品説明や広告文には出店者が自由にマークアップを入力できるため、
// 送信前およびキャッシュ反映前にサニタイズし、XSS攻撃から閲覧者を保護する。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// 安全なタグと属性のみを通過させる。
package sanitize

import (
	"net/url"

	"github.com/microcosm-cc/bluemonday"
)

// SanitizerService はHTMLコンテンツのサニタイズ機能のインターフェースを定義する。
// 商品・広告の作成/更新時に使用される。
type SanitizerService interface {
	// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, ul, ol, li, strong, em）のみを通過させ、
	// script, iframe, styleタグおよびon*イベント属性を除去する。
	// imgタグのsrc属性はhttpsスキームのみ許可される。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawHTML string) string
}

// sanitizer はSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer はSanitizerServiceの新しいインスタンスを生成する。
// ポリシーの内容:
//   - 許可タグ: p, br, a, ul, ol, li, strong, em, img
//   - 禁止タグ: script, iframe, style および全てのon*イベント属性
//   - imgのsrc属性: httpsスキームのみ許可
//   - aタグ: target="_blank" と rel="noreferrer noopener" を強制付与
func NewSanitizer() *sanitizer {
	p := bluemonday.NewPolicy()

	// script, iframe, style等は許可リストに含めないことで自動的に除去される。
	// on*イベント属性はbluemondayのデフォルトで許可されない。
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"strong", "em",
	)

	// aタグ: 絶対URLのみ許可し、外部リンク属性を強制付与する
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	// imgタグ: src属性はhttpsスキームのみ許可（http, javascript, data等は拒否）
	p.AllowAttrs("src").OnElements("img")
	p.AllowAttrs("alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return true
	})

	return &sanitizer{
		policy: p,
	}
}

// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
func (s *sanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}
