package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// すべてのエラーはオーケストレーター境界で捕捉され、このフォーマットに変換される。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, network, conflict, payment, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuth           = "AUTH_ERROR"
	ErrCodeCredential     = "CREDENTIAL_ERROR"
	ErrCodeAuthCancelled  = "AUTH_CANCELLED"
	ErrCodeSessionExpired = "SESSION_EXPIRED"
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNetwork        = "NETWORK_ERROR"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodePayment        = "PAYMENT_ERROR"
	ErrCodePostPayment    = "POST_PAYMENT_ERROR"
	ErrCodeUploadFailed   = "UPLOAD_FAILED"
)

// NewAuthError は認証失敗エラーを生成する。
func NewAuthError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeAuth,
		Message:  fmt.Sprintf("認証に失敗しました: %s", reason),
		Category: "auth",
		Action:   "メールアドレスとパスワードを確認してください。",
	}
}

// NewCredentialError は登録時の資格情報エラー（弱いパスワード、重複メール等）を生成する。
func NewCredentialError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeCredential,
		Message:  fmt.Sprintf("アカウントを作成できません: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewAuthCancelledError はユーザーがフェデレーテッドログインを中断した場合のエラーを生成する。
func NewAuthCancelledError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthCancelled,
		Message:  "ログインがキャンセルされました。",
		Category: "auth",
		Action:   "もう一度ログインをお試しください。",
	}
}

// NewSessionExpiredError はAPIから401/403を受信した場合のエラーを生成する。
// 受信時点でローカル資格情報は削除され、サインイン画面へ遷移する。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionExpired,
		Message:  "セッションの有効期限が切れました。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewValidationError は入力検証エラーを生成する。
// ネットワーク呼び出しの前に返され、サーバーには送信されない。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容に誤りがあります: %s", reason),
		Category: "validation",
		Action:   "入力内容を修正して再度お試しください。",
	}
}

// NewNetworkError はリクエスト失敗・無応答エラーを生成する。
// 楽観的ミューテーション中であればキャッシュはロールバックされる。
func NewNetworkError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeNetwork,
		Message:  fmt.Sprintf("通信に失敗しました: %s", reason),
		Category: "network",
		Action:   "接続を確認して再度お試しください。",
	}
}

// NewConflictError はリソースが既に目的の状態にある等の競合を生成する。
// 情報提供のみで致命的ではない。ローカル変更は適用されていないためロールバック不要。
func NewConflictError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  reason,
		Category: "conflict",
		Action:   "最新の状態を確認してください。",
	}
}

// NewForbiddenError は操作がクライアント側ポリシーで拒否された場合のエラーを生成する。
func NewForbiddenError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  reason,
		Category: "validation",
		Action:   "この操作は許可されていません。",
	}
}

// NewPaymentError はカード決済の失敗エラーを生成する。
// 決済プロセッサーのメッセージをそのまま保持する。自動リトライはしない。
func NewPaymentError(processorMessage string) *APIError {
	return &APIError{
		Code:     ErrCodePayment,
		Message:  processorMessage,
		Category: "payment",
		Action:   "カード情報を確認して再度お試しください。",
	}
}

// NewPostPaymentError は決済成功後の注文記録失敗エラーを生成する。
// 決済のリトライは二重課金になるため、PaymentErrorとは区別して扱う。
func NewPostPaymentError() *APIError {
	return &APIError{
		Code:     ErrCodePostPayment,
		Message:  "決済は完了しましたが、注文の記録に失敗しました。",
		Category: "payment",
		Action:   "再決済は行わず、サポートまでお問い合わせください。",
	}
}

// NewUploadFailedError は画像アップロード失敗エラーを生成する。
func NewUploadFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeUploadFailed,
		Message:  fmt.Sprintf("画像のアップロードに失敗しました: %s", reason),
		Category: "network",
		Action:   "画像ファイルを確認して再度お試しください。",
	}
}
