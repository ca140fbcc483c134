package model

// Role は認可上の権限区分を表す。
// user / vendor / admin の3値のみが有効。
type Role int

const (
	// RoleUser は一般ユーザー。未知のロールはすべてここに解決される。
	RoleUser Role = iota
	// RoleVendor は商品・広告を投稿できる出店者。
	RoleVendor
	// RoleAdmin はコンテンツ審査とロール管理を行う管理者。
	RoleAdmin
)

// String はサーバーAPIで使用されるロール文字列を返す。
func (r Role) String() string {
	switch r {
	case RoleVendor:
		return "vendor"
	case RoleAdmin:
		return "admin"
	default:
		return "user"
	}
}

// ParseRole はロール文字列をRoleに変換する。
// 未知の文字列や空文字はフェイルセーフとしてRoleUserに解決される。
// admin/vendorに誤って昇格することは決してない。
func ParseRole(s string) Role {
	switch s {
	case "vendor":
		return RoleVendor
	case "admin":
		return RoleAdmin
	default:
		return RoleUser
	}
}

// HomePath はロールごとのダッシュボードのホームパスを返す。
func (r Role) HomePath() string {
	switch r {
	case RoleVendor:
		return "/dashboard/vendor"
	case RoleAdmin:
		return "/dashboard/admin"
	default:
		return "/dashboard/user"
	}
}

// RoleIn はroleがallowedに含まれるかを判定する。
func RoleIn(role Role, allowed []Role) bool {
	for _, a := range allowed {
		if role == a {
			return true
		}
	}
	return false
}
