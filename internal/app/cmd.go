package app

// Command はCLIのサブコマンドを表す。
type Command string

const (
	// CommandLogin はメール/パスワードでサインインする。
	CommandLogin Command = "login"
	// CommandLoginGoogle はブラウザ経由のフェデレーテッドログインを行う。
	CommandLoginGoogle Command = "login-google"
	// CommandRegister はアカウントを新規作成する。
	CommandRegister Command = "register"
	// CommandLogout はサインアウトする。
	CommandLogout Command = "logout"
	// CommandWhoami は現在のセッション状態を表示する。
	CommandWhoami Command = "whoami"
	// CommandProducts は商品一覧を表示する。
	CommandProducts Command = "products"
	// CommandWatchlist はウォッチリストを表示・操作する。
	CommandWatchlist Command = "watchlist"
	// CommandOrders は注文履歴を表示する。
	CommandOrders Command = "orders"
	// CommandBuy はチェックアウトフローを実行する。
	CommandBuy Command = "buy"
	// CommandUsers はユーザー一覧とロール管理を行う。
	CommandUsers Command = "users"
	// CommandAds は広告一覧を表示する。
	CommandAds Command = "ads"
	// CommandHelp は使い方を表示する。
	CommandHelp Command = "help"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandHelpを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandHelp
	}

	switch args[0] {
	case "login":
		return CommandLogin
	case "login-google":
		return CommandLoginGoogle
	case "register":
		return CommandRegister
	case "logout":
		return CommandLogout
	case "whoami":
		return CommandWhoami
	case "products":
		return CommandProducts
	case "watchlist":
		return CommandWatchlist
	case "orders":
		return CommandOrders
	case "buy":
		return CommandBuy
	case "users":
		return CommandUsers
	case "ads":
		return CommandAds
	default:
		return CommandHelp
	}
}
