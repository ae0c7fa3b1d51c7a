package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandRun はパイプライン・ステータスサーバー・クリーンアップを起動することを示す。
	CommandRun Command = "run"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandCheck は都市プロファイルと認証情報を検証して概要を出力することを示す。
	CommandCheck Command = "check"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandRunを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandRun
	}

	switch args[0] {
	case "run":
		return CommandRun
	case "migrate":
		return CommandMigrate
	case "check":
		return CommandCheck
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandRun
	}
}
