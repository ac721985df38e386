package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"bitrixtransfer/api"
	"bitrixtransfer/config"
	"bitrixtransfer/services"
	"bitrixtransfer/utils"
)

func main() {
	// コマンドラインフラグの定義
	help := flag.Bool("help", false, "ヘルプを表示する")

	// フラグのパース
	flag.Parse()

	// ヘルプフラグが指定された場合はヘルプを表示
	if *help {
		printHelp()
		return
	}

	// 移行元ディールIDが無い場合は使い方を表示して正常終了
	args := flag.Args()
	if len(args) < 1 {
		printHelp()
		return
	}

	// 設定の読み込み
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.LogLevel)

	sourceID, err := strconv.Atoi(args[0])
	if err != nil || sourceID <= 0 {
		logger.Error().Str("arg", args[0]).Msg("移行元ディールIDは正の整数で指定してください")
		os.Exit(1)
	}

	// 移行先カテゴリはCLI引数を優先し、無ければ環境変数の値を使う
	targetCategory := cfg.TargetCategoryID
	if len(args) >= 2 {
		targetCategory, err = strconv.Atoi(args[1])
		if err != nil || targetCategory <= 0 {
			logger.Error().Str("arg", args[1]).Msg("移行先カテゴリIDは正の整数で指定してください")
			os.Exit(1)
		}
	}
	if targetCategory <= 0 {
		logger.Error().Msg("TARGET_CATEGORY_ID がCLI引数にも環境変数にも指定されていません")
		os.Exit(1)
	}

	client := api.NewBitrixClient(cfg, logger)
	service := services.NewTransferService(cfg, client, logger)

	// 移行の実行
	report, err := service.Run(sourceID, targetCategory)
	if err != nil {
		logger.Error().Err(err).Msg("移行に失敗しました")
		os.Exit(1)
	}

	logger.Info().
		Int("new_deal_id", report.NewDealID).
		Int("tasks_copied", report.TasksCopied).
		Int("tasks_failed", report.TasksFailed).
		Int("activities_copied", report.ActivitiesCopied).
		Msg("移行が完了しました")
}

// ヘルプメッセージを表示する関数
func printHelp() {
	fmt.Printf(`
ディール移行ツール

使用方法:
  %s <移行元ディールID> [移行先カテゴリID]

環境変数:
  BITRIX_URL                Bitrix REST エンドポイントURL (必須)
  TARGET_CATEGORY_ID        移行先カテゴリID (CLI引数で未指定の場合に使用)
  DEFAULT_RESPONSIBLE_ID    担当者IDのフォールバック (デフォルト: 1)
  BATCH_SIZE                タスク作成の同時リクエスト数 (デフォルト: 3)
  MAX_PAGES                 一覧取得のページ数上限 (デフォルト: 1000)
  TASK_STATUS_MODE          preserve | open (デフォルト: preserve)
  ACTIVITY_RESET_COMPLETED  コピーしたアクティビティを未完了に戻すか (デフォルト: true)
  LOG_LEVEL                 ログレベル (デフォルト: info)

説明:
  指定したディールを移行先カテゴリに複製し、紐づくタスク
  (チェックリスト・コメントを含む) とアクティビティを移し替えます。

  移行後は必ず1件のオープンなタスクが残るように、最新の未完了タスクを
  再オープンするか、フォローアップタスクを新規作成します。
`, os.Args[0])
}
