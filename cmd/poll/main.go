package main

import (
	"flag"
	"fmt"
	"os"

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

	// 設定の読み込み
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.LogLevel)

	client := api.NewBitrixClient(cfg, logger)
	service := services.NewTransferService(cfg, client, logger)

	// 最新ディールの検出と移行
	report, err := service.RunLatest()
	if err != nil {
		logger.Error().Err(err).Msg("ポーリング処理に失敗しました")
		os.Exit(1)
	}

	switch {
	case report.AlreadyExists:
		logger.Info().Int("source_deal_id", report.SourceDealID).Msg("移行済みのため何もしませんでした")
	case report.SourceDealID == 0:
		logger.Info().Msg("移行対象のディールがありませんでした")
	default:
		logger.Info().
			Int("source_deal_id", report.SourceDealID).
			Int("new_deal_id", report.NewDealID).
			Int("tasks_copied", report.TasksCopied).
			Int("activities_copied", report.ActivitiesCopied).
			Msg("最新ディールの移行が完了しました")
	}
}

// ヘルプメッセージを表示する関数
func printHelp() {
	fmt.Printf(`
最新ディール移行ツール (ポーリングモード)

使用方法:
  %s

環境変数:
  BITRIX_URL           Bitrix REST エンドポイントURL (必須)
  SOURCE_CATEGORY_ID   移行元カテゴリID (必須)
  TARGET_CATEGORY_ID   移行先カテゴリID (必須)
  DUPLICATE_MATCH      title | off (デフォルト: title)
  LOG_LEVEL            ログレベル (デフォルト: info)

説明:
  移行元カテゴリで最も新しく作成されたディールを探し、
  タスク・アクティビティごと移行先カテゴリに複製します。

  移行先カテゴリに同名のディールが既にある場合は、二重コピーを
  避けるためスキップして正常終了します (cronなどでの定期実行を想定)。
`, os.Args[0])
}
