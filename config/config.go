package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Bitrix REST エンドポイント設定
	BitrixURL string

	// カテゴリ (パイプライン) 設定
	TargetCategoryID int
	SourceCategoryID int

	// フォールバック用の担当者ID
	DefaultResponsibleID int

	// Webhook サーバー設定
	Port int

	// ログレベル
	LogLevel string

	// 並列処理設定
	BatchSize int

	// ページネーションの上限 (無限ループ防止)
	MaxPages int

	// 移行ポリシー設定 (変種スクリプト間で挙動が割れていたため明示的に設定化)
	TaskStatusMode         string
	ActivityResetCompleted bool
	DuplicateMatch         string
}

// TaskStatusMode の値
const (
	TaskStatusModePreserve = "preserve" // 元タスクのステータスを維持する
	TaskStatusModeOpen     = "open"     // コピーしたタスクを全て未完了で作成する
)

// DuplicateMatch の値
const (
	DuplicateMatchTitle = "title" // 移行先カテゴリに同名ディールがあればスキップ
	DuplicateMatchOff   = "off"   // 重複チェックを行わない
)

// LoadConfig は環境変数から設定を読み込みます
func LoadConfig() (*Config, error) {
	// .envファイルを読み込む
	_ = godotenv.Load()

	bitrixURL := strings.TrimRight(os.Getenv("BITRIX_URL"), "/")
	if bitrixURL == "" {
		return nil, fmt.Errorf("BITRIX_URL が設定されていません")
	}

	config := &Config{
		BitrixURL:              bitrixURL,
		TargetCategoryID:       getEnvAsIntWithDefault("TARGET_CATEGORY_ID", 0),
		SourceCategoryID:       getEnvAsIntWithDefault("SOURCE_CATEGORY_ID", 0),
		DefaultResponsibleID:   getEnvAsIntWithDefault("DEFAULT_RESPONSIBLE_ID", 1),
		Port:                   getEnvAsIntWithDefault("PORT", 8080),
		LogLevel:               getEnvWithDefault("LOG_LEVEL", "info"),
		BatchSize:              getEnvAsIntWithDefault("BATCH_SIZE", 3),
		MaxPages:               getEnvAsIntWithDefault("MAX_PAGES", 1000),
		TaskStatusMode:         getEnvWithDefault("TASK_STATUS_MODE", TaskStatusModePreserve),
		ActivityResetCompleted: getEnvAsBoolWithDefault("ACTIVITY_RESET_COMPLETED", true),
		DuplicateMatch:         getEnvWithDefault("DUPLICATE_MATCH", DuplicateMatchTitle),
	}

	return config, nil
}

// デフォルト値付きで環境変数を取得
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// デフォルト値付きで環境変数を整数として取得
func getEnvAsIntWithDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// デフォルト値付きで環境変数を真偽値として取得
func getEnvAsBoolWithDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
