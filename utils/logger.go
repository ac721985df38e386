package utils

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger は指定レベルのコンソールロガーを作成します
// 生成したロガーは各コンポーネントに注入して使います (グローバルには持たない)
func NewLogger(level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Logger().
		Level(lvl)
}

// TrackTime は処理の実行時間を計測してログに出力するユーティリティです
func TrackTime(logger zerolog.Logger, start time.Time, name string) {
	elapsed := time.Since(start)
	logger.Info().Dur("elapsed", elapsed).Msgf("%s 完了", name)
}
