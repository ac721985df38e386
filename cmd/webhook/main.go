package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"bitrixtransfer/api"
	"bitrixtransfer/config"
	"bitrixtransfer/services"
	"bitrixtransfer/utils"
)

// transferRequest はWebhookのリクエストボディです (deal_id は単一値でも配列でも受け付ける)
type transferRequest struct {
	DealID json.RawMessage `json:"deal_id"`
}

func main() {
	// 設定の読み込み
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.LogLevel)

	if cfg.TargetCategoryID <= 0 {
		logger.Error().Msg("TARGET_CATEGORY_ID が設定されていません")
		os.Exit(1)
	}

	client := api.NewBitrixClient(cfg, logger)
	service := services.NewTransferService(cfg, client, logger)

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(cfg, service, logger)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info().Str("addr", addr).Msg("Webhookサーバーを起動します")
	if err := router.Run(addr); err != nil {
		logger.Error().Err(err).Msg("サーバーの起動に失敗しました")
		os.Exit(1)
	}
}

// newRouter はWebhookサーバーのルーティングを構築します
func newRouter(cfg *config.Config, service *services.TransferService, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthcheck", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := transferHandler(cfg, service, logger)
	router.POST("/", handler)
	router.POST("/webhook", handler)

	return router
}

// transferHandler は移行リクエストを処理します
func transferHandler(cfg *config.Config, service *services.TransferService, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "リクエストボディを解析できません"})
			return
		}

		dealIDs, err := parseDealIDs(req.DealID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "deal_id が指定されていません"})
			return
		}

		// ログ順序と失敗の切り分けを保つため、複数IDは並列にせず順番に処理する
		results := make([]gin.H, 0, len(dealIDs))
		allOK := true
		var lastErr error

		for _, dealID := range dealIDs {
			report, err := service.Run(dealID, cfg.TargetCategoryID)
			if err != nil {
				logger.Error().Err(err).Int("deal_id", dealID).Msg("移行に失敗しました")
				allOK = false
				lastErr = err
				results = append(results, gin.H{"deal_id": dealID, "ok": false, "error": err.Error()})
				continue
			}
			results = append(results, gin.H{"deal_id": dealID, "ok": true, "report": report})
		}

		status := http.StatusOK
		if !allOK {
			status = http.StatusInternalServerError
			if len(dealIDs) == 1 && errors.Is(lastErr, api.ErrDealNotFound) {
				status = http.StatusNotFound
			}
		}
		c.JSON(status, gin.H{"ok": allOK, "results": results})
	}
}

// parseDealIDs は deal_id フィールドをID配列に正規化します
func parseDealIDs(raw json.RawMessage) ([]int, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("deal_id がありません")
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value interface{}
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("deal_id を解析できません: %w", err)
	}

	switch v := value.(type) {
	case []interface{}:
		ids := make([]int, 0, len(v))
		for _, item := range v {
			id := toDealID(item)
			if id <= 0 {
				return nil, fmt.Errorf("不正な deal_id: %v", item)
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("deal_id が空です")
		}
		return ids, nil
	default:
		id := toDealID(v)
		if id <= 0 {
			return nil, fmt.Errorf("不正な deal_id: %v", v)
		}
		return []int{id}, nil
	}
}

// toDealID は数値・数値文字列のいずれでもIDに変換します (変換できない場合は 0)
func toDealID(v interface{}) int {
	switch val := v.(type) {
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
