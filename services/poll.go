package services

import (
	"fmt"

	"bitrixtransfer/config"
	"bitrixtransfer/models"
)

// RunLatest は移行元カテゴリで最も新しいディールを探して移行します
// 移行先カテゴリに同名のディールが既にある場合は二重コピーせずにスキップします
func (s *TransferService) RunLatest() (*models.TransferReport, error) {
	if s.config.SourceCategoryID <= 0 {
		return nil, fmt.Errorf("SOURCE_CATEGORY_ID が設定されていません")
	}
	if s.config.TargetCategoryID <= 0 {
		return nil, fmt.Errorf("TARGET_CATEGORY_ID が設定されていません")
	}

	latestID, title, err := s.client.FindLatestDeal(s.config.SourceCategoryID)
	if err != nil {
		return nil, fmt.Errorf("最新ディールの取得エラー: %w", err)
	}
	if latestID == 0 {
		s.logger.Info().Int("category", s.config.SourceCategoryID).Msg("移行対象のディールがありません")
		return &models.TransferReport{}, nil
	}

	s.logger.Info().Int("deal_id", latestID).Str("title", title).Msg("最新ディールを検出しました")

	if s.config.DuplicateMatch == config.DuplicateMatchTitle {
		existingID, err := s.client.FindDealByTitle(s.config.TargetCategoryID, title)
		if err != nil {
			return nil, fmt.Errorf("重複チェックエラー: %w", err)
		}
		if existingID > 0 {
			s.logger.Info().
				Int("deal_id", latestID).
				Int("existing_deal_id", existingID).
				Msg("移行先に同名のディールが既に存在するためスキップします")
			return &models.TransferReport{SourceDealID: latestID, AlreadyExists: true}, nil
		}
	}

	return s.Run(latestID, s.config.TargetCategoryID)
}
