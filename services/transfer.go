package services

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bitrixtransfer/api"
	"bitrixtransfer/config"
	"bitrixtransfer/models"
	"bitrixtransfer/utils"
)

// dealExcludedFields はディール複製時にコピーしてはいけないフィールドの一覧です
// ID・カテゴリ・ステージをコピーすると、重複IDエラーか旧パイプライン位置への誤った紐付けが起こります
var dealExcludedFields = map[string]struct{}{
	"ID":            {},
	"CATEGORY_ID":   {},
	"STAGE_ID":      {},
	"DATE_CREATE":   {},
	"DATE_MODIFY":   {},
	"CREATED_BY_ID": {},
	"MODIFY_BY_ID":  {},
	"BEGINDATE":     {},
	"CLOSEDATE":     {},
	"ORIGINATOR_ID": {},
	"ORIGIN_ID":     {},
	"LEAD_ID":       {},
}

// TransferService はディールと子レコードの移行を処理します
type TransferService struct {
	config *config.Config
	client *api.BitrixClient
	logger zerolog.Logger
}

// NewTransferService は新しい移行サービスを作成します
func NewTransferService(cfg *config.Config, client *api.BitrixClient, logger zerolog.Logger) *TransferService {
	return &TransferService{
		config: cfg,
		client: client,
		logger: logger,
	}
}

// TaskTransferResult はタスク移行の結果を表します
type TaskTransferResult struct {
	Copied  int
	Failed  int
	Records []models.TransferRecord
}

// CloneDeal はディールを複製して移行先カテゴリに作成し、新しいIDを返します
// 除外フィールド以外は全てコピーし、CATEGORY_ID を移行先に強制します
func (s *TransferService) CloneDeal(sourceID, targetCategory int) (int, error) {
	deal, err := s.client.GetDeal(sourceID)
	if err != nil {
		return 0, fmt.Errorf("ディール %d の取得エラー: %w", sourceID, err)
	}

	newFields := make(models.DealFields, len(deal))
	for key, value := range deal {
		if _, excluded := dealExcludedFields[key]; excluded {
			continue
		}
		newFields[key] = value
	}
	newFields["CATEGORY_ID"] = targetCategory

	newDealID, err := s.client.AddDeal(newFields)
	if err != nil {
		return 0, fmt.Errorf("ディール作成エラー: %w", err)
	}

	s.logger.Info().
		Int("source_deal_id", sourceID).
		Int("new_deal_id", newDealID).
		Int("target_category", targetCategory).
		Msg("ディールを複製しました")

	return newDealID, nil
}

// TransferTasks は移行元ディールのタスクを移行先ディールに複製します
// 1件ごとの失敗はログに残してスキップし、残りの処理を続行します
func (s *TransferService) TransferTasks(sourceDealID, newDealID int) (*TaskTransferResult, error) {
	tasks, err := s.client.ListTasks(sourceDealID)
	if err != nil {
		return nil, fmt.Errorf("タスク一覧取得エラー: %w", err)
	}

	if len(tasks) == 0 {
		s.logger.Warn().Int("source_deal_id", sourceDealID).Msg("タスクが見つかりません (UF_CRM_TASK を確認してください)")
		return &TaskTransferResult{}, nil
	}

	s.logger.Info().Int("count", len(tasks)).Msg("タスクの複製を開始します")

	result := &TaskTransferResult{}
	var resultMutex sync.Mutex

	// セマフォとしてのチャネル（同時リクエスト数を制限）
	semaphore := make(chan struct{}, s.config.BatchSize)
	var wg sync.WaitGroup

	for _, task := range tasks {
		// IDが無いレコードは紐付けの壊れたデータとして読み飛ばす
		if task.ID <= 0 {
			s.logger.Warn().Str("title", task.Title).Msg("IDの無いタスクをスキップします")
			continue
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func(t models.Task) {
			defer wg.Done()
			defer func() { <-semaphore }()

			newTaskID, err := s.copyTask(t, newDealID)

			resultMutex.Lock()
			defer resultMutex.Unlock()

			if err != nil {
				s.logger.Error().Err(err).Int("task_id", t.ID).Msg("タスクの複製に失敗しました")
				result.Failed++
				return
			}

			result.Copied++
			result.Records = append(result.Records, models.TransferRecord{
				SourceID:    t.ID,
				NewID:       newTaskID,
				Status:      t.Status,
				ChangedDate: t.ChangedDate,
			})
		}(task)
	}

	wg.Wait()
	close(semaphore)

	s.logger.Info().Int("copied", result.Copied).Int("failed", result.Failed).Msg("タスクの複製が完了しました")
	return result, nil
}

// copyTask は1件のタスクを複製し、続けてチェックリストとコメントを順番に複製します
func (s *TransferService) copyTask(task models.Task, newDealID int) (int, error) {
	newTaskID, err := s.client.AddTask(s.buildTaskFields(task, newDealID))
	if err != nil {
		return 0, fmt.Errorf("タスク作成エラー: %w", err)
	}

	// チェックリストとコメントは同じタスク内では必ず順次実行する
	s.copyChecklist(task.ID, newTaskID)
	s.copyComments(task.ID, newTaskID)

	return newTaskID, nil
}

// buildTaskFields は移行先タスクのフィールドを組み立てます
// タイトル空白・不正な担当者IDはリモートのデータ品質として想定し、安全な既定値で補います
func (s *TransferService) buildTaskFields(task models.Task, newDealID int) map[string]interface{} {
	title := strings.TrimSpace(task.Title)
	if title == "" {
		title = fmt.Sprintf("Task #%d", task.ID)
	}

	responsibleID := task.ResponsibleID
	if responsibleID <= 0 {
		responsibleID = s.config.DefaultResponsibleID
	}

	fields := map[string]interface{}{
		"TITLE":          title,
		"DESCRIPTION":    task.Description,
		"RESPONSIBLE_ID": responsibleID,
		"UF_CRM_TASK":    []string{fmt.Sprintf("D_%d", newDealID)},
	}

	if task.Deadline != "" {
		fields["DEADLINE"] = task.Deadline
	}
	if task.Priority != "" {
		fields["PRIORITY"] = task.Priority
	}
	if task.StartDatePlan != "" {
		fields["START_DATE_PLAN"] = task.StartDatePlan
	}
	if task.EndDatePlan != "" {
		fields["END_DATE_PLAN"] = task.EndDatePlan
	}

	switch s.config.TaskStatusMode {
	case config.TaskStatusModeOpen:
		fields["STATUS"] = models.TaskStatusPending
	default:
		if task.Status > 0 {
			fields["STATUS"] = task.Status
		}
	}

	return fields
}

// copyChecklist は元タスクのチェックリスト項目を新タスクに複製します
func (s *TransferService) copyChecklist(sourceTaskID, newTaskID int) {
	items, err := s.client.ListChecklistItems(sourceTaskID)
	if err != nil {
		s.logger.Warn().Err(err).Int("task_id", sourceTaskID).Msg("チェックリスト取得に失敗しました")
		return
	}

	for _, item := range items {
		fields := map[string]interface{}{
			"TITLE":       item.Title,
			"IS_COMPLETE": item.IsComplete,
		}
		if err := s.client.AddChecklistItem(newTaskID, fields); err != nil {
			s.logger.Warn().Err(err).Int("task_id", newTaskID).Msg("チェックリスト項目の追加に失敗しました")
		}
	}
}

// copyComments は元タスクのコメントを新タスクに複製します (空のコメントは送らない)
func (s *TransferService) copyComments(sourceTaskID, newTaskID int) {
	comments, err := s.client.ListComments(sourceTaskID)
	if err != nil {
		s.logger.Warn().Err(err).Int("task_id", sourceTaskID).Msg("コメント取得に失敗しました")
		return
	}

	for _, comment := range comments {
		if strings.TrimSpace(comment.Message) == "" {
			continue
		}
		fields := map[string]interface{}{
			"POST_MESSAGE": comment.Message,
		}
		if err := s.client.AddComment(newTaskID, fields); err != nil {
			s.logger.Warn().Err(err).Int("task_id", newTaskID).Msg("コメントの追加に失敗しました")
		}
	}
}

// TransferActivities は移行元ディールのアクティビティを移行先ディールに複製します
// コピーしたアクティビティは設定に応じて未完了にリセットします
func (s *TransferService) TransferActivities(sourceDealID, newDealID int) (copied, failed int, err error) {
	activities, err := s.client.ListActivities(sourceDealID, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("アクティビティ一覧取得エラー: %w", err)
	}

	for _, activity := range activities {
		subject := strings.TrimSpace(activity.Subject)
		if subject == "" {
			subject = fmt.Sprintf("Activity #%d", activity.ID)
		}

		responsibleID := activity.ResponsibleID
		if responsibleID <= 0 {
			responsibleID = s.config.DefaultResponsibleID
		}

		completed := activity.Completed
		if s.config.ActivityResetCompleted || completed == "" {
			completed = "N"
		}

		communications := activity.Communications
		if communications == nil {
			communications = []interface{}{}
		}

		fields := map[string]interface{}{
			"SUBJECT":        subject,
			"TYPE_ID":        activity.TypeID,
			"DIRECTION":      activity.Direction,
			"START_TIME":     activity.StartTime,
			"END_TIME":       activity.EndTime,
			"RESPONSIBLE_ID": responsibleID,
			"DESCRIPTION":    activity.Description,
			"COMMUNICATIONS": communications,
			"COMPLETED":      completed,
			"OWNER_ID":       newDealID,
			"OWNER_TYPE_ID":  2,
		}

		if _, err := s.client.AddActivity(fields); err != nil {
			s.logger.Warn().Err(err).Str("subject", subject).Msg("アクティビティの複製に失敗しました")
			failed++
			continue
		}
		copied++
	}

	s.logger.Info().Int("copied", copied).Int("failed", failed).Msg("アクティビティの複製が完了しました")
	return copied, failed, nil
}

// applyReopenPolicy は移行後に必ず1件のオープンなタスクが残るように調整します
// 未完了タスクがあれば最も最近更新されたものを開き直し、
// 全て完了済み (またはタスク無し) の場合は最新アクティビティを参照するフォローアップタスクを作成します
func (s *TransferService) applyReopenPolicy(sourceDealID, newDealID int, records []models.TransferRecord) (reopenedID, followUpID int) {
	var latest *models.TransferRecord
	var latestTime time.Time

	for i := range records {
		record := &records[i]
		if record.Status == models.TaskStatusCompleted {
			continue
		}
		changed := parseBitrixTime(record.ChangedDate)
		if latest == nil || changed.After(latestTime) {
			latest = record
			latestTime = changed
		}
	}

	if latest != nil {
		err := s.client.UpdateTask(latest.NewID, map[string]interface{}{
			"STATUS": models.TaskStatusPending,
		})
		if err != nil {
			s.logger.Warn().Err(err).Int("task_id", latest.NewID).Msg("タスクの再オープンに失敗しました")
			return 0, 0
		}
		s.logger.Info().Int("task_id", latest.NewID).Msg("最新の未完了タスクを再オープンしました")
		return latest.NewID, 0
	}

	// 未完了タスクが1件も無い場合はフォローアップタスクを合成する
	followUpID = s.createFollowUpTask(sourceDealID, newDealID)
	return 0, followUpID
}

// createFollowUpTask は最新アクティビティを元にフォローアップタスクを作成します
func (s *TransferService) createFollowUpTask(sourceDealID, newDealID int) int {
	activities, err := s.client.ListActivities(sourceDealID, map[string]string{"END_TIME": "DESC"})
	if err != nil {
		s.logger.Warn().Err(err).Msg("フォローアップ用のアクティビティ取得に失敗しました")
		activities = nil
	}

	title := "Follow-up"
	responsibleID := s.config.DefaultResponsibleID
	fields := map[string]interface{}{
		"UF_CRM_TASK": []string{fmt.Sprintf("D_%d", newDealID)},
		"STATUS":      models.TaskStatusPending,
	}

	if len(activities) > 0 {
		latest := activities[0]
		if subject := strings.TrimSpace(latest.Subject); subject != "" {
			title = fmt.Sprintf("Follow-up: %s", subject)
		}
		if latest.ResponsibleID > 0 {
			responsibleID = latest.ResponsibleID
		}
		if latest.EndTime != "" {
			fields["DEADLINE"] = latest.EndTime
		}
	}

	fields["TITLE"] = title
	fields["RESPONSIBLE_ID"] = responsibleID

	taskID, err := s.client.AddTask(fields)
	if err != nil {
		s.logger.Warn().Err(err).Msg("フォローアップタスクの作成に失敗しました")
		return 0
	}

	s.logger.Info().Int("task_id", taskID).Str("title", title).Msg("フォローアップタスクを作成しました")
	return taskID
}

// Run は1件のディール移行の全工程を実行します
func (s *TransferService) Run(sourceDealID, targetCategory int) (*models.TransferReport, error) {
	startTime := time.Now()
	defer utils.TrackTime(s.logger, startTime, "移行処理")

	s.logger.Info().
		Int("source_deal_id", sourceDealID).
		Int("target_category", targetCategory).
		Msg("ディール移行を開始します")

	newDealID, err := s.CloneDeal(sourceDealID, targetCategory)
	if err != nil {
		return nil, err
	}

	report := &models.TransferReport{
		SourceDealID: sourceDealID,
		NewDealID:    newDealID,
	}

	taskResult, err := s.TransferTasks(sourceDealID, newDealID)
	if err != nil {
		return nil, err
	}
	report.TasksCopied = taskResult.Copied
	report.TasksFailed = taskResult.Failed

	activitiesCopied, activitiesFailed, err := s.TransferActivities(sourceDealID, newDealID)
	if err != nil {
		return nil, err
	}
	report.ActivitiesCopied = activitiesCopied
	report.ActivitiesFailed = activitiesFailed

	report.ReopenedTaskID, report.FollowUpTaskID = s.applyReopenPolicy(sourceDealID, newDealID, taskResult.Records)

	s.logger.Info().
		Int("new_deal_id", newDealID).
		Int("tasks_copied", report.TasksCopied).
		Int("activities_copied", report.ActivitiesCopied).
		Msg("ディール移行が完了しました")

	return report, nil
}

// parseBitrixTime はBitrixの日時文字列を time.Time に変換します (解析不能ならゼロ値)
func parseBitrixTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
