package models

// DealFields はディールのフィールド一式を表します (UF_* のカスタムフィールドを含むため map で保持)
type DealFields map[string]interface{}

// タスクステータス定数 (Bitrix タスクのライフサイクル)
const (
	TaskStatusNew                 = 1
	TaskStatusPending             = 2
	TaskStatusInProgress          = 3
	TaskStatusSupposedlyCompleted = 4
	TaskStatusCompleted           = 5
	TaskStatusDeferred            = 6
)

// Task はディールに紐づくタスクを表します
type Task struct {
	ID            int
	Title         string
	Description   string
	ResponsibleID int
	Deadline      string
	Priority      string
	StartDatePlan string
	EndDatePlan   string
	Status        int
	ChangedDate   string
}

// ChecklistItem はタスクのチェックリスト項目を表します
type ChecklistItem struct {
	ID         int
	Title      string
	IsComplete string // "Y" / "N"
}

// Comment はタスクのコメントを表します
type Comment struct {
	ID      int
	Message string
}

// Activity はディールに紐づくアクティビティ (電話・会議など) を表します
type Activity struct {
	ID             int
	Subject        string
	TypeID         string
	Direction      string
	StartTime      string
	EndTime        string
	ResponsibleID  int
	Description    string
	Communications []interface{}
	Completed      string // "Y" / "N"
}

// TransferRecord は1回の移行中に作成したタスクの対応を表します (メモリ上のみ、永続化しない)
type TransferRecord struct {
	SourceID    int
	NewID       int
	Status      int
	ChangedDate string
}

// TransferReport は1件のディール移行の結果を表します
type TransferReport struct {
	SourceDealID     int  `json:"source_deal_id"`
	NewDealID        int  `json:"new_deal_id,omitempty"`
	TasksCopied      int  `json:"tasks_copied"`
	TasksFailed      int  `json:"tasks_failed"`
	ActivitiesCopied int  `json:"activities_copied"`
	ActivitiesFailed int  `json:"activities_failed"`
	ReopenedTaskID   int  `json:"reopened_task_id,omitempty"`
	FollowUpTaskID   int  `json:"follow_up_task_id,omitempty"`
	AlreadyExists    bool `json:"already_exists,omitempty"`
}
