package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"bitrixtransfer/config"
	"bitrixtransfer/models"
)

// ErrDealNotFound はディールの取得結果が空だった場合のエラーです
var ErrDealNotFound = errors.New("ディールが見つかりません")

// RemoteError はBitrix側のエラー応答を表します
type RemoteError struct {
	Method      string
	Code        string
	Description string
}

func (e *RemoteError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Method, e.Description, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Method, e.Code)
}

// envelope はBitrix REST の共通レスポンス形式です
type envelope struct {
	Result           json.RawMessage `json:"result"`
	Next             *int            `json:"next"`
	Total            int             `json:"total"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// BitrixClient はBitrix REST APIとのやり取りを処理します
type BitrixClient struct {
	config *config.Config
	client *http.Client
	logger zerolog.Logger
}

// NewBitrixClient は新しいBitrixクライアントを作成します
func NewBitrixClient(cfg *config.Config, logger zerolog.Logger) *BitrixClient {
	return &BitrixClient{
		config: cfg,
		client: &http.Client{},
		logger: logger,
	}
}

// Call は1つのリモート操作を実行し、結果ペイロードを返します
// asQuery が true の場合はパラメータをクエリ文字列として、false の場合はJSONボディとして送ります
// (操作によって受け付ける形式が異なるため呼び出し側で指定)
func (b *BitrixClient) Call(method string, params map[string]interface{}, asQuery bool) (json.RawMessage, error) {
	env, err := b.call(method, params, asQuery)
	if err != nil {
		return nil, err
	}
	return env.Result, nil
}

func (b *BitrixClient) call(method string, params map[string]interface{}, asQuery bool) (*envelope, error) {
	endpoint := fmt.Sprintf("%s/%s", b.config.BitrixURL, method)

	var body io.Reader
	if asQuery {
		values := url.Values{}
		encodeParams(values, "", params)
		if query := values.Encode(); query != "" {
			endpoint = endpoint + "?" + query
		}
	} else {
		payload, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%s: JSONエンコードエラー: %w", method, err)
		}
		body = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequest("POST", endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%s: リクエスト作成エラー: %w", method, err)
	}
	if !asQuery {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: リクエスト送信エラー: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: レスポンス読み取りエラー: %w", method, err)
	}

	b.logger.Debug().
		Str("method", method).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Bitrix API 呼び出し")

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, string(raw))
		}
		return nil, fmt.Errorf("%s: レスポンス解析エラー: %w", method, err)
	}

	if env.Error != "" {
		return nil, &RemoteError{Method: method, Code: env.Error, Description: env.ErrorDescription}
	}

	return &env, nil
}

// ListAll はカーソルを進めながら一覧操作を繰り返し、全件を取得します
// resultKey が空でない場合、結果オブジェクト内のそのキー配下の配列を読みます (例: "tasks")
// MaxPages を超えた場合はエラーになります (リモートが next を返し続けても無限ループしない)
func (b *BitrixClient) ListAll(method string, params map[string]interface{}, resultKey string) ([]map[string]interface{}, error) {
	var all []map[string]interface{}
	start := 0

	for page := 0; ; page++ {
		if page >= b.config.MaxPages {
			return nil, fmt.Errorf("%s: ページ数が上限 %d に達しました", method, b.config.MaxPages)
		}

		// 元のパラメータを書き換えないようにコピーして start を付与
		pageParams := make(map[string]interface{}, len(params)+1)
		for k, v := range params {
			pageParams[k] = v
		}
		pageParams["start"] = start

		env, err := b.call(method, pageParams, true)
		if err != nil {
			return nil, err
		}

		chunk, err := decodeItems(env.Result, resultKey)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		all = append(all, chunk...)

		if env.Next == nil {
			break
		}
		start = *env.Next
	}

	return all, nil
}

// decodeItems は一覧レスポンスから要素の配列を取り出します
func decodeItems(result json.RawMessage, resultKey string) ([]map[string]interface{}, error) {
	if isEmptyResult(result) {
		return nil, nil
	}

	raw := result
	if resultKey != "" {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(result, &wrapper); err != nil {
			return nil, fmt.Errorf("一覧の解析エラー: %w", err)
		}
		inner, ok := wrapper[resultKey]
		if !ok {
			return nil, nil
		}
		raw = inner
	}

	var items []map[string]interface{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("一覧の解析エラー: %w", err)
	}
	return items, nil
}

// GetDeal はディールを1件取得します
func (b *BitrixClient) GetDeal(dealID int) (models.DealFields, error) {
	env, err := b.call("crm.deal.get", map[string]interface{}{"id": dealID}, true)
	if err != nil {
		var remoteErr *RemoteError
		if errors.As(err, &remoteErr) && strings.EqualFold(remoteErr.Code, "NOT_FOUND") {
			return nil, ErrDealNotFound
		}
		return nil, err
	}

	if isEmptyResult(env.Result) {
		return nil, ErrDealNotFound
	}

	var fields models.DealFields
	if err := json.Unmarshal(env.Result, &fields); err != nil {
		return nil, fmt.Errorf("crm.deal.get: レスポンス解析エラー: %w", err)
	}
	return fields, nil
}

// AddDeal は新しいディールを作成し、割り当てられたIDを返します
func (b *BitrixClient) AddDeal(fields models.DealFields) (int, error) {
	env, err := b.call("crm.deal.add", map[string]interface{}{"fields": fields}, false)
	if err != nil {
		return 0, err
	}

	id := decodeID(env.Result, "id")
	if id <= 0 {
		return 0, fmt.Errorf("crm.deal.add: 新しいディールIDを取得できません")
	}
	return id, nil
}

// ListDeals はフィルタに一致するディールを全ページ取得します
func (b *BitrixClient) ListDeals(filter map[string]interface{}, order map[string]string, sel []string) ([]models.DealFields, error) {
	params := map[string]interface{}{"filter": filter}
	if order != nil {
		params["order"] = order
	}
	if len(sel) > 0 {
		params["select"] = sel
	}

	items, err := b.ListAll("crm.deal.list", params, "")
	if err != nil {
		return nil, err
	}

	deals := make([]models.DealFields, 0, len(items))
	for _, item := range items {
		deals = append(deals, models.DealFields(item))
	}
	return deals, nil
}

// FindLatestDeal はカテゴリ内で最も新しく作成されたディールを返します (無ければ ID 0)
func (b *BitrixClient) FindLatestDeal(categoryID int) (int, string, error) {
	env, err := b.call("crm.deal.list", map[string]interface{}{
		"filter": map[string]interface{}{"CATEGORY_ID": categoryID},
		"order":  map[string]string{"DATE_CREATE": "DESC"},
		"select": []string{"ID", "TITLE", "DATE_CREATE"},
	}, true)
	if err != nil {
		return 0, "", err
	}

	items, err := decodeItems(env.Result, "")
	if err != nil {
		return 0, "", fmt.Errorf("crm.deal.list: %w", err)
	}
	if len(items) == 0 {
		return 0, "", nil
	}

	return asInt(items[0]["ID"]), asString(items[0]["TITLE"]), nil
}

// FindDealByTitle は指定カテゴリに同名のディールが存在するかを調べます (無ければ 0)
func (b *BitrixClient) FindDealByTitle(categoryID int, title string) (int, error) {
	deals, err := b.ListDeals(map[string]interface{}{
		"CATEGORY_ID": categoryID,
		"TITLE":       title,
	}, nil, []string{"ID", "TITLE"})
	if err != nil {
		return 0, err
	}
	if len(deals) == 0 {
		return 0, nil
	}

	return asInt(deals[0]["ID"]), nil
}

// タスク一覧取得時に要求するフィールド
var taskSelectFields = []string{
	"ID", "TITLE", "DESCRIPTION", "RESPONSIBLE_ID", "DEADLINE",
	"PRIORITY", "START_DATE_PLAN", "END_DATE_PLAN", "STATUS", "CHANGED_DATE",
}

// ListTasks は指定ディールに紐づくタスクを全ページ取得します
// 紐付けは UF_CRM_TASK の "D_<ディールID>" タグで判定します
func (b *BitrixClient) ListTasks(dealID int) ([]models.Task, error) {
	params := map[string]interface{}{
		"filter": map[string]interface{}{
			"UF_CRM_TASK": fmt.Sprintf("D_%d", dealID),
		},
		"select": taskSelectFields,
	}

	items, err := b.ListAll("tasks.task.list", params, "tasks")
	if err != nil {
		return nil, err
	}

	tasks := make([]models.Task, 0, len(items))
	for _, item := range items {
		tasks = append(tasks, parseTask(item))
	}
	return tasks, nil
}

// AddTask は新しいタスクを作成し、割り当てられたIDを返します
func (b *BitrixClient) AddTask(fields map[string]interface{}) (int, error) {
	env, err := b.call("tasks.task.add", map[string]interface{}{"fields": fields}, false)
	if err != nil {
		return 0, err
	}

	// 結果は {"task": {"id": N}} 形式
	var result map[string]interface{}
	if err := json.Unmarshal(env.Result, &result); err == nil {
		if task, ok := result["task"].(map[string]interface{}); ok {
			if id := asInt(task["id"]); id > 0 {
				return id, nil
			}
		}
	}

	if id := decodeID(env.Result, "id"); id > 0 {
		return id, nil
	}
	return 0, fmt.Errorf("tasks.task.add: 新しいタスクIDを取得できません")
}

// UpdateTask は既存タスクのフィールドを更新します
func (b *BitrixClient) UpdateTask(taskID int, fields map[string]interface{}) error {
	_, err := b.call("tasks.task.update", map[string]interface{}{
		"taskId": taskID,
		"fields": fields,
	}, false)
	return err
}

// ListChecklistItems はタスクのチェックリスト項目を取得します
func (b *BitrixClient) ListChecklistItems(taskID int) ([]models.ChecklistItem, error) {
	env, err := b.call("task.checklistitem.getlist", map[string]interface{}{"taskId": taskID}, true)
	if err != nil {
		return nil, err
	}

	items, err := decodeItems(env.Result, "")
	if err != nil {
		return nil, fmt.Errorf("task.checklistitem.getlist: %w", err)
	}

	checklist := make([]models.ChecklistItem, 0, len(items))
	for _, item := range items {
		checklist = append(checklist, models.ChecklistItem{
			ID:         asInt(field(item, "ID", "id")),
			Title:      asString(field(item, "TITLE", "title")),
			IsComplete: asString(field(item, "IS_COMPLETE", "isComplete")),
		})
	}
	return checklist, nil
}

// AddChecklistItem はタスクにチェックリスト項目を追加します
func (b *BitrixClient) AddChecklistItem(taskID int, fields map[string]interface{}) error {
	_, err := b.call("task.checklistitem.add", map[string]interface{}{
		"taskId": taskID,
		"fields": fields,
	}, false)
	return err
}

// ListComments はタスクのコメントを取得します
func (b *BitrixClient) ListComments(taskID int) ([]models.Comment, error) {
	env, err := b.call("task.commentitem.getlist", map[string]interface{}{"taskId": taskID}, true)
	if err != nil {
		return nil, err
	}

	items, err := decodeItems(env.Result, "")
	if err != nil {
		return nil, fmt.Errorf("task.commentitem.getlist: %w", err)
	}

	comments := make([]models.Comment, 0, len(items))
	for _, item := range items {
		comments = append(comments, models.Comment{
			ID:      asInt(field(item, "ID", "id")),
			Message: asString(field(item, "POST_MESSAGE", "postMessage")),
		})
	}
	return comments, nil
}

// AddComment はタスクにコメントを追加します
func (b *BitrixClient) AddComment(taskID int, fields map[string]interface{}) error {
	_, err := b.call("task.commentitem.add", map[string]interface{}{
		"taskId": taskID,
		"fields": fields,
	}, false)
	return err
}

// ディールのオーナータイプID (Bitrix CRM の固定値)
const ownerTypeDeal = 2

// ListActivities は指定ディールに紐づくアクティビティを全ページ取得します
func (b *BitrixClient) ListActivities(dealID int, order map[string]string) ([]models.Activity, error) {
	params := map[string]interface{}{
		"filter": map[string]interface{}{
			"OWNER_TYPE_ID": ownerTypeDeal,
			"OWNER_ID":      dealID,
		},
	}
	if order != nil {
		params["order"] = order
	}

	items, err := b.ListAll("crm.activity.list", params, "")
	if err != nil {
		return nil, err
	}

	activities := make([]models.Activity, 0, len(items))
	for _, item := range items {
		activities = append(activities, parseActivity(item))
	}
	return activities, nil
}

// AddActivity は新しいアクティビティを作成し、割り当てられたIDを返します
func (b *BitrixClient) AddActivity(fields map[string]interface{}) (int, error) {
	env, err := b.call("crm.activity.add", map[string]interface{}{"fields": fields}, false)
	if err != nil {
		return 0, err
	}

	id := decodeID(env.Result, "id")
	if id <= 0 {
		return 0, fmt.Errorf("crm.activity.add: 新しいアクティビティIDを取得できません")
	}
	return id, nil
}

// encodeParams は map をBitrix RESTが受け付けるブラケット記法のクエリに直列化します
// 例: filter[UF_CRM_TASK]=D_12, select[0]=ID
func encodeParams(values url.Values, prefix string, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		for key, item := range val {
			name := key
			if prefix != "" {
				name = fmt.Sprintf("%s[%s]", prefix, key)
			}
			encodeParams(values, name, item)
		}
	case map[string]string:
		for key, item := range val {
			name := key
			if prefix != "" {
				name = fmt.Sprintf("%s[%s]", prefix, key)
			}
			values.Set(name, item)
		}
	case []string:
		for i, item := range val {
			values.Set(fmt.Sprintf("%s[%d]", prefix, i), item)
		}
	case []interface{}:
		for i, item := range val {
			encodeParams(values, fmt.Sprintf("%s[%d]", prefix, i), item)
		}
	case nil:
		// 何も送らない
	default:
		values.Set(prefix, fmt.Sprintf("%v", val))
	}
}

// isEmptyResult は結果ペイロードが「見つからなかった」ことを表すかどうかを判定します
func isEmptyResult(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null" || s == "false" || s == "[]"
}

// decodeID は数値・文字列・{"id": N} のいずれかの形で返るIDを取り出します
func decodeID(raw json.RawMessage, key string) int {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0
	}
	if m, ok := value.(map[string]interface{}); ok {
		return asInt(m[key])
	}
	return asInt(value)
}

// parseTask はタスク一覧レスポンスの1要素を Task に変換します
// (tasks.task.list はキーをcamelCaseで返すが、念のため大文字キーも見る)
func parseTask(m map[string]interface{}) models.Task {
	return models.Task{
		ID:            asInt(field(m, "id", "ID")),
		Title:         asString(field(m, "title", "TITLE")),
		Description:   asString(field(m, "description", "DESCRIPTION")),
		ResponsibleID: asInt(field(m, "responsibleId", "RESPONSIBLE_ID")),
		Deadline:      asString(field(m, "deadline", "DEADLINE")),
		Priority:      asString(field(m, "priority", "PRIORITY")),
		StartDatePlan: asString(field(m, "startDatePlan", "START_DATE_PLAN")),
		EndDatePlan:   asString(field(m, "endDatePlan", "END_DATE_PLAN")),
		Status:        asInt(field(m, "status", "STATUS")),
		ChangedDate:   asString(field(m, "changedDate", "CHANGED_DATE")),
	}
}

// parseActivity はアクティビティ一覧レスポンスの1要素を Activity に変換します
func parseActivity(m map[string]interface{}) models.Activity {
	communications, _ := m["COMMUNICATIONS"].([]interface{})
	return models.Activity{
		ID:             asInt(field(m, "ID", "id")),
		Subject:        asString(m["SUBJECT"]),
		TypeID:         asString(m["TYPE_ID"]),
		Direction:      asString(m["DIRECTION"]),
		StartTime:      asString(m["START_TIME"]),
		EndTime:        asString(m["END_TIME"]),
		ResponsibleID:  asInt(m["RESPONSIBLE_ID"]),
		Description:    asString(m["DESCRIPTION"]),
		Communications: communications,
		Completed:      asString(m["COMPLETED"]),
	}
}

// field は複数の候補キーから最初に存在する値を返します
func field(m map[string]interface{}, keys ...string) interface{} {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return nil
}

// asInt は数値・数値文字列のいずれでも int に変換します (変換できない場合は 0)
func asInt(v interface{}) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
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

// asString は値を文字列に変換します (nil は空文字)
func asString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
