package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitrixtransfer/config"
)

func newTestClient(t *testing.T, handler http.Handler, maxPages int) *BitrixClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.Config{
		BitrixURL:            server.URL,
		DefaultResponsibleID: 1,
		BatchSize:            3,
		MaxPages:             maxPages,
	}
	return NewBitrixClient(cfg, zerolog.Nop())
}

func writeEnvelope(w http.ResponseWriter, result interface{}, next *int) {
	payload := map[string]interface{}{"result": result}
	if next != nil {
		payload["next"] = *next
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func TestCall_NormalizesErrorEnvelope(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "ERROR_CORE",
			"error_description": "Access denied",
		})
	}), 10)

	_, err := client.Call("crm.deal.get", map[string]interface{}{"id": 1}, true)
	require.Error(t, err)

	var remoteErr *RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, "crm.deal.get", remoteErr.Method)
	assert.Equal(t, "ERROR_CORE", remoteErr.Code)
	assert.Equal(t, "Access denied", remoteErr.Description)
}

func TestListAll_AccumulatesAllPages(t *testing.T) {
	pages := map[string]struct {
		tasks []map[string]interface{}
		next  *int
	}{
		"0": {tasks: []map[string]interface{}{{"id": "1"}, {"id": "2"}}, next: intPtr(2)},
		"2": {tasks: []map[string]interface{}{{"id": "3"}, {"id": "4"}}, next: intPtr(4)},
		"4": {tasks: []map[string]interface{}{{"id": "5"}}},
	}

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := r.URL.Query().Get("start")
		if start == "" {
			start = "0"
		}
		page, ok := pages[start]
		if !ok {
			t.Errorf("想定外のカーソル: %s", start)
			writeEnvelope(w, map[string]interface{}{"tasks": nil}, nil)
			return
		}
		writeEnvelope(w, map[string]interface{}{"tasks": page.tasks}, page.next)
	}), 10)

	items, err := client.ListAll("tasks.task.list", map[string]interface{}{}, "tasks")
	require.NoError(t, err)
	require.Len(t, items, 5)

	for i, item := range items {
		assert.Equal(t, fmt.Sprintf("%d", i+1), item["id"], "ページ順に並んでいること")
	}
}

func TestListAll_FailsPastPageCeiling(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 常に next を返し続ける壊れたリモートを模倣する
		writeEnvelope(w, []map[string]interface{}{{"ID": "1"}}, intPtr(1))
	}), 3)

	_, err := client.ListAll("crm.activity.list", map[string]interface{}{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ページ数が上限")
}

func TestGetDeal_NotFoundOnEmptyResult(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, nil, nil)
	}), 10)

	_, err := client.GetDeal(999)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDealNotFound)
}

func TestGetDeal_ReturnsFields(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "12", r.URL.Query().Get("id"))
		writeEnvelope(w, map[string]interface{}{
			"ID":        "12",
			"TITLE":     "テスト案件",
			"UF_CRM_XY": "custom",
		}, nil)
	}), 10)

	deal, err := client.GetDeal(12)
	require.NoError(t, err)
	assert.Equal(t, "テスト案件", deal["TITLE"])
	assert.Equal(t, "custom", deal["UF_CRM_XY"])
}

func TestListTasks_SendsBackReferenceFilter(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		assert.Equal(t, "D_12", query.Get("filter[UF_CRM_TASK]"))
		assert.Equal(t, "ID", query.Get("select[0]"))

		writeEnvelope(w, map[string]interface{}{
			"tasks": []map[string]interface{}{
				{
					"id":            "7",
					"title":         "電話する",
					"responsibleId": "55",
					"status":        "5",
					"changedDate":   "2024-06-01T10:00:00+03:00",
				},
			},
		}, nil)
	}), 10)

	tasks, err := client.ListTasks(12)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	assert.Equal(t, 7, tasks[0].ID)
	assert.Equal(t, "電話する", tasks[0].Title)
	assert.Equal(t, 55, tasks[0].ResponsibleID)
	assert.Equal(t, 5, tasks[0].Status)
	assert.Equal(t, "2024-06-01T10:00:00+03:00", tasks[0].ChangedDate)
}

func TestAddTask_DecodesNestedID(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("リクエストボディの解析エラー: %v", err)
		}
		fields, _ := body["fields"].(map[string]interface{})
		assert.Equal(t, "新しいタスク", fields["TITLE"])

		writeEnvelope(w, map[string]interface{}{"task": map[string]interface{}{"id": "321"}}, nil)
	}), 10)

	id, err := client.AddTask(map[string]interface{}{"TITLE": "新しいタスク"})
	require.NoError(t, err)
	assert.Equal(t, 321, id)
}

func TestAddDeal_DecodesScalarID(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 77, nil)
	}), 10)

	id, err := client.AddDeal(map[string]interface{}{"TITLE": "案件"})
	require.NoError(t, err)
	assert.Equal(t, 77, id)
}

func TestFindDealByTitle(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		assert.Equal(t, "7", query.Get("filter[CATEGORY_ID]"))
		assert.Equal(t, "案件A", query.Get("filter[TITLE]"))
		writeEnvelope(w, []map[string]interface{}{{"ID": "44", "TITLE": "案件A"}}, nil)
	}), 10)

	id, err := client.FindDealByTitle(7, "案件A")
	require.NoError(t, err)
	assert.Equal(t, 44, id)
}

func intPtr(v int) *int {
	return &v
}
