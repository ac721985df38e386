package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitrixtransfer/api"
	"bitrixtransfer/config"
	"bitrixtransfer/services"
)

// fakeCRM はWebhookテスト用の最小限のBitrixサーバーです
type fakeCRM struct {
	mu         sync.Mutex
	deals      map[int]map[string]interface{}
	nextDealID int
	nextTaskID int
}

func (f *fakeCRM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	method := strings.TrimPrefix(r.URL.Path, "/")
	writeResult := func(result interface{}) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": result})
	}

	switch method {
	case "crm.deal.get":
		id, _ := strconv.Atoi(r.URL.Query().Get("id"))
		deal, ok := f.deals[id]
		if !ok {
			writeResult(nil)
			return
		}
		writeResult(deal)
	case "crm.deal.add":
		id := f.nextDealID
		f.nextDealID++
		writeResult(id)
	case "tasks.task.list":
		writeResult(map[string]interface{}{"tasks": []map[string]interface{}{}})
	case "tasks.task.add":
		id := f.nextTaskID
		f.nextTaskID++
		writeResult(map[string]interface{}{"task": map[string]interface{}{"id": id}})
	case "crm.activity.list":
		writeResult([]map[string]interface{}{})
	default:
		writeResult(nil)
	}
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := &fakeCRM{
		deals: map[int]map[string]interface{}{
			12: {"ID": "12", "TITLE": "案件A", "CATEGORY_ID": "1"},
			13: {"ID": "13", "TITLE": "案件B", "CATEGORY_ID": "1"},
		},
		nextDealID: 1000,
		nextTaskID: 2000,
	}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	cfg := &config.Config{
		BitrixURL:            server.URL,
		TargetCategoryID:     7,
		DefaultResponsibleID: 1,
		BatchSize:            3,
		MaxPages:             10,
		TaskStatusMode:       config.TaskStatusModePreserve,
	}
	client := api.NewBitrixClient(cfg, zerolog.Nop())
	service := services.NewTransferService(cfg, client, zerolog.Nop())

	return newRouter(cfg, service, zerolog.Nop())
}

func TestHealthcheck(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthcheck", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestTransferHandler_MissingDealID(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransferHandler_SingleDeal(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(`{"deal_id": 12}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		OK      bool `json:"ok"`
		Results []struct {
			DealID int  `json:"deal_id"`
			OK     bool `json:"ok"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.True(t, response.OK)
	require.Len(t, response.Results, 1)
	assert.Equal(t, 12, response.Results[0].DealID)
	assert.True(t, response.Results[0].OK)
}

func TestTransferHandler_ListMode(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"deal_id": [12, "13"]}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		OK      bool             `json:"ok"`
		Results []map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.True(t, response.OK)
	assert.Len(t, response.Results, 2)
}

func TestTransferHandler_DealNotFound(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"deal_id": 999}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestParseDealIDs(t *testing.T) {
	ids, err := parseDealIDs(json.RawMessage(`12`))
	require.NoError(t, err)
	assert.Equal(t, []int{12}, ids)

	ids, err = parseDealIDs(json.RawMessage(`"34"`))
	require.NoError(t, err)
	assert.Equal(t, []int{34}, ids)

	ids, err = parseDealIDs(json.RawMessage(`[1, 2, 3]`))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ids)

	_, err = parseDealIDs(nil)
	require.Error(t, err)

	_, err = parseDealIDs(json.RawMessage(`[]`))
	require.Error(t, err)

	_, err = parseDealIDs(json.RawMessage(`"abc"`))
	require.Error(t, err)
}
