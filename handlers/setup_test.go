package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"realtime-election-backend/broadcast"
	"realtime-election-backend/cache"
	"realtime-election-backend/database"
	"realtime-election-backend/models"
	"realtime-election-backend/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestEnvironment wires the full handler stack against an in-memory
// SQLite database. 每个测试使用独立命名的共享内存库。
func SetupTestEnvironment(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	testing.Init()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	prevDB := database.DB
	database.DB = db

	engine := service.NewEngine(db, nil, nil)
	resultCache := cache.NewResultCache(engine.Snapshots).
		WithRefreshInterval(time.Hour, time.Hour)
	hub := broadcast.NewHub()

	InitHandlers(engine, resultCache, hub, nil)

	t.Cleanup(func() {
		resultCache.Stop()
		database.DB = prevDB
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	})

	router := gin.New()
	api := router.Group("/api")
	{
		api.GET("/health", HealthCheck)

		events := api.Group("/events")
		{
			events.POST("", CreateEvent)
			events.GET("", GetEvents)
			events.GET("/:id", GetEvent)
			events.POST("/:id/finish", FinishEvent)
			events.POST("/:id/users", CreateEventUser)
			events.GET("/:id/users", GetEventUsers)
			events.PUT("/:id/users/:userId", UpdateEventUser)
			events.GET("/:id/polls", GetPolls)
			events.GET("/:id/results", GetEventLiveResults)
			events.GET("/:id/results/:resultId", GetLiveResult)
		}

		polls := api.Group("/polls")
		{
			polls.POST("", CreatePoll)
			polls.GET("/:id", GetPoll)
			polls.PUT("/:id", UpdatePoll)
			polls.DELETE("/:id", DeletePoll)
			polls.POST("/:id/start", StartPoll)
		}

		results := api.Group("/poll-results")
		{
			results.POST("/:resultId/stop", StopPoll)
			results.POST("/:resultId/answer", SubmitAnswer)
			results.POST("/:resultId/bulk-answer", SubmitBulkAnswer)
		}
	}

	return router, db
}

// doJSON 发送一个JSON请求并返回响应记录器
func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// seedReadyPoll 创建活动、一个合格投票人和一个单选定义
func seedReadyPoll(t *testing.T, db *gorm.DB, quota int) (*models.Event, *models.EventUser, *models.Poll) {
	t.Helper()
	event := models.Event{Title: "General assembly"}
	require.NoError(t, db.Create(&event).Error)

	user := models.EventUser{
		EventID:     event.ID,
		Username:    "alice",
		VoteAmount:  quota,
		AllowToVote: true,
		Verified:    true,
	}
	require.NoError(t, db.Create(&user).Error)

	poll := models.Poll{
		EventID:    event.ID,
		Title:      "Budget 2026",
		PollText:   "Approve the budget?",
		AnswerType: models.SingleChoice,
		Visibility: models.Public,
		MinVotes:   1,
		MaxVotes:   1,
	}
	require.NoError(t, db.Create(&poll).Error)
	for _, content := range []string{"Yes", "No"} {
		require.NoError(t, db.Create(&models.PossibleAnswer{PollID: poll.ID, Content: content}).Error)
	}
	return &event, &user, &poll
}
