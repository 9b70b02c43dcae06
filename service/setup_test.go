package service

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"realtime-election-backend/database"
	"realtime-election-backend/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB 为每个测试创建独立的内存SQLite数据库。
// 命名的共享内存库保证连接池里的所有连接看到同一份数据。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// recordingPublisher 记录广播层收到的所有事件, 供断言
type recordingPublisher struct {
	mu        sync.Mutex
	lifecycle []models.LifecycleEvent
	tallies   []models.TallyEvent
}

func (p *recordingPublisher) PublishLifecycle(ev models.LifecycleEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lifecycle = append(p.lifecycle, ev)
}

func (p *recordingPublisher) PublishTally(ev models.TallyEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tallies = append(p.tallies, ev)
}

func (p *recordingPublisher) lifecycleEvents() []models.LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.LifecycleEvent, len(p.lifecycle))
	copy(out, p.lifecycle)
	return out
}

func (p *recordingPublisher) tallyEvents() []models.TallyEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.TallyEvent, len(p.tallies))
	copy(out, p.tallies)
	return out
}

// seedEvent 创建一个活动和数个合格投票人, quotas是每人的票数配额
func seedEvent(t *testing.T, db *gorm.DB, async bool, quotas ...int) (*models.Event, []models.EventUser) {
	t.Helper()
	event := models.Event{Title: "Test assembly", Async: async}
	if async {
		end := time.Now().Add(24 * time.Hour)
		event.EndDatetime = &end
	}
	require.NoError(t, db.Create(&event).Error)

	users := make([]models.EventUser, 0, len(quotas))
	for i, quota := range quotas {
		user := models.EventUser{
			EventID:     event.ID,
			Username:    fmt.Sprintf("voter-%d", i+1),
			VoteAmount:  quota,
			AllowToVote: true,
			Verified:    true,
		}
		require.NoError(t, db.Create(&user).Error)
		users = append(users, user)
	}
	return &event, users
}

// seedPoll 为活动创建一个单选定义, 含Yes/No两个预定义答案
func seedPoll(t *testing.T, db *gorm.DB, eventID uint, visibility models.Visibility) *models.Poll {
	t.Helper()
	poll := models.Poll{
		EventID:    eventID,
		Title:      "Board election",
		PollText:   "Who should chair the board?",
		AnswerType: models.SingleChoice,
		Visibility: visibility,
		MinVotes:   1,
		MaxVotes:   1,
	}
	require.NoError(t, db.Create(&poll).Error)
	for _, content := range []string{"Yes", "No"} {
		require.NoError(t, db.Create(&models.PossibleAnswer{PollID: poll.ID, Content: content}).Error)
	}
	return &poll
}
