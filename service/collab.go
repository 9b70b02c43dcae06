package service

import (
	"context"
	"errors"

	"realtime-election-backend/models"

	"gorm.io/gorm"
)

// VoterLookup 查询投票人配额与资格的协作接口
type VoterLookup interface {
	// FindVoter 根据ID查询活动用户
	FindVoter(ctx context.Context, eventUserID uint) (*models.EventUser, error)

	// EligibleVoters 返回活动中所有有投票资格的用户(voteAmount > 0)
	EligibleVoters(ctx context.Context, eventID uint) ([]models.EventUser, error)
}

// EventLookup 查询活动同步/异步标志的协作接口
type EventLookup interface {
	FindEvent(ctx context.Context, eventID uint) (*models.Event, error)
}

// GormVoterLookup 基于GORM的VoterLookup实现
type GormVoterLookup struct {
	db *gorm.DB
}

func NewGormVoterLookup(db *gorm.DB) *GormVoterLookup {
	return &GormVoterLookup{db: db}
}

func (l *GormVoterLookup) FindVoter(ctx context.Context, eventUserID uint) (*models.EventUser, error) {
	var user models.EventUser
	if err := l.db.WithContext(ctx).First(&user, eventUserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVoterNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (l *GormVoterLookup) EligibleVoters(ctx context.Context, eventID uint) ([]models.EventUser, error) {
	var users []models.EventUser
	err := l.db.WithContext(ctx).
		Where("event_id = ? AND vote_amount > 0 AND allow_to_vote = ? AND verified = ?", eventID, true, true).
		Find(&users).Error
	return users, err
}

// GormEventLookup 基于GORM的EventLookup实现
type GormEventLookup struct {
	db *gorm.DB
}

func NewGormEventLookup(db *gorm.DB) *GormEventLookup {
	return &GormEventLookup{db: db}
}

func (l *GormEventLookup) FindEvent(ctx context.Context, eventID uint) (*models.Event, error) {
	var event models.Event
	if err := l.db.WithContext(ctx).First(&event, eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

// Publisher 是核心引擎对广播层的依赖接口。广播必须是尽力而为的:
// 任何发布失败都不能阻塞或影响投票提交本身。
type Publisher interface {
	PublishLifecycle(ev models.LifecycleEvent)
	PublishTally(ev models.TallyEvent)
}

// NopPublisher 空实现, 测试和工具场景使用
type NopPublisher struct{}

func (NopPublisher) PublishLifecycle(models.LifecycleEvent) {}
func (NopPublisher) PublishTally(models.TallyEvent)         {}
