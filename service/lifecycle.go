package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"realtime-election-backend/models"

	"gorm.io/gorm"
)

// Locker 关闭操作使用的可选分布式锁接口, 多实例部署时串行化并发关停
type Locker interface {
	WithLock(lockName string, expiry time.Duration, fn func() error) error
}

// LifecycleController 决定投票实例何时从开启转为关闭。
// 关闭是终态且幂等的: 重复关闭不改变状态, 但仍然重新广播关闭事件,
// 让错过第一次事件的客户端收敛。
type LifecycleController struct {
	db        *gorm.DB
	voters    VoterLookup
	events    EventLookup
	publisher Publisher
	locker    Locker // 可为nil
}

func NewLifecycleController(db *gorm.DB, voters VoterLookup, events EventLookup, publisher Publisher, locker Locker) *LifecycleController {
	return &LifecycleController{db: db, voters: voters, events: events, publisher: publisher, locker: locker}
}

// Open 激活一个投票定义, 创建投票实例并广播开启事件。
// MaxVotes是所有合格投票人配额之和, MaxVoteCycles是合格投票人数量。
func (c *LifecycleController) Open(ctx context.Context, pollID uint) (*models.PollResult, error) {
	var poll models.Poll
	if err := c.db.WithContext(ctx).Preload("Answers").First(&poll, pollID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPollNotFound
		}
		return nil, err
	}

	voters, err := c.voters.EligibleVoters(ctx, poll.EventID)
	if err != nil {
		return nil, err
	}
	maxVotes := 0
	for _, v := range voters {
		maxVotes += v.VoteAmount
	}

	result := models.PollResult{
		PollID:        pollID,
		Closed:        false,
		MaxVotes:      maxVotes,
		MaxVoteCycles: len(voters),
	}
	if err := c.db.WithContext(ctx).Create(&result).Error; err != nil {
		return nil, err
	}

	c.publisher.PublishLifecycle(models.LifecycleEvent{
		EventID:    poll.EventID,
		State:      models.KindPollOpened,
		PollResult: result,
		Poll:       poll,
	})
	return &result, nil
}

// Close 幂等地关闭投票实例并广播关闭事件。即使实例早已关闭也会再次广播。
func (c *LifecycleController) Close(ctx context.Context, pollResultID uint) error {
	if c.locker == nil {
		return c.doClose(ctx, pollResultID)
	}
	// 分布式锁失败时降级为直接关闭, 存储层的幂等UPDATE保证正确性
	err := c.locker.WithLock(lockName(pollResultID), 5*time.Second, func() error {
		return c.doClose(ctx, pollResultID)
	})
	if err != nil {
		log.Printf("警告: 获取关闭锁失败, 直接执行关闭: %v", err)
		return c.doClose(ctx, pollResultID)
	}
	return nil
}

func lockName(pollResultID uint) string {
	return fmt.Sprintf("poll_close_lock:%d", pollResultID)
}

func (c *LifecycleController) doClose(ctx context.Context, pollResultID uint) error {
	var result models.PollResult
	if err := c.db.WithContext(ctx).First(&result, pollResultID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPollResultNotFound
		}
		return err
	}

	// 存储层幂等关闭
	if err := c.db.WithContext(ctx).Model(&models.PollResult{}).
		Where("id = ?", pollResultID).
		UpdateColumn("closed", true).Error; err != nil {
		return err
	}
	result.Closed = true

	// 广播负载必须自包含: 始终携带完整的投票定义和所有可选答案
	poll := c.hydratePoll(ctx, result.PollID)

	c.publisher.PublishLifecycle(models.LifecycleEvent{
		EventID:    poll.EventID,
		State:      models.KindPollClosed,
		PollResult: result,
		Poll:       poll,
	})
	return nil
}

// hydratePoll 加载带所有可选答案的完整投票定义。
// 加载失败时返回硬编码的占位定义而不是省略必填字段。
func (c *LifecycleController) hydratePoll(ctx context.Context, pollID uint) models.Poll {
	var poll models.Poll
	err := c.db.WithContext(ctx).Preload("Answers").First(&poll, pollID).Error
	if err != nil {
		log.Printf("警告: 加载投票定义 %d 失败, 使用占位定义: %v", pollID, err)
		placeholder := models.Poll{
			Title:      "Unknown poll",
			PollText:   "Unknown poll",
			AnswerType: models.SingleChoice,
			Visibility: models.Secret,
			MinVotes:   1,
			MaxVotes:   1,
			Answers:    []models.PossibleAnswer{},
		}
		placeholder.ID = pollID
		return placeholder
	}
	return poll
}

// CheckAutoClose 在每次接受选票之后调用, 判断实例是否应该自动关闭。
// 异步活动永远不自动关闭。voterExhausted表示本次提交后该投票人配额已用尽。
func (c *LifecycleController) CheckAutoClose(ctx context.Context, result *models.PollResult, voterExhausted bool) error {
	var poll models.Poll
	if err := c.db.WithContext(ctx).First(&poll, result.PollID).Error; err != nil {
		return err
	}
	event, err := c.events.FindEvent(ctx, poll.EventID)
	if err != nil {
		return err
	}
	if event.Async {
		return nil
	}

	// 检查是否已无剩余答案容量
	var totalCycles int64
	err = c.db.WithContext(ctx).Model(&models.PollUserVoted{}).
		Where("poll_result_id = ?", result.ID).
		Select("COALESCE(SUM(vote_cycle), 0)").
		Scan(&totalCycles).Error
	if err != nil {
		return err
	}
	if result.MaxVotes > 0 && int(totalCycles) >= result.MaxVotes {
		return c.Close(ctx, result.ID)
	}

	// 单个投票人用尽配额不会替所有人关闭投票,
	// 只有当每个合格投票人都用尽配额时才关闭
	if voterExhausted {
		done, err := c.allVotersExhausted(ctx, poll.EventID, result.ID)
		if err != nil {
			return err
		}
		if done {
			return c.Close(ctx, result.ID)
		}
	}
	return nil
}

// allVotersExhausted 检查活动中每个合格投票人是否都已用尽该实例的配额
func (c *LifecycleController) allVotersExhausted(ctx context.Context, eventID, pollResultID uint) (bool, error) {
	voters, err := c.voters.EligibleVoters(ctx, eventID)
	if err != nil {
		return false, err
	}
	if len(voters) == 0 {
		return false, nil
	}
	for _, v := range voters {
		var rec models.PollUserVoted
		err := c.db.WithContext(ctx).
			Where("poll_result_id = ? AND event_user_id = ?", pollResultID, v.ID).
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if rec.VoteCycle < v.VoteAmount {
			return false, nil
		}
	}
	return true, nil
}

// CloseOverdueAsyncEvents 周期性清扫: 将超过计划结束时间的异步活动标记为
// 已结束, 并关闭其全部未关闭的投票实例。
func (c *LifecycleController) CloseOverdueAsyncEvents(ctx context.Context) error {
	var events []models.Event
	now := time.Now()
	err := c.db.WithContext(ctx).
		Where("async = ? AND finished = ? AND end_datetime IS NOT NULL AND end_datetime < ?", true, false, now).
		Find(&events).Error
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := c.db.WithContext(ctx).Model(&models.Event{}).
			Where("id = ?", event.ID).
			UpdateColumn("finished", true).Error; err != nil {
			log.Printf("标记活动 %d 结束失败: %v", event.ID, err)
			continue
		}

		var open []models.PollResult
		err := c.db.WithContext(ctx).
			Joins("JOIN polls ON polls.id = poll_results.poll_id").
			Where("polls.event_id = ? AND poll_results.closed = ?", event.ID, false).
			Find(&open).Error
		if err != nil {
			log.Printf("查询活动 %d 的未关闭实例失败: %v", event.ID, err)
			continue
		}
		for _, result := range open {
			if err := c.Close(ctx, result.ID); err != nil {
				log.Printf("关闭过期实例 %d 失败: %v", result.ID, err)
			}
		}
		log.Printf("已关闭过期异步活动 %d, 实例数: %d", event.ID, len(open))
	}
	return nil
}
