package service

import (
	"context"
	"errors"
	"log"

	"realtime-election-backend/models"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Engine 组合配额校验、周期跟踪和生命周期控制, 实现选票提交协议。
// 数据流: 提交 -> 配额校验 -> 周期事务(含答案插入) -> 自动关闭检查 -> 广播。
type Engine struct {
	db        *gorm.DB
	Tracker   *VoteCycleTracker
	Quota     *QuotaEnforcer
	Lifecycle *LifecycleController
	Snapshots *SnapshotService
	voters    VoterLookup
	publisher Publisher

	// bulkLimiter限制批量插入事务的进入速率, 降低周期记录上的锁竞争
	bulkLimiter *rate.Limiter
}

// NewEngine 创建核心投票引擎。locker可为nil。
func NewEngine(db *gorm.DB, publisher Publisher, locker Locker) *Engine {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	voters := NewGormVoterLookup(db)
	events := NewGormEventLookup(db)
	tracker := NewVoteCycleTracker(db)
	return &Engine{
		db:          db,
		Tracker:     tracker,
		Quota:       NewQuotaEnforcer(tracker),
		Lifecycle:   NewLifecycleController(db, voters, events, publisher, locker),
		Snapshots:   NewSnapshotService(db, voters),
		voters:      voters,
		publisher:   publisher,
		bulkLimiter: rate.NewLimiter(rate.Limit(20), 5),
	}
}

// SubmitRequest 单张选票中一个答案项的提交
type SubmitRequest struct {
	PollResultID     uint   `json:"poll_result_id"`
	EventUserID      uint   `json:"event_user_id"`
	AnswerContent    string `json:"answer_content"`
	AnswerItemCount  int    `json:"answer_item_count"`  // 本张选票的答案项总数
	AnswerItemLength int    `json:"answer_item_length"` // 当前是第几项(1起)
	BallotID         string `json:"ballot_id,omitempty"`
}

// BulkSubmitRequest 批量投票提交
type BulkSubmitRequest struct {
	PollResultID   uint     `json:"poll_result_id"`
	EventUserID    uint     `json:"event_user_id"`
	VoteCount      int      `json:"vote_count"`
	AnswerContents []string `json:"answer_contents"`
}

// SubmitAnswer 处理单张选票的一个答案项, 返回是否接受。
// 多答案选票的每一项单独提交, 只有最后一项到达时才推进投票周期,
// 一张多选选票只计一票。
func (e *Engine) SubmitAnswer(ctx context.Context, req SubmitRequest) (bool, error) {
	result, poll, voter, err := e.loadSubmission(ctx, req.PollResultID, req.EventUserID)
	if err != nil {
		return false, err
	}

	if _, err := e.Quota.Validate(ctx, voter, result); err != nil {
		if errors.Is(err, ErrNotAllowed) || errors.Is(err, ErrPollClosed) {
			// 配额拒绝是预期状况, 以失败结果而非错误返回
			return false, nil
		}
		return false, err
	}

	if !e.validAnswer(poll, req.AnswerContent) {
		log.Printf("警告: 实例 %d 收到无效答案内容", result.ID)
		return false, nil
	}

	pollUser, err := e.Tracker.EnsurePollUser(ctx, result.ID, voter.ID)
	if err != nil {
		return false, err
	}

	batchID := req.BallotID
	if batchID == "" {
		batchID = uuid.New().String()
	}

	row := models.PollAnswer{
		PollResultID:  result.ID,
		AnswerContent: req.AnswerContent,
		BatchID:       batchID,
	}
	// 秘密投票永远不持久化投票人关联
	if poll.Visibility == models.Public {
		id := pollUser.ID
		row.PollUserID = &id
	}

	// 周期增量只由选票的最后一项触发
	increment := 0
	if req.AnswerItemCount <= 1 || req.AnswerItemLength >= req.AnswerItemCount {
		increment = 1
	}

	newCycle, err := e.Tracker.AcceptBallot(ctx, result.ID, voter, []models.PollAnswer{row}, increment)
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			log.Printf("警告: 用户 %d 对实例 %d 的并发提交超出配额, 已拒绝", voter.ID, result.ID)
			return false, nil
		}
		return false, err
	}

	if increment > 0 {
		e.afterAccepted(ctx, result.ID, newCycle >= voter.VoteAmount)
	}
	return true, nil
}

// SubmitBulkAnswer 处理批量投票, 返回实际接受的票数。
// 实际持久化的票数为 min(requested, remaining, batchCap), 超出部分直接丢弃。
func (e *Engine) SubmitBulkAnswer(ctx context.Context, req BulkSubmitRequest) (int, error) {
	result, poll, voter, err := e.loadSubmission(ctx, req.PollResultID, req.EventUserID)
	if err != nil {
		return 0, err
	}

	remaining, err := e.Quota.Validate(ctx, voter, result)
	if err != nil {
		if errors.Is(err, ErrNotAllowed) || errors.Is(err, ErrPollClosed) {
			return 0, nil
		}
		return 0, err
	}

	granted := e.Quota.GrantBulk(req.VoteCount, remaining)
	if granted <= 0 {
		return 0, nil
	}

	pollUser, err := e.Tracker.EnsurePollUser(ctx, result.ID, voter.ID)
	if err != nil {
		return 0, err
	}

	// 背压: 平滑并发批量事务的进入速率
	if err := e.bulkLimiter.Wait(ctx); err != nil {
		return 0, err
	}

	rows := make([]models.PollAnswer, 0, granted)
	for i := 0; i < granted; i++ {
		content := ""
		if len(req.AnswerContents) > 0 {
			content = req.AnswerContents[i%len(req.AnswerContents)]
		}
		if !e.validAnswer(poll, content) {
			log.Printf("警告: 实例 %d 的批量提交包含无效答案内容", result.ID)
			return 0, nil
		}
		row := models.PollAnswer{
			PollResultID:  result.ID,
			AnswerContent: content,
			BatchID:       uuid.New().String(),
		}
		if poll.Visibility == models.Public {
			id := pollUser.ID
			row.PollUserID = &id
		}
		rows = append(rows, row)
	}

	newCycle, err := e.Tracker.AcceptBallot(ctx, result.ID, voter, rows, granted)
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			log.Printf("警告: 用户 %d 对实例 %d 的并发批量提交超出配额, 已拒绝", voter.ID, result.ID)
			return 0, nil
		}
		return 0, err
	}

	e.afterAccepted(ctx, result.ID, newCycle >= voter.VoteAmount)
	return granted, nil
}

// loadSubmission 加载提交涉及的实例、定义和投票人
func (e *Engine) loadSubmission(ctx context.Context, pollResultID, eventUserID uint) (*models.PollResult, *models.Poll, *models.EventUser, error) {
	var result models.PollResult
	if err := e.db.WithContext(ctx).First(&result, pollResultID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil, ErrPollResultNotFound
		}
		return nil, nil, nil, err
	}
	var poll models.Poll
	if err := e.db.WithContext(ctx).Preload("Answers").First(&poll, result.PollID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil, ErrPollNotFound
		}
		return nil, nil, nil, err
	}
	voter, err := e.voters.FindVoter(ctx, eventUserID)
	if err != nil {
		return nil, nil, nil, err
	}
	return &result, &poll, voter, nil
}

// validAnswer 校验答案内容: 单选类型必须命中预定义答案,
// 空内容仅在允许弃权时接受
func (e *Engine) validAnswer(poll *models.Poll, content string) bool {
	if content == "" {
		return poll.AllowAbstain
	}
	if poll.AnswerType == models.FreeForm {
		return true
	}
	for _, a := range poll.Answers {
		if a.Content == content {
			return true
		}
	}
	return false
}

// afterAccepted 在选票落库之后执行自动关闭检查并广播计票更新。
// 广播和关闭检查都是尽力而为: 丢一条通知可以接受, 丢一张选票不行。
func (e *Engine) afterAccepted(ctx context.Context, pollResultID uint, voterExhausted bool) {
	var result models.PollResult
	if err := e.db.WithContext(ctx).First(&result, pollResultID).Error; err != nil {
		log.Printf("自动关闭检查前重载实例 %d 失败: %v", pollResultID, err)
		return
	}
	if err := e.Lifecycle.CheckAutoClose(ctx, &result, voterExhausted); err != nil {
		log.Printf("实例 %d 自动关闭检查失败: %v", pollResultID, err)
	}

	tally, err := e.Snapshots.BuildTally(ctx, pollResultID)
	if err != nil {
		log.Printf("构建实例 %d 计票快照失败: %v", pollResultID, err)
		return
	}
	e.publisher.PublishTally(*tally)
}
